package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
)

var (
	// ErrPriceNotFound means the resolver has no price for the feed.
	ErrPriceNotFound = errors.New("oracle: price not found")
	// ErrPriceStale means the resolver knows the price is too old to use.
	ErrPriceStale = errors.New("oracle: price stale")
)

// Resolver fetches the current price for a feed. Implementations return
// ErrPriceNotFound or ErrPriceStale for those outcomes; any other error is
// treated as a transport failure.
type Resolver interface {
	Resolve(ctx context.Context, id FeedID) (PriceData, error)
}

// Refresher is implemented by resolvers that can be asked to pull new prices.
type Refresher interface {
	Refresh(ctx context.Context) error
}

// StaticResolver serves prices from memory.
type StaticResolver struct {
	mu     sync.RWMutex
	prices map[FeedID]PriceData
}

// NewStaticResolver returns a resolver seeded with prices.
func NewStaticResolver(prices map[FeedID]PriceData) *StaticResolver {
	r := &StaticResolver{prices: make(map[FeedID]PriceData, len(prices))}
	for id, p := range prices {
		r.prices[id] = p
	}
	return r
}

// LoadStaticResolver reads a JSON object mapping feed ids to prices.
func LoadStaticResolver(path string) (*StaticResolver, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read price file: %w", err)
	}
	var prices map[FeedID]PriceData
	if err := json.Unmarshal(raw, &prices); err != nil {
		return nil, fmt.Errorf("decode price file: %w", err)
	}
	return NewStaticResolver(prices), nil
}

// Set stores or replaces a price.
func (r *StaticResolver) Set(id FeedID, p PriceData) {
	r.mu.Lock()
	r.prices[id] = p
	r.mu.Unlock()
}

// Resolve implements Resolver.
func (r *StaticResolver) Resolve(ctx context.Context, id FeedID) (PriceData, error) {
	if err := ctx.Err(); err != nil {
		return PriceData{}, err
	}
	r.mu.RLock()
	p, ok := r.prices[id]
	r.mu.RUnlock()
	if !ok {
		return PriceData{}, ErrPriceNotFound
	}
	return p, nil
}

var _ Resolver = (*StaticResolver)(nil)
