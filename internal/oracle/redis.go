package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisOptions parameterise the Redis-backed resolver.
type RedisOptions struct {
	KeyPrefix      string
	RefreshChannel string
	TTL            time.Duration
	Clock          clock.Clock
}

// RedisResolver reads price snapshots written by an external feeder process
// and asks the feeder for new prices over pub/sub.
type RedisResolver struct {
	client redis.Cmdable
	opts   RedisOptions
	logger zerolog.Logger
}

// NewRedisResolver wires a Redis client into a resolver.
func NewRedisResolver(client redis.Cmdable, opts RedisOptions, logger zerolog.Logger) *RedisResolver {
	if opts.KeyPrefix == "" {
		opts.KeyPrefix = "bundlegate:price:"
	}
	if opts.RefreshChannel == "" {
		opts.RefreshChannel = "bundlegate:price:refresh"
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	return &RedisResolver{
		client: client,
		opts:   opts,
		logger: logger.With().Str("component", "redis_resolver").Logger(),
	}
}

// Key returns the Redis key holding the feed's price.
func (r *RedisResolver) Key(id FeedID) string {
	return r.opts.KeyPrefix + id.String()
}

// Resolve implements Resolver.
func (r *RedisResolver) Resolve(ctx context.Context, id FeedID) (PriceData, error) {
	raw, err := r.client.Get(ctx, r.Key(id)).Result()
	if errors.Is(err, redis.Nil) {
		return PriceData{}, ErrPriceNotFound
	}
	if err != nil {
		return PriceData{}, fmt.Errorf("get price %s: %w", id, err)
	}

	var p PriceData
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return PriceData{}, fmt.Errorf("decode price %s: %w", id, err)
	}
	return p, nil
}

// Store writes a price snapshot. Feeders and tools use it; the decision path never writes.
func (r *RedisResolver) Store(ctx context.Context, id FeedID, p PriceData) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal price %s: %w", id, err)
	}
	if err := r.client.Set(ctx, r.Key(id), string(data), r.opts.TTL).Err(); err != nil {
		return fmt.Errorf("set price %s: %w", id, err)
	}
	return nil
}

// Refresh publishes a refresh request carrying the current unix time.
func (r *RedisResolver) Refresh(ctx context.Context) error {
	stamp := strconv.FormatInt(r.opts.Clock.Now().Unix(), 10)
	receivers, err := r.client.Publish(ctx, r.opts.RefreshChannel, stamp).Result()
	if err != nil {
		return fmt.Errorf("publish refresh: %w", err)
	}
	if receivers == 0 {
		r.logger.Debug().Str("channel", r.opts.RefreshChannel).Msg("refresh request had no subscribers")
	}
	return nil
}

var (
	_ Resolver  = (*RedisResolver)(nil)
	_ Refresher = (*RedisResolver)(nil)
)
