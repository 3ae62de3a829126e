package oracle

import (
	"context"
	"errors"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"bundlegate/internal/bundle"
	"bundlegate/internal/decision"
	"bundlegate/internal/policy"
)

// Options wire an Admitter.
type Options struct {
	Resolver Resolver
	Cache    *Cache
	Clock    clock.Clock
}

// Admitter resolves and scores the prices a bundle depends on.
type Admitter struct {
	resolver  Resolver
	refresher Refresher
	cache     *Cache
	clock     clock.Clock
	logger    zerolog.Logger
}

// ResolvedPrice is a price accepted for one feed.
type ResolvedPrice struct {
	FeedID FeedID    `json:"feed_id"`
	Price  PriceData `json:"price"`
	Score  int       `json:"score"`
	Cached bool      `json:"cached"`
}

// Plan is advisory ordering output. It is never applied to the bundle.
type Plan struct {
	Independent []int    `json:"independent"`
	Dependent   []int    `json:"dependent"`
	Order       []int    `json:"order"`
	Conflicts   []FeedID `json:"conflicts,omitempty"`
}

// Admission is the outcome of a successful oracle stage.
type Admission struct {
	Points        []InjectionPoint `json:"points"`
	Prices        []ResolvedPrice  `json:"prices"`
	LowConfidence []FeedID         `json:"low_confidence,omitempty"`
	LowComputeTxs []int            `json:"low_compute_txs,omitempty"`
	Plan          Plan             `json:"plan"`
	Refreshed     bool             `json:"refreshed"`
}

// NewAdmitter builds an Admitter. A resolver implementing Refresher is
// refreshed before resolution whenever the cache is due.
func NewAdmitter(opts Options, logger zerolog.Logger) *Admitter {
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	cache := opts.Cache
	if cache == nil {
		cache = NewCache(DefaultCacheSize, clk, logger)
	}
	a := &Admitter{
		resolver: opts.Resolver,
		cache:    cache,
		clock:    clk,
		logger:   logger.With().Str("component", "oracle").Logger(),
	}
	if r, ok := opts.Resolver.(Refresher); ok {
		a.refresher = r
	}
	return a
}

// Cache exposes the shared price cache.
func (a *Admitter) Cache() *Cache { return a.cache }

// Admit resolves every distinct feed referenced by points and scores it.
// Any missing, stale or low-confidence price rejects the whole bundle.
func (a *Admitter) Admit(ctx context.Context, b *bundle.Bundle, points []InjectionPoint, p policy.Oracle) (Admission, error) {
	adm := Admission{Points: points}
	if len(points) == 0 {
		return adm, nil
	}
	if a.resolver == nil {
		return adm, decision.Reject(decision.ReasonOracleNetworkFailure, "no price resolver configured")
	}

	refreshed, err := a.RefreshIfDue(ctx, p)
	if err != nil {
		return adm, err
	}
	adm.Refreshed = refreshed

	now := a.clock.Now()
	for _, id := range Distinct(points) {
		resolved, err := a.resolve(ctx, id, now, p.MaxPriceAgeSeconds)
		if err != nil {
			return adm, err
		}
		resolved.Score = Score(resolved.Price, now)
		if resolved.Score < p.MinConfidence {
			return adm, decision.Reject(decision.ReasonLowConfidence, "feed %s scored %d, minimum %d", id, resolved.Score, p.MinConfidence)
		}
		if resolved.Score < p.WarnConfidence {
			a.logger.Warn().Str("feed", id.String()).Int("score", resolved.Score).Msg("low confidence price")
			adm.LowConfidence = append(adm.LowConfidence, id)
		}
		adm.Prices = append(adm.Prices, resolved)
	}

	adm.Plan = PlanOrder(b, points)
	if len(adm.Plan.Conflicts) > 0 {
		a.logger.Debug().Int("conflicts", len(adm.Plan.Conflicts)).Msg("feeds referenced by several injection points")
	}
	return adm, nil
}

// RefreshIfDue triggers the resolver's refresh when the cache interval has
// elapsed. A failed refresh is a network failure.
func (a *Admitter) RefreshIfDue(ctx context.Context, p policy.Oracle) (bool, error) {
	if a.refresher == nil || !p.EnableJITUpdates {
		return false, nil
	}
	interval := time.Duration(p.UpdateIntervalMS) * time.Millisecond
	if !a.cache.DueForRefresh(interval) {
		return false, nil
	}
	if err := a.refresher.Refresh(ctx); err != nil {
		a.logger.Error().Err(err).Msg("oracle refresh failed")
		return false, decision.Wrap(decision.ReasonOracleNetworkFailure, err, "refresh")
	}
	a.cache.MarkRefreshed()
	return true, nil
}

// resolve serves from cache when the cached entry is still fresh, otherwise
// asks the resolver. No lock is held while the resolver runs.
func (a *Admitter) resolve(ctx context.Context, id FeedID, now time.Time, maxAge int64) (ResolvedPrice, error) {
	if cached, ok := a.cache.Get(id); ok {
		if !cached.StaleAt(now, maxAge) {
			return ResolvedPrice{FeedID: id, Price: cached, Cached: true}, nil
		}
		a.cache.Remove(id)
	}

	price, err := a.resolver.Resolve(ctx, id)
	switch {
	case err == nil:
	case errors.Is(err, ErrPriceNotFound):
		return ResolvedPrice{}, decision.Reject(decision.ReasonOracleMissingPrice, "feed %s", id)
	case errors.Is(err, ErrPriceStale):
		return ResolvedPrice{}, decision.Reject(decision.ReasonOracleStalePrice, "feed %s reported stale", id)
	default:
		return ResolvedPrice{}, decision.Wrap(decision.ReasonOracleNetworkFailure, err, "feed "+id.String())
	}

	if price.StaleAt(now, maxAge) {
		return ResolvedPrice{}, decision.Reject(decision.ReasonOracleStalePrice, "feed %s published %ds ago, limit %ds", id, now.Unix()-price.PublishTime, maxAge)
	}
	a.cache.Put(id, price)
	return ResolvedPrice{FeedID: id, Price: price}, nil
}

// PlanOrder splits transactions into those independent of oracle prices and
// those that depend on them, suggesting independent ones first.
func PlanOrder(b *bundle.Bundle, points []InjectionPoint) Plan {
	var plan Plan
	txs, ok := b.Txs()
	if !ok {
		return plan
	}

	dependent := make(map[int]bool, len(points))
	uses := make(map[FeedID]int, len(points))
	for _, pt := range points {
		dependent[pt.TxIndex] = true
		uses[pt.FeedID]++
	}
	for i := range txs {
		if dependent[i] {
			plan.Dependent = append(plan.Dependent, i)
		} else {
			plan.Independent = append(plan.Independent, i)
		}
	}
	plan.Order = append(append(make([]int, 0, len(txs)), plan.Independent...), plan.Dependent...)
	for _, id := range Distinct(points) {
		if uses[id] > 1 {
			plan.Conflicts = append(plan.Conflicts, id)
		}
	}
	return plan
}
