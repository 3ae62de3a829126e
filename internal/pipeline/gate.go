package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"bundlegate/internal/bundle"
	"bundlegate/internal/classify"
	"bundlegate/internal/decision"
	"bundlegate/internal/fees"
	"bundlegate/internal/institutional"
	"bundlegate/internal/oracle"
	"bundlegate/internal/policy"
	"bundlegate/internal/state"
	"bundlegate/internal/validation"
)

// Options wire the collaborators of a Gate. Every field is optional.
type Options struct {
	State    *state.Aggregator
	Resolver oracle.Resolver
	Cache    *oracle.Cache
	Clock    clock.Clock
}

// Gate is the bundle decision pipeline. It is safe for concurrent use; the
// only shared mutable resources are the state aggregator and the price cache.
type Gate struct {
	mu       sync.RWMutex
	compiled *compiled

	state    *state.Aggregator
	admitter *oracle.Admitter
	clock    clock.Clock
	logger   zerolog.Logger
}

// compiled is everything derived from one policy snapshot.
type compiled struct {
	policy     policy.Policy
	tiers      policy.Tiers
	engine     fees.Engine
	classifier classify.Classifier
	validator  *validation.Validator
	sequencer  *institutional.Sequencer
	detector   *institutional.Detector
	admitter   *oracle.Admitter
	stages     []stage
	logger     zerolog.Logger
}

// New builds a Gate for p.
func New(p policy.Policy, opts Options, logger zerolog.Logger) (*Gate, error) {
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("validate policy: %w", err)
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	logger = logger.With().Str("component", "gate").Logger()

	agg := opts.State
	if agg == nil {
		agg = state.New(p, clk, logger)
	} else if err := agg.SetPolicy(p); err != nil {
		return nil, err
	}

	cache := opts.Cache
	if cache == nil {
		cache = oracle.NewCache(p.Oracle.CacheSize, clk, logger)
	}

	g := &Gate{
		state:    agg,
		admitter: oracle.NewAdmitter(oracle.Options{Resolver: opts.Resolver, Cache: cache, Clock: clk}, logger),
		clock:    clk,
		logger:   logger,
	}
	c, err := g.compile(p)
	if err != nil {
		return nil, err
	}
	g.compiled = c
	g.logger.Info().Str("tiers", c.tiers.String()).Msg("decision pipeline ready")
	return g, nil
}

func (g *Gate) compile(p policy.Policy) (*compiled, error) {
	table, err := classify.FromRules(p.Classifier)
	if err != nil {
		return nil, fmt.Errorf("build classifier: %w", err)
	}
	logger := g.logger
	if p.EnableDebugLogging {
		logger = logger.Level(zerolog.DebugLevel)
	}
	c := &compiled{
		policy:     p.Clone(),
		tiers:      p.Tiers(),
		engine:     fees.New(p.Fees),
		classifier: table,
		validator:  validation.New(g.clock, logger),
		sequencer:  institutional.NewSequencer(table, logger),
		detector:   institutional.NewDetector(table, logger),
		admitter:   g.admitter,
		logger:     logger,
	}
	c.stages = c.chain()
	return c, nil
}

func (g *Gate) current() *compiled {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.compiled
}

// Reconfigure installs a new policy for subsequent evaluations. Evaluations
// already running finish with the snapshot they started with.
func (g *Gate) Reconfigure(p policy.Policy) error {
	if err := g.state.SetPolicy(p); err != nil {
		return err
	}
	return g.recompile(p)
}

// Restore replaces the whole process state from an exported snapshot and
// adopts the policy it carries.
func (g *Gate) Restore(data []byte) error {
	if err := g.state.Replace(data); err != nil {
		return err
	}
	return g.recompile(g.state.Policy())
}

func (g *Gate) recompile(p policy.Policy) error {
	c, err := g.compile(p)
	if err != nil {
		return decision.Wrap(decision.ReasonStateUnavailable, err, "compile policy")
	}
	g.mu.Lock()
	g.compiled = c
	g.mu.Unlock()
	g.logger.Info().Str("tiers", c.tiers.String()).Msg("decision pipeline reconfigured")
	return nil
}

// Policy returns the snapshot used by new evaluations.
func (g *Gate) Policy() policy.Policy { return g.current().policy.Clone() }

// Tiers returns the enabled capability set.
func (g *Gate) Tiers() policy.Tiers { return g.current().tiers }

// State exposes the process state aggregator.
func (g *Gate) State() *state.Aggregator { return g.state }

// Admitter exposes the oracle admission stage, used for background refresh.
func (g *Gate) Admitter() *oracle.Admitter { return g.admitter }

// Evaluate runs the enabled stages in order and returns exactly one decision.
// Malformed input never panics out of this call.
func (g *Gate) Evaluate(ctx context.Context, b *bundle.Bundle) (d Decision) {
	start := g.clock.Now()
	c := g.current()
	ev := &evaluation{bundle: b}
	if b != nil {
		ev.offered = b.Metadata.PluginFees
	}

	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().Interface("panic", r).Msg("evaluation aborted")
			d = g.finish(c, ev, start, decision.Reject(decision.ReasonInternalPanic, "%v", r))
		}
	}()

	var err error
	for _, s := range c.stages {
		ev.tier = s.Tier()
		if err = s.Run(ctx, ev); err != nil {
			c.logger.Warn().Err(err).Str("stage", s.Name()).Msg("bundle rejected")
			break
		}
	}
	return g.finish(c, ev, start, err)
}

func (g *Gate) finish(c *compiled, ev *evaluation, start time.Time, err error) Decision {
	d := Decision{
		Code:        decision.CodeOf(err),
		Tier:        ev.tier,
		RequiredFee: ev.fees.Total,
		Fees:        ev.fees,
		Offered:     ev.offered,
		Advice:      ev.advice,
	}
	if err != nil {
		if reason, ok := decision.ReasonOf(err); ok {
			d.Reason = reason
		} else {
			d.Reason = decision.ReasonStateUnavailable
		}
		d.Detail = err.Error()
	}
	d.Latency = g.clock.Since(start)

	g.state.Record(state.Outcome{Code: d.Code, Reason: d.Reason, Offered: d.Offered, Latency: d.Latency})
	if d.Code.OK() {
		c.logger.Debug().
			Str("tier", d.Tier.String()).
			Uint64("required", d.RequiredFee).
			Uint64("offered", d.Offered).
			Dur("latency", d.Latency).
			Msg("bundle admitted")
	}
	return d
}

// RequiredFee quotes the cumulative fee at tier without resolving prices or
// touching process state. Calls on an unchanged bundle return identical values.
func (g *Gate) RequiredFee(b *bundle.Bundle, tier policy.Tier) uint64 {
	return g.current().quote(b, tier).Total
}

// Quote itemises the required fee at every tier.
func (g *Gate) Quote(b *bundle.Bundle) []TierQuote {
	c := g.current()
	quotes := make([]TierQuote, 0, 3)
	for t := policy.TierBase; t <= policy.TierInstitutional; t++ {
		quotes = append(quotes, TierQuote{Tier: t, Enabled: c.tiers.Has(t), Fees: c.quote(b, t)})
	}
	return quotes
}

// quote mirrors the stage chain: above tier 2, oracle points only count when
// the oracle tier is active, since Evaluate never scans them otherwise.
func (c *compiled) quote(b *bundle.Bundle, tier policy.Tier) fees.Breakdown {
	var points, opps int
	if tier == policy.TierOracle || (tier > policy.TierOracle && c.tiers.Has(policy.TierOracle)) {
		points = len(oracle.Scan(b, c.classifier))
	}
	if tier >= policy.TierInstitutional && b != nil {
		opps = len(c.detector.Detect(b, c.policy.Institutional.Arbitrage))
	}
	return c.engine.Itemise(b, tier, points, opps)
}
