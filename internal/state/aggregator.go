package state

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"bundlegate/internal/decision"
	"bundlegate/internal/policy"
)

const (
	// Alpha is the smoothing factor of the latency moving average.
	Alpha = 0.1
	// SummaryEvery controls how often a metrics summary is logged.
	SummaryEvery = 100
)

// Outcome is what the pipeline reports after one decision.
type Outcome struct {
	Code    decision.Code
	Reason  decision.Reason
	Offered uint64
	Latency time.Duration
}

// Snapshot is the serialisable process state.
type Snapshot struct {
	BundlesProcessed   uint64        `json:"bundles_processed"`
	BundlesAccepted    uint64        `json:"bundles_accepted"`
	BundlesRejected    uint64        `json:"bundles_rejected"`
	TotalFeesCollected uint64        `json:"total_fees_collected"`
	AvgProcessingUS    float64       `json:"average_processing_time_us"`
	LastError          string        `json:"last_error,omitempty"`
	Policy             policy.Policy `json:"policy"`
	TakenAt            time.Time     `json:"taken_at"`
}

// Aggregator owns the process-wide counters and the active policy.
// Every access goes through a single mutex that is never held across I/O.
type Aggregator struct {
	mu     sync.Mutex
	snap   Snapshot
	faults uint64

	clock  clock.Clock
	logger zerolog.Logger
}

// New creates the aggregator with zeroed counters and the given policy.
func New(p policy.Policy, clk clock.Clock, logger zerolog.Logger) *Aggregator {
	if clk == nil {
		clk = clock.New()
	}
	return &Aggregator{
		snap:   Snapshot{Policy: p.Clone()},
		clock:  clk,
		logger: logger.With().Str("component", "state").Logger(),
	}
}

// locked runs fn under the mutex. A panic inside fn is recovered and
// reported as false; the counters keep whatever fn managed to write.
func (a *Aggregator) locked(fn func(s *Snapshot)) (ok bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	defer func() {
		if r := recover(); r != nil {
			a.faults++
			a.snap.LastError = fmt.Sprintf("state fault at %d: %v", a.clock.Now().Unix(), r)
			a.logger.Error().Interface("panic", r).Msg("state update aborted")
			ok = false
		}
	}()
	fn(&a.snap)
	return true
}

// Record folds one decision into the state.
func (a *Aggregator) Record(o Outcome) {
	var summary *Snapshot
	a.locked(func(s *Snapshot) {
		s.BundlesProcessed++
		if o.Code.OK() {
			s.BundlesAccepted++
			s.TotalFeesCollected = addSat(s.TotalFeesCollected, o.Offered)
		} else {
			s.BundlesRejected++
		}
		if !s.Policy.EnableMetrics {
			return
		}
		sample := float64(o.Latency) / float64(time.Microsecond)
		s.AvgProcessingUS = Alpha*sample + (1-Alpha)*s.AvgProcessingUS
		if !o.Code.OK() {
			s.LastError = fmt.Sprintf("processing failed at %d: %s", a.clock.Now().Unix(), o.Reason)
		}
		if s.BundlesProcessed%SummaryEvery == 0 {
			cp := *s
			summary = &cp
		}
	})
	if summary != nil {
		a.logger.Info().
			Uint64("bundles", summary.BundlesProcessed).
			Float64("avg_us", summary.AvgProcessingUS).
			Uint64("fees", summary.TotalFeesCollected).
			Msg("processing metrics")
	}
}

// Snapshot returns a copy of the current state.
func (a *Aggregator) Snapshot() Snapshot {
	var out Snapshot
	a.locked(func(s *Snapshot) {
		out = *s
		out.Policy = s.Policy.Clone()
	})
	out.TakenAt = a.clock.Now().UTC()
	return out
}

// Policy returns the active policy, or the defaults if the state cannot be read.
func (a *Aggregator) Policy() policy.Policy {
	var p policy.Policy
	if !a.locked(func(s *Snapshot) { p = s.Policy.Clone() }) {
		return policy.Default()
	}
	return p
}

// SetPolicy swaps the active policy after validating it.
func (a *Aggregator) SetPolicy(p policy.Policy) error {
	if err := p.Validate(); err != nil {
		return decision.Wrap(decision.ReasonStateUnavailable, err, "invalid policy")
	}
	a.locked(func(s *Snapshot) { s.Policy = p.Clone() })
	a.logger.Info().Str("tiers", p.Tiers().String()).Msg("policy replaced")
	return nil
}

// Faults counts recovered panics inside the critical section.
func (a *Aggregator) Faults() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.faults
}

// Export serialises the current state.
func (a *Aggregator) Export() ([]byte, error) {
	data, err := json.Marshal(a.Snapshot())
	if err != nil {
		return nil, decision.Wrap(decision.ReasonStateUnavailable, err, "encode state")
	}
	return data, nil
}

// Replace atomically swaps the whole state, policy included.
// Malformed or invalid input leaves the current state untouched.
func (a *Aggregator) Replace(data []byte) error {
	var next Snapshot
	if err := json.Unmarshal(data, &next); err != nil {
		return decision.Wrap(decision.ReasonStateUnavailable, err, "decode state")
	}
	return a.Restore(next)
}

// Restore installs a previously exported snapshot.
func (a *Aggregator) Restore(next Snapshot) error {
	if err := next.Policy.Validate(); err != nil {
		return decision.Wrap(decision.ReasonStateUnavailable, err, "invalid policy")
	}
	if next.BundlesAccepted+next.BundlesRejected > next.BundlesProcessed {
		return decision.Reject(decision.ReasonStateUnavailable, "accepted %d and rejected %d exceed processed %d",
			next.BundlesAccepted, next.BundlesRejected, next.BundlesProcessed)
	}
	next.TakenAt = time.Time{}
	next.Policy = next.Policy.Clone()
	a.locked(func(s *Snapshot) { *s = next })
	a.logger.Info().Uint64("bundles", next.BundlesProcessed).Msg("state restored")
	return nil
}

func addSat(a, b uint64) uint64 {
	if a+b < a {
		return ^uint64(0)
	}
	return a + b
}
