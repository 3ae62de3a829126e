package pipeline

import (
	"context"

	"bundlegate/internal/bundle"
	"bundlegate/internal/decision"
	"bundlegate/internal/fees"
	"bundlegate/internal/oracle"
	"bundlegate/internal/policy"
)

// evaluation carries per-bundle working data between stages. It lives for a
// single Evaluate call and is never shared.
type evaluation struct {
	bundle  *bundle.Bundle
	offered uint64
	tier    policy.Tier
	fees    fees.Breakdown
	points  []oracle.InjectionPoint
	advice  Advice
}

// stage is one link of the decision chain.
type stage interface {
	Name() string
	Tier() policy.Tier
	Run(ctx context.Context, ev *evaluation) error
}

// chain is the ordered stage list resolved from a policy's tier set.
func (c *compiled) chain() []stage {
	stages := []stage{validateStage{c}, baseStage{c}}
	if c.tiers.Has(policy.TierOracle) {
		stages = append(stages, oracleStage{c})
	}
	if c.tiers.Has(policy.TierInstitutional) {
		stages = append(stages, institutionalStage{c})
	}
	return stages
}

type validateStage struct{ c *compiled }

func (validateStage) Name() string      { return "validate" }
func (validateStage) Tier() policy.Tier { return policy.TierBase }

func (s validateStage) Run(_ context.Context, ev *evaluation) error {
	if err := s.c.validator.Validate(ev.bundle, s.c.policy); err != nil {
		return err
	}
	analysis := bundle.Analyze(ev.bundle)
	ev.advice.Analysis = &analysis
	value := s.c.engine.EstimateValue(ev.bundle)
	ev.advice.Value = &value
	return nil
}

type baseStage struct{ c *compiled }

func (baseStage) Name() string      { return "base" }
func (baseStage) Tier() policy.Tier { return policy.TierBase }

func (s baseStage) Run(_ context.Context, ev *evaluation) error {
	b := ev.bundle
	if b.TransactionCount > s.c.policy.MaxBundleSize {
		return decision.Reject(decision.ReasonBundleTooLarge, "%d transactions exceed limit %d", b.TransactionCount, s.c.policy.MaxBundleSize)
	}
	ev.fees = s.c.engine.Itemise(b, policy.TierBase, 0, 0)
	return fees.Check(ev.offered, ev.fees.Total, policy.TierBase)
}

type oracleStage struct{ c *compiled }

func (oracleStage) Name() string      { return "oracle" }
func (oracleStage) Tier() policy.Tier { return policy.TierOracle }

func (s oracleStage) Run(ctx context.Context, ev *evaluation) error {
	b := ev.bundle
	ev.points = oracle.Scan(b, s.c.classifier)
	if len(ev.points) == 0 {
		return nil
	}
	lowCompute, err := oracle.CheckDensity(b, ev.points, s.c.policy.Oracle)
	if err != nil {
		return err
	}
	if len(lowCompute) > 0 {
		s.c.logger.Warn().Ints("txs", lowCompute).Msg("compute limit low for oracle instructions")
	}

	adm, err := s.c.admitter.Admit(ctx, b, ev.points, s.c.policy.Oracle)
	if err != nil {
		return err
	}
	adm.LowComputeTxs = lowCompute
	ev.advice.Oracle = &adm

	ev.fees = s.c.engine.Itemise(b, policy.TierOracle, len(ev.points), 0)
	return fees.Check(ev.offered, ev.fees.Total, policy.TierOracle)
}

type institutionalStage struct{ c *compiled }

func (institutionalStage) Name() string      { return "institutional" }
func (institutionalStage) Tier() policy.Tier { return policy.TierInstitutional }

func (s institutionalStage) Run(_ context.Context, ev *evaluation) error {
	b := ev.bundle
	seq, err := s.c.sequencer.Sequence(b, s.c.policy.Institutional, ev.offered)
	if err != nil {
		return err
	}
	ev.advice.Sequencing = &seq

	opps := s.c.detector.Detect(b, s.c.policy.Institutional.Arbitrage)
	ev.advice.Opportunities = opps

	ev.fees = s.c.engine.Itemise(b, policy.TierInstitutional, len(ev.points), len(opps))
	return fees.Check(ev.offered, ev.fees.Total, policy.TierInstitutional)
}
