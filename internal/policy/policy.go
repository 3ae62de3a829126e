package policy

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"bundlegate/internal/classify"
)

// Policy is the configuration snapshot consumed by the decision core.
// Evaluations receive it by value and never mutate it.
type Policy struct {
	Fees                    Fees            `mapstructure:"fees" json:"fees"`
	MaxBundleSize           uint32          `mapstructure:"max_bundle_size" json:"max_bundle_size"`
	MaxTimestampSkewSeconds uint64          `mapstructure:"max_timestamp_skew_seconds" json:"max_timestamp_skew_seconds"`
	EnableMetrics           bool            `mapstructure:"enable_metrics" json:"enable_metrics"`
	EnableDebugLogging      bool            `mapstructure:"enable_debug_logging" json:"enable_debug_logging"`
	Features                Features        `mapstructure:"features" json:"features"`
	Oracle                  Oracle          `mapstructure:"oracle" json:"oracle"`
	Institutional           Institutional   `mapstructure:"institutional" json:"institutional"`
	Classifier              []classify.Rule `mapstructure:"classifier" json:"classifier,omitempty"`
}

// Fees parameterise every tier of the fee engine.
type Fees struct {
	MinFeePerTx                      uint64  `mapstructure:"min_fee_per_tx" json:"min_fee_per_tx"`
	FeePercentage                    float64 `mapstructure:"fee_percentage" json:"fee_percentage"`
	OracleFeePerPoint                uint64  `mapstructure:"oracle_fee_per_point" json:"oracle_fee_per_point"`
	OracleComplexityThreshold        uint64  `mapstructure:"oracle_complexity_threshold" json:"oracle_complexity_threshold"`
	OracleComplexityFee              uint64  `mapstructure:"oracle_complexity_fee" json:"oracle_complexity_fee"`
	InstitutionalBaseFee             uint64  `mapstructure:"institutional_base_fee" json:"institutional_base_fee"`
	ArbitrageFee                     uint64  `mapstructure:"arbitrage_fee" json:"arbitrage_fee"`
	InstitutionalComplexityThreshold uint64  `mapstructure:"institutional_complexity_threshold" json:"institutional_complexity_threshold"`
	InstitutionalComplexityFee       uint64  `mapstructure:"institutional_complexity_fee" json:"institutional_complexity_fee"`
}

// Features toggles the optional tiers.
type Features struct {
	Oracle        bool `mapstructure:"oracle" json:"oracle"`
	Institutional bool `mapstructure:"institutional" json:"institutional"`
}

// Oracle controls price admission.
type Oracle struct {
	MaxPriceAgeSeconds       int64  `mapstructure:"max_price_age_seconds" json:"max_price_age_seconds"`
	UpdateIntervalMS         uint64 `mapstructure:"update_interval_ms" json:"update_interval_ms"`
	VerificationLevel        uint8  `mapstructure:"verification_level" json:"verification_level"`
	EnableJITUpdates         bool   `mapstructure:"enable_jit_updates" json:"enable_jit_updates"`
	MaxInstructionsPerTx     int    `mapstructure:"max_instructions_per_tx" json:"max_instructions_per_tx"`
	MinComputePerInstruction uint32 `mapstructure:"min_compute_per_instruction" json:"min_compute_per_instruction"`
	MinConfidence            int    `mapstructure:"min_confidence" json:"min_confidence"`
	WarnConfidence           int    `mapstructure:"warn_confidence" json:"warn_confidence"`
	CacheSize                int    `mapstructure:"cache_size" json:"cache_size"`
}

// Institutional groups the sequencer and arbitrage detector parameters.
type Institutional struct {
	Risk               Risk       `mapstructure:"risk" json:"risk"`
	Compliance         Compliance `mapstructure:"compliance" json:"compliance"`
	NotionalMultiplier uint64     `mapstructure:"notional_multiplier" json:"notional_multiplier"`
	Arbitrage          Arbitrage  `mapstructure:"arbitrage" json:"arbitrage"`
}

// Risk limits applied to the fee-based notional estimate.
type Risk struct {
	MaxPositionSize uint64 `mapstructure:"max_position_size" json:"max_position_size"`
	MaxDailyVolume  uint64 `mapstructure:"max_daily_volume" json:"max_daily_volume"`
	VaRLimitBps     uint32 `mapstructure:"var_limit_bps" json:"var_limit_bps"`
}

// Compliance gates; only enforced when KYCRequired is set.
type Compliance struct {
	KYCRequired              bool   `mapstructure:"kyc_required" json:"kyc_required"`
	AMLScreening             bool   `mapstructure:"aml_screening" json:"aml_screening"`
	JurisdictionRestrictions uint32 `mapstructure:"jurisdiction_restrictions" json:"jurisdiction_restrictions"`
	MaxTransactions          uint32 `mapstructure:"max_transactions" json:"max_transactions"`
	MinFee                   uint64 `mapstructure:"min_fee" json:"min_fee"`
}

// Arbitrage tunes the heuristic opportunity detector.
type Arbitrage struct {
	MinPriorityFee  uint64 `mapstructure:"min_priority_fee" json:"min_priority_fee"`
	MinInstructions int    `mapstructure:"min_instructions" json:"min_instructions"`
	SourceVenue     uint32 `mapstructure:"source_venue" json:"source_venue"`
	DestVenue       uint32 `mapstructure:"dest_venue" json:"dest_venue"`
	BaseNotional    uint64 `mapstructure:"base_notional" json:"base_notional"`
	NotionalStep    uint64 `mapstructure:"notional_step" json:"notional_step"`
	BaseProfit      uint64 `mapstructure:"base_profit" json:"base_profit"`
	ProfitStep      uint64 `mapstructure:"profit_step" json:"profit_step"`
}

// Default returns the stock policy.
func Default() Policy {
	return Policy{
		Fees: Fees{
			MinFeePerTx:                      5000,
			FeePercentage:                    0.001,
			OracleFeePerPoint:                10_000,
			OracleComplexityThreshold:        5,
			OracleComplexityFee:              2000,
			InstitutionalBaseFee:             15_000,
			ArbitrageFee:                     5000,
			InstitutionalComplexityThreshold: 10,
			InstitutionalComplexityFee:       1000,
		},
		MaxBundleSize:           100,
		MaxTimestampSkewSeconds: 300,
		EnableMetrics:           true,
		Oracle: Oracle{
			MaxPriceAgeSeconds:       30,
			UpdateIntervalMS:         1000,
			VerificationLevel:        2,
			EnableJITUpdates:         true,
			MaxInstructionsPerTx:     10,
			MinComputePerInstruction: 10_000,
			MinConfidence:            30,
			WarnConfidence:           50,
			CacheSize:                1000,
		},
		Institutional: Institutional{
			Risk: Risk{
				MaxPositionSize: 1_000_000_000_000,
				MaxDailyVolume:  10_000_000_000_000,
				VaRLimitBps:     500,
			},
			Compliance: Compliance{
				KYCRequired:     true,
				AMLScreening:    true,
				MaxTransactions: 50,
				MinFee:          20_000,
			},
			NotionalMultiplier: 1000,
			Arbitrage: Arbitrage{
				MinPriorityFee:  100_000,
				MinInstructions: 2,
				SourceVenue:     1,
				DestVenue:       42161,
				BaseNotional:    1_000_000,
				NotionalStep:    100_000,
				BaseProfit:      5000,
				ProfitStep:      1000,
			},
		},
	}
}

// Clone returns a copy that shares no slices with p.
func (p Policy) Clone() Policy {
	if p.Classifier != nil {
		p.Classifier = append([]classify.Rule(nil), p.Classifier...)
	}
	return p
}

// Validate checks the snapshot for values the core cannot work with.
func (p Policy) Validate() error {
	var errs []error
	if p.MaxBundleSize == 0 {
		errs = append(errs, errors.New("max_bundle_size must be greater than zero"))
	}
	if p.MaxTimestampSkewSeconds == 0 {
		errs = append(errs, errors.New("max_timestamp_skew_seconds must be greater than zero"))
	}
	if p.Fees.FeePercentage < 0 || math.IsNaN(p.Fees.FeePercentage) || math.IsInf(p.Fees.FeePercentage, 0) {
		errs = append(errs, fmt.Errorf("fees.fee_percentage must be a finite non-negative fraction, got %v", p.Fees.FeePercentage))
	}
	if p.Oracle.MaxPriceAgeSeconds <= 0 {
		errs = append(errs, errors.New("oracle.max_price_age_seconds must be greater than zero"))
	}
	if p.Oracle.MinConfidence < 0 || p.Oracle.MinConfidence > 100 {
		errs = append(errs, errors.New("oracle.min_confidence must be within 0..100"))
	}
	if p.Oracle.WarnConfidence < p.Oracle.MinConfidence || p.Oracle.WarnConfidence > 100 {
		errs = append(errs, errors.New("oracle.warn_confidence must be within min_confidence..100"))
	}
	if p.Oracle.MaxInstructionsPerTx <= 0 {
		errs = append(errs, errors.New("oracle.max_instructions_per_tx must be greater than zero"))
	}
	if p.Oracle.CacheSize <= 0 {
		errs = append(errs, errors.New("oracle.cache_size must be greater than zero"))
	}
	if p.Institutional.NotionalMultiplier == 0 {
		errs = append(errs, errors.New("institutional.notional_multiplier must be greater than zero"))
	}
	if _, err := classify.FromRules(p.Classifier); err != nil {
		errs = append(errs, fmt.Errorf("classifier: %w", err))
	}
	return errors.Join(errs...)
}

// Tiers resolves the enabled capability set.
func (p Policy) Tiers() Tiers {
	t := Tiers(0).With(TierBase)
	if p.Features.Oracle {
		t = t.With(TierOracle)
	}
	if p.Features.Institutional {
		t = t.With(TierInstitutional)
	}
	return t
}

// Tier is one processing stage whose fee is additive over the previous one.
type Tier uint8

const (
	TierBase Tier = iota + 1
	TierOracle
	TierInstitutional
)

func (t Tier) String() string {
	switch t {
	case TierBase:
		return "base"
	case TierOracle:
		return "oracle"
	case TierInstitutional:
		return "institutional"
	default:
		return fmt.Sprintf("tier(%d)", uint8(t))
	}
}

// ParseTier accepts a tier name or number.
func ParseTier(s string) (Tier, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "base":
		return TierBase, nil
	case "2", "oracle":
		return TierOracle, nil
	case "3", "institutional":
		return TierInstitutional, nil
	}
	return 0, fmt.Errorf("unknown tier %q", s)
}

// Tiers is a bitset of enabled tiers.
type Tiers uint8

// With returns the set including t.
func (s Tiers) With(t Tier) Tiers { return s | 1<<t }

// Has reports whether t is enabled.
func (s Tiers) Has(t Tier) bool { return s&(1<<t) != 0 }

// Highest returns the highest enabled tier, or zero for an empty set.
func (s Tiers) Highest() Tier {
	for t := TierInstitutional; t >= TierBase; t-- {
		if s.Has(t) {
			return t
		}
	}
	return 0
}

func (s Tiers) String() string {
	var names []string
	for t := TierBase; t <= TierInstitutional; t++ {
		if s.Has(t) {
			names = append(names, t.String())
		}
	}
	return strings.Join(names, "+")
}
