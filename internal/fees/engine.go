package fees

import (
	"math"
	"math/big"

	"github.com/shopspring/decimal"

	"bundlegate/internal/bundle"
	"bundlegate/internal/decision"
	"bundlegate/internal/policy"
)

// computeUnitsPerLamport converts total compute budget into the compute surcharge.
const computeUnitsPerLamport = 1000

// Engine computes required fees. It is a pure function of the bundle and
// the fee schedule it was built with, so concurrent quotes agree.
type Engine struct {
	schedule   policy.Fees
	percentage decimal.Decimal
}

// New builds an engine for one fee schedule.
func New(schedule policy.Fees) Engine {
	return Engine{schedule: schedule, percentage: decimal.NewFromFloat(schedule.FeePercentage)}
}

// Breakdown itemises the three tier-1 terms and the tier surcharges.
type Breakdown struct {
	Floor         uint64 `json:"floor"`
	Proportional  uint64 `json:"proportional"`
	Compute       uint64 `json:"compute"`
	Base          uint64 `json:"base"`
	Oracle        uint64 `json:"oracle"`
	Institutional uint64 `json:"institutional"`
	Total         uint64 `json:"total"`
}

// Base returns the tier-1 fee: the largest of the per-transaction floor,
// the proportional priority-fee surcharge and the compute surcharge.
func (e Engine) Base(b *bundle.Bundle) uint64 {
	return e.baseTerms(b).Base
}

func (e Engine) baseTerms(b *bundle.Bundle) Breakdown {
	var out Breakdown
	if b == nil {
		return out
	}
	out.Floor = mulSat(e.schedule.MinFeePerTx, uint64(b.TransactionCount))
	out.Proportional = e.proportional(b.TotalPriorityFees())
	out.Compute = b.TotalComputeUnits() / computeUnitsPerLamport
	out.Base = max(out.Floor, out.Proportional, out.Compute)
	return out
}

func (e Engine) proportional(totalPriority uint64) uint64 {
	if totalPriority == 0 || e.percentage.Sign() <= 0 {
		return 0
	}
	total := decimal.NewFromBigInt(new(big.Int).SetUint64(totalPriority), 0)
	fee := total.Mul(e.percentage).Floor().BigInt()
	if !fee.IsUint64() {
		return math.MaxUint64
	}
	return fee.Uint64()
}

// OracleSurcharge is the tier-2 addition for the given number of injection points.
func (e Engine) OracleSurcharge(points int) uint64 {
	if points <= 0 {
		return 0
	}
	n := uint64(points)
	fee := mulSat(n, e.schedule.OracleFeePerPoint)
	if n > e.schedule.OracleComplexityThreshold {
		fee = addSat(fee, mulSat(n-e.schedule.OracleComplexityThreshold, e.schedule.OracleComplexityFee))
	}
	return fee
}

// InstitutionalSurcharge is the tier-3 addition.
func (e Engine) InstitutionalSurcharge(b *bundle.Bundle, opportunities int) uint64 {
	fee := e.schedule.InstitutionalBaseFee
	if opportunities > 0 {
		fee = addSat(fee, mulSat(uint64(opportunities), e.schedule.ArbitrageFee))
	}
	if b != nil {
		count := uint64(b.TransactionCount)
		if count > e.schedule.InstitutionalComplexityThreshold {
			fee = addSat(fee, mulSat(count-e.schedule.InstitutionalComplexityThreshold, e.schedule.InstitutionalComplexityFee))
		}
	}
	return fee
}

// Required returns the cumulative fee at tier. oraclePoints and opportunities
// feed the tier-2 and tier-3 surcharges and are ignored below those tiers.
func (e Engine) Required(b *bundle.Bundle, tier policy.Tier, oraclePoints, opportunities int) uint64 {
	return e.Itemise(b, tier, oraclePoints, opportunities).Total
}

// Itemise is Required with every term exposed.
func (e Engine) Itemise(b *bundle.Bundle, tier policy.Tier, oraclePoints, opportunities int) Breakdown {
	out := e.baseTerms(b)
	out.Total = out.Base
	if tier >= policy.TierOracle {
		out.Oracle = e.OracleSurcharge(oraclePoints)
		out.Total = addSat(out.Total, out.Oracle)
	}
	if tier >= policy.TierInstitutional {
		out.Institutional = e.InstitutionalSurcharge(b, opportunities)
		out.Total = addSat(out.Total, out.Institutional)
	}
	return out
}

// Check rejects when offered is below required. Equality is accepted.
func Check(offered, required uint64, tier policy.Tier) error {
	if offered < required {
		return decision.Reject(decision.ReasonInsufficientFee, "%s tier requires %d lamports, offered %d", tier, required, offered)
	}
	return nil
}

// Value estimates what a bundle is worth to the block producer.
type Value struct {
	TotalPriorityFees uint64 `json:"total_priority_fees"`
	TotalTips         uint64 `json:"total_tips"`
	EstimatedMEV      uint64 `json:"estimated_mev"`
	PluginFee         uint64 `json:"plugin_fee"`
}

// Total adds priority fees, tips and the MEV estimate.
func (v Value) Total() uint64 {
	return addSat(addSat(v.TotalPriorityFees, v.TotalTips), v.EstimatedMEV)
}

// EstimateValue uses a tenth of the priority fees as the MEV estimate.
func (e Engine) EstimateValue(b *bundle.Bundle) Value {
	if b == nil {
		return Value{}
	}
	prio := b.TotalPriorityFees()
	return Value{
		TotalPriorityFees: prio,
		TotalTips:         b.Metadata.TipAmount,
		EstimatedMEV:      prio / 10,
		PluginFee:         e.Base(b),
	}
}

func addSat(a, b uint64) uint64 {
	if a > math.MaxUint64-b {
		return math.MaxUint64
	}
	return a + b
}

func mulSat(a, b uint64) uint64 {
	if a == 0 || b == 0 {
		return 0
	}
	if a > math.MaxUint64/b {
		return math.MaxUint64
	}
	return a * b
}
