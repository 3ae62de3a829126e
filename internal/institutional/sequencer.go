package institutional

import (
	"math"

	"github.com/rs/zerolog"

	"bundlegate/internal/bundle"
	"bundlegate/internal/classify"
	"bundlegate/internal/decision"
	"bundlegate/internal/policy"
)

// Sequencing is the advisory output of a successful institutional pass.
type Sequencing struct {
	MarketMakerTxs    []int  `json:"market_maker_txs"`
	PriorityOrder     []int  `json:"priority_order"`
	EstimatedNotional uint64 `json:"estimated_notional"`
}

// Sequencer applies market-maker tagging, compliance and risk gates.
type Sequencer struct {
	classifier classify.Classifier
	logger     zerolog.Logger
}

// NewSequencer builds a Sequencer using c to recognise AMM instructions.
func NewSequencer(c classify.Classifier, logger zerolog.Logger) *Sequencer {
	return &Sequencer{classifier: c, logger: logger.With().Str("component", "sequencer").Logger()}
}

// Sequence runs the three steps in order; the first failing gate rejects.
func (s *Sequencer) Sequence(b *bundle.Bundle, p policy.Institutional, offered uint64) (Sequencing, error) {
	var out Sequencing
	txs, ok := b.Txs()
	if !ok {
		return out, decision.Reject(decision.ReasonNullData, "transactions unreachable")
	}

	out.MarketMakerTxs = s.tagMarketMakers(txs)
	out.PriorityOrder = marketMakersFirst(len(txs), out.MarketMakerTxs)
	if len(out.MarketMakerTxs) > 0 {
		s.logger.Debug().Ints("txs", out.MarketMakerTxs).Msg("market maker transactions prioritised")
	}

	if err := checkCompliance(b, p.Compliance, offered); err != nil {
		s.logger.Warn().Err(err).Msg("compliance check failed")
		return out, err
	}

	out.EstimatedNotional = EstimateNotional(txs, p.NotionalMultiplier)
	if out.EstimatedNotional > p.Risk.MaxPositionSize {
		err := decision.Reject(decision.ReasonRiskLimit, "estimated notional %d exceeds %d", out.EstimatedNotional, p.Risk.MaxPositionSize)
		s.logger.Warn().Err(err).Msg("risk limit exceeded")
		return out, err
	}
	return out, nil
}

// IsMarketMaker reports whether any instruction of tx is an AMM operation.
func (s *Sequencer) IsMarketMaker(tx *bundle.Transaction) bool {
	for i := range tx.Message.Instructions {
		if s.classifier.Classify(tx.Message.Instructions[i].Data).MarketMaking() {
			return true
		}
	}
	return false
}

func (s *Sequencer) tagMarketMakers(txs []bundle.Transaction) []int {
	var tagged []int
	for i := range txs {
		if s.IsMarketMaker(&txs[i]) {
			tagged = append(tagged, i)
		}
	}
	return tagged
}

func checkCompliance(b *bundle.Bundle, c policy.Compliance, offered uint64) error {
	if !c.KYCRequired {
		return nil
	}
	if b.TransactionCount > c.MaxTransactions {
		return decision.Reject(decision.ReasonComplianceLimit, "%d transactions exceed institutional limit %d", b.TransactionCount, c.MaxTransactions)
	}
	if offered < c.MinFee {
		return decision.Reject(decision.ReasonInstitutionalFeeFloor, "offered %d below institutional minimum %d", offered, c.MinFee)
	}
	return nil
}

// EstimateNotional is the fee-based traded value proxy, saturating at MaxUint64.
func EstimateNotional(txs []bundle.Transaction, multiplier uint64) uint64 {
	var total uint64
	for i := range txs {
		v := txs[i].PriorityFee
		if multiplier != 0 && v > math.MaxUint64/multiplier {
			return math.MaxUint64
		}
		v *= multiplier
		if total > math.MaxUint64-v {
			return math.MaxUint64
		}
		total += v
	}
	return total
}

func marketMakersFirst(n int, tagged []int) []int {
	order := make([]int, 0, n)
	isMM := make(map[int]bool, len(tagged))
	for _, i := range tagged {
		isMM[i] = true
		order = append(order, i)
	}
	for i := 0; i < n; i++ {
		if !isMM[i] {
			order = append(order, i)
		}
	}
	return order
}
