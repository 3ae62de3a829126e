package institutional

import (
	"math"

	"github.com/rs/zerolog"

	"bundlegate/internal/bundle"
	"bundlegate/internal/classify"
	"bundlegate/internal/policy"
)

// Opportunity is a heuristic cross-venue arbitrage candidate. The venue and
// value fields are derived from the transaction position, not observed.
type Opportunity struct {
	TxIndex        int    `json:"tx_index"`
	SourceVenue    uint32 `json:"source_venue"`
	DestVenue      uint32 `json:"dest_venue"`
	Notional       uint64 `json:"notional"`
	ExpectedProfit uint64 `json:"expected_profit"`
}

// Detector flags transactions that look like arbitrage. It never rejects.
type Detector struct {
	classifier classify.Classifier
	logger     zerolog.Logger
}

// NewDetector builds a Detector using c to recognise swaps.
func NewDetector(c classify.Classifier, logger zerolog.Logger) *Detector {
	return &Detector{classifier: c, logger: logger.With().Str("component", "arbitrage").Logger()}
}

// Detect returns one opportunity per qualifying transaction. A failure while
// scanning yields no opportunities instead of an error.
func (d *Detector) Detect(b *bundle.Bundle, p policy.Arbitrage) (found []Opportunity) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error().Interface("panic", r).Msg("arbitrage detection aborted")
			found = nil
		}
	}()

	txs, ok := b.Txs()
	if !ok {
		return nil
	}
	for i := range txs {
		if !d.qualifies(&txs[i], p) {
			continue
		}
		idx := uint64(i)
		found = append(found, Opportunity{
			TxIndex:        i,
			SourceVenue:    p.SourceVenue,
			DestVenue:      p.DestVenue,
			Notional:       stepped(p.BaseNotional, p.NotionalStep, idx),
			ExpectedProfit: stepped(p.BaseProfit, p.ProfitStep, idx),
		})
	}
	if len(found) > 0 {
		d.logger.Info().Int("count", len(found)).Msg("arbitrage opportunities detected")
	}
	return found
}

func (d *Detector) qualifies(tx *bundle.Transaction, p policy.Arbitrage) bool {
	if len(tx.Message.Instructions) < p.MinInstructions || tx.PriorityFee <= p.MinPriorityFee {
		return false
	}
	for i := range tx.Message.Instructions {
		if d.classifier.Classify(tx.Message.Instructions[i].Data) == classify.Swap {
			return true
		}
	}
	return false
}

func stepped(base, step, n uint64) uint64 {
	if step != 0 && n > (math.MaxUint64-base)/step {
		return math.MaxUint64
	}
	return base + step*n
}
