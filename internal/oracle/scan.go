package oracle

import (
	"github.com/gagliardetto/solana-go"

	"bundlegate/internal/bundle"
	"bundlegate/internal/classify"
	"bundlegate/internal/decision"
	"bundlegate/internal/policy"
)

// InjectionPoint is an instruction that needs a fresh price before it executes.
type InjectionPoint struct {
	TxIndex      int              `json:"tx_index"`
	IxIndex      int              `json:"ix_index"`
	PriceAccount solana.PublicKey `json:"price_account"`
	FeedID       FeedID           `json:"feed_id"`
}

// Scan locates price-update instructions in transaction then instruction order.
// An instruction without a resolvable first account is not an injection point.
func Scan(b *bundle.Bundle, c classify.Classifier) []InjectionPoint {
	txs, ok := b.Txs()
	if !ok {
		return nil
	}
	var points []InjectionPoint
	for ti := range txs {
		msg := &txs[ti].Message
		for ii := range msg.Instructions {
			ix := &msg.Instructions[ii]
			if c.Classify(ix.Data) != classify.PriceUpdate {
				continue
			}
			key, ok := msg.FirstAccount(ix)
			if !ok {
				continue
			}
			points = append(points, InjectionPoint{
				TxIndex:      ti,
				IxIndex:      ii,
				PriceAccount: key,
				FeedID:       FeedIDFromKey(key),
			})
		}
	}
	return points
}

// CheckDensity rejects a transaction carrying more price updates than the
// policy allows. It also returns the transactions whose compute budget looks
// too small for their price updates; those are warnings only.
func CheckDensity(b *bundle.Bundle, points []InjectionPoint, p policy.Oracle) (lowCompute []int, err error) {
	if len(points) == 0 {
		return nil, nil
	}
	txs, ok := b.Txs()
	if !ok {
		return nil, decision.Reject(decision.ReasonNullData, "transactions unreachable")
	}

	perTx := make(map[int]int)
	for _, pt := range points {
		perTx[pt.TxIndex]++
	}
	for ti := range txs {
		n := perTx[ti]
		if n == 0 {
			continue
		}
		if n > p.MaxInstructionsPerTx {
			return nil, decision.Reject(decision.ReasonOracleDensity, "tx %d has %d price updates, limit %d", ti, n, p.MaxInstructionsPerTx)
		}
		if uint64(txs[ti].ComputeLimit) < uint64(n)*uint64(p.MinComputePerInstruction) {
			lowCompute = append(lowCompute, ti)
		}
	}
	return lowCompute, nil
}

// Distinct returns the feed ids referenced by points in first-seen order.
func Distinct(points []InjectionPoint) []FeedID {
	seen := make(map[FeedID]struct{}, len(points))
	var ids []FeedID
	for _, pt := range points {
		if _, ok := seen[pt.FeedID]; ok {
			continue
		}
		seen[pt.FeedID] = struct{}{}
		ids = append(ids, pt.FeedID)
	}
	return ids
}
