package bundle

import (
	"math"
	"sort"

	"github.com/gagliardetto/solana-go"
)

// HighComputeThreshold flags transactions whose budget could likely be trimmed.
const HighComputeThreshold = 1_000_000

// Stats summarises the declared transactions of a bundle.
type Stats struct {
	TransactionCount  int    `json:"transaction_count"`
	TotalComputeUnits uint64 `json:"total_compute_units"`
	TotalPriorityFees uint64 `json:"total_priority_fees"`
	UniquePrograms    int    `json:"unique_programs"`
	MaxAccountsPerTx  int    `json:"max_accounts_per_tx"`
}

// Analysis is advisory output about a bundle. It never changes the bundle.
type Analysis struct {
	Stats
	PriorityOrder      []int `json:"priority_order"`
	DuplicateFeeGroups int   `json:"duplicate_fee_groups"`
	HighComputeTxs     int   `json:"high_compute_txs"`
}

// TotalPriorityFees sums priority fees, saturating at MaxUint64.
func (b *Bundle) TotalPriorityFees() uint64 {
	txs, _ := b.Txs()
	var total uint64
	for i := range txs {
		total = addSat(total, txs[i].PriorityFee)
	}
	return total
}

// TotalComputeUnits sums declared compute limits.
func (b *Bundle) TotalComputeUnits() uint64 {
	txs, _ := b.Txs()
	var total uint64
	for i := range txs {
		total = addSat(total, uint64(txs[i].ComputeLimit))
	}
	return total
}

// ComputeStats walks the declared transactions once.
func ComputeStats(b *Bundle) Stats {
	txs, ok := b.Txs()
	if !ok {
		return Stats{}
	}

	stats := Stats{TransactionCount: len(txs)}
	programs := make(map[solana.PublicKey]struct{})
	for i := range txs {
		tx := &txs[i]
		stats.TotalComputeUnits = addSat(stats.TotalComputeUnits, uint64(tx.ComputeLimit))
		stats.TotalPriorityFees = addSat(stats.TotalPriorityFees, tx.PriorityFee)
		stats.MaxAccountsPerTx = max(stats.MaxAccountsPerTx, len(tx.Message.AccountKeys))
		for j := range tx.Message.Instructions {
			if key, ok := tx.Message.ProgramID(&tx.Message.Instructions[j]); ok {
				programs[key] = struct{}{}
			}
		}
	}
	stats.UniquePrograms = len(programs)
	return stats
}

// PriorityOrder suggests an execution order by descending priority fee.
// Ties keep submission order.
func PriorityOrder(b *Bundle) []int {
	txs, ok := b.Txs()
	if !ok {
		return nil
	}
	order := make([]int, len(txs))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool {
		return txs[order[i]].PriorityFee > txs[order[j]].PriorityFee
	})
	return order
}

// Analyze produces the advisory ordering and optimisation hints for a bundle.
func Analyze(b *Bundle) Analysis {
	analysis := Analysis{Stats: ComputeStats(b), PriorityOrder: PriorityOrder(b)}

	txs, ok := b.Txs()
	if !ok {
		return analysis
	}
	feeCounts := make(map[uint64]int, len(txs))
	for i := range txs {
		feeCounts[txs[i].PriorityFee]++
		if txs[i].ComputeLimit > HighComputeThreshold {
			analysis.HighComputeTxs++
		}
	}
	for _, n := range feeCounts {
		if n > 1 {
			analysis.DuplicateFeeGroups++
		}
	}
	return analysis
}

func addSat(a, b uint64) uint64 {
	if a > math.MaxUint64-b {
		return math.MaxUint64
	}
	return a + b
}
