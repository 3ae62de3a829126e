package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"bundlegate/internal/storage"
)

// State prints the latest persisted state and the recent checkpoint history.
func (a *App) State(ctx context.Context, opts StateOptions, out io.Writer) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show state")
	}
	if closeStore != nil {
		defer closeStore()
	}

	checkpoints, err := store.ListCheckpoints(ctx, opts.Limit)
	if err != nil {
		return err
	}
	return printState(out, checkpoints, opts.JSON)
}

func printState(out io.Writer, checkpoints []storage.Checkpoint, asJSON bool) error {
	if len(checkpoints) == 0 {
		fmt.Fprintln(out, "no checkpoints found")
		return nil
	}

	latest, err := checkpoints[0].State()
	if err != nil {
		return err
	}
	if asJSON {
		return writeJSON(out, latest)
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "Processed\t%d\n", latest.BundlesProcessed)
	fmt.Fprintf(w, "Accepted\t%d\n", latest.BundlesAccepted)
	fmt.Fprintf(w, "Rejected\t%d\n", latest.BundlesRejected)
	fmt.Fprintf(w, "Fees\t%s SOL\n", formatSOL(latest.TotalFeesCollected))
	fmt.Fprintf(w, "Avg latency\t%.3fµs\n", latest.AvgProcessingUS)
	fmt.Fprintf(w, "Tiers\t%s\n", latest.Policy.Tiers())
	if latest.LastError != "" {
		fmt.Fprintf(w, "Last error\t%s\n", sanitizeInline(latest.LastError))
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "ID\tCreated (UTC)\tLabel\tProcessed\tFees (lamports)\tAvg µs")
	for _, cp := range checkpoints {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%.3f\n",
			cp.ID,
			cp.CreatedAt.UTC().Format(time.RFC3339),
			cp.Label,
			cp.BundlesProcessed.String(),
			cp.TotalFees.String(),
			cp.AvgProcessingUS,
		)
	}
	return w.Flush()
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
