package app

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/wcharczuk/go-chart/v2"

	"bundlegate/internal/storage"
)

// Export writes the checkpoint history inside the requested window as CSV.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot export")
	}
	if closeStore != nil {
		defer closeStore()
	}

	to := a.Clock.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}
	var from time.Time
	if opts.From != nil {
		from = opts.From.UTC()
	}
	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	checkpoints, err := store.ListCheckpoints(ctx, opts.Limit)
	if err != nil {
		return err
	}
	window := filterCheckpoints(checkpoints, from, to)
	if len(window) == 0 {
		a.Logger.Info().Msg("no checkpoints found for export window")
		return nil
	}

	a.Logger.Info().Int("total", len(checkpoints)).Int("exported", len(window)).Msg("exporting checkpoints")

	if opts.CSVPath != "" {
		if err := writeCheckpointsCSV(opts.CSVPath, window); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeCheckpointsPNG(opts.PNGPath, window); err != nil {
			return err
		}
	}

	return nil
}

// Prune deletes checkpoints created before the cutoff.
func (a *App) Prune(ctx context.Context, before time.Time) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot prune")
	}
	if closeStore != nil {
		defer closeStore()
	}
	if err := store.DeleteCheckpointsBefore(ctx, before.UTC()); err != nil {
		return err
	}
	a.Logger.Info().Time("before", before).Msg("checkpoints pruned")
	return nil
}

// filterCheckpoints keeps checkpoints created in [from, to), oldest first.
func filterCheckpoints(checkpoints []storage.Checkpoint, from, to time.Time) []storage.Checkpoint {
	out := make([]storage.Checkpoint, 0, len(checkpoints))
	for i := len(checkpoints) - 1; i >= 0; i-- {
		cp := checkpoints[i]
		if cp.CreatedAt.Before(from) || !cp.CreatedAt.Before(to) {
			continue
		}
		out = append(out, cp)
	}
	return out
}

func writeCheckpointsCSV(path string, checkpoints []storage.Checkpoint) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"id", "created_at", "label", "bundles_processed", "bundles_accepted", "bundles_rejected", "total_fees_lamports", "avg_processing_us", "last_error"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, cp := range checkpoints {
		snap, err := cp.State()
		if err != nil {
			return fmt.Errorf("checkpoint %d: %w", cp.ID, err)
		}
		record := []string{
			strconv.FormatInt(cp.ID, 10),
			cp.CreatedAt.UTC().Format(time.RFC3339),
			cp.Label,
			cp.BundlesProcessed.String(),
			strconv.FormatUint(snap.BundlesAccepted, 10),
			strconv.FormatUint(snap.BundlesRejected, 10),
			cp.TotalFees.String(),
			strconv.FormatFloat(cp.AvgProcessingUS, 'f', 3, 64),
			sanitizeInline(snap.LastError),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

// writeCheckpointsPNG plots average latency and processed bundles per checkpoint.
func writeCheckpointsPNG(path string, checkpoints []storage.Checkpoint) error {
	if len(checkpoints) < 2 {
		return fmt.Errorf("chart needs at least two checkpoints, got %d", len(checkpoints))
	}
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(checkpoints))
	latency := make([]float64, len(checkpoints))
	processed := make([]float64, len(checkpoints))

	for i, cp := range checkpoints {
		x[i] = cp.CreatedAt
		latency[i] = cp.AvgProcessingUS
		processed[i] = cp.BundlesProcessed.InexactFloat64()
	}

	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name: "Avg latency (µs)",
			ValueFormatter: func(v interface{}) string {
				return chart.FloatValueFormatterWithFormat(v, "%.1f")
			},
		},
		YAxisSecondary: chart.YAxis{
			Name: "Bundles processed",
			ValueFormatter: func(v interface{}) string {
				return chart.FloatValueFormatterWithFormat(v, "%.0f")
			},
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "Avg latency",
				XValues: x,
				YValues: latency,
			},
			chart.TimeSeries{
				Name:    "Processed",
				XValues: x,
				YValues: processed,
				YAxis:   chart.YAxisSecondary,
			},
		},
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
