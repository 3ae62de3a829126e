package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"text/tabwriter"

	"github.com/shopspring/decimal"

	"bundlegate/internal/bundle"
	"bundlegate/internal/oracle"
	"bundlegate/internal/pipeline"
)

// Evaluate runs one bundle file through the gate and prints the decision.
func (a *App) Evaluate(ctx context.Context, opts EvaluateOptions, out io.Writer) (pipeline.Decision, error) {
	b, err := bundle.Load(opts.BundlePath)
	if err != nil {
		return pipeline.Decision{}, err
	}

	gate, closeGate, err := a.offlineGate(ctx, opts.PricesPath)
	if err != nil {
		return pipeline.Decision{}, err
	}
	if closeGate != nil {
		defer closeGate()
	}

	d := gate.Evaluate(ctx, b)
	if opts.JSON {
		return d, writeJSON(out, d)
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "Code\t%d (%s)\n", int(d.Code), d.Code)
	if d.Reason != "" {
		fmt.Fprintf(w, "Reason\t%s\n", d.Reason)
	}
	if d.Detail != "" {
		fmt.Fprintf(w, "Detail\t%s\n", d.Detail)
	}
	fmt.Fprintf(w, "Tier\t%s\n", d.Tier)
	fmt.Fprintf(w, "Offered\t%s SOL\n", formatSOL(d.Offered))
	fmt.Fprintf(w, "Required\t%s SOL\n", formatSOL(d.RequiredFee))
	fmt.Fprintf(w, "Latency\t%s\n", d.Latency)
	return d, w.Flush()
}

// Quote prints the required fee of a bundle at every tier without recording it.
func (a *App) Quote(ctx context.Context, opts EvaluateOptions, out io.Writer) ([]pipeline.TierQuote, error) {
	b, err := bundle.Load(opts.BundlePath)
	if err != nil {
		return nil, err
	}

	gate, closeGate, err := a.offlineGate(ctx, opts.PricesPath)
	if err != nil {
		return nil, err
	}
	if closeGate != nil {
		defer closeGate()
	}

	quotes := gate.Quote(b)
	if opts.JSON {
		return quotes, writeJSON(out, quotes)
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "Tier\tEnabled\tBase\tOracle\tInstitutional\tTotal (SOL)")
	for _, q := range quotes {
		fmt.Fprintf(w, "%s\t%t\t%d\t%d\t%d\t%s\n", q.Tier, q.Enabled, q.Fees.Base, q.Fees.Oracle, q.Fees.Institutional, formatSOL(q.Fees.Total))
	}
	return quotes, w.Flush()
}

// offlineGate builds a gate for one-shot commands. A prices file overrides
// the configured backend.
func (a *App) offlineGate(ctx context.Context, pricesPath string) (*pipeline.Gate, func(), error) {
	var (
		resolver oracle.Resolver
		closer   func()
		err      error
	)
	if pricesPath != "" {
		resolver, err = oracle.LoadStaticResolver(pricesPath)
	} else {
		resolver, closer, err = a.newResolver(ctx)
	}
	if err != nil {
		return nil, nil, err
	}

	gate, err := a.newGate(a.Config.Policy, resolver)
	if err != nil {
		if closer != nil {
			closer()
		}
		return nil, nil, err
	}
	return gate, closer, nil
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatSOL(lamports uint64) string {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(lamports), -9).StringFixed(9)
}
