package app

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"cardpricer/internal/pricing"
)

// ResolveOnce resolves the given keys once and prints the results. Used by
// operators to inspect what a caller would currently be served.
func (a *App) ResolveOnce(ctx context.Context, opts ResolveOptions) error {
	priority, err := pricing.ParsePriority(opts.Priority)
	if err != nil {
		return err
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	pipe, err := a.buildPipeline(store)
	if err != nil {
		return err
	}
	pipe.reval.Start(ctx)

	results, err := pipe.orch.ResolveMany(ctx, opts.Keys, priority)
	if err != nil {
		return err
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Key\tState\tSource\tRaw\tCurrency\tFetched (UTC)")
	for _, key := range opts.Keys {
		res, ok := results[key]
		if !ok || res.Record == nil {
			fmt.Fprintf(writer, "%s\t%s\t-\t-\t-\t-\n", key, pricing.StateUnavailable)
			continue
		}
		raw := "-"
		if res.Record.RawPrice.Valid {
			raw = res.Record.RawPrice.Decimal.StringFixed(2)
		}
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\t%s\n",
			key,
			res.State,
			res.Source,
			raw,
			res.Record.Currency,
			res.Record.FetchedAt.UTC().Format(time.RFC3339),
		)
	}
	return writer.Flush()
}
