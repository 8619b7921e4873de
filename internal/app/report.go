package app

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"cardpricer/internal/pricing"
)

// maxReportBars keeps the PNG legible; the CSV carries the full listing.
const maxReportBars = 30

// Report lists the most-stale persisted records with their serving state,
// optionally writing the listing as CSV and the age distribution as a PNG.
func (a *App) Report(ctx context.Context, opts ReportOptions) error {
	if opts.Limit <= 0 {
		opts.Limit = 50
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	records, err := store.GetMostStale(ctx, opts.Limit)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Fprintln(os.Stdout, "no price records found")
		return nil
	}

	policy := a.Config.StalenessPolicy()
	now := time.Now().UTC()

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Key\tAge\tState\tRaw\tCurrency\tFetched (UTC)")
	for _, rec := range records {
		raw := "-"
		if rec.RawPrice.Valid {
			raw = rec.RawPrice.Decimal.StringFixed(2)
		}
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\t%s\n",
			rec.ItemKey,
			rec.Age(now).Round(time.Minute),
			policy.ClassifyRecord(rec, now, pricing.PriorityBalanced),
			raw,
			rec.Currency,
			rec.FetchedAt.UTC().Format(time.RFC3339),
		)
	}
	if err := writer.Flush(); err != nil {
		return err
	}

	if opts.CSVPath != "" {
		if err := writeReportCSV(opts.CSVPath, records, policy, now); err != nil {
			return err
		}
		a.Logger.Info().Str("path", opts.CSVPath).Msg("staleness report written")
	}

	if opts.PNGPath != "" {
		if err := writeReportPNG(opts.PNGPath, records, now); err != nil {
			return err
		}
		a.Logger.Info().Str("path", opts.PNGPath).Msg("staleness chart written")
	}

	return nil
}

func writeReportCSV(path string, records []pricing.PriceRecord, policy pricing.StalenessPolicy, now time.Time) error {
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

	header := []string{"item_key", "age_hours", "state", "raw_price", "currency", "fetched_at"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, rec := range records {
		raw := ""
		if rec.RawPrice.Valid {
			raw = rec.RawPrice.Decimal.String()
		}
		row := []string{
			rec.ItemKey,
			fmt.Sprintf("%.2f", rec.Age(now).Hours()),
			policy.ClassifyRecord(rec, now, pricing.PriorityBalanced).String(),
			raw,
			rec.Currency,
			rec.FetchedAt.UTC().Format(time.RFC3339),
		}
		if err := writer.Write(row); err != nil {
			return err
		}
	}

	return writer.Error()
}

func writeReportPNG(path string, records []pricing.PriceRecord, now time.Time) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	if len(records) > maxReportBars {
		records = records[:maxReportBars]
	}

	bars := make([]chart.Value, 0, len(records))
	for _, rec := range records {
		bars = append(bars, chart.Value{
			Label: rec.ItemKey,
			Value: rec.Age(now).Hours(),
		})
	}

	graph := chart.BarChart{
		Title:    "Price record age (hours), most stale first",
		Width:    1280,
		Height:   720,
		BarWidth: 30,
		YAxis: chart.YAxis{
			Name: "Age (hours)",
		},
		Bars: bars,
	}

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
