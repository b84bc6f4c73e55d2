package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"whale-watcher/internal/alert"
	"whale-watcher/internal/storage"
)

// Export renders alert history as CSV and/or a PNG chart of USD volume.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}

	from := to.Add(-30 * 24 * time.Hour)
	if opts.From != nil {
		from = opts.From.UTC()
	}

	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	records, err := store.ListAlerts(ctx, storage.Filter{
		From:  &from,
		To:    &to,
		Limit: opts.MaxPoints,
	})
	if err != nil {
		return err
	}
	if len(records) == 0 {
		a.Logger.Info().Msg("no alerts found for export window")
		return nil
	}

	// ListAlerts returns newest first; exports read oldest first.
	reverse(records)
	downsampled := downsampleAlerts(records, opts.MaxPoints)
	a.Logger.Info().Int("total", len(records)).Int("exported", len(downsampled)).Msg("exporting alerts")

	if opts.CSVPath != "" {
		if err := writeAlertsCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeAlertsPNG(opts.PNGPath, downsampled); err != nil {
			return err
		}
	}

	return nil
}

func reverse(records []alert.StoredAlert) {
	for i, j := 0, len(records)-1; i < j; i, j = i+1, j-1 {
		records[i], records[j] = records[j], records[i]
	}
}

func downsampleAlerts(records []alert.StoredAlert, max int) []alert.StoredAlert {
	if max <= 0 || len(records) <= max {
		return records
	}

	result := make([]alert.StoredAlert, 0, max)
	step := float64(len(records)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(records) {
			idx = len(records) - 1
		}
		result = append(result, records[idx])
	}
	return result
}

func writeAlertsCSV(path string, records []alert.StoredAlert) error {
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

	header := []string{"ts", "blockchain", "symbol", "amount", "amount_usd", "from_address", "to_address", "tx_ref", "transaction_type", "identity_hash", "collision"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, rec := range records {
		collision := "false"
		if rec.Collision {
			collision = "true"
		}
		row := []string{
			rec.Timestamp.UTC().Format(time.RFC3339),
			rec.Blockchain,
			rec.Symbol,
			rec.Amount.String(),
			rec.AmountUSD.String(),
			rec.FromAddress,
			rec.ToAddress,
			rec.TxRef,
			rec.TransactionType,
			rec.IdentityHash,
			collision,
		}
		if err := writer.Write(row); err != nil {
			return err
		}
	}

	return writer.Error()
}

func writeAlertsPNG(path string, records []alert.StoredAlert) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(records))
	usd := make([]float64, len(records))
	for i, rec := range records {
		x[i] = rec.Timestamp
		usd[i] = rec.AmountUSD.InexactFloat64()
	}

	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name: "Transfer value (USD)",
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "Whale transfers",
				XValues: x,
				YValues: usd,
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
