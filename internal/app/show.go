package app

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"
)

// Show prints recent stored alerts.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	records, err := store.ListRecentAlerts(ctx, opts.Limit)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Fprintln(os.Stdout, "no alerts found")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tChain\tSymbol\tAmount\tUSD\tFrom\tTo\tTxRef\tCollision")

	for _, rec := range records {
		usd := ""
		if !rec.AmountUSD.IsZero() {
			usd = rec.AmountUSD.StringFixed(0)
		}
		collision := ""
		if rec.Collision {
			collision = "yes"
		}
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			rec.Timestamp.UTC().Format(time.RFC3339),
			rec.Blockchain,
			rec.Symbol,
			rec.Amount.String(),
			usd,
			sanitizeInline(rec.FromAddress),
			sanitizeInline(rec.ToAddress),
			shortRef(rec.TxRef),
			collision,
		)
	}

	writer.Flush()
	return nil
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}

func shortRef(ref string) string {
	if len(ref) <= 16 {
		return ref
	}
	return ref[:16] + "…"
}
