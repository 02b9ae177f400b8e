package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/btcsuite/btcutil"

	"github.com/toneloc/stable-channels/internal/agreement"
	"github.com/toneloc/stable-channels/internal/audit"
)

// Show prints the most recent Tick Records for a channel's audit log.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	if opts.ChannelID == "" {
		return errors.New("app: channel id is required")
	}
	if opts.Limit <= 0 {
		opts.Limit = 20
	}

	path := filepath.Join(a.Config.App.DataDir, fmt.Sprintf("%s-%s.log", agreement.Role(opts.Role), opts.ChannelID))
	records, err := audit.ReadAll(path)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Fprintln(os.Stdout, "no tick records found")
		return nil
	}

	if len(records) > opts.Limit {
		records = records[len(records)-opts.Limit:]
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Tick\tTime (UTC)\tUSD/BTC\tClassification\tReason\tAmount USD\tOutcome\tStatus\tOur balance\tError")

	for _, rec := range records {
		priceStr, amountStr, balanceStr := "", "", ""
		if rec.Price != nil {
			priceStr = rec.Price.USDPerBTC.StringFixed(2)
		}
		if rec.Action != nil {
			amountStr = rec.Action.AmountUSD.StringFixed(2)
		}
		if rec.Snapshot != nil {
			balanceStr = btcutil.Amount(rec.Snapshot.OurSpendableSat).String()
		}
		fmt.Fprintf(
			writer,
			"%d\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			rec.TickIndex,
			rec.WallClock.UTC().Format(time.RFC3339),
			priceStr,
			rec.Classification,
			rec.Reason,
			amountStr,
			rec.Outcome,
			rec.PaymentStatus,
			balanceStr,
			rec.Error,
		)
	}

	return writer.Flush()
}
