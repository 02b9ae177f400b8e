// Package chartexport renders a channel's audit-log history to CSV and PNG
// for operator inspection and dashboards.
package chartexport

import (
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"github.com/toneloc/stable-channels/internal/audit"
)

// Options select the output files and bound the output density.
type Options struct {
	CSVPath   string
	PNGPath   string
	MaxPoints int
}

// Export renders a channel's Tick Records as CSV and/or PNG.
func Export(logPath string, opts Options) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("chartexport: at least one of csv or png path must be provided")
	}
	if opts.MaxPoints <= 0 {
		opts.MaxPoints = 100000
	}

	records, err := audit.ReadAll(logPath)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return nil
	}

	downsampled := downsample(records, opts.MaxPoints)

	if opts.CSVPath != "" {
		if err := writeCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}
	if opts.PNGPath != "" {
		if err := writePNG(opts.PNGPath, downsampled); err != nil {
			return err
		}
	}
	return nil
}

func downsample(records []audit.TickRecord, max int) []audit.TickRecord {
	if len(records) <= max {
		return records
	}
	result := make([]audit.TickRecord, 0, max)
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

func writeCSV(path string, records []audit.TickRecord) error {
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

	header := []string{"tick_index", "wall_clock", "usd_per_btc", "classification", "reason", "amount_usd", "amount_sat", "outcome", "payment_status"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, rec := range records {
		priceStr, amountUSD, amountSat := "", "", ""
		if rec.Price != nil {
			priceStr = rec.Price.USDPerBTC.String()
		}
		if rec.Action != nil {
			amountUSD = rec.Action.AmountUSD.String()
			amountSat = strconv.FormatInt(rec.Action.AmountSat, 10)
		}
		row := []string{
			strconv.FormatUint(rec.TickIndex, 10),
			rec.WallClock.Format(time.RFC3339),
			priceStr,
			string(rec.Classification),
			string(rec.Reason),
			amountUSD,
			amountSat,
			string(rec.Outcome),
			string(rec.PaymentStatus),
		}
		if err := writer.Write(row); err != nil {
			return err
		}
	}
	return writer.Error()
}

func writePNG(path string, records []audit.TickRecord) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, 0, len(records))
	price := make([]float64, 0, len(records))
	ourBalance := make([]float64, 0, len(records))

	for _, rec := range records {
		if rec.Price == nil || rec.Snapshot == nil {
			continue
		}
		x = append(x, rec.WallClock)
		price = append(price, rec.Price.USDPerBTC.InexactFloat64())
		ourBalance = append(ourBalance, float64(rec.Snapshot.OurSpendableSat)/1e8)
	}
	if len(x) == 0 {
		return errors.New("chartexport: no records with price and snapshot data to plot")
	}

	rateFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.2f")
	}
	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Reference price (USD/BTC)",
			ValueFormatter: rateFormatter,
		},
		YAxisSecondary: chart.YAxis{
			Name:           "Our spendable (BTC)",
			ValueFormatter: rateFormatter,
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "Reference price",
				XValues: x,
				YValues: price,
			},
			chart.TimeSeries{
				Name:    "Our spendable",
				XValues: x,
				YValues: ourBalance,
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
