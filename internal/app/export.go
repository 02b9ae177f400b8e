package app

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/toneloc/stable-channels/internal/agreement"
	"github.com/toneloc/stable-channels/internal/chartexport"
)

// Export renders a channel's Tick Records as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.ChannelID == "" {
		return errors.New("app: channel id is required")
	}
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("app: at least one of --csv or --png must be provided")
	}

	path := filepath.Join(a.Config.App.DataDir, fmt.Sprintf("%s-%s.log", agreement.Role(opts.Role), opts.ChannelID))

	return chartexport.Export(path, chartexport.Options{
		CSVPath:   opts.CSVPath,
		PNGPath:   opts.PNGPath,
		MaxPoints: a.Config.ResolveMaxPoints(opts.MaxPoints),
	})
}
