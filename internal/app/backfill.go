package app

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/toneloc/stable-channels/internal/agreement"
	"github.com/toneloc/stable-channels/internal/audit"
)

// Backfill mirrors a channel's existing audit-log Tick Records into the
// Postgres index, for deployments that enable the database mirror after
// the file log has already accumulated history.
func (a *App) Backfill(ctx context.Context, opts BackfillOptions) error {
	if opts.ChannelID == "" {
		return errors.New("app: channel id is required")
	}

	path := filepath.Join(a.Config.App.DataDir, fmt.Sprintf("%s-%s.log", agreement.Role(opts.Role), opts.ChannelID))
	records, err := audit.ReadAll(path)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		a.Logger.Info().Str("path", path).Msg("no tick records to backfill")
		return nil
	}

	if opts.DryRun {
		a.Logger.Info().Int("records", len(records)).Msg("backfill dry-run: no records mirrored")
		return nil
	}

	mirror, closeMirror, err := a.openMirror(ctx)
	if err != nil {
		return err
	}
	if mirror == nil {
		return errors.New("app: database.dsn not configured; cannot backfill")
	}
	if closeMirror != nil {
		defer closeMirror()
	}

	mirrored := 0
	for _, rec := range records {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err := mirror.UpsertTick(ctx, rec); err != nil {
			a.Logger.Error().Err(err).Uint64("tick_index", rec.TickIndex).Msg("backfill upsert failed")
			continue
		}
		mirrored++
	}

	a.Logger.Info().Int("total", len(records)).Int("mirrored", mirrored).Msg("backfill complete")
	if mirrored < len(records) {
		return fmt.Errorf("app: %d of %d records failed to mirror", len(records)-mirrored, len(records))
	}
	return nil
}
