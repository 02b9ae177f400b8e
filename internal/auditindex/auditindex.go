package auditindex

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/toneloc/stable-channels/internal/audit"
)

// ErrNotConfigured indicates the mirror's pool was not initialised.
var ErrNotConfigured = errors.New("auditindex: pool not configured")

const (
	upsertTickSQL = `INSERT INTO tick_records (
        channel_id, tick_index, wall_clock, classification, reason,
        outcome, payment_status, record
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8
    )
    ON CONFLICT (channel_id, tick_index) DO UPDATE
    SET outcome = EXCLUDED.outcome,
        payment_status = EXCLUDED.payment_status,
        record = EXCLUDED.record;`

	listRecentSQL = `SELECT record FROM tick_records
    WHERE channel_id = $1
    ORDER BY tick_index DESC
    LIMIT $2;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// Mirror writes Tick Records into Postgres for dashboard queries, alongside
// the authoritative append-only file log.
type Mirror struct {
	pool *pgxpool.Pool
}

// NewMirror wires a pgx pool into a Mirror.
func NewMirror(pool *pgxpool.Pool) *Mirror {
	return &Mirror{pool: pool}
}

// Close releases the underlying pool resources.
func (m *Mirror) Close() {
	if m == nil || m.pool == nil {
		return
	}
	m.pool.Close()
}

func (m *Mirror) getPool() (*pgxpool.Pool, error) {
	if m == nil || m.pool == nil {
		return nil, ErrNotConfigured
	}
	return m.pool, nil
}

// UpsertTick mirrors one Tick Record into the index.
func (m *Mirror) UpsertTick(ctx context.Context, rec audit.TickRecord) error {
	pool, err := m.getPool()
	if err != nil {
		return err
	}

	blob, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("auditindex: marshal tick record: %w", err)
	}

	_, execErr := pool.Exec(ctx, upsertTickSQL,
		rec.ChannelID,
		rec.TickIndex,
		rec.WallClock,
		rec.Classification,
		rec.Reason,
		rec.Outcome,
		rec.PaymentStatus,
		blob,
	)
	if execErr != nil {
		return fmt.Errorf("auditindex: upsert tick record: %w", execErr)
	}
	return nil
}

// ListRecent lists the most recent mirrored Tick Records for a channel.
func (m *Mirror) ListRecent(ctx context.Context, channelID string, limit int) ([]audit.TickRecord, error) {
	pool, err := m.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentSQL, channelID, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("auditindex: list recent: %w", queryErr)
	}
	defer rows.Close()

	records := make([]audit.TickRecord, 0, limit)
	for rows.Next() {
		var blob []byte
		if err := rows.Scan(&blob); err != nil {
			return nil, err
		}
		var rec audit.TickRecord
		if err := json.Unmarshal(blob, &rec); err != nil {
			return nil, fmt.Errorf("auditindex: decode mirrored record: %w", err)
		}
		records = append(records, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return records, nil
}

// TryAdvisoryLock attempts to acquire a Postgres advisory lock keyed by
// channel, for deployments running more than one process that might both
// try to drive the same channel's loop.
func (m *Mirror) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := m.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("auditindex: acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("auditindex: try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}
