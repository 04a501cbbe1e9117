package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/alphagov/pay-connector-sub011/internal/domain/event"
	"github.com/alphagov/pay-connector-sub011/internal/domain/ledger"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const ledgerColumns = `id, resource_type, resource_external_id, event_type, event_date, emitted_date, do_not_retry_emit_until`

// LedgerRepository stores the emission ledger in emitted_events. Every write
// is a single upsert on the natural key.
type LedgerRepository struct {
	pool *pgxpool.Pool
}

func NewLedgerRepository(pool *pgxpool.Pool) *LedgerRepository {
	return &LedgerRepository{pool: pool}
}

func (r *LedgerRepository) Offer(ctx context.Context, key ledger.Key) (ledger.Entry, error) {
	const sql = `
		WITH inserted AS (
			INSERT INTO emitted_events (resource_type, resource_external_id, event_type, event_date)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (resource_type, resource_external_id, event_type, event_date) DO NOTHING
			RETURNING ` + ledgerColumns + `
		)
		SELECT ` + ledgerColumns + ` FROM inserted
		UNION ALL
		SELECT ` + ledgerColumns + ` FROM emitted_events
		WHERE resource_type = $1 AND resource_external_id = $2 AND event_type = $3 AND event_date = $4
		LIMIT 1
	`

	e, err := scanEntry(conn(ctx, r.pool).QueryRow(ctx, sql, keyArgs(key)...))
	if err != nil {
		return ledger.Entry{}, fmt.Errorf("offer emitted event: %w", err)
	}
	return e, nil
}

func (r *LedgerRepository) MarkEmitted(ctx context.Context, key ledger.Key, emittedAt time.Time) error {
	const sql = `
		INSERT INTO emitted_events (resource_type, resource_external_id, event_type, event_date, emitted_date)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (resource_type, resource_external_id, event_type, event_date)
		DO UPDATE SET emitted_date = COALESCE(emitted_events.emitted_date, EXCLUDED.emitted_date)
	`

	args := append(keyArgs(key), emittedAt.UTC())
	if _, err := conn(ctx, r.pool).Exec(ctx, sql, args...); err != nil {
		return fmt.Errorf("mark event emitted: %w", err)
	}
	return nil
}

func (r *LedgerRepository) MarkFailed(ctx context.Context, key ledger.Key, doNotRetryUntil *time.Time) error {
	const sql = `
		INSERT INTO emitted_events (resource_type, resource_external_id, event_type, event_date, do_not_retry_emit_until)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (resource_type, resource_external_id, event_type, event_date)
		DO UPDATE SET do_not_retry_emit_until = EXCLUDED.do_not_retry_emit_until
	`

	var until any
	if doNotRetryUntil != nil {
		until = doNotRetryUntil.UTC()
	}
	args := append(keyArgs(key), until)
	if _, err := conn(ctx, r.pool).Exec(ctx, sql, args...); err != nil {
		return fmt.Errorf("mark event failed: %w", err)
	}
	return nil
}

func (r *LedgerRepository) Find(ctx context.Context, key ledger.Key) (ledger.Entry, bool, error) {
	const sql = `
		SELECT ` + ledgerColumns + `
		FROM emitted_events
		WHERE resource_type = $1 AND resource_external_id = $2 AND event_type = $3 AND event_date = $4
	`

	e, err := scanEntry(conn(ctx, r.pool).QueryRow(ctx, sql, keyArgs(key)...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ledger.Entry{}, false, nil
		}
		return ledger.Entry{}, false, fmt.Errorf("find emitted event: %w", err)
	}
	return e, true, nil
}

func (r *LedgerRepository) MaxEligibleID(ctx context.Context, filter ledger.Eligibility) (int64, error) {
	const sql = `
		SELECT COALESCE(MAX(id), 0)
		FROM emitted_events
		WHERE emitted_date IS NULL
		  AND event_date < $1
		  AND (do_not_retry_emit_until IS NULL OR do_not_retry_emit_until <= $2)
	`

	var maxID int64
	if err := conn(ctx, r.pool).QueryRow(ctx, sql, filter.Cutoff.UTC(), filter.AsOf.UTC()).Scan(&maxID); err != nil {
		return 0, fmt.Errorf("max eligible emitted event id: %w", err)
	}
	return maxID, nil
}

func (r *LedgerRepository) ListEligible(ctx context.Context, filter ledger.Eligibility, afterID, maxID int64, limit int) ([]ledger.Entry, error) {
	const sql = `
		SELECT ` + ledgerColumns + `
		FROM emitted_events
		WHERE emitted_date IS NULL
		  AND event_date < $1
		  AND (do_not_retry_emit_until IS NULL OR do_not_retry_emit_until <= $2)
		  AND id > $3 AND id <= $4
		ORDER BY id ASC
		LIMIT $5
	`

	rows, err := conn(ctx, r.pool).Query(ctx, sql, filter.Cutoff.UTC(), filter.AsOf.UTC(), afterID, maxID, limit)
	if err != nil {
		return nil, fmt.Errorf("query eligible emitted events: %w", err)
	}
	defer rows.Close()

	var entries []ledger.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan emitted event: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate emitted events: %w", err)
	}
	return entries, nil
}

func keyArgs(key ledger.Key) []any {
	return []any{
		string(key.ResourceType),
		key.ResourceExternalID,
		string(key.EventType),
		event.NormaliseTimestamp(key.EventDate),
	}
}

func scanEntry(row pgx.Row) (ledger.Entry, error) {
	var (
		e            ledger.Entry
		resourceType string
		eventType    string
	)
	if err := row.Scan(&e.ID, &resourceType, &e.ResourceExternalID, &eventType, &e.EventDate, &e.EmittedDate, &e.DoNotRetryEmitUntil); err != nil {
		return ledger.Entry{}, err
	}
	e.ResourceType = event.ResourceType(resourceType)
	e.EventType = event.Type(eventType)
	e.EventDate = e.EventDate.UTC()
	e.EmittedDate = utcPtr(e.EmittedDate)
	e.DoNotRetryEmitUntil = utcPtr(e.DoNotRetryEmitUntil)
	return e, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
