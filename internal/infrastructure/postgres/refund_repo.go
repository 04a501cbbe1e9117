package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/alphagov/pay-connector-sub011/internal/domain/refund"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const refundColumns = `
	id, external_id, charge_external_id, amount, status,
	user_external_id, user_email, gateway_transaction_id, created_date`

const refundHistoryColumns = `
	id, refund_id, external_id, charge_external_id, amount, status,
	user_external_id, user_email, gateway_transaction_id, history_start_date`

type RefundRepository struct {
	pool *pgxpool.Pool
}

func NewRefundRepository(pool *pgxpool.Pool) *RefundRepository {
	return &RefundRepository{pool: pool}
}

func (r *RefundRepository) RefundByID(ctx context.Context, id int64) (refund.Refund, error) {
	const sql = `SELECT ` + refundColumns + ` FROM refunds WHERE id = $1`
	return r.getRefund(ctx, sql, id)
}

func (r *RefundRepository) RefundByExternalID(ctx context.Context, externalID string) (refund.Refund, error) {
	const sql = `SELECT ` + refundColumns + ` FROM refunds WHERE external_id = $1`
	return r.getRefund(ctx, sql, externalID)
}

func (r *RefundRepository) getRefund(ctx context.Context, sql string, arg any) (refund.Refund, error) {
	var (
		rf                             refund.Refund
		status                         string
		userID, userEmail, gatewayTxID *string
	)
	err := conn(ctx, r.pool).QueryRow(ctx, sql, arg).Scan(
		&rf.ID, &rf.ExternalID, &rf.ChargeExternalID, &rf.Amount, &status,
		&userID, &userEmail, &gatewayTxID, &rf.CreatedDate,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return refund.Refund{}, fmt.Errorf("refund %v: %w", arg, refund.ErrNotFound)
		}
		return refund.Refund{}, fmt.Errorf("get refund: %w", err)
	}
	rf.Status = refund.Status(status)
	rf.UserExternalID = deref(userID)
	rf.UserEmail = deref(userEmail)
	rf.GatewayTransactionID = deref(gatewayTxID)
	rf.CreatedDate = rf.CreatedDate.UTC()
	return rf, nil
}

func (r *RefundRepository) MaxRefundID(ctx context.Context) (int64, error) {
	const sql = `SELECT COALESCE(MAX(id), 0) FROM refunds`

	var maxID int64
	if err := conn(ctx, r.pool).QueryRow(ctx, sql).Scan(&maxID); err != nil {
		return 0, fmt.Errorf("max refund id: %w", err)
	}
	return maxID, nil
}

func (r *RefundRepository) HistoryEntry(ctx context.Context, id int64) (refund.HistoryEntry, error) {
	const sql = `SELECT ` + refundHistoryColumns + ` FROM refunds_history WHERE id = $1`

	h, err := scanHistoryEntry(conn(ctx, r.pool).QueryRow(ctx, sql, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return refund.HistoryEntry{}, fmt.Errorf("refund history id %d: %w", id, refund.ErrNotFound)
		}
		return refund.HistoryEntry{}, fmt.Errorf("get refund history: %w", err)
	}
	return h, nil
}

func (r *RefundRepository) HistoryForCharge(ctx context.Context, chargeExternalID string) ([]refund.HistoryEntry, error) {
	const sql = `
		SELECT ` + refundHistoryColumns + `
		FROM refunds_history
		WHERE charge_external_id = $1
		ORDER BY history_start_date ASC, id ASC
	`
	return r.queryHistory(ctx, sql, chargeExternalID)
}

func (r *RefundRepository) HistoryForRefund(ctx context.Context, refundExternalID string) ([]refund.HistoryEntry, error) {
	const sql = `
		SELECT ` + refundHistoryColumns + `
		FROM refunds_history
		WHERE external_id = $1
		ORDER BY history_start_date ASC, id ASC
	`
	return r.queryHistory(ctx, sql, refundExternalID)
}

func (r *RefundRepository) HistoryBetween(ctx context.Context, start, end time.Time, offset, limit int) ([]refund.HistoryEntry, error) {
	const sql = `
		SELECT ` + refundHistoryColumns + `
		FROM refunds_history
		WHERE history_start_date >= $1 AND history_start_date < $2
		ORDER BY history_start_date ASC, id ASC
		OFFSET $3
		LIMIT $4
	`
	return r.queryHistory(ctx, sql, start.UTC(), end.UTC(), offset, limit)
}

func (r *RefundRepository) queryHistory(ctx context.Context, sql string, args ...any) ([]refund.HistoryEntry, error) {
	rows, err := conn(ctx, r.pool).Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query refund history: %w", err)
	}
	defer rows.Close()

	var history []refund.HistoryEntry
	for rows.Next() {
		h, err := scanHistoryEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan refund history: %w", err)
		}
		history = append(history, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate refund history: %w", err)
	}
	return history, nil
}

func scanHistoryEntry(row pgx.Row) (refund.HistoryEntry, error) {
	var (
		h                              refund.HistoryEntry
		status                         string
		userID, userEmail, gatewayTxID *string
	)
	err := row.Scan(
		&h.ID, &h.RefundID, &h.ExternalID, &h.ChargeExternalID, &h.Amount, &status,
		&userID, &userEmail, &gatewayTxID, &h.HistoryStartDate,
	)
	if err != nil {
		return refund.HistoryEntry{}, err
	}
	h.Status = refund.Status(status)
	h.UserExternalID = deref(userID)
	h.UserEmail = deref(userEmail)
	h.GatewayTransactionID = deref(gatewayTxID)
	h.HistoryStartDate = h.HistoryStartDate.UTC()
	return h, nil
}
