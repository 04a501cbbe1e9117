package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/alphagov/pay-connector-sub011/internal/domain/charge"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const chargeColumns = `
	id, external_id, amount, description, reference, return_url, email, status,
	gateway_account_id, payment_provider, language, delayed_capture, moto, live,
	service_id, gateway_transaction_id, corporate_surcharge, fee, net_amount,
	cardholder_name, card_brand, card_type, first_digits, last_digits, expiry_date,
	created_date`

const chargeEventColumns = `id, charge_id, status, updated, gateway_event_date`

// ChargeRepository reads charges and their status history. It never writes.
type ChargeRepository struct {
	pool *pgxpool.Pool
}

func NewChargeRepository(pool *pgxpool.Pool) *ChargeRepository {
	return &ChargeRepository{pool: pool}
}

func (r *ChargeRepository) ChargeByID(ctx context.Context, id int64) (charge.Charge, error) {
	const sql = `SELECT ` + chargeColumns + ` FROM charges WHERE id = $1`

	c, err := scanCharge(conn(ctx, r.pool).QueryRow(ctx, sql, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return charge.Charge{}, fmt.Errorf("charge id %d: %w", id, charge.ErrNotFound)
		}
		return charge.Charge{}, fmt.Errorf("get charge by id: %w", err)
	}
	return c, nil
}

func (r *ChargeRepository) ChargeByExternalID(ctx context.Context, externalID string) (charge.Charge, error) {
	const sql = `SELECT ` + chargeColumns + ` FROM charges WHERE external_id = $1`

	c, err := scanCharge(conn(ctx, r.pool).QueryRow(ctx, sql, externalID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return charge.Charge{}, fmt.Errorf("charge %s: %w", externalID, charge.ErrNotFound)
		}
		return charge.Charge{}, fmt.Errorf("get charge by external_id: %w", err)
	}
	return c, nil
}

func (r *ChargeRepository) MaxChargeID(ctx context.Context) (int64, error) {
	const sql = `SELECT COALESCE(MAX(id), 0) FROM charges`

	var maxID int64
	if err := conn(ctx, r.pool).QueryRow(ctx, sql).Scan(&maxID); err != nil {
		return 0, fmt.Errorf("max charge id: %w", err)
	}
	return maxID, nil
}

func (r *ChargeRepository) ChargeEvent(ctx context.Context, id int64) (charge.Event, error) {
	const sql = `SELECT ` + chargeEventColumns + ` FROM charge_events WHERE id = $1`

	e, err := scanChargeEvent(conn(ctx, r.pool).QueryRow(ctx, sql, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return charge.Event{}, fmt.Errorf("charge event id %d: %w", id, charge.ErrNotFound)
		}
		return charge.Event{}, fmt.Errorf("get charge event: %w", err)
	}
	return e, nil
}

func (r *ChargeRepository) ChargeEvents(ctx context.Context, chargeID int64) ([]charge.Event, error) {
	const sql = `
		SELECT ` + chargeEventColumns + `
		FROM charge_events
		WHERE charge_id = $1
		ORDER BY updated ASC, id ASC
	`
	return r.queryChargeEvents(ctx, sql, chargeID)
}

func (r *ChargeRepository) ChargeEventsBetween(ctx context.Context, start, end time.Time, offset, limit int) ([]charge.Event, error) {
	const sql = `
		SELECT ` + chargeEventColumns + `
		FROM charge_events
		WHERE updated >= $1 AND updated < $2
		ORDER BY updated ASC, id ASC
		OFFSET $3
		LIMIT $4
	`
	return r.queryChargeEvents(ctx, sql, start.UTC(), end.UTC(), offset, limit)
}

func (r *ChargeRepository) queryChargeEvents(ctx context.Context, sql string, args ...any) ([]charge.Event, error) {
	rows, err := conn(ctx, r.pool).Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query charge events: %w", err)
	}
	defer rows.Close()

	var events []charge.Event
	for rows.Next() {
		e, err := scanChargeEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan charge event: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate charge events: %w", err)
	}
	return events, nil
}

func scanCharge(row pgx.Row) (charge.Charge, error) {
	var (
		c                                                            charge.Charge
		status                                                       string
		email, serviceID, gatewayTxID                                *string
		cardholder, brand, cardType, firstDigits, lastDigits, expiry *string
	)
	err := row.Scan(
		&c.ID, &c.ExternalID, &c.Amount, &c.Description, &c.Reference, &c.ReturnURL, &email, &status,
		&c.GatewayAccountID, &c.PaymentProvider, &c.Language, &c.DelayedCapture, &c.Moto, &c.Live,
		&serviceID, &gatewayTxID, &c.CorporateSurcharge, &c.Fee, &c.NetAmount,
		&cardholder, &brand, &cardType, &firstDigits, &lastDigits, &expiry,
		&c.CreatedDate,
	)
	if err != nil {
		return charge.Charge{}, err
	}
	c.Status = charge.Status(status)
	c.Email = deref(email)
	c.ServiceID = deref(serviceID)
	c.GatewayTransactionID = deref(gatewayTxID)
	c.CreatedDate = c.CreatedDate.UTC()
	if brand != nil || lastDigits != nil {
		c.Card = &charge.CardDetails{
			CardholderName: deref(cardholder),
			CardBrand:      deref(brand),
			CardType:       deref(cardType),
			FirstDigits:    deref(firstDigits),
			LastDigits:     deref(lastDigits),
			ExpiryDate:     deref(expiry),
		}
	}
	return c, nil
}

func scanChargeEvent(row pgx.Row) (charge.Event, error) {
	var (
		e      charge.Event
		status string
	)
	if err := row.Scan(&e.ID, &e.ChargeID, &status, &e.UpdatedAt, &e.GatewayEventDate); err != nil {
		return charge.Event{}, err
	}
	e.Status = charge.Status(status)
	e.UpdatedAt = e.UpdatedAt.UTC()
	e.GatewayEventDate = utcPtr(e.GatewayEventDate)
	return e, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
