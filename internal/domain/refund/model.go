package refund

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("refund not found")

type Status string

const (
	StatusCreated   Status = "CREATED"
	StatusSubmitted Status = "REFUND SUBMITTED"
	StatusRefunded  Status = "REFUNDED"
	StatusError     Status = "REFUND ERROR"
)

type Refund struct {
	ID                   int64
	ExternalID           string
	ChargeExternalID     string
	Amount               int64
	Status               Status
	UserExternalID       string
	UserEmail            string
	GatewayTransactionID string
	CreatedDate          time.Time
}

// HistoryEntry is a snapshot of a refund taken each time its status changed.
type HistoryEntry struct {
	ID                   int64
	RefundID             int64
	ExternalID           string
	ChargeExternalID     string
	Amount               int64
	Status               Status
	UserExternalID       string
	UserEmail            string
	GatewayTransactionID string
	HistoryStartDate     time.Time
}

type Repository interface {
	RefundByID(ctx context.Context, id int64) (Refund, error)
	RefundByExternalID(ctx context.Context, externalID string) (Refund, error)
	MaxRefundID(ctx context.Context) (int64, error)
	HistoryEntry(ctx context.Context, id int64) (HistoryEntry, error)
	// HistoryForCharge and HistoryForRefund are ordered by HistoryStartDate.
	HistoryForCharge(ctx context.Context, chargeExternalID string) ([]HistoryEntry, error)
	HistoryForRefund(ctx context.Context, refundExternalID string) ([]HistoryEntry, error)
	// HistoryBetween pages history entries with HistoryStartDate in [start, end).
	HistoryBetween(ctx context.Context, start, end time.Time, offset, limit int) ([]HistoryEntry, error)
}
