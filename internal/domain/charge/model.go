package charge

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("charge not found")

type Status string

const (
	StatusCreated                Status = "CREATED"
	StatusEnteringCardDetails    Status = "ENTERING CARD DETAILS"
	StatusAuthorisationReady     Status = "AUTHORISATION READY"
	StatusAuthorisation3DSReady  Status = "AUTHORISATION 3DS READY"
	StatusAuthorisationSuccess   Status = "AUTHORISATION SUCCESS"
	StatusAuthorisationRejected  Status = "AUTHORISATION REJECTED"
	StatusAuthorisationCancelled Status = "AUTHORISATION CANCELLED"
	StatusAuthorisationError     Status = "AUTHORISATION ERROR"
	StatusAuthorisationTimeout   Status = "AUTHORISATION TIMEOUT"
	StatusAwaitingCaptureRequest Status = "AWAITING CAPTURE REQUEST"
	StatusCaptureApproved        Status = "CAPTURE APPROVED"
	StatusCaptureApprovedRetry   Status = "CAPTURE APPROVED RETRY"
	StatusCaptureReady           Status = "CAPTURE READY"
	StatusCaptureSubmitted       Status = "CAPTURE SUBMITTED"
	StatusCaptured               Status = "CAPTURED"
	StatusCaptureError           Status = "CAPTURE ERROR"
	StatusExpired                Status = "EXPIRED"
	StatusUserCancelled          Status = "USER CANCELLED"
	StatusSystemCancelled        Status = "SYSTEM CANCELLED"
)

type CardDetails struct {
	CardholderName string
	CardBrand      string
	CardType       string
	FirstDigits    string
	LastDigits     string
	ExpiryDate     string
}

// Charge is the read model of a payment as owned by the payments domain.
type Charge struct {
	ID                   int64
	ExternalID           string
	Amount               int64
	Description          string
	Reference            string
	ReturnURL            string
	Email                string
	Status               Status
	GatewayAccountID     int64
	PaymentProvider      string
	Language             string
	DelayedCapture       bool
	Moto                 bool
	Live                 bool
	ServiceID            string
	GatewayTransactionID string
	CorporateSurcharge   *int64
	Fee                  *int64
	NetAmount            *int64
	Card                 *CardDetails
	CreatedDate          time.Time
}

// TotalAmount is the amount including any corporate card surcharge.
func (c Charge) TotalAmount() int64 {
	if c.CorporateSurcharge != nil {
		return c.Amount + *c.CorporateSurcharge
	}
	return c.Amount
}

// Event is one row of a charge's status history.
type Event struct {
	ID               int64
	ChargeID         int64
	Status           Status
	UpdatedAt        time.Time
	GatewayEventDate *time.Time
}

// Repository is the read-only view of charge storage used for event
// construction and historical replay.
type Repository interface {
	ChargeByID(ctx context.Context, id int64) (Charge, error)
	ChargeByExternalID(ctx context.Context, externalID string) (Charge, error)
	MaxChargeID(ctx context.Context) (int64, error)
	ChargeEvent(ctx context.Context, id int64) (Event, error)
	// ChargeEvents returns the status history of a charge ordered by UpdatedAt.
	ChargeEvents(ctx context.Context, chargeID int64) ([]Event, error)
	// ChargeEventsBetween pages charge events with UpdatedAt in [start, end).
	ChargeEventsBetween(ctx context.Context, start, end time.Time, offset, limit int) ([]Event, error)
}
