package eventfactory

import (
	"github.com/alphagov/pay-connector-sub011/internal/domain/charge"
	"github.com/alphagov/pay-connector-sub011/internal/domain/event"
	"github.com/alphagov/pay-connector-sub011/internal/domain/refund"
)

// Source is the state a details builder may read.
type Source struct {
	Charge      charge.Charge
	ChargeEvent *charge.Event
	Refund      *refund.HistoryEntry
}

// DetailsBuilder returns the details for one event type. A missing input is
// reported as a plain reason string and wrapped into a CreationError.
type DetailsBuilder func(src Source) (event.Details, string)

type Definition struct {
	Type         event.Type
	ResourceType event.ResourceType
	Build        DetailsBuilder
}

var definitions = map[event.Type]Definition{}

func register(t event.Type, r event.ResourceType, b DetailsBuilder) {
	definitions[t] = Definition{Type: t, ResourceType: r, Build: b}
}

func Lookup(t event.Type) (Definition, bool) {
	d, ok := definitions[t]
	return d, ok
}

func init() {
	pay := event.ResourceTypePayment
	register(event.PaymentCreated, pay, paymentCreated)
	register(event.PaymentStarted, pay, noDetails)
	register(event.PaymentDetailsEntered, pay, paymentDetailsEntered)
	register(event.AuthorisationSucceeded, pay, gatewayTransaction)
	register(event.AuthorisationRejected, pay, gatewayTransaction)
	register(event.AuthorisationCancelled, pay, gatewayTransaction)
	register(event.GatewayErrorDuringAuthorisation, pay, gatewayTransaction)
	register(event.GatewayTimeoutDuringAuthorisation, pay, gatewayTransaction)
	register(event.UserApprovedForCapture, pay, noDetails)
	register(event.CaptureSubmitted, pay, captureSubmitted)
	register(event.CaptureConfirmed, pay, captureConfirmed)
	register(event.CaptureErrored, pay, noDetails)
	register(event.CaptureAbandonedAfterTooManyRetries, pay, noDetails)
	register(event.PaymentExpired, pay, noDetails)
	register(event.CancelledByUser, pay, noDetails)
	register(event.CancelledByExternalService, pay, noDetails)

	ref := event.ResourceTypeRefund
	register(event.RefundCreatedByService, ref, refundCreatedByService)
	register(event.RefundCreatedByUser, ref, refundCreatedByUser)
	register(event.RefundSubmitted, ref, refundDetails)
	register(event.RefundSucceeded, ref, refundDetails)
	register(event.RefundError, ref, refundDetails)
}

// paymentEventsByStatus lists the events a charge produces when it enters a
// status. Statuses not listed produce none. Every registered payment event
// type appears here so replay can rebuild anything the live path sends.
var paymentEventsByStatus = map[charge.Status][]event.Type{
	charge.StatusCreated:                {event.PaymentCreated},
	charge.StatusEnteringCardDetails:    {event.PaymentStarted},
	charge.StatusAuthorisationReady:     {event.PaymentDetailsEntered},
	charge.StatusAuthorisationSuccess:   {event.AuthorisationSucceeded},
	charge.StatusAuthorisationRejected:  {event.AuthorisationRejected},
	charge.StatusAuthorisationCancelled: {event.AuthorisationCancelled},
	charge.StatusAuthorisationError:     {event.GatewayErrorDuringAuthorisation},
	charge.StatusAuthorisationTimeout:   {event.GatewayTimeoutDuringAuthorisation},
	charge.StatusCaptureApproved:        {event.UserApprovedForCapture},
	charge.StatusCaptureApprovedRetry:   {event.CaptureErrored},
	charge.StatusCaptureSubmitted:       {event.CaptureSubmitted},
	charge.StatusCaptured:               {event.CaptureConfirmed},
	charge.StatusCaptureError:           {event.CaptureAbandonedAfterTooManyRetries},
	charge.StatusExpired:                {event.PaymentExpired},
	charge.StatusUserCancelled:          {event.CancelledByUser},
	charge.StatusSystemCancelled:        {event.CancelledByExternalService},
}

func PaymentEventTypes(s charge.Status) []event.Type {
	return paymentEventsByStatus[s]
}

func RefundEventType(h refund.HistoryEntry) (event.Type, bool) {
	switch h.Status {
	case refund.StatusCreated:
		if h.UserExternalID != "" {
			return event.RefundCreatedByUser, true
		}
		return event.RefundCreatedByService, true
	case refund.StatusSubmitted:
		return event.RefundSubmitted, true
	case refund.StatusRefunded:
		return event.RefundSucceeded, true
	case refund.StatusError:
		return event.RefundError, true
	}
	return "", false
}
