package event

// Type discriminates events. Each type has exactly one Details shape.
type Type string

const (
	PaymentCreated                      Type = "PAYMENT_CREATED"
	PaymentStarted                      Type = "PAYMENT_STARTED"
	PaymentDetailsEntered               Type = "PAYMENT_DETAILS_ENTERED"
	AuthorisationSucceeded              Type = "AUTHORISATION_SUCCEEDED"
	AuthorisationRejected               Type = "AUTHORISATION_REJECTED"
	AuthorisationCancelled              Type = "AUTHORISATION_CANCELLED"
	GatewayErrorDuringAuthorisation     Type = "GATEWAY_ERROR_DURING_AUTHORISATION"
	GatewayTimeoutDuringAuthorisation   Type = "GATEWAY_TIMEOUT_DURING_AUTHORISATION"
	UserApprovedForCapture              Type = "USER_APPROVED_FOR_CAPTURE"
	CaptureSubmitted                    Type = "CAPTURE_SUBMITTED"
	CaptureConfirmed                    Type = "CAPTURE_CONFIRMED"
	CaptureErrored                      Type = "CAPTURE_ERRORED"
	CaptureAbandonedAfterTooManyRetries Type = "CAPTURE_ABANDONED_AFTER_TOO_MANY_RETRIES"
	PaymentExpired                      Type = "PAYMENT_EXPIRED"
	CancelledByUser                     Type = "CANCELLED_BY_USER"
	CancelledByExternalService          Type = "CANCELLED_BY_EXTERNAL_SERVICE"
	RefundCreatedByService              Type = "REFUND_CREATED_BY_SERVICE"
	RefundCreatedByUser                 Type = "REFUND_CREATED_BY_USER"
	RefundSubmitted                     Type = "REFUND_SUBMITTED"
	RefundSucceeded                     Type = "REFUND_SUCCEEDED"
	RefundError                         Type = "REFUND_ERROR"
)

func (t Type) String() string { return string(t) }
