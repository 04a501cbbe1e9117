package event

// Details is the event-type specific payload. The unexported method closes
// the set of variants to this package.
type Details interface {
	details()
}

// NoDetails marshals as an empty object.
type NoDetails struct{}

// ReconstructedDetails replaces the type-specific payload of an event rebuilt
// from its ledger row alone, after the resource left primary storage.
// Consumers must not expect the usual details for its event type.
type ReconstructedDetails struct {
	Reconstructed bool `json:"reconstructed"`
}

// Reconstructed returns the details of an event rebuilt from the ledger.
func Reconstructed() ReconstructedDetails {
	return ReconstructedDetails{Reconstructed: true}
}

type PaymentCreatedDetails struct {
	Amount           int64  `json:"amount"`
	Description      string `json:"description"`
	Reference        string `json:"reference"`
	ReturnURL        string `json:"return_url"`
	GatewayAccountID string `json:"gateway_account_id"`
	PaymentProvider  string `json:"payment_provider"`
	Language         string `json:"language"`
	DelayedCapture   bool   `json:"delayed_capture"`
	Moto             bool   `json:"moto"`
	Live             bool   `json:"live"`
	Email            string `json:"email,omitempty"`
}

type PaymentDetailsEnteredDetails struct {
	CardholderName        string `json:"cardholder_name"`
	CardBrand             string `json:"card_brand"`
	CardType              string `json:"card_type,omitempty"`
	FirstDigitsCardNumber string `json:"first_digits_card_number"`
	LastDigitsCardNumber  string `json:"last_digits_card_number"`
	ExpiryDate            string `json:"expiry_date"`
	CorporateSurcharge    *int64 `json:"corporate_surcharge,omitempty"`
	TotalAmount           int64  `json:"total_amount"`
	Email                 string `json:"email,omitempty"`
}

// GatewayTransactionDetails is shared by the authorisation outcome events.
type GatewayTransactionDetails struct {
	GatewayTransactionID string `json:"gateway_transaction_id,omitempty"`
}

type CaptureSubmittedDetails struct {
	CaptureSubmittedDate string `json:"capture_submitted_date"`
}

type CaptureConfirmedDetails struct {
	GatewayEventDate string `json:"gateway_event_date,omitempty"`
	CapturedDate     string `json:"captured_date"`
	Fee              *int64 `json:"fee,omitempty"`
	NetAmount        *int64 `json:"net_amount,omitempty"`
}

type RefundCreatedByUserDetails struct {
	Amount     int64  `json:"amount"`
	RefundedBy string `json:"refunded_by"`
	UserEmail  string `json:"user_email,omitempty"`
}

type RefundCreatedByServiceDetails struct {
	Amount int64 `json:"amount"`
}

type RefundDetails struct {
	Amount               int64  `json:"amount"`
	GatewayTransactionID string `json:"gateway_transaction_id,omitempty"`
}

func (NoDetails) details()                     {}
func (ReconstructedDetails) details()          {}
func (PaymentCreatedDetails) details()         {}
func (PaymentDetailsEnteredDetails) details()  {}
func (GatewayTransactionDetails) details()     {}
func (CaptureSubmittedDetails) details()       {}
func (CaptureConfirmedDetails) details()       {}
func (RefundCreatedByUserDetails) details()    {}
func (RefundCreatedByServiceDetails) details() {}
func (RefundDetails) details()                 {}
