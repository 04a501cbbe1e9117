package eventfactory

import (
	"strconv"

	"github.com/alphagov/pay-connector-sub011/internal/domain/event"
)

func noDetails(Source) (event.Details, string) {
	return event.NoDetails{}, ""
}

func paymentCreated(src Source) (event.Details, string) {
	c := src.Charge
	return event.PaymentCreatedDetails{
		Amount:           c.Amount,
		Description:      c.Description,
		Reference:        c.Reference,
		ReturnURL:        c.ReturnURL,
		GatewayAccountID: strconv.FormatInt(c.GatewayAccountID, 10),
		PaymentProvider:  c.PaymentProvider,
		Language:         c.Language,
		DelayedCapture:   c.DelayedCapture,
		Moto:             c.Moto,
		Live:             c.Live,
		Email:            c.Email,
	}, ""
}

func paymentDetailsEntered(src Source) (event.Details, string) {
	card := src.Charge.Card
	if card == nil {
		return nil, "charge has no card details"
	}
	return event.PaymentDetailsEnteredDetails{
		CardholderName:        card.CardholderName,
		CardBrand:             card.CardBrand,
		CardType:              card.CardType,
		FirstDigitsCardNumber: card.FirstDigits,
		LastDigitsCardNumber:  card.LastDigits,
		ExpiryDate:            card.ExpiryDate,
		CorporateSurcharge:    src.Charge.CorporateSurcharge,
		TotalAmount:           src.Charge.TotalAmount(),
		Email:                 src.Charge.Email,
	}, ""
}

func gatewayTransaction(src Source) (event.Details, string) {
	return event.GatewayTransactionDetails{
		GatewayTransactionID: src.Charge.GatewayTransactionID,
	}, ""
}

func captureSubmitted(src Source) (event.Details, string) {
	if src.ChargeEvent == nil {
		return nil, "missing charge event"
	}
	return event.CaptureSubmittedDetails{
		CaptureSubmittedDate: formatDate(src.ChargeEvent.UpdatedAt),
	}, ""
}

func captureConfirmed(src Source) (event.Details, string) {
	ce := src.ChargeEvent
	if ce == nil {
		return nil, "missing charge event"
	}
	d := event.CaptureConfirmedDetails{
		CapturedDate: formatDate(ce.UpdatedAt),
		Fee:          src.Charge.Fee,
		NetAmount:    src.Charge.NetAmount,
	}
	if ce.GatewayEventDate != nil {
		d.GatewayEventDate = formatDate(*ce.GatewayEventDate)
		d.CapturedDate = d.GatewayEventDate
	}
	return d, ""
}

func refundCreatedByUser(src Source) (event.Details, string) {
	r := src.Refund
	if r == nil {
		return nil, "missing refund history"
	}
	if r.UserExternalID == "" {
		return nil, "refund has no user"
	}
	return event.RefundCreatedByUserDetails{
		Amount:     r.Amount,
		RefundedBy: r.UserExternalID,
		UserEmail:  r.UserEmail,
	}, ""
}

func refundCreatedByService(src Source) (event.Details, string) {
	if src.Refund == nil {
		return nil, "missing refund history"
	}
	return event.RefundCreatedByServiceDetails{Amount: src.Refund.Amount}, ""
}

func refundDetails(src Source) (event.Details, string) {
	r := src.Refund
	if r == nil {
		return nil, "missing refund history"
	}
	return event.RefundDetails{
		Amount:               r.Amount,
		GatewayTransactionID: r.GatewayTransactionID,
	}, ""
}
