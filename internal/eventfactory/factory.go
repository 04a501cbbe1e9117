package eventfactory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/alphagov/pay-connector-sub011/internal/domain/charge"
	"github.com/alphagov/pay-connector-sub011/internal/domain/event"
	"github.com/alphagov/pay-connector-sub011/internal/domain/refund"
	"github.com/alphagov/pay-connector-sub011/internal/domain/transition"
)

// Factory turns state transitions and history rows into events. It only
// reads; nothing is published or persisted here.
type Factory struct {
	charges charge.Repository
	refunds refund.Repository
}

func New(charges charge.Repository, refunds refund.Repository) *Factory {
	return &Factory{
		charges: charges,
		refunds: refunds,
	}
}

// CreateEvents builds the event a transition announces. The timestamp always
// comes from the history row the transition points at, never from the
// transition itself, so live and replayed events share a ledger key.
func (f *Factory) CreateEvents(ctx context.Context, t transition.StateTransition) ([]event.Event, error) {
	def, ok := Lookup(t.EventType)
	if !ok || def.ResourceType != t.ResourceType {
		return nil, fmt.Errorf("%w: %s for %s", ErrUnknownEventType, t.EventType, t.ResourceType)
	}

	switch t.ResourceType {
	case event.ResourceTypePayment:
		ce, err := f.charges.ChargeEvent(ctx, t.SourceID)
		if err != nil {
			return nil, f.sourceError(def, t.ResourceExternalID, "charge event", err)
		}
		c, err := f.charges.ChargeByID(ctx, ce.ChargeID)
		if err != nil {
			return nil, f.sourceError(def, t.ResourceExternalID, "charge", err)
		}
		e, err := build(def, Source{Charge: c, ChargeEvent: &ce}, c.ExternalID, ce.UpdatedAt)
		if err != nil {
			return nil, err
		}
		return []event.Event{e}, nil

	case event.ResourceTypeRefund:
		h, err := f.refunds.HistoryEntry(ctx, t.SourceID)
		if err != nil {
			return nil, f.sourceError(def, t.ResourceExternalID, "refund history", err)
		}
		c, err := f.charges.ChargeByExternalID(ctx, h.ChargeExternalID)
		if err != nil {
			return nil, f.sourceError(def, t.ResourceExternalID, "charge", err)
		}
		e, err := build(def, Source{Charge: c, Refund: &h}, h.ExternalID, h.HistoryStartDate)
		if err != nil {
			return nil, err
		}
		return []event.Event{e}, nil
	}

	return nil, fmt.Errorf("%w: resource type %s", ErrUnknownEventType, t.ResourceType)
}

// PaymentEvents rebuilds the events a charge produced when it entered the
// status recorded by ce. Statuses without events yield an empty slice.
func (f *Factory) PaymentEvents(c charge.Charge, ce charge.Event) ([]event.Event, error) {
	types := PaymentEventTypes(ce.Status)
	events := make([]event.Event, 0, len(types))
	for _, typ := range types {
		def, _ := Lookup(typ)
		e, err := build(def, Source{Charge: c, ChargeEvent: &ce}, c.ExternalID, ce.UpdatedAt)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, nil
}

func (f *Factory) RefundEvents(c charge.Charge, h refund.HistoryEntry) ([]event.Event, error) {
	typ, ok := RefundEventType(h)
	if !ok {
		return nil, nil
	}
	def, _ := Lookup(typ)
	e, err := build(def, Source{Charge: c, Refund: &h}, h.ExternalID, h.HistoryStartDate)
	if err != nil {
		return nil, err
	}
	return []event.Event{e}, nil
}

func (f *Factory) sourceError(def Definition, externalID, what string, err error) error {
	if errors.Is(err, charge.ErrNotFound) || errors.Is(err, refund.ErrNotFound) {
		return &CreationError{
			EventType:          def.Type,
			ResourceExternalID: externalID,
			Reason:             what + " not found",
			Err:                err,
		}
	}
	return fmt.Errorf("load %s for %s event %s: %w", what, def.Type, externalID, err)
}

func build(def Definition, src Source, externalID string, ts time.Time) (event.Event, error) {
	details, missing := def.Build(src)
	if missing != "" {
		return event.Event{}, &CreationError{
			EventType:          def.Type,
			ResourceExternalID: externalID,
			Reason:             missing,
		}
	}
	e := event.New(def.ResourceType, externalID, def.Type, details, ts)
	if src.Charge.ServiceID != "" {
		e = e.WithService(src.Charge.ServiceID, src.Charge.Live)
	}
	return e, nil
}

func formatDate(t time.Time) string {
	return t.UTC().Format(event.TimestampFormat)
}
