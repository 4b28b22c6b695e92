package channel

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/dukahub/payments/internal/domain"
)

// ManualAdapter covers cash and paybill payments recorded by staff. There is
// no provider round-trip: an authorized actor supplies the evidence and the
// adapter synthesizes a COMPLETED update that goes through the same
// ApplyUpdate idempotency path as provider callbacks.
type ManualAdapter struct {
	channel domain.Channel
}

func NewManualAdapter(ch domain.Channel) *ManualAdapter {
	if !ch.Manual() {
		panic(fmt.Sprintf("channel %q is not manual", ch))
	}
	return &ManualAdapter{channel: ch}
}

func (a *ManualAdapter) Channel() domain.Channel { return a.channel }

func (a *ManualAdapter) Initiate(ctx context.Context, req InitiateRequest) (*Handoff, error) {
	// The reference is ours, not a provider's.
	return &Handoff{ExternalReference: "MAN-" + uuid.NewString()}, nil
}

func (a *ManualAdapter) ParseCallback(raw []byte) (*domain.NormalizedUpdate, error) {
	return nil, fmt.Errorf("%w: channel %s has no provider callbacks", domain.ErrMalformedCallback, a.channel)
}

func (a *ManualAdapter) QueryStatus(ctx context.Context, externalReference string) (*domain.NormalizedUpdate, error) {
	// No provider to ask. Manual transactions complete at recording time, so
	// the reconciler should never hold one long enough to query.
	return nil, fmt.Errorf("channel %s: %w", a.channel, domain.ErrProviderNotFound)
}

// Attestation is the evidence an authorized actor supplies for a manual
// payment.
type Attestation struct {
	Amount      int64
	Currency    string
	ReceivedBy  string
	ReceiptCode string
	OrderID     string
}

// BuildUpdate validates the attestation and synthesizes the COMPLETED
// update. Paybill entries must carry the provider receipt code.
func (a *ManualAdapter) BuildUpdate(externalReference string, att Attestation) (*domain.NormalizedUpdate, error) {
	if att.ReceivedBy == "" {
		return nil, fmt.Errorf("manual entry needs the receiving staff identity: %w", domain.ErrValidation)
	}
	if a.channel == domain.ChannelManualPaybill && att.ReceiptCode == "" {
		return nil, fmt.Errorf("paybill entry needs the provider receipt code: %w", domain.ErrValidation)
	}
	return &domain.NormalizedUpdate{
		Channel:           a.channel,
		ExternalReference: externalReference,
		Status:            domain.StatusCompleted,
		ReceiptCode:       att.ReceiptCode,
		Amount:            att.Amount,
		Currency:          att.Currency,
		ReceivedBy:        att.ReceivedBy,
		OrderID:           att.OrderID,
	}, nil
}
