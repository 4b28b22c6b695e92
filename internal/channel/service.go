package channel

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/dukahub/payments/internal/domain"
	"github.com/dukahub/payments/internal/ledger"
)

// Service orchestrates initiation across the ledger and the channel
// adapters. It is the single entry point for creating payment attempts.
type Service struct {
	led      *ledger.Ledger
	registry *Registry
}

func NewService(led *ledger.Ledger, registry *Registry) *Service {
	return &Service{led: led, registry: registry}
}

type InitiateParams struct {
	Channel        domain.Channel
	Amount         int64
	Currency       string
	PayerRef       string
	IdempotencyKey string
	OrderID        string
}

type InitiateResult struct {
	Transaction   *domain.Transaction `json:"transaction"`
	ClientHandoff string              `json:"client_handoff,omitempty"`
	Created       bool                `json:"created"`
}

// Initiate creates (or returns, when the idempotency key matches) a payment
// attempt on a provider channel. A transient provider failure leaves the row
// PENDING and retry-eligible; the caller still gets the transaction back.
func (s *Service) Initiate(ctx context.Context, p InitiateParams) (*InitiateResult, error) {
	if p.Channel.Manual() {
		return nil, fmt.Errorf("manual channels are recorded via attestation, not initiated: %w", domain.ErrValidation)
	}
	if p.PayerRef == "" {
		return nil, fmt.Errorf("payer reference required: %w", domain.ErrValidation)
	}

	adapter, err := s.registry.Get(p.Channel)
	if err != nil {
		return nil, err
	}

	txn, created, err := s.led.Initiate(ledger.InitiateRequest{
		Channel:        p.Channel,
		Amount:         p.Amount,
		Currency:       p.Currency,
		PayerRef:       p.PayerRef,
		IdempotencyKey: p.IdempotencyKey,
		OrderID:        p.OrderID,
	}, domain.ActorSystem)
	if err != nil {
		return nil, err
	}
	if !created {
		return &InitiateResult{Transaction: txn, Created: false}, nil
	}

	handoff, err := adapter.Initiate(ctx, InitiateRequest{
		Amount:   p.Amount,
		Currency: p.Currency,
		PayerRef: p.PayerRef,
	})
	if err != nil {
		return s.handleInitiationFailure(txn, err)
	}

	fresh, err := s.led.RecordHandoff(txn.ID, handoff.ExternalReference, handoff.Acknowledged, domain.ActorSystem)
	if err != nil {
		return nil, err
	}
	return &InitiateResult{
		Transaction:   fresh,
		ClientHandoff: handoff.ClientHandoff,
		Created:       true,
	}, nil
}

func (s *Service) handleInitiationFailure(txn *domain.Transaction, cause error) (*InitiateResult, error) {
	if errors.Is(cause, domain.ErrProviderUnavailable) {
		log.Printf("[channel] transient initiation failure for %s: %v; scheduling retry", txn.ID, cause)
		fresh, err := s.led.MarkInitiationFailure(txn.ID, true, cause, domain.ActorSystem)
		if err != nil {
			return nil, err
		}
		return &InitiateResult{Transaction: fresh, Created: true}, nil
	}
	if _, err := s.led.MarkInitiationFailure(txn.ID, false, cause, domain.ActorSystem); err != nil {
		log.Printf("[channel] WARNING: failed to mark %s failed: %v", txn.ID, err)
	}
	return nil, cause
}

// RetryInitiation re-attempts a provider handoff for a PENDING transaction
// whose earlier initiation failed transiently. Called by the retry
// scheduler.
func (s *Service) RetryInitiation(ctx context.Context, txn *domain.Transaction) error {
	adapter, err := s.registry.Get(txn.Channel)
	if err != nil {
		return err
	}

	handoff, err := adapter.Initiate(ctx, InitiateRequest{
		Amount:   txn.Amount,
		Currency: txn.Currency,
		PayerRef: txn.PayerRef,
	})
	if err != nil {
		_, markErr := s.led.MarkInitiationFailure(txn.ID, errors.Is(err, domain.ErrProviderUnavailable), err, domain.ActorSystem)
		if markErr != nil {
			return markErr
		}
		return err
	}

	_, err = s.led.RecordHandoff(txn.ID, handoff.ExternalReference, handoff.Acknowledged, domain.ActorSystem)
	return err
}

// Refund reverses a completed transaction. Admin-origin only.
func (s *Service) Refund(id string, amount int64) (*domain.Transaction, error) {
	return s.led.Refund(id, amount, domain.ActorAdmin)
}

type ManualParams struct {
	Channel        domain.Channel
	Amount         int64
	Currency       string
	OrderID        string
	ReceivedBy     string
	ReceiptCode    string
	IdempotencyKey string
}

type ManualResult struct {
	Transaction *domain.Transaction `json:"transaction"`
	Outcome     ledger.ApplyOutcome `json:"outcome"`
}

// RecordManual records a staff-attested cash or paybill payment. The
// synthesized COMPLETED update goes through ApplyUpdate, so double-entry by
// staff lands on the same idempotent no-op path as duplicate provider
// callbacks.
func (s *Service) RecordManual(ctx context.Context, p ManualParams) (*ManualResult, error) {
	if !p.Channel.Manual() {
		return nil, fmt.Errorf("channel %q is not a manual channel: %w", p.Channel, domain.ErrValidation)
	}

	adapter, err := s.registry.Get(p.Channel)
	if err != nil {
		return nil, err
	}
	manual, ok := adapter.(*ManualAdapter)
	if !ok {
		return nil, fmt.Errorf("adapter for %s is not a manual adapter", p.Channel)
	}

	txn, created, err := s.led.Initiate(ledger.InitiateRequest{
		Channel:        p.Channel,
		Amount:         p.Amount,
		Currency:       p.Currency,
		IdempotencyKey: p.IdempotencyKey,
		OrderID:        p.OrderID,
	}, domain.ActorAdmin)
	if err != nil {
		return nil, err
	}

	if created {
		handoff, err := manual.Initiate(ctx, InitiateRequest{Amount: p.Amount, Currency: p.Currency})
		if err != nil {
			return nil, err
		}
		txn, err = s.led.RecordHandoff(txn.ID, handoff.ExternalReference, false, domain.ActorAdmin)
		if err != nil {
			return nil, err
		}
	}

	upd, err := manual.BuildUpdate(txn.ExternalReference, Attestation{
		Amount:      p.Amount,
		Currency:    p.Currency,
		ReceivedBy:  p.ReceivedBy,
		ReceiptCode: p.ReceiptCode,
		OrderID:     p.OrderID,
	})
	if err != nil {
		return nil, err
	}

	res, err := s.led.ApplyUpdate(*upd, domain.ActorAdmin)
	if err != nil {
		return nil, err
	}
	return &ManualResult{Transaction: res.Transaction, Outcome: res.Outcome}, nil
}
