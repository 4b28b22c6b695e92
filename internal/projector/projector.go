// Package projector consumes committed ledger transitions and maintains the
// order-facing payment status, emitting settlement events outward. It is the
// only component that writes order payment state, and it never mutates the
// ledger.
package projector

import (
	"fmt"
	"log"

	"github.com/dukahub/payments/internal/clock"
	"github.com/dukahub/payments/internal/domain"
)

type OrderStore interface {
	Get(orderRef string) (*domain.OrderPaymentStatus, error)
	Set(st *domain.OrderPaymentStatus) error
}

type DiscrepancyStore interface {
	Insert(d *domain.Discrepancy) error
}

// Notifier is the external notification collaborator. Delivery (email/SMS)
// happens outside the engine.
type Notifier interface {
	PaymentSettled(ev domain.TransitionEvent)
	PaymentFailed(ev domain.TransitionEvent)
	PaymentReversed(ev domain.TransitionEvent)
}

// LogNotifier is the shipped default: it only logs.
type LogNotifier struct{}

func (LogNotifier) PaymentSettled(ev domain.TransitionEvent) {
	log.Printf("[notify] PaymentSettled order=%s txn=%s amount=%d %s",
		ev.Transaction.OrderID, ev.Transaction.ID, ev.Amount, ev.Transaction.Currency)
}

func (LogNotifier) PaymentFailed(ev domain.TransitionEvent) {
	log.Printf("[notify] PaymentFailed order=%s txn=%s reason=%s",
		ev.Transaction.OrderID, ev.Transaction.ID, ev.Reason)
}

func (LogNotifier) PaymentReversed(ev domain.TransitionEvent) {
	log.Printf("[notify] PaymentReversed order=%s txn=%s amount=%d",
		ev.Transaction.OrderID, ev.Transaction.ID, ev.Amount)
}

type Projector struct {
	orders   OrderStore
	discs    DiscrepancyStore
	notifier Notifier
	clk      clock.Clock
}

func New(orders OrderStore, discs DiscrepancyStore, notifier Notifier, clk clock.Clock) *Projector {
	return &Projector{orders: orders, discs: discs, notifier: notifier, clk: clk}
}

// HandleTransition is the ledger subscription entry point.
func (p *Projector) HandleTransition(ev domain.TransitionEvent) {
	switch ev.To {
	case domain.StatusCompleted:
		p.handleCompleted(ev)
	case domain.StatusFailed:
		p.handleFailed(ev)
	case domain.StatusReversed:
		p.handleReversed(ev)
	}
}

func (p *Projector) handleCompleted(ev domain.TransitionEvent) {
	orderRef := ev.Transaction.OrderID
	if orderRef != "" {
		existing, err := p.orders.Get(orderRef)
		if err != nil {
			log.Printf("[projector] WARNING: read order %s: %v", orderRef, err)
			return
		}
		if existing != nil && existing.Status == domain.OrderPaid {
			if existing.TransactionID == ev.Transaction.ID {
				return // already projected
			}
			// Another transaction already paid this order. Never
			// double-credit; flag for manual resolution.
			p.flagDoubleCredit(ev, existing)
			return
		}
		if err := p.orders.Set(&domain.OrderPaymentStatus{
			OrderRef:      orderRef,
			Status:        domain.OrderPaid,
			TransactionID: ev.Transaction.ID,
			UpdatedAt:     p.clk.Now().UTC(),
		}); err != nil {
			log.Printf("[projector] WARNING: mark order %s paid: %v", orderRef, err)
			return
		}
	}
	p.notifier.PaymentSettled(ev)
}

func (p *Projector) handleFailed(ev domain.TransitionEvent) {
	orderRef := ev.Transaction.OrderID
	if orderRef != "" {
		existing, err := p.orders.Get(orderRef)
		if err != nil {
			log.Printf("[projector] WARNING: read order %s: %v", orderRef, err)
			return
		}
		// A failed attempt never downgrades an order another attempt paid.
		if existing == nil || existing.Status != domain.OrderPaid {
			if err := p.orders.Set(&domain.OrderPaymentStatus{
				OrderRef:      orderRef,
				Status:        domain.OrderFailed,
				TransactionID: ev.Transaction.ID,
				UpdatedAt:     p.clk.Now().UTC(),
			}); err != nil {
				log.Printf("[projector] WARNING: mark order %s failed: %v", orderRef, err)
				return
			}
		}
	}
	p.notifier.PaymentFailed(ev)
}

func (p *Projector) handleReversed(ev domain.TransitionEvent) {
	orderRef := ev.Transaction.OrderID
	if orderRef != "" {
		existing, err := p.orders.Get(orderRef)
		if err != nil {
			log.Printf("[projector] WARNING: read order %s: %v", orderRef, err)
			return
		}
		if existing == nil || existing.TransactionID == ev.Transaction.ID {
			if err := p.orders.Set(&domain.OrderPaymentStatus{
				OrderRef:      orderRef,
				Status:        domain.OrderRefunded,
				TransactionID: ev.Transaction.ID,
				UpdatedAt:     p.clk.Now().UTC(),
			}); err != nil {
				log.Printf("[projector] WARNING: mark order %s refunded: %v", orderRef, err)
				return
			}
		}
	}
	p.notifier.PaymentReversed(ev)
}

func (p *Projector) flagDoubleCredit(ev domain.TransitionEvent, existing *domain.OrderPaymentStatus) {
	d := &domain.Discrepancy{
		ID:             "DISC-DC-" + ev.Transaction.ID,
		Type:           domain.DiscrepancyDoubleCredit,
		TransactionRef: ev.Transaction.ID,
		OrderRef:       ev.Transaction.OrderID,
		Channel:        ev.Transaction.Channel,
		LedgerStatus:   ev.To,
		ExpectedAmount: ev.Transaction.Amount,
		ReportedAmount: ev.Transaction.Amount,
		Currency:       ev.Transaction.Currency,
		Severity:       domain.SeverityCritical,
		Description: fmt.Sprintf("order %s already paid by %s; %s completed for the same order",
			ev.Transaction.OrderID, existing.TransactionID, ev.Transaction.ID),
		DetectedAt: p.clk.Now().UTC(),
	}
	if err := p.discs.Insert(d); err != nil {
		log.Printf("[projector] WARNING: record double credit for %s: %v", ev.Transaction.ID, err)
		return
	}
	log.Printf("[projector] double credit on order %s: kept %s, flagged %s",
		ev.Transaction.OrderID, existing.TransactionID, ev.Transaction.ID)
}
