package projector

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/dukahub/payments/internal/clock"
	"github.com/dukahub/payments/internal/domain"
	"github.com/dukahub/payments/internal/repository"
)

type countingNotifier struct {
	settled  int
	failed   int
	reversed int
}

func (n *countingNotifier) PaymentSettled(ev domain.TransitionEvent)  { n.settled++ }
func (n *countingNotifier) PaymentFailed(ev domain.TransitionEvent)   { n.failed++ }
func (n *countingNotifier) PaymentReversed(ev domain.TransitionEvent) { n.reversed++ }

type projFixture struct {
	p      *Projector
	orders *repository.OrderRepo
	discs  *repository.DiscrepancyRepo
	notes  *countingNotifier
}

func newProjFixture(t *testing.T) *projFixture {
	t.Helper()

	db, err := repository.InitDB(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to init DB: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	orders := repository.NewOrderRepo(db)
	discs := repository.NewDiscrepancyRepo(db)
	notes := &countingNotifier{}
	clk := clock.NewManual(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	return &projFixture{
		p:      New(orders, discs, notes, clk),
		orders: orders,
		discs:  discs,
		notes:  notes,
	}
}

func completedEvent(txnID, orderRef string) domain.TransitionEvent {
	return domain.TransitionEvent{
		Transaction: domain.Transaction{
			ID:       txnID,
			OrderID:  orderRef,
			Channel:  domain.ChannelMobileMoneyPush,
			Amount:   400_00,
			Currency: "KES",
			Status:   domain.StatusCompleted,
		},
		From:   domain.StatusProcessing,
		To:     domain.StatusCompleted,
		Amount: 400_00,
	}
}

func TestCompletedMarksOrderPaid(t *testing.T) {
	f := newProjFixture(t)

	f.p.HandleTransition(completedEvent("txn-1", "ORD-1"))

	st, err := f.orders.Get("ORD-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if st == nil || st.Status != domain.OrderPaid {
		t.Fatalf("order status = %+v, want PAID", st)
	}
	if st.TransactionID != "txn-1" {
		t.Errorf("paying transaction = %q, want txn-1", st.TransactionID)
	}
	if f.notes.settled != 1 {
		t.Errorf("settled notifications = %d, want 1", f.notes.settled)
	}

	// Replayed event for the same transaction: no second notification.
	f.p.HandleTransition(completedEvent("txn-1", "ORD-1"))
	if f.notes.settled != 1 {
		t.Errorf("settled notifications after replay = %d, want still 1", f.notes.settled)
	}
}

func TestSecondCompletionFlagsDoubleCredit(t *testing.T) {
	f := newProjFixture(t)

	f.p.HandleTransition(completedEvent("txn-1", "ORD-2"))
	f.p.HandleTransition(completedEvent("txn-2", "ORD-2"))

	st, _ := f.orders.Get("ORD-2")
	if st.TransactionID != "txn-1" {
		t.Errorf("order credited to %q, want the first transaction", st.TransactionID)
	}
	if f.notes.settled != 1 {
		t.Errorf("settled notifications = %d, want 1", f.notes.settled)
	}

	discs, err := f.discs.GetByTransaction("txn-2")
	if err != nil {
		t.Fatalf("GetByTransaction: %v", err)
	}
	if len(discs) != 1 || discs[0].Type != domain.DiscrepancyDoubleCredit {
		t.Fatalf("expected one DOUBLE_CREDIT discrepancy, got %+v", discs)
	}
	if discs[0].Severity != domain.SeverityCritical {
		t.Errorf("severity = %s, want CRITICAL", discs[0].Severity)
	}
}

func TestFailedNeverDowngradesPaidOrder(t *testing.T) {
	f := newProjFixture(t)

	f.p.HandleTransition(completedEvent("txn-1", "ORD-3"))

	ev := completedEvent("txn-2", "ORD-3")
	ev.To = domain.StatusFailed
	ev.Transaction.Status = domain.StatusFailed
	ev.Reason = domain.ReasonProviderFailed
	f.p.HandleTransition(ev)

	st, _ := f.orders.Get("ORD-3")
	if st.Status != domain.OrderPaid {
		t.Errorf("order status = %s, want PAID kept", st.Status)
	}
	if f.notes.failed != 1 {
		t.Errorf("failed notifications = %d, want 1", f.notes.failed)
	}
}

func TestFailedMarksUnpaidOrderFailed(t *testing.T) {
	f := newProjFixture(t)

	ev := completedEvent("txn-1", "ORD-4")
	ev.To = domain.StatusFailed
	ev.Transaction.Status = domain.StatusFailed
	f.p.HandleTransition(ev)

	st, _ := f.orders.Get("ORD-4")
	if st == nil || st.Status != domain.OrderFailed {
		t.Fatalf("order status = %+v, want FAILED", st)
	}
}

func TestReversedMarksOrderRefunded(t *testing.T) {
	f := newProjFixture(t)

	f.p.HandleTransition(completedEvent("txn-1", "ORD-5"))

	ev := completedEvent("txn-1", "ORD-5")
	ev.From = domain.StatusCompleted
	ev.To = domain.StatusReversed
	ev.Transaction.Status = domain.StatusReversed
	ev.Amount = 400_00
	f.p.HandleTransition(ev)

	st, _ := f.orders.Get("ORD-5")
	if st.Status != domain.OrderRefunded {
		t.Errorf("order status = %s, want REFUNDED", st.Status)
	}
	if f.notes.reversed != 1 {
		t.Errorf("reversed notifications = %d, want 1", f.notes.reversed)
	}
}

func TestEventWithoutOrderOnlyNotifies(t *testing.T) {
	f := newProjFixture(t)

	f.p.HandleTransition(completedEvent("txn-1", ""))
	if f.notes.settled != 1 {
		t.Errorf("settled notifications = %d, want 1", f.notes.settled)
	}
}
