package ledger

import (
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/dukahub/payments/internal/clock"
	"github.com/dukahub/payments/internal/domain"
	"github.com/dukahub/payments/internal/repository"
)

type fixture struct {
	led   *Ledger
	txns  *repository.TransactionRepo
	audit *repository.AuditRepo
	discs *repository.DiscrepancyRepo
	clk   *clock.Manual
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db, err := repository.InitDB(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to init DB: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	clk := clock.NewManual(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	txns := repository.NewTransactionRepo(db)
	audit := repository.NewAuditRepo(db)
	discs := repository.NewDiscrepancyRepo(db)
	return &fixture{
		led:   New(txns, audit, discs, clk),
		txns:  txns,
		audit: audit,
		discs: discs,
		clk:   clk,
	}
}

// initiated creates a PENDING transaction with a provider reference, ready
// for callbacks.
func (f *fixture) initiated(t *testing.T, ref string) *domain.Transaction {
	t.Helper()
	txn, created, err := f.led.Initiate(InitiateRequest{
		Channel:        domain.ChannelMobileMoneyPush,
		Amount:         150_00,
		Currency:       "KES",
		PayerRef:       "254700000001",
		IdempotencyKey: "key-" + ref,
	}, domain.ActorSystem)
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	if !created {
		t.Fatalf("Initiate: expected a new transaction")
	}
	txn, err = f.led.RecordHandoff(txn.ID, ref, true, domain.ActorSystem)
	if err != nil {
		t.Fatalf("RecordHandoff: %v", err)
	}
	return txn
}

func (f *fixture) countAudit(t *testing.T, ref, action string) int {
	t.Helper()
	n, err := f.audit.CountByAction(ref, action)
	if err != nil {
		t.Fatalf("CountByAction: %v", err)
	}
	return n
}

func completedUpdate(ref string) domain.NormalizedUpdate {
	return domain.NormalizedUpdate{
		Channel:           domain.ChannelMobileMoneyPush,
		ExternalReference: ref,
		Status:            domain.StatusCompleted,
		ReceiptCode:       "RCT-001",
		Amount:            150_00,
		Currency:          "KES",
	}
}

func TestInitiateValidation(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name string
		req  InitiateRequest
	}{
		{"unknown channel", InitiateRequest{Channel: "carrier_pigeon", Amount: 100, Currency: "KES", IdempotencyKey: "k1"}},
		{"zero amount", InitiateRequest{Channel: domain.ChannelCardGateway, Amount: 0, Currency: "KES", IdempotencyKey: "k2"}},
		{"negative amount", InitiateRequest{Channel: domain.ChannelCardGateway, Amount: -5, Currency: "KES", IdempotencyKey: "k3"}},
		{"bad currency", InitiateRequest{Channel: domain.ChannelCardGateway, Amount: 100, Currency: "KENYAN", IdempotencyKey: "k4"}},
		{"missing idempotency key", InitiateRequest{Channel: domain.ChannelCardGateway, Amount: 100, Currency: "KES"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := f.led.Initiate(tt.req, domain.ActorSystem)
			if !errors.Is(err, domain.ErrValidation) {
				t.Errorf("want ErrValidation, got %v", err)
			}
		})
	}
}

func TestInitiateIdempotentReplay(t *testing.T) {
	f := newFixture(t)
	req := InitiateRequest{
		Channel:        domain.ChannelCardGateway,
		Amount:         999_00,
		Currency:       "USD",
		PayerRef:       "cust-42",
		IdempotencyKey: "order-77-attempt-1",
	}

	first, created, err := f.led.Initiate(req, domain.ActorSystem)
	if err != nil || !created {
		t.Fatalf("first Initiate: created=%v err=%v", created, err)
	}
	if first.Status != domain.StatusPending {
		t.Errorf("new transaction status = %s, want PENDING", first.Status)
	}

	second, created, err := f.led.Initiate(req, domain.ActorSystem)
	if err != nil {
		t.Fatalf("replay Initiate: %v", err)
	}
	if created {
		t.Error("replay must not create a second transaction")
	}
	if second.ID != first.ID {
		t.Errorf("replay returned %s, want original %s", second.ID, first.ID)
	}
	if n := f.countAudit(t, first.ID, domain.AuditInitiated); n != 1 {
		t.Errorf("initiated audit entries = %d, want 1", n)
	}
}

func TestInitiateKeyReuseWithDifferentAmount(t *testing.T) {
	f := newFixture(t)
	req := InitiateRequest{
		Channel:        domain.ChannelCardGateway,
		Amount:         100_00,
		Currency:       "USD",
		IdempotencyKey: "shared-key",
	}
	if _, _, err := f.led.Initiate(req, domain.ActorSystem); err != nil {
		t.Fatalf("Initiate: %v", err)
	}

	req.Amount = 200_00
	_, _, err := f.led.Initiate(req, domain.ActorSystem)
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("key reuse with different amount: want ErrValidation, got %v", err)
	}
}

func TestRecordHandoffMovesToProcessing(t *testing.T) {
	f := newFixture(t)
	var events []domain.TransitionEvent
	f.led.Subscribe(func(ev domain.TransitionEvent) { events = append(events, ev) })

	txn := f.initiated(t, "CHK-100")

	if txn.Status != domain.StatusProcessing {
		t.Errorf("status after acknowledged handoff = %s, want PROCESSING", txn.Status)
	}
	if txn.ExternalReference != "CHK-100" {
		t.Errorf("external reference = %q, want CHK-100", txn.ExternalReference)
	}
	if len(events) != 1 || events[0].To != domain.StatusProcessing {
		t.Fatalf("expected one PROCESSING event, got %+v", events)
	}
}

func TestApplyUpdateCompletes(t *testing.T) {
	f := newFixture(t)
	txn := f.initiated(t, "CHK-200")

	res, err := f.led.ApplyUpdate(completedUpdate("CHK-200"), domain.ActorWebhook)
	if err != nil {
		t.Fatalf("ApplyUpdate: %v", err)
	}
	if res.Outcome != OutcomeApplied {
		t.Fatalf("outcome = %s, want applied", res.Outcome)
	}
	if res.Transaction.Status != domain.StatusCompleted {
		t.Errorf("status = %s, want COMPLETED", res.Transaction.Status)
	}
	if res.Transaction.ProviderReceiptCode != "RCT-001" {
		t.Errorf("receipt code = %q, want RCT-001", res.Transaction.ProviderReceiptCode)
	}
	if res.Transaction.SettledAt == nil {
		t.Error("settled_at not set on completion")
	}
	if n := f.countAudit(t, txn.ID, domain.AuditTransition); n != 2 {
		t.Errorf("transition audit entries = %d, want 2 (handoff + completion)", n)
	}
}

func TestDuplicateCallbackAfterTerminalIsNoOp(t *testing.T) {
	f := newFixture(t)
	txn := f.initiated(t, "CHK-300")

	if _, err := f.led.ApplyUpdate(completedUpdate("CHK-300"), domain.ActorWebhook); err != nil {
		t.Fatalf("first ApplyUpdate: %v", err)
	}

	// Late conflicting callback: must not move the row off COMPLETED.
	late := domain.NormalizedUpdate{
		Channel:           domain.ChannelMobileMoneyPush,
		ExternalReference: "CHK-300",
		Status:            domain.StatusFailed,
		Reason:            "timeout",
	}
	res, err := f.led.ApplyUpdate(late, domain.ActorWebhook)
	if err != nil {
		t.Fatalf("late ApplyUpdate: %v", err)
	}
	if res.Outcome != OutcomeDuplicateTerminal {
		t.Errorf("outcome = %s, want duplicate_ignored", res.Outcome)
	}
	if res.Status != domain.StatusCompleted {
		t.Errorf("status = %s, want COMPLETED", res.Status)
	}
	if n := f.countAudit(t, txn.ID, domain.AuditIgnoredDuplicate); n != 1 {
		t.Errorf("ignored_duplicate audit entries = %d, want 1", n)
	}
}

func TestApplyUpdateUnknownReference(t *testing.T) {
	f := newFixture(t)

	_, err := f.led.ApplyUpdate(completedUpdate("CHK-NOBODY"), domain.ActorWebhook)
	if !errors.Is(err, domain.ErrUnknownTransaction) {
		t.Fatalf("want ErrUnknownTransaction, got %v", err)
	}
	if n := f.countAudit(t, "CHK-NOBODY", domain.AuditUnknownTransaction); n != 1 {
		t.Errorf("unknown_transaction audit entries = %d, want 1", n)
	}
}

func TestApplyUpdateAmountMismatch(t *testing.T) {
	f := newFixture(t)
	txn := f.initiated(t, "CHK-400")

	upd := completedUpdate("CHK-400")
	upd.Amount = 149_00
	_, err := f.led.ApplyUpdate(upd, domain.ActorWebhook)
	if !errors.Is(err, domain.ErrAmountMismatch) {
		t.Fatalf("want ErrAmountMismatch, got %v", err)
	}

	fresh, _ := f.txns.GetByID(txn.ID)
	if fresh.Status != domain.StatusProcessing {
		t.Errorf("status after mismatch = %s, want unchanged PROCESSING", fresh.Status)
	}

	discs, err := f.discs.GetByTransaction(txn.ID)
	if err != nil {
		t.Fatalf("GetByTransaction: %v", err)
	}
	if len(discs) != 1 || discs[0].Type != domain.DiscrepancyAmountMismatch {
		t.Fatalf("expected one AMOUNT_MISMATCH discrepancy, got %+v", discs)
	}
	if discs[0].ExpectedAmount != 150_00 || discs[0].ReportedAmount != 149_00 {
		t.Errorf("discrepancy amounts = %d/%d, want 15000/14900",
			discs[0].ExpectedAmount, discs[0].ReportedAmount)
	}
}

func TestCompletionRequiresEvidence(t *testing.T) {
	f := newFixture(t)
	f.initiated(t, "CHK-500")

	upd := completedUpdate("CHK-500")
	upd.ReceiptCode = ""
	_, err := f.led.ApplyUpdate(upd, domain.ActorWebhook)
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("completion without receipt or attestation: want ErrValidation, got %v", err)
	}
}

func TestConcurrentConflictingUpdatesOneWinner(t *testing.T) {
	f := newFixture(t)
	txn := f.initiated(t, "CHK-600")

	fail := domain.NormalizedUpdate{
		Channel:           domain.ChannelMobileMoneyPush,
		ExternalReference: "CHK-600",
		Status:            domain.StatusFailed,
		Reason:            "insufficient funds",
	}

	var wg sync.WaitGroup
	outcomes := make(chan ApplyOutcome, 2)
	for _, upd := range []domain.NormalizedUpdate{completedUpdate("CHK-600"), fail} {
		wg.Add(1)
		go func(u domain.NormalizedUpdate) {
			defer wg.Done()
			res, err := f.led.ApplyUpdate(u, domain.ActorWebhook)
			if err != nil {
				t.Errorf("ApplyUpdate(%s): %v", u.Status, err)
				return
			}
			outcomes <- res.Outcome
		}(upd)
	}
	wg.Wait()
	close(outcomes)

	applied := 0
	for o := range outcomes {
		if o == OutcomeApplied {
			applied++
		}
	}
	if applied != 1 {
		t.Errorf("applied outcomes = %d, want exactly 1", applied)
	}

	fresh, _ := f.txns.GetByID(txn.ID)
	if !fresh.Status.Terminal() {
		t.Errorf("final status = %s, want terminal", fresh.Status)
	}
}

func TestBindOrderOnce(t *testing.T) {
	f := newFixture(t)
	txn := f.initiated(t, "CHK-700")

	upd := completedUpdate("CHK-700")
	upd.OrderID = "ORD-1"
	if _, err := f.led.ApplyUpdate(upd, domain.ActorWebhook); err != nil {
		t.Fatalf("ApplyUpdate: %v", err)
	}

	fresh, _ := f.txns.GetByID(txn.ID)
	if fresh.OrderID != "ORD-1" {
		t.Fatalf("order = %q, want ORD-1", fresh.OrderID)
	}

	// A later attempt to rebind to another order must not stick.
	if ok, err := f.txns.BindOrder(txn.ID, "ORD-2"); err != nil || ok {
		t.Errorf("rebind: ok=%v err=%v, want ok=false", ok, err)
	}
	fresh, _ = f.txns.GetByID(txn.ID)
	if fresh.OrderID != "ORD-1" {
		t.Errorf("order after rebind attempt = %q, want ORD-1", fresh.OrderID)
	}
}

func TestMarkInitiationFailureTransient(t *testing.T) {
	f := newFixture(t)
	txn, _, err := f.led.Initiate(InitiateRequest{
		Channel:        domain.ChannelMobileMoneyPush,
		Amount:         100_00,
		Currency:       "KES",
		IdempotencyKey: "transient-1",
	}, domain.ActorSystem)
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}

	fresh, err := f.led.MarkInitiationFailure(txn.ID, true, errors.New("connection refused"), domain.ActorSystem)
	if err != nil {
		t.Fatalf("MarkInitiationFailure: %v", err)
	}
	if fresh.Status != domain.StatusPending {
		t.Errorf("status = %s, want PENDING", fresh.Status)
	}
	if !fresh.RetryEligible {
		t.Error("transient failure must leave the row retry-eligible")
	}
	if fresh.AttemptCount != 1 {
		t.Errorf("attempt count = %d, want 1", fresh.AttemptCount)
	}
	if fresh.LastAttemptAt == nil {
		t.Error("last_attempt_at not recorded")
	}
}

func TestMarkInitiationFailurePermanent(t *testing.T) {
	f := newFixture(t)
	txn, _, err := f.led.Initiate(InitiateRequest{
		Channel:        domain.ChannelMobileMoneyPush,
		Amount:         100_00,
		Currency:       "KES",
		IdempotencyKey: "permanent-1",
	}, domain.ActorSystem)
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}

	fresh, err := f.led.MarkInitiationFailure(txn.ID, false, errors.New("invalid msisdn"), domain.ActorSystem)
	if err != nil {
		t.Fatalf("MarkInitiationFailure: %v", err)
	}
	if fresh.Status != domain.StatusFailed {
		t.Errorf("status = %s, want FAILED", fresh.Status)
	}
	if fresh.FailureReason != domain.ReasonProviderRejected {
		t.Errorf("failure reason = %q, want %q", fresh.FailureReason, domain.ReasonProviderRejected)
	}
}

func TestForceFailTerminalNoOp(t *testing.T) {
	f := newFixture(t)
	txn := f.initiated(t, "CHK-800")

	if _, err := f.led.ApplyUpdate(completedUpdate("CHK-800"), domain.ActorWebhook); err != nil {
		t.Fatalf("ApplyUpdate: %v", err)
	}

	res, err := f.led.ForceFail(txn.ID, domain.ReasonReconciliationTimeout, domain.ActorSystem)
	if err != nil {
		t.Fatalf("ForceFail: %v", err)
	}
	if res.Outcome != OutcomeDuplicateTerminal || res.Status != domain.StatusCompleted {
		t.Errorf("force-fail on COMPLETED: outcome=%s status=%s, want duplicate_ignored/COMPLETED",
			res.Outcome, res.Status)
	}
}

func TestRefund(t *testing.T) {
	f := newFixture(t)
	var events []domain.TransitionEvent
	f.led.Subscribe(func(ev domain.TransitionEvent) { events = append(events, ev) })

	txn := f.initiated(t, "CHK-900")
	if _, err := f.led.ApplyUpdate(completedUpdate("CHK-900"), domain.ActorWebhook); err != nil {
		t.Fatalf("ApplyUpdate: %v", err)
	}
	events = events[:0]

	fresh, err := f.led.Refund(txn.ID, 50_00, domain.ActorAdmin)
	if err != nil {
		t.Fatalf("Refund: %v", err)
	}
	if fresh.Status != domain.StatusReversed {
		t.Errorf("status = %s, want REVERSED", fresh.Status)
	}
	if fresh.ReversedAmount != 50_00 {
		t.Errorf("reversed amount = %d, want 5000", fresh.ReversedAmount)
	}
	if fresh.Amount != 150_00 {
		t.Errorf("original amount mutated to %d", fresh.Amount)
	}
	if n := f.countAudit(t, txn.ID, domain.AuditRefund); n != 1 {
		t.Errorf("refund audit entries = %d, want 1", n)
	}
	if len(events) != 1 || events[0].To != domain.StatusReversed || events[0].Amount != 50_00 {
		t.Fatalf("expected one REVERSED event carrying the reversal amount, got %+v", events)
	}
}

func TestRefundGuards(t *testing.T) {
	f := newFixture(t)
	pending := f.initiated(t, "CHK-901")

	if _, err := f.led.Refund(pending.ID, 100, domain.ActorAdmin); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("refund on in-flight row: want ErrValidation, got %v", err)
	}

	done := f.initiated(t, "CHK-902")
	if _, err := f.led.ApplyUpdate(completedUpdate("CHK-902"), domain.ActorWebhook); err != nil {
		t.Fatalf("ApplyUpdate: %v", err)
	}
	if _, err := f.led.Refund(done.ID, 999_99, domain.ActorAdmin); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("refund exceeding original: want ErrValidation, got %v", err)
	}
	if _, err := f.led.Refund(done.ID, 0, domain.ActorAdmin); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("zero refund: want ErrValidation, got %v", err)
	}
	if _, err := f.led.Refund("no-such-id", 100, domain.ActorAdmin); !errors.Is(err, domain.ErrUnknownTransaction) {
		t.Errorf("refund of unknown id: want ErrUnknownTransaction, got %v", err)
	}
}
