package webhook

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/dukahub/payments/internal/channel"
	"github.com/dukahub/payments/internal/clock"
	"github.com/dukahub/payments/internal/domain"
	"github.com/dukahub/payments/internal/ledger"
	"github.com/dukahub/payments/internal/repository"
)

const testSecret = "wh-secret-1"

type stubPushClient struct{ n int }

func (c *stubPushClient) RequestPush(ctx context.Context, amount int64, currency, payerRef string) (string, error) {
	c.n++
	return fmt.Sprintf("CHK-%d", c.n), nil
}

func (c *stubPushClient) QueryPush(ctx context.Context, checkoutID string) (*channel.PushStatus, error) {
	return &channel.PushStatus{CheckoutID: checkoutID, State: channel.PushStatePending}, nil
}

type verifierFixture struct {
	v     *Verifier
	led   *ledger.Ledger
	txns  *repository.TransactionRepo
	audit *repository.AuditRepo
	clk   *clock.Manual
}

func newVerifierFixture(t *testing.T) *verifierFixture {
	t.Helper()

	db, err := repository.InitDB(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to init DB: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	txns := repository.NewTransactionRepo(db)
	audit := repository.NewAuditRepo(db)
	clk := clock.NewManual(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	led := ledger.New(txns, audit, repository.NewDiscrepancyRepo(db), clk)

	registry := channel.NewRegistry(channel.NewMobileMoneyAdapter(&stubPushClient{}))
	secrets := map[domain.Channel]string{domain.ChannelMobileMoneyPush: testSecret}
	return &verifierFixture{
		v:     NewVerifier(secrets, registry, led, clk, DefaultDedupeWindow),
		led:   led,
		txns:  txns,
		audit: audit,
		clk:   clk,
	}
}

// seedProcessing creates a PROCESSING transaction awaiting callback.
func (f *verifierFixture) seedProcessing(t *testing.T, ref string) *domain.Transaction {
	t.Helper()
	txn, _, err := f.led.Initiate(ledger.InitiateRequest{
		Channel:        domain.ChannelMobileMoneyPush,
		Amount:         500_00,
		Currency:       "KES",
		PayerRef:       "254700000003",
		IdempotencyKey: "key-" + ref,
	}, domain.ActorSystem)
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	txn, err = f.led.RecordHandoff(txn.ID, ref, true, domain.ActorSystem)
	if err != nil {
		t.Fatalf("RecordHandoff: %v", err)
	}
	return txn
}

func successPayload(ref string) []byte {
	return []byte(fmt.Sprintf(
		`{"checkout_id":%q,"result_code":0,"receipt_code":"RCT-77","amount":50000,"currency":"KES"}`, ref))
}

func TestHandleAppliesAuthenticCallback(t *testing.T) {
	f := newVerifierFixture(t)
	txn := f.seedProcessing(t, "CHK-A")

	body := successPayload("CHK-A")
	res, err := f.v.Handle(domain.ChannelMobileMoneyPush, Sign(testSecret, body), body)
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if res.Outcome != ledger.OutcomeApplied {
		t.Errorf("outcome = %s, want applied", res.Outcome)
	}

	fresh, _ := f.txns.GetByID(txn.ID)
	if fresh.Status != domain.StatusCompleted {
		t.Errorf("status = %s, want COMPLETED", fresh.Status)
	}
}

func TestHandleRejectsBadSignature(t *testing.T) {
	f := newVerifierFixture(t)
	txn := f.seedProcessing(t, "CHK-B")

	body := successPayload("CHK-B")
	tests := []struct {
		name      string
		signature string
	}{
		{"wrong secret", Sign("not-the-secret", body)},
		{"empty signature", ""},
		{"garbage", "deadbeef"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.v.Handle(domain.ChannelMobileMoneyPush, tt.signature, body)
			if !errors.Is(err, domain.ErrUntrustedCallback) {
				t.Fatalf("want ErrUntrustedCallback, got %v", err)
			}
		})
	}

	// The payload never reached the state machine.
	fresh, _ := f.txns.GetByID(txn.ID)
	if fresh.Status != domain.StatusProcessing {
		t.Errorf("status = %s, want unchanged PROCESSING", fresh.Status)
	}
	n, err := f.audit.CountByAction("channel:"+string(domain.ChannelMobileMoneyPush), domain.AuditUntrustedCallback)
	if err != nil {
		t.Fatalf("CountByAction: %v", err)
	}
	if n != len(tests) {
		t.Errorf("untrusted_callback audit entries = %d, want %d", n, len(tests))
	}
}

func TestHandleRejectsChannelWithoutSecret(t *testing.T) {
	f := newVerifierFixture(t)

	body := []byte(`{"charge_id":"ch_1","status":"succeeded"}`)
	_, err := f.v.Handle(domain.ChannelCardGateway, Sign(testSecret, body), body)
	if !errors.Is(err, domain.ErrUntrustedCallback) {
		t.Fatalf("channel with no configured secret: want ErrUntrustedCallback, got %v", err)
	}
}

func TestHandleDedupesRedeliveryWithinWindow(t *testing.T) {
	f := newVerifierFixture(t)
	f.seedProcessing(t, "CHK-C")

	body := successPayload("CHK-C")
	sig := Sign(testSecret, body)

	first, err := f.v.Handle(domain.ChannelMobileMoneyPush, sig, body)
	if err != nil {
		t.Fatalf("first Handle: %v", err)
	}
	if first.Outcome != ledger.OutcomeApplied {
		t.Fatalf("first outcome = %s, want applied", first.Outcome)
	}

	f.clk.Advance(2 * time.Minute)
	second, err := f.v.Handle(domain.ChannelMobileMoneyPush, sig, body)
	if err != nil {
		t.Fatalf("redelivery Handle: %v", err)
	}
	if second.Outcome != ledger.OutcomeDeduplicated {
		t.Errorf("redelivery outcome = %s, want deduplicated", second.Outcome)
	}

	// Past the window the verifier lets it through; the ledger's terminal
	// no-op absorbs it instead.
	f.clk.Advance(DefaultDedupeWindow)
	third, err := f.v.Handle(domain.ChannelMobileMoneyPush, sig, body)
	if err != nil {
		t.Fatalf("late redelivery Handle: %v", err)
	}
	if third.Outcome != ledger.OutcomeDuplicateTerminal {
		t.Errorf("late redelivery outcome = %s, want duplicate_ignored", third.Outcome)
	}
}

func TestHandleMalformedPayload(t *testing.T) {
	f := newVerifierFixture(t)

	body := []byte(`{"result_code":0}`)
	_, err := f.v.Handle(domain.ChannelMobileMoneyPush, Sign(testSecret, body), body)
	if !errors.Is(err, domain.ErrMalformedCallback) {
		t.Fatalf("want ErrMalformedCallback, got %v", err)
	}
}
