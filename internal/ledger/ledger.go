// Package ledger owns the transaction state machine. Every mutation of a
// transaction goes through it, every mutation is conditional on the row's
// current status, and every decision (including ignored duplicates) leaves
// an audit entry.
package ledger

import (
	"crypto/sha256"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dukahub/payments/internal/clock"
	"github.com/dukahub/payments/internal/domain"
	"github.com/dukahub/payments/internal/repository"
)

// TransactionStore is the slice of the repository the ledger mutates
// through. *repository.TransactionRepo satisfies it.
type TransactionStore interface {
	Insert(tx *domain.Transaction) (bool, error)
	GetByID(id string) (*domain.Transaction, error)
	GetByChannelRef(ch domain.Channel, ref string) (*domain.Transaction, error)
	GetByIdempotencyKey(key string) (*domain.Transaction, error)
	UpdateStatus(id string, c repository.StatusChange) (bool, error)
	BindOrder(id, orderRef string) (bool, error)
	SetExternalReference(id, ref string) (bool, error)
	MarkAttempt(id string, at time.Time, retryEligible bool) error
	SetReversedAmount(id string, amount int64) (bool, error)
}

type AuditStore interface {
	Insert(e *domain.AuditEntry) error
}

type DiscrepancyStore interface {
	Insert(d *domain.Discrepancy) error
}

type Ledger struct {
	txns  TransactionStore
	audit AuditStore
	discs DiscrepancyStore
	clk   clock.Clock

	mu   sync.RWMutex
	subs []func(domain.TransitionEvent)
}

func New(txns TransactionStore, audit AuditStore, discs DiscrepancyStore, clk clock.Clock) *Ledger {
	return &Ledger{txns: txns, audit: audit, discs: discs, clk: clk}
}

// Subscribe registers a transition subscriber. Subscribers run synchronously
// after the row update commits, in registration order.
func (l *Ledger) Subscribe(fn func(domain.TransitionEvent)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.subs = append(l.subs, fn)
}

func (l *Ledger) emit(ev domain.TransitionEvent) {
	l.mu.RLock()
	subs := make([]func(domain.TransitionEvent), len(l.subs))
	copy(subs, l.subs)
	l.mu.RUnlock()
	for _, fn := range subs {
		fn(ev)
	}
}

type ApplyOutcome string

const (
	// OutcomeApplied: the proposed transition won and was committed.
	OutcomeApplied ApplyOutcome = "applied"
	// OutcomeDuplicateTerminal: the transaction was already terminal; the
	// call is a no-op that still recorded an audit entry.
	OutcomeDuplicateTerminal ApplyOutcome = "duplicate_ignored"
	// OutcomeNoChange: the proposed status equals the current in-flight
	// status; nothing to do.
	OutcomeNoChange ApplyOutcome = "no_change"
	// OutcomeDeduplicated: the callback was dropped by the verifier's
	// seen-set before reaching the state machine.
	OutcomeDeduplicated ApplyOutcome = "deduplicated"
)

type ApplyResult struct {
	Outcome     ApplyOutcome             `json:"outcome"`
	Status      domain.TransactionStatus `json:"status"`
	Transaction *domain.Transaction      `json:"transaction,omitempty"`
}

type InitiateRequest struct {
	Channel        domain.Channel
	Amount         int64
	Currency       string
	PayerRef       string
	IdempotencyKey string
	OrderID        string
}

// Initiate creates a PENDING transaction, idempotent on the caller-supplied
// key: a second call with the same key and amount returns the existing row.
// The external reference is provisional until the provider handoff assigns
// the real one.
func (l *Ledger) Initiate(req InitiateRequest, actor domain.Actor) (*domain.Transaction, bool, error) {
	if !req.Channel.Valid() {
		return nil, false, fmt.Errorf("channel %q: %w", req.Channel, domain.ErrValidation)
	}
	if req.Amount <= 0 {
		return nil, false, fmt.Errorf("amount must be positive: %w", domain.ErrValidation)
	}
	if len(req.Currency) != 3 {
		return nil, false, fmt.Errorf("currency %q: %w", req.Currency, domain.ErrValidation)
	}
	if req.IdempotencyKey == "" {
		return nil, false, fmt.Errorf("idempotency key required: %w", domain.ErrValidation)
	}

	if existing, err := l.findByKey(req); existing != nil || err != nil {
		return existing, false, err
	}

	now := l.clk.Now().UTC()
	tx := &domain.Transaction{
		ID:             uuid.NewString(),
		OrderID:        req.OrderID,
		Channel:        req.Channel,
		Amount:         req.Amount,
		Currency:       req.Currency,
		PayerRef:       req.PayerRef,
		Status:         domain.StatusPending,
		IdempotencyKey: req.IdempotencyKey,
		CreatedAt:      now,
	}
	// Provisional reference keeps the (channel, external_reference) index
	// unique until the provider assigns the real one.
	tx.ExternalReference = "local-" + tx.ID

	created, err := l.txns.Insert(tx)
	if err != nil {
		return nil, false, err
	}
	if !created {
		// Lost the insert race; converge on the winner's row.
		existing, err := l.findByKey(req)
		if err != nil {
			return nil, false, err
		}
		if existing == nil {
			return nil, false, fmt.Errorf("initiate %s: row vanished after conflict", req.IdempotencyKey)
		}
		return existing, false, nil
	}

	l.recordAudit(tx.ID, domain.AuditInitiated, actor, "",
		fmt.Sprintf("channel=%s amount=%d %s key=%s", tx.Channel, tx.Amount, tx.Currency, tx.IdempotencyKey))
	return tx, true, nil
}

func (l *Ledger) findByKey(req InitiateRequest) (*domain.Transaction, error) {
	existing, err := l.txns.GetByIdempotencyKey(req.IdempotencyKey)
	if err != nil || existing == nil {
		return nil, err
	}
	if existing.Amount != req.Amount || existing.Currency != req.Currency {
		return nil, fmt.Errorf("idempotency key %s reused with different amount: %w",
			req.IdempotencyKey, domain.ErrValidation)
	}
	return existing, nil
}

// RecordHandoff stores the provider-assigned external reference and, when
// the provider acknowledged the request, moves the row to PROCESSING.
func (l *Ledger) RecordHandoff(id, externalRef string, acknowledged bool, actor domain.Actor) (*domain.Transaction, error) {
	before, err := l.txns.GetByID(id)
	if err != nil {
		return nil, err
	}
	if before == nil {
		return nil, fmt.Errorf("%s: %w", id, domain.ErrUnknownTransaction)
	}

	if externalRef != "" && externalRef != before.ExternalReference {
		ok, err := l.txns.SetExternalReference(id, externalRef)
		if err != nil {
			return nil, err
		}
		if !ok {
			// Terminal already; the handoff arrived too late to matter.
			return l.txns.GetByID(id)
		}
		l.recordAudit(id, domain.AuditProviderHandoff, actor, "",
			"external_reference="+externalRef)
	}

	if acknowledged && before.Status == domain.StatusPending {
		ok, err := l.txns.UpdateStatus(id, repository.StatusChange{
			To:   domain.StatusProcessing,
			From: []domain.TransactionStatus{domain.StatusPending},
		})
		if err != nil {
			return nil, err
		}
		if ok {
			fresh, err := l.txns.GetByID(id)
			if err != nil {
				return nil, err
			}
			l.recordAudit(id, domain.AuditTransition, actor, "", "PENDING -> PROCESSING")
			l.emit(domain.TransitionEvent{
				Transaction: *fresh,
				From:        domain.StatusPending,
				To:          domain.StatusProcessing,
				Amount:      fresh.Amount,
				OccurredAt:  l.clk.Now().UTC(),
			})
			return fresh, nil
		}
	}

	return l.txns.GetByID(id)
}

// ApplyUpdate applies a verified normalized update to the transaction
// identified by (channel, externalReference). Calls against a terminal row
// are success-shaped no-ops that still record an ignored-duplicate audit
// entry; amount disagreements are rejected into a discrepancy for manual
// review; racing callers converge on exactly one winner via the conditional
// update.
func (l *Ledger) ApplyUpdate(upd domain.NormalizedUpdate, actor domain.Actor) (*ApplyResult, error) {
	if !upd.Channel.Valid() || upd.ExternalReference == "" {
		return nil, fmt.Errorf("update needs channel and external reference: %w", domain.ErrValidation)
	}
	digest := upd.PayloadDigest
	if digest == "" {
		digest = evidenceDigest(upd)
	}

	txn, err := l.txns.GetByChannelRef(upd.Channel, upd.ExternalReference)
	if err != nil {
		return nil, err
	}
	if txn == nil {
		l.recordAudit(upd.ExternalReference, domain.AuditUnknownTransaction, actor, digest,
			fmt.Sprintf("channel=%s proposed=%s", upd.Channel, upd.Status))
		return nil, fmt.Errorf("%s/%s: %w", upd.Channel, upd.ExternalReference, domain.ErrUnknownTransaction)
	}

	if txn.Status.Terminal() {
		l.recordAudit(txn.ID, domain.AuditIgnoredDuplicate, actor, digest,
			fmt.Sprintf("proposed=%s current=%s", upd.Status, txn.Status))
		return &ApplyResult{Outcome: OutcomeDuplicateTerminal, Status: txn.Status, Transaction: txn}, nil
	}

	if upd.Status == txn.Status || upd.Status == domain.StatusPending {
		l.recordAudit(txn.ID, domain.AuditIgnoredDuplicate, actor, digest,
			fmt.Sprintf("proposed=%s current=%s (no change)", upd.Status, txn.Status))
		return &ApplyResult{Outcome: OutcomeNoChange, Status: txn.Status, Transaction: txn}, nil
	}

	if upd.Status == domain.StatusCompleted {
		if upd.Amount != 0 && (upd.Amount != txn.Amount || (upd.Currency != "" && upd.Currency != txn.Currency)) {
			l.flagAmountMismatch(txn, upd, digest, actor)
			return nil, fmt.Errorf("stored %d %s, evidence %d %s: %w",
				txn.Amount, txn.Currency, upd.Amount, upd.Currency, domain.ErrAmountMismatch)
		}
		if upd.ReceiptCode == "" && upd.ReceivedBy == "" {
			return nil, fmt.Errorf("completion needs a receipt code or manual attestation: %w", domain.ErrValidation)
		}
	}

	change, err := changeFor(upd, l.clk.Now().UTC())
	if err != nil {
		return nil, err
	}

	ok, err := l.txns.UpdateStatus(txn.ID, change)
	if err != nil {
		return nil, err
	}
	if !ok {
		// Lost the race: another caller transitioned the row first.
		fresh, err := l.txns.GetByID(txn.ID)
		if err != nil {
			return nil, err
		}
		l.recordAudit(txn.ID, domain.AuditIgnoredDuplicate, actor, digest,
			fmt.Sprintf("lost race: proposed=%s current=%s", upd.Status, fresh.Status))
		return &ApplyResult{Outcome: OutcomeDuplicateTerminal, Status: fresh.Status, Transaction: fresh}, nil
	}

	if upd.OrderID != "" {
		bound, err := l.txns.BindOrder(txn.ID, upd.OrderID)
		if err != nil {
			return nil, err
		}
		if !bound {
			log.Printf("[ledger] transaction %s already bound to order %s; ignoring rebind to %s",
				txn.ID, txn.OrderID, upd.OrderID)
		}
	}

	fresh, err := l.txns.GetByID(txn.ID)
	if err != nil {
		return nil, err
	}
	l.recordAudit(fresh.ID, domain.AuditTransition, actor, digest,
		fmt.Sprintf("%s -> %s", txn.Status, upd.Status))
	l.emit(domain.TransitionEvent{
		Transaction: *fresh,
		From:        txn.Status,
		To:          upd.Status,
		Reason:      change.FailureReason,
		Amount:      fresh.Amount,
		OccurredAt:  l.clk.Now().UTC(),
	})
	return &ApplyResult{Outcome: OutcomeApplied, Status: fresh.Status, Transaction: fresh}, nil
}

func changeFor(upd domain.NormalizedUpdate, now time.Time) (repository.StatusChange, error) {
	switch upd.Status {
	case domain.StatusProcessing:
		return repository.StatusChange{
			To:   domain.StatusProcessing,
			From: []domain.TransactionStatus{domain.StatusPending},
		}, nil
	case domain.StatusCompleted:
		return repository.StatusChange{
			To:          domain.StatusCompleted,
			From:        []domain.TransactionStatus{domain.StatusPending, domain.StatusProcessing},
			ReceiptCode: upd.ReceiptCode,
			ReceivedBy:  upd.ReceivedBy,
			SettledAt:   &now,
		}, nil
	case domain.StatusFailed:
		reason := upd.Reason
		if reason == "" {
			reason = domain.ReasonProviderFailed
		}
		return repository.StatusChange{
			To:            domain.StatusFailed,
			From:          []domain.TransactionStatus{domain.StatusPending, domain.StatusProcessing},
			FailureReason: reason,
		}, nil
	default:
		return repository.StatusChange{}, fmt.Errorf("proposed status %q: %w", upd.Status, domain.ErrValidation)
	}
}

func (l *Ledger) flagAmountMismatch(txn *domain.Transaction, upd domain.NormalizedUpdate, digest string, actor domain.Actor) {
	now := l.clk.Now().UTC()
	diff := txn.Amount - upd.Amount
	if diff < 0 {
		diff = -diff
	}
	d := &domain.Discrepancy{
		ID:             "DISC-AM-" + txn.ID,
		Type:           domain.DiscrepancyAmountMismatch,
		TransactionRef: txn.ID,
		OrderRef:       txn.OrderID,
		Channel:        txn.Channel,
		LedgerStatus:   txn.Status,
		ProviderStatus: upd.Status,
		ExpectedAmount: txn.Amount,
		ReportedAmount: upd.Amount,
		Currency:       txn.Currency,
		Severity:       domain.SeverityByAmount(diff),
		Description: fmt.Sprintf("evidence for %s reports %d %s, ledger holds %d %s",
			txn.ID, upd.Amount, upd.Currency, txn.Amount, txn.Currency),
		DetectedAt: now,
	}
	if err := l.discs.Insert(d); err != nil {
		log.Printf("[ledger] failed to record amount mismatch for %s: %v", txn.ID, err)
	}
	l.recordAudit(txn.ID, domain.AuditAmountMismatch, actor, digest, d.Description)
}

// MarkInitiationFailure records a failed provider initiation. Transient
// failures leave the row PENDING and retry-eligible; permanent ones fail it.
func (l *Ledger) MarkInitiationFailure(id string, transient bool, cause error, actor domain.Actor) (*domain.Transaction, error) {
	txn, err := l.txns.GetByID(id)
	if err != nil {
		return nil, err
	}
	if txn == nil {
		return nil, fmt.Errorf("%s: %w", id, domain.ErrUnknownTransaction)
	}
	if txn.Status != domain.StatusPending {
		return txn, nil
	}

	if transient {
		if err := l.txns.MarkAttempt(id, l.clk.Now().UTC(), true); err != nil {
			return nil, err
		}
		l.recordAudit(id, domain.AuditInitiationFailure, actor, "", "transient: "+cause.Error())
		return l.txns.GetByID(id)
	}

	l.recordAudit(id, domain.AuditInitiationFailure, actor, "", "permanent: "+cause.Error())
	res, err := l.ForceFail(id, domain.ReasonProviderRejected, actor)
	if err != nil {
		return nil, err
	}
	return res.Transaction, nil
}

// ForceFail transitions an in-flight transaction to FAILED with the given
// reason. Terminal rows yield the usual audited no-op.
func (l *Ledger) ForceFail(id, reason string, actor domain.Actor) (*ApplyResult, error) {
	txn, err := l.txns.GetByID(id)
	if err != nil {
		return nil, err
	}
	if txn == nil {
		return nil, fmt.Errorf("%s: %w", id, domain.ErrUnknownTransaction)
	}
	if txn.Status.Terminal() {
		l.recordAudit(txn.ID, domain.AuditIgnoredDuplicate, actor, "",
			fmt.Sprintf("proposed=FAILED(%s) current=%s", reason, txn.Status))
		return &ApplyResult{Outcome: OutcomeDuplicateTerminal, Status: txn.Status, Transaction: txn}, nil
	}

	ok, err := l.txns.UpdateStatus(id, repository.StatusChange{
		To:            domain.StatusFailed,
		From:          []domain.TransactionStatus{domain.StatusPending, domain.StatusProcessing},
		FailureReason: reason,
	})
	if err != nil {
		return nil, err
	}
	fresh, err := l.txns.GetByID(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		l.recordAudit(id, domain.AuditIgnoredDuplicate, actor, "",
			fmt.Sprintf("lost race: proposed=FAILED(%s) current=%s", reason, fresh.Status))
		return &ApplyResult{Outcome: OutcomeDuplicateTerminal, Status: fresh.Status, Transaction: fresh}, nil
	}

	l.recordAudit(id, domain.AuditTransition, actor, "",
		fmt.Sprintf("%s -> FAILED (%s)", txn.Status, reason))
	l.emit(domain.TransitionEvent{
		Transaction: *fresh,
		From:        txn.Status,
		To:          domain.StatusFailed,
		Reason:      reason,
		Amount:      fresh.Amount,
		OccurredAt:  l.clk.Now().UTC(),
	})
	return &ApplyResult{Outcome: OutcomeApplied, Status: fresh.Status, Transaction: fresh}, nil
}

// Refund is the only path out of COMPLETED. The reversal amount must not
// exceed the original amount; it is recorded on the row and in the audit
// trail, the original amount stays immutable.
func (l *Ledger) Refund(id string, amount int64, actor domain.Actor) (*domain.Transaction, error) {
	txn, err := l.txns.GetByID(id)
	if err != nil {
		return nil, err
	}
	if txn == nil {
		return nil, fmt.Errorf("%s: %w", id, domain.ErrUnknownTransaction)
	}
	if txn.Status != domain.StatusCompleted {
		return nil, fmt.Errorf("refund requires COMPLETED, have %s: %w", txn.Status, domain.ErrValidation)
	}
	if amount <= 0 || amount > txn.Amount {
		return nil, fmt.Errorf("reversal amount %d out of range (original %d): %w",
			amount, txn.Amount, domain.ErrValidation)
	}

	ok, err := l.txns.SetReversedAmount(id, amount)
	if err != nil {
		return nil, err
	}
	fresh, err := l.txns.GetByID(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		l.recordAudit(id, domain.AuditIgnoredDuplicate, actor, "",
			fmt.Sprintf("refund lost race: current=%s", fresh.Status))
		if fresh.Status == domain.StatusReversed {
			return fresh, nil
		}
		return nil, fmt.Errorf("refund %s: transaction no longer COMPLETED: %w", id, domain.ErrValidation)
	}

	l.recordAudit(id, domain.AuditRefund, actor, "",
		fmt.Sprintf("reversed %d of %d %s", amount, txn.Amount, txn.Currency))
	l.emit(domain.TransitionEvent{
		Transaction: *fresh,
		From:        domain.StatusCompleted,
		To:          domain.StatusReversed,
		Amount:      amount,
		OccurredAt:  l.clk.Now().UTC(),
	})
	return fresh, nil
}

// RecordVerifierDecision lets the webhook verifier audit decisions that
// never reach the state machine (untrusted or deduplicated callbacks).
func (l *Ledger) RecordVerifierDecision(ref, action string, digest, detail string) {
	l.recordAudit(ref, action, domain.ActorWebhook, digest, detail)
}

func (l *Ledger) recordAudit(ref, action string, actor domain.Actor, digest, detail string) {
	e := &domain.AuditEntry{
		ID:             uuid.NewString(),
		TransactionRef: ref,
		Action:         action,
		Actor:          actor,
		Timestamp:      l.clk.Now().UTC(),
		PayloadDigest:  digest,
		Detail:         detail,
	}
	if err := l.audit.Insert(e); err != nil {
		log.Printf("[ledger] WARNING: audit write failed for %s (%s): %v", ref, action, err)
	}
}

func evidenceDigest(upd domain.NormalizedUpdate) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%s|%d|%s|%s",
		upd.Channel, upd.ExternalReference, upd.Status, upd.Amount, upd.Currency, upd.ReceiptCode)))
	return fmt.Sprintf("%x", sum)
}
