package domain

import "time"

type Actor string

const (
	ActorSystem  Actor = "system"
	ActorAdmin   Actor = "admin"
	ActorWebhook Actor = "webhook"
)

// Audit actions. Every ledger mutation and every verifier decision writes
// one, including ignored duplicates.
const (
	AuditInitiated          = "initiated"
	AuditProviderHandoff    = "provider_handoff"
	AuditInitiationFailure  = "initiation_failure"
	AuditTransition         = "transition"
	AuditIgnoredDuplicate   = "ignored_duplicate"
	AuditAmountMismatch     = "amount_mismatch"
	AuditUnknownTransaction = "unknown_transaction"
	AuditUntrustedCallback  = "untrusted_callback"
	AuditDedupedCallback    = "deduped_callback"
	AuditRefund             = "refund"
)

// AuditEntry is append-only. Entries are never mutated or deleted within the
// engine; retention policy lives outside it.
type AuditEntry struct {
	ID             string    `json:"id"`
	TransactionRef string    `json:"transaction_ref"`
	Action         string    `json:"action"`
	Actor          Actor     `json:"actor"`
	Timestamp      time.Time `json:"timestamp"`
	PayloadDigest  string    `json:"payload_digest,omitempty"`
	Detail         string    `json:"detail,omitempty"`
}
