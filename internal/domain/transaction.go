package domain

import "time"

type Channel string

const (
	ChannelMobileMoneyPush Channel = "mobile_money_push"
	ChannelCardGateway     Channel = "card_gateway"
	ChannelManualCash      Channel = "manual_cash"
	ChannelManualPaybill   Channel = "manual_paybill"
)

// Valid reports whether c is one of the known payment channels.
func (c Channel) Valid() bool {
	switch c {
	case ChannelMobileMoneyPush, ChannelCardGateway, ChannelManualCash, ChannelManualPaybill:
		return true
	}
	return false
}

// Manual reports whether c is a staff-recorded channel with no provider
// round-trip.
func (c Channel) Manual() bool {
	return c == ChannelManualCash || c == ChannelManualPaybill
}

type TransactionStatus string

const (
	StatusPending    TransactionStatus = "PENDING"
	StatusProcessing TransactionStatus = "PROCESSING"
	StatusCompleted  TransactionStatus = "COMPLETED"
	StatusFailed     TransactionStatus = "FAILED"
	StatusReversed   TransactionStatus = "REVERSED"
)

// Terminal reports whether s admits no further transition through
// ApplyUpdate. COMPLETED is terminal for update purposes; the single
// COMPLETED -> REVERSED transition goes through the explicit refund path.
func (s TransactionStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusReversed
}

// InFlight reports whether s is still awaiting an outcome.
func (s TransactionStatus) InFlight() bool {
	return s == StatusPending || s == StatusProcessing
}

// transitions is the full state machine. REVERSED is reachable only from
// COMPLETED and only via the refund action.
var transitions = map[TransactionStatus][]TransactionStatus{
	StatusPending:    {StatusProcessing, StatusCompleted, StatusFailed},
	StatusProcessing: {StatusCompleted, StatusFailed},
	StatusCompleted:  {StatusReversed},
}

// CanTransition reports whether from -> to is a legal state machine edge.
func CanTransition(from, to TransactionStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Failure reasons recorded on FAILED transitions.
const (
	ReasonRetriesExhausted      = "RetriesExhausted"
	ReasonReconciliationTimeout = "ReconciliationTimeout"
	ReasonProviderRejected      = "ProviderRejected"
	ReasonProviderFailed        = "ProviderFailed"
)

// Transaction is a single payment attempt. Amounts are integer minor units
// (cents for KES/USD) so that equality checks are exact.
type Transaction struct {
	ID                  string            `json:"id"`
	OrderID             string            `json:"order_id,omitempty"`
	Channel             Channel           `json:"channel"`
	ExternalReference   string            `json:"external_reference"`
	ProviderReceiptCode string            `json:"provider_receipt_code,omitempty"`
	Amount              int64             `json:"amount"`
	Currency            string            `json:"currency"`
	PayerRef            string            `json:"payer_ref,omitempty"`
	Status              TransactionStatus `json:"status"`
	FailureReason       string            `json:"failure_reason,omitempty"`
	AttemptCount        int               `json:"attempt_count"`
	LastAttemptAt       *time.Time        `json:"last_attempt_at,omitempty"`
	RetryEligible       bool              `json:"retry_eligible,omitempty"`
	ReceivedBy          string            `json:"received_by,omitempty"`
	IdempotencyKey      string            `json:"idempotency_key"`
	ReversedAmount      int64             `json:"reversed_amount,omitempty"`
	CreatedAt           time.Time         `json:"created_at"`
	SettledAt           *time.Time        `json:"settled_at,omitempty"`
}

// PublicStatus collapses internal detail to the three statuses the
// storefront is allowed to see.
func (t *Transaction) PublicStatus() TransactionStatus {
	switch t.Status {
	case StatusCompleted:
		return StatusCompleted
	case StatusFailed, StatusReversed:
		return StatusFailed
	default:
		return StatusPending
	}
}
