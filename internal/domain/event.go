package domain

import "time"

// TransitionEvent is emitted by the ledger after a status transition
// commits. Amount carries the reversal amount on REVERSED events and the
// transaction amount otherwise.
type TransitionEvent struct {
	Transaction Transaction       `json:"transaction"`
	From        TransactionStatus `json:"from"`
	To          TransactionStatus `json:"to"`
	Reason      string            `json:"reason,omitempty"`
	Amount      int64             `json:"amount"`
	OccurredAt  time.Time         `json:"occurred_at"`
}

type OrderPayStatus string

const (
	OrderPaid     OrderPayStatus = "PAID"
	OrderFailed   OrderPayStatus = "FAILED"
	OrderRefunded OrderPayStatus = "REFUNDED"
)

// OrderPaymentStatus is the order-facing payment projection. Only the order
// status projector writes it.
type OrderPaymentStatus struct {
	OrderRef      string         `json:"order_ref"`
	Status        OrderPayStatus `json:"status"`
	TransactionID string         `json:"transaction_id"`
	UpdatedAt     time.Time      `json:"updated_at"`
}
