package domain

import "time"

type DiscrepancyType string

const (
	// DiscrepancyAmountMismatch: update evidence disagreed with the stored
	// amount and was routed to manual review.
	DiscrepancyAmountMismatch DiscrepancyType = "AMOUNT_MISMATCH"
	// DiscrepancyTerminalConflict: ledger and provider report different
	// terminal statuses. Never auto-resolved.
	DiscrepancyTerminalConflict DiscrepancyType = "TERMINAL_CONFLICT"
	// DiscrepancyDoubleCredit: a second completed transaction arrived for an
	// order that was already paid by another transaction.
	DiscrepancyDoubleCredit DiscrepancyType = "DOUBLE_CREDIT"
)

type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// SeverityByAmount bands a discrepancy by the minor-unit amount at stake.
func SeverityByAmount(amount int64) Severity {
	switch {
	case amount >= 100_000:
		return SeverityHigh
	case amount >= 10_000:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// Discrepancy records a disagreement between ledger state and
// provider-reported (or attested) truth requiring human resolution.
type Discrepancy struct {
	ID             string            `json:"id"`
	Type           DiscrepancyType   `json:"type"`
	TransactionRef string            `json:"transaction_ref,omitempty"`
	OrderRef       string            `json:"order_ref,omitempty"`
	Channel        Channel           `json:"channel"`
	LedgerStatus   TransactionStatus `json:"ledger_status,omitempty"`
	ProviderStatus TransactionStatus `json:"provider_status,omitempty"`
	ExpectedAmount int64             `json:"expected_amount"`
	ReportedAmount int64             `json:"reported_amount"`
	Currency       string            `json:"currency"`
	Severity       Severity          `json:"severity"`
	Description    string            `json:"description"`
	DetectedAt     time.Time         `json:"detected_at"`
}
