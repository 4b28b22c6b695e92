package domain

// NormalizedUpdate is the single shape every channel adapter produces from
// provider callbacks, status polls, and manual attestations. The ledger never
// sees provider-specific payloads.
type NormalizedUpdate struct {
	Channel           Channel
	ExternalReference string
	Status            TransactionStatus
	ReceiptCode       string
	Amount            int64
	Currency          string
	ReceivedBy        string
	OrderID           string
	Reason            string
	PayloadDigest     string
}
