package domain

import "time"

// Token is an ephemeral opaque reference to a payment method. The vault
// never stores raw card or account numbers, only masked representations.
type Token struct {
	Token       string    `json:"token"`
	SubjectType string    `json:"subject_type"`
	OwnerRef    string    `json:"owner_ref"`
	MaskedRef   string    `json:"masked_ref,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Expired reports whether the token is past its TTL at the given instant.
func (t *Token) Expired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}
