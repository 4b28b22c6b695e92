// Package vault issues short-lived opaque tokens in place of raw
// payment-method data and guards write paths against raw sensitive fields.
package vault

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dukahub/payments/internal/clock"
	"github.com/dukahub/payments/internal/domain"
)

const DefaultTTL = 15 * time.Minute

type TokenStore interface {
	Insert(t *domain.Token) error
	Get(token string) (*domain.Token, error)
	DeleteExpired(now time.Time) (int64, error)
}

type Vault struct {
	tokens TokenStore
	clk    clock.Clock
}

func New(tokens TokenStore, clk clock.Clock) *Vault {
	return &Vault{tokens: tokens, clk: clk}
}

// CreateToken issues an opaque reference for a payment method. maskedRef
// must already be a masked representation; it is guarded like any payload.
func (v *Vault) CreateToken(subjectType, ownerRef, maskedRef string, ttl time.Duration) (*domain.Token, error) {
	if subjectType == "" || ownerRef == "" {
		return nil, fmt.Errorf("subject type and owner ref required: %w", domain.ErrValidation)
	}
	if err := ValidatePaymentPayload(map[string]any{"masked_ref": maskedRef}); err != nil {
		return nil, err
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	now := v.clk.Now().UTC()
	t := &domain.Token{
		Token:       uuid.NewString(),
		SubjectType: subjectType,
		OwnerRef:    ownerRef,
		MaskedRef:   maskedRef,
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
	}
	if err := v.tokens.Insert(t); err != nil {
		return nil, err
	}
	return t, nil
}

// ValidateToken resolves a token, rejecting expired ones.
func (v *Vault) ValidateToken(token string) (*domain.Token, error) {
	t, err := v.tokens.Get(token)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, fmt.Errorf("token %s: %w", token, domain.ErrValidation)
	}
	if t.Expired(v.clk.Now()) {
		return nil, fmt.Errorf("token %s: %w", token, domain.ErrTokenExpired)
	}
	return t, nil
}

// PurgeExpired garbage-collects tokens past their TTL.
func (v *Vault) PurgeExpired() (int64, error) {
	return v.tokens.DeleteExpired(v.clk.Now().UTC())
}

// forbiddenFields are payload keys that may never carry raw payment data.
var forbiddenFields = []string{
	"card_number", "cardnumber", "card_no", "pan",
	"cvv", "cvc", "cvv2", "security_code",
	"account_number", "accountnumber", "account_no",
}

// ValidatePaymentPayload rejects any payload carrying raw card or account
// data. This is a hard boundary: a forbidden field name, or a value shaped
// like a raw PAN, fails the whole request with ErrForbiddenRawData.
func ValidatePaymentPayload(fields map[string]any) error {
	for key, value := range fields {
		lower := strings.ToLower(key)
		for _, banned := range forbiddenFields {
			if lower == banned {
				return fmt.Errorf("field %q: %w", key, domain.ErrForbiddenRawData)
			}
		}
		if s, ok := value.(string); ok && looksLikePAN(s) {
			return fmt.Errorf("field %q carries a card-number-shaped value: %w", key, domain.ErrForbiddenRawData)
		}
		if nested, ok := value.(map[string]any); ok {
			if err := ValidatePaymentPayload(nested); err != nil {
				return err
			}
		}
	}
	return nil
}

// looksLikePAN reports whether s is an unmasked 13-19 digit run (separators
// allowed). Masked values contain non-digit characters like '*' and pass.
func looksLikePAN(s string) bool {
	digits := 0
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			digits++
		case r == ' ' || r == '-':
			// separators are fine
		default:
			return false
		}
	}
	return digits >= 13 && digits <= 19
}
