// Package webhook authenticates and de-duplicates inbound provider
// callbacks before they reach the ledger.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/dukahub/payments/internal/channel"
	"github.com/dukahub/payments/internal/clock"
	"github.com/dukahub/payments/internal/domain"
	"github.com/dukahub/payments/internal/ledger"
)

// DefaultDedupeWindow covers the usual provider redelivery burst. The
// ledger's own terminal no-op still backstops anything that slips past.
const DefaultDedupeWindow = 10 * time.Minute

type Verifier struct {
	secrets  map[domain.Channel]string
	registry *channel.Registry
	led      *ledger.Ledger
	clk      clock.Clock
	window   time.Duration

	mu   sync.Mutex
	seen map[string]time.Time
}

func NewVerifier(secrets map[domain.Channel]string, registry *channel.Registry, led *ledger.Ledger, clk clock.Clock, window time.Duration) *Verifier {
	if window <= 0 {
		window = DefaultDedupeWindow
	}
	return &Verifier{
		secrets:  secrets,
		registry: registry,
		led:      led,
		clk:      clk,
		window:   window,
		seen:     make(map[string]time.Time),
	}
}

// Handle authenticates, parses, de-duplicates, and applies one callback.
// Unauthenticated payloads are dropped with ErrUntrustedCallback and never
// reach the ledger; redeliveries inside the window come back as
// OutcomeDeduplicated.
func (v *Verifier) Handle(ch domain.Channel, signature string, body []byte) (*ledger.ApplyResult, error) {
	digest := payloadDigest(body)

	if !v.authentic(ch, signature, body) {
		v.led.RecordVerifierDecision("channel:"+string(ch), domain.AuditUntrustedCallback, digest,
			"signature verification failed")
		log.Printf("[webhook] rejected untrusted callback on %s", ch)
		return nil, fmt.Errorf("channel %s: %w", ch, domain.ErrUntrustedCallback)
	}

	adapter, err := v.registry.Get(ch)
	if err != nil {
		return nil, err
	}
	upd, err := adapter.ParseCallback(body)
	if err != nil {
		return nil, err
	}
	upd.PayloadDigest = digest

	if v.duplicate(dedupeKey(upd)) {
		v.led.RecordVerifierDecision(upd.ExternalReference, domain.AuditDedupedCallback, digest,
			fmt.Sprintf("redelivery of %s within window", upd.Status))
		return &ledger.ApplyResult{Outcome: ledger.OutcomeDeduplicated, Status: upd.Status}, nil
	}

	return v.led.ApplyUpdate(*upd, domain.ActorWebhook)
}

func (v *Verifier) authentic(ch domain.Channel, signature string, body []byte) bool {
	secret, ok := v.secrets[ch]
	if !ok || secret == "" || signature == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(signature), []byte(expected))
}

// duplicate records the key and reports whether it was already seen inside
// the window. Expired entries are swept on each call.
func (v *Verifier) duplicate(key string) bool {
	now := v.clk.Now()

	v.mu.Lock()
	defer v.mu.Unlock()

	for k, at := range v.seen {
		if now.Sub(at) > v.window {
			delete(v.seen, k)
		}
	}

	if at, ok := v.seen[key]; ok && now.Sub(at) <= v.window {
		return true
	}
	v.seen[key] = now
	return false
}

// Sign computes the signature a trusted provider would attach. Exported for
// tests and local tooling.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func dedupeKey(upd *domain.NormalizedUpdate) string {
	return string(upd.Channel) + "|" + upd.ExternalReference + "|" + string(upd.Status)
}

func payloadDigest(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}
