// Package channel normalizes provider-specific initiate/confirm/query
// semantics into one contract per payment channel.
package channel

import (
	"context"
	"fmt"
	"sync"

	"github.com/dukahub/payments/internal/domain"
)

// InitiateRequest carries what an adapter needs for the provider round-trip.
type InitiateRequest struct {
	Amount   int64
	Currency string
	PayerRef string
}

// Handoff is the synchronous result of a provider initiation.
type Handoff struct {
	// ExternalReference is the provider-assigned correlation id (checkout
	// id, charge id, or a synthesized reference for manual channels).
	ExternalReference string
	// ClientHandoff is an opaque value the client needs to continue
	// (card-gateway handoff token); empty for other channels.
	ClientHandoff string
	// Acknowledged is true when the provider accepted the request and the
	// transaction should move to PROCESSING.
	Acknowledged bool
}

// Adapter is implemented once per channel. ParseCallback is pure: no side
// effects, fails with ErrMalformedCallback on unparseable input.
type Adapter interface {
	Channel() domain.Channel
	Initiate(ctx context.Context, req InitiateRequest) (*Handoff, error)
	ParseCallback(raw []byte) (*domain.NormalizedUpdate, error)
	QueryStatus(ctx context.Context, externalReference string) (*domain.NormalizedUpdate, error)
}

// Registry maps channels to their adapters.
type Registry struct {
	mu       sync.RWMutex
	adapters map[domain.Channel]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[domain.Channel]Adapter)}
	for _, a := range adapters {
		r.Register(a)
	}
	return r
}

func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Channel()] = a
}

func (r *Registry) Get(c domain.Channel) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[c]
	if !ok {
		return nil, fmt.Errorf("no adapter registered for channel %q: %w", c, domain.ErrValidation)
	}
	return a, nil
}
