// Package retry re-attempts transiently failed provider initiations with
// bounded attempts and backoff.
package retry

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"time"

	"github.com/dukahub/payments/internal/clock"
	"github.com/dukahub/payments/internal/domain"
	"github.com/dukahub/payments/internal/ledger"
)

const (
	DefaultInterval    = 30 * time.Second
	DefaultBaseDelay   = 15 * time.Second
	DefaultMaxAttempts = 5
	maxDelay           = 30 * time.Minute
)

type TransactionSource interface {
	GetByID(id string) (*domain.Transaction, error)
	GetRetryCandidates() ([]domain.Transaction, error)
}

// Initiator re-runs the provider handoff. *channel.Service satisfies it.
type Initiator interface {
	RetryInitiation(ctx context.Context, txn *domain.Transaction) error
}

type Scheduler struct {
	txns TransactionSource
	led  *ledger.Ledger
	init Initiator
	clk  clock.Clock

	interval    time.Duration
	baseDelay   time.Duration
	maxAttempts int
}

func NewScheduler(txns TransactionSource, led *ledger.Ledger, init Initiator, clk clock.Clock,
	interval, baseDelay time.Duration, maxAttempts int) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if baseDelay <= 0 {
		baseDelay = DefaultBaseDelay
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Scheduler{
		txns: txns, led: led, init: init, clk: clk,
		interval: interval, baseDelay: baseDelay, maxAttempts: maxAttempts,
	}
}

// Run sweeps on a fixed interval until the context is canceled. Invoking it
// more often than the logical period (e.g. after a restart) is safe: due
// times derive from last_attempt_at, and terminal rows are re-checked
// before any attempt.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	log.Printf("[retry] sweeping every %s (base delay %s, max attempts %d)", s.interval, s.baseDelay, s.maxAttempts)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil {
				log.Printf("[retry] WARNING: sweep failed: %v", err)
			}
		}
	}
}

type SweepResult struct {
	Attempted int `json:"attempted"`
	Exhausted int `json:"exhausted"`
	Waiting   int `json:"waiting"`
	Skipped   int `json:"skipped"`
}

func (s *Scheduler) SweepOnce(ctx context.Context) (*SweepResult, error) {
	candidates, err := s.txns.GetRetryCandidates()
	if err != nil {
		return nil, fmt.Errorf("select candidates: %w", err)
	}

	res := &SweepResult{}
	for i := range candidates {
		// Re-read: the row may have settled (or failed) since the select.
		txn, err := s.txns.GetByID(candidates[i].ID)
		if err != nil {
			res.Skipped++
			continue
		}
		if txn == nil || txn.Status != domain.StatusPending || !txn.RetryEligible {
			res.Skipped++
			continue
		}

		if txn.AttemptCount >= s.maxAttempts {
			if _, err := s.led.ForceFail(txn.ID, domain.ReasonRetriesExhausted, domain.ActorSystem); err != nil {
				log.Printf("[retry] WARNING: exhaust %s: %v", txn.ID, err)
				res.Skipped++
				continue
			}
			res.Exhausted++
			continue
		}

		if txn.LastAttemptAt != nil {
			due := txn.LastAttemptAt.Add(backoffDelay(txn.AttemptCount, s.baseDelay))
			if s.clk.Now().Before(due) {
				res.Waiting++
				continue
			}
		}

		if err := s.init.RetryInitiation(ctx, txn); err != nil {
			log.Printf("[retry] attempt %d for %s failed: %v", txn.AttemptCount+1, txn.ID, err)
		}
		res.Attempted++
	}
	return res, nil
}

// backoffDelay is exponential in the attempt count with up to 25% jitter,
// capped at maxDelay.
func backoffDelay(attempt int, base time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base << uint(attempt-1)
	if d > maxDelay || d <= 0 {
		d = maxDelay
	}
	jitter := time.Duration(rand.Int63n(int64(d)/4 + 1))
	return d + jitter
}
