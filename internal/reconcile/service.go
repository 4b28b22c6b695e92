// Package reconcile sweeps stale in-flight transactions, re-queries
// providers, and emits discrepancy reports when ledger and provider truth
// disagree.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/dukahub/payments/internal/channel"
	"github.com/dukahub/payments/internal/clock"
	"github.com/dukahub/payments/internal/domain"
	"github.com/dukahub/payments/internal/ledger"
)

// Defaults; all three are tunable via the service constructor (the binary
// wires them from RECON_* environment variables).
const (
	DefaultInterval  = 5 * time.Minute
	DefaultStaleness = 10 * time.Minute
	DefaultCeiling   = 24 * time.Hour
)

type TransactionSource interface {
	GetByID(id string) (*domain.Transaction, error)
	GetStaleInFlight(cutoff time.Time) ([]domain.Transaction, error)
}

type DiscrepancyStore interface {
	Insert(d *domain.Discrepancy) error
}

type Service struct {
	txns     TransactionSource
	led      *ledger.Ledger
	registry *channel.Registry
	discs    DiscrepancyStore
	clk      clock.Clock

	interval  time.Duration
	staleness time.Duration
	ceiling   time.Duration
}

func NewService(txns TransactionSource, led *ledger.Ledger, registry *channel.Registry,
	discs DiscrepancyStore, clk clock.Clock, interval, staleness, ceiling time.Duration) *Service {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if staleness <= 0 {
		staleness = DefaultStaleness
	}
	if ceiling <= 0 {
		ceiling = DefaultCeiling
	}
	return &Service{
		txns: txns, led: led, registry: registry, discs: discs, clk: clk,
		interval: interval, staleness: staleness, ceiling: ceiling,
	}
}

// Run sweeps on a fixed interval until the context is canceled. Overlapping
// or extra invocations are safe: every action re-reads the row and goes
// through the ledger's conditional updates.
func (s *Service) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	log.Printf("[reconcile] sweeping every %s (staleness %s, ceiling %s)", s.interval, s.staleness, s.ceiling)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil {
				log.Printf("[reconcile] WARNING: sweep failed: %v", err)
			}
		}
	}
}

type SweepResult struct {
	Checked   int `json:"checked"`
	Applied   int `json:"applied"`
	Forced    int `json:"forced_failed"`
	Conflicts int `json:"terminal_conflicts"`
	Skipped   int `json:"skipped"`
}

// SweepOnce reconciles every stale in-flight transaction once.
func (s *Service) SweepOnce(ctx context.Context) (*SweepResult, error) {
	cutoff := s.clk.Now().Add(-s.staleness)
	stale, err := s.txns.GetStaleInFlight(cutoff)
	if err != nil {
		return nil, fmt.Errorf("select stale: %w", err)
	}

	res := &SweepResult{}
	for i := range stale {
		outcome, err := s.check(ctx, &stale[i])
		if err != nil {
			log.Printf("[reconcile] WARNING: check %s: %v", stale[i].ID, err)
			res.Skipped++
			continue
		}
		res.Checked++
		switch outcome {
		case checkedApplied:
			res.Applied++
		case checkedForced:
			res.Forced++
		case checkedConflict:
			res.Conflicts++
		case checkedSkipped:
			res.Skipped++
		}
	}

	if res.Checked > 0 || res.Skipped > 0 {
		log.Printf("[reconcile] sweep: checked=%d applied=%d forced=%d conflicts=%d skipped=%d",
			res.Checked, res.Applied, res.Forced, res.Conflicts, res.Skipped)
	}
	return res, nil
}

type checkOutcome int

const (
	checkedSkipped checkOutcome = iota
	checkedApplied
	checkedForced
	checkedConflict
	checkedInFlight
)

func (s *Service) check(ctx context.Context, stale *domain.Transaction) (checkOutcome, error) {
	// Re-read: a webhook may have settled the row since the select.
	txn, err := s.txns.GetByID(stale.ID)
	if err != nil {
		return checkedSkipped, err
	}
	if txn == nil || txn.Status.Terminal() {
		return checkedSkipped, nil
	}

	adapter, err := s.registry.Get(txn.Channel)
	if err != nil {
		return checkedSkipped, err
	}

	upd, err := adapter.QueryStatus(ctx, txn.ExternalReference)
	if err != nil {
		if errors.Is(err, domain.ErrProviderNotFound) {
			// Past the staleness window and the provider never heard of it.
			_, ferr := s.led.ForceFail(txn.ID, domain.ReasonReconciliationTimeout, domain.ActorSystem)
			if ferr != nil {
				return checkedSkipped, ferr
			}
			return checkedForced, nil
		}
		// Transient; the next sweep will retry.
		return checkedSkipped, err
	}

	if upd.Status.Terminal() {
		res, err := s.led.ApplyUpdate(*upd, domain.ActorSystem)
		if err != nil {
			if errors.Is(err, domain.ErrAmountMismatch) {
				// Already flagged by the ledger; manual review takes over.
				return checkedConflict, nil
			}
			return checkedSkipped, err
		}
		if res.Outcome == ledger.OutcomeDuplicateTerminal && res.Status != upd.Status {
			s.flagTerminalConflict(res.Transaction, upd)
			return checkedConflict, nil
		}
		return checkedApplied, nil
	}

	// Provider still reports in-flight: only the hard ceiling forces a
	// decision.
	if s.clk.Now().Sub(txn.CreatedAt) > s.ceiling {
		if _, err := s.led.ForceFail(txn.ID, domain.ReasonReconciliationTimeout, domain.ActorSystem); err != nil {
			return checkedSkipped, err
		}
		return checkedForced, nil
	}
	return checkedInFlight, nil
}

// CheckTransaction runs the reconciliation probe for one transaction on
// demand (admin "check status now"). Staleness does not apply; the hard
// ceiling still does.
func (s *Service) CheckTransaction(ctx context.Context, id string) (*ledger.ApplyResult, error) {
	txn, err := s.txns.GetByID(id)
	if err != nil {
		return nil, err
	}
	if txn == nil {
		return nil, fmt.Errorf("%s: %w", id, domain.ErrUnknownTransaction)
	}
	if txn.Status.Terminal() {
		return &ledger.ApplyResult{Outcome: ledger.OutcomeDuplicateTerminal, Status: txn.Status, Transaction: txn}, nil
	}

	adapter, err := s.registry.Get(txn.Channel)
	if err != nil {
		return nil, err
	}
	upd, err := adapter.QueryStatus(ctx, txn.ExternalReference)
	if err != nil {
		return nil, err
	}
	if !upd.Status.Terminal() {
		return &ledger.ApplyResult{Outcome: ledger.OutcomeNoChange, Status: txn.Status, Transaction: txn}, nil
	}

	res, err := s.led.ApplyUpdate(*upd, domain.ActorAdmin)
	if err != nil {
		return nil, err
	}
	if res.Outcome == ledger.OutcomeDuplicateTerminal && res.Status != upd.Status {
		s.flagTerminalConflict(res.Transaction, upd)
	}
	return res, nil
}

// flagTerminalConflict records a ledger/provider terminal disagreement. The
// engine never auto-resolves these: auto-reversing a FAILED order to
// COMPLETED (or vice versa) has direct financial consequences.
func (s *Service) flagTerminalConflict(txn *domain.Transaction, upd *domain.NormalizedUpdate) {
	d := &domain.Discrepancy{
		ID:             "DISC-TC-" + txn.ID,
		Type:           domain.DiscrepancyTerminalConflict,
		TransactionRef: txn.ID,
		OrderRef:       txn.OrderID,
		Channel:        txn.Channel,
		LedgerStatus:   txn.Status,
		ProviderStatus: upd.Status,
		ExpectedAmount: txn.Amount,
		ReportedAmount: upd.Amount,
		Currency:       txn.Currency,
		Severity:       domain.SeverityCritical,
		Description: fmt.Sprintf("ledger says %s, provider says %s for %s (%s)",
			txn.Status, upd.Status, txn.ID, txn.ExternalReference),
		DetectedAt: s.clk.Now().UTC(),
	}
	if err := s.discs.Insert(d); err != nil {
		log.Printf("[reconcile] WARNING: failed to record terminal conflict for %s: %v", txn.ID, err)
		return
	}
	log.Printf("[reconcile] terminal conflict on %s: ledger=%s provider=%s", txn.ID, txn.Status, upd.Status)
}
