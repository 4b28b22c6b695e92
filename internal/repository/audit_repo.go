package repository

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/dukahub/payments/internal/domain"
)

// AuditRepo is append-only: entries are inserted and read, never updated or
// deleted.
type AuditRepo struct {
	db *sql.DB
}

func NewAuditRepo(db *sql.DB) *AuditRepo {
	return &AuditRepo{db: db}
}

func (r *AuditRepo) Insert(e *domain.AuditEntry) error {
	_, err := r.db.Exec(
		`INSERT INTO audit_entries
		(id, transaction_ref, action, actor, timestamp, payload_digest, detail)
		VALUES (?,?,?,?,?,?,?)`,
		e.ID, e.TransactionRef, e.Action, string(e.Actor),
		e.Timestamp.Format(time.RFC3339Nano), e.PayloadDigest, e.Detail,
	)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

func (r *AuditRepo) ListByTransaction(ref string) ([]domain.AuditEntry, error) {
	rows, err := r.db.Query(
		`SELECT id, transaction_ref, action, actor, timestamp, payload_digest, detail
		 FROM audit_entries WHERE transaction_ref = ? ORDER BY timestamp`,
		ref,
	)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	var entries []domain.AuditEntry
	for rows.Next() {
		var e domain.AuditEntry
		var actor, ts string
		if err := rows.Scan(&e.ID, &e.TransactionRef, &e.Action, &actor,
			&ts, &e.PayloadDigest, &e.Detail); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		e.Actor = domain.Actor(actor)
		e.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// CountByAction returns how many entries with the given action exist for a
// transaction. Used by tests and dispute review.
func (r *AuditRepo) CountByAction(ref, action string) (int, error) {
	var n int
	err := r.db.QueryRow(
		"SELECT COUNT(*) FROM audit_entries WHERE transaction_ref = ? AND action = ?",
		ref, action,
	).Scan(&n)
	return n, err
}
