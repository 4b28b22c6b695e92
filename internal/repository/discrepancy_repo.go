package repository

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/dukahub/payments/internal/domain"
)

type DiscrepancyRepo struct {
	db *sql.DB
}

func NewDiscrepancyRepo(db *sql.DB) *DiscrepancyRepo {
	return &DiscrepancyRepo{db: db}
}

func (r *DiscrepancyRepo) Insert(d *domain.Discrepancy) error {
	var txnRef, orderRef any
	if d.TransactionRef != "" {
		txnRef = d.TransactionRef
	}
	if d.OrderRef != "" {
		orderRef = d.OrderRef
	}

	_, err := r.db.Exec(
		`INSERT OR IGNORE INTO discrepancies
		(id, type, transaction_ref, order_ref, channel, ledger_status,
		 provider_status, expected_amount, reported_amount, currency,
		 severity, description, detected_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		d.ID, string(d.Type), txnRef, orderRef, string(d.Channel),
		string(d.LedgerStatus), string(d.ProviderStatus), d.ExpectedAmount,
		d.ReportedAmount, d.Currency, string(d.Severity), d.Description,
		d.DetectedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("insert discrepancy: %w", err)
	}
	return nil
}

// GetByTransaction returns all discrepancies recorded against a transaction.
func (r *DiscrepancyRepo) GetByTransaction(txnRef string) ([]domain.Discrepancy, error) {
	rows, err := r.db.Query(
		"SELECT * FROM discrepancies WHERE transaction_ref = ? ORDER BY detected_at DESC",
		txnRef,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanDiscrepancies(rows)
}

type DiscrepancyFilter struct {
	Type     string
	Severity string
	Channel  string
	From     *time.Time
	To       *time.Time
	Page     int
	Limit    int
}

func (r *DiscrepancyRepo) List(f DiscrepancyFilter) ([]domain.Discrepancy, int, error) {
	where, args := buildDiscrepancyWhere(f)

	var total int
	if err := r.db.QueryRow("SELECT COUNT(*) FROM discrepancies"+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	if f.Limit <= 0 {
		f.Limit = 50
	}
	if f.Page <= 0 {
		f.Page = 1
	}
	offset := (f.Page - 1) * f.Limit

	q := "SELECT * FROM discrepancies" + where + " ORDER BY detected_at DESC LIMIT ? OFFSET ?"
	args = append(args, f.Limit, offset)

	rows, err := r.db.Query(q, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	discs, err := scanDiscrepancies(rows)
	return discs, total, err
}

type DiscrepancySummary struct {
	TotalCount int                `json:"total_count"`
	ByType     map[string]int     `json:"by_type"`
	BySeverity map[string]int     `json:"by_severity"`
	ByChannel  map[string]int     `json:"by_channel"`
	AtStake    map[string]int64   `json:"amount_at_stake_by_currency"`
}

func (r *DiscrepancyRepo) GetSummary() (*DiscrepancySummary, error) {
	s := &DiscrepancySummary{
		ByType:     make(map[string]int),
		BySeverity: make(map[string]int),
		ByChannel:  make(map[string]int),
		AtStake:    make(map[string]int64),
	}

	rows, err := r.db.Query(
		`SELECT type, severity, channel, currency,
		        ABS(expected_amount - reported_amount)
		 FROM discrepancies`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var typ, sev, ch, cur string
		var diff int64
		if err := rows.Scan(&typ, &sev, &ch, &cur, &diff); err != nil {
			return nil, err
		}
		s.TotalCount++
		s.ByType[typ]++
		s.BySeverity[sev]++
		s.ByChannel[ch]++
		s.AtStake[cur] += diff
	}
	return s, rows.Err()
}

// --- helpers ---

func buildDiscrepancyWhere(f DiscrepancyFilter) (string, []any) {
	var clauses []string
	var args []any

	if f.Type != "" {
		clauses = append(clauses, "type = ?")
		args = append(args, f.Type)
	}
	if f.Severity != "" {
		clauses = append(clauses, "severity = ?")
		args = append(args, f.Severity)
	}
	if f.Channel != "" {
		clauses = append(clauses, "channel = ?")
		args = append(args, f.Channel)
	}
	if f.From != nil {
		clauses = append(clauses, "detected_at >= ?")
		args = append(args, f.From.Format(time.RFC3339))
	}
	if f.To != nil {
		clauses = append(clauses, "detected_at <= ?")
		args = append(args, f.To.Format(time.RFC3339))
	}

	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func scanDiscrepancies(rows *sql.Rows) ([]domain.Discrepancy, error) {
	var discs []domain.Discrepancy
	for rows.Next() {
		var d domain.Discrepancy
		var typ, ch, ledger, provider, sev, detectedAt string
		var txnRef, orderRef sql.NullString

		err := rows.Scan(
			&d.ID, &typ, &txnRef, &orderRef, &ch, &ledger, &provider,
			&d.ExpectedAmount, &d.ReportedAmount, &d.Currency, &sev,
			&d.Description, &detectedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}

		d.Type = domain.DiscrepancyType(typ)
		d.Channel = domain.Channel(ch)
		d.LedgerStatus = domain.TransactionStatus(ledger)
		d.ProviderStatus = domain.TransactionStatus(provider)
		d.Severity = domain.Severity(sev)
		d.TransactionRef = txnRef.String
		d.OrderRef = orderRef.String
		d.DetectedAt, _ = time.Parse(time.RFC3339, detectedAt)

		discs = append(discs, d)
	}
	return discs, rows.Err()
}
