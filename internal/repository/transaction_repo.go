package repository

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/dukahub/payments/internal/domain"
)

type TransactionRepo struct {
	db *sql.DB
}

func NewTransactionRepo(db *sql.DB) *TransactionRepo {
	return &TransactionRepo{db: db}
}

const transactionColumns = `id, order_id, channel, external_reference, provider_receipt_code,
	amount, currency, payer_ref, status, failure_reason, attempt_count,
	last_attempt_at, retry_eligible, received_by, idempotency_key,
	reversed_amount, created_at, settled_at`

// Insert stores a new transaction. It returns false without error when a row
// with the same idempotency key (or channel reference) already exists, so
// racing initiations converge on one row.
func (r *TransactionRepo) Insert(tx *domain.Transaction) (bool, error) {
	res, err := r.db.Exec(
		`INSERT OR IGNORE INTO transactions
		(`+transactionColumns+`)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		tx.ID, tx.OrderID, string(tx.Channel), tx.ExternalReference,
		tx.ProviderReceiptCode, tx.Amount, tx.Currency, tx.PayerRef,
		string(tx.Status), tx.FailureReason, tx.AttemptCount,
		formatNullableTime(tx.LastAttemptAt), boolToInt(tx.RetryEligible),
		tx.ReceivedBy, tx.IdempotencyKey, tx.ReversedAmount,
		tx.CreatedAt.Format(time.RFC3339), formatNullableTime(tx.SettledAt),
	)
	if err != nil {
		return false, fmt.Errorf("insert transaction: %w", err)
	}
	ra, _ := res.RowsAffected()
	return ra == 1, nil
}

// GetByID returns nil without error when no row matches.
func (r *TransactionRepo) GetByID(id string) (*domain.Transaction, error) {
	row := r.db.QueryRow(
		"SELECT "+transactionColumns+" FROM transactions WHERE id = ?", id)
	return scanTransaction(row)
}

func (r *TransactionRepo) GetByChannelRef(channel domain.Channel, ref string) (*domain.Transaction, error) {
	row := r.db.QueryRow(
		"SELECT "+transactionColumns+" FROM transactions WHERE channel = ? AND external_reference = ?",
		string(channel), ref)
	return scanTransaction(row)
}

func (r *TransactionRepo) GetByIdempotencyKey(key string) (*domain.Transaction, error) {
	row := r.db.QueryRow(
		"SELECT "+transactionColumns+" FROM transactions WHERE idempotency_key = ?", key)
	return scanTransaction(row)
}

type TransactionFilter struct {
	Status  string
	Channel string
	OrderID string
	From    *time.Time
	To      *time.Time
	Page    int
	Limit   int
}

func (r *TransactionRepo) List(f TransactionFilter) ([]domain.Transaction, int, error) {
	where, args := buildTransactionWhere(f)

	var total int
	if err := r.db.QueryRow("SELECT COUNT(*) FROM transactions"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count: %w", err)
	}

	if f.Limit <= 0 {
		f.Limit = 50
	}
	if f.Page <= 0 {
		f.Page = 1
	}
	offset := (f.Page - 1) * f.Limit

	q := "SELECT " + transactionColumns + " FROM transactions" + where +
		" ORDER BY created_at DESC LIMIT ? OFFSET ?"
	args = append(args, f.Limit, offset)

	rows, err := r.db.Query(q, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	var txns []domain.Transaction
	for rows.Next() {
		tx, err := scanTransactionRows(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan: %w", err)
		}
		txns = append(txns, *tx)
	}
	return txns, total, rows.Err()
}

// StatusChange describes a conditional status update. Empty string fields are
// left untouched.
type StatusChange struct {
	To            domain.TransactionStatus
	From          []domain.TransactionStatus
	ReceiptCode   string
	FailureReason string
	ReceivedBy    string
	SettledAt     *time.Time
}

// UpdateStatus applies a conditional transition: the row is updated only if
// its current status is one of c.From. The returned bool is the optimistic
// concurrency verdict; a false result means another writer got there first
// (or the pre-state never held). Any status change clears retry eligibility.
func (r *TransactionRepo) UpdateStatus(id string, c StatusChange) (bool, error) {
	if len(c.From) == 0 {
		return false, fmt.Errorf("update status: empty pre-state set")
	}

	sets := []string{"status = ?", "retry_eligible = 0"}
	args := []any{string(c.To)}
	if c.ReceiptCode != "" {
		sets = append(sets, "provider_receipt_code = ?")
		args = append(args, c.ReceiptCode)
	}
	if c.FailureReason != "" {
		sets = append(sets, "failure_reason = ?")
		args = append(args, c.FailureReason)
	}
	if c.ReceivedBy != "" {
		sets = append(sets, "received_by = ?")
		args = append(args, c.ReceivedBy)
	}
	if c.SettledAt != nil {
		sets = append(sets, "settled_at = ?")
		args = append(args, c.SettledAt.Format(time.RFC3339))
	}

	args = append(args, id)
	placeholders := make([]string, len(c.From))
	for i, s := range c.From {
		placeholders[i] = "?"
		args = append(args, string(s))
	}

	q := "UPDATE transactions SET " + strings.Join(sets, ", ") +
		" WHERE id = ? AND status IN (" + strings.Join(placeholders, ",") + ")"
	res, err := r.db.Exec(q, args...)
	if err != nil {
		return false, fmt.Errorf("update status: %w", err)
	}
	ra, _ := res.RowsAffected()
	return ra == 1, nil
}

// BindOrder binds the order reference exactly once. Re-binding the same
// value is a no-op success; a different value does not match and returns
// false.
func (r *TransactionRepo) BindOrder(id, orderRef string) (bool, error) {
	res, err := r.db.Exec(
		`UPDATE transactions SET order_id = ?
		 WHERE id = ? AND (order_id = '' OR order_id = ?)`,
		orderRef, id, orderRef,
	)
	if err != nil {
		return false, fmt.Errorf("bind order: %w", err)
	}
	ra, _ := res.RowsAffected()
	return ra == 1, nil
}

// SetExternalReference swaps the provisional reference for the
// provider-assigned one. Only in-flight rows are touched.
func (r *TransactionRepo) SetExternalReference(id, ref string) (bool, error) {
	res, err := r.db.Exec(
		`UPDATE transactions SET external_reference = ?
		 WHERE id = ? AND status IN ('PENDING','PROCESSING')`,
		ref, id,
	)
	if err != nil {
		return false, fmt.Errorf("set external reference: %w", err)
	}
	ra, _ := res.RowsAffected()
	return ra == 1, nil
}

// MarkAttempt records an initiation attempt on a still-PENDING row.
func (r *TransactionRepo) MarkAttempt(id string, at time.Time, retryEligible bool) error {
	_, err := r.db.Exec(
		`UPDATE transactions
		 SET attempt_count = attempt_count + 1, last_attempt_at = ?, retry_eligible = ?
		 WHERE id = ? AND status = 'PENDING'`,
		at.Format(time.RFC3339), boolToInt(retryEligible), id,
	)
	if err != nil {
		return fmt.Errorf("mark attempt: %w", err)
	}
	return nil
}

// SetReversedAmount transitions COMPLETED -> REVERSED recording the refund
// amount. Returns false when the row is not COMPLETED.
func (r *TransactionRepo) SetReversedAmount(id string, amount int64) (bool, error) {
	res, err := r.db.Exec(
		`UPDATE transactions SET status = 'REVERSED', reversed_amount = ?
		 WHERE id = ? AND status = 'COMPLETED'`,
		amount, id,
	)
	if err != nil {
		return false, fmt.Errorf("reverse: %w", err)
	}
	ra, _ := res.RowsAffected()
	return ra == 1, nil
}

// GetStaleInFlight returns in-flight transactions created before the cutoff.
// Rows still owned by the retry scheduler are excluded.
func (r *TransactionRepo) GetStaleInFlight(cutoff time.Time) ([]domain.Transaction, error) {
	rows, err := r.db.Query(
		`SELECT `+transactionColumns+` FROM transactions
		 WHERE status IN ('PENDING','PROCESSING')
		   AND retry_eligible = 0
		   AND created_at < ?
		 ORDER BY created_at`,
		cutoff.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()
	return collectTransactions(rows)
}

// GetRetryCandidates returns PENDING rows whose initiation failed
// transiently and are awaiting another attempt.
func (r *TransactionRepo) GetRetryCandidates() ([]domain.Transaction, error) {
	rows, err := r.db.Query(
		`SELECT ` + transactionColumns + ` FROM transactions
		 WHERE status = 'PENDING' AND retry_eligible = 1
		 ORDER BY created_at`,
	)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()
	return collectTransactions(rows)
}

// GetByOrder returns all payment attempts bound to an order, newest first.
func (r *TransactionRepo) GetByOrder(orderRef string) ([]domain.Transaction, error) {
	rows, err := r.db.Query(
		"SELECT "+transactionColumns+" FROM transactions WHERE order_id = ? ORDER BY created_at DESC",
		orderRef,
	)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()
	return collectTransactions(rows)
}

// --- helpers ---

func buildTransactionWhere(f TransactionFilter) (string, []any) {
	var clauses []string
	var args []any

	if f.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, f.Status)
	}
	if f.Channel != "" {
		clauses = append(clauses, "channel = ?")
		args = append(args, f.Channel)
	}
	if f.OrderID != "" {
		clauses = append(clauses, "order_id = ?")
		args = append(args, f.OrderID)
	}
	if f.From != nil {
		clauses = append(clauses, "created_at >= ?")
		args = append(args, f.From.UTC().Format(time.RFC3339))
	}
	if f.To != nil {
		clauses = append(clauses, "created_at <= ?")
		args = append(args, f.To.UTC().Format(time.RFC3339))
	}

	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func formatNullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Format(time.RFC3339)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransactionFrom(s rowScanner) (*domain.Transaction, error) {
	var tx domain.Transaction
	var channel, status, createdAt string
	var lastAttemptAt, settledAt sql.NullString
	var retryEligible int

	err := s.Scan(
		&tx.ID, &tx.OrderID, &channel, &tx.ExternalReference,
		&tx.ProviderReceiptCode, &tx.Amount, &tx.Currency, &tx.PayerRef,
		&status, &tx.FailureReason, &tx.AttemptCount, &lastAttemptAt,
		&retryEligible, &tx.ReceivedBy, &tx.IdempotencyKey,
		&tx.ReversedAmount, &createdAt, &settledAt,
	)
	if err != nil {
		return nil, err
	}

	tx.Channel = domain.Channel(channel)
	tx.Status = domain.TransactionStatus(status)
	tx.RetryEligible = retryEligible == 1
	tx.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)

	if lastAttemptAt.Valid {
		t, _ := time.Parse(time.RFC3339, lastAttemptAt.String)
		tx.LastAttemptAt = &t
	}
	if settledAt.Valid {
		t, _ := time.Parse(time.RFC3339, settledAt.String)
		tx.SettledAt = &t
	}

	return &tx, nil
}

func scanTransaction(row *sql.Row) (*domain.Transaction, error) {
	tx, err := scanTransactionFrom(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return tx, err
}

func scanTransactionRows(rows *sql.Rows) (*domain.Transaction, error) {
	return scanTransactionFrom(rows)
}

func collectTransactions(rows *sql.Rows) ([]domain.Transaction, error) {
	var txns []domain.Transaction
	for rows.Next() {
		tx, err := scanTransactionRows(rows)
		if err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		txns = append(txns, *tx)
	}
	return txns, rows.Err()
}
