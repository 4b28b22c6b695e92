package repository

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// InitDB opens (or creates) a SQLite database at the given path and ensures
// all required tables exist. Pass ":memory:" for an in-memory database.
func InitDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set wal mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	if err := createTables(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}

	return db, nil
}

func createTables(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS transactions (
			id TEXT PRIMARY KEY,
			order_id TEXT NOT NULL DEFAULT '',
			channel TEXT NOT NULL,
			external_reference TEXT NOT NULL,
			provider_receipt_code TEXT NOT NULL DEFAULT '',
			amount INTEGER NOT NULL,
			currency TEXT NOT NULL,
			payer_ref TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			failure_reason TEXT NOT NULL DEFAULT '',
			attempt_count INTEGER NOT NULL DEFAULT 0,
			last_attempt_at DATETIME,
			retry_eligible INTEGER NOT NULL DEFAULT 0,
			received_by TEXT NOT NULL DEFAULT '',
			idempotency_key TEXT NOT NULL,
			reversed_amount INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL,
			settled_at DATETIME
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_transactions_channel_ref ON transactions(channel, external_reference)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_transactions_idem_key ON transactions(idempotency_key)`,
		`CREATE INDEX IF NOT EXISTS idx_transactions_status ON transactions(status)`,
		`CREATE INDEX IF NOT EXISTS idx_transactions_order ON transactions(order_id)`,
		`CREATE INDEX IF NOT EXISTS idx_transactions_created_at ON transactions(created_at)`,

		`CREATE TABLE IF NOT EXISTS audit_entries (
			id TEXT PRIMARY KEY,
			transaction_ref TEXT NOT NULL,
			action TEXT NOT NULL,
			actor TEXT NOT NULL,
			timestamp DATETIME NOT NULL,
			payload_digest TEXT NOT NULL DEFAULT '',
			detail TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_txn_time ON audit_entries(transaction_ref, timestamp)`,

		`CREATE TABLE IF NOT EXISTS tokens (
			token TEXT PRIMARY KEY,
			subject_type TEXT NOT NULL,
			owner_ref TEXT NOT NULL,
			masked_ref TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL,
			expires_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tokens_expires ON tokens(expires_at)`,

		`CREATE TABLE IF NOT EXISTS order_payment_status (
			order_ref TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			transaction_id TEXT NOT NULL,
			updated_at DATETIME NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS discrepancies (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			transaction_ref TEXT,
			order_ref TEXT,
			channel TEXT NOT NULL,
			ledger_status TEXT NOT NULL DEFAULT '',
			provider_status TEXT NOT NULL DEFAULT '',
			expected_amount INTEGER NOT NULL,
			reported_amount INTEGER NOT NULL,
			currency TEXT NOT NULL,
			severity TEXT NOT NULL,
			description TEXT NOT NULL,
			detected_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_discrepancies_type ON discrepancies(type)`,
		`CREATE INDEX IF NOT EXISTS idx_discrepancies_severity ON discrepancies(severity)`,
		`CREATE INDEX IF NOT EXISTS idx_discrepancies_txn ON discrepancies(transaction_ref)`,
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("exec %q: %w", stmt[:60], err)
		}
	}

	return nil
}
