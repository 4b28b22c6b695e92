package repository

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/dukahub/payments/internal/domain"
)

type TokenRepo struct {
	db *sql.DB
}

func NewTokenRepo(db *sql.DB) *TokenRepo {
	return &TokenRepo{db: db}
}

func (r *TokenRepo) Insert(t *domain.Token) error {
	_, err := r.db.Exec(
		`INSERT INTO tokens (token, subject_type, owner_ref, masked_ref, created_at, expires_at)
		 VALUES (?,?,?,?,?,?)`,
		t.Token, t.SubjectType, t.OwnerRef, t.MaskedRef,
		t.CreatedAt.Format(time.RFC3339), t.ExpiresAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("insert token: %w", err)
	}
	return nil
}

// Get returns nil without error when the token does not exist.
func (r *TokenRepo) Get(token string) (*domain.Token, error) {
	row := r.db.QueryRow(
		"SELECT token, subject_type, owner_ref, masked_ref, created_at, expires_at FROM tokens WHERE token = ?",
		token,
	)
	var t domain.Token
	var createdAt, expiresAt string
	err := row.Scan(&t.Token, &t.SubjectType, &t.OwnerRef, &t.MaskedRef, &createdAt, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	t.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	t.ExpiresAt, _ = time.Parse(time.RFC3339, expiresAt)
	return &t, nil
}

// DeleteExpired garbage-collects tokens past their TTL.
func (r *TokenRepo) DeleteExpired(now time.Time) (int64, error) {
	res, err := r.db.Exec(
		"DELETE FROM tokens WHERE expires_at <= ?", now.Format(time.RFC3339))
	if err != nil {
		return 0, fmt.Errorf("delete expired: %w", err)
	}
	return res.RowsAffected()
}
