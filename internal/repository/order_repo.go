package repository

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/dukahub/payments/internal/domain"
)

// OrderRepo holds the order-facing payment projection. Only the order status
// projector writes through it.
type OrderRepo struct {
	db *sql.DB
}

func NewOrderRepo(db *sql.DB) *OrderRepo {
	return &OrderRepo{db: db}
}

// Get returns nil without error when the order has no payment status yet.
func (r *OrderRepo) Get(orderRef string) (*domain.OrderPaymentStatus, error) {
	row := r.db.QueryRow(
		"SELECT order_ref, status, transaction_id, updated_at FROM order_payment_status WHERE order_ref = ?",
		orderRef,
	)
	var st domain.OrderPaymentStatus
	var status, updatedAt string
	err := row.Scan(&st.OrderRef, &status, &st.TransactionID, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	st.Status = domain.OrderPayStatus(status)
	st.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &st, nil
}

// Set upserts the projection row.
func (r *OrderRepo) Set(st *domain.OrderPaymentStatus) error {
	_, err := r.db.Exec(
		`INSERT INTO order_payment_status (order_ref, status, transaction_id, updated_at)
		 VALUES (?,?,?,?)
		 ON CONFLICT(order_ref) DO UPDATE SET
		   status = excluded.status,
		   transaction_id = excluded.transaction_id,
		   updated_at = excluded.updated_at`,
		st.OrderRef, string(st.Status), st.TransactionID,
		st.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("set order payment status: %w", err)
	}
	return nil
}
