package api

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/dukahub/payments/internal/channel"
	"github.com/dukahub/payments/internal/domain"
	"github.com/dukahub/payments/internal/reconcile"
	"github.com/dukahub/payments/internal/repository"
	"github.com/dukahub/payments/internal/vault"
	"github.com/dukahub/payments/internal/webhook"
)

// Handlers groups all HTTP handler methods and their dependencies.
type Handlers struct {
	txnRepo    *repository.TransactionRepo
	auditRepo  *repository.AuditRepo
	orderRepo  *repository.OrderRepo
	discRepo   *repository.DiscrepancyRepo
	channels   *channel.Service
	verifier   *webhook.Verifier
	tokenVault *vault.Vault
	reconSvc   *reconcile.Service
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[api] encode error: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeDomainError maps engine error kinds to HTTP statuses.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrValidation), errors.Is(err, domain.ErrMalformedCallback):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrForbiddenRawData):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, domain.ErrUntrustedCallback):
		writeError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, domain.ErrUnknownTransaction), errors.Is(err, domain.ErrTokenExpired):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrAmountMismatch):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrProviderUnavailable):
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func parseTime(s string) *time.Time {
	if s == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		t, err = time.Parse("2006-01-02", s)
		if err != nil {
			return nil
		}
	}
	return &t
}

func parseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 1 {
		return def
	}
	return v
}

// decodeGuarded decodes a JSON body into dst after rejecting raw
// payment-data fields. The vault guard runs on every write path.
func decodeGuarded(r *http.Request, dst any) error {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return err
	}
	var fields map[string]any
	if err := json.Unmarshal(body, &fields); err != nil {
		return domain.ErrValidation
	}
	if err := vault.ValidatePaymentPayload(fields); err != nil {
		return err
	}
	return json.Unmarshal(body, dst)
}

// --- Initiate ---

type initiateBody struct {
	Channel        string `json:"channel"`
	Amount         int64  `json:"amount"`
	Currency       string `json:"currency"`
	PayerRef       string `json:"payer_ref"`
	IdempotencyKey string `json:"idempotency_key"`
	OrderID        string `json:"order_id"`
}

func (h *Handlers) Initiate(w http.ResponseWriter, r *http.Request) {
	var body initiateBody
	if err := decodeGuarded(r, &body); err != nil {
		writeDomainError(w, err)
		return
	}

	res, err := h.channels.Initiate(r.Context(), channel.InitiateParams{
		Channel:        domain.Channel(body.Channel),
		Amount:         body.Amount,
		Currency:       body.Currency,
		PayerRef:       body.PayerRef,
		IdempotencyKey: body.IdempotencyKey,
		OrderID:        body.OrderID,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}

	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	writeJSON(w, status, map[string]any{
		"transaction_id":  res.Transaction.ID,
		"status":          res.Transaction.Status,
		"channel_handoff": res.ClientHandoff,
	})
}

// --- Callback ---

func (h *Handlers) Callback(w http.ResponseWriter, r *http.Request) {
	ch := domain.Channel(chi.URLParam(r, "channel"))
	if !ch.Valid() {
		writeError(w, http.StatusNotFound, "unknown channel")
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body: "+err.Error())
		return
	}

	res, err := h.verifier.Handle(ch, r.Header.Get("X-Webhook-Signature"), body)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	// Providers retrying on non-200 is exactly what the idempotency path
	// absorbs, so duplicates and no-ops are 200s.
	writeJSON(w, http.StatusOK, res)
}

// --- Manual entry ---

type manualBody struct {
	Amount         int64  `json:"amount"`
	Currency       string `json:"currency"`
	OrderID        string `json:"order_id"`
	ReceivedBy     string `json:"received_by"`
	ReceiptCode    string `json:"receipt_code"`
	IdempotencyKey string `json:"idempotency_key"`
}

func (h *Handlers) ManualCash(w http.ResponseWriter, r *http.Request) {
	h.recordManual(w, r, domain.ChannelManualCash)
}

func (h *Handlers) ManualPaybill(w http.ResponseWriter, r *http.Request) {
	h.recordManual(w, r, domain.ChannelManualPaybill)
}

func (h *Handlers) recordManual(w http.ResponseWriter, r *http.Request, ch domain.Channel) {
	var body manualBody
	if err := decodeGuarded(r, &body); err != nil {
		writeDomainError(w, err)
		return
	}

	res, err := h.channels.RecordManual(r.Context(), channel.ManualParams{
		Channel:        ch,
		Amount:         body.Amount,
		Currency:       body.Currency,
		OrderID:        body.OrderID,
		ReceivedBy:     body.ReceivedBy,
		ReceiptCode:    body.ReceiptCode,
		IdempotencyKey: body.IdempotencyKey,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// --- Transactions ---

func (h *Handlers) ListTransactions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := repository.TransactionFilter{
		Status:  q.Get("status"),
		Channel: q.Get("channel"),
		OrderID: q.Get("order_id"),
		From:    parseTime(q.Get("from")),
		To:      parseTime(q.Get("to")),
		Page:    parseIntDefault(q.Get("page"), 1),
		Limit:   parseIntDefault(q.Get("limit"), 50),
	}

	txns, total, err := h.txnRepo.List(filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"transactions": txns,
		"total":        total,
		"page":         filter.Page,
		"limit":        filter.Limit,
	})
}

// GetTransaction resolves by id, or by ?external_reference=&channel= when
// the path id is "by-ref".
func (h *Handlers) GetTransaction(w http.ResponseWriter, r *http.Request) {
	txn, err := h.resolveTransaction(r)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if txn == nil {
		writeError(w, http.StatusNotFound, "transaction not found")
		return
	}
	writeJSON(w, http.StatusOK, txn)
}

func (h *Handlers) resolveTransaction(r *http.Request) (*domain.Transaction, error) {
	id := chi.URLParam(r, "id")
	if id == "by-ref" {
		q := r.URL.Query()
		return h.txnRepo.GetByChannelRef(
			domain.Channel(q.Get("channel")), q.Get("external_reference"))
	}
	return h.txnRepo.GetByID(id)
}

func (h *Handlers) GetTransactionAudit(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	txn, err := h.txnRepo.GetByID(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if txn == nil {
		writeError(w, http.StatusNotFound, "transaction not found")
		return
	}

	entries, err := h.auditRepo.ListByTransaction(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	discs, err := h.discRepo.GetByTransaction(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"transaction":   txn,
		"audit":         entries,
		"discrepancies": discs,
	})
}

type refundBody struct {
	Amount int64 `json:"amount"`
}

func (h *Handlers) Refund(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var body refundBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}

	txn, err := h.channels.Refund(id, body.Amount)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, txn)
}

func (h *Handlers) CheckTransaction(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	res, err := h.reconSvc.CheckTransaction(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// --- Order payment status (storefront) ---

func (h *Handlers) GetOrderPaymentStatus(w http.ResponseWriter, r *http.Request) {
	orderRef := chi.URLParam(r, "orderRef")

	st, err := h.orderRepo.Get(orderRef)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	// The storefront only ever sees PENDING/COMPLETED/FAILED.
	status := domain.StatusPending
	switch {
	case st != nil && st.Status == domain.OrderPaid:
		status = domain.StatusCompleted
	case st != nil:
		status = domain.StatusFailed
	default:
		// No projection row yet: fall back to the newest attempt bound to
		// the order.
		attempts, err := h.txnRepo.GetByOrder(orderRef)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if len(attempts) > 0 {
			status = attempts[0].PublicStatus()
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"order_ref":      orderRef,
		"payment_status": status,
	})
}

// --- Vault ---

type createTokenBody struct {
	SubjectType string `json:"subject_type"`
	OwnerRef    string `json:"owner_ref"`
	MaskedRef   string `json:"masked_ref"`
	TTLSeconds  int    `json:"ttl_seconds"`
}

func (h *Handlers) CreateToken(w http.ResponseWriter, r *http.Request) {
	var body createTokenBody
	if err := decodeGuarded(r, &body); err != nil {
		writeDomainError(w, err)
		return
	}

	token, err := h.tokenVault.CreateToken(body.SubjectType, body.OwnerRef, body.MaskedRef,
		time.Duration(body.TTLSeconds)*time.Second)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, token)
}

func (h *Handlers) ValidateToken(w http.ResponseWriter, r *http.Request) {
	token, err := h.tokenVault.ValidateToken(chi.URLParam(r, "token"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, token)
}

// --- Discrepancies ---

func (h *Handlers) ListDiscrepancies(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := repository.DiscrepancyFilter{
		Type:     q.Get("type"),
		Severity: q.Get("severity"),
		Channel:  q.Get("channel"),
		From:     parseTime(q.Get("from")),
		To:       parseTime(q.Get("to")),
		Page:     parseIntDefault(q.Get("page"), 1),
		Limit:    parseIntDefault(q.Get("limit"), 50),
	}

	discs, total, err := h.discRepo.List(filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"discrepancies": discs,
		"total":         total,
		"page":          filter.Page,
		"limit":         filter.Limit,
	})
}

func (h *Handlers) GetDiscrepancySummary(w http.ResponseWriter, r *http.Request) {
	summary, err := h.discRepo.GetSummary()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, summary)
}
