package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/dukahub/payments/internal/domain"
)

// Push states as reported by the mobile-money provider.
const (
	PushStatePending    = "pending"
	PushStateProcessing = "processing"
	PushStateCompleted  = "completed"
	PushStateFailed     = "failed"
)

type PushStatus struct {
	CheckoutID  string
	State       string
	ReceiptCode string
	Amount      int64
	Currency    string
}

// PushClient is the provider round-trip for mobile-money push payments.
// Implementations must return domain.ErrProviderUnavailable (wrapped) for
// transient failures and domain.ErrProviderNotFound when the provider has no
// record of the checkout.
type PushClient interface {
	RequestPush(ctx context.Context, amount int64, currency, payerRef string) (checkoutID string, err error)
	QueryPush(ctx context.Context, checkoutID string) (*PushStatus, error)
}

// MobileMoneyAdapter: initiation returns a provider checkout id
// synchronously; completion arrives only via callback or active poll.
type MobileMoneyAdapter struct {
	client PushClient
}

func NewMobileMoneyAdapter(client PushClient) *MobileMoneyAdapter {
	return &MobileMoneyAdapter{client: client}
}

func (a *MobileMoneyAdapter) Channel() domain.Channel { return domain.ChannelMobileMoneyPush }

func (a *MobileMoneyAdapter) Initiate(ctx context.Context, req InitiateRequest) (*Handoff, error) {
	if req.PayerRef == "" {
		return nil, fmt.Errorf("mobile money push needs a payer phone: %w", domain.ErrValidation)
	}
	checkoutID, err := a.client.RequestPush(ctx, req.Amount, req.Currency, req.PayerRef)
	if err != nil {
		return nil, err
	}
	return &Handoff{ExternalReference: checkoutID, Acknowledged: true}, nil
}

// pushCallback is the provider's asynchronous result notification.
type pushCallback struct {
	CheckoutID  string `json:"checkout_id"`
	ResultCode  int    `json:"result_code"`
	ResultDesc  string `json:"result_desc"`
	ReceiptCode string `json:"receipt_code"`
	Amount      int64  `json:"amount"`
	Currency    string `json:"currency"`
}

func (a *MobileMoneyAdapter) ParseCallback(raw []byte) (*domain.NormalizedUpdate, error) {
	var cb pushCallback
	if err := json.Unmarshal(raw, &cb); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrMalformedCallback, err)
	}
	if cb.CheckoutID == "" {
		return nil, fmt.Errorf("%w: missing checkout_id", domain.ErrMalformedCallback)
	}

	upd := &domain.NormalizedUpdate{
		Channel:           domain.ChannelMobileMoneyPush,
		ExternalReference: cb.CheckoutID,
		Amount:            cb.Amount,
		Currency:          cb.Currency,
	}
	if cb.ResultCode == 0 {
		if cb.ReceiptCode == "" {
			return nil, fmt.Errorf("%w: success callback without receipt_code", domain.ErrMalformedCallback)
		}
		upd.Status = domain.StatusCompleted
		upd.ReceiptCode = cb.ReceiptCode
	} else {
		upd.Status = domain.StatusFailed
		upd.Reason = cb.ResultDesc
	}
	return upd, nil
}

func (a *MobileMoneyAdapter) QueryStatus(ctx context.Context, externalReference string) (*domain.NormalizedUpdate, error) {
	st, err := a.client.QueryPush(ctx, externalReference)
	if err != nil {
		return nil, err
	}

	upd := &domain.NormalizedUpdate{
		Channel:           domain.ChannelMobileMoneyPush,
		ExternalReference: externalReference,
		Amount:            st.Amount,
		Currency:          st.Currency,
	}
	switch st.State {
	case PushStateCompleted:
		upd.Status = domain.StatusCompleted
		upd.ReceiptCode = st.ReceiptCode
	case PushStateFailed:
		upd.Status = domain.StatusFailed
		upd.Reason = domain.ReasonProviderFailed
	case PushStateProcessing:
		upd.Status = domain.StatusProcessing
	default:
		upd.Status = domain.StatusPending
	}
	return upd, nil
}

// HTTPPushClient talks to the real mobile-money API.
type HTTPPushClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewHTTPPushClient(baseURL, apiKey string) *HTTPPushClient {
	return &HTTPPushClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *HTTPPushClient) RequestPush(ctx context.Context, amount int64, currency, payerRef string) (string, error) {
	body, _ := json.Marshal(map[string]any{
		"amount":   amount,
		"currency": currency,
		"payer":    payerRef,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/push", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return "", fmt.Errorf("%w: push returned %d", domain.ErrProviderUnavailable, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		msg, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("push rejected (%d): %s: %w", resp.StatusCode, msg, domain.ErrValidation)
	}

	var out struct {
		CheckoutID string `json:"checkout_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode push response: %w", err)
	}
	return out.CheckoutID, nil
}

func (c *HTTPPushClient) QueryPush(ctx context.Context, checkoutID string) (*PushStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/push/"+checkoutID, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("checkout %s: %w", checkoutID, domain.ErrProviderNotFound)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: query returned %d", domain.ErrProviderUnavailable, resp.StatusCode)
	}

	var out struct {
		CheckoutID  string `json:"checkout_id"`
		State       string `json:"state"`
		ReceiptCode string `json:"receipt_code"`
		Amount      int64  `json:"amount"`
		Currency    string `json:"currency"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode query response: %w", err)
	}
	return &PushStatus{
		CheckoutID:  out.CheckoutID,
		State:       out.State,
		ReceiptCode: out.ReceiptCode,
		Amount:      out.Amount,
		Currency:    out.Currency,
	}, nil
}
