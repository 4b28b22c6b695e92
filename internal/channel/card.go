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

type ChargeStatus struct {
	ChargeID    string
	State       string // "pending", "succeeded", "failed"
	ReceiptCode string
	Amount      int64
	Currency    string
}

// CardClient is the provider round-trip for the card gateway.
type CardClient interface {
	CreateCharge(ctx context.Context, amount int64, currency, payerRef string) (chargeID, handoffToken string, err error)
	GetCharge(ctx context.Context, chargeID string) (*ChargeStatus, error)
}

// CardGatewayAdapter: initiation returns a client-side handoff token;
// completion arrives via callback or a synchronous confirmation poll.
type CardGatewayAdapter struct {
	client CardClient
}

func NewCardGatewayAdapter(client CardClient) *CardGatewayAdapter {
	return &CardGatewayAdapter{client: client}
}

func (a *CardGatewayAdapter) Channel() domain.Channel { return domain.ChannelCardGateway }

func (a *CardGatewayAdapter) Initiate(ctx context.Context, req InitiateRequest) (*Handoff, error) {
	chargeID, token, err := a.client.CreateCharge(ctx, req.Amount, req.Currency, req.PayerRef)
	if err != nil {
		return nil, err
	}
	return &Handoff{
		ExternalReference: chargeID,
		ClientHandoff:     token,
		Acknowledged:      true,
	}, nil
}

type chargeCallback struct {
	ChargeID    string `json:"charge_id"`
	Status      string `json:"status"`
	ReceiptCode string `json:"receipt_code"`
	Amount      int64  `json:"amount"`
	Currency    string `json:"currency"`
	Reason      string `json:"failure_reason"`
}

func (a *CardGatewayAdapter) ParseCallback(raw []byte) (*domain.NormalizedUpdate, error) {
	var cb chargeCallback
	if err := json.Unmarshal(raw, &cb); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrMalformedCallback, err)
	}
	if cb.ChargeID == "" {
		return nil, fmt.Errorf("%w: missing charge_id", domain.ErrMalformedCallback)
	}

	upd := &domain.NormalizedUpdate{
		Channel:           domain.ChannelCardGateway,
		ExternalReference: cb.ChargeID,
		Amount:            cb.Amount,
		Currency:          cb.Currency,
	}
	switch cb.Status {
	case "succeeded":
		upd.Status = domain.StatusCompleted
		upd.ReceiptCode = cb.ReceiptCode
		if upd.ReceiptCode == "" {
			upd.ReceiptCode = cb.ChargeID
		}
	case "failed":
		upd.Status = domain.StatusFailed
		upd.Reason = cb.Reason
	case "processing":
		upd.Status = domain.StatusProcessing
	default:
		return nil, fmt.Errorf("%w: unknown status %q", domain.ErrMalformedCallback, cb.Status)
	}
	return upd, nil
}

func (a *CardGatewayAdapter) QueryStatus(ctx context.Context, externalReference string) (*domain.NormalizedUpdate, error) {
	st, err := a.client.GetCharge(ctx, externalReference)
	if err != nil {
		return nil, err
	}

	upd := &domain.NormalizedUpdate{
		Channel:           domain.ChannelCardGateway,
		ExternalReference: externalReference,
		Amount:            st.Amount,
		Currency:          st.Currency,
	}
	switch st.State {
	case "succeeded":
		upd.Status = domain.StatusCompleted
		upd.ReceiptCode = st.ReceiptCode
		if upd.ReceiptCode == "" {
			upd.ReceiptCode = st.ChargeID
		}
	case "failed":
		upd.Status = domain.StatusFailed
		upd.Reason = domain.ReasonProviderFailed
	case "processing":
		upd.Status = domain.StatusProcessing
	default:
		upd.Status = domain.StatusPending
	}
	return upd, nil
}

// HTTPCardClient talks to the real card gateway API.
type HTTPCardClient struct {
	baseURL   string
	secretKey string
	client    *http.Client
}

func NewHTTPCardClient(baseURL, secretKey string) *HTTPCardClient {
	return &HTTPCardClient{
		baseURL:   baseURL,
		secretKey: secretKey,
		client:    &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *HTTPCardClient) CreateCharge(ctx context.Context, amount int64, currency, payerRef string) (string, string, error) {
	body, _ := json.Marshal(map[string]any{
		"amount":    amount,
		"currency":  currency,
		"reference": payerRef,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/charges", bytes.NewReader(body))
	if err != nil {
		return "", "", err
	}
	req.SetBasicAuth(c.secretKey, "")
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", domain.ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return "", "", fmt.Errorf("%w: charge returned %d", domain.ErrProviderUnavailable, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(resp.Body)
		return "", "", fmt.Errorf("charge rejected (%d): %s: %w", resp.StatusCode, msg, domain.ErrValidation)
	}

	var out struct {
		ID           string `json:"id"`
		HandoffToken string `json:"handoff_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", "", fmt.Errorf("decode charge response: %w", err)
	}
	return out.ID, out.HandoffToken, nil
}

func (c *HTTPCardClient) GetCharge(ctx context.Context, chargeID string) (*ChargeStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/charges/"+chargeID, nil)
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(c.secretKey, "")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("charge %s: %w", chargeID, domain.ErrProviderNotFound)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: charge query returned %d", domain.ErrProviderUnavailable, resp.StatusCode)
	}

	var out struct {
		ID          string `json:"id"`
		Status      string `json:"status"`
		ReceiptCode string `json:"receipt_code"`
		Amount      int64  `json:"amount"`
		Currency    string `json:"currency"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode charge status: %w", err)
	}
	return &ChargeStatus{
		ChargeID:    out.ID,
		State:       out.Status,
		ReceiptCode: out.ReceiptCode,
		Amount:      out.Amount,
		Currency:    out.Currency,
	}, nil
}
