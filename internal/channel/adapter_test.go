package channel

import (
	"errors"
	"testing"

	"github.com/dukahub/payments/internal/domain"
)

func TestMobileMoneyParseCallback(t *testing.T) {
	a := NewMobileMoneyAdapter(nil)

	tests := []struct {
		name       string
		payload    string
		wantStatus domain.TransactionStatus
		wantErr    error
	}{
		{
			name:       "success with receipt",
			payload:    `{"checkout_id":"CHK-1","result_code":0,"receipt_code":"RCT-9","amount":5000,"currency":"KES"}`,
			wantStatus: domain.StatusCompleted,
		},
		{
			name:       "provider failure",
			payload:    `{"checkout_id":"CHK-2","result_code":1032,"result_desc":"cancelled by user"}`,
			wantStatus: domain.StatusFailed,
		},
		{
			name:    "success without receipt",
			payload: `{"checkout_id":"CHK-3","result_code":0}`,
			wantErr: domain.ErrMalformedCallback,
		},
		{
			name:    "missing checkout id",
			payload: `{"result_code":0,"receipt_code":"RCT-9"}`,
			wantErr: domain.ErrMalformedCallback,
		},
		{
			name:    "not json",
			payload: `<xml>nope</xml>`,
			wantErr: domain.ErrMalformedCallback,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			upd, err := a.ParseCallback([]byte(tt.payload))
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("want %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseCallback: %v", err)
			}
			if upd.Status != tt.wantStatus {
				t.Errorf("status = %s, want %s", upd.Status, tt.wantStatus)
			}
			if upd.Channel != domain.ChannelMobileMoneyPush {
				t.Errorf("channel = %s", upd.Channel)
			}
		})
	}
}

func TestCardParseCallback(t *testing.T) {
	a := NewCardGatewayAdapter(nil)

	upd, err := a.ParseCallback([]byte(`{"charge_id":"ch_1","status":"succeeded","amount":9900,"currency":"USD"}`))
	if err != nil {
		t.Fatalf("ParseCallback: %v", err)
	}
	if upd.Status != domain.StatusCompleted {
		t.Errorf("status = %s, want COMPLETED", upd.Status)
	}
	// The charge id doubles as the receipt when the gateway sends none.
	if upd.ReceiptCode != "ch_1" {
		t.Errorf("receipt code = %q, want ch_1", upd.ReceiptCode)
	}

	if _, err := a.ParseCallback([]byte(`{"charge_id":"ch_2","status":"exploded"}`)); !errors.Is(err, domain.ErrMalformedCallback) {
		t.Errorf("unknown status: want ErrMalformedCallback, got %v", err)
	}
}

func TestManualAdapterBuildUpdate(t *testing.T) {
	cash := NewManualAdapter(domain.ChannelManualCash)

	upd, err := cash.BuildUpdate("MAN-1", Attestation{
		Amount: 3000, Currency: "KES", ReceivedBy: "clerk-a",
	})
	if err != nil {
		t.Fatalf("BuildUpdate: %v", err)
	}
	if upd.Status != domain.StatusCompleted || upd.ReceivedBy != "clerk-a" {
		t.Errorf("unexpected update %+v", upd)
	}

	if _, err := cash.BuildUpdate("MAN-2", Attestation{Amount: 3000, Currency: "KES"}); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("missing received_by: want ErrValidation, got %v", err)
	}

	paybill := NewManualAdapter(domain.ChannelManualPaybill)
	if _, err := paybill.BuildUpdate("MAN-3", Attestation{Amount: 3000, Currency: "KES", ReceivedBy: "clerk-b"}); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("paybill without receipt code: want ErrValidation, got %v", err)
	}
}

func TestRegistryUnknownChannel(t *testing.T) {
	r := NewRegistry(NewManualAdapter(domain.ChannelManualCash))

	if _, err := r.Get(domain.ChannelCardGateway); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("unregistered channel: want ErrValidation, got %v", err)
	}
	if _, err := r.Get(domain.ChannelManualCash); err != nil {
		t.Errorf("registered channel: %v", err)
	}
}
