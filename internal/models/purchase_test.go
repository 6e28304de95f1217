package models

import (
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPurchaseStatusIsTerminal(t *testing.T) {
	terminal := []PurchaseStatus{PurchaseStatusPaid, PurchaseStatusPreauthorized, PurchaseStatusHold, PurchaseStatusExpired, PurchaseStatusFailed}
	for _, s := range terminal {
		assert.True(t, s.IsTerminal(), s)
	}

	open := []PurchaseStatus{PurchaseStatusCreated, PurchaseStatusViewed, PurchaseStatusPendingExecute, PurchaseStatusPendingCharge, PurchaseStatusError}
	for _, s := range open {
		assert.False(t, s.IsTerminal(), s)
	}

	assert.True(t, PurchaseStatusExpired.IsNegative())
	assert.False(t, PurchaseStatusHold.IsNegative())
}

func TestPurchaseTokenID(t *testing.T) {
	assert.Equal(t, "P1", (&Purchase{ID: "P1", IsRecurringToken: true, RecurringToken: "T9"}).TokenID())
	assert.Equal(t, "T9", (&Purchase{ID: "P1", RecurringToken: "T9"}).TokenID())
	assert.Equal(t, "", (&Purchase{ID: "P1"}).TokenID())
}

func TestPurchaseUsesDirectPost(t *testing.T) {
	tests := []struct {
		name      string
		url       string
		whitelist []string
		want      bool
	}{
		{"cards only", "https://gate.example/post", []string{"visa", "mastercard"}, true},
		{"mixed", "https://gate.example/post", []string{"visa", "fpx"}, false},
		{"no whitelist", "https://gate.example/post", nil, false},
		{"no url", "", []string{"visa"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &Purchase{DirectPostURL: tt.url, PaymentMethodWhitelist: tt.whitelist}
			assert.Equal(t, tt.want, p.UsesDirectPost())
		})
	}
}

func TestPurchaseCard(t *testing.T) {
	var p Purchase
	require.NoError(t, json.Unmarshal([]byte(`{
		"id": "P1",
		"status": "paid",
		"transaction_data": {"extra": {"card_brand": "Visa", "masked_pan": "411111 **** 1234", "expiry_month": 7, "expiry_year": 28}}
	}`), &p))

	card := p.Card()
	assert.Equal(t, Card{Brand: "visa", Last4: "1234", ExpiryMonth: 7, ExpiryYear: 2028}, card)
}

func TestPurchaseKeepsRawSnapshot(t *testing.T) {
	body := []byte(`{"id":"P1","status":"paid","unknown_field":{"kept":true}}`)

	var p Purchase
	require.NoError(t, json.Unmarshal(body, &p))
	assert.Equal(t, PurchaseStatusPaid, p.Status)

	snap, err := p.Snapshot()
	require.NoError(t, err)
	assert.JSONEq(t, string(body), string(snap))

	fresh := &Purchase{ID: "P2", Status: PurchaseStatusCreated}
	snap, err = fresh.Snapshot()
	require.NoError(t, err)
	assert.Contains(t, string(snap), `"id":"P2"`)
}

func TestOrderLastPurchase(t *testing.T) {
	order := &Order{}
	p, err := order.LastPurchase()
	require.NoError(t, err)
	assert.Nil(t, p)
	assert.False(t, order.HasPurchase())

	order.Purchase = []byte(`{"id":"P1","status":"created"}`)
	p, err = order.LastPurchase()
	require.NoError(t, err)
	assert.Equal(t, "P1", p.ID)
	assert.True(t, order.HasPurchase())

	order.Purchase = []byte(`{not json`)
	_, err = order.LastPurchase()
	assert.Error(t, err)
}

func TestOrderAmounts(t *testing.T) {
	order := &Order{Total: decimal.RequireFromString("10.005")}
	assert.Equal(t, int64(1001), order.MinorTotal())

	assert.True(t, (&Order{Total: decimal.Zero}).IsTokenization())
	assert.True(t, (&Order{Total: decimal.NewFromInt(5), IsPreOrder: true}).IsTokenization())
	assert.False(t, (&Order{Total: decimal.NewFromInt(5)}).IsTokenization())
}
