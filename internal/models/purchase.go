package models

import (
	"encoding/json"
	"strings"
)

// PurchaseStatus is the processor-side status of a purchase
type PurchaseStatus string

// Purchase statuses
const (
	PurchaseStatusCreated        PurchaseStatus = "created"
	PurchaseStatusSent           PurchaseStatus = "sent"
	PurchaseStatusViewed         PurchaseStatus = "viewed"
	PurchaseStatusPendingExecute PurchaseStatus = "pending_execute"
	PurchaseStatusPendingCharge  PurchaseStatus = "pending_charge"
	PurchaseStatusPendingCapture PurchaseStatus = "pending_capture"
	PurchaseStatusPendingRelease PurchaseStatus = "pending_release"
	PurchaseStatusPaid           PurchaseStatus = "paid"
	PurchaseStatusPreauthorized  PurchaseStatus = "preauthorized"
	PurchaseStatusHold           PurchaseStatus = "hold"
	PurchaseStatusReleased       PurchaseStatus = "released"
	PurchaseStatusExpired        PurchaseStatus = "expired"
	PurchaseStatusFailed         PurchaseStatus = "failed"
	PurchaseStatusError          PurchaseStatus = "error"
	PurchaseStatusRefunded       PurchaseStatus = "refunded"
)

// IsTerminal reports whether no further requery is useful for this status.
// hold is included: from there only an explicit capture or void moves it.
func (s PurchaseStatus) IsTerminal() bool {
	switch s {
	case PurchaseStatusPaid, PurchaseStatusPreauthorized, PurchaseStatusHold,
		PurchaseStatusExpired, PurchaseStatusFailed:
		return true
	}
	return false
}

// IsNegative reports terminal failure statuses
func (s PurchaseStatus) IsNegative() bool {
	return s == PurchaseStatusExpired || s == PurchaseStatusFailed
}

// cardMethods are the payment methods that accept card details by direct post
var cardMethods = map[string]bool{
	"visa":       true,
	"mastercard": true,
	"maestro":    true,
}

// IsCardMethod reports whether a payment method belongs to the card family
func IsCardMethod(method string) bool {
	return cardMethods[method]
}

// Purchase is the local snapshot of the processor's payment object
type Purchase struct {
	ID                     string          `json:"id"`
	Status                 PurchaseStatus  `json:"status"`
	Reference              string          `json:"reference,omitempty"`
	BrandID                string          `json:"brand_id,omitempty"`
	IsTest                 bool            `json:"is_test"`
	IsRecurringToken       bool            `json:"is_recurring_token"`
	RecurringToken         string          `json:"recurring_token,omitempty"`
	SkipCapture            bool            `json:"skip_capture,omitempty"`
	CheckoutURL            string          `json:"checkout_url,omitempty"`
	DirectPostURL          string          `json:"direct_post_url,omitempty"`
	PaymentMethodWhitelist []string        `json:"payment_method_whitelist,omitempty"`
	Purchase               PurchaseDetails `json:"purchase"`
	TransactionData        TransactionData `json:"transaction_data"`
	CreatedOn              int64           `json:"created_on,omitempty"`

	// Raw is the response body the snapshot was decoded from
	Raw json.RawMessage `json:"-"`
}

// UnmarshalJSON decodes a purchase and keeps the original bytes
func (p *Purchase) UnmarshalJSON(data []byte) error {
	type plain Purchase
	var decoded plain
	if err := json.Unmarshal(data, &decoded); err != nil {
		return err
	}
	*p = Purchase(decoded)
	p.Raw = append(json.RawMessage(nil), data...)
	return nil
}

// Snapshot returns the bytes to persist for this purchase, preferring the
// processor's own encoding
func (p *Purchase) Snapshot() ([]byte, error) {
	if len(p.Raw) > 0 {
		return p.Raw, nil
	}
	return json.Marshal(p)
}

// PurchaseDetails holds the amount block of a purchase
type PurchaseDetails struct {
	Currency string    `json:"currency"`
	Total    int64     `json:"total"`
	Products []Product `json:"products"`
}

// Product is a purchase line
type Product struct {
	Name     string `json:"name"`
	Quantity string `json:"quantity"`
	Price    int64  `json:"price"`
}

// TransactionData is read-only evidence about payment attempts
type TransactionData struct {
	PaymentMethod string    `json:"payment_method,omitempty"`
	Extra         CardExtra `json:"extra"`
	Attempts      []Attempt `json:"attempts,omitempty"`
}

// CardExtra carries card metadata returned for card payments
type CardExtra struct {
	CardBrand      string      `json:"card_brand,omitempty"`
	MaskedPan      string      `json:"masked_pan,omitempty"`
	ExpiryMonth    json.Number `json:"expiry_month,omitempty"`
	ExpiryYear     json.Number `json:"expiry_year,omitempty"`
	CardholderName string      `json:"cardholder_name,omitempty"`
}

// Attempt is a single payment attempt with method-specific fields
type Attempt struct {
	Type          string          `json:"type,omitempty"`
	Successful    bool            `json:"successful"`
	PaymentMethod string          `json:"payment_method,omitempty"`
	Extra         json.RawMessage `json:"extra,omitempty"`
	Error         *AttemptError   `json:"error,omitempty"`
}

// AttemptError describes why an attempt failed
type AttemptError struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// TokenID returns the processor-side id of a reusable card token carried by
// this purchase, or "" if there is none
func (p *Purchase) TokenID() string {
	if p.IsRecurringToken {
		return p.ID
	}
	return p.RecurringToken
}

// UsesDirectPost reports whether the browser should post card details
// straight to the processor instead of visiting the hosted checkout page
func (p *Purchase) UsesDirectPost() bool {
	if p.DirectPostURL == "" || len(p.PaymentMethodWhitelist) == 0 {
		return false
	}
	for _, m := range p.PaymentMethodWhitelist {
		if !IsCardMethod(m) {
			return false
		}
	}
	return true
}

// Card describes the card behind a purchase, for token display
type Card struct {
	Brand       string
	Last4       string
	ExpiryMonth int
	ExpiryYear  int
}

// Card extracts card metadata from transaction data
func (p *Purchase) Card() Card {
	extra := p.TransactionData.Extra
	card := Card{Brand: strings.ToLower(extra.CardBrand)}

	pan := strings.TrimSpace(extra.MaskedPan)
	if len(pan) >= 4 {
		card.Last4 = pan[len(pan)-4:]
	}
	if m, err := extra.ExpiryMonth.Int64(); err == nil {
		card.ExpiryMonth = int(m)
	}
	if y, err := extra.ExpiryYear.Int64(); err == nil {
		if y < 100 {
			y += 2000
		}
		card.ExpiryYear = int(y)
	}
	return card
}
