package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx/types"
	"github.com/shopspring/decimal"
)

// Order represents a customer order as seen by the payment core
type Order struct {
	ID            int64           `db:"id" json:"id"`
	UserID        int64           `db:"user_id" json:"user_id"`
	Total         decimal.Decimal `db:"total" json:"total"`
	Currency      string          `db:"currency" json:"currency"`
	PaymentMethod string          `db:"payment_method" json:"payment_method"`
	Status        string          `db:"status" json:"status"`
	TransactionID string          `db:"transaction_id" json:"transaction_id,omitempty"`
	Purchase      types.JSONText  `db:"purchase" json:"purchase,omitempty"`
	CanVoid       bool            `db:"can_void" json:"can_void"`
	HoldTimestamp *time.Time      `db:"hold_timestamp" json:"hold_timestamp,omitempty"`
	IsPreOrder    bool            `db:"is_pre_order" json:"is_pre_order"`
	Billing       Address         `db:"billing" json:"billing"`
	Shipping      Address         `db:"shipping" json:"shipping"`
	CreatedAt     time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time       `db:"updated_at" json:"updated_at"`
}

// IsPaid reports whether payment_complete already ran for the order
func (o *Order) IsPaid() bool {
	return o.Status == OrderStatusProcessing || o.Status == OrderStatusCompleted
}

// MinorTotal returns the order total in currency minor units
func (o *Order) MinorTotal() int64 {
	return ToMinorUnits(o.Total)
}

// HasPurchase reports whether a purchase snapshot has been stored
func (o *Order) HasPurchase() bool {
	p, err := o.LastPurchase()
	return err == nil && p != nil && p.ID != ""
}

// LastPurchase decodes the stored purchase snapshot. A missing snapshot
// yields (nil, nil).
func (o *Order) LastPurchase() (*Purchase, error) {
	if len(o.Purchase) == 0 || string(o.Purchase) == "{}" || string(o.Purchase) == "null" {
		return nil, nil
	}
	var p Purchase
	if err := json.Unmarshal(o.Purchase, &p); err != nil {
		return nil, fmt.Errorf("failed to decode purchase snapshot: %w", err)
	}
	return &p, nil
}

// IsTokenization reports whether the order only needs a card token minted
// now and will be charged later ($0 orders and pre-orders)
func (o *Order) IsTokenization() bool {
	return o.IsPreOrder || o.Total.IsZero()
}

// ToMinorUnits converts a decimal amount to integer cents
func ToMinorUnits(amount decimal.Decimal) int64 {
	return amount.Shift(2).Round(0).IntPart()
}

// Address holds billing or shipping details, stored as a jsonb column
type Address struct {
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
	Company   string `json:"company,omitempty"`
	Email     string `json:"email,omitempty"`
	Phone     string `json:"phone,omitempty"`
	Address1  string `json:"address_1,omitempty"`
	Address2  string `json:"address_2,omitempty"`
	City      string `json:"city,omitempty"`
	State     string `json:"state,omitempty"`
	Postcode  string `json:"postcode,omitempty"`
	Country   string `json:"country,omitempty"`
}

// FullName joins first and last name
func (a Address) FullName() string {
	switch {
	case a.FirstName == "":
		return a.LastName
	case a.LastName == "":
		return a.FirstName
	}
	return a.FirstName + " " + a.LastName
}

// Value implements driver.Valuer
func (a Address) Value() (driver.Value, error) {
	b, err := json.Marshal(a)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner
func (a *Address) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*a = Address{}
		return nil
	case []byte:
		return json.Unmarshal(v, a)
	case string:
		return json.Unmarshal([]byte(v), a)
	default:
		return fmt.Errorf("unsupported address type %T", src)
	}
}

// OrderItem represents a line item in an order
type OrderItem struct {
	ID        int64           `db:"id" json:"id"`
	OrderID   int64           `db:"order_id" json:"order_id"`
	Name      string          `db:"name" json:"name"`
	Quantity  int             `db:"quantity" json:"quantity"`
	UnitPrice decimal.Decimal `db:"unit_price" json:"unit_price"`
}

// OrderNote is a human-readable note appended to an order
type OrderNote struct {
	ID        int64     `db:"id" json:"id"`
	OrderID   int64     `db:"order_id" json:"order_id"`
	Note      string    `db:"note" json:"note"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// PaymentToken is a stored card usable for future charges
type PaymentToken struct {
	ID          int64     `db:"id" json:"id"`
	OwnerID     int64     `db:"owner_id" json:"owner_id"`
	GatewayID   string    `db:"gateway_id" json:"gateway_id"`
	Token       string    `db:"token" json:"token"`
	CardBrand   string    `db:"card_brand" json:"card_brand"`
	Last4       string    `db:"last4" json:"last4"`
	ExpiryMonth int       `db:"expiry_month" json:"expiry_month"`
	ExpiryYear  int       `db:"expiry_year" json:"expiry_year"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time `db:"updated_at" json:"updated_at"`
}

// Order statuses
const (
	OrderStatusPending    = "pending"
	OrderStatusOnHold     = "on-hold"
	OrderStatusProcessing = "processing"
	OrderStatusCompleted  = "completed"
	OrderStatusFailed     = "failed"
	OrderStatusCancelled  = "cancelled"
	OrderStatusRefunded   = "refunded"
	OrderStatusPreOrdered = "pre-ordered"
)

// ProcessedEvent for idempotency
type ProcessedEvent struct {
	EventID     string    `db:"event_id"`
	EventType   string    `db:"event_type"`
	ProcessedAt time.Time `db:"processed_at"`
}
