package models

import (
	"strconv"
	"time"
)

// Event types
const (
	EventTypeOrderPaid       = "ORDER_PAID"
	EventTypeOrderOnHold     = "ORDER_ON_HOLD"
	EventTypeOrderPreOrdered = "ORDER_PRE_ORDERED"
	EventTypeOrderFailed     = "ORDER_FAILED"
	EventTypeOrderCancelled  = "ORDER_CANCELLED"
	EventTypeOrderRefunded   = "ORDER_REFUNDED"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// PaymentEvent is published after an order payment transition
type PaymentEvent struct {
	BaseEvent
	OrderID    int64  `json:"order_id"`
	UserID     int64  `json:"user_id"`
	GatewayID  string `json:"gateway_id"`
	PurchaseID string `json:"purchase_id,omitempty"`
	Amount     int64  `json:"amount"`
	Currency   string `json:"currency"`
	Reason     string `json:"reason,omitempty"`
}

// Job types
const (
	JobTypeRequery = "REQUERY"
	JobTypeRenewal = "RENEWAL"
)

// Job is a unit of deferred work run by the background worker
type Job struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	RunAt      time.Time `json:"run_at"`
	OrderID    int64     `json:"order_id"`
	PurchaseID string    `json:"purchase_id,omitempty"`
	GatewayID  string    `json:"gateway_id"`
	Attempt    int       `json:"attempt,omitempty"`
}

// Key identifies the single outstanding job slot this job occupies
func (j *Job) Key() string {
	if j.Type == JobTypeRenewal {
		return RenewalJobKey(j.OrderID)
	}
	return RequeryJobKey(j.PurchaseID)
}

// RequeryJobKey is the queue key for requery jobs of a purchase
func RequeryJobKey(purchaseID string) string {
	return "requery:" + purchaseID
}

// RenewalJobKey is the queue key for the renewal job of an order
func RenewalJobKey(orderID int64) string {
	return "renewal:" + strconv.FormatInt(orderID, 10)
}
