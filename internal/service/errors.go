package service

import (
	"errors"

	"payment-service/internal/lock"
	"payment-service/internal/processor"
)

// Business rule violations. Each maps to a user-facing message at the
// HTTP boundary.
var (
	ErrOrderNotFound         = errors.New("order not found")
	ErrOrderNotPayable       = errors.New("order cannot be paid in its current state")
	ErrUnknownGateway        = errors.New("unknown payment gateway")
	ErrMissingCredentials    = errors.New("gateway has no API credentials")
	ErrMethodNotAvailable    = errors.New("payment method not available")
	ErrNoPurchase            = errors.New("order has no purchase")
	ErrPurchaseMismatch      = errors.New("purchase does not belong to order")
	ErrNotCapturable         = errors.New("order has no capturable authorization")
	ErrCaptureWindowExpired  = errors.New("authorization expired, capture is no longer possible")
	ErrNotVoidable           = errors.New("order has no authorization to void")
	ErrNoTransactionID       = errors.New("order has no transaction id")
	ErrRefundOnHold          = errors.New("on-hold orders must be captured or voided, not refunded")
	ErrNotRefundable         = errors.New("only paid orders can be refunded")
	ErrRefundFailed          = errors.New("refund was not accepted")
	ErrInvalidAmount         = errors.New("amount must be positive")
	ErrNoToken               = errors.New("no saved payment method")
	ErrInvalidRecurringToken = errors.New("recurring token is no longer valid")

	ErrLockNotAcquired  = lock.ErrLockTimeout
	ErrInvalidSignature = processor.ErrInvalidSignature
	ErrUnknownOutcome   = processor.ErrUnknownOutcome
)
