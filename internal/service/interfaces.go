package service

import (
	"context"
	"time"

	"payment-service/internal/models"
	"payment-service/internal/processor"
)

// OrderRepository is the order side of the store
type OrderRepository interface {
	GetOrderByID(ctx context.Context, id int64) (*models.Order, error)
	GetOrderItems(ctx context.Context, orderID int64) ([]models.OrderItem, error)
	SavePurchase(ctx context.Context, orderID int64, gatewayID string, purchase *models.Purchase) error
	RefreshPurchase(ctx context.Context, orderID int64, purchase *models.Purchase) error
	CompletePayment(ctx context.Context, orderID int64, transactionID, note string) (bool, error)
	MarkOnHold(ctx context.Context, orderID int64, transactionID string, holdAt *time.Time, note string) (bool, error)
	MarkPreOrdered(ctx context.Context, orderID int64, note string) (bool, error)
	MarkFailed(ctx context.Context, orderID int64, note string) (bool, error)
	MarkCancelled(ctx context.Context, orderID int64, note string) (bool, error)
	RecordRefund(ctx context.Context, orderID int64, refundID string, amount int64, reason, note string) (bool, error)
	AddOrderNote(ctx context.Context, orderID int64, note string) error
	ListPendingOrders(ctx context.Context, gatewayIDs []string, limit int) ([]int64, error)
}

// TokenRepository persists payment tokens
type TokenRepository interface {
	CreateToken(ctx context.Context, token *models.PaymentToken) (*models.PaymentToken, bool, error)
	FindToken(ctx context.Context, ownerID int64, gatewayID string) (*models.PaymentToken, error)
	GetToken(ctx context.Context, id int64) (*models.PaymentToken, error)
	DeleteToken(ctx context.Context, id int64) error
}

// ProcessorClient is the processor API as used by the state machine
type ProcessorClient interface {
	HasCredentials() bool
	CreatePayment(ctx context.Context, req *processor.PurchaseRequest) (*models.Purchase, error)
	GetPayment(ctx context.Context, purchaseID string) (*models.Purchase, error)
	CapturePayment(ctx context.Context, purchaseID string, amount int64) (*models.Purchase, error)
	ReleasePayment(ctx context.Context, purchaseID string) (*models.Purchase, error)
	RefundPayment(ctx context.Context, purchaseID string, amount int64) (*processor.RefundResult, error)
	ChargePayment(ctx context.Context, purchaseID, token string) (*models.Purchase, error)
	DeleteToken(ctx context.Context, tokenID string) error
	PaymentMethods(ctx context.Context, currency string) (*processor.PaymentMethods, error)
}

// SignatureVerifier authenticates pushed callbacks
type SignatureVerifier interface {
	Verify(ctx context.Context, body []byte, signature string) error
}

// KeyInvalidator drops a cached public key
type KeyInvalidator interface {
	Invalidate(ctx context.Context) error
}

// OrderLocker serialises work on one order
type OrderLocker interface {
	WithOrderLock(ctx context.Context, orderID int64, fn func(ctx context.Context) error) error
}

// JobQueue stores deferred jobs, one outstanding job per key
type JobQueue interface {
	Schedule(ctx context.Context, job *models.Job) error
	Cancel(ctx context.Context, key string) error
}

// EventPublisher emits order payment events
type EventPublisher interface {
	PublishPaymentEvent(ctx context.Context, event *models.PaymentEvent) error
}

// MethodCache caches payment method lists per gateway and currency
type MethodCache interface {
	GetPaymentMethods(ctx context.Context, gatewayID, currency string) (string, bool, error)
	SetPaymentMethods(ctx context.Context, gatewayID, currency, value string, ttl time.Duration) error
}
