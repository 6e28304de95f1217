package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"payment-service/internal/models"
	"payment-service/internal/processor"
	"payment-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Options are the payment policy settings
type Options struct {
	PublicURL       string
	ReceiptURL      string
	FailureURL      string
	CaptureWindow   time.Duration
	MethodsCacheTTL time.Duration
}

// PaymentService is the order payment state machine
type PaymentService struct {
	orders   OrderRepository
	gateways *Registry
	locker   OrderLocker
	tokens   *TokenService
	requery  *RequeryScheduler
	events   EventPublisher
	methods  MethodCache
	opts     Options
	logger   *zap.Logger
	now      func() time.Time
}

// NewPaymentService creates a new payment service
func NewPaymentService(
	orders OrderRepository,
	gateways *Registry,
	locker OrderLocker,
	tokens *TokenService,
	requery *RequeryScheduler,
	events EventPublisher,
	methods MethodCache,
	opts Options,
) *PaymentService {
	if opts.CaptureWindow <= 0 {
		opts.CaptureWindow = 30 * 24 * time.Hour
	}
	if opts.MethodsCacheTTL <= 0 {
		opts.MethodsCacheTTL = time.Hour
	}

	return &PaymentService{
		orders:   orders,
		gateways: gateways,
		locker:   locker,
		tokens:   tokens,
		requery:  requery,
		events:   events,
		methods:  methods,
		opts:     opts,
		logger:   util.GetLogger(),
		now:      time.Now,
	}
}

// CheckoutOptions are the buyer's choices at checkout
type CheckoutOptions struct {
	SaveCard      bool   `json:"save_card"`
	PaymentMethod string `json:"payment_method,omitempty"`
}

// CheckoutResult tells the caller where to send the buyer. DirectPost
// means RedirectURL expects card details posted directly.
type CheckoutResult struct {
	OrderID     int64  `json:"order_id"`
	PurchaseID  string `json:"purchase_id"`
	RedirectURL string `json:"redirect_url"`
	DirectPost  bool   `json:"direct_post"`
}

// Create starts a payment for an order. A processor failure leaves the
// order untouched.
func (s *PaymentService) Create(ctx context.Context, orderID int64, gatewayID string, opts CheckoutOptions) (*CheckoutResult, error) {
	ctx, span := util.StartOrderSpan(ctx, "PaymentService.Create", orderID)
	defer span.End()

	gw, err := s.gateways.Get(gatewayID)
	if err != nil {
		util.RecordError(span, err)
		return nil, err
	}
	if !gw.Client.HasCredentials() {
		util.RecordError(span, ErrMissingCredentials)
		return nil, ErrMissingCredentials
	}

	var result *CheckoutResult
	err = s.locker.WithOrderLock(ctx, orderID, func(ctx context.Context) error {
		order, err := s.loadOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if order.Status != models.OrderStatusPending && order.Status != models.OrderStatusFailed {
			return fmt.Errorf("%w: status %s", ErrOrderNotPayable, order.Status)
		}

		if opts.PaymentMethod != "" {
			if err := s.checkMethod(ctx, gw, order.Currency, opts.PaymentMethod); err != nil {
				return err
			}
		}

		items, err := s.orders.GetOrderItems(ctx, order.ID)
		if err != nil {
			return fmt.Errorf("failed to load order items: %w", err)
		}

		req := buildPurchaseRequest(order, items, gw.Config, s.opts.PublicURL, opts.SaveCard)
		if opts.PaymentMethod != "" {
			req.PaymentMethodWhitelist = []string{opts.PaymentMethod}
		}

		purchase, err := gw.Client.CreatePayment(ctx, req)
		if err != nil {
			util.PurchaseCreateFailedTotal.WithLabelValues(gw.ID(), failureReason(err)).Inc()
			s.logger.Warn("Failed to create purchase",
				util.OrderID(order.ID),
				util.GatewayID(gw.ID()),
				zap.Error(err))
			return fmt.Errorf("failed to create purchase: %w", err)
		}

		if err := s.orders.SavePurchase(ctx, order.ID, gw.ID(), purchase); err != nil {
			s.logger.Error("Purchase created but not stored",
				util.OrderID(order.ID),
				util.PurchaseID(purchase.ID),
				zap.Error(err))
			return fmt.Errorf("failed to save purchase: %w", err)
		}
		util.PurchasesCreatedTotal.WithLabelValues(gw.ID()).Inc()

		if !purchase.Status.IsTerminal() {
			if err := s.requery.Schedule(ctx, purchase.ID, order.ID, gw.ID(), 1); err != nil {
				s.logger.Error("Failed to schedule requery", util.PurchaseID(purchase.ID), zap.Error(err))
			}
		}

		result = &CheckoutResult{
			OrderID:     order.ID,
			PurchaseID:  purchase.ID,
			RedirectURL: purchase.CheckoutURL,
		}
		if purchase.UsesDirectPost() {
			result.RedirectURL = purchase.DirectPostURL
			result.DirectPost = true
		}
		return nil
	})
	if err != nil {
		util.RecordError(span, err)
		return nil, err
	}

	s.logger.Info("Purchase created",
		util.OrderID(orderID),
		util.PurchaseID(result.PurchaseID),
		util.GatewayID(gatewayID),
		zap.Bool("direct_post", result.DirectPost))

	return result, nil
}

// PaymentMethod is a selectable payment method
type PaymentMethod struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// AvailableMethods lists the methods the processor offers for currency
// narrowed to the gateway whitelist. Checkout validation uses the same list.
func (s *PaymentService) AvailableMethods(ctx context.Context, gatewayID, currency string) ([]PaymentMethod, error) {
	ctx, span := util.StartSpan(ctx, "PaymentService.AvailableMethods")
	defer span.End()

	gw, err := s.gateways.Get(gatewayID)
	if err != nil {
		return nil, err
	}
	methods, err := s.availableMethods(ctx, gw, currency)
	util.RecordError(span, err)
	return methods, err
}

func (s *PaymentService) availableMethods(ctx context.Context, gw *Gateway, currency string) ([]PaymentMethod, error) {
	currency = strings.ToUpper(currency)

	if s.methods != nil {
		cached, ok, err := s.methods.GetPaymentMethods(ctx, gw.ID(), currency)
		if err != nil {
			s.logger.Warn("Payment method cache unavailable", zap.Error(err))
		}
		if ok {
			var methods []PaymentMethod
			if err := json.Unmarshal([]byte(cached), &methods); err == nil {
				return methods, nil
			}
		}
	}

	remote, err := gw.Client.PaymentMethods(ctx, currency)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch payment methods: %w", err)
	}

	allowed := make(map[string]bool, len(gw.Config.PaymentMethods))
	for _, m := range gw.Config.PaymentMethods {
		allowed[m] = true
	}

	methods := make([]PaymentMethod, 0, len(remote.AvailablePaymentMethods))
	for _, id := range remote.AvailablePaymentMethods {
		if len(allowed) > 0 && !allowed[id] {
			continue
		}
		name := remote.Names[id]
		if name == "" {
			name = id
		}
		methods = append(methods, PaymentMethod{ID: id, Name: name})
	}
	sort.Slice(methods, func(i, j int) bool { return methods[i].Name < methods[j].Name })

	if s.methods != nil {
		if encoded, err := json.Marshal(methods); err == nil {
			if err := s.methods.SetPaymentMethods(ctx, gw.ID(), currency, string(encoded), s.opts.MethodsCacheTTL); err != nil {
				s.logger.Warn("Failed to cache payment methods", zap.Error(err))
			}
		}
	}

	return methods, nil
}

func (s *PaymentService) checkMethod(ctx context.Context, gw *Gateway, currency, method string) error {
	methods, err := s.availableMethods(ctx, gw, currency)
	if err != nil {
		return err
	}
	for _, m := range methods {
		if m.ID == method {
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrMethodNotAvailable, method)
}

// RefreshPublicKey forgets the cached callback key of a gateway so the
// next signed callback fetches it again
func (s *PaymentService) RefreshPublicKey(ctx context.Context, gatewayID string) error {
	gw, err := s.gateways.Get(gatewayID)
	if err != nil {
		return err
	}
	if gw.Keys == nil {
		return nil
	}
	if err := gw.Keys.Invalidate(ctx); err != nil {
		return fmt.Errorf("failed to invalidate public key: %w", err)
	}
	s.logger.Info("Public key invalidated", util.GatewayID(gatewayID))
	return nil
}

// completePayment marks the order paid once and announces it
func (s *PaymentService) completePayment(ctx context.Context, order *models.Order, gatewayID, transactionID string) (bool, error) {
	note := fmt.Sprintf("Payment Successful. Transaction ID: %s", transactionID)

	changed, err := s.orders.CompletePayment(ctx, order.ID, transactionID, note)
	if err != nil {
		return false, fmt.Errorf("failed to complete payment: %w", err)
	}
	if !changed {
		return false, nil
	}

	util.OrdersPaidTotal.WithLabelValues(gatewayID).Inc()
	s.logger.Info("Order paid",
		util.OrderID(order.ID),
		util.PurchaseID(transactionID),
		util.GatewayID(gatewayID))

	s.publish(ctx, models.EventTypeOrderPaid, order, gatewayID, transactionID, "")
	return true, nil
}

// fail marks an unpaid order failed with note and announces it
func (s *PaymentService) fail(ctx context.Context, order *models.Order, gatewayID, purchaseID, reason, note string) error {
	changed, err := s.orders.MarkFailed(ctx, order.ID, note)
	if err != nil {
		return fmt.Errorf("failed to mark order failed: %w", err)
	}
	if !changed {
		return nil
	}

	util.OrdersFailedTotal.WithLabelValues(gatewayID, reason).Inc()
	s.logger.Info("Order failed",
		util.OrderID(order.ID),
		util.PurchaseID(purchaseID),
		zap.String("reason", reason))

	s.publish(ctx, models.EventTypeOrderFailed, order, gatewayID, purchaseID, reason)
	return nil
}

// publish emits an order event. Failures are logged only: the order
// transition already happened.
func (s *PaymentService) publish(ctx context.Context, eventType string, order *models.Order, gatewayID, purchaseID, reason string) {
	if s.events == nil {
		return
	}

	event := &models.PaymentEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: eventType,
			Timestamp: s.now(),
		},
		OrderID:    order.ID,
		UserID:     order.UserID,
		GatewayID:  gatewayID,
		PurchaseID: purchaseID,
		Amount:     order.MinorTotal(),
		Currency:   order.Currency,
		Reason:     reason,
	}

	if err := s.events.PublishPaymentEvent(ctx, event); err != nil {
		s.logger.Error("Failed to publish payment event",
			zap.String("event_type", eventType),
			util.OrderID(order.ID),
			zap.Error(err))
	}
}

func (s *PaymentService) loadOrder(ctx context.Context, orderID int64) (*models.Order, error) {
	order, err := s.orders.GetOrderByID(ctx, orderID)
	if errors.Is(err, models.ErrNotFound) {
		return nil, fmt.Errorf("%w: %d", ErrOrderNotFound, orderID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load order: %w", err)
	}
	return order, nil
}

// orderGateway resolves the gateway an order was paid through
func (s *PaymentService) orderGateway(order *models.Order) (*Gateway, error) {
	return s.gateways.Get(order.PaymentMethod)
}

// RedirectURL is the buyer-facing page for an order in status
func (s *PaymentService) RedirectURL(orderID int64, status string) string {
	tmpl := s.opts.ReceiptURL
	if status == models.OrderStatusFailed || status == models.OrderStatusCancelled {
		tmpl = s.opts.FailureURL
	}
	return strings.ReplaceAll(tmpl, "{order_id}", strconv.FormatInt(orderID, 10))
}

// failureReason labels an error for metrics
func failureReason(err error) string {
	if errors.Is(err, processor.ErrUnknownOutcome) {
		return "transport"
	}
	if _, ok := processor.AsAPIError(err); ok {
		return "api"
	}
	return "internal"
}

// processorMessage extracts an operator-readable message from a processor
// error
func processorMessage(err error) string {
	if apiErr, ok := processor.AsAPIError(err); ok {
		if msg := apiErr.Message(); msg != "" {
			return msg
		}
	}
	return err.Error()
}
