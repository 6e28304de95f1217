package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"payment-service/internal/models"
	"payment-service/internal/processor"
	"payment-service/internal/util"

	"go.uber.org/zap"
)

// Reconcile outcomes
const (
	OutcomePaid        = "paid"
	OutcomeAlreadyPaid = "already_paid"
	OutcomeOnHold      = "on_hold"
	OutcomePreOrdered  = "pre_ordered"
	OutcomeFailed      = "failed"
	OutcomePending     = "pending"
	OutcomeIgnored     = "ignored"
)

// Reconcile sources
const (
	SourceCallback = "callback"
	SourceRedirect = "redirect"
	SourceRequery  = "requery"
	SourceAdmin    = "admin"
)

// ReconcileResult describes what a reconciliation did
type ReconcileResult struct {
	OrderID     int64  `json:"order_id"`
	PurchaseID  string `json:"purchase_id,omitempty"`
	Outcome     string `json:"outcome"`
	OrderStatus string `json:"order_status"`
	Error       string `json:"error,omitempty"`
}

// HandleCallback reconciles an order from a processor callback. A signed
// body is verified before anything about the order is read; without a
// signature the stored purchase is pulled from the processor instead.
func (s *PaymentService) HandleCallback(ctx context.Context, gatewayID string, orderID int64, body []byte, signature string) (*ReconcileResult, error) {
	ctx, span := util.StartOrderSpan(ctx, "PaymentService.HandleCallback", orderID)
	defer span.End()

	gw, err := s.gateways.Get(gatewayID)
	if err != nil {
		return nil, err
	}

	if signature == "" && len(body) == 0 {
		return s.reconcileStored(ctx, orderID, SourceRedirect)
	}

	if err := gw.Verifier.Verify(ctx, body, signature); err != nil {
		reason := "invalid_signature"
		if !errors.Is(err, processor.ErrInvalidSignature) {
			reason = "key_unavailable"
		}
		util.CallbacksRejectedTotal.WithLabelValues(reason).Inc()
		s.logger.Warn("Rejected callback", util.GatewayID(gatewayID), zap.Error(err))
		return nil, ErrInvalidSignature
	}

	var pushed models.Purchase
	if err := json.Unmarshal(body, &pushed); err != nil {
		util.CallbacksRejectedTotal.WithLabelValues("malformed").Inc()
		return nil, fmt.Errorf("failed to decode callback: %w", err)
	}

	var result *ReconcileResult
	err = s.locker.WithOrderLock(ctx, orderID, func(ctx context.Context) error {
		order, err := s.loadOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if !belongsTo(order, &pushed) {
			util.CallbacksRejectedTotal.WithLabelValues("purchase_mismatch").Inc()
			return fmt.Errorf("%w: purchase %s, order %d", ErrPurchaseMismatch, pushed.ID, order.ID)
		}

		if isStale(order, &pushed) {
			util.ReconcileTotal.WithLabelValues(SourceCallback, OutcomeIgnored).Inc()
			s.logger.Info("Ignoring callback for superseded purchase",
				util.OrderID(order.ID),
				util.PurchaseID(pushed.ID),
				zap.String("purchase_status", string(pushed.Status)))
			result = &ReconcileResult{OrderID: order.ID, PurchaseID: pushed.ID, Outcome: OutcomeIgnored, OrderStatus: order.Status}
			return nil
		}

		result, err = s.apply(ctx, order, gw, &pushed, SourceCallback)
		return err
	})
	if err != nil {
		util.RecordError(span, err)
	}
	return result, err
}

// isStale reports whether p is an older purchase of the order that a newer
// checkout replaced. Only a paid status is still applied from it.
func isStale(order *models.Order, p *models.Purchase) bool {
	if p.Status == models.PurchaseStatusPaid {
		return false
	}
	stored, err := order.LastPurchase()
	return err == nil && stored != nil && stored.ID != "" && stored.ID != p.ID
}

// belongsTo reports whether a pushed purchase was created for order
func belongsTo(order *models.Order, p *models.Purchase) bool {
	if p.ID == "" {
		return false
	}
	if p.Reference == strconv.FormatInt(order.ID, 10) {
		return true
	}
	stored, err := order.LastPurchase()
	return err == nil && stored != nil && stored.ID == p.ID
}

// RequeryOrder pulls the order's current purchase and reconciles it now
func (s *PaymentService) RequeryOrder(ctx context.Context, orderID int64) (*ReconcileResult, error) {
	ctx, span := util.StartOrderSpan(ctx, "PaymentService.RequeryOrder", orderID)
	defer span.End()

	result, err := s.reconcileStored(ctx, orderID, SourceAdmin)
	util.RecordError(span, err)
	return result, err
}

// BulkRequery requeries each order independently. With no ids it takes
// up to limit pending orders of all gateways.
func (s *PaymentService) BulkRequery(ctx context.Context, orderIDs []int64, limit int) ([]ReconcileResult, error) {
	ctx, span := util.StartSpan(ctx, "PaymentService.BulkRequery")
	defer span.End()

	if len(orderIDs) == 0 {
		ids, err := s.orders.ListPendingOrders(ctx, s.gateways.IDs(), limit)
		if err != nil {
			util.RecordError(span, err)
			return nil, fmt.Errorf("failed to list pending orders: %w", err)
		}
		orderIDs = ids
	}

	results := make([]ReconcileResult, 0, len(orderIDs))
	for _, id := range orderIDs {
		res, err := s.reconcileStored(ctx, id, SourceAdmin)
		if err != nil {
			results = append(results, ReconcileResult{OrderID: id, Error: err.Error()})
			continue
		}
		results = append(results, *res)
	}
	return results, nil
}

// reconcileStored fetches the stored purchase from the processor and
// applies it. An unreachable processor leaves the order as it is.
func (s *PaymentService) reconcileStored(ctx context.Context, orderID int64, source string) (*ReconcileResult, error) {
	var result *ReconcileResult

	err := s.locker.WithOrderLock(ctx, orderID, func(ctx context.Context) error {
		order, err := s.loadOrder(ctx, orderID)
		if err != nil {
			return err
		}

		stored, err := order.LastPurchase()
		if err != nil {
			return err
		}
		if stored == nil || stored.ID == "" {
			return ErrNoPurchase
		}

		if order.IsPaid() {
			result = &ReconcileResult{OrderID: order.ID, PurchaseID: stored.ID, Outcome: OutcomeAlreadyPaid, OrderStatus: order.Status}
			return nil
		}

		gw, err := s.orderGateway(order)
		if err != nil {
			return err
		}

		fresh, err := gw.Client.GetPayment(ctx, stored.ID)
		if err != nil {
			util.ReconcileTotal.WithLabelValues(source, "fetch_failed").Inc()
			s.logger.Warn("Failed to fetch purchase",
				util.OrderID(order.ID),
				util.PurchaseID(stored.ID),
				zap.Error(err))
			if errors.Is(err, processor.ErrUnknownOutcome) {
				result = &ReconcileResult{OrderID: order.ID, PurchaseID: stored.ID, Outcome: OutcomePending, OrderStatus: order.Status}
				return nil
			}
			return fmt.Errorf("failed to fetch purchase: %w", err)
		}

		result, err = s.apply(ctx, order, gw, fresh, source)
		return err
	})

	return result, err
}

// apply moves the order according to a purchase status. It must run under
// the order lock with a freshly loaded order; every branch re-checks the
// order state so repeated or reordered calls are harmless.
func (s *PaymentService) apply(ctx context.Context, order *models.Order, gw *Gateway, p *models.Purchase, source string) (*ReconcileResult, error) {
	if err := s.orders.RefreshPurchase(ctx, order.ID, p); err != nil {
		s.logger.Warn("Failed to refresh purchase snapshot", util.OrderID(order.ID), zap.Error(err))
	}

	result := &ReconcileResult{OrderID: order.ID, PurchaseID: p.ID, OrderStatus: order.Status}
	terminal := p.Status.IsTerminal()

	switch {
	case p.Status == models.PurchaseStatusPaid:
		if order.IsPaid() {
			result.Outcome = OutcomeAlreadyPaid
			break
		}
		s.storeToken(ctx, order, gw, p)
		changed, err := s.completePayment(ctx, order, gw.ID(), p.ID)
		if err != nil {
			return nil, err
		}
		result.Outcome = OutcomePaid
		if !changed {
			result.Outcome = OutcomeAlreadyPaid
		}
		result.OrderStatus = models.OrderStatusProcessing

	case p.Status == models.PurchaseStatusPreauthorized:
		if !order.IsTokenization() || order.IsPaid() {
			result.Outcome = OutcomeIgnored
			s.logger.Warn("Unexpected preauthorization",
				util.OrderID(order.ID),
				util.PurchaseID(p.ID))
			break
		}
		s.storeToken(ctx, order, gw, p)
		changed, err := s.orders.MarkPreOrdered(ctx, order.ID,
			fmt.Sprintf("Card authorized for future payment. Purchase ID: %s", p.ID))
		if err != nil {
			return nil, fmt.Errorf("failed to mark order pre-ordered: %w", err)
		}
		if changed {
			s.publish(ctx, models.EventTypeOrderPreOrdered, order, gw.ID(), p.ID, "")
		}
		result.Outcome = OutcomePreOrdered
		result.OrderStatus = models.OrderStatusPreOrdered

	case p.Status == models.PurchaseStatusHold:
		if order.Status == models.OrderStatusOnHold || order.IsPaid() {
			result.Outcome = OutcomeIgnored
			break
		}
		holdAt := s.now().UTC()
		changed, err := s.orders.MarkOnHold(ctx, order.ID, p.ID, &holdAt,
			fmt.Sprintf("Payment authorized and on hold. Capture or void within %d days. Transaction ID: %s",
				int(s.opts.CaptureWindow.Hours()/24), p.ID))
		if err != nil {
			return nil, fmt.Errorf("failed to put order on hold: %w", err)
		}
		if changed {
			s.publish(ctx, models.EventTypeOrderOnHold, order, gw.ID(), p.ID, "")
		}
		result.Outcome = OutcomeOnHold
		result.OrderStatus = models.OrderStatusOnHold

	case p.Status.IsNegative():
		if order.IsPaid() {
			result.Outcome = OutcomeIgnored
			break
		}
		note := fmt.Sprintf("Payment %s. Purchase ID: %s", p.Status, p.ID)
		if msg := lastAttemptError(p); msg != "" {
			note += ". " + msg
		}
		if err := s.fail(ctx, order, gw.ID(), p.ID, string(p.Status), note); err != nil {
			return nil, err
		}
		result.Outcome = OutcomeFailed
		result.OrderStatus = models.OrderStatusFailed

	default:
		result.Outcome = OutcomePending
	}

	if terminal {
		if err := s.requery.Cancel(ctx, p.ID); err != nil {
			s.logger.Warn("Failed to cancel requery", util.PurchaseID(p.ID), zap.Error(err))
		}
	}

	util.ReconcileTotal.WithLabelValues(source, result.Outcome).Inc()
	s.logger.Info("Reconciled purchase",
		util.OrderID(order.ID),
		util.PurchaseID(p.ID),
		zap.String("purchase_status", string(p.Status)),
		zap.String("outcome", result.Outcome),
		zap.String("source", source))

	return result, nil
}

// storeToken keeps the card of a purchase for later charges. Failures are
// logged: the payment itself already succeeded.
func (s *PaymentService) storeToken(ctx context.Context, order *models.Order, gw *Gateway, p *models.Purchase) {
	if s.tokens == nil || p.TokenID() == "" {
		return
	}
	if _, err := s.tokens.StoreToken(ctx, p, order.UserID, gw.ID()); err != nil {
		s.logger.Error("Failed to store payment token",
			util.OrderID(order.ID),
			util.PurchaseID(p.ID),
			zap.Error(err))
	}
}

// lastAttemptError returns the processor's message for the latest failed
// attempt
func lastAttemptError(p *models.Purchase) string {
	attempts := p.TransactionData.Attempts
	for i := len(attempts) - 1; i >= 0; i-- {
		if e := attempts[i].Error; e != nil && e.Message != "" {
			return e.Message
		}
	}
	return ""
}
