package service

import (
	"context"
	"errors"
	"fmt"

	"payment-service/internal/models"
	"payment-service/internal/processor"
	"payment-service/internal/util"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Capture settles a held authorization for the order's current total
func (s *PaymentService) Capture(ctx context.Context, orderID int64) (*ReconcileResult, error) {
	ctx, span := util.StartOrderSpan(ctx, "PaymentService.Capture", orderID)
	defer span.End()

	var result *ReconcileResult
	err := s.locker.WithOrderLock(ctx, orderID, func(ctx context.Context) error {
		order, err := s.loadOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if !order.CanVoid || order.HoldTimestamp == nil {
			return ErrNotCapturable
		}
		if s.now().After(order.HoldTimestamp.Add(s.opts.CaptureWindow)) {
			util.CaptureTotal.WithLabelValues("capture", "expired").Inc()
			return ErrCaptureWindowExpired
		}
		if order.TransactionID == "" {
			return ErrNoTransactionID
		}

		gw, err := s.orderGateway(order)
		if err != nil {
			return err
		}

		amount := order.MinorTotal()
		captured, err := gw.Client.CapturePayment(ctx, order.TransactionID, amount)
		if err != nil {
			return s.actionFailed(ctx, order, "capture", err)
		}
		util.CaptureTotal.WithLabelValues("capture", "ok").Inc()

		if err := s.orders.RefreshPurchase(ctx, order.ID, captured); err != nil {
			s.logger.Warn("Failed to refresh purchase snapshot", util.OrderID(order.ID), zap.Error(err))
		}

		if _, err := s.completePayment(ctx, order, gw.ID(), order.TransactionID); err != nil {
			return err
		}

		result = &ReconcileResult{
			OrderID:     order.ID,
			PurchaseID:  order.TransactionID,
			Outcome:     OutcomePaid,
			OrderStatus: models.OrderStatusProcessing,
		}
		return nil
	})

	util.RecordError(span, err)
	return result, err
}

// Void releases a held authorization and cancels the order
func (s *PaymentService) Void(ctx context.Context, orderID int64) (*ReconcileResult, error) {
	ctx, span := util.StartOrderSpan(ctx, "PaymentService.Void", orderID)
	defer span.End()

	var result *ReconcileResult
	err := s.locker.WithOrderLock(ctx, orderID, func(ctx context.Context) error {
		order, err := s.loadOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if !order.CanVoid {
			return ErrNotVoidable
		}
		if order.TransactionID == "" {
			return ErrNoTransactionID
		}

		gw, err := s.orderGateway(order)
		if err != nil {
			return err
		}

		released, err := gw.Client.ReleasePayment(ctx, order.TransactionID)
		if err != nil {
			return s.actionFailed(ctx, order, "void", err)
		}
		util.CaptureTotal.WithLabelValues("void", "ok").Inc()

		if err := s.orders.RefreshPurchase(ctx, order.ID, released); err != nil {
			s.logger.Warn("Failed to refresh purchase snapshot", util.OrderID(order.ID), zap.Error(err))
		}

		changed, err := s.orders.MarkCancelled(ctx, order.ID,
			fmt.Sprintf("Payment voided. Transaction ID: %s", order.TransactionID))
		if err != nil {
			return fmt.Errorf("failed to cancel order: %w", err)
		}
		if changed {
			s.publish(ctx, models.EventTypeOrderCancelled, order, gw.ID(), order.TransactionID, "voided")
		}

		result = &ReconcileResult{
			OrderID:     order.ID,
			PurchaseID:  order.TransactionID,
			Outcome:     "voided",
			OrderStatus: models.OrderStatusCancelled,
		}
		return nil
	})

	util.RecordError(span, err)
	return result, err
}

// RefundResult describes an accepted refund
type RefundResult struct {
	OrderID       int64  `json:"order_id"`
	RefundID      string `json:"refund_id"`
	Amount        int64  `json:"amount"`
	FullyRefunded bool   `json:"fully_refunded"`
}

// Refund refunds amount minor units of a paid order. The amount is sent
// as given; success is decided by the processor's refund status.
func (s *PaymentService) Refund(ctx context.Context, orderID, amount int64, reason string) (*RefundResult, error) {
	ctx, span := util.StartOrderSpan(ctx, "PaymentService.Refund", orderID)
	defer span.End()

	if amount <= 0 {
		util.RecordError(span, ErrInvalidAmount)
		return nil, ErrInvalidAmount
	}

	var result *RefundResult
	err := s.locker.WithOrderLock(ctx, orderID, func(ctx context.Context) error {
		order, err := s.loadOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if order.Status == models.OrderStatusOnHold {
			return ErrRefundOnHold
		}
		// a partial refund keeps the order paid, a full one moves it to refunded
		if !order.IsPaid() {
			return fmt.Errorf("%w: order is %s", ErrNotRefundable, order.Status)
		}
		if order.TransactionID == "" {
			return ErrNoTransactionID
		}

		gw, err := s.orderGateway(order)
		if err != nil {
			return err
		}
		if !gw.Client.HasCredentials() {
			return ErrMissingCredentials
		}

		refund, err := gw.Client.RefundPayment(ctx, order.TransactionID, amount)
		if err != nil {
			util.RefundTotal.WithLabelValues(failureReason(err)).Inc()
			if errors.Is(err, processor.ErrUnknownOutcome) {
				return fmt.Errorf("refund outcome unknown: %w", err)
			}
			return fmt.Errorf("%w: %s", ErrRefundFailed, processorMessage(err))
		}
		if !refund.Succeeded() {
			util.RefundTotal.WithLabelValues("rejected").Inc()
			return fmt.Errorf("%w: status %q", ErrRefundFailed, refund.Status)
		}
		util.RefundTotal.WithLabelValues("ok").Inc()

		note := fmt.Sprintf("Refunded %s %s. Refund ID: %s",
			decimal.New(amount, -2).StringFixed(2), order.Currency, refund.ID)
		if reason != "" {
			note += ". Reason: " + reason
		}

		full, err := s.orders.RecordRefund(ctx, order.ID, refund.ID, amount, reason, note)
		if err != nil {
			s.logger.Error("Refund accepted but not recorded",
				util.OrderID(order.ID),
				zap.String("refund_id", refund.ID),
				zap.Error(err))
			return fmt.Errorf("failed to record refund: %w", err)
		}
		if full {
			s.publish(ctx, models.EventTypeOrderRefunded, order, gw.ID(), order.TransactionID, reason)
		}

		result = &RefundResult{OrderID: order.ID, RefundID: refund.ID, Amount: amount, FullyRefunded: full}
		return nil
	})

	util.RecordError(span, err)
	return result, err
}

// actionFailed records a failed capture or void. An unknown outcome leaves
// the order alone; a rejection is noted on the order.
func (s *PaymentService) actionFailed(ctx context.Context, order *models.Order, action string, err error) error {
	util.CaptureTotal.WithLabelValues(action, failureReason(err)).Inc()
	s.logger.Warn("Payment action failed",
		zap.String("action", action),
		util.OrderID(order.ID),
		zap.Error(err))

	if errors.Is(err, processor.ErrUnknownOutcome) {
		return fmt.Errorf("%s outcome unknown: %w", action, err)
	}

	note := fmt.Sprintf("Payment %s failed: %s", action, processorMessage(err))
	if noteErr := s.orders.AddOrderNote(ctx, order.ID, note); noteErr != nil {
		s.logger.Error("Failed to add order note", util.OrderID(order.ID), zap.Error(noteErr))
	}
	return fmt.Errorf("%s failed: %w", action, err)
}
