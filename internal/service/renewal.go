package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"payment-service/internal/models"
	"payment-service/internal/processor"
	"payment-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ScheduleRenewal queues a token charge for an order at runAt
func (s *PaymentService) ScheduleRenewal(ctx context.Context, orderID int64, gatewayID string, runAt time.Time) error {
	if _, err := s.gateways.Get(gatewayID); err != nil {
		return err
	}

	job := &models.Job{
		ID:        uuid.New().String(),
		Type:      models.JobTypeRenewal,
		RunAt:     runAt,
		OrderID:   orderID,
		GatewayID: gatewayID,
	}
	if err := s.requery.queue.Schedule(ctx, job); err != nil {
		return fmt.Errorf("failed to schedule renewal: %w", err)
	}
	return nil
}

// ProcessRenewal charges a renewal order with the owner's stored card
func (s *PaymentService) ProcessRenewal(ctx context.Context, job *models.Job) error {
	ctx, span := util.StartOrderSpan(ctx, "PaymentService.ProcessRenewal", job.OrderID)
	defer span.End()

	outcome := "skipped"
	defer func() {
		util.RenewalsTotal.WithLabelValues(outcome).Inc()
	}()

	err := s.locker.WithOrderLock(ctx, job.OrderID, func(ctx context.Context) error {
		order, err := s.orders.GetOrderByID(ctx, job.OrderID)
		if errors.Is(err, models.ErrNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to load order: %w", err)
		}
		if order.IsPaid() {
			return nil
		}

		gw, err := s.gateways.Get(job.GatewayID)
		if err != nil {
			s.logger.Warn("Renewal for unknown gateway", util.GatewayID(job.GatewayID))
			return nil
		}

		// a purchase from an earlier run may already be charged
		if existing, err := order.LastPurchase(); err == nil && existing != nil && existing.ID != "" {
			outcome = "requeried"
			return s.requery.Schedule(ctx, existing.ID, order.ID, gw.ID(), 1)
		}

		token, err := s.tokens.FindToken(ctx, order.UserID, gw.ID())
		if err != nil {
			return err
		}
		if token == nil {
			outcome = "no_token"
			return s.fail(ctx, order, gw.ID(), "", "no_token", "Renewal failed: no saved payment method")
		}

		items, err := s.orders.GetOrderItems(ctx, order.ID)
		if err != nil {
			return fmt.Errorf("failed to load order items: %w", err)
		}
		req := buildPurchaseRequest(order, items, gw.Config, s.opts.PublicURL, false)
		// a renewal always charges the order total
		total := order.MinorTotal()
		req.Purchase.TotalOverride = &total
		req.SkipCapture = false

		purchase, err := gw.Client.CreatePayment(ctx, req)
		if err != nil {
			if errors.Is(err, processor.ErrUnknownOutcome) {
				outcome = "retry"
				return s.ScheduleRenewal(ctx, order.ID, gw.ID(), s.now().Add(s.requery.Delay(1)))
			}
			outcome = "create_failed"
			return s.fail(ctx, order, gw.ID(), "", "create_failed",
				fmt.Sprintf("Renewal failed: %s", processorMessage(err)))
		}
		if err := s.orders.SavePurchase(ctx, order.ID, gw.ID(), purchase); err != nil {
			return fmt.Errorf("failed to save purchase: %w", err)
		}

		charged, err := s.tokens.ChargeWithToken(ctx, gw, purchase.ID, token)
		switch {
		case errors.Is(err, ErrInvalidRecurringToken):
			outcome = "invalid_token"
			return s.fail(ctx, order, gw.ID(), purchase.ID, "invalid_token",
				"Renewal failed: saved card is no longer valid")
		case errors.Is(err, processor.ErrUnknownOutcome):
			outcome = "unknown"
			return s.requery.Schedule(ctx, purchase.ID, order.ID, gw.ID(), 1)
		case err != nil:
			outcome = "charge_failed"
			return s.fail(ctx, order, gw.ID(), purchase.ID, "charge_failed",
				fmt.Sprintf("Renewal failed: %s", processorMessage(err)))
		}

		if err := s.orders.RefreshPurchase(ctx, order.ID, charged); err != nil {
			s.logger.Warn("Failed to refresh purchase snapshot", util.OrderID(order.ID), zap.Error(err))
		}

		switch charged.Status {
		case models.PurchaseStatusPaid:
			outcome = "paid"
			if _, err := s.completePayment(ctx, order, gw.ID(), charged.ID); err != nil {
				return err
			}
			return s.requery.Cancel(ctx, charged.ID)

		case models.PurchaseStatusPendingCharge:
			outcome = "pending"
			changed, err := s.orders.MarkOnHold(ctx, order.ID, charged.ID, nil,
				fmt.Sprintf("Renewal charge pending confirmation. Transaction ID: %s", charged.ID))
			if err != nil {
				return fmt.Errorf("failed to put order on hold: %w", err)
			}
			if changed {
				s.publish(ctx, models.EventTypeOrderOnHold, order, gw.ID(), charged.ID, "pending_charge")
			}
			return s.requery.Schedule(ctx, charged.ID, order.ID, gw.ID(), 1)

		default:
			outcome = "failed"
			note := fmt.Sprintf("Renewal failed. Purchase status: %s", charged.Status)
			if msg := lastAttemptError(charged); msg != "" {
				note += ". " + msg
			}
			return s.fail(ctx, order, gw.ID(), charged.ID, "charge_"+string(charged.Status), note)
		}
	})
	util.RecordError(span, err)
	return err
}
