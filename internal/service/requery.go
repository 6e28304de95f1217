package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"payment-service/internal/models"
	"payment-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// RequeryScheduler places status checks for purchases that have not
// settled yet. Attempt n runs n base units after attempt n-1.
type RequeryScheduler struct {
	queue       JobQueue
	base        time.Duration
	maxAttempts int
	logger      *zap.Logger
	now         func() time.Time
}

// NewRequeryScheduler creates a new requery scheduler
func NewRequeryScheduler(queue JobQueue, base time.Duration, maxAttempts int) *RequeryScheduler {
	if base <= 0 {
		base = time.Hour
	}
	if maxAttempts <= 0 {
		maxAttempts = 8
	}
	return &RequeryScheduler{
		queue:       queue,
		base:        base,
		maxAttempts: maxAttempts,
		logger:      util.GetLogger(),
		now:         time.Now,
	}
}

// Delay returns how long to wait before the given attempt
func (r *RequeryScheduler) Delay(attempt int) time.Duration {
	return time.Duration(attempt) * r.base
}

// Schedule queues requery attempt for a purchase, replacing any pending
// requery of the same purchase
func (r *RequeryScheduler) Schedule(ctx context.Context, purchaseID string, orderID int64, gatewayID string, attempt int) error {
	if attempt > r.maxAttempts {
		r.logger.Info("Requery attempts exhausted, no further attempts will be made",
			util.OrderID(orderID),
			util.PurchaseID(purchaseID),
			zap.Int("attempts", r.maxAttempts))
		util.RequeryJobsTotal.WithLabelValues("exhausted").Inc()
		return nil
	}

	job := &models.Job{
		ID:         uuid.New().String(),
		Type:       models.JobTypeRequery,
		RunAt:      r.now().Add(r.Delay(attempt)),
		OrderID:    orderID,
		PurchaseID: purchaseID,
		GatewayID:  gatewayID,
		Attempt:    attempt,
	}
	if err := r.queue.Schedule(ctx, job); err != nil {
		return fmt.Errorf("failed to schedule requery: %w", err)
	}

	r.logger.Debug("Requery scheduled",
		util.OrderID(orderID),
		util.PurchaseID(purchaseID),
		zap.Int("attempt", attempt),
		zap.Time("run_at", job.RunAt))
	return nil
}

// Cancel drops the pending requery of a purchase
func (r *RequeryScheduler) Cancel(ctx context.Context, purchaseID string) error {
	return r.queue.Cancel(ctx, models.RequeryJobKey(purchaseID))
}

// HandleRequery runs one requery job. A vanished order is a no-op and a
// paid order exits before any processor call. Any other failure, including
// a lock that could not be taken, queues the next attempt so polling only
// ends at the attempt ceiling.
func (s *PaymentService) HandleRequery(ctx context.Context, job *models.Job) error {
	ctx, span := util.StartOrderSpan(ctx, "PaymentService.HandleRequery", job.OrderID)
	defer span.End()

	err := s.locker.WithOrderLock(ctx, job.OrderID, func(ctx context.Context) error {
		return s.runRequery(ctx, job)
	})
	if err == nil {
		return nil
	}

	util.RecordError(span, err)
	util.RequeryJobsTotal.WithLabelValues("error").Inc()
	s.logger.Warn("Requery failed, retrying on next attempt",
		util.OrderID(job.OrderID),
		util.PurchaseID(job.PurchaseID),
		zap.Int("attempt", job.Attempt),
		zap.Error(err))

	if schedErr := s.requery.Schedule(ctx, job.PurchaseID, job.OrderID, job.GatewayID, job.Attempt+1); schedErr != nil {
		return fmt.Errorf("requery failed (%v) and could not be rescheduled: %w", err, schedErr)
	}
	return nil
}

func (s *PaymentService) runRequery(ctx context.Context, job *models.Job) error {
	order, err := s.orders.GetOrderByID(ctx, job.OrderID)
	if errors.Is(err, models.ErrNotFound) {
		util.RequeryJobsTotal.WithLabelValues("missing_order").Inc()
		s.logger.Debug("Requery for missing order", util.OrderID(job.OrderID))
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load order: %w", err)
	}

	if order.IsPaid() {
		util.RequeryJobsTotal.WithLabelValues("already_paid").Inc()
		return nil
	}

	stored, err := order.LastPurchase()
	if err != nil {
		return err
	}
	if stored == nil || stored.ID != job.PurchaseID {
		util.RequeryJobsTotal.WithLabelValues("superseded").Inc()
		s.logger.Debug("Requery for superseded purchase",
			util.OrderID(order.ID),
			util.PurchaseID(job.PurchaseID))
		return nil
	}

	gw, err := s.gateways.Get(job.GatewayID)
	if err != nil {
		util.RequeryJobsTotal.WithLabelValues("unknown_gateway").Inc()
		s.logger.Warn("Requery for unknown gateway", util.GatewayID(job.GatewayID))
		return nil
	}

	purchase, err := gw.Client.GetPayment(ctx, job.PurchaseID)
	if err != nil {
		util.RequeryJobsTotal.WithLabelValues("fetch_failed").Inc()
		s.logger.Warn("Requery fetch failed",
			util.OrderID(order.ID),
			util.PurchaseID(job.PurchaseID),
			zap.Int("attempt", job.Attempt),
			zap.Error(err))
		return s.requery.Schedule(ctx, job.PurchaseID, order.ID, gw.ID(), job.Attempt+1)
	}

	result, err := s.apply(ctx, order, gw, purchase, SourceRequery)
	if err != nil {
		return err
	}

	util.RequeryJobsTotal.WithLabelValues(result.Outcome).Inc()
	if result.Outcome == OutcomePending {
		return s.requery.Schedule(ctx, job.PurchaseID, order.ID, gw.ID(), job.Attempt+1)
	}
	return nil
}
