package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"payment-service/internal/util"

	"go.uber.org/zap"
)

// ErrLockTimeout is returned when the lock could not be taken in time
var ErrLockTimeout = errors.New("lock wait timed out")

// Locker hands out exclusive named leases
type Locker interface {
	Acquire(ctx context.Context, key string, timeout time.Duration) (Handle, error)
}

// Handle releases a held lease
type Handle interface {
	Release(ctx context.Context) error
}

// OrderKey is the lock key serialising state changes of one order
func OrderKey(orderID int64) string {
	return fmt.Sprintf("order:%d", orderID)
}

// Guard runs work under a per-order lock. When the lock cannot be taken
// the work still runs unless failClosed is set.
type Guard struct {
	locker     Locker
	timeout    time.Duration
	failClosed bool
	logger     *zap.Logger
}

// NewGuard creates a new order lock guard
func NewGuard(locker Locker, timeout time.Duration, failClosed bool) *Guard {
	return &Guard{
		locker:     locker,
		timeout:    timeout,
		failClosed: failClosed,
		logger:     util.GetLogger(),
	}
}

// WithOrderLock runs fn while holding the order's lock
func (g *Guard) WithOrderLock(ctx context.Context, orderID int64, fn func(ctx context.Context) error) error {
	ctx, span := util.StartOrderSpan(ctx, "Guard.WithOrderLock", orderID)
	defer span.End()

	start := time.Now()
	handle, err := g.locker.Acquire(ctx, OrderKey(orderID), g.timeout)
	util.LockWaitSeconds.Observe(time.Since(start).Seconds())

	if err != nil {
		util.RecordError(span, err)
		if g.failClosed {
			util.LockTimeoutsTotal.WithLabelValues("fail_closed").Inc()
			return fmt.Errorf("failed to lock order %d: %w", orderID, err)
		}
		util.LockTimeoutsTotal.WithLabelValues("fail_open").Inc()
		g.logger.Warn("Proceeding without order lock",
			util.OrderID(orderID),
			zap.Error(err),
		)
		return fn(ctx)
	}

	defer func() {
		// release must happen even when the caller's context is done
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := handle.Release(releaseCtx); err != nil {
			g.logger.Error("Failed to release order lock", util.OrderID(orderID), zap.Error(err))
		}
	}()

	return fn(ctx)
}

// poll retries try until it succeeds, the timeout passes or ctx is done
func poll(ctx context.Context, timeout, interval time.Duration, try func() (bool, error)) error {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		ok, err := try()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if !time.Now().Before(deadline) {
			return ErrLockTimeout
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
