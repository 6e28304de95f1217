package worker

import (
	"context"
	"encoding/json"
	"time"

	"payment-service/internal/models"
	"payment-service/internal/redisclient"
	"payment-service/internal/util"

	"go.uber.org/zap"
)

// JobSource hands out due jobs under a lease
type JobSource interface {
	ClaimDueJobs(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]redisclient.ClaimedJob, error)
	AckJob(ctx context.Context, job redisclient.ClaimedJob) error
}

// JobPublisher sends a due job to the workers
type JobPublisher interface {
	PublishJob(ctx context.Context, job *models.Job) error
}

const (
	dispatchBatch = 100
	dispatchLease = time.Minute
)

// Dispatcher moves due jobs from the schedule onto the job topic. A job is
// acked only after it was published; otherwise its lease runs out and it is
// claimed again.
type Dispatcher struct {
	jobs      JobSource
	publisher JobPublisher
	interval  time.Duration
	logger    *zap.Logger
	now       func() time.Time
}

// NewDispatcher creates a new dispatcher
func NewDispatcher(jobs JobSource, publisher JobPublisher, interval time.Duration) *Dispatcher {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Dispatcher{
		jobs:      jobs,
		publisher: publisher,
		interval:  interval,
		logger:    util.GetLogger(),
		now:       time.Now,
	}
}

// Start dispatches due jobs every interval until ctx is cancelled
func (d *Dispatcher) Start(ctx context.Context) error {
	d.logger.Info("Starting job dispatcher", zap.Duration("interval", d.interval))

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("Stopping job dispatcher")
			return ctx.Err()
		case <-ticker.C:
			if _, err := d.DispatchDue(ctx); err != nil {
				d.logger.Error("Job dispatch failed", zap.Error(err))
			}
		}
	}
}

// DispatchDue publishes one batch of due jobs and returns how many went out
func (d *Dispatcher) DispatchDue(ctx context.Context) (int, error) {
	ctx, span := util.StartSpan(ctx, "Dispatcher.DispatchDue")
	defer span.End()

	claimed, err := d.jobs.ClaimDueJobs(ctx, d.now(), dispatchBatch, dispatchLease)
	if err != nil {
		util.RecordError(span, err)
		return 0, err
	}

	sent := 0
	for _, c := range claimed {
		var job models.Job
		if err := json.Unmarshal([]byte(c.Payload), &job); err != nil {
			d.logger.Error("Dropping undecodable job", zap.String("key", c.Key), zap.Error(err))
			if err := d.jobs.AckJob(ctx, c); err != nil {
				d.logger.Error("Failed to ack job", zap.String("key", c.Key), zap.Error(err))
			}
			continue
		}

		if err := d.publisher.PublishJob(ctx, &job); err != nil {
			d.logger.Warn("Failed to publish job, will retry after lease",
				zap.String("key", c.Key),
				zap.Error(err))
			continue
		}
		util.JobsDispatchedTotal.WithLabelValues(job.Type).Inc()

		if err := d.jobs.AckJob(ctx, c); err != nil {
			d.logger.Error("Failed to ack job", zap.String("key", c.Key), zap.Error(err))
			continue
		}
		sent++
	}

	return sent, nil
}
