package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"payment-service/internal/models"
)

// JobStore is the redis side of the job schedule
type JobStore interface {
	ScheduleJob(ctx context.Context, key, payload string, runAt time.Time) error
	CancelJob(ctx context.Context, key string) error
}

// Queue keeps one pending job per slot. Scheduling a job replaces any job
// already waiting in the same slot.
type Queue struct {
	store JobStore
}

// NewQueue creates a new job queue
func NewQueue(store JobStore) *Queue {
	return &Queue{store: store}
}

// Schedule stores job to run at job.RunAt
func (q *Queue) Schedule(ctx context.Context, job *models.Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	if err := q.store.ScheduleJob(ctx, job.Key(), string(payload), job.RunAt); err != nil {
		return fmt.Errorf("failed to schedule job: %w", err)
	}
	return nil
}

// Cancel drops the pending job in slot key
func (q *Queue) Cancel(ctx context.Context, key string) error {
	if err := q.store.CancelJob(ctx, key); err != nil {
		return fmt.Errorf("failed to cancel job: %w", err)
	}
	return nil
}
