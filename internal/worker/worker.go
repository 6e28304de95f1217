package worker

import (
	"context"
	"fmt"

	"payment-service/internal/broker"
	"payment-service/internal/models"
	"payment-service/internal/util"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// JobRunner executes deferred payment work
type JobRunner interface {
	HandleRequery(ctx context.Context, job *models.Job) error
	ProcessRenewal(ctx context.Context, job *models.Job) error
}

// ProcessedLog remembers which jobs already ran
type ProcessedLog interface {
	IsEventProcessed(ctx context.Context, eventID string) (bool, error)
	MarkEventProcessed(ctx context.Context, eventID, eventType string) error
}

// JobWorker consumes the job topic and runs each job once
type JobWorker struct {
	consumer  *broker.Consumer
	handler   *broker.JobHandler
	processed ProcessedLog
	logger    *zap.Logger
}

// NewJobWorker creates a new job worker
func NewJobWorker(consumer *broker.Consumer, runner JobRunner, processed ProcessedLog) *JobWorker {
	handler := broker.NewJobHandler()
	handler.OnRequery(runner.HandleRequery)
	handler.OnRenewal(runner.ProcessRenewal)

	return &JobWorker{
		consumer:  consumer,
		handler:   handler,
		processed: processed,
		logger:    util.GetLogger(),
	}
}

// Start starts the worker
func (w *JobWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting job worker")
	return w.consumer.StartConsuming(ctx, w.HandleMessage)
}

// Stop stops the worker
func (w *JobWorker) Stop() error {
	w.logger.Info("Stopping job worker")
	return w.consumer.Close()
}

// HandleMessage runs one job message. Redelivered jobs are skipped.
func (w *JobWorker) HandleMessage(ctx context.Context, msg kafka.Message) error {
	job, err := broker.Decode(msg)
	if err != nil {
		w.logger.Error("Skipping undecodable job message", zap.Int64("offset", msg.Offset), zap.Error(err))
		return nil
	}

	ctx, span := util.StartOrderSpan(ctx, "JobWorker.HandleMessage", job.OrderID)
	defer span.End()

	processed, err := w.processed.IsEventProcessed(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("failed to check job processed: %w", err)
	}
	if processed {
		w.logger.Info("Job already processed", zap.String("job_id", job.ID))
		return nil
	}

	if err := w.handler.Handle(ctx, job); err != nil {
		util.RecordError(span, err)
		return err
	}

	if err := w.processed.MarkEventProcessed(ctx, job.ID, job.Type); err != nil {
		w.logger.Error("Failed to mark job processed", zap.String("job_id", job.ID), zap.Error(err))
	}
	return nil
}
