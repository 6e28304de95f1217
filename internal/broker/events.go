package broker

import (
	"context"
	"encoding/json"
	"fmt"

	"payment-service/internal/models"
	"payment-service/internal/util"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// EventPublisher publishes order payment events
type EventPublisher struct {
	producer *Producer
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(producer *Producer) *EventPublisher {
	return &EventPublisher{producer: producer}
}

// PublishPaymentEvent publishes an order transition keyed by order
func (ep *EventPublisher) PublishPaymentEvent(ctx context.Context, event *models.PaymentEvent) error {
	key := fmt.Sprintf("order-%d", event.OrderID)
	return ep.producer.PublishEvent(ctx, key, event)
}

// JobPublisher hands due jobs to the job topic
type JobPublisher struct {
	producer *Producer
}

// NewJobPublisher creates a new job publisher
func NewJobPublisher(producer *Producer) *JobPublisher {
	return &JobPublisher{producer: producer}
}

// PublishJob publishes a job keyed by its slot so reruns of one purchase
// stay ordered
func (jp *JobPublisher) PublishJob(ctx context.Context, job *models.Job) error {
	return jp.producer.PublishEvent(ctx, job.Key(), job)
}

// JobHandler routes job messages to registered handlers
type JobHandler struct {
	onRequery func(context.Context, *models.Job) error
	onRenewal func(context.Context, *models.Job) error
	logger    *zap.Logger
}

// NewJobHandler creates a new job handler
func NewJobHandler() *JobHandler {
	return &JobHandler{logger: util.GetLogger()}
}

// OnRequery registers the handler for requery jobs
func (jh *JobHandler) OnRequery(handler func(context.Context, *models.Job) error) {
	jh.onRequery = handler
}

// OnRenewal registers the handler for renewal jobs
func (jh *JobHandler) OnRenewal(handler func(context.Context, *models.Job) error) {
	jh.onRenewal = handler
}

// Decode parses a job message
func Decode(msg kafka.Message) (*models.Job, error) {
	var job models.Job
	if err := json.Unmarshal(msg.Value, &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	return &job, nil
}

// Handle routes a decoded job
func (jh *JobHandler) Handle(ctx context.Context, job *models.Job) error {
	jh.logger.Debug("Handling job",
		zap.String("job_id", job.ID),
		zap.String("type", job.Type),
		util.OrderID(job.OrderID))

	switch job.Type {
	case models.JobTypeRequery:
		if jh.onRequery != nil {
			return jh.onRequery(ctx, job)
		}
	case models.JobTypeRenewal:
		if jh.onRenewal != nil {
			return jh.onRenewal(ctx, job)
		}
	default:
		jh.logger.Warn("Unhandled job type", zap.String("type", job.Type))
	}

	return nil
}
