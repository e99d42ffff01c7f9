package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noah-isme/service-portal-api/internal/models"
	"github.com/noah-isme/service-portal-api/pkg/jobs"
)

type eventPublisher interface {
	Publish(ctx context.Context, eventType string, payload []byte) error
}

// eventEmitter is what the workflow services depend on. Emit never fails the caller.
type eventEmitter interface {
	Emit(event models.Event)
}

// NotificationService dispatches workflow events to the publisher on a background queue.
type NotificationService struct {
	queue     *jobs.Queue
	publisher eventPublisher
	metrics   *MetricsService
	logger    *zap.Logger
	now       func() time.Time
}

// NewNotificationService wires a dispatch queue in front of publisher.
func NewNotificationService(publisher eventPublisher, metrics *MetricsService, logger *zap.Logger, cfg jobs.QueueConfig) *NotificationService {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &NotificationService{
		publisher: publisher,
		metrics:   metrics,
		logger:    logger,
		now:       time.Now,
	}
	cfg.Logger = logger
	cfg.OnDrop = func(job jobs.Job, err error) {
		s.metrics.NotificationFailed(job.Type)
	}
	s.queue = jobs.NewQueue("notifications", s.deliver, cfg)
	return s
}

// Start launches the dispatch workers.
func (s *NotificationService) Start(ctx context.Context) {
	s.queue.Start(ctx)
}

// Stop drains in-flight deliveries and stops the workers.
func (s *NotificationService) Stop() {
	s.queue.Stop()
}

// Emit enqueues event without blocking. A full or stopped queue drops the event with a log entry.
func (s *NotificationService) Emit(event models.Event) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = s.now().UTC()
	}
	job := jobs.Job{ID: event.ID, Type: event.Type, Payload: event, Enqueued: event.OccurredAt}
	if err := s.queue.TryEnqueue(job); err != nil {
		s.metrics.NotificationFailed(event.Type)
		s.logger.Warn("notification dropped",
			zap.String("event_id", event.ID),
			zap.String("type", event.Type),
			zap.String("submission_id", event.SubmissionID),
			zap.Error(err),
		)
	}
}

func (s *NotificationService) deliver(ctx context.Context, job jobs.Job) error {
	event, ok := job.Payload.(models.Event)
	if !ok {
		return fmt.Errorf("unexpected notification payload %T", job.Payload)
	}
	body, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return s.publisher.Publish(ctx, event.Type, body)
}
