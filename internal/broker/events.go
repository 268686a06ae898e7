package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"commerce-etl/internal/models"
	"commerce-etl/internal/util"
)

// EventWriter is satisfied by Producer.
type EventWriter interface {
	PublishEvent(ctx context.Context, key string, event interface{}) error
}

// EventPublisher handles publishing pipeline events
type EventPublisher struct {
	producer EventWriter
	now      func() time.Time
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(producer EventWriter) *EventPublisher {
	return &EventPublisher{producer: producer, now: time.Now}
}

func tenantKey(tenantID string) string {
	return fmt.Sprintf("tenant-%s", tenantID)
}

func (ep *EventPublisher) base(eventType string) models.BaseEvent {
	return models.BaseEvent{
		EventID:   uuid.NewString(),
		EventType: eventType,
		Timestamp: ep.now().UTC(),
	}
}

// PublishSyncRequested asks a sync worker to run ingestion and transform for
// one tenant platform. The returned event id correlates the completion.
func (ep *EventPublisher) PublishSyncRequested(ctx context.Context, tenantID string, platform models.Platform, dataTypes []models.DataType, source string) (*models.SyncRequestedEvent, error) {
	event := &models.SyncRequestedEvent{
		BaseEvent: ep.base(models.EventTypeSyncRequested),
		TenantID:  tenantID,
		Platform:  platform,
		DataTypes: dataTypes,
		Source:    source,
	}
	if err := ep.producer.PublishEvent(ctx, tenantKey(tenantID), event); err != nil {
		return nil, err
	}
	return event, nil
}

// PublishSyncCompleted publishes the outcome of a requested sync
func (ep *EventPublisher) PublishSyncCompleted(ctx context.Context, requestID string, report models.SyncReport) error {
	event := &models.SyncCompletedEvent{
		BaseEvent: ep.base(models.EventTypeSyncCompleted),
		RequestID: requestID,
		TenantID:  report.TenantID,
		Platform:  report.Platform,
		Success:   report.Success,
		Report:    report,
		Error:     report.Error,
	}
	return ep.producer.PublishEvent(ctx, tenantKey(report.TenantID), event)
}

// PublishMetricsCalculated publishes MetricsCalculated event
func (ep *EventPublisher) PublishMetricsCalculated(ctx context.Context, report models.MetricsReport) error {
	event := &models.MetricsCalculatedEvent{
		BaseEvent: ep.base(models.EventTypeMetricsCalculated),
		TenantID:  report.TenantID,
		Date:      report.Date,
		Rows:      len(report.Rows),
	}
	return ep.producer.PublishEvent(ctx, tenantKey(report.TenantID), event)
}

// EventHandler handles incoming events
type EventHandler struct {
	onSyncRequested func(context.Context, *models.SyncRequestedEvent) error
	logger          *zap.Logger
}

// NewEventHandler creates a new event handler
func NewEventHandler() *EventHandler {
	return &EventHandler{logger: util.GetLogger().Named("events")}
}

// OnSyncRequested registers a handler for SyncRequested events
func (eh *EventHandler) OnSyncRequested(handler func(context.Context, *models.SyncRequestedEvent) error) {
	eh.onSyncRequested = handler
}

// HandleMessage routes messages to appropriate handlers. Event types without
// a handler are ignored; completions and metrics events share the topic.
func (eh *EventHandler) HandleMessage(ctx context.Context, msg kafka.Message) error {
	var baseEvent models.BaseEvent
	if err := json.Unmarshal(msg.Value, &baseEvent); err != nil {
		return fmt.Errorf("failed to unmarshal base event: %w", err)
	}

	eh.logger.Debug("Handling event", zap.String("type", baseEvent.EventType), zap.String("event_id", baseEvent.EventID))

	switch baseEvent.EventType {
	case models.EventTypeSyncRequested:
		if eh.onSyncRequested != nil {
			var event models.SyncRequestedEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				return fmt.Errorf("failed to unmarshal SyncRequested event: %w", err)
			}
			return eh.onSyncRequested(ctx, &event)
		}

	case models.EventTypeSyncCompleted, models.EventTypeMetricsCalculated:

	default:
		eh.logger.Warn("Unhandled event type", zap.String("type", baseEvent.EventType))
	}

	return nil
}
