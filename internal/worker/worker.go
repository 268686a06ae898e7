package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"commerce-etl/internal/broker"
	"commerce-etl/internal/models"
	"commerce-etl/internal/util"
)

// Syncer runs ingestion and transform for one tenant platform.
type Syncer interface {
	SyncTenantPlatform(ctx context.Context, tenantID string, platform models.Platform, dataTypes []models.DataType) models.SyncReport
}

// CompletionPublisher reports the outcome of a requested sync.
type CompletionPublisher interface {
	PublishSyncCompleted(ctx context.Context, requestID string, report models.SyncReport) error
}

// MessageSource is satisfied by broker.Consumer.
type MessageSource interface {
	StartConsuming(ctx context.Context, handler broker.MessageHandler) error
	Close() error
}

// SyncWorker turns SYNC_REQUESTED events into pool tasks and publishes a
// SYNC_COMPLETED event for each one.
type SyncWorker struct {
	consumer     MessageSource
	eventHandler *broker.EventHandler
	pool         *Pool
	syncer       Syncer
	publisher    CompletionPublisher
	inflight     sync.WaitGroup
	logger       *zap.Logger
}

// NewSyncWorker creates a new sync worker
func NewSyncWorker(consumer MessageSource, pool *Pool, syncer Syncer, publisher CompletionPublisher) *SyncWorker {
	w := &SyncWorker{
		consumer:     consumer,
		eventHandler: broker.NewEventHandler(),
		pool:         pool,
		syncer:       syncer,
		publisher:    publisher,
		logger:       util.GetLogger().Named("sync-worker"),
	}
	w.eventHandler.OnSyncRequested(w.HandleSyncRequested)
	return w
}

// Start consumes until ctx is done.
func (w *SyncWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting sync worker")
	return w.consumer.StartConsuming(ctx, w.eventHandler.HandleMessage)
}

// Stop closes the consumer and waits for pending completions to publish.
func (w *SyncWorker) Stop() error {
	w.logger.Info("Stopping sync worker")
	err := w.consumer.Close()
	w.inflight.Wait()
	return err
}

// HandleSyncRequested queues the sync without waiting for it. A full queue
// is reported as a failed completion right away.
func (w *SyncWorker) HandleSyncRequested(ctx context.Context, event *models.SyncRequestedEvent) error {
	logger := w.logger.With(util.TenantFields(event.TenantID, string(event.Platform))...)
	if _, err := models.ParsePlatform(string(event.Platform)); err != nil || event.TenantID == "" {
		logger.Warn("Dropping malformed sync request", zap.String("event_id", event.EventID))
		return fmt.Errorf("malformed sync request %s", event.EventID)
	}

	var report models.SyncReport
	name := fmt.Sprintf("sync_%s_%s", event.TenantID, event.Platform)
	results, err := w.pool.Submit(name, func(ctx context.Context) error {
		report = w.syncer.SyncTenantPlatform(ctx, event.TenantID, event.Platform, event.DataTypes)
		if !report.Success {
			return fmt.Errorf("sync failed: %s", report.Error)
		}
		return nil
	})
	if err != nil {
		logger.Warn("Sync request rejected", zap.String("event_id", event.EventID), zap.Error(err))
		w.complete(event.EventID, models.SyncReport{
			TenantID: event.TenantID,
			Platform: event.Platform,
			Error:    fmt.Sprintf("not queued: %v", err),
		})
		return err
	}

	logger.Info("Sync request queued", zap.String("event_id", event.EventID), zap.String("source", event.Source))
	w.inflight.Add(1)
	go func() {
		defer w.inflight.Done()
		res, ok := <-results
		if report.TenantID == "" {
			// The task panicked or never ran.
			msg := "sync task did not report"
			if ok && res.Err != nil {
				msg = res.Err.Error()
			}
			report = models.SyncReport{TenantID: event.TenantID, Platform: event.Platform, Error: msg}
		}
		w.complete(event.EventID, report)
	}()
	return nil
}

func (w *SyncWorker) complete(requestID string, report models.SyncReport) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := w.publisher.PublishSyncCompleted(ctx, requestID, report); err != nil {
		w.logger.Error("Failed to publish sync completion", zap.String("request_id", requestID), zap.Error(err))
	}
}
