package worker

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"commerce-etl/internal/broker"
	"commerce-etl/internal/models"
)

type stubSyncer struct {
	fail bool
}

func (s stubSyncer) SyncTenantPlatform(_ context.Context, tenantID string, platform models.Platform, _ []models.DataType) models.SyncReport {
	if s.fail {
		return models.SyncReport{TenantID: tenantID, Platform: platform, Error: "ingestion failed"}
	}
	return models.SyncReport{TenantID: tenantID, Platform: platform, Success: true}
}

type completion struct {
	requestID string
	report    models.SyncReport
}

type recordingPublisher struct {
	mu   sync.Mutex
	sent []completion
}

func (p *recordingPublisher) PublishSyncCompleted(_ context.Context, requestID string, report models.SyncReport) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, completion{requestID: requestID, report: report})
	return nil
}

// replaySource hands a fixed list of messages to the handler.
type replaySource struct {
	messages []kafka.Message
	errs     []error
	closed   bool
}

func (r *replaySource) StartConsuming(ctx context.Context, handler broker.MessageHandler) error {
	for _, m := range r.messages {
		r.errs = append(r.errs, handler(ctx, m))
	}
	return nil
}

func (r *replaySource) Close() error {
	r.closed = true
	return nil
}

func syncRequest(t *testing.T, id, tenant string, platform models.Platform) kafka.Message {
	t.Helper()
	body, err := json.Marshal(models.SyncRequestedEvent{
		BaseEvent: models.BaseEvent{EventID: id, EventType: models.EventTypeSyncRequested},
		TenantID:  tenant,
		Platform:  platform,
		Source:    "api",
	})
	require.NoError(t, err)
	return kafka.Message{Value: body}
}

func TestSyncWorker_PublishesCompletions(t *testing.T) {
	pool := NewPool(2, 4)
	pool.Start(context.Background())
	defer pool.Stop(context.Background())

	src := &replaySource{messages: []kafka.Message{
		syncRequest(t, "e1", "t1", models.PlatformShopify),
		syncRequest(t, "e2", "t2", models.PlatformAmazon),
	}}
	pub := &recordingPublisher{}
	w := NewSyncWorker(src, pool, stubSyncer{}, pub)

	require.NoError(t, w.Start(context.Background()))
	require.NoError(t, w.Stop())

	assert.True(t, src.closed)
	assert.Equal(t, []error{nil, nil}, src.errs)
	require.Len(t, pub.sent, 2)
	byID := map[string]models.SyncReport{}
	for _, c := range pub.sent {
		byID[c.requestID] = c.report
	}
	assert.True(t, byID["e1"].Success)
	assert.Equal(t, models.PlatformAmazon, byID["e2"].Platform)
}

func TestSyncWorker_ReportsFailedSync(t *testing.T) {
	pool := NewPool(1, 4)
	pool.Start(context.Background())
	defer pool.Stop(context.Background())

	pub := &recordingPublisher{}
	w := NewSyncWorker(&replaySource{}, pool, stubSyncer{fail: true}, pub)

	require.NoError(t, w.HandleSyncRequested(context.Background(), &models.SyncRequestedEvent{
		BaseEvent: models.BaseEvent{EventID: "e1"},
		TenantID:  "t1",
		Platform:  models.PlatformWalmart,
	}))
	require.NoError(t, w.Stop())

	require.Len(t, pub.sent, 1)
	assert.False(t, pub.sent[0].report.Success)
	assert.Equal(t, "ingestion failed", pub.sent[0].report.Error)
}

func TestSyncWorker_RejectsWhenPoolStopped(t *testing.T) {
	pool := NewPool(1, 1)
	pool.Start(context.Background())
	require.NoError(t, pool.Stop(context.Background()))

	pub := &recordingPublisher{}
	w := NewSyncWorker(&replaySource{}, pool, stubSyncer{}, pub)

	err := w.HandleSyncRequested(context.Background(), &models.SyncRequestedEvent{
		BaseEvent: models.BaseEvent{EventID: "e1"},
		TenantID:  "t1",
		Platform:  models.PlatformShopify,
	})
	assert.ErrorIs(t, err, ErrPoolStopped)
	require.Len(t, pub.sent, 1)
	assert.Contains(t, pub.sent[0].report.Error, "not queued")
}

func TestSyncWorker_DropsMalformedRequest(t *testing.T) {
	pool := NewPool(1, 1)
	pub := &recordingPublisher{}
	w := NewSyncWorker(&replaySource{}, pool, stubSyncer{}, pub)

	err := w.HandleSyncRequested(context.Background(), &models.SyncRequestedEvent{TenantID: "t1", Platform: "ebay"})
	assert.Error(t, err)
	assert.Empty(t, pub.sent)
}
