package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"commerce-etl/internal/models"
	"commerce-etl/internal/rollup"
	"commerce-etl/internal/store"
	"commerce-etl/internal/util"
)

var ErrNoCredential = errors.New("no active credential")

// CredentialSource enumerates tenants and their platform credentials.
type CredentialSource interface {
	ActiveCredentials(ctx context.Context, platforms []models.Platform) ([]models.PlatformCredential, error)
	GetCredential(ctx context.Context, tenantID string, platform models.Platform) (*models.PlatformCredential, error)
	ActiveTenants(ctx context.Context) ([]models.Tenant, error)
	UpdateLastSync(ctx context.Context, credentialID string, at time.Time) error
}

type Ingester interface {
	Run(ctx context.Context, cred *models.PlatformCredential, dataTypes []models.DataType) models.IngestionReport
	Check(ctx context.Context, cred *models.PlatformCredential) error
}

type Transformer interface {
	Process(ctx context.Context, tenantID string, platform models.Platform) models.TransformReport
}

type MetricsRunner interface {
	Run(ctx context.Context, tenantID string, date time.Time) models.MetricsReport
	Backfill(ctx context.Context, tenantID string, start, end time.Time) models.BackfillReport
}

// MetricsNotifier is told about every saved rollup.
type MetricsNotifier interface {
	PublishMetricsCalculated(ctx context.Context, report models.MetricsReport) error
}

// PipelineService runs ingestion, transform and rollups for one tenant or
// fans them out across every active tenant.
type PipelineService struct {
	credentials CredentialSource
	ingester    Ingester
	transformer Transformer
	metrics     MetricsRunner
	notifier    MetricsNotifier
	concurrency int
	now         func() time.Time
	logger      *zap.Logger
}

// NewPipelineService creates a new pipeline service. notifier may be nil.
func NewPipelineService(
	credentials CredentialSource,
	ingester Ingester,
	transformer Transformer,
	metrics MetricsRunner,
	notifier MetricsNotifier,
	tenantConcurrency int,
) *PipelineService {
	if tenantConcurrency <= 0 {
		tenantConcurrency = 4
	}
	return &PipelineService{
		credentials: credentials,
		ingester:    ingester,
		transformer: transformer,
		metrics:     metrics,
		notifier:    notifier,
		concurrency: tenantConcurrency,
		now:         time.Now,
		logger:      util.GetLogger().Named("pipeline"),
	}
}

// Credential returns the active credential for a tenant platform.
func (s *PipelineService) Credential(ctx context.Context, tenantID string, platform models.Platform) (*models.PlatformCredential, error) {
	cred, err := s.credentials.GetCredential(ctx, tenantID, platform)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w for tenant %s on %s", ErrNoCredential, tenantID, platform)
		}
		return nil, err
	}
	if !cred.IsActive {
		return nil, fmt.Errorf("%w for tenant %s on %s", ErrNoCredential, tenantID, platform)
	}
	return cred, nil
}

// CheckConnection verifies a tenant's credential against the platform.
func (s *PipelineService) CheckConnection(ctx context.Context, tenantID string, platform models.Platform) error {
	cred, err := s.Credential(ctx, tenantID, platform)
	if err != nil {
		return err
	}
	if err := s.ingester.Check(ctx, cred); err != nil {
		s.logger.Warn("Connection check failed",
			append(util.TenantFields(tenantID, string(platform)), zap.Error(err))...)
		return err
	}
	return nil
}

// RunIngestion fetches and stages data for one credential. The last sync
// time only advances when every data type succeeded, and it advances to the
// run's start so records created mid-run are fetched again next time.
func (s *PipelineService) RunIngestion(ctx context.Context, cred *models.PlatformCredential, dataTypes []models.DataType) models.IngestionReport {
	ctx, span := util.StartTenantSpan(ctx, "PipelineService.RunIngestion", cred.TenantID, string(cred.Platform))
	defer span.End()

	report := s.ingester.Run(ctx, cred, dataTypes)
	if !report.Success {
		return report
	}
	if err := s.credentials.UpdateLastSync(ctx, cred.ID, report.StartedAt); err != nil {
		util.RecordError(span, err)
		s.logger.Warn("Failed to update last sync time",
			append(util.TenantFields(cred.TenantID, string(cred.Platform)), zap.Error(err))...)
		return report
	}
	synced := report.StartedAt
	cred.LastSyncAt = &synced
	return report
}

// SyncTenantPlatform ingests then transforms one tenant platform.
func (s *PipelineService) SyncTenantPlatform(ctx context.Context, tenantID string, platform models.Platform, dataTypes []models.DataType) models.SyncReport {
	cred, err := s.Credential(ctx, tenantID, platform)
	if err != nil {
		return models.SyncReport{TenantID: tenantID, Platform: platform, Error: err.Error()}
	}
	return s.sync(ctx, cred, dataTypes)
}

// sync always runs the transform: documents staged by an earlier, partly
// failed run are still waiting.
func (s *PipelineService) sync(ctx context.Context, cred *models.PlatformCredential, dataTypes []models.DataType) models.SyncReport {
	ctx, span := util.StartTenantSpan(ctx, "PipelineService.Sync", cred.TenantID, string(cred.Platform))
	defer span.End()

	ingestion := s.RunIngestion(ctx, cred, dataTypes)
	transform := s.transformer.Process(ctx, cred.TenantID, cred.Platform)

	report := models.SyncReport{
		TenantID:  cred.TenantID,
		Platform:  cred.Platform,
		Ingestion: &ingestion,
		Transform: &transform,
		Success:   ingestion.Success && transform.Success,
	}
	var problems []string
	if !ingestion.Success {
		msg := "ingestion " + ingestion.Status
		if ingestion.Error != "" {
			msg += ": " + ingestion.Error
		}
		problems = append(problems, msg)
	}
	if !transform.Success {
		problems = append(problems, "transform: "+strings.Join(transform.Errors, "; "))
	}
	report.Error = strings.Join(problems, "; ")
	return report
}

// SyncAll syncs every active credential.
func (s *PipelineService) SyncAll(ctx context.Context, dataTypes []models.DataType) models.FanoutReport {
	return s.syncFanout(ctx, jobName("sync_all", dataTypes), nil, dataTypes)
}

// SyncPlatform syncs every active credential of one platform.
func (s *PipelineService) SyncPlatform(ctx context.Context, platform models.Platform, dataTypes []models.DataType) models.FanoutReport {
	return s.syncFanout(ctx, jobName("sync_"+string(platform), dataTypes), []models.Platform{platform}, dataTypes)
}

func jobName(prefix string, dataTypes []models.DataType) string {
	if len(dataTypes) == 0 {
		return prefix
	}
	parts := make([]string, len(dataTypes))
	for i, dt := range dataTypes {
		parts[i] = string(dt)
	}
	return prefix + ":" + strings.Join(parts, ",")
}

func (s *PipelineService) syncFanout(ctx context.Context, job string, platforms []models.Platform, dataTypes []models.DataType) models.FanoutReport {
	ctx, span := util.StartSpan(ctx, "PipelineService.SyncFanout")
	defer span.End()

	report := models.FanoutReport{Job: job}
	creds, err := s.credentials.ActiveCredentials(ctx, platforms)
	if err != nil {
		util.RecordError(span, err)
		report.Failed = 1
		report.Attempted = 1
		report.Errors = append(report.Errors, fmt.Sprintf("failed to load credentials: %v", err))
		s.logger.Error("Failed to load credentials", zap.String("job", job), zap.Error(err))
		return report
	}

	syncs := make([]models.SyncReport, len(creds))
	s.fanout(ctx, len(creds), func(ctx context.Context, i int) {
		syncs[i] = s.sync(ctx, &creds[i], dataTypes)
	})

	report.Attempted = len(creds)
	report.Syncs = syncs
	for _, r := range syncs {
		if r.Success {
			report.Succeeded++
			continue
		}
		report.Failed++
		report.Errors = append(report.Errors, fmt.Sprintf("%s/%s: %s", r.TenantID, r.Platform, r.Error))
		s.logger.Warn("Tenant sync failed",
			append(util.TenantFields(r.TenantID, string(r.Platform)), zap.String("job", job), zap.String("error", r.Error))...)
	}
	s.logger.Info("Sync fan-out finished",
		zap.String("job", job),
		zap.Int("attempted", report.Attempted),
		zap.Int("succeeded", report.Succeeded),
		zap.Int("failed", report.Failed),
	)
	return report
}

// fanout runs n units with bounded concurrency. Units never abort each other.
func (s *PipelineService) fanout(ctx context.Context, n int, unit func(ctx context.Context, i int)) {
	var g errgroup.Group
	g.SetLimit(s.concurrency)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error("Fan-out unit panicked", zap.Int("unit", i), zap.Any("panic", r))
				}
			}()
			unit(ctx, i)
			return nil
		})
	}
	_ = g.Wait()
}

// CalculateMetrics computes and saves one tenant day.
func (s *PipelineService) CalculateMetrics(ctx context.Context, tenantID string, date time.Time) models.MetricsReport {
	ctx, span := util.StartSpan(ctx, "PipelineService.CalculateMetrics")
	defer span.End()

	report := s.metrics.Run(ctx, tenantID, date)
	if report.Success && s.notifier != nil {
		if err := s.notifier.PublishMetricsCalculated(ctx, report); err != nil {
			s.logger.Warn("Failed to publish metrics event", zap.String("tenant_id", tenantID), zap.Error(err))
		}
	}
	return report
}

func (s *PipelineService) BackfillMetrics(ctx context.Context, tenantID string, start, end time.Time) models.BackfillReport {
	ctx, span := util.StartSpan(ctx, "PipelineService.BackfillMetrics")
	defer span.End()

	report := s.metrics.Backfill(ctx, tenantID, start, end)
	s.logger.Info("Metrics backfill finished",
		zap.String("tenant_id", tenantID),
		zap.String("start", report.Start),
		zap.String("end", report.End),
		zap.Int("succeeded", report.Succeeded),
		zap.Strings("failed_dates", report.FailedDates),
	)
	return report
}

// CalculateDailyMetricsAll rolls up yesterday (UTC) for every active tenant.
func (s *PipelineService) CalculateDailyMetricsAll(ctx context.Context) models.FanoutReport {
	ctx, span := util.StartSpan(ctx, "PipelineService.CalculateDailyMetricsAll")
	defer span.End()

	day := rollup.Day(s.now()).AddDate(0, 0, -1)
	report := models.FanoutReport{Job: "daily_metrics"}

	tenants, err := s.credentials.ActiveTenants(ctx)
	if err != nil {
		util.RecordError(span, err)
		report.Attempted, report.Failed = 1, 1
		report.Errors = append(report.Errors, fmt.Sprintf("failed to load tenants: %v", err))
		return report
	}

	var mu sync.Mutex
	s.fanout(ctx, len(tenants), func(ctx context.Context, i int) {
		r := s.CalculateMetrics(ctx, tenants[i].ID, day)
		mu.Lock()
		defer mu.Unlock()
		if r.Success {
			report.Succeeded++
			return
		}
		report.Failed++
		report.Errors = append(report.Errors, fmt.Sprintf("%s: %s", tenants[i].ID, r.Error))
	})
	report.Attempted = len(tenants)

	s.logger.Info("Daily metrics finished",
		zap.String("date", day.Format("2006-01-02")),
		zap.Int("tenants", report.Attempted),
		zap.Int("failed", report.Failed),
	)
	return report
}
