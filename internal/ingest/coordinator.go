package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"commerce-etl/internal/connector"
	"commerce-etl/internal/models"
	"commerce-etl/internal/util"
)

// ConnectorFactory builds a connector for one credential.
type ConnectorFactory interface {
	New(cred *models.PlatformCredential) (connector.Connector, error)
}

// StagingWriter persists raw records.
type StagingWriter interface {
	InsertMany(ctx context.Context, platform models.Platform, docs []models.StagedDocument) (int, error)
}

type Config struct {
	BatchSize       int
	PageSize        int
	TypeConcurrency int
	FetchTimeout    time.Duration
	InitialLookback time.Duration
	SyncOverlap     time.Duration
}

func (c *Config) setDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 1000
	}
	if c.TypeConcurrency <= 0 {
		c.TypeConcurrency = 2
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = 10 * time.Minute
	}
	if c.InitialLookback <= 0 {
		c.InitialLookback = 30 * 24 * time.Hour
	}
}

// Coordinator drives one connector per run and stages everything it fetches.
type Coordinator struct {
	connectors ConnectorFactory
	staging    StagingWriter
	cfg        Config
	now        func() time.Time
	logger     *zap.Logger
}

func NewCoordinator(connectors ConnectorFactory, staging StagingWriter, cfg Config) *Coordinator {
	cfg.setDefaults()
	return &Coordinator{
		connectors: connectors,
		staging:    staging,
		cfg:        cfg,
		now:        time.Now,
		logger:     util.GetLogger().Named("ingest"),
	}
}

// Since returns the incremental window start for cred.
func (c *Coordinator) Since(cred *models.PlatformCredential) time.Time {
	if cred.LastSyncAt != nil && !cred.LastSyncAt.IsZero() {
		return cred.LastSyncAt.Add(-c.cfg.SyncOverlap).UTC()
	}
	return c.now().Add(-c.cfg.InitialLookback).UTC()
}

// Run fetches each requested data type the platform supports. Types fail
// independently, except that an authentication failure aborts the whole run.
// An empty dataTypes means every type the connector declares.
func (c *Coordinator) Run(ctx context.Context, cred *models.PlatformCredential, dataTypes []models.DataType) models.IngestionReport {
	ctx, span := util.StartTenantSpan(ctx, "Coordinator.Run", cred.TenantID, string(cred.Platform))
	defer span.End()

	logger := c.logger.With(util.TenantFields(cred.TenantID, string(cred.Platform))...)
	report := models.IngestionReport{
		TenantID:  cred.TenantID,
		Platform:  cred.Platform,
		StartedAt: c.now().UTC(),
	}

	conn, err := c.connectors.New(cred)
	if err != nil {
		logger.Error("Failed to build connector", zap.Error(err))
		report.Error = err.Error()
		return c.finish(&report)
	}
	defer func() {
		if err := conn.Close(); err != nil {
			logger.Warn("Failed to close connector", zap.Error(err))
		}
	}()

	types := c.selectTypes(conn, dataTypes, logger)
	opts := connector.FetchOptions{Since: c.Since(cred), PageSize: c.cfg.PageSize}

	runCtx, abort := context.WithCancel(ctx)
	defer abort()

	var (
		mu      sync.Mutex
		authErr error
	)
	results := make([]models.DataTypeResult, len(types))

	var g errgroup.Group
	g.SetLimit(c.cfg.TypeConcurrency)
	for i, dt := range types {
		g.Go(func() error {
			if runCtx.Err() != nil {
				results[i] = models.DataTypeResult{DataType: dt, Error: "skipped: run aborted after authentication failure"}
				return nil
			}
			res, err := c.fetchType(runCtx, conn, cred, dt, opts)
			results[i] = res
			if connector.IsAuthError(err) {
				mu.Lock()
				if authErr == nil {
					authErr = err
				}
				mu.Unlock()
				abort()
			}
			return nil
		})
	}
	_ = g.Wait()

	report.Results = results
	if authErr != nil {
		report.Error = authErr.Error()
		util.RecordError(span, authErr)
	}

	c.finish(&report)
	logger.Info("Ingestion finished",
		zap.String("status", report.Status),
		zap.Int("types", len(types)),
		zap.Duration("duration", report.FinishedAt.Sub(report.StartedAt)),
	)
	return report
}

// Check builds a connector for cred and pings the platform when the
// connector supports it.
func (c *Coordinator) Check(ctx context.Context, cred *models.PlatformCredential) error {
	ctx, span := util.StartTenantSpan(ctx, "Coordinator.Check", cred.TenantID, string(cred.Platform))
	defer span.End()

	conn, err := c.connectors.New(cred)
	if err != nil {
		util.RecordError(span, err)
		return fmt.Errorf("failed to build connector: %w", err)
	}
	defer conn.Close()

	p, ok := conn.(connector.Pinger)
	if !ok {
		return nil
	}
	if err := p.Ping(ctx); err != nil {
		util.RecordError(span, err)
		return err
	}
	return nil
}

func (c *Coordinator) finish(report *models.IngestionReport) models.IngestionReport {
	report.Finalize()
	util.IngestionRunsTotal.WithLabelValues(string(report.Platform), report.Status).Inc()
	return *report
}

func (c *Coordinator) selectTypes(conn connector.Connector, requested []models.DataType, logger *zap.Logger) []models.DataType {
	if len(requested) == 0 {
		return conn.DataTypes()
	}
	out := make([]models.DataType, 0, len(requested))
	seen := make(map[models.DataType]bool)
	for _, dt := range requested {
		if seen[dt] {
			continue
		}
		seen[dt] = true
		if !connector.Supports(conn, dt) {
			logger.Debug("Skipping unsupported data type", zap.String("data_type", string(dt)))
			continue
		}
		out = append(out, dt)
	}
	return out
}

// fetchType streams one data type into staging, flushing every BatchSize records.
func (c *Coordinator) fetchType(ctx context.Context, conn connector.Connector, cred *models.PlatformCredential, dt models.DataType, opts connector.FetchOptions) (models.DataTypeResult, error) {
	res := models.DataTypeResult{DataType: dt}
	logger := c.logger.With(append(util.TenantFields(cred.TenantID, string(cred.Platform)), zap.String("data_type", string(dt)))...)

	fetchCtx, cancel := context.WithTimeout(ctx, c.cfg.FetchTimeout)
	defer cancel()

	buf := make([]models.StagedDocument, 0, c.cfg.BatchSize)
	flush := func(ctx context.Context) {
		if len(buf) == 0 {
			return
		}
		n, err := c.staging.InsertMany(ctx, cred.Platform, buf)
		res.Staged += n
		util.RecordsStagedTotal.WithLabelValues(string(cred.Platform), string(dt)).Add(float64(n))
		if err != nil {
			res.FailedBatches++
			util.StagingBatchFailuresTotal.WithLabelValues(string(cred.Platform)).Inc()
			logger.Error("Failed to stage batch", zap.Int("size", len(buf)), zap.Error(err))
		}
		buf = make([]models.StagedDocument, 0, c.cfg.BatchSize)
	}

	fetchErr := connector.Fetch(fetchCtx, conn, dt, opts, func(records []connector.Record) error {
		res.Fetched += len(records)
		util.RecordsFetchedTotal.WithLabelValues(string(cred.Platform), string(dt)).Add(float64(len(records)))
		fetchedAt := c.now().UTC()
		for _, r := range records {
			buf = append(buf, models.StagedDocument{
				TenantID:  cred.TenantID,
				Platform:  cred.Platform,
				DataType:  dt,
				Payload:   r,
				FetchedAt: fetchedAt,
			})
			if len(buf) >= c.cfg.BatchSize {
				flush(fetchCtx)
			}
		}
		return nil
	})

	// Records already fetched are staged even when the fetch failed part way.
	tailCtx, tailCancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	flush(tailCtx)
	tailCancel()

	switch {
	case fetchErr != nil:
		if errors.Is(fetchErr, context.DeadlineExceeded) && fetchCtx.Err() != nil {
			fetchErr = fmt.Errorf("fetch timed out after %s: %w", c.cfg.FetchTimeout, fetchErr)
		}
		res.Error = fetchErr.Error()
		logger.Error("Fetch failed", zap.Int("fetched", res.Fetched), zap.Error(fetchErr))
	case res.FailedBatches > 0:
		res.Error = fmt.Sprintf("%d staging batches failed", res.FailedBatches)
	default:
		logger.Debug("Fetch complete", zap.Int("fetched", res.Fetched), zap.Int("staged", res.Staged))
	}
	return res, fetchErr
}
