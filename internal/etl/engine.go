package etl

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"commerce-etl/internal/models"
	"commerce-etl/internal/util"
)

// StagingReader is the read side of the staging store.
type StagingReader interface {
	FetchUnprocessed(ctx context.Context, tenantID string, platform models.Platform, afterID string, limit int) ([]models.StagedDocument, error)
	MarkProcessed(ctx context.Context, platform models.Platform, ids []string) (int64, error)
}

// CanonicalStore writes one batch in one transaction. Orders already present
// by natural key are counted as duplicates and left untouched.
type CanonicalStore interface {
	WriteBatch(ctx context.Context, batch *models.CanonicalBatch) (models.BatchOutcome, error)
}

type Config struct {
	BatchSize int
}

// Engine moves staged documents into the canonical store.
type Engine struct {
	staging  StagingReader
	store    CanonicalStore
	registry *Registry
	cfg      Config
	logger   *zap.Logger
}

func NewEngine(staging StagingReader, store CanonicalStore, registry *Registry, cfg Config) *Engine {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if registry == nil {
		registry = DefaultRegistry()
	}
	return &Engine{
		staging:  staging,
		store:    store,
		registry: registry,
		cfg:      cfg,
		logger:   util.GetLogger().Named("etl"),
	}
}

// Process transforms every unprocessed document for the tenant and platform.
// A failed batch is rolled back and left unprocessed; later batches still run.
func (e *Engine) Process(ctx context.Context, tenantID string, platform models.Platform) models.TransformReport {
	ctx, span := util.StartTenantSpan(ctx, "Engine.Process", tenantID, string(platform))
	defer span.End()

	logger := e.logger.With(util.TenantFields(tenantID, string(platform))...)
	report := models.TransformReport{
		TenantID:  tenantID,
		Platform:  platform,
		StartedAt: time.Now().UTC(),
	}
	warned := make(map[models.DataType]bool)

	afterID := ""
	for {
		if err := ctx.Err(); err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("transform interrupted: %v", err))
			break
		}
		docs, err := e.staging.FetchUnprocessed(ctx, tenantID, platform, afterID, e.cfg.BatchSize)
		if err != nil {
			logger.Error("Failed to read staged documents", zap.Error(err))
			report.Errors = append(report.Errors, err.Error())
			util.RecordError(span, err)
			break
		}
		if len(docs) == 0 {
			break
		}
		afterID = docs[len(docs)-1].ID

		if err := e.processBatch(ctx, &report, platform, docs, warned, logger); err != nil {
			report.FailedBatches++
			report.Errors = append(report.Errors, err.Error())
			logger.Error("Transform batch failed",
				zap.Int("size", len(docs)),
				zap.String("first_id", docs[0].ID),
				zap.Error(err),
			)
		}
		if len(docs) < e.cfg.BatchSize {
			break
		}
	}

	report.FinishedAt = time.Now().UTC()
	report.Success = len(report.Errors) == 0
	logger.Info("Transform finished",
		zap.Int("scanned", report.Scanned),
		zap.Int("inserted", report.Inserted),
		zap.Int("duplicates", report.Duplicates),
		zap.Int("upserted", report.Upserted),
		zap.Int("invalid", report.Invalid),
		zap.Int("skipped", report.Skipped),
		zap.Int("failed_batches", report.FailedBatches),
	)
	return report
}

func (e *Engine) processBatch(ctx context.Context, report *models.TransformReport, platform models.Platform, docs []models.StagedDocument, warned map[models.DataType]bool, logger *zap.Logger) error {
	start := time.Now()
	defer func() {
		util.TransformBatchLatency.Observe(time.Since(start).Seconds())
	}()

	batch := &models.CanonicalBatch{TenantID: report.TenantID, Platform: platform}
	done := make([]string, 0, len(docs))
	skipped, invalid := 0, 0

	for _, doc := range docs {
		fn, ok := e.registry.Lookup(platform, doc.DataType)
		if !ok {
			// Nothing maps this type yet; the raw payload stays in staging
			// but is not rescanned on every run.
			skipped++
			done = append(done, doc.ID)
			if !warned[doc.DataType] {
				warned[doc.DataType] = true
				logger.Warn("No transformer for data type, marking documents processed", zap.String("data_type", string(doc.DataType)))
			}
			continue
		}

		res, err := fn(doc)
		if err != nil {
			if !IsValidationError(err) {
				return fmt.Errorf("failed to transform document %s: %w", doc.ID, err)
			}
			invalid++
			done = append(done, doc.ID)
			logger.Warn("Skipping invalid record", zap.String("document_id", doc.ID), zap.Error(err))
			continue
		}
		if res.Order != nil {
			batch.Orders = append(batch.Orders, *res.Order)
		}
		batch.Products = append(batch.Products, res.Products...)
		batch.Inventory = append(batch.Inventory, res.Inventory...)
		done = append(done, doc.ID)
	}

	var outcome models.BatchOutcome
	if !batch.Empty() {
		var err error
		outcome, err = e.store.WriteBatch(ctx, batch)
		if err != nil {
			return fmt.Errorf("failed to write canonical batch: %w", err)
		}
	}

	report.Scanned += len(docs)
	report.Skipped += skipped
	report.Invalid += invalid
	report.Inserted += outcome.OrdersInserted
	report.Duplicates += outcome.OrderDuplicates
	report.Upserted += outcome.ProductsUpserted + outcome.InventoryUpserted

	p := string(platform)
	util.TransformRecordsTotal.WithLabelValues(p, "inserted").Add(float64(outcome.OrdersInserted))
	util.TransformRecordsTotal.WithLabelValues(p, "duplicate").Add(float64(outcome.OrderDuplicates))
	util.TransformRecordsTotal.WithLabelValues(p, "upserted").Add(float64(outcome.ProductsUpserted + outcome.InventoryUpserted))
	util.TransformRecordsTotal.WithLabelValues(p, "invalid").Add(float64(invalid))
	util.TransformRecordsTotal.WithLabelValues(p, "skipped").Add(float64(skipped))

	if len(done) == 0 {
		return nil
	}
	// The batch is committed; a failure here only means the documents are
	// transformed again next run, which dedup absorbs.
	if _, err := e.staging.MarkProcessed(ctx, platform, done); err != nil {
		logger.Warn("Failed to mark documents processed", zap.Int("count", len(done)), zap.Error(err))
		report.Errors = append(report.Errors, fmt.Sprintf("failed to mark %d documents processed: %v", len(done), err))
	}
	return nil
}
