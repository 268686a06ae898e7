package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"commerce-etl/internal/models"
)

// SaveDailyMetrics replaces the rollup rows for one tenant and date in one
// transaction. Rows are upserted on (tenant_id, date, platform); platform
// rows for the date that are no longer produced are removed.
func (s *Store) SaveDailyMetrics(ctx context.Context, tenantID string, date time.Time, rows []models.DailyMetrics) error {
	platforms := make([]string, 0, len(rows))
	for _, r := range rows {
		platforms = append(platforms, r.Platform)
	}

	return s.InTx(ctx, "save daily metrics", func(tx *sqlx.Tx) error {
		for i := range rows {
			r := &rows[i]
			if r.ID == "" {
				r.ID = uuid.NewString()
			}
			_, err := tx.NamedExecContext(ctx, `
				INSERT INTO daily_metrics (id, tenant_id, date, platform, total_orders, fulfilled_orders,
					gross_sales, net_sales, discounts, taxes, refunds, shipping, units_sold, aov,
					fulfillment_rate, refund_rate, calculated_at)
				VALUES (:id, :tenant_id, :date, :platform, :total_orders, :fulfilled_orders,
					:gross_sales, :net_sales, :discounts, :taxes, :refunds, :shipping, :units_sold, :aov,
					:fulfillment_rate, :refund_rate, :calculated_at)
				ON CONFLICT (tenant_id, date, platform) DO UPDATE SET
					total_orders = EXCLUDED.total_orders,
					fulfilled_orders = EXCLUDED.fulfilled_orders,
					gross_sales = EXCLUDED.gross_sales,
					net_sales = EXCLUDED.net_sales,
					discounts = EXCLUDED.discounts,
					taxes = EXCLUDED.taxes,
					refunds = EXCLUDED.refunds,
					shipping = EXCLUDED.shipping,
					units_sold = EXCLUDED.units_sold,
					aov = EXCLUDED.aov,
					fulfillment_rate = EXCLUDED.fulfillment_rate,
					refund_rate = EXCLUDED.refund_rate,
					calculated_at = EXCLUDED.calculated_at`, r)
			if err != nil {
				return fmt.Errorf("failed to upsert %s metrics: %w", r.Platform, err)
			}
		}

		_, err := tx.ExecContext(ctx,
			"DELETE FROM daily_metrics WHERE tenant_id = $1 AND date = $2 AND platform <> ALL($3)",
			tenantID, date, pq.Array(platforms))
		if err != nil {
			return fmt.Errorf("failed to prune stale metrics: %w", err)
		}
		return nil
	})
}

// GetDailyMetrics lists rollup rows for dates in [start, end]. An empty
// platform returns the tenant-wide rows.
func (s *Store) GetDailyMetrics(ctx context.Context, tenantID string, start, end time.Time, platform string) ([]models.DailyMetrics, error) {
	if platform == "" {
		platform = models.PlatformOverall
	}
	var rows []models.DailyMetrics
	err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM daily_metrics
		WHERE tenant_id = $1 AND platform = $2 AND date >= $3 AND date <= $4
		ORDER BY date`,
		tenantID, platform, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to load daily metrics: %w", err)
	}
	return rows, nil
}
