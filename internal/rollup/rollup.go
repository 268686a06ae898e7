package rollup

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"commerce-etl/internal/models"
	"commerce-etl/internal/util"
)

const dateLayout = "2006-01-02"

// MaxBackfillDays bounds a single backfill request.
const MaxBackfillDays = 366

var ErrInvalidRange = errors.New("invalid date range")

// Store is the canonical data the rollup reads and writes.
type Store interface {
	OrdersBetween(ctx context.Context, tenantID string, start, end time.Time) ([]models.Order, error)
	UnitsSold(ctx context.Context, orderIDs []string) (map[string]int, error)
	SaveDailyMetrics(ctx context.Context, tenantID string, date time.Time, rows []models.DailyMetrics) error
}

// Engine computes daily per-tenant metrics from canonical orders.
type Engine struct {
	store  Store
	now    func() time.Time
	logger *zap.Logger
}

func NewEngine(store Store) *Engine {
	return &Engine{
		store:  store,
		now:    time.Now,
		logger: util.GetLogger().Named("rollup"),
	}
}

// Day truncates t to its UTC calendar date.
func Day(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// ParseDay parses a YYYY-MM-DD date.
func ParseDay(s string) (time.Time, error) {
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q, want YYYY-MM-DD: %w", s, err)
	}
	return t, nil
}

// Calculate aggregates orders dated within the UTC day. The first row is the
// tenant-wide row, followed by one row per platform with orders.
func (e *Engine) Calculate(ctx context.Context, tenantID string, date time.Time) ([]models.DailyMetrics, error) {
	ctx, span := util.StartSpan(ctx, "Rollup.Calculate")
	defer span.End()

	day := Day(date)
	orders, err := e.store.OrdersBetween(ctx, tenantID, day, day.AddDate(0, 0, 1))
	if err != nil {
		util.RecordError(span, err)
		return nil, err
	}

	ids := make([]string, 0, len(orders))
	byPlatform := make(map[string][]models.Order)
	for _, o := range orders {
		ids = append(ids, o.ID)
		byPlatform[string(o.Platform)] = append(byPlatform[string(o.Platform)], o)
	}
	units, err := e.store.UnitsSold(ctx, ids)
	if err != nil {
		util.RecordError(span, err)
		return nil, err
	}

	calculatedAt := e.now().UTC()
	rows := []models.DailyMetrics{aggregate(tenantID, day, models.PlatformOverall, orders, units, calculatedAt)}

	platforms := make([]string, 0, len(byPlatform))
	for p := range byPlatform {
		platforms = append(platforms, p)
	}
	sort.Strings(platforms)
	for _, p := range platforms {
		rows = append(rows, aggregate(tenantID, day, p, byPlatform[p], units, calculatedAt))
	}
	return rows, nil
}

func aggregate(tenantID string, day time.Time, platform string, orders []models.Order, units map[string]int, at time.Time) models.DailyMetrics {
	m := models.DailyMetrics{
		TenantID:        tenantID,
		Date:            day,
		Platform:        platform,
		TotalOrders:     len(orders),
		GrossSales:      decimal.Zero,
		NetSales:        decimal.Zero,
		Discounts:       decimal.Zero,
		Taxes:           decimal.Zero,
		Refunds:         decimal.Zero,
		Shipping:        decimal.Zero,
		AOV:             decimal.Zero,
		FulfillmentRate: decimal.Zero,
		RefundRate:      decimal.Zero,
		CalculatedAt:    at,
	}
	for _, o := range orders {
		m.GrossSales = m.GrossSales.Add(o.GrossSales)
		m.NetSales = m.NetSales.Add(o.NetSales)
		m.Discounts = m.Discounts.Add(o.Discount)
		m.Taxes = m.Taxes.Add(o.Tax)
		m.Refunds = m.Refunds.Add(o.Refund)
		m.Shipping = m.Shipping.Add(o.Shipping)
		m.UnitsSold += units[o.ID]
		if o.IsFulfilled() {
			m.FulfilledOrders++
		}
	}
	if m.TotalOrders > 0 {
		n := decimal.NewFromInt(int64(m.TotalOrders))
		m.AOV = m.NetSales.Div(n).Round(2)
		m.FulfillmentRate = decimal.NewFromInt(int64(m.FulfilledOrders)).Div(n).Round(4)
	}
	if m.GrossSales.IsPositive() {
		m.RefundRate = m.Refunds.Div(m.GrossSales).Round(4)
	}
	return m
}

// Save writes the rows for one tenant and date; saving twice leaves one row
// per (tenant, date, platform).
func (e *Engine) Save(ctx context.Context, tenantID string, date time.Time, rows []models.DailyMetrics) error {
	ctx, span := util.StartSpan(ctx, "Rollup.Save")
	defer span.End()

	if err := e.store.SaveDailyMetrics(ctx, tenantID, Day(date), rows); err != nil {
		util.RecordError(span, err)
		return err
	}
	return nil
}

// Run calculates and saves one day.
func (e *Engine) Run(ctx context.Context, tenantID string, date time.Time) models.MetricsReport {
	day := Day(date)
	report := models.MetricsReport{TenantID: tenantID, Date: day.Format(dateLayout)}

	rows, err := e.Calculate(ctx, tenantID, day)
	if err == nil {
		err = e.Save(ctx, tenantID, day, rows)
	}
	if err != nil {
		report.Error = err.Error()
		util.MetricsRollupsTotal.WithLabelValues("failed").Inc()
		e.logger.Error("Failed to calculate daily metrics",
			zap.String("tenant_id", tenantID),
			zap.String("date", report.Date),
			zap.Error(err),
		)
		return report
	}

	report.Success = true
	report.Rows = rows
	util.MetricsRollupsTotal.WithLabelValues("succeeded").Inc()
	e.logger.Info("Daily metrics saved",
		zap.String("tenant_id", tenantID),
		zap.String("date", report.Date),
		zap.Int("orders", rows[0].TotalOrders),
		zap.Int("platforms", len(rows)-1),
	)
	return report
}

// Backfill runs every date in [start, end] independently. A failed date is
// logged and listed; the rest still run.
func (e *Engine) Backfill(ctx context.Context, tenantID string, start, end time.Time) models.BackfillReport {
	start, end = Day(start), Day(end)
	report := models.BackfillReport{
		TenantID: tenantID,
		Start:    start.Format(dateLayout),
		End:      end.Format(dateLayout),
	}
	if err := ValidateRange(start, end); err != nil {
		report.Errors = append(report.Errors, err.Error())
		return report
	}

	for day := start; !day.After(end); day = day.AddDate(0, 0, 1) {
		if err := ctx.Err(); err != nil {
			report.Errors = append(report.Errors, err.Error())
			for d := day; !d.After(end); d = d.AddDate(0, 0, 1) {
				report.FailedDates = append(report.FailedDates, d.Format(dateLayout))
			}
			break
		}
		r := e.Run(ctx, tenantID, day)
		if !r.Success {
			report.FailedDates = append(report.FailedDates, r.Date)
			report.Errors = append(report.Errors, r.Date+": "+r.Error)
			continue
		}
		report.Succeeded++
	}
	report.Success = len(report.FailedDates) == 0 && len(report.Errors) == 0
	return report
}

func ValidateRange(start, end time.Time) error {
	if end.Before(start) {
		return fmt.Errorf("%w: end %s is before start %s", ErrInvalidRange, end.Format(dateLayout), start.Format(dateLayout))
	}
	if days := int(end.Sub(start).Hours()/24) + 1; days > MaxBackfillDays {
		return fmt.Errorf("%w: %d days exceeds the %d day limit", ErrInvalidRange, days, MaxBackfillDays)
	}
	return nil
}
