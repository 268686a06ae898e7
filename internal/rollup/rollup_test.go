package rollup

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"commerce-etl/internal/models"
)

type fakeStore struct {
	mu      sync.Mutex
	orders  []models.Order
	units   map[string]int
	rows    map[string]models.DailyMetrics
	failDay string
}

func newFakeStore(orders ...models.Order) *fakeStore {
	return &fakeStore{orders: orders, units: map[string]int{}, rows: map[string]models.DailyMetrics{}}
}

func (f *fakeStore) OrdersBetween(_ context.Context, tenantID string, start, end time.Time) ([]models.Order, error) {
	if f.failDay == start.Format(dateLayout) {
		return nil, errors.New("query canceled")
	}
	var out []models.Order
	for _, o := range f.orders {
		if o.TenantID == tenantID && !o.OrderDate.Before(start) && o.OrderDate.Before(end) {
			out = append(out, o)
		}
	}
	return out, nil
}

func (f *fakeStore) UnitsSold(_ context.Context, ids []string) (map[string]int, error) {
	out := map[string]int{}
	for _, id := range ids {
		if n, ok := f.units[id]; ok {
			out[id] = n
		}
	}
	return out, nil
}

// SaveDailyMetrics mirrors the upsert-and-prune semantics of the SQL store.
func (f *fakeStore) SaveDailyMetrics(_ context.Context, tenantID string, date time.Time, rows []models.DailyMetrics) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	keep := map[string]bool{}
	for _, r := range rows {
		k := fmt.Sprintf("%s|%s|%s", tenantID, date.Format(dateLayout), r.Platform)
		f.rows[k] = r
		keep[k] = true
	}
	prefix := fmt.Sprintf("%s|%s|", tenantID, date.Format(dateLayout))
	for k := range f.rows {
		if len(k) > len(prefix) && k[:len(prefix)] == prefix && !keep[k] {
			delete(f.rows, k)
		}
	}
	return nil
}

func mkOrder(id string, p models.Platform, at time.Time, gross, net, refund string, status string) models.Order {
	return models.Order{
		ID:                id,
		TenantID:          "t1",
		Platform:          p,
		ExternalOrderID:   id,
		OrderDate:         at,
		GrossSales:        decimal.RequireFromString(gross),
		NetSales:          decimal.RequireFromString(net),
		Refund:            decimal.RequireFromString(refund),
		FulfillmentStatus: status,
	}
}

var day = time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

func TestCalculate(t *testing.T) {
	store := newFakeStore(
		mkOrder("o1", models.PlatformShopify, day.Add(2*time.Hour), "100", "90", "10", models.FulfillmentFulfilled),
		mkOrder("o2", models.PlatformShopify, day.Add(23*time.Hour), "50", "60", "0", models.FulfillmentUnfulfilled),
		mkOrder("o3", models.PlatformAmazon, day.Add(5*time.Hour), "30", "30", "0", "shipped"),
		mkOrder("o4", models.PlatformAmazon, day.AddDate(0, 0, 1), "999", "999", "0", ""),
	)
	store.units["o1"] = 2
	store.units["o3"] = 1
	e := NewEngine(store)

	rows, err := e.Calculate(context.Background(), "t1", day.Add(15*time.Hour))
	require.NoError(t, err)
	require.Len(t, rows, 3)

	overall := rows[0]
	assert.Equal(t, models.PlatformOverall, overall.Platform)
	assert.Equal(t, day, overall.Date)
	assert.Equal(t, 3, overall.TotalOrders)
	assert.Equal(t, 2, overall.FulfilledOrders)
	assert.Equal(t, 3, overall.UnitsSold)
	assert.True(t, decimal.NewFromInt(180).Equal(overall.GrossSales))
	assert.True(t, decimal.NewFromInt(180).Equal(overall.NetSales))
	assert.True(t, decimal.NewFromInt(60).Equal(overall.AOV))
	assert.Equal(t, "0.6667", overall.FulfillmentRate.String())
	assert.Equal(t, "0.0556", overall.RefundRate.String())

	assert.Equal(t, "amazon", rows[1].Platform)
	assert.Equal(t, 1, rows[1].TotalOrders)
	assert.Equal(t, "shopify", rows[2].Platform)
	assert.Equal(t, 2, rows[2].TotalOrders)
	assert.True(t, decimal.NewFromInt(75).Equal(rows[2].AOV))
}

func TestCalculate_NoOrders(t *testing.T) {
	e := NewEngine(newFakeStore())
	rows, err := e.Calculate(context.Background(), "t1", day)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 0, rows[0].TotalOrders)
	assert.True(t, rows[0].AOV.IsZero())
	assert.True(t, rows[0].RefundRate.IsZero())
	assert.True(t, rows[0].FulfillmentRate.IsZero())
}

func TestRun_SaveTwiceKeepsOneRowPerPlatform(t *testing.T) {
	store := newFakeStore(
		mkOrder("o1", models.PlatformShopify, day.Add(time.Hour), "10", "10", "0", ""),
		mkOrder("o2", models.PlatformWalmart, day.Add(time.Hour), "20", "20", "0", ""),
	)
	e := NewEngine(store)

	first := e.Run(context.Background(), "t1", day)
	require.True(t, first.Success)
	second := e.Run(context.Background(), "t1", day)
	require.True(t, second.Success)

	assert.Len(t, store.rows, 3)
	assert.Equal(t, "2024-05-01", second.Date)
}

func TestRun_PrunesPlatformsWithoutOrders(t *testing.T) {
	store := newFakeStore(mkOrder("o1", models.PlatformShopify, day.Add(time.Hour), "10", "10", "0", ""))
	e := NewEngine(store)
	require.True(t, e.Run(context.Background(), "t1", day).Success)
	assert.Len(t, store.rows, 2)

	store.orders = nil
	require.True(t, e.Run(context.Background(), "t1", day).Success)
	assert.Len(t, store.rows, 1)
}

func TestBackfill(t *testing.T) {
	store := newFakeStore()
	store.failDay = "2024-05-02"
	e := NewEngine(store)

	report := e.Backfill(context.Background(), "t1", day, day.AddDate(0, 0, 2))
	assert.False(t, report.Success)
	assert.Equal(t, 2, report.Succeeded)
	assert.Equal(t, []string{"2024-05-02"}, report.FailedDates)
	require.Len(t, report.Errors, 1)
	assert.Contains(t, report.Errors[0], "query canceled")
}

func TestBackfill_InvalidRange(t *testing.T) {
	e := NewEngine(newFakeStore())

	report := e.Backfill(context.Background(), "t1", day, day.AddDate(0, 0, -1))
	assert.False(t, report.Success)
	assert.Zero(t, report.Succeeded)

	assert.ErrorIs(t, ValidateRange(day, day.AddDate(2, 0, 0)), ErrInvalidRange)
	assert.NoError(t, ValidateRange(day, day))
}
