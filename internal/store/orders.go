package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"commerce-etl/internal/models"
)

// WriteBatch writes one transform batch in a single transaction. Orders
// whose natural key already exists, in the table or earlier in the batch,
// are counted as duplicates; items are written only for new orders.
func (s *Store) WriteBatch(ctx context.Context, b *models.CanonicalBatch) (models.BatchOutcome, error) {
	var out models.BatchOutcome
	err := s.InTx(ctx, "write batch", func(tx *sqlx.Tx) error {
		out = models.BatchOutcome{}

		orders := make([]models.Order, 0, len(b.Orders))
		seen := make(map[string]bool, len(b.Orders))
		for _, o := range b.Orders {
			if seen[o.ExternalOrderID] {
				out.OrderDuplicates++
				continue
			}
			seen[o.ExternalOrderID] = true
			orders = append(orders, o)
		}

		existing, err := existingOrderIDs(ctx, tx, b.TenantID, b.Platform, orders)
		if err != nil {
			return err
		}
		for i := range orders {
			o := &orders[i]
			if existing[o.ExternalOrderID] {
				out.OrderDuplicates++
				continue
			}
			inserted, err := insertOrder(ctx, tx, o)
			if err != nil {
				return err
			}
			if !inserted {
				out.OrderDuplicates++
				continue
			}
			if err := insertOrderItems(ctx, tx, o.ID, o.Items); err != nil {
				return err
			}
			out.OrdersInserted++
		}

		for i := range b.Products {
			if err := upsertProduct(ctx, tx, &b.Products[i]); err != nil {
				return err
			}
			out.ProductsUpserted++
		}
		for i := range b.Inventory {
			if err := upsertInventory(ctx, tx, &b.Inventory[i]); err != nil {
				return err
			}
			out.InventoryUpserted++
		}
		return nil
	})
	if err != nil {
		return models.BatchOutcome{}, err
	}
	return out, nil
}

func existingOrderIDs(ctx context.Context, tx *sqlx.Tx, tenantID string, platform models.Platform, orders []models.Order) (map[string]bool, error) {
	existing := make(map[string]bool)
	if len(orders) == 0 {
		return existing, nil
	}
	ids := make([]string, 0, len(orders))
	for _, o := range orders {
		ids = append(ids, o.ExternalOrderID)
	}

	query, args, err := sqlx.In(
		"SELECT external_order_id FROM orders WHERE tenant_id = ? AND platform = ? AND external_order_id IN (?)",
		tenantID, platform, ids)
	if err != nil {
		return nil, err
	}
	query = tx.Rebind(query)

	var found []string
	if err := tx.SelectContext(ctx, &found, query, args...); err != nil {
		return nil, fmt.Errorf("failed to query existing orders: %w", err)
	}
	for _, id := range found {
		existing[id] = true
	}
	return existing, nil
}

// insertOrder reports false when a concurrent writer already inserted the
// same natural key.
func insertOrder(ctx context.Context, tx *sqlx.Tx, o *models.Order) (bool, error) {
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO orders (id, tenant_id, platform, external_order_id, order_number, customer_external_id,
			order_date, financial_status, fulfillment_status, gross_sales, net_sales, discount, tax,
			shipping, refund, currency)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (tenant_id, platform, external_order_id) DO NOTHING`,
		o.ID, o.TenantID, o.Platform, o.ExternalOrderID, o.OrderNumber, o.CustomerExternalID,
		o.OrderDate, o.FinancialStatus, o.FulfillmentStatus, o.GrossSales, o.NetSales, o.Discount, o.Tax,
		o.Shipping, o.Refund, o.Currency)
	if err != nil {
		return false, fmt.Errorf("failed to insert order %s: %w", o.ExternalOrderID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func insertOrderItems(ctx context.Context, tx *sqlx.Tx, orderID string, items []models.OrderItem) error {
	for i := range items {
		item := &items[i]
		if item.ID == "" {
			item.ID = uuid.NewString()
		}
		item.OrderID = orderID
		_, err := tx.NamedExecContext(ctx, `
			INSERT INTO order_items (id, order_id, external_line_id, product_external_id, sku, title,
				quantity, unit_price, line_total, discount, tax)
			VALUES (:id, :order_id, :external_line_id, :product_external_id, :sku, :title,
				:quantity, :unit_price, :line_total, :discount, :tax)`, item)
		if err != nil {
			return fmt.Errorf("failed to insert order item for order %s: %w", orderID, err)
		}
	}
	return nil
}

// OrdersBetween returns a tenant's orders with order_date in [start, end).
func (s *Store) OrdersBetween(ctx context.Context, tenantID string, start, end time.Time) ([]models.Order, error) {
	var orders []models.Order
	err := s.db.SelectContext(ctx, &orders, `
		SELECT id, tenant_id, platform, external_order_id, order_number, customer_external_id, order_date,
			financial_status, fulfillment_status, gross_sales, net_sales, discount, tax, shipping, refund,
			currency, created_at
		FROM orders
		WHERE tenant_id = $1 AND order_date >= $2 AND order_date < $3
		ORDER BY order_date`,
		tenantID, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to load orders: %w", err)
	}
	return orders, nil
}

// UnitsSold sums item quantities per order id.
func (s *Store) UnitsSold(ctx context.Context, orderIDs []string) (map[string]int, error) {
	units := make(map[string]int)
	if len(orderIDs) == 0 {
		return units, nil
	}

	query, args, err := sqlx.In(
		"SELECT order_id, COALESCE(SUM(quantity), 0) AS units FROM order_items WHERE order_id IN (?) GROUP BY order_id",
		orderIDs)
	if err != nil {
		return nil, err
	}
	query = s.db.Rebind(query)

	var rows []struct {
		OrderID string `db:"order_id"`
		Units   int    `db:"units"`
	}
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to load units sold: %w", err)
	}
	for _, r := range rows {
		units[r.OrderID] = r.Units
	}
	return units, nil
}
