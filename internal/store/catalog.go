package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"commerce-etl/internal/models"
)

func upsertProduct(ctx context.Context, tx *sqlx.Tx, p *models.Product) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	_, err := tx.NamedExecContext(ctx, `
		INSERT INTO products (id, tenant_id, platform, external_product_id, sku, title, status, price, currency, updated_at)
		VALUES (:id, :tenant_id, :platform, :external_product_id, :sku, :title, :status, :price, :currency, :updated_at)
		ON CONFLICT (tenant_id, platform, external_product_id) DO UPDATE SET
			sku = EXCLUDED.sku,
			title = EXCLUDED.title,
			status = EXCLUDED.status,
			price = EXCLUDED.price,
			currency = EXCLUDED.currency,
			updated_at = EXCLUDED.updated_at`, p)
	if err != nil {
		return fmt.Errorf("failed to upsert product %s: %w", p.ExternalProductID, err)
	}
	return nil
}

func upsertInventory(ctx context.Context, tx *sqlx.Tx, l *models.InventoryLevel) error {
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	_, err := tx.NamedExecContext(ctx, `
		INSERT INTO inventory_levels (id, tenant_id, platform, sku, location_id, available, reserved, updated_at)
		VALUES (:id, :tenant_id, :platform, :sku, :location_id, :available, :reserved, :updated_at)
		ON CONFLICT (tenant_id, platform, sku, location_id) DO UPDATE SET
			available = EXCLUDED.available,
			reserved = EXCLUDED.reserved,
			updated_at = EXCLUDED.updated_at`, l)
	if err != nil {
		return fmt.Errorf("failed to upsert inventory %s@%s: %w", l.SKU, l.LocationID, err)
	}
	return nil
}

// GetProductBySKU retrieves a product by SKU
func (s *Store) GetProductBySKU(ctx context.Context, tenantID string, platform models.Platform, sku string) (*models.Product, error) {
	var product models.Product
	err := s.db.GetContext(ctx, &product,
		"SELECT * FROM products WHERE tenant_id = $1 AND platform = $2 AND sku = $3 LIMIT 1",
		tenantID, platform, sku)
	if err != nil {
		return nil, notFound(err, "product "+sku)
	}
	return &product, nil
}

// GetInventory retrieves inventory levels for a SKU across locations
func (s *Store) GetInventory(ctx context.Context, tenantID string, platform models.Platform, sku string) ([]models.InventoryLevel, error) {
	var levels []models.InventoryLevel
	err := s.db.SelectContext(ctx, &levels,
		"SELECT * FROM inventory_levels WHERE tenant_id = $1 AND platform = $2 AND sku = $3 ORDER BY location_id",
		tenantID, platform, sku)
	if err != nil {
		return nil, fmt.Errorf("failed to load inventory: %w", err)
	}
	return levels, nil
}
