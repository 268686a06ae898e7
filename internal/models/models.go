package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Platform identifies an external commerce or accounting system.
type Platform string

const (
	PlatformShopify    Platform = "shopify"
	PlatformAmazon     Platform = "amazon"
	PlatformWalmart    Platform = "walmart"
	PlatformQuickBooks Platform = "quickbooks"
)

// PlatformOverall is the sentinel used for tenant-wide metric rows.
const PlatformOverall = "overall"

// AllPlatforms lists the supported platforms in registration order.
var AllPlatforms = []Platform{PlatformShopify, PlatformAmazon, PlatformWalmart, PlatformQuickBooks}

func ParsePlatform(s string) (Platform, error) {
	p := Platform(s)
	for _, known := range AllPlatforms {
		if p == known {
			return p, nil
		}
	}
	return "", fmt.Errorf("unknown platform %q", s)
}

// DataType tags the kind of record held in a staged document.
type DataType string

const (
	DataTypeOrders    DataType = "orders"
	DataTypeProducts  DataType = "products"
	DataTypeCustomers DataType = "customers"
	DataTypeInventory DataType = "inventory"
	DataTypeReports   DataType = "reports"
)

var AllDataTypes = []DataType{DataTypeOrders, DataTypeProducts, DataTypeCustomers, DataTypeInventory, DataTypeReports}

// Settings is the JSONB bundle of platform specific credential settings.
type Settings map[string]string

func (s Settings) Value() (driver.Value, error) {
	if s == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(s)
}

func (s *Settings) Scan(src interface{}) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*s = Settings{}
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return errors.New("settings: unsupported scan type")
	}
	out := Settings{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return fmt.Errorf("failed to decode settings: %w", err)
	}
	*s = out
	return nil
}

// Get returns the setting value or def when absent.
func (s Settings) Get(key, def string) string {
	if v, ok := s[key]; ok && v != "" {
		return v
	}
	return def
}

// PlatformCredential is one tenant's connection to one platform.
type PlatformCredential struct {
	ID                string     `db:"id" json:"id"`
	TenantID          string     `db:"tenant_id" json:"tenant_id"`
	Platform          Platform   `db:"platform" json:"platform"`
	ExternalAccountID string     `db:"external_account_id" json:"external_account_id"`
	AccessToken       string     `db:"access_token" json:"-"`
	RefreshToken      string     `db:"refresh_token" json:"-"`
	Settings          Settings   `db:"settings" json:"-"`
	IsActive          bool       `db:"is_active" json:"is_active"`
	LastSyncAt        *time.Time `db:"last_sync_at" json:"last_sync_at,omitempty"`
	CreatedAt         time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time  `db:"updated_at" json:"updated_at"`
}

// StagedDocument is one raw platform record awaiting transformation.
type StagedDocument struct {
	ID          string          `json:"id"`
	TenantID    string          `json:"tenant_id"`
	Platform    Platform        `json:"platform"`
	DataType    DataType        `json:"data_type"`
	Payload     json.RawMessage `json:"payload"`
	FetchedAt   time.Time       `json:"fetched_at"`
	Processed   bool            `json:"processed"`
	ProcessedAt *time.Time      `json:"processed_at,omitempty"`
}

// Order is the canonical order. Rows are immutable after first insert.
type Order struct {
	ID                 string          `db:"id" json:"id"`
	TenantID           string          `db:"tenant_id" json:"tenant_id"`
	Platform           Platform        `db:"platform" json:"platform"`
	ExternalOrderID    string          `db:"external_order_id" json:"external_order_id"`
	OrderNumber        string          `db:"order_number" json:"order_number"`
	CustomerExternalID string          `db:"customer_external_id" json:"customer_external_id"`
	OrderDate          time.Time       `db:"order_date" json:"order_date"`
	FinancialStatus    string          `db:"financial_status" json:"financial_status"`
	FulfillmentStatus  string          `db:"fulfillment_status" json:"fulfillment_status"`
	GrossSales         decimal.Decimal `db:"gross_sales" json:"gross_sales"`
	NetSales           decimal.Decimal `db:"net_sales" json:"net_sales"`
	Discount           decimal.Decimal `db:"discount" json:"discount"`
	Tax                decimal.Decimal `db:"tax" json:"tax"`
	Shipping           decimal.Decimal `db:"shipping" json:"shipping"`
	Refund             decimal.Decimal `db:"refund" json:"refund"`
	Currency           string          `db:"currency" json:"currency"`
	CreatedAt          time.Time       `db:"created_at" json:"created_at"`

	Items []OrderItem `db:"-" json:"items,omitempty"`
}

// IsFulfilled reports whether the order counts toward the fulfillment rate.
func (o *Order) IsFulfilled() bool {
	switch o.FulfillmentStatus {
	case FulfillmentFulfilled, "shipped", "delivered":
		return true
	}
	return false
}

type OrderItem struct {
	ID                string          `db:"id" json:"id"`
	OrderID           string          `db:"order_id" json:"order_id"`
	ExternalLineID    string          `db:"external_line_id" json:"external_line_id"`
	ProductExternalID string          `db:"product_external_id" json:"product_external_id"`
	SKU               string          `db:"sku" json:"sku"`
	Title             string          `db:"title" json:"title"`
	Quantity          int             `db:"quantity" json:"quantity"`
	UnitPrice         decimal.Decimal `db:"unit_price" json:"unit_price"`
	LineTotal         decimal.Decimal `db:"line_total" json:"line_total"`
	Discount          decimal.Decimal `db:"discount" json:"discount"`
	Tax               decimal.Decimal `db:"tax" json:"tax"`
}

// Product is a point-in-time catalog snapshot; upserts overwrite.
type Product struct {
	ID                string          `db:"id" json:"id"`
	TenantID          string          `db:"tenant_id" json:"tenant_id"`
	Platform          Platform        `db:"platform" json:"platform"`
	ExternalProductID string          `db:"external_product_id" json:"external_product_id"`
	SKU               string          `db:"sku" json:"sku"`
	Title             string          `db:"title" json:"title"`
	Status            string          `db:"status" json:"status"`
	Price             decimal.Decimal `db:"price" json:"price"`
	Currency          string          `db:"currency" json:"currency"`
	UpdatedAt         time.Time       `db:"updated_at" json:"updated_at"`
}

// InventoryLevel is keyed by tenant, platform, sku and location.
type InventoryLevel struct {
	ID         string    `db:"id" json:"id"`
	TenantID   string    `db:"tenant_id" json:"tenant_id"`
	Platform   Platform  `db:"platform" json:"platform"`
	SKU        string    `db:"sku" json:"sku"`
	LocationID string    `db:"location_id" json:"location_id"`
	Available  int       `db:"available" json:"available"`
	Reserved   int       `db:"reserved" json:"reserved"`
	UpdatedAt  time.Time `db:"updated_at" json:"updated_at"`
}

// DailyMetrics is one rollup row. Platform is PlatformOverall for the tenant-wide row.
type DailyMetrics struct {
	ID              string          `db:"id" json:"id"`
	TenantID        string          `db:"tenant_id" json:"tenant_id"`
	Date            time.Time       `db:"date" json:"date"`
	Platform        string          `db:"platform" json:"platform"`
	TotalOrders     int             `db:"total_orders" json:"total_orders"`
	FulfilledOrders int             `db:"fulfilled_orders" json:"fulfilled_orders"`
	GrossSales      decimal.Decimal `db:"gross_sales" json:"gross_sales"`
	NetSales        decimal.Decimal `db:"net_sales" json:"net_sales"`
	Discounts       decimal.Decimal `db:"discounts" json:"discounts"`
	Taxes           decimal.Decimal `db:"taxes" json:"taxes"`
	Refunds         decimal.Decimal `db:"refunds" json:"refunds"`
	Shipping        decimal.Decimal `db:"shipping" json:"shipping"`
	UnitsSold       int             `db:"units_sold" json:"units_sold"`
	AOV             decimal.Decimal `db:"aov" json:"aov"`
	FulfillmentRate decimal.Decimal `db:"fulfillment_rate" json:"fulfillment_rate"`
	RefundRate      decimal.Decimal `db:"refund_rate" json:"refund_rate"`
	CalculatedAt    time.Time       `db:"calculated_at" json:"calculated_at"`
}

// Fulfillment statuses normalized by the transformers
const (
	FulfillmentFulfilled   = "fulfilled"
	FulfillmentPartial     = "partial"
	FulfillmentUnfulfilled = "unfulfilled"
)

// Tenant is the minimal view of a tenant the pipeline needs.
type Tenant struct {
	ID       string `db:"id" json:"id"`
	Name     string `db:"name" json:"name"`
	IsActive bool   `db:"is_active" json:"is_active"`
}

// CanonicalBatch is what one transform batch writes in a single transaction.
type CanonicalBatch struct {
	TenantID  string
	Platform  Platform
	Orders    []Order
	Products  []Product
	Inventory []InventoryLevel
}

func (b *CanonicalBatch) Empty() bool {
	return len(b.Orders) == 0 && len(b.Products) == 0 && len(b.Inventory) == 0
}

type BatchOutcome struct {
	OrdersInserted    int
	OrderDuplicates   int
	ProductsUpserted  int
	InventoryUpserted int
}
