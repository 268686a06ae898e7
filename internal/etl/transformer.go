package etl

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"commerce-etl/internal/models"
)

// Result is the canonical output of one staged document.
type Result struct {
	Order     *models.Order
	Products  []models.Product
	Inventory []models.InventoryLevel
}

// TransformFunc maps one staged document to canonical rows. Errors other
// than *ValidationError fail the whole batch.
type TransformFunc func(doc models.StagedDocument) (*Result, error)

type key struct {
	platform models.Platform
	dataType models.DataType
}

// Registry dispatches staged documents on (platform, data type).
type Registry struct {
	transformers map[key]TransformFunc
}

func NewRegistry() *Registry {
	return &Registry{transformers: make(map[key]TransformFunc)}
}

// DefaultRegistry knows every transformer shipped with the service.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(models.PlatformShopify, models.DataTypeOrders, ShopifyOrder)
	r.Register(models.PlatformShopify, models.DataTypeProducts, ShopifyProduct)
	r.Register(models.PlatformShopify, models.DataTypeInventory, ShopifyInventory)
	r.Register(models.PlatformAmazon, models.DataTypeOrders, AmazonOrder)
	r.Register(models.PlatformAmazon, models.DataTypeInventory, AmazonInventory)
	r.Register(models.PlatformWalmart, models.DataTypeOrders, WalmartOrder)
	r.Register(models.PlatformWalmart, models.DataTypeProducts, WalmartItem)
	r.Register(models.PlatformWalmart, models.DataTypeInventory, WalmartInventory)
	r.Register(models.PlatformQuickBooks, models.DataTypeOrders, QuickBooksInvoice)
	r.Register(models.PlatformQuickBooks, models.DataTypeProducts, QuickBooksItem)
	return r
}

// Register replaces any transformer already bound to the pair.
func (r *Registry) Register(p models.Platform, dt models.DataType, fn TransformFunc) {
	r.transformers[key{p, dt}] = fn
}

func (r *Registry) Lookup(p models.Platform, dt models.DataType) (TransformFunc, bool) {
	fn, ok := r.transformers[key{p, dt}]
	return fn, ok
}

// amount decodes a JSON number, a money string or null.
type amount struct {
	decimal.Decimal
}

func (a *amount) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		a.Decimal = decimal.Zero
		return nil
	}
	s := string(b)
	if b[0] == '"' {
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
	}
	d, err := ParseAmount(s)
	if err != nil {
		return err
	}
	a.Decimal = d
	return nil
}

// text decodes a JSON string or number as a string. Platforms disagree on
// whether identifiers are numeric.
type text string

func (t *text) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		*t = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*t = text(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("expected string or number, got %s", b)
	}
	*t = text(n.String())
	return nil
}

func (t text) String() string { return string(t) }

// count decodes an integer quantity sent as a number or a numeric string.
type count int

func (c *count) UnmarshalJSON(b []byte) error {
	var a amount
	if err := a.UnmarshalJSON(b); err != nil {
		return err
	}
	*c = count(a.IntPart())
	return nil
}

// list decodes either a single object or an array of them.
type list[T any] []T

func (l *list[T]) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		*l = nil
		return nil
	}
	if b[0] == '[' {
		var many []T
		if err := json.Unmarshal(b, &many); err != nil {
			return err
		}
		*l = many
		return nil
	}
	var one T
	if err := json.Unmarshal(b, &one); err != nil {
		return err
	}
	*l = list[T]{one}
	return nil
}

func decode(doc models.StagedDocument, v interface{}) error {
	if err := json.Unmarshal(doc.Payload, v); err != nil {
		return invalid(doc, "", fmt.Errorf("malformed payload: %w", err))
	}
	return nil
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05Z0700",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

func parseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

func currencyOr(c, def string) string {
	c = strings.ToUpper(strings.TrimSpace(c))
	if c == "" {
		return def
	}
	return c
}

func normalizeStatus(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func newOrder(doc models.StagedDocument) *models.Order {
	return &models.Order{
		TenantID:   doc.TenantID,
		Platform:   doc.Platform,
		GrossSales: decimal.Zero,
		NetSales:   decimal.Zero,
		Discount:   decimal.Zero,
		Tax:        decimal.Zero,
		Shipping:   decimal.Zero,
		Refund:     decimal.Zero,
	}
}
