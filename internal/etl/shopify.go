package etl

import (
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"commerce-etl/internal/models"
)

type shopifyOrder struct {
	ID                  text   `json:"id"`
	Name                string `json:"name"`
	OrderNumber         text   `json:"order_number"`
	CreatedAt           string `json:"created_at"`
	FinancialStatus     string `json:"financial_status"`
	FulfillmentStatus   string `json:"fulfillment_status"`
	TotalLineItemsPrice amount `json:"total_line_items_price"`
	TotalPrice          amount `json:"total_price"`
	TotalDiscounts      amount `json:"total_discounts"`
	TotalTax            amount `json:"total_tax"`
	Currency            string `json:"currency"`
	Customer            *struct {
		ID text `json:"id"`
	} `json:"customer"`
	ShippingLines []struct {
		Price amount `json:"price"`
	} `json:"shipping_lines"`
	LineItems []struct {
		ID            text   `json:"id"`
		ProductID     text   `json:"product_id"`
		SKU           string `json:"sku"`
		Title         string `json:"title"`
		Quantity      count  `json:"quantity"`
		Price         amount `json:"price"`
		TotalDiscount amount `json:"total_discount"`
		TaxLines      []struct {
			Price amount `json:"price"`
		} `json:"tax_lines"`
	} `json:"line_items"`
	Refunds []struct {
		Transactions []struct {
			Kind   string `json:"kind"`
			Status string `json:"status"`
			Amount amount `json:"amount"`
		} `json:"transactions"`
	} `json:"refunds"`
}

func ShopifyOrder(doc models.StagedDocument) (*Result, error) {
	var src shopifyOrder
	if err := decode(doc, &src); err != nil {
		return nil, err
	}
	if src.ID == "" {
		return nil, invalid(doc, "id", errors.New("missing order id"))
	}
	created, err := parseTime(src.CreatedAt)
	if err != nil {
		return nil, invalid(doc, "created_at", err)
	}

	o := newOrder(doc)
	o.ExternalOrderID = src.ID.String()
	o.OrderNumber = src.OrderNumber.String()
	if o.OrderNumber == "" {
		o.OrderNumber = strings.TrimPrefix(src.Name, "#")
	}
	o.OrderDate = created
	o.FinancialStatus = normalizeStatus(src.FinancialStatus)
	o.FulfillmentStatus = shopifyFulfillment(src.FulfillmentStatus)
	o.GrossSales = src.TotalLineItemsPrice.Decimal
	o.NetSales = src.TotalPrice.Decimal
	o.Discount = src.TotalDiscounts.Decimal
	o.Tax = src.TotalTax.Decimal
	o.Currency = currencyOr(src.Currency, "USD")
	if len(src.ShippingLines) > 0 {
		o.Shipping = src.ShippingLines[0].Price.Decimal
	}
	if src.Customer != nil {
		o.CustomerExternalID = src.Customer.ID.String()
	}
	for _, r := range src.Refunds {
		for _, t := range r.Transactions {
			if t.Kind == "refund" && t.Status != "failure" && t.Status != "error" {
				o.Refund = o.Refund.Add(t.Amount.Decimal)
			}
		}
	}

	for _, li := range src.LineItems {
		tax := decimal.Zero
		for _, tl := range li.TaxLines {
			tax = tax.Add(tl.Price.Decimal)
		}
		qty := int(li.Quantity)
		o.Items = append(o.Items, models.OrderItem{
			ExternalLineID:    li.ID.String(),
			ProductExternalID: li.ProductID.String(),
			SKU:               li.SKU,
			Title:             li.Title,
			Quantity:          qty,
			UnitPrice:         li.Price.Decimal,
			LineTotal:         li.Price.Mul(decimal.NewFromInt(int64(qty))),
			Discount:          li.TotalDiscount.Decimal,
			Tax:               tax,
		})
	}
	return &Result{Order: o}, nil
}

func shopifyFulfillment(s string) string {
	switch normalizeStatus(s) {
	case "fulfilled":
		return models.FulfillmentFulfilled
	case "partial":
		return models.FulfillmentPartial
	default:
		return models.FulfillmentUnfulfilled
	}
}

type shopifyProduct struct {
	ID        text   `json:"id"`
	Title     string `json:"title"`
	Status    string `json:"status"`
	UpdatedAt string `json:"updated_at"`
	Variants  []struct {
		ID    text   `json:"id"`
		Title string `json:"title"`
		SKU   string `json:"sku"`
		Price amount `json:"price"`
	} `json:"variants"`
}

// ShopifyProduct emits one canonical product per variant, since variants
// carry the SKU and price.
func ShopifyProduct(doc models.StagedDocument) (*Result, error) {
	var src shopifyProduct
	if err := decode(doc, &src); err != nil {
		return nil, err
	}
	if src.ID == "" {
		return nil, invalid(doc, "id", errors.New("missing product id"))
	}
	updated := fetchedOr(doc)
	if t, err := parseTime(src.UpdatedAt); err == nil {
		updated = t
	}

	base := models.Product{
		TenantID:          doc.TenantID,
		Platform:          doc.Platform,
		ExternalProductID: src.ID.String(),
		Title:             src.Title,
		Status:            normalizeStatus(src.Status),
		Price:             decimal.Zero,
		Currency:          "USD",
		UpdatedAt:         updated,
	}
	if len(src.Variants) == 0 {
		return &Result{Products: []models.Product{base}}, nil
	}

	products := make([]models.Product, 0, len(src.Variants))
	for _, v := range src.Variants {
		p := base
		p.ExternalProductID = src.ID.String() + ":" + v.ID.String()
		p.SKU = v.SKU
		p.Price = v.Price.Decimal
		if v.Title != "" && v.Title != "Default Title" {
			p.Title = src.Title + " - " + v.Title
		}
		products = append(products, p)
	}
	return &Result{Products: products}, nil
}

type shopifyInventoryLevel struct {
	InventoryItemID text   `json:"inventory_item_id"`
	LocationID      text   `json:"location_id"`
	Available       count  `json:"available"`
	UpdatedAt       string `json:"updated_at"`
}

// ShopifyInventory keys levels by inventory item id; Shopify does not put
// the SKU on inventory levels.
func ShopifyInventory(doc models.StagedDocument) (*Result, error) {
	var src shopifyInventoryLevel
	if err := decode(doc, &src); err != nil {
		return nil, err
	}
	if src.InventoryItemID == "" {
		return nil, invalid(doc, "inventory_item_id", errors.New("missing inventory item id"))
	}
	updated := fetchedOr(doc)
	if t, err := parseTime(src.UpdatedAt); err == nil {
		updated = t
	}
	return &Result{Inventory: []models.InventoryLevel{{
		TenantID:   doc.TenantID,
		Platform:   doc.Platform,
		SKU:        src.InventoryItemID.String(),
		LocationID: src.LocationID.String(),
		Available:  int(src.Available),
		UpdatedAt:  updated,
	}}}, nil
}

func fetchedOr(doc models.StagedDocument) time.Time {
	if doc.FetchedAt.IsZero() {
		return time.Now().UTC()
	}
	return doc.FetchedAt
}
