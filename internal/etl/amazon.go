package etl

import (
	"errors"

	"commerce-etl/internal/models"
)

type amazonOrder struct {
	AmazonOrderID      string `json:"AmazonOrderId"`
	SellerOrderID      string `json:"SellerOrderId"`
	PurchaseDate       string `json:"PurchaseDate"`
	OrderStatus        string `json:"OrderStatus"`
	FulfillmentChannel string `json:"FulfillmentChannel"`
	OrderTotal         struct {
		Amount       amount `json:"Amount"`
		CurrencyCode string `json:"CurrencyCode"`
	} `json:"OrderTotal"`
	BuyerInfo struct {
		BuyerEmail string `json:"BuyerEmail"`
	} `json:"BuyerInfo"`
}

// AmazonOrder maps an SP-API order summary. Order totals on the summary are
// tax inclusive and line items are not part of the payload, so gross and net
// both carry OrderTotal.
func AmazonOrder(doc models.StagedDocument) (*Result, error) {
	var src amazonOrder
	if err := decode(doc, &src); err != nil {
		return nil, err
	}
	if src.AmazonOrderID == "" {
		return nil, invalid(doc, "AmazonOrderId", errors.New("missing order id"))
	}
	purchased, err := parseTime(src.PurchaseDate)
	if err != nil {
		return nil, invalid(doc, "PurchaseDate", err)
	}

	o := newOrder(doc)
	o.ExternalOrderID = src.AmazonOrderID
	o.OrderNumber = src.SellerOrderID
	if o.OrderNumber == "" {
		o.OrderNumber = src.AmazonOrderID
	}
	o.CustomerExternalID = src.BuyerInfo.BuyerEmail
	o.OrderDate = purchased
	o.GrossSales = src.OrderTotal.Amount.Decimal
	o.NetSales = src.OrderTotal.Amount.Decimal
	o.Currency = currencyOr(src.OrderTotal.CurrencyCode, "USD")

	switch src.OrderStatus {
	case "Shipped", "InvoiceUnconfirmed":
		o.FulfillmentStatus = models.FulfillmentFulfilled
	case "PartiallyShipped":
		o.FulfillmentStatus = models.FulfillmentPartial
	default:
		o.FulfillmentStatus = models.FulfillmentUnfulfilled
	}
	switch src.OrderStatus {
	case "Pending", "PendingAvailability":
		o.FinancialStatus = "pending"
	case "Canceled":
		o.FinancialStatus = "voided"
	default:
		o.FinancialStatus = "paid"
	}
	return &Result{Order: o}, nil
}

type amazonInventorySummary struct {
	ASIN             string `json:"asin"`
	FnSKU            string `json:"fnSku"`
	SellerSKU        string `json:"sellerSku"`
	LastUpdatedTime  string `json:"lastUpdatedTime"`
	TotalQuantity    count  `json:"totalQuantity"`
	InventoryDetails *struct {
		FulfillableQuantity count `json:"fulfillableQuantity"`
		ReservedQuantity    struct {
			TotalReservedQuantity count `json:"totalReservedQuantity"`
		} `json:"reservedQuantity"`
	} `json:"inventoryDetails"`
}

const amazonFBALocation = "fba"

func AmazonInventory(doc models.StagedDocument) (*Result, error) {
	var src amazonInventorySummary
	if err := decode(doc, &src); err != nil {
		return nil, err
	}
	sku := src.SellerSKU
	if sku == "" {
		sku = src.FnSKU
	}
	if sku == "" {
		return nil, invalid(doc, "sellerSku", errors.New("missing sku"))
	}

	level := models.InventoryLevel{
		TenantID:   doc.TenantID,
		Platform:   doc.Platform,
		SKU:        sku,
		LocationID: amazonFBALocation,
		Available:  int(src.TotalQuantity),
		UpdatedAt:  fetchedOr(doc),
	}
	if d := src.InventoryDetails; d != nil {
		level.Available = int(d.FulfillableQuantity)
		level.Reserved = int(d.ReservedQuantity.TotalReservedQuantity)
	}
	if t, err := parseTime(src.LastUpdatedTime); err == nil {
		level.UpdatedAt = t
	}
	return &Result{Inventory: []models.InventoryLevel{level}}, nil
}
