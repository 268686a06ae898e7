package etl

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"commerce-etl/internal/models"
)

type walmartMoney struct {
	Currency string `json:"currency"`
	Amount   amount `json:"amount"`
}

type walmartCharge struct {
	ChargeType   string       `json:"chargeType"`
	ChargeAmount walmartMoney `json:"chargeAmount"`
	Tax          *struct {
		TaxAmount walmartMoney `json:"taxAmount"`
	} `json:"tax"`
}

type walmartOrderLine struct {
	LineNumber text `json:"lineNumber"`
	Item       struct {
		ProductName string `json:"productName"`
		SKU         string `json:"sku"`
	} `json:"item"`
	Charges struct {
		Charge list[walmartCharge] `json:"charge"`
	} `json:"charges"`
	OrderLineQuantity struct {
		Amount count `json:"amount"`
	} `json:"orderLineQuantity"`
	OrderLineStatuses struct {
		OrderLineStatus list[struct {
			Status string `json:"status"`
		}] `json:"orderLineStatus"`
	} `json:"orderLineStatuses"`
	Refund *struct {
		RefundCharges struct {
			RefundCharge list[struct {
				Charge walmartCharge `json:"charge"`
			}] `json:"refundCharge"`
		} `json:"refundCharges"`
	} `json:"refund"`
}

type walmartOrder struct {
	PurchaseOrderID text   `json:"purchaseOrderId"`
	CustomerOrderID text   `json:"customerOrderId"`
	CustomerEmailID string `json:"customerEmailId"`
	OrderDate       text   `json:"orderDate"`
	OrderLines      struct {
		OrderLine list[walmartOrderLine] `json:"orderLine"`
	} `json:"orderLines"`
}

// WalmartOrder rebuilds totals from order line charges; the order payload
// carries no order level totals. Net is product plus shipping plus tax.
func WalmartOrder(doc models.StagedDocument) (*Result, error) {
	var src walmartOrder
	if err := decode(doc, &src); err != nil {
		return nil, err
	}
	if src.PurchaseOrderID == "" {
		return nil, invalid(doc, "purchaseOrderId", errors.New("missing purchase order id"))
	}
	ordered, err := walmartTime(src.OrderDate.String())
	if err != nil {
		return nil, invalid(doc, "orderDate", err)
	}

	o := newOrder(doc)
	o.ExternalOrderID = src.PurchaseOrderID.String()
	o.OrderNumber = src.CustomerOrderID.String()
	o.CustomerExternalID = src.CustomerEmailID
	o.OrderDate = ordered
	o.FinancialStatus = "paid"
	o.Currency = "USD"

	shipped, cancelled := 0, 0
	for _, line := range src.OrderLines.OrderLine {
		qty := int(line.OrderLineQuantity.Amount)
		item := models.OrderItem{
			ExternalLineID: line.LineNumber.String(),
			SKU:            line.Item.SKU,
			Title:          line.Item.ProductName,
			Quantity:       qty,
			UnitPrice:      decimal.Zero,
			LineTotal:      decimal.Zero,
			Discount:       decimal.Zero,
			Tax:            decimal.Zero,
		}
		for _, c := range line.Charges.Charge {
			amt := c.ChargeAmount.Amount.Decimal
			if c.ChargeAmount.Currency != "" {
				o.Currency = currencyOr(c.ChargeAmount.Currency, o.Currency)
			}
			switch strings.ToUpper(c.ChargeType) {
			case "PRODUCT":
				item.LineTotal = item.LineTotal.Add(amt)
				o.GrossSales = o.GrossSales.Add(amt)
			case "SHIPPING":
				o.Shipping = o.Shipping.Add(amt)
			case "DISCOUNT":
				item.Discount = item.Discount.Add(amt.Abs())
				o.Discount = o.Discount.Add(amt.Abs())
			}
			if c.Tax != nil {
				item.Tax = item.Tax.Add(c.Tax.TaxAmount.Amount.Decimal)
				o.Tax = o.Tax.Add(c.Tax.TaxAmount.Amount.Decimal)
			}
		}
		if qty > 0 {
			item.UnitPrice = item.LineTotal.Div(decimal.NewFromInt(int64(qty))).Round(2)
		}
		if line.Refund != nil {
			for _, rc := range line.Refund.RefundCharges.RefundCharge {
				o.Refund = o.Refund.Add(rc.Charge.ChargeAmount.Amount.Abs())
			}
		}
		switch walmartLineStatus(line) {
		case "shipped", "delivered":
			shipped++
		case "cancelled":
			cancelled++
		}
		o.Items = append(o.Items, item)
	}
	o.NetSales = o.GrossSales.Sub(o.Discount).Add(o.Shipping).Add(o.Tax)

	active := len(o.Items) - cancelled
	switch {
	case active > 0 && shipped >= active:
		o.FulfillmentStatus = models.FulfillmentFulfilled
	case shipped > 0:
		o.FulfillmentStatus = models.FulfillmentPartial
	default:
		o.FulfillmentStatus = models.FulfillmentUnfulfilled
	}
	if active == 0 && cancelled > 0 {
		o.FinancialStatus = "voided"
	}
	return &Result{Order: o}, nil
}

func walmartLineStatus(line walmartOrderLine) string {
	statuses := line.OrderLineStatuses.OrderLineStatus
	if len(statuses) == 0 {
		return ""
	}
	return normalizeStatus(statuses[len(statuses)-1].Status)
}

// walmartTime accepts epoch milliseconds or an ISO timestamp.
func walmartTime(s string) (time.Time, error) {
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	return parseTime(s)
}

type walmartItem struct {
	SKU             string       `json:"sku"`
	WPID            string       `json:"wpid"`
	ProductName     string       `json:"productName"`
	PublishedStatus string       `json:"publishedStatus"`
	LifecycleStatus string       `json:"lifecycleStatus"`
	Price           walmartMoney `json:"price"`
}

func WalmartItem(doc models.StagedDocument) (*Result, error) {
	var src walmartItem
	if err := decode(doc, &src); err != nil {
		return nil, err
	}
	if src.SKU == "" {
		return nil, invalid(doc, "sku", errors.New("missing sku"))
	}
	id := src.WPID
	if id == "" {
		id = src.SKU
	}
	status := src.PublishedStatus
	if status == "" {
		status = src.LifecycleStatus
	}
	return &Result{Products: []models.Product{{
		TenantID:          doc.TenantID,
		Platform:          doc.Platform,
		ExternalProductID: id,
		SKU:               src.SKU,
		Title:             src.ProductName,
		Status:            normalizeStatus(status),
		Price:             src.Price.Amount.Decimal,
		Currency:          currencyOr(src.Price.Currency, "USD"),
		UpdatedAt:         fetchedOr(doc),
	}}}, nil
}

type walmartQuantity struct {
	Unit   string `json:"unit"`
	Amount count  `json:"amount"`
}

type walmartInventory struct {
	SKU   string `json:"sku"`
	Nodes []struct {
		ShipNode       string          `json:"shipNode"`
		AvailToSellQty walmartQuantity `json:"availToSellQty"`
		ReservedQty    walmartQuantity `json:"reservedQty"`
	} `json:"nodes"`
}

// WalmartInventory emits one level per ship node.
func WalmartInventory(doc models.StagedDocument) (*Result, error) {
	var src walmartInventory
	if err := decode(doc, &src); err != nil {
		return nil, err
	}
	if src.SKU == "" {
		return nil, invalid(doc, "sku", errors.New("missing sku"))
	}
	updated := fetchedOr(doc)
	levels := make([]models.InventoryLevel, 0, len(src.Nodes))
	for _, n := range src.Nodes {
		levels = append(levels, models.InventoryLevel{
			TenantID:   doc.TenantID,
			Platform:   doc.Platform,
			SKU:        src.SKU,
			LocationID: n.ShipNode,
			Available:  int(n.AvailToSellQty.Amount),
			Reserved:   int(n.ReservedQty.Amount),
			UpdatedAt:  updated,
		})
	}
	return &Result{Inventory: levels}, nil
}
