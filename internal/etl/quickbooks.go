package etl

import (
	"errors"

	"github.com/shopspring/decimal"

	"commerce-etl/internal/models"
)

const quickBooksShippingItem = "SHIPPING_ITEM_ID"

type quickBooksRef struct {
	Value string `json:"value"`
	Name  string `json:"name"`
}

type quickBooksInvoice struct {
	ID           string        `json:"Id"`
	DocNumber    string        `json:"DocNumber"`
	TxnDate      string        `json:"TxnDate"`
	TotalAmt     amount        `json:"TotalAmt"`
	Balance      amount        `json:"Balance"`
	CurrencyRef  quickBooksRef `json:"CurrencyRef"`
	CustomerRef  quickBooksRef `json:"CustomerRef"`
	TxnTaxDetail struct {
		TotalTax amount `json:"TotalTax"`
	} `json:"TxnTaxDetail"`
	Line []struct {
		ID                  string `json:"Id"`
		Amount              amount `json:"Amount"`
		DetailType          string `json:"DetailType"`
		Description         string `json:"Description"`
		SalesItemLineDetail *struct {
			ItemRef   quickBooksRef `json:"ItemRef"`
			UnitPrice amount        `json:"UnitPrice"`
			Qty       amount        `json:"Qty"`
		} `json:"SalesItemLineDetail"`
	} `json:"Line"`
}

// QuickBooksInvoice treats an invoice as a fulfilled order. Paid means a
// zero balance.
func QuickBooksInvoice(doc models.StagedDocument) (*Result, error) {
	var src quickBooksInvoice
	if err := decode(doc, &src); err != nil {
		return nil, err
	}
	if src.ID == "" {
		return nil, invalid(doc, "Id", errors.New("missing invoice id"))
	}
	txnDate, err := parseTime(src.TxnDate)
	if err != nil {
		return nil, invalid(doc, "TxnDate", err)
	}

	o := newOrder(doc)
	o.ExternalOrderID = src.ID
	o.OrderNumber = src.DocNumber
	o.CustomerExternalID = src.CustomerRef.Value
	o.OrderDate = txnDate
	o.FulfillmentStatus = models.FulfillmentFulfilled
	o.Currency = currencyOr(src.CurrencyRef.Value, "USD")
	o.NetSales = src.TotalAmt.Decimal
	o.Tax = src.TxnTaxDetail.TotalTax.Decimal

	switch {
	case src.Balance.IsZero():
		o.FinancialStatus = "paid"
	case src.Balance.LessThan(src.TotalAmt.Decimal):
		o.FinancialStatus = "partially_paid"
	default:
		o.FinancialStatus = "pending"
	}

	for _, line := range src.Line {
		switch line.DetailType {
		case "SalesItemLineDetail":
			d := line.SalesItemLineDetail
			if d == nil {
				continue
			}
			if d.ItemRef.Value == quickBooksShippingItem {
				o.Shipping = o.Shipping.Add(line.Amount.Decimal)
				continue
			}
			o.GrossSales = o.GrossSales.Add(line.Amount.Decimal)
			title := d.ItemRef.Name
			if title == "" {
				title = line.Description
			}
			o.Items = append(o.Items, models.OrderItem{
				ExternalLineID:    line.ID,
				ProductExternalID: d.ItemRef.Value,
				Title:             title,
				Quantity:          int(d.Qty.IntPart()),
				UnitPrice:         d.UnitPrice.Decimal,
				LineTotal:         line.Amount.Decimal,
				Discount:          decimal.Zero,
				Tax:               decimal.Zero,
			})
		case "DiscountLineDetail":
			o.Discount = o.Discount.Add(line.Amount.Abs())
		}
	}
	return &Result{Order: o}, nil
}

type quickBooksItem struct {
	ID             string `json:"Id"`
	Name           string `json:"Name"`
	SKU            string `json:"Sku"`
	Type           string `json:"Type"`
	Active         *bool  `json:"Active"`
	UnitPrice      amount `json:"UnitPrice"`
	TrackQtyOnHand bool   `json:"TrackQtyOnHand"`
	QtyOnHand      amount `json:"QtyOnHand"`
	MetaData       struct {
		LastUpdatedTime string `json:"LastUpdatedTime"`
	} `json:"MetaData"`
}

const quickBooksLocation = "default"

// QuickBooksItem maps a catalog item. Tracked inventory items also yield an
// inventory level at a single default location.
func QuickBooksItem(doc models.StagedDocument) (*Result, error) {
	var src quickBooksItem
	if err := decode(doc, &src); err != nil {
		return nil, err
	}
	if src.ID == "" {
		return nil, invalid(doc, "Id", errors.New("missing item id"))
	}
	updated := fetchedOr(doc)
	if t, err := parseTime(src.MetaData.LastUpdatedTime); err == nil {
		updated = t
	}
	status := "active"
	if src.Active != nil && !*src.Active {
		status = "inactive"
	}
	sku := src.SKU
	if sku == "" {
		sku = src.Name
	}

	res := &Result{Products: []models.Product{{
		TenantID:          doc.TenantID,
		Platform:          doc.Platform,
		ExternalProductID: src.ID,
		SKU:               sku,
		Title:             src.Name,
		Status:            status,
		Price:             src.UnitPrice.Decimal,
		Currency:          "USD",
		UpdatedAt:         updated,
	}}}
	if src.Type == "Inventory" && src.TrackQtyOnHand {
		res.Inventory = []models.InventoryLevel{{
			TenantID:   doc.TenantID,
			Platform:   doc.Platform,
			SKU:        sku,
			LocationID: quickBooksLocation,
			Available:  int(src.QtyOnHand.IntPart()),
			UpdatedAt:  updated,
		}}
	}
	return res, nil
}
