package etl

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"commerce-etl/internal/models"
)

func stagedDoc(p models.Platform, dt models.DataType, payload string) models.StagedDocument {
	return models.StagedDocument{
		ID:        "665f1c2e9b1e8a0001a1b2c3",
		TenantID:  "tenant-1",
		Platform:  p,
		DataType:  dt,
		Payload:   json.RawMessage(payload),
		FetchedAt: time.Date(2024, 5, 2, 0, 0, 0, 0, time.UTC),
	}
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func assertDecimal(t *testing.T, want string, got decimal.Decimal, field string) {
	t.Helper()
	assert.True(t, dec(want).Equal(got), "%s: want %s, got %s", field, want, got)
}

func TestRegistry(t *testing.T) {
	r := DefaultRegistry()

	_, ok := r.Lookup(models.PlatformShopify, models.DataTypeOrders)
	assert.True(t, ok)
	_, ok = r.Lookup(models.PlatformShopify, models.DataTypeCustomers)
	assert.False(t, ok)
	_, ok = r.Lookup(models.PlatformAmazon, models.DataTypeProducts)
	assert.False(t, ok)

	called := false
	r.Register(models.PlatformShopify, models.DataTypeCustomers, func(models.StagedDocument) (*Result, error) {
		called = true
		return &Result{}, nil
	})
	fn, ok := r.Lookup(models.PlatformShopify, models.DataTypeCustomers)
	require.True(t, ok)
	_, _ = fn(models.StagedDocument{})
	assert.True(t, called)
}

func TestShopifyOrder(t *testing.T) {
	doc := stagedDoc(models.PlatformShopify, models.DataTypeOrders, `{
		"id": 5512345678901,
		"name": "#1001",
		"order_number": 1001,
		"created_at": "2024-05-01T10:15:00-04:00",
		"financial_status": "paid",
		"fulfillment_status": null,
		"total_line_items_price": "120.00",
		"total_price": "118.40",
		"total_discounts": "10.00",
		"total_tax": "8.40",
		"currency": "cad",
		"customer": {"id": 207119551},
		"shipping_lines": [{"price": "0.00"}],
		"line_items": [
			{"id": 1, "product_id": 632910392, "sku": "IPOD-1", "title": "iPod", "quantity": 2, "price": "60.00",
			 "total_discount": "10.00", "tax_lines": [{"price": "5.40"}, {"price": "3.00"}]}
		],
		"refunds": [{"transactions": [{"kind": "refund", "status": "success", "amount": "5.00"}]}]
	}`)

	res, err := ShopifyOrder(doc)
	require.NoError(t, err)
	o := res.Order
	require.NotNil(t, o)

	assert.Equal(t, "tenant-1", o.TenantID)
	assert.Equal(t, "5512345678901", o.ExternalOrderID)
	assert.Equal(t, "1001", o.OrderNumber)
	assert.Equal(t, time.Date(2024, 5, 1, 14, 15, 0, 0, time.UTC), o.OrderDate)
	assert.Equal(t, "paid", o.FinancialStatus)
	assert.Equal(t, models.FulfillmentUnfulfilled, o.FulfillmentStatus)
	assert.Equal(t, "CAD", o.Currency)
	assert.Equal(t, "207119551", o.CustomerExternalID)
	assertDecimal(t, "120", o.GrossSales, "gross")
	assertDecimal(t, "118.40", o.NetSales, "net")
	assertDecimal(t, "10", o.Discount, "discount")
	assertDecimal(t, "8.40", o.Tax, "tax")
	assertDecimal(t, "0", o.Shipping, "shipping")
	assertDecimal(t, "5", o.Refund, "refund")

	require.Len(t, o.Items, 1)
	item := o.Items[0]
	assert.Equal(t, "632910392", item.ProductExternalID)
	assert.Equal(t, 2, item.Quantity)
	assertDecimal(t, "120", item.LineTotal, "line total")
	assertDecimal(t, "8.40", item.Tax, "line tax")
}

func TestShopifyOrder_DefaultsAndValidation(t *testing.T) {
	res, err := ShopifyOrder(stagedDoc(models.PlatformShopify, models.DataTypeOrders,
		`{"id": 1, "name": "#1002", "created_at": "2024-05-01T00:00:00Z", "fulfillment_status": "fulfilled", "total_price": "$5"}`))
	require.NoError(t, err)
	assert.Equal(t, "1002", res.Order.OrderNumber)
	assert.Equal(t, "USD", res.Order.Currency)
	assert.True(t, res.Order.IsFulfilled())
	assertDecimal(t, "5", res.Order.NetSales, "net")

	_, err = ShopifyOrder(stagedDoc(models.PlatformShopify, models.DataTypeOrders, `{"name": "#1"}`))
	assert.True(t, IsValidationError(err))

	_, err = ShopifyOrder(stagedDoc(models.PlatformShopify, models.DataTypeOrders, `{"id": 1, "created_at": "yesterday"}`))
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "created_at", ve.Field)

	_, err = ShopifyOrder(stagedDoc(models.PlatformShopify, models.DataTypeOrders, `{"id": 1, "created_at": "2024-05-01", "total_price": "free"}`))
	assert.True(t, IsValidationError(err))
}

func TestShopifyProduct_PerVariant(t *testing.T) {
	res, err := ShopifyProduct(stagedDoc(models.PlatformShopify, models.DataTypeProducts, `{
		"id": 632910392, "title": "IPod Nano", "status": "Active", "updated_at": "2024-04-30T12:00:00Z",
		"variants": [
			{"id": 808950810, "title": "Pink", "sku": "IPOD-PINK", "price": "199.00"},
			{"id": 49148385, "title": "Default Title", "sku": "IPOD-RED", "price": "209.00"}
		]
	}`))
	require.NoError(t, err)
	require.Len(t, res.Products, 2)
	assert.Equal(t, "632910392:808950810", res.Products[0].ExternalProductID)
	assert.Equal(t, "IPod Nano - Pink", res.Products[0].Title)
	assert.Equal(t, "IPod Nano", res.Products[1].Title)
	assert.Equal(t, "active", res.Products[0].Status)
	assertDecimal(t, "209", res.Products[1].Price, "price")
}

func TestShopifyInventory(t *testing.T) {
	res, err := ShopifyInventory(stagedDoc(models.PlatformShopify, models.DataTypeInventory,
		`{"inventory_item_id": 808950810, "location_id": 905684977, "available": 6, "updated_at": "2024-05-01T00:00:00Z"}`))
	require.NoError(t, err)
	require.Len(t, res.Inventory, 1)
	assert.Equal(t, "808950810", res.Inventory[0].SKU)
	assert.Equal(t, "905684977", res.Inventory[0].LocationID)
	assert.Equal(t, 6, res.Inventory[0].Available)
}

func TestAmazonOrder(t *testing.T) {
	res, err := AmazonOrder(stagedDoc(models.PlatformAmazon, models.DataTypeOrders, `{
		"AmazonOrderId": "902-3159896-1390916",
		"PurchaseDate": "2024-05-01T18:02:01Z",
		"OrderStatus": "Shipped",
		"OrderTotal": {"CurrencyCode": "EUR", "Amount": "24.99"}
	}`))
	require.NoError(t, err)
	o := res.Order
	assert.Equal(t, "902-3159896-1390916", o.ExternalOrderID)
	assert.Equal(t, "902-3159896-1390916", o.OrderNumber)
	assert.Equal(t, models.FulfillmentFulfilled, o.FulfillmentStatus)
	assert.Equal(t, "paid", o.FinancialStatus)
	assert.Equal(t, "EUR", o.Currency)
	assertDecimal(t, "24.99", o.GrossSales, "gross")
	assertDecimal(t, "24.99", o.NetSales, "net")

	res, err = AmazonOrder(stagedDoc(models.PlatformAmazon, models.DataTypeOrders,
		`{"AmazonOrderId": "1", "PurchaseDate": "2024-05-01T18:02:01Z", "OrderStatus": "Pending"}`))
	require.NoError(t, err)
	assert.Equal(t, "pending", res.Order.FinancialStatus)
	assert.Equal(t, "USD", res.Order.Currency)

	_, err = AmazonOrder(stagedDoc(models.PlatformAmazon, models.DataTypeOrders, `{"PurchaseDate": "2024-05-01T18:02:01Z"}`))
	assert.True(t, IsValidationError(err))
}

func TestAmazonInventory(t *testing.T) {
	res, err := AmazonInventory(stagedDoc(models.PlatformAmazon, models.DataTypeInventory, `{
		"asin": "B00EXAMPLE", "fnSku": "X00EXAMPLE", "sellerSku": "SKU-1", "totalQuantity": 12,
		"inventoryDetails": {"fulfillableQuantity": 9, "reservedQuantity": {"totalReservedQuantity": 3}}
	}`))
	require.NoError(t, err)
	require.Len(t, res.Inventory, 1)
	lvl := res.Inventory[0]
	assert.Equal(t, "SKU-1", lvl.SKU)
	assert.Equal(t, "fba", lvl.LocationID)
	assert.Equal(t, 9, lvl.Available)
	assert.Equal(t, 3, lvl.Reserved)
}

func TestWalmartOrder(t *testing.T) {
	res, err := WalmartOrder(stagedDoc(models.PlatformWalmart, models.DataTypeOrders, `{
		"purchaseOrderId": "1796277083022",
		"customerOrderId": "5281956426648",
		"customerEmailId": "buyer@example.com",
		"orderDate": 1714586400000,
		"orderLines": {"orderLine": [
			{
				"lineNumber": "1",
				"item": {"productName": "Kettle", "sku": "KT-1"},
				"charges": {"charge": [
					{"chargeType": "PRODUCT", "chargeAmount": {"currency": "USD", "amount": 40.00},
					 "tax": {"taxAmount": {"currency": "USD", "amount": 3.20}}},
					{"chargeType": "SHIPPING", "chargeAmount": {"currency": "USD", "amount": 5.00}}
				]},
				"orderLineQuantity": {"unitOfMeasurement": "EACH", "amount": "2"},
				"orderLineStatuses": {"orderLineStatus": [{"status": "Shipped"}]}
			},
			{
				"lineNumber": "2",
				"item": {"productName": "Mug", "sku": "MG-1"},
				"charges": {"charge": {"chargeType": "PRODUCT", "chargeAmount": {"currency": "USD", "amount": 10.00}}},
				"orderLineQuantity": {"amount": "1"},
				"orderLineStatuses": {"orderLineStatus": {"status": "Acknowledged"}}
			}
		]}
	}`))
	require.NoError(t, err)
	o := res.Order
	assert.Equal(t, "1796277083022", o.ExternalOrderID)
	assert.Equal(t, "5281956426648", o.OrderNumber)
	assert.Equal(t, time.UnixMilli(1714586400000).UTC(), o.OrderDate)
	assertDecimal(t, "50", o.GrossSales, "gross")
	assertDecimal(t, "5", o.Shipping, "shipping")
	assertDecimal(t, "3.20", o.Tax, "tax")
	assertDecimal(t, "58.20", o.NetSales, "net")
	assert.Equal(t, models.FulfillmentPartial, o.FulfillmentStatus)

	require.Len(t, o.Items, 2)
	assert.Equal(t, 2, o.Items[0].Quantity)
	assertDecimal(t, "20", o.Items[0].UnitPrice, "unit price")
	assert.Equal(t, "MG-1", o.Items[1].SKU)
}

func TestWalmartItemAndInventory(t *testing.T) {
	res, err := WalmartItem(stagedDoc(models.PlatformWalmart, models.DataTypeProducts,
		`{"sku": "KT-1", "wpid": "0RCPILAXM0C1", "productName": "Kettle", "publishedStatus": "PUBLISHED", "price": {"currency": "USD", "amount": 19.99}}`))
	require.NoError(t, err)
	require.Len(t, res.Products, 1)
	assert.Equal(t, "0RCPILAXM0C1", res.Products[0].ExternalProductID)
	assert.Equal(t, "published", res.Products[0].Status)
	assertDecimal(t, "19.99", res.Products[0].Price, "price")

	res, err = WalmartInventory(stagedDoc(models.PlatformWalmart, models.DataTypeInventory, `{
		"sku": "KT-1",
		"nodes": [
			{"shipNode": "721407", "availToSellQty": {"unit": "EACH", "amount": 8}, "reservedQty": {"unit": "EACH", "amount": 1}},
			{"shipNode": "721408", "availToSellQty": {"unit": "EACH", "amount": 0}}
		]
	}`))
	require.NoError(t, err)
	require.Len(t, res.Inventory, 2)
	assert.Equal(t, "721407", res.Inventory[0].LocationID)
	assert.Equal(t, 8, res.Inventory[0].Available)
	assert.Equal(t, 1, res.Inventory[0].Reserved)

	_, err = WalmartInventory(stagedDoc(models.PlatformWalmart, models.DataTypeInventory, `{"nodes": []}`))
	assert.True(t, IsValidationError(err))
}

func TestQuickBooksInvoice(t *testing.T) {
	res, err := QuickBooksInvoice(stagedDoc(models.PlatformQuickBooks, models.DataTypeOrders, `{
		"Id": "130", "DocNumber": "1037", "TxnDate": "2024-05-01",
		"TotalAmt": 362.07, "Balance": 100,
		"CurrencyRef": {"value": "USD"},
		"CustomerRef": {"value": "24", "name": "Sonnenschein Family Store"},
		"TxnTaxDetail": {"TotalTax": 26.82},
		"Line": [
			{"Id": "1", "Amount": 275.0, "DetailType": "SalesItemLineDetail",
			 "SalesItemLineDetail": {"ItemRef": {"value": "5", "name": "Rock Fountain"}, "UnitPrice": 275, "Qty": 1}},
			{"Id": "2", "Amount": 60.25, "DetailType": "SalesItemLineDetail",
			 "SalesItemLineDetail": {"ItemRef": {"value": "SHIPPING_ITEM_ID"}}},
			{"Amount": 335.25, "DetailType": "SubTotalLineDetail"}
		]
	}`))
	require.NoError(t, err)
	o := res.Order
	assert.Equal(t, "130", o.ExternalOrderID)
	assert.Equal(t, "1037", o.OrderNumber)
	assert.Equal(t, time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC), o.OrderDate)
	assert.Equal(t, "partially_paid", o.FinancialStatus)
	assert.Equal(t, models.FulfillmentFulfilled, o.FulfillmentStatus)
	assertDecimal(t, "275", o.GrossSales, "gross")
	assertDecimal(t, "60.25", o.Shipping, "shipping")
	assertDecimal(t, "362.07", o.NetSales, "net")
	assertDecimal(t, "26.82", o.Tax, "tax")
	require.Len(t, o.Items, 1)
	assert.Equal(t, "Rock Fountain", o.Items[0].Title)
}

func TestQuickBooksItem(t *testing.T) {
	res, err := QuickBooksItem(stagedDoc(models.PlatformQuickBooks, models.DataTypeProducts, `{
		"Id": "5", "Name": "Rock Fountain", "Sku": "RF-1", "Type": "Inventory", "Active": true,
		"UnitPrice": 275, "TrackQtyOnHand": true, "QtyOnHand": 2,
		"MetaData": {"LastUpdatedTime": "2024-04-19T13:16:17-07:00"}
	}`))
	require.NoError(t, err)
	require.Len(t, res.Products, 1)
	assert.Equal(t, "RF-1", res.Products[0].SKU)
	assert.Equal(t, "active", res.Products[0].Status)
	require.Len(t, res.Inventory, 1)
	assert.Equal(t, 2, res.Inventory[0].Available)

	res, err = QuickBooksItem(stagedDoc(models.PlatformQuickBooks, models.DataTypeProducts,
		`{"Id": "9", "Name": "Consulting", "Type": "Service", "Active": false}`))
	require.NoError(t, err)
	assert.Equal(t, "inactive", res.Products[0].Status)
	assert.Empty(t, res.Inventory)
}
