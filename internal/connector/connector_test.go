package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"commerce-etl/internal/models"
)

type collector struct {
	records []string
	pages   int
}

func (c *collector) page(records []Record) error {
	c.pages++
	for _, r := range records {
		var v struct {
			ID json.RawMessage `json:"id"`
		}
		_ = json.Unmarshal(r, &v)
		c.records = append(c.records, strings.Trim(string(v.ID), `"`))
	}
	return nil
}

type tokenSinkFunc func(ctx context.Context, credentialID, refreshToken string) error

func (f tokenSinkFunc) SaveRefreshToken(ctx context.Context, credentialID, refreshToken string) error {
	return f(ctx, credentialID, refreshToken)
}

func testOptions() Options {
	return Options{
		Retry:       DefaultRetryPolicy(),
		TokenMargin: 5 * time.Minute,
		Sleep:       func(context.Context, time.Duration) error { return nil },
	}
}

func TestRegistry(t *testing.T) {
	reg := NewDefaultRegistry(Options{})
	assert.Equal(t, []models.Platform{"amazon", "quickbooks", "shopify", "walmart"}, reg.Platforms())

	_, err := reg.New(&models.PlatformCredential{Platform: "ebay"})
	assert.ErrorIs(t, err, ErrUnknownPlatform)

	_, err = reg.New(&models.PlatformCredential{Platform: models.PlatformShopify, ExternalAccountID: "shop"})
	assert.ErrorIs(t, err, ErrMissingCredential)

	conn, err := reg.New(&models.PlatformCredential{Platform: models.PlatformShopify, ExternalAccountID: "shop", AccessToken: "x"})
	require.NoError(t, err)
	defer conn.Close()
	assert.True(t, Supports(conn, models.DataTypeOrders))
	assert.False(t, Supports(conn, models.DataTypeReports))

	err = Fetch(context.Background(), conn, models.DataTypeReports, FetchOptions{}, func([]Record) error { return nil })
	assert.ErrorIs(t, err, ErrUnsupportedDataType)
}

func TestShopify_FollowsLinkPagination(t *testing.T) {
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "shpat_test", r.Header.Get("X-Shopify-Access-Token"))
		assert.Equal(t, "/orders.json", r.URL.Path)

		page := r.URL.Query().Get("page_info")
		switch page {
		case "":
			assert.Equal(t, "2", r.URL.Query().Get("limit"))
			assert.Equal(t, "any", r.URL.Query().Get("status"))
			w.Header().Set("Link", fmt.Sprintf(`<%s/orders.json?page_info=p2&limit=2>; rel="next"`, srv.URL))
			w.Write([]byte(`{"orders":[{"id":1},{"id":2}]}`))
		case "p2":
			assert.Empty(t, r.URL.Query().Get("status"))
			w.Header().Set("Link", fmt.Sprintf(`<%s/orders.json?page_info=p1&limit=2>; rel="previous", <%s/orders.json?page_info=p3&limit=2>; rel="next"`, srv.URL, srv.URL))
			w.Write([]byte(`{"orders":[{"id":3},{"id":4}]}`))
		case "p3":
			w.Write([]byte(`{"orders":[{"id":5},{"id":6}]}`))
		}
	}))
	defer srv.Close()

	opts := testOptions()
	opts.ShopifyBaseURL = srv.URL
	conn, err := NewShopify(&models.PlatformCredential{AccessToken: "shpat_test"}, opts)
	require.NoError(t, err)

	c := &collector{}
	require.NoError(t, conn.FetchOrders(context.Background(), FetchOptions{PageSize: 2}, c.page))
	assert.Equal(t, []string{"1", "2", "3", "4", "5", "6"}, c.records)
	assert.Equal(t, 3, c.pages)
}

func TestShopify_RateLimitedPageIsRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		assert.Equal(t, "/orders.json", r.URL.Path)
		w.Write([]byte(`{"orders":[{"id":1001},{"id":1002}]}`))
	}))
	defer srv.Close()

	var mu sync.Mutex
	var waits []time.Duration
	opts := testOptions()
	opts.ShopifyBaseURL = srv.URL
	opts.Sleep = func(_ context.Context, d time.Duration) error {
		mu.Lock()
		waits = append(waits, d)
		mu.Unlock()
		return nil
	}
	conn, err := NewShopify(&models.PlatformCredential{AccessToken: "shpat_test"}, opts)
	require.NoError(t, err)

	c := &collector{}
	require.NoError(t, conn.FetchOrders(context.Background(), FetchOptions{}, c.page))
	assert.Equal(t, []string{"1001", "1002"}, c.records)
	assert.Equal(t, 1, c.pages)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
	assert.Equal(t, []time.Duration{time.Second}, waits)
}

func TestShopify_BaseURLFromShopName(t *testing.T) {
	conn, err := NewShopify(&models.PlatformCredential{ExternalAccountID: "acme", AccessToken: "t"}, Options{})
	require.NoError(t, err)
	assert.Equal(t, "https://acme.myshopify.com/admin/api/2023-10", conn.(*Shopify).baseURL)

	conn, err = NewShopify(&models.PlatformCredential{ExternalAccountID: "acme.myshopify.com", AccessToken: "t"}, Options{ShopifyAPIVersion: "2024-01"})
	require.NoError(t, err)
	assert.Equal(t, "https://acme.myshopify.com/admin/api/2024-01", conn.(*Shopify).baseURL)
}

func TestShopify_PageFuncErrorStopsFetch(t *testing.T) {
	var calls int32
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Header().Set("Link", fmt.Sprintf(`<%s/products.json?page_info=next>; rel="next"`, srv.URL))
		w.Write([]byte(`{"products":[{"id":1}]}`))
	}))
	defer srv.Close()

	opts := testOptions()
	opts.ShopifyBaseURL = srv.URL
	conn, err := NewShopify(&models.PlatformCredential{AccessToken: "t"}, opts)
	require.NoError(t, err)

	stop := fmt.Errorf("staging down")
	err = conn.FetchProducts(context.Background(), FetchOptions{}, func([]Record) error { return stop })
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestWalmart_CursorPaginationAndHeaders(t *testing.T) {
	var tokenCalls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v3/token" {
			atomic.AddInt32(&tokenCalls, 1)
			assert.True(t, strings.HasPrefix(r.Header.Get("Authorization"), "Basic "))
			assert.Equal(t, "Walmart Marketplace", r.Header.Get("WM_SVC.NAME"))
			body, _ := io.ReadAll(r.Body)
			assert.Equal(t, "grant_type=client_credentials", string(body))
			w.Write([]byte(`{"access_token":"wm-token","token_type":"Bearer","expires_in":900}`))
			return
		}

		assert.Equal(t, "/v3/orders", r.URL.Path)
		assert.Equal(t, "wm-token", r.Header.Get("WM_SEC.ACCESS_TOKEN"))
		assert.Equal(t, "consumer-1", r.Header.Get("WM_CONSUMER.CHANNEL.TYPE"))
		assert.NotEmpty(t, r.Header.Get("WM_QOS.CORRELATION_ID"))

		switch r.URL.Query().Get("cursor") {
		case "":
			w.Write([]byte(`{"list":{"meta":{"nextCursor":"?cursor=2"},"elements":{"order":[{"id":"a"},{"id":"b"}]}}}`))
		case "2":
			w.Write([]byte(`{"list":{"meta":{"nextCursor":"?cursor=3"},"elements":{"order":[{"id":"c"},{"id":"d"}]}}}`))
		case "3":
			w.Write([]byte(`{"list":{"meta":{"nextCursor":""},"elements":{"order":[{"id":"e"},{"id":"f"}]}}}`))
		}
	}))
	defer srv.Close()

	opts := testOptions()
	opts.WalmartBaseURL = srv.URL
	conn, err := NewWalmart(&models.PlatformCredential{
		Settings: models.Settings{"client_id": "id", "client_secret": "secret", "consumer_id": "consumer-1"},
	}, opts)
	require.NoError(t, err)

	c := &collector{}
	require.NoError(t, conn.FetchOrders(context.Background(), FetchOptions{}, c.page))
	assert.Equal(t, []string{"a", "b", "c", "d", "e", "f"}, c.records)
	assert.Equal(t, int32(1), atomic.LoadInt32(&tokenCalls))
}

func TestWalmart_SingleOrderObject(t *testing.T) {
	records, err := oneOrMany(json.RawMessage(`{"id":"solo"}`))
	require.NoError(t, err)
	assert.Len(t, records, 1)

	records, err = oneOrMany(nil)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestWalmart_ItemsOffsetPaging(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v3/token" {
			w.Write([]byte(`{"access_token":"t","expires_in":900}`))
			return
		}
		switch r.URL.Query().Get("offset") {
		case "0":
			w.Write([]byte(`{"ItemResponse":[{"id":"s1"},{"id":"s2"}],"totalItems":5}`))
		case "2":
			w.Write([]byte(`{"ItemResponse":[{"id":"s3"},{"id":"s4"}],"totalItems":5}`))
		case "4":
			w.Write([]byte(`{"ItemResponse":[{"id":"s5"}],"totalItems":5}`))
		default:
			t.Errorf("unexpected offset %s", r.URL.Query().Get("offset"))
		}
	}))
	defer srv.Close()

	opts := testOptions()
	opts.WalmartBaseURL = srv.URL
	conn, err := NewWalmart(&models.PlatformCredential{
		ExternalAccountID: "consumer",
		Settings:          models.Settings{"client_id": "id", "client_secret": "secret"},
	}, opts)
	require.NoError(t, err)

	c := &collector{}
	require.NoError(t, conn.FetchProducts(context.Background(), FetchOptions{PageSize: 2}, c.page))
	assert.Equal(t, []string{"s1", "s2", "s3", "s4", "s5"}, c.records)
}

func TestWalmart_TokenRejectedIsAuthError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"invalid_client"}`))
	}))
	defer srv.Close()

	opts := testOptions()
	opts.WalmartBaseURL = srv.URL
	conn, err := NewWalmart(&models.PlatformCredential{
		Settings: models.Settings{"client_id": "id", "client_secret": "bad", "consumer_id": "c"},
	}, opts)
	require.NoError(t, err)

	err = conn.FetchInventory(context.Background(), FetchOptions{}, func([]Record) error { return nil })
	assert.True(t, IsAuthError(err))
	assert.Error(t, conn.(Pinger).Ping(context.Background()))
}

func TestQuickBooks_QueryPagingAndTokenRotation(t *testing.T) {
	var mu sync.Mutex
	var queries []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/oauth" {
			r.ParseForm()
			assert.Equal(t, "refresh_token", r.PostForm.Get("grant_type"))
			assert.Equal(t, "rt-old", r.PostForm.Get("refresh_token"))
			w.Write([]byte(`{"access_token":"qb-token","expires_in":3600,"refresh_token":"rt-new"}`))
			return
		}

		assert.Equal(t, "/v3/company/realm-9/query", r.URL.Path)
		assert.Equal(t, "65", r.URL.Query().Get("minorversion"))
		assert.Equal(t, "application/text", r.Header.Get("Content-Type"))
		assert.Equal(t, "Bearer qb-token", r.Header.Get("Authorization"))

		body, _ := io.ReadAll(r.Body)
		q := string(body)
		mu.Lock()
		queries = append(queries, q)
		mu.Unlock()

		switch {
		case strings.Contains(q, "STARTPOSITION 1 "):
			w.Write([]byte(`{"QueryResponse":{"Invoice":[{"Id":"1"},{"Id":"2"}],"startPosition":1,"maxResults":2}}`))
		case strings.Contains(q, "STARTPOSITION 3 "):
			w.Write([]byte(`{"QueryResponse":{"Invoice":[{"Id":"3"},{"Id":"4"}],"startPosition":3,"maxResults":2}}`))
		default:
			w.Write([]byte(`{"QueryResponse":{"Invoice":[{"Id":"5"}],"startPosition":5,"maxResults":1}}`))
		}
	}))
	defer srv.Close()

	var saved []string
	opts := testOptions()
	opts.QuickBooksBaseURL = srv.URL
	opts.QuickBooksTokenURL = srv.URL + "/oauth"
	opts.TokenSink = tokenSinkFunc(func(_ context.Context, credID, rt string) error {
		saved = append(saved, credID+":"+rt)
		return nil
	})

	conn, err := NewQuickBooks(&models.PlatformCredential{
		ID:                "cred-1",
		ExternalAccountID: "realm-9",
		RefreshToken:      "rt-old",
		Settings:          models.Settings{"client_id": "id", "client_secret": "secret"},
	}, opts)
	require.NoError(t, err)

	since := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	var ids []string
	err = conn.FetchOrders(context.Background(), FetchOptions{Since: since, PageSize: 2}, func(records []Record) error {
		for _, r := range records {
			var v struct{ Id string }
			require.NoError(t, json.Unmarshal(r, &v))
			ids = append(ids, v.Id)
		}
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"1", "2", "3", "4", "5"}, ids)
	require.Len(t, queries, 3)
	assert.Equal(t, "SELECT * FROM Invoice WHERE TxnDate >= '2024-02-01' ORDERBY Id STARTPOSITION 1 MAXRESULTS 2", queries[0])
	assert.Equal(t, []string{"cred-1:rt-new"}, saved)
	assert.Equal(t, "rt-new", conn.(*QuickBooks).refreshToken)
}

func TestAmazon_SignsAndPagesOrders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/auth/o2/token" {
			r.ParseForm()
			assert.Equal(t, "lwa-refresh", r.PostForm.Get("refresh_token"))
			w.Write([]byte(`{"access_token":"Atza|token","expires_in":3600}`))
			return
		}

		assert.Equal(t, "/orders/v0/orders", r.URL.Path)
		assert.Equal(t, "Atza|token", r.Header.Get("x-amz-access-token"))
		assert.True(t, strings.HasPrefix(r.Header.Get("Authorization"), "AWS4-HMAC-SHA256 Credential=AKIDEXAMPLE/"))
		assert.Contains(t, r.Header.Get("Authorization"), "/us-east-1/execute-api/aws4_request")
		assert.Equal(t, "ATVPDKIKX0DER", r.URL.Query().Get("MarketplaceIds"))

		switch r.URL.Query().Get("NextToken") {
		case "":
			assert.NotEmpty(t, r.URL.Query().Get("CreatedAfter"))
			w.Write([]byte(`{"payload":{"Orders":[{"id":"o1"},{"id":"o2"}],"NextToken":"t2"}}`))
		case "t2":
			assert.Empty(t, r.URL.Query().Get("CreatedAfter"))
			w.Write([]byte(`{"payload":{"Orders":[{"id":"o3"}]}}`))
		}
	}))
	defer srv.Close()

	opts := testOptions()
	opts.AmazonBaseURL = srv.URL
	opts.AmazonTokenURL = srv.URL + "/auth/o2/token"
	conn, err := NewAmazon(&models.PlatformCredential{
		RefreshToken: "lwa-refresh",
		Settings: models.Settings{
			"client_id":             "amzn1.app",
			"client_secret":         "secret",
			"aws_access_key_id":     "AKIDEXAMPLE",
			"aws_secret_access_key": "wJalrXUtnFEMI",
			"marketplace_ids":       "ATVPDKIKX0DER",
		},
	}, opts)
	require.NoError(t, err)

	c := &collector{}
	require.NoError(t, conn.FetchOrders(context.Background(), FetchOptions{Since: time.Now().Add(-time.Hour)}, c.page))
	assert.Equal(t, []string{"o1", "o2", "o3"}, c.records)
}

func TestAmazon_UnknownRegion(t *testing.T) {
	_, err := NewAmazon(&models.PlatformCredential{
		RefreshToken: "r",
		Settings: models.Settings{
			"client_id": "a", "client_secret": "b", "aws_access_key_id": "c",
			"aws_secret_access_key": "d", "marketplace_ids": "e", "region": "mars",
		},
	}, Options{})
	assert.Error(t, err)
}
