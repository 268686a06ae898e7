package connector

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"commerce-etl/internal/models"
	"commerce-etl/internal/util"
)

const (
	walmartServiceName     = "Walmart Marketplace"
	walmartDefaultPageSize = 200
	walmartMaxPageSize     = 200
	walmartReportType      = "ITEM_PERFORMANCE"
	walmartReportWindow    = 30 * 24 * time.Hour
)

// Walmart uses client-credentials tokens and WM_* headers on every call.
type Walmart struct {
	unsupported
	baseURL     string
	basicAuth   string
	channelType string
	tokens      *TokenCache
	http        *HTTPClient
	now         func() time.Time
	logger      *zap.Logger
}

func NewWalmart(cred *models.PlatformCredential, opts Options) (Connector, error) {
	s := cred.Settings
	clientID := strings.TrimSpace(s.Get("client_id", ""))
	clientSecret := strings.TrimSpace(s.Get("client_secret", ""))
	consumerID := strings.TrimSpace(s.Get("consumer_id", cred.ExternalAccountID))
	for name, v := range map[string]string{"client_id": clientID, "client_secret": clientSecret, "consumer_id": consumerID} {
		if err := requireField(models.PlatformWalmart, name, v); err != nil {
			return nil, err
		}
	}

	base := opts.WalmartBaseURL
	if base == "" {
		base = "https://marketplace.walmartapis.com"
	}

	w := &Walmart{
		baseURL:     strings.TrimRight(base, "/") + "/v3",
		basicAuth:   "Basic " + base64.StdEncoding.EncodeToString([]byte(clientID+":"+clientSecret)),
		channelType: consumerID,
		http:        opts.httpClient(models.PlatformWalmart),
		now:         time.Now,
		logger: util.GetLogger().Named("walmart").With(
			util.TenantFields(cred.TenantID, string(models.PlatformWalmart))...),
	}
	w.tokens = NewTokenCache(string(models.PlatformWalmart), opts.TokenMargin, w.fetchToken)
	return w, nil
}

func (w *Walmart) Platform() models.Platform { return models.PlatformWalmart }

func (w *Walmart) DataTypes() []models.DataType {
	return []models.DataType{models.DataTypeOrders, models.DataTypeProducts, models.DataTypeInventory, models.DataTypeReports}
}

func (w *Walmart) fetchToken(ctx context.Context) (Token, error) {
	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	return exchangeToken(ctx, w.http, &Request{
		URL: w.baseURL + "/token",
		Header: http.Header{
			"Authorization":         {w.basicAuth},
			"Content-Type":          {"application/x-www-form-urlencoded"},
			"WM_SVC.NAME":           {walmartServiceName},
			"WM_QOS.CORRELATION_ID": {uuid.NewString()},
		},
		Body: []byte(form.Encode()),
	}, w.now())
}

func (w *Walmart) authorize(ctx context.Context, req *http.Request) error {
	token, err := w.tokens.Get(ctx)
	if err != nil {
		return err
	}
	// Header keys are set directly since Walmart's dotted names are not canonical MIME keys.
	req.Header["WM_SVC.NAME"] = []string{walmartServiceName}
	req.Header["WM_QOS.CORRELATION_ID"] = []string{uuid.NewString()}
	req.Header["WM_SEC.ACCESS_TOKEN"] = []string{token}
	req.Header["WM_CONSUMER.CHANNEL.TYPE"] = []string{w.channelType}
	req.Header.Set("Content-Type", "application/json")
	return nil
}

func (w *Walmart) get(ctx context.Context, rawURL string, q url.Values) (*Response, error) {
	return w.http.GetJSON(ctx, &Request{
		URL:            rawURL,
		Query:          q,
		Authorize:      w.authorize,
		OnUnauthorized: w.tokens.Invalidate,
	}, nil)
}

func (w *Walmart) FetchOrders(ctx context.Context, opts FetchOptions, fn PageFunc) error {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(clampPageSize(opts.PageSize, walmartDefaultPageSize, walmartMaxPageSize)))
	q.Set("productInfo", "true")
	if !opts.Since.IsZero() {
		q.Set("createdStartDate", opts.Since.UTC().Format(time.RFC3339))
	}

	return w.followCursor(ctx, "/orders", q, fn, func(body []byte) ([]json.RawMessage, string, error) {
		var page struct {
			List struct {
				Meta struct {
					NextCursor string `json:"nextCursor"`
				} `json:"meta"`
				Elements struct {
					Order json.RawMessage `json:"order"`
				} `json:"elements"`
			} `json:"list"`
		}
		if err := json.Unmarshal(body, &page); err != nil {
			return nil, "", fmt.Errorf("failed to decode walmart orders: %w", err)
		}
		records, err := oneOrMany(page.List.Elements.Order)
		return records, page.List.Meta.NextCursor, err
	})
}

func (w *Walmart) FetchInventory(ctx context.Context, opts FetchOptions, fn PageFunc) error {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(clampPageSize(opts.PageSize, walmartDefaultPageSize, walmartMaxPageSize)))

	return w.followCursor(ctx, "/inventories", q, fn, func(body []byte) ([]json.RawMessage, string, error) {
		var page struct {
			Meta struct {
				NextCursor string `json:"nextCursor"`
			} `json:"meta"`
			Elements struct {
				Inventories []json.RawMessage `json:"inventories"`
			} `json:"elements"`
		}
		if err := json.Unmarshal(body, &page); err != nil {
			return nil, "", fmt.Errorf("failed to decode walmart inventory: %w", err)
		}
		return page.Elements.Inventories, page.Meta.NextCursor, nil
	})
}

// FetchProducts pages the catalog by offset until a short page or the reported total.
func (w *Walmart) FetchProducts(ctx context.Context, opts FetchOptions, fn PageFunc) error {
	limit := clampPageSize(opts.PageSize, walmartDefaultPageSize, walmartMaxPageSize)
	offset := 0

	for {
		q := url.Values{}
		q.Set("limit", strconv.Itoa(limit))
		q.Set("offset", strconv.Itoa(offset))
		resp, err := w.get(ctx, w.baseURL+"/items", q)
		if err != nil {
			return fmt.Errorf("failed to fetch walmart items at offset %d: %w", offset, err)
		}

		var page struct {
			ItemResponse []json.RawMessage `json:"ItemResponse"`
			TotalItems   int               `json:"totalItems"`
		}
		if err := resp.Decode(&page); err != nil {
			return err
		}
		if len(page.ItemResponse) > 0 {
			if err := fn(page.ItemResponse); err != nil {
				return err
			}
		}

		offset += len(page.ItemResponse)
		if len(page.ItemResponse) < limit || (page.TotalItems > 0 && offset >= page.TotalItems) {
			return nil
		}
	}
}

// FetchReports pulls the item performance report for the trailing window.
func (w *Walmart) FetchReports(ctx context.Context, opts FetchOptions, fn PageFunc) error {
	end := w.now().UTC()
	q := url.Values{}
	q.Set("type", walmartReportType)
	q.Set("startDate", end.Add(-walmartReportWindow).Format("2006-01-02"))
	q.Set("endDate", end.Format("2006-01-02"))

	resp, err := w.get(ctx, w.baseURL+"/reports", q)
	if err != nil {
		return fmt.Errorf("failed to fetch walmart reports: %w", err)
	}
	var page struct {
		Reports []json.RawMessage `json:"reports"`
	}
	if err := resp.Decode(&page); err != nil {
		return err
	}
	if len(page.Reports) == 0 {
		return nil
	}
	return fn(page.Reports)
}

// Ping verifies the client credentials.
func (w *Walmart) Ping(ctx context.Context) error {
	_, err := w.tokens.Get(ctx)
	return err
}

type walmartPageDecoder func(body []byte) ([]json.RawMessage, string, error)

// followCursor handles Walmart's nextCursor, which is either a ready query
// string ("?limit=...&soIndex=...") or an opaque token.
func (w *Walmart) followCursor(ctx context.Context, path string, first url.Values, fn PageFunc, decode walmartPageDecoder) error {
	target := w.baseURL + path
	query := first
	pages := 0

	for {
		resp, err := w.get(ctx, target, query)
		if err != nil {
			return fmt.Errorf("failed to fetch walmart %s page %d: %w", path, pages+1, err)
		}
		records, cursor, err := decode(resp.Body)
		if err != nil {
			return err
		}
		pages++
		if len(records) > 0 {
			if err := fn(records); err != nil {
				return err
			}
		}
		if cursor == "" {
			break
		}

		if strings.HasPrefix(cursor, "?") {
			target = w.baseURL + path + cursor
			query = nil
		} else {
			query = url.Values{}
			query.Set("limit", first.Get("limit"))
			query.Set("nextCursor", cursor)
		}
	}

	w.logger.Debug("Walmart fetch complete", zap.String("path", path), zap.Int("pages", pages))
	return nil
}

// oneOrMany accepts a JSON array or a single object.
func oneOrMany(raw json.RawMessage) ([]json.RawMessage, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return nil, nil
	}
	if strings.HasPrefix(trimmed, "{") {
		return []json.RawMessage{raw}, nil
	}
	var list []json.RawMessage
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, fmt.Errorf("failed to decode record list: %w", err)
	}
	return list, nil
}
