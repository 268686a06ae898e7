package connector

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"commerce-etl/internal/models"
	"commerce-etl/internal/util"
)

const (
	quickBooksDefaultPageSize = 1000
	quickBooksMaxPageSize     = 1000
	quickBooksReportWindow    = 90 * 24 * time.Hour
)

var quickBooksReports = []string{"ProfitAndLoss", "BalanceSheet"}

// QuickBooks reads accounting entities through the QBO query endpoint.
type QuickBooks struct {
	unsupported
	credentialID string
	companyURL   string
	realmID      string
	minorVersion string
	tokenURL     string
	basicAuth    string
	sink         TokenSink
	tokens       *TokenCache
	http         *HTTPClient
	now          func() time.Time
	logger       *zap.Logger

	mu           sync.Mutex
	refreshToken string
}

func NewQuickBooks(cred *models.PlatformCredential, opts Options) (Connector, error) {
	s := cred.Settings
	clientID := s.Get("client_id", "")
	clientSecret := s.Get("client_secret", "")
	for name, v := range map[string]string{
		"client_id":           clientID,
		"client_secret":       clientSecret,
		"refresh_token":       cred.RefreshToken,
		"external_account_id": cred.ExternalAccountID,
	} {
		if err := requireField(models.PlatformQuickBooks, name, v); err != nil {
			return nil, err
		}
	}

	base := opts.QuickBooksBaseURL
	if base == "" {
		base = "https://quickbooks.api.intuit.com"
	}
	tokenURL := opts.QuickBooksTokenURL
	if tokenURL == "" {
		tokenURL = "https://oauth.platform.intuit.com/oauth2/v1/tokens/bearer"
	}
	minor := opts.QuickBooksMinorVersion
	if minor == "" {
		minor = "65"
	}

	q := &QuickBooks{
		credentialID: cred.ID,
		companyURL:   fmt.Sprintf("%s/v3/company/%s", strings.TrimRight(base, "/"), cred.ExternalAccountID),
		realmID:      cred.ExternalAccountID,
		minorVersion: minor,
		tokenURL:     tokenURL,
		basicAuth:    "Basic " + base64.StdEncoding.EncodeToString([]byte(clientID+":"+clientSecret)),
		sink:         opts.TokenSink,
		http:         opts.httpClient(models.PlatformQuickBooks),
		now:          time.Now,
		refreshToken: cred.RefreshToken,
		logger: util.GetLogger().Named("quickbooks").With(
			util.TenantFields(cred.TenantID, string(models.PlatformQuickBooks))...),
	}
	q.tokens = NewTokenCache(string(models.PlatformQuickBooks), opts.TokenMargin, q.fetchToken)
	return q, nil
}

func (q *QuickBooks) Platform() models.Platform { return models.PlatformQuickBooks }

func (q *QuickBooks) DataTypes() []models.DataType {
	return []models.DataType{models.DataTypeOrders, models.DataTypeProducts, models.DataTypeCustomers, models.DataTypeReports}
}

// fetchToken runs the refresh-token grant. Intuit may rotate the refresh
// token; the new one is kept in memory and written back through the sink.
func (q *QuickBooks) fetchToken(ctx context.Context) (Token, error) {
	q.mu.Lock()
	current := q.refreshToken
	q.mu.Unlock()

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", current)
	tok, err := exchangeToken(ctx, q.http, &Request{
		URL: q.tokenURL,
		Header: http.Header{
			"Authorization": {q.basicAuth},
			"Content-Type":  {"application/x-www-form-urlencoded"},
		},
		Body: []byte(form.Encode()),
	}, q.now())
	if err != nil {
		return Token{}, err
	}

	if tok.RefreshToken != "" && tok.RefreshToken != current {
		q.mu.Lock()
		q.refreshToken = tok.RefreshToken
		q.mu.Unlock()
		if q.sink != nil {
			if err := q.sink.SaveRefreshToken(ctx, q.credentialID, tok.RefreshToken); err != nil {
				q.logger.Error("Failed to persist rotated refresh token", zap.Error(err))
			}
		}
	}
	return tok, nil
}

func (q *QuickBooks) authorize(ctx context.Context, req *http.Request) error {
	token, err := q.tokens.Get(ctx)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}

func (q *QuickBooks) FetchOrders(ctx context.Context, opts FetchOptions, fn PageFunc) error {
	where := ""
	if !opts.Since.IsZero() {
		where = fmt.Sprintf("WHERE TxnDate >= '%s'", opts.Since.UTC().Format("2006-01-02"))
	}
	return q.query(ctx, "Invoice", where, opts.PageSize, fn)
}

func (q *QuickBooks) FetchProducts(ctx context.Context, opts FetchOptions, fn PageFunc) error {
	return q.query(ctx, "Item", "WHERE Active = true", opts.PageSize, fn)
}

func (q *QuickBooks) FetchCustomers(ctx context.Context, opts FetchOptions, fn PageFunc) error {
	where := ""
	if !opts.Since.IsZero() {
		where = fmt.Sprintf("WHERE MetaData.LastUpdatedTime >= '%s'", opts.Since.UTC().Format(time.RFC3339))
	}
	return q.query(ctx, "Customer", where, opts.PageSize, fn)
}

// FetchReports emits one record per financial report for the trailing window.
func (q *QuickBooks) FetchReports(ctx context.Context, opts FetchOptions, fn PageFunc) error {
	end := q.now().UTC()
	params := url.Values{}
	params.Set("start_date", end.Add(-quickBooksReportWindow).Format("2006-01-02"))
	params.Set("end_date", end.Format("2006-01-02"))
	params.Set("minorversion", q.minorVersion)

	records := make([]Record, 0, len(quickBooksReports))
	for _, name := range quickBooksReports {
		resp, err := q.http.GetJSON(ctx, &Request{
			URL:            q.companyURL + "/reports/" + name,
			Query:          params,
			Authorize:      q.authorize,
			OnUnauthorized: q.tokens.Invalidate,
		}, nil)
		if err != nil {
			return fmt.Errorf("failed to fetch quickbooks %s report: %w", name, err)
		}
		records = append(records, json.RawMessage(resp.Body))
	}
	return fn(records)
}

// Ping reads the company info record.
func (q *QuickBooks) Ping(ctx context.Context) error {
	_, err := q.http.GetJSON(ctx, &Request{
		URL:            q.companyURL + "/companyinfo/" + q.realmID,
		Query:          url.Values{"minorversion": {q.minorVersion}},
		Authorize:      q.authorize,
		OnUnauthorized: q.tokens.Invalidate,
	}, nil)
	return err
}

// query pages with STARTPOSITION until a page comes back short.
func (q *QuickBooks) query(ctx context.Context, entity, where string, pageSize int, fn PageFunc) error {
	size := clampPageSize(pageSize, quickBooksDefaultPageSize, quickBooksMaxPageSize)
	start := 1

	for {
		stmt := strings.TrimSpace(fmt.Sprintf("SELECT * FROM %s %s", entity, where))
		stmt = fmt.Sprintf("%s ORDERBY Id STARTPOSITION %d MAXRESULTS %d", stmt, start, size)

		resp, err := q.http.Do(ctx, &Request{
			Method:         http.MethodPost,
			URL:            q.companyURL + "/query",
			Query:          url.Values{"minorversion": {q.minorVersion}},
			Header:         http.Header{"Content-Type": {"application/text"}},
			Body:           []byte(stmt),
			Authorize:      q.authorize,
			OnUnauthorized: q.tokens.Invalidate,
		})
		if err != nil {
			return fmt.Errorf("failed to query quickbooks %s at %d: %w", entity, start, err)
		}

		var page struct {
			QueryResponse map[string]json.RawMessage `json:"QueryResponse"`
		}
		if err := resp.Decode(&page); err != nil {
			return err
		}
		var records []json.RawMessage
		if raw, ok := page.QueryResponse[entity]; ok {
			if err := json.Unmarshal(raw, &records); err != nil {
				return fmt.Errorf("failed to decode quickbooks %s: %w", entity, err)
			}
		}
		if len(records) > 0 {
			if err := fn(records); err != nil {
				return err
			}
		}
		if len(records) < size {
			return nil
		}
		start += len(records)
	}
}
