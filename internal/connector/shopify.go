package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"commerce-etl/internal/models"
	"commerce-etl/internal/util"
)

const (
	shopifyDefaultPageSize = 250
	shopifyMaxPageSize     = 250
)

// Shopify talks to the Shopify Admin REST API with a static access token.
type Shopify struct {
	unsupported
	baseURL     string
	accessToken string
	locationIDs string
	http        *HTTPClient
	logger      *zap.Logger
}

func NewShopify(cred *models.PlatformCredential, opts Options) (Connector, error) {
	if err := requireField(models.PlatformShopify, "access_token", cred.AccessToken); err != nil {
		return nil, err
	}

	base := opts.ShopifyBaseURL
	if base == "" {
		if err := requireField(models.PlatformShopify, "external_account_id", cred.ExternalAccountID); err != nil {
			return nil, err
		}
		domain := cred.ExternalAccountID
		if !strings.Contains(domain, ".") {
			domain += ".myshopify.com"
		}
		version := opts.ShopifyAPIVersion
		if version == "" {
			version = "2023-10"
		}
		base = fmt.Sprintf("https://%s/admin/api/%s", domain, version)
	}

	return &Shopify{
		baseURL:     strings.TrimRight(base, "/"),
		accessToken: cred.AccessToken,
		locationIDs: cred.Settings.Get("location_ids", ""),
		http:        opts.httpClient(models.PlatformShopify),
		logger: util.GetLogger().Named("shopify").With(
			util.TenantFields(cred.TenantID, string(models.PlatformShopify))...),
	}, nil
}

func (s *Shopify) Platform() models.Platform { return models.PlatformShopify }

func (s *Shopify) DataTypes() []models.DataType {
	return []models.DataType{models.DataTypeOrders, models.DataTypeProducts, models.DataTypeCustomers, models.DataTypeInventory}
}

func (s *Shopify) FetchOrders(ctx context.Context, opts FetchOptions, fn PageFunc) error {
	q := s.query(opts)
	q.Set("status", "any")
	if !opts.Since.IsZero() {
		q.Set("created_at_min", opts.Since.UTC().Format(time.RFC3339))
	}
	if opts.SinceID != "" {
		q.Set("since_id", opts.SinceID)
	}
	return s.paginate(ctx, "orders.json", "orders", q, fn)
}

func (s *Shopify) FetchProducts(ctx context.Context, opts FetchOptions, fn PageFunc) error {
	q := s.query(opts)
	if !opts.Since.IsZero() {
		q.Set("updated_at_min", opts.Since.UTC().Format(time.RFC3339))
	}
	return s.paginate(ctx, "products.json", "products", q, fn)
}

func (s *Shopify) FetchCustomers(ctx context.Context, opts FetchOptions, fn PageFunc) error {
	q := s.query(opts)
	if !opts.Since.IsZero() {
		q.Set("updated_at_min", opts.Since.UTC().Format(time.RFC3339))
	}
	return s.paginate(ctx, "customers.json", "customers", q, fn)
}

func (s *Shopify) FetchInventory(ctx context.Context, opts FetchOptions, fn PageFunc) error {
	q := s.query(opts)
	if s.locationIDs != "" {
		q.Set("location_ids", s.locationIDs)
	}
	return s.paginate(ctx, "inventory_levels.json", "inventory_levels", q, fn)
}

// Ping checks the token against the shop endpoint.
func (s *Shopify) Ping(ctx context.Context) error {
	_, err := s.http.GetJSON(ctx, &Request{URL: s.baseURL + "/shop.json", Authorize: s.authorize}, nil)
	return err
}

func (s *Shopify) query(opts FetchOptions) url.Values {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(clampPageSize(opts.PageSize, shopifyDefaultPageSize, shopifyMaxPageSize)))
	return q
}

func (s *Shopify) authorize(_ context.Context, req *http.Request) error {
	req.Header.Set("X-Shopify-Access-Token", s.accessToken)
	req.Header.Set("Content-Type", "application/json")
	return nil
}

// paginate follows Link rel="next" until it disappears. The next URL already
// carries page_info and limit, so the original filters are not resent.
func (s *Shopify) paginate(ctx context.Context, resource, key string, q url.Values, fn PageFunc) error {
	next := s.baseURL + "/" + resource
	query := q
	pages := 0

	for next != "" {
		resp, err := s.http.GetJSON(ctx, &Request{URL: next, Query: query, Authorize: s.authorize}, nil)
		if err != nil {
			return fmt.Errorf("failed to fetch shopify %s page %d: %w", key, pages+1, err)
		}

		var envelope map[string][]json.RawMessage
		if err := resp.Decode(&envelope); err != nil {
			return err
		}
		records := envelope[key]
		pages++
		if len(records) > 0 {
			if err := fn(records); err != nil {
				return err
			}
		}

		next = nextLink(resp.Header.Get("Link"))
		query = nil
	}

	s.logger.Debug("Shopify fetch complete", zap.String("resource", key), zap.Int("pages", pages))
	return nil
}

// nextLink extracts the rel="next" target from an RFC 8288 Link header.
func nextLink(header string) string {
	for _, part := range strings.Split(header, ",") {
		segs := strings.Split(part, ";")
		if len(segs) < 2 {
			continue
		}
		target := strings.TrimSpace(segs[0])
		if !strings.HasPrefix(target, "<") || !strings.HasSuffix(target, ">") {
			continue
		}
		for _, p := range segs[1:] {
			p = strings.TrimSpace(p)
			if p == `rel="next"` || p == "rel=next" {
				return target[1 : len(target)-1]
			}
		}
	}
	return ""
}
