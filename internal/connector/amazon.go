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

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"go.uber.org/zap"

	"commerce-etl/internal/models"
	"commerce-etl/internal/util"
)

// SHA-256 of an empty body, used to sign GET requests.
const emptyPayloadHash = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"

const (
	amazonDefaultPageSize = 100
	amazonMaxPageSize     = 100
)

var amazonRegions = map[string]struct{ host, awsRegion string }{
	"na": {"sellingpartnerapi-na.amazon.com", "us-east-1"},
	"eu": {"sellingpartnerapi-eu.amazon.com", "eu-west-1"},
	"fe": {"sellingpartnerapi-fe.amazon.com", "us-west-2"},
}

// Amazon calls the Selling Partner API using an LWA access token and SigV4.
type Amazon struct {
	unsupported
	baseURL        string
	awsRegion      string
	marketplaceIDs string
	creds          aws.Credentials
	signer         *v4.Signer
	tokens         *TokenCache
	http           *HTTPClient
	logger         *zap.Logger
}

func NewAmazon(cred *models.PlatformCredential, opts Options) (Connector, error) {
	s := cred.Settings
	for name, v := range map[string]string{
		"refresh_token":         cred.RefreshToken,
		"client_id":             s.Get("client_id", ""),
		"client_secret":         s.Get("client_secret", ""),
		"aws_access_key_id":     s.Get("aws_access_key_id", ""),
		"aws_secret_access_key": s.Get("aws_secret_access_key", ""),
		"marketplace_ids":       s.Get("marketplace_ids", ""),
	} {
		if err := requireField(models.PlatformAmazon, name, v); err != nil {
			return nil, err
		}
	}

	region, ok := amazonRegions[strings.ToLower(s.Get("region", "na"))]
	if !ok {
		return nil, fmt.Errorf("amazon: unknown region %q", s.Get("region", ""))
	}
	base := opts.AmazonBaseURL
	if base == "" {
		base = "https://" + region.host
	}
	tokenURL := opts.AmazonTokenURL
	if tokenURL == "" {
		tokenURL = "https://api.amazon.com/auth/o2/token"
	}

	a := &Amazon{
		baseURL:        strings.TrimRight(base, "/"),
		awsRegion:      s.Get("aws_region", region.awsRegion),
		marketplaceIDs: s.Get("marketplace_ids", ""),
		creds: aws.Credentials{
			AccessKeyID:     s.Get("aws_access_key_id", ""),
			SecretAccessKey: s.Get("aws_secret_access_key", ""),
		},
		signer: v4.NewSigner(),
		http:   opts.httpClient(models.PlatformAmazon),
		logger: util.GetLogger().Named("amazon").With(
			util.TenantFields(cred.TenantID, string(models.PlatformAmazon))...),
	}

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", cred.RefreshToken)
	form.Set("client_id", s.Get("client_id", ""))
	form.Set("client_secret", s.Get("client_secret", ""))
	a.tokens = NewTokenCache(string(models.PlatformAmazon), opts.TokenMargin, func(ctx context.Context) (Token, error) {
		return exchangeToken(ctx, a.http, &Request{
			URL:    tokenURL,
			Header: http.Header{"Content-Type": {"application/x-www-form-urlencoded"}},
			Body:   []byte(form.Encode()),
		}, time.Now())
	})
	return a, nil
}

func (a *Amazon) Platform() models.Platform { return models.PlatformAmazon }

func (a *Amazon) DataTypes() []models.DataType {
	return []models.DataType{models.DataTypeOrders, models.DataTypeInventory}
}

func (a *Amazon) FetchOrders(ctx context.Context, opts FetchOptions, fn PageFunc) error {
	first := url.Values{}
	first.Set("MarketplaceIds", a.marketplaceIDs)
	first.Set("MaxResultsPerPage", strconv.Itoa(clampPageSize(opts.PageSize, amazonDefaultPageSize, amazonMaxPageSize)))
	since := opts.Since
	if since.IsZero() {
		since = time.Now().Add(-30 * 24 * time.Hour)
	}
	first.Set("CreatedAfter", since.UTC().Format(time.RFC3339))

	return a.paginate(ctx, "/orders/v0/orders", first, fn, func(body []byte) ([]json.RawMessage, string, error) {
		var page struct {
			Payload struct {
				Orders    []json.RawMessage `json:"Orders"`
				NextToken string            `json:"NextToken"`
			} `json:"payload"`
		}
		if err := json.Unmarshal(body, &page); err != nil {
			return nil, "", fmt.Errorf("failed to decode amazon orders: %w", err)
		}
		return page.Payload.Orders, page.Payload.NextToken, nil
	})
}

func (a *Amazon) FetchInventory(ctx context.Context, opts FetchOptions, fn PageFunc) error {
	first := url.Values{}
	first.Set("details", "true")
	first.Set("granularityType", "Marketplace")
	first.Set("granularityId", strings.Split(a.marketplaceIDs, ",")[0])
	first.Set("marketplaceIds", a.marketplaceIDs)
	if !opts.Since.IsZero() {
		first.Set("startDateTime", opts.Since.UTC().Format(time.RFC3339))
	}

	return a.paginate(ctx, "/fba/inventory/v1/summaries", first, fn, func(body []byte) ([]json.RawMessage, string, error) {
		var page struct {
			Payload struct {
				InventorySummaries []json.RawMessage `json:"inventorySummaries"`
				NextToken          string            `json:"NextToken"`
			} `json:"payload"`
			Pagination struct {
				NextToken string `json:"nextToken"`
			} `json:"pagination"`
		}
		if err := json.Unmarshal(body, &page); err != nil {
			return nil, "", fmt.Errorf("failed to decode amazon inventory: %w", err)
		}
		next := page.Pagination.NextToken
		if next == "" {
			next = page.Payload.NextToken
		}
		return page.Payload.InventorySummaries, next, nil
	})
}

// Ping verifies the LWA refresh token.
func (a *Amazon) Ping(ctx context.Context) error {
	_, err := a.tokens.Get(ctx)
	return err
}

func (a *Amazon) authorize(ctx context.Context, req *http.Request) error {
	token, err := a.tokens.Get(ctx)
	if err != nil {
		return err
	}
	req.Header.Set("x-amz-access-token", token)
	if err := a.signer.SignHTTP(ctx, a.creds, req, emptyPayloadHash, "execute-api", a.awsRegion, time.Now().UTC()); err != nil {
		return fmt.Errorf("amazon: failed to sign request: %w", err)
	}
	return nil
}

type amazonPageDecoder func(body []byte) ([]json.RawMessage, string, error)

// paginate sends the filters on the first page only; later pages carry just the token.
func (a *Amazon) paginate(ctx context.Context, path string, first url.Values, fn PageFunc, decode amazonPageDecoder) error {
	query := first
	tokenParam := "NextToken"
	if strings.HasPrefix(path, "/fba/") {
		tokenParam = "nextToken"
	}
	pages := 0

	for {
		resp, err := a.http.GetJSON(ctx, &Request{
			URL:            a.baseURL + path,
			Query:          query,
			Authorize:      a.authorize,
			OnUnauthorized: a.tokens.Invalidate,
		}, nil)
		if err != nil {
			return fmt.Errorf("failed to fetch amazon %s page %d: %w", path, pages+1, err)
		}

		records, next, err := decode(resp.Body)
		if err != nil {
			return err
		}
		pages++
		if len(records) > 0 {
			if err := fn(records); err != nil {
				return err
			}
		}
		if next == "" {
			break
		}

		query = url.Values{}
		query.Set(tokenParam, next)
		if tokenParam == "NextToken" {
			query.Set("MarketplaceIds", a.marketplaceIDs)
		} else {
			query.Set("details", "true")
			query.Set("granularityType", "Marketplace")
			query.Set("granularityId", first.Get("granularityId"))
			query.Set("marketplaceIds", a.marketplaceIDs)
		}
	}

	a.logger.Debug("Amazon fetch complete", zap.String("path", path), zap.Int("pages", pages))
	return nil
}
