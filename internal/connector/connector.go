package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"time"

	"commerce-etl/internal/models"
)

// Record is one platform-native record, kept opaque until transformation.
type Record = json.RawMessage

// PageFunc receives each fetched page. Returning an error stops the fetch.
type PageFunc func(records []Record) error

// FetchOptions narrows a fetch to an incremental window.
type FetchOptions struct {
	Since    time.Time
	SinceID  string
	PageSize int
}

// Connector is the uniform capability set every platform client offers.
type Connector interface {
	io.Closer
	Platform() models.Platform
	DataTypes() []models.DataType
	FetchOrders(ctx context.Context, opts FetchOptions, fn PageFunc) error
	FetchProducts(ctx context.Context, opts FetchOptions, fn PageFunc) error
	FetchCustomers(ctx context.Context, opts FetchOptions, fn PageFunc) error
	FetchInventory(ctx context.Context, opts FetchOptions, fn PageFunc) error
	FetchReports(ctx context.Context, opts FetchOptions, fn PageFunc) error
}

// Pinger is implemented by connectors that can verify their credentials cheaply.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Fetch dispatches to the fetch method for dt.
func Fetch(ctx context.Context, c Connector, dt models.DataType, opts FetchOptions, fn PageFunc) error {
	switch dt {
	case models.DataTypeOrders:
		return c.FetchOrders(ctx, opts, fn)
	case models.DataTypeProducts:
		return c.FetchProducts(ctx, opts, fn)
	case models.DataTypeCustomers:
		return c.FetchCustomers(ctx, opts, fn)
	case models.DataTypeInventory:
		return c.FetchInventory(ctx, opts, fn)
	case models.DataTypeReports:
		return c.FetchReports(ctx, opts, fn)
	}
	return fmt.Errorf("%w: %s", ErrUnsupportedDataType, dt)
}

// Supports reports whether c declares dt.
func Supports(c Connector, dt models.DataType) bool {
	for _, t := range c.DataTypes() {
		if t == dt {
			return true
		}
	}
	return false
}

// unsupported is embedded by connectors so undeclared capabilities fail uniformly.
type unsupported struct{}

func (unsupported) FetchOrders(context.Context, FetchOptions, PageFunc) error {
	return fmt.Errorf("%w: %s", ErrUnsupportedDataType, models.DataTypeOrders)
}

func (unsupported) FetchProducts(context.Context, FetchOptions, PageFunc) error {
	return fmt.Errorf("%w: %s", ErrUnsupportedDataType, models.DataTypeProducts)
}

func (unsupported) FetchCustomers(context.Context, FetchOptions, PageFunc) error {
	return fmt.Errorf("%w: %s", ErrUnsupportedDataType, models.DataTypeCustomers)
}

func (unsupported) FetchInventory(context.Context, FetchOptions, PageFunc) error {
	return fmt.Errorf("%w: %s", ErrUnsupportedDataType, models.DataTypeInventory)
}

func (unsupported) FetchReports(context.Context, FetchOptions, PageFunc) error {
	return fmt.Errorf("%w: %s", ErrUnsupportedDataType, models.DataTypeReports)
}

func (unsupported) Close() error { return nil }

// TokenSink persists rotated refresh tokens.
type TokenSink interface {
	SaveRefreshToken(ctx context.Context, credentialID, refreshToken string) error
}

// Options carries the process-wide settings a factory needs.
type Options struct {
	HTTPClient        *http.Client
	Retry             RetryPolicy
	RequestsPerSecond float64
	TokenMargin       time.Duration
	TokenSink         TokenSink
	// Sleep overrides the wait between retries; nil uses a context-aware timer.
	Sleep func(ctx context.Context, d time.Duration) error

	ShopifyAPIVersion      string
	ShopifyBaseURL         string
	AmazonBaseURL          string
	AmazonTokenURL         string
	WalmartBaseURL         string
	QuickBooksBaseURL      string
	QuickBooksTokenURL     string
	QuickBooksMinorVersion string
}

func (o Options) httpClient(platform models.Platform) *HTTPClient {
	hc := NewHTTPClient(string(platform), o.HTTPClient, o.RequestsPerSecond, o.Retry)
	if o.Sleep != nil {
		hc.SetSleeper(o.Sleep)
	}
	return hc
}

// Factory builds a connector for one credential.
type Factory func(cred *models.PlatformCredential, opts Options) (Connector, error)

// Registry maps platforms to connector factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[models.Platform]Factory
	opts      Options
}

func NewRegistry(opts Options) *Registry {
	if opts.TokenMargin == 0 {
		opts.TokenMargin = 5 * time.Minute
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = DefaultRetryPolicy()
	}
	return &Registry{
		factories: make(map[models.Platform]Factory),
		opts:      opts,
	}
}

// NewDefaultRegistry returns a registry with every built-in platform.
func NewDefaultRegistry(opts Options) *Registry {
	r := NewRegistry(opts)
	r.Register(models.PlatformShopify, NewShopify)
	r.Register(models.PlatformAmazon, NewAmazon)
	r.Register(models.PlatformWalmart, NewWalmart)
	r.Register(models.PlatformQuickBooks, NewQuickBooks)
	return r
}

func (r *Registry) Register(p models.Platform, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[p] = f
}

// New builds a connector for cred.
func (r *Registry) New(cred *models.PlatformCredential) (Connector, error) {
	r.mu.RLock()
	f, ok := r.factories[cred.Platform]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPlatform, cred.Platform)
	}
	return f(cred, r.opts)
}

func (r *Registry) Platforms() []models.Platform {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.Platform, 0, len(r.factories))
	for p := range r.factories {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func clampPageSize(n, def, max int) int {
	if n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}

func requireField(platform models.Platform, name, value string) error {
	if value == "" {
		return fmt.Errorf("%s: %w: %s", platform, ErrMissingCredential, name)
	}
	return nil
}
