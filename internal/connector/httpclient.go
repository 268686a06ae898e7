package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"commerce-etl/internal/util"
)

const maxResponseSize = 32 << 20

// RetryPolicy bounds transient retries and rate-limit waits.
type RetryPolicy struct {
	MaxAttempts       int
	InitialInterval   time.Duration
	MaxInterval       time.Duration
	DefaultRetryAfter time.Duration
	MaxRateLimitWaits int
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:       3,
		InitialInterval:   4 * time.Second,
		MaxInterval:       10 * time.Second,
		DefaultRetryAfter: 60 * time.Second,
		MaxRateLimitWaits: 10,
	}
}

// Request describes one logical API call. Authorize runs on every attempt so a
// refreshed token is picked up. When OnUnauthorized is set a 401 invalidates
// the credentials and the call is retried once.
type Request struct {
	Method         string
	URL            string
	Query          url.Values
	Header         http.Header
	Body           []byte
	Authorize      func(ctx context.Context, req *http.Request) error
	OnUnauthorized func()
}

type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Decode unmarshals the response body into v.
func (r *Response) Decode(v interface{}) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// HTTPClient executes platform API calls with pacing, backoff and rate-limit handling.
type HTTPClient struct {
	platform string
	client   *http.Client
	limiter  *rate.Limiter
	policy   RetryPolicy
	sleep    func(ctx context.Context, d time.Duration) error
	logger   *zap.Logger
}

func NewHTTPClient(platform string, client *http.Client, rps float64, policy RetryPolicy) *HTTPClient {
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	limit := rate.Inf
	burst := 1
	if rps > 0 {
		limit = rate.Limit(rps)
		if int(rps) > burst {
			burst = int(rps)
		}
	}
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	return &HTTPClient{
		platform: platform,
		client:   client,
		limiter:  rate.NewLimiter(limit, burst),
		policy:   policy,
		sleep:    sleepContext,
		logger:   util.GetLogger().Named("http").With(zap.String("platform", platform)),
	}
}

// SetSleeper replaces the wait function used between retries.
func (c *HTTPClient) SetSleeper(fn func(ctx context.Context, d time.Duration) error) {
	c.sleep = fn
}

func (c *HTTPClient) newBackOff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.policy.InitialInterval
	bo.MaxInterval = c.policy.MaxInterval
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}

// Do performs r and returns the 2xx response or a classified error.
func (c *HTTPClient) Do(ctx context.Context, r *Request) (*Response, error) {
	bo := c.newBackOff()
	attempt := 0
	waits := 0
	reauthorized := false

	for {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		attempt++

		req, err := c.build(ctx, r)
		if err != nil {
			return nil, err
		}
		if r.Authorize != nil {
			if err := r.Authorize(ctx, req); err != nil {
				return nil, err
			}
		}

		start := time.Now()
		resp, err := c.client.Do(req)
		util.ConnectorRequestLatency.WithLabelValues(c.platform).Observe(time.Since(start).Seconds())
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			util.ConnectorRequestsTotal.WithLabelValues(c.platform, "error").Inc()
			if attempt >= c.policy.MaxAttempts {
				return nil, &TransientError{Platform: c.platform, Attempts: attempt, Err: err}
			}
			if err := c.backoff(ctx, bo, "connection", attempt, err.Error()); err != nil {
				return nil, err
			}
			continue
		}

		body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
		resp.Body.Close()
		util.ConnectorRequestsTotal.WithLabelValues(c.platform, strconv.Itoa(resp.StatusCode)).Inc()
		if readErr != nil {
			if attempt >= c.policy.MaxAttempts {
				return nil, &TransientError{Platform: c.platform, Attempts: attempt, Err: readErr}
			}
			if err := c.backoff(ctx, bo, "read", attempt, readErr.Error()); err != nil {
				return nil, err
			}
			continue
		}

		switch code := resp.StatusCode; {
		case code >= 200 && code < 300:
			return &Response{StatusCode: code, Header: resp.Header, Body: body}, nil

		case code == http.StatusTooManyRequests:
			attempt--
			waits++
			wait := ParseRetryAfter(resp.Header.Get("Retry-After"), c.policy.DefaultRetryAfter, time.Now())
			if waits > c.policy.MaxRateLimitWaits {
				return nil, &RateLimitError{Platform: c.platform, RetryAfter: wait, Waits: waits - 1}
			}
			util.ConnectorRetriesTotal.WithLabelValues(c.platform, "rate_limit").Inc()
			c.logger.Warn("Rate limited, waiting",
				zap.Duration("retry_after", wait),
				zap.Int("wait", waits),
			)
			if err := c.sleep(ctx, wait); err != nil {
				return nil, err
			}

		case code == http.StatusUnauthorized:
			if r.OnUnauthorized != nil && !reauthorized {
				reauthorized = true
				attempt--
				r.OnUnauthorized()
				c.logger.Info("Unauthorized, refreshing credentials and retrying once")
				continue
			}
			return nil, &AuthError{Platform: c.platform, StatusCode: code, Body: truncate(body)}

		case code >= 500:
			if attempt >= c.policy.MaxAttempts {
				return nil, &TransientError{Platform: c.platform, StatusCode: code, Attempts: attempt}
			}
			if err := c.backoff(ctx, bo, "server_error", attempt, strconv.Itoa(code)); err != nil {
				return nil, err
			}

		default:
			return nil, &PermanentError{Platform: c.platform, StatusCode: code, Body: truncate(body)}
		}
	}
}

// GetJSON is a convenience for authorized GET requests decoded into v.
func (c *HTTPClient) GetJSON(ctx context.Context, r *Request, v interface{}) (*Response, error) {
	r.Method = http.MethodGet
	resp, err := c.Do(ctx, r)
	if err != nil {
		return nil, err
	}
	if v != nil {
		if err := resp.Decode(v); err != nil {
			return nil, err
		}
	}
	return resp, nil
}

func (c *HTTPClient) build(ctx context.Context, r *Request) (*http.Request, error) {
	u := r.URL
	if len(r.Query) > 0 {
		sep := "?"
		if strings.Contains(u, "?") {
			sep = "&"
		}
		u += sep + r.Query.Encode()
	}

	var body io.Reader
	if r.Body != nil {
		body = bytes.NewReader(r.Body)
	}
	method := r.Method
	if method == "" {
		method = http.MethodGet
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to create request: %w", c.platform, err)
	}
	// Keys are copied verbatim so non-canonical names such as WM_SVC.NAME survive.
	for k, vals := range r.Header {
		req.Header[k] = append(req.Header[k], vals...)
	}
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "application/json")
	}
	return req, nil
}

func (c *HTTPClient) backoff(ctx context.Context, bo backoff.BackOff, reason string, attempt int, detail string) error {
	wait := bo.NextBackOff()
	util.ConnectorRetriesTotal.WithLabelValues(c.platform, reason).Inc()
	c.logger.Warn("Transient failure, backing off",
		zap.String("reason", reason),
		zap.String("detail", detail),
		zap.Int("attempt", attempt),
		zap.Duration("wait", wait),
	)
	return c.sleep(ctx, wait)
}

// ParseRetryAfter accepts integer or fractional seconds or an HTTP date.
func ParseRetryAfter(value string, def time.Duration, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return def
	}
	if secs, err := strconv.ParseFloat(value, 64); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs * float64(time.Second))
	}
	if t, err := http.ParseTime(value); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
		return 0
	}
	return def
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func truncate(b []byte) string {
	const max = 512
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}
