package connector

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"commerce-etl/internal/util"
)

// Token is an access token and its absolute expiry.
type Token struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// TokenSource performs the platform token exchange.
type TokenSource func(ctx context.Context) (Token, error)

// TokenCache holds one connector's access token and refreshes it single-flight
// when it is absent or within margin of expiry.
type TokenCache struct {
	platform string
	margin   time.Duration
	fetch    TokenSource
	now      func() time.Time
	// timeout bounds a refresh, which outlives the caller that started it.
	timeout time.Duration

	mu    sync.Mutex
	token Token
	group singleflight.Group
}

func NewTokenCache(platform string, margin time.Duration, fetch TokenSource) *TokenCache {
	return &TokenCache{
		platform: platform,
		margin:   margin,
		fetch:    fetch,
		now:      time.Now,
		timeout:  2 * time.Minute,
	}
}

func (c *TokenCache) valid() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token.AccessToken == "" {
		return "", false
	}
	if !c.token.ExpiresAt.IsZero() && !c.now().Add(c.margin).Before(c.token.ExpiresAt) {
		return "", false
	}
	return c.token.AccessToken, true
}

// Get returns a usable access token, refreshing if needed. The refresh is
// shared by every concurrent caller, so it runs detached from ctx; a caller
// whose ctx ends stops waiting without failing the others.
func (c *TokenCache) Get(ctx context.Context) (string, error) {
	if tok, ok := c.valid(); ok {
		return tok, nil
	}

	refreshCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan("token", func() (interface{}, error) {
		if tok, ok := c.valid(); ok {
			return tok, nil
		}
		fetchCtx, cancel := context.WithTimeout(refreshCtx, c.timeout)
		defer cancel()
		tok, err := c.fetch(fetchCtx)
		if err != nil {
			util.TokenRefreshesTotal.WithLabelValues(c.platform, "failure").Inc()
			return nil, err
		}
		util.TokenRefreshesTotal.WithLabelValues(c.platform, "success").Inc()
		c.mu.Lock()
		c.token = tok
		c.mu.Unlock()
		return tok.AccessToken, nil
	})

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

// Invalidate drops the cached token so the next Get refreshes.
func (c *TokenCache) Invalidate() {
	c.mu.Lock()
	c.token.AccessToken = ""
	c.mu.Unlock()
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token"`
}

// exchangeToken posts a token request and maps failures: any 4xx from the
// token endpoint means the credential is unusable and becomes an AuthError.
func exchangeToken(ctx context.Context, hc *HTTPClient, r *Request, now time.Time) (Token, error) {
	r.Method = http.MethodPost
	resp, err := hc.Do(ctx, r)
	if err != nil {
		var pe *PermanentError
		if errors.As(err, &pe) {
			return Token{}, &AuthError{Platform: pe.Platform, StatusCode: pe.StatusCode, Body: pe.Body}
		}
		return Token{}, err
	}

	var tr tokenResponse
	if err := resp.Decode(&tr); err != nil {
		return Token{}, err
	}
	if tr.AccessToken == "" {
		return Token{}, &AuthError{Platform: hc.platform, Err: fmt.Errorf("token response has no access_token")}
	}
	expiresIn := tr.ExpiresIn
	if expiresIn <= 0 {
		expiresIn = 3600
	}
	return Token{
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
		ExpiresAt:    now.Add(time.Duration(expiresIn) * time.Second),
	}, nil
}
