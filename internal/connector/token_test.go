package connector

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenCache_SingleFlightRefresh(t *testing.T) {
	var fetches int32
	release := make(chan struct{})
	cache := NewTokenCache("test", 5*time.Minute, func(ctx context.Context) (Token, error) {
		atomic.AddInt32(&fetches, 1)
		<-release
		return Token{AccessToken: "tok-1", ExpiresAt: time.Now().Add(time.Hour)}, nil
	})

	var wg sync.WaitGroup
	results := make([]string, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tok, err := cache.Get(context.Background())
			assert.NoError(t, err)
			results[i] = tok
		}(i)
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&fetches))
	for _, r := range results {
		assert.Equal(t, "tok-1", r)
	}
}

func TestTokenCache_RefreshesWithinMargin(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	n := 0
	cache := NewTokenCache("test", 5*time.Minute, func(ctx context.Context) (Token, error) {
		n++
		return Token{AccessToken: "tok", ExpiresAt: now.Add(10 * time.Minute)}, nil
	})
	cache.now = func() time.Time { return now }

	_, err := cache.Get(context.Background())
	require.NoError(t, err)
	_, err = cache.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// 4 minutes before expiry is inside the 5 minute margin.
	now = now.Add(6 * time.Minute)
	_, err = cache.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestTokenCache_InvalidateAndFailure(t *testing.T) {
	fail := false
	cache := NewTokenCache("test", time.Minute, func(ctx context.Context) (Token, error) {
		if fail {
			return Token{}, errors.New("invalid_grant")
		}
		return Token{AccessToken: "tok", ExpiresAt: time.Now().Add(time.Hour)}, nil
	})

	_, err := cache.Get(context.Background())
	require.NoError(t, err)

	fail = true
	cache.Invalidate()
	_, err = cache.Get(context.Background())
	assert.EqualError(t, err, "invalid_grant")
}

func TestTokenCache_CancelledCallerDoesNotFailOthers(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var fetchErr error
	cache := NewTokenCache("test", time.Minute, func(ctx context.Context) (Token, error) {
		close(started)
		<-release
		if err := ctx.Err(); err != nil {
			fetchErr = err
			return Token{}, err
		}
		return Token{AccessToken: "tok", ExpiresAt: time.Now().Add(time.Hour)}, nil
	})

	first, cancelFirst := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := cache.Get(first)
		firstErr <- err
	}()
	<-started

	second := make(chan string, 1)
	go func() {
		tok, err := cache.Get(context.Background())
		assert.NoError(t, err)
		second <- tok
	}()

	cancelFirst()
	assert.ErrorIs(t, <-firstErr, context.Canceled)

	close(release)
	assert.Equal(t, "tok", <-second)
	assert.NoError(t, fetchErr)
}

func TestTokenCache_RefreshTimeout(t *testing.T) {
	cache := NewTokenCache("test", time.Minute, func(ctx context.Context) (Token, error) {
		<-ctx.Done()
		return Token{}, ctx.Err()
	})
	cache.timeout = 20 * time.Millisecond

	_, err := cache.Get(context.Background())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
