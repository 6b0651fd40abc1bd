package platform

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"marketsync/internal/cache"
	"marketsync/internal/ratelimit"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
	"google.golang.org/api/googleapi"
)

type healthCall struct {
	success bool
	kind    string
}

type recordingHealth struct {
	mu    sync.Mutex
	calls []healthCall
}

func (r *recordingHealth) RecordRequest(_ string, success bool, _ time.Duration, kind string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, healthCall{success: success, kind: kind})
}

func (r *recordingHealth) snapshot() []healthCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]healthCall(nil), r.calls...)
}

func newTestClient(t *testing.T, baseURL string, retry RetryPolicy, opts ...ClientOption) (*Client, *recordingHealth) {
	t.Helper()
	health := &recordingHealth{}
	limiter := ratelimit.New(nil)
	t.Cleanup(limiter.Close)

	opts = append([]ClientOption{WithHealth(health)}, opts...)
	c := NewClient(ClientConfig{
		Platform: "shop",
		BaseURL:  baseURL,
		Timeout:  time.Second,
		Retry:    retry,
	}, limiter, opts...)
	return c, health
}

func TestClient_RetriesServerErrorsThenSucceeds(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) <= 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	}))
	defer srv.Close()

	retry := RetryPolicy{MaxRetries: 3, BaseDelay: 20 * time.Millisecond, MaxDelay: time.Second, JitterFraction: 0.1}
	c, health := newTestClient(t, srv.URL, retry)

	var out map[string]string
	start := time.Now()
	err := c.Do(context.Background(), Request{Path: "/ping", NoCache: true}, &out)
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.Equal(t, "ok", out["status"])
	assert.Equal(t, int32(4), atomic.LoadInt32(&hits))

	// 20ms + 40ms + 80ms of backoff, plus at most 10% jitter each
	assert.GreaterOrEqual(t, elapsed, 140*time.Millisecond)
	assert.Less(t, elapsed, time.Second)

	calls := health.snapshot()
	require.Len(t, calls, 4)
	for _, call := range calls[:3] {
		assert.False(t, call.success)
		assert.Equal(t, string(KindServer), call.kind)
	}
	assert.True(t, calls[3].success)
}

func TestClient_GivesUpAfterMaxRetries(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL, RetryPolicy{MaxRetries: 2, BaseDelay: time.Millisecond})

	err := c.Do(context.Background(), Request{Path: "/ping", NoCache: true}, nil)
	require.Error(t, err)
	assert.Equal(t, KindServer, KindOf(err))
	assert.Equal(t, int32(3), atomic.LoadInt32(&hits))
}

func TestClient_DoesNotRetryPermanentErrors(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"code":"invalid_sku","message":"sku is malformed"}`))
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL, RetryPolicy{MaxRetries: 3, BaseDelay: time.Millisecond})

	err := c.Do(context.Background(), Request{Method: http.MethodPost, Path: "/products", Body: map[string]string{"sku": "??"}}, nil)
	require.Error(t, err)

	var perr *Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, KindValidation, perr.Kind)
	assert.Equal(t, "invalid_sku", perr.Code)
	assert.Equal(t, "sku is malformed", perr.Message)
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
}

func TestClient_TimeoutIsClassified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	c, health := newTestClient(t, srv.URL, RetryPolicy{MaxRetries: 0})
	c.cfg.Timeout = 50 * time.Millisecond

	err := c.Do(context.Background(), Request{Path: "/slow", NoCache: true}, nil)
	require.Error(t, err)
	assert.Equal(t, KindTimeout, KindOf(err))

	calls := health.snapshot()
	require.Len(t, calls, 1)
	assert.Equal(t, string(KindTimeout), calls[0].kind)
}

func TestClient_CachesReadsAndInvalidatesOnWrite(t *testing.T) {
	var reads int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			atomic.AddInt32(&reads, 1)
		}
		_, _ = w.Write([]byte(`{"items":[]}`))
	}))
	defer srv.Close()

	cc := cache.New(cache.Options{}, nil)
	defer cc.Close()

	c, _ := newTestClient(t, srv.URL, RetryPolicy{}, WithCache(cc))
	c.cfg.CacheTTL = time.Minute

	ctx := context.Background()
	require.NoError(t, c.Do(ctx, Request{Path: "/products"}, nil))
	require.NoError(t, c.Do(ctx, Request{Path: "/products"}, nil))
	assert.Equal(t, int32(1), atomic.LoadInt32(&reads))

	require.NoError(t, c.Do(ctx, Request{Method: http.MethodPut, Path: "/products/1", Body: map[string]int{"qty": 1}}, nil))
	require.NoError(t, c.Do(ctx, Request{Path: "/products"}, nil))
	assert.Equal(t, int32(2), atomic.LoadInt32(&reads))
}

func TestClient_InjectsAuthAndRefreshesOnce(t *testing.T) {
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"new-access","token_type":"Bearer","refresh_token":"r2","expires_in":3600}`))
	}))
	defer tokenSrv.Close()

	var seen []string
	var mu sync.Mutex
	apiSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		seen = append(seen, r.Header.Get("Authorization"))
		mu.Unlock()
		if r.Header.Get("Authorization") != "Bearer new-access" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{}`))
	}))
	defer apiSrv.Close()

	creds := NewCredentials(
		&oauth2.Token{AccessToken: "old-access", RefreshToken: "r1"},
		&oauth2.Config{ClientID: "id", ClientSecret: "secret", Endpoint: oauth2.Endpoint{TokenURL: tokenSrv.URL}},
	)
	c, _ := newTestClient(t, apiSrv.URL, RetryPolicy{MaxRetries: 0}, WithCredentials(creds))
	c.cfg.AuthScheme = "Bearer"

	require.NoError(t, c.Do(context.Background(), Request{Path: "/me", NoCache: true}, nil))
	mu.Lock()
	assert.Equal(t, []string{"Bearer old-access", "Bearer new-access"}, seen)
	mu.Unlock()
	assert.Equal(t, "r2", creds.Token().RefreshToken)
}

func TestClient_HeadersPauseLimiter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(HeaderRateRemaining, "0")
		w.Header().Set(HeaderRateReset, "5")
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	limiter := ratelimit.New(nil)
	defer limiter.Close()
	c := NewClient(ClientConfig{Platform: "shop", BaseURL: srv.URL}, limiter)

	require.NoError(t, c.Do(context.Background(), Request{Path: "/x"}, nil))
	assert.True(t, limiter.Stats("shop").PausedUntil.After(time.Now().Add(3*time.Second)))
}

func TestClient_SharedReadSurvivesCallerTimeout(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		time.Sleep(200 * time.Millisecond)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	}))
	defer srv.Close()

	cc := cache.New(cache.Options{}, nil)
	t.Cleanup(func() { cc.Close() })
	c, _ := newTestClient(t, srv.URL, RetryPolicy{}, WithCache(cc))
	c.cfg.CacheTTL = time.Minute

	shortCtx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	var wg sync.WaitGroup
	var errShort, errLive error
	var out map[string]string
	wg.Add(2)
	go func() {
		defer wg.Done()
		errShort = c.Do(shortCtx, Request{Path: "/products"}, nil)
	}()
	go func() {
		defer wg.Done()
		time.Sleep(10 * time.Millisecond)
		errLive = c.Do(context.Background(), Request{Path: "/products"}, &out)
	}()
	wg.Wait()

	assert.ErrorIs(t, errShort, context.DeadlineExceeded)
	require.NoError(t, errLive)
	assert.Equal(t, "ok", out["status"])
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
}

func TestClient_ClassifiesGoogleStyleErrorEnvelope(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) == 1 {
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write([]byte(`{"error":{"code":403,"message":"Quota exceeded for products.list","errors":[{"reason":"quotaExceeded","message":"Quota exceeded"}]}}`))
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	}))
	defer srv.Close()

	c, health := newTestClient(t, srv.URL, RetryPolicy{MaxRetries: 1, BaseDelay: time.Millisecond})

	var out map[string]string
	require.NoError(t, c.Do(context.Background(), Request{Path: "/products", NoCache: true}, &out))
	assert.Equal(t, "ok", out["status"])
	assert.Equal(t, int32(2), atomic.LoadInt32(&hits), "quota errors are retried despite the 403")

	calls := health.snapshot()
	require.Len(t, calls, 2)
	assert.Equal(t, string(KindRateLimit), calls[0].kind)
}

func TestClient_GoogleStyleErrorDetails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"code":400,"message":"offerId is required","errors":[{"reason":"required"}]}}`))
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL, RetryPolicy{MaxRetries: 3, BaseDelay: time.Millisecond})
	err := c.Do(context.Background(), Request{Method: http.MethodPost, Path: "/products", Body: map[string]string{}}, nil)

	var perr *Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, KindValidation, perr.Kind)
	assert.Equal(t, "required", perr.Code)
	assert.Equal(t, "offerId is required", perr.Message)
	assert.False(t, IsRetryable(err))

	var gerr *googleapi.Error
	require.ErrorAs(t, err, &gerr)
	assert.Equal(t, http.StatusBadRequest, gerr.Code)
}

func TestClient_FlatErrorStringBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"product not found"}`))
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL, RetryPolicy{})
	err := c.Do(context.Background(), Request{Path: "/products/9", NoCache: true}, nil)

	var perr *Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, KindNotFound, perr.Kind)
	assert.Equal(t, "product not found", perr.Message)
}
