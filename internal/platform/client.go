package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"marketsync/internal/cache"
	"marketsync/internal/metrics"
	"marketsync/internal/ratelimit"

	"github.com/rs/zerolog"
	"google.golang.org/api/googleapi"
)

const maxResponseBytes = 10 << 20

// HealthRecorder receives the outcome of every platform call attempt.
type HealthRecorder interface {
	RecordRequest(platform string, success bool, latency time.Duration, errorKind string)
}

type ClientConfig struct {
	Platform string
	BaseURL  string
	Timeout  time.Duration
	Retry    RetryPolicy
	// CacheTTL applies to GET requests that do not set their own TTL.
	CacheTTL   time.Duration
	AuthHeader string
	AuthScheme string
}

// Request describes one logical platform call.
type Request struct {
	Method   string
	Path     string
	Query    url.Values
	Body     interface{}
	Priority int
	CacheTTL time.Duration
	NoCache  bool
}

// Client executes platform calls: rate limiting, auth, timeout, error
// classification, bounded retries, caching of reads and health reporting.
type Client struct {
	cfg     ClientConfig
	http    *http.Client
	limiter *ratelimit.Limiter
	cache   *cache.Cache
	health  HealthRecorder
	creds   *Credentials
	logger  zerolog.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

type ClientOption func(*Client)

func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

func WithCache(cc *cache.Cache) ClientOption {
	return func(c *Client) { c.cache = cc }
}

func WithHealth(h HealthRecorder) ClientOption {
	return func(c *Client) { c.health = h }
}

func WithCredentials(creds *Credentials) ClientOption {
	return func(c *Client) { c.creds = creds }
}

func WithLogger(logger *zerolog.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger.With().Str("component", "platform").Str("platform", c.cfg.Platform).Logger()
		}
	}
}

func NewClient(cfg ClientConfig, limiter *ratelimit.Limiter, opts ...ClientOption) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.AuthHeader == "" {
		cfg.AuthHeader = "Authorization"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	c := &Client{
		cfg:     cfg,
		http:    &http.Client{},
		limiter: limiter,
		creds:   NewCredentials(nil, nil),
		logger:  zerolog.Nop(),
		now:     time.Now,
		sleep:   sleepContext,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Platform() string { return c.cfg.Platform }

func (c *Client) Credentials() *Credentials { return c.creds }

// Do executes req and decodes a JSON response into out when out is non-nil.
func (c *Client) Do(ctx context.Context, req Request, out interface{}) error {
	if req.Method == "" {
		req.Method = http.MethodGet
	}

	var body []byte
	var err error
	if ttl := c.cacheTTL(req); ttl > 0 {
		key := cache.Key(c.cfg.Platform, req.Method+" "+req.Path, req.Query)
		var v interface{}
		v, err = c.cache.GetOrSet(ctx, key, func(loadCtx context.Context) (interface{}, error) {
			return c.execute(loadCtx, req)
		}, ttl)
		if err == nil {
			body = v.([]byte)
		}
	} else {
		body, err = c.execute(ctx, req)
		if err == nil && req.Method != http.MethodGet && c.cache != nil {
			c.cache.InvalidatePlatform(c.cfg.Platform)
		}
	}
	if err != nil {
		return err
	}

	if out != nil && len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, out); err != nil {
			return &Error{Kind: KindValidation, Platform: c.cfg.Platform, Message: "decode response", Err: err}
		}
	}
	return nil
}

func (c *Client) cacheTTL(req Request) time.Duration {
	if c.cache == nil || req.NoCache || req.Method != http.MethodGet {
		return 0
	}
	if req.CacheTTL > 0 {
		return req.CacheTTL
	}
	return c.cfg.CacheTTL
}

// execute runs the bounded retry loop. A single token refresh after an
// authentication failure does not consume the retry budget.
func (c *Client) execute(ctx context.Context, req Request) ([]byte, error) {
	refreshed := false
	attempt := 0
	for {
		var body []byte
		err := c.limiter.Submit(ctx, c.cfg.Platform, req.Priority, func(ctx context.Context) error {
			b, err := c.attempt(ctx, req)
			body = b
			return err
		})
		if err == nil {
			return body, nil
		}
		if errors.Is(err, ratelimit.ErrQueueCleared) || errors.Is(err, ratelimit.ErrClosed) || ctx.Err() != nil {
			return nil, err
		}

		kind := KindOf(err)
		if kind == KindAuthentication && !refreshed && c.creds.CanRefresh() {
			refreshed = true
			if rerr := c.creds.Refresh(ctx); rerr != nil {
				c.logger.Warn().Err(rerr).Msg("token refresh failed")
				return nil, err
			}
			c.logger.Info().Msg("access token refreshed")
			continue
		}

		if !kind.Retryable() || attempt >= c.cfg.Retry.MaxRetries {
			return nil, err
		}

		delay := c.cfg.Retry.NextDelay(attempt)
		c.logger.Warn().
			Err(err).
			Str("kind", string(kind)).
			Int("attempt", attempt+1).
			Int("max_retries", c.cfg.Retry.MaxRetries).
			Dur("delay", delay).
			Msg("platform call failed, retrying")

		if serr := c.sleep(ctx, delay); serr != nil {
			return nil, err
		}
		attempt++
	}
}

// attempt performs one HTTP round trip.
func (c *Client) attempt(ctx context.Context, req Request) ([]byte, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	httpReq, err := c.newHTTPRequest(callCtx, req)
	if err != nil {
		return nil, &Error{Kind: KindValidation, Platform: c.cfg.Platform, Message: "build request", Err: err}
	}

	start := c.now()
	resp, err := c.http.Do(httpReq)
	latency := c.now().Sub(start)
	if err != nil {
		kind := KindNetwork
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) || KindOf(err) == KindTimeout {
			kind = KindTimeout
		}
		c.record(false, latency, kind)
		return nil, newError(c.cfg.Platform, kind, 0, err)
	}
	defer resp.Body.Close()

	if until, ok := PauseFromHeaders(resp.Header, resp.StatusCode, c.now()); ok {
		c.limiter.PauseUntil(c.cfg.Platform, until)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		kind := KindNetwork
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			kind = KindTimeout
		}
		c.record(false, latency, kind)
		return nil, newError(c.cfg.Platform, kind, resp.StatusCode, err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		perr := c.statusError(resp.StatusCode, resp.Header, body)
		c.record(false, latency, perr.Kind)
		return nil, perr
	}

	c.record(true, latency, "")
	return body, nil
}

func (c *Client) newHTTPRequest(ctx context.Context, req Request) (*http.Request, error) {
	target := c.cfg.BaseURL + "/" + strings.TrimLeft(req.Path, "/")
	if len(req.Query) > 0 {
		target += "?" + req.Query.Encode()
	}

	var reader io.Reader
	if req.Body != nil {
		raw, err := json.Marshal(req.Body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(raw)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target, reader)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Accept", "application/json")
	if reader != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if tok := c.creds.Token(); tok != nil && tok.AccessToken != "" {
		value := tok.AccessToken
		if c.cfg.AuthScheme != "" {
			value = c.cfg.AuthScheme + " " + value
		}
		httpReq.Header.Set(c.cfg.AuthHeader, value)
	}
	return httpReq, nil
}

// statusError classifies an HTTP failure. Bodies may be a flat
// {"code","message"} object or a Google-style {"error":{...}} envelope.
func (c *Client) statusError(status int, header http.Header, body []byte) *Error {
	var gerr *googleapi.Error
	_ = errors.As(googleapi.CheckResponseWithBody(&http.Response{StatusCode: status, Header: header}, body), &gerr)

	perr := newError(c.cfg.Platform, KindForStatus(status), status, nil)
	if gerr != nil {
		perr.Err = gerr
		perr.Kind = KindOf(gerr)
		perr.Message = gerr.Message
		if len(gerr.Errors) > 0 {
			perr.Code = gerr.Errors[0].Reason
		}
	}

	var payload struct {
		Code    json.RawMessage `json:"code"`
		Message string          `json:"message"`
		Error   json.RawMessage `json:"error"`
	}
	if json.Unmarshal(body, &payload) == nil {
		if code := strings.Trim(string(payload.Code), `"`); perr.Code == "" {
			perr.Code = code
		}
		if perr.Message == "" {
			perr.Message = payload.Message
		}
		if perr.Message == "" {
			_ = json.Unmarshal(payload.Error, &perr.Message)
		}
	}
	if perr.Message == "" {
		perr.Message = http.StatusText(status)
	}

	switch strings.ToLower(perr.Code) {
	case "rate_limited", "throttled", "too_many_requests":
		perr.Kind = KindRateLimit
	case "invalid_token", "token_expired", "unauthorized":
		perr.Kind = KindAuthentication
	}
	return perr
}

func (c *Client) record(success bool, latency time.Duration, kind Kind) {
	outcome := "success"
	if !success {
		outcome = string(kind)
	}
	metrics.ObservePlatformRequest(c.cfg.Platform, outcome, latency)
	if c.health != nil {
		c.health.RecordRequest(c.cfg.Platform, success, latency, string(kind))
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
