package api

import (
	"net"
	"net/http"
	"sync"

	"golang.org/x/time/rate"

	"marketsync/internal/config"
)

// clientLimiter hands out one token bucket per client address.
type clientLimiter struct {
	limiters sync.Map
	cfg      config.WebhookRateLimitConfig
}

func newClientLimiter(cfg config.WebhookRateLimitConfig) *clientLimiter {
	return &clientLimiter{cfg: cfg}
}

func (l *clientLimiter) allow(r *http.Request) bool {
	if l.cfg.RPS <= 0 {
		return true
	}
	return l.getLimiter(clientKey(r)).Allow()
}

func (l *clientLimiter) getLimiter(key string) *rate.Limiter {
	if v, ok := l.limiters.Load(key); ok {
		if lim, ok := v.(*rate.Limiter); ok {
			return lim
		}
	}

	burst := l.cfg.Burst
	if burst <= 0 {
		burst = 5
	}

	lim := rate.NewLimiter(rate.Limit(l.cfg.RPS), burst)
	actual, loaded := l.limiters.LoadOrStore(key, lim)
	if loaded {
		if actualLim, ok := actual.(*rate.Limiter); ok {
			return actualLim
		}
	}
	return lim
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil && host != "" {
		return host
	}
	if r.RemoteAddr != "" {
		return r.RemoteAddr
	}
	return "unknown"
}
