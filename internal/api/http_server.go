package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"marketsync/internal/config"
	"marketsync/internal/domain"
	"marketsync/internal/events"
	"marketsync/internal/health"
	"marketsync/internal/logging"
	"marketsync/internal/metrics"
	"marketsync/internal/models"
	"marketsync/internal/platform"
	"marketsync/internal/worker"
)

// JobSubmitter creates sync jobs for accepted webhooks.
type JobSubmitter interface {
	CreateJob(ctx context.Context, req worker.JobRequest) (*models.SyncJob, error)
}

// CacheInvalidator drops cached platform reads.
type CacheInvalidator interface {
	InvalidatePlatform(platform string) int
}

type HealthReporter interface {
	GetSystemHealth() health.SystemHealth
}

type Deps struct {
	Registry  *platform.Registry
	Platforms []config.PlatformConfig
	Jobs      JobSubmitter
	Cache     CacheInvalidator
	Health    HealthReporter
	Events    domain.EventPublisher
}

// HTTPServer is the webhook ingress and health endpoint.
type HTTPServer struct {
	cfg       config.WebhookConfig
	deps      Deps
	platforms map[string]config.PlatformConfig
	limiter   *clientLimiter
	server    *http.Server
	logger    zerolog.Logger
}

func NewHTTPServer(cfg config.WebhookConfig, deps Deps, logger *zerolog.Logger) *HTTPServer {
	srv := &HTTPServer{
		cfg:       cfg,
		deps:      deps,
		platforms: make(map[string]config.PlatformConfig, len(deps.Platforms)),
		limiter:   newClientLimiter(cfg.RateLimit),
		logger:    logging.Component(logger, "http"),
	}
	if srv.cfg.MaxBodyBytes <= 0 {
		srv.cfg.MaxBodyBytes = 1 << 20
	}
	for _, p := range deps.Platforms {
		srv.platforms[p.Name] = p
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /webhooks/{platform}", srv.handleWebhook)
	mux.HandleFunc("GET /healthz", srv.handleHealth)

	srv.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           srv.loggingMiddleware(srv.rateLimitMiddleware(mux)),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      15 * time.Second,
	}
	return srv
}

// Handler exposes the routed handler chain.
func (s *HTTPServer) Handler() http.Handler {
	return s.server.Handler
}

func (s *HTTPServer) Start() error {
	if s.server == nil {
		return fmt.Errorf("http server is not initialized")
	}
	s.logger.Info().Str("addr", s.server.Addr).Msg("webhook ingress listening")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *HTTPServer) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *HTTPServer) handleWebhook(w http.ResponseWriter, r *http.Request) {
	name := strings.ToLower(strings.TrimSpace(r.PathValue("platform")))
	metrics.IncHTTP("webhook")

	adapter, err := s.deps.Registry.Get(name)
	if err != nil {
		metrics.IncWebhook(name, "unknown_platform")
		writeError(w, http.StatusNotFound, "unknown platform")
		return
	}
	pcfg := s.platforms[name]

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			metrics.IncWebhook(name, "too_large")
			writeError(w, http.StatusRequestEntityTooLarge, "payload too large")
			return
		}
		metrics.IncWebhook(name, "bad_request")
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	header := pcfg.Webhook.SignatureHeader
	if header == "" {
		header = "X-Signature"
	}
	if !adapter.ValidateWebhookSignature(body, r.Header.Get(header)) {
		s.logger.Warn().Str("platform", name).Str("remote", clientKey(r)).Msg("webhook signature rejected")
		metrics.IncWebhook(name, "bad_signature")
		writeError(w, http.StatusUnauthorized, "invalid signature")
		return
	}

	event, err := adapter.ProcessWebhook(r.Context(), body)
	if err != nil {
		s.logger.Warn().Err(err).Str("platform", name).Msg("webhook rejected")
		metrics.IncWebhook(name, "invalid")
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if s.deps.Cache != nil {
		dropped := s.deps.Cache.InvalidatePlatform(name)
		s.logger.Debug().Str("platform", name).Int("entries", dropped).Msg("cache invalidated")
	}
	s.publish(event, body)

	resp := map[string]any{"event_id": event.ID, "topic": event.Topic}
	jobType, ok := jobTypeForTopic(event.Topic)
	if !ok || s.deps.Jobs == nil || pcfg.OrganizationID == "" {
		metrics.IncWebhook(name, "accepted")
		writeJSON(w, http.StatusAccepted, resp)
		return
	}

	job, err := s.deps.Jobs.CreateJob(r.Context(), worker.JobRequest{
		OrganizationID: pcfg.OrganizationID,
		StoreID:        pcfg.StoreID,
		Platform:       name,
		Type:           jobType,
		Options:        models.JobMetadata{models.OptionWebhookID: event.ID, models.OptionTopic: event.Topic},
	})
	if err != nil {
		s.logger.Error().Err(err).Str("platform", name).Str("topic", event.Topic).Msg("failed to submit job")
		metrics.IncWebhook(name, "job_failed")
		writeError(w, http.StatusInternalServerError, "failed to submit job")
		return
	}

	s.logger.Info().
		Str("platform", name).
		Str("topic", event.Topic).
		Str("job_id", job.ID).
		Msg("webhook accepted")
	metrics.IncWebhook(name, "accepted")
	resp["job_id"] = job.ID
	writeJSON(w, http.StatusAccepted, resp)
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	metrics.IncHTTP("healthz")
	if s.deps.Health == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": string(health.StatusHealthy)})
		return
	}

	sh := s.deps.Health.GetSystemHealth()
	status := http.StatusOK
	if sh.Status == health.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, sh)
}

func (s *HTTPServer) publish(event *platform.WebhookEvent, body []byte) {
	if s.deps.Events == nil {
		return
	}
	payload := events.WebhookPayload{
		Platform: event.Platform,
		Topic:    event.Topic,
		StoreID:  event.StoreID,
		Received: event.ReceivedAt,
	}
	if json.Valid(body) {
		payload.Body = body
	}
	if err := s.deps.Events.PublishJSON(events.EventWebhookReceived, payload); err != nil {
		s.logger.Warn().Err(err).Str("platform", event.Platform).Msg("failed to publish webhook event")
	}
}

// jobTypeForTopic maps "orders/create" style topics onto the sync job they trigger.
func jobTypeForTopic(topic string) (models.JobType, bool) {
	resource, _, _ := strings.Cut(topic, "/")
	switch resource {
	case "orders":
		return models.JobTypeOrderFetch, true
	case "products":
		return models.JobTypeCatalogSync, true
	case "inventory":
		return models.JobTypeInventoryPush, true
	default:
		return "", false
	}
}

func (s *HTTPServer) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.allow(r) {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *HTTPServer) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", recorder.status).
			Dur("dur", time.Since(start)).
			Msg("http request")
	})
}

func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, map[string]string{"error": message})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
