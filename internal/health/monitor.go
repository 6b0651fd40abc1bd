package health

import (
	"math"
	"sort"
	"sync"
	"time"

	"marketsync/internal/domain"
	"marketsync/internal/events"
	"marketsync/internal/logging"
	"marketsync/internal/metrics"

	"github.com/rs/zerolog"
)

type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

func (s Status) level() int {
	switch s {
	case StatusDegraded:
		return 1
	case StatusUnhealthy:
		return 2
	default:
		return 0
	}
}

// Thresholds drive the per-platform state machine.
type Thresholds struct {
	DegradedErrorRate   float64
	UnhealthyErrorRate  float64
	ConsecutiveFailures int
	// SampleSize bounds both the error-rate window and the latency window.
	SampleSize int
	// MinSamples is the number of observations needed before error rates count.
	// nil uses the default, a pointer to 0 disables the warm-up.
	MinSamples    *int
	AlertCooldown time.Duration
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		DegradedErrorRate:   0.05,
		UnhealthyErrorRate:  0.20,
		ConsecutiveFailures: 3,
		SampleSize:          100,
		MinSamples:          intPtr(10),
		AlertCooldown:       5 * time.Minute,
	}
}

// SyncProgress accumulates item counts reported by sync jobs.
type SyncProgress struct {
	Processed  int64     `json:"processed"`
	Failed     int64     `json:"failed"`
	LastReport time.Time `json:"last_report,omitempty"`
}

// Metrics is a snapshot of one platform.
type Metrics struct {
	Platform            string           `json:"platform"`
	Status              Status           `json:"status"`
	TotalRequests       int64            `json:"total_requests"`
	SuccessfulRequests  int64            `json:"successful_requests"`
	FailedRequests      int64            `json:"failed_requests"`
	ConsecutiveFailures int              `json:"consecutive_failures"`
	ErrorRate           float64          `json:"error_rate"`
	AvgLatency          time.Duration    `json:"avg_latency"`
	P95Latency          time.Duration    `json:"p95_latency"`
	P99Latency          time.Duration    `json:"p99_latency"`
	ErrorsByKind        map[string]int64 `json:"errors_by_kind,omitempty"`
	LastSuccess         time.Time        `json:"last_success,omitempty"`
	LastFailure         time.Time        `json:"last_failure,omitempty"`
	Sync                SyncProgress     `json:"sync"`
}

type SystemHealth struct {
	Status    Status             `json:"status"`
	Platforms map[string]Metrics `json:"platforms"`
	CheckedAt time.Time          `json:"checked_at"`
}

type platformState struct {
	name         string
	status       Status
	total        int64
	success      int64
	failed       int64
	consecutive  int
	outcomes     *window
	latencies    *window
	errorsByKind map[string]int64
	lastSuccess  time.Time
	lastFailure  time.Time
	lastAlert    time.Time
	sync         SyncProgress
}

// Monitor tracks rolling request outcomes per platform.
type Monitor struct {
	mu         sync.Mutex
	platforms  map[string]*platformState
	thresholds Thresholds
	alerts     domain.EventPublisher
	logger     zerolog.Logger
	now        func() time.Time
}

// NewMonitor builds a monitor. alerts may be nil.
func NewMonitor(t Thresholds, alerts domain.EventPublisher, logger *zerolog.Logger) *Monitor {
	def := DefaultThresholds()
	if t.DegradedErrorRate <= 0 {
		t.DegradedErrorRate = def.DegradedErrorRate
	}
	if t.UnhealthyErrorRate <= 0 {
		t.UnhealthyErrorRate = def.UnhealthyErrorRate
	}
	if t.ConsecutiveFailures <= 0 {
		t.ConsecutiveFailures = def.ConsecutiveFailures
	}
	if t.SampleSize <= 0 {
		t.SampleSize = def.SampleSize
	}
	if t.MinSamples == nil || *t.MinSamples < 0 {
		t.MinSamples = def.MinSamples
	}
	if t.AlertCooldown <= 0 {
		t.AlertCooldown = def.AlertCooldown
	}

	m := &Monitor{
		platforms:  make(map[string]*platformState),
		thresholds: t,
		alerts:     alerts,
		logger:     logging.Component(logger, "health"),
		now:        time.Now,
	}
	return m
}

func (m *Monitor) RegisterPlatform(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stateLocked(name)
}

// RecordRequest feeds one call outcome. errorKind is ignored on success.
func (m *Monitor) RecordRequest(name string, success bool, latency time.Duration, errorKind string) {
	m.mu.Lock()
	st := m.stateLocked(name)
	now := m.now()

	st.total++
	st.latencies.push(float64(latency))
	if success {
		st.success++
		st.consecutive = 0
		st.outcomes.push(0)
		st.lastSuccess = now
	} else {
		st.failed++
		st.consecutive++
		st.outcomes.push(1)
		st.lastFailure = now
		if errorKind == "" {
			errorKind = "unknown"
		}
		st.errorsByKind[errorKind]++
	}

	prev := st.status
	st.status = m.evaluate(st)
	alert := m.transitionLocked(st, prev, now)
	m.mu.Unlock()

	if alert != nil && m.alerts != nil {
		if err := m.alerts.PublishJSON(events.EventHealthAlert, alert); err != nil {
			m.logger.Error().Err(err).Str("platform", name).Msg("failed to publish health alert")
		}
	}
}

// RecordSyncProgress adds item counts reported by a sync job.
func (m *Monitor) RecordSyncProgress(name string, processed, failed int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.stateLocked(name)
	st.sync.Processed += int64(processed)
	st.sync.Failed += int64(failed)
	st.sync.LastReport = m.now()
}

func (m *Monitor) GetMetrics(name string) (Metrics, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.platforms[name]
	if !ok {
		return Metrics{}, false
	}
	return m.snapshot(st), true
}

// GetSystemHealth reports the worst platform status alongside every snapshot.
func (m *Monitor) GetSystemHealth() SystemHealth {
	m.mu.Lock()
	defer m.mu.Unlock()

	sh := SystemHealth{
		Status:    StatusHealthy,
		Platforms: make(map[string]Metrics, len(m.platforms)),
		CheckedAt: m.now(),
	}
	for name, st := range m.platforms {
		sh.Platforms[name] = m.snapshot(st)
		if st.status.level() > sh.Status.level() {
			sh.Status = st.status
		}
	}
	return sh
}

func (m *Monitor) stateLocked(name string) *platformState {
	st, ok := m.platforms[name]
	if !ok {
		st = &platformState{
			name:         name,
			status:       StatusHealthy,
			outcomes:     newWindow(m.thresholds.SampleSize),
			latencies:    newWindow(m.thresholds.SampleSize),
			errorsByKind: make(map[string]int64),
		}
		m.platforms[name] = st
		metrics.SetPlatformStatus(name, 0)
	}
	return st
}

func (m *Monitor) errorRate(st *platformState) float64 {
	if st.outcomes.len() == 0 {
		return 0
	}
	return st.outcomes.sum() / float64(st.outcomes.len())
}

// evaluate derives status from the current counters only.
func (m *Monitor) evaluate(st *platformState) Status {
	if st.consecutive >= m.thresholds.ConsecutiveFailures {
		return StatusUnhealthy
	}
	if st.outcomes.len() < *m.thresholds.MinSamples {
		return StatusHealthy
	}
	rate := m.errorRate(st)
	switch {
	case rate >= m.thresholds.UnhealthyErrorRate:
		return StatusUnhealthy
	case rate >= m.thresholds.DegradedErrorRate:
		return StatusDegraded
	default:
		return StatusHealthy
	}
}

func (m *Monitor) transitionLocked(st *platformState, prev Status, now time.Time) *events.AlertPayload {
	if st.status == prev {
		return nil
	}
	metrics.SetPlatformStatus(st.name, st.status.level())

	rate := m.errorRate(st)
	if st.status.level() < prev.level() {
		m.logger.Info().
			Str("platform", st.name).
			Str("from", string(prev)).
			Str("to", string(st.status)).
			Float64("error_rate", rate).
			Msg("platform health recovered")
		return nil
	}

	log := m.logger.Warn().
		Str("platform", st.name).
		Str("from", string(prev)).
		Str("to", string(st.status)).
		Float64("error_rate", rate).
		Int("consecutive_failures", st.consecutive)

	if !st.lastAlert.IsZero() && now.Sub(st.lastAlert) < m.thresholds.AlertCooldown {
		log.Msg("platform health degraded, alert suppressed by cooldown")
		return nil
	}
	log.Msg("platform health degraded")

	st.lastAlert = now
	if m.alerts == nil {
		return nil
	}
	return &events.AlertPayload{
		Platform:       st.name,
		Status:         string(st.status),
		PreviousStatus: string(prev),
		ErrorRate:      rate,
		Consecutive:    st.consecutive,
		Message:        "platform " + st.name + " is " + string(st.status),
		At:             now,
	}
}

func (m *Monitor) snapshot(st *platformState) Metrics {
	lat := st.latencies.sorted()
	out := Metrics{
		Platform:            st.name,
		Status:              st.status,
		TotalRequests:       st.total,
		SuccessfulRequests:  st.success,
		FailedRequests:      st.failed,
		ConsecutiveFailures: st.consecutive,
		ErrorRate:           m.errorRate(st),
		AvgLatency:          time.Duration(st.latencies.mean()),
		P95Latency:          time.Duration(percentile(lat, 0.95)),
		P99Latency:          time.Duration(percentile(lat, 0.99)),
		ErrorsByKind:        make(map[string]int64, len(st.errorsByKind)),
		LastSuccess:         st.lastSuccess,
		LastFailure:         st.lastFailure,
		Sync:                st.sync,
	}
	for k, v := range st.errorsByKind {
		out.ErrorsByKind[k] = v
	}
	return out
}

// percentile uses the nearest-rank method on sorted values.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(math.Ceil(p*float64(len(sorted)))) - 1
	if rank < 0 {
		rank = 0
	}
	return sorted[rank]
}

// window is a fixed-size ring of the most recent observations.
type window struct {
	values []float64
	next   int
	full   bool
}

func newWindow(size int) *window {
	return &window{values: make([]float64, size)}
}

func (w *window) push(v float64) {
	w.values[w.next] = v
	w.next = (w.next + 1) % len(w.values)
	if w.next == 0 {
		w.full = true
	}
}

func (w *window) len() int {
	if w.full {
		return len(w.values)
	}
	return w.next
}

func (w *window) sum() float64 {
	var s float64
	for _, v := range w.values[:w.len()] {
		s += v
	}
	return s
}

func (w *window) mean() float64 {
	n := w.len()
	if n == 0 {
		return 0
	}
	return w.sum() / float64(n)
}

func (w *window) sorted() []float64 {
	out := append([]float64(nil), w.values[:w.len()]...)
	sort.Float64s(out)
	return out
}

func intPtr(v int) *int { return &v }
