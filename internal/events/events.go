package events

import (
	"encoding/json"
	"sync"
	"time"
)

const (
	EventJobCreated   = "job_created"
	EventJobStarted   = "job_started"
	EventJobProgress  = "job_progress"
	EventJobCompleted = "job_completed"
	EventJobFailed    = "job_failed"
	EventJobCancelled = "job_cancelled"
	EventJobRetried   = "job_retried"

	EventConflictDetected = "conflict_detected"
	EventConflictResolved = "conflict_resolved"

	EventHealthAlert     = "health_alert"
	EventWebhookReceived = "webhook_received"
)

// JobEventPayload is the job snapshot handed to event consumers.
type JobEventPayload struct {
	JobID          string    `json:"job_id"`
	OrganizationID string    `json:"organization_id"`
	StoreID        string    `json:"store_id"`
	Platform       string    `json:"platform"`
	Type           string    `json:"type"`
	Status         string    `json:"status"`
	Progress       float64   `json:"progress"`
	ProcessedItems int       `json:"processed_items"`
	FailedItems    int       `json:"failed_items"`
	Error          string    `json:"error,omitempty"`
	At             time.Time `json:"at"`
}

type AlertPayload struct {
	Platform       string    `json:"platform"`
	Status         string    `json:"status"`
	PreviousStatus string    `json:"previous_status"`
	ErrorRate      float64   `json:"error_rate"`
	Consecutive    int       `json:"consecutive_failures"`
	Message        string    `json:"message"`
	At             time.Time `json:"at"`
}

type ConflictPayload struct {
	ConflictID string `json:"conflict_id"`
	StoreID    string `json:"store_id"`
	Platform   string `json:"platform"`
	Field      string `json:"field"`
	Type       string `json:"type"`
	Strategy   string `json:"strategy,omitempty"`
	ResolvedBy string `json:"resolved_by,omitempty"`
}

type WebhookPayload struct {
	Platform string          `json:"platform"`
	Topic    string          `json:"topic"`
	StoreID  string          `json:"store_id,omitempty"`
	Body     json.RawMessage `json:"body,omitempty"`
	Received time.Time       `json:"received"`
}

// Event represents a lightweight domain event.
type Event struct {
	ID        int64
	Type      string
	Payload   []byte
	CreatedAt time.Time
}

// Decode unmarshals the payload into v.
func (e *Event) Decode(v interface{}) error {
	return json.Unmarshal(e.Payload, v)
}

// EventHandler reacts to an event.
type EventHandler func(event *Event) error

// EventBus provides in-process pub/sub for events.
type EventBus struct {
	subscribers map[string][]EventHandler
	wildcard    []EventHandler
	seq         int64
	mu          sync.RWMutex
}

// NewEventBus constructs an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{subscribers: make(map[string][]EventHandler)}
}

// Subscribe registers a handler for a given event type.
func (b *EventBus) Subscribe(eventType string, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[eventType] = append(b.subscribers[eventType], handler)
}

// SubscribeAll registers a handler invoked for every event type.
func (b *EventBus) SubscribeAll(handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.wildcard = append(b.wildcard, handler)
}

// Publish notifies subscribers of the event type.
func (b *EventBus) Publish(event *Event) {
	b.mu.Lock()
	b.seq++
	if event.ID == 0 {
		event.ID = b.seq
	}
	handlers := append([]EventHandler(nil), b.subscribers[event.Type]...)
	handlers = append(handlers, b.wildcard...)
	b.mu.Unlock()

	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	for _, handler := range handlers {
		// Handlers run synchronously; caller decides concurrency model.
		_ = handler(event)
	}
}

// PublishJSON serializes the payload and publishes an event.
func (b *EventBus) PublishJSON(eventType string, payload interface{}) error {
	if b == nil {
		return nil
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	b.Publish(&Event{Type: eventType, Payload: raw, CreatedAt: time.Now()})
	return nil
}

// NewJSONEvent builds an Event with JSON payload for manual publishing.
func NewJSONEvent(eventType string, payload interface{}) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}

	return Event{Type: eventType, Payload: raw, CreatedAt: time.Now()}, nil
}
