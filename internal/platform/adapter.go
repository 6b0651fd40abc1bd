package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"marketsync/internal/models"
)

// Webhook topics understood by the engine.
const (
	TopicOrderCreated     = "orders/create"
	TopicOrderUpdated     = "orders/update"
	TopicProductUpdated   = "products/update"
	TopicInventoryUpdated = "inventory/update"
)

type ProductQuery struct {
	UpdatedSince time.Time
	SKUs         []string
}

type OrderQuery struct {
	Since  time.Time
	Status string
}

// WebhookEvent is a verified, decoded webhook delivery.
type WebhookEvent struct {
	ID         string          `json:"id"`
	Platform   string          `json:"platform"`
	Topic      string          `json:"topic"`
	StoreID    string          `json:"store_id,omitempty"`
	ResourceID string          `json:"resource_id,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	ReceivedAt time.Time       `json:"received_at"`
}

// Adapter is the capability set every marketplace integration provides.
type Adapter interface {
	Name() string
	Authenticate(ctx context.Context) error
	RefreshToken(ctx context.Context) error

	FetchProducts(ctx context.Context, q ProductQuery) ([]models.Product, error)
	CreateProduct(ctx context.Context, p models.Product) (models.Product, error)
	UpdateProduct(ctx context.Context, p models.Product) (models.Product, error)
	UpdateInventory(ctx context.Context, sku string, quantity int64) error
	FetchOrders(ctx context.Context, q OrderQuery) ([]models.Order, error)

	ValidateWebhookSignature(payload []byte, signature string) bool
	ProcessWebhook(ctx context.Context, payload []byte) (*WebhookEvent, error)
}

// Registry resolves adapters by platform name.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

func (r *Registry) Register(a Adapter) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.adapters[a.Name()]; exists {
		return fmt.Errorf("platform %s already registered", a.Name())
	}
	r.adapters[a.Name()] = a
	return nil
}

func (r *Registry) Get(name string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.adapters[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPlatform, name)
	}
	return a, nil
}

// Names returns the registered platform names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
