// Package rest is a marketplace adapter for platforms that speak the engine's
// canonical JSON shapes over REST.
package rest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"marketsync/internal/models"
	"marketsync/internal/platform"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Path keys accepted in Config.Paths.
const (
	PathProducts  = "products"
	PathProduct   = "product"
	PathInventory = "inventory"
	PathOrders    = "orders"
)

var defaultPaths = map[string]string{
	PathProducts:  "/products",
	PathProduct:   "/products/{id}",
	PathInventory: "/inventory/{sku}",
	PathOrders:    "/orders",
}

type Config struct {
	Name          string
	WebhookSecret string
	Paths         map[string]string
}

type Adapter struct {
	cfg    Config
	client *platform.Client
	logger zerolog.Logger
}

var _ platform.Adapter = (*Adapter)(nil)

func New(cfg Config, client *platform.Client, logger *zerolog.Logger) *Adapter {
	paths := make(map[string]string, len(defaultPaths))
	for k, v := range defaultPaths {
		paths[k] = v
	}
	for k, v := range cfg.Paths {
		if v != "" {
			paths[k] = v
		}
	}
	cfg.Paths = paths

	a := &Adapter{cfg: cfg, client: client, logger: zerolog.Nop()}
	if logger != nil {
		a.logger = logger.With().Str("component", "rest_adapter").Str("platform", cfg.Name).Logger()
	}
	return a
}

func (a *Adapter) Name() string { return a.cfg.Name }

func (a *Adapter) Authenticate(ctx context.Context) error {
	return a.client.Credentials().Authenticate(ctx)
}

func (a *Adapter) RefreshToken(ctx context.Context) error {
	if err := a.client.Credentials().Refresh(ctx); err != nil {
		return err
	}
	a.logger.Info().Msg("token refreshed")
	return nil
}

func (a *Adapter) FetchProducts(ctx context.Context, q platform.ProductQuery) ([]models.Product, error) {
	query := url.Values{}
	if !q.UpdatedSince.IsZero() {
		query.Set("updated_since", q.UpdatedSince.UTC().Format(time.RFC3339))
	}
	for _, sku := range q.SKUs {
		query.Add("sku", sku)
	}

	var resp struct {
		Products []models.Product `json:"products"`
	}
	if err := a.client.Do(ctx, platform.Request{Path: a.path(PathProducts, nil), Query: query}, &resp); err != nil {
		return nil, err
	}
	return resp.Products, nil
}

func (a *Adapter) CreateProduct(ctx context.Context, p models.Product) (models.Product, error) {
	var out models.Product
	err := a.client.Do(ctx, platform.Request{
		Method:   http.MethodPost,
		Path:     a.path(PathProducts, nil),
		Body:     p,
		Priority: 1,
	}, &out)
	return out, err
}

func (a *Adapter) UpdateProduct(ctx context.Context, p models.Product) (models.Product, error) {
	id := p.ExternalID
	if id == "" {
		id = p.ID
	}
	var out models.Product
	err := a.client.Do(ctx, platform.Request{
		Method:   http.MethodPut,
		Path:     a.path(PathProduct, map[string]string{"id": id}),
		Body:     p,
		Priority: 1,
	}, &out)
	return out, err
}

// UpdateInventory runs at a higher priority than catalog traffic so stock
// corrections are not starved behind large product syncs.
func (a *Adapter) UpdateInventory(ctx context.Context, sku string, quantity int64) error {
	return a.client.Do(ctx, platform.Request{
		Method:   http.MethodPut,
		Path:     a.path(PathInventory, map[string]string{"sku": sku}),
		Body:     map[string]interface{}{"sku": sku, "quantity": quantity},
		Priority: 2,
	}, nil)
}

func (a *Adapter) FetchOrders(ctx context.Context, q platform.OrderQuery) ([]models.Order, error) {
	query := url.Values{}
	if !q.Since.IsZero() {
		query.Set("since", q.Since.UTC().Format(time.RFC3339))
	}
	if q.Status != "" {
		query.Set("status", q.Status)
	}

	var resp struct {
		Orders []models.Order `json:"orders"`
	}
	// Orders must never be served stale.
	if err := a.client.Do(ctx, platform.Request{Path: a.path(PathOrders, nil), Query: query, NoCache: true}, &resp); err != nil {
		return nil, err
	}
	for i := range resp.Orders {
		resp.Orders[i].Platform = a.cfg.Name
	}
	return resp.Orders, nil
}

func (a *Adapter) ValidateWebhookSignature(payload []byte, signature string) bool {
	return platform.VerifySignature(a.cfg.WebhookSecret, payload, signature)
}

func (a *Adapter) ProcessWebhook(ctx context.Context, payload []byte) (*platform.WebhookEvent, error) {
	var body struct {
		ID         string          `json:"id"`
		Topic      string          `json:"topic"`
		StoreID    string          `json:"store_id"`
		ResourceID string          `json:"resource_id"`
		Data       json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil, &platform.Error{Kind: platform.KindValidation, Platform: a.cfg.Name, Message: "malformed webhook", Err: err}
	}
	if body.Topic == "" {
		return nil, &platform.Error{Kind: platform.KindValidation, Platform: a.cfg.Name, Message: "webhook topic missing"}
	}
	if body.ID == "" {
		body.ID = uuid.NewString()
	}

	return &platform.WebhookEvent{
		ID:         body.ID,
		Platform:   a.cfg.Name,
		Topic:      body.Topic,
		StoreID:    body.StoreID,
		ResourceID: body.ResourceID,
		Payload:    body.Data,
		ReceivedAt: time.Now().UTC(),
	}, nil
}

func (a *Adapter) path(key string, params map[string]string) string {
	p := a.cfg.Paths[key]
	for k, v := range params {
		p = strings.ReplaceAll(p, "{"+k+"}", url.PathEscape(v))
	}
	return p
}
