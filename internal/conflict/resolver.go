package conflict

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"marketsync/internal/domain"
	"marketsync/internal/events"
	"marketsync/internal/logging"
	"marketsync/internal/models"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	ErrConflictNotFound = errors.New("conflict not found")
	// ErrConflictClosed is returned when a terminal conflict is asked for a different outcome.
	ErrConflictClosed  = errors.New("conflict already closed")
	ErrInvalidConflict = errors.New("invalid conflict")
)

// ResolveRequest describes one resolution decision.
type ResolveRequest struct {
	ConflictID string
	Strategy   models.ResolutionStrategy
	// Value is the final value for StrategyCustom.
	Value          interface{}
	ResolverID     string
	ApplyToSimilar bool
}

type ResolveResult struct {
	Conflict        *models.Conflict
	SimilarResolved int
}

// Resolver keeps pending conflicts in memory in front of the store. Every
// state change is written through; pending rows reload lazily after restart.
type Resolver struct {
	store  domain.ConflictStore
	events domain.EventPublisher
	logger zerolog.Logger
	now    func() time.Time

	mu      sync.Mutex
	pending map[string]*models.Conflict
	loaded  bool
}

// NewResolver builds a resolver. publisher may be nil.
func NewResolver(store domain.ConflictStore, publisher domain.EventPublisher, logger *zerolog.Logger) *Resolver {
	r := &Resolver{
		store:   store,
		events:  publisher,
		logger:  logging.Component(logger, "conflict"),
		now:     time.Now,
		pending: make(map[string]*models.Conflict),
	}
	return r
}

// RecordConflict stores a new pending conflict. An identical pending conflict
// (same product, field and values) is returned instead of duplicated.
func (r *Resolver) RecordConflict(ctx context.Context, c models.Conflict) (*models.Conflict, error) {
	if c.StoreID == "" || c.ProductID == "" || c.Field == "" {
		return nil, fmt.Errorf("%w: store, product and field are required", ErrInvalidConflict)
	}
	if !c.Type.IsValid() {
		return nil, fmt.Errorf("%w: type %q", ErrInvalidConflict, c.Type)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.ensureLoadedLocked(ctx); err != nil {
		return nil, err
	}
	for _, existing := range r.pending {
		if sameDivergence(existing, &c) {
			return existing.Clone(), nil
		}
	}

	c.ID = uuid.NewString()
	c.Status = models.ConflictStatusPending
	c.Strategy = ""
	c.ResolvedValue = nil
	c.ResolvedBy = ""
	c.ResolvedAt = nil
	c.CreatedAt = r.now().UTC()

	if err := r.store.SaveConflict(ctx, &c); err != nil {
		return nil, fmt.Errorf("save conflict: %w", err)
	}
	r.pending[c.ID] = c.Clone()

	r.logger.Info().
		Str("conflict_id", c.ID).
		Str("store_id", c.StoreID).
		Str("product_id", c.ProductID).
		Str("field", c.Field).
		Str("type", string(c.Type)).
		Msg("conflict recorded")
	r.publish(events.EventConflictDetected, &c)

	return c.Clone(), nil
}

// Resolve applies a strategy to a pending conflict. Resolving an already
// resolved conflict with the same strategy returns the stored outcome.
func (r *Resolver) Resolve(ctx context.Context, req ResolveRequest) (*ResolveResult, error) {
	if !req.Strategy.IsValid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStrategy, req.Strategy)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.ensureLoadedLocked(ctx); err != nil {
		return nil, err
	}

	c, err := r.getLocked(ctx, req.ConflictID)
	if err != nil {
		return nil, err
	}

	if c.IsClosed() {
		if c.Status == models.ConflictStatusResolved && c.Strategy == req.Strategy {
			return &ResolveResult{Conflict: c}, nil
		}
		return nil, fmt.Errorf("%w: %s is %s", ErrConflictClosed, c.ID, c.Status)
	}

	resolved, err := r.resolveLocked(ctx, c, req.Strategy, req.Value, req.ResolverID)
	if err != nil {
		return nil, err
	}
	result := &ResolveResult{Conflict: resolved}

	if req.ApplyToSimilar {
		for _, other := range r.similarLocked(resolved) {
			if _, err := r.resolveLocked(ctx, other, req.Strategy, req.Value, req.ResolverID); err != nil {
				r.logger.Warn().Err(err).Str("conflict_id", other.ID).Msg("failed to resolve similar conflict")
				continue
			}
			result.SimilarResolved++
		}
	}

	return result, nil
}

// Ignore dismisses a pending conflict without choosing a value.
func (r *Resolver) Ignore(ctx context.Context, id, resolverID string) (*models.Conflict, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.ensureLoadedLocked(ctx); err != nil {
		return nil, err
	}

	c, err := r.getLocked(ctx, id)
	if err != nil {
		return nil, err
	}
	switch c.Status {
	case models.ConflictStatusIgnored:
		return c, nil
	case models.ConflictStatusResolved:
		return nil, fmt.Errorf("%w: %s is %s", ErrConflictClosed, c.ID, c.Status)
	}

	now := r.now().UTC()
	c.Status = models.ConflictStatusIgnored
	c.ResolvedBy = resolverID
	c.ResolvedAt = &now
	if err := r.store.SaveConflict(ctx, c); err != nil {
		return nil, fmt.Errorf("save conflict: %w", err)
	}
	delete(r.pending, c.ID)

	r.logger.Info().Str("conflict_id", c.ID).Str("resolved_by", resolverID).Msg("conflict ignored")
	return c.Clone(), nil
}

// BulkResolve applies one strategy to many conflicts and returns how many were
// resolved. Conflicts already resolved the same way count as resolved.
func (r *Resolver) BulkResolve(ctx context.Context, ids []string, strategy models.ResolutionStrategy, resolverID string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	if strategy == models.StrategyCustom {
		return 0, ErrCustomValueRequired
	}

	var errs []error
	resolved := 0
	for _, id := range ids {
		if _, err := r.Resolve(ctx, ResolveRequest{ConflictID: id, Strategy: strategy, ResolverID: resolverID}); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", id, err))
			continue
		}
		resolved++
	}
	return resolved, errors.Join(errs...)
}

// ListPending returns pending conflicts for a store, oldest first. An empty
// storeID lists every store.
func (r *Resolver) ListPending(ctx context.Context, storeID string) ([]*models.Conflict, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.ensureLoadedLocked(ctx); err != nil {
		return nil, err
	}

	filter := models.ConflictFilter{StoreID: storeID, Status: models.ConflictStatusPending}
	var out []*models.Conflict
	for _, c := range r.pending {
		if filter.Matches(c) {
			out = append(out, c.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (r *Resolver) Get(ctx context.Context, id string) (*models.Conflict, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.getLocked(ctx, id)
}

func (r *Resolver) resolveLocked(ctx context.Context, c *models.Conflict, strategy models.ResolutionStrategy, value interface{}, resolverID string) (*models.Conflict, error) {
	final, err := Apply(strategy, c, value)
	if err != nil {
		return nil, err
	}

	now := r.now().UTC()
	c.Status = models.ConflictStatusResolved
	c.Strategy = strategy
	c.ResolvedValue = final
	c.ResolvedBy = resolverID
	c.ResolvedAt = &now
	if err := r.store.SaveConflict(ctx, c); err != nil {
		return nil, fmt.Errorf("save conflict: %w", err)
	}
	delete(r.pending, c.ID)

	r.logger.Info().
		Str("conflict_id", c.ID).
		Str("strategy", string(strategy)).
		Str("resolved_by", resolverID).
		Msg("conflict resolved")
	r.publish(events.EventConflictResolved, c)

	return c.Clone(), nil
}

// getLocked returns a private copy, preferring the pending cache.
func (r *Resolver) getLocked(ctx context.Context, id string) (*models.Conflict, error) {
	if c, ok := r.pending[id]; ok {
		return c.Clone(), nil
	}
	c, err := r.store.GetConflict(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrConflictNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (r *Resolver) similarLocked(c *models.Conflict) []*models.Conflict {
	var out []*models.Conflict
	for _, other := range r.pending {
		if other.ID != c.ID && other.SimilarTo(c) {
			out = append(out, other.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (r *Resolver) ensureLoadedLocked(ctx context.Context) error {
	if r.loaded {
		return nil
	}
	rows, err := r.store.ListConflicts(ctx, models.ConflictFilter{Status: models.ConflictStatusPending})
	if err != nil {
		return fmt.Errorf("load pending conflicts: %w", err)
	}
	for _, c := range rows {
		if _, ok := r.pending[c.ID]; !ok {
			r.pending[c.ID] = c.Clone()
		}
	}
	r.loaded = true
	if len(rows) > 0 {
		r.logger.Debug().Int("count", len(rows)).Msg("pending conflicts loaded")
	}
	return nil
}

func (r *Resolver) publish(eventType string, c *models.Conflict) {
	if r.events == nil {
		return
	}
	err := r.events.PublishJSON(eventType, events.ConflictPayload{
		ConflictID: c.ID,
		StoreID:    c.StoreID,
		Platform:   c.Platform,
		Field:      c.Field,
		Type:       string(c.Type),
		Strategy:   string(c.Strategy),
		ResolvedBy: c.ResolvedBy,
	})
	if err != nil {
		r.logger.Error().Err(err).Str("event", eventType).Msg("failed to publish conflict event")
	}
}

func sameDivergence(a, b *models.Conflict) bool {
	return a.StoreID == b.StoreID &&
		a.Platform == b.Platform &&
		a.ProductID == b.ProductID &&
		a.VariantID == b.VariantID &&
		a.Field == b.Field &&
		a.Type == b.Type &&
		ValuesEqual(a.LocalValue, b.LocalValue) &&
		ValuesEqual(a.PlatformValue, b.PlatformValue)
}
