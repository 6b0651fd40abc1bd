package conflict

import (
	"context"
	"testing"

	"marketsync/internal/events"
	"marketsync/internal/models"
	"marketsync/internal/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newResolver(t *testing.T) (*Resolver, *repository.MemoryStore, *events.EventBus) {
	t.Helper()
	store := repository.NewMemoryStore()
	bus := events.NewEventBus()
	return NewResolver(store, bus, nil), store, bus
}

func priceConflict(product string) models.Conflict {
	return models.Conflict{
		StoreID:       "s1",
		Platform:      "shop",
		ProductID:     product,
		Field:         "price",
		LocalValue:    100,
		PlatformValue: 120,
		Type:          models.ConflictValueMismatch,
	}
}

func TestResolver_RecordAndMergeScalar(t *testing.T) {
	r, store, bus := newResolver(t)
	ctx := context.Background()

	var detected, resolved int
	bus.Subscribe(events.EventConflictDetected, func(*events.Event) error { detected++; return nil })
	bus.Subscribe(events.EventConflictResolved, func(*events.Event) error { resolved++; return nil })

	c, err := r.RecordConflict(ctx, priceConflict("p1"))
	require.NoError(t, err)
	assert.NotEmpty(t, c.ID)
	assert.Equal(t, models.ConflictStatusPending, c.Status)

	res, err := r.Resolve(ctx, ResolveRequest{ConflictID: c.ID, Strategy: models.StrategyMerge, ResolverID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, 120, res.Conflict.ResolvedValue)
	assert.Equal(t, models.ConflictStatusResolved, res.Conflict.Status)
	assert.Equal(t, "u1", res.Conflict.ResolvedBy)
	assert.NotNil(t, res.Conflict.ResolvedAt)

	stored, err := store.GetConflict(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ConflictStatusResolved, stored.Status)
	assert.Equal(t, 1, detected)
	assert.Equal(t, 1, resolved)
}

func TestResolver_ResolveIsIdempotentForSameStrategy(t *testing.T) {
	r, _, _ := newResolver(t)
	ctx := context.Background()

	c, err := r.RecordConflict(ctx, priceConflict("p1"))
	require.NoError(t, err)

	first, err := r.Resolve(ctx, ResolveRequest{ConflictID: c.ID, Strategy: models.StrategyUseLocal})
	require.NoError(t, err)
	second, err := r.Resolve(ctx, ResolveRequest{ConflictID: c.ID, Strategy: models.StrategyUseLocal})
	require.NoError(t, err)
	assert.Equal(t, first.Conflict.ResolvedValue, second.Conflict.ResolvedValue)

	_, err = r.Resolve(ctx, ResolveRequest{ConflictID: c.ID, Strategy: models.StrategyUsePlatform})
	assert.ErrorIs(t, err, ErrConflictClosed)
}

func TestResolver_CustomRequiresValue(t *testing.T) {
	r, _, _ := newResolver(t)
	ctx := context.Background()

	c, err := r.RecordConflict(ctx, priceConflict("p1"))
	require.NoError(t, err)

	_, err = r.Resolve(ctx, ResolveRequest{ConflictID: c.ID, Strategy: models.StrategyCustom})
	assert.ErrorIs(t, err, ErrCustomValueRequired)

	res, err := r.Resolve(ctx, ResolveRequest{ConflictID: c.ID, Strategy: models.StrategyCustom, Value: 110})
	require.NoError(t, err)
	assert.Equal(t, 110, res.Conflict.ResolvedValue)
}

func TestResolver_ApplyToSimilar(t *testing.T) {
	r, _, _ := newResolver(t)
	ctx := context.Background()

	first, err := r.RecordConflict(ctx, priceConflict("p1"))
	require.NoError(t, err)
	_, err = r.RecordConflict(ctx, priceConflict("p2"))
	require.NoError(t, err)
	_, err = r.RecordConflict(ctx, priceConflict("p3"))
	require.NoError(t, err)

	other := priceConflict("p4")
	other.Field = "title"
	other.LocalValue, other.PlatformValue = "Mug", "Cup"
	_, err = r.RecordConflict(ctx, other)
	require.NoError(t, err)

	res, err := r.Resolve(ctx, ResolveRequest{ConflictID: first.ID, Strategy: models.StrategyUsePlatform, ApplyToSimilar: true})
	require.NoError(t, err)
	assert.Equal(t, 2, res.SimilarResolved)

	pending, err := r.ListPending(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "title", pending[0].Field)
}

func TestResolver_IgnoreIsTerminal(t *testing.T) {
	r, _, _ := newResolver(t)
	ctx := context.Background()

	c, err := r.RecordConflict(ctx, priceConflict("p1"))
	require.NoError(t, err)

	ignored, err := r.Ignore(ctx, c.ID, "u1")
	require.NoError(t, err)
	assert.Equal(t, models.ConflictStatusIgnored, ignored.Status)

	_, err = r.Ignore(ctx, c.ID, "u1")
	assert.NoError(t, err)

	_, err = r.Resolve(ctx, ResolveRequest{ConflictID: c.ID, Strategy: models.StrategyMerge})
	assert.ErrorIs(t, err, ErrConflictClosed)

	// the same divergence seen again opens a new conflict
	again, err := r.RecordConflict(ctx, priceConflict("p1"))
	require.NoError(t, err)
	assert.NotEqual(t, c.ID, again.ID)
}

func TestResolver_DuplicatePendingIsNotRecordedTwice(t *testing.T) {
	r, _, _ := newResolver(t)
	ctx := context.Background()

	a, err := r.RecordConflict(ctx, priceConflict("p1"))
	require.NoError(t, err)
	b, err := r.RecordConflict(ctx, priceConflict("p1"))
	require.NoError(t, err)
	assert.Equal(t, a.ID, b.ID)

	changed := priceConflict("p1")
	changed.PlatformValue = 130
	c, err := r.RecordConflict(ctx, changed)
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, c.ID)
}

func TestResolver_BulkResolve(t *testing.T) {
	r, _, _ := newResolver(t)
	ctx := context.Background()

	n, err := r.BulkResolve(ctx, nil, models.StrategyMerge, "u1")
	require.NoError(t, err)
	assert.Zero(t, n)

	a, _ := r.RecordConflict(ctx, priceConflict("p1"))
	b, _ := r.RecordConflict(ctx, priceConflict("p2"))

	n, err = r.BulkResolve(ctx, []string{a.ID, b.ID, "missing"}, models.StrategyUseLocal, "u1")
	assert.Equal(t, 2, n)
	assert.ErrorIs(t, err, ErrConflictNotFound)

	_, err = r.BulkResolve(ctx, []string{a.ID}, models.StrategyCustom, "u1")
	assert.ErrorIs(t, err, ErrCustomValueRequired)
}

func TestResolver_ReloadsPendingAfterRestart(t *testing.T) {
	r, store, _ := newResolver(t)
	ctx := context.Background()

	c, err := r.RecordConflict(ctx, priceConflict("p1"))
	require.NoError(t, err)

	restarted := NewResolver(store, nil, nil)
	pending, err := restarted.ListPending(ctx, "")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, c.ID, pending[0].ID)

	_, err = restarted.Resolve(ctx, ResolveRequest{ConflictID: c.ID, Strategy: models.StrategyUsePlatform})
	require.NoError(t, err)
}

func TestResolver_RejectsInvalidInput(t *testing.T) {
	r, _, _ := newResolver(t)
	ctx := context.Background()

	_, err := r.RecordConflict(ctx, models.Conflict{StoreID: "s1", Field: "price", Type: models.ConflictValueMismatch})
	assert.ErrorIs(t, err, ErrInvalidConflict)

	bad := priceConflict("p1")
	bad.Type = "weird"
	_, err = r.RecordConflict(ctx, bad)
	assert.ErrorIs(t, err, ErrInvalidConflict)

	_, err = r.Resolve(ctx, ResolveRequest{ConflictID: "nope", Strategy: models.StrategyMerge})
	assert.ErrorIs(t, err, ErrConflictNotFound)
}
