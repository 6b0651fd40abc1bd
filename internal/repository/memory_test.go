package repository

import (
	"context"
	"testing"
	"time"

	"marketsync/internal/domain"
	"marketsync/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_Jobs(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	for i, id := range []string{"j1", "j2", "j3"} {
		job := &models.SyncJob{
			ID:             id,
			OrganizationID: "org",
			Type:           models.JobTypeCatalogSync,
			Status:         models.JobStatusPending,
			CreatedAt:      base.Add(time.Duration(i) * time.Minute),
		}
		require.NoError(t, s.CreateJob(ctx, job))
	}

	got, err := s.GetJob(ctx, "j2")
	require.NoError(t, err)
	got.Status = models.JobStatusRunning
	require.NoError(t, s.UpdateJob(ctx, got))

	pending, err := s.ListJobsByStatus(ctx, models.JobStatusPending, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "j1", pending[0].ID)

	limited, err := s.ListJobsByStatus(ctx, models.JobStatusPending, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	all, err := s.ListJobs(ctx, "org")
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "j3", all[0].ID, "newest first")

	_, err = s.GetJob(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.ErrorIs(t, s.UpdateJob(ctx, &models.SyncJob{ID: "missing"}), domain.ErrNotFound)
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	job := &models.SyncJob{ID: "j1", Status: models.JobStatusPending, Metadata: models.JobMetadata{"a": 1}}
	require.NoError(t, s.CreateJob(ctx, job))
	job.Status = models.JobStatusFailed

	got, err := s.GetJob(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, got.Status)
}

func TestMemoryStore_Conflicts(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.SaveConflict(ctx, &models.Conflict{ID: "c1", StoreID: "s1", Field: "price", Type: models.ConflictValueMismatch, Status: models.ConflictStatusPending}))
	require.NoError(t, s.SaveConflict(ctx, &models.Conflict{ID: "c2", StoreID: "s1", Field: "title", Type: models.ConflictValueMismatch, Status: models.ConflictStatusResolved}))

	pending, err := s.ListConflicts(ctx, models.ConflictFilter{Status: models.ConflictStatusPending})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "c1", pending[0].ID)

	_, err = s.GetConflict(ctx, "nope")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestMemoryStore_RecordOrderReservesOnce(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.SetInventory(ctx, "s1", models.InventoryLevel{SKU: "A", Quantity: 10}))

	order := models.Order{
		ID:       "o1",
		Platform: "shop",
		PlacedAt: time.Date(2024, 4, 2, 8, 0, 0, 0, time.UTC),
		Lines: []models.OrderLine{
			{SKU: "A", Quantity: 3, Price: decimal.NewFromInt(5)},
			{SKU: "B", Quantity: 1, Price: decimal.NewFromInt(7)},
		},
	}

	created, err := s.RecordOrder(ctx, "s1", order)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = s.RecordOrder(ctx, "s1", order)
	require.NoError(t, err)
	assert.False(t, created)

	levels, err := s.ListInventory(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, levels, 2)
	assert.Equal(t, int64(3), levels[0].Reserved)
	assert.Equal(t, int64(7), levels[0].Sellable())
	assert.Equal(t, "B", levels[1].SKU)
	assert.Equal(t, int64(1), levels[1].Reserved)

	last, err := s.LastOrderTime(ctx, "s1", "shop")
	require.NoError(t, err)
	assert.Equal(t, order.PlacedAt, last)

	last, err = s.LastOrderTime(ctx, "s1", "other")
	require.NoError(t, err)
	assert.True(t, last.IsZero())
}

func TestMemoryStore_Products(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	p := models.Product{ID: "p1", SKU: "B", Fields: map[string]interface{}{"title": "Mug"}}
	require.NoError(t, s.UpsertLocalProduct(ctx, "s1", p))
	require.NoError(t, s.UpsertLocalProduct(ctx, "s1", models.Product{ID: "p0", SKU: "A"}))
	p.Fields["title"] = "changed after write"

	products, err := s.ListLocalProducts(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, products, 2)
	assert.Equal(t, "A", products[0].SKU)
	assert.Equal(t, "Mug", products[1].Fields["title"])
}

func TestMemoryJobQueue(t *testing.T) {
	q := NewMemoryJobQueue()
	ctx := context.Background()

	id, err := q.Pop(ctx, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, id)

	require.NoError(t, q.Push(ctx, "a"))
	require.NoError(t, q.Push(ctx, "b"))
	require.NoError(t, q.Push(ctx, "c"))
	require.NoError(t, q.Remove(ctx, "b"))
	assert.Equal(t, 2, q.Len())

	id, err = q.Pop(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "a", id)
	id, err = q.Pop(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "c", id)

	require.NoError(t, q.DeadLetter(ctx, "x", "retries exhausted"))
	require.Len(t, q.DeadLetters(), 1)
	assert.Equal(t, "x", q.DeadLetters()[0].JobID)
}

func TestMemoryJobQueue_PopWakesOnPush(t *testing.T) {
	q := NewMemoryJobQueue()
	ctx := context.Background()

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = q.Push(ctx, "late")
	}()

	id, err := q.Pop(ctx, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "late", id)
}

func TestMemoryJobQueue_PopHonoursContext(t *testing.T) {
	q := NewMemoryJobQueue()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := q.Pop(ctx, time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}
