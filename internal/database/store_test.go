package database

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketsync/internal/config"
	"marketsync/internal/domain"
	"marketsync/internal/models"
)

func setupTestDB(t *testing.T) *DB {
	t.Helper()
	logger := zerolog.Nop()
	db, err := NewSQLite(filepath.Join(t.TempDir(), "nested", "marketsync.db"), &logger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "open.db")
	db, err := Open(config.DatabaseConfig{Driver: "sqlite3", Path: path}, nil)
	require.NoError(t, err)
	defer db.Close()

	assert.FileExists(t, path)
	assert.Equal(t, DriverSQLite, db.Driver())
	assert.NoError(t, db.PingContext(context.Background()))

	_, err = Open(config.DatabaseConfig{Driver: "postgres"}, nil)
	assert.Error(t, err)

	_, err = Open(config.DatabaseConfig{Driver: "mysql", DSN: "::not a dsn"}, nil)
	assert.Error(t, err)
}

func TestUpsertQuery(t *testing.T) {
	sqlite := &DB{driver: DriverSQLite}
	assert.Equal(t,
		"INSERT INTO t (a, b, c) VALUES (?, ?, ?) ON CONFLICT(a) DO UPDATE SET b = excluded.b, c = excluded.c",
		sqlite.upsert("t", []string{"a", "b", "c"}, []string{"a"}))

	mysql := &DB{driver: DriverMySQL}
	assert.Equal(t,
		"INSERT INTO t (a, b) VALUES (?, ?) ON DUPLICATE KEY UPDATE b = VALUES(b)",
		mysql.upsert("t", []string{"a", "b"}, []string{"a"}))
	assert.Equal(t, "INSERT IGNORE INTO t (a) VALUES (?)", mysql.insertIgnore("t", []string{"a"}))
}

func TestJobs(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	mk := func(id string, status models.JobStatus, offset time.Duration) *models.SyncJob {
		return &models.SyncJob{
			ID:             id,
			OrganizationID: "org",
			StoreID:        "store",
			Platform:       "shop",
			Type:           models.JobTypeOrderFetch,
			Status:         status,
			Metadata:       models.JobMetadata{models.OptionCreateMissing: true, models.OptionSKUs: []string{"A"}},
			CreatedAt:      base.Add(offset),
			UpdatedAt:      base.Add(offset),
		}
	}

	require.NoError(t, db.CreateJob(ctx, mk("j1", models.JobStatusPending, 0)))
	require.NoError(t, db.CreateJob(ctx, mk("j2", models.JobStatusPending, time.Minute)))
	require.NoError(t, db.CreateJob(ctx, mk("j3", models.JobStatusCompleted, 2*time.Minute)))

	got, err := db.GetJob(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, models.JobTypeOrderFetch, got.Type)
	assert.True(t, got.Metadata.GetBool(models.OptionCreateMissing))
	assert.Equal(t, []string{"A"}, got.Metadata.GetStrings(models.OptionSKUs))
	assert.True(t, base.Equal(got.CreatedAt))
	assert.Nil(t, got.StartedAt)

	started := base.Add(5 * time.Minute)
	got.Status = models.JobStatusRunning
	got.StartedAt = &started
	got.ProcessedItems = 4
	got.RetryCount = 1
	require.NoError(t, db.UpdateJob(ctx, got))

	again, err := db.GetJob(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusRunning, again.Status)
	assert.Equal(t, 4, again.ProcessedItems)
	assert.Equal(t, 1, again.RetryCount)
	require.NotNil(t, again.StartedAt)
	assert.True(t, started.Equal(*again.StartedAt))

	_, err = db.GetJob(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.ErrorIs(t, db.UpdateJob(ctx, &models.SyncJob{ID: "missing"}), domain.ErrNotFound)

	all, err := db.ListJobs(ctx, "org")
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "j3", all[0].ID)

	pending, err := db.ListJobsByStatus(ctx, models.JobStatusPending, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "j2", pending[0].ID)

	require.NoError(t, db.CreateJob(ctx, mk("j4", models.JobStatusPending, 3*time.Minute)))
	limited, err := db.ListJobsByStatus(ctx, models.JobStatusPending, 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "j2", limited[0].ID)
}

func TestConflicts(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	c := &models.Conflict{
		ID:            "c1",
		StoreID:       "store",
		Platform:      "shop",
		ProductID:     "p1",
		Field:         "price",
		LocalValue:    "10.00",
		PlatformValue: 12.5,
		Type:          models.ConflictValueMismatch,
		Status:        models.ConflictStatusPending,
		CreatedAt:     now,
	}
	require.NoError(t, db.SaveConflict(ctx, c))
	require.NoError(t, db.SaveConflict(ctx, &models.Conflict{
		ID: "c2", StoreID: "store", ProductID: "p2", Field: "title",
		Type: models.ConflictMissingLocal, Status: models.ConflictStatusPending, CreatedAt: now.Add(time.Second),
	}))

	got, err := db.GetConflict(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "10.00", got.LocalValue)
	assert.Equal(t, 12.5, got.PlatformValue)
	assert.Nil(t, got.ResolvedValue)

	resolvedAt := now.Add(time.Minute)
	got.Status = models.ConflictStatusResolved
	got.Strategy = models.StrategyUseLocal
	got.ResolvedValue = "10.00"
	got.ResolvedBy = "alice"
	got.ResolvedAt = &resolvedAt
	require.NoError(t, db.SaveConflict(ctx, got))

	resolved, err := db.GetConflict(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, models.ConflictStatusResolved, resolved.Status)
	assert.Equal(t, "alice", resolved.ResolvedBy)
	require.NotNil(t, resolved.ResolvedAt)

	pending, err := db.ListConflicts(ctx, models.ConflictFilter{StoreID: "store", Status: models.ConflictStatusPending})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "c2", pending[0].ID)

	all, err := db.ListConflicts(ctx, models.ConflictFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	_, err = db.GetConflict(ctx, "nope")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCatalog_ProductsAndInventory(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.UpsertLocalProduct(ctx, "store", models.Product{
		ID: "p2", SKU: "B", Fields: map[string]interface{}{"title": "Plate"},
	}))
	require.NoError(t, db.UpsertLocalProduct(ctx, "store", models.Product{
		ID: "p1", SKU: "A", Fields: map[string]interface{}{"title": "Mug", "price": "9.99"},
	}))
	require.NoError(t, db.UpsertLocalProduct(ctx, "store", models.Product{
		ID: "p1", SKU: "A", ExternalID: "ext-1", Fields: map[string]interface{}{"title": "Mug v2"},
	}))
	assert.Error(t, db.UpsertLocalProduct(ctx, "store", models.Product{}))

	products, err := db.ListLocalProducts(ctx, "store")
	require.NoError(t, err)
	require.Len(t, products, 2)
	assert.Equal(t, "A", products[0].SKU)
	assert.Equal(t, "ext-1", products[0].ExternalID)
	assert.Equal(t, "Mug v2", products[0].Fields["title"])
	assert.NotContains(t, products[0].Fields, "price")

	require.NoError(t, db.SetInventory(ctx, "store", models.InventoryLevel{SKU: "A", Quantity: 10, Reserved: 1}))
	require.NoError(t, db.SetInventory(ctx, "store", models.InventoryLevel{SKU: "A", Quantity: 12, Reserved: 1}))
	levels, err := db.ListInventory(ctx, "store")
	require.NoError(t, err)
	require.Len(t, levels, 1)
	assert.Equal(t, int64(12), levels[0].Quantity)
	assert.Equal(t, int64(11), levels[0].Sellable())
}

func TestRecordOrder_ReservesOnce(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	require.NoError(t, db.SetInventory(ctx, "store", models.InventoryLevel{SKU: "A", Quantity: 10}))

	placed := time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)
	order := models.Order{
		ID:       "o-1",
		Platform: "shop",
		Status:   "paid",
		Currency: "EUR",
		Total:    decimal.RequireFromString("29.97"),
		Lines: []models.OrderLine{
			{SKU: "A", Quantity: 2, Price: decimal.RequireFromString("9.99")},
			{SKU: "NEW", Quantity: 1, Price: decimal.RequireFromString("9.99")},
		},
		PlacedAt: placed,
	}

	created, err := db.RecordOrder(ctx, "store", order)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = db.RecordOrder(ctx, "store", order)
	require.NoError(t, err)
	assert.False(t, created)

	levels, err := db.ListInventory(ctx, "store")
	require.NoError(t, err)
	require.Len(t, levels, 2)
	assert.Equal(t, int64(2), levels[0].Reserved)
	assert.Equal(t, int64(8), levels[0].Sellable())
	assert.Equal(t, "NEW", levels[1].SKU)
	assert.Equal(t, int64(1), levels[1].Reserved)
	assert.Zero(t, levels[1].Quantity)

	stored, err := db.GetOrder(ctx, "store", "shop", "o-1")
	require.NoError(t, err)
	assert.True(t, order.Total.Equal(stored.Total))
	require.Len(t, stored.Lines, 2)
	assert.True(t, stored.LineTotal().Equal(order.Total))

	last, err := db.LastOrderTime(ctx, "store", "shop")
	require.NoError(t, err)
	assert.True(t, placed.Equal(last))

	none, err := db.LastOrderTime(ctx, "store", "other")
	require.NoError(t, err)
	assert.True(t, none.IsZero())
}

func TestRecordOrder_Concurrent(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	require.NoError(t, db.SetInventory(ctx, "store", models.InventoryLevel{SKU: "A", Quantity: 100}))

	order := models.Order{
		ID:       "dup",
		Platform: "shop",
		Lines:    []models.OrderLine{{SKU: "A", Quantity: 3}},
		PlacedAt: time.Now().UTC(),
	}

	const workers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := db.RecordOrder(ctx, "store", order)
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				created++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, created)
	levels, err := db.ListInventory(ctx, "store")
	require.NoError(t, err)
	assert.Equal(t, int64(3), levels[0].Reserved)
}
