package domain

import (
	"context"
	"errors"
	"time"

	"marketsync/internal/models"
)

// ErrNotFound is returned by stores when a record does not exist.
var ErrNotFound = errors.New("record not found")

// JobStore persists SyncJob rows; it is the system of record for job state.
type JobStore interface {
	CreateJob(ctx context.Context, job *models.SyncJob) error
	GetJob(ctx context.Context, id string) (*models.SyncJob, error)
	UpdateJob(ctx context.Context, job *models.SyncJob) error
	ListJobs(ctx context.Context, organizationID string) ([]*models.SyncJob, error)
	ListJobsByStatus(ctx context.Context, status models.JobStatus, limit int) ([]*models.SyncJob, error)
}

// ConflictStore persists Conflict rows. SaveConflict upserts by ID.
type ConflictStore interface {
	SaveConflict(ctx context.Context, conflict *models.Conflict) error
	GetConflict(ctx context.Context, id string) (*models.Conflict, error)
	ListConflicts(ctx context.Context, filter models.ConflictFilter) ([]*models.Conflict, error)
}

// CatalogStore holds the central store's own view of products, stock and orders.
type CatalogStore interface {
	ListLocalProducts(ctx context.Context, storeID string) ([]models.Product, error)
	UpsertLocalProduct(ctx context.Context, storeID string, product models.Product) error
	ListInventory(ctx context.Context, storeID string) ([]models.InventoryLevel, error)
	SetInventory(ctx context.Context, storeID string, level models.InventoryLevel) error
	// RecordOrder stores the order and reserves stock for its lines atomically.
	// It returns false without side effects when the order was already recorded.
	RecordOrder(ctx context.Context, storeID string, order models.Order) (bool, error)
	LastOrderTime(ctx context.Context, storeID, platform string) (time.Time, error)
}

// Store is the full persistence capability set the engine depends on.
type Store interface {
	JobStore
	ConflictStore
	CatalogStore
	Close() error
}

type EventPublisher interface {
	PublishJSON(eventType string, payload interface{}) error
}

// JobQueue dispatches job ids to workers. Delivery is at-least-once; workers
// re-check job status from the store after Pop.
type JobQueue interface {
	Push(ctx context.Context, jobID string) error
	// Pop waits up to timeout and returns "" when nothing arrived.
	Pop(ctx context.Context, timeout time.Duration) (string, error)
	Remove(ctx context.Context, jobID string) error
	DeadLetter(ctx context.Context, jobID, reason string) error
}
