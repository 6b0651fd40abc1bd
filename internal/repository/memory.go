package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"marketsync/internal/domain"
	"marketsync/internal/models"
)

// MemoryStore is a process-local domain.Store used by tests and the memory backend.
type MemoryStore struct {
	mu        sync.RWMutex
	jobs      map[string]*models.SyncJob
	conflicts map[string]*models.Conflict
	products  map[string]map[string]models.Product
	inventory map[string]map[string]models.InventoryLevel
	orders    map[orderKey]models.Order
}

type orderKey struct {
	storeID  string
	platform string
	orderID  string
}

var _ domain.Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:      make(map[string]*models.SyncJob),
		conflicts: make(map[string]*models.Conflict),
		products:  make(map[string]map[string]models.Product),
		inventory: make(map[string]map[string]models.InventoryLevel),
		orders:    make(map[orderKey]models.Order),
	}
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) CreateJob(ctx context.Context, job *models.SyncJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = job.Clone()
	return nil
}

func (s *MemoryStore) GetJob(ctx context.Context, id string) (*models.SyncJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return job.Clone(), nil
}

func (s *MemoryStore) UpdateJob(ctx context.Context, job *models.SyncJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[job.ID]; !ok {
		return domain.ErrNotFound
	}
	s.jobs[job.ID] = job.Clone()
	return nil
}

// ListJobs returns an organization's jobs, newest first.
func (s *MemoryStore) ListJobs(ctx context.Context, organizationID string) ([]*models.SyncJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.SyncJob
	for _, job := range s.jobs {
		if job.OrganizationID == organizationID {
			out = append(out, job.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// ListJobsByStatus returns jobs in a status, oldest first.
func (s *MemoryStore) ListJobsByStatus(ctx context.Context, status models.JobStatus, limit int) ([]*models.SyncJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.SyncJob
	for _, job := range s.jobs {
		if job.Status == status {
			out = append(out, job.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) SaveConflict(ctx context.Context, conflict *models.Conflict) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conflicts[conflict.ID] = conflict.Clone()
	return nil
}

func (s *MemoryStore) GetConflict(ctx context.Context, id string) (*models.Conflict, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.conflicts[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return c.Clone(), nil
}

func (s *MemoryStore) ListConflicts(ctx context.Context, filter models.ConflictFilter) ([]*models.Conflict, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.Conflict
	for _, c := range s.conflicts {
		if filter.Matches(c) {
			out = append(out, c.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) ListLocalProducts(ctx context.Context, storeID string) ([]models.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.Product, 0, len(s.products[storeID]))
	for _, p := range s.products[storeID] {
		out = append(out, copyProduct(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SKU < out[j].SKU })
	return out, nil
}

func (s *MemoryStore) UpsertLocalProduct(ctx context.Context, storeID string, product models.Product) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.products[storeID] == nil {
		s.products[storeID] = make(map[string]models.Product)
	}
	if product.UpdatedAt.IsZero() {
		product.UpdatedAt = time.Now().UTC()
	}
	s.products[storeID][product.SKU] = copyProduct(product)
	return nil
}

func (s *MemoryStore) ListInventory(ctx context.Context, storeID string) ([]models.InventoryLevel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.InventoryLevel, 0, len(s.inventory[storeID]))
	for _, l := range s.inventory[storeID] {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SKU < out[j].SKU })
	return out, nil
}

func (s *MemoryStore) SetInventory(ctx context.Context, storeID string, level models.InventoryLevel) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.inventory[storeID] == nil {
		s.inventory[storeID] = make(map[string]models.InventoryLevel)
	}
	if level.UpdatedAt.IsZero() {
		level.UpdatedAt = time.Now().UTC()
	}
	s.inventory[storeID][level.SKU] = level
	return nil
}

// RecordOrder stores the order and reserves every line under one lock.
func (s *MemoryStore) RecordOrder(ctx context.Context, storeID string, order models.Order) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := orderKey{storeID: storeID, platform: order.Platform, orderID: order.ID}
	if _, exists := s.orders[key]; exists {
		return false, nil
	}

	if s.inventory[storeID] == nil {
		s.inventory[storeID] = make(map[string]models.InventoryLevel)
	}
	now := time.Now().UTC()
	for _, line := range order.Lines {
		level := s.inventory[storeID][line.SKU]
		level.SKU = line.SKU
		level.Reserved += line.Quantity
		level.UpdatedAt = now
		s.inventory[storeID][line.SKU] = level
	}

	if order.FetchedAt.IsZero() {
		order.FetchedAt = now
	}
	order.Lines = append([]models.OrderLine(nil), order.Lines...)
	s.orders[key] = order
	return true, nil
}

func (s *MemoryStore) LastOrderTime(ctx context.Context, storeID, platform string) (time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest time.Time
	for key, o := range s.orders {
		if key.storeID == storeID && key.platform == platform && o.PlacedAt.After(latest) {
			latest = o.PlacedAt
		}
	}
	return latest, nil
}

func copyProduct(p models.Product) models.Product {
	if p.Fields != nil {
		fields := make(map[string]interface{}, len(p.Fields))
		for k, v := range p.Fields {
			fields[k] = v
		}
		p.Fields = fields
	}
	return p
}

// MemoryJobQueue is the in-process job dispatch queue.
type MemoryJobQueue struct {
	mu         sync.Mutex
	items      []string
	notify     chan struct{}
	deadLetter []DeadLetter
}

// DeadLetter records a job abandoned after exhausting retries.
type DeadLetter struct {
	JobID  string    `json:"job_id"`
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

var _ domain.JobQueue = (*MemoryJobQueue)(nil)

func NewMemoryJobQueue() *MemoryJobQueue {
	return &MemoryJobQueue{notify: make(chan struct{}, 1)}
}

func (q *MemoryJobQueue) Push(ctx context.Context, jobID string) error {
	q.mu.Lock()
	q.items = append(q.items, jobID)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

func (q *MemoryJobQueue) Pop(ctx context.Context, timeout time.Duration) (string, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			id := q.items[0]
			q.items = q.items[1:]
			more := len(q.items) > 0
			q.mu.Unlock()
			if more {
				select {
				case q.notify <- struct{}{}:
				default:
				}
			}
			return id, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-timer.C:
			return "", nil
		case <-q.notify:
		}
	}
}

func (q *MemoryJobQueue) Remove(ctx context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	kept := q.items[:0]
	for _, id := range q.items {
		if id != jobID {
			kept = append(kept, id)
		}
	}
	q.items = kept
	return nil
}

func (q *MemoryJobQueue) DeadLetter(ctx context.Context, jobID, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.deadLetter = append(q.deadLetter, DeadLetter{JobID: jobID, Reason: reason, At: time.Now().UTC()})
	return nil
}

func (q *MemoryJobQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *MemoryJobQueue) DeadLetters() []DeadLetter {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]DeadLetter(nil), q.deadLetter...)
}
