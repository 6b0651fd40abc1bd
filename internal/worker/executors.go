package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"marketsync/internal/conflict"
	"marketsync/internal/domain"
	"marketsync/internal/models"
	"marketsync/internal/platform"
)

// ErrJobCancelled is returned by executors that observe a cancellation request.
var ErrJobCancelled = errors.New(models.CancelledMessage)

const defaultOrderLookback = 24 * time.Hour

// Executor performs the work of one job type.
type Executor interface {
	Execute(ctx context.Context, run *Run) error
}

type ExecutorFunc func(ctx context.Context, run *Run) error

func (f ExecutorFunc) Execute(ctx context.Context, run *Run) error { return f(ctx, run) }

// Run is what an executor sees of its job.
type Run struct {
	Job       *models.SyncJob
	Adapter   platform.Adapter
	Catalog   domain.CatalogStore
	Conflicts ConflictRecorder
	Logger    zerolog.Logger

	report    func(total, processed, failed int)
	cancelled func() bool
	now       func() time.Time
}

// Report publishes absolute item counts.
func (r *Run) Report(total, processed, failed int) {
	if r.report != nil {
		r.report(total, processed, failed)
	}
}

// Cancelled reports whether cancellation was requested. Executors check it
// between items.
func (r *Run) Cancelled() bool {
	return r.cancelled != nil && r.cancelled()
}

// StoreID falls back to the organization when the job names no store.
func (r *Run) StoreID() string {
	if r.Job.StoreID != "" {
		return r.Job.StoreID
	}
	return r.Job.OrganizationID
}

func (r *Run) clock() time.Time {
	if r.now == nil {
		return time.Now()
	}
	return r.now()
}

func defaultExecutors() map[models.JobType]Executor {
	return map[models.JobType]Executor{
		models.JobTypeCatalogSync:   ExecutorFunc(syncCatalog),
		models.JobTypeInventoryPush: ExecutorFunc(pushInventory),
		models.JobTypeOrderFetch:    ExecutorFunc(fetchOrders),
	}
}

// itemFailure reports whether err concerns a single item and the job may continue.
func itemFailure(err error) bool {
	switch platform.KindOf(err) {
	case platform.KindValidation, platform.KindNotFound:
		return true
	default:
		return false
	}
}

func syncCatalog(ctx context.Context, run *Run) error {
	job := run.Job
	storeID := run.StoreID()
	skus := job.Metadata.GetStrings(models.OptionSKUs)

	local, err := run.Catalog.ListLocalProducts(ctx, storeID)
	if err != nil {
		return fmt.Errorf("list local products: %w", err)
	}
	remote, err := run.Adapter.FetchProducts(ctx, platform.ProductQuery{SKUs: skus})
	if err != nil {
		return fmt.Errorf("fetch products: %w", err)
	}
	local = filterProducts(local, skus)
	remote = filterProducts(remote, skus)

	diff := conflict.Detect(storeID, job.Platform, local, remote, job.Metadata.GetStrings(models.OptionFields))
	total := diff.Matched + len(diff.MissingOnPlatform) + len(diff.MissingLocally)
	processed, failed := 0, 0
	run.Report(total, 0, 0)

	for _, c := range diff.Conflicts {
		if _, err := run.Conflicts.RecordConflict(ctx, c); err != nil {
			return fmt.Errorf("record conflict: %w", err)
		}
	}
	processed += diff.Matched
	run.Report(total, processed, failed)

	createMissing := job.Metadata.GetBool(models.OptionCreateMissing)
	for _, p := range diff.MissingOnPlatform {
		if run.Cancelled() {
			return ErrJobCancelled
		}
		if !createMissing {
			c := productConflict(storeID, job.Platform, p, models.ConflictMissingPlatform)
			c.LocalValue = p.Fields
			if _, err := run.Conflicts.RecordConflict(ctx, c); err != nil {
				return fmt.Errorf("record conflict: %w", err)
			}
			processed++
			run.Report(total, processed, failed)
			continue
		}

		created, err := run.Adapter.CreateProduct(ctx, p)
		switch {
		case err == nil:
			p.ExternalID = created.ID
			if err := run.Catalog.UpsertLocalProduct(ctx, storeID, p); err != nil {
				return fmt.Errorf("link product %s: %w", p.SKU, err)
			}
			processed++
		case platform.KindOf(err) == platform.KindValidation:
			c := productConflict(storeID, job.Platform, p, models.ConflictValidationFailure)
			c.LocalValue = p.Fields
			c.PlatformValue = err.Error()
			if _, rerr := run.Conflicts.RecordConflict(ctx, c); rerr != nil {
				return fmt.Errorf("record conflict: %w", rerr)
			}
			failed++
		case itemFailure(err):
			run.Logger.Warn().Err(err).Str("sku", p.SKU).Msg("product create skipped")
			failed++
		default:
			return fmt.Errorf("create product %s: %w", p.SKU, err)
		}
		run.Report(total, processed, failed)
	}

	for _, p := range diff.MissingLocally {
		if run.Cancelled() {
			return ErrJobCancelled
		}
		c := productConflict(storeID, job.Platform, p, models.ConflictMissingLocal)
		c.PlatformValue = p.Fields
		if _, err := run.Conflicts.RecordConflict(ctx, c); err != nil {
			return fmt.Errorf("record conflict: %w", err)
		}
		processed++
		run.Report(total, processed, failed)
	}

	run.Logger.Info().
		Int("matched", diff.Matched).
		Int("conflicts", len(diff.Conflicts)).
		Int("missing_on_platform", len(diff.MissingOnPlatform)).
		Int("missing_locally", len(diff.MissingLocally)).
		Msg("catalog compared")
	return nil
}

func pushInventory(ctx context.Context, run *Run) error {
	levels, err := run.Catalog.ListInventory(ctx, run.StoreID())
	if err != nil {
		return fmt.Errorf("list inventory: %w", err)
	}
	if skus := run.Job.Metadata.GetStrings(models.OptionSKUs); len(skus) > 0 {
		want := stringSet(skus)
		kept := levels[:0]
		for _, l := range levels {
			if want[l.SKU] {
				kept = append(kept, l)
			}
		}
		levels = kept
	}

	total, processed, failed := len(levels), 0, 0
	run.Report(total, 0, 0)
	for _, l := range levels {
		if run.Cancelled() {
			return ErrJobCancelled
		}
		if err := run.Adapter.UpdateInventory(ctx, l.SKU, l.Sellable()); err != nil {
			if !itemFailure(err) {
				return fmt.Errorf("push inventory %s: %w", l.SKU, err)
			}
			run.Logger.Warn().Err(err).Str("sku", l.SKU).Msg("inventory push rejected")
			failed++
		} else {
			processed++
		}
		run.Report(total, processed, failed)
	}
	return nil
}

func fetchOrders(ctx context.Context, run *Run) error {
	job := run.Job
	storeID := run.StoreID()

	since := job.Metadata.GetTime(models.OptionSince)
	if since.IsZero() {
		last, err := run.Catalog.LastOrderTime(ctx, storeID, job.Platform)
		if err != nil {
			return fmt.Errorf("last order time: %w", err)
		}
		since = last
		if since.IsZero() {
			since = run.clock().Add(-defaultOrderLookback)
		}
	}

	orders, err := run.Adapter.FetchOrders(ctx, platform.OrderQuery{Since: since})
	if err != nil {
		return fmt.Errorf("fetch orders: %w", err)
	}

	total, processed, recorded := len(orders), 0, 0
	run.Report(total, 0, 0)
	for _, order := range orders {
		if run.Cancelled() {
			return ErrJobCancelled
		}
		if order.Platform == "" {
			order.Platform = job.Platform
		}
		created, err := run.Catalog.RecordOrder(ctx, storeID, order)
		if err != nil {
			return fmt.Errorf("record order %s: %w", order.ID, err)
		}
		if created {
			recorded++
		}
		processed++
		run.Report(total, processed, 0)
	}

	run.Logger.Info().
		Time("since", since).
		Int("fetched", total).
		Int("new", recorded).
		Msg("orders fetched")
	return nil
}

func productConflict(storeID, platformName string, p models.Product, t models.ConflictType) models.Conflict {
	id := p.ID
	if id == "" {
		id = p.SKU
	}
	return models.Conflict{
		StoreID:   storeID,
		Platform:  platformName,
		ProductID: id,
		VariantID: p.VariantID,
		Field:     conflict.ProductField,
		Type:      t,
	}
}

func filterProducts(products []models.Product, skus []string) []models.Product {
	if len(skus) == 0 {
		return products
	}
	want := stringSet(skus)
	out := make([]models.Product, 0, len(products))
	for _, p := range products {
		if want[p.SKU] {
			out = append(out, p)
		}
	}
	return out
}

func stringSet(values []string) map[string]bool {
	set := make(map[string]bool, len(values))
	for _, v := range values {
		set[v] = true
	}
	return set
}
