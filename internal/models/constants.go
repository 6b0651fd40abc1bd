package models

// JobType identifies the kind of synchronization a SyncJob performs.
type JobType string

const (
	JobTypeCatalogSync   JobType = "catalog-sync"
	JobTypeInventoryPush JobType = "inventory-push"
	JobTypeOrderFetch    JobType = "order-fetch"
)

func (t JobType) IsValid() bool {
	switch t {
	case JobTypeCatalogSync, JobTypeInventoryPush, JobTypeOrderFetch:
		return true
	default:
		return false
	}
}

// JobStatus is the lifecycle state of a SyncJob.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// IsTerminal reports whether no further transition happens without an explicit retry.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// ConflictType classifies a field divergence.
type ConflictType string

const (
	ConflictValueMismatch     ConflictType = "value_mismatch"
	ConflictMissingLocal      ConflictType = "missing_local"
	ConflictMissingPlatform   ConflictType = "missing_platform"
	ConflictValidationFailure ConflictType = "validation_failure"
)

func (t ConflictType) IsValid() bool {
	switch t {
	case ConflictValueMismatch, ConflictMissingLocal, ConflictMissingPlatform, ConflictValidationFailure:
		return true
	default:
		return false
	}
}

type ConflictStatus string

const (
	ConflictStatusPending  ConflictStatus = "pending"
	ConflictStatusResolved ConflictStatus = "resolved"
	ConflictStatusIgnored  ConflictStatus = "ignored"
)

// ResolutionStrategy selects how a conflict's final value is chosen.
type ResolutionStrategy string

const (
	StrategyUseLocal    ResolutionStrategy = "use_local"
	StrategyUsePlatform ResolutionStrategy = "use_platform"
	StrategyMerge       ResolutionStrategy = "merge"
	StrategyCustom      ResolutionStrategy = "custom"
)

func (s ResolutionStrategy) IsValid() bool {
	switch s {
	case StrategyUseLocal, StrategyUsePlatform, StrategyMerge, StrategyCustom:
		return true
	default:
		return false
	}
}

// Metadata keys understood by the built-in executors.
const (
	OptionCreateMissing = "create_missing"
	OptionSince         = "since"
	OptionSKUs          = "skus"
	OptionFields        = "fields"
	OptionSchedule      = "schedule"
	OptionWebhookID     = "webhook_id"
	OptionTopic         = "topic"
)

const (
	DefaultMaxJobRetries     = 3
	DefaultMaxConcurrentJobs = 3
	CancelledMessage         = "cancelled by request"
)
