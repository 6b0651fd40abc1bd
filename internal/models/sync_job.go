package models

import "time"

// SyncJob is one unit of scheduled synchronization work.
type SyncJob struct {
	ID             string      `json:"id"`
	OrganizationID string      `json:"organization_id"`
	StoreID        string      `json:"store_id,omitempty"`
	Platform       string      `json:"platform"`
	Type           JobType     `json:"type"`
	Status         JobStatus   `json:"status"`
	TotalItems     int         `json:"total_items"`
	ProcessedItems int         `json:"processed_items"`
	FailedItems    int         `json:"failed_items"`
	RetryCount     int         `json:"retry_count"`
	LastError      string      `json:"last_error,omitempty"`
	Metadata       JobMetadata `json:"metadata,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
	StartedAt      *time.Time  `json:"started_at,omitempty"`
	CompletedAt    *time.Time  `json:"completed_at,omitempty"`
}

// Progress returns processed+failed as a percentage of TotalItems.
func (j *SyncJob) Progress() float64 {
	if j.TotalItems <= 0 {
		if j.Status == JobStatusCompleted {
			return 100
		}
		return 0
	}
	done := j.ProcessedItems + j.FailedItems
	if done > j.TotalItems {
		done = j.TotalItems
	}
	return float64(done) * 100 / float64(j.TotalItems)
}

// Duration is the wall time between start and completion, zero while unfinished.
func (j *SyncJob) Duration() time.Duration {
	if j.StartedAt == nil || j.CompletedAt == nil {
		return 0
	}
	return j.CompletedAt.Sub(*j.StartedAt)
}

// ResetProgress zeroes the item counters ahead of a retry.
func (j *SyncJob) ResetProgress() {
	j.TotalItems = 0
	j.ProcessedItems = 0
	j.FailedItems = 0
	j.LastError = ""
	j.StartedAt = nil
	j.CompletedAt = nil
}

// Clone returns a copy safe to hand to callers.
func (j *SyncJob) Clone() *SyncJob {
	if j == nil {
		return nil
	}
	c := *j
	if j.Metadata != nil {
		c.Metadata = make(JobMetadata, len(j.Metadata))
		for k, v := range j.Metadata {
			c.Metadata[k] = v
		}
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// JobMetadata holds free-form job options. Values round-trip through JSON,
// so numbers come back as float64 and times as RFC3339 strings.
type JobMetadata map[string]interface{}

func (m JobMetadata) GetInt64(key string) int64 {
	if m == nil {
		return 0
	}
	val, ok := m[key]
	if !ok {
		return 0
	}
	switch v := val.(type) {
	case int64:
		return v
	case float64:
		return int64(v)
	case int:
		return int64(v)
	default:
		return 0
	}
}

func (m JobMetadata) GetBool(key string) bool {
	if m == nil {
		return false
	}
	switch v := m[key].(type) {
	case bool:
		return v
	case string:
		return v == "true" || v == "1"
	default:
		return false
	}
}

func (m JobMetadata) GetString(key string) string {
	if m == nil {
		return ""
	}
	if str, ok := m[key].(string); ok {
		return str
	}
	return ""
}

func (m JobMetadata) GetTime(key string) time.Time {
	if m == nil {
		return time.Time{}
	}
	switch v := m[key].(type) {
	case time.Time:
		return v
	case string:
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return time.Time{}
		}
		return t
	default:
		return time.Time{}
	}
}

func (m JobMetadata) GetStrings(key string) []string {
	if m == nil {
		return nil
	}
	switch v := m[key].(type) {
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
