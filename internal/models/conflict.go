package models

import "time"

// Conflict is a recorded field-level divergence between local and platform data.
type Conflict struct {
	ID            string             `json:"id"`
	StoreID       string             `json:"store_id"`
	Platform      string             `json:"platform,omitempty"`
	ProductID     string             `json:"product_id"`
	VariantID     string             `json:"variant_id,omitempty"`
	Field         string             `json:"field"`
	LocalValue    interface{}        `json:"local_value"`
	PlatformValue interface{}        `json:"platform_value"`
	Type          ConflictType       `json:"type"`
	Status        ConflictStatus     `json:"status"`
	Strategy      ResolutionStrategy `json:"strategy,omitempty"`
	ResolvedValue interface{}        `json:"resolved_value,omitempty"`
	ResolvedBy    string             `json:"resolved_by,omitempty"`
	ResolvedAt    *time.Time         `json:"resolved_at,omitempty"`
	CreatedAt     time.Time          `json:"created_at"`
}

// IsClosed reports whether the conflict reached a terminal status.
func (c *Conflict) IsClosed() bool {
	return c.Status == ConflictStatusResolved || c.Status == ConflictStatusIgnored
}

// SimilarTo reports whether other shares store, field and type with c.
func (c *Conflict) SimilarTo(other *Conflict) bool {
	return c.StoreID == other.StoreID && c.Field == other.Field && c.Type == other.Type
}

func (c *Conflict) Clone() *Conflict {
	if c == nil {
		return nil
	}
	cp := *c
	if c.ResolvedAt != nil {
		t := *c.ResolvedAt
		cp.ResolvedAt = &t
	}
	return &cp
}

// ConflictFilter narrows ListConflicts. Empty fields match everything.
type ConflictFilter struct {
	StoreID string
	Field   string
	Type    ConflictType
	Status  ConflictStatus
}

func (f ConflictFilter) Matches(c *Conflict) bool {
	if f.StoreID != "" && c.StoreID != f.StoreID {
		return false
	}
	if f.Field != "" && c.Field != f.Field {
		return false
	}
	if f.Type != "" && c.Type != f.Type {
		return false
	}
	if f.Status != "" && c.Status != f.Status {
		return false
	}
	return true
}
