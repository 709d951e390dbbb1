// Package domain defines the core interfaces and types for Shrike.
package domain

import (
	"strings"
	"time"
)

// Record statuses.
const (
	RecordStatusActive     = "active"
	RecordStatusSuperseded = "superseded"
)

// Well-known comparable field names used by the candidate finder.
const (
	FieldEmail   = "email"
	FieldPhone   = "phone"
	FieldName    = "name"
	FieldCompany = "company"
)

// Record represents a lead/contact subject to duplicate detection.
// Identity, tenancy and timestamps are struct-level; the comparable
// attributes live in Fields as an opaque set of named values.
type Record struct {
	ID       string `json:"id"`
	TenantID string `json:"tenantId"`

	// Named attribute values (email, phone, name, company, ...).
	Fields map[string]string `json:"fields"`

	// Lifecycle
	Status      string `json:"status"`
	DuplicateOf string `json:"duplicateOf,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Field returns the named attribute value and whether it is populated.
func (r *Record) Field(name string) (string, bool) {
	if r.Fields == nil {
		return "", false
	}
	v, ok := r.Fields[name]
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	return v, true
}

// Active reports whether the record can still participate in detection
// and merges. Superseded records are permanently retired.
func (r *Record) Active() bool {
	return r.Status != RecordStatusSuperseded
}

// Activity is a child record (call log, note, event) attached to a Record.
// Activities follow their parent across merges.
type Activity struct {
	ID         string    `json:"id"`
	TenantID   string    `json:"tenantId"`
	RecordID   string    `json:"recordId"`
	Type       string    `json:"type"`
	Body       string    `json:"body,omitempty"`
	OccurredAt time.Time `json:"occurredAt"`
}

// FieldClause is a single predicate over a record field.
type FieldClause struct {
	Field  string `json:"field"`
	Value  string `json:"value"`
	Prefix bool   `json:"prefix"` // prefix match instead of exact
}

// SearchCriteria is a bounded candidate query: the clauses are combined
// with OR, the queried record itself is always excluded, and the result
// set is capped to keep scoring cost predictable.
type SearchCriteria struct {
	Clauses   []FieldClause `json:"clauses"`
	ExcludeID string        `json:"excludeId"`
	Limit     int           `json:"limit"`
}

// MaxCandidates caps how many records a single detection pass will score.
const MaxCandidates = 50
