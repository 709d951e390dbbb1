package domain

import (
	"time"
)

// Conflict resolutions.
const (
	ConflictResolutionSource = "source"
	ConflictResolutionTarget = "target"
	ConflictResolutionCustom = "custom"
)

// Audit actions emitted by the merge engine.
const (
	AuditMergeInitiated = "merge_initiated"
	AuditMergeCompleted = "merge_completed"
	AuditMergeFailed    = "merge_failed"
)

// MergeConflict is a field where source and target disagree.
type MergeConflict struct {
	Field       string `json:"field"`
	SourceValue string `json:"sourceValue"`
	TargetValue string `json:"targetValue"`
	Resolution  string `json:"resolution"`
	CustomValue string `json:"customValue,omitempty"`
}

// Winner returns the value the target record ends up with.
func (c *MergeConflict) Winner() string {
	switch c.Resolution {
	case ConflictResolutionCustom:
		return c.CustomValue
	case ConflictResolutionTarget:
		return c.TargetValue
	default:
		return c.SourceValue
	}
}

// AuditEvent is an append-only trace entry for a merge.
type AuditEvent struct {
	Timestamp time.Time `json:"timestamp"`
	Action    string    `json:"action"`
	Actor     string    `json:"actor"`
	Details   string    `json:"details,omitempty"`
}

// MergeOperation is the result of a single merge call. It is produced
// once per call and is not a standing entity.
type MergeOperation struct {
	ID             string            `json:"id"`
	TenantID       string            `json:"tenantId"`
	SourceRecordID string            `json:"sourceRecordId"`
	TargetRecordID string            `json:"targetRecordId"`
	MergedFields   map[string]string `json:"mergedFields"`
	Conflicts      []MergeConflict   `json:"conflicts"`
	PerformedBy    string            `json:"performedBy"`
	PerformedAt    time.Time         `json:"performedAt"`
	AuditTrail     []AuditEvent      `json:"auditTrail"`
}
