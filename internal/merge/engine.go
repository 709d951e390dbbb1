// Package merge implements the atomic record merge engine.
package merge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-crm/shrike/internal/domain"
	"github.com/opensource-crm/shrike/internal/metrics"
)

// mergeCounterWindow is the rolling window for the per-tenant merge
// counter kept in the cache.
const mergeCounterWindow = 24 * time.Hour

// FieldResolution is a caller-supplied conflict decision for one field.
type FieldResolution struct {
	Resolution  string `json:"resolution"` // source, target, custom
	CustomValue string `json:"customValue,omitempty"`
}

// Request describes a merge of a source record into a target record.
type Request struct {
	SourceRecordID string `json:"sourceRecordId"`
	TargetRecordID string `json:"targetRecordId"`

	// Resolutions override the default winner per conflicting field.
	Resolutions map[string]FieldResolution `json:"resolutions,omitempty"`

	PerformedBy string `json:"performedBy"`
}

// Engine merges duplicate records. The target survives with the
// combined field set; the source is superseded and its activities move
// to the target. All writes happen in one transaction.
type Engine struct {
	records domain.RecordStore
	cache   domain.Cache
	bus     domain.EventBus
	metrics *metrics.Metrics
	locks   *recordLocks
}

// NewEngine creates a merge engine.
func NewEngine(records domain.RecordStore, cache domain.Cache, bus domain.EventBus, m *metrics.Metrics) *Engine {
	return &Engine{
		records: records,
		cache:   cache,
		bus:     bus,
		metrics: m,
		locks:   newRecordLocks(),
	}
}

// Merge performs the merge described by req and returns the completed
// operation with its audit trail. A failed merge leaves both records
// untouched.
func (e *Engine) Merge(ctx context.Context, tenantID string, req *Request) (*domain.MergeOperation, error) {
	if req == nil || req.SourceRecordID == "" || req.TargetRecordID == "" {
		return nil, fmt.Errorf("%w: source and target record IDs are required", domain.ErrInvalidInput)
	}
	if req.SourceRecordID == req.TargetRecordID {
		return nil, fmt.Errorf("%w: cannot merge a record into itself", domain.ErrInvalidInput)
	}
	if err := validateResolutions(req.Resolutions); err != nil {
		return nil, err
	}

	unlock := e.locks.lock(tenantID, req.SourceRecordID, req.TargetRecordID)
	defer unlock()

	source, err := e.records.GetRecord(ctx, tenantID, req.SourceRecordID)
	if err != nil {
		return nil, fmt.Errorf("source record %s: %w", req.SourceRecordID, err)
	}
	target, err := e.records.GetRecord(ctx, tenantID, req.TargetRecordID)
	if err != nil {
		return nil, fmt.Errorf("target record %s: %w", req.TargetRecordID, err)
	}

	if !source.Active() {
		return nil, fmt.Errorf("%w: source record %s is already superseded", domain.ErrInvalidInput, source.ID)
	}
	if !target.Active() {
		return nil, fmt.Errorf("%w: target record %s is already superseded", domain.ErrInvalidInput, target.ID)
	}

	actor := req.PerformedBy
	if actor == "" {
		actor = "unknown"
	}

	op := &domain.MergeOperation{
		ID:             uuid.New().String(),
		TenantID:       tenantID,
		SourceRecordID: source.ID,
		TargetRecordID: target.ID,
		PerformedBy:    actor,
		PerformedAt:    time.Now().UTC(),
	}
	op.AuditTrail = append(op.AuditTrail, domain.AuditEvent{
		Timestamp: time.Now().UTC(),
		Action:    domain.AuditMergeInitiated,
		Actor:     actor,
		Details:   fmt.Sprintf("merge %s into %s", source.ID, target.ID),
	})

	op.Conflicts = identifyConflicts(source, target, req.Resolutions)
	op.MergedFields = resolveFields(source, target, op.Conflicts)

	err = e.records.WithinTx(ctx, func(tx domain.MergeTx) error {
		if err := tx.UpdateRecordFields(ctx, tenantID, target.ID, op.MergedFields); err != nil {
			return fmt.Errorf("failed to update target fields: %w", err)
		}
		if err := tx.ReassignActivities(ctx, tenantID, source.ID, target.ID); err != nil {
			return fmt.Errorf("failed to reassign activities: %w", err)
		}
		if err := tx.MarkSuperseded(ctx, tenantID, source.ID, target.ID); err != nil {
			return fmt.Errorf("failed to supersede source: %w", err)
		}
		return nil
	})
	if err != nil {
		op.AuditTrail = append(op.AuditTrail, domain.AuditEvent{
			Timestamp: time.Now().UTC(),
			Action:    domain.AuditMergeFailed,
			Actor:     actor,
			Details:   err.Error(),
		})
		e.publish(ctx, tenantID, domain.TopicMergeFailed, op)
		return nil, fmt.Errorf("%w: %v", domain.ErrMergeFailed, err)
	}

	op.AuditTrail = append(op.AuditTrail, domain.AuditEvent{
		Timestamp: time.Now().UTC(),
		Action:    domain.AuditMergeCompleted,
		Actor:     actor,
		Details:   fmt.Sprintf("%d fields merged, %d conflicts", len(op.MergedFields), len(op.Conflicts)),
	})

	if e.metrics != nil {
		e.metrics.RecordMerge(ctx, tenantID)
	}
	if _, err := e.cache.IncrementCounter(ctx, tenantID, "merges", mergeCounterWindow); err != nil {
		slog.Warn("failed to increment merge counter",
			"tenant_id", tenantID,
			"error", err,
		)
	}

	e.publish(ctx, tenantID, domain.TopicMergeCompleted, op)

	slog.Info("merge completed",
		"tenant_id", tenantID,
		"source_id", source.ID,
		"target_id", target.ID,
		"conflicts", len(op.Conflicts),
		"performed_by", actor,
	)

	return op, nil
}

// identifyConflicts finds fields where source and target both have a
// value and disagree. The source value wins by default; explicit
// resolutions override per field.
func identifyConflicts(source, target *domain.Record, resolutions map[string]FieldResolution) []domain.MergeConflict {
	fields := make(map[string]struct{}, len(source.Fields))
	for name := range source.Fields {
		fields[name] = struct{}{}
	}

	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)

	var conflicts []domain.MergeConflict
	for _, name := range names {
		sv, sok := source.Field(name)
		tv, tok := target.Field(name)
		if !sok || !tok {
			continue
		}
		if strings.TrimSpace(sv) == strings.TrimSpace(tv) {
			continue
		}

		conflict := domain.MergeConflict{
			Field:       name,
			SourceValue: sv,
			TargetValue: tv,
			Resolution:  domain.ConflictResolutionSource,
		}
		if res, ok := resolutions[name]; ok {
			conflict.Resolution = res.Resolution
			conflict.CustomValue = res.CustomValue
		}
		conflicts = append(conflicts, conflict)
	}

	return conflicts
}

// resolveFields computes the final field set of the target: its own
// values, plus source values filling gaps, plus conflict winners.
func resolveFields(source, target *domain.Record, conflicts []domain.MergeConflict) map[string]string {
	merged := make(map[string]string, len(target.Fields)+len(source.Fields))
	for name, value := range target.Fields {
		merged[name] = value
	}

	for name := range source.Fields {
		sv, sok := source.Field(name)
		if !sok {
			continue
		}
		if _, tok := target.Field(name); !tok {
			merged[name] = sv
		}
	}

	for _, conflict := range conflicts {
		merged[conflict.Field] = conflict.Winner()
	}

	return merged
}

func validateResolutions(resolutions map[string]FieldResolution) error {
	for field, res := range resolutions {
		switch res.Resolution {
		case domain.ConflictResolutionSource, domain.ConflictResolutionTarget:
		case domain.ConflictResolutionCustom:
			if res.CustomValue == "" {
				return fmt.Errorf("%w: custom resolution for %s needs a value", domain.ErrInvalidInput, field)
			}
		default:
			return fmt.Errorf("%w: unknown resolution %q for field %s", domain.ErrInvalidInput, res.Resolution, field)
		}
	}
	return nil
}

func (e *Engine) publish(ctx context.Context, tenantID string, topic string, op *domain.MergeOperation) {
	payload, err := json.Marshal(op)
	if err != nil {
		return
	}
	if err := e.bus.Publish(ctx, tenantID, topic, payload); err != nil {
		slog.Warn("failed to publish merge event",
			"tenant_id", tenantID,
			"topic", topic,
			"operation_id", op.ID,
			"error", err,
		)
	}
}
