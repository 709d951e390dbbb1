// Package groups manages duplicate groups: reviewable clusters of
// records suspected to represent the same entity.
package groups

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-crm/shrike/internal/detection"
	"github.com/opensource-crm/shrike/internal/domain"
)

// Service manages the duplicate group lifecycle.
type Service struct {
	records  domain.RecordStore
	groups   domain.GroupStore
	detector *detection.Service
	bus      domain.EventBus
}

// NewService creates a group service.
func NewService(records domain.RecordStore, groups domain.GroupStore, detector *detection.Service, bus domain.EventBus) *Service {
	return &Service{
		records:  records,
		groups:   groups,
		detector: detector,
		bus:      bus,
	}
}

// Create builds a group from the given record IDs. At least two
// distinct records are required and every member must exist for the
// tenant. The first ID becomes the primary.
func (s *Service) Create(ctx context.Context, tenantID string, recordIDs []string) (*domain.Group, error) {
	members := dedupe(recordIDs)
	if len(members) < 2 {
		return nil, fmt.Errorf("%w: a group needs at least 2 distinct records", domain.ErrInvalidInput)
	}

	for _, id := range members {
		if _, err := s.records.GetRecord(ctx, tenantID, id); err != nil {
			return nil, fmt.Errorf("group member %s: %w", id, err)
		}
	}

	group := &domain.Group{
		ID:              uuid.New().String(),
		TenantID:        tenantID,
		PrimaryRecordID: members[0],
		MemberIDs:       members,
		CreatedAt:       time.Now().UTC(),
		Resolved:        false,
	}

	if err := s.groups.SaveGroup(ctx, tenantID, group); err != nil {
		return nil, fmt.Errorf("failed to save group: %w", err)
	}

	s.publish(ctx, tenantID, domain.TopicGroupCreated, group)
	s.attachCandidates(ctx, group)

	return group, nil
}

// Get returns a group with a freshly recomputed candidate view for
// each member.
func (s *Service) Get(ctx context.Context, tenantID string, groupID string) (*domain.Group, error) {
	group, err := s.groups.GetGroup(ctx, tenantID, groupID)
	if err != nil {
		return nil, err
	}

	s.attachCandidates(ctx, group)
	return group, nil
}

// List returns groups for a tenant, newest first. The candidate view
// is omitted from listings to keep them cheap.
func (s *Service) List(ctx context.Context, tenantID string, filter domain.GroupFilter) ([]*domain.Group, error) {
	return s.groups.ListGroups(ctx, tenantID, filter)
}

// Resolve marks a group resolved with the given method. The optional
// primaryRecordID moves the primary and must be an existing member.
// Resolution is terminal; resolving an already-resolved group fails.
// Resolving a group never mutates its member records.
func (s *Service) Resolve(ctx context.Context, tenantID string, groupID string, method string, primaryRecordID string) (*domain.Group, error) {
	if !domain.ValidResolutionMethod(method) {
		return nil, fmt.Errorf("%w: unknown resolution method %q", domain.ErrInvalidInput, method)
	}

	group, err := s.groups.GetGroup(ctx, tenantID, groupID)
	if err != nil {
		return nil, err
	}
	if group.Resolved {
		return nil, fmt.Errorf("%w: group %s is already resolved", domain.ErrInvalidInput, groupID)
	}

	primary := group.PrimaryRecordID
	if primaryRecordID != "" {
		if !contains(group.MemberIDs, primaryRecordID) {
			return nil, fmt.Errorf("%w: %s is not a member of group %s", domain.ErrInvalidInput, primaryRecordID, groupID)
		}
		primary = primaryRecordID
	}

	if err := s.groups.UpdateGroupResolution(ctx, tenantID, groupID, true, method, primary); err != nil {
		return nil, err
	}

	group.Resolved = true
	group.ResolutionMethod = method
	group.PrimaryRecordID = primary

	s.publish(ctx, tenantID, domain.TopicGroupResolved, group)

	return group, nil
}

// Delete removes a group. Member records are untouched.
func (s *Service) Delete(ctx context.Context, tenantID string, groupID string) error {
	group, err := s.groups.GetGroup(ctx, tenantID, groupID)
	if err != nil {
		return err
	}

	if err := s.groups.DeleteGroup(ctx, tenantID, groupID); err != nil {
		return err
	}

	s.publish(ctx, tenantID, domain.TopicGroupDeleted, group)
	return nil
}

// attachCandidates populates the read-time candidate view per member.
// Failures degrade to an absent view rather than failing the read.
func (s *Service) attachCandidates(ctx context.Context, group *domain.Group) {
	view := make(map[string][]domain.Candidate, len(group.MemberIDs))
	for _, id := range group.MemberIDs {
		candidates, err := s.detector.CandidatesFor(ctx, group.TenantID, id)
		if err != nil {
			slog.Warn("failed to compute group candidate view",
				"tenant_id", group.TenantID,
				"group_id", group.ID,
				"record_id", id,
				"error", err,
			)
			continue
		}
		if len(candidates) > 0 {
			view[id] = candidates
		}
	}
	if len(view) > 0 {
		group.Candidates = view
	}
}

func (s *Service) publish(ctx context.Context, tenantID string, topic string, group *domain.Group) {
	payload, err := json.Marshal(group)
	if err != nil {
		return
	}
	if err := s.bus.Publish(ctx, tenantID, topic, payload); err != nil {
		slog.Warn("failed to publish group event",
			"tenant_id", tenantID,
			"topic", topic,
			"group_id", group.ID,
			"error", err,
		)
	}
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	var out []string
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
