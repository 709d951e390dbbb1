package detection

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/opensource-crm/shrike/internal/domain"
	"github.com/opensource-crm/shrike/internal/metrics"
	"github.com/opensource-crm/shrike/internal/rules"
	"github.com/opensource-crm/shrike/internal/similarity"
)

// Service runs duplicate detection for records.
type Service struct {
	records  domain.RecordStore
	resolver *Resolver
	engine   *rules.Engine
	bus      domain.EventBus
	metrics  *metrics.Metrics
}

// NewService creates a detection service.
func NewService(records domain.RecordStore, resolver *Resolver, engine *rules.Engine, bus domain.EventBus, m *metrics.Metrics) *Service {
	return &Service{
		records:  records,
		resolver: resolver,
		engine:   engine,
		bus:      bus,
		metrics:  m,
	}
}

// duplicateFoundEvent is the payload published on TopicDuplicateFound.
type duplicateFoundEvent struct {
	RecordID   string             `json:"recordId"`
	Candidates []domain.Candidate `json:"candidates"`
}

// FindDuplicates scores the record against its candidate set and
// returns the candidates at or above the tenant threshold, strongest
// first. Detection disabled for the tenant yields an empty result.
func (s *Service) FindDuplicates(ctx context.Context, tenantID string, recordID string) ([]domain.Candidate, error) {
	return s.find(ctx, tenantID, recordID, true)
}

// CandidatesFor recomputes the candidate view for a record without
// emitting events or metrics. Used when rendering groups.
func (s *Service) CandidatesFor(ctx context.Context, tenantID string, recordID string) ([]domain.Candidate, error) {
	return s.find(ctx, tenantID, recordID, false)
}

func (s *Service) find(ctx context.Context, tenantID string, recordID string, emit bool) ([]domain.Candidate, error) {
	rec, err := s.records.GetRecord(ctx, tenantID, recordID)
	if err != nil {
		return nil, fmt.Errorf("failed to load record %s: %w", recordID, err)
	}

	cfg := s.resolver.Get(ctx, tenantID)
	if !cfg.Enabled {
		return nil, nil
	}

	criteria := BuildSearchCriteria(rec, cfg)
	found, err := s.records.FindCandidates(ctx, tenantID, criteria)
	if err != nil {
		return nil, fmt.Errorf("candidate search failed: %w", err)
	}

	var candidates []domain.Candidate
	for _, other := range found {
		cand := s.scorePair(cfg, rec, other)
		if cand.ConfidenceScore >= cfg.Threshold {
			candidates = append(candidates, cand)
		}
	}

	// Strongest first; ties break on record ID for a stable order
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].ConfidenceScore != candidates[j].ConfidenceScore {
			return candidates[i].ConfidenceScore > candidates[j].ConfidenceScore
		}
		return candidates[i].RecordID < candidates[j].RecordID
	})

	if emit {
		if s.metrics != nil {
			s.metrics.RecordDetectionCheck(ctx, tenantID, len(candidates))
		}
		if len(candidates) > 0 {
			s.publishFound(ctx, tenantID, recordID, candidates, cfg.NotificationEnabled)
		}
	}

	return candidates, nil
}

// scorePair computes the similarity and confidence of a candidate pair
// under the tenant policy.
func (s *Service) scorePair(cfg *domain.DetectionConfig, source, target *domain.Record) domain.Candidate {
	var (
		comparable int
		matchedSum float64
		matched    []string
		details    = make(map[string]float64)
	)

	for _, field := range cfg.FieldsToCompare {
		sv, sok := source.Field(field)
		tv, tok := target.Field(field)
		if !sok || !tok {
			continue
		}
		comparable++

		if cfg.FuzzyMatchingEnabled {
			score := similarity.Score(strings.ToLower(sv), strings.ToLower(tv))
			details[field] = score
			if score >= cfg.FuzzyThreshold {
				matched = append(matched, field)
				matchedSum += score
			}
		} else {
			if strings.EqualFold(sv, tv) {
				details[field] = 1.0
				matched = append(matched, field)
				matchedSum++
			} else {
				details[field] = 0.0
			}
		}
	}

	var sim float64
	if comparable > 0 {
		sim = matchedSum / float64(comparable)
	}

	confidence := sim
	if hasEnabledRules(cfg.CustomRules) {
		confidence = s.engine.Score(cfg.CustomRules, source, target, sim)
	}

	return domain.Candidate{
		RecordID:        target.ID,
		SimilarityScore: sim,
		ConfidenceScore: confidence,
		MatchedFields:   matched,
		Details:         details,
	}
}

func hasEnabledRules(ruleSet []domain.MatchRule) bool {
	for _, rule := range ruleSet {
		if rule.Enabled {
			return true
		}
	}
	return false
}

func (s *Service) publishFound(ctx context.Context, tenantID, recordID string, candidates []domain.Candidate, notify bool) {
	payload, err := json.Marshal(duplicateFoundEvent{
		RecordID:   recordID,
		Candidates: candidates,
	})
	if err != nil {
		return
	}

	if err := s.bus.Publish(ctx, tenantID, domain.TopicDuplicateFound, payload); err != nil {
		slog.Warn("failed to publish duplicate.found",
			"tenant_id", tenantID,
			"record_id", recordID,
			"error", err,
		)
	}

	if notify {
		if err := s.bus.Publish(ctx, tenantID, domain.TopicNotification, payload); err != nil {
			slog.Warn("failed to publish notification",
				"tenant_id", tenantID,
				"record_id", recordID,
				"error", err,
			)
		}
	}
}
