// Package worker provides async auto-merge processing for the Pro tier.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-crm/shrike/internal/detection"
	"github.com/opensource-crm/shrike/internal/domain"
	"github.com/opensource-crm/shrike/internal/merge"
)

// autoMergeActor is recorded on merges performed by the worker.
const autoMergeActor = "system"

// AutoMergeConfidence is the floor a top candidate must reach before
// the worker merges without human review. Deliberately stricter than
// any tenant detection threshold.
const AutoMergeConfidence = 0.95

// Worker consumes duplicate.found events and merges the strongest
// candidate automatically for tenants that opted in.
type Worker struct {
	bus      domain.EventBus
	resolver *detection.Resolver
	engine   *merge.Engine

	subscriptions []domain.Subscription
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc
}

// Config holds worker configuration.
type Config struct {
	// TenantIDs is the list of tenants to process. Bus delivery is keyed
	// by exact tenant, so the list must name every tenant explicitly.
	TenantIDs []string
}

// NewWorker creates a new auto-merge worker.
func NewWorker(bus domain.EventBus, resolver *detection.Resolver, engine *merge.Engine) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:      bus,
		resolver: resolver,
		engine:   engine,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start begins processing duplicate.found events for the given tenants.
func (w *Worker) Start(cfg Config) error {
	if len(cfg.TenantIDs) == 0 {
		return fmt.Errorf("%w: at least one tenant ID is required", domain.ErrInvalidInput)
	}

	for _, tenantID := range cfg.TenantIDs {
		if err := w.startTenantWorker(tenantID); err != nil {
			slog.Error("failed to start worker for tenant",
				"tenant_id", tenantID,
				"error", err,
			)
			continue
		}
	}

	slog.Info("workers started",
		"tenant_count", len(cfg.TenantIDs),
	)

	return nil
}

// startTenantWorker starts a worker for a specific tenant.
func (w *Worker) startTenantWorker(tenantID string) error {
	sub, err := w.bus.Subscribe(w.ctx, tenantID, domain.TopicDuplicateFound, func(ctx context.Context, msg *domain.Message) error {
		return w.processDuplicateFound(ctx, tenantID, msg)
	})
	if err != nil {
		return err
	}
	w.subscriptions = append(w.subscriptions, sub)

	slog.Info("tenant worker started",
		"tenant_id", tenantID,
		"topic", domain.TopicDuplicateFound,
	)

	return nil
}

// DuplicateFoundMessage is the payload of a duplicate.found event.
type DuplicateFoundMessage struct {
	RecordID   string             `json:"recordId"`
	Candidates []domain.Candidate `json:"candidates"`
}

// processDuplicateFound merges the top candidate into the detected
// record when the tenant has auto-merge on and the confidence clears
// the auto-merge floor.
func (w *Worker) processDuplicateFound(ctx context.Context, tenantID string, msg *domain.Message) error {
	start := time.Now()

	var found DuplicateFoundMessage
	if err := json.Unmarshal(msg.Payload, &found); err != nil {
		slog.Error("failed to parse duplicate.found message",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}

	if found.RecordID == "" || len(found.Candidates) == 0 {
		return nil
	}

	cfg := w.resolver.Get(ctx, tenantID)
	if !cfg.AutoMergeEnabled {
		return nil
	}

	// Candidates arrive sorted strongest first
	top := found.Candidates[0]
	if top.ConfidenceScore < AutoMergeConfidence {
		slog.Debug("auto-merge skipped, confidence below floor",
			"tenant_id", tenantID,
			"record_id", found.RecordID,
			"candidate_id", top.RecordID,
			"confidence", top.ConfidenceScore,
		)
		return nil
	}

	op, err := w.engine.Merge(ctx, tenantID, &merge.Request{
		SourceRecordID: top.RecordID,
		TargetRecordID: found.RecordID,
		PerformedBy:    autoMergeActor,
	})
	if err != nil {
		slog.Error("auto-merge failed",
			"tenant_id", tenantID,
			"record_id", found.RecordID,
			"candidate_id", top.RecordID,
			"error", err,
		)
		return err
	}

	slog.Info("auto-merge completed",
		"tenant_id", tenantID,
		"operation_id", op.ID,
		"source_id", op.SourceRecordID,
		"target_id", op.TargetRecordID,
		"confidence", top.ConfidenceScore,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return nil
}

// Stop gracefully stops all workers.
func (w *Worker) Stop() error {
	w.cancel()

	// Unsubscribe all
	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

	w.wg.Wait()

	slog.Info("workers stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
	}
}
