// Package metrics exposes the OpenTelemetry instruments for the
// detection and merge pipeline.
package metrics

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the pipeline instruments. All recordings carry a
// tenant_id attribute.
type Metrics struct {
	detectionChecks metric.Int64Counter
	candidatesFound metric.Int64Histogram
	leadsMerged     metric.Int64Counter
}

// New creates the pipeline instruments on the global meter provider.
func New() (*Metrics, error) {
	meter := otel.Meter("shrike")

	detectionChecks, err := meter.Int64Counter("duplicate_detection_checks_total",
		metric.WithDescription("Number of duplicate detection checks performed"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create detection checks counter: %w", err)
	}

	candidatesFound, err := meter.Int64Histogram("duplicate_candidates_found",
		metric.WithDescription("Distribution of candidates found per detection check"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create candidates histogram: %w", err)
	}

	leadsMerged, err := meter.Int64Counter("leads_merged_total",
		metric.WithDescription("Number of completed merge operations"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create merged counter: %w", err)
	}

	return &Metrics{
		detectionChecks: detectionChecks,
		candidatesFound: candidatesFound,
		leadsMerged:     leadsMerged,
	}, nil
}

// RecordDetectionCheck counts one detection run and the number of
// candidates it returned.
func (m *Metrics) RecordDetectionCheck(ctx context.Context, tenantID string, candidates int) {
	attrs := metric.WithAttributes(attribute.String("tenant_id", tenantID))
	m.detectionChecks.Add(ctx, 1, attrs)
	m.candidatesFound.Record(ctx, int64(candidates), attrs)
}

// RecordMerge counts one completed merge.
func (m *Metrics) RecordMerge(ctx context.Context, tenantID string) {
	m.leadsMerged.Add(ctx, 1, metric.WithAttributes(attribute.String("tenant_id", tenantID)))
}
