// Package detection implements the duplicate detection pipeline:
// per-tenant policy resolution, candidate search and pair scoring.
package detection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/opensource-crm/shrike/internal/domain"
	"github.com/opensource-crm/shrike/internal/rules"
)

// configCacheTTL bounds how stale a resolved config can be. Updates
// invalidate the cache immediately; the TTL covers other nodes.
const configCacheTTL = 5 * time.Minute

// Resolver loads and updates the per-tenant detection configuration.
// Reads never fail: a missing or malformed stored config resolves to
// the system default.
type Resolver struct {
	settings domain.SettingsStore
	cache    domain.Cache
	bus      domain.EventBus
	engine   *rules.Engine
}

// NewResolver creates a config resolver.
func NewResolver(settings domain.SettingsStore, cache domain.Cache, bus domain.EventBus, engine *rules.Engine) *Resolver {
	return &Resolver{
		settings: settings,
		cache:    cache,
		bus:      bus,
		engine:   engine,
	}
}

// Get resolves the effective detection config for a tenant:
// cache, then stored settings, then the system default.
func (r *Resolver) Get(ctx context.Context, tenantID string) *domain.DetectionConfig {
	if cached, err := r.cache.GetDetectionConfig(ctx, tenantID); err == nil && cached != nil {
		return cached
	}

	cfg := r.load(ctx, tenantID)

	if err := r.cache.SetDetectionConfig(ctx, tenantID, cfg, configCacheTTL); err != nil {
		slog.Warn("failed to cache detection config",
			"tenant_id", tenantID,
			"error", err,
		)
	}

	return cfg
}

// load reads the stored config, falling back to the default when the
// tenant has none or the stored blob is unusable.
func (r *Resolver) load(ctx context.Context, tenantID string) *domain.DetectionConfig {
	raw, err := r.settings.GetSetting(ctx, tenantID, domain.SettingsKeyDetectionConfig)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.DefaultDetectionConfig(tenantID)
	}
	if err != nil {
		slog.Warn("failed to load detection config, using defaults",
			"tenant_id", tenantID,
			"error", err,
		)
		return domain.DefaultDetectionConfig(tenantID)
	}

	var cfg domain.DetectionConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		slog.Warn("malformed detection config, using defaults",
			"tenant_id", tenantID,
			"error", err,
		)
		return domain.DefaultDetectionConfig(tenantID)
	}

	if err := validate(&cfg); err != nil {
		slog.Warn("invalid detection config, using defaults",
			"tenant_id", tenantID,
			"error", err,
		)
		return domain.DefaultDetectionConfig(tenantID)
	}

	cfg.TenantID = tenantID
	return &cfg
}

// Update applies a partial update on top of the current effective
// config, validates the result, persists it and invalidates the cache.
func (r *Resolver) Update(ctx context.Context, tenantID string, patch *domain.DetectionConfigPatch) (*domain.DetectionConfig, error) {
	if patch == nil {
		return nil, fmt.Errorf("%w: patch is required", domain.ErrInvalidInput)
	}

	cfg := r.load(ctx, tenantID)
	applyPatch(cfg, patch)

	if err := validate(cfg); err != nil {
		return nil, err
	}
	for _, rule := range cfg.CustomRules {
		if err := r.engine.ValidateRule(rule); err != nil {
			return nil, err
		}
	}

	raw, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal detection config: %w", err)
	}
	if err := r.settings.SetSetting(ctx, tenantID, domain.SettingsKeyDetectionConfig, raw); err != nil {
		return nil, fmt.Errorf("failed to store detection config: %w", err)
	}

	// Invalidate so the next read resolves the stored config
	if err := r.cache.Delete(ctx, tenantID, "detection_config"); err != nil {
		slog.Warn("failed to invalidate detection config cache",
			"tenant_id", tenantID,
			"error", err,
		)
	}

	if err := r.bus.Publish(ctx, tenantID, domain.TopicConfigUpdated, raw); err != nil {
		slog.Warn("failed to publish config update",
			"tenant_id", tenantID,
			"error", err,
		)
	}

	return cfg, nil
}

func applyPatch(cfg *domain.DetectionConfig, patch *domain.DetectionConfigPatch) {
	if patch.Enabled != nil {
		cfg.Enabled = *patch.Enabled
	}
	if patch.Threshold != nil {
		cfg.Threshold = *patch.Threshold
	}
	if patch.FieldsToCompare != nil {
		cfg.FieldsToCompare = patch.FieldsToCompare
	}
	if patch.FuzzyMatchingEnabled != nil {
		cfg.FuzzyMatchingEnabled = *patch.FuzzyMatchingEnabled
	}
	if patch.FuzzyThreshold != nil {
		cfg.FuzzyThreshold = *patch.FuzzyThreshold
	}
	if patch.AutoMergeEnabled != nil {
		cfg.AutoMergeEnabled = *patch.AutoMergeEnabled
	}
	if patch.NotificationEnabled != nil {
		cfg.NotificationEnabled = *patch.NotificationEnabled
	}
	if patch.CustomRules != nil {
		cfg.CustomRules = patch.CustomRules
	}
}

func validate(cfg *domain.DetectionConfig) error {
	if cfg.Threshold < 0 || cfg.Threshold > 1 {
		return fmt.Errorf("%w: threshold %.2f out of range [0,1]", domain.ErrConfig, cfg.Threshold)
	}
	if cfg.FuzzyThreshold < 0 || cfg.FuzzyThreshold > 1 {
		return fmt.Errorf("%w: fuzzy threshold %.2f out of range [0,1]", domain.ErrConfig, cfg.FuzzyThreshold)
	}
	if len(cfg.FieldsToCompare) == 0 {
		return fmt.Errorf("%w: fieldsToCompare is empty", domain.ErrConfig)
	}
	return nil
}
