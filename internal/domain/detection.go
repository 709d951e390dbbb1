package domain

// SettingsKeyDetectionConfig is the tenant settings key holding the
// duplicate detection configuration blob.
const SettingsKeyDetectionConfig = "duplicate_detection_config"

// DetectionConfig is the tenant-scoped duplicate detection policy.
type DetectionConfig struct {
	TenantID string `json:"tenantId"`

	// Enabled switches detection on/off for the tenant.
	Enabled bool `json:"enabled"`

	// Threshold is the global confidence cutoff in [0,1]; candidates
	// below it are never returned.
	Threshold float64 `json:"threshold"`

	// FieldsToCompare is the ordered set of field names scored per pair.
	FieldsToCompare []string `json:"fieldsToCompare"`

	// Fuzzy matching via normalized edit distance.
	FuzzyMatchingEnabled bool    `json:"fuzzyMatchingEnabled"`
	FuzzyThreshold       float64 `json:"fuzzyThreshold"`

	AutoMergeEnabled    bool `json:"autoMergeEnabled"`
	NotificationEnabled bool `json:"notificationEnabled"`

	// CustomRules, when present and enabled, replace the default
	// confidence = similarity mapping with a weighted CEL rule blend.
	CustomRules []MatchRule `json:"customRules,omitempty"`
}

// MatchRule is a tenant-defined weighted matching rule. The CEL
// expression is evaluated over a candidate pair and must yield a score.
type MatchRule struct {
	ID         string  `json:"id"`
	Name       string  `json:"name"`
	Expression string  `json:"expression"`
	Weight     float64 `json:"weight"`
	Enabled    bool    `json:"enabled"`
}

// DetectionConfigPatch carries a partial configuration update. Nil
// pointers (and nil slices) leave the current value untouched.
type DetectionConfigPatch struct {
	Enabled              *bool       `json:"enabled,omitempty"`
	Threshold            *float64    `json:"threshold,omitempty"`
	FieldsToCompare      []string    `json:"fieldsToCompare,omitempty"`
	FuzzyMatchingEnabled *bool       `json:"fuzzyMatchingEnabled,omitempty"`
	FuzzyThreshold       *float64    `json:"fuzzyThreshold,omitempty"`
	AutoMergeEnabled     *bool       `json:"autoMergeEnabled,omitempty"`
	NotificationEnabled  *bool       `json:"notificationEnabled,omitempty"`
	CustomRules          []MatchRule `json:"customRules,omitempty"`
}

// DefaultDetectionConfig returns the system default policy for a tenant.
// Every call returns a fresh value so the default can never be mutated
// in place and bleed across tenants.
func DefaultDetectionConfig(tenantID string) *DetectionConfig {
	return &DetectionConfig{
		TenantID:             tenantID,
		Enabled:              true,
		Threshold:            0.8,
		FieldsToCompare:      []string{FieldEmail, FieldPhone, FieldName, FieldCompany},
		FuzzyMatchingEnabled: true,
		FuzzyThreshold:       0.7,
		AutoMergeEnabled:     false,
		NotificationEnabled:  true,
	}
}

// Candidate is a record found plausibly similar to a queried record.
// Candidates are computed values and are never persisted standalone.
type Candidate struct {
	RecordID        string  `json:"recordId"`
	SimilarityScore float64 `json:"similarityScore"`
	ConfidenceScore float64 `json:"confidenceScore"`

	// MatchedFields lists the fields that counted as a match.
	MatchedFields []string `json:"matchedFields"`

	// Details maps each compared field to its raw kernel score.
	Details map[string]float64 `json:"details,omitempty"`
}
