package domain

import (
	"context"
	"time"
)

// RecordStore persists records and their child activities.
// All methods require tenantID for strict multi-tenancy isolation.
type RecordStore interface {
	SaveRecord(ctx context.Context, tenantID string, rec *Record) error

	// GetRecord returns ErrNotFound for a missing record or a tenant
	// mismatch. Superseded records are still readable by ID.
	GetRecord(ctx context.Context, tenantID string, recordID string) (*Record, error)

	// FindCandidates runs a bounded OR-of-clauses query. Superseded
	// records and the excluded ID are never returned.
	FindCandidates(ctx context.Context, tenantID string, criteria *SearchCriteria) ([]*Record, error)

	SaveActivity(ctx context.Context, tenantID string, act *Activity) error
	ListActivities(ctx context.Context, tenantID string, recordID string) ([]*Activity, error)

	// WithinTx runs fn inside a single transaction. Any error from fn
	// rolls back every mutation made through the MergeTx.
	WithinTx(ctx context.Context, fn func(tx MergeTx) error) error
}

// MergeTx is the transactional unit of work for the three merge
// sub-steps. Partial application is never acceptable.
type MergeTx interface {
	UpdateRecordFields(ctx context.Context, tenantID string, recordID string, fields map[string]string) error
	ReassignActivities(ctx context.Context, tenantID string, fromID, toID string) error
	MarkSuperseded(ctx context.Context, tenantID string, recordID string, duplicateOf string) error
}

// GroupStore persists duplicate groups.
type GroupStore interface {
	SaveGroup(ctx context.Context, tenantID string, group *Group) error
	GetGroup(ctx context.Context, tenantID string, groupID string) (*Group, error)
	ListGroups(ctx context.Context, tenantID string, filter GroupFilter) ([]*Group, error)

	// UpdateGroupResolution mutates only the resolution state and the
	// primary; membership is immutable.
	UpdateGroupResolution(ctx context.Context, tenantID string, groupID string, resolved bool, method string, primaryRecordID string) error

	DeleteGroup(ctx context.Context, tenantID string, groupID string) error
}

// SettingsStore persists per-tenant settings blobs.
type SettingsStore interface {
	// GetSetting returns ErrNotFound when the key has no stored value.
	GetSetting(ctx context.Context, tenantID string, key string) ([]byte, error)
	SetSetting(ctx context.Context, tenantID string, key string, value []byte) error
}

// Repository aggregates the persistence contracts.
type Repository interface {
	RecordStore
	GroupStore
	SettingsStore

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string

	// SQLite specific
	SQLitePath string

	// PostgreSQL specific
	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}
