package repository

// Schema definitions for the Shrike database.
// Compatible with both SQLite and PostgreSQL.

// schemaRecords stores the detectable records. The comparable fields
// used by candidate search (email, phone, name, company) are mirrored
// into dedicated indexed columns; the fields JSON column is the
// authoritative value set.
const schemaRecords = `
CREATE TABLE IF NOT EXISTS records (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    email TEXT,
    phone TEXT,
    name TEXT,
    company TEXT,
    fields TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'active',
    duplicate_of TEXT,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (id, tenant_id)
);

CREATE INDEX IF NOT EXISTS idx_records_tenant ON records(tenant_id);
CREATE INDEX IF NOT EXISTS idx_records_email ON records(tenant_id, email);
CREATE INDEX IF NOT EXISTS idx_records_phone ON records(tenant_id, phone);
CREATE INDEX IF NOT EXISTS idx_records_name ON records(tenant_id, name);
CREATE INDEX IF NOT EXISTS idx_records_company ON records(tenant_id, company);
CREATE INDEX IF NOT EXISTS idx_records_status ON records(tenant_id, status);
`

const schemaActivities = `
CREATE TABLE IF NOT EXISTS activities (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    record_id TEXT NOT NULL,
    type TEXT NOT NULL,
    body TEXT,
    occurred_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_activities_record ON activities(tenant_id, record_id);
`

const schemaGroups = `
CREATE TABLE IF NOT EXISTS duplicate_groups (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    primary_record_id TEXT NOT NULL,
    member_ids TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    resolved INTEGER NOT NULL DEFAULT 0,
    resolution_method TEXT,
    PRIMARY KEY (id, tenant_id)
);

CREATE INDEX IF NOT EXISTS idx_groups_tenant ON duplicate_groups(tenant_id);
CREATE INDEX IF NOT EXISTS idx_groups_resolved ON duplicate_groups(tenant_id, resolved);
`

const schemaTenantSettings = `
CREATE TABLE IF NOT EXISTS tenant_settings (
    tenant_id TEXT NOT NULL,
    key TEXT NOT NULL,
    value TEXT NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (tenant_id, key)
);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaRecords,
		schemaActivities,
		schemaGroups,
		schemaTenantSettings,
	}
}
