// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/opensource-crm/shrike/internal/domain"
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	// Run migrations
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// searchColumns maps comparable field names to their indexed columns.
var searchColumns = map[string]string{
	domain.FieldEmail:   "email",
	domain.FieldPhone:   "phone",
	domain.FieldName:    "name",
	domain.FieldCompany: "company",
}

// SaveRecord upserts a record with tenant isolation.
func (r *SQLRepository) SaveRecord(ctx context.Context, tenantID string, rec *domain.Record) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	fields, _ := json.Marshal(rec.Fields)

	email, _ := rec.Field(domain.FieldEmail)
	phone, _ := rec.Field(domain.FieldPhone)
	name, _ := rec.Field(domain.FieldName)
	company, _ := rec.Field(domain.FieldCompany)

	query := `
		INSERT INTO records (
			id, tenant_id, email, phone, name, company,
			fields, status, duplicate_of, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id, tenant_id) DO UPDATE SET
			email = excluded.email,
			phone = excluded.phone,
			name = excluded.name,
			company = excluded.company,
			fields = excluded.fields,
			status = excluded.status,
			duplicate_of = excluded.duplicate_of,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		rec.ID, tenantID, email, phone, name, company,
		string(fields), rec.Status, rec.DuplicateOf,
		rec.CreatedAt, rec.UpdatedAt,
	)
	return err
}

// GetRecord retrieves a record by ID with tenant isolation.
func (r *SQLRepository) GetRecord(ctx context.Context, tenantID string, recordID string) (*domain.Record, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, fields, status, duplicate_of, created_at, updated_at
		FROM records
		WHERE tenant_id = ? AND id = ?
	`

	rec, err := scanRecord(r.db.QueryRowContext(ctx, r.rebind(query), tenantID, recordID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	return rec, nil
}

// FindCandidates retrieves active records matching any of the search
// clauses, excluding the record under detection. Results are capped by
// criteria.Limit.
func (r *SQLRepository) FindCandidates(ctx context.Context, tenantID string, criteria *domain.SearchCriteria) ([]*domain.Record, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}
	if criteria == nil || len(criteria.Clauses) == 0 {
		return nil, nil
	}

	var conds []string
	args := []any{tenantID}

	for _, clause := range criteria.Clauses {
		column, ok := searchColumns[clause.Field]
		if !ok {
			continue
		}
		if clause.Prefix {
			conds = append(conds, column+` LIKE ? ESCAPE '\'`)
			args = append(args, escapeLike(clause.Value)+"%")
		} else {
			conds = append(conds, column+" = ?")
			args = append(args, clause.Value)
		}
	}
	if len(conds) == 0 {
		return nil, nil
	}

	query := `
		SELECT id, tenant_id, fields, status, duplicate_of, created_at, updated_at
		FROM records
		WHERE tenant_id = ?
		  AND status != 'superseded'
		  AND (` + strings.Join(conds, " OR ") + `)`

	if criteria.ExcludeID != "" {
		query += " AND id != ?"
		args = append(args, criteria.ExcludeID)
	}

	limit := criteria.Limit
	if limit <= 0 || limit > domain.MaxCandidates {
		limit = domain.MaxCandidates
	}
	query += " ORDER BY created_at LIMIT ?"
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*domain.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}

	return records, rows.Err()
}

// SaveActivity stores a child activity for a record.
func (r *SQLRepository) SaveActivity(ctx context.Context, tenantID string, act *domain.Activity) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	query := `
		INSERT INTO activities (id, tenant_id, record_id, type, body, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		act.ID, tenantID, act.RecordID, act.Type, act.Body, act.OccurredAt,
	)
	return err
}

// ListActivities retrieves the activities attached to a record.
func (r *SQLRepository) ListActivities(ctx context.Context, tenantID string, recordID string) ([]*domain.Activity, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, record_id, type, body, occurred_at
		FROM activities
		WHERE tenant_id = ? AND record_id = ?
		ORDER BY occurred_at
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID, recordID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var activities []*domain.Activity
	for rows.Next() {
		var act domain.Activity
		if err := rows.Scan(
			&act.ID, &act.TenantID, &act.RecordID,
			&act.Type, &act.Body, &act.OccurredAt,
		); err != nil {
			return nil, err
		}
		activities = append(activities, &act)
	}

	return activities, rows.Err()
}

// WithinTx runs fn inside a database transaction. All writes issued
// through the MergeTx commit together or not at all.
func (r *SQLRepository) WithinTx(ctx context.Context, fn func(tx domain.MergeTx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(&mergeTx{tx: tx, repo: r}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("%w (rollback failed: %v)", err, rbErr)
		}
		return err
	}

	return tx.Commit()
}

// mergeTx implements domain.MergeTx over a sql.Tx.
type mergeTx struct {
	tx   *sql.Tx
	repo *SQLRepository
}

func (m *mergeTx) UpdateRecordFields(ctx context.Context, tenantID string, recordID string, fields map[string]string) error {
	raw, _ := json.Marshal(fields)

	// Mirror the raw values into the indexed columns, same as SaveRecord.
	// Whitespace-only values count as unpopulated.
	lookup := func(name string) string {
		v := fields[name]
		if strings.TrimSpace(v) == "" {
			return ""
		}
		return v
	}

	// The status guard makes a concurrent supersede fail the merge
	// transaction instead of resurrecting the record's fields.
	query := `
		UPDATE records
		SET email = ?, phone = ?, name = ?, company = ?, fields = ?, updated_at = ?
		WHERE tenant_id = ? AND id = ? AND status = 'active'
	`

	result, err := m.tx.ExecContext(ctx, m.repo.rebind(query),
		lookup(domain.FieldEmail), lookup(domain.FieldPhone),
		lookup(domain.FieldName), lookup(domain.FieldCompany),
		string(raw), time.Now().UTC(), tenantID, recordID,
	)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (m *mergeTx) ReassignActivities(ctx context.Context, tenantID string, fromID, toID string) error {
	query := `
		UPDATE activities
		SET record_id = ?
		WHERE tenant_id = ? AND record_id = ?
	`

	_, err := m.tx.ExecContext(ctx, m.repo.rebind(query), toID, tenantID, fromID)
	return err
}

func (m *mergeTx) MarkSuperseded(ctx context.Context, tenantID string, recordID string, duplicateOf string) error {
	query := `
		UPDATE records
		SET status = 'superseded', duplicate_of = ?, updated_at = ?
		WHERE tenant_id = ? AND id = ? AND status = 'active'
	`

	result, err := m.tx.ExecContext(ctx, m.repo.rebind(query), duplicateOf, time.Now().UTC(), tenantID, recordID)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// SaveGroup stores a duplicate group with tenant isolation.
func (r *SQLRepository) SaveGroup(ctx context.Context, tenantID string, group *domain.Group) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	members, _ := json.Marshal(group.MemberIDs)

	resolved := 0
	if group.Resolved {
		resolved = 1
	}

	query := `
		INSERT INTO duplicate_groups (
			id, tenant_id, primary_record_id, member_ids,
			created_at, resolved, resolution_method
		) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id, tenant_id) DO UPDATE SET
			primary_record_id = excluded.primary_record_id,
			member_ids = excluded.member_ids,
			resolved = excluded.resolved,
			resolution_method = excluded.resolution_method
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		group.ID, tenantID, group.PrimaryRecordID, string(members),
		group.CreatedAt, resolved, group.ResolutionMethod,
	)
	return err
}

// GetGroup retrieves a duplicate group by ID with tenant isolation.
func (r *SQLRepository) GetGroup(ctx context.Context, tenantID string, groupID string) (*domain.Group, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, primary_record_id, member_ids,
			   created_at, resolved, resolution_method
		FROM duplicate_groups
		WHERE tenant_id = ? AND id = ?
	`

	group, err := scanGroup(r.db.QueryRowContext(ctx, r.rebind(query), tenantID, groupID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	return group, nil
}

// ListGroups retrieves duplicate groups for a tenant, newest first.
func (r *SQLRepository) ListGroups(ctx context.Context, tenantID string, filter domain.GroupFilter) ([]*domain.Group, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, primary_record_id, member_ids,
			   created_at, resolved, resolution_method
		FROM duplicate_groups
		WHERE tenant_id = ?
	`
	args := []any{tenantID}

	if filter.Resolved != nil {
		resolved := 0
		if *filter.Resolved {
			resolved = 1
		}
		query += " AND resolved = ?"
		args = append(args, resolved)
	}

	query += " ORDER BY created_at DESC"

	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	if filter.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, filter.Offset)
	}

	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var groups []*domain.Group
	for rows.Next() {
		group, err := scanGroup(rows)
		if err != nil {
			return nil, err
		}
		groups = append(groups, group)
	}

	return groups, rows.Err()
}

// UpdateGroupResolution marks a group resolved (or unresolved) and
// optionally moves its primary record.
func (r *SQLRepository) UpdateGroupResolution(ctx context.Context, tenantID string, groupID string, resolved bool, method string, primaryRecordID string) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	resolvedVal := 0
	if resolved {
		resolvedVal = 1
	}

	query := `
		UPDATE duplicate_groups
		SET resolved = ?, resolution_method = ?, primary_record_id = ?
		WHERE tenant_id = ? AND id = ?
	`

	result, err := r.db.ExecContext(ctx, r.rebind(query), resolvedVal, method, primaryRecordID, tenantID, groupID)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return domain.ErrNotFound
	}

	return nil
}

// DeleteGroup removes a duplicate group. The member records are not
// touched.
func (r *SQLRepository) DeleteGroup(ctx context.Context, tenantID string, groupID string) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	query := `DELETE FROM duplicate_groups WHERE tenant_id = ? AND id = ?`

	result, err := r.db.ExecContext(ctx, r.rebind(query), tenantID, groupID)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return domain.ErrNotFound
	}

	return nil
}

// GetSetting retrieves a tenant setting value.
func (r *SQLRepository) GetSetting(ctx context.Context, tenantID string, key string) ([]byte, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	query := `SELECT value FROM tenant_settings WHERE tenant_id = ? AND key = ?`

	var value []byte
	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	return value, nil
}

// SetSetting upserts a tenant setting value.
func (r *SQLRepository) SetSetting(ctx context.Context, tenantID string, key string, value []byte) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	query := `
		INSERT INTO tenant_settings (tenant_id, key, value, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(tenant_id, key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query), tenantID, key, value, time.Now().UTC())
	return err
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// scanner covers sql.Row and sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (*domain.Record, error) {
	var rec domain.Record
	var fields string

	if err := s.Scan(
		&rec.ID, &rec.TenantID, &fields,
		&rec.Status, &rec.DuplicateOf,
		&rec.CreatedAt, &rec.UpdatedAt,
	); err != nil {
		return nil, err
	}

	if fields != "" {
		json.Unmarshal([]byte(fields), &rec.Fields)
	}

	return &rec, nil
}

func scanGroup(s scanner) (*domain.Group, error) {
	var group domain.Group
	var members string
	var resolved int

	if err := s.Scan(
		&group.ID, &group.TenantID, &group.PrimaryRecordID, &members,
		&group.CreatedAt, &resolved, &group.ResolutionMethod,
	); err != nil {
		return nil, err
	}

	group.Resolved = resolved == 1
	json.Unmarshal([]byte(members), &group.MemberIDs)

	return &group, nil
}

// escapeLike escapes LIKE wildcards in a prefix value.
func escapeLike(value string) string {
	value = strings.ReplaceAll(value, `\`, `\\`)
	value = strings.ReplaceAll(value, "%", `\%`)
	value = strings.ReplaceAll(value, "_", `\_`)
	return value
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	// Convert ? to $1, $2, etc.
	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = append(result, fmt.Sprintf("%d", n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}
