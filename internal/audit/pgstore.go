package audit

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/pitabwire/claimflow/internal/config"
	"github.com/pitabwire/claimflow/model"
)

//go:embed schema.sql
var schemaSQL string

const auditColumns = `id, action, details, actor_id, actor_role, resource_type, resource_id, occurred_at`

// PgStore is a PostgreSQL-backed Store on database/sql with the lib/pq
// driver.
type PgStore struct {
	db *sql.DB
}

// NewPgStore wraps an open database handle.
func NewPgStore(db *sql.DB) *PgStore {
	return &PgStore{db: db}
}

// OpenPgStore opens a connection pool sized from cfg.
func OpenPgStore(dsn string, cfg config.StoreConfig) (*PgStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open audit database: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	return &PgStore{db: db}, nil
}

// Migrate creates the audit table if it does not exist.
func (s *PgStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("migrate audit schema: %w", err)
	}
	return nil
}

// Close closes the underlying pool.
func (s *PgStore) Close() error {
	return s.db.Close()
}

// Record inserts an entry.
func (s *PgStore) Record(ctx context.Context, entry model.AuditEntry) error {
	entry = prepareEntry(entry)
	details, err := json.Marshal(entry.Details)
	if err != nil {
		return fmt.Errorf("marshal audit details: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_log (`+auditColumns+`)
		VALUES ($1, $2, $3::jsonb, $4, $5, $6, $7, $8)`,
		entry.ID, entry.Action, string(details), entry.ActorID, string(entry.ActorRole),
		entry.ResourceType, entry.ResourceID, entry.Timestamp,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return model.NewConflictError("audit entry " + entry.ID + " already recorded")
	}
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

// List returns one page of matching entries, newest first.
func (s *PgStore) List(ctx context.Context, f model.AuditFilters) ([]model.AuditEntry, int, error) {
	f = normalizeFilters(f)
	where, args := buildWhere(f)

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM audit_log`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count audit entries: %w", err)
	}

	n := len(args)
	query := `SELECT ` + auditColumns + ` FROM audit_log` + where +
		fmt.Sprintf(" ORDER BY occurred_at DESC, id ASC LIMIT $%d OFFSET $%d", n+1, n+2)
	args = append(args, f.Limit, (f.Page-1)*f.Limit)

	entries, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	return entries, total, nil
}

// ClaimTrail returns the entries about claimID, oldest first.
func (s *PgStore) ClaimTrail(ctx context.Context, claimID string) ([]model.AuditEntry, error) {
	return s.query(ctx, `
		SELECT `+auditColumns+` FROM audit_log
		WHERE (resource_type = $1 AND resource_id = $2) OR details->>'claim_id' = $2
		ORDER BY occurred_at ASC, id ASC`,
		model.ResourceClaim, claimID,
	)
}

// HealthCheck pings the database.
func (s *PgStore) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PgStore) query(ctx context.Context, query string, args ...any) ([]model.AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit entries: %w", err)
	}
	defer rows.Close()

	entries := []model.AuditEntry{}
	for rows.Next() {
		var (
			e       model.AuditEntry
			details []byte
			role    string
		)
		if err := rows.Scan(&e.ID, &e.Action, &details, &e.ActorID, &role,
			&e.ResourceType, &e.ResourceID, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.ActorRole = model.Role(role)
		if err := json.Unmarshal(details, &e.Details); err != nil {
			return nil, fmt.Errorf("decode audit details: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit entries: %w", err)
	}
	return entries, nil
}

func buildWhere(f model.AuditFilters) (string, []any) {
	where := " WHERE 1=1"
	var args []any
	add := func(clause string, v any) {
		args = append(args, v)
		where += fmt.Sprintf(clause, len(args))
	}

	if actions := splitActions(f.Action); len(actions) > 0 {
		add(" AND action = ANY($%d)", pq.Array(actions))
	}
	if f.ActorID != "" {
		add(" AND actor_id = $%d", f.ActorID)
	}
	if f.ActorRole != "" {
		add(" AND actor_role = $%d", string(f.ActorRole))
	}
	if f.ResourceType != "" {
		add(" AND resource_type = $%d", f.ResourceType)
	}
	if f.ResourceID != "" {
		add(" AND resource_id = $%d", f.ResourceID)
	}
	if f.From != nil {
		add(" AND occurred_at >= $%d", *f.From)
	}
	if f.To != nil {
		add(" AND occurred_at <= $%d", *f.To)
	}
	return where, args
}
