package workflow

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/claimflow/model"
)

//go:embed schema.sql
var schemaSQL string

const uniqueViolation = "23505"

const claimColumns = `id, owner_id, status, version, documents, data, created_at, updated_at`

// PgClaimStore is a PostgreSQL-backed ClaimStore using pgx/v5. Documents are
// held in their own JSONB column so blob references can be queried directly.
type PgClaimStore struct {
	pool *pgxpool.Pool
}

// NewPgClaimStore creates a new PostgreSQL claim store.
func NewPgClaimStore(pool *pgxpool.Pool) *PgClaimStore {
	return &PgClaimStore{pool: pool}
}

// Migrate creates the claims table if it does not exist.
func (s *PgClaimStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("migrate claims schema: %w", err)
	}
	return nil
}

// Create inserts a new claim.
func (s *PgClaimStore) Create(ctx context.Context, claim model.Claim) error {
	if claim.Version == 0 {
		claim.Version = 1
	}
	docsJSON, dataJSON, err := encodeClaim(claim)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO claims (`+claimColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		claim.ID, claim.OwnerID, claim.Status, claim.Version,
		docsJSON, dataJSON, claim.CreatedAt, claim.UpdatedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return model.NewConflictError(fmt.Sprintf("claim %q already exists", claim.ID))
	}
	if err != nil {
		return fmt.Errorf("insert claim: %w", err)
	}
	return nil
}

// Get retrieves a claim by ID.
func (s *PgClaimStore) Get(ctx context.Context, id string) (model.Claim, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+claimColumns+` FROM claims WHERE id = $1`, id)
	c, err := scanClaim(row)
	if err == pgx.ErrNoRows {
		return model.Claim{}, claimNotFound(id)
	}
	if err != nil {
		return model.Claim{}, fmt.Errorf("query claim: %w", err)
	}
	return c, nil
}

// List returns claims matching the filters, newest first.
func (s *PgClaimStore) List(ctx context.Context, filters model.ClaimFilters) ([]model.Claim, int, error) {
	where := " WHERE 1=1"
	var args []any
	argIdx := 1

	if filters.OwnerID != "" {
		where += fmt.Sprintf(" AND owner_id = $%d", argIdx)
		args = append(args, filters.OwnerID)
		argIdx++
	}
	if filters.Status != "" {
		where += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, filters.Status)
		argIdx++
	}

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM claims`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count claims: %w", err)
	}

	query := `SELECT ` + claimColumns + ` FROM claims` + where + ` ORDER BY created_at DESC, id ASC`
	if filters.PageSize > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, filters.PageSize)
		argIdx++
	}
	if off := filters.Offset(); off > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, off)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("query claims: %w", err)
	}
	defer rows.Close()

	claims := []model.Claim{}
	for rows.Next() {
		c, err := scanClaim(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan claim: %w", err)
		}
		claims = append(claims, c)
	}
	return claims, total, rows.Err()
}

// CompareAndSet locks the row, checks the status and writes the mutation in
// one transaction.
func (s *PgClaimStore) CompareAndSet(ctx context.Context, id string, expected model.ClaimStatus, mutate MutateFunc) (model.Claim, error) {
	return s.update(ctx, id, func(c *model.Claim) error {
		if c.Status != expected {
			return statusConflict(id, expected, c.Status)
		}
		return mutate(c)
	})
}

// MutateDocument applies mutate to a single document.
func (s *PgClaimStore) MutateDocument(ctx context.Context, claimID, docID string, mutate DocumentMutateFunc) (model.Claim, error) {
	return s.update(ctx, claimID, func(c *model.Claim) error {
		i, ok := c.DocumentIndex(docID)
		if !ok {
			return documentNotFound(docID)
		}
		return mutate(c.Clone(), &c.Documents[i])
	})
}

// ReplaceDocumentAtomic swaps one document for another in a single write.
func (s *PgClaimStore) ReplaceDocumentAtomic(ctx context.Context, claimID, oldDocID string, build ReplaceFunc) (model.Claim, error) {
	return s.update(ctx, claimID, func(c *model.Claim) error {
		i, ok := c.DocumentIndex(oldDocID)
		if !ok {
			return model.NewConflictError(
				fmt.Sprintf("document %q is no longer attached to claim %q", oldDocID, claimID),
			)
		}
		doc, err := build(c.Clone(), c.Documents[i])
		if err != nil {
			return err
		}
		swapDocument(c, i, doc)
		return nil
	})
}

// Delete removes a claim.
func (s *PgClaimStore) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM claims WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete claim: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return claimNotFound(id)
	}
	return nil
}

// HealthCheck pings the pool.
func (s *PgClaimStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// ReferencedKeys returns the storage key of every document on every claim.
func (s *PgClaimStore) ReferencedKeys(ctx context.Context) (map[string]bool, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT doc->>'storage_key'
		FROM claims, jsonb_array_elements(documents) AS doc`)
	if err != nil {
		return nil, fmt.Errorf("query storage keys: %w", err)
	}
	defer rows.Close()

	keys := make(map[string]bool)
	for rows.Next() {
		var key *string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("scan storage key: %w", err)
		}
		if key != nil && *key != "" {
			keys[*key] = true
		}
	}
	return keys, rows.Err()
}

// update runs fn against a row locked with SELECT ... FOR UPDATE and writes
// the result guarded by the version it read.
func (s *PgClaimStore) update(ctx context.Context, id string, fn MutateFunc) (model.Claim, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return model.Claim{}, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	row := tx.QueryRow(ctx, `SELECT `+claimColumns+` FROM claims WHERE id = $1 FOR UPDATE`, id)
	current, err := scanClaim(row)
	if err == pgx.ErrNoRows {
		return model.Claim{}, claimNotFound(id)
	}
	if err != nil {
		return model.Claim{}, fmt.Errorf("lock claim: %w", err)
	}

	next := current.Clone()
	if err := fn(&next); err != nil {
		return model.Claim{}, err
	}
	next.Version = current.Version + 1
	next.UpdatedAt = time.Now().UTC()

	docsJSON, dataJSON, err := encodeClaim(next)
	if err != nil {
		return model.Claim{}, err
	}

	tag, err := tx.Exec(ctx, `
		UPDATE claims SET
			status = $1,
			version = $2,
			documents = $3,
			data = $4,
			updated_at = $5
		WHERE id = $6 AND version = $7`,
		next.Status, next.Version, docsJSON, dataJSON, next.UpdatedAt,
		id, current.Version,
	)
	if err != nil {
		return model.Claim{}, fmt.Errorf("update claim: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.Claim{}, model.NewConflictError(
			fmt.Sprintf("claim %q version conflict (expected %d)", id, current.Version),
		)
	}
	if err := tx.Commit(ctx); err != nil {
		return model.Claim{}, fmt.Errorf("commit claim: %w", err)
	}
	return next, nil
}

// encodeClaim splits a claim into its documents column and the remaining
// data column.
func encodeClaim(c model.Claim) ([]byte, []byte, error) {
	docs := c.Documents
	if docs == nil {
		docs = []model.Document{}
	}
	docsJSON, err := json.Marshal(docs)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal documents: %w", err)
	}
	c.Documents = nil
	dataJSON, err := json.Marshal(c)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal claim: %w", err)
	}
	return docsJSON, dataJSON, nil
}

func scanClaim(row pgx.Row) (model.Claim, error) {
	var (
		c                  model.Claim
		id, owner, status  string
		version            int
		docsJSON, dataJSON []byte
		created, updated   time.Time
	)
	if err := row.Scan(&id, &owner, &status, &version, &docsJSON, &dataJSON, &created, &updated); err != nil {
		return model.Claim{}, err
	}
	if err := json.Unmarshal(dataJSON, &c); err != nil {
		return model.Claim{}, fmt.Errorf("unmarshal claim: %w", err)
	}
	if err := json.Unmarshal(docsJSON, &c.Documents); err != nil {
		return model.Claim{}, fmt.Errorf("unmarshal documents: %w", err)
	}
	c.ID = id
	c.OwnerID = owner
	c.Status = model.ClaimStatus(status)
	c.Version = version
	c.CreatedAt = created
	c.UpdatedAt = updated
	return c, nil
}
