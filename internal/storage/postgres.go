// internal/storage/postgres.go
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nhs-notify/template-store-go/internal/model"
)

// PostgresStore is a Store backed by PostgreSQL, for deployments without
// DynamoDB. Records are stored as JSONB documents and conditional writes are
// serialized per key with SELECT ... FOR UPDATE, which gives the same
// at-most-one-winner guarantee the DynamoDB backend gets from conditional
// expressions.
//
// Expected schema:
//
//	CREATE TABLE IF NOT EXISTS templates (
//	    owner TEXT NOT NULL,
//	    id    TEXT NOT NULL,
//	    doc   JSONB NOT NULL,
//	    ttl   BIGINT NOT NULL DEFAULT 0,
//	    PRIMARY KEY (owner, id)
//	);
//	CREATE INDEX IF NOT EXISTS templates_by_id ON templates (id);
type PostgresStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewPostgresStore connects to PostgreSQL and verifies the connection.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	return &PostgresStore{pool: pool, now: time.Now}, nil
}

// Get implements Store.
func (s *PostgresStore) Get(ctx context.Context, id, owner string) (*model.Template, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx,
		`SELECT doc FROM templates WHERE owner = $1 AND id = $2 AND (ttl = 0 OR ttl > $3)`,
		owner, id, s.now().Unix(),
	).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get template: %w", err)
	}
	return decodeDoc(raw)
}

// Put implements Store.
func (s *PostgresStore) Put(ctx context.Context, t *model.Template, conditions []Condition) error {
	doc, err := toDoc(t)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode template document: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	existing, found, err := lockRow(ctx, tx, t.ID, t.Owner, s.now())
	if err != nil {
		return err
	}
	if found {
		if !evalConditions(existing, conditions) {
			prior, derr := fromDoc(existing)
			if derr != nil {
				return derr
			}
			return &ConditionFailedError{Prior: prior}
		}
	} else if !evalConditions(map[string]any{}, conditions) {
		return &ConditionFailedError{}
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO templates (owner, id, doc, ttl) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (owner, id) DO UPDATE SET doc = EXCLUDED.doc, ttl = EXCLUDED.ttl`,
		t.Owner, t.ID, raw, t.TTL,
	)
	if err != nil {
		return fmt.Errorf("failed to put template: %w", err)
	}
	return tx.Commit(ctx)
}

// Update implements Store.
func (s *PostgresStore) Update(ctx context.Context, id, owner string, spec UpdateSpec) (*model.Template, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	doc, found, err := lockRow(ctx, tx, id, owner, s.now())
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, &ConditionFailedError{}
	}
	if !evalConditions(doc, spec.Conditions) {
		prior, derr := fromDoc(doc)
		if derr != nil {
			return nil, derr
		}
		return nil, &ConditionFailedError{Prior: prior}
	}

	applySpec(doc, spec)
	t, err := fromDoc(doc)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode template document: %w", err)
	}
	_, err = tx.Exec(ctx,
		`UPDATE templates SET doc = $3, ttl = $4 WHERE owner = $1 AND id = $2`,
		owner, id, raw, t.TTL,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update template: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit update: %w", err)
	}
	return t, nil
}

// QueryByOwner implements Store.
func (s *PostgresStore) QueryByOwner(ctx context.Context, owner string) ([]model.Template, error) {
	return s.queryDocs(ctx,
		`SELECT doc FROM templates WHERE owner = $1 AND (ttl = 0 OR ttl > $2) ORDER BY id`,
		owner, s.now().Unix(),
	)
}

// QueryByID implements Store.
func (s *PostgresStore) QueryByID(ctx context.Context, id string) ([]model.Template, error) {
	return s.queryDocs(ctx,
		`SELECT doc FROM templates WHERE id = $1 AND (ttl = 0 OR ttl > $2) ORDER BY owner`,
		id, s.now().Unix(),
	)
}

// Close implements Store.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

func (s *PostgresStore) queryDocs(ctx context.Context, sql string, args ...any) ([]model.Template, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query templates: %w", err)
	}
	defer rows.Close()

	var out []model.Template
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("failed to scan template: %w", err)
		}
		t, err := decodeDoc(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read templates: %w", err)
	}
	return out, nil
}

// lockRow reads and row-locks a record within tx, treating ttl-expired rows
// as absent.
func lockRow(ctx context.Context, tx pgx.Tx, id, owner string, now time.Time) (map[string]any, bool, error) {
	var raw []byte
	var ttl int64
	err := tx.QueryRow(ctx,
		`SELECT doc, ttl FROM templates WHERE owner = $1 AND id = $2 FOR UPDATE`,
		owner, id,
	).Scan(&raw, &ttl)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to lock template row: %w", err)
	}
	if ttl > 0 && ttl <= now.Unix() {
		if _, err := tx.Exec(ctx, `DELETE FROM templates WHERE owner = $1 AND id = $2`, owner, id); err != nil {
			return nil, false, fmt.Errorf("failed to remove expired template: %w", err)
		}
		return nil, false, nil
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, false, fmt.Errorf("failed to decode template document: %w", err)
	}
	return doc, true, nil
}

func decodeDoc(raw []byte) (*model.Template, error) {
	var t model.Template
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, fmt.Errorf("failed to decode template: %w", err)
	}
	return &t, nil
}
