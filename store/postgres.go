package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// Postgres stores documents as JSONB rows in the documents table (see db/migrations).
type Postgres struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *Postgres { return &Postgres{db: db} }

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (p *Postgres) Get(ctx context.Context, collection, id string) (Fields, error) {
	var raw []byte
	err := p.db.QueryRowContext(ctx,
		`SELECT data FROM documents WHERE collection=$1 AND id=$2`, collection, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", collection, id, err)
	}
	var f Fields
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", collection, id, err)
	}
	return f, nil
}

func mergeRow(ctx context.Context, ex execer, collection, id string, fields Fields) error {
	raw, err := json.Marshal(fields)
	if err != nil {
		return err
	}
	_, err = ex.ExecContext(ctx, `
		INSERT INTO documents (collection, id, data) VALUES ($1, $2, $3::jsonb)
		ON CONFLICT (collection, id) DO UPDATE
		SET data = documents.data || EXCLUDED.data, updated_at = NOW()`,
		collection, id, string(raw))
	if err != nil {
		return fmt.Errorf("merge %s/%s: %w", collection, id, err)
	}
	return nil
}

func (p *Postgres) Merge(ctx context.Context, collection, id string, fields Fields) error {
	return mergeRow(ctx, p.db, collection, id, fields)
}

func (p *Postgres) Set(ctx context.Context, collection, id string, doc Fields) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO documents (collection, id, data) VALUES ($1, $2, $3::jsonb)
		ON CONFLICT (collection, id) DO UPDATE SET data = EXCLUDED.data, updated_at = NOW()`,
		collection, id, string(raw))
	if err != nil {
		return fmt.Errorf("set %s/%s: %w", collection, id, err)
	}
	return nil
}

func (p *Postgres) Create(ctx context.Context, collection, id string, doc Fields) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	res, err := p.db.ExecContext(ctx, `
		INSERT INTO documents (collection, id, data) VALUES ($1, $2, $3::jsonb)
		ON CONFLICT (collection, id) DO NOTHING`,
		collection, id, string(raw))
	if err != nil {
		return fmt.Errorf("create %s/%s: %w", collection, id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrAlreadyExists
	}
	return nil
}

func (p *Postgres) List(ctx context.Context, collection string, filter *Filter) ([]Document, error) {
	query := `SELECT id, data FROM documents WHERE collection=$1`
	args := []any{collection}
	if filter != nil {
		contains, err := json.Marshal(Fields{filter.Field: filter.Value})
		if err != nil {
			return nil, err
		}
		query += ` AND data @> $2::jsonb`
		args = append(args, string(contains))
	}
	query += ` ORDER BY id`
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", collection, err)
	}
	defer rows.Close()
	var out []Document
	for rows.Next() {
		var (
			id  string
			raw []byte
		)
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, err
		}
		var f Fields
		if err := json.Unmarshal(raw, &f); err != nil {
			return nil, fmt.Errorf("list %s/%s: %w", collection, id, err)
		}
		out = append(out, Document{ID: id, Data: f})
	}
	return out, rows.Err()
}

// Increment runs as one UPDATE, so concurrent increments never lose a count.
func (p *Postgres) Increment(ctx context.Context, collection, id, field string, delta int64) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE documents
		SET data = jsonb_set(data, ARRAY[$3::text], to_jsonb(COALESCE((data->>$3)::bigint, 0) + $4::bigint)),
		    updated_at = NOW()
		WHERE collection=$1 AND id=$2`,
		collection, id, field, delta)
	if err != nil {
		return fmt.Errorf("increment %s/%s.%s: %w", collection, id, field, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) NewBatch() Batch { return &postgresBatch{db: p.db} }

// Close is a no-op; the *sql.DB belongs to the caller.
func (p *Postgres) Close() error { return nil }

type postgresBatch struct {
	db  *sql.DB
	ops []memoryOp
}

func (b *postgresBatch) Merge(collection, id string, fields Fields) {
	b.ops = append(b.ops, memoryOp{collection, id, fields})
}

func (b *postgresBatch) Len() int { return len(b.ops) }

func (b *postgresBatch) Commit(ctx context.Context) error {
	if len(b.ops) > MaxBatchWrites {
		return fmt.Errorf("batch of %d writes exceeds limit %d", len(b.ops), MaxBatchWrites)
	}
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for _, op := range b.ops {
		if err := mergeRow(ctx, tx, op.collection, op.id, op.fields); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	b.ops = nil
	return nil
}
