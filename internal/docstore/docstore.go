// Package docstore persists every entity type in the single documents table:
// a bigserial id, the document type and a JSONB attribute blob. Claims use
// FOR UPDATE SKIP LOCKED ordered by id, which is what makes the Action queue
// and the ticket pool safe under concurrent workers.
package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/vmlab/lmunit/internal/db"
	"github.com/vmlab/lmunit/internal/model"
)

// doc constrains a type parameter to a pointer implementing model.Entity.
type doc[T any] interface {
	*T
	model.Entity
}

// List returns all documents matching the filter, ordered by id ascending.
func List[T any, P doc[T]](ctx context.Context, tx pgx.Tx, f Filter) ([]P, error) {
	docType := P(new(T)).DocType()
	sql, args, err := buildSelect(docType, f, "")
	if err != nil {
		return nil, err
	}
	rows, err := tx.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", docType, err)
	}
	defer rows.Close()

	var out []P
	for rows.Next() {
		var id int64
		var data []byte
		if err := rows.Scan(&id, &data); err != nil {
			return nil, fmt.Errorf("list %s: scan: %w", docType, err)
		}
		e := P(new(T))
		if err := json.Unmarshal(data, e); err != nil {
			return nil, fmt.Errorf("list %s %d: decode: %w", docType, id, err)
		}
		e.SetID(id)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list %s: %w", docType, err)
	}
	return out, nil
}

// GetOne returns the eldest document matching the filter, or nil when none
// matches.
func GetOne[T any, P doc[T]](ctx context.Context, tx pgx.Tx, f Filter) (P, error) {
	return getOne[T, P](ctx, tx, f, "LIMIT 1")
}

// GetOneForUpdate is GetOne with an exclusive row lock, waiting on contention.
func GetOneForUpdate[T any, P doc[T]](ctx context.Context, tx pgx.Tx, f Filter) (P, error) {
	return getOne[T, P](ctx, tx, f, "LIMIT 1 FOR UPDATE")
}

// GetOneForUpdateSkipLocked is GetOne with an exclusive row lock that skips
// rows locked by contending transactions. Combined with the id ordering this
// yields FIFO claim semantics.
func GetOneForUpdateSkipLocked[T any, P doc[T]](ctx context.Context, tx pgx.Tx, f Filter) (P, error) {
	return getOne[T, P](ctx, tx, f, "LIMIT 1 FOR UPDATE SKIP LOCKED")
}

func getOne[T any, P doc[T]](ctx context.Context, tx pgx.Tx, f Filter, suffix string) (P, error) {
	docType := P(new(T)).DocType()
	sql, args, err := buildSelect(docType, f, suffix)
	if err != nil {
		return nil, err
	}
	var id int64
	var data []byte
	err = tx.QueryRow(ctx, sql, args...).Scan(&id, &data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", docType, err)
	}
	e := P(new(T))
	if err := json.Unmarshal(data, e); err != nil {
		return nil, fmt.Errorf("get %s %d: decode: %w", docType, id, err)
	}
	e.SetID(id)
	return e, nil
}

// Save inserts a new document (id 0) or updates an existing one, stamping
// modified_at either way.
func Save(ctx context.Context, tx pgx.Tx, e model.Entity) error {
	e.Touch(model.Now())
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("save %s: encode: %w", e.DocType(), err)
	}
	if e.GetID() == 0 {
		var id int64
		err := tx.QueryRow(ctx,
			"INSERT INTO documents (type, data) VALUES ($1, $2) RETURNING id",
			e.DocType(), data).Scan(&id)
		if err != nil {
			return fmt.Errorf("save %s: insert: %w", e.DocType(), err)
		}
		e.SetID(id)
		return nil
	}
	tag, err := tx.Exec(ctx,
		"UPDATE documents SET data = $1 WHERE id = $2 AND type = $3",
		data, e.GetID(), e.DocType())
	if err != nil {
		return fmt.Errorf("save %s %d: update: %w", e.DocType(), e.GetID(), err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("save %s %d: document vanished", e.DocType(), e.GetID())
	}
	return nil
}

// Delete removes one document.
func Delete(ctx context.Context, tx pgx.Tx, docType string, id int64) error {
	_, err := tx.Exec(ctx,
		"DELETE FROM documents WHERE id = $1 AND type = $2", id, docType)
	if err != nil {
		return fmt.Errorf("delete %s %d: %w", docType, id, err)
	}
	return nil
}

// EnsureSchema creates the documents table and its supporting index.
func EnsureSchema(ctx context.Context, conn *db.Conn) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS documents (
			id BIGSERIAL PRIMARY KEY,
			type TEXT NOT NULL,
			data JSONB NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_documents_type ON documents(type)`,
		`CREATE INDEX IF NOT EXISTS idx_documents_type_lock ON documents(type, (data->>'lock'))`,
	}
	return conn.WithTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		for _, stmt := range stmts {
			if _, err := tx.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("ensure schema: %w", err)
			}
		}
		return nil
	})
}
