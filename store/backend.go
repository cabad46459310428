// Package store persists the service's four document collections (managed channels,
// per-channel TTS config, viewer preferences, short links) on a document backend with
// shallow merge semantics: a merge replaces the top-level fields it names and leaves
// the others untouched. Backends: Firestore, Postgres (JSONB), and memory.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrNotFound      = errors.New("document not found")
	ErrAlreadyExists = errors.New("document already exists")
)

// Fields is a JSON-compatible document body.
type Fields map[string]any

// Document is a listed document.
type Document struct {
	ID   string
	Data Fields
}

// Filter selects documents whose top-level Field equals Value.
type Filter struct {
	Field string
	Value any
}

// Backend is the document database contract.
type Backend interface {
	Get(ctx context.Context, collection, id string) (Fields, error)
	// Merge upserts, replacing only the top-level keys present in fields.
	Merge(ctx context.Context, collection, id string, fields Fields) error
	// Set replaces the whole document.
	Set(ctx context.Context, collection, id string, doc Fields) error
	// Create fails with ErrAlreadyExists if id is taken.
	Create(ctx context.Context, collection, id string, doc Fields) error
	List(ctx context.Context, collection string, filter *Filter) ([]Document, error)
	// Increment atomically adds delta to a numeric top-level field.
	Increment(ctx context.Context, collection, id, field string, delta int64) error
	NewBatch() Batch
	Close() error
}

// Batch groups merges that commit together.
type Batch interface {
	Merge(collection, id string, fields Fields)
	Len() int
	Commit(ctx context.Context) error
}

// MaxBatchWrites stays under Firestore's 500-write limit per batch.
const MaxBatchWrites = 400

func toFields(v any) (Fields, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	var f Fields
	if err := json.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	return f, nil
}

func fromFields(f Fields, v any) error {
	b, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("decode document: %w", err)
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("decode document: %w", err)
	}
	return nil
}
