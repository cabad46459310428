package store

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Firestore is the production Backend.
type Firestore struct {
	client *firestore.Client
}

// NewFirestore connects to databaseID (empty means "(default)") in project.
// Honors FIRESTORE_EMULATOR_HOST through the client library.
func NewFirestore(ctx context.Context, project, databaseID string, opts ...option.ClientOption) (*Firestore, error) {
	if databaseID == "" {
		databaseID = firestore.DefaultDatabaseID
	}
	c, err := firestore.NewClientWithDatabase(ctx, project, databaseID, opts...)
	if err != nil {
		return nil, fmt.Errorf("firestore client: %w", err)
	}
	return &Firestore{client: c}, nil
}

func mapFirestoreErr(err error) error {
	switch status.Code(err) {
	case codes.NotFound:
		return errors.Join(ErrNotFound, err)
	case codes.AlreadyExists:
		return errors.Join(ErrAlreadyExists, err)
	}
	return err
}

func (f *Firestore) doc(collection, id string) *firestore.DocumentRef {
	return f.client.Collection(collection).Doc(id)
}

func (f *Firestore) Get(ctx context.Context, collection, id string) (Fields, error) {
	snap, err := f.doc(collection, id).Get(ctx)
	if err != nil {
		return nil, mapFirestoreErr(err)
	}
	return Fields(snap.Data()), nil
}

// mergePaths lists the top-level keys so nested maps are replaced, not deep-merged.
func mergePaths(fields Fields) firestore.SetOption {
	paths := make([]firestore.FieldPath, 0, len(fields))
	for k := range fields {
		paths = append(paths, firestore.FieldPath{k})
	}
	return firestore.Merge(paths...)
}

func (f *Firestore) Merge(ctx context.Context, collection, id string, fields Fields) error {
	if len(fields) == 0 {
		return nil
	}
	_, err := f.doc(collection, id).Set(ctx, map[string]any(fields), mergePaths(fields))
	return mapFirestoreErr(err)
}

func (f *Firestore) Set(ctx context.Context, collection, id string, doc Fields) error {
	_, err := f.doc(collection, id).Set(ctx, map[string]any(doc))
	return mapFirestoreErr(err)
}

func (f *Firestore) Create(ctx context.Context, collection, id string, doc Fields) error {
	_, err := f.doc(collection, id).Create(ctx, map[string]any(doc))
	return mapFirestoreErr(err)
}

func (f *Firestore) List(ctx context.Context, collection string, filter *Filter) ([]Document, error) {
	q := f.client.Collection(collection).Query
	if filter != nil {
		q = q.Where(filter.Field, "==", filter.Value)
	}
	snaps, err := q.Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", collection, mapFirestoreErr(err))
	}
	out := make([]Document, 0, len(snaps))
	for _, s := range snaps {
		out = append(out, Document{ID: s.Ref.ID, Data: Fields(s.Data())})
	}
	return out, nil
}

// Increment uses a server-side transform; Update fails with NotFound on a missing doc.
func (f *Firestore) Increment(ctx context.Context, collection, id, field string, delta int64) error {
	_, err := f.doc(collection, id).Update(ctx, []firestore.Update{
		{Path: field, Value: firestore.Increment(delta)},
	})
	return mapFirestoreErr(err)
}

func (f *Firestore) NewBatch() Batch {
	return &firestoreBatch{f: f, wb: f.client.Batch()} //nolint:staticcheck // atomic commit semantics wanted
}

func (f *Firestore) Close() error { return f.client.Close() }

type firestoreBatch struct {
	f  *Firestore
	wb *firestore.WriteBatch
	n  int
}

func (b *firestoreBatch) Merge(collection, id string, fields Fields) {
	b.wb.Set(b.f.doc(collection, id), map[string]any(fields), mergePaths(fields))
	b.n++
}

func (b *firestoreBatch) Len() int { return b.n }

func (b *firestoreBatch) Commit(ctx context.Context) error {
	if b.n == 0 {
		return nil
	}
	if b.n > MaxBatchWrites {
		return fmt.Errorf("batch of %d writes exceeds limit %d", b.n, MaxBatchWrites)
	}
	if _, err := b.wb.Commit(ctx); err != nil {
		return mapFirestoreErr(err)
	}
	b.wb = b.f.client.Batch() //nolint:staticcheck
	b.n = 0
	return nil
}
