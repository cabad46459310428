package store

import (
	"context"
	"fmt"
	"maps"
	"reflect"
	"sort"
	"sync"
)

// Memory is an in-process Backend for tests and local development.
type Memory struct {
	mu   sync.Mutex
	docs map[string]map[string]Fields
}

func NewMemory() *Memory {
	return &Memory{docs: map[string]map[string]Fields{}}
}

func (m *Memory) collection(name string) map[string]Fields {
	c, ok := m.docs[name]
	if !ok {
		c = map[string]Fields{}
		m.docs[name] = c
	}
	return c
}

// clone normalizes through JSON so stored values match what the other backends return.
func clone(f Fields) (Fields, error) {
	if f == nil {
		return Fields{}, nil
	}
	return toFields(f)
}

func (m *Memory) Get(_ context.Context, collection, id string) (Fields, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.collection(collection)[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(doc)
}

func (m *Memory) Merge(_ context.Context, collection, id string, fields Fields) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mergeLocked(collection, id, fields)
}

func (m *Memory) mergeLocked(collection, id string, fields Fields) error {
	f, err := clone(fields)
	if err != nil {
		return err
	}
	c := m.collection(collection)
	doc, ok := c[id]
	if !ok {
		doc = Fields{}
	}
	maps.Copy(doc, f)
	c[id] = doc
	return nil
}

func (m *Memory) Set(_ context.Context, collection, id string, doc Fields) error {
	f, err := clone(doc)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.collection(collection)[id] = f
	return nil
}

func (m *Memory) Create(_ context.Context, collection, id string, doc Fields) error {
	f, err := clone(doc)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.collection(collection)
	if _, ok := c[id]; ok {
		return ErrAlreadyExists
	}
	c[id] = f
	return nil
}

func (m *Memory) List(_ context.Context, collection string, filter *Filter) ([]Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var want any
	if filter != nil {
		w, err := toFields(Fields{"v": filter.Value})
		if err != nil {
			return nil, err
		}
		want = w["v"]
	}
	var out []Document
	for id, doc := range m.collection(collection) {
		if filter != nil && !reflect.DeepEqual(doc[filter.Field], want) {
			continue
		}
		f, err := clone(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, Document{ID: id, Data: f})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) Increment(_ context.Context, collection, id, field string, delta int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.collection(collection)[id]
	if !ok {
		return ErrNotFound
	}
	var cur float64
	switch v := doc[field].(type) {
	case nil:
	case float64:
		cur = v
	default:
		return fmt.Errorf("increment %s.%s: field is %T", collection, field, v)
	}
	doc[field] = cur + float64(delta)
	return nil
}

func (m *Memory) NewBatch() Batch { return &memoryBatch{m: m} }

func (m *Memory) Close() error { return nil }

type memoryOp struct {
	collection, id string
	fields         Fields
}

type memoryBatch struct {
	m   *Memory
	ops []memoryOp
}

func (b *memoryBatch) Merge(collection, id string, fields Fields) {
	b.ops = append(b.ops, memoryOp{collection, id, fields})
}

func (b *memoryBatch) Len() int { return len(b.ops) }

func (b *memoryBatch) Commit(_ context.Context) error {
	if len(b.ops) > MaxBatchWrites {
		return fmt.Errorf("batch of %d writes exceeds limit %d", len(b.ops), MaxBatchWrites)
	}
	b.m.mu.Lock()
	defer b.m.mu.Unlock()
	for _, op := range b.ops {
		if err := b.m.mergeLocked(op.collection, op.id, op.fields); err != nil {
			return err
		}
	}
	b.ops = nil
	return nil
}
