package actions

import (
	"context"
	"reflect"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/tessen/flowcore/pkg/schema"
)

// LowCodeCRUD is the record-store collaborator behind the crud.* step
// kinds. Implementations map collections onto whatever backend hosts the
// application data.
type LowCodeCRUD interface {
	Query(ctx context.Context, collection string, filter map[string]any, limit int) ([]map[string]any, error)
	Create(ctx context.Context, collection string, record map[string]any) (map[string]any, error)
	Update(ctx context.Context, collection string, recordID string, patch map[string]any) (map[string]any, error)
	Delete(ctx context.Context, collection string, recordID string) error
}

// MemoryCRUD is an in-process LowCodeCRUD used by tests and the dry-run CLI.
type MemoryCRUD struct {
	mu          sync.RWMutex
	collections map[string]map[string]map[string]any // collection -> id -> record
}

// NewMemoryCRUD creates an empty in-memory record store.
func NewMemoryCRUD() *MemoryCRUD {
	return &MemoryCRUD{collections: make(map[string]map[string]map[string]any)}
}

func (m *MemoryCRUD) Query(_ context.Context, collection string, filter map[string]any, limit int) ([]map[string]any, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []map[string]any
	for _, rec := range m.collections[collection] {
		if matchesFilter(rec, filter) {
			out = append(out, copyRecord(rec))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, _ := out[i]["id"].(string)
		b, _ := out[j]["id"].(string)
		return a < b
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryCRUD) Create(_ context.Context, collection string, record map[string]any) (map[string]any, error) {
	if record == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "crud.create: record is required")
	}
	rec := copyRecord(record)
	id, _ := rec["id"].(string)
	if id == "" {
		id = uuid.New().String()
		rec["id"] = id
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	coll, ok := m.collections[collection]
	if !ok {
		coll = make(map[string]map[string]any)
		m.collections[collection] = coll
	}
	if _, exists := coll[id]; exists {
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "crud.create: record %q already exists in %q", id, collection)
	}
	coll[id] = rec
	return copyRecord(rec), nil
}

func (m *MemoryCRUD) Update(_ context.Context, collection string, recordID string, patch map[string]any) (map[string]any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.collections[collection][recordID]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "crud.update: record %q not found in %q", recordID, collection)
	}
	for k, v := range patch {
		if k == "id" {
			continue
		}
		rec[k] = v
	}
	return copyRecord(rec), nil
}

func (m *MemoryCRUD) Delete(_ context.Context, collection string, recordID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.collections[collection][recordID]; !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "crud.delete: record %q not found in %q", recordID, collection)
	}
	delete(m.collections[collection], recordID)
	return nil
}

func matchesFilter(rec, filter map[string]any) bool {
	for k, want := range filter {
		got, ok := rec[k]
		if !ok || !reflect.DeepEqual(got, want) {
			return false
		}
	}
	return true
}

func copyRecord(rec map[string]any) map[string]any {
	out := make(map[string]any, len(rec))
	for k, v := range rec {
		out[k] = v
	}
	return out
}

var _ LowCodeCRUD = (*MemoryCRUD)(nil)
