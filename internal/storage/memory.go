// internal/storage/memory.go
package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/nhs-notify/template-store-go/internal/model"
)

type recordKey struct {
	owner string
	id    string
}

// MemoryStore is an in-memory Store used by tests and local development. It
// evaluates conditions against the same document form the postgres backend
// uses, so the conditional-write semantics match the production backends.
type MemoryStore struct {
	mu   sync.Mutex
	docs map[recordKey]map[string]any

	// now is injectable for expiry tests.
	now func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs: make(map[recordKey]map[string]any),
		now:  time.Now,
	}
}

// Get implements Store.
func (s *MemoryStore) Get(ctx context.Context, id, owner string) (*model.Template, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.liveDoc(recordKey{owner: owner, id: id})
	if !ok {
		return nil, ErrNotFound
	}
	return fromDoc(doc)
}

// Put implements Store.
func (s *MemoryStore) Put(ctx context.Context, t *model.Template, conditions []Condition) error {
	doc, err := toDoc(t)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := recordKey{owner: t.Owner, id: t.ID}
	if existing, ok := s.liveDoc(key); ok {
		if !evalConditions(existing, conditions) {
			prior, err := fromDoc(existing)
			if err != nil {
				return err
			}
			return &ConditionFailedError{Prior: prior}
		}
	} else if !evalConditions(map[string]any{}, conditions) {
		return &ConditionFailedError{}
	}

	s.docs[key] = doc
	return nil
}

// Update implements Store.
func (s *MemoryStore) Update(ctx context.Context, id, owner string, spec UpdateSpec) (*model.Template, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := recordKey{owner: owner, id: id}
	doc, ok := s.liveDoc(key)
	if !ok {
		return nil, &ConditionFailedError{}
	}
	if !evalConditions(doc, spec.Conditions) {
		prior, err := fromDoc(doc)
		if err != nil {
			return nil, err
		}
		return nil, &ConditionFailedError{Prior: prior}
	}

	applySpec(doc, spec)
	s.docs[key] = doc
	return fromDoc(doc)
}

// QueryByOwner implements Store.
func (s *MemoryStore) QueryByOwner(ctx context.Context, owner string) ([]model.Template, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.Template
	for key := range s.docs {
		if key.owner != owner {
			continue
		}
		doc, ok := s.liveDoc(key)
		if !ok {
			continue
		}
		t, err := fromDoc(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// QueryByID implements Store.
func (s *MemoryStore) QueryByID(ctx context.Context, id string) ([]model.Template, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.Template
	for key := range s.docs {
		if key.id != id {
			continue
		}
		doc, ok := s.liveDoc(key)
		if !ok {
			continue
		}
		t, err := fromDoc(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Owner < out[j].Owner })
	return out, nil
}

// Close implements Store.
func (s *MemoryStore) Close() {}

// liveDoc returns the document at key, treating ttl-expired records as
// absent and removing them. Callers must hold the mutex.
func (s *MemoryStore) liveDoc(key recordKey) (map[string]any, bool) {
	doc, ok := s.docs[key]
	if !ok {
		return nil, false
	}
	if ttl, present := lookupPath(doc, "ttl"); present {
		if f, isNum := ttl.(float64); isNum && f > 0 && int64(f) <= s.now().Unix() {
			delete(s.docs, key)
			return nil, false
		}
	}
	return doc, true
}
