package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/fyrsmithlabs/accord/internal/coorderr"
)

// MemoryStore is an in-memory Store. Records are held as encoded JSON, so
// callers never share mutable state with the store and every write exercises
// the same serialization as the file backend.
type MemoryStore struct {
	mu     sync.RWMutex
	docs   map[Kind]map[string][]byte
	logs   map[Kind]map[string][]json.RawMessage
	active string
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs: make(map[Kind]map[string][]byte),
		logs: make(map[Kind]map[string][]json.RawMessage),
	}
}

// Get implements Store.
func (m *MemoryStore) Get(ctx context.Context, kind Kind, id string, dst Record) error {
	m.mu.RLock()
	data, ok := m.docs[kind][id]
	m.mu.RUnlock()

	if !ok {
		return coorderr.NotFound(entity(kind), id)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return coorderr.NotFound(entity(kind), id)
	}
	return nil
}

// Put implements Store.
func (m *MemoryStore) Put(ctx context.Context, kind Kind, id string, rec Record) error {
	if err := ValidateID(id); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var stored int64
	if data, ok := m.docs[kind][id]; ok {
		if v, err := peekVersion(data); err == nil {
			stored = v
		}
	}
	have := rec.RecordVersion()
	if stored != have {
		return conflict(kind, id, stored, have)
	}

	rec.SetRecordVersion(have + 1)
	data, err := json.Marshal(rec)
	if err != nil {
		rec.SetRecordVersion(have)
		return coorderr.Persistence(err, entity(kind), id, "encode")
	}
	if m.docs[kind] == nil {
		m.docs[kind] = make(map[string][]byte)
	}
	m.docs[kind][id] = data
	return nil
}

// List implements Store.
func (m *MemoryStore) List(ctx context.Context, kind Kind) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.docs[kind]))
	for id := range m.docs[kind] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// ActiveID implements Store.
func (m *MemoryStore) ActiveID(ctx context.Context) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active, nil
}

// SetActive implements Store.
func (m *MemoryStore) SetActive(ctx context.Context, id string) error {
	if err := ValidateID(id); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active = id
	return nil
}

// ClearActive implements Store.
func (m *MemoryStore) ClearActive(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id == "" || m.active == id {
		m.active = ""
	}
	return nil
}

// AppendLog implements Store.
func (m *MemoryStore) AppendLog(ctx context.Context, kind Kind, id string, entry any) error {
	if err := ValidateID(id); err != nil {
		return err
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return coorderr.Persistence(err, entity(kind), id, "encode log entry")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.logs[kind] == nil {
		m.logs[kind] = make(map[string][]json.RawMessage)
	}
	m.logs[kind][id] = append(m.logs[kind][id], line)
	return nil
}

// ReadLog implements Store.
func (m *MemoryStore) ReadLog(ctx context.Context, kind Kind, id string) ([]json.RawMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	src := m.logs[kind][id]
	out := make([]json.RawMessage, len(src))
	copy(out, src)
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
