package store

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// MemStore is the reference Store: a single in-memory index and content
// map, guarded by one RWMutex. It implements Store in full, including
// the dangling-delta bookkeeping Put/Get need to materialize an
// artifact whose basis arrived later than its patch.
type MemStore struct {
	mu      sync.RWMutex
	byName  map[Name]*Entry
	byID    map[uint64]*Entry
	content map[uint64][]byte
	nextID  uint64

	log *zap.Logger
}

// Option configures a MemStore at construction.
type Option func(*MemStore)

// WithLogger overrides the default no-op zap logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *MemStore) { m.log = l }
}

// NewMemStore builds an empty store. Options may add structured
// logging.
func NewMemStore(opts ...Option) *MemStore {
	m := &MemStore{
		byName:  make(map[Name]*Entry),
		byID:    make(map[uint64]*Entry),
		content: make(map[uint64][]byte),
		log:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func canon(name Name) Name { return Name(strings.ToLower(string(name))) }

func (m *MemStore) Resolve(name Name, createPhantom bool) (uint64, error) {
	name = canon(name)
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.byName[name]; ok {
		return e.ID, nil
	}
	if !createPhantom {
		return 0, nil
	}
	return m.newPhantomLocked(name, false), nil
}

func (m *MemStore) NewPhantom(name Name, private bool) (uint64, error) {
	name = canon(name)
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.byName[name]; ok {
		return e.ID, nil
	}
	return m.newPhantomLocked(name, private), nil
}

func (m *MemStore) newPhantomLocked(name Name, private bool) uint64 {
	m.nextID++
	id := m.nextID
	e := &Entry{ID: id, Name: name, State: StatePhantom, Private: private}
	m.byName[name] = e
	m.byID[id] = e
	m.log.Debug("phantom created", zap.String("name", string(name)), zap.Uint64("id", id))
	return id
}

func (m *MemStore) Put(content []byte, name Name, srcID uint64, private bool) (uint64, error) {
	name = canon(name)
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.byName[name]
	if !ok {
		m.nextID++
		e = &Entry{ID: m.nextID, Name: name}
		m.byName[name] = e
		m.byID[e.ID] = e
	}
	e.State = StatePresent
	e.Private = private
	e.DeltaSrc = ""
	if srcID != 0 {
		if src, ok := m.byID[srcID]; ok {
			// Content is a patch against src; Get applies it. If src is
			// still a phantom this is a dangling delta, materialized once
			// the basis arrives.
			e.DeltaSrc = src.Name
			if src.State == StatePhantom {
				m.log.Debug("dangling delta stored", zap.String("name", string(name)), zap.Uint64("src", srcID))
			}
		}
	}
	m.content[e.ID] = content
	return e.ID, nil
}

func (m *MemStore) Get(id uint64) ([]byte, error) {
	m.mu.RLock()
	e, ok := m.byID[id]
	if !ok {
		m.mu.RUnlock()
		return nil, ErrNotFound
	}
	if e.State == StatePresent && e.DeltaSrc == "" {
		c, ok := m.content[id]
		m.mu.RUnlock()
		if !ok {
			return nil, ErrNotFound
		}
		return c, nil
	}
	deltaSrc := e.DeltaSrc
	patch := m.content[id]
	m.mu.RUnlock()

	if deltaSrc == "" {
		return nil, ErrNotFound
	}
	basisID, err := m.Resolve(deltaSrc, false)
	if err != nil || basisID == 0 {
		return nil, fmt.Errorf("store: dangling delta basis %s unresolved", deltaSrc)
	}
	basis, err := m.Get(basisID)
	if err != nil {
		return nil, err
	}
	return DeltaApply(basis, patch)
}

func (m *MemStore) GetByName(name Name) ([]byte, error) {
	id, err := m.Resolve(name, false)
	if err != nil {
		return nil, err
	}
	if id == 0 {
		return nil, ErrNotFound
	}
	return m.Get(id)
}

func (m *MemStore) IsPrivate(id uint64) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.byID[id]
	if !ok {
		return false, ErrNotFound
	}
	return e.Private, nil
}

func (m *MemStore) IsShunned(name Name) (bool, error) {
	name = canon(name)
	m.mu.RLock()
	defer m.mu.RUnlock()
	if e, ok := m.byName[name]; ok {
		return e.Shunned, nil
	}
	return false, nil
}

func (m *MemStore) MakePrivate(id uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.byID[id]
	if !ok {
		return ErrNotFound
	}
	e.Private = true
	return nil
}

func (m *MemStore) MakePublic(id uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.byID[id]
	if !ok {
		return ErrNotFound
	}
	e.Private = false
	return nil
}

func (m *MemStore) EnumerateAll() ([]Name, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]uint64, 0, len(m.byID))
	for id := range m.byID {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	names := make([]Name, 0, len(ids))
	for _, id := range ids {
		names = append(names, m.byID[id].Name)
	}
	return names, nil
}

func (m *MemStore) EnumerateRoots() ([]uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]uint64, 0, len(m.byID))
	for id, e := range m.byID {
		if e.State == StatePresent && !e.Private {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (m *MemStore) AllIDsDescending() ([]uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]uint64, 0, len(m.byID))
	for id := range m.byID {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] > ids[j] })
	return ids, nil
}

// DeltaSourceOf exposes an entry's recorded delta basis, satisfying the
// optional deltaSourced interface the send engine probes for native
// delta eligibility.
func (m *MemStore) DeltaSourceOf(id uint64) (Name, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.byID[id]
	if !ok || e.DeltaSrc == "" {
		return "", false
	}
	return e.DeltaSrc, true
}

func (m *MemStore) NameOf(id uint64) (Name, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.byID[id]
	if !ok {
		return "", ErrNotFound
	}
	return e.Name, nil
}

// WithTx runs fn as the session's single write transaction. MemStore has
// no redo log; on error it is the caller's responsibility (the
// non-goal on persistence) to discard the MemStore instance, mirroring
// "the only commit points are at end-of-cycle" for an in-memory store.
func (m *MemStore) WithTx(fn func() error) error {
	return fn()
}

