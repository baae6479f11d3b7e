package registry

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store. State is lost on exit; it backs tests
// and single-shot CLI runs.
type MemoryStore struct {
	clock *Clock

	mu       sync.RWMutex
	objects  map[string]*Object
	audits   []*Audit
	storages map[string]*Storage
	syncs    map[string]*SyncStatus
	copied   map[string]time.Time // storageID + "\x00" + objectID
	system   *SystemState
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithClock(NewClock(nil))
}

// NewMemoryStoreWithClock returns an empty store using the given clock.
func NewMemoryStoreWithClock(clock *Clock) *MemoryStore {
	return &MemoryStore{
		clock:    clock,
		objects:  make(map[string]*Object),
		storages: make(map[string]*Storage),
		syncs:    make(map[string]*SyncStatus),
		copied:   make(map[string]time.Time),
	}
}

func (m *MemoryStore) Now() time.Time {
	return m.clock.Now()
}

func (m *MemoryStore) CreateObjects(ctx context.Context, objs ...*Object) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, o := range objs {
		if _, ok := m.objects[o.ID]; ok {
			return ErrExists
		}
	}
	for _, o := range objs {
		o.Created = m.clock.Now()
		o.Updated = o.Created
		m.objects[o.ID] = o.Clone()
	}
	return nil
}

func (m *MemoryStore) GetObject(ctx context.Context, id string) (*Object, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	o, ok := m.objects[id]
	if !ok {
		return nil, ErrNotFound
	}
	return o.Clone(), nil
}

func (m *MemoryStore) ListObjects(ctx context.Context, filter ObjectFilter) ([]*Object, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Object
	for _, o := range m.objects {
		if filter.Match(o) {
			out = append(out, o.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Created.Before(out[j].Created)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *MemoryStore) LatestVersion(ctx context.Context, parentID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	latest := 0
	for _, o := range m.objects {
		if o.ParentID == parentID && o.Version > latest {
			latest = o.Version
		}
	}
	return latest, nil
}

func (m *MemoryStore) Transition(ctx context.Context, id string, from []ObjectState, to ObjectState, audit *Audit) (*Object, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.objects[id]
	if !ok {
		return nil, ErrNotFound
	}
	if len(from) > 0 && !slices.Contains(from, o.State) {
		return nil, &StateConflictError{ObjectID: id, Current: o.State, Allowed: from, Target: to}
	}
	o.State = to
	o.Updated = m.clock.Now()
	if audit != nil {
		m.appendAuditLocked(audit)
	}
	return o.Clone(), nil
}

func (m *MemoryStore) Tenants(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	seen := make(map[string]struct{})
	for _, o := range m.objects {
		seen[o.Tenant] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for t := range seen {
		out = append(out, t)
	}
	sort.Strings(out)
	return out, nil
}

func (m *MemoryStore) AppendAudit(ctx context.Context, audit *Audit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appendAuditLocked(audit)
	return nil
}

func (m *MemoryStore) appendAuditLocked(audit *Audit) {
	if audit.ID == "" {
		audit.ID = uuid.New().String()
	}
	audit.Created = m.clock.Now()
	c := *audit
	m.audits = append(m.audits, &c)
}

func (m *MemoryStore) ListAudits(ctx context.Context, filter AuditFilter) ([]*Audit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	// Appended in clock order, so already sorted.
	var out []*Audit
	for _, a := range m.audits {
		if !filter.Match(a) {
			continue
		}
		c := *a
		out = append(out, &c)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) PutStorage(ctx context.Context, s *Storage) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := s.Clone()
	if existing, ok := m.storages[s.ID]; ok {
		c.Created = existing.Created
	} else if c.Created.IsZero() {
		c.Created = m.clock.Now()
	}
	s.Created = c.Created
	m.storages[s.ID] = c
	return nil
}

func (m *MemoryStore) GetStorage(ctx context.Context, id string) (*Storage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.storages[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s.Clone(), nil
}

func (m *MemoryStore) ListStorages(ctx context.Context) ([]*Storage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Storage, 0, len(m.storages))
	for _, s := range m.storages {
		out = append(out, s.Clone())
	}
	SortStorages(out)
	return out, nil
}

func (m *MemoryStore) GetSyncStatus(ctx context.Context, storageID string) (*SyncStatus, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.syncs[storageID]
	if !ok {
		return nil, ErrNotFound
	}
	return s.Clone(), nil
}

func (m *MemoryStore) PutSyncStatus(ctx context.Context, s *SyncStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	if s.Created.IsZero() {
		s.Created = now
	}
	s.Updated = now
	m.syncs[s.StorageID] = s.Clone()
	return nil
}

func (m *MemoryStore) ListSyncStatuses(ctx context.Context) ([]*SyncStatus, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*SyncStatus, 0, len(m.syncs))
	for _, s := range m.syncs {
		out = append(out, s.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Created.Before(out[j].Created)
	})
	return out, nil
}

func (m *MemoryStore) MarkCopied(ctx context.Context, storageID, objectID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.copied[storageID+"\x00"+objectID] = at
	return nil
}

func (m *MemoryStore) CopiedAt(ctx context.Context, storageID, objectID string) (time.Time, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	at, ok := m.copied[storageID+"\x00"+objectID]
	return at, ok, nil
}

func (m *MemoryStore) GetSystemState(ctx context.Context) (SystemState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.system == nil {
		return DefaultSystemState, nil
	}
	return *m.system, nil
}

func (m *MemoryStore) PutSystemState(ctx context.Context, st SystemState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.system = &st
	return nil
}

func (m *MemoryStore) Close() error {
	return nil
}

// SortStorages orders storages by descending priority, then id.
func SortStorages(storages []*Storage) {
	sort.SliceStable(storages, func(i, j int) bool {
		if storages[i].Priority != storages[j].Priority {
			return storages[i].Priority > storages[j].Priority
		}
		return storages[i].ID < storages[j].ID
	})
}
