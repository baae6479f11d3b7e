package registry

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"
)

// Registry errors.
var (
	ErrNotFound      = errors.New("registry: not found")
	ErrExists        = errors.New("registry: already exists")
	ErrStateConflict = errors.New("registry: state conflict")
)

// StateConflictError reports a rejected conditional transition.
type StateConflictError struct {
	ObjectID string
	Current  ObjectState
	Allowed  []ObjectState
	Target   ObjectState
}

func (e *StateConflictError) Error() string {
	allowed := make([]string, len(e.Allowed))
	for i, s := range e.Allowed {
		allowed[i] = string(s)
	}
	return fmt.Sprintf("object %s is %s, %s requires one of [%s]",
		e.ObjectID, e.Current, e.Target, strings.Join(allowed, ", "))
}

// Is makes errors.Is(err, ErrStateConflict) match.
func (e *StateConflictError) Is(target error) bool {
	return target == ErrStateConflict
}

// Store is the persistence port for the registry. Every method is atomic;
// Transition and CreateObjects commit all of their rows in one transaction.
type Store interface {
	// Now hands out strictly increasing timestamps. Every Created value the
	// store assigns comes from it, so a timestamp is an exact cursor.
	Now() time.Time

	// CreateObjects inserts the objects, assigning Created and Updated.
	// Fails with ErrExists if any id is taken; nothing is written then.
	CreateObjects(ctx context.Context, objs ...*Object) error
	GetObject(ctx context.Context, id string) (*Object, error)
	ListObjects(ctx context.Context, filter ObjectFilter) ([]*Object, error)
	// LatestVersion returns the highest metadata version under parentID, or 0.
	LatestVersion(ctx context.Context, parentID string) (int, error)
	// Transition moves the object to state `to` if its current state is in
	// `from` (any state when from is empty) and appends audit, if non-nil,
	// in the same transaction. A mismatch yields a *StateConflictError.
	Transition(ctx context.Context, id string, from []ObjectState, to ObjectState, audit *Audit) (*Object, error)
	// Tenants lists every tenant that owns at least one object.
	Tenants(ctx context.Context) ([]string, error)

	AppendAudit(ctx context.Context, audit *Audit) error
	ListAudits(ctx context.Context, filter AuditFilter) ([]*Audit, error)

	PutStorage(ctx context.Context, s *Storage) error
	GetStorage(ctx context.Context, id string) (*Storage, error)
	// ListStorages returns storages by descending priority, then id.
	ListStorages(ctx context.Context) ([]*Storage, error)

	GetSyncStatus(ctx context.Context, storageID string) (*SyncStatus, error)
	PutSyncStatus(ctx context.Context, s *SyncStatus) error
	ListSyncStatuses(ctx context.Context) ([]*SyncStatus, error)
	// MarkCopied records when an object was last copied to a storage during onboarding.
	MarkCopied(ctx context.Context, storageID, objectID string, at time.Time) error
	CopiedAt(ctx context.Context, storageID, objectID string) (time.Time, bool, error)

	GetSystemState(ctx context.Context) (SystemState, error)
	PutSystemState(ctx context.Context, st SystemState) error

	Close() error
}

// Clock produces strictly increasing UTC timestamps.
type Clock struct {
	mu   sync.Mutex
	last time.Time
	now  func() time.Time
}

// NewClock returns a clock reading from now, or time.Now when nil.
func NewClock(now func() time.Time) *Clock {
	if now == nil {
		now = time.Now
	}
	return &Clock{now: now}
}

// Now returns a timestamp strictly after every earlier one.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.now().UTC()
	if !t.After(c.last) {
		t = c.last.Add(time.Nanosecond)
	}
	c.last = t
	return t
}

// Observe advances the clock past t, used when loading persisted rows.
func (c *Clock) Observe(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t.After(c.last) {
		c.last = t.UTC()
	}
}

// Match reports whether o passes the filter, ignoring Limit.
func (f ObjectFilter) Match(o *Object) bool {
	if !f.From.IsZero() && o.Created.Before(f.From) {
		return false
	}
	if !f.Before.IsZero() && !o.Created.Before(f.Before) {
		return false
	}
	if len(f.States) > 0 && !slices.Contains(f.States, o.State) {
		return false
	}
	if f.Kind != "" && o.Kind != f.Kind {
		return false
	}
	if f.ParentID != "" && o.ParentID != f.ParentID {
		return false
	}
	if f.Tenant != "" && o.Tenant != f.Tenant {
		return false
	}
	return true
}

// Match reports whether a passes the filter, ignoring Limit.
func (f AuditFilter) Match(a *Audit) bool {
	if !f.From.IsZero() && a.Created.Before(f.From) {
		return false
	}
	if !f.Before.IsZero() && !a.Created.Before(f.Before) {
		return false
	}
	if f.ObjectID != "" && a.ObjectID != f.ObjectID {
		return false
	}
	return true
}
