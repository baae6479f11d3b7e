// Package registry holds the durable record of archival objects, the
// append-only audit log of modify operations, storage descriptors, storage
// onboarding progress and the system state singleton.
package registry

import (
	"time"

	"github.com/arcstore/arcstore/internal/checksum"
)

// ObjectState is the lifecycle state of an archival object.
type ObjectState string

// Object lifecycle states.
const (
	StateProcessing      ObjectState = "PROCESSING"
	StateArchived        ObjectState = "ARCHIVED"
	StateRemoved         ObjectState = "REMOVED"
	StateDeleted         ObjectState = "DELETED"
	StateDeletionFailure ObjectState = "DELETION_FAILURE"
	StateRolledBack      ObjectState = "ROLLED_BACK"
	StateArchivalFailure ObjectState = "ARCHIVAL_FAILURE"
)

// Transient reports whether the state is only valid while an operation is in flight.
func (s ObjectState) Transient() bool {
	return s == StateProcessing
}

// HoldsPayload reports whether storages are expected to carry the payload.
func (s ObjectState) HoldsPayload() bool {
	return s == StateArchived || s == StateRemoved
}

// ObjectKind distinguishes a package's primary payload from its metadata versions.
type ObjectKind string

// Object kinds.
const (
	KindPrimary  ObjectKind = "PRIMARY"
	KindMetadata ObjectKind = "METADATA"
)

// Object is one archival object: a primary payload or one metadata version.
type Object struct {
	ID       string       `json:"id"`
	Kind     ObjectKind   `json:"kind"`
	ParentID string       `json:"parent_id,omitempty"` // set for metadata versions
	Version  int          `json:"version,omitempty"`   // 1-based, per parent
	Tenant   string       `json:"tenant"`
	Checksum checksum.Sum `json:"checksum"`
	State    ObjectState  `json:"state"`
	Created  time.Time    `json:"created"`
	Updated  time.Time    `json:"updated"`
}

// Clone returns a copy that can be handed out without sharing.
func (o *Object) Clone() *Object {
	if o == nil {
		return nil
	}
	c := *o
	return &c
}

// Operation is the kind of a modify operation recorded in the audit log.
type Operation string

// Audit log operations.
const (
	OpRemoval       Operation = "REMOVAL"
	OpRenewal       Operation = "RENEWAL"
	OpDeletion      Operation = "DELETION"
	OpRollback      Operation = "ROLLBACK"
	OpArchivalRetry Operation = "ARCHIVAL_RETRY"
)

// Audit is one append-only audit log entry.
type Audit struct {
	ID        string    `json:"id"`
	Operation Operation `json:"operation"`
	ObjectID  string    `json:"object_id"`
	Tenant    string    `json:"tenant"`
	Created   time.Time `json:"created"`
}

// SyncPhase is a step of the storage onboarding state machine.
type SyncPhase string

// Onboarding phases, in order.
const (
	PhaseInit                  SyncPhase = "INIT"
	PhaseCopyingArchived       SyncPhase = "COPYING_ARCHIVED_OBJECTS"
	PhasePropagatingOperations SyncPhase = "PROPAGATING_OPERATIONS"
	PhasePostSyncCheck         SyncPhase = "POST_SYNC_CHECK"
	PhaseDone                  SyncPhase = "DONE"
)

// Next returns the phase that follows p.
func (p SyncPhase) Next() SyncPhase {
	switch p {
	case PhaseInit:
		return PhaseCopyingArchived
	case PhaseCopyingArchived:
		return PhasePropagatingOperations
	case PhasePropagatingOperations:
		return PhasePostSyncCheck
	default:
		return PhaseDone
	}
}

// SyncStatus is the persisted progress of one storage being onboarded.
type SyncStatus struct {
	StorageID string    `json:"storage_id"`
	Phase     SyncPhase `json:"phase"`
	Total     int64     `json:"total"`
	Done      int64     `json:"done"`

	// StuckAt is nil while the phase progresses cleanly. After a failure it
	// holds the timestamp of the first unprocessed item; the phase resumes
	// from it inclusively.
	StuckAt *time.Time `json:"stuck_at,omitempty"`
	// StuckObjectID names the offending object when one is known.
	StuckObjectID string `json:"stuck_object_id,omitempty"`
	// Cursor is the timestamp of the last item processed in the current phase.
	Cursor    *time.Time `json:"cursor,omitempty"`
	Exception string     `json:"exception,omitempty"`

	CopyCutoff  time.Time  `json:"copy_cutoff"`            // T0
	ReadOnlyAt  *time.Time `json:"read_only_at,omitempty"` // set once phase 3 flips the read-only switch
	FinalCutoff time.Time  `json:"final_cutoff"`

	Created time.Time `json:"created"`
	Updated time.Time `json:"updated"`
}

// Failed reports whether the sync is halted waiting for a manual continue.
func (s *SyncStatus) Failed() bool {
	return s.Exception != ""
}

// Finalizing reports whether the sync holds, or is about to release, the
// system-wide read-only window.
func (s *SyncStatus) Finalizing() bool {
	switch s.Phase {
	case PhasePostSyncCheck:
		return true
	case PhasePropagatingOperations:
		return s.ReadOnlyAt != nil
	default:
		return false
	}
}

// Clone returns a deep copy.
func (s *SyncStatus) Clone() *SyncStatus {
	if s == nil {
		return nil
	}
	c := *s
	c.StuckAt = cloneTime(s.StuckAt)
	c.Cursor = cloneTime(s.Cursor)
	c.ReadOnlyAt = cloneTime(s.ReadOnlyAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// StorageKind selects the backend driver for a storage.
type StorageKind string

// Supported storage kinds.
const (
	KindFS   StorageKind = "fs"
	KindSFTP StorageKind = "sftp"
	KindZFS  StorageKind = "zfs"
	KindS3   StorageKind = "s3"
)

// Storage is a logical backend descriptor.
type Storage struct {
	ID            string            `json:"id"`
	Name          string            `json:"name"`
	Kind          StorageKind       `json:"kind"`
	Host          string            `json:"host"`
	Priority      int               `json:"priority"` // higher is read and synced from first
	Config        map[string]string `json:"config,omitempty"`
	Reachable     bool              `json:"reachable"`
	Synchronizing bool              `json:"synchronizing"`
	Created       time.Time         `json:"created"`
}

// Clone returns a deep copy.
func (s *Storage) Clone() *Storage {
	if s == nil {
		return nil
	}
	c := *s
	if s.Config != nil {
		c.Config = make(map[string]string, len(s.Config))
		for k, v := range s.Config {
			c.Config[k] = v
		}
	}
	return &c
}

// SystemState is the process-wide policy singleton.
type SystemState struct {
	MinReplicas          int           `json:"min_replicas"`
	ReadOnly             bool          `json:"read_only"`
	ReachabilityInterval time.Duration `json:"reachability_interval"`
}

// DefaultSystemState is used until a state row has been written.
var DefaultSystemState = SystemState{
	MinReplicas:          1,
	ReachabilityInterval: time.Minute,
}

// ObjectFilter selects objects. Zero fields do not filter. Results are
// ordered by creation time.
type ObjectFilter struct {
	From     time.Time // inclusive lower bound on Created
	Before   time.Time // exclusive upper bound on Created
	States   []ObjectState
	Kind     ObjectKind
	ParentID string
	Tenant   string
	Limit    int
}

// AuditFilter selects audit entries. Results are ordered by creation time.
type AuditFilter struct {
	From     time.Time // inclusive
	Before   time.Time // exclusive
	ObjectID string
	Limit    int
}
