package replication

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/zeebo/errs"
)

// StateError rejects an operation the object's current state does not
// permit. Nothing has been attempted on any storage when it is returned.
var StateError = errs.Class("invalid state")

// Replication errors.
var (
	// ErrAborted is the cancellation cause seen by a storage task whose
	// sibling failed.
	ErrAborted = errors.New("aborted after sibling failure")
	// ErrRollbackRequested is the cancellation cause seen by an in-flight
	// write when a rollback of the object arrives.
	ErrRollbackRequested = errors.New("rollback requested")
	// ErrInsufficientReplicas rejects a write when fewer storages than the
	// minimum replica count are attached and reachable.
	ErrInsufficientReplicas = errors.New("insufficient reachable storages")
)

// WriteError reports the per-storage outcome of a failed multi-storage
// operation.
type WriteError struct {
	Operation   string
	ObjectID    string
	Succeeded   []string
	Failed      map[string]error
	Aborted     []string
	Unreachable []string
	// Cause is set when the operation failed for a reason not tied to a
	// single storage.
	Cause error
	// Leftover holds storages where undoing the partial operation failed;
	// they may still carry the payload.
	Leftover map[string]error
}

func (e *WriteError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s failed", e.Operation, e.ObjectID)
	if e.Cause != nil {
		fmt.Fprintf(&b, ": %v", e.Cause)
	}
	for _, id := range e.FailedStorages() {
		fmt.Fprintf(&b, "; %s: %v", id, e.Failed[id])
	}
	if len(e.Unreachable) > 0 {
		fmt.Fprintf(&b, "; unreachable: %s", strings.Join(e.Unreachable, ","))
	}
	if len(e.Aborted) > 0 {
		fmt.Fprintf(&b, "; aborted: %s", strings.Join(e.Aborted, ","))
	}
	if len(e.Succeeded) > 0 {
		fmt.Fprintf(&b, "; succeeded: %s", strings.Join(e.Succeeded, ","))
	}
	if len(e.Leftover) > 0 {
		fmt.Fprintf(&b, "; cleanup failed: %s", strings.Join(sortedKeys(e.Leftover), ","))
	}
	return b.String()
}

// Unwrap exposes the cause and every per-storage failure to errors.Is.
func (e *WriteError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failed)+1)
	if e.Cause != nil {
		errs = append(errs, e.Cause)
	}
	for _, id := range e.FailedStorages() {
		errs = append(errs, e.Failed[id])
	}
	return errs
}

// FailedStorages returns the ids of storages that failed, sorted.
func (e *WriteError) FailedStorages() []string {
	return sortedKeys(e.Failed)
}

func sortedKeys(m map[string]error) []string {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
