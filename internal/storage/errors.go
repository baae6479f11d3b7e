package storage

import (
	"errors"

	"github.com/zeebo/errs"
)

// Error is the class of every failure raised by a storage adapter. Any
// Error inside a write triggers rollback of that write.
var Error = errs.Class("storage")

// Storage error types.
var (
	ErrObjectNotFound   = errors.New("object not found")
	ErrChecksumMismatch = errors.New("checksum mismatch")
	ErrFailureState     = errors.New("object is in a failure state and carries no payload")
	ErrUnreachable      = errors.New("storage unreachable")
	ErrCapacityUnknown  = errors.New("capacity unknown")
	ErrUnknownKind      = errors.New("unknown storage kind")
)

// IsNotFound reports whether err says the object is absent from a storage.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrObjectNotFound)
}
