// Package storage defines the contract every physical storage satisfies and
// the generic adapter that implements it over a blob backend.
package storage

import (
	"context"
	"io"

	"github.com/arcstore/arcstore/internal/checksum"
	"github.com/arcstore/arcstore/internal/registry"
)

// Opener opens a fresh stream over an object's payload. Each storage write
// opens its own stream so the fan-out never shares a reader.
type Opener func() (io.ReadCloser, error)

// Capacity is the space reported by a storage, in bytes.
type Capacity struct {
	Total int64 `json:"total"`
	Used  int64 `json:"used"`
	Free  int64 `json:"free"`
}

// Adapter is the per-storage driver consumed by the replication, verification
// and onboarding components.
//
// The context passed to StoreObject doubles as the write's cancellation
// token. Implementations check it between chunks and stop promptly once it
// is done, returning context.Cause.
type Adapter interface {
	// Name is the storage id the adapter serves.
	Name() string

	// StoreObject writes the payload and verifies it against obj.Checksum.
	// Objects in ARCHIVAL_FAILURE are refused without touching the storage.
	StoreObject(ctx context.Context, obj *registry.Object, payload Opener, tenant string) error
	// GetObject opens the stored payload. ErrObjectNotFound when absent.
	GetObject(ctx context.Context, id, tenant string) (io.ReadCloser, error)
	// Delete physically removes the object. Absence is success.
	Delete(ctx context.Context, id, tenant string) error
	// Remove marks the object logically removed. Absence is success.
	Remove(ctx context.Context, id, tenant string) error
	// Renew reverts a logical removal.
	Renew(ctx context.Context, id, tenant string) error
	// RollbackObject undoes a write, complete or partial. Absence is success.
	RollbackObject(ctx context.Context, id, tenant string) error
	// Verify streams the stored payload through expected's algorithm and
	// returns the computed digest. ErrObjectNotFound when absent.
	Verify(ctx context.Context, id string, expected checksum.Sum, tenant string) (checksum.Sum, error)

	CreateTenantSpace(ctx context.Context, tenant string) error
	TestConnection(ctx context.Context) bool
	Capacity(ctx context.Context) (Capacity, error)
	Close() error
}

// Backend is the small set of blob primitives a physical storage provides.
// Keys are slash separated; the first segment is the tenant space.
type Backend interface {
	// Put streams r into key, replacing any previous value.
	Put(ctx context.Context, key string, r io.Reader) (int64, error)
	// Get opens key. ErrObjectNotFound when absent.
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	// Delete removes key. Absence is success.
	Delete(ctx context.Context, key string) error
	// EnsurePrefix creates the namespace for prefix if the backend has one.
	EnsurePrefix(ctx context.Context, prefix string) error
	Ping(ctx context.Context) error
	Capacity(ctx context.Context) (Capacity, error)
	Close() error
}
