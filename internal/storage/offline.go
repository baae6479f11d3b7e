package storage

import (
	"context"
	"fmt"
	"io"

	"github.com/arcstore/arcstore/internal/checksum"
	"github.com/arcstore/arcstore/internal/registry"
)

// Offline stands in for a registered storage whose backend could not be
// opened. Every operation fails with ErrUnreachable, so writes that need
// it are rejected instead of silently skipping a replica.
type Offline struct {
	name string
	err  error
}

var _ Adapter = (*Offline)(nil)

// NewOffline returns an adapter for name that reports cause on every call.
func NewOffline(name string, cause error) *Offline {
	return &Offline{name: name, err: cause}
}

func (o *Offline) fail() error {
	return Error.Wrap(fmt.Errorf("%s: %w: %v", o.name, ErrUnreachable, o.err))
}

func (o *Offline) Name() string { return o.name }

func (o *Offline) StoreObject(context.Context, *registry.Object, Opener, string) error {
	return o.fail()
}

func (o *Offline) GetObject(context.Context, string, string) (io.ReadCloser, error) {
	return nil, o.fail()
}

func (o *Offline) Delete(context.Context, string, string) error         { return o.fail() }
func (o *Offline) Remove(context.Context, string, string) error         { return o.fail() }
func (o *Offline) Renew(context.Context, string, string) error          { return o.fail() }
func (o *Offline) RollbackObject(context.Context, string, string) error { return o.fail() }
func (o *Offline) CreateTenantSpace(context.Context, string) error      { return o.fail() }

func (o *Offline) Verify(context.Context, string, checksum.Sum, string) (checksum.Sum, error) {
	return checksum.Sum{}, o.fail()
}

func (o *Offline) TestConnection(context.Context) bool { return false }

func (o *Offline) Capacity(context.Context) (Capacity, error) {
	return Capacity{}, o.fail()
}

func (o *Offline) Close() error { return nil }
