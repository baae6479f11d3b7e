package storage_test

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arcstore/arcstore/internal/checksum"
	"github.com/arcstore/arcstore/internal/registry"
	"github.com/arcstore/arcstore/internal/storage"
	"github.com/arcstore/arcstore/testutil"
)

func newObject(t *testing.T, id, data string) *registry.Object {
	return &registry.Object{
		ID:       id,
		Kind:     registry.KindPrimary,
		Tenant:   "acme",
		Checksum: testutil.Sum(t, data),
		State:    registry.StateProcessing,
	}
}

func TestStoreObject(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewMemStorage(t, "s1")
	obj := newObject(t, "doc-1", "hello")

	require.NoError(t, s.StoreObject(ctx, obj, testutil.Payload("hello"), "acme"))
	assert.True(t, s.Has(t, "doc-1", "acme"))

	rec, err := s.Stat(ctx, "doc-1", "acme")
	require.NoError(t, err)
	assert.Equal(t, registry.StateArchived, rec.State)
	assert.Equal(t, int64(5), rec.Size)
	assert.True(t, rec.Checksum.Equal(obj.Checksum))

	rc, err := s.GetObject(ctx, "doc-1", "acme")
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, "hello", string(data))
}

func TestStoreObjectRefusesArchivalFailure(t *testing.T) {
	s := testutil.NewMemStorage(t, "s1")
	obj := newObject(t, "doc-1", "hello")
	obj.State = registry.StateArchivalFailure

	opened := false
	err := s.StoreObject(context.Background(), obj, func() (io.ReadCloser, error) {
		opened = true
		return io.NopCloser(strings.NewReader("hello")), nil
	}, "acme")
	require.ErrorIs(t, err, storage.ErrFailureState)
	assert.True(t, storage.Error.Has(err))
	assert.False(t, opened, "payload must not be read")
	assert.Zero(t, s.Faults.Puts.Load())
}

func TestStoreObjectChecksumMismatchDiscards(t *testing.T) {
	s := testutil.NewMemStorage(t, "s1")
	obj := newObject(t, "doc-1", "hello")

	err := s.StoreObject(context.Background(), obj, testutil.Payload("tampered"), "acme")
	require.ErrorIs(t, err, storage.ErrChecksumMismatch)
	assert.True(t, storage.Error.Has(err))
	assert.False(t, s.Has(t, "doc-1", "acme"))
}

func TestStoreObjectWriteFailure(t *testing.T) {
	s := testutil.NewMemStorage(t, "s1")
	s.Faults.FailPut.Store(true)

	err := s.StoreObject(context.Background(), newObject(t, "doc-1", "hello"), testutil.Payload("hello"), "acme")
	require.Error(t, err)
	assert.True(t, storage.Error.Has(err))
	assert.False(t, s.Has(t, "doc-1", "acme"))
}

func TestStoreObjectCancelled(t *testing.T) {
	s := testutil.NewMemStorage(t, "s1")
	hits := s.Faults.Block()

	cause := errors.New("sibling failed")
	ctx, cancel := context.WithCancelCause(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- s.StoreObject(ctx, newObject(t, "doc-1", "hello"), testutil.Payload("hello"), "acme")
	}()
	<-hits
	cancel(cause)

	err := <-done
	assert.ErrorIs(t, err, cause)
	assert.False(t, s.Has(t, "doc-1", "acme"))
}

func TestStoreObjectInvalidKeys(t *testing.T) {
	s := testutil.NewMemStorage(t, "s1")
	for _, tenant := range []string{"", ".arcstore", "a/b", `a\b`} {
		err := s.StoreObject(context.Background(), newObject(t, "doc", "x"), testutil.Payload("x"), tenant)
		assert.Error(t, err, "tenant %q", tenant)
	}
}

func TestEraseToleratesAbsence(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewMemStorage(t, "s1")

	assert.NoError(t, s.Delete(ctx, "missing", "acme"))
	assert.NoError(t, s.RollbackObject(ctx, "missing", "acme"))
	assert.NoError(t, s.Remove(ctx, "missing", "acme"))

	require.NoError(t, s.StoreObject(ctx, newObject(t, "doc-1", "hello"), testutil.Payload("hello"), "acme"))
	require.NoError(t, s.RollbackObject(ctx, "doc-1", "acme"))
	assert.False(t, s.Has(t, "doc-1", "acme"))
	_, err := s.Stat(ctx, "doc-1", "acme")
	assert.ErrorIs(t, err, storage.ErrObjectNotFound)
}

func TestRemoveAndRenew(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewMemStorage(t, "s1")
	require.NoError(t, s.StoreObject(ctx, newObject(t, "doc-1", "hello"), testutil.Payload("hello"), "acme"))

	require.NoError(t, s.Remove(ctx, "doc-1", "acme"))
	rec, err := s.Stat(ctx, "doc-1", "acme")
	require.NoError(t, err)
	assert.Equal(t, registry.StateRemoved, rec.State)
	assert.True(t, s.Has(t, "doc-1", "acme"), "removal keeps the payload")

	require.NoError(t, s.Renew(ctx, "doc-1", "acme"))
	rec, err = s.Stat(ctx, "doc-1", "acme")
	require.NoError(t, err)
	assert.Equal(t, registry.StateArchived, rec.State)

	assert.ErrorIs(t, s.Renew(ctx, "missing", "acme"), storage.ErrObjectNotFound)
}

func TestVerify(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewMemStorage(t, "s1")
	obj := newObject(t, "doc-1", "hello")
	require.NoError(t, s.StoreObject(ctx, obj, testutil.Payload("hello"), "acme"))

	sum, err := s.Verify(ctx, "doc-1", obj.Checksum, "acme")
	require.NoError(t, err)
	assert.True(t, sum.Equal(obj.Checksum))

	s.Faults.Corrupt.Store(true)
	sum, err = s.Verify(ctx, "doc-1", obj.Checksum, "acme")
	require.NoError(t, err)
	assert.False(t, sum.Equal(obj.Checksum))

	_, err = s.Verify(ctx, "missing", obj.Checksum, "acme")
	assert.True(t, storage.IsNotFound(err))

	sha, err := s.Verify(ctx, "doc-1", checksum.NewSum(checksum.SHA256, ""), "acme")
	require.NoError(t, err)
	assert.Equal(t, checksum.SHA256, sha.Algorithm)
}

func TestTestConnection(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewMemStorage(t, "s1")
	assert.True(t, s.TestConnection(ctx))

	s.Faults.Down.Store(true)
	assert.False(t, s.TestConnection(ctx))
}

func TestCreateTenantSpace(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewMemStorage(t, "s1")
	require.NoError(t, s.CreateTenantSpace(ctx, "acme"))
	assert.Error(t, s.CreateTenantSpace(ctx, ".hidden"))
}

func TestOfflineAdapter(t *testing.T) {
	ctx := context.Background()
	o := storage.NewOffline("gone", errors.New("dial refused"))

	assert.Equal(t, "gone", o.Name())
	assert.False(t, o.TestConnection(ctx))
	err := o.StoreObject(ctx, &registry.Object{ID: "x"}, testutil.Payload(""), "acme")
	assert.ErrorIs(t, err, storage.ErrUnreachable)
	assert.True(t, storage.Error.Has(err))
	_, err = o.Verify(ctx, "x", checksum.Sum{}, "acme")
	assert.ErrorIs(t, err, storage.ErrUnreachable)
}
