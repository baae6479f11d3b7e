package fs_test

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-git/go-billy/v5/memfs"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arcstore/arcstore/internal/registry"
	"github.com/arcstore/arcstore/internal/storage"
	"github.com/arcstore/arcstore/internal/storage/fs"
)

func readAll(t *testing.T, b storage.Backend, key string) string {
	t.Helper()
	rc, err := b.Get(context.Background(), key)
	require.NoError(t, err)
	defer func() { _ = rc.Close() }()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	return string(data)
}

func TestPutGetDelete(t *testing.T) {
	ctx := context.Background()
	b := fs.New(memfs.New(), "", zerolog.Nop())

	n, err := b.Put(ctx, "acme/doc", strings.NewReader("first"))
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)
	assert.Equal(t, "first", readAll(t, b, "acme/doc"))

	_, err = b.Put(ctx, "acme/doc", strings.NewReader("second"))
	require.NoError(t, err)
	assert.Equal(t, "second", readAll(t, b, "acme/doc"))

	files, err := b.Files("acme")
	require.NoError(t, err)
	assert.Equal(t, []string{"acme/doc"}, files, "no temp files left behind")

	require.NoError(t, b.Delete(ctx, "acme/doc"))
	require.NoError(t, b.Delete(ctx, "acme/doc"))
	_, err = b.Get(ctx, "acme/doc")
	assert.ErrorIs(t, err, storage.ErrObjectNotFound)
}

func TestPutCancelledLeavesNothing(t *testing.T) {
	b := fs.New(memfs.New(), "", zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := b.Put(ctx, "acme/doc", strings.NewReader("data"))
	require.ErrorIs(t, err, context.Canceled)

	files, err := b.Files("acme")
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestPingAndCapacity(t *testing.T) {
	ctx := context.Background()

	mem := fs.New(memfs.New(), "", zerolog.Nop())
	assert.NoError(t, mem.Ping(ctx))
	_, err := mem.Capacity(ctx)
	assert.ErrorIs(t, err, storage.ErrCapacityUnknown)

	root := t.TempDir()
	be, err := fs.Open(ctx, &registry.Storage{ID: "local", Kind: registry.KindFS, Config: map[string]string{"root": root}}, storage.OpenOptions{})
	require.NoError(t, err)
	assert.NoError(t, be.Ping(ctx))

	c, err := be.Capacity(ctx)
	require.NoError(t, err)
	assert.Positive(t, c.Total)

	entries, err := os.ReadDir(filepath.Join(root, ".arcstore"))
	require.NoError(t, err)
	assert.Empty(t, entries, "probe files are removed")
}

func TestOpenRequiresRoot(t *testing.T) {
	_, err := fs.Open(context.Background(), &registry.Storage{ID: "x", Kind: registry.KindFS}, storage.OpenOptions{})
	assert.Error(t, err)
}

func TestOpenedBackendWritesToDisk(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	be, err := fs.Open(ctx, &registry.Storage{ID: "local", Kind: registry.KindFS, Config: map[string]string{"root": root}}, storage.OpenOptions{})
	require.NoError(t, err)

	require.NoError(t, be.EnsurePrefix(ctx, "acme"))
	_, err = be.Put(ctx, "acme/doc", strings.NewReader("on disk"))
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(root, "acme", "doc"))
	require.NoError(t, err)
	assert.Equal(t, "on disk", string(data))
}
