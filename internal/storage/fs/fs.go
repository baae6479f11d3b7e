// Package fs is the local filesystem storage backend.
package fs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/rs/zerolog"

	"github.com/arcstore/arcstore/internal/registry"
	"github.com/arcstore/arcstore/internal/storage"
)

// probeDir holds liveness probe files; it never collides with a tenant
// space because tenants cannot start with a dot.
const probeDir = ".arcstore"

// Backend stores blobs as files under a billy filesystem.
type Backend struct {
	fs     billy.Filesystem
	root   string // host path used for capacity; empty for in-memory filesystems
	logger zerolog.Logger
}

var _ storage.Backend = (*Backend)(nil)

// New creates a backend over fs. root is the host directory fs is rooted at,
// or empty when fs is not backed by a host directory.
func New(fs billy.Filesystem, root string, logger zerolog.Logger) *Backend {
	return &Backend{fs: fs, root: root, logger: logger.With().Str("backend", "fs").Logger()}
}

// Open is the storage.BackendOpener for KindFS descriptors. The descriptor
// must carry config["root"].
func Open(_ context.Context, desc *registry.Storage, opts storage.OpenOptions) (storage.Backend, error) {
	root := desc.Config["root"]
	if root == "" {
		return nil, fmt.Errorf("fs storage %s: config root required", desc.ID)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create root %s: %w", root, err)
	}
	return New(osfs.New(root), root, opts.Logger), nil
}

func (b *Backend) Put(ctx context.Context, key string, r io.Reader) (int64, error) {
	dir := path.Dir(key)
	if err := b.fs.MkdirAll(dir, 0o755); err != nil {
		return 0, err
	}
	tmp, err := b.fs.TempFile(dir, ".put-")
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(tmp, r)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		_ = b.fs.Remove(tmp.Name())
		return n, err
	}
	if err := b.rename(tmp.Name(), key); err != nil {
		_ = b.fs.Remove(tmp.Name())
		return n, err
	}
	return n, nil
}

func (b *Backend) rename(from, to string) error {
	err := b.fs.Rename(from, to)
	if err == nil {
		return nil
	}
	// Some filesystems refuse to rename over an existing file.
	if _, serr := b.fs.Stat(to); serr == nil {
		if rerr := b.fs.Remove(to); rerr != nil {
			return rerr
		}
		return b.fs.Rename(from, to)
	}
	return err
}

func (b *Backend) Get(_ context.Context, key string) (io.ReadCloser, error) {
	f, err := b.fs.Open(key)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", key, storage.ErrObjectNotFound)
	}
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (b *Backend) Delete(_ context.Context, key string) error {
	err := b.fs.Remove(key)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (b *Backend) EnsurePrefix(_ context.Context, prefix string) error {
	return b.fs.MkdirAll(prefix, 0o755)
}

// Ping writes and removes a probe file, so a read-only or vanished mount
// reads as unreachable.
func (b *Backend) Ping(_ context.Context) error {
	if err := b.fs.MkdirAll(probeDir, 0o755); err != nil {
		return err
	}
	f, err := b.fs.TempFile(probeDir, "ping-")
	if err != nil {
		return err
	}
	_, werr := f.Write([]byte("ping"))
	cerr := f.Close()
	rerr := b.fs.Remove(f.Name())
	return errors.Join(werr, cerr, rerr)
}

func (b *Backend) Capacity(_ context.Context) (storage.Capacity, error) {
	if b.root == "" {
		return storage.Capacity{}, storage.ErrCapacityUnknown
	}
	total, used, free, err := GetVolumeStats(b.root)
	if err != nil {
		return storage.Capacity{}, err
	}
	return storage.Capacity{Total: total, Used: used, Free: free}, nil
}

func (b *Backend) Close() error {
	return nil
}

// Files lists every regular file below dir, for diagnostics and tests.
func (b *Backend) Files(dir string) ([]string, error) {
	var out []string
	err := util.Walk(b.fs, dir, func(p string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !fi.IsDir() {
			out = append(out, p)
		}
		return nil
	})
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	return out, err
}
