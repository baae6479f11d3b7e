// Package testutil provides shared test utilities and fakes for arcstore tests.
package testutil

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/go-git/go-billy/v5/memfs"
	"github.com/rs/zerolog"
	"go.uber.org/atomic"
	"golang.org/x/crypto/ssh"

	"github.com/arcstore/arcstore/internal/checksum"
	"github.com/arcstore/arcstore/internal/registry"
	"github.com/arcstore/arcstore/internal/storage"
	"github.com/arcstore/arcstore/internal/storage/fs"
)

// ErrInjected is returned by FaultyBackend for injected failures.
var ErrInjected = errors.New("injected failure")

// GenerateSSHKeyPair generates an ED25519 SSH key pair for testing.
// Returns the private key PEM bytes and the public key.
func GenerateSSHKeyPair(t *testing.T) ([]byte, ssh.PublicKey) {
	t.Helper()

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate key pair: %v", err)
	}
	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		t.Fatalf("failed to create SSH public key: %v", err)
	}
	pemBlock, err := ssh.MarshalPrivateKey(priv, "")
	if err != nil {
		t.Fatalf("failed to marshal private key: %v", err)
	}
	return pem.EncodeToMemory(pemBlock), sshPub
}

// WriteSSHKey writes a private key to dir and returns its path and public key.
func WriteSSHKey(t *testing.T, dir string) (string, ssh.PublicKey) {
	t.Helper()

	privBytes, pubKey := GenerateSSHKeyPair(t)
	path := filepath.Join(dir, "id_ed25519")
	if err := os.WriteFile(path, privBytes, 0600); err != nil {
		t.Fatalf("failed to write private key: %v", err)
	}
	return path, pubKey
}

// Sum returns the MD5 checksum of data.
func Sum(t *testing.T, data string) checksum.Sum {
	t.Helper()
	sum, err := checksum.ComputeBytes([]byte(data), checksum.MD5)
	if err != nil {
		t.Fatalf("checksum: %v", err)
	}
	return sum
}

// Payload returns an opener over data.
func Payload(data string) storage.Opener {
	return func() (io.ReadCloser, error) {
		return io.NopCloser(strings.NewReader(data)), nil
	}
}

// Logger returns a logger writing through t.Log.
func Logger(t *testing.T) zerolog.Logger {
	return zerolog.New(zerolog.NewTestWriter(t)).Level(zerolog.DebugLevel)
}

// FaultyBackend wraps a storage.Backend and injects failures. The zero
// value of each switch passes calls through.
type FaultyBackend struct {
	storage.Backend

	FailPut    atomic.Bool
	FailGet    atomic.Bool
	FailDelete atomic.Bool
	Down       atomic.Bool // Ping and every other call fail
	Corrupt    atomic.Bool // Get returns flipped bytes
	BreakPut   atomic.Bool // Put fails after reading part of the payload

	Puts    atomic.Int64
	Deletes atomic.Int64

	mu   sync.Mutex
	gate chan struct{} // when set, Put blocks until closed or ctx is done
	hits chan struct{} // signalled once per blocked Put
}

// NewFaultyBackend wraps b.
func NewFaultyBackend(b storage.Backend) *FaultyBackend {
	return &FaultyBackend{Backend: b}
}

// Block makes subsequent payload Puts wait until Release or cancellation.
// The returned channel receives once per Put that reaches the gate.
func (f *FaultyBackend) Block() <-chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gate = make(chan struct{})
	f.hits = make(chan struct{}, 64)
	return f.hits
}

// Release unblocks Puts waiting on the gate.
func (f *FaultyBackend) Release() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.gate != nil {
		close(f.gate)
		f.gate = nil
	}
}

func (f *FaultyBackend) down() error {
	if f.Down.Load() {
		return storage.ErrUnreachable
	}
	return nil
}

func (f *FaultyBackend) Put(ctx context.Context, key string, r io.Reader) (int64, error) {
	if err := f.down(); err != nil {
		return 0, err
	}
	f.Puts.Inc()
	if f.FailPut.Load() && !strings.HasSuffix(key, ".meta") {
		return 0, ErrInjected
	}
	f.mu.Lock()
	gate, hits := f.gate, f.hits
	f.mu.Unlock()
	if gate != nil && !strings.HasSuffix(key, ".meta") {
		select {
		case hits <- struct{}{}:
		default:
		}
		select {
		case <-gate:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	if f.BreakPut.Load() && !strings.HasSuffix(key, ".meta") {
		n, _ := io.CopyN(io.Discard, r, 1)
		return n, ErrInjected
	}
	return f.Backend.Put(ctx, key, r)
}

func (f *FaultyBackend) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := f.down(); err != nil {
		return nil, err
	}
	if f.FailGet.Load() {
		return nil, ErrInjected
	}
	rc, err := f.Backend.Get(ctx, key)
	if err != nil || !f.Corrupt.Load() || strings.HasSuffix(key, ".meta") {
		return rc, err
	}
	defer func() { _ = rc.Close() }()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, err
	}
	for i := range data {
		data[i] ^= 0xff
	}
	return io.NopCloser(strings.NewReader(string(data))), nil
}

func (f *FaultyBackend) Delete(ctx context.Context, key string) error {
	if err := f.down(); err != nil {
		return err
	}
	f.Deletes.Inc()
	if f.FailDelete.Load() {
		return ErrInjected
	}
	return f.Backend.Delete(ctx, key)
}

func (f *FaultyBackend) EnsurePrefix(ctx context.Context, prefix string) error {
	if err := f.down(); err != nil {
		return err
	}
	return f.Backend.EnsurePrefix(ctx, prefix)
}

func (f *FaultyBackend) Ping(ctx context.Context) error {
	if err := f.down(); err != nil {
		return err
	}
	return f.Backend.Ping(ctx)
}

// MemStorage is an in-memory storage for tests.
type MemStorage struct {
	*storage.BlobAdapter
	FS     *fs.Backend
	Faults *FaultyBackend
}

// NewMemStorage returns an adapter named name over an in-memory filesystem.
func NewMemStorage(t *testing.T, name string) *MemStorage {
	t.Helper()
	be := fs.New(memfs.New(), "", zerolog.Nop())
	faults := NewFaultyBackend(be)
	return &MemStorage{
		BlobAdapter: storage.NewBlobAdapter(name, faults, storage.BlobConfig{Logger: Logger(t)}),
		FS:          be,
		Faults:      faults,
	}
}

// Has reports whether the storage holds the payload of id.
func (m *MemStorage) Has(t *testing.T, id, tenant string) bool {
	t.Helper()
	rc, err := m.FS.Get(context.Background(), tenant+"/"+id)
	if err == nil {
		_ = rc.Close()
		return true
	}
	if !errors.Is(err, storage.ErrObjectNotFound) {
		t.Fatalf("stat %s/%s on %s: %v", tenant, id, m.Name(), err)
	}
	return false
}

// Attach registers the storage in store and pool.
func Attach(t *testing.T, store registry.Store, pool *storage.Pool, s storage.Adapter, priority int) *registry.Storage {
	t.Helper()
	desc := &registry.Storage{ID: s.Name(), Name: s.Name(), Kind: registry.KindFS, Host: "localhost", Priority: priority, Reachable: true}
	if err := store.PutStorage(context.Background(), desc); err != nil {
		t.Fatalf("put storage %s: %v", s.Name(), err)
	}
	pool.Add(s)
	return desc
}
