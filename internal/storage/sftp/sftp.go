// Package sftp is the storage backend for filesystems reached over SSH,
// optionally sitting on a ZFS dataset.
package sftp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/sftp"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"

	"github.com/arcstore/arcstore/internal/registry"
	"github.com/arcstore/arcstore/internal/storage"
)

// Config holds connection settings for an SFTP backend.
type Config struct {
	Addr       string // host:port
	User       string
	Password   string
	KeyFile    string // private key for public key auth
	HostKey    string // authorized_keys formatted host key; empty accepts any
	Root       string // remote directory holding tenant spaces
	Dataset    string // ZFS dataset for capacity; empty uses statvfs
	CloseDelay time.Duration
	Timeout    time.Duration // dial timeout (default: 30s)
	Logger     zerolog.Logger
}

// Backend stores blobs as remote files.
type Backend struct {
	cfg    Config
	auth   []ssh.AuthMethod
	hostCB ssh.HostKeyCallback
	logger zerolog.Logger

	mu   sync.Mutex
	ssh  *ssh.Client
	sftp *sftp.Client
}

var _ storage.Backend = (*Backend)(nil)

// Open is the storage.BackendOpener for KindSFTP and KindZFS descriptors.
func Open(ctx context.Context, desc *registry.Storage, opts storage.OpenOptions) (storage.Backend, error) {
	cfg := Config{
		Addr:       desc.Host,
		User:       desc.Config["user"],
		Password:   desc.Config["password"],
		KeyFile:    desc.Config["key_file"],
		HostKey:    desc.Config["host_key"],
		Root:       desc.Config["root"],
		CloseDelay: opts.CloseDelay,
		Logger:     opts.Logger,
	}
	if desc.Kind == registry.KindZFS {
		cfg.Dataset = desc.Config["dataset"]
		if cfg.Dataset == "" {
			return nil, fmt.Errorf("zfs storage %s: config dataset required", desc.ID)
		}
	}
	return New(ctx, cfg)
}

// New connects to the server and ensures the root exists.
func New(ctx context.Context, cfg Config) (*Backend, error) {
	if cfg.Addr == "" || cfg.User == "" {
		return nil, fmt.Errorf("sftp: addr and user required")
	}
	if cfg.Root == "" {
		cfg.Root = "."
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	var auth []ssh.AuthMethod
	if cfg.KeyFile != "" {
		pem, err := os.ReadFile(cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("read key file: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(pem)
		if err != nil {
			return nil, fmt.Errorf("parse key file: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if cfg.Password != "" {
		auth = append(auth, ssh.Password(cfg.Password))
	}
	if len(auth) == 0 {
		return nil, fmt.Errorf("sftp: key_file or password required")
	}

	hostCB, err := hostKeyCallback(cfg.HostKey)
	if err != nil {
		return nil, err
	}

	b := &Backend{
		cfg:    cfg,
		auth:   auth,
		hostCB: hostCB,
		logger: cfg.Logger.With().Str("backend", "sftp").Str("addr", cfg.Addr).Logger(),
	}
	c, err := b.client(ctx)
	if err != nil {
		return nil, err
	}
	if err := c.MkdirAll(cfg.Root); err != nil {
		_ = b.Close()
		return nil, fmt.Errorf("create root %s: %w", cfg.Root, err)
	}
	// Not every request resolves relative paths against the login
	// directory; statvfs does not.
	root, err := c.RealPath(cfg.Root)
	if err != nil {
		_ = b.Close()
		return nil, fmt.Errorf("resolve root %s: %w", cfg.Root, err)
	}
	b.cfg.Root = root
	return b, nil
}

func hostKeyCallback(pinned string) (ssh.HostKeyCallback, error) {
	if pinned == "" {
		// Insecure mode - accept any host key
		return ssh.InsecureIgnoreHostKey(), nil
	}
	want, _, _, _, err := ssh.ParseAuthorizedKey([]byte(pinned))
	if err != nil {
		return nil, fmt.Errorf("parse host key: %w", err)
	}
	return func(_ string, _ net.Addr, key ssh.PublicKey) error {
		if string(key.Marshal()) != string(want.Marshal()) {
			return fmt.Errorf("host key mismatch")
		}
		return nil
	}, nil
}

// client returns the live SFTP client, dialing if the last one was dropped.
func (b *Backend) client(ctx context.Context) (*sftp.Client, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sftp != nil {
		return b.sftp, nil
	}

	dialer := net.Dialer{Timeout: b.cfg.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", b.cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", storage.ErrUnreachable, b.cfg.Addr, err)
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, b.cfg.Addr, &ssh.ClientConfig{
		User:            b.cfg.User,
		Auth:            b.auth,
		HostKeyCallback: b.hostCB,
		Timeout:         b.cfg.Timeout,
	})
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: ssh handshake %s: %v", storage.ErrUnreachable, b.cfg.Addr, err)
	}
	sc := ssh.NewClient(sshConn, chans, reqs)
	fc, err := sftp.NewClient(sc)
	if err != nil {
		_ = sc.Close()
		return nil, fmt.Errorf("%w: start sftp subsystem: %v", storage.ErrUnreachable, err)
	}
	b.ssh, b.sftp = sc, fc
	b.logger.Debug().Msg("SSH connection established")
	return fc, nil
}

// check drops the connection when err says it is gone, so the next call redials.
func (b *Backend) check(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sftp.ErrSSHFxConnectionLost) || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		b.mu.Lock()
		b.dropLocked()
		b.mu.Unlock()
	}
	return err
}

func (b *Backend) dropLocked() {
	if b.sftp != nil {
		_ = b.sftp.Close()
		b.sftp = nil
	}
	if b.ssh != nil {
		_ = b.ssh.Close()
		b.ssh = nil
	}
}

func (b *Backend) abs(key string) string {
	return path.Join(b.cfg.Root, key)
}

func (b *Backend) Put(ctx context.Context, key string, r io.Reader) (int64, error) {
	c, err := b.client(ctx)
	if err != nil {
		return 0, err
	}
	dst := b.abs(key)
	if err := b.check(c.MkdirAll(path.Dir(dst))); err != nil {
		return 0, err
	}
	tmp := path.Join(path.Dir(dst), ".put-"+uuid.New().String())
	f, err := c.Create(tmp)
	if err != nil {
		return 0, b.check(err)
	}
	n, err := io.Copy(f, r)
	if cerr := storage.CloseAfter(f, b.cfg.CloseDelay); err == nil {
		err = cerr
	}
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		_ = c.Remove(tmp)
		return n, b.check(err)
	}
	if err := c.PosixRename(tmp, dst); err != nil {
		_ = c.Remove(tmp)
		return n, b.check(err)
	}
	return n, nil
}

func (b *Backend) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	c, err := b.client(ctx)
	if err != nil {
		return nil, err
	}
	f, err := c.Open(b.abs(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", key, storage.ErrObjectNotFound)
	}
	if err != nil {
		return nil, b.check(err)
	}
	return storage.WithCloseDelay(f, b.cfg.CloseDelay), nil
}

func (b *Backend) Delete(ctx context.Context, key string) error {
	c, err := b.client(ctx)
	if err != nil {
		return err
	}
	err = c.Remove(b.abs(key))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return b.check(err)
	}
	return nil
}

func (b *Backend) EnsurePrefix(ctx context.Context, prefix string) error {
	c, err := b.client(ctx)
	if err != nil {
		return err
	}
	return b.check(c.MkdirAll(b.abs(prefix)))
}

func (b *Backend) Ping(ctx context.Context) error {
	c, err := b.client(ctx)
	if err != nil {
		return err
	}
	done := make(chan error, 1)
	go func() {
		_, err := c.Stat(b.cfg.Root)
		done <- err
	}()
	select {
	case err := <-done:
		return b.check(err)
	case <-ctx.Done():
		// A hung session is as good as gone.
		b.mu.Lock()
		b.dropLocked()
		b.mu.Unlock()
		return ctx.Err()
	}
}

func (b *Backend) Capacity(ctx context.Context) (storage.Capacity, error) {
	if b.cfg.Dataset != "" {
		return b.zfsCapacity(ctx)
	}
	c, err := b.client(ctx)
	if err != nil {
		return storage.Capacity{}, err
	}
	vfs, err := c.StatVFS(b.cfg.Root)
	if err != nil {
		return storage.Capacity{}, b.check(err)
	}
	total := int64(vfs.TotalSpace())
	free := int64(vfs.Frsize * vfs.Bavail)
	used := total - int64(vfs.FreeSpace())
	return storage.Capacity{Total: total, Used: used, Free: free}, nil
}

// zfsCapacity asks the dataset for its accounting; statvfs on a ZFS mount
// misreports space shared with sibling datasets.
func (b *Backend) zfsCapacity(ctx context.Context) (storage.Capacity, error) {
	if _, err := b.client(ctx); err != nil {
		return storage.Capacity{}, err
	}
	b.mu.Lock()
	sc := b.ssh
	b.mu.Unlock()
	if sc == nil {
		return storage.Capacity{}, storage.ErrUnreachable
	}
	sess, err := sc.NewSession()
	if err != nil {
		return storage.Capacity{}, b.check(err)
	}
	defer func() { _ = sess.Close() }()

	out, err := sess.Output("zfs get -Hp -o value used,available " + shellQuote(b.cfg.Dataset))
	if err != nil {
		return storage.Capacity{}, fmt.Errorf("zfs get %s: %w", b.cfg.Dataset, err)
	}
	return ParseZFSUsage(string(out))
}

// ParseZFSUsage parses the two-line output of `zfs get -Hp -o value used,available`.
func ParseZFSUsage(out string) (storage.Capacity, error) {
	fields := strings.Fields(out)
	if len(fields) != 2 {
		return storage.Capacity{}, fmt.Errorf("unexpected zfs output %q", out)
	}
	var used, avail int64
	if _, err := fmt.Sscan(fields[0], &used); err != nil {
		return storage.Capacity{}, fmt.Errorf("parse zfs used %q: %w", fields[0], err)
	}
	if _, err := fmt.Sscan(fields[1], &avail); err != nil {
		return storage.Capacity{}, fmt.Errorf("parse zfs available %q: %w", fields[1], err)
	}
	return storage.Capacity{Total: used + avail, Used: used, Free: avail}, nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dropLocked()
	return nil
}
