package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/zeebo/errs"

	"github.com/arcstore/arcstore/internal/checksum"
	"github.com/arcstore/arcstore/internal/metrics"
	"github.com/arcstore/arcstore/internal/registry"
)

const (
	metaSuffix     = ".meta"
	cleanupTimeout = 30 * time.Second
)

// Record is the per-object state kept next to the payload on a storage.
type Record struct {
	ID       string               `json:"id"`
	Tenant   string               `json:"tenant"`
	State    registry.ObjectState `json:"state"`
	Checksum checksum.Sum         `json:"checksum"`
	Size     int64                `json:"size"`
	Updated  time.Time            `json:"updated"`
}

// BlobConfig holds configuration for a BlobAdapter.
type BlobConfig struct {
	BufferSize int // digest chunk size (default: checksum.DefaultBufferSize)
	Logger     zerolog.Logger
	Metrics    *metrics.Metrics
}

// BlobAdapter implements Adapter over a Backend. The payload lives at
// <tenant>/<id>; a JSON Record lives at <tenant>/<id>.meta.
type BlobAdapter struct {
	name    string
	backend Backend
	bufSize int
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

var _ Adapter = (*BlobAdapter)(nil)

// NewBlobAdapter creates an adapter named name over backend.
func NewBlobAdapter(name string, backend Backend, cfg BlobConfig) *BlobAdapter {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = checksum.DefaultBufferSize
	}
	return &BlobAdapter{
		name:    name,
		backend: backend,
		bufSize: cfg.BufferSize,
		logger:  cfg.Logger.With().Str("component", "storage").Str("storage", name).Logger(),
		metrics: cfg.Metrics,
	}
}

func (a *BlobAdapter) Name() string {
	return a.name
}

// Backend returns the underlying backend.
func (a *BlobAdapter) Backend() Backend {
	return a.backend
}

// ValidName reports whether s can name a tenant space or an object.
func ValidName(s string) error {
	if s == "" || strings.HasPrefix(s, ".") || strings.ContainsAny(s, "/\\\x00") {
		return Error.New("invalid key segment %q", s)
	}
	return nil
}

func objectKey(tenant, id string) (string, error) {
	if err := ValidName(tenant); err != nil {
		return "", err
	}
	if err := ValidName(id); err != nil {
		return "", err
	}
	return tenant + "/" + id, nil
}

func (a *BlobAdapter) StoreObject(ctx context.Context, obj *registry.Object, payload Opener, tenant string) error {
	if obj.State == registry.StateArchivalFailure {
		return Error.Wrap(fmt.Errorf("%s on %s: %w", obj.ID, a.name, ErrFailureState))
	}
	key, err := objectKey(tenant, obj.ID)
	if err != nil {
		return err
	}
	if ctx.Err() != nil {
		return context.Cause(ctx)
	}

	rc, err := payload()
	if err != nil {
		return Error.Wrap(fmt.Errorf("open payload %s: %w", obj.ID, err))
	}
	defer func() { _ = rc.Close() }()

	cr, err := checksum.NewReader(ctx, rc, obj.Checksum.Algorithm)
	if err != nil {
		return Error.Wrap(err)
	}
	n, err := a.backend.Put(ctx, key, cr)
	if err != nil {
		a.discard(ctx, key)
		if ctx.Err() != nil {
			// Aborted by a sibling's failure or by rollback.
			return context.Cause(ctx)
		}
		return Error.New("write %s to %s: %v", obj.ID, a.name, err)
	}
	if sum := cr.Sum(); !sum.Equal(obj.Checksum) {
		a.discard(ctx, key)
		return Error.Wrap(fmt.Errorf("%s on %s: expected %s, computed %s: %w",
			obj.ID, a.name, obj.Checksum, sum, ErrChecksumMismatch))
	}
	// The payload is complete; a rollback requested now is handled by the caller.
	rec := Record{ID: obj.ID, Tenant: tenant, State: registry.StateArchived, Checksum: obj.Checksum, Size: n, Updated: time.Now().UTC()}
	if err := a.putRecord(ctx, key, rec); err != nil {
		a.discard(ctx, key)
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}
		return err
	}
	a.metrics.RecordWrite(a.name, n)
	a.logger.Debug().Str("object_id", obj.ID).Str("tenant", tenant).Int64("bytes", n).Msg("object stored")
	return nil
}

// discard removes a partial write. It runs detached from ctx so an aborted
// write still cleans up.
func (a *BlobAdapter) discard(ctx context.Context, key string) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	if err := errs.Combine(a.backend.Delete(cctx, key), a.backend.Delete(cctx, key+metaSuffix)); err != nil {
		a.logger.Warn().Err(err).Str("key", key).Msg("failed to discard partial write")
	}
}

func (a *BlobAdapter) GetObject(ctx context.Context, id, tenant string) (io.ReadCloser, error) {
	key, err := objectKey(tenant, id)
	if err != nil {
		return nil, err
	}
	rc, err := a.backend.Get(ctx, key)
	if err != nil {
		return nil, Error.Wrap(fmt.Errorf("get %s from %s: %w", id, a.name, err))
	}
	return rc, nil
}

func (a *BlobAdapter) Delete(ctx context.Context, id, tenant string) error {
	return a.erase(ctx, id, tenant, "delete")
}

func (a *BlobAdapter) RollbackObject(ctx context.Context, id, tenant string) error {
	return a.erase(ctx, id, tenant, "rollback")
}

func (a *BlobAdapter) erase(ctx context.Context, id, tenant, op string) error {
	key, err := objectKey(tenant, id)
	if err != nil {
		return err
	}
	// Payload first: a leftover record without payload reads as absent.
	if err := a.backend.Delete(ctx, key); err != nil {
		return Error.New("%s %s on %s: %v", op, id, a.name, err)
	}
	if err := a.backend.Delete(ctx, key+metaSuffix); err != nil {
		return Error.New("%s %s record on %s: %v", op, id, a.name, err)
	}
	a.logger.Debug().Str("object_id", id).Str("op", op).Msg("object erased")
	return nil
}

func (a *BlobAdapter) Remove(ctx context.Context, id, tenant string) error {
	err := a.setState(ctx, id, tenant, registry.StateRemoved)
	if errors.Is(err, ErrObjectNotFound) {
		return nil
	}
	return err
}

func (a *BlobAdapter) Renew(ctx context.Context, id, tenant string) error {
	return a.setState(ctx, id, tenant, registry.StateArchived)
}

func (a *BlobAdapter) setState(ctx context.Context, id, tenant string, state registry.ObjectState) error {
	key, err := objectKey(tenant, id)
	if err != nil {
		return err
	}
	rec, err := a.getRecord(ctx, key)
	if err != nil {
		return err
	}
	if rec.State == state {
		return nil
	}
	rec.State = state
	rec.Updated = time.Now().UTC()
	return a.putRecord(ctx, key, rec)
}

// Stat returns the stored record for an object. ErrObjectNotFound when absent.
func (a *BlobAdapter) Stat(ctx context.Context, id, tenant string) (Record, error) {
	key, err := objectKey(tenant, id)
	if err != nil {
		return Record{}, err
	}
	return a.getRecord(ctx, key)
}

func (a *BlobAdapter) Verify(ctx context.Context, id string, expected checksum.Sum, tenant string) (checksum.Sum, error) {
	rc, err := a.GetObject(ctx, id, tenant)
	if err != nil {
		return checksum.Sum{}, err
	}
	defer func() { _ = rc.Close() }()

	sum, err := checksum.Compute(ctx, rc, expected.Algorithm, a.bufSize)
	if err != nil {
		return checksum.Sum{}, Error.New("verify %s on %s: %v", id, a.name, err)
	}
	return sum, nil
}

func (a *BlobAdapter) CreateTenantSpace(ctx context.Context, tenant string) error {
	if err := ValidName(tenant); err != nil {
		return err
	}
	if err := a.backend.EnsurePrefix(ctx, tenant); err != nil {
		return Error.New("create tenant space %s on %s: %v", tenant, a.name, err)
	}
	return nil
}

func (a *BlobAdapter) TestConnection(ctx context.Context) bool {
	if err := a.backend.Ping(ctx); err != nil {
		a.logger.Debug().Err(err).Msg("connection test failed")
		return false
	}
	return true
}

func (a *BlobAdapter) Capacity(ctx context.Context) (Capacity, error) {
	c, err := a.backend.Capacity(ctx)
	if err != nil {
		return Capacity{}, Error.Wrap(err)
	}
	a.metrics.UpdateCapacity(a.name, c.Total, c.Used, c.Free)
	return c, nil
}

func (a *BlobAdapter) Close() error {
	return a.backend.Close()
}

func (a *BlobAdapter) getRecord(ctx context.Context, key string) (Record, error) {
	rc, err := a.backend.Get(ctx, key+metaSuffix)
	if err != nil {
		return Record{}, Error.Wrap(err)
	}
	defer func() { _ = rc.Close() }()

	var rec Record
	if err := json.NewDecoder(rc).Decode(&rec); err != nil {
		return Record{}, Error.New("decode record %s on %s: %v", key, a.name, err)
	}
	return rec, nil
}

func (a *BlobAdapter) putRecord(ctx context.Context, key string, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return Error.Wrap(err)
	}
	if _, err := a.backend.Put(ctx, key+metaSuffix, bytes.NewReader(data)); err != nil {
		return Error.New("write record %s on %s: %v", key, a.name, err)
	}
	return nil
}
