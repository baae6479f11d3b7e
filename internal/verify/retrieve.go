package verify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/arcstore/arcstore/internal/checksum"
	"github.com/arcstore/arcstore/internal/registry"
	"github.com/arcstore/arcstore/internal/storage"
)

// ErrNoGoodCopy is returned when no reachable storage holds a payload that
// matches the registry's checksum.
var ErrNoGoodCopy = errors.New("no storage holds a valid copy")

// spooled is a verified payload on local disk, removed on Close.
type spooled struct {
	*os.File
}

func (s spooled) Close() error {
	err := s.File.Close()
	if rerr := os.Remove(s.Name()); err == nil {
		err = rerr
	}
	return err
}

// Retrieve opens the payload of object id after checking its fixity.
func (v *Verifier) Retrieve(ctx context.Context, id string) (io.ReadCloser, *registry.Object, error) {
	obj, err := v.store.GetObject(ctx, id)
	if err != nil {
		return nil, nil, fmt.Errorf("object %s: %w", id, err)
	}
	if !obj.State.HoldsPayload() {
		return nil, nil, fmt.Errorf("object %s is %s: %w", id, obj.State, storage.ErrObjectNotFound)
	}
	rc, err := v.Open(ctx, obj, "")
	if err != nil {
		return nil, nil, err
	}
	return rc, obj, nil
}

// Open streams obj from the storages in priority order, skipping exclude,
// into a spool file and returns the first copy whose digest matches.
// Storages that served a bad or no copy ahead of it are queued for repair.
// Open has the shape of a replication payload source.
func (v *Verifier) Open(ctx context.Context, obj *registry.Object, exclude string) (io.ReadCloser, error) {
	members, err := v.pool.Attached(ctx)
	if err != nil {
		return nil, err
	}
	var damaged []string
	var errs []error
	for _, m := range members {
		if m.ID() == exclude {
			continue
		}
		f, rep := v.fetch(ctx, m, obj)
		if f != nil {
			for _, id := range damaged {
				v.repairs.Enqueue(id, obj.ID)
			}
			v.metrics.RecordFixity(string(Consistent))
			return f, nil
		}
		if ctx.Err() != nil {
			return nil, context.Cause(ctx)
		}
		v.recordReplica(ctx, obj, rep)
		errs = append(errs, fmt.Errorf("%s: %s: %w", rep.Storage, rep.Result, rep.Err))
		if rep.Result == Corrupted || rep.Result == Missing {
			damaged = append(damaged, rep.Storage)
		}
		v.logger.Warn().Err(rep.Err).Str("storage", rep.Storage).Str("object_id", obj.ID).
			Str("result", string(rep.Result)).Msg("retrieval falling back to next storage")
	}
	v.metrics.RecordFixity(string(Corrupted))
	return nil, storage.Error.Wrap(fmt.Errorf("%s: %w: %w", obj.ID, ErrNoGoodCopy, errors.Join(errs...)))
}

// fetch spools obj from one storage and checks its digest. It returns the
// rewound spool file on a match.
func (v *Verifier) fetch(ctx context.Context, m storage.Member, obj *registry.Object) (*spooled, Replica) {
	rep := Replica{Storage: m.ID()}
	rc, err := m.Adapter.GetObject(ctx, obj.ID, obj.Tenant)
	if err != nil {
		rep.Result, rep.Err = Unreachable, err
		if storage.IsNotFound(err) {
			rep.Result = Missing
		}
		return nil, rep
	}
	defer func() { _ = rc.Close() }()

	f, err := os.CreateTemp(v.spoolDir, "retrieve-*")
	if err != nil {
		rep.Result, rep.Err = Unreachable, fmt.Errorf("create spool file: %w", err)
		return nil, rep
	}
	out := &spooled{File: f}
	computed, _, err := checksum.Copy(ctx, f, rc, obj.Checksum.Algorithm, v.bufSize)
	if err == nil {
		_, err = f.Seek(0, io.SeekStart)
	}
	if err != nil {
		_ = out.Close()
		rep.Result, rep.Err = Unreachable, err
		return nil, rep
	}
	rep.Computed = computed
	if !computed.Equal(obj.Checksum) {
		_ = out.Close()
		rep.Result = Corrupted
		rep.Err = fmt.Errorf("expected %s, computed %s: %w", obj.Checksum, computed, storage.ErrChecksumMismatch)
		return nil, rep
	}
	rep.Result = Consistent
	return out, rep
}
