// Package verify recomputes fixity digests across storages, serves
// fixity-checked retrievals that fall back by storage priority, and repairs
// damaged replicas in the background.
package verify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/arcstore/arcstore/internal/checksum"
	"github.com/arcstore/arcstore/internal/logging/audit"
	"github.com/arcstore/arcstore/internal/metrics"
	"github.com/arcstore/arcstore/internal/notify"
	"github.com/arcstore/arcstore/internal/registry"
	"github.com/arcstore/arcstore/internal/storage"
)

// Result classifies an object, or one replica of it.
type Result string

// Fixity results.
const (
	Consistent  Result = "consistent"
	Corrupted   Result = "corrupted"
	Missing     Result = "missing" // replica only; counts as corrupted for the object
	Unreachable Result = "unreachable"
)

// Replica is the outcome on one storage.
type Replica struct {
	Storage  string
	Result   Result
	Computed checksum.Sum
	Err      error
}

// Report is the outcome for one object.
type Report struct {
	Object   *registry.Object
	Result   Result
	Replicas []Replica
}

// Damaged returns the storages holding a corrupted or missing replica.
func (r *Report) Damaged() []string {
	var out []string
	for _, rep := range r.Replicas {
		if rep.Result == Corrupted || rep.Result == Missing {
			out = append(out, rep.Storage)
		}
	}
	return out
}

// Config holds configuration for the Verifier.
type Config struct {
	Store    registry.Store
	Pool     *storage.Pool
	Repairs  *RepairQueue // damaged replicas are queued here when set
	Notifier notify.Notifier
	Metrics  *metrics.Metrics
	Audit    *audit.Logger
	Logger   zerolog.Logger

	SpoolDir         string        // temp files for retrievals (default: os.TempDir)
	BufferSize       int           // digest chunk size
	ProgressInterval time.Duration // batch progress reports (default: 5s)
}

// Verifier checks stored payloads against the registry's checksums.
type Verifier struct {
	store    registry.Store
	pool     *storage.Pool
	repairs  *RepairQueue
	notifier notify.Notifier
	metrics  *metrics.Metrics
	audit    *audit.Logger
	logger   zerolog.Logger
	spoolDir string
	bufSize  int
	interval time.Duration
}

// New creates a Verifier.
func New(cfg Config) *Verifier {
	if cfg.Notifier == nil {
		cfg.Notifier = notify.Nop{}
	}
	if cfg.Audit == nil {
		cfg.Audit = audit.Nop()
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = checksum.DefaultBufferSize
	}
	if cfg.ProgressInterval <= 0 {
		cfg.ProgressInterval = 5 * time.Second
	}
	return &Verifier{
		store:    cfg.Store,
		pool:     cfg.Pool,
		repairs:  cfg.Repairs,
		notifier: cfg.Notifier,
		metrics:  cfg.Metrics,
		audit:    cfg.Audit,
		logger:   cfg.Logger.With().Str("component", "verifier").Logger(),
		spoolDir: cfg.SpoolDir,
		bufSize:  cfg.BufferSize,
		interval: cfg.ProgressInterval,
	}
}

// checkReplica verifies one storage's copy of obj.
func (v *Verifier) checkReplica(ctx context.Context, m storage.Member, obj *registry.Object) Replica {
	rep := Replica{Storage: m.ID()}
	computed, err := m.Adapter.Verify(ctx, obj.ID, obj.Checksum, obj.Tenant)
	switch {
	case err == nil && computed.Equal(obj.Checksum):
		rep.Result = Consistent
	case err == nil:
		rep.Result = Corrupted
		rep.Err = fmt.Errorf("expected %s, computed %s: %w", obj.Checksum, computed, storage.ErrChecksumMismatch)
	case storage.IsNotFound(err):
		rep.Result = Missing
		rep.Err = err
	default:
		rep.Result = Unreachable
		rep.Err = err
	}
	rep.Computed = computed
	return rep
}

// Check verifies obj on each member, in the given order. The object is
// consistent when any replica matches, corrupted when none matches and at
// least one was read, and unreachable otherwise. Damaged replicas are
// reported and queued for repair when a good copy exists.
func (v *Verifier) Check(ctx context.Context, obj *registry.Object, members []storage.Member) Report {
	report := Report{Object: obj, Result: Unreachable}
	for _, m := range members {
		rep := v.checkReplica(ctx, m, obj)
		report.Replicas = append(report.Replicas, rep)
		switch rep.Result {
		case Consistent:
			report.Result = Consistent
		case Corrupted, Missing:
			if report.Result != Consistent {
				report.Result = Corrupted
			}
		}
		v.recordReplica(ctx, obj, rep)
	}
	v.metrics.RecordFixity(string(report.Result))
	if report.Result == Consistent {
		for _, id := range report.Damaged() {
			v.repairs.Enqueue(id, obj.ID)
		}
	}
	return report
}

func (v *Verifier) recordReplica(ctx context.Context, obj *registry.Object, rep Replica) {
	details := ""
	if rep.Err != nil {
		details = rep.Err.Error()
	}
	v.audit.LogFixity(obj.ID, rep.Storage, string(rep.Result), details)
	if rep.Result != Corrupted && rep.Result != Missing {
		return
	}
	ev := notify.NewEvent(notify.KindFixityCorrupted, fmt.Sprintf("replica of %s on %s is %s", obj.ID, rep.Storage, rep.Result))
	ev.Storage = rep.Storage
	ev.ObjectID = obj.ID
	v.notifier.Notify(ctx, ev)
}

// members resolves storage ids to attached members, keeping priority
// order. No ids means every attached storage.
func (v *Verifier) members(ctx context.Context, ids []string) ([]storage.Member, error) {
	all, err := v.pool.Attached(ctx)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return all, nil
	}
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	var out []storage.Member
	for _, m := range all {
		if want[m.ID()] {
			out = append(out, m)
			delete(want, m.ID())
		}
	}
	for _, id := range ids {
		if want[id] {
			return nil, storage.Error.Wrap(fmt.Errorf("storage %s not attached: %w", id, storage.ErrUnreachable))
		}
	}
	return out, nil
}

// BatchOptions tunes VerifyBatch.
type BatchOptions struct {
	Storages []string // restrict to these storages; empty checks all attached
	// FailFast stops at the first object that is not consistent.
	FailFast bool
	// Progress receives the counters; a fresh one is used when nil.
	Progress *Progress
	// Report is called with the counters every progress interval.
	Report func(done, total int64)
}

// Summary is the outcome of a batch check.
type Summary struct {
	Checked     int
	Consistent  int
	Corrupted   int
	Unreachable int
	// Failed holds the first non-consistent report when FailFast stopped the batch.
	Failed *Report
}

// ErrBatchFailed is returned by a FailFast batch that met a bad object.
var ErrBatchFailed = errors.New("fixity check failed")

// VerifyBatch checks objs in order. Objects that carry no payload are
// counted as done without touching any storage. A separate poller reports
// progress while the batch runs.
func (v *Verifier) VerifyBatch(ctx context.Context, objs []*registry.Object, opts BatchOptions) (Summary, error) {
	members, err := v.members(ctx, opts.Storages)
	if err != nil {
		return Summary{}, err
	}
	progress := opts.Progress
	if progress == nil {
		progress = &Progress{}
	}
	progress.Total.Add(int64(len(objs)))
	report := opts.Report
	if report == nil {
		report = func(done, total int64) {
			v.logger.Info().Int64("done", done).Int64("total", total).Msg("fixity check progress")
		}
	}
	stop := Poll(ctx, v.interval, progress, report)
	defer stop()

	var sum Summary
	for _, obj := range objs {
		if err := ctx.Err(); err != nil {
			return sum, context.Cause(ctx)
		}
		if !obj.State.HoldsPayload() {
			progress.Done.Inc()
			continue
		}
		r := v.Check(ctx, obj, members)
		sum.Checked++
		switch r.Result {
		case Consistent:
			sum.Consistent++
			progress.Consistent.Inc()
		case Corrupted:
			sum.Corrupted++
			progress.Corrupted.Inc()
		default:
			sum.Unreachable++
			progress.Unreachable.Inc()
		}
		progress.Done.Inc()
		if opts.FailFast && r.Result != Consistent {
			sum.Failed = &r
			return sum, fmt.Errorf("%w: %s is %s", ErrBatchFailed, obj.ID, r.Result)
		}
	}
	return sum, nil
}

// VerifyIDs loads the objects by id and checks them.
func (v *Verifier) VerifyIDs(ctx context.Context, ids []string, opts BatchOptions) (Summary, error) {
	objs := make([]*registry.Object, 0, len(ids))
	for _, id := range ids {
		obj, err := v.store.GetObject(ctx, id)
		if err != nil {
			return Summary{}, fmt.Errorf("object %s: %w", id, err)
		}
		objs = append(objs, obj)
	}
	return v.VerifyBatch(ctx, objs, opts)
}
