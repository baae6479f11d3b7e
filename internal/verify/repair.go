package verify

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/arcstore/arcstore/internal/metrics"
	"github.com/arcstore/arcstore/internal/replication"
	"github.com/arcstore/arcstore/internal/storage"
)

// Copier rewrites one object onto one storage from a good copy.
type Copier interface {
	CopyTo(ctx context.Context, target storage.Member, id string, src replication.PayloadSource) (replication.CopyResult, error)
}

// RepairConfig holds configuration for the RepairQueue.
type RepairConfig struct {
	Copier     Copier
	Pool       *storage.Pool
	Source     replication.PayloadSource // usually Verifier.Open
	Metrics    *metrics.Metrics
	Logger     zerolog.Logger
	Workers    int           // concurrent repairs (default: 4)
	MaxRetries int           // attempts after the first before an entry is dropped (default: 3, negative: none)
	Interval   time.Duration // drain interval when no signal arrives (default: 5s)
	Timeout    time.Duration // per repair (default: 5m)
}

type repairEntry struct {
	storage    string
	objectID   string
	enqueuedAt time.Time
	retries    int
}

// RepairQueue rewrites damaged replicas in the background, off the read
// path. Entries are deduplicated per storage and object.
type RepairQueue struct {
	copier     Copier
	pool       *storage.Pool
	source     replication.PayloadSource
	metrics    *metrics.Metrics
	logger     zerolog.Logger
	workers    int
	maxRetries int
	interval   time.Duration
	timeout    time.Duration

	mu      sync.Mutex
	pending map[string]*repairEntry
	signal  chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRepairQueue creates a stopped queue. Call Start to process entries.
func NewRepairQueue(cfg RepairConfig) *RepairQueue {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	} else if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	return &RepairQueue{
		copier:     cfg.Copier,
		pool:       cfg.Pool,
		source:     cfg.Source,
		metrics:    cfg.Metrics,
		logger:     cfg.Logger.With().Str("component", "repair").Logger(),
		workers:    cfg.Workers,
		maxRetries: cfg.MaxRetries,
		interval:   cfg.Interval,
		timeout:    cfg.Timeout,
		pending:    make(map[string]*repairEntry),
		signal:     make(chan struct{}, 1),
	}
}

// SetSource sets the payload source. The verifier and the queue refer to
// each other, so one of them is wired after construction.
func (q *RepairQueue) SetSource(src replication.PayloadSource) {
	q.mu.Lock()
	q.source = src
	q.mu.Unlock()
}

func repairKey(storageID, objectID string) string {
	return storageID + "\x00" + objectID
}

// Enqueue schedules a rewrite of objectID on storageID. It never blocks.
// A nil queue discards the request.
func (q *RepairQueue) Enqueue(storageID, objectID string) {
	if q == nil {
		return
	}
	q.mu.Lock()
	q.pending[repairKey(storageID, objectID)] = &repairEntry{
		storage:    storageID,
		objectID:   objectID,
		enqueuedAt: time.Now(),
	}
	q.mu.Unlock()
	q.wake()
}

func (q *RepairQueue) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// Len returns the number of pending entries.
func (q *RepairQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Start runs the worker until Stop.
func (q *RepairQueue) Start(ctx context.Context) {
	q.ctx, q.cancel = context.WithCancel(ctx)
	q.wg.Add(1)
	go q.run()
}

// Stop halts the worker and waits for in-flight repairs.
func (q *RepairQueue) Stop() {
	if q.cancel == nil {
		return
	}
	q.cancel()
	q.wg.Wait()
}

func (q *RepairQueue) run() {
	defer q.wg.Done()

	ticker := time.NewTicker(q.interval)
	defer ticker.Stop()

	for {
		select {
		case <-q.ctx.Done():
			return
		case <-q.signal:
			q.Drain(q.ctx)
		case <-ticker.C:
			q.Drain(q.ctx)
		}
	}
}

// Drain snapshots and clears the pending entries, then repairs them with
// bounded concurrency.
func (q *RepairQueue) Drain(ctx context.Context) {
	q.mu.Lock()
	entries := make([]*repairEntry, 0, len(q.pending))
	for k, e := range q.pending {
		entries = append(entries, e)
		delete(q.pending, k)
	}
	q.mu.Unlock()

	if len(entries) == 0 {
		return
	}
	q.logger.Info().Int("entries", len(entries)).Msg("draining repair queue")

	sem := make(chan struct{}, q.workers)
	var wg sync.WaitGroup
	for _, entry := range entries {
		select {
		case <-ctx.Done():
			return
		default:
		}

		wg.Add(1)
		go func(e *repairEntry) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				return
			}
			q.repair(ctx, e)
		}(entry)
	}
	wg.Wait()
}

func (q *RepairQueue) repair(ctx context.Context, e *repairEntry) {
	rctx, cancel := context.WithTimeout(ctx, q.timeout)
	defer cancel()

	q.mu.Lock()
	src := q.source
	q.mu.Unlock()

	m, err := q.pool.Member(rctx, e.storage)
	if err == nil {
		var res replication.CopyResult
		res, err = q.copier.CopyTo(rctx, m, e.objectID, src)
		if err == nil {
			q.metrics.RecordRepair("ok")
			q.logger.Info().Str("storage", e.storage).Str("object_id", e.objectID).
				Str("result", res.String()).Msg("replica repaired")
			return
		}
	}
	q.metrics.RecordRepair("failed")
	q.logger.Error().Err(err).Str("storage", e.storage).Str("object_id", e.objectID).
		Int("retry", e.retries).Msg("replica repair failed")
	q.requeue(e)
}

// requeue re-enqueues a failed entry unless retries are exhausted or a
// newer entry for the same replica exists. It is picked up on the next tick.
func (q *RepairQueue) requeue(e *repairEntry) {
	if e.retries >= q.maxRetries {
		q.metrics.RecordRepair("dropped")
		q.logger.Warn().Str("storage", e.storage).Str("object_id", e.objectID).
			Int("retries", e.retries).Msg("repair failed after max retries, dropping")
		return
	}
	key := repairKey(e.storage, e.objectID)
	q.mu.Lock()
	_, exists := q.pending[key]
	if !exists {
		q.pending[key] = &repairEntry{
			storage:    e.storage,
			objectID:   e.objectID,
			enqueuedAt: time.Now(),
			retries:    e.retries + 1,
		}
	}
	q.mu.Unlock()
}
