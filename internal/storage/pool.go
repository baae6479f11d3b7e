package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/zeebo/errs"
	"golang.org/x/sync/errgroup"

	"github.com/arcstore/arcstore/internal/metrics"
	"github.com/arcstore/arcstore/internal/notify"
	"github.com/arcstore/arcstore/internal/registry"
	"github.com/arcstore/arcstore/internal/sysstate"
)

// Member is an attached storage: its descriptor and the adapter serving it.
type Member struct {
	Desc    *registry.Storage
	Adapter Adapter
}

// ID returns the storage id.
func (m Member) ID() string {
	return m.Desc.ID
}

// IDs returns the ids of members, in order.
func IDs(members []Member) []string {
	ids := make([]string, len(members))
	for i, m := range members {
		ids[i] = m.Desc.ID
	}
	return ids
}

// PoolConfig holds configuration for the Pool.
type PoolConfig struct {
	Store       registry.Store
	State       *sysstate.State
	Notifier    notify.Notifier
	Metrics     *metrics.Metrics
	Logger      zerolog.Logger
	PingTimeout time.Duration // per storage (default: 10s)
}

// Pool holds the adapters of every attached storage and tracks their
// reachability.
type Pool struct {
	store    registry.Store
	state    *sysstate.State
	notifier notify.Notifier
	metrics  *metrics.Metrics
	logger   zerolog.Logger
	timeout  time.Duration

	mu       sync.RWMutex
	adapters map[string]Adapter

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPool creates an empty pool.
func NewPool(cfg PoolConfig) *Pool {
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = 10 * time.Second
	}
	if cfg.Notifier == nil {
		cfg.Notifier = notify.Nop{}
	}
	return &Pool{
		store:    cfg.Store,
		state:    cfg.State,
		notifier: cfg.Notifier,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger.With().Str("component", "pool").Logger(),
		timeout:  cfg.PingTimeout,
		adapters: make(map[string]Adapter),
	}
}

// Add registers the adapter under its name, closing any adapter it replaces.
func (p *Pool) Add(a Adapter) {
	p.mu.Lock()
	old := p.adapters[a.Name()]
	p.adapters[a.Name()] = a
	p.mu.Unlock()

	if old != nil && old != a {
		if err := old.Close(); err != nil {
			p.logger.Warn().Err(err).Str("storage", a.Name()).Msg("failed to close replaced adapter")
		}
	}
}

// Remove detaches and closes the adapter for id.
func (p *Pool) Remove(id string) error {
	p.mu.Lock()
	a, ok := p.adapters[id]
	delete(p.adapters, id)
	p.mu.Unlock()
	if !ok {
		return nil
	}
	return a.Close()
}

// Get returns the adapter for id.
func (p *Pool) Get(id string) (Adapter, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	a, ok := p.adapters[id]
	return a, ok
}

// Attached returns every registered storage that has an adapter, ordered
// by descending priority.
func (p *Pool) Attached(ctx context.Context) ([]Member, error) {
	descs, err := p.store.ListStorages(ctx)
	if err != nil {
		return nil, err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()

	members := make([]Member, 0, len(descs))
	for _, d := range descs {
		a, ok := p.adapters[d.ID]
		if !ok {
			p.logger.Warn().Str("storage", d.ID).Msg("registered storage has no adapter")
			continue
		}
		members = append(members, Member{Desc: d, Adapter: a})
	}
	return members, nil
}

// Member returns the attached storage id.
func (p *Pool) Member(ctx context.Context, id string) (Member, error) {
	desc, err := p.store.GetStorage(ctx, id)
	if err != nil {
		return Member{}, err
	}
	a, ok := p.Get(id)
	if !ok {
		return Member{}, Error.Wrap(fmt.Errorf("storage %s has no adapter: %w", id, ErrUnreachable))
	}
	return Member{Desc: desc, Adapter: a}, nil
}

// Probe tests the connection of every member concurrently.
func (p *Pool) Probe(ctx context.Context, members []Member) (reachable, unreachable []Member) {
	ok := make([]bool, len(members))
	var g errgroup.Group
	for i, m := range members {
		g.Go(func() error {
			pctx, cancel := context.WithTimeout(ctx, p.timeout)
			defer cancel()
			ok[i] = m.Adapter.TestConnection(pctx)
			return nil
		})
	}
	_ = g.Wait()

	for i, m := range members {
		if ok[i] {
			reachable = append(reachable, m)
		} else {
			unreachable = append(unreachable, m)
		}
	}
	return reachable, unreachable
}

// Reachability is the outcome of CheckReachability.
type Reachability struct {
	Reachable   []string
	Unreachable []string
	MinReplicas int
}

// Sufficient reports whether enough storages answered.
func (r Reachability) Sufficient() bool {
	return len(r.Reachable) >= r.MinReplicas
}

// CheckReachability pings every attached storage, persists the reachable
// flags and warns operators when fewer than the minimum replica count answer.
func (p *Pool) CheckReachability(ctx context.Context) (Reachability, error) {
	members, err := p.Attached(ctx)
	if err != nil {
		return Reachability{}, err
	}
	st, err := p.state.Get(ctx)
	if err != nil {
		return Reachability{}, err
	}
	reachable, unreachable := p.Probe(ctx, members)

	var group errs.Group
	for _, m := range reachable {
		group.Add(p.setReachable(ctx, m.Desc, true))
	}
	for _, m := range unreachable {
		group.Add(p.setReachable(ctx, m.Desc, false))
	}

	res := Reachability{Reachable: IDs(reachable), Unreachable: IDs(unreachable), MinReplicas: st.MinReplicas}
	p.metrics.SetReachable(len(reachable))
	if !res.Sufficient() {
		ev := notify.NewEvent(notify.KindInsufficientReplicas,
			fmt.Sprintf("%d of %d storages reachable, %d required", len(reachable), len(members), st.MinReplicas))
		ev.Details = map[string]string{"unreachable": fmt.Sprint(res.Unreachable)}
		p.notifier.Notify(ctx, ev)
	}
	p.logger.Debug().Strs("reachable", res.Reachable).Strs("unreachable", res.Unreachable).Msg("reachability checked")
	return res, group.Err()
}

func (p *Pool) setReachable(ctx context.Context, desc *registry.Storage, reachable bool) error {
	if desc.Reachable == reachable {
		return nil
	}
	if reachable {
		p.logger.Info().Str("storage", desc.ID).Msg("storage reachable")
	} else {
		p.logger.Warn().Str("storage", desc.ID).Msg("storage unreachable")
	}
	// Re-read so a concurrent descriptor update (e.g. synchronizing) is kept.
	cur, err := p.store.GetStorage(ctx, desc.ID)
	if err != nil {
		return err
	}
	cur.Reachable = reachable
	return p.store.PutStorage(ctx, cur)
}

// Start runs CheckReachability on the system state's interval until Stop.
func (p *Pool) Start(ctx context.Context) {
	p.ctx, p.cancel = context.WithCancel(ctx)
	p.wg.Add(1)
	go p.loop()
}

func (p *Pool) loop() {
	defer p.wg.Done()
	for {
		interval := registry.DefaultSystemState.ReachabilityInterval
		if st, err := p.state.Get(p.ctx); err == nil && st.ReachabilityInterval > 0 {
			interval = st.ReachabilityInterval
		}
		timer := time.NewTimer(interval)
		select {
		case <-p.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		if _, err := p.CheckReachability(p.ctx); err != nil && p.ctx.Err() == nil {
			p.logger.Warn().Err(err).Msg("reachability check failed")
		}
	}
}

// Stop ends the reachability loop.
func (p *Pool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

// Close closes every adapter.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var group errs.Group
	for id, a := range p.adapters {
		group.Add(a.Close())
		delete(p.adapters, id)
	}
	return group.Err()
}
