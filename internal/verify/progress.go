package verify

import (
	"context"
	"sync"
	"time"

	"go.uber.org/atomic"
)

// Progress counts a running batch. The batch updates it; a poller reads it.
type Progress struct {
	Total       atomic.Int64
	Done        atomic.Int64
	Consistent  atomic.Int64
	Corrupted   atomic.Int64
	Unreachable atomic.Int64
}

// Poll calls report with the done and total counters every interval until
// the returned stop is called or ctx is done. stop reports once more and
// waits for the poller to exit.
func Poll(ctx context.Context, interval time.Duration, p *Progress, report func(done, total int64)) (stop func()) {
	pctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-pctx.Done():
				return
			case <-ticker.C:
				report(p.Done.Load(), p.Total.Load())
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			wg.Wait()
			report(p.Done.Load(), p.Total.Load())
		})
	}
}
