package storage

import (
	"io"
	"sync"
	"time"
)

// DefaultCloseDelay is how long a remote handle waits after its last byte
// before closing, so the backend's completion acknowledgement is not severed.
const DefaultCloseDelay = 500 * time.Millisecond

type delayedReadCloser struct {
	io.ReadCloser
	delay time.Duration
	once  sync.Once
	err   error
}

// WithCloseDelay wraps rc so Close waits delay before closing it. The wait is
// fixed and not cancellable. Repeated Close calls return the first result.
func WithCloseDelay(rc io.ReadCloser, delay time.Duration) io.ReadCloser {
	if delay <= 0 {
		return rc
	}
	return &delayedReadCloser{ReadCloser: rc, delay: delay}
}

func (d *delayedReadCloser) Close() error {
	d.once.Do(func() {
		time.Sleep(d.delay)
		d.err = d.ReadCloser.Close()
	})
	return d.err
}

// CloseAfter waits delay and then closes c.
func CloseAfter(c io.Closer, delay time.Duration) error {
	if delay > 0 {
		time.Sleep(delay)
	}
	return c.Close()
}
