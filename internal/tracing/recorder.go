// Package tracing keeps a rolling runtime trace so a slow synchronization or
// repair can be inspected after the fact with `go tool trace`.
package tracing

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"runtime/trace"
	"sync"
	"time"
)

// DefaultBufferSize is the default size of the trace ring buffer (10MB).
const DefaultBufferSize = 10 * 1024 * 1024

// ErrNotEnabled is returned by Snapshot on a stopped recorder.
var ErrNotEnabled = errors.New("tracing not enabled")

// Recorder wraps the runtime flight recorder.
type Recorder struct {
	mu  sync.Mutex
	fr  *trace.FlightRecorder
	buf int
}

// NewRecorder returns a stopped recorder; bufferSize <= 0 uses DefaultBufferSize.
func NewRecorder(bufferSize int) *Recorder {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Recorder{buf: bufferSize}
}

// Start begins recording. Only one flight recorder may run per process.
func (r *Recorder) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fr != nil {
		return nil
	}
	fr := trace.NewFlightRecorder(trace.FlightRecorderConfig{
		MinAge:   30 * time.Second,
		MaxBytes: uint64(r.buf),
	})
	if err := fr.Start(); err != nil {
		return fmt.Errorf("start flight recorder: %w", err)
	}
	r.fr = fr
	return nil
}

// Enabled reports whether the recorder is running.
func (r *Recorder) Enabled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fr != nil
}

// Snapshot writes the buffered trace to w.
func (r *Recorder) Snapshot(w io.Writer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fr == nil {
		return ErrNotEnabled
	}
	_, err := r.fr.WriteTo(w)
	return err
}

// Stop ends recording. Safe to call more than once.
func (r *Recorder) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fr != nil {
		r.fr.Stop()
		r.fr = nil
	}
}

// Handler serves a snapshot as a download.
func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if !r.Enabled() {
			http.Error(w, ErrNotEnabled.Error(), http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Content-Disposition",
			fmt.Sprintf(`attachment; filename="arcstore-%s.trace"`, time.Now().UTC().Format("20060102T150405Z")))
		if err := r.Snapshot(w); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})
}
