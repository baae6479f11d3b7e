package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/atomic"
)

// WebhookConfig holds configuration for the webhook notifier.
type WebhookConfig struct {
	URL           string
	BatchSize     int           // max events per POST (default: 20)
	FlushInterval time.Duration // default: 5s
	Timeout       time.Duration // HTTP timeout (default: 10s)
	Logger        zerolog.Logger
}

// WebhookNotifier buffers events and POSTs them as JSON arrays, either when
// a batch fills up or every flush interval.
type WebhookNotifier struct {
	url    string
	client *http.Client
	logger zerolog.Logger

	mu        sync.Mutex
	buffer    []Event
	batchSize int

	ctx           context.Context
	cancel        context.CancelFunc
	wg            sync.WaitGroup
	flushInterval time.Duration

	flushing     atomic.Bool
	flushTrigger chan struct{} // holds at most one pending flush

	sent        atomic.Uint64
	flushErrors atomic.Uint64
}

// NewWebhookNotifier creates a webhook notifier. Call Start to begin flushing.
func NewWebhookNotifier(cfg WebhookConfig) *WebhookNotifier {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 20
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &WebhookNotifier{
		url:           cfg.URL,
		client:        &http.Client{Timeout: cfg.Timeout},
		logger:        cfg.Logger.With().Str("component", "notify").Str("sink", "webhook").Logger(),
		buffer:        make([]Event, 0, cfg.BatchSize),
		batchSize:     cfg.BatchSize,
		ctx:           ctx,
		cancel:        cancel,
		flushInterval: cfg.FlushInterval,
		flushTrigger:  make(chan struct{}, 1),
	}
}

// Notify buffers ev. It never blocks on the endpoint.
func (w *WebhookNotifier) Notify(_ context.Context, ev Event) {
	w.mu.Lock()
	w.buffer = append(w.buffer, ev)
	full := len(w.buffer) >= w.batchSize
	w.mu.Unlock()

	if full {
		select {
		case w.flushTrigger <- struct{}{}:
		default:
		}
	}
}

// Start begins the background flush goroutine.
func (w *WebhookNotifier) Start() {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(w.flushInterval)
		defer ticker.Stop()

		for {
			select {
			case <-w.ctx.Done():
				return
			case <-ticker.C:
				w.flush()
			case <-w.flushTrigger:
				w.flush()
			}
		}
	}()
}

// Stop shuts down the flusher and sends whatever is still buffered.
func (w *WebhookNotifier) Stop() {
	w.cancel()
	w.wg.Wait()
	w.flush()
}

// flush posts buffered events in batches. Only one flush runs at a time.
func (w *WebhookNotifier) flush() {
	if !w.flushing.CompareAndSwap(false, true) {
		return
	}
	defer w.flushing.Store(false)

	for {
		w.mu.Lock()
		if len(w.buffer) == 0 {
			w.mu.Unlock()
			return
		}
		n := min(len(w.buffer), w.batchSize)
		batch := make([]Event, n)
		copy(batch, w.buffer)
		w.buffer = append(w.buffer[:0], w.buffer[n:]...)
		w.mu.Unlock()

		if err := w.post(batch); err != nil {
			// Dropped; notifications are best effort.
			if w.flushErrors.Inc() <= 3 {
				w.logger.Warn().Err(err).Int("events", len(batch)).Msg("failed to deliver events")
			}
			continue
		}
		w.sent.Add(uint64(len(batch)))
	}
}

func (w *WebhookNotifier) post(batch []Event) error {
	data, err := json.Marshal(batch)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), w.client.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// Sent returns how many events were delivered.
func (w *WebhookNotifier) Sent() uint64 {
	return w.sent.Load()
}

// FlushErrors returns how many batches failed to deliver.
func (w *WebhookNotifier) FlushErrors() uint64 {
	return w.flushErrors.Load()
}
