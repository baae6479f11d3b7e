package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogNotifierWritesWarn(t *testing.T) {
	var buf bytes.Buffer
	n := NewLogNotifier(zerolog.New(&buf))

	ev := NewEvent(KindSyncFailed, "sync halted")
	ev.Storage = "s3-eu"
	ev.Details = map[string]string{"phase": "COPYING_ARCHIVED_OBJECTS"}
	n.Notify(context.Background(), ev)

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "warn", line["level"])
	assert.Equal(t, "sync_failed", line["kind"])
	assert.Equal(t, "s3-eu", line["storage"])
	assert.Equal(t, "COPYING_ARCHIVED_OBJECTS", line["phase"])
	assert.Equal(t, "sync halted", line["message"])
}

func TestMultiFansOut(t *testing.T) {
	a, b := &Recorder{}, &Recorder{}
	Multi{a, b, Nop{}}.Notify(context.Background(), NewEvent(KindFixityCorrupted, "bad copy"))

	assert.Equal(t, 1, a.Count(KindFixityCorrupted))
	assert.Equal(t, 1, b.Count(KindFixityCorrupted))
	assert.Equal(t, 0, a.Count(KindSyncDone))
}

func TestNewEventStampsIDAndTime(t *testing.T) {
	a := NewEvent(KindSyncDone, "x")
	b := NewEvent(KindSyncDone, "x")
	assert.NotEqual(t, a.ID, b.ID)
	assert.False(t, a.Time.IsZero())
}

func TestNATSNotifierRequiresURL(t *testing.T) {
	_, err := NewNATSNotifier(NATSConfig{})
	assert.Error(t, err)
}

func TestNATSNotifierConnectionRefused(t *testing.T) {
	_, err := NewNATSNotifier(NATSConfig{URL: "nats://127.0.0.1:1", Timeout: time.Second})
	assert.Error(t, err)
}

func TestWebhookDefaults(t *testing.T) {
	w := NewWebhookNotifier(WebhookConfig{URL: "http://localhost"})
	assert.Equal(t, 20, w.batchSize)
	assert.Equal(t, 5*time.Second, w.flushInterval)
	assert.Equal(t, 10*time.Second, w.client.Timeout)
}

func TestWebhookFlushesWhenBatchFull(t *testing.T) {
	var (
		mu       sync.Mutex
		received []Event
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var batch []Event
		if err := json.NewDecoder(r.Body).Decode(&batch); err == nil {
			mu.Lock()
			received = append(received, batch...)
			mu.Unlock()
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	w := NewWebhookNotifier(WebhookConfig{URL: server.URL, BatchSize: 3, FlushInterval: time.Hour})
	w.Start()
	defer w.Stop()

	for i := 0; i < 3; i++ {
		w.Notify(context.Background(), NewEvent(KindArchivalFailure, "write failed"))
	}

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 3
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWebhookStopFlushesRemainder(t *testing.T) {
	var posts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&posts, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	w := NewWebhookNotifier(WebhookConfig{URL: server.URL, BatchSize: 100, FlushInterval: time.Hour})
	w.Start()
	w.Notify(context.Background(), NewEvent(KindSyncDone, "done"))
	w.Stop()

	assert.Equal(t, int32(1), atomic.LoadInt32(&posts))
	assert.Zero(t, w.FlushErrors())
}

func TestWebhookCountsServerErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	w := NewWebhookNotifier(WebhookConfig{URL: server.URL, Logger: zerolog.New(zerolog.NewTestWriter(t))})
	w.Notify(context.Background(), NewEvent(KindSyncFailed, "x"))
	w.flush()

	assert.Equal(t, uint64(1), w.FlushErrors())
	w.mu.Lock()
	assert.Empty(t, w.buffer, "failed batches are dropped")
	w.mu.Unlock()
}

func TestWebhookConnectionRefusedDoesNotPanic(t *testing.T) {
	w := NewWebhookNotifier(WebhookConfig{URL: "http://127.0.0.1:1", Timeout: time.Second})
	w.Notify(context.Background(), NewEvent(KindSyncFailed, "x"))
	assert.NotPanics(t, w.flush)
	assert.Equal(t, uint64(1), w.FlushErrors())
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs map[string][]byte
	err  error
}

func (p *fakePublisher) Publish(subject string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	if p.msgs == nil {
		p.msgs = make(map[string][]byte)
	}
	p.msgs[subject] = data
	return nil
}

func TestNATSNotifierPublishesPerKind(t *testing.T) {
	pub := &fakePublisher{}
	n := newNATSNotifier(pub, "", zerolog.Nop())

	ev := NewEvent(KindFixityCorrupted, "replica corrupted")
	ev.Storage = "b"
	ev.ObjectID = "doc-1"
	n.Notify(context.Background(), ev)

	data, ok := pub.msgs["arcstore.events.fixity_corrupted"]
	require.True(t, ok)
	var got Event
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, ev.ID, got.ID)
	assert.Equal(t, "doc-1", got.ObjectID)
	assert.NoError(t, n.Close())
}

func TestNATSNotifierSwallowsPublishErrors(t *testing.T) {
	var buf bytes.Buffer
	n := newNATSNotifier(&fakePublisher{err: assert.AnError}, "ops", zerolog.New(&buf))
	assert.NotPanics(t, func() { n.Notify(context.Background(), NewEvent(KindSyncDone, "done")) })
	assert.Contains(t, buf.String(), "failed to publish event")
	assert.Equal(t, "ops.sync_done", n.Subject(KindSyncDone))
}
