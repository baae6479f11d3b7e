package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetricsRecords(t *testing.T) {
	m := newMetrics(prometheus.NewRegistry())

	m.RecordOperation("create", "ok", 0.25)
	m.RecordOperation("create", "ok", 0.5)
	m.RecordOperation("create", "error", 0.1)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.OperationsTotal.WithLabelValues("create", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.OperationsTotal.WithLabelValues("create", "error")))

	m.RecordWrite("a", 100)
	m.RecordWrite("a", 50)
	assert.Equal(t, 150.0, testutil.ToFloat64(m.BytesWritten.WithLabelValues("a")))

	m.SetSyncProgress("new", 3, 10)
	assert.Equal(t, 3.0, testutil.ToFloat64(m.SyncProgress.WithLabelValues("new", "done")))
	assert.Equal(t, 10.0, testutil.ToFloat64(m.SyncProgress.WithLabelValues("new", "total")))

	m.SetReadOnly(true)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ReadOnly))
	m.SetReadOnly(false)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.ReadOnly))

	m.UpdateCapacity("a", 1000, 600, 400)
	assert.Equal(t, 400.0, testutil.ToFloat64(m.StorageCapacity.WithLabelValues("a", "free")))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordOperation("create", "ok", 1)
		m.RecordWrite("a", 1)
		m.RecordFixity("consistent")
		m.RecordRepair("ok")
		m.SetSyncPhase("a", 1)
		m.SetSyncProgress("a", 1, 2)
		m.SetReadOnly(true)
		m.SetReachable(2)
		m.UpdateCapacity("a", 1, 1, 0)
	})
}

func TestHandler(t *testing.T) {
	m := Init(nil)
	require.NotNil(t, m)
	assert.Same(t, m, Init(prometheus.NewRegistry()), "Init registers once")
	m.SetReachable(2)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	Handler().ServeHTTP(w, req)

	resp := w.Result()
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), "arcstore_storages_reachable 2"))
	assert.True(t, strings.Contains(string(body), "go_goroutines"))
}
