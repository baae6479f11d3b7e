package audit

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decode(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()
	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	return entry
}

func TestLogObjectOp(t *testing.T) {
	tests := []struct {
		name      string
		result    string
		storages  []string
		details   string
		wantLevel string
	}{
		{name: "success", result: ResultOK, storages: []string{"a", "b"}, wantLevel: "info"},
		{name: "failure", result: ResultFailed, storages: []string{"a"}, details: "b: checksum mismatch", wantLevel: "warn"},
		{name: "rejected", result: ResultRejected, details: "read-only", wantLevel: "warn"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			NewLogger(zerolog.New(&buf)).LogObjectOp("create", "doc-1", "acme", tt.result, tt.storages, tt.details)

			entry := decode(t, &buf)
			assert.Equal(t, "object_op", entry["event_type"])
			assert.Equal(t, "create", entry["operation"])
			assert.Equal(t, "doc-1", entry["object_id"])
			assert.Equal(t, "acme", entry["tenant"])
			assert.Equal(t, tt.result, entry["result"])
			assert.Equal(t, tt.wantLevel, entry["level"])

			if tt.details == "" {
				assert.NotContains(t, entry, "details")
			} else {
				assert.Equal(t, tt.details, entry["details"])
			}
			if len(tt.storages) == 0 {
				assert.NotContains(t, entry, "storages")
			} else {
				assert.Len(t, entry["storages"], len(tt.storages))
			}
		})
	}
}

func TestLogSyncPhase(t *testing.T) {
	var buf bytes.Buffer
	NewLogger(zerolog.New(&buf)).LogSyncPhase("s3", "POST_SYNC_CHECK", ResultFailed, 4, 10, "doc-9 corrupted")

	entry := decode(t, &buf)
	assert.Equal(t, "sync_phase", entry["event_type"])
	assert.Equal(t, "s3", entry["storage"])
	assert.Equal(t, "POST_SYNC_CHECK", entry["phase"])
	assert.Equal(t, "warn", entry["level"])
	assert.EqualValues(t, 4, entry["done"])
	assert.EqualValues(t, 10, entry["total"])
	assert.Equal(t, "doc-9 corrupted", entry["details"])
}

func TestLogReadOnlyAndFixity(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(zerolog.New(&buf))

	l.LogReadOnly(true, "s3")
	entry := decode(t, &buf)
	assert.Equal(t, "read_only", entry["event_type"])
	assert.Equal(t, true, entry["read_only"])

	buf.Reset()
	l.LogFixity("doc-1", "a", "corrupted", "")
	entry = decode(t, &buf)
	assert.Equal(t, "fixity", entry["event_type"])
	assert.Equal(t, "corrupted", entry["result"])
	assert.NotContains(t, entry, "details")
}

func TestNopDiscards(t *testing.T) {
	assert.NotPanics(t, func() {
		Nop().LogObjectOp("create", "x", "t", ResultOK, nil, "")
	})
}
