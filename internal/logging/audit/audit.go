// Package audit writes the operator-facing trail of object operations and
// storage onboarding as structured log events.
package audit

import (
	"github.com/rs/zerolog"
)

// Result values.
const (
	ResultOK       = "ok"
	ResultFailed   = "failed"
	ResultRejected = "rejected"
)

// Logger provides structured audit logging for archival events.
// All audit events are logged with structured fields for easy filtering and analysis.
type Logger struct {
	logger zerolog.Logger
}

// NewLogger creates a new audit logger from a zerolog.Logger.
func NewLogger(logger zerolog.Logger) *Logger {
	return &Logger{logger: logger}
}

// Nop returns a logger that discards every event.
func Nop() *Logger {
	return &Logger{logger: zerolog.Nop()}
}

func level(result string) zerolog.Level {
	if result == ResultOK {
		return zerolog.InfoLevel
	}
	return zerolog.WarnLevel
}

// LogObjectOp logs an accepted object operation.
// operation: coordinator operation (e.g., "create", "update", "delete", "remove", "renew", "rollback", "retry")
// objectID: the object the operation targets
// tenant: owning data space
// result: ResultOK, ResultFailed or ResultRejected
// storages: storages the operation was applied to
// details: additional context (e.g., error message)
func (l *Logger) LogObjectOp(operation, objectID, tenant, result string, storages []string, details string) {
	event := l.logger.WithLevel(level(result)).
		Str("event_type", "object_op").
		Str("operation", operation).
		Str("object_id", objectID).
		Str("tenant", tenant).
		Str("result", result)

	if len(storages) > 0 {
		event = event.Strs("storages", storages)
	}
	if details != "" {
		event = event.Str("details", details)
	}

	event.Msg("Object operation")
}

// LogSyncPhase logs an onboarding phase transition or halt.
// storage: the storage being onboarded
// phase: the phase entered, or the phase that failed
// result: ResultOK when the phase was entered, ResultFailed when it halted
// details: additional context (e.g., exception text)
func (l *Logger) LogSyncPhase(storage, phase, result string, done, total int64, details string) {
	event := l.logger.WithLevel(level(result)).
		Str("event_type", "sync_phase").
		Str("storage", storage).
		Str("phase", phase).
		Str("result", result).
		Int64("done", done).
		Int64("total", total)

	if details != "" {
		event = event.Str("details", details)
	}

	event.Msg("Sync phase")
}

// LogReadOnly logs a flip of the system-wide read-only switch.
func (l *Logger) LogReadOnly(on bool, storage string) {
	l.logger.Warn().
		Str("event_type", "read_only").
		Bool("read_only", on).
		Str("storage", storage).
		Msg("Read-only switch")
}

// LogFixity logs a fixity finding that needs attention.
// result: "corrupted" or "unreachable"
func (l *Logger) LogFixity(objectID, storage, result, details string) {
	event := l.logger.Warn().
		Str("event_type", "fixity").
		Str("object_id", objectID).
		Str("storage", storage).
		Str("result", result)

	if details != "" {
		event = event.Str("details", details)
	}

	event.Msg("Fixity finding")
}
