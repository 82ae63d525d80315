package observability

import (
	"catalogcore/internal/core"
	"context"
)

// LogAuditRecorder writes audit entries as structured log lines.
type LogAuditRecorder struct {
	log core.Logger
}

// NewLogAuditRecorder returns an audit sink over log.
func NewLogAuditRecorder(log core.Logger) *LogAuditRecorder {
	return &LogAuditRecorder{log: log}
}

// Record implements core.AuditRecorder.
func (r *LogAuditRecorder) Record(_ context.Context, e core.AuditEntry) {
	kv := []any{
		"op", e.Operation,
		"entity", e.Entity,
		"study", e.StudyUID,
		"viewer", e.Viewer,
		"status", string(e.Status),
		"matched", e.Matched,
		"modified", e.Modified,
		"duration_ms", e.Duration.Milliseconds(),
	}
	if e.Error != "" {
		kv = append(kv, "error", e.Error)
		r.log.Warn("audit", kv...)
		return
	}
	r.log.Info("audit", kv...)
}
