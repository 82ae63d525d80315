package observability

import (
	"catalogcore/internal/core"
	"context"
	"time"
)

// MultiRecorder fans one observation out to several recorders.
type MultiRecorder []core.MetricsRecorder

// Observe implements core.MetricsRecorder.
func (m MultiRecorder) Observe(ctx context.Context, operation string, success bool, duration time.Duration) {
	for _, r := range m {
		if r != nil {
			r.Observe(ctx, operation, success, duration)
		}
	}
}
