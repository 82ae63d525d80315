package core

import (
	"context"
	"time"
)

// Logger is the structured logger used by the catalog. Key/value pairs follow
// the message.
type Logger interface {
	Debug(msg string, kv ...any)
	Info(msg string, kv ...any)
	Warn(msg string, kv ...any)
	Error(msg string, kv ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// MetricsRecorder observes the outcome and latency of catalog operations.
type MetricsRecorder interface {
	Observe(ctx context.Context, operation string, success bool, duration time.Duration)
}

type noopMetrics struct{}

func (noopMetrics) Observe(context.Context, string, bool, time.Duration) {}

// TraceSpan ends a traced operation.
type TraceSpan interface {
	End(err error)
}

// Tracer starts spans around catalog operations.
type Tracer interface {
	Start(ctx context.Context, operation string) (context.Context, TraceSpan)
}

type noopTracer struct{}

type noopSpan struct{}

func (noopSpan) End(error) {}

func (noopTracer) Start(ctx context.Context, _ string) (context.Context, TraceSpan) {
	return ctx, noopSpan{}
}

// AuditStatus is the outcome recorded for an audited operation.
type AuditStatus string

// Audit outcomes.
const (
	AuditStatusSuccess AuditStatus = "success"
	AuditStatusError   AuditStatus = "error"
)

// AuditEntry describes one catalog write for the audit trail.
type AuditEntry struct {
	Operation string
	Entity    string
	StudyUID  int64
	Viewer    string
	Status    AuditStatus
	Matched   int64
	Modified  int64
	Error     string
	Duration  time.Duration
	At        time.Time
}

// AuditRecorder receives audit entries.
type AuditRecorder interface {
	Record(ctx context.Context, entry AuditEntry)
}

type noopAudit struct{}

func (noopAudit) Record(context.Context, AuditEntry) {}

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

// Now implements Clock.
func (f ClockFunc) Now() time.Time { return f() }

// Defaults for iterator buffering and reference trimming.
const (
	DefaultBatchSize    = 100
	DefaultRefThreshold = 100
)

type catalogOptions struct {
	clock        Clock
	logger       Logger
	audit        AuditRecorder
	metrics      MetricsRecorder
	tracer       Tracer
	authorizer   Authorizer
	releases     ReleaseSource
	permissions  PermissionSource
	rules        []Rule
	batchSize    int
	refThreshold int
}

func defaultCatalogOptions() catalogOptions {
	return catalogOptions{
		clock:        ClockFunc(func() time.Time { return time.Now().UTC() }),
		logger:       noopLogger{},
		audit:        noopAudit{},
		metrics:      noopMetrics{},
		tracer:       noopTracer{},
		batchSize:    DefaultBatchSize,
		refThreshold: DefaultRefThreshold,
	}
}

// Option configures a Catalog.
type Option func(*catalogOptions)

// WithClock overrides the clock used for status and modification dates.
func WithClock(clock Clock) Option {
	return func(o *catalogOptions) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// WithLogger sets the catalog logger.
func WithLogger(logger Logger) Option {
	return func(o *catalogOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithAuditRecorder sets the audit trail sink.
func WithAuditRecorder(rec AuditRecorder) Option {
	return func(o *catalogOptions) {
		if rec != nil {
			o.audit = rec
		}
	}
}

// WithMetricsRecorder sets the metrics sink.
func WithMetricsRecorder(rec MetricsRecorder) Option {
	return func(o *catalogOptions) {
		if rec != nil {
			o.metrics = rec
		}
	}
}

// WithTracer sets the tracer.
func WithTracer(tracer Tracer) Option {
	return func(o *catalogOptions) {
		if tracer != nil {
			o.tracer = tracer
		}
	}
}

// WithAuthorizer installs the viewer predicate source.
func WithAuthorizer(a Authorizer) Option {
	return func(o *catalogOptions) { o.authorizer = a }
}

// WithReleaseSource overrides where the current study release is read from.
func WithReleaseSource(r ReleaseSource) Option {
	return func(o *catalogOptions) { o.releases = r }
}

// WithPermissionSource overrides where study permission documents come from.
func WithPermissionSource(p PermissionSource) Option {
	return func(o *catalogOptions) { o.permissions = p }
}

// WithRules appends entity validators to the built-in set.
func WithRules(rules ...Rule) Option {
	return func(o *catalogOptions) { o.rules = append(o.rules, rules...) }
}

// WithBatchSize sets how many documents iterators buffer per refill.
func WithBatchSize(n int) Option {
	return func(o *catalogOptions) {
		if n > 0 {
			o.batchSize = n
		}
	}
}

// WithRefThreshold sets the reference count above which iterators return
// trimmed references instead of joined documents.
func WithRefThreshold(n int) Option {
	return func(o *catalogOptions) {
		if n > 0 {
			o.refThreshold = n
		}
	}
}
