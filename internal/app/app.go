// Package app assembles a catalog process from configuration.
package app

import (
	"catalogcore/internal/config"
	"catalogcore/internal/core"
	"catalogcore/internal/export"
	"catalogcore/internal/infra/blob"
	blobfs "catalogcore/internal/infra/blob/fs"
	blobmem "catalogcore/internal/infra/blob/memory"
	blobs3 "catalogcore/internal/infra/blob/s3"
	"catalogcore/internal/infra/events"
	"catalogcore/internal/infra/observability"
	"catalogcore/internal/infra/persistence/memory"
	"catalogcore/internal/infra/persistence/mongo"
	"catalogcore/internal/infra/persistence/postgres"
	"catalogcore/internal/infra/persistence/sqlite"
	"catalogcore/pkg/domain"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// OpenStore opens the document store selected by cfg.
func OpenStore(ctx context.Context, cfg config.Storage) (domain.DocumentStore, error) {
	if cfg.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(cfg.TimeoutSeconds)*time.Second)
		defer cancel()
	}
	switch cfg.Driver {
	case config.StorageMemory:
		return memory.NewStore(), nil
	case config.StorageMongo:
		return mongo.Open(ctx, cfg.MongoURI, cfg.MongoDatabase)
	case config.StorageSQLite, "":
		return sqlite.NewStore(ctx, cfg.SQLitePath)
	case config.StoragePostgres:
		return postgres.NewStore(ctx, cfg.PostgresDSN)
	}
	return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
}

// OpenBlob opens the export target selected by cfg.
func OpenBlob(ctx context.Context, cfg config.Blob) (blob.Store, error) {
	switch blob.Driver(cfg.Driver) {
	case blob.DriverMemory:
		return blobmem.New(), nil
	case blob.DriverFilesystem, "":
		return blobfs.New(cfg.FSRoot)
	case blob.DriverS3:
		return blobs3.New(ctx, blobs3.Config{
			Region:    cfg.S3.Region,
			Bucket:    cfg.S3.Bucket,
			Prefix:    cfg.S3.Prefix,
			Endpoint:  cfg.S3.Endpoint,
			PathStyle: cfg.S3.PathStyle,
		})
	}
	return nil, fmt.Errorf("unknown blob driver %q", cfg.Driver)
}

// App owns the long-lived resources of a process.
type App struct {
	Config   config.Config
	Logger   *observability.Logger
	Store    domain.DocumentStore
	Catalog  *core.Catalog
	Metrics  *observability.ExpvarRecorder
	Registry *prometheus.Registry

	blob          blob.Store
	stopTracing   func(context.Context) error
	subscriber    *events.Subscriber
	ownsLogger    bool
	storeOpenedBy string
}

// Option customises New.
type Option func(*App)

// WithLogger injects a logger instead of building one from the config.
func WithLogger(l *observability.Logger) Option {
	return func(a *App) { a.Logger = l }
}

// WithStore injects a document store instead of opening one.
func WithStore(s domain.DocumentStore) Option {
	return func(a *App) { a.Store = s }
}

// WithBlob injects an export target instead of opening one.
func WithBlob(b blob.Store) Option {
	return func(a *App) { a.blob = b }
}

// New wires logging, tracing, metrics, storage and the catalog.
func New(ctx context.Context, cfg config.Config, opts ...Option) (*App, error) {
	a := &App{Config: cfg, Registry: prometheus.NewRegistry()}
	for _, opt := range opts {
		opt(a)
	}
	if a.Logger == nil {
		l, err := observability.NewLogger(cfg.Log.Mode)
		if err != nil {
			return nil, err
		}
		a.Logger, a.ownsLogger = l, true
	}

	stop, err := observability.InitTracing(ctx, cfg.Tracing.ServiceName, cfg.Tracing.Enabled, a.Logger)
	if err != nil {
		return nil, err
	}
	a.stopTracing = stop

	prom, err := observability.NewPrometheusRecorder(a.Registry)
	if err != nil {
		return nil, errors.Join(err, a.Close(ctx))
	}
	a.Metrics = observability.NewExpvarRecorder("")

	if a.Store == nil {
		store, err := OpenStore(ctx, cfg.Storage)
		if err != nil {
			return nil, errors.Join(fmt.Errorf("open %s store: %w", cfg.Storage.Driver, err), a.Close(ctx))
		}
		a.Store, a.storeOpenedBy = store, cfg.Storage.Driver
	}

	a.Catalog = core.New(a.Store,
		core.WithLogger(a.Logger),
		core.WithMetricsRecorder(observability.MultiRecorder{prom, a.Metrics}),
		core.WithTracer(observability.NewTracer(nil)),
		core.WithAuditRecorder(observability.NewLogAuditRecorder(a.Logger.With("component", "audit"))),
		core.WithBatchSize(cfg.Catalog.BatchSize),
		core.WithRefThreshold(cfg.Catalog.RefThreshold),
	)
	a.Logger.Info("catalog ready", "storage", cfg.Storage.Driver, "batch", cfg.Catalog.BatchSize, "ref_threshold", cfg.Catalog.RefThreshold)
	return a, nil
}

// Blob returns the export target, opening it on first use.
func (a *App) Blob(ctx context.Context) (blob.Store, error) {
	if a.blob != nil {
		return a.blob, nil
	}
	b, err := OpenBlob(ctx, a.Config.Blob)
	if err != nil {
		return nil, err
	}
	a.blob = b
	return b, nil
}

// Exporter returns an exporter writing to the configured blob store.
func (a *App) Exporter(ctx context.Context) (*export.Exporter, error) {
	b, err := a.Blob(ctx)
	if err != nil {
		return nil, err
	}
	return export.New(a.Catalog, b, a.Logger.With("component", "export")), nil
}

// Subscribe connects to NATS and applies release events until Close.
func (a *App) Subscribe(ctx context.Context) (*events.Subscriber, error) {
	sub := events.NewSubscriber(a.Catalog, a.Logger.With("component", "events"), events.Options{
		URL:     a.Config.NATS.URL,
		Subject: a.Config.NATS.Subject,
		Queue:   a.Config.NATS.Queue,
		Name:    a.Config.Tracing.ServiceName,
	})
	if err := sub.Connect(); err != nil {
		return nil, err
	}
	if err := sub.Start(ctx); err != nil {
		return nil, errors.Join(err, sub.Close())
	}
	a.subscriber = sub
	return sub, nil
}

// Close releases every resource in reverse order of acquisition.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.subscriber != nil {
		errs = append(errs, a.subscriber.Close())
		a.subscriber = nil
	}
	if a.Store != nil && a.storeOpenedBy != "" {
		errs = append(errs, a.Store.Close(ctx))
		a.storeOpenedBy = ""
	}
	if a.stopTracing != nil {
		errs = append(errs, a.stopTracing(ctx))
		a.stopTracing = nil
	}
	if a.ownsLogger && a.Logger != nil {
		a.Logger.Sync()
	}
	return errors.Join(errs...)
}
