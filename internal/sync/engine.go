package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"

	"github.com/njoerd114/remotesync/internal/model"
	"github.com/njoerd114/remotesync/internal/remote"
)

const (
	otelScope     = "remotesync/sync"
	spanSync      = "sync.collection"
	metricCreated = "remotesync.sync.records.created"
	metricUpdated = "remotesync.sync.records.updated"
	metricDeleted = "remotesync.sync.records.deleted"
	metricErrors  = "remotesync.sync.errors"
)

// Collection declares one synchronized collection.
type Collection struct {
	Name string

	// IDKey is the local field holding the remote identifier. Defaults to
	// DefaultIDKey.
	IDKey string

	// WatermarkKey names the watermark attribute. A non-empty key selects the
	// incremental strategy unless OnlyUpdated says otherwise.
	WatermarkKey string

	// DataKey, when non-empty, keeps the serialized remote payload.
	DataKey string

	// OnlyUpdated explicitly selects (true) or disables (false) incremental
	// sync.
	OnlyUpdated *bool

	// Remove enables deletion of records the remote no longer has.
	Remove bool

	Fields  []string
	Include []string
	Mapping Mapping

	InitialSyncSince FloorFunc

	Fetcher    RemoteFetcher
	Store      LocalStore
	Timestamps TimestampStore
}

// Incremental reports whether the collection syncs incrementally.
func (c Collection) Incremental() bool {
	if c.OnlyUpdated != nil {
		return *c.OnlyUpdated
	}
	return c.WatermarkKey != ""
}

// Validate checks the declaration and returns a *ConfigurationError for the
// first problem found.
func (c Collection) Validate() error {
	switch {
	case c.Name == "":
		return &ConfigurationError{Key: "name", Reason: "must not be empty"}
	case c.Fetcher == nil:
		return &ConfigurationError{Key: "fetcher", Reason: fmt.Sprintf("collection %s has no remote fetcher", c.Name)}
	case c.Store == nil:
		return &ConfigurationError{Key: "store", Reason: fmt.Sprintf("collection %s has no local store", c.Name)}
	case c.Incremental() && c.Timestamps == nil:
		return &ConfigurationError{Key: "timestamps", Reason: fmt.Sprintf("incremental collection %s needs a timestamp store", c.Name)}
	}
	for localKey, remoteKey := range c.Mapping.Fields {
		if localKey == "" || remoteKey == "" {
			return &ConfigurationError{Key: "local_attributes", Reason: fmt.Sprintf("collection %s maps %q to %q", c.Name, localKey, remoteKey)}
		}
	}
	return nil
}

// Option configures an [Engine].
type Option func(*Engine)

// WithClock replaces time.Now as the source of new watermarks.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) { e.clock = clock }
}

// WithHooks adds instrumentation listeners.
func WithHooks(h ...Hooks) Option {
	return func(e *Engine) { e.hooks.hooks = append(e.hooks.hooks, h...) }
}

// Engine is the sync entry point. It is safe for concurrent use; callers must
// still serialize calls for the same (collection, scope), e.g. through a
// [Scheduler].
type Engine struct {
	mu          sync.RWMutex
	collections map[string]Collection

	hooks *notifier
	clock func() time.Time
	log   *slog.Logger

	// OTel instruments, always non-nil (no-op when telemetry is disabled).
	tracer     trace.Tracer
	cntCreated metric.Int64Counter
	cntUpdated metric.Int64Counter
	cntDeleted metric.Int64Counter
	cntErrors  metric.Int64Counter
}

// NewEngine creates an Engine with no collections.
func NewEngine(logger *slog.Logger, opts ...Option) *Engine {
	meter := otel.Meter(otelScope)

	mustCounter := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		if err != nil {
			logger.Error("creating OTel counter", "name", name, "error", err)
			return noop.Int64Counter{}
		}
		return c
	}

	e := &Engine{
		collections: make(map[string]Collection),
		hooks:       &notifier{log: logger},
		clock:       time.Now,
		log:         logger,

		tracer:     otel.Tracer(otelScope),
		cntCreated: mustCounter(metricCreated, "Number of local records created during sync"),
		cntUpdated: mustCounter(metricUpdated, "Number of local records updated during sync"),
		cntDeleted: mustCounter(metricDeleted, "Number of local records deleted during sync"),
		cntErrors:  mustCounter(metricErrors, "Number of failed sync passes"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Register validates c and adds it, replacing any collection of the same
// name.
func (e *Engine) Register(c Collection) error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.IDKey == "" {
		c.IDKey = DefaultIDKey
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.collections[c.Name] = c
	return nil
}

// Collections returns the registered collection names, sorted.
func (e *Engine) Collections() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	names := make([]string, 0, len(e.collections))
	for n := range e.collections {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// Strategy returns the strategy the named collection would run with.
func (e *Engine) Strategy(name string) (Strategy, error) {
	c, err := e.collection(name)
	if err != nil {
		return nil, err
	}
	return selectStrategy(c, e.hooks, e.clock, e.log), nil
}

func (e *Engine) collection(name string) (Collection, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	c, ok := e.collections[name]
	if !ok {
		return Collection{}, fmt.Errorf("%w: %q", ErrUnknownCollection, name)
	}
	return c, nil
}

// Synchronize runs one sync pass of the named collection for opts.Scope and
// returns the reconciled records. On failure the local store and watermark
// are left as they were, within the limits of the store's transactions.
func (e *Engine) Synchronize(ctx context.Context, name string, opts Options) (Result, error) {
	c, err := e.collection(name)
	if err != nil {
		return Result{}, err
	}

	run := Run{
		Scope:   opts.Scope,
		Remote:  opts.Remote,
		Remove:  c.Remove,
		Fields:  c.Fields,
		Include: c.Include,
	}
	if opts.Remove != nil {
		run.Remove = *opts.Remove
	}
	if opts.Fields != nil {
		run.Fields = opts.Fields
	}
	if opts.Include != nil {
		run.Include = opts.Include
	}

	strategy := selectStrategy(c, e.hooks, e.clock, e.log)
	runID := uuid.NewString()
	log := e.log.With(
		"run_id", runID,
		"collection", name,
		"scope", run.Scope.String(),
		"strategy", strategy.Name(),
	)

	ctx, span := e.tracer.Start(ctx, spanSync, trace.WithAttributes(
		attribute.String("sync.run_id", runID),
		attribute.String("sync.collection", name),
		attribute.String("sync.scope", run.Scope.String()),
		attribute.String("sync.strategy", strategy.Name()),
		attribute.Bool("sync.remove", run.Remove),
		attribute.Bool("sync.injected", run.Remote != nil),
	))
	defer span.End()

	log.Debug("sync started", "remove", run.Remove, "injected", run.Remote != nil)
	start := time.Now()

	res, err := strategy.Perform(ctx, run)
	if err != nil {
		e.cntErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("collection", name)))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Error("sync failed", "error", err, "kind", errorKind(err))
		return res, err
	}

	attrs := metric.WithAttributes(attribute.String("collection", name))
	// Counters are safe to record even when the span is a no-op.
	if res.Stats.Created > 0 {
		e.cntCreated.Add(ctx, int64(res.Stats.Created), attrs)
	}
	if res.Stats.Updated > 0 {
		e.cntUpdated.Add(ctx, int64(res.Stats.Updated), attrs)
	}
	if res.Stats.Deleted > 0 {
		e.cntDeleted.Add(ctx, int64(res.Stats.Deleted), attrs)
	}
	span.SetAttributes(
		attribute.Int("sync.fetched", res.Fetched),
		attribute.Int("sync.created", res.Stats.Created),
		attribute.Int("sync.updated", res.Stats.Updated),
		attribute.Int("sync.unchanged", res.Stats.Unchanged),
		attribute.Int("sync.deleted", res.Stats.Deleted),
	)

	log.Info("sync complete",
		"fetched", res.Fetched,
		"created", res.Stats.Created,
		"updated", res.Stats.Updated,
		"unchanged", res.Stats.Unchanged,
		"deleted", res.Stats.Deleted,
		"updated_since", formatTime(res.UpdatedSince),
		"watermark", formatTime(res.Watermark),
		"duration", time.Since(start).Round(time.Millisecond),
	)
	return res, nil
}

// Reset clears the watermark of the named collection for scope. Local records
// are not touched.
func (e *Engine) Reset(ctx context.Context, name string, scope model.Scope) error {
	strategy, err := e.Strategy(name)
	if err != nil {
		return err
	}
	if err := strategy.Reset(ctx, scope); err != nil {
		return err
	}
	e.log.Info("watermark reset", "collection", name, "scope", scope.String())
	return nil
}

// errorKind labels err for logs.
func errorKind(err error) string {
	var (
		missing *MissingDeletionMetadataError
		recon   *ReconciliationError
		cfg     *ConfigurationError
		te      *remote.TransportError
	)
	switch {
	case errors.As(err, &missing):
		return "missing_deletion_metadata"
	case errors.As(err, &recon):
		return "reconciliation"
	case errors.As(err, &cfg):
		return "configuration"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	case errors.As(err, &te):
		return "transport"
	default:
		return "store"
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "absent"
	}
	return t.UTC().Format(time.RFC3339)
}

func slogDiscard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}
