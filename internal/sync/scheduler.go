package sync

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/njoerd114/remotesync/internal/model"
)

// Job is one (collection, scope) pair the scheduler keeps in sync.
type Job struct {
	Collection string
	Scope      model.Scope
}

func (j Job) key() string { return j.Collection + "\x00" + j.Scope.Key() }

// Synchronizer runs one sync pass. Implemented by [*Engine].
type Synchronizer interface {
	Synchronize(ctx context.Context, name string, opts Options) (Result, error)
}

// ChangeNotifier pushes change events for collections, e.g. from a
// WebSocket. Notify blocks until ctx is cancelled and calls trigger with the
// name of every collection that changed. Implemented by
// [homeassistant.Adapter].
type ChangeNotifier interface {
	Notify(ctx context.Context, trigger func(collection string)) error
}

// Scheduler is the host loop: it syncs every job on a fixed interval and
// whenever a notifier reports a change. Runs for the same job never overlap.
type Scheduler struct {
	engine    Synchronizer
	jobs      []Job
	interval  time.Duration
	notifiers []ChangeNotifier
	log       *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewScheduler creates a Scheduler for jobs.
func NewScheduler(engine Synchronizer, jobs []Job, interval time.Duration, logger *slog.Logger, notifiers ...ChangeNotifier) *Scheduler {
	return &Scheduler{
		engine:    engine,
		jobs:      jobs,
		interval:  interval,
		notifiers: notifiers,
		log:       logger,
		locks:     make(map[string]*sync.Mutex),
	}
}

func (s *Scheduler) lock(j Job) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[j.key()]
	if !ok {
		l = &sync.Mutex{}
		s.locks[j.key()] = l
	}
	return l
}

// SyncJob runs one pass for j while holding the job's lock.
func (s *Scheduler) SyncJob(ctx context.Context, j Job, opts Options) (Result, error) {
	l := s.lock(j)
	l.Lock()
	defer l.Unlock()

	opts.Scope = j.Scope
	return s.engine.Synchronize(ctx, j.Collection, opts)
}

// RunOnce syncs every job once, in order, and returns the number of failed
// jobs. A failing job does not stop the others.
func (s *Scheduler) RunOnce(ctx context.Context) int {
	failed := 0
	for _, j := range s.jobs {
		if ctx.Err() != nil {
			return failed + 1
		}
		if _, err := s.SyncJob(ctx, j, Options{}); err != nil {
			failed++
		}
	}
	return failed
}

// runCollection syncs every job of collection.
func (s *Scheduler) runCollection(ctx context.Context, collection string) {
	for _, j := range s.jobs {
		if j.Collection != collection {
			continue
		}
		if _, err := s.SyncJob(ctx, j, Options{}); err != nil && ctx.Err() == nil {
			s.log.Error("triggered sync failed", "collection", collection, "scope", j.Scope.String(), "error", err)
		}
	}
}

// Run starts the polling loop and the notifiers. It blocks until ctx is
// cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	for _, n := range s.notifiers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := n.Notify(ctx, func(collection string) {
				s.log.Info("change event triggered sync", "collection", collection)
				s.runCollection(ctx, collection)
			})
			if err != nil && ctx.Err() == nil {
				s.log.Error("change notifier stopped, falling back to polling-only", "error", err)
			}
		}()
	}

	// Polling loop.
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Run an immediate first pass.
	if n := s.RunOnce(ctx); n > 0 {
		s.log.Warn("initial sync pass had failures", "failed_jobs", n)
	}

	for {
		select {
		case <-ctx.Done():
			s.log.Info("scheduler shutting down")
			return ctx.Err()
		case <-ticker.C:
			if n := s.RunOnce(ctx); n > 0 {
				s.log.Warn("sync pass had failures", "failed_jobs", n)
			}
		}
	}
}
