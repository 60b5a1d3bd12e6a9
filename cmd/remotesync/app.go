package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/njoerd114/remotesync/internal/config"
	"github.com/njoerd114/remotesync/internal/homeassistant"
	"github.com/njoerd114/remotesync/internal/model"
	"github.com/njoerd114/remotesync/internal/remote"
	"github.com/njoerd114/remotesync/internal/remote/httpapi"
	"github.com/njoerd114/remotesync/internal/state"
	"github.com/njoerd114/remotesync/internal/state/postgres"
	syncp "github.com/njoerd114/remotesync/internal/sync"
)

// app holds everything built from a config file.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	dbPath string
	store  *state.Store
	pg     map[postgres.Mode]*postgres.Timestamps

	engine *syncp.Engine
	ha     *homeassistant.Adapter
	jobs   []syncp.Job
}

// newApp opens the stores, builds the fetchers and registers every collection.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...syncp.Option) (*app, error) {
	a := &app{cfg: cfg, logger: logger, pg: make(map[postgres.Mode]*postgres.Timestamps)}

	a.dbPath = cfg.DatabasePath
	if a.dbPath == "" {
		p, err := state.DefaultDBPath()
		if err != nil {
			return nil, fmt.Errorf("resolving state DB path: %w", err)
		}
		a.dbPath = p
	}
	store, err := state.Open(a.dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening state DB at %q: %w", a.dbPath, err)
	}
	a.store = store
	logger.Info("state DB opened", "path", a.dbPath)

	if err := a.register(ctx, opts); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *app) register(ctx context.Context, opts []syncp.Option) error {
	var (
		httpClient *httpapi.Client
		httpPager  *remote.Pager
		haPager    *remote.Pager
	)

	a.engine = syncp.NewEngine(a.logger, opts...)
	for _, col := range a.cfg.Collections {
		var fetcher syncp.RemoteFetcher
		switch col.Source {
		case config.SourceHomeAssistant:
			if a.ha == nil {
				ha, err := homeassistant.NewAdapter(a.cfg.HomeAssistant.URL, a.cfg.HomeAssistant.Token, a.logger)
				if err != nil {
					return fmt.Errorf("initialising Home Assistant client: %w", err)
				}
				a.ha = ha
				haPager = remote.NewPager(ha, a.logger)
			}
			a.ha.Register(col.Name, col.EntityID)
			fetcher = haPager
		default:
			if httpClient == nil {
				c, err := httpapi.NewClient(httpapi.Config{
					BaseURL: a.cfg.HTTP.BaseURL,
					Token:   a.cfg.HTTP.Token,
					Timeout: a.cfg.HTTP.Timeout,
				})
				if err != nil {
					return fmt.Errorf("initialising API client: %w", err)
				}
				httpClient = c
				httpPager = remote.NewPager(c, a.logger)
			}
			httpClient.Register(col.Name, httpapi.Endpoint{
				Path:       col.Path,
				RecordsKey: col.RecordsKey,
				IDField:    col.IDField,
				PerPage:    col.PerPage,
				ScopeParam: col.ScopeParam,
			})
			fetcher = httpPager
		}

		timestamps, err := a.timestamps(ctx, col)
		if err != nil {
			return err
		}

		c := syncp.Collection{
			Name:         col.Name,
			IDKey:        col.IDKey,
			WatermarkKey: col.SyncedAllAtKey,
			DataKey:      col.DataKey,
			OnlyUpdated:  col.OnlyUpdated,
			Remove:       col.RemoveEnabled(),
			Fields:       col.Fields,
			Include:      col.Include,
			Mapping:      syncp.Mapping{Fields: col.LocalAttributes},
			Fetcher:      fetcher,
			Store:        a.store,
			Timestamps:   timestamps,
		}
		if col.HasFloor() {
			c.InitialSyncSince = func(_ model.Scope, now time.Time) time.Time { return col.Floor(now) }
		}
		if err := a.engine.Register(c); err != nil {
			return fmt.Errorf("registering collection %q: %w", col.Name, err)
		}
		for _, s := range col.ParsedScopes() {
			a.jobs = append(a.jobs, syncp.Job{Collection: col.Name, Scope: s})
		}
	}
	return nil
}

// timestamps returns the watermark store for col.
func (a *app) timestamps(ctx context.Context, col config.Collection) (syncp.TimestampStore, error) {
	perScope := col.TimestampStrategy == config.TimestampsPerScope
	if a.cfg.WatermarkBackend != config.BackendPostgres {
		if perScope {
			return a.store.ScopedTimestamps(), nil
		}
		return a.store.GlobalTimestamps(), nil
	}

	mode := postgres.Global
	if perScope {
		mode = postgres.PerScope
	}
	if ts, ok := a.pg[mode]; ok {
		return ts, nil
	}
	ts, err := postgres.Open(ctx, a.cfg.PostgresURL, mode)
	if err != nil {
		return nil, fmt.Errorf("opening PostgreSQL watermark store: %w", err)
	}
	a.pg[mode] = ts
	return ts, nil
}

// ping checks every remote that offers a connectivity check.
func (a *app) ping(ctx context.Context) error {
	if a.ha == nil {
		return nil
	}
	a.logger.Info("pinging Home Assistant…", "url", a.cfg.HomeAssistant.URL)
	if err := a.ha.Ping(ctx); err != nil {
		return fmt.Errorf("connecting to Home Assistant at %q: %w\n\nCheck homeassistant.url and homeassistant.token in your config file", a.cfg.HomeAssistant.URL, err)
	}
	a.logger.Info("Home Assistant reachable")
	return nil
}

// findJob resolves --collection / --scope to a job.
func (a *app) findJob(collection, scope string) (syncp.Job, error) {
	s, err := model.ParseScope(scope)
	if err != nil {
		return syncp.Job{}, err
	}
	for _, name := range a.engine.Collections() {
		if name == collection {
			return syncp.Job{Collection: collection, Scope: s}, nil
		}
	}
	return syncp.Job{}, fmt.Errorf("%w: %q", syncp.ErrUnknownCollection, collection)
}

func (a *app) close() {
	// The Home Assistant WebSocket is closed by Adapter.Notify.
	for _, ts := range a.pg {
		ts.Close()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Error("closing state DB", "error", err)
		}
	}
}
