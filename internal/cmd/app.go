package cmd

import (
	"database/sql"
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"marketsync/internal/config"
	"marketsync/internal/coverage"
	"marketsync/internal/dispatch"
	"marketsync/internal/fetcher"
	"marketsync/internal/heartbeat"
	"marketsync/internal/metrics"
	"marketsync/internal/queue"
	"marketsync/internal/registry"
	"marketsync/internal/scheduler"
)

// app holds the wired components shared by every command.
type app struct {
	repo     queue.Repository
	registry *registry.Registry
	orch     *scheduler.Orchestrator
	gatherer *prometheus.Registry
	closers  []func() error
}

func newApp(cfg *config.Config) (*app, error) {
	a := &app{gatherer: prometheus.NewRegistry()}
	store, err := a.openStore(cfg.DB)
	if err != nil {
		a.Close()
		return nil, err
	}
	worker, err := a.openFetcher(cfg.Dispatch)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.gatherer.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(a.gatherer)

	a.registry = registry.New(a.repo, cfg.Slicing)
	a.orch = scheduler.NewOrchestrator(scheduler.Deps{
		Definitions: a.registry,
		Analyzer:    coverage.NewAnalyzer(store),
		Slicer:      scheduler.NewSliceScheduler(a.repo, cfg.Scheduler.MaxAttempts, m),
		Reclaimer:   scheduler.NewReclaimer(a.repo, cfg.Scheduler.StaleMaxAge, m),
		Retrier:     scheduler.NewRetrier(a.repo, cfg.Scheduler.RetryBatchLimit, m),
		Dispatcher: dispatch.New(a.repo, worker, dispatch.Config{
			MaxConcurrentJobs: cfg.Dispatch.MaxConcurrentJobs,
			MaxBatchSize:      cfg.Dispatch.MaxBatchSize,
			Timeout:           cfg.Dispatch.Timeout,
			RateLimit:         cfg.Dispatch.RateLimit,
			RateBurst:         cfg.Dispatch.RateBurst,
		}, m),
		Heartbeat: heartbeat.NewReporter(a.repo, cfg.Scheduler.Name),
		Metrics:   m,
	})
	return a, nil
}

// openStore opens the queue repository and the coverage store on the
// configured database.
func (a *app) openStore(c config.DBConfig) (coverage.Store, error) {
	switch c.Driver {
	case "postgres":
		db, err := queue.OpenPostgres(c.DSN)
		if err != nil {
			return nil, err
		}
		if sqlDB, err := db.DB(); err == nil {
			a.closers = append(a.closers, sqlDB.Close)
		}
		if err := queue.MigratePostgres(db); err != nil {
			return nil, err
		}
		if err := coverage.MigrateCoverage(db); err != nil {
			return nil, err
		}
		a.repo = queue.NewPostgresRepo(db)
		log.Debug().Msg("using postgres store")
		return coverage.NewGormStore(db), nil
	default:
		dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", c.Path)
		db, err := sql.Open("sqlite", dsn)
		if err != nil {
			return nil, errors.Wrap(err, "open sqlite")
		}
		a.closers = append(a.closers, db.Close)
		db.SetMaxOpenConns(1) // SQLite single writer
		if err := queue.EnsureSchema(db); err != nil {
			return nil, err
		}
		if err := coverage.EnsureCoverageSchema(db); err != nil {
			return nil, err
		}
		a.repo = queue.NewSQLiteRepo(db)
		log.Debug().Str("path", c.Path).Msg("using sqlite store")
		return coverage.NewSQLiteStore(db), nil
	}
}

func (a *app) openFetcher(c config.DispatchConfig) (dispatch.FetchWorker, error) {
	if c.Transport == "nats" {
		nc, err := fetcher.DialNATS(c.NATSURL, c.NATSSubject)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() error { nc.Close(); return nil })
		log.Debug().Str("url", c.NATSURL).Str("subject", c.NATSSubject).Msg("using nats fetch worker")
		return nc, nil
	}
	log.Debug().Str("url", c.WorkerURL).Msg("using http fetch worker")
	return fetcher.NewHTTPClient(c.WorkerURL, c.Timeout), nil
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			log.Warn().Err(err).Msg("close failed")
		}
	}
	a.closers = nil
}
