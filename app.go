package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/rs/zerolog"

	alarmapp "scada-core/internal/alarms/application"
	alarms "scada-core/internal/alarms/domain"
	alarmrepo "scada-core/internal/alarms/infrastructure/postgres"
	"scada-core/internal/cache"
	"scada-core/internal/cluster"
	"scada-core/internal/config"
	"scada-core/internal/configuration"
	"scada-core/internal/logging"
	supapp "scada-core/internal/supervision/application"
	supervision "scada-core/internal/supervision/domain"
	suprepo "scada-core/internal/supervision/infrastructure/postgres"
	tagapp "scada-core/internal/tags/application"
	tags "scada-core/internal/tags/domain"
	tagrepo "scada-core/internal/tags/infrastructure/postgres"
)

// app holds the caches and services shared by every command.
type app struct {
	cfg    *config.Config
	db     *sql.DB
	logger zerolog.Logger
	spool  *cache.BadgerSpool

	entities *supapp.EntityCache
	timers   *supapp.TimerCache
	data     *tagapp.DataTagCache
	control  *tagapp.DataTagCache
	rules    *tagapp.RuleTagCache
	alarms   *alarmapp.AlarmCache

	stateMachine *supapp.StateMachine
	tagService   *tagapp.TagService
	resolver     *tagapp.DependencyResolver
	alarmService *alarmapp.Service
	oscillation  *alarmapp.OscillationSettings
	applier      *configuration.Applier
}

func openDB(ctx context.Context, cfg *config.Config) (*sql.DB, error) {
	db, err := sql.Open("pgx", cfg.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("db open: %w", err)
	}
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("db ping: %w", err)
	}
	return db, nil
}

func buildApp(ctx context.Context, cfg *config.Config) (*app, error) {
	logger := logging.With("main")
	db, err := openDB(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, db: db, logger: logger}
	if err := a.buildCaches(); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.buildServices(); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func newCache[V cache.Entity[V]](a *app, name string, store interface {
	cache.Loader[V]
	cache.Persister[V]
}, derive cache.DeriveFunc[V]) (*cache.Cache[V], error) {
	breaker := cache.BreakerSettings{
		FailureThreshold: a.cfg.Cache.Breaker.FailureThreshold,
		MaxRequests:      a.cfg.Cache.Breaker.MaxRequests,
		Interval:         a.cfg.Cache.Breaker.Interval,
		Timeout:          a.cfg.Cache.Breaker.Timeout,
	}
	c := cache.Config[V]{
		Name:        name,
		Loader:      store,
		Persister:   store,
		Derive:      derive,
		Breaker:     &breaker,
		LockTimeout: a.cfg.Cache.LockTimeout,
		Logger:      &a.logger,
	}
	if a.spool != nil {
		c.Mode = cache.PersistQueued
		c.Spool = a.spool
	}
	return cache.New(c)
}

func (a *app) buildCaches() error {
	var err error
	if a.cfg.Cache.PersistMode == "queued" {
		if a.spool, err = cache.OpenBadgerSpool(a.cfg.Cache.SpoolDir); err != nil {
			return fmt.Errorf("open spool: %w", err)
		}
	}
	if a.entities, err = newCache[*supervision.Supervised](a, "supervised", suprepo.NewSupervisedRepository(a.db), supapp.StatusEvents); err != nil {
		return err
	}
	if a.timers, err = newCache[*supervision.AliveTimer](a, "alive_timers", suprepo.NewAliveTimerRepository(a.db), nil); err != nil {
		return err
	}
	if a.data, err = newCache[*tags.DataTag](a, "data_tags", tagrepo.NewDataTagRepository(a.db), nil); err != nil {
		return err
	}
	if a.control, err = newCache[*tags.DataTag](a, "control_tags", tagrepo.NewControlTagRepository(a.db), nil); err != nil {
		return err
	}
	if a.rules, err = newCache[*tags.RuleTag](a, "rule_tags", tagrepo.NewRuleTagRepository(a.db), nil); err != nil {
		return err
	}
	if a.alarms, err = newCache[*alarms.Alarm](a, "alarms", alarmrepo.NewAlarmRepository(a.db), nil); err != nil {
		return err
	}
	return nil
}

func (a *app) buildServices() error {
	cfg := a.cfg
	pik, err := supapp.NewPIKGenerator(cfg.Supervision.PIKMin, cfg.Supervision.PIKMax)
	if err != nil {
		return err
	}
	a.stateMachine, err = supapp.NewStateMachine(a.entities, a.timers,
		supapp.WithPIKGenerator(pik),
		supapp.WithTestMode(cfg.Supervision.TestMode),
		supapp.WithLogger(logging.With("supervision")),
	)
	if err != nil {
		return err
	}

	if a.tagService, err = tagapp.NewTagService(a.data, a.control, a.rules); err != nil {
		return err
	}
	if a.resolver, err = tagapp.NewDependencyResolver(a.data, a.control, a.rules); err != nil {
		return err
	}

	osc := cfg.Alarms.Oscillation
	a.oscillation = alarmapp.NewOscillationSettings(alarms.OscillationParams{
		Numbers:   osc.Numbers,
		TimeRange: osc.TimeRange,
		QuietTime: osc.QuietTime,
	})
	a.alarmService, err = alarmapp.NewService(a.alarms, alarmapp.NewOscillationUpdater(a.oscillation),
		alarmapp.WithLogger(logging.With("alarms")))
	if err != nil {
		return err
	}
	return a.buildApplier()
}

// buildApplier (re)creates the configuration applier. serve rebuilds it once
// the acquisition client exists so committed changes reach the processes.
func (a *app) buildApplier(opts ...configuration.Option) error {
	supFacade, err := supapp.NewConfigFacade(a.stateMachine)
	if err != nil {
		return err
	}
	tagFacade, err := tagapp.NewConfigFacade(a.tagService, a.resolver)
	if err != nil {
		return err
	}
	alarmFacade, err := alarmapp.NewConfigFacade(a.alarmService)
	if err != nil {
		return err
	}
	opts = append([]configuration.Option{configuration.WithLogger(logging.With("configuration"))}, opts...)
	a.applier, err = configuration.NewApplier(supFacade, tagFacade, alarmFacade, opts...)
	return err
}

func (a *app) counted() []cache.Counted {
	return []cache.Counted{a.entities, a.timers, a.data, a.control, a.rules, a.alarms}
}

func (a *app) retriers() []cache.Retrier {
	return []cache.Retrier{a.entities, a.timers, a.data, a.control, a.rules, a.alarms}
}

// load fills every cache from the store and rebuilds the derived indexes.
func (a *app) load(ctx context.Context) error {
	loaders := []struct {
		name string
		load func(context.Context) (int, error)
	}{
		{"supervised", a.entities.LoadFromStore},
		{"alive_timers", a.timers.LoadFromStore},
		{"control_tags", a.control.LoadFromStore},
		{"data_tags", a.data.LoadFromStore},
		{"rule_tags", a.rules.LoadFromStore},
		{"alarms", a.alarms.LoadFromStore},
	}
	for _, l := range loaders {
		n, err := l.load(ctx)
		if err != nil {
			return fmt.Errorf("load %s: %w", l.name, err)
		}
		a.logger.Info().Str("cache", l.name).Int("entries", n).Msg("cache loaded")
	}
	if err := a.alarmService.IndexAll(ctx); err != nil {
		return fmt.Errorf("index alarms: %w", err)
	}
	a.stateMachine.AdoptStoredPIKs(ctx)
	return nil
}

// resolveRules runs the startup rule resolution under the cluster lock.
func (a *app) resolveRules(ctx context.Context) error {
	startup, err := tagapp.NewStartupResolver(a.resolver,
		tagapp.WithBatchSize(a.cfg.Tags.Resolver.BatchSize),
		tagapp.WithPoolSize(a.cfg.Tags.Resolver.PoolSize),
		tagapp.WithMaxWait(a.cfg.Tags.Resolver.MaxWait),
		tagapp.WithCluster(cluster.NewPostgresLock(a.db), cluster.NewPostgresFlags(a.db)),
	)
	if err != nil {
		return err
	}
	report, err := startup.Run(ctx)
	if err != nil {
		return fmt.Errorf("resolve rules: %w", err)
	}
	a.logger.Info().
		Bool("skipped", report.Skipped).
		Bool("abandoned", report.Abandoned).
		Int("resolved", report.Resolved).
		Int("failed", report.Failed).
		Msg("startup rule resolution finished")
	return nil
}

func (a *app) Close() {
	var errs []error
	if a.spool != nil {
		errs = append(errs, a.spool.Close())
	}
	if a.db != nil {
		errs = append(errs, a.db.Close())
	}
	if err := errors.Join(errs...); err != nil {
		a.logger.Warn().Err(err).Msg("close resources")
	}
}
