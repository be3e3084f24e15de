// Package app wires every ingestd component into a runnable process: the
// watcher, assembler, queue store, scheduler, product registry and
// control plane, plus the ambient logging/config/tracing stack. New wires
// every component in one sequence; App's New/Start/Close lifecycle follows
// the teacher's internal/app/app.go.
package app

import (
	"context"
	"fmt"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/dsa110/contimg-ingestd/internal/assembler"
	"github.com/dsa110/contimg-ingestd/internal/config"
	"github.com/dsa110/contimg-ingestd/internal/control"
	"github.com/dsa110/contimg-ingestd/internal/corelog"
	"github.com/dsa110/contimg-ingestd/internal/domain"
	"github.com/dsa110/contimg-ingestd/internal/eventhub"
	"github.com/dsa110/contimg-ingestd/internal/execrunner"
	"github.com/dsa110/contimg-ingestd/internal/observability"
	"github.com/dsa110/contimg-ingestd/internal/queuestore"
	"github.com/dsa110/contimg-ingestd/internal/registry"
	"github.com/dsa110/contimg-ingestd/internal/scheduler"
	"github.com/dsa110/contimg-ingestd/internal/watcher"
)

// App owns every long-lived component and the goroutines wiring them
// together.
type App struct {
	Log       *corelog.Logger
	Loader    *config.Loader
	QueueDB   *gorm.DB
	RegDB     *gorm.DB
	Hub       *eventhub.Hub
	Watcher   *watcher.Watcher
	Assembler *assembler.Assembler
	Store     queuestore.Store
	Sched     *scheduler.Scheduler
	Registry  registry.Registry
	Server    *control.Server

	configPath   string
	otelShutdown func(context.Context) error
	cancel       context.CancelFunc
}

// New loads config at configPath and wires every component. It does not
// start any background goroutines; call Start for that.
func New(configPath string) (*App, error) {
	cfg0, err := config.NewLoader(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	cfg := cfg0.Current()

	log, err := corelog.New(cfg.LogMode)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	otelShutdown, err := observability.Init(context.Background(), log, observability.Config{
		ServiceName:  "ingestd",
		OTLPEndpoint: cfg.OTLPEndpoint,
	})
	if err != nil {
		log.Warn("otel init failed, continuing without tracing", "error", err)
		otelShutdown = func(context.Context) error { return nil }
	}

	queueDB, err := openSQLite(cfg.QueueDBPath)
	if err != nil {
		return nil, fmt.Errorf("open queue db: %w", err)
	}
	if err := queueDB.AutoMigrate(&domain.Group{}, &domain.SubbandFile{}, &domain.PointingSample{}); err != nil {
		return nil, fmt.Errorf("migrate queue db: %w", err)
	}

	regDB, err := openSQLite(cfg.RegistryDBPath)
	if err != nil {
		return nil, fmt.Errorf("open registry db: %w", err)
	}
	if err := regDB.AutoMigrate(&domain.ProductInstance{}); err != nil {
		return nil, fmt.Errorf("migrate registry db: %w", err)
	}

	var mirror eventhub.Mirror
	if cfg.EnableRedis {
		mirror, err = eventhub.NewRedisMirror(log, cfg.RedisAddr, "ingestd:events")
		if err != nil {
			log.Warn("redis mirror init failed, continuing without it", "error", err)
			mirror = nil
		}
	}
	hub := eventhub.New(log, mirror)

	w := watcher.New(log, cfg.InputDir, cfg.RecursiveWatch)
	store := queuestore.New(queueDB, log)
	asm := assembler.New(log, store, hub, cfg.ExpectedSubbands, cfg.MinSubbands, cfg.CompletenessTimeout())

	router, err := execrunner.NewRouter(cfg.StageCommand)
	if err != nil {
		return nil, fmt.Errorf("build stage router: %w", err)
	}

	policy := registry.DefaultPolicy(cfg.PublishedDir)
	reg := registry.New(regDB, log, hub, policy, cfg.MaxPublishAttempts)

	sched := scheduler.New(log, store, hub, router, scheduler.Config{
		NWorkers:        cfg.NWorkers,
		MaxGroupRetries: cfg.MaxGroupRetries,
		MaxBackoff:      cfg.MaxBackoff(),
		BaseBackoff:     2 * time.Second,
		MSLockTimeout:   cfg.MSLockTimeout(),
		StaleLockAge:    cfg.StaleLockAge(),
		ClaimReaperAge:  cfg.ClaimReaperAge(),
		StageTimeout: func(stage domain.ProcessingStage) time.Duration {
			return cfg.StageTimeout(string(stage))
		},
	})

	srv := control.New(log, cfg0, store, reg, hub, sched, asm, sched.Metrics())

	a := &App{
		Log:          log,
		Loader:       cfg0,
		QueueDB:      queueDB,
		RegDB:        regDB,
		Hub:          hub,
		Watcher:      w,
		Assembler:    asm,
		Store:        store,
		Sched:        sched,
		Registry:     reg,
		Server:       srv,
		configPath:   configPath,
		otelShutdown: otelShutdown,
	}
	return a, nil
}

func openSQLite(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}
	// WAL journaling persists in the database file once set.
	if err := db.Exec("PRAGMA journal_mode=WAL").Error; err != nil {
		return nil, err
	}
	return db, nil
}

// forwardWatcherStatus relays watcher health reports to the control plane's
// GET /status response until ctx is canceled.
func (a *App) forwardWatcherStatus(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case st, ok := <-a.Watcher.StatusUpdates():
			if !ok {
				return
			}
			a.Server.SetWatcherStatus(st)
		}
	}
}

// Start launches every background goroutine: the watcher, the assembler,
// and the scheduler's worker pool and reaper.
func (a *App) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	if err := a.Watcher.Start(ctx); err != nil {
		cancel()
		return fmt.Errorf("start watcher: %w", err)
	}
	go a.Assembler.Run(ctx, a.Watcher.Events())
	go a.forwardWatcherStatus(ctx)
	a.Sched.Start(ctx)

	if a.configPath != "" {
		a.Loader.WatchAndReload(func(cfg config.Config) {
			a.Log.Info("config reloaded from file")
		})
	}
	return nil
}

// Run blocks serving the control plane's HTTP surface on addr.
func (a *App) Run(addr string) error {
	if a == nil || a.Server == nil {
		return fmt.Errorf("app not initialized")
	}
	return a.Server.Engine().Run(addr)
}

// Close stops background work and releases resources.
func (a *App) Close() {
	if a == nil {
		return
	}
	if a.cancel != nil {
		a.cancel()
	}
	a.Watcher.Stop()
	a.Sched.Stop(5 * time.Second)
	if a.otelShutdown != nil {
		_ = a.otelShutdown(context.Background())
	}
	if a.QueueDB != nil {
		if sqlDB, err := a.QueueDB.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
	if a.RegDB != nil {
		if sqlDB, err := a.RegDB.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
	a.Log.Sync()
}
