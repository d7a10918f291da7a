package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-co-op/gocron/v2"
	prom "github.com/prometheus/client_golang/prometheus"

	"git.home.luguber.info/inful/bundler/internal/buildfs"
	"git.home.luguber.info/inful/bundler/internal/cache"
	"git.home.luguber.info/inful/bundler/internal/compiler"
	"git.home.luguber.info/inful/bundler/internal/config"
	"git.home.luguber.info/inful/bundler/internal/events"
	"git.home.luguber.info/inful/bundler/internal/logfields"
	"git.home.luguber.info/inful/bundler/internal/metrics"
)

// engine bundles the compiler with the optional services the CLI starts
// around it.
type engine struct {
	compiler *compiler.Compiler
	options  *config.Options
	emitter  events.Emitter
	sqlite   *cache.SQLiteBackend
}

func newEngine() (*engine, error) {
	opts, err := config.Load(CLI.Config)
	if err != nil {
		return nil, err
	}
	if CLI.Build.RecordsPath != "" {
		opts.Records.InputPath = CLI.Build.RecordsPath
		opts.Records.OutputPath = CLI.Build.RecordsPath
	}

	recorder, err := setupMetrics(opts)
	if err != nil {
		return nil, err
	}

	buildCache, sqlite, err := setupCache(opts, recorder)
	if err != nil {
		return nil, err
	}

	inputFS := buildfs.NewOSInputFileSystem()
	c, err := compiler.New(opts, compiler.Deps{
		InputFS:  inputFS,
		WatchFS:  buildfs.NewNotifyWatchFileSystem(inputFS),
		Cache:    buildCache,
		Recorder: recorder,
	})
	if err != nil {
		return nil, err
	}

	e := &engine{compiler: c, options: opts, emitter: events.NoopEmitter{}, sqlite: sqlite}
	if opts.Events.Enabled {
		emitter, err := events.NewNATSEmitter(opts.Events, slog.Default())
		if err != nil {
			return nil, fmt.Errorf("connect event emitter: %w", err)
		}
		e.emitter = emitter
	}
	e.tapLifecycleEvents()
	return e, nil
}

// tapLifecycleEvents publishes build start and completion events. Publish
// failures are logged, never propagated into the build.
func (e *engine) tapLifecycleEvents() {
	hooks := e.compiler.Hooks
	hooks.BeforeRun.Tap("events", func(*compiler.Compiler) error {
		e.publish(&events.BuildEvent{Type: events.TypeBuildStarted})
		return nil
	})
	hooks.WatchRun.Tap("events", func(*compiler.Compiler) error {
		e.publish(&events.BuildEvent{Type: events.TypeBuildStarted})
		return nil
	})
	hooks.Invalid.Tap("events", func(info *compiler.InvalidInfo) {
		e.publish(&events.BuildEvent{Type: events.TypeInvalidated, TriggerFile: info.FileName})
	})
	hooks.Done.Tap("events", func(stats *compiler.Stats) error {
		ev := &events.BuildEvent{
			Type:         events.TypeBuildFinished,
			DurationMS:   stats.EndTime.Sub(stats.StartTime).Milliseconds(),
			ErrorCount:   len(stats.Compilation.Errors()),
			WarningCount: len(stats.Compilation.Warnings()),
		}
		for name := range stats.Compilation.Assets() {
			ev.Assets = append(ev.Assets, name)
		}
		if stats.HasErrors() {
			ev.Type = events.TypeBuildFailed
		}
		e.publish(ev)
		return nil
	})
	hooks.Failed.Tap("events", func(err error) {
		e.publish(&events.BuildEvent{Type: events.TypeBuildFailed, ErrorCount: 1})
	})
}

func (e *engine) publish(ev *events.BuildEvent) {
	if err := e.emitter.Publish(ev); err != nil {
		slog.Warn("Failed to publish build event", "type", ev.Type, "error", err)
	}
}

func (e *engine) close() {
	done := make(chan struct{})
	e.compiler.Close(func(err error) {
		if err != nil {
			slog.Warn("Compiler shutdown failed", "error", err)
		}
		close(done)
	})
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		slog.Warn("Compiler shutdown timed out")
	}
	if err := e.emitter.Close(); err != nil {
		slog.Warn("Event emitter shutdown failed", "error", err)
	}
}

// setupMetrics returns the recorder and, when enabled, starts the
// Prometheus endpoint.
func setupMetrics(opts *config.Options) (metrics.Recorder, error) {
	if !opts.Metrics.Enabled {
		return metrics.NoopRecorder{}, nil
	}
	reg := prom.NewRegistry()
	recorder := metrics.NewPrometheusRecorder(reg)
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.HTTPHandler(reg))
	go func() {
		slog.Info("Serving metrics", "listen", opts.Metrics.Listen)
		if err := http.ListenAndServe(opts.Metrics.Listen, mux); err != nil {
			slog.Error("Metrics endpoint failed", "error", err)
		}
	}()
	return recorder, nil
}

// setupCache builds the backend stack named by cache.type. The SQLite
// backend is returned separately so cache subcommands can reach it.
func setupCache(opts *config.Options, recorder metrics.Recorder) (*cache.Cache, *cache.SQLiteBackend, error) {
	c := cache.New()
	var sqlite *cache.SQLiteBackend

	if opts.Cache.Type == "memory" || opts.Cache.Type == "both" {
		mem, err := cache.NewMemoryBackend(opts.Cache.MaxEntries, recorder)
		if err != nil {
			return nil, nil, fmt.Errorf("create memory cache: %w", err)
		}
		mem.Attach(c)
	}
	if opts.Cache.Type == "sqlite" || opts.Cache.Type == "both" {
		backend, err := cache.NewSQLiteBackend(opts.Cache.Path, nil, recorder)
		if err != nil {
			return nil, nil, fmt.Errorf("open cache database %s: %w", opts.Cache.Path, err)
		}
		backend.Attach(c)
		sqlite = backend
	}
	return c, sqlite, nil
}

func runBuild() error {
	e, err := newEngine()
	if err != nil {
		return err
	}
	defer e.close()

	result := make(chan error, 1)
	e.compiler.Run(func(err error, stats *compiler.Stats) {
		if err != nil {
			result <- err
			return
		}
		reportStats(stats)
		if stats.HasErrors() {
			result <- fmt.Errorf("build finished with %d error(s)", len(stats.Compilation.Errors()))
			return
		}
		result <- nil
	})
	return <-result
}

func runWatch() error {
	e, err := newEngine()
	if err != nil {
		return err
	}
	defer e.close()

	watching, err := e.compiler.Watch(func(err error, stats *compiler.Stats) {
		if err != nil {
			slog.Error("Build failed", "error", err)
			return
		}
		reportStats(stats)
	})
	if err != nil {
		return err
	}

	scheduler, err := setupSchedule(e.options, watching)
	if err != nil {
		return err
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	slog.Info("Shutting down", "signal", s.String())

	if scheduler != nil {
		if err := scheduler.Shutdown(); err != nil {
			slog.Warn("Scheduler shutdown failed", "error", err)
		}
	}
	closed := make(chan struct{})
	watching.Close(func(error) { close(closed) })
	select {
	case <-closed:
	case <-time.After(10 * time.Second):
		slog.Warn("Watcher shutdown timed out")
	}
	return nil
}

// setupSchedule arms the optional periodic full rebuild.
func setupSchedule(opts *config.Options, watching *compiler.Watching) (gocron.Scheduler, error) {
	if opts.Schedule.FullRebuildCron == "" {
		return nil, nil
	}
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}
	_, err = scheduler.NewJob(
		gocron.CronJob(opts.Schedule.FullRebuildCron, false),
		gocron.NewTask(func() {
			slog.Info("Scheduled full rebuild")
			watching.Invalidate(nil)
		}),
		gocron.WithName("full-rebuild"),
	)
	if err != nil {
		return nil, fmt.Errorf("schedule full rebuild: %w", err)
	}
	scheduler.Start()
	slog.Info("Scheduled periodic full rebuilds", "cron", opts.Schedule.FullRebuildCron)
	return scheduler, nil
}

func reportStats(stats *compiler.Stats) {
	comp := stats.Compilation
	for _, err := range comp.Warnings() {
		slog.Warn("Build warning", logfields.Error(err))
	}
	for _, err := range comp.Errors() {
		slog.Error("Build error", logfields.Error(err))
	}
	slog.Info("Build finished",
		logfields.DurationMS(float64(stats.EndTime.Sub(stats.StartTime).Milliseconds())),
		logfields.Modules(len(comp.Modules())),
		logfields.Assets(len(comp.Assets())),
		logfields.Errors(len(comp.Errors())),
		logfields.Warnings(len(comp.Warnings())))
}
