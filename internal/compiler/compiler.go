// Package compiler hosts the build lifecycle: Run for one-shot builds,
// Watch for the incremental rebuild loop, asset emission and the records
// that keep module ids stable across processes.
package compiler

import (
	"log/slog"
	"strconv"
	"sync"
	"time"

	"git.home.luguber.info/inful/bundler/internal/berrors"
	"git.home.luguber.info/inful/bundler/internal/buildfs"
	"git.home.luguber.info/inful/bundler/internal/cache"
	"git.home.luguber.info/inful/bundler/internal/codegen"
	"git.home.luguber.info/inful/bundler/internal/compilation"
	"git.home.luguber.info/inful/bundler/internal/config"
	"git.home.luguber.info/inful/bundler/internal/factory"
	"git.home.luguber.info/inful/bundler/internal/hooks"
	"git.home.luguber.info/inful/bundler/internal/loaders"
	"git.home.luguber.info/inful/bundler/internal/metrics"
	"git.home.luguber.info/inful/bundler/internal/resolver"
	"git.home.luguber.info/inful/bundler/internal/rules"
)

// Stats summarizes one finished build.
type Stats struct {
	Compilation *compilation.Compilation
	StartTime   time.Time
	EndTime     time.Time
}

// HasErrors reports whether the build produced error diagnostics.
func (s *Stats) HasErrors() bool {
	return s.Compilation != nil && len(s.Compilation.Errors()) > 0
}

// AssetEmittedInfo describes one asset written to the output file system.
type AssetEmittedInfo struct {
	Name       string
	TargetPath string
	Content    []byte
}

// InvalidInfo names the change that invalidated a watching compiler.
type InvalidInfo struct {
	FileName   string
	ChangeTime time.Time
}

// CompilerHooks is the compiler-level plugin surface. Child compilers copy
// all taps except the ones tied to the parent's own pipeline.
type CompilerHooks struct {
	Initialize *hooks.SyncHook[*Compiler]

	BeforeRun *hooks.AsyncSeriesHook[*Compiler]
	Run       *hooks.AsyncSeriesHook[*Compiler]
	WatchRun  *hooks.AsyncSeriesHook[*Compiler]

	BeforeCompile   *hooks.AsyncSeriesHook[*compilation.Params]
	Compile         *hooks.SyncHook[*compilation.Params]
	ThisCompilation *hooks.SyncHook[*compilation.Compilation]
	Compilation     *hooks.SyncHook[*compilation.Compilation]
	Make            *hooks.AsyncParallelHook[*compilation.Compilation]
	FinishMake      *hooks.AsyncSeriesHook[*compilation.Compilation]
	AfterCompile    *hooks.AsyncSeriesHook[*compilation.Compilation]

	ShouldEmit   *hooks.SyncBailHook[*compilation.Compilation, bool]
	Emit         *hooks.AsyncSeriesHook[*compilation.Compilation]
	AssetEmitted *hooks.AsyncSeriesHook[*AssetEmittedInfo]
	AfterEmit    *hooks.AsyncSeriesHook[*compilation.Compilation]

	NeedAdditionalPass *hooks.SyncBailHook[*Compiler, bool]
	AdditionalPass     *hooks.AsyncSeriesHook[*Compiler]
	Done               *hooks.AsyncSeriesHook[*Stats]
	AfterDone          *hooks.SyncHook[*Stats]
	Failed             *hooks.SyncHook[error]
	Invalid            *hooks.SyncHook[*InvalidInfo]
	WatchClose         *hooks.SyncHook[*Compiler]
	Shutdown           *hooks.AsyncSeriesHook[*Compiler]
}

func newCompilerHooks() *CompilerHooks {
	return &CompilerHooks{
		Initialize:         hooks.NewSync[*Compiler]("initialize"),
		BeforeRun:          hooks.NewAsyncSeries[*Compiler]("beforeRun"),
		Run:                hooks.NewAsyncSeries[*Compiler]("run"),
		WatchRun:           hooks.NewAsyncSeries[*Compiler]("watchRun"),
		BeforeCompile:      hooks.NewAsyncSeries[*compilation.Params]("beforeCompile"),
		Compile:            hooks.NewSync[*compilation.Params]("compile"),
		ThisCompilation:    hooks.NewSync[*compilation.Compilation]("thisCompilation"),
		Compilation:        hooks.NewSync[*compilation.Compilation]("compilation"),
		Make:               hooks.NewAsyncParallel[*compilation.Compilation]("make"),
		FinishMake:         hooks.NewAsyncSeries[*compilation.Compilation]("finishMake"),
		AfterCompile:       hooks.NewAsyncSeries[*compilation.Compilation]("afterCompile"),
		ShouldEmit:         hooks.NewSyncBail[*compilation.Compilation, bool]("shouldEmit"),
		Emit:               hooks.NewAsyncSeries[*compilation.Compilation]("emit"),
		AssetEmitted:       hooks.NewAsyncSeries[*AssetEmittedInfo]("assetEmitted"),
		AfterEmit:          hooks.NewAsyncSeries[*compilation.Compilation]("afterEmit"),
		NeedAdditionalPass: hooks.NewSyncBail[*Compiler, bool]("needAdditionalPass"),
		AdditionalPass:     hooks.NewAsyncSeries[*Compiler]("additionalPass"),
		Done:               hooks.NewAsyncSeries[*Stats]("done"),
		AfterDone:          hooks.NewSync[*Stats]("afterDone"),
		Failed:             hooks.NewSync[error]("failed"),
		Invalid:            hooks.NewSync[*InvalidInfo]("invalid"),
		WatchClose:         hooks.NewSync[*Compiler]("watchClose"),
		Shutdown:           hooks.NewAsyncSeries[*Compiler]("shutdown"),
	}
}

// Compiler owns the long-lived build state and drives compilations.
type Compiler struct {
	Hooks *CompilerHooks

	Name    string
	Options *config.Options

	InputFS        buildfs.InputFileSystem
	OutputFS       buildfs.OutputFileSystem
	IntermediateFS buildfs.IntermediateFileSystem
	WatchFS        buildfs.WatchFileSystem

	Cache           *cache.Cache
	ResolverFactory *resolver.Factory
	Runner          *loaders.Runner
	Recorder        metrics.Recorder

	logger    *slog.Logger
	ruleSet   *rules.RuleSet
	templates *codegen.DependencyTemplates
	records   *compilation.Records

	// compilerPath namespaces cache entries; children extend it.
	compilerPath string
	root         *Compiler
	childCount   int

	running     bool
	watchMode   bool
	idle        bool
	recordsRead bool

	// Incremental state fed by the watcher.
	fileTimestamps map[string]time.Time
	modifiedFiles  map[string]struct{}
	removedFiles   map[string]struct{}

	// Per-target emit state, see emit.go.
	emitMu       sync.Mutex
	writtenFiles map[string]codegen.Source
}

// Deps are the injectable pieces of a Compiler. Zero fields get defaults.
type Deps struct {
	InputFS        buildfs.InputFileSystem
	OutputFS       buildfs.OutputFileSystem
	IntermediateFS buildfs.IntermediateFileSystem
	WatchFS        buildfs.WatchFileSystem
	Cache          *cache.Cache
	Recorder       metrics.Recorder
	Logger         *slog.Logger
}

// New wires a compiler from options. The rule set is compiled eagerly so
// invalid rules fail construction instead of the first build.
func New(options *config.Options, deps Deps) (*Compiler, error) {
	ruleSet, err := rules.Compile(options.Module.Rules)
	if err != nil {
		return nil, berrors.Wrap(err, berrors.CategoryConfig, "compile module rules")
	}

	if deps.InputFS == nil {
		deps.InputFS = buildfs.NewOSInputFileSystem()
	}
	if deps.OutputFS == nil {
		deps.OutputFS = buildfs.NewOSOutputFileSystem()
	}
	if deps.IntermediateFS == nil {
		deps.IntermediateFS = buildfs.NewOSOutputFileSystem()
	}
	if deps.Cache == nil {
		deps.Cache = cache.New()
	}
	if deps.Recorder == nil {
		deps.Recorder = metrics.NoopRecorder{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	templates := codegen.NewDependencyTemplates()
	compilation.RegisterDefaultTemplates(templates)

	c := &Compiler{
		Hooks:           newCompilerHooks(),
		Options:         options,
		InputFS:         deps.InputFS,
		OutputFS:        deps.OutputFS,
		IntermediateFS:  deps.IntermediateFS,
		WatchFS:         deps.WatchFS,
		Cache:           deps.Cache,
		ResolverFactory: resolver.NewFactory(deps.InputFS),
		Runner:          loaders.NewRunner(deps.InputFS),
		Recorder:        deps.Recorder,
		logger:          deps.Logger.With("component", "compiler"),
		ruleSet:         ruleSet,
		templates:       templates,
		records:         compilation.NewRecords(),
		writtenFiles:    make(map[string]codegen.Source),
	}
	c.root = c

	// Entry plugin: every configured entry joins the graph during make.
	c.Hooks.Make.TapAsync("EntryPlugin", func(comp *compilation.Compilation, cb hooks.Callback) {
		names := sortedKeys(options.Entry)
		pending := hooks.NeedCalls(len(names), cb)
		for _, name := range names {
			dep := codegen.NewEntryDependency(name, options.Entry[name])
			comp.AddEntry(options.Context, dep, pending)
		}
	})

	c.Hooks.Initialize.Call(c)
	return c, nil
}

// Logger returns the compiler's namespaced logger.
func (c *Compiler) Logger() *slog.Logger { return c.logger }

// Records exposes the live records for inspection.
func (c *Compiler) Records() *compilation.Records { return c.records }

// Run performs one full build. A compiler supports a single concurrent
// build; a second Run or Watch while one is active fails immediately.
func (c *Compiler) Run(callback func(err error, stats *Stats)) {
	if c.running {
		callback(&berrors.ConcurrentCompilationError{}, nil)
		return
	}
	c.running = true

	startTime := time.Now()
	c.leaveIdle(startTime, callback, func(fail func(error)) {
		c.Hooks.BeforeRun.CallAsync(c, func(err error) {
			if err != nil {
				fail(err)
				return
			}
			c.Hooks.Run.CallAsync(c, func(err error) {
				if err != nil {
					fail(err)
					return
				}
				c.buildCycle(startTime, callback, fail)
			})
		})
	})
}

// leaveIdle wakes the cache if needed, then hands control to run with a
// fail closure that reports and unwinds consistently.
func (c *Compiler) leaveIdle(startTime time.Time, callback func(err error, stats *Stats), run func(fail func(error))) {
	// A failed run still reaches afterDone and the idle transition, so
	// persistent cache backends get their idle window either way.
	fail := func(err error) {
		c.running = false
		c.Hooks.Failed.Call(err)
		c.Recorder.IncBuildOutcome("failed")
		callback(err, nil)
		c.idle = true
		c.Cache.BeginIdle()
		c.Hooks.AfterDone.Call(nil)
	}
	if c.idle {
		c.Cache.EndIdle(func(err error) {
			if err != nil {
				fail(err)
				return
			}
			c.idle = false
			run(fail)
		})
		return
	}
	run(fail)
}

// buildCycle reads records, compiles, emits and finishes with the done
// sequence: done hook, build-dependency storage, cache idling, afterDone.
func (c *Compiler) buildCycle(startTime time.Time, callback func(err error, stats *Stats), fail func(error)) {
	finalCallback := func(stats *Stats) {
		c.running = false
		c.Recorder.ObserveBuildDuration(time.Since(startTime))
		if stats.HasErrors() {
			c.Recorder.IncBuildOutcome("failed")
		} else {
			c.Recorder.IncBuildOutcome("success")
		}
		c.Hooks.Done.CallAsync(stats, func(err error) {
			if err != nil {
				c.Hooks.Failed.Call(err)
				callback(err, nil)
				c.idle = true
				c.Cache.BeginIdle()
				c.Hooks.AfterDone.Call(nil)
				return
			}
			callback(nil, stats)
			c.Cache.StoreBuildDependencies(sortedSet(stats.Compilation.FileDependencies()), func(err error) {
				if err != nil {
					c.logger.Warn("storing build dependencies failed", "error", err)
				}
			})
			c.idle = true
			c.Cache.BeginIdle()
			c.Hooks.AfterDone.Call(stats)
		})
	}

	if err := c.ReadRecords(); err != nil {
		fail(err)
		return
	}
	c.buildAndEmit(startTime, fail, finalCallback)
}

// buildAndEmit compiles, optionally emits and loops while a pass asks for
// another one.
func (c *Compiler) buildAndEmit(startTime time.Time, fail func(error), finalCallback func(*Stats)) {
	c.Compile(func(err error, comp *compilation.Compilation) {
		if err != nil {
			fail(err)
			return
		}

		onEmitted := func() {
			if need, ok := c.Hooks.NeedAdditionalPass.Call(c); ok && need {
				// Each pass completes its own done sequence before the
				// additional pass starts.
				stats := &Stats{Compilation: comp, StartTime: startTime, EndTime: time.Now()}
				c.Hooks.Done.CallAsync(stats, func(err error) {
					if err != nil {
						fail(err)
						return
					}
					c.Hooks.AdditionalPass.CallAsync(c, func(err error) {
						if err != nil {
							fail(err)
							return
						}
						c.buildAndEmit(startTime, fail, finalCallback)
					})
				})
				return
			}
			if err := c.EmitRecords(); err != nil {
				fail(err)
				return
			}
			finalCallback(&Stats{Compilation: comp, StartTime: startTime, EndTime: time.Now()})
		}

		if should, ok := c.Hooks.ShouldEmit.Call(comp); (ok && !should) || (!ok && len(comp.Errors()) > 0) {
			// Failed builds keep the previous output on disk.
			onEmitted()
			return
		}
		c.EmitAssets(comp, func(err error) {
			if err != nil {
				fail(err)
				return
			}
			onEmitted()
		})
	})
}

// Compile runs one compilation pass over the current graph state.
func (c *Compiler) Compile(callback func(err error, comp *compilation.Compilation)) {
	params := c.newCompilationParams()
	c.Hooks.BeforeCompile.CallAsync(params, func(err error) {
		if err != nil {
			callback(err, nil)
			return
		}
		c.Hooks.Compile.Call(params)

		comp := compilation.New(*params)
		c.Hooks.ThisCompilation.Call(comp)
		c.Hooks.Compilation.Call(comp)

		c.Hooks.Make.CallAsync(comp, func(err error) {
			if err != nil {
				callback(err, comp)
				return
			}
			c.Hooks.FinishMake.CallAsync(comp, func(err error) {
				if err != nil {
					callback(err, comp)
					return
				}
				comp.Finish(func(err error) {
					if err != nil {
						callback(err, comp)
						return
					}
					comp.Seal(func(err error) {
						if err != nil {
							callback(err, comp)
							return
						}
						c.Hooks.AfterCompile.CallAsync(comp, func(err error) {
							callback(err, comp)
						})
					})
				})
			})
		})
	})
}

func (c *Compiler) newCompilationParams() *compilation.Params {
	return &compilation.Params{
		Factory: factory.New(factory.Config{
			ResolverFactory:      c.ResolverFactory,
			Runner:               c.Runner,
			RuleSet:              c.ruleSet,
			ResolveOptions:       c.Options.Resolve,
			LoaderResolveOptions: c.Options.ResolveLoader,
			LayersEnabled:        c.Options.Experiments.Layers,
			Logger:               c.logger,
		}),
		Runner:    c.Runner,
		Cache:     c.Cache,
		Templates: c.templates,
		Records:   c.records,
		NeedBuild: &codegen.NeedBuildContext{
			FileTimestamps: c.fileTimestamps,
			ModifiedFiles:  c.modifiedFiles,
		},
		Options:      c.Options,
		Logger:       c.logger,
		CompilerPath: c.compilerPath,
	}
}

// Watch starts the incremental loop. The handler runs after every build.
func (c *Compiler) Watch(handler func(err error, stats *Stats)) (*Watching, error) {
	if c.running {
		return nil, &berrors.ConcurrentCompilationError{}
	}
	if c.WatchFS == nil {
		return nil, berrors.New(berrors.CategoryConfig, "watch mode requires a watch file system")
	}
	c.watchMode = true
	return newWatching(c, handler), nil
}

// CreateChildCompiler derives a compiler that shares this compiler's cache,
// resolvers and input state but runs its own pipeline. Taps bound to the
// parent's lifecycle are not copied.
func (c *Compiler) CreateChildCompiler(name string, options *config.Options) *Compiler {
	index := c.childCount
	c.childCount++

	child := &Compiler{
		Hooks:           newCompilerHooks(),
		Name:            name,
		Options:         options,
		InputFS:         c.InputFS,
		OutputFS:        c.OutputFS,
		IntermediateFS:  c.IntermediateFS,
		Cache:           c.Cache,
		ResolverFactory: c.ResolverFactory,
		Runner:          c.Runner,
		Recorder:        c.Recorder,
		logger:          c.logger.With("child", name),
		ruleSet:         c.ruleSet,
		templates:       c.templates,
		records:         c.records,
		compilerPath:    c.compilerPath + name + "|" + strconv.Itoa(index) + "|",
		root:            c.root,
		fileTimestamps:  c.fileTimestamps,
		modifiedFiles:   c.modifiedFiles,
		removedFiles:    c.removedFiles,
		writtenFiles:    make(map[string]codegen.Source),
	}

	// Copy plugin taps, excluding hooks tied to the parent's own pipeline.
	p, h := c.Hooks, child.Hooks
	h.Initialize = p.Initialize.Clone()
	h.BeforeRun = p.BeforeRun.Clone()
	h.Run = p.Run.Clone()
	h.WatchRun = p.WatchRun.Clone()
	h.BeforeCompile = p.BeforeCompile.Clone()
	h.Compilation = p.Compilation.Clone()
	h.FinishMake = p.FinishMake.Clone()
	h.AfterCompile = p.AfterCompile.Clone()
	h.ShouldEmit = p.ShouldEmit.Clone()
	h.AssetEmitted = p.AssetEmitted.Clone()
	h.NeedAdditionalPass = p.NeedAdditionalPass.Clone()
	h.AdditionalPass = p.AdditionalPass.Clone()
	h.AfterDone = p.AfterDone.Clone()
	h.Failed = p.Failed.Clone()
	h.WatchClose = p.WatchClose.Clone()
	h.Shutdown = p.Shutdown.Clone()

	return child
}

// Close shuts the compiler down and flushes cache backends.
func (c *Compiler) Close(callback hooks.Callback) {
	c.Hooks.Shutdown.CallAsync(c, func(err error) {
		if err != nil {
			callback(err)
			return
		}
		c.Cache.Shutdown(callback)
	})
}
