// Package compilation builds the module graph for one pass: entries are
// factorized into modules, modules are built through their loader pipelines,
// and Seal renders one asset per entry from the finished graph.
package compilation

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"git.home.luguber.info/inful/bundler/internal/berrors"
	"git.home.luguber.info/inful/bundler/internal/cache"
	"git.home.luguber.info/inful/bundler/internal/codegen"
	"git.home.luguber.info/inful/bundler/internal/config"
	"git.home.luguber.info/inful/bundler/internal/factory"
	"git.home.luguber.info/inful/bundler/internal/hooks"
	"git.home.luguber.info/inful/bundler/internal/loaders"
	"git.home.luguber.info/inful/bundler/internal/resolver"
)

// Params is everything a compilation borrows from its compiler.
type Params struct {
	Factory   *factory.Factory
	Runner    *loaders.Runner
	Cache     *cache.Cache
	Templates *codegen.DependencyTemplates
	Records   *Records
	NeedBuild *codegen.NeedBuildContext
	Options   *config.Options
	Logger    *slog.Logger
	// CompilerPath namespaces cache entries of child compilers.
	CompilerPath string
}

// AssetInfo is metadata attached to an emitted asset.
type AssetInfo struct {
	// Immutable assets are never rewritten once emitted.
	Immutable      bool
	SourceFilename string
}

// Asset pairs a source with its metadata.
type Asset struct {
	Source codegen.Source
	Info   AssetInfo
}

// ModuleFailure reports a module whose build failed.
type ModuleFailure struct {
	Module codegen.Module
	Err    error
}

// CompilationHooks expose the graph-building lifecycle.
type CompilationHooks struct {
	BuildModule      *hooks.SyncHook[codegen.Module]
	SucceedModule    *hooks.SyncHook[codegen.Module]
	FailedModule     *hooks.SyncHook[*ModuleFailure]
	StillValidModule *hooks.SyncHook[codegen.Module]
	FinishModules    *hooks.AsyncSeriesHook[*Compilation]
	Seal             *hooks.SyncHook[*Compilation]
	ProcessAssets    *hooks.AsyncSeriesHook[*Compilation]
	AfterSeal        *hooks.AsyncSeriesHook[*Compilation]
}

type entryItem struct {
	name string
	dep  *codegen.EntryDependency
}

// Compilation is the state of one build pass.
type Compilation struct {
	ID        string
	StartTime time.Time
	Hooks     CompilationHooks

	params Params
	logger *slog.Logger

	modules  map[string]codegen.Module
	moduleOf map[codegen.Dependency]codegen.Module
	entries  []entryItem

	errors   []error
	warnings []error

	assets map[string]*Asset

	fileDependencies    map[string]struct{}
	contextDependencies map[string]struct{}
	missingDependencies map[string]struct{}
}

// New creates an empty compilation.
func New(params Params) *Compilation {
	id := uuid.NewString()
	logger := params.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Compilation{
		ID:        id,
		StartTime: time.Now(),
		Hooks: CompilationHooks{
			BuildModule:      hooks.NewSync[codegen.Module]("buildModule"),
			SucceedModule:    hooks.NewSync[codegen.Module]("succeedModule"),
			FailedModule:     hooks.NewSync[*ModuleFailure]("failedModule"),
			StillValidModule: hooks.NewSync[codegen.Module]("stillValidModule"),
			FinishModules:    hooks.NewAsyncSeries[*Compilation]("finishModules"),
			Seal:             hooks.NewSync[*Compilation]("seal"),
			ProcessAssets:    hooks.NewAsyncSeries[*Compilation]("processAssets"),
			AfterSeal:        hooks.NewAsyncSeries[*Compilation]("afterSeal"),
		},
		params:              params,
		logger:              logger.With("compilation", id),
		modules:             make(map[string]codegen.Module),
		moduleOf:            make(map[codegen.Dependency]codegen.Module),
		assets:              make(map[string]*Asset),
		fileDependencies:    make(map[string]struct{}),
		contextDependencies: make(map[string]struct{}),
		missingDependencies: make(map[string]struct{}),
	}
}

// GetLogger returns a logger namespaced under this compilation.
func (c *Compilation) GetLogger(name string) *slog.Logger {
	return c.logger.With("name", name)
}

// AddError records a build diagnostic. Errors do not abort the pass; the
// compiler decides after sealing whether to emit.
func (c *Compilation) AddError(err error) { c.errors = append(c.errors, err) }

// AddWarning records a non-fatal diagnostic.
func (c *Compilation) AddWarning(err error) { c.warnings = append(c.warnings, err) }

func (c *Compilation) Errors() []error   { return c.errors }
func (c *Compilation) Warnings() []error { return c.warnings }

// Modules returns the built module set keyed by identifier.
func (c *Compilation) Modules() map[string]codegen.Module { return c.modules }

// Assets returns the emitted assets keyed by output filename.
func (c *Compilation) Assets() map[string]*Asset { return c.assets }

// GetAsset returns one asset by filename.
func (c *Compilation) GetAsset(name string) (*Asset, bool) {
	a, ok := c.assets[name]
	return a, ok
}

// EmitAsset registers an asset for emission, replacing any previous asset
// under the same name.
func (c *Compilation) EmitAsset(name string, source codegen.Source, info AssetInfo) {
	c.assets[name] = &Asset{Source: source, Info: info}
}

// FileDependencies returns every file consulted while building the graph.
func (c *Compilation) FileDependencies() map[string]struct{} { return c.fileDependencies }

// ContextDependencies returns every directory consulted during the build.
func (c *Compilation) ContextDependencies() map[string]struct{} { return c.contextDependencies }

// MissingDependencies returns paths probed but absent; their appearance
// must trigger a rebuild.
func (c *Compilation) MissingDependencies() map[string]struct{} { return c.missingDependencies }

// AddEntry factorizes and builds an entry point and everything reachable
// from it.
func (c *Compilation) AddEntry(contextDir string, dep *codegen.EntryDependency, cb hooks.Callback) {
	c.entries = append(c.entries, entryItem{name: dep.Name, dep: dep})
	info := resolver.ContextInfo{Compiler: c.params.CompilerPath}
	c.processDependency(contextDir, info, dep, cb)
}

// processDependency creates the module behind dep and recurses into its own
// dependencies. Factory and build failures become diagnostics rather than
// aborting the pass.
func (c *Compilation) processDependency(contextDir string, info resolver.ContextInfo, dep codegen.Dependency, cb hooks.Callback) {
	c.params.Factory.Create(&factory.CreateData{
		Context:     contextDir,
		Dependency:  dep,
		ContextInfo: info,
	}, func(err error, result *factory.Result) {
		if result != nil {
			mergeSet(c.fileDependencies, result.FileDependencies)
			mergeSet(c.missingDependencies, result.MissingDependencies)
			mergeSet(c.contextDependencies, result.ContextDependencies)
		}
		if err != nil {
			c.AddError(err)
			cb(nil)
			return
		}
		if result == nil || result.Module == nil {
			cb(nil)
			return
		}
		module := result.Module

		if existing, ok := c.modules[module.Identifier()]; ok {
			c.moduleOf[dep] = existing
			cb(nil)
			return
		}
		c.modules[module.Identifier()] = module
		c.moduleOf[dep] = module

		c.buildModule(module)
		c.processModuleDependencies(module, cb)
	})
}

func (c *Compilation) buildModule(module codegen.Module) {
	need, err := module.NeedBuild(c.params.NeedBuild)
	if err != nil {
		c.AddError(err)
		return
	}
	if !need {
		c.Hooks.StillValidModule.Call(module)
		c.collectModuleDependencies(module)
		return
	}

	c.Hooks.BuildModule.Call(module)
	b, ok := module.(interface {
		Build(bctx *factory.BuildContext) error
	})
	if !ok {
		c.Hooks.SucceedModule.Call(module)
		return
	}
	if err := b.Build(&factory.BuildContext{Runner: c.params.Runner, Logger: c.logger}); err != nil {
		c.AddError(err)
		c.Hooks.FailedModule.Call(&ModuleFailure{Module: module, Err: err})
		return
	}
	c.collectModuleDependencies(module)
	c.Hooks.SucceedModule.Call(module)
}

func (c *Compilation) collectModuleDependencies(module codegen.Module) {
	if bi := module.BuildInfo(); bi != nil {
		for _, f := range bi.FileDependencies {
			c.fileDependencies[f] = struct{}{}
		}
		for _, d := range bi.ContextDependencies {
			c.contextDependencies[d] = struct{}{}
		}
		for _, m := range bi.MissingDependencies {
			c.missingDependencies[m] = struct{}{}
		}
	}
}

func (c *Compilation) processModuleDependencies(module codegen.Module, cb hooks.Callback) {
	var resolvable []codegen.Dependency
	for _, dep := range module.Dependencies() {
		if dep.ResourceIdentifier() != "" && !dep.Weak() {
			resolvable = append(resolvable, dep)
		}
	}
	done := hooks.NeedCalls(len(resolvable), cb)

	var contextDir string
	var issuer string
	if nm, ok := module.(*factory.NormalModule); ok {
		contextDir = filepath.Dir(nm.ResourcePath())
		issuer = nm.ResourcePath()
	} else {
		contextDir = c.params.Options.Context
		issuer = module.Identifier()
	}
	info := resolver.ContextInfo{
		Issuer:      issuer,
		IssuerLayer: module.Layer(),
		Compiler:    c.params.CompilerPath,
	}
	for _, dep := range resolvable {
		c.processDependency(contextDir, info, dep, done)
	}
}

// Finish runs the finishModules hook after the graph is complete.
func (c *Compilation) Finish(cb hooks.Callback) {
	c.Hooks.FinishModules.CallAsync(c, cb)
}

// Seal freezes the graph, assigns stable module ids from the records and
// renders one asset per entry.
func (c *Compilation) Seal(cb hooks.Callback) {
	c.Hooks.Seal.Call(c)

	ids := c.assignModuleIDs()
	moduleID := func(dep codegen.Dependency) (string, bool) {
		m, ok := c.moduleOf[dep]
		if !ok {
			return "", false
		}
		id, ok := ids[m.Identifier()]
		return id, ok
	}

	for _, entry := range c.entries {
		content, err := c.renderChunk(entry, ids, moduleID)
		if err != nil {
			c.AddError(err)
			continue
		}
		filename := strings.ReplaceAll(c.params.Options.Output.Filename, "[name]", entry.name)
		c.EmitAsset(filename, codegen.NewRawSourceString(content), AssetInfo{})
	}

	c.Hooks.ProcessAssets.CallAsync(c, func(err error) {
		if err != nil {
			c.AddError(err)
		}
		c.Hooks.AfterSeal.CallAsync(c, cb)
	})
}

// assignModuleIDs walks the graph in deterministic entry order and fixes
// every reachable module's id in the records.
func (c *Compilation) assignModuleIDs() map[string]string {
	ids := make(map[string]string, len(c.modules))
	for _, m := range c.orderedModules() {
		ids[m.Identifier()] = strconv.Itoa(c.params.Records.IDFor(m.Identifier()))
	}
	return ids
}

// orderedModules returns modules in depth-first entry order, so output and
// id assignment are deterministic.
func (c *Compilation) orderedModules() []codegen.Module {
	var ordered []codegen.Module
	seen := make(map[string]bool)

	var visit func(m codegen.Module)
	visit = func(m codegen.Module) {
		if seen[m.Identifier()] {
			return
		}
		seen[m.Identifier()] = true
		ordered = append(ordered, m)
		for _, dep := range m.Dependencies() {
			if next, ok := c.moduleOf[dep]; ok {
				visit(next)
			}
		}
	}
	for _, entry := range c.entries {
		if m, ok := c.moduleOf[entry.dep]; ok {
			visit(m)
		}
	}
	// Unreachable modules still get listed after the reachable ones.
	var rest []string
	for id := range c.modules {
		if !seen[id] {
			rest = append(rest, id)
		}
	}
	sort.Strings(rest)
	for _, id := range rest {
		visit(c.modules[id])
	}
	return ordered
}

const chunkRuntime = `var __cache__ = {};
function require(id) {
	var cached = __cache__[id];
	if (cached) return cached.exports;
	var module = (__cache__[id] = { exports: {} });
	__modules__[id](module, module.exports, require);
	return module.exports;
}
`

func (c *Compilation) renderChunk(entry entryItem, ids map[string]string, moduleID func(codegen.Dependency) (string, bool)) (string, error) {
	entryModule, ok := c.moduleOf[entry.dep]
	if !ok {
		return "", berrors.Newf(berrors.CategoryBuild, "entry %q has no module", entry.name)
	}

	reqs := codegen.NewRuntimeRequirements()

	var b strings.Builder
	b.WriteString("var __modules__ = {\n")
	for _, m := range c.chunkModules(entryModule) {
		rendered, err := c.renderModule(m, moduleID, reqs)
		if err != nil {
			c.AddError(err)
			rendered = "throw new Error(" + strconv.Quote("module build failed: "+m.ReadableIdentifier()) + ");\n"
		}
		fmt.Fprintf(&b, "%s: function(module, exports, require) {\n%s},\n", strconv.Quote(ids[m.Identifier()]), rendered)
	}
	b.WriteString("};\n")
	b.WriteString(chunkRuntime)
	fmt.Fprintf(&b, "require(%s);\n", strconv.Quote(ids[entryModule.Identifier()]))
	return b.String(), nil
}

// chunkModules lists the modules reachable from an entry module, entry
// first, in depth-first order.
func (c *Compilation) chunkModules(entryModule codegen.Module) []codegen.Module {
	var ordered []codegen.Module
	seen := make(map[string]bool)
	var visit func(m codegen.Module)
	visit = func(m codegen.Module) {
		if seen[m.Identifier()] {
			return
		}
		seen[m.Identifier()] = true
		ordered = append(ordered, m)
		for _, dep := range m.Dependencies() {
			if next, ok := c.moduleOf[dep]; ok {
				visit(next)
			}
		}
	}
	visit(entryModule)
	return ordered
}

// renderModule generates one module's code: dependency templates rewrite the
// source in place, init fragments wrap it. Results are cached under the
// module's build hash.
func (c *Compilation) renderModule(m codegen.Module, moduleID func(codegen.Dependency) (string, bool), reqs codegen.RuntimeRequirements) (string, error) {
	var etag cache.Etag
	if bi := m.BuildInfo(); bi != nil && bi.Hash != "" && bi.Cacheable {
		etag = cache.StringEtag(bi.Hash)
	}
	cacheID := "codegen|" + c.params.CompilerPath + m.Identifier()

	if c.params.Cache != nil && etag != nil {
		type lookup struct {
			out string
			hit bool
		}
		// The continuation arrives through the callback; backends may
		// answer from their own goroutines.
		got := make(chan lookup, 1)
		c.params.Cache.Get(cacheID, etag, func(err error, result any) {
			if err == nil {
				if buf, ok := result.([]byte); ok {
					got <- lookup{out: string(buf), hit: true}
					return
				}
			}
			got <- lookup{}
		})
		if res := <-got; res.hit {
			return res.out, nil
		}
	}

	original := m.OriginalSource()
	if original == nil {
		return "", berrors.Newf(berrors.CategoryBuild, "module has no source").WithModule(m.Identifier())
	}

	source := codegen.NewReplaceSource(original)
	var fragments []codegen.InitFragment
	tctx := &codegen.TemplateContext{
		Module:              m,
		ModuleID:            moduleID,
		RuntimeRequirements: reqs,
		InitFragments:       &fragments,
	}
	for _, dep := range m.Dependencies() {
		tmpl, ok := c.params.Templates.Get(dep.Type())
		if !ok {
			continue
		}
		if err := tmpl.Apply(dep, source, tctx); err != nil {
			return "", err
		}
	}

	out, err := codegen.AddToSource(source.String(), fragments)
	if err != nil {
		return "", err
	}

	if c.params.Cache != nil && etag != nil {
		c.params.Cache.Store(cacheID, etag, []byte(out), func(error) {})
	}
	return out, nil
}

func mergeSet(dst, src map[string]struct{}) {
	for k := range src {
		dst[k] = struct{}{}
	}
}
