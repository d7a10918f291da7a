// Package factory turns dependencies into buildable modules. The
// NormalModuleFactory parses the request string (inline loaders, markers,
// query, fragment, scheme), resolves loaders and the resource concurrently,
// evaluates the rule set against the resolved resource and assembles a
// NormalModule with its final loader pipeline.
package factory

import (
	"log/slog"
	"regexp"
	"strings"

	"git.home.luguber.info/inful/bundler/internal/berrors"
	"git.home.luguber.info/inful/bundler/internal/codegen"
	"git.home.luguber.info/inful/bundler/internal/config"
	"git.home.luguber.info/inful/bundler/internal/hooks"
	"git.home.luguber.info/inful/bundler/internal/loaders"
	"git.home.luguber.info/inful/bundler/internal/resolver"
	"git.home.luguber.info/inful/bundler/internal/rules"
)

// CreateData is the input to module creation.
type CreateData struct {
	// Context is the directory the request resolves against.
	Context     string
	Dependency  codegen.Dependency
	ContextInfo resolver.ContextInfo
	// ResolveOptions are per-issuer overrides layered over the defaults.
	ResolveOptions *config.ResolveOptions
}

// ResolveData is the mutable payload threaded through the factory hooks.
// Plugins may rewrite the request before resolution or inspect the parsed
// form after it.
type ResolveData struct {
	*CreateData

	Request string

	// Filled during resolution.
	Loaders       []loaders.Item
	ResourcePath  string
	ResourceQuery string
	Fragment      string
	MatchResource string
	Scheme        string

	resolveCtx *resolver.ResolveContext
	module     *NormalModule
}

// ModuleCreated is the waterfall payload announcing a created module.
type ModuleCreated struct {
	Module codegen.Module
	Data   *ResolveData
}

// Result is the outcome of module creation. A nil Module with a nil error
// means the request was deliberately ignored.
type Result struct {
	Module              codegen.Module
	FileDependencies    map[string]struct{}
	MissingDependencies map[string]struct{}
	ContextDependencies map[string]struct{}
}

// CreateCallback receives the outcome of Create.
type CreateCallback func(err error, result *Result)

// FactoryHooks expose the module creation pipeline to plugins.
type FactoryHooks struct {
	// BeforeResolve bails false to ignore the request entirely.
	BeforeResolve *hooks.AsyncSeriesBailHook[*ResolveData, bool]
	// Factorize produces the module; the factory's own tap runs last.
	Factorize *hooks.AsyncSeriesBailHook[*ResolveData, codegen.Module]
	// Resolve performs request resolution; the factory's own tap runs last.
	Resolve *hooks.AsyncSeriesHook[*ResolveData]
	// AfterResolve bails false to ignore the now-resolved request.
	AfterResolve *hooks.AsyncSeriesBailHook[*ResolveData, bool]
	// CreateModule bails with a custom module, replacing the default.
	CreateModule *hooks.AsyncSeriesBailHook[*ResolveData, codegen.Module]
	// Module lets plugins wrap or swap the created module.
	Module *hooks.SyncWaterfallHook[*ModuleCreated]
}

// Config parameterizes a Factory.
type Config struct {
	ResolverFactory      *resolver.Factory
	Runner               *loaders.Runner
	RuleSet              *rules.RuleSet
	ResolveOptions       config.ResolveOptions
	LoaderResolveOptions config.ResolveOptions
	LayersEnabled        bool
	Logger               *slog.Logger
}

// Factory creates NormalModules from dependencies.
type Factory struct {
	Hooks FactoryHooks

	resolverFactory *resolver.Factory
	runner          *loaders.Runner
	ruleSet         *rules.RuleSet
	resolveOptions  config.ResolveOptions
	loaderOptions   config.ResolveOptions
	layersEnabled   bool
	logger          *slog.Logger

	schemeHooks map[string]*hooks.AsyncSeriesBailHook[*ResolveData, bool]
}

// New creates a factory and installs its default factorize and resolve taps
// at a late stage so plugin taps run first.
func New(cfg Config) *Factory {
	f := &Factory{
		Hooks: FactoryHooks{
			BeforeResolve: hooks.NewAsyncSeriesBail[*ResolveData, bool]("beforeResolve"),
			Factorize:     hooks.NewAsyncSeriesBail[*ResolveData, codegen.Module]("factorize"),
			Resolve:       hooks.NewAsyncSeries[*ResolveData]("resolve"),
			AfterResolve:  hooks.NewAsyncSeriesBail[*ResolveData, bool]("afterResolve"),
			CreateModule:  hooks.NewAsyncSeriesBail[*ResolveData, codegen.Module]("createModule"),
			Module:        hooks.NewSyncWaterfall[*ModuleCreated]("module"),
		},
		resolverFactory: cfg.ResolverFactory,
		runner:          cfg.Runner,
		ruleSet:         cfg.RuleSet,
		resolveOptions:  cfg.ResolveOptions,
		loaderOptions:   cfg.LoaderResolveOptions,
		layersEnabled:   cfg.LayersEnabled,
		logger:          cfg.Logger,
		schemeHooks:     make(map[string]*hooks.AsyncSeriesBailHook[*ResolveData, bool]),
	}
	f.Hooks.Factorize.TapAsyncStage("NormalModuleFactory", 100, f.defaultFactorize)
	f.Hooks.Resolve.TapAsyncStage("NormalModuleFactory", 100, f.resolveRequest)
	return f
}

// ResolveForScheme returns the hook consulted for resources carrying the
// given URI scheme, creating it on first use.
func (f *Factory) ResolveForScheme(scheme string) *hooks.AsyncSeriesBailHook[*ResolveData, bool] {
	h, ok := f.schemeHooks[scheme]
	if !ok {
		h = hooks.NewAsyncSeriesBail[*ResolveData, bool]("resolveForScheme " + scheme)
		f.schemeHooks[scheme] = h
	}
	return h
}

// Create runs the full creation pipeline for one dependency.
func (f *Factory) Create(data *CreateData, callback CreateCallback) {
	rd := &ResolveData{
		CreateData: data,
		Request:    requestOf(data.Dependency),
		resolveCtx: &resolver.ResolveContext{
			FileDependencies:    make(map[string]struct{}),
			MissingDependencies: make(map[string]struct{}),
			ContextDependencies: make(map[string]struct{}),
			Logger:              f.logger,
		},
	}

	finish := func(err error, module codegen.Module) {
		if err != nil {
			callback(err, nil)
			return
		}
		callback(nil, &Result{
			Module:              module,
			FileDependencies:    rd.resolveCtx.FileDependencies,
			MissingDependencies: rd.resolveCtx.MissingDependencies,
			ContextDependencies: rd.resolveCtx.ContextDependencies,
		})
	}

	f.Hooks.BeforeResolve.CallAsync(rd, func(proceed *bool, err error) {
		if err != nil {
			finish(err, nil)
			return
		}
		if proceed != nil && !*proceed {
			finish(nil, nil)
			return
		}
		f.Hooks.Factorize.CallAsync(rd, func(module *codegen.Module, err error) {
			if err != nil {
				finish(err, nil)
				return
			}
			if module == nil {
				finish(nil, nil)
				return
			}
			finish(nil, *module)
		})
	})
}

func (f *Factory) defaultFactorize(rd *ResolveData, cb hooks.ResultCallback[codegen.Module]) {
	f.Hooks.Resolve.CallAsync(rd, func(err error) {
		if err != nil {
			cb(nil, err)
			return
		}
		if rd.ResourcePath == "" && rd.Scheme == "" {
			// A resolve tap may ignore the request by leaving it unresolved.
			cb(nil, nil)
			return
		}
		f.Hooks.AfterResolve.CallAsync(rd, func(proceed *bool, err error) {
			if err != nil {
				cb(nil, err)
				return
			}
			if proceed != nil && !*proceed {
				cb(nil, nil)
				return
			}
			f.Hooks.CreateModule.CallAsync(rd, func(custom *codegen.Module, err error) {
				if err != nil {
					cb(nil, err)
					return
				}
				var module codegen.Module
				if custom != nil {
					module = *custom
				} else {
					module, err = f.buildNormalModule(rd)
					if err != nil {
						cb(nil, err)
						return
					}
				}
				created := f.Hooks.Module.Call(&ModuleCreated{Module: module, Data: rd})
				cb(&created.Module, nil)
			})
		})
	})
}

var schemeRe = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9+.-]*:`)

// resolveRequest parses the request string and resolves loaders and the
// resource. Both resolutions run through the shared resolve context so their
// dependency sets merge.
func (f *Factory) resolveRequest(rd *ResolveData, cb hooks.Callback) {
	request := rd.Request
	if request == "" {
		cb(berrors.New(berrors.CategoryBuild, "empty dependency (no request)"))
		return
	}

	if idx := strings.Index(request, "!=!"); idx >= 0 {
		rd.MatchResource = request[:idx]
		request = request[idx+len("!=!"):]
	}

	// Loader markers. "!" disables configured normal loaders, "-!" also
	// disables pre loaders, "!!" disables all configured loaders.
	noNormal, noPre, noPost := false, false, false
	switch {
	case strings.HasPrefix(request, "!!"):
		noNormal, noPre, noPost = true, true, true
		request = request[2:]
	case strings.HasPrefix(request, "-!"):
		noNormal, noPre = true, true
		request = request[2:]
	case strings.HasPrefix(request, "!"):
		noNormal = true
		request = request[1:]
	}

	elements := strings.Split(request, "!")
	resource := elements[len(elements)-1]
	inlineSpecs := elements[:len(elements)-1]
	if resource == "" {
		cb(berrors.New(berrors.CategoryBuild, "empty dependency (no request)"))
		return
	}

	inline, err := f.parseInlineLoaders(inlineSpecs)
	if err != nil {
		cb(err)
		return
	}
	rd.Loaders = inline

	// A single-letter "scheme" is a Windows drive, not a URI.
	if m := schemeRe.FindString(resource); len(m) > 2 {
		scheme := strings.TrimSuffix(m, ":")
		rd.Scheme = scheme
		rd.ResourcePath = resource
		h, ok := f.schemeHooks[scheme]
		if !ok || !h.IsUsed() {
			cb(berrors.Newf(berrors.CategoryResolve, "no handler registered for URI scheme %q in %q", scheme, resource))
			return
		}
		h.CallAsync(rd, func(handled *bool, err error) {
			if err != nil {
				cb(err)
				return
			}
			if handled == nil || !*handled {
				cb(berrors.Newf(berrors.CategoryResolve, "no handler accepted URI scheme %q in %q", scheme, resource))
				return
			}
			f.applyRules(rd, noPre, noNormal, noPost)
			cb(nil)
		})
		return
	}

	// Strip the fragment before the query so a "#" inside the query stays
	// part of the query.
	if idx := strings.LastIndex(resource, "#"); idx >= 0 {
		rd.Fragment = resource[idx:]
		resource = resource[:idx]
	}
	if idx := strings.Index(resource, "?"); idx >= 0 {
		rd.ResourceQuery = resource[idx:]
		resource = resource[:idx]
	}

	// Loader and resource resolution fan out together; the first error wins
	// and the parse continues only after both complete.
	done := hooks.NeedCalls(2, func(err error) {
		if err != nil {
			cb(err)
			return
		}
		f.applyRules(rd, noPre, noNormal, noPost)
		cb(nil)
	})

	f.resolveLoaderPaths(rd, done)

	dependencyOptions := &config.ResolveOptions{DependencyType: rd.Dependency.Category()}
	normalOptions := f.resolveOptions.Merged(rd.ResolveOptions).Merged(dependencyOptions)
	normalResolver := f.resolverFactory.Get("normal", normalOptions)
	normalResolver.Resolve(rd.ContextInfo, rd.Context, resource, rd.resolveCtx, func(err error, path string, _ *resolver.ResolveData) {
		if err != nil {
			if rd.Dependency.Optional() {
				// Optional dependencies degrade to an ignored module.
				done(nil)
				return
			}
			done(err)
			return
		}
		rd.ResourcePath = path
		done(nil)
	})
}

// parseInlineLoaders splits inline loader specs into items. A spec may carry
// options as "loader?query" or reference a rule-set ident as "loader??ident".
func (f *Factory) parseInlineLoaders(specs []string) ([]loaders.Item, error) {
	var items []loaders.Item
	for _, spec := range specs {
		if spec == "" {
			continue
		}
		item := loaders.Item{Loader: spec}
		if idx := strings.Index(spec, "??"); idx >= 0 {
			ident := spec[idx+2:]
			opts, ok := f.ruleSet.References(ident)
			if !ok {
				return nil, berrors.Newf(berrors.CategoryValidation, "unknown loader options ident %q in %q", ident, spec)
			}
			item.Loader = spec[:idx]
			item.Options = opts
			item.Ident = ident
		} else if idx := strings.Index(spec, "?"); idx >= 0 {
			item.Loader = spec[:idx]
			item.Options = map[string]any{"query": spec[idx+1:]}
		}
		items = append(items, item)
	}
	return items, nil
}

// resolveLoaderPaths maps inline loader names to registered loaders. Names
// not registered directly go through the loader resolver; the resolved path
// must itself be registered.
func (f *Factory) resolveLoaderPaths(rd *ResolveData, done hooks.Callback) {
	pending := hooks.NeedCalls(len(rd.Loaders), done)
	loaderResolver := f.resolverFactory.Get("loader", &f.loaderOptions)
	for i := range rd.Loaders {
		item := &rd.Loaders[i]
		if _, ok := f.runner.Lookup(item.Loader); ok {
			pending(nil)
			continue
		}
		loaderResolver.Resolve(rd.ContextInfo, rd.Context, item.Loader, rd.resolveCtx, func(err error, path string, _ *resolver.ResolveData) {
			if err != nil {
				pending(err)
				return
			}
			if _, ok := f.runner.Lookup(path); !ok {
				pending(berrors.Newf(berrors.CategoryBuild, "loader %q resolved to %s but no loader is registered for it", item.Loader, path))
				return
			}
			item.Loader = path
			pending(nil)
		})
	}
}

// applyRules evaluates the rule set against the resolved resource and fixes
// the module's type, layer, options and final loader list.
func (f *Factory) applyRules(rd *ResolveData, noPre, noNormal, noPost bool) {
	matchResource := rd.ResourcePath
	if rd.MatchResource != "" {
		matchResource = rd.MatchResource
	}
	effects := f.ruleSet.Exec(&rules.MatchData{
		Resource:         matchResource,
		ResourceQuery:    rd.ResourceQuery,
		ResourceFragment: rd.Fragment,
		Issuer:           rd.ContextInfo.Issuer,
		IssuerLayer:      rd.ContextInfo.IssuerLayer,
		DependencyType:   rd.Dependency.Category(),
	})

	typ := defaultTypeFor(matchResource)
	layer := rd.ContextInfo.IssuerLayer
	var parserOpts, generatorOpts map[string]any
	var resolveOverride *config.ResolveOptions
	var pre, normal, post []loaders.Item

	for _, e := range effects {
		switch e.Kind {
		case rules.EffectType:
			typ = e.Value.(string)
		case rules.EffectLayer:
			layer = e.Value.(string)
		case rules.EffectParser:
			parserOpts = e.Value.(map[string]any)
		case rules.EffectGenerator:
			generatorOpts = e.Value.(map[string]any)
		case rules.EffectResolve:
			resolveOverride = e.Value.(*config.ResolveOptions)
		case rules.EffectUsePre:
			pre = append(pre, asItem(e.Value.(rules.UseItem)))
		case rules.EffectUse:
			normal = append(normal, asItem(e.Value.(rules.UseItem)))
		case rules.EffectUsePost:
			post = append(post, asItem(e.Value.(rules.UseItem)))
		}
	}
	if noPre {
		pre = nil
	}
	if noNormal {
		normal = nil
	}
	if noPost {
		post = nil
	}

	// With a match resource the inline loaders lead; otherwise post loaders
	// wrap the inline ones.
	var final []loaders.Item
	if rd.MatchResource != "" {
		final = append(final, rd.Loaders...)
		final = append(final, post...)
	} else {
		final = append(final, post...)
		final = append(final, rd.Loaders...)
	}
	final = append(final, normal...)
	final = append(final, pre...)

	rd.Loaders = final
	rd.module = &NormalModule{
		request:        buildRequest(final, rd.ResourcePath, rd.ResourceQuery, rd.Fragment),
		userRequest:    rd.ResourcePath + rd.ResourceQuery,
		rawRequest:     rd.Request,
		resourcePath:   rd.ResourcePath,
		resourceQuery:  rd.ResourceQuery,
		matchResource:  rd.MatchResource,
		typ:            typ,
		layer:          layer,
		loaders:        final,
		parser:         parserOpts,
		generator:      generatorOpts,
		resolveOptions: resolveOverride,
	}
}

func (f *Factory) buildNormalModule(rd *ResolveData) (codegen.Module, error) {
	if rd.module == nil {
		return nil, berrors.Newf(berrors.CategoryInternal, "request %q was not resolved", rd.Request)
	}
	if rd.module.layer != "" && !f.layersEnabled {
		return nil, berrors.Newf(berrors.CategoryValidation, "module %q uses layer %q but the layers experiment is not enabled", rd.module.userRequest, rd.module.layer)
	}
	return rd.module, nil
}

func asItem(u rules.UseItem) loaders.Item {
	return loaders.Item{Loader: u.Loader, Options: u.Options, Ident: u.Ident}
}

func defaultTypeFor(resource string) string {
	if strings.HasSuffix(resource, ".json") {
		return "json"
	}
	return "javascript"
}

func buildRequest(items []loaders.Item, path, query, fragment string) string {
	parts := make([]string, 0, len(items)+1)
	for _, it := range items {
		parts = append(parts, it.Loader)
	}
	parts = append(parts, path+query+fragment)
	return strings.Join(parts, "!")
}

func requestOf(dep codegen.Dependency) string {
	switch d := dep.(type) {
	case *codegen.EntryDependency:
		return d.Request
	case *codegen.ModuleDependency:
		return d.Request
	default:
		return ""
	}
}
