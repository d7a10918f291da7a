package resolver

import (
	"sync"

	"git.home.luguber.info/inful/bundler/internal/buildfs"
	"git.home.luguber.info/inful/bundler/internal/config"
	"git.home.luguber.info/inful/bundler/internal/hooks"
)

// FactoryHooks let plugins adjust resolve options per type and observe
// created resolvers.
type FactoryHooks struct {
	ResolveOptions *hooks.SyncWaterfallHook[*ResolveOptionsRequest]
	Resolver       *hooks.SyncHook[*CreatedResolver]
}

// ResolveOptionsRequest is the waterfall payload for option adjustment.
type ResolveOptionsRequest struct {
	Type    string
	Options *config.ResolveOptions
}

// CreatedResolver announces a newly built resolver.
type CreatedResolver struct {
	Type     string
	Resolver Resolver
}

type typedCache struct {
	// direct is keyed by option-set identity; stringified by the option
	// set's canonical serialized form. Two distinct option objects that
	// serialize identically reuse one resolver instance.
	direct      map[*config.ResolveOptions]Resolver
	stringified map[string]Resolver
}

// Factory builds and memoizes resolvers per (type, options).
type Factory struct {
	Hooks FactoryHooks

	fs    buildfs.InputFileSystem
	mu    sync.Mutex
	cache map[string]*typedCache
}

// NewFactory creates a resolver factory reading through fs.
func NewFactory(fs buildfs.InputFileSystem) *Factory {
	return &Factory{
		Hooks: FactoryHooks{
			ResolveOptions: hooks.NewSyncWaterfall[*ResolveOptionsRequest]("resolveOptions"),
			Resolver:       hooks.NewSync[*CreatedResolver]("resolver"),
		},
		fs:    fs,
		cache: make(map[string]*typedCache),
	}
}

// Get returns the resolver for a type ("normal", "loader", "context") and
// option set, creating it on first use.
func (f *Factory) Get(typ string, options *config.ResolveOptions) Resolver {
	if options == nil {
		options = &config.ResolveOptions{}
	}

	f.mu.Lock()
	tc, ok := f.cache[typ]
	if !ok {
		tc = &typedCache{
			direct:      make(map[*config.ResolveOptions]Resolver),
			stringified: make(map[string]Resolver),
		}
		f.cache[typ] = tc
	}
	if r, ok := tc.direct[options]; ok {
		f.mu.Unlock()
		return r
	}
	ident := options.CanonicalString()
	if r, ok := tc.stringified[ident]; ok {
		tc.direct[options] = r
		f.mu.Unlock()
		return r
	}
	f.mu.Unlock()

	r := f.create(typ, options)

	f.mu.Lock()
	// Another goroutine may have created the same resolver concurrently;
	// the first one registered wins so identity stays stable.
	if existing, ok := tc.stringified[ident]; ok {
		tc.direct[options] = existing
		f.mu.Unlock()
		return existing
	}
	tc.direct[options] = r
	tc.stringified[ident] = r
	f.mu.Unlock()
	return r
}

func (f *Factory) create(typ string, options *config.ResolveOptions) Resolver {
	adjusted := f.Hooks.ResolveOptions.Call(&ResolveOptionsRequest{Type: typ, Options: options})
	r := &localResolver{
		factory:    f,
		typ:        typ,
		options:    adjusted.Options,
		fs:         f.fs,
		childCache: make(map[*config.ResolveOptions]Resolver),
	}
	f.Hooks.Resolver.Call(&CreatedResolver{Type: typ, Resolver: r})
	return r
}
