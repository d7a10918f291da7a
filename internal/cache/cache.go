// Package cache provides the hook-based cache facade used by resolution and
// compilation. The facade holds no entries itself; persistence is delegated
// to backends tapping the facade's hooks, ordered by stage so faster
// backends are consulted first.
package cache

import (
	"git.home.luguber.info/inful/bundler/internal/hooks"
)

// Backend tap stages. Lower stages are consulted first on Get.
const (
	StageMemory  = -10
	StageDefault = 0
	StageDisk    = 10
	StageNetwork = 20
)

// Etag is an opaque version marker for a cache entry. Entries are identified
// by (identifier, etag); an etag mismatch is a miss.
type Etag interface {
	String() string
}

// StringEtag is an Etag backed by a plain string.
type StringEtag string

func (e StringEtag) String() string { return string(e) }

func etagString(etag Etag) string {
	if etag == nil {
		return ""
	}
	return etag.String()
}

// GotHandler lets a backend observe the final result of a Get it could not
// serve, typically to store the value obtained from a slower backend.
type GotHandler func(result any, callback func(error))

// GetRequest is the payload of the Get hook. Taps either bail with the
// cached value or push a GotHandler to be told the final result.
type GetRequest struct {
	Identifier  string
	Etag        Etag
	GotHandlers *[]GotHandler
}

// StoreRequest is the payload of the Store hook.
type StoreRequest struct {
	Identifier string
	Etag       Etag
	Data       any
}

// Hooks are the extension points backends tap.
type Hooks struct {
	Get                    *hooks.AsyncSeriesBailHook[*GetRequest, any]
	Store                  *hooks.AsyncParallelHook[*StoreRequest]
	StoreBuildDependencies *hooks.AsyncParallelHook[[]string]
	BeginIdle              *hooks.SyncHook[struct{}]
	EndIdle                *hooks.AsyncParallelHook[struct{}]
	Shutdown               *hooks.AsyncParallelHook[struct{}]
}

// Cache is the facade. All methods are thin wrappers around hook invocation;
// tap errors arrive at the callback already normalized to classified error
// types by the hook layer.
type Cache struct {
	Hooks Hooks
}

// New creates a cache facade with no backends attached.
func New() *Cache {
	return &Cache{
		Hooks: Hooks{
			Get:                    hooks.NewAsyncSeriesBail[*GetRequest, any]("cacheGet"),
			Store:                  hooks.NewAsyncParallel[*StoreRequest]("cacheStore"),
			StoreBuildDependencies: hooks.NewAsyncParallel[[]string]("cacheStoreBuildDependencies"),
			BeginIdle:              hooks.NewSync[struct{}]("cacheBeginIdle"),
			EndIdle:                hooks.NewAsyncParallel[struct{}]("cacheEndIdle"),
			Shutdown:               hooks.NewAsyncParallel[struct{}]("cacheShutdown"),
		},
	}
}

// Get looks up an entry. Zero got-handlers: the callback fires directly with
// the hook result. One handler: it runs, then the callback. N handlers: all
// run concurrently and the callback fires after exactly N completions or
// immediately on the first error — exactly once either way.
func (c *Cache) Get(identifier string, etag Etag, callback func(err error, result any)) {
	var gotHandlers []GotHandler
	req := &GetRequest{Identifier: identifier, Etag: etag, GotHandlers: &gotHandlers}
	c.Hooks.Get.CallAsync(req, func(result *any, err error) {
		if err != nil {
			callback(err, nil)
			return
		}
		var value any
		if result != nil {
			value = *result
		}
		switch len(gotHandlers) {
		case 0:
			callback(nil, value)
		case 1:
			gotHandlers[0](value, func(err error) {
				callback(err, value)
			})
		default:
			inner := hooks.NeedCalls(len(gotHandlers), func(err error) {
				callback(err, value)
			})
			for _, handler := range gotHandlers {
				handler(value, inner)
			}
		}
	})
}

// Store writes an entry through all backends.
func (c *Cache) Store(identifier string, etag Etag, data any, callback func(error)) {
	c.Hooks.Store.CallAsync(&StoreRequest{Identifier: identifier, Etag: etag, Data: data}, callback)
}

// StoreBuildDependencies records the paths the configuration and loaders
// themselves depend on, so persistent backends can invalidate when the
// toolchain changes.
func (c *Cache) StoreBuildDependencies(dependencies []string, callback func(error)) {
	c.Hooks.StoreBuildDependencies.CallAsync(dependencies, callback)
}

// BeginIdle signals that no build is in flight.
func (c *Cache) BeginIdle() {
	c.Hooks.BeginIdle.Call(struct{}{})
}

// EndIdle signals that a build is about to start.
func (c *Cache) EndIdle(callback func(error)) {
	c.Hooks.EndIdle.CallAsync(struct{}{}, callback)
}

// Shutdown flushes and closes all backends.
func (c *Cache) Shutdown(callback func(error)) {
	c.Hooks.Shutdown.CallAsync(struct{}{}, callback)
}
