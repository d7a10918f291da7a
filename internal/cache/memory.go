package cache

import (
	lru "github.com/hashicorp/golang-lru/v2"

	"git.home.luguber.info/inful/bundler/internal/hooks"
	"git.home.luguber.info/inful/bundler/internal/metrics"
)

type memoryEntry struct {
	etag string
	data any
}

// MemoryBackend keeps entries in a bounded LRU. It taps Get at StageMemory
// so it is consulted before any persistent backend; on a miss it registers a
// got-handler so values served by slower backends are promoted into memory.
type MemoryBackend struct {
	entries  *lru.Cache[string, memoryEntry]
	recorder metrics.Recorder
}

// NewMemoryBackend creates a memory backend holding at most maxEntries.
func NewMemoryBackend(maxEntries int, recorder metrics.Recorder) (*MemoryBackend, error) {
	if recorder == nil {
		recorder = metrics.NoopRecorder{}
	}
	entries, err := lru.New[string, memoryEntry](maxEntries)
	if err != nil {
		return nil, err
	}
	return &MemoryBackend{entries: entries, recorder: recorder}, nil
}

// Attach taps the backend into a cache facade.
func (b *MemoryBackend) Attach(c *Cache) {
	c.Hooks.Get.TapAsyncStage("MemoryBackend", StageMemory, b.onGet)
	c.Hooks.Store.TapAsync("MemoryBackend", b.onStore)
	c.Hooks.Shutdown.TapAsync("MemoryBackend", func(_ struct{}, cb hooks.Callback) {
		b.entries.Purge()
		cb(nil)
	})
}

func (b *MemoryBackend) onGet(req *GetRequest, cb hooks.ResultCallback[any]) {
	if entry, ok := b.entries.Get(req.Identifier); ok && entry.etag == etagString(req.Etag) {
		b.recorder.IncCacheHit("memory")
		cb(&entry.data, nil)
		return
	}
	b.recorder.IncCacheMiss("memory")
	etag := etagString(req.Etag)
	*req.GotHandlers = append(*req.GotHandlers, func(result any, callback func(error)) {
		if result != nil {
			b.entries.Add(req.Identifier, memoryEntry{etag: etag, data: result})
		}
		callback(nil)
	})
	cb(nil, nil)
}

func (b *MemoryBackend) onStore(req *StoreRequest, cb hooks.Callback) {
	b.entries.Add(req.Identifier, memoryEntry{etag: etagString(req.Etag), data: req.Data})
	cb(nil)
}

// Len reports the number of live entries, for stats output.
func (b *MemoryBackend) Len() int {
	return b.entries.Len()
}
