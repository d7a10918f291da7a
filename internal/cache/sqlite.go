package cache

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"git.home.luguber.info/inful/bundler/internal/hooks"
	"git.home.luguber.info/inful/bundler/internal/metrics"
	"git.home.luguber.info/inful/bundler/internal/registry"
)

// SQLiteBackend persists entries across processes. It taps Get at StageDisk
// so the memory backend is consulted first; values it serves are promoted
// into memory through that backend's got-handler.
type SQLiteBackend struct {
	db       *sql.DB
	codecs   *registry.Registry
	recorder metrics.Recorder
	mu       sync.Mutex
}

// NewSQLiteBackend opens (or creates) the cache database at dbPath. Use
// ":memory:" for tests. Values are serialized through the provided codec
// registry; []byte values use the "raw" codec, everything else "json".
func NewSQLiteBackend(dbPath string, codecs *registry.Registry, recorder metrics.Recorder) (*SQLiteBackend, error) {
	if recorder == nil {
		recorder = metrics.NoopRecorder{}
	}
	if codecs == nil {
		codecs = registry.New()
	}
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o750); err != nil {
			return nil, fmt.Errorf("create cache directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open cache database: %w", err)
	}
	b := &SQLiteBackend{db: db, codecs: codecs, recorder: recorder}
	if err := b.initialize(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize cache schema: %w", err)
	}
	b.registerDefaultCodecs()
	return b, nil
}

func (b *SQLiteBackend) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS cache_entries (
		identifier TEXT PRIMARY KEY,
		etag TEXT NOT NULL,
		type_id TEXT NOT NULL,
		data BLOB NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS build_dependencies (
		path TEXT PRIMARY KEY,
		added_at INTEGER NOT NULL
	);
	`
	_, err := b.db.Exec(schema)
	return err
}

func (b *SQLiteBackend) registerDefaultCodecs() {
	// Ignore duplicate registration when sharing a registry across
	// backends.
	_ = b.codecs.Register("raw", registry.RawCodec{})
	_ = b.codecs.Register("json", registry.JSONCodec[any]{})
}

// Attach taps the backend into a cache facade.
func (b *SQLiteBackend) Attach(c *Cache) {
	c.Hooks.Get.TapAsyncStage("SQLiteBackend", StageDisk, b.onGet)
	c.Hooks.Store.TapAsync("SQLiteBackend", b.onStore)
	c.Hooks.StoreBuildDependencies.TapAsync("SQLiteBackend", b.onStoreBuildDependencies)
	c.Hooks.Shutdown.TapAsync("SQLiteBackend", func(_ struct{}, cb hooks.Callback) {
		cb(b.db.Close())
	})
}

func (b *SQLiteBackend) onGet(req *GetRequest, cb hooks.ResultCallback[any]) {
	b.mu.Lock()
	var etag, typeID string
	var data []byte
	err := b.db.QueryRow(
		"SELECT etag, type_id, data FROM cache_entries WHERE identifier = ?",
		req.Identifier,
	).Scan(&etag, &typeID, &data)
	b.mu.Unlock()

	if err == nil && etag == etagString(req.Etag) {
		codec, ok := b.codecs.Lookup(typeID)
		if !ok {
			cb(nil, fmt.Errorf("no codec registered for cached type %q", typeID))
			return
		}
		value, derr := codec.Deserialize(data)
		if derr != nil {
			cb(nil, fmt.Errorf("deserialize cache entry %s: %w", req.Identifier, derr))
			return
		}
		b.recorder.IncCacheHit("disk")
		cb(&value, nil)
		return
	}
	if err != nil && err != sql.ErrNoRows {
		cb(nil, err)
		return
	}

	b.recorder.IncCacheMiss("disk")
	wantEtag := etagString(req.Etag)
	*req.GotHandlers = append(*req.GotHandlers, func(result any, callback func(error)) {
		if result == nil {
			callback(nil)
			return
		}
		callback(b.put(req.Identifier, wantEtag, result))
	})
	cb(nil, nil)
}

func (b *SQLiteBackend) onStore(req *StoreRequest, cb hooks.Callback) {
	cb(b.put(req.Identifier, etagString(req.Etag), req.Data))
}

func (b *SQLiteBackend) put(identifier, etag string, value any) error {
	typeID := "json"
	if _, ok := value.([]byte); ok {
		typeID = "raw"
	}
	codec, ok := b.codecs.Lookup(typeID)
	if !ok {
		return fmt.Errorf("no codec registered for type %q", typeID)
	}
	data, err := codec.Serialize(value)
	if err != nil {
		return fmt.Errorf("serialize cache entry %s: %w", identifier, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	_, err = b.db.Exec(
		`INSERT INTO cache_entries (identifier, etag, type_id, data, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(identifier) DO UPDATE SET
		 etag = excluded.etag, type_id = excluded.type_id,
		 data = excluded.data, updated_at = excluded.updated_at`,
		identifier, etag, typeID, data, time.Now().Unix(),
	)
	return err
}

func (b *SQLiteBackend) onStoreBuildDependencies(deps []string, cb hooks.Callback) {
	b.mu.Lock()
	defer b.mu.Unlock()
	tx, err := b.db.Begin()
	if err != nil {
		cb(err)
		return
	}
	now := time.Now().Unix()
	for _, dep := range deps {
		if _, err := tx.Exec(
			"INSERT OR IGNORE INTO build_dependencies (path, added_at) VALUES (?, ?)",
			dep, now,
		); err != nil {
			_ = tx.Rollback()
			cb(err)
			return
		}
	}
	cb(tx.Commit())
}

// Close releases the database handle. Backends attached to a cache are
// closed through the cache's shutdown hook instead.
func (b *SQLiteBackend) Close() error { return b.db.Close() }

// Stats reports entry count and total payload bytes, for the cache CLI.
func (b *SQLiteBackend) Stats() (entries int64, bytes int64, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	err = b.db.QueryRow(
		"SELECT COUNT(*), COALESCE(SUM(LENGTH(data)), 0) FROM cache_entries",
	).Scan(&entries, &bytes)
	return entries, bytes, err
}

// Clear removes all entries and recorded build dependencies.
func (b *SQLiteBackend) Clear() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, err := b.db.Exec("DELETE FROM cache_entries"); err != nil {
		return err
	}
	_, err := b.db.Exec("DELETE FROM build_dependencies")
	return err
}
