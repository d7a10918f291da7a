package compilation

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/bundler/internal/buildfs"
	"git.home.luguber.info/inful/bundler/internal/cache"
	"git.home.luguber.info/inful/bundler/internal/codegen"
	"git.home.luguber.info/inful/bundler/internal/config"
	"git.home.luguber.info/inful/bundler/internal/factory"
	"git.home.luguber.info/inful/bundler/internal/hooks"
	"git.home.luguber.info/inful/bundler/internal/loaders"
	"git.home.luguber.info/inful/bundler/internal/resolver"
	"git.home.luguber.info/inful/bundler/internal/rules"
)

func newTestCompilation(t *testing.T, fs *buildfs.MemoryFileSystem, records *Records, cch *cache.Cache) *Compilation {
	t.Helper()
	rs, err := rules.Compile(nil)
	require.NoError(t, err)
	runner := loaders.NewRunner(fs)
	f := factory.New(factory.Config{
		ResolverFactory: resolver.NewFactory(fs),
		Runner:          runner,
		RuleSet:         rs,
		ResolveOptions:  config.ResolveOptions{Extensions: []string{".js", ".json"}},
	})
	templates := codegen.NewDependencyTemplates()
	RegisterDefaultTemplates(templates)
	if records == nil {
		records = NewRecords()
	}
	return New(Params{
		Factory:   f,
		Runner:    runner,
		Cache:     cch,
		Templates: templates,
		Records:   records,
		NeedBuild: &codegen.NeedBuildContext{},
		Options: &config.Options{
			Context: "/src",
			Output:  config.OutputOptions{Filename: "[name].js"},
		},
	})
}

func runBuild(t *testing.T, c *Compilation) {
	t.Helper()
	done := false
	c.AddEntry("/src", codegen.NewEntryDependency("main", "./app.js"), func(err error) {
		require.NoError(t, err)
		c.Finish(func(err error) {
			require.NoError(t, err)
			c.Seal(func(err error) {
				require.NoError(t, err)
				done = true
			})
		})
	})
	require.True(t, done, "build pipeline must complete")
}

func TestCompilationBuildsGraphAndEmitsAsset(t *testing.T) {
	fs := buildfs.NewMemoryFileSystem()
	fs.AddFile("/src/app.js", []byte("const a = require(\"./a\");\n"))
	fs.AddFile("/src/a.js", []byte("module.exports = 41;\n"))

	c := newTestCompilation(t, fs, nil, nil)
	runBuild(t, c)

	require.Empty(t, c.Errors())
	assert.Len(t, c.Modules(), 2)

	asset, ok := c.GetAsset("main.js")
	require.True(t, ok)
	content := string(asset.Source.Buffer())
	// Entry gets id 0, its dependency id 1; the request literal is rewritten.
	assert.Contains(t, content, `require("1")`)
	assert.Contains(t, content, "module.exports = 41;")
	assert.Contains(t, content, `require("0");`)
	assert.NotContains(t, content, `"./a"`)
}

func TestCompilationRecordsKeepModuleIDsStable(t *testing.T) {
	fs := buildfs.NewMemoryFileSystem()
	fs.AddFile("/src/app.js", []byte("const a = require(\"./a\");\nconst b = require(\"./b\");\n"))
	fs.AddFile("/src/a.js", []byte("module.exports = 1;\n"))
	fs.AddFile("/src/b.js", []byte("module.exports = 2;\n"))

	records := NewRecords()
	c := newTestCompilation(t, fs, records, nil)
	runBuild(t, c)
	require.Empty(t, c.Errors())
	firstIDs := map[string]int{}
	for k, v := range records.ModuleIDs {
		firstIDs[k] = v
	}

	// A module disappearing must not shift the ids of the survivors.
	fs.AddFile("/src/app.js", []byte("const b = require(\"./b\");\n"))
	c2 := newTestCompilation(t, fs, records, nil)
	runBuild(t, c2)
	require.Empty(t, c2.Errors())
	for id, want := range firstIDs {
		assert.Equal(t, want, records.ModuleIDs[id], "id for %s changed", id)
	}
}

func TestCompilationSharedDependencyBuildsOnce(t *testing.T) {
	fs := buildfs.NewMemoryFileSystem()
	fs.AddFile("/src/app.js", []byte("require(\"./a\"); require(\"./b\");\n"))
	fs.AddFile("/src/a.js", []byte("require(\"./shared\");\n"))
	fs.AddFile("/src/b.js", []byte("require(\"./shared\");\n"))
	fs.AddFile("/src/shared.js", []byte("module.exports = 0;\n"))

	c := newTestCompilation(t, fs, nil, nil)
	built := 0
	c.Hooks.SucceedModule.Tap("count", func(m codegen.Module) { built++ })
	runBuild(t, c)

	require.Empty(t, c.Errors())
	assert.Len(t, c.Modules(), 4)
	assert.Equal(t, 4, built)
}

func TestCompilationMissingDependencyBecomesDiagnostic(t *testing.T) {
	fs := buildfs.NewMemoryFileSystem()
	fs.AddFile("/src/app.js", []byte("require(\"./gone\");\n"))

	c := newTestCompilation(t, fs, nil, nil)
	runBuild(t, c)

	require.NotEmpty(t, c.Errors())
	assert.Contains(t, c.Errors()[0].Error(), `can't resolve "./gone"`)
	// Probed paths are tracked so their creation triggers a rebuild.
	assert.Contains(t, c.MissingDependencies(), "/src/gone.js")
}

func TestCompilationDependencyTrackingCoversGraph(t *testing.T) {
	fs := buildfs.NewMemoryFileSystem()
	fs.AddFile("/src/app.js", []byte("require(\"./a\");\n"))
	fs.AddFile("/src/a.js", []byte("module.exports = 1;\n"))

	c := newTestCompilation(t, fs, nil, nil)
	runBuild(t, c)

	assert.Contains(t, c.FileDependencies(), "/src/app.js")
	assert.Contains(t, c.FileDependencies(), "/src/a.js")
}

func TestRenderModuleUsesCodegenCache(t *testing.T) {
	fs := buildfs.NewMemoryFileSystem()
	fs.AddFile("/src/app.js", []byte("module.exports = 1;\n"))

	cch := cache.New()
	backend, err := cache.NewMemoryBackend(16, nil)
	require.NoError(t, err)
	backend.Attach(cch)

	c := newTestCompilation(t, fs, nil, cch)
	runBuild(t, c)
	require.Empty(t, c.Errors())
	assert.Positive(t, backend.Len(), "rendered module must land in the cache")

	// Second pass over the same content is served from cache.
	c2 := newTestCompilation(t, fs, nil, cch)
	runBuild(t, c2)
	require.Empty(t, c2.Errors())
	asset, ok := c2.GetAsset("main.js")
	require.True(t, ok)
	assert.Contains(t, string(asset.Source.Buffer()), "module.exports = 1;")
}

func TestRenderModuleWaitsForAsynchronousCacheBackend(t *testing.T) {
	fs := buildfs.NewMemoryFileSystem()
	fs.AddFile("/src/app.js", []byte("module.exports = 1;\n"))

	// A backend answering from its own goroutine, the way a remote or disk
	// store would.
	cch := cache.New()
	var mu sync.Mutex
	entries := map[string][]byte{}
	gets := 0
	cch.Hooks.Get.TapAsyncStage("slow", cache.StageDisk, func(req *cache.GetRequest, cb hooks.ResultCallback[any]) {
		key := req.Identifier + "|" + req.Etag.String()
		go func() {
			time.Sleep(2 * time.Millisecond)
			mu.Lock()
			data, ok := entries[key]
			gets++
			mu.Unlock()
			if !ok {
				cb(nil, nil)
				return
			}
			var value any = data
			cb(&value, nil)
		}()
	})
	cch.Hooks.Store.Tap("slow", func(req *cache.StoreRequest) error {
		if data, ok := req.Data.([]byte); ok {
			mu.Lock()
			entries[req.Identifier+"|"+req.Etag.String()] = data
			mu.Unlock()
		}
		return nil
	})

	c := newTestCompilation(t, fs, nil, cch)
	runBuild(t, c)
	require.Empty(t, c.Errors())
	mu.Lock()
	require.NotEmpty(t, entries, "rendered module must land in the backend")
	mu.Unlock()

	c2 := newTestCompilation(t, fs, nil, cch)
	runBuild(t, c2)
	require.Empty(t, c2.Errors())
	asset, ok := c2.GetAsset("main.js")
	require.True(t, ok)
	assert.Contains(t, string(asset.Source.Buffer()), "module.exports = 1;")
	mu.Lock()
	assert.Positive(t, gets, "the backend must have been consulted")
	mu.Unlock()
}

func TestEsmImportHoistsInitFragment(t *testing.T) {
	fs := buildfs.NewMemoryFileSystem()
	fs.AddFile("/src/app.js", []byte("import a from \"./a\";\nimport b from \"./a\";\n"))
	fs.AddFile("/src/a.js", []byte("module.exports = 1;\n"))

	c := newTestCompilation(t, fs, nil, nil)
	runBuild(t, c)

	require.Empty(t, c.Errors())
	asset, ok := c.GetAsset("main.js")
	require.True(t, ok)
	content := string(asset.Source.Buffer())
	// Two imports of the same module collapse into one hoisted fragment.
	assert.Equal(t, 1, strings.Count(content, "var __import_1__"))
}
