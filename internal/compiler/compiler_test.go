package compiler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/bundler/internal/berrors"
	"git.home.luguber.info/inful/bundler/internal/buildfs"
	"git.home.luguber.info/inful/bundler/internal/codegen"
	"git.home.luguber.info/inful/bundler/internal/compilation"
	"git.home.luguber.info/inful/bundler/internal/config"
	"git.home.luguber.info/inful/bundler/internal/hooks"
)

func testOptions() *config.Options {
	return &config.Options{
		Context: "/src",
		Entry:   map[string]string{"main": "./app.js"},
		Output:  config.OutputOptions{Path: "/dist", Filename: "[name].js"},
		Resolve: config.ResolveOptions{Extensions: []string{".js", ".json"}},
	}
}

func newTestCompiler(t *testing.T, fs *buildfs.MemoryFileSystem) *Compiler {
	t.Helper()
	c, err := New(testOptions(), Deps{
		InputFS:        fs,
		OutputFS:       fs,
		IntermediateFS: fs,
	})
	require.NoError(t, err)
	return c
}

type runResult struct {
	err   error
	stats *Stats
}

// runWait drives one Run to completion. The make phase hops goroutines, so
// the callback is awaited rather than assumed synchronous.
func runWait(t *testing.T, c *Compiler) runResult {
	t.Helper()
	ch := make(chan runResult, 1)
	c.Run(func(err error, s *Stats) { ch <- runResult{err: err, stats: s} })
	select {
	case r := <-ch:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("build did not complete")
		return runResult{}
	}
}

func runOnce(t *testing.T, c *Compiler) *Stats {
	t.Helper()
	r := runWait(t, c)
	require.NoError(t, r.err)
	return r.stats
}

func TestRunBuildsAndEmits(t *testing.T) {
	fs := buildfs.NewMemoryFileSystem()
	fs.AddFile("/src/app.js", []byte("const a = require(\"./a\");\n"))
	fs.AddFile("/src/a.js", []byte("module.exports = 7;\n"))

	c := newTestCompiler(t, fs)
	stats := runOnce(t, c)

	require.NotNil(t, stats)
	assert.False(t, stats.HasErrors())
	out, err := fs.ReadFile("/dist/main.js")
	require.NoError(t, err)
	assert.Contains(t, string(out), "module.exports = 7;")
}

func TestRunRejectsConcurrentBuild(t *testing.T) {
	fs := buildfs.NewMemoryFileSystem()
	fs.AddFile("/src/app.js", []byte("module.exports = 1;\n"))

	c := newTestCompiler(t, fs)
	compiles := 0
	c.Hooks.Compile.Tap("count", func(*compilation.Params) { compiles++ })

	var innerErr error
	c.Hooks.Emit.Tap("reenter", func(comp *compilation.Compilation) error {
		c.Run(func(err error, _ *Stats) { innerErr = err })
		return nil
	})

	runOnce(t, c)
	require.Error(t, innerErr)
	assert.True(t, berrors.IsConcurrentCompilation(innerErr))
	assert.Equal(t, 1, compiles, "the nested run must not start a compilation")
}

func TestRunAfterRunSucceeds(t *testing.T) {
	fs := buildfs.NewMemoryFileSystem()
	fs.AddFile("/src/app.js", []byte("module.exports = 1;\n"))

	c := newTestCompiler(t, fs)
	runOnce(t, c)
	stats := runOnce(t, c)
	assert.False(t, stats.HasErrors())
}

func TestCompareBeforeEmitSkipsUnchangedOutput(t *testing.T) {
	fs := buildfs.NewMemoryFileSystem()
	fs.AddFile("/src/app.js", []byte("module.exports = 1;\n"))

	c := newTestCompiler(t, fs)
	c.Options.Output.CompareBeforeEmit = true
	runOnce(t, c)
	assert.Equal(t, 1, fs.WriteCount("/dist/main.js"))

	// The second compiler simulates a fresh process writing the same bytes.
	c2 := newTestCompiler(t, fs)
	c2.Options.Output.CompareBeforeEmit = true
	runOnce(t, c2)
	assert.Equal(t, 1, fs.WriteCount("/dist/main.js"), "identical content must not be rewritten")
}

func TestEmitRejectsCaselessCollision(t *testing.T) {
	fs := buildfs.NewMemoryFileSystem()
	fs.AddFile("/src/app.js", []byte("module.exports = 1;\n"))

	c := newTestCompiler(t, fs)
	c.Hooks.Compilation.Tap("collide", func(comp *compilation.Compilation) {
		comp.Hooks.ProcessAssets.Tap("collide", func(comp *compilation.Compilation) error {
			comp.EmitAsset("extra.js", codegen.NewRawSourceString("a"), compilation.AssetInfo{})
			comp.EmitAsset("Extra.js", codegen.NewRawSourceString("b"), compilation.AssetInfo{})
			return nil
		})
	})

	r := runWait(t, c)
	require.Error(t, r.err)
	assert.Contains(t, r.err.Error(), "differ only in casing or query")
	assert.True(t, berrors.IsCategory(r.err, berrors.CategoryEmit))
}

func TestImmutableAssetWrittenOnce(t *testing.T) {
	fs := buildfs.NewMemoryFileSystem()
	fs.AddFile("/src/app.js", []byte("module.exports = 1;\n"))

	c := newTestCompiler(t, fs)
	version := 0
	c.Hooks.Compilation.Tap("immutable", func(comp *compilation.Compilation) {
		comp.Hooks.ProcessAssets.Tap("immutable", func(comp *compilation.Compilation) error {
			version++
			comp.EmitAsset("chunk.abc123.js", codegen.NewRawSourceString("content"), compilation.AssetInfo{Immutable: true})
			return nil
		})
	})

	runOnce(t, c)
	runOnce(t, c)
	assert.Equal(t, 2, version)
	assert.Equal(t, 1, fs.WriteCount("/dist/chunk.abc123.js"))
}

func TestShouldEmitFalseKeepsPreviousOutput(t *testing.T) {
	fs := buildfs.NewMemoryFileSystem()
	fs.AddFile("/src/app.js", []byte("require(\"./gone\");\n"))

	c := newTestCompiler(t, fs)
	emitted := false
	c.Hooks.Emit.Tap("spy", func(*compilation.Compilation) error {
		emitted = true
		return nil
	})

	r := runWait(t, c)
	require.NoError(t, r.err)
	require.NotNil(t, r.stats)
	assert.True(t, r.stats.HasErrors())
	assert.False(t, emitted, "failed builds must not emit")
	_, err := fs.ReadFile("/dist/main.js")
	assert.Error(t, err)
}

func TestNeedAdditionalPassLoops(t *testing.T) {
	fs := buildfs.NewMemoryFileSystem()
	fs.AddFile("/src/app.js", []byte("module.exports = 1;\n"))

	c := newTestCompiler(t, fs)
	compiles := 0
	c.Hooks.Compile.Tap("count", func(*compilation.Params) { compiles++ })
	c.Hooks.NeedAdditionalPass.Tap("once", func(*Compiler) (bool, bool) {
		return compiles < 2, true
	})
	doneCalls := 0
	c.Hooks.Done.Tap("count", func(*Stats) error {
		doneCalls++
		return nil
	})
	passes := 0
	c.Hooks.AdditionalPass.Tap("count", func(*Compiler) error {
		passes++
		return nil
	})

	runOnce(t, c)
	assert.Equal(t, 2, compiles)
	assert.Equal(t, 2, doneCalls, "each pass completes its own done sequence")
	assert.Equal(t, 1, passes)
}

func TestFailedRunStillIdlesAndFiresAfterDone(t *testing.T) {
	fs := buildfs.NewMemoryFileSystem()
	fs.AddFile("/src/app.js", []byte("module.exports = 1;\n"))

	c := newTestCompiler(t, fs)
	failOnce := true
	c.Hooks.BeforeRun.Tap("flaky", func(*Compiler) error {
		if failOnce {
			failOnce = false
			return berrors.New(berrors.CategoryBuild, "plugin refused the run")
		}
		return nil
	})
	afterDone := 0
	var afterDoneStats *Stats
	c.Hooks.AfterDone.Tap("spy", func(s *Stats) {
		afterDone++
		afterDoneStats = s
	})
	idles := 0
	c.Cache.Hooks.BeginIdle.Tap("spy", func(struct{}) { idles++ })

	r := runWait(t, c)
	require.Error(t, r.err)
	assert.Equal(t, 1, afterDone, "a failed run still completes the done sequence")
	assert.Nil(t, afterDoneStats)
	assert.Equal(t, 1, idles, "cache backends get their idle window after a failure")

	// The compiler must be back in a runnable state, not wedged out of idle.
	stats := runOnce(t, c)
	assert.False(t, stats.HasErrors())
	assert.Equal(t, 2, afterDone)
	assert.Equal(t, 2, idles)
}

func TestRecordsRoundTripKeepsModuleIDs(t *testing.T) {
	fs := buildfs.NewMemoryFileSystem()
	fs.AddFile("/src/app.js", []byte("const a = require(\"./a\");\n"))
	fs.AddFile("/src/a.js", []byte("module.exports = 1;\n"))

	opts := testOptions()
	opts.Records.InputPath = "/records.json"
	opts.Records.OutputPath = "/records.json"

	c, err := New(opts, Deps{InputFS: fs, OutputFS: fs, IntermediateFS: fs})
	require.NoError(t, err)
	runOnce(t, c)

	data, err := fs.ReadFile("/records.json")
	require.NoError(t, err)
	assert.Contains(t, string(data), "moduleIds")
	firstIDs := map[string]int{}
	for k, v := range c.Records().ModuleIDs {
		firstIDs[k] = v
	}

	c2, err := New(opts, Deps{InputFS: fs, OutputFS: fs, IntermediateFS: fs})
	require.NoError(t, err)
	runOnce(t, c2)
	assert.Equal(t, firstIDs, map[string]int(c2.Records().ModuleIDs))
}

func TestChildCompilerCopiesOnlySharedHooks(t *testing.T) {
	fs := buildfs.NewMemoryFileSystem()
	c := newTestCompiler(t, fs)
	c.Hooks.BeforeRun.Tap("plugin", func(*Compiler) error { return nil })
	c.Hooks.Done.TapAsync("plugin", func(s *Stats, cb hooks.Callback) { cb(nil) })

	child := c.CreateChildCompiler("html", c.Options)
	assert.True(t, child.Hooks.BeforeRun.IsUsed(), "shared hooks are copied")
	assert.False(t, child.Hooks.Make.IsUsed(), "pipeline hooks are not copied")
	assert.False(t, child.Hooks.Done.IsUsed(), "done stays with the parent")
	assert.Equal(t, "html|0|", child.compilerPath)
	assert.Same(t, c.Cache, child.Cache)
	assert.Same(t, c.ResolverFactory, child.ResolverFactory)

	child2 := c.CreateChildCompiler("html", c.Options)
	assert.Equal(t, "html|1|", child2.compilerPath)
}

func TestCloseShutsDownCache(t *testing.T) {
	fs := buildfs.NewMemoryFileSystem()
	c := newTestCompiler(t, fs)

	shutdowns := 0
	c.Cache.Hooks.Shutdown.Tap("spy", func(struct{}) error {
		shutdowns++
		return nil
	})
	ch := make(chan error, 1)
	c.Close(func(err error) { ch <- err })
	select {
	case err := <-ch:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("close did not complete")
	}
	assert.Equal(t, 1, shutdowns)
}
