package factory

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/bundler/internal/buildfs"
	"git.home.luguber.info/inful/bundler/internal/codegen"
	"git.home.luguber.info/inful/bundler/internal/config"
	"git.home.luguber.info/inful/bundler/internal/hooks"
	"git.home.luguber.info/inful/bundler/internal/loaders"
	"git.home.luguber.info/inful/bundler/internal/resolver"
	"git.home.luguber.info/inful/bundler/internal/rules"
)

func newTestFactory(t *testing.T, fs *buildfs.MemoryFileSystem, ruleConfigs []config.RuleConfig) (*Factory, *loaders.Runner) {
	t.Helper()
	rs, err := rules.Compile(ruleConfigs)
	require.NoError(t, err)
	runner := loaders.NewRunner(fs)
	f := New(Config{
		ResolverFactory: resolver.NewFactory(fs),
		Runner:          runner,
		RuleSet:         rs,
		ResolveOptions:  config.ResolveOptions{Extensions: []string{".js", ".txt", ".json"}},
	})
	return f, runner
}

func create(t *testing.T, f *Factory, context, request string) (codegen.Module, error) {
	t.Helper()
	dep := codegen.NewEntryDependency("main", request)
	var module codegen.Module
	var gotErr error
	called := false
	f.Create(&CreateData{Context: context, Dependency: dep}, func(err error, result *Result) {
		called = true
		gotErr = err
		if result != nil {
			module = result.Module
		}
	})
	require.True(t, called, "create callback must fire")
	return module, gotErr
}

func TestCreateAppliesRuleLoaders(t *testing.T) {
	fs := buildfs.NewMemoryFileSystem()
	fs.AddFile("/src/a.txt", []byte("hello"))
	f, _ := newTestFactory(t, fs, []config.RuleConfig{
		{Test: `\.txt$`, Use: []config.UseEntry{{Loader: "raw-loader"}}},
	})

	module, err := create(t, f, "/src", "./a.txt")
	require.NoError(t, err)
	nm := module.(*NormalModule)
	assert.Equal(t, "/src/a.txt", nm.ResourcePath())
	require.Len(t, nm.loaders, 1)
	assert.Equal(t, "raw-loader", nm.loaders[0].Loader)
	assert.Equal(t, "raw-loader!/src/a.txt", nm.Identifier())
}

func TestCreateInlineLoaderMarkersSuppressRuleLoaders(t *testing.T) {
	fs := buildfs.NewMemoryFileSystem()
	fs.AddFile("/src/a.txt", []byte("hello"))
	ruleConfigs := []config.RuleConfig{
		{Test: `\.txt$`, Enforce: "pre", Use: []config.UseEntry{{Loader: "markdown-loader"}}},
		{Test: `\.txt$`, Use: []config.UseEntry{{Loader: "json-loader"}}},
		{Test: `\.txt$`, Enforce: "post", Use: []config.UseEntry{{Loader: "markdown-loader"}}},
	}

	f, _ := newTestFactory(t, fs, ruleConfigs)
	module, err := create(t, f, "/src", "!!raw-loader!./a.txt")
	require.NoError(t, err)
	nm := module.(*NormalModule)
	require.Len(t, nm.loaders, 1)
	assert.Equal(t, "raw-loader", nm.loaders[0].Loader)

	// "!" only drops the normal loaders.
	f, _ = newTestFactory(t, fs, ruleConfigs)
	module, err = create(t, f, "/src", "!raw-loader!./a.txt")
	require.NoError(t, err)
	nm = module.(*NormalModule)
	var names []string
	for _, it := range nm.loaders {
		names = append(names, it.Loader)
	}
	assert.Equal(t, []string{"markdown-loader", "raw-loader", "markdown-loader"}, names)

	// "-!" drops pre and normal loaders but keeps post.
	f, _ = newTestFactory(t, fs, ruleConfigs)
	module, err = create(t, f, "/src", "-!raw-loader!./a.txt")
	require.NoError(t, err)
	nm = module.(*NormalModule)
	names = nil
	for _, it := range nm.loaders {
		names = append(names, it.Loader)
	}
	assert.Equal(t, []string{"markdown-loader", "raw-loader"}, names)
}

func TestCreateEmptyRequest(t *testing.T) {
	fs := buildfs.NewMemoryFileSystem()
	f, _ := newTestFactory(t, fs, nil)

	_, err := create(t, f, "/src", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty dependency")
}

func TestCreateUnknownLoaderOptionsIdent(t *testing.T) {
	fs := buildfs.NewMemoryFileSystem()
	fs.AddFile("/src/a.txt", []byte("x"))
	f, _ := newTestFactory(t, fs, nil)

	_, err := create(t, f, "/src", "raw-loader??missing!./a.txt")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown loader options ident "missing"`)
}

func TestCreateInlineLoaderIdentOptions(t *testing.T) {
	fs := buildfs.NewMemoryFileSystem()
	fs.AddFile("/src/doc.md", []byte("# hi"))
	f, _ := newTestFactory(t, fs, []config.RuleConfig{
		{Test: `never-matches$`, Use: []config.UseEntry{{
			Loader:  "markdown-loader",
			Options: map[string]any{"gfm": false},
			Ident:   "md-plain",
		}}},
	})

	module, err := create(t, f, "/src", "markdown-loader??md-plain!./doc.md")
	require.NoError(t, err)
	nm := module.(*NormalModule)
	require.Len(t, nm.loaders, 1)
	assert.Equal(t, map[string]any{"gfm": false}, nm.loaders[0].Options)
}

func TestBeforeResolveBailIgnoresRequest(t *testing.T) {
	fs := buildfs.NewMemoryFileSystem()
	f, _ := newTestFactory(t, fs, nil)
	ignore := false
	f.Hooks.BeforeResolve.Tap("ignore-plugin", func(rd *ResolveData) (*bool, error) {
		return &ignore, nil
	})

	module, err := create(t, f, "/src", "./missing.txt")
	require.NoError(t, err)
	assert.Nil(t, module)
}

func TestResolveForScheme(t *testing.T) {
	fs := buildfs.NewMemoryFileSystem()
	f, _ := newTestFactory(t, fs, nil)

	_, err := create(t, f, "/src", "data:text/plain,hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `URI scheme "data"`)

	f.ResolveForScheme("data").TapAsync("data-plugin", func(rd *ResolveData, cb hooks.ResultCallback[bool]) {
		handled := true
		cb(&handled, nil)
	})
	module, err := create(t, f, "/src", "data:text/plain,hello")
	require.NoError(t, err)
	require.NotNil(t, module)
	assert.Contains(t, module.Identifier(), "data:text/plain,hello")
}

func TestDefaultTypeForJSON(t *testing.T) {
	fs := buildfs.NewMemoryFileSystem()
	fs.AddFile("/src/data.json", []byte(`{"a":1}`))
	f, _ := newTestFactory(t, fs, nil)

	module, err := create(t, f, "/src", "./data.json")
	require.NoError(t, err)
	assert.Equal(t, "json", module.Type())
}

func TestOptionalDependencyMissIsIgnored(t *testing.T) {
	fs := buildfs.NewMemoryFileSystem()
	f, _ := newTestFactory(t, fs, nil)

	dep := codegen.NewModuleDependency("cjs require", "commonjs", "./missing")
	dep.SetOptional(true)
	var module codegen.Module
	f.Create(&CreateData{Context: "/src", Dependency: dep}, func(err error, result *Result) {
		require.NoError(t, err)
		module = result.Module
	})
	assert.Nil(t, module)
}

func TestCreateRecordsResolutionDependencies(t *testing.T) {
	fs := buildfs.NewMemoryFileSystem()
	fs.AddFile("/src/a.txt", []byte("x"))
	f, _ := newTestFactory(t, fs, nil)

	dep := codegen.NewEntryDependency("main", "./a")
	var result *Result
	f.Create(&CreateData{Context: "/src", Dependency: dep}, func(err error, r *Result) {
		require.NoError(t, err)
		result = r
	})
	require.NotNil(t, result)
	assert.Contains(t, result.FileDependencies, "/src/a.txt")
	// The extension probes before .txt are recorded as missing.
	assert.Contains(t, result.MissingDependencies, "/src/a.js")
}

func TestNormalModuleBuild(t *testing.T) {
	fs := buildfs.NewMemoryFileSystem()
	fs.AddFile("/src/app.js", []byte(`const a = require("./a");`+"\n"))
	fs.AddFile("/src/a.js", []byte("module.exports = 1;\n"))
	f, runner := newTestFactory(t, fs, nil)

	module, err := create(t, f, "/src", "./app.js")
	require.NoError(t, err)
	nm := module.(*NormalModule)

	need, err := nm.NeedBuild(&codegen.NeedBuildContext{})
	require.NoError(t, err)
	assert.True(t, need, "never-built module needs a build")

	require.NoError(t, nm.Build(&BuildContext{Runner: runner}))
	require.NotNil(t, nm.BuildInfo())
	assert.True(t, nm.BuildInfo().Cacheable)
	assert.NotEmpty(t, nm.BuildInfo().Hash)
	assert.Contains(t, nm.BuildInfo().FileDependencies, "/src/app.js")

	deps := nm.Dependencies()
	require.Len(t, deps, 1)
	md := deps[0].(*codegen.ModuleDependency)
	assert.Equal(t, "./a", md.Request)
	assert.Equal(t, "cjs require", md.Type())

	// Unmodified inputs mean no rebuild.
	need, err = nm.NeedBuild(&codegen.NeedBuildContext{ModifiedFiles: map[string]struct{}{}})
	require.NoError(t, err)
	assert.False(t, need)

	need, err = nm.NeedBuild(&codegen.NeedBuildContext{ModifiedFiles: map[string]struct{}{"/src/app.js": {}}})
	require.NoError(t, err)
	assert.True(t, need)
}
