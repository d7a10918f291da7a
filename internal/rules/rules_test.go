package rules

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/bundler/internal/config"
)

func useLoaders(effects []Effect, kind EffectKind) []string {
	var out []string
	for _, e := range effects {
		if e.Kind == kind {
			out = append(out, e.Value.(UseItem).Loader)
		}
	}
	return out
}

func TestExecMatchesByTestPattern(t *testing.T) {
	rs, err := Compile([]config.RuleConfig{
		{Test: `\.md$`, Use: []config.UseEntry{{Loader: "markdown-loader"}}},
		{Test: `\.json$`, Use: []config.UseEntry{{Loader: "json-loader"}}},
	})
	require.NoError(t, err)

	effects := rs.Exec(&MatchData{Resource: "/src/readme.md"})
	assert.Equal(t, []string{"markdown-loader"}, useLoaders(effects, EffectUse))
	assert.Empty(t, useLoaders(effects, EffectUsePre))
}

func TestExecConditionsAreConjunctive(t *testing.T) {
	rs, err := Compile([]config.RuleConfig{
		{
			Test:    `\.js$`,
			Include: []string{"/src"},
			Exclude: []string{"/src/vendor"},
			Use:     []config.UseEntry{{Loader: "babel-loader"}},
		},
	})
	require.NoError(t, err)

	assert.Len(t, rs.Exec(&MatchData{Resource: "/src/app.js"}), 1)
	assert.Empty(t, rs.Exec(&MatchData{Resource: "/src/vendor/lib.js"}))
	assert.Empty(t, rs.Exec(&MatchData{Resource: "/other/app.js"}))
	assert.Empty(t, rs.Exec(&MatchData{Resource: "/src/app.css"}))
}

func TestEnforceSplitsUseKinds(t *testing.T) {
	rs, err := Compile([]config.RuleConfig{
		{Test: `\.js$`, Enforce: "pre", Use: []config.UseEntry{{Loader: "lint-loader"}}},
		{Test: `\.js$`, Use: []config.UseEntry{{Loader: "babel-loader"}}},
		{Test: `\.js$`, Enforce: "post", Use: []config.UseEntry{{Loader: "coverage-loader"}}},
	})
	require.NoError(t, err)

	effects := rs.Exec(&MatchData{Resource: "/src/app.js"})
	assert.Equal(t, []string{"lint-loader"}, useLoaders(effects, EffectUsePre))
	assert.Equal(t, []string{"babel-loader"}, useLoaders(effects, EffectUse))
	assert.Equal(t, []string{"coverage-loader"}, useLoaders(effects, EffectUsePost))
}

func TestIssuerAndDependencyConditions(t *testing.T) {
	rs, err := Compile([]config.RuleConfig{
		{Issuer: `\.md$`, DependencyType: "esm", Type: "asset"},
	})
	require.NoError(t, err)

	matched := rs.Exec(&MatchData{Resource: "/a.png", Issuer: "/doc.md", DependencyType: "esm"})
	require.Len(t, matched, 1)
	assert.Equal(t, EffectType, matched[0].Kind)
	assert.Equal(t, "asset", matched[0].Value)

	assert.Empty(t, rs.Exec(&MatchData{Resource: "/a.png", Issuer: "/doc.md", DependencyType: "cjs"}))
	assert.Empty(t, rs.Exec(&MatchData{Resource: "/a.png", Issuer: "/app.js", DependencyType: "esm"}))
}

func TestResourceQueryCondition(t *testing.T) {
	rs, err := Compile([]config.RuleConfig{
		{ResourceQuery: `raw`, Type: "asset/source"},
	})
	require.NoError(t, err)

	assert.Len(t, rs.Exec(&MatchData{Resource: "/a.svg", ResourceQuery: "?raw"}), 1)
	assert.Empty(t, rs.Exec(&MatchData{Resource: "/a.svg"}))
}

func TestIdentReferenceTable(t *testing.T) {
	rs, err := Compile([]config.RuleConfig{
		{Test: `\.js$`, Use: []config.UseEntry{{
			Loader:  "babel-loader",
			Options: map[string]any{"presets": []any{"env"}},
			Ident:   "babel-default",
		}}},
	})
	require.NoError(t, err)

	opts, ok := rs.References("babel-default")
	require.True(t, ok)
	assert.Equal(t, []any{"env"}, opts["presets"])

	_, ok = rs.References("missing")
	assert.False(t, ok)
}

func TestCompileRejectsBadInput(t *testing.T) {
	_, err := Compile([]config.RuleConfig{{Test: `([`}})
	require.Error(t, err)

	_, err = Compile([]config.RuleConfig{{Enforce: "sideways"}})
	require.Error(t, err)

	_, err = Compile([]config.RuleConfig{{Use: []config.UseEntry{{Options: map[string]any{"a": 1}}}}})
	require.Error(t, err)

	_, err = Compile([]config.RuleConfig{
		{Use: []config.UseEntry{{Loader: "a", Ident: "x"}}},
		{Use: []config.UseEntry{{Loader: "b", Ident: "x"}}},
	})
	require.Error(t, err)
}

func TestLayerEffect(t *testing.T) {
	rs, err := Compile([]config.RuleConfig{
		{Test: `\.js$`, Layer: "modern"},
	})
	require.NoError(t, err)

	effects := rs.Exec(&MatchData{Resource: "/app.js"})
	require.Len(t, effects, 1)
	assert.Equal(t, EffectLayer, effects[0].Kind)
	assert.Equal(t, "modern", effects[0].Value)
}
