package factory

import (
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"log/slog"
	"path/filepath"
	"time"

	"git.home.luguber.info/inful/bundler/internal/berrors"
	"git.home.luguber.info/inful/bundler/internal/codegen"
	"git.home.luguber.info/inful/bundler/internal/config"
	"git.home.luguber.info/inful/bundler/internal/loaders"
)

// NormalModule is a file-backed module produced by the factory: a resolved
// resource plus the loader pipeline that transforms it.
type NormalModule struct {
	// request is the fully resolved request, loaders included.
	request string
	// userRequest is the request without loader markers, for diagnostics.
	userRequest string
	// rawRequest is the request string as written in the source.
	rawRequest string

	resourcePath  string
	resourceQuery string
	matchResource string

	typ     string
	layer   string
	loaders []loaders.Item
	parser  map[string]any
	// generator options adjust code emission per module type.
	generator map[string]any
	// resolveOptions apply to requests issued from this module.
	resolveOptions *config.ResolveOptions

	deps      []codegen.Dependency
	buildInfo *codegen.BuildInfo
	buildMeta *codegen.BuildMeta
	source    codegen.Source
}

// BuildContext carries what a module build needs from its compilation.
type BuildContext struct {
	Runner *loaders.Runner
	Logger *slog.Logger
}

func (m *NormalModule) Identifier() string {
	if m.layer != "" {
		return "(" + m.layer + ")/" + m.request
	}
	return m.request
}

func (m *NormalModule) ReadableIdentifier() string { return m.userRequest }
func (m *NormalModule) Type() string               { return m.typ }
func (m *NormalModule) Layer() string              { return m.layer }

func (m *NormalModule) Dependencies() []codegen.Dependency { return m.deps }
func (m *NormalModule) AddDependency(dep codegen.Dependency) {
	m.deps = append(m.deps, dep)
}
func (m *NormalModule) ClearDependencies() { m.deps = nil }

func (m *NormalModule) BuildInfo() *codegen.BuildInfo { return m.buildInfo }
func (m *NormalModule) BuildMeta() *codegen.BuildMeta { return m.buildMeta }

func (m *NormalModule) OriginalSource() codegen.Source { return m.source }

// ResourcePath is the resolved file backing this module.
func (m *NormalModule) ResourcePath() string { return m.resourcePath }

// ResolveOptions returns the per-module resolve overrides from rule
// evaluation, nil when none apply.
func (m *NormalModule) ResolveOptions() *config.ResolveOptions { return m.resolveOptions }

// NeedBuild reports whether the module must be rebuilt. A module that was
// never built, opted out of caching, or has a modified input needs a build.
func (m *NormalModule) NeedBuild(ctx *codegen.NeedBuildContext) (bool, error) {
	if m.buildInfo == nil {
		return true, nil
	}
	if !m.buildInfo.Cacheable {
		return true, nil
	}
	if ctx.ModifiedFiles == nil {
		return true, nil
	}
	for _, f := range m.buildInfo.FileDependencies {
		if _, ok := ctx.ModifiedFiles[f]; ok {
			return true, nil
		}
	}
	for _, d := range m.buildInfo.ContextDependencies {
		for modified := range ctx.ModifiedFiles {
			if modified == d || filepath.Dir(modified) == d {
				return true, nil
			}
		}
	}
	for _, f := range m.buildInfo.MissingDependencies {
		if _, ok := ctx.ModifiedFiles[f]; ok {
			return true, nil
		}
	}
	return false, nil
}

// Build runs the loader pipeline, replaces dependencies with a fresh parse
// and fills in BuildInfo and BuildMeta.
func (m *NormalModule) Build(bctx *BuildContext) error {
	m.buildMeta = &codegen.BuildMeta{}
	m.ClearDependencies()

	lctx := &loaders.Context{
		ResourcePath:        m.resourcePath,
		ResourceQuery:       m.resourceQuery,
		ContextDir:          filepath.Dir(m.resourcePath),
		Logger:              codegen.ModuleLogger(bctx.Logger, m.Identifier()),
		FileDependencies:    make(map[string]struct{}),
		ContextDependencies: make(map[string]struct{}),
		MissingDependencies: make(map[string]struct{}),
		Cacheable:           true,
	}

	content, err := bctx.Runner.Run(m.loaders, lctx)
	if err != nil {
		m.buildInfo = &codegen.BuildInfo{
			Cacheable:        false,
			BuiltAt:          time.Now(),
			FileDependencies: setToSorted(lctx.FileDependencies),
		}
		if be, ok := err.(*berrors.BuildError); ok {
			return be.WithModule(m.Identifier())
		}
		return err
	}

	m.source = codegen.NewRawSourceString(string(content))
	if m.typ == "javascript" {
		for _, dep := range parseDependencies(content) {
			m.AddDependency(dep)
		}
	}

	h := sha256.New()
	h.Write(content)
	for _, dep := range m.deps {
		dep.UpdateHash(h)
	}

	m.buildInfo = &codegen.BuildInfo{
		Cacheable:           lctx.Cacheable,
		Hash:                hex.EncodeToString(h.Sum(nil)),
		BuiltAt:             time.Now(),
		FileDependencies:    setToSorted(lctx.FileDependencies),
		ContextDependencies: setToSorted(lctx.ContextDependencies),
		MissingDependencies: setToSorted(lctx.MissingDependencies),
	}
	return nil
}

func (m *NormalModule) UpdateHash(h hash.Hash) {
	h.Write([]byte(m.Identifier()))
	if m.buildInfo != nil {
		h.Write([]byte(m.buildInfo.Hash))
	}
}
