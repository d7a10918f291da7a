package codegen

import (
	"hash"
	"log/slog"
	"time"
)

// BuildMeta is metadata about a module's shape, set during Build and stable
// across code generation.
type BuildMeta struct {
	Async       bool
	ExportsType string
}

// BuildInfo is per-build bookkeeping set during Build; it is discarded and
// recreated when the module is rebuilt.
type BuildInfo struct {
	// Cacheable is false when any loader opted out of caching.
	Cacheable bool
	// Hash is the module's build hash, fed by source and dependencies.
	Hash string
	// BuiltAt records when Build finished.
	BuiltAt time.Time

	// Dependency sets the watcher is re-armed over after a build.
	FileDependencies    []string
	ContextDependencies []string
	MissingDependencies []string
}

// NeedBuildContext carries the information a module consults to decide
// whether it must be rebuilt.
type NeedBuildContext struct {
	FileTimestamps map[string]time.Time
	// ModifiedFiles is nil on the first build, meaning everything builds.
	ModifiedFiles map[string]struct{}
}

// Module is the unit of compiled output.
type Module interface {
	// Identifier uniquely names the module, including loaders and layer.
	Identifier() string
	// ReadableIdentifier is a shortened form for diagnostics.
	ReadableIdentifier() string
	// Type is the module type tag from rule evaluation, e.g. "javascript".
	Type() string
	// Layer is the optional layer assigned by rule evaluation.
	Layer() string

	Dependencies() []Dependency
	AddDependency(dep Dependency)
	ClearDependencies()

	BuildInfo() *BuildInfo
	BuildMeta() *BuildMeta

	// NeedBuild reports whether the module must be (re)built.
	NeedBuild(ctx *NeedBuildContext) (bool, error)
	// OriginalSource returns the post-loader source; nil before Build.
	OriginalSource() Source

	// UpdateHash feeds the module identity and build hash into h.
	UpdateHash(h hash.Hash)
}

// ModuleLogger returns a namespaced logger for a module.
func ModuleLogger(base *slog.Logger, identifier string) *slog.Logger {
	if base == nil {
		base = slog.Default()
	}
	return base.With("module", identifier)
}
