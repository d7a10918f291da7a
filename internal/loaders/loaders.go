// Package loaders runs loader pipelines over module source. A loader takes
// the output of the previous loader (or the raw resource) and returns
// transformed content; the pipeline executes right to left, so the last
// loader in the list sees the raw resource first.
package loaders

import (
	"fmt"
	"log/slog"

	"git.home.luguber.info/inful/bundler/internal/berrors"
	"git.home.luguber.info/inful/bundler/internal/buildfs"
)

// Item is one loader application within a pipeline.
type Item struct {
	// Loader is the resolved loader path, or a builtin loader name.
	Loader  string
	Options map[string]any
	Ident   string
}

// Context is passed to every loader in a pipeline run.
type Context struct {
	// ResourcePath is the resolved file the pipeline transforms.
	ResourcePath  string
	ResourceQuery string
	// ContextDir is the directory of the resource.
	ContextDir string
	Logger     *slog.Logger

	// Dependency sets filled by loaders so rebuilds track their inputs.
	FileDependencies    map[string]struct{}
	ContextDependencies map[string]struct{}
	MissingDependencies map[string]struct{}

	// Cacheable is cleared by loaders whose output depends on more than
	// their declared inputs.
	Cacheable bool
}

// AddFileDependency records an extra file input of the current loader.
func (c *Context) AddFileDependency(path string) {
	if c.FileDependencies != nil {
		c.FileDependencies[path] = struct{}{}
	}
}

// MarkUncacheable flags the pipeline output as non-cacheable.
func (c *Context) MarkUncacheable() { c.Cacheable = false }

// Loader transforms content. Implementations must be safe for concurrent use.
type Loader interface {
	Name() string
	Run(ctx *Context, input []byte, options map[string]any) ([]byte, error)
}

// Runner executes loader pipelines, looking up builtin loaders by name.
type Runner struct {
	fs       buildfs.InputFileSystem
	builtins map[string]Loader
}

// NewRunner creates a runner with the builtin loader set registered.
func NewRunner(fs buildfs.InputFileSystem) *Runner {
	r := &Runner{fs: fs, builtins: make(map[string]Loader)}
	for _, l := range []Loader{RawLoader{}, JSONLoader{}, MarkdownLoader{}} {
		r.builtins[l.Name()] = l
	}
	return r
}

// Register adds or replaces a builtin loader.
func (r *Runner) Register(l Loader) { r.builtins[l.Name()] = l }

// Lookup returns the builtin loader registered under name.
func (r *Runner) Lookup(name string) (Loader, bool) {
	l, ok := r.builtins[name]
	return l, ok
}

// Run reads the resource and threads it through the pipeline. Items are given
// in post/normal/pre order and executed in reverse, so pre loaders see the
// raw resource and post loaders see the final form.
func (r *Runner) Run(items []Item, lctx *Context) ([]byte, error) {
	content, err := r.fs.ReadFile(lctx.ResourcePath)
	if err != nil {
		return nil, berrors.Wrap(err, berrors.CategoryBuild, fmt.Sprintf("read resource %s", lctx.ResourcePath)).WithFile(lctx.ResourcePath)
	}
	lctx.AddFileDependency(lctx.ResourcePath)

	for i := len(items) - 1; i >= 0; i-- {
		item := items[i]
		loader, ok := r.builtins[item.Loader]
		if !ok {
			return nil, berrors.Newf(berrors.CategoryBuild, "unknown loader %q for %s", item.Loader, lctx.ResourcePath).WithFile(lctx.ResourcePath)
		}
		content, err = loader.Run(lctx, content, item.Options)
		if err != nil {
			return nil, berrors.Wrap(err, berrors.CategoryBuild, fmt.Sprintf("loader %s failed on %s", item.Loader, lctx.ResourcePath)).WithFile(lctx.ResourcePath)
		}
	}
	return content, nil
}
