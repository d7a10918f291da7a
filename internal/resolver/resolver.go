// Package resolver maps request strings plus context directories to absolute
// file paths. The ResolverFactory memoizes resolver instances per resolve
// option set so structurally identical option sets share one resolver.
package resolver

import (
	"log/slog"
	"path/filepath"
	"strings"

	"git.home.luguber.info/inful/bundler/internal/berrors"
	"git.home.luguber.info/inful/bundler/internal/buildfs"
	"git.home.luguber.info/inful/bundler/internal/config"
)

// ContextInfo describes the requester.
type ContextInfo struct {
	Issuer      string
	IssuerLayer string
	Compiler    string
}

// ResolveContext collects the dependency sets touched during one resolution,
// so the watcher can be armed over them.
type ResolveContext struct {
	FileDependencies    map[string]struct{}
	MissingDependencies map[string]struct{}
	ContextDependencies map[string]struct{}
	Logger              *slog.Logger
}

func (c *ResolveContext) addFile(path string) {
	if c != nil && c.FileDependencies != nil {
		c.FileDependencies[path] = struct{}{}
	}
}

func (c *ResolveContext) addMissing(path string) {
	if c != nil && c.MissingDependencies != nil {
		c.MissingDependencies[path] = struct{}{}
	}
}

// ResolveData carries extra information about a successful resolution.
type ResolveData struct {
	Path     string
	Query    string
	Fragment string
}

// ResolveCallback receives the resolution outcome. An empty path with a nil
// error means the request was deliberately ignored.
type ResolveCallback func(err error, path string, data *ResolveData)

// Resolver resolves requests against a fixed option set.
type Resolver interface {
	Resolve(info ContextInfo, contextDir, request string, resolveCtx *ResolveContext, callback ResolveCallback)
	Options() *config.ResolveOptions
	// WithOptions returns a derived resolver with partial applied over
	// this resolver's options, cached per partial-options identity.
	WithOptions(partial *config.ResolveOptions) Resolver
}

type localResolver struct {
	factory    *Factory
	typ        string
	options    *config.ResolveOptions
	fs         buildfs.InputFileSystem
	childCache map[*config.ResolveOptions]Resolver
}

func (r *localResolver) Options() *config.ResolveOptions { return r.options }

func (r *localResolver) WithOptions(partial *config.ResolveOptions) Resolver {
	r.factory.mu.Lock()
	if derived, ok := r.childCache[partial]; ok {
		r.factory.mu.Unlock()
		return derived
	}
	r.factory.mu.Unlock()

	derived := r.factory.Get(r.typ, r.options.Merged(partial))

	r.factory.mu.Lock()
	r.childCache[partial] = derived
	r.factory.mu.Unlock()
	return derived
}

func (r *localResolver) Resolve(info ContextInfo, contextDir, request string, resolveCtx *ResolveContext, callback ResolveCallback) {
	if request == "" {
		callback(berrors.New(berrors.CategoryResolve, "cannot resolve empty request"), "", nil)
		return
	}

	request = r.applyAlias(request)

	var base string
	switch {
	case filepath.IsAbs(request):
		base = request
	case strings.HasPrefix(request, "./") || strings.HasPrefix(request, "../") || request == "." || request == "..":
		base = filepath.Join(contextDir, request)
	default:
		r.resolveModuleRequest(contextDir, request, resolveCtx, callback)
		return
	}

	if path, ok := r.tryCandidates(base, resolveCtx); ok {
		callback(nil, path, &ResolveData{Path: path})
		return
	}
	callback(r.notFound(contextDir, request), "", nil)
}

func (r *localResolver) applyAlias(request string) string {
	for from, to := range r.options.Alias {
		if request == from {
			return to
		}
		if strings.HasPrefix(request, from+"/") {
			return to + strings.TrimPrefix(request, from)
		}
	}
	return request
}

// resolveModuleRequest searches the configured module directories, walking
// upward from the context directory like node-style resolution.
func (r *localResolver) resolveModuleRequest(contextDir, request string, resolveCtx *ResolveContext, callback ResolveCallback) {
	dir := contextDir
	for {
		for _, modules := range r.options.Modules {
			base := filepath.Join(dir, modules, request)
			if path, ok := r.tryCandidates(base, resolveCtx); ok {
				callback(nil, path, &ResolveData{Path: path})
				return
			}
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	callback(r.notFound(contextDir, request), "", nil)
}

// tryCandidates checks the exact path, extension variants and main files.
func (r *localResolver) tryCandidates(base string, resolveCtx *ResolveContext) (string, bool) {
	if info, err := r.fs.Stat(base); err == nil {
		if !info.IsDir() {
			resolveCtx.addFile(base)
			return base, true
		}
		if !r.options.FullySpecified {
			for _, main := range r.options.MainFiles {
				for _, ext := range r.options.Extensions {
					candidate := filepath.Join(base, main+ext)
					if fi, err := r.fs.Stat(candidate); err == nil && !fi.IsDir() {
						resolveCtx.addFile(candidate)
						return candidate, true
					}
					resolveCtx.addMissing(candidate)
				}
			}
		}
		return "", false
	}
	resolveCtx.addMissing(base)
	if r.options.FullySpecified {
		return "", false
	}
	for _, ext := range r.options.Extensions {
		candidate := base + ext
		if fi, err := r.fs.Stat(candidate); err == nil && !fi.IsDir() {
			resolveCtx.addFile(candidate)
			return candidate, true
		}
		resolveCtx.addMissing(candidate)
	}
	return "", false
}

func (r *localResolver) notFound(contextDir, request string) error {
	return berrors.Newf(berrors.CategoryResolve, "can't resolve %q in %q", request, contextDir)
}
