package compiler

import (
	"bytes"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/text/cases"

	"git.home.luguber.info/inful/bundler/internal/berrors"
	"git.home.luguber.info/inful/bundler/internal/compilation"
	"git.home.luguber.info/inful/bundler/internal/hooks"
)

// emitConcurrency bounds how many assets are written at once.
const emitConcurrency = 15

var caseFolder = cases.Fold()

// EmitAssets writes the compilation's assets to the output file system.
// Unchanged sources are skipped, immutable assets are written at most once,
// and filenames that collide caselessly or only by query string are
// rejected.
func (c *Compiler) EmitAssets(comp *compilation.Compilation, callback hooks.Callback) {
	start := time.Now()
	c.Hooks.Emit.CallAsync(comp, func(err error) {
		if err != nil {
			callback(err)
			return
		}
		if err := c.OutputFS.MkdirAll(c.Options.Output.Path, 0o750); err != nil {
			callback(berrors.Wrap(err, berrors.CategoryEmit, "create output directory"))
			return
		}

		names := make([]string, 0, len(comp.Assets()))
		for name := range comp.Assets() {
			names = append(names, name)
		}
		sort.Strings(names)

		if err := checkAssetCollisions(names); err != nil {
			callback(err)
			return
		}

		var emitted, skipped atomic.Int64
		forEachLimit(names, emitConcurrency, func(name string, done hooks.Callback) {
			asset, _ := comp.GetAsset(name)
			c.emitAsset(name, asset, func(wrote bool, err error) {
				if err != nil {
					done(err)
					return
				}
				if wrote {
					emitted.Add(1)
				} else {
					skipped.Add(1)
				}
				done(nil)
			})
		}, func(err error) {
			if err != nil {
				callback(err)
				return
			}
			c.Recorder.AddAssetsEmitted(int(emitted.Load()))
			c.Recorder.AddAssetsSkipped(int(skipped.Load()))
			c.Recorder.ObserveEmitDuration(time.Since(start))
			c.Hooks.AfterEmit.CallAsync(comp, callback)
		})
	})
}

// emitAsset writes one asset unless it can be proven unchanged. done reports
// whether a write happened; it may fire from an assetEmitted tap's goroutine.
func (c *Compiler) emitAsset(name string, asset *compilation.Asset, done func(wrote bool, err error)) {
	targetPath := filepath.Join(c.Options.Output.Path, stripQuery(name))

	c.emitMu.Lock()
	prev, seen := c.writtenFiles[targetPath]
	c.emitMu.Unlock()
	if seen {
		// The same source object was already written here; immutable assets
		// additionally never get rewritten once present.
		if prev == asset.Source || asset.Info.Immutable {
			done(false, nil)
			return
		}
	}

	content := asset.Source.Buffer()

	if c.Options.Output.CompareBeforeEmit {
		if info, err := c.OutputFS.Stat(targetPath); err == nil && info.Size() == int64(len(content)) {
			if existing, err := c.OutputFS.ReadFile(targetPath); err == nil && bytes.Equal(existing, content) {
				c.emitMu.Lock()
				c.writtenFiles[targetPath] = asset.Source
				c.emitMu.Unlock()
				done(false, nil)
				return
			}
		}
	}

	if err := c.OutputFS.WriteFile(targetPath, content, 0o640); err != nil {
		done(false, berrors.Wrap(err, berrors.CategoryEmit, fmt.Sprintf("write asset %s", name)).WithFile(name))
		return
	}
	c.emitMu.Lock()
	c.writtenFiles[targetPath] = asset.Source
	c.emitMu.Unlock()

	info := &AssetEmittedInfo{Name: name, TargetPath: targetPath, Content: content}
	c.Hooks.AssetEmitted.CallAsync(info, func(err error) { done(true, err) })
}

// checkAssetCollisions rejects asset sets where two names map to the same
// output file, differing only in casing or query string.
func checkAssetCollisions(names []string) error {
	byFolded := make(map[string]string, len(names))
	for _, name := range names {
		folded := caseFolder.String(stripQuery(name))
		if first, ok := byFolded[folded]; ok {
			return berrors.Newf(berrors.CategoryEmit,
				"multiple assets emit to the same file %q: %q and %q differ only in casing or query",
				folded, first, name)
		}
		byFolded[folded] = name
	}
	return nil
}

func stripQuery(name string) string {
	if idx := strings.Index(name, "?"); idx >= 0 {
		return name[:idx]
	}
	return name
}

// forEachLimit runs fn over items with at most limit in flight; cb fires
// once after all complete or on the first error. After an error no further
// items are submitted.
func forEachLimit[T any](items []T, limit int, fn func(item T, done hooks.Callback), cb hooks.Callback) {
	if len(items) == 0 {
		cb(nil)
		return
	}
	done := hooks.NeedCalls(len(items), cb)
	sem := make(chan struct{}, limit)
	var aborted atomic.Bool
	for _, item := range items {
		item := item
		sem <- struct{}{}
		if aborted.Load() {
			// cb already fired with the error through NeedCalls.
			<-sem
			return
		}
		go fn(item, func(err error) {
			if err != nil {
				aborted.Store(true)
			}
			<-sem
			done(err)
		})
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedSet(set map[string]struct{}) []string {
	return sortedKeys(set)
}
