package compiler

import (
	"sync"
	"time"

	"git.home.luguber.info/inful/bundler/internal/berrors"
	"git.home.luguber.info/inful/bundler/internal/buildfs"
	"git.home.luguber.info/inful/bundler/internal/hooks"
)

// Watching is the incremental rebuild loop of one compiler. It owns the
// filesystem watcher, merges change windows that arrive while a build is in
// flight and chains the next build from the previous build's completion.
type Watching struct {
	compiler *Compiler
	handler  func(err error, stats *Stats)

	mu        sync.Mutex
	running   bool
	invalid   bool
	suspended bool
	closed    bool
	firstRun  bool

	watcher buildfs.Watcher
	// paused holds the previous watcher while a build runs; its unflushed
	// window is folded into the pending set before the next one is armed.
	paused buildfs.Watcher
	// startTime of the most recent build, used by the next watcher to
	// catch up on changes that raced the re-arm.
	startTime time.Time

	// Dependency sets of the last successful build, so a failed build can
	// re-arm over them.
	lastFiles   []string
	lastDirs    []string
	lastMissing []string

	// Pending change state, merged last-write-wins across windows.
	pendingChanges  map[string]struct{}
	pendingRemovals map[string]struct{}
	pendingTimes    map[string]time.Time

	closeCallbacks []hooks.Callback
}

// newWatching creates the loop and schedules the initial build on a fresh
// goroutine so the caller gets the Watching handle before the first handler
// invocation.
func newWatching(c *Compiler, handler func(err error, stats *Stats)) *Watching {
	w := &Watching{
		compiler:        c,
		handler:         handler,
		firstRun:        true,
		invalid:         true,
		startTime:       time.Now(),
		pendingChanges:  make(map[string]struct{}),
		pendingRemovals: make(map[string]struct{}),
		pendingTimes:    make(map[string]time.Time),
	}
	go w.tryBuild()
	return w
}

// Invalidate forces a rebuild without a filesystem event. The callback runs
// after the forced build completes.
func (w *Watching) Invalidate(callback hooks.Callback) {
	w.mu.Lock()
	w.invalid = true
	if callback != nil {
		prev := w.handler
		w.handler = func(err error, stats *Stats) {
			w.mu.Lock()
			w.handler = prev
			w.mu.Unlock()
			prev(err, stats)
			callback(err)
		}
	}
	w.mu.Unlock()

	w.compiler.Hooks.Invalid.Call(&InvalidInfo{ChangeTime: time.Now()})
	w.tryBuild()
}

// Suspend pauses rebuilds; change windows keep accumulating.
func (w *Watching) Suspend() {
	w.mu.Lock()
	w.suspended = true
	w.mu.Unlock()
}

// Resume re-enables rebuilds and runs one if anything is pending.
func (w *Watching) Resume() {
	w.mu.Lock()
	w.suspended = false
	w.mu.Unlock()
	w.tryBuild()
}

// Close stops the loop. The callback fires once the in-flight build, if
// any, has finished.
func (w *Watching) Close(callback hooks.Callback) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		callback(nil)
		return
	}
	w.closed = true
	watcher := w.watcher
	w.watcher = nil
	paused := w.paused
	w.paused = nil
	running := w.running
	if running && callback != nil {
		w.closeCallbacks = append(w.closeCallbacks, callback)
	}
	w.mu.Unlock()

	if watcher != nil {
		watcher.Close()
	}
	if paused != nil {
		paused.Close()
	}
	w.compiler.Hooks.WatchClose.Call(w.compiler)
	w.compiler.watchMode = false
	if !running && callback != nil {
		callback(nil)
	}
}

// tryBuild starts a build if the loop is invalid, idle and not suspended.
func (w *Watching) tryBuild() {
	w.mu.Lock()
	if w.closed || w.suspended || w.running || !w.invalid {
		w.mu.Unlock()
		return
	}
	w.running = true
	w.invalid = false
	first := w.firstRun
	w.firstRun = false

	modified := w.pendingChanges
	removed := w.pendingRemovals
	times := w.pendingTimes
	w.pendingChanges = make(map[string]struct{})
	w.pendingRemovals = make(map[string]struct{})
	w.pendingTimes = make(map[string]time.Time)

	watcher := w.watcher
	w.watcher = nil
	w.startTime = time.Now()
	w.mu.Unlock()

	if watcher != nil {
		// Keep the paused watcher recording; its window is folded in
		// and the watcher closed when the next one is armed.
		watcher.Pause()
		w.mu.Lock()
		w.paused = watcher
		w.mu.Unlock()
	}

	c := w.compiler
	if first {
		// Everything is considered modified on the first build.
		c.modifiedFiles = nil
		c.removedFiles = nil
	} else {
		c.Recorder.IncRebuild()
		c.modifiedFiles = modified
		c.removedFiles = removed
		if c.fileTimestamps == nil {
			c.fileTimestamps = make(map[string]time.Time)
		}
		for p, t := range times {
			c.fileTimestamps[p] = t
		}
		purge := make([]string, 0, len(modified)+len(removed))
		for p := range modified {
			purge = append(purge, p)
		}
		for p := range removed {
			purge = append(purge, p)
		}
		c.InputFS.Purge(purge...)
	}

	if c.running {
		w.done(&berrors.ConcurrentCompilationError{}, nil)
		return
	}
	c.running = true

	buildStart := time.Now()
	c.leaveIdle(buildStart, w.done, func(fail func(error)) {
		c.Hooks.WatchRun.CallAsync(c, func(err error) {
			if err != nil {
				fail(err)
				return
			}
			c.buildCycle(buildStart, w.done, fail)
		})
	})
}

// done finishes one build: re-arm the watcher over the compilation's
// dependency sets, notify the handler and chain the next build if changes
// arrived meanwhile.
func (w *Watching) done(err error, stats *Stats) {
	var comp interface {
		FileDependencies() map[string]struct{}
		ContextDependencies() map[string]struct{}
		MissingDependencies() map[string]struct{}
	}
	if stats != nil && stats.Compilation != nil {
		comp = stats.Compilation
	}

	w.mu.Lock()
	closed := w.closed
	w.running = false
	callbacks := w.closeCallbacks
	w.closeCallbacks = nil
	handler := w.handler
	if comp != nil {
		w.lastFiles = sortedSet(comp.FileDependencies())
		w.lastDirs = sortedSet(comp.ContextDependencies())
		w.lastMissing = sortedSet(comp.MissingDependencies())
	}
	// A failed build re-arms over the previous build's sets so the loop
	// keeps listening for the change that fixes it.
	files, dirs, missing := w.lastFiles, w.lastDirs, w.lastMissing
	w.mu.Unlock()

	if !closed {
		w.watch(files, dirs, missing)
	}

	handler(err, stats)
	for _, cb := range callbacks {
		cb(nil)
	}
	w.tryBuild()
}

// watch arms the filesystem watcher over the current dependency sets. The
// watcher paused during the build is drained into the pending set first so
// mid-build changes survive the handover.
func (w *Watching) watch(files, directories, missing []string) {
	c := w.compiler
	c.Recorder.SetWatchedFiles(len(files))

	w.mu.Lock()
	paused := w.paused
	w.paused = nil
	startTime := w.startTime
	w.mu.Unlock()

	if paused != nil {
		info := paused.GetInfo()
		paused.Close()
		w.mu.Lock()
		for p := range info.Changes {
			w.pendingChanges[p] = struct{}{}
			delete(w.pendingRemovals, p)
			w.invalid = true
		}
		for p := range info.Removals {
			w.pendingRemovals[p] = struct{}{}
			delete(w.pendingChanges, p)
			w.invalid = true
		}
		for p, t := range info.FileTimeInfoEntries {
			w.pendingTimes[p] = t.Timestamp
		}
		w.mu.Unlock()
	}

	watcher, err := c.WatchFS.Watch(files, directories, missing, startTime, c.Options.Watch,
		func(err error, info *buildfs.WatchInfo) {
			if err != nil {
				w.handler(err, nil)
				return
			}
			w.mu.Lock()
			for p := range info.Changes {
				w.pendingChanges[p] = struct{}{}
				delete(w.pendingRemovals, p)
			}
			for p := range info.Removals {
				w.pendingRemovals[p] = struct{}{}
				delete(w.pendingChanges, p)
			}
			for p, t := range info.FileTimeInfoEntries {
				w.pendingTimes[p] = t.Timestamp
			}
			w.invalid = true
			w.mu.Unlock()
			w.tryBuild()
		},
		func(path string, mtime time.Time) {
			c.Hooks.Invalid.Call(&InvalidInfo{FileName: path, ChangeTime: mtime})
		},
	)
	if err != nil {
		w.handler(err, nil)
		return
	}

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		watcher.Close()
		return
	}
	w.watcher = watcher
	w.mu.Unlock()
}
