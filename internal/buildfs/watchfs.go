package buildfs

import (
	"errors"
	"io/fs"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"git.home.luguber.info/inful/bundler/internal/config"
)

// NotifyWatchFileSystem implements WatchFileSystem on top of fsnotify.
// Parent directories are watched rather than individual files, which also
// covers editors that replace files via rename.
type NotifyWatchFileSystem struct {
	input  InputFileSystem
	logger *slog.Logger
}

// NewNotifyWatchFileSystem creates an fsnotify-backed watch filesystem.
func NewNotifyWatchFileSystem(input InputFileSystem) *NotifyWatchFileSystem {
	return &NotifyWatchFileSystem{input: input, logger: slog.Default()}
}

// WithLogger sets a custom logger.
func (w *NotifyWatchFileSystem) WithLogger(logger *slog.Logger) *NotifyWatchFileSystem {
	w.logger = logger
	return w
}

// Watch implements WatchFileSystem.
func (w *NotifyWatchFileSystem) Watch(
	files, directories, missing []string,
	startTime time.Time,
	options config.WatchOptions,
	callback WatchCallback,
	callbackUndelayed func(path string, mtime time.Time),
) (Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	nw := &notifyWatcher{
		fs:                fsw,
		input:             w.input,
		logger:            w.logger,
		options:           options,
		startTime:         startTime,
		callback:          callback,
		callbackUndelayed: callbackUndelayed,
		watchedFiles:      make(map[string]struct{}, len(files)),
		missingPaths:      make(map[string]struct{}, len(missing)),
		changes:           make(map[string]struct{}),
		removals:          make(map[string]struct{}),
		fileTimes:         make(map[string]FileTimeInfo),
		contextTimes:      make(map[string]FileTimeInfo),
		stopChan:          make(chan struct{}),
		eventChan:         make(chan struct{}, 1),
	}
	for _, f := range files {
		nw.watchedFiles[f] = struct{}{}
	}
	for _, m := range missing {
		nw.missingPaths[m] = struct{}{}
	}
	nw.watchedDirs = append(nw.watchedDirs, directories...)

	// Watching the containing directory is more reliable than watching
	// the file itself; editors often replace files on save.
	dirs := make(map[string]struct{})
	for _, d := range directories {
		dirs[d] = struct{}{}
	}
	for _, f := range files {
		dirs[filepath.Dir(f)] = struct{}{}
	}
	for _, m := range missing {
		dirs[filepath.Dir(m)] = struct{}{}
	}
	for d := range dirs {
		if nw.ignored(d) {
			continue
		}
		if err := fsw.Add(d); err != nil {
			w.logger.Debug("Cannot watch directory", "dir", d, "error", err)
		}
	}

	go nw.watchLoop()
	go nw.aggregateLoop()
	// Catch up on paths that changed after startTime but before this
	// watcher was armed; a build was running in between.
	go nw.scanMissed(files, missing)
	return nw, nil
}

// scanMissed stats the watched paths against startTime and records anything
// newer as a change, closing the gap between a build starting and its next
// watcher going live.
func (nw *notifyWatcher) scanMissed(files, missing []string) {
	nw.input.Purge(files...)
	nw.input.Purge(missing...)
	for _, f := range files {
		info, err := nw.input.Stat(f)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				nw.record(f, true)
			}
			continue
		}
		if info.ModTime().After(nw.startTime) {
			nw.record(f, false)
		}
	}
	for _, m := range missing {
		if _, err := nw.input.Stat(m); err == nil {
			nw.record(m, false)
		}
	}
}

type notifyWatcher struct {
	fs                *fsnotify.Watcher
	input             InputFileSystem
	logger            *slog.Logger
	options           config.WatchOptions
	startTime         time.Time
	callback          WatchCallback
	callbackUndelayed func(path string, mtime time.Time)

	watchedFiles map[string]struct{}
	watchedDirs  []string
	missingPaths map[string]struct{}

	mu           sync.Mutex
	paused       bool
	closed       bool
	windowOpen   bool
	changes      map[string]struct{}
	removals     map[string]struct{}
	fileTimes    map[string]FileTimeInfo
	contextTimes map[string]FileTimeInfo

	stopChan  chan struct{}
	eventChan chan struct{}
}

func underPath(path, prefix string) bool {
	if path == prefix {
		return true
	}
	return strings.HasPrefix(path, prefix+string(filepath.Separator))
}

func (nw *notifyWatcher) ignored(path string) bool {
	for _, prefix := range nw.options.Ignored {
		if prefix != "" && underPath(path, prefix) {
			return true
		}
	}
	return false
}

func (nw *notifyWatcher) relevant(path string) bool {
	if nw.ignored(path) {
		return false
	}
	if _, ok := nw.watchedFiles[path]; ok {
		return true
	}
	if _, ok := nw.missingPaths[path]; ok {
		return true
	}
	for _, d := range nw.watchedDirs {
		if underPath(path, d) {
			return true
		}
	}
	return false
}

func (nw *notifyWatcher) watchLoop() {
	for {
		select {
		case <-nw.stopChan:
			return
		case event, ok := <-nw.fs.Events:
			if !ok {
				return
			}
			if !nw.relevant(event.Name) {
				continue
			}
			removed := event.Op&(fsnotify.Remove|fsnotify.Rename) != 0
			nw.record(event.Name, removed)
		case err, ok := <-nw.fs.Errors:
			if !ok {
				return
			}
			nw.logger.Error("Watcher error", "error", err)
		}
	}
}

// record merges one event into the pending window. Last write wins per path:
// a change cancels an earlier removal mark and vice versa.
func (nw *notifyWatcher) record(path string, removed bool) {
	now := time.Now()

	nw.mu.Lock()
	if nw.closed {
		nw.mu.Unlock()
		return
	}
	if removed {
		nw.removals[path] = struct{}{}
		delete(nw.changes, path)
		delete(nw.fileTimes, path)
	} else {
		nw.changes[path] = struct{}{}
		delete(nw.removals, path)
		nw.fileTimes[path] = FileTimeInfo{Timestamp: now}
	}
	first := !nw.windowOpen
	nw.windowOpen = true
	undelayed := nw.callbackUndelayed
	paused := nw.paused
	nw.mu.Unlock()

	if first && undelayed != nil && !paused {
		undelayed(path, now)
	}
	select {
	case nw.eventChan <- struct{}{}:
	default:
	}
}

// aggregateLoop debounces events: each event restarts the aggregate timer;
// when it expires, one callback fires with the window's merged snapshot.
func (nw *notifyWatcher) aggregateLoop() {
	var timer *time.Timer
	var timerC <-chan time.Time
	for {
		select {
		case <-nw.stopChan:
			if timer != nil {
				timer.Stop()
			}
			return
		case <-nw.eventChan:
			if timer != nil {
				timer.Stop()
			}
			timer = time.NewTimer(nw.options.AggregateTimeout)
			timerC = timer.C
		case <-timerC:
			timerC = nil
			nw.flush()
		}
	}
}

func (nw *notifyWatcher) flush() {
	nw.mu.Lock()
	if nw.closed || nw.paused || !nw.windowOpen {
		// A paused watcher keeps its recorded window; the owner drains
		// it through GetInfo before closing.
		nw.windowOpen = false
		nw.mu.Unlock()
		return
	}
	info := nw.snapshotLocked()
	nw.changes = make(map[string]struct{})
	nw.removals = make(map[string]struct{})
	nw.windowOpen = false
	cb := nw.callback
	nw.mu.Unlock()

	if cb != nil {
		cb(nil, info)
	}
}

func (nw *notifyWatcher) snapshotLocked() *WatchInfo {
	info := &WatchInfo{
		Changes:                make(map[string]struct{}, len(nw.changes)),
		Removals:               make(map[string]struct{}, len(nw.removals)),
		FileTimeInfoEntries:    make(map[string]FileTimeInfo, len(nw.fileTimes)),
		ContextTimeInfoEntries: make(map[string]FileTimeInfo, len(nw.contextTimes)),
	}
	for p := range nw.changes {
		info.Changes[p] = struct{}{}
	}
	for p := range nw.removals {
		info.Removals[p] = struct{}{}
	}
	for p, t := range nw.fileTimes {
		info.FileTimeInfoEntries[p] = t
	}
	for p, t := range nw.contextTimes {
		info.ContextTimeInfoEntries[p] = t
	}
	return info
}

func (nw *notifyWatcher) Close() {
	nw.mu.Lock()
	if nw.closed {
		nw.mu.Unlock()
		return
	}
	nw.closed = true
	nw.mu.Unlock()

	close(nw.stopChan)
	if err := nw.fs.Close(); err != nil {
		nw.logger.Debug("Error closing fsnotify watcher", "error", err)
	}
}

func (nw *notifyWatcher) Pause() {
	nw.mu.Lock()
	nw.paused = true
	nw.mu.Unlock()
}

func (nw *notifyWatcher) GetInfo() *WatchInfo {
	nw.mu.Lock()
	defer nw.mu.Unlock()
	return nw.snapshotLocked()
}
