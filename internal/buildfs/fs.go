// Package buildfs defines the filesystem capability interfaces the build
// engine is written against, plus OS-backed and in-memory implementations.
// The compiler itself never touches the os package directly.
package buildfs

import (
	"io/fs"
	"time"

	"git.home.luguber.info/inful/bundler/internal/config"
)

// InputFileSystem is what module building and resolution read from.
type InputFileSystem interface {
	ReadFile(path string) ([]byte, error)
	Stat(path string) (fs.FileInfo, error)
	// Purge drops any cached metadata for the given paths; with no
	// arguments everything is dropped. Called between incremental builds.
	Purge(paths ...string)
}

// OutputFileSystem is what asset emission writes to.
type OutputFileSystem interface {
	WriteFile(path string, data []byte, perm fs.FileMode) error
	MkdirAll(path string, perm fs.FileMode) error
	Stat(path string) (fs.FileInfo, error)
	ReadFile(path string) ([]byte, error)
}

// IntermediateFileSystem persists engine-internal files (records) that are
// neither source input nor emitted output.
type IntermediateFileSystem interface {
	OutputFileSystem
}

// FileTimeInfo is the timestamp information tracked per watched path.
type FileTimeInfo struct {
	Timestamp time.Time
}

// WatchInfo is the snapshot a Watcher reports for one aggregation window.
type WatchInfo struct {
	Changes                map[string]struct{}
	Removals               map[string]struct{}
	FileTimeInfoEntries    map[string]FileTimeInfo
	ContextTimeInfoEntries map[string]FileTimeInfo
}

// Watcher is the live filesystem-change subscription.
type Watcher interface {
	// Close stops the watcher permanently.
	Close()
	// Pause stops event delivery but keeps OS resources so a follow-up
	// Watch call can take over cheaply.
	Pause()
	// GetInfo returns the aggregated state collected so far.
	GetInfo() *WatchInfo
}

// WatchCallback delivers an aggregation window's result.
type WatchCallback func(err error, info *WatchInfo)

// WatchFileSystem subscribes to changes over explicit file, directory and
// missing-path sets. Events older than startTime are ignored.
// callbackUndelayed fires on the first relevant event of a window, before
// aggregation; callback fires once per window after the aggregate timeout.
type WatchFileSystem interface {
	Watch(
		files, directories, missing []string,
		startTime time.Time,
		options config.WatchOptions,
		callback WatchCallback,
		callbackUndelayed func(path string, mtime time.Time),
	) (Watcher, error)
}
