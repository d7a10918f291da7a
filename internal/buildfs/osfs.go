package buildfs

import (
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// OSInputFileSystem reads from the real filesystem with a stat cache that
// survives one build and is purged between incremental builds.
type OSInputFileSystem struct {
	mu        sync.Mutex
	statCache map[string]fs.FileInfo
}

// NewOSInputFileSystem creates an OS-backed input filesystem.
func NewOSInputFileSystem() *OSInputFileSystem {
	return &OSInputFileSystem{statCache: make(map[string]fs.FileInfo)}
}

func (f *OSInputFileSystem) ReadFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}

func (f *OSInputFileSystem) Stat(path string) (fs.FileInfo, error) {
	f.mu.Lock()
	if info, ok := f.statCache[path]; ok {
		f.mu.Unlock()
		return info, nil
	}
	f.mu.Unlock()

	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.statCache[path] = info
	f.mu.Unlock()
	return info, nil
}

func (f *OSInputFileSystem) Purge(paths ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(paths) == 0 {
		f.statCache = make(map[string]fs.FileInfo)
		return
	}
	for _, p := range paths {
		delete(f.statCache, p)
	}
}

// OSOutputFileSystem writes to the real filesystem.
type OSOutputFileSystem struct{}

// NewOSOutputFileSystem creates an OS-backed output filesystem.
func NewOSOutputFileSystem() *OSOutputFileSystem {
	return &OSOutputFileSystem{}
}

func (f *OSOutputFileSystem) WriteFile(path string, data []byte, perm fs.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	return os.WriteFile(path, data, perm)
}

func (f *OSOutputFileSystem) MkdirAll(path string, perm fs.FileMode) error {
	return os.MkdirAll(path, perm)
}

func (f *OSOutputFileSystem) Stat(path string) (fs.FileInfo, error) {
	return os.Stat(path)
}

func (f *OSOutputFileSystem) ReadFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}
