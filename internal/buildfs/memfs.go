package buildfs

import (
	"io/fs"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// MemoryFileSystem is an in-memory InputFileSystem + OutputFileSystem used
// by tests and child compilers that emit to memory.
type MemoryFileSystem struct {
	mu     sync.Mutex
	files  map[string]*memFile
	writes map[string]int // WriteFile call count per path
}

type memFile struct {
	data    []byte
	mtime   time.Time
	mode    fs.FileMode
	isDir   bool
	version int
}

// NewMemoryFileSystem creates an empty in-memory filesystem.
func NewMemoryFileSystem() *MemoryFileSystem {
	return &MemoryFileSystem{
		files:  make(map[string]*memFile),
		writes: make(map[string]int),
	}
}

// AddFile seeds a file without counting as a write.
func (m *MemoryFileSystem) AddFile(path string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[filepath.Clean(path)] = &memFile{data: data, mtime: time.Now(), mode: 0o644}
}

// Remove deletes a file.
func (m *MemoryFileSystem) Remove(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.files, filepath.Clean(path))
}

// WriteCount reports how many times WriteFile was called for path.
func (m *MemoryFileSystem) WriteCount(path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes[filepath.Clean(path)]
}

// Paths returns all stored file paths, sorted.
func (m *MemoryFileSystem) Paths() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	paths := make([]string, 0, len(m.files))
	for p, f := range m.files {
		if !f.isDir {
			paths = append(paths, p)
		}
	}
	sort.Strings(paths)
	return paths
}

func (m *MemoryFileSystem) ReadFile(path string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.files[filepath.Clean(path)]
	if !ok || f.isDir {
		return nil, &fs.PathError{Op: "open", Path: path, Err: fs.ErrNotExist}
	}
	out := make([]byte, len(f.data))
	copy(out, f.data)
	return out, nil
}

func (m *MemoryFileSystem) Stat(path string) (fs.FileInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	clean := filepath.Clean(path)
	f, ok := m.files[clean]
	if !ok {
		return nil, &fs.PathError{Op: "stat", Path: path, Err: fs.ErrNotExist}
	}
	return &memFileInfo{name: filepath.Base(clean), file: f}, nil
}

func (m *MemoryFileSystem) Purge(paths ...string) {}

func (m *MemoryFileSystem) WriteFile(path string, data []byte, perm fs.FileMode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clean := filepath.Clean(path)
	out := make([]byte, len(data))
	copy(out, data)
	version := 1
	if old, ok := m.files[clean]; ok {
		version = old.version + 1
	}
	m.files[clean] = &memFile{data: out, mtime: time.Now(), mode: perm, version: version}
	m.writes[clean]++
	return nil
}

func (m *MemoryFileSystem) MkdirAll(path string, perm fs.FileMode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clean := filepath.Clean(path)
	if _, ok := m.files[clean]; !ok {
		m.files[clean] = &memFile{isDir: true, mtime: time.Now(), mode: perm | fs.ModeDir}
	}
	return nil
}

type memFileInfo struct {
	name string
	file *memFile
}

func (i *memFileInfo) Name() string       { return i.name }
func (i *memFileInfo) Size() int64        { return int64(len(i.file.data)) }
func (i *memFileInfo) Mode() fs.FileMode  { return i.file.mode }
func (i *memFileInfo) ModTime() time.Time { return i.file.mtime }
func (i *memFileInfo) IsDir() bool        { return i.file.isDir }
func (i *memFileInfo) Sys() any           { return nil }
