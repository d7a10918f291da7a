// Package codegen holds the build graph's node and edge types (Module,
// Dependency) and the code-generation strategy objects (DependencyTemplate,
// InitFragment) together with the mutable source buffers they operate on.
package codegen

import (
	"sort"
	"strings"
)

// Source is an immutable piece of generated or read content. Implementations
// are pointer types; identity of a Source value is used as a cache key by the
// asset emission path.
type Source interface {
	Buffer() []byte
	Size() int64
}

// RawSource wraps a fixed byte buffer.
type RawSource struct {
	buf []byte
}

// NewRawSource creates a RawSource over buf. The buffer is not copied.
func NewRawSource(buf []byte) *RawSource {
	return &RawSource{buf: buf}
}

// NewRawSourceString creates a RawSource from a string.
func NewRawSourceString(s string) *RawSource {
	return &RawSource{buf: []byte(s)}
}

func (s *RawSource) Buffer() []byte { return s.buf }
func (s *RawSource) Size() int64    { return int64(len(s.buf)) }
func (s *RawSource) String() string { return string(s.buf) }

type replacement struct {
	start int
	end   int // inclusive; start-1 means pure insertion before start
	text  string
	order int
}

// ReplaceSource applies byte-range replacements and insertions on top of an
// original source. Ranges refer to the original buffer; overlapping
// replacements keep the earlier-starting one and drop the remainder of the
// later one.
type ReplaceSource struct {
	original []byte
	repls    []replacement
}

// NewReplaceSource creates a ReplaceSource over the original source.
func NewReplaceSource(original Source) *ReplaceSource {
	return &ReplaceSource{original: original.Buffer()}
}

// Replace substitutes the inclusive byte range [start, end] with text.
func (s *ReplaceSource) Replace(start, end int, text string) {
	s.repls = append(s.repls, replacement{start: start, end: end, text: text, order: len(s.repls)})
}

// Insert places text before the byte at pos without consuming any range.
func (s *ReplaceSource) Insert(pos int, text string) {
	s.repls = append(s.repls, replacement{start: pos, end: pos - 1, text: text, order: len(s.repls)})
}

// Buffer renders the mutated source.
func (s *ReplaceSource) Buffer() []byte {
	return []byte(s.render())
}

// Size returns the rendered size.
func (s *ReplaceSource) Size() int64 {
	return int64(len(s.render()))
}

// String renders the mutated source as a string.
func (s *ReplaceSource) String() string {
	return s.render()
}

func (s *ReplaceSource) render() string {
	if len(s.repls) == 0 {
		return string(s.original)
	}
	sorted := make([]replacement, len(s.repls))
	copy(sorted, s.repls)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].start != sorted[j].start {
			return sorted[i].start < sorted[j].start
		}
		return sorted[i].end < sorted[j].end
	})

	var b strings.Builder
	cursor := 0
	for _, r := range sorted {
		start := r.start
		if start < cursor {
			// Overlap with an earlier replacement: emit the text, skip
			// whatever part of the range is already consumed.
			start = cursor
		}
		if start > len(s.original) {
			start = len(s.original)
		}
		b.Write(s.original[cursor:start])
		b.WriteString(r.text)
		next := r.end + 1
		if next < start {
			next = start
		}
		if next > len(s.original) {
			next = len(s.original)
		}
		cursor = next
	}
	b.Write(s.original[cursor:])
	return b.String()
}
