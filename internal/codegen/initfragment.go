package codegen

import (
	"sort"
	"strconv"
	"strings"

	"git.home.luguber.info/inful/bundler/internal/berrors"
)

// Fragment stages. Fragments are totally ordered by (stage, position,
// insertion index); the stage groups coarse phases of a module's prologue.
const (
	FragmentStageConstants     = 10
	FragmentStageAsyncBoundary = 20
	FragmentStageExports       = 30
	FragmentStageImports       = 40
	FragmentStageProvides      = 50
)

// InitFragment is an orderable, mergeable code block injected around a
// module's generated source. Content is emitted before the source; EndContent
// after it, with later-registered fragments wrapping innermost.
type InitFragment interface {
	Content() string
	EndContent() string
	Stage() int
	Position() int
	// Key is the identity used for deduplication; empty means unique.
	Key() string
}

// Merger folds two same-key fragments pairwise; the receiver is the newer
// fragment. A fragment type implements Merger or BatchMerger, never both.
type Merger interface {
	Merge(older InitFragment) InitFragment
}

// BatchMerger collapses all same-key fragments in one call. The receiver is
// the first-registered fragment and list holds the rest in order.
type BatchMerger interface {
	MergeAll(list []InitFragment) InitFragment
}

// BasicFragment is a plain InitFragment without merge behavior.
type BasicFragment struct {
	content    string
	endContent string
	stage      int
	position   int
	key        string
}

// NewFragment creates a BasicFragment.
func NewFragment(content, endContent string, stage, position int, key string) *BasicFragment {
	return &BasicFragment{content: content, endContent: endContent, stage: stage, position: position, key: key}
}

func (f *BasicFragment) Content() string    { return f.content }
func (f *BasicFragment) EndContent() string { return f.endContent }
func (f *BasicFragment) Stage() int         { return f.stage }
func (f *BasicFragment) Position() int      { return f.position }
func (f *BasicFragment) Key() string        { return f.key }

// KeptFirstFragment is a mergeable fragment where the first registration
// wins; later same-key fragments are dropped.
type KeptFirstFragment struct {
	BasicFragment
}

// NewKeptFirstFragment creates a fragment deduplicated by key, keeping the
// earliest registration.
func NewKeptFirstFragment(content string, stage, position int, key string) *KeptFirstFragment {
	return &KeptFirstFragment{BasicFragment{content: content, stage: stage, position: position, key: key}}
}

// Merge keeps the older fragment.
func (f *KeptFirstFragment) Merge(older InitFragment) InitFragment { return older }

type indexedFragment struct {
	fragment InitFragment
	index    int
}

// AddToSource renders moduleSource wrapped in its fragments: fragments are
// stable-sorted by (stage, position, insertion index), same-key fragments are
// collapsed through Merge or MergeAll, surviving head contents are
// concatenated before the source and end contents after it in reverse order.
func AddToSource(moduleSource string, fragments []InitFragment) (string, error) {
	indexed := make([]indexedFragment, len(fragments))
	for i, f := range fragments {
		indexed[i] = indexedFragment{fragment: f, index: i}
	}
	sort.SliceStable(indexed, func(i, j int) bool {
		a, b := indexed[i].fragment, indexed[j].fragment
		if a.Stage() != b.Stage() {
			return a.Stage() < b.Stage()
		}
		return a.Position() < b.Position()
	})

	// Collapse by key, preserving first-occurrence order.
	keyOrder := make([]string, 0, len(indexed))
	keyed := make(map[string]any, len(indexed)) // InitFragment or []InitFragment
	synthetic := 0
	for _, entry := range indexed {
		f := entry.fragment
		switch f.(type) {
		case BatchMerger:
			if f.Key() == "" {
				return "", berrors.New(berrors.CategoryInternal, "fragment with MergeAll must have a valid key")
			}
			old, exists := keyed[f.Key()]
			if !exists {
				keyed[f.Key()] = f
				keyOrder = append(keyOrder, f.Key())
			} else if list, ok := old.([]InitFragment); ok {
				keyed[f.Key()] = append(list, f)
			} else {
				prev := old.(InitFragment)
				if _, ok := prev.(BatchMerger); !ok {
					return "", berrors.Newf(berrors.CategoryInternal,
						"fragments with key %q mix Merge and MergeAll", f.Key())
				}
				keyed[f.Key()] = []InitFragment{prev, f}
			}
			continue
		case Merger:
			if f.Key() == "" {
				return "", berrors.New(berrors.CategoryInternal, "fragment with Merge must have a valid key")
			}
			if old, exists := keyed[f.Key()]; exists {
				prev, ok := old.(InitFragment)
				if !ok {
					return "", berrors.Newf(berrors.CategoryInternal,
						"fragments with key %q mix Merge and MergeAll", f.Key())
				}
				if _, batch := prev.(BatchMerger); batch {
					return "", berrors.Newf(berrors.CategoryInternal,
						"fragments with key %q mix Merge and MergeAll", f.Key())
				}
				keyed[f.Key()] = f.(Merger).Merge(prev)
				continue
			}
		}
		key := f.Key()
		if key == "" {
			key = "\x00unique\x00" + strconv.Itoa(synthetic)
			synthetic++
		}
		if _, exists := keyed[key]; !exists {
			keyOrder = append(keyOrder, key)
		}
		keyed[key] = f
	}

	final := make([]InitFragment, 0, len(keyOrder))
	for _, key := range keyOrder {
		switch v := keyed[key].(type) {
		case []InitFragment:
			final = append(final, v[0].(BatchMerger).MergeAll(v[1:]))
		case InitFragment:
			final = append(final, v)
		}
	}

	var head strings.Builder
	var endContents []string
	for _, f := range final {
		head.WriteString(f.Content())
		if ec := f.EndContent(); ec != "" {
			endContents = append(endContents, ec)
		}
	}

	var b strings.Builder
	b.WriteString(head.String())
	b.WriteString(moduleSource)
	for i := len(endContents) - 1; i >= 0; i-- {
		b.WriteString(endContents[i])
	}
	return b.String(), nil
}
