package codegen

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddToSourceOrdersByStagePositionInsertion(t *testing.T) {
	fragments := []InitFragment{
		NewFragment("imports;", "", FragmentStageImports, 0, ""),
		NewFragment("const2;", "", FragmentStageConstants, 2, ""),
		NewFragment("const1a;", "", FragmentStageConstants, 1, ""),
		NewFragment("const1b;", "", FragmentStageConstants, 1, ""),
		NewFragment("exports;", "", FragmentStageExports, 0, ""),
	}
	out, err := AddToSource("SRC", fragments)
	require.NoError(t, err)
	assert.Equal(t, "const1a;const1b;const2;exports;imports;SRC", out)
}

func TestAddToSourceEndContentReversed(t *testing.T) {
	fragments := []InitFragment{
		NewFragment("open1(", ")close1", FragmentStageConstants, 0, ""),
		NewFragment("open2(", ")close2", FragmentStageConstants, 1, ""),
	}
	out, err := AddToSource("SRC", fragments)
	require.NoError(t, err)
	// The last-registered end content wraps innermost.
	assert.Equal(t, "open1(open2(SRC)close2)close1", out)
}

func TestAddToSourceMergeCollapsesSameKey(t *testing.T) {
	fragments := []InitFragment{
		NewKeptFirstFragment("first;", FragmentStageProvides, 0, "provided global"),
		NewKeptFirstFragment("second;", FragmentStageProvides, 0, "provided global"),
		NewKeptFirstFragment("third;", FragmentStageProvides, 0, "provided global"),
	}
	out, err := AddToSource("SRC", fragments)
	require.NoError(t, err)
	assert.Equal(t, "first;SRC", out)
	if strings.Count(out, "first;") != 1 {
		t.Fatalf("merged fragment must appear exactly once: %q", out)
	}
}

type batchFragment struct {
	BasicFragment
	parts []string
}

func newBatchFragment(part string, key string) *batchFragment {
	return &batchFragment{
		BasicFragment: BasicFragment{content: part, stage: FragmentStageExports, key: key},
		parts:         []string{part},
	}
}

func (f *batchFragment) MergeAll(list []InitFragment) InitFragment {
	parts := append([]string{}, f.parts...)
	for _, other := range list {
		parts = append(parts, other.(*batchFragment).parts...)
	}
	return NewFragment("batch["+strings.Join(parts, ",")+"];", "", f.stage, f.position, f.key)
}

func TestAddToSourceMergeAllCollapsesBatch(t *testing.T) {
	fragments := []InitFragment{
		newBatchFragment("a", "exports"),
		newBatchFragment("b", "exports"),
		newBatchFragment("c", "exports"),
	}
	out, err := AddToSource("SRC", fragments)
	require.NoError(t, err)
	assert.Equal(t, "batch[a,b,c];SRC", out)
}

func TestAddToSourceSingleBatchFragmentSkipsMergeAll(t *testing.T) {
	fragments := []InitFragment{newBatchFragment("solo", "exports")}
	out, err := AddToSource("SRC", fragments)
	require.NoError(t, err)
	assert.Equal(t, "soloSRC", out)
}

func TestAddToSourceMergeableWithoutKeyIsError(t *testing.T) {
	_, err := AddToSource("SRC", []InitFragment{NewKeptFirstFragment("x;", 10, 0, "")})
	require.Error(t, err)

	_, err = AddToSource("SRC", []InitFragment{newBatchFragment("x", "")})
	require.Error(t, err)
}

func TestAddToSourceMixedMergeKindsForKeyIsError(t *testing.T) {
	// A key claimed by a pairwise-merging fragment cannot also carry a
	// batch-merging one, in either registration order.
	_, err := AddToSource("SRC", []InitFragment{
		NewKeptFirstFragment("kept;", FragmentStageExports, 0, "shared"),
		newBatchFragment("b", "shared"),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mix Merge and MergeAll")

	_, err = AddToSource("SRC", []InitFragment{
		newBatchFragment("b", "shared"),
		NewKeptFirstFragment("kept;", FragmentStageExports, 0, "shared"),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mix Merge and MergeAll")

	// Same with a batch group already formed before the mismatch arrives.
	_, err = AddToSource("SRC", []InitFragment{
		newBatchFragment("a", "shared"),
		newBatchFragment("b", "shared"),
		NewKeptFirstFragment("kept;", FragmentStageExports, 0, "shared"),
	})
	require.Error(t, err)
}

func TestAddToSourceStableForEqualSortKeys(t *testing.T) {
	fragments := []InitFragment{
		NewFragment("1;", "", 10, 0, ""),
		NewFragment("2;", "", 10, 0, ""),
		NewFragment("3;", "", 10, 0, ""),
	}
	out, err := AddToSource("", fragments)
	require.NoError(t, err)
	assert.Equal(t, "1;2;3;", out)
}

func TestReplaceSourceRangeReplacement(t *testing.T) {
	src := NewReplaceSource(NewRawSourceString("require(\"./a\");"))
	src.Replace(0, 13, "__req__(1)")
	assert.Equal(t, "__req__(1);", src.String())
}

func TestReplaceSourceInsertAndReplace(t *testing.T) {
	src := NewReplaceSource(NewRawSourceString("abcdef"))
	src.Insert(0, ">>")
	src.Replace(2, 3, "CD")
	assert.Equal(t, ">>abCDef", src.String())
}

func TestReplaceSourceMultipleInsertsSamePositionKeepOrder(t *testing.T) {
	src := NewReplaceSource(NewRawSourceString("x"))
	src.Insert(0, "a")
	src.Insert(0, "b")
	assert.Equal(t, "abx", src.String())
}

func TestReplaceSourceNoReplacements(t *testing.T) {
	src := NewReplaceSource(NewRawSourceString("unchanged"))
	assert.Equal(t, "unchanged", src.String())
	assert.EqualValues(t, 9, src.Size())
}
