package hooks

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/bundler/internal/berrors"
)

func TestSyncHookCallsAllTapsInOrder(t *testing.T) {
	h := NewSync[int]("test")
	var got []string
	h.Tap("a", func(int) { got = append(got, "a") })
	h.Tap("b", func(int) { got = append(got, "b") })
	h.Call(1)
	assert.Equal(t, []string{"a", "b"}, got)
}

func TestSyncHookStageOrdering(t *testing.T) {
	h := NewSync[int]("test")
	var got []string
	h.TapStage("late", 10, func(int) { got = append(got, "late") })
	h.TapStage("early", -10, func(int) { got = append(got, "early") })
	h.Tap("default", func(int) { got = append(got, "default") })
	h.Call(0)
	assert.Equal(t, []string{"early", "default", "late"}, got)
}

func TestSyncBailStopsAtFirstResult(t *testing.T) {
	h := NewSyncBail[int, string]("test")
	calls := 0
	h.Tap("skip", func(int) (string, bool) { calls++; return "", false })
	h.Tap("hit", func(int) (string, bool) { calls++; return "hit", true })
	h.Tap("never", func(int) (string, bool) { calls++; return "never", true })
	r, ok := h.Call(0)
	require.True(t, ok)
	assert.Equal(t, "hit", r)
	assert.Equal(t, 2, calls)
}

func TestSyncWaterfallThreadsValue(t *testing.T) {
	h := NewSyncWaterfall[string]("test")
	h.Tap("a", func(s string) string { return s + "a" })
	h.Tap("b", func(s string) string { return s + "b" })
	assert.Equal(t, "xab", h.Call("x"))
}

func TestAsyncSeriesRunsOneAtATime(t *testing.T) {
	h := NewAsyncSeries[int]("test")
	var got []string
	h.TapAsync("a", func(_ int, cb Callback) {
		go func() {
			time.Sleep(10 * time.Millisecond)
			got = append(got, "a")
			cb(nil)
		}()
	})
	h.TapAsync("b", func(_ int, cb Callback) {
		got = append(got, "b")
		cb(nil)
	})
	done := make(chan error, 1)
	h.CallAsync(0, func(err error) { done <- err })
	require.NoError(t, <-done)
	assert.Equal(t, []string{"a", "b"}, got)
}

func TestAsyncSeriesErrorAbortsRemaining(t *testing.T) {
	h := NewAsyncSeries[int]("phase")
	h.Tap("boom", func(int) error { return errors.New("boom") })
	called := false
	h.Tap("never", func(int) error { called = true; return nil })
	done := make(chan error, 1)
	h.CallAsync(0, func(err error) { done <- err })
	err := <-done
	require.Error(t, err)
	assert.False(t, called)

	var he *berrors.HookError
	require.ErrorAs(t, err, &he)
	assert.Equal(t, "phase", he.Hook)
	assert.Equal(t, "boom", he.Tap)
}

func TestAsyncSeriesDoesNotDoubleWrapBuildErrors(t *testing.T) {
	h := NewAsyncSeries[int]("phase")
	inner := berrors.New(berrors.CategoryBuild, "already classified")
	h.Tap("boom", func(int) error { return inner })
	done := make(chan error, 1)
	h.CallAsync(0, func(err error) { done <- err })
	assert.Same(t, inner, <-done)
}

func TestAsyncSeriesBailStopsAtFirstResult(t *testing.T) {
	h := NewAsyncSeriesBail[int, string]("test")
	h.TapAsync("miss", func(_ int, cb ResultCallback[string]) { cb(nil, nil) })
	h.TapAsync("hit", func(_ int, cb ResultCallback[string]) {
		r := "hit"
		cb(&r, nil)
	})
	h.TapAsync("never", func(_ int, cb ResultCallback[string]) { t.Fatal("must not run") })
	done := make(chan *string, 1)
	h.CallAsync(0, func(r *string, err error) {
		require.NoError(t, err)
		done <- r
	})
	r := <-done
	require.NotNil(t, r)
	assert.Equal(t, "hit", *r)
}

func TestAsyncSeriesBailNoTapsYieldsNilResult(t *testing.T) {
	h := NewAsyncSeriesBail[int, string]("test")
	done := make(chan struct{})
	h.CallAsync(0, func(r *string, err error) {
		assert.Nil(t, r)
		assert.NoError(t, err)
		close(done)
	})
	<-done
}

func TestAsyncParallelWaitsForAll(t *testing.T) {
	h := NewAsyncParallel[int]("test")
	var mu sync.Mutex
	finished := 0
	for range 3 {
		h.TapAsync("tap", func(_ int, cb Callback) {
			time.Sleep(5 * time.Millisecond)
			mu.Lock()
			finished++
			mu.Unlock()
			cb(nil)
		})
	}
	done := make(chan error, 1)
	h.CallAsync(0, func(err error) { done <- err })
	require.NoError(t, <-done)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 3, finished)
}

func TestAsyncParallelFirstErrorWins(t *testing.T) {
	h := NewAsyncParallel[int]("test")
	h.TapAsync("slow", func(_ int, cb Callback) {
		time.Sleep(50 * time.Millisecond)
		cb(errors.New("slow"))
	})
	h.TapAsync("fast", func(_ int, cb Callback) {
		cb(errors.New("fast"))
	})
	done := make(chan error, 1)
	h.CallAsync(0, func(err error) { done <- err })
	err := <-done
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fast")
	// The slow tap finishing later must not fire the callback again.
	time.Sleep(80 * time.Millisecond)
}

func TestNeedCallsExactlyOnce(t *testing.T) {
	calls := 0
	done := NeedCalls(3, func(err error) {
		calls++
		assert.NoError(t, err)
	})
	done(nil)
	done(nil)
	done(nil)
	if calls != 1 {
		t.Fatalf("expected exactly one completion, got %d", calls)
	}
}

func TestNeedCallsFirstErrorCollapsesWait(t *testing.T) {
	calls := 0
	var got error
	done := NeedCalls(3, func(err error) {
		calls++
		got = err
	})
	done(nil)
	done(errors.New("listener 2 failed"))
	done(nil)
	if calls != 1 {
		t.Fatalf("expected exactly one completion, got %d", calls)
	}
	require.Error(t, got)
}

func TestNeedCallsZeroTimesFiresImmediately(t *testing.T) {
	fired := false
	NeedCalls(0, func(err error) {
		fired = true
		assert.NoError(t, err)
	})
	assert.True(t, fired)
}

func TestCloneCopiesTapsIndependently(t *testing.T) {
	h := NewSync[int]("test")
	h.Tap("a", func(int) {})
	c := h.Clone()
	c.Tap("b", func(int) {})
	assert.True(t, h.IsUsed())
	assert.Len(t, h.list.taps, 1)
	assert.Len(t, c.list.taps, 2)
}
