package compiler

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/bundler/internal/berrors"
	"git.home.luguber.info/inful/bundler/internal/buildfs"
	"git.home.luguber.info/inful/bundler/internal/hooks"
)

func TestForEachLimitRunsAll(t *testing.T) {
	items := []int{1, 2, 3, 4, 5}
	var sum atomic.Int64
	ch := make(chan error, 1)
	forEachLimit(items, 2, func(item int, done hooks.Callback) {
		sum.Add(int64(item))
		done(nil)
	}, func(err error) { ch <- err })

	select {
	case err := <-ch:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("callback was not called")
	}
	assert.EqualValues(t, 15, sum.Load())
}

func TestForEachLimitStopsSubmittingAfterError(t *testing.T) {
	items := make([]int, 16)
	for i := range items {
		items[i] = i
	}
	var calls atomic.Int64
	ch := make(chan error, 1)
	// With limit 1 the items run strictly in order, so the count of calls
	// after the failure is deterministic.
	forEachLimit(items, 1, func(item int, done hooks.Callback) {
		calls.Add(1)
		if item == 2 {
			done(berrors.New(berrors.CategoryEmit, "disk full"))
			return
		}
		done(nil)
	}, func(err error) { ch <- err })

	select {
	case err := <-ch:
		require.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("callback was not called")
	}
	assert.EqualValues(t, 3, calls.Load(), "items after the failing one must not start")
}

func TestAssetEmittedAsyncTapErrorFailsTheBuild(t *testing.T) {
	fs := buildfs.NewMemoryFileSystem()
	fs.AddFile("/src/app.js", []byte("module.exports = 1;\n"))

	c := newTestCompiler(t, fs)
	c.Hooks.AssetEmitted.TapAsync("uploader", func(info *AssetEmittedInfo, cb hooks.Callback) {
		// The tap completes on its own goroutine, after CallAsync returned.
		go func() {
			time.Sleep(5 * time.Millisecond)
			cb(berrors.Newf(berrors.CategoryEmit, "upload rejected for %s", info.Name))
		}()
	})

	r := runWait(t, c)
	require.Error(t, r.err)
	assert.Contains(t, r.err.Error(), "upload rejected for main.js")
}
