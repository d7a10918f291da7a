// Package hooks provides the typed listener-registry primitives that drive
// the build lifecycle. Six hook kinds exist, each with fixed fan-out and
// short-circuit semantics:
//
//   - Sync: all taps called in order, return values ignored.
//   - SyncBail: stops at the first tap producing a result.
//   - SyncWaterfall: each tap's return value feeds the next.
//   - AsyncSeries: taps run one at a time, each completing before the next.
//   - AsyncSeriesBail: series, stops at the first tap producing a result.
//   - AsyncParallel: all taps started together; the hook completes when all
//     finish or the first error arrives.
//
// Taps are ordered by stage (lower first), then registration order. Errors
// returned by taps are attributed to the hook via berrors.WrapHook.
package hooks

import (
	"sort"
	"sync"
	"sync/atomic"

	"git.home.luguber.info/inful/bundler/internal/berrors"
)

// Callback receives the outcome of an asynchronous tap or hook call.
type Callback func(err error)

type tap[F any] struct {
	name  string
	stage int
	order int
	fn    F
}

type tapList[F any] struct {
	taps []tap[F]
	next int
}

func (l *tapList[F]) add(name string, stage int, fn F) {
	l.taps = append(l.taps, tap[F]{name: name, stage: stage, order: l.next, fn: fn})
	l.next++
	sort.SliceStable(l.taps, func(i, j int) bool {
		return l.taps[i].stage < l.taps[j].stage
	})
}

func (l *tapList[F]) clone() tapList[F] {
	cp := tapList[F]{taps: make([]tap[F], len(l.taps)), next: l.next}
	copy(cp.taps, l.taps)
	return cp
}

// SyncHook calls every tap in order, ignoring results.
type SyncHook[T any] struct {
	name string
	list tapList[func(T)]
}

// NewSync creates a named SyncHook.
func NewSync[T any](name string) *SyncHook[T] {
	return &SyncHook[T]{name: name}
}

// Name returns the hook name used for error attribution.
func (h *SyncHook[T]) Name() string { return h.name }

// Tap registers a listener at the default stage.
func (h *SyncHook[T]) Tap(name string, fn func(T)) { h.list.add(name, 0, fn) }

// TapStage registers a listener at an explicit stage.
func (h *SyncHook[T]) TapStage(name string, stage int, fn func(T)) { h.list.add(name, stage, fn) }

// Call invokes all taps in order.
func (h *SyncHook[T]) Call(v T) {
	for _, t := range h.list.taps {
		t.fn(v)
	}
}

// IsUsed reports whether any tap is registered.
func (h *SyncHook[T]) IsUsed() bool { return len(h.list.taps) > 0 }

// Clone returns a new hook carrying copies of all taps.
func (h *SyncHook[T]) Clone() *SyncHook[T] {
	return &SyncHook[T]{name: h.name, list: h.list.clone()}
}

// SyncBailHook calls taps in order until one reports a result.
type SyncBailHook[T, R any] struct {
	name string
	list tapList[func(T) (R, bool)]
}

// NewSyncBail creates a named SyncBailHook.
func NewSyncBail[T, R any](name string) *SyncBailHook[T, R] {
	return &SyncBailHook[T, R]{name: name}
}

// Name returns the hook name.
func (h *SyncBailHook[T, R]) Name() string { return h.name }

// Tap registers a listener; returning ok=true bails with that result.
func (h *SyncBailHook[T, R]) Tap(name string, fn func(T) (R, bool)) { h.list.add(name, 0, fn) }

// TapStage registers a listener at an explicit stage.
func (h *SyncBailHook[T, R]) TapStage(name string, stage int, fn func(T) (R, bool)) {
	h.list.add(name, stage, fn)
}

// Call invokes taps until one produces a result. The second return reports
// whether any tap bailed.
func (h *SyncBailHook[T, R]) Call(v T) (R, bool) {
	for _, t := range h.list.taps {
		if r, ok := t.fn(v); ok {
			return r, true
		}
	}
	var zero R
	return zero, false
}

// IsUsed reports whether any tap is registered.
func (h *SyncBailHook[T, R]) IsUsed() bool { return len(h.list.taps) > 0 }

// Clone returns a new hook carrying copies of all taps.
func (h *SyncBailHook[T, R]) Clone() *SyncBailHook[T, R] {
	return &SyncBailHook[T, R]{name: h.name, list: h.list.clone()}
}

// SyncWaterfallHook pipes each tap's return value into the next tap.
type SyncWaterfallHook[T any] struct {
	name string
	list tapList[func(T) T]
}

// NewSyncWaterfall creates a named SyncWaterfallHook.
func NewSyncWaterfall[T any](name string) *SyncWaterfallHook[T] {
	return &SyncWaterfallHook[T]{name: name}
}

// Name returns the hook name.
func (h *SyncWaterfallHook[T]) Name() string { return h.name }

// Tap registers a listener.
func (h *SyncWaterfallHook[T]) Tap(name string, fn func(T) T) { h.list.add(name, 0, fn) }

// Call threads v through every tap and returns the final value.
func (h *SyncWaterfallHook[T]) Call(v T) T {
	for _, t := range h.list.taps {
		v = t.fn(v)
	}
	return v
}

// IsUsed reports whether any tap is registered.
func (h *SyncWaterfallHook[T]) IsUsed() bool { return len(h.list.taps) > 0 }

// Clone returns a new hook carrying copies of all taps.
func (h *SyncWaterfallHook[T]) Clone() *SyncWaterfallHook[T] {
	return &SyncWaterfallHook[T]{name: h.name, list: h.list.clone()}
}

// AsyncSeriesHook runs taps strictly one after another; each tap must fully
// complete (including nested async work) before the next starts.
type AsyncSeriesHook[T any] struct {
	name string
	list tapList[func(T, Callback)]
}

// NewAsyncSeries creates a named AsyncSeriesHook.
func NewAsyncSeries[T any](name string) *AsyncSeriesHook[T] {
	return &AsyncSeriesHook[T]{name: name}
}

// Name returns the hook name.
func (h *AsyncSeriesHook[T]) Name() string { return h.name }

// Tap registers a synchronous listener.
func (h *AsyncSeriesHook[T]) Tap(name string, fn func(T) error) {
	h.list.add(name, 0, func(v T, cb Callback) { cb(fn(v)) })
}

// TapAsync registers an asynchronous listener.
func (h *AsyncSeriesHook[T]) TapAsync(name string, fn func(T, Callback)) {
	h.list.add(name, 0, fn)
}

// TapAsyncStage registers an asynchronous listener at an explicit stage.
func (h *AsyncSeriesHook[T]) TapAsyncStage(name string, stage int, fn func(T, Callback)) {
	h.list.add(name, stage, fn)
}

// CallAsync runs the taps in series. The first error aborts the remaining
// taps; cb is invoked exactly once.
func (h *AsyncSeriesHook[T]) CallAsync(v T, cb Callback) {
	taps := h.list.taps
	var next func(i int)
	next = func(i int) {
		if i >= len(taps) {
			cb(nil)
			return
		}
		t := taps[i]
		t.fn(v, func(err error) {
			if err != nil {
				cb(berrors.WrapHook(err, h.name, t.name))
				return
			}
			next(i + 1)
		})
	}
	next(0)
}

// IsUsed reports whether any tap is registered.
func (h *AsyncSeriesHook[T]) IsUsed() bool { return len(h.list.taps) > 0 }

// Clone returns a new hook carrying copies of all taps.
func (h *AsyncSeriesHook[T]) Clone() *AsyncSeriesHook[T] {
	return &AsyncSeriesHook[T]{name: h.name, list: h.list.clone()}
}

// ResultCallback receives the outcome of a bailing asynchronous tap or hook
// call. A nil result with a nil error means "continue to the next tap".
type ResultCallback[R any] func(result *R, err error)

// AsyncSeriesBailHook runs taps in series and stops at the first tap that
// reports a non-nil result.
type AsyncSeriesBailHook[T, R any] struct {
	name string
	list tapList[func(T, ResultCallback[R])]
}

// NewAsyncSeriesBail creates a named AsyncSeriesBailHook.
func NewAsyncSeriesBail[T, R any](name string) *AsyncSeriesBailHook[T, R] {
	return &AsyncSeriesBailHook[T, R]{name: name}
}

// Name returns the hook name.
func (h *AsyncSeriesBailHook[T, R]) Name() string { return h.name }

// Tap registers a synchronous listener.
func (h *AsyncSeriesBailHook[T, R]) Tap(name string, fn func(T) (*R, error)) {
	h.list.add(name, 0, func(v T, cb ResultCallback[R]) { cb(fn(v)) })
}

// TapAsync registers an asynchronous listener.
func (h *AsyncSeriesBailHook[T, R]) TapAsync(name string, fn func(T, ResultCallback[R])) {
	h.list.add(name, 0, fn)
}

// TapAsyncStage registers an asynchronous listener at an explicit stage.
func (h *AsyncSeriesBailHook[T, R]) TapAsyncStage(name string, stage int, fn func(T, ResultCallback[R])) {
	h.list.add(name, stage, fn)
}

// CallAsync runs the taps in series until one produces a result or errors.
func (h *AsyncSeriesBailHook[T, R]) CallAsync(v T, cb ResultCallback[R]) {
	taps := h.list.taps
	var next func(i int)
	next = func(i int) {
		if i >= len(taps) {
			cb(nil, nil)
			return
		}
		t := taps[i]
		t.fn(v, func(result *R, err error) {
			if err != nil {
				cb(nil, berrors.WrapHook(err, h.name, t.name))
				return
			}
			if result != nil {
				cb(result, nil)
				return
			}
			next(i + 1)
		})
	}
	next(0)
}

// IsUsed reports whether any tap is registered.
func (h *AsyncSeriesBailHook[T, R]) IsUsed() bool { return len(h.list.taps) > 0 }

// Clone returns a new hook carrying copies of all taps.
func (h *AsyncSeriesBailHook[T, R]) Clone() *AsyncSeriesBailHook[T, R] {
	return &AsyncSeriesBailHook[T, R]{name: h.name, list: h.list.clone()}
}

// AsyncParallelHook starts all taps together. The hook completes when every
// tap has finished, or immediately when the first error arrives; cb is
// invoked exactly once either way.
type AsyncParallelHook[T any] struct {
	name string
	list tapList[func(T, Callback)]
}

// NewAsyncParallel creates a named AsyncParallelHook.
func NewAsyncParallel[T any](name string) *AsyncParallelHook[T] {
	return &AsyncParallelHook[T]{name: name}
}

// Name returns the hook name.
func (h *AsyncParallelHook[T]) Name() string { return h.name }

// Tap registers a synchronous listener.
func (h *AsyncParallelHook[T]) Tap(name string, fn func(T) error) {
	h.list.add(name, 0, func(v T, cb Callback) { cb(fn(v)) })
}

// TapAsync registers an asynchronous listener.
func (h *AsyncParallelHook[T]) TapAsync(name string, fn func(T, Callback)) {
	h.list.add(name, 0, fn)
}

// CallAsync fans out all taps concurrently.
func (h *AsyncParallelHook[T]) CallAsync(v T, cb Callback) {
	taps := h.list.taps
	if len(taps) == 0 {
		cb(nil)
		return
	}
	done := NeedCalls(len(taps), cb)
	for _, t := range taps {
		t := t
		go t.fn(v, func(err error) {
			done(berrors.WrapHook(err, h.name, t.name))
		})
	}
}

// IsUsed reports whether any tap is registered.
func (h *AsyncParallelHook[T]) IsUsed() bool { return len(h.list.taps) > 0 }

// Clone returns a new hook carrying copies of all taps.
func (h *AsyncParallelHook[T]) Clone() *AsyncParallelHook[T] {
	return &AsyncParallelHook[T]{name: h.name, list: h.list.clone()}
}

// NeedCalls returns a completion function that must be called times times
// before cb fires with nil. The first non-nil error fires cb immediately and
// collapses the remaining wait; cb is guaranteed to run exactly once.
func NeedCalls(times int, cb Callback) Callback {
	if times <= 0 {
		cb(nil)
		return func(error) {}
	}
	var remaining atomic.Int64
	remaining.Store(int64(times))
	var once sync.Once
	return func(err error) {
		if err != nil {
			once.Do(func() { cb(err) })
			return
		}
		if remaining.Add(-1) == 0 {
			once.Do(func() { cb(nil) })
		}
	}
}
