// Package metrics defines the observability hooks the build engine reports
// through. The default recorder does nothing; the Prometheus recorder
// forwards to a prometheus.Registry.
package metrics

import "time"

// Recorder defines observability hooks for compiler and cache metrics.
// Implementations must be safe for concurrent use; the NoopRecorder allows
// optional injection.
type Recorder interface {
	ObserveBuildDuration(d time.Duration)
	IncBuildOutcome(outcome string) // outcome: success|failed|canceled
	IncRebuild()
	ObserveEmitDuration(d time.Duration)
	AddAssetsEmitted(n int)
	AddAssetsSkipped(n int)
	IncCacheHit(stage string)
	IncCacheMiss(stage string)
	SetWatchedFiles(n int)
}

// NoopRecorder is a Recorder that does nothing (default when metrics are not
// configured).
type NoopRecorder struct{}

func (NoopRecorder) ObserveBuildDuration(time.Duration) {}
func (NoopRecorder) IncBuildOutcome(string)             {}
func (NoopRecorder) IncRebuild()                        {}
func (NoopRecorder) ObserveEmitDuration(time.Duration)  {}
func (NoopRecorder) AddAssetsEmitted(int)               {}
func (NoopRecorder) AddAssetsSkipped(int)               {}
func (NoopRecorder) IncCacheHit(string)                 {}
func (NoopRecorder) IncCacheMiss(string)                {}
func (NoopRecorder) SetWatchedFiles(int)                {}
