// Package events publishes build lifecycle events so external tooling can
// react to builds without polling the output directory.
package events

import "time"

// Build event types.
const (
	TypeBuildStarted  = "build.started"
	TypeBuildFinished = "build.finished"
	TypeBuildFailed   = "build.failed"
	TypeInvalidated   = "build.invalidated"
)

// BuildEvent is one lifecycle notification.
type BuildEvent struct {
	Type         string    `json:"type"`
	Timestamp    time.Time `json:"timestamp"`
	DurationMS   int64     `json:"duration_ms,omitempty"`
	ErrorCount   int       `json:"error_count,omitempty"`
	WarningCount int       `json:"warning_count,omitempty"`
	Assets       []string  `json:"assets,omitempty"`
	TriggerFile  string    `json:"trigger_file,omitempty"`
}

// Emitter publishes build events.
type Emitter interface {
	Publish(event *BuildEvent) error
	Close() error
}

// NoopEmitter drops all events. It is the default when event publishing is
// disabled.
type NoopEmitter struct{}

func (NoopEmitter) Publish(*BuildEvent) error { return nil }
func (NoopEmitter) Close() error              { return nil }
