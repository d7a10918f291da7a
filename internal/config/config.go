// Package config defines the typed options consumed by the build engine and
// loads them from YAML. Defaults are applied after loading; validation
// rejects option combinations the engine cannot honor.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// WatchOptions controls the incremental rebuild loop.
type WatchOptions struct {
	// AggregateTimeout delays the start of a rebuild after the first
	// change event so rapid bursts collapse into one build.
	AggregateTimeout time.Duration `yaml:"aggregate_timeout"`
	// PollInterval enables stat polling instead of native events when >0.
	PollInterval time.Duration `yaml:"poll_interval"`
	// Ignored paths are excluded from watching (prefix match).
	Ignored []string `yaml:"ignored"`
}

// OutputOptions controls asset emission.
type OutputOptions struct {
	Path     string `yaml:"path"`
	Filename string `yaml:"filename"`
	// CompareBeforeEmit skips rewriting files whose on-disk content
	// already matches, to avoid perturbing file-watcher mtimes.
	CompareBeforeEmit bool `yaml:"compare_before_emit"`
}

// ResolveOptions parameterizes path resolution. Option sets are canonicalized
// so structurally identical sets share one resolver instance.
type ResolveOptions struct {
	Extensions     []string          `yaml:"extensions" json:"extensions"`
	Modules        []string          `yaml:"modules" json:"modules"`
	Alias          map[string]string `yaml:"alias" json:"alias"`
	MainFiles      []string          `yaml:"main_files" json:"mainFiles"`
	FullySpecified bool              `yaml:"fully_specified" json:"fullySpecified"`
	// DependencyType is set per-request from the dependency category.
	DependencyType string `yaml:"-" json:"dependencyType"`
}

// CanonicalString returns the deterministic serialized form of the option
// set, used as the second-level resolver cache key.
func (o *ResolveOptions) CanonicalString() string {
	// encoding/json emits struct fields in declaration order and map keys
	// sorted, so structurally equal option sets serialize identically.
	b, err := json.Marshal(o)
	if err != nil {
		return fmt.Sprintf("%#v", o)
	}
	return string(b)
}

// Merged returns a copy of o with the non-zero fields of partial applied.
func (o *ResolveOptions) Merged(partial *ResolveOptions) *ResolveOptions {
	merged := *o
	if partial == nil {
		return &merged
	}
	if len(partial.Extensions) > 0 {
		merged.Extensions = partial.Extensions
	}
	if len(partial.Modules) > 0 {
		merged.Modules = partial.Modules
	}
	if len(partial.Alias) > 0 {
		alias := make(map[string]string, len(o.Alias)+len(partial.Alias))
		for k, v := range o.Alias {
			alias[k] = v
		}
		for k, v := range partial.Alias {
			alias[k] = v
		}
		merged.Alias = alias
	}
	if len(partial.MainFiles) > 0 {
		merged.MainFiles = partial.MainFiles
	}
	if partial.FullySpecified {
		merged.FullySpecified = true
	}
	if partial.DependencyType != "" {
		merged.DependencyType = partial.DependencyType
	}
	return &merged
}

// UseEntry is one loader application within a rule.
type UseEntry struct {
	Loader  string         `yaml:"loader"`
	Options map[string]any `yaml:"options"`
	// Ident names this entry so other rules can reference its options.
	Ident string `yaml:"ident"`
}

// RuleConfig is the YAML form of one module rule; the rules package compiles
// a slice of these into a RuleSet.
type RuleConfig struct {
	Test           string   `yaml:"test"`
	Include        []string `yaml:"include"`
	Exclude        []string `yaml:"exclude"`
	Resource       string   `yaml:"resource"`
	ResourceQuery  string   `yaml:"resource_query"`
	Mimetype       string   `yaml:"mimetype"`
	Issuer         string   `yaml:"issuer"`
	DependencyType string   `yaml:"dependency"`
	IssuerLayer    string   `yaml:"issuer_layer"`

	Type      string          `yaml:"type"`
	Enforce   string          `yaml:"enforce"` // "", "pre" or "post"
	Layer     string          `yaml:"layer"`
	Use       []UseEntry      `yaml:"use"`
	Parser    map[string]any  `yaml:"parser"`
	Generator map[string]any  `yaml:"generator"`
	Resolve   *ResolveOptions `yaml:"resolve"`
}

// ModuleOptions groups the module-processing rules.
type ModuleOptions struct {
	Rules []RuleConfig `yaml:"rules"`
}

// RecordsOptions names the records file carried across builds.
type RecordsOptions struct {
	InputPath  string `yaml:"input_path"`
	OutputPath string `yaml:"output_path"`
}

// CacheOptions selects and parameterizes the cache backends.
type CacheOptions struct {
	// Type is "memory", "sqlite", "both" or "none".
	Type string `yaml:"type"`
	// Path is the SQLite database location for persistent caching.
	Path string `yaml:"path"`
	// MaxEntries bounds the in-memory LRU.
	MaxEntries int `yaml:"max_entries"`
}

// Experiments gates features that are off by default.
type Experiments struct {
	Layers bool `yaml:"layers"`
}

// EventsOptions configures build lifecycle event publishing.
type EventsOptions struct {
	Enabled bool   `yaml:"enabled"`
	NATSURL string `yaml:"nats_url"`
	Subject string `yaml:"subject"`
}

// MetricsOptions configures the Prometheus endpoint.
type MetricsOptions struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// ScheduleOptions configures periodic full rebuilds in watch mode.
type ScheduleOptions struct {
	// FullRebuildCron is a cron expression; empty disables scheduling.
	FullRebuildCron string `yaml:"full_rebuild_cron"`
}

// Options is the full engine configuration.
type Options struct {
	// Context is the root directory requests resolve against.
	Context string            `yaml:"context"`
	Entry   map[string]string `yaml:"entry"`

	Output        OutputOptions   `yaml:"output"`
	Watch         WatchOptions    `yaml:"watch"`
	Resolve       ResolveOptions  `yaml:"resolve"`
	ResolveLoader ResolveOptions  `yaml:"resolve_loader"`
	Module        ModuleOptions   `yaml:"module"`
	Records       RecordsOptions  `yaml:"records"`
	Cache         CacheOptions    `yaml:"cache"`
	Experiments   Experiments     `yaml:"experiments"`
	Events        EventsOptions   `yaml:"events"`
	Metrics       MetricsOptions  `yaml:"metrics"`
	Schedule      ScheduleOptions `yaml:"schedule"`
}

// Load reads and parses an options file, applies defaults and validates.
func Load(path string) (*Options, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	opts := &Options{}
	if err := yaml.Unmarshal(data, opts); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	opts.ApplyDefaults()
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return opts, nil
}

// ApplyDefaults fills unset fields with their defaults.
func (o *Options) ApplyDefaults() {
	if o.Context == "" {
		if wd, err := os.Getwd(); err == nil {
			o.Context = wd
		} else {
			o.Context = "."
		}
	}
	if o.Output.Path == "" {
		o.Output.Path = filepath.Join(o.Context, "dist")
	}
	if o.Output.Filename == "" {
		o.Output.Filename = "[name].js"
	}
	if o.Watch.AggregateTimeout <= 0 {
		o.Watch.AggregateTimeout = 200 * time.Millisecond
	}
	if len(o.Resolve.Extensions) == 0 {
		o.Resolve.Extensions = []string{".js", ".mjs", ".json", ".md", ".txt"}
	}
	if len(o.Resolve.Modules) == 0 {
		o.Resolve.Modules = []string{"modules"}
	}
	if len(o.Resolve.MainFiles) == 0 {
		o.Resolve.MainFiles = []string{"index"}
	}
	if len(o.ResolveLoader.Extensions) == 0 {
		o.ResolveLoader.Extensions = []string{".js"}
	}
	if len(o.ResolveLoader.Modules) == 0 {
		o.ResolveLoader.Modules = []string{"loaders"}
	}
	if o.Cache.Type == "" {
		o.Cache.Type = "memory"
	}
	if o.Cache.MaxEntries <= 0 {
		o.Cache.MaxEntries = 5000
	}
	if o.Cache.Path == "" {
		o.Cache.Path = filepath.Join(o.Context, ".bundler", "cache.db")
	}
	if o.Events.Subject == "" {
		o.Events.Subject = "bundler.build"
	}
	if o.Metrics.Listen == "" {
		o.Metrics.Listen = ":9464"
	}
}

// Validate rejects configurations the engine cannot honor.
func (o *Options) Validate() error {
	switch o.Cache.Type {
	case "memory", "sqlite", "both", "none":
	default:
		return fmt.Errorf("cache.type %q is not one of memory, sqlite, both, none", o.Cache.Type)
	}
	for i, rule := range o.Module.Rules {
		if rule.Layer != "" && !o.Experiments.Layers {
			return fmt.Errorf("module.rules[%d] sets layer %q but experiments.layers is not enabled", i, rule.Layer)
		}
		switch rule.Enforce {
		case "", "pre", "post":
		default:
			return fmt.Errorf("module.rules[%d].enforce %q is not one of pre, post", i, rule.Enforce)
		}
	}
	if o.Events.Enabled && o.Events.NATSURL == "" {
		return fmt.Errorf("events.enabled requires events.nats_url")
	}
	return nil
}
