package logfields

import "log/slog"

// Canonical log field name constants to avoid drift across packages.
const (
	KeyEntry      = "entry"
	KeyModule     = "module"
	KeyAsset      = "asset"
	KeyLoader     = "loader"
	KeyRequest    = "request"
	KeyPath       = "path"
	KeyCacheStage = "cache_stage"
	KeyDurationMS = "duration_ms"
	KeyModules    = "modules"
	KeyAssets     = "assets"
	KeyErrors     = "errors"
	KeyWarnings   = "warnings"
	KeyError      = "error"
)

// Simple helpers returning slog.Attr. Keeping each granular means callers can compose.
func Entry(name string) slog.Attr     { return slog.String(KeyEntry, name) }
func Module(id string) slog.Attr      { return slog.String(KeyModule, id) }
func Asset(name string) slog.Attr     { return slog.String(KeyAsset, name) }
func Loader(name string) slog.Attr    { return slog.String(KeyLoader, name) }
func Request(r string) slog.Attr      { return slog.String(KeyRequest, r) }
func Path(p string) slog.Attr         { return slog.String(KeyPath, p) }
func CacheStage(s string) slog.Attr   { return slog.String(KeyCacheStage, s) }
func DurationMS(ms float64) slog.Attr { return slog.Float64(KeyDurationMS, ms) }
func Modules(n int) slog.Attr         { return slog.Int(KeyModules, n) }
func Assets(n int) slog.Attr          { return slog.Int(KeyAssets, n) }
func Errors(n int) slog.Attr          { return slog.Int(KeyErrors, n) }
func Warnings(n int) slog.Attr        { return slog.Int(KeyWarnings, n) }
func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(KeyError, "")
	}
	return slog.String(KeyError, err.Error())
}
