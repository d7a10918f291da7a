package main

import (
	"fmt"
	"log/slog"

	"git.home.luguber.info/inful/bundler/internal/cache"
	"git.home.luguber.info/inful/bundler/internal/config"
)

// openSQLite opens the persistent cache named by the configuration, for the
// cache subcommands that operate on it directly.
func openSQLite() (*cache.SQLiteBackend, error) {
	opts, err := config.Load(CLI.Config)
	if err != nil {
		return nil, err
	}
	backend, err := cache.NewSQLiteBackend(opts.Cache.Path, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("open cache database %s: %w", opts.Cache.Path, err)
	}
	return backend, nil
}

func runCacheStats() error {
	backend, err := openSQLite()
	if err != nil {
		return err
	}
	defer backend.Close()

	entries, bytes, err := backend.Stats()
	if err != nil {
		return fmt.Errorf("read cache statistics: %w", err)
	}
	fmt.Printf("entries: %d\n", entries)
	fmt.Printf("size:    %d bytes\n", bytes)
	return nil
}

func runCacheClear() error {
	backend, err := openSQLite()
	if err != nil {
		return err
	}
	defer backend.Close()

	if err := backend.Clear(); err != nil {
		return fmt.Errorf("clear cache: %w", err)
	}
	slog.Info("Cache cleared")
	return nil
}
