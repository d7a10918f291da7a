package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"

	"git.home.luguber.info/inful/bundler/internal/version"
)

var CLI struct {
	Config  string `short:"c" help:"Configuration file path" default:"bundler.yaml"`
	Verbose bool   `short:"v" help:"Enable verbose logging"`

	Build struct {
		RecordsPath string `help:"Override the records file location"`
	} `cmd:"" help:"Run one build and exit"`

	Watch struct {
	} `cmd:"" help:"Build, then rebuild on file changes until interrupted"`

	Cache struct {
		Stats struct{} `cmd:"" help:"Show persistent cache statistics"`
		Clear struct{} `cmd:"" help:"Drop all persistent cache entries"`
	} `cmd:"" help:"Inspect or clear the persistent build cache"`

	Version struct{} `cmd:"" help:"Print version information"`
}

func main() {
	_ = godotenv.Load()
	ctx := kong.Parse(&CLI)

	logLevel := slog.LevelInfo
	if CLI.Verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	var err error
	switch ctx.Command() {
	case "build":
		err = runBuild()
	case "watch":
		err = runWatch()
	case "cache stats":
		err = runCacheStats()
	case "cache clear":
		err = runCacheClear()
	case "version":
		fmt.Printf("bundler %s (commit %s, built %s)\n", version.Version, version.GitCommit, version.BuildTime)
	default:
		slog.Error("Unknown command", "command", ctx.Command())
		os.Exit(1)
	}
	if err != nil {
		slog.Error("Command failed", "error", err)
		os.Exit(1)
	}
}
