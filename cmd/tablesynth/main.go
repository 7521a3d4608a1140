package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/floegence/tablesynth/internal/config"
	"github.com/floegence/tablesynth/internal/faults"
	"github.com/floegence/tablesynth/internal/pipeline"
)

var (
	// Version is set via -ldflags at build time.
	Version = "dev"
	// Commit is set via -ldflags at build time.
	Commit = "unknown"
	// BuildTime is set via -ldflags at build time.
	BuildTime = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "init":
		initCmd(os.Args[2:])
	case "generate", "render", "label", "run":
		stageCmd(os.Args[1], os.Args[2:])
	case "status":
		statusCmd(os.Args[2:])
	case "version":
		fmt.Printf("tablesynth %s (%s) %s\n", Version, Commit, BuildTime)
	default:
		printUsage()
		os.Exit(2)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `tablesynth

Usage:
  tablesynth init [flags]
  tablesynth generate [flags]
  tablesynth label [flags]
  tablesynth render [flags]
  tablesynth run [flags]
  tablesynth status [flags]
  tablesynth version

Commands:
  init       Write a configuration file with every default filled in.
  generate   Request synthetic HTML tables from the generation API (resumes unfinished runs).
  label      Strip presentation markup from generated HTML into ground-truth labels.
  render     Rasterize generated HTML into themed PNG images.
  run        generate, then label, then render.
  status     List recent generation runs and batches.
  version    Print build information.

The API key is read from the environment variable named by generation.api_key_env.

`)
}

func initCmd(args []string) {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	path := fs.String("config", config.DefaultConfigPath(), "Config file to write")
	_ = fs.Parse(args)

	if err := config.Save(*path, config.Default()); err != nil {
		fmt.Fprintf(os.Stderr, "init failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Wrote %s. Set the API key in $%s before running `tablesynth generate`.\n", *path, config.Default().Generation.APIKeyEnv)
}

func stageCmd(name string, args []string) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	common := registerCommonFlags(fs)
	var ov overrides
	switch name {
	case "generate":
		ov.registerGenerate(fs)
	case "label":
		ov.registerLabel(fs)
	case "render":
		ov.registerRender(fs)
	case "run":
		ov.registerGenerate(fs)
		ov.registerRender(fs)
		ov.registerLabelOutput(fs)
	}
	_ = fs.Parse(args)
	if fs.NArg() > 0 {
		fmt.Fprintf(os.Stderr, "unexpected arguments: %v\n\n", fs.Args())
		fs.Usage()
		os.Exit(2)
	}

	cfg, err := common.load(fs, &ov)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(2)
	}
	logger, err := newLogger(cfg.LogFormat, cfg.LogLevel, os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid log config: %v\n", err)
		os.Exit(2)
	}

	p, err := pipeline.New(pipeline.Options{Logger: logger, Config: cfg})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init pipeline: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := signalContext()
	defer cancel()

	var report any
	switch name {
	case "generate":
		report, err = p.Generate(ctx)
	case "label":
		report, err = p.Label(ctx)
	case "render":
		report, err = p.Render(ctx)
	case "run":
		report, err = p.Run(ctx)
	}
	if report != nil {
		writeJSON(os.Stdout, report)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s failed: %v\n", name, err)
		os.Exit(exitCode(err))
	}
}

// exitCode maps fatal errors to process exit codes.
func exitCode(err error) int {
	var cfgErr *faults.ConfigurationError
	var jobErr *faults.ExternalJobFailure
	switch {
	case errors.As(err, &cfgErr):
		return 2
	case errors.As(err, &jobErr):
		fmt.Fprintf(os.Stderr, "Hint: state was saved; rerun the same command to resume.\n")
		return 1
	case errors.Is(err, context.Canceled):
		fmt.Fprintf(os.Stderr, "Interrupted; rerun the same command to resume.\n")
		return 130
	default:
		return 1
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	// Graceful shutdown on SIGINT/SIGTERM; a second signal exits immediately.
	stop := make(chan os.Signal, 2)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-stop
		cancel()
		<-stop
		os.Exit(130)
	}()
	return ctx, func() {
		signal.Stop(stop)
		cancel()
	}
}

func writeJSON(w io.Writer, v any) {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
