// Command shredrace runs the shred-vs-confirmation lead-time benchmark as
// a long-running collector: it loads a TOML config, wires every configured
// source through internal/pipeline, appends one JSONL snapshot line per
// source per tick to a log file, and serves Prometheus process metrics.
// Config loading, the JSONL writer, and this entry point are themselves
// thin adapters around the core contracts internal/pipeline wires
// together (spec.md §1).
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"

	"github.com/malbeclabs/shredrace/internal/config"
	"github.com/malbeclabs/shredrace/internal/core"
	"github.com/malbeclabs/shredrace/internal/pipeline"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type cliConfig struct {
	ConfigPath  string
	LogPath     string
	MetricsAddr string
	Verbose     bool
	ShowVersion bool
}

func main() {
	os.Exit(mainExitCode())
}

// mainExitCode maps run's outcome onto spec.md §6's core-facing exit codes:
// 0 clean shutdown, 2 invalid config, 3 no source could be initialized, 4
// fatal snapshot-log I/O.
func mainExitCode() int {
	err := run()
	switch {
	case err == nil:
		return 0
	case errors.Is(err, core.ErrConfig):
		fmt.Fprintln(os.Stderr, err)
		return 2
	case errors.Is(err, core.ErrNoSource):
		fmt.Fprintln(os.Stderr, err)
		return 3
	case errors.Is(err, core.ErrSnapshotLog):
		fmt.Fprintln(os.Stderr, err)
		return 4
	default:
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
}

func run() error {
	cli := parseFlags()

	if cli.ShowVersion {
		fmt.Printf("shredrace version: %s, commit: %s, date: %s\n", version, commit, date)
		return nil
	}

	log := newLogger(cli.Verbose)

	cfg, err := config.Load(cli.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logFile, err := os.OpenFile(cli.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open snapshot log %s: %w", cli.LogPath, err)
	}
	defer logFile.Close()

	reg := prometheus.NewRegistry()
	p, err := pipeline.New(pipeline.Config{
		Sources:    *cfg,
		Logger:     log,
		Registerer: reg,
	})
	if err != nil {
		return fmt.Errorf("build pipeline: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	metricsErrCh := make(chan error, 1)
	if cli.MetricsAddr != "" {
		listener, err := net.Listen("tcp", cli.MetricsAddr)
		if err != nil {
			return fmt.Errorf("listen on %s: %w", cli.MetricsAddr, err)
		}
		log.Info("prometheus metrics server listening", "address", listener.Addr().String())
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		go func() {
			if err := http.Serve(listener, mux); err != nil {
				metricsErrCh <- err
			}
		}()
	}

	pipelineErrCh := make(chan error, 1)
	go func() {
		pipelineErrCh <- p.Run(ctx)
	}()

	snapshotErrCh := make(chan error, 1)
	enc := json.NewEncoder(logFile)
	go func() {
		for snap := range p.SnapshotStream() {
			if err := enc.Encode(snap); err != nil {
				snapshotErrCh <- fmt.Errorf("%w: %w", core.ErrSnapshotLog, err)
				return
			}
		}
	}()

	select {
	case sig := <-sigCh:
		log.Info("received shutdown signal", "signal", sig)
	case err := <-pipelineErrCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("pipeline error: %w", err)
		}
	case err := <-metricsErrCh:
		return fmt.Errorf("metrics server error: %w", err)
	case err := <-snapshotErrCh:
		return err
	}

	cancel()
	log.Info("shredrace shutdown complete")
	return nil
}

func parseFlags() *cliConfig {
	cli := &cliConfig{}

	flag.StringVar(&cli.ConfigPath, "config", "shredrace.toml", "Path to the TOML config file")
	flag.StringVar(&cli.LogPath, "log", "shredrace-snapshots.jsonl", "Path to append JSONL metric snapshots to")
	flag.StringVar(&cli.MetricsAddr, "metrics-addr", ":9090", "Address to serve Prometheus /metrics on (empty disables)")
	flag.BoolVarP(&cli.Verbose, "verbose", "v", false, "Enable verbose logging")
	flag.BoolVar(&cli.ShowVersion, "version", false, "Show version and exit")

	flag.Parse()
	return cli
}

func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}

	return slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: time.RFC3339,
	}))
}
