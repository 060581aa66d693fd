// Command shredrace-bench runs the pipeline for a fixed duration and
// renders the resulting aggregator state as the benchmark report spec.md
// §6 describes: a single JSON document plus a console table, built
// entirely from internal/metrics.Aggregator's existing snapshot and
// slot-ring state (spec.md §4: "additive CLI sugar over existing
// aggregator state, not new core logic").
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/olekukonko/tablewriter"
	flag "github.com/spf13/pflag"

	"github.com/malbeclabs/shredrace/internal/config"
	"github.com/malbeclabs/shredrace/internal/metrics"
	"github.com/malbeclabs/shredrace/internal/pipeline"
	"github.com/malbeclabs/shredrace/internal/slotbuf"
)

type cliConfig struct {
	ConfigPath string
	Duration   time.Duration
	ReportPath string
	Verbose    bool
}

// Report is the benchmark document spec.md §6 describes.
type Report struct {
	DurationSecs  float64              `json:"duration_secs"`
	Sources       []metrics.Snapshot   `json:"sources"`
	SlotBreakdown map[string][]slotbuf.SlotResult `json:"slot_breakdown,omitempty"`
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cli := parseFlags()
	log := newLogger(cli.Verbose)

	cfg, err := config.Load(cli.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	p, err := pipeline.New(pipeline.Config{Sources: *cfg, Logger: log})
	if err != nil {
		return fmt.Errorf("build pipeline: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cli.Duration)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("received shutdown signal, ending benchmark early")
		cancel()
	}()

	log.Info("running benchmark", "duration", cli.Duration, "sources", len(cfg.Sources))
	start := time.Now()
	if err := p.Run(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("pipeline error: %w", err)
	}
	elapsed := time.Since(start)

	report := buildReport(cfg, p, elapsed)

	if cli.ReportPath != "" {
		if err := writeReportJSON(cli.ReportPath, report); err != nil {
			return fmt.Errorf("write report %s: %w", cli.ReportPath, err)
		}
		log.Info("wrote benchmark report", "path", cli.ReportPath)
	}

	printReportTable(report)
	return nil
}

func buildReport(cfg *config.Config, p *pipeline.Pipeline, elapsed time.Duration) Report {
	report := Report{
		DurationSecs:  elapsed.Seconds(),
		Sources:       p.Snapshots(),
		SlotBreakdown: make(map[string][]slotbuf.SlotResult),
	}
	for _, sc := range cfg.Sources {
		if sc.Type != config.SourceTypeShred {
			continue
		}
		if breakdown := p.Metrics().SlotBreakdown(sc.Name); len(breakdown) > 0 {
			report.SlotBreakdown[sc.Name] = breakdown
		}
	}
	return report
}

func writeReportJSON(path string, report Report) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}

func printReportTable(report Report) {
	fmt.Printf("benchmark duration: %.1fs\n\n", report.DurationSecs)

	table := tablewriter.NewWriter(os.Stdout)
	table.SetAutoWrapText(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_CENTER)
	table.SetAutoFormatHeaders(false)
	table.SetHeader([]string{
		"Source", "Shreds/s", "Txs/s", "Coverage %", "FEC Recovered",
	})
	for _, snap := range report.Sources {
		coverage := "unknown"
		if snap.CoveragePct != nil {
			coverage = fmt.Sprintf("%.2f", *snap.CoveragePct)
		}
		table.Append([]string{
			snap.Source,
			fmt.Sprintf("%.1f", snap.ShredsPerSec),
			fmt.Sprintf("%.1f", snap.TxsPerSec),
			coverage,
			fmt.Sprintf("%d", snap.FECRecovered),
		})
	}
	table.Render()

	fmt.Println()
	leadTable := tablewriter.NewWriter(os.Stdout)
	leadTable.SetAutoWrapText(false)
	leadTable.SetHeaderAlignment(tablewriter.ALIGN_CENTER)
	leadTable.SetAutoFormatHeaders(false)
	leadTable.SetHeader([]string{
		"Fast", "Baseline", "Count", "Mean (us)", "P50", "P95", "P99", "Beat %",
	})
	for _, snap := range report.Sources {
		for baseline, ls := range snap.LeadVs {
			leadTable.Append([]string{
				snap.Source,
				baseline,
				fmt.Sprintf("%d", ls.Count),
				fmt.Sprintf("%.1f", ls.MeanUs),
				fmt.Sprintf("%d", ls.P50Us),
				fmt.Sprintf("%d", ls.P95Us),
				fmt.Sprintf("%d", ls.P99Us),
				fmt.Sprintf("%.1f", ls.BeatPct*100),
			})
		}
	}
	leadTable.Render()
}

func parseFlags() *cliConfig {
	cli := &cliConfig{}

	flag.StringVar(&cli.ConfigPath, "config", "shredrace.toml", "Path to the TOML config file")
	flag.DurationVar(&cli.Duration, "duration", 60*time.Second, "How long to run the benchmark")
	flag.StringVar(&cli.ReportPath, "report", "shredrace-bench-report.json", "Path to write the JSON benchmark report (empty disables)")
	flag.BoolVarP(&cli.Verbose, "verbose", "v", false, "Enable verbose logging")

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
