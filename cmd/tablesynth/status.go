package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/floegence/tablesynth/internal/batch/store"
	"github.com/floegence/tablesynth/internal/config"
	"github.com/floegence/tablesynth/internal/pipeline"
)

func statusCmd(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	configPath := fs.String("config", config.DefaultConfigPath(), "Config file (YAML)")
	limit := fs.Int("limit", 20, "Maximum runs and batches to list")
	asJSON := fs.Bool("json", false, "Print JSON instead of a table")
	_ = fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(2)
	}
	p, err := pipeline.New(pipeline.Options{Config: cfg})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init pipeline: %v\n", err)
		os.Exit(1)
	}
	runs, batches, err := p.Status(context.Background(), *limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "status failed: %v\n", err)
		os.Exit(1)
	}
	if *asJSON {
		writeJSON(os.Stdout, map[string]any{"runs": runs, "batches": batches})
		return
	}
	printStatus(os.Stdout, runs, batches)
}

func printStatus(w io.Writer, runs []store.Run, batches []store.Batch) {
	if len(runs) == 0 {
		fmt.Fprintln(w, "No generation runs recorded.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tSTATUS\tBASE\tPROMPTS\tUPDATED\tOUTPUT")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\t%s\n", r.RunID, r.Status, r.BaseIndex, r.NumPrompts, formatMs(r.UpdatedAtUnixMs), r.OutputDir)
	}
	_ = tw.Flush()

	if len(batches) == 0 {
		return
	}
	fmt.Fprintln(w)
	tw = tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "BATCH\tRUN\tPROVIDER\tSTATUS\tITEMS\tDONE\tPOLLS\tERROR")
	for _, b := range batches {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\t%d\t%s\n", b.BatchID, b.RunID, b.Provider, b.Status, b.SubmittedCount, len(b.CompletedIndices), b.Polls, b.Error)
	}
	_ = tw.Flush()
}

func formatMs(ms int64) string {
	if ms <= 0 {
		return "-"
	}
	return time.UnixMilli(ms).Local().Format(time.DateTime)
}
