package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/example/go-spmbridge/internal/bench"
	"github.com/example/go-spmbridge/internal/config"
	"github.com/example/go-spmbridge/internal/tokenizer"
	"github.com/spf13/cobra"
)

func newBenchCmd() *cobra.Command {
	var (
		text          string
		runs          int
		format        string
		minThroughput float64
	)

	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Benchmark encode latency and throughput",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			if strings.TrimSpace(text) == "" {
				return fmt.Errorf("--text is required for bench")
			}
			if runs < 1 {
				return fmt.Errorf("--runs must be at least 1")
			}
			if format != "table" && format != "json" {
				return fmt.Errorf("--format must be 'table' or 'json'")
			}

			results, err := runBench(cmd.Context(), cfg, text, runs)
			if err != nil {
				return err
			}

			durations := make([]time.Duration, len(results))
			for i, r := range results {
				durations[i] = r.Duration
			}
			stats := bench.ComputeStats(durations)

			switch format {
			case "json":
				bench.FormatJSON(results, stats, os.Stdout)
			default:
				bench.FormatTable(results, stats, os.Stdout)
			}

			return bench.CheckMinThroughput(bench.MeanThroughput(results), minThroughput)
		},
	}

	cmd.Flags().StringVar(&text, "text", "", "Text to encode for each run (required)")
	cmd.Flags().IntVar(&runs, "runs", 5, "Number of encode runs")
	cmd.Flags().StringVar(&format, "format", "table", "Output format: table|json")
	cmd.Flags().Float64Var(&minThroughput, "min-tokens-per-sec", 0, "Exit non-zero if mean warm throughput is below this value (0 = disabled)")

	return cmd
}

// runBench loads the model once and times each encode. The first run also
// includes the model load.
func runBench(ctx context.Context, cfg config.Config, text string, runs int) ([]bench.RunResult, error) {
	results := make([]bench.RunResult, 0, runs)

	var h *tokenizer.Handle
	for i := range runs {
		start := time.Now()
		if h == nil {
			var err error
			h, err = openHandle(ctx, cfg)
			if err != nil {
				return nil, err
			}
		}

		ids, err := h.EncodeWithOptions(text, tokenizer.EncodeOptions{
			AddBOS: cfg.Tokenizer.AddBOS,
			AddEOS: cfg.Tokenizer.AddEOS,
		})
		if err != nil {
			return nil, fmt.Errorf("run %d failed: %w", i+1, err)
		}
		dur := time.Since(start)

		results = append(results, bench.RunResult{
			Index:        i,
			Cold:         i == 0,
			Duration:     dur,
			Tokens:       len(ids),
			TextBytes:    len(text),
			TokensPerSec: bench.Throughput(len(ids), dur),
		})
	}

	return results, nil
}
