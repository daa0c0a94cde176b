package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/example/go-spmbridge/internal/bridge"
	"github.com/example/go-spmbridge/internal/config"
	"github.com/example/go-spmbridge/internal/server"
	"github.com/example/go-spmbridge/internal/tokenizer"
	"github.com/spf13/cobra"
)

var (
	cfgFile   string
	activeCfg config.Config
)

func NewRootCmd() *cobra.Command {
	defaults := config.DefaultConfig()

	cmd := &cobra.Command{
		Use:           "spmbridge",
		Short:         "SentencePiece tokenizer command line",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			loaded, err := config.Load(config.LoadOptions{
				Cmd:        cmd,
				ConfigFile: cfgFile,
				Defaults:   defaults,
			})
			if err != nil {
				return err
			}
			activeCfg = loaded
			setupLogger(loaded.LogLevel)
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Optional config file (yaml|toml|json)")
	config.RegisterFlags(cmd.PersistentFlags(), defaults)

	cmd.AddCommand(newEncodeCmd())
	cmd.AddCommand(newDecodeCmd())
	cmd.AddCommand(newInspectCmd())
	cmd.AddCommand(newBenchCmd())
	cmd.AddCommand(newModelCmd())
	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newHealthCmd())
	cmd.AddCommand(newDoctorCmd())

	return cmd
}

// setupLogger configures the process-wide slog default logger.
func setupLogger(levelStr string) {
	lvl, err := server.ParseLogLevel(levelStr)
	if err != nil {
		lvl = slog.LevelInfo
	}
	h := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	slog.SetDefault(slog.New(h))
}

func requireConfig() (config.Config, error) {
	if activeCfg.Paths.ModelPath == "" {
		return config.Config{}, fmt.Errorf("configuration not loaded")
	}
	return activeCfg, nil
}

// openHandle builds a handle for cfg and loads its model. The load error is
// returned when the model cannot be made ready.
func openHandle(ctx context.Context, cfg config.Config) (*tokenizer.Handle, error) {
	kind, err := tokenizer.ParseKind(cfg.Tokenizer.Kind)
	if err != nil {
		return nil, err
	}

	h := tokenizer.NewHandle(
		tokenizer.WithKind(kind),
		tokenizer.WithBatchWorkers(cfg.Tokenizer.BatchWorkers),
	)

	if !bridge.New(h, slog.Default()).InitFromConfig(ctx, cfg) {
		if _, err := h.Info(); err != nil {
			return nil, err
		}
		return nil, tokenizer.ErrNotReady
	}

	return h, nil
}
