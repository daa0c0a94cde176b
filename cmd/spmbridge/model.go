package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/example/go-spmbridge/internal/model"
	"github.com/example/go-spmbridge/internal/tokenizer"
	"github.com/spf13/cobra"
)

func newModelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "model",
		Short: "Model installation and verification commands",
	}

	cmd.AddCommand(newModelInstallCmd())
	cmd.AddCommand(newModelVerifyCmd())
	return cmd
}

func newModelInstallCmd() *cobra.Command {
	var source string
	var dest string

	cmd := &cobra.Command{
		Use:   "install",
		Short: "Install the tokenizer model from a local path or URL",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			if source == "" {
				source = cfg.Paths.AssetSource
			}
			if dest == "" {
				dest = cfg.ResolvedModelPath()
			}

			if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
				return fmt.Errorf("create model dir: %w", err)
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), model.DefaultTimeout)
			defer cancel()

			if _, err := model.Install(ctx, model.InstallOptions{
				Source: source,
				Dest:   dest,
				SHA256: cfg.Paths.ModelSHA256,
				Stdout: os.Stdout,
			}); err != nil {
				return fmt.Errorf("model install failed: %w", err)
			}

			return nil
		},
	}

	cmd.Flags().StringVar(&source, "source", "", "Local path or http(s) URL (default: paths.asset_source)")
	cmd.Flags().StringVar(&dest, "dest", "", "Install destination (default: resolved model path)")

	return cmd
}

func newModelVerifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Check the model file and smoke-load it",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			modelPath := cfg.ResolvedModelPath()
			if _, err := fmt.Fprintf(os.Stdout, "verifying tokenizer model: %s\n", modelPath); err != nil {
				return fmt.Errorf("write status: %w", err)
			}

			// 1. File and checksum.
			if err := model.Verify(modelPath, cfg.Paths.ModelSHA256); err != nil {
				return fmt.Errorf("model verify failed: %w", err)
			}

			if _, err := fmt.Fprintf(os.Stdout, "  ✓ file ok\n"); err != nil {
				return fmt.Errorf("write status: %w", err)
			}

			// 2. Smoke load and round trip.
			h, err := openHandle(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("smoke load failed: %w", err)
			}
			defer h.Close()

			info, err := h.Info()
			if err != nil {
				return err
			}

			if _, err := fmt.Fprintf(os.Stdout, "  ✓ model loads: %s, %d pieces\n", info.KindName, info.VocabSize); err != nil {
				return fmt.Errorf("write status: %w", err)
			}

			if err := smokeEncode(h); err != nil {
				return fmt.Errorf("smoke encode failed: %w", err)
			}

			if _, err := fmt.Fprintf(os.Stdout, "  ✓ encode/decode round trip\n"); err != nil {
				return fmt.Errorf("write status: %w", err)
			}

			if _, err := fmt.Fprintln(os.Stdout, "tokenizer model verification passed"); err != nil {
				return fmt.Errorf("write status: %w", err)
			}

			return nil
		},
	}

	return cmd
}

// smokeEncode checks that a sample sentence encodes to in-range ids that all
// decode.
func smokeEncode(h *tokenizer.Handle) error {
	ids, err := h.Encode("hello world")
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return fmt.Errorf("sample text encoded to no ids")
	}
	for _, id := range ids {
		if _, err := h.Decode(id); err != nil {
			return err
		}
	}
	return nil
}
