package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/example/go-spmbridge/internal/doctor"
	"github.com/example/go-spmbridge/internal/server"
	"github.com/spf13/cobra"
)

func newDoctorCmd() *cobra.Command {
	var probe bool

	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Run local model and environment checks",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			_, _ = fmt.Fprintf(os.Stdout, "tokenizer kind: %s\n", cfg.Tokenizer.Kind)

			result := doctor.Run(doctor.Config{
				ModelPath:   cfg.ResolvedModelPath(),
				ModelSHA256: cfg.Paths.ModelSHA256,
				Kind:        cfg.Tokenizer.Kind,
				DataDir:     cfg.Paths.DataDir,
			}, os.Stdout)

			if probe {
				addr := probeAddr(cfg.Server.ListenAddr)

				ctx, cancel := context.WithTimeout(cmd.Context(), 3*time.Second)
				defer cancel()

				if err := server.ProbeHTTP(ctx, addr, true); err != nil {
					result.AddFailure(fmt.Sprintf("server %s: %v", addr, err))
					_, _ = fmt.Fprintf(os.Stdout, "%s server %s: %v\n", doctor.FailMark, addr, err)
				} else {
					_, _ = fmt.Fprintf(os.Stdout, "%s server %s: ready\n", doctor.PassMark, addr)
				}
			}

			if result.Failed() {
				for _, f := range result.Failures() {
					fmt.Fprintf(os.Stderr, "FAIL: %s\n", f)
				}

				return errors.New("doctor checks failed")
			}

			_, _ = fmt.Fprintln(os.Stdout, "doctor checks passed")

			return nil
		},
	}

	cmd.Flags().BoolVar(&probe, "probe-server", false, "Also probe the configured server for readiness")

	return cmd
}
