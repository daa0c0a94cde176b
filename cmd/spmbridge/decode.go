package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/example/go-spmbridge/internal/tokenizer"
	"github.com/spf13/cobra"
)

func newDecodeCmd() *cobra.Command {
	var join bool
	var format string

	cmd := &cobra.Command{
		Use:   "decode ID...",
		Short: "Decode token ids into pieces or text",
		Long: "Decode prints the piece for each id, one per line. The ▁ word marker is kept " +
			"unless --tokenizer-replace-marker is set. With --join the ids are detokenized into a single string.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}
			if err := checkFormat(format); err != nil {
				return err
			}

			ids, err := parseIDs(args)
			if err != nil {
				return err
			}

			h, err := openHandle(cmd.Context(), cfg)
			if err != nil {
				return err
			}

			if join {
				text, err := h.DecodeIDs(ids)
				if err != nil {
					return err
				}
				return writeDecoded(os.Stdout, []string{text}, format)
			}

			pieces := make([]string, len(ids))
			for i, id := range ids {
				if cfg.Tokenizer.ReplaceMarker {
					pieces[i], err = h.DecodeText(id)
				} else {
					pieces[i], err = h.Decode(id)
				}
				if err != nil {
					return err
				}
			}
			return writeDecoded(os.Stdout, pieces, format)
		},
	}

	cmd.Flags().BoolVar(&join, "join", false, "Detokenize all ids into one string")
	cmd.Flags().StringVar(&format, "format", formatText, "Output format (text|json)")

	return cmd
}

// parseIDs accepts ids as separate arguments or comma/space separated lists.
func parseIDs(args []string) ([]int32, error) {
	var ids []int32
	for _, arg := range args {
		for _, field := range strings.FieldsFunc(arg, func(r rune) bool { return r == ',' || r == ' ' }) {
			n, err := strconv.ParseInt(field, 10, 32)
			if err != nil {
				return nil, fmt.Errorf("invalid token id %q: %w", field, err)
			}
			ids = append(ids, int32(n))
		}
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("no token ids given")
	}
	return ids, nil
}

func writeDecoded(w io.Writer, out []string, format string) error {
	if format == formatJSON {
		if err := json.NewEncoder(w).Encode(out); err != nil {
			return fmt.Errorf("write output: %w", err)
		}
		return nil
	}
	for _, s := range out {
		if _, err := fmt.Fprintln(w, s); err != nil {
			return fmt.Errorf("write output: %w", err)
		}
	}
	return nil
}

func newInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect",
		Short: "Print model metadata as JSON",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			info, err := tokenizer.Inspect(cfg.ResolvedModelPath())
			if err != nil {
				return err
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(info)
		},
	}
}
