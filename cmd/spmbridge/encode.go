package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/example/go-spmbridge/internal/tokenizer"
	"github.com/spf13/cobra"
)

const (
	formatText = "text"
	formatJSON = "json"
)

func newEncodeCmd() *cobra.Command {
	var text string
	var lines bool
	var format string

	cmd := &cobra.Command{
		Use:   "encode",
		Short: "Encode text into token ids",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}
			if err := checkFormat(format); err != nil {
				return err
			}

			inputs, err := readEncodeInput(cmd.Flags().Changed("text"), text, lines, os.Stdin)
			if err != nil {
				return err
			}

			h, err := openHandle(cmd.Context(), cfg)
			if err != nil {
				return err
			}

			batch, err := h.EncodeBatch(cmd.Context(), inputs, tokenizer.EncodeOptions{
				AddBOS: cfg.Tokenizer.AddBOS,
				AddEOS: cfg.Tokenizer.AddEOS,
			})
			if err != nil {
				return err
			}

			return writeIDs(os.Stdout, batch, format)
		},
	}

	cmd.Flags().StringVar(&text, "text", "", "Text to encode (if unset, read from stdin)")
	cmd.Flags().BoolVar(&lines, "lines", false, "Encode each stdin line separately")
	cmd.Flags().StringVar(&format, "format", formatText, "Output format (text|json)")

	return cmd
}

func checkFormat(format string) error {
	switch format {
	case formatText, formatJSON:
		return nil
	default:
		return fmt.Errorf("unknown format %q (want text|json)", format)
	}
}

// readEncodeInput returns the texts to encode. An explicit --text wins, even
// when empty. Otherwise stdin is read whole, or line by line with lines set.
func readEncodeInput(textSet bool, text string, lines bool, stdin io.Reader) ([]string, error) {
	if textSet {
		return []string{text}, nil
	}

	if !lines {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("read stdin: %w", err)
		}
		return []string{strings.TrimRight(string(data), "\r\n")}, nil
	}

	var out []string
	sc := bufio.NewScanner(stdin)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		out = append(out, strings.TrimRight(sc.Text(), "\r"))
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read stdin: %w", err)
	}
	return out, nil
}

func writeIDs(w io.Writer, batch [][]int32, format string) error {
	if format == formatJSON {
		enc := json.NewEncoder(w)
		for _, ids := range batch {
			if ids == nil {
				ids = []int32{}
			}
			if err := enc.Encode(ids); err != nil {
				return fmt.Errorf("write ids: %w", err)
			}
		}
		return nil
	}

	bw := bufio.NewWriter(w)
	for _, ids := range batch {
		for i, id := range ids {
			if i > 0 {
				_ = bw.WriteByte(' ')
			}
			_, _ = bw.WriteString(strconv.FormatInt(int64(id), 10))
		}
		_ = bw.WriteByte('\n')
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("write ids: %w", err)
	}
	return nil
}
