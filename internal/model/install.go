// Package model places SentencePiece model files on disk. A model is
// installed from a bundled asset path or an http(s) URL into a data
// directory once, then reused while it stays present and non-empty.
package model

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// InstallOptions configures Install.
type InstallOptions struct {
	// Source is a local file path or an http(s) URL.
	Source string
	// Dest is the installed file path.
	Dest string
	// SHA256 optionally pins the expected checksum (hex).
	SHA256 string
	Client *http.Client
	Stdout io.Writer
}

// ChecksumError reports a checksum mismatch.
type ChecksumError struct {
	Path     string
	Expected string
	Actual   string
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("checksum mismatch for %s: expected %s got %s", e.Path, e.Expected, e.Actual)
}

var shaHexPattern = regexp.MustCompile(`(?i)^[a-f0-9]{64}$`)

// Install copies Source to Dest unless Dest already exists, is non-empty and
// matches SHA256 when one is given. It reports whether a copy happened.
func Install(ctx context.Context, opts InstallOptions) (bool, error) {
	if opts.Dest == "" {
		return false, errors.New("install destination is required")
	}
	if opts.Stdout == nil {
		opts.Stdout = io.Discard
	}
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: 0}
	}

	expected := strings.ToLower(strings.TrimSpace(opts.SHA256))
	if expected != "" && !isSHA256Hex(expected) {
		return false, fmt.Errorf("invalid sha256 %q", opts.SHA256)
	}

	ok, err := existingMatches(opts.Dest, expected)
	if err != nil {
		return false, err
	}
	if ok {
		fmt.Fprintf(opts.Stdout, "skip %s (already installed)\n", opts.Dest)
		return false, nil
	}

	if opts.Source == "" {
		return false, fmt.Errorf("model %s is missing and no source is configured", opts.Dest)
	}

	if err := os.MkdirAll(filepath.Dir(opts.Dest), 0o755); err != nil {
		return false, fmt.Errorf("create model dir: %w", err)
	}

	src, err := openSource(ctx, opts.Client, opts.Source)
	if err != nil {
		return false, err
	}
	defer func() { _ = src.Close() }()

	fmt.Fprintf(opts.Stdout, "install %s -> %s\n", opts.Source, opts.Dest)

	actual, err := writeAtomic(src, opts.Dest)
	if err != nil {
		return false, err
	}

	if expected != "" && actual != expected {
		_ = os.Remove(opts.Dest)
		return false, &ChecksumError{Path: opts.Dest, Expected: expected, Actual: actual}
	}

	fmt.Fprintf(opts.Stdout, "installed %s (sha256=%s)\n", opts.Dest, actual)

	return true, nil
}

func openSource(ctx context.Context, client *http.Client, source string) (io.ReadCloser, error) {
	if !strings.HasPrefix(source, "http://") && !strings.HasPrefix(source, "https://") {
		f, err := os.Open(source)
		if err != nil {
			return nil, fmt.Errorf("open model source: %w", err)
		}
		return f, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download request failed: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("download failed for %s: %s", source, resp.Status)
	}

	return resp.Body, nil
}

func writeAtomic(src io.Reader, outPath string) (string, error) {
	tmp := outPath + ".tmp"

	fh, err := os.Create(tmp)
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}

	h := sha256.New()

	written, err := io.Copy(io.MultiWriter(fh, h), src)
	if err != nil {
		_ = fh.Close()
		_ = os.Remove(tmp)
		return "", fmt.Errorf("write temp file: %w", err)
	}

	if err := fh.Close(); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("close temp file: %w", err)
	}

	if written == 0 {
		_ = os.Remove(tmp)
		return "", errors.New("model source is empty")
	}

	if err := os.Rename(tmp, outPath); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("move temp file into place: %w", err)
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

// existingMatches reports whether path holds a non-empty file whose checksum
// equals expected. An empty expected accepts any non-empty file.
func existingMatches(path, expected string) (bool, error) {
	fi, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("stat existing file: %w", err)
	}
	if fi.IsDir() {
		return false, fmt.Errorf("expected file at %s, found directory", path)
	}
	if fi.Size() == 0 {
		return false, nil
	}
	if expected == "" {
		return true, nil
	}

	actual, err := FileSHA256(path)
	if err != nil {
		return false, err
	}
	return actual == expected, nil
}

func isSHA256Hex(v string) bool {
	return shaHexPattern.MatchString(v)
}

// FileSHA256 returns the hex SHA-256 of the file at path.
func FileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open file for checksum: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("read file for checksum: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Verify checks that path is a non-empty file and, when expected is set,
// that its SHA-256 matches.
func Verify(path, expected string) error {
	fi, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat model: %w", err)
	}
	if fi.IsDir() {
		return fmt.Errorf("expected file at %s, found directory", path)
	}
	if fi.Size() == 0 {
		return fmt.Errorf("model file %s is empty", path)
	}

	expected = strings.ToLower(strings.TrimSpace(expected))
	if expected == "" {
		return nil
	}
	if !isSHA256Hex(expected) {
		return fmt.Errorf("invalid sha256 %q", expected)
	}

	actual, err := FileSHA256(path)
	if err != nil {
		return err
	}
	if actual != expected {
		return &ChecksumError{Path: path, Expected: expected, Actual: actual}
	}
	return nil
}

// DefaultTimeout bounds a single install when callers have no deadline.
const DefaultTimeout = 5 * time.Minute
