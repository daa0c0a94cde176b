package server_test

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/example/go-spmbridge/internal/server"
	"github.com/example/go-spmbridge/internal/tokenizer"
)

// capturingHandler captures all slog records during a test.
type capturingHandler struct {
	mu      sync.Mutex
	records []slog.Record
}

func (c *capturingHandler) Enabled(_ context.Context, _ slog.Level) bool { return true }
func (c *capturingHandler) Handle(_ context.Context, r slog.Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = append(c.records, r)
	return nil
}
func (c *capturingHandler) WithAttrs(attrs []slog.Attr) slog.Handler { return c }
func (c *capturingHandler) WithGroup(name string) slog.Handler       { return c }

func (c *capturingHandler) find(msg string) (map[string]any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, r := range c.records {
		if r.Message != msg {
			continue
		}
		m := make(map[string]any)
		r.Attrs(func(a slog.Attr) bool {
			m[a.Key] = a.Value.Any()
			return true
		})
		return m, true
	}
	return nil, false
}

func TestEncode_LogsTextSizeAndDuration(t *testing.T) {
	cap := &capturingHandler{}

	h := server.NewHandler(loadedHandle(t), nil, server.WithLogger(slog.New(cap)))

	rec := do(t, h, http.MethodPost, "/encode", `{"texts":["hello","world"]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("want 200, got %d", rec.Code)
	}

	attrs, ok := cap.find("encode complete")
	if !ok {
		t.Fatal("want an encode complete log record")
	}
	if attrs["texts"] != int64(2) {
		t.Errorf("texts = %v; want 2", attrs["texts"])
	}
	if attrs["text_bytes"] != int64(10) {
		t.Errorf("text_bytes = %v; want 10", attrs["text_bytes"])
	}
	if _, ok := attrs["duration_ms"]; !ok {
		t.Error("want duration_ms attribute in log record")
	}
}

func TestInternalError_LogsStatus(t *testing.T) {
	cap := &capturingHandler{}

	h := server.NewHandler(failingTokenizer{}, nil, server.WithLogger(slog.New(cap)))

	rec := do(t, h, http.MethodGet, "/decode/1", "")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("want 500, got %d", rec.Code)
	}

	attrs, ok := cap.find("tokenizer request failed")
	if !ok {
		t.Fatal("want a failure log record")
	}
	if attrs["status"] != int64(http.StatusInternalServerError) {
		t.Errorf("status = %v; want 500", attrs["status"])
	}
	if attrs["error"] != errBoom.Error() {
		t.Errorf("error = %v; want %q", attrs["error"], errBoom.Error())
	}
}

func TestNotReady_IsNotLoggedAsError(t *testing.T) {
	cap := &capturingHandler{}

	h := server.NewHandler(tokenizer.NewHandle(tokenizer.WithLogger(quietLogger())), nil, server.WithLogger(slog.New(cap)))

	rec := do(t, h, http.MethodGet, "/decode/1", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("want 503, got %d", rec.Code)
	}
	if _, ok := cap.find("tokenizer request failed"); ok {
		t.Error("503 responses must not produce an error log record")
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input   string
		want    slog.Level
		wantErr bool
	}{
		{"debug", slog.LevelDebug, false},
		{"DEBUG", slog.LevelDebug, false},
		{"info", slog.LevelInfo, false},
		{"", slog.LevelInfo, false},
		{"warn", slog.LevelWarn, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"verbose", slog.LevelInfo, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := server.ParseLogLevel(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseLogLevel(%q) err = %v; wantErr %v", tt.input, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseLogLevel(%q) = %v; want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestTimeout_IsLoggedAsError(t *testing.T) {
	cap := &capturingHandler{}

	tok := &blockingTokenizer{
		Handle:  loadedHandle(t),
		entered: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
	t.Cleanup(func() { close(tok.release) })

	h := server.NewHandler(tok, nil,
		server.WithLogger(slog.New(cap)),
		server.WithRequestTimeout(20*time.Millisecond),
	)

	rec := do(t, h, http.MethodPost, "/encode", `{"text":"hello"}`)
	if rec.Code != http.StatusGatewayTimeout {
		t.Fatalf("want 504, got %d", rec.Code)
	}

	attrs, ok := cap.find("tokenizer request failed")
	if !ok {
		t.Fatal("want a failure log record for 504")
	}
	if attrs["status"] != int64(http.StatusGatewayTimeout) {
		t.Errorf("status = %v; want 504", attrs["status"])
	}
}
