package server_test

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/example/go-spmbridge/internal/server"
	"github.com/example/go-spmbridge/internal/tokenizer"
)

func TestEncode_TextTooLarge(t *testing.T) {
	h := newHandler(loadedHandle(t), server.WithMaxTextBytes(10))

	tests := []struct {
		name   string
		body   string
		status int
	}{
		{"at limit", `{"text":"hellohello"}`, http.StatusOK},
		{"over limit", `{"text":"hellohello!"}`, http.StatusRequestEntityTooLarge},
		{"one batch entry over limit", `{"texts":["hello","hellohello!"]}`, http.StatusRequestEntityTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, h, http.MethodPost, "/encode", tt.body)
			if rec.Code != tt.status {
				t.Fatalf("want %d, got %d", tt.status, rec.Code)
			}
		})
	}
}

func TestEncode_BatchTooLarge(t *testing.T) {
	h := newHandler(loadedHandle(t), server.WithMaxBatch(2))

	rec := do(t, h, http.MethodPost, "/encode", `{"texts":["a","b","c"]}`)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("want 413, got %d", rec.Code)
	}

	rec = do(t, h, http.MethodPost, "/encode", `{"texts":["hello","world"]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("want 200, got %d", rec.Code)
	}
}

func TestEncode_EmptyBatch(t *testing.T) {
	rec := do(t, newHandler(loadedHandle(t)), http.MethodPost, "/encode", `{"texts":[]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("want 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"batch":[]`) {
		t.Errorf("body = %s; want empty batch array", rec.Body.String())
	}
}

// blockingTokenizer holds every encode until release is closed.
type blockingTokenizer struct {
	*tokenizer.Handle

	entered chan struct{}
	release chan struct{}
}

func (b *blockingTokenizer) EncodeWithOptions(text string, opts tokenizer.EncodeOptions) ([]int32, error) {
	b.entered <- struct{}{}
	<-b.release
	return b.Handle.EncodeWithOptions(text, opts)
}

func TestEncode_WorkerLimitQueuesRequests(t *testing.T) {
	tok := &blockingTokenizer{
		Handle:  loadedHandle(t),
		entered: make(chan struct{}, 4),
		release: make(chan struct{}),
	}
	h := newHandler(tok, server.WithWorkers(1))

	var wg sync.WaitGroup
	codes := make([]int, 2)
	for i := range codes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			codes[i] = do(t, h, http.MethodPost, "/encode", `{"text":"hello"}`).Code
		}()
	}

	<-tok.entered

	select {
	case <-tok.entered:
		t.Fatal("second request entered the tokenizer while the only worker was busy")
	case <-time.After(50 * time.Millisecond):
	}

	close(tok.release)
	wg.Wait()

	for i, code := range codes {
		if code != http.StatusOK {
			t.Errorf("request %d: want 200, got %d", i, code)
		}
	}
}

func TestEncode_CancelledWhileWaitingForWorker(t *testing.T) {
	tok := &blockingTokenizer{
		Handle:  loadedHandle(t),
		entered: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
	h := newHandler(tok, server.WithWorkers(1))

	done := make(chan struct{})
	go func() {
		defer close(done)
		do(t, h, http.MethodPost, "/encode", `{"text":"hello"}`)
	}()
	<-tok.entered

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	req := newRequest(t, http.MethodPost, "/encode", `{"text":"hello"}`).WithContext(ctx)
	rec := serve(h, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("want 503, got %d", rec.Code)
	}

	close(tok.release)
	<-done
}

func TestRateLimit(t *testing.T) {
	h := newHandler(loadedHandle(t), server.WithRateLimit(0.001, 2))

	for i := range 2 {
		rec := do(t, h, http.MethodPost, "/encode", `{"text":"hello"}`)
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: want 200, got %d", i, rec.Code)
		}
	}

	rec := do(t, h, http.MethodPost, "/encode", `{"text":"hello"}`)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("want 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("want Retry-After header on 429")
	}

	// Health probes bypass the limiter.
	rec = do(t, h, http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK {
		t.Errorf("/health: want 200, got %d", rec.Code)
	}
}

func TestRateLimit_DisabledByDefault(t *testing.T) {
	h := newHandler(loadedHandle(t))

	for i := range 50 {
		rec := do(t, h, http.MethodGet, fmt.Sprintf("/decode/%d", i%13), "")
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: want 200, got %d", i, rec.Code)
		}
	}
}

func TestEncode_SingleTextTimesOut(t *testing.T) {
	tok := &blockingTokenizer{
		Handle:  loadedHandle(t),
		entered: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
	t.Cleanup(func() { close(tok.release) })

	h := newHandler(tok, server.WithRequestTimeout(20*time.Millisecond))

	rec := do(t, h, http.MethodPost, "/encode", `{"text":"hello"}`)
	if rec.Code != http.StatusGatewayTimeout {
		t.Fatalf("want 504, got %d", rec.Code)
	}
}

func TestRequestBody_TooLarge(t *testing.T) {
	h := newHandler(loadedHandle(t), server.WithMaxTextBytes(8), server.WithMaxBatch(1))

	body := `{"ids":[` + strings.Repeat("1,", 3000) + `1]}`

	rec := do(t, h, http.MethodPost, "/detokenize", body)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("want 413, got %d", rec.Code)
	}

	rec = do(t, h, http.MethodPost, "/encode", `{"text":"`+strings.Repeat("a", 5000)+`"}`)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("encode: want 413, got %d", rec.Code)
	}
}
