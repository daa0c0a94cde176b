package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/example/go-spmbridge/internal/tokenizer"
)

// ParseLogLevel converts a case-insensitive level string to slog.Level.
// An empty string returns slog.LevelInfo. Unknown strings return an error.
func ParseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q (want debug|info|warn|error)", s)
	}
}

// Tokenizer is the handle surface the HTTP layer needs. *tokenizer.Handle
// satisfies it.
type Tokenizer interface {
	State() tokenizer.State
	Info() (tokenizer.Info, error)
	EncodeWithOptions(text string, opts tokenizer.EncodeOptions) ([]int32, error)
	EncodeBatch(ctx context.Context, texts []string, opts tokenizer.EncodeOptions) ([][]int32, error)
	Decode(id int32) (string, error)
	DecodeIDs(ids []int32) (string, error)
}

// HandleStore opens and tracks additional tokenizers by id.
// *tokenizer.Registry satisfies it.
type HandleStore interface {
	Open(path string) (string, error)
	Get(id string) (*tokenizer.Handle, error)
	Close(id string) error
	List() []tokenizer.HandleInfo
}

// ---------------------------------------------------------------------------
// Functional options
// ---------------------------------------------------------------------------

type options struct {
	maxTextBytes   int
	maxBatch       int
	workers        int
	requestTimeout time.Duration
	logger         *slog.Logger
	encode         tokenizer.EncodeOptions
	rateLimit      rate.Limit
	rateBurst      int
	modelRoot      string
}

func defaultOptions() options {
	return options{
		maxTextBytes:   16384,
		maxBatch:       64,
		workers:        8,
		requestTimeout: 30 * time.Second,
		logger:         slog.Default(),
	}
}

// Option configures the HTTP handler.
type Option func(*options)

// WithMaxTextBytes sets the maximum allowed text length in bytes for a
// single encode input.
func WithMaxTextBytes(n int) Option {
	return func(o *options) { o.maxTextBytes = n }
}

// WithMaxBatch caps the number of texts in one batch encode request.
func WithMaxBatch(n int) Option {
	return func(o *options) { o.maxBatch = n }
}

// WithWorkers sets the maximum number of concurrent encode calls.
func WithWorkers(n int) Option {
	return func(o *options) { o.workers = n }
}

// WithRequestTimeout sets the per-request encode deadline.
func WithRequestTimeout(d time.Duration) Option {
	return func(o *options) { o.requestTimeout = d }
}

// WithLogger sets the slog.Logger used for request logging.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithEncodeDefaults sets BOS/EOS handling for requests that leave
// add_bos/add_eos unset.
func WithEncodeDefaults(e tokenizer.EncodeOptions) Option {
	return func(o *options) { o.encode = e }
}

// WithRateLimit enables a global token-bucket limiter. rps <= 0 disables it.
func WithRateLimit(rps float64, burst int) Option {
	return func(o *options) {
		o.rateLimit = rate.Limit(rps)
		o.rateBurst = burst
	}
}

// WithModelRoot sets the directory POST /v1/tokenizers may open models
// from. Request paths are resolved inside it.
func WithModelRoot(dir string) Option {
	return func(o *options) { o.modelRoot = dir }
}

// ---------------------------------------------------------------------------
// handler
// ---------------------------------------------------------------------------

// handler holds the dependencies needed to serve HTTP requests.
type handler struct {
	tok   Tokenizer
	store HandleStore
	opts  options
	sem   chan struct{} // semaphore for worker pool
	log   *slog.Logger
}

// NewHandler returns an http.Handler serving /health, /info, /encode and
// /decode over tok. When store is non-nil and a model root is configured the
// /v1/tokenizers routes are served as well.
func NewHandler(tok Tokenizer, store HandleStore, optFns ...Option) http.Handler {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}

	h := &handler{
		tok:   tok,
		store: store,
		opts:  opts,
		log:   opts.logger,
	}
	if opts.workers > 0 {
		h.sem = make(chan struct{}, opts.workers)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", h.handleHealth)
	mux.HandleFunc("GET /info", h.withDefault(h.handleInfo))
	mux.HandleFunc("POST /encode", h.withDefault(h.handleEncode))
	mux.HandleFunc("GET /decode/{tok}", h.withDefault(h.handleDecode))
	mux.HandleFunc("POST /detokenize", h.withDefault(h.handleDetokenize))

	if store != nil && opts.modelRoot != "" {
		mux.HandleFunc("GET /v1/tokenizers", h.handleListTokenizers)
		mux.HandleFunc("POST /v1/tokenizers", h.handleOpenTokenizer)
		mux.HandleFunc("DELETE /v1/tokenizers/{id}", h.handleCloseTokenizer)
		mux.HandleFunc("GET /v1/tokenizers/{id}/info", h.withStored(h.handleInfo))
		mux.HandleFunc("POST /v1/tokenizers/{id}/encode", h.withStored(h.handleEncode))
		mux.HandleFunc("GET /v1/tokenizers/{id}/decode/{tok}", h.withStored(h.handleDecode))
		mux.HandleFunc("POST /v1/tokenizers/{id}/detokenize", h.withStored(h.handleDetokenize))
	}

	if opts.rateLimit > 0 {
		return rateLimited(mux, rate.NewLimiter(opts.rateLimit, max(opts.rateBurst, 1)), h.log)
	}
	return mux
}

type tokenizerFunc func(w http.ResponseWriter, r *http.Request, tok Tokenizer)

func (h *handler) withDefault(fn tokenizerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		fn(w, r, h.tok)
	}
}

func (h *handler) withStored(fn tokenizerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tok, err := h.store.Get(r.PathValue("id"))
		if err != nil {
			h.writeTokenizerError(w, r, err)
			return
		}
		fn(w, r, tok)
	}
}

func rateLimited(next http.Handler, limiter *rate.Limiter, log *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" && !limiter.Allow() {
			log.WarnContext(r.Context(), "rate limit exceeded",
				slog.String("path", r.URL.Path),
				slog.String("remote", r.RemoteAddr),
			)
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func buildVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
		return info.Main.Version
	}
	return "dev"
}

func (h *handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": buildVersion(),
		"state":   h.tok.State().String(),
	})
}

func (h *handler) handleInfo(w http.ResponseWriter, r *http.Request, tok Tokenizer) {
	info, err := tok.Info()
	if err != nil {
		h.writeTokenizerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

type encodeRequest struct {
	Text   *string  `json:"text"`
	Texts  []string `json:"texts"`
	AddBOS *bool    `json:"add_bos"`
	AddEOS *bool    `json:"add_eos"`
}

func (req encodeRequest) encodeOptions(defaults tokenizer.EncodeOptions) tokenizer.EncodeOptions {
	out := defaults
	if req.AddBOS != nil {
		out.AddBOS = *req.AddBOS
	}
	if req.AddEOS != nil {
		out.AddEOS = *req.AddEOS
	}
	return out
}

func (h *handler) handleEncode(w http.ResponseWriter, r *http.Request, tok Tokenizer) {
	var req encodeRequest
	if !h.decodeBody(w, r, &req) {
		return
	}

	switch {
	case req.Text == nil && req.Texts == nil:
		writeError(w, http.StatusBadRequest, "text or texts field is required")
		return
	case req.Text != nil && req.Texts != nil:
		writeError(w, http.StatusBadRequest, "text and texts are mutually exclusive")
		return
	}

	if req.Texts != nil && h.opts.maxBatch > 0 && len(req.Texts) > h.opts.maxBatch {
		writeError(w, http.StatusRequestEntityTooLarge,
			fmt.Sprintf("batch exceeds maximum of %d texts", h.opts.maxBatch))
		return
	}

	texts := req.Texts
	if req.Text != nil {
		texts = []string{*req.Text}
	}
	textBytes := 0
	for _, text := range texts {
		if len(text) > h.opts.maxTextBytes {
			writeError(w, http.StatusRequestEntityTooLarge,
				fmt.Sprintf("text exceeds maximum size of %d bytes", h.opts.maxTextBytes))
			return
		}
		textBytes += len(text)
	}

	// Acquire a worker slot, honouring cancellation while waiting. The slot
	// is held until the encode itself returns, even past a timeout.
	if h.sem != nil {
		select {
		case h.sem <- struct{}{}:
		case <-r.Context().Done():
			writeError(w, http.StatusServiceUnavailable, "request cancelled while waiting for worker")
			return
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.opts.requestTimeout)
	defer cancel()

	opts := req.encodeOptions(h.opts.encode)

	start := time.Now()
	done := make(chan encodeResult, 1)
	go func() {
		if h.sem != nil {
			defer func() { <-h.sem }()
		}
		done <- encode(ctx, tok, req, opts)
	}()

	var res encodeResult
	select {
	case res = <-done:
	case <-ctx.Done():
		res.err = fmt.Errorf("encode: %w", ctx.Err())
	}
	durationMS := time.Since(start).Milliseconds()

	if res.err != nil {
		h.writeTokenizerError(w, r, res.err)
		return
	}

	h.log.DebugContext(r.Context(), "encode complete",
		slog.Int("texts", len(texts)),
		slog.Int("text_bytes", textBytes),
		slog.Int64("duration_ms", durationMS),
	)

	writeJSON(w, http.StatusOK, res.body)
}

type encodeResult struct {
	body any
	err  error
}

func encode(ctx context.Context, tok Tokenizer, req encodeRequest, opts tokenizer.EncodeOptions) encodeResult {
	if req.Text != nil {
		ids, err := tok.EncodeWithOptions(*req.Text, opts)
		if ids == nil {
			ids = []int32{}
		}
		return encodeResult{body: map[string][]int32{"ids": ids}, err: err}
	}

	batch, err := tok.EncodeBatch(ctx, req.Texts, opts)
	if batch == nil {
		batch = [][]int32{}
	}
	return encodeResult{body: map[string][][]int32{"batch": batch}, err: err}
}

type decodeResponse struct {
	ID    int32  `json:"id"`
	Piece string `json:"piece"`
	Text  string `json:"text"`
}

func (h *handler) handleDecode(w http.ResponseWriter, r *http.Request, tok Tokenizer) {
	n, err := strconv.ParseInt(r.PathValue("tok"), 10, 32)
	if err != nil {
		writeError(w, http.StatusBadRequest, "token id must be a 32-bit integer")
		return
	}
	id := int32(n)

	piece, err := tok.Decode(id)
	if err != nil {
		h.writeTokenizerError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, decodeResponse{
		ID:    id,
		Piece: piece,
		Text:  strings.ReplaceAll(piece, tokenizer.Marker, " "),
	})
}

type detokenizeRequest struct {
	IDs []int32 `json:"ids"`
}

func (h *handler) handleDetokenize(w http.ResponseWriter, r *http.Request, tok Tokenizer) {
	var req detokenizeRequest
	if !h.decodeBody(w, r, &req) {
		return
	}

	text, err := tok.DecodeIDs(req.IDs)
	if err != nil {
		h.writeTokenizerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"text": text})
}

func (h *handler) handleListTokenizers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.store.List())
}

type openRequest struct {
	Path string `json:"path"`
}

func (h *handler) handleOpenTokenizer(w http.ResponseWriter, r *http.Request) {
	var req openRequest
	if !h.decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Path) == "" {
		writeError(w, http.StatusBadRequest, "path field is required")
		return
	}

	modelPath := resolveUnder(h.opts.modelRoot, req.Path)

	id, err := h.store.Open(modelPath)
	if err != nil {
		h.log.WarnContext(r.Context(), "open tokenizer failed",
			slog.String("path", modelPath),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	h.log.InfoContext(r.Context(), "tokenizer opened",
		slog.String("id", id),
		slog.String("path", modelPath),
	)
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (h *handler) handleCloseTokenizer(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.store.Close(id); err != nil {
		h.writeTokenizerError(w, r, err)
		return
	}
	h.log.InfoContext(r.Context(), "tokenizer closed", slog.String("id", id))
	w.WriteHeader(http.StatusNoContent)
}

// bodyLimit bounds request bodies: a full batch of maximum-size texts with
// every byte JSON-escaped, plus room for the envelope.
func (h *handler) bodyLimit() int64 {
	return int64(h.opts.maxTextBytes)*6*int64(max(h.opts.maxBatch, 1)) + 4096
}

// decodeBody reads a JSON body of at most bodyLimit bytes into v. It writes
// the error response and returns false on failure.
func (h *handler) decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.Body == nil {
		writeError(w, http.StatusBadRequest, "request body is required")
		return false
	}
	r.Body = http.MaxBytesReader(w, r.Body, h.bodyLimit())

	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge,
				fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit))
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return false
	}
	return true
}

// resolveUnder joins p onto root so that the result cannot escape root.
func resolveUnder(root, p string) string {
	return filepath.Join(root, filepath.Clean("/"+p))
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, tokenizer.ErrNotReady):
		return http.StatusServiceUnavailable
	case errors.Is(err, tokenizer.ErrIDOutOfRange), errors.Is(err, tokenizer.ErrUnknownHandle):
		return http.StatusNotFound
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (h *handler) writeTokenizerError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		h.log.ErrorContext(r.Context(), "tokenizer request failed",
			slog.String("path", r.URL.Path),
			slog.Int("status", status),
			slog.String("error", err.Error()),
		)
	}
	writeError(w, status, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
