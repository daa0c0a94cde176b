package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/example/go-spmbridge/internal/bridge"
	"github.com/example/go-spmbridge/internal/config"
	"github.com/example/go-spmbridge/internal/tokenizer"
)

// Server wires the HTTP handler into a net/http.Server with graceful shutdown.
type Server struct {
	cfg             config.Config
	handle          *tokenizer.Handle
	registry        *tokenizer.Registry
	log             *slog.Logger
	shutdownTimeout time.Duration
	cfgErr          error
}

// New returns a Server for cfg. A nil handle is replaced with a fresh one
// built from cfg; a nil registry is created when cfg.Server.ModelRoot is set.
// An invalid tokenizer kind is reported by Start.
func New(cfg config.Config, h *tokenizer.Handle, reg *tokenizer.Registry) *Server {
	log := slog.Default()

	kind, kindErr := tokenizer.ParseKind(cfg.Tokenizer.Kind)
	handleOpts := []tokenizer.Option{
		tokenizer.WithKind(kind),
		tokenizer.WithLogger(log),
		tokenizer.WithBatchWorkers(cfg.Tokenizer.BatchWorkers),
	}

	if h == nil {
		h = tokenizer.NewHandle(handleOpts...)
	}
	if reg == nil && cfg.Server.ModelRoot != "" {
		reg = tokenizer.NewRegistry(handleOpts...)
	}

	return &Server{
		cfg:             cfg,
		handle:          h,
		registry:        reg,
		log:             log,
		shutdownTimeout: time.Duration(cfg.Server.ShutdownTimeout) * time.Second,
		cfgErr:          kindErr,
	}
}

// WithShutdownTimeout overrides the graceful-shutdown drain period.
func (s *Server) WithShutdownTimeout(d time.Duration) *Server {
	s.shutdownTimeout = d
	return s
}

// WithLogger overrides the logger used for lifecycle and request logs.
func (s *Server) WithLogger(l *slog.Logger) *Server {
	s.log = l
	return s
}

// Handler builds the HTTP handler for the server's current configuration.
func (s *Server) Handler() http.Handler {
	opts := []Option{
		WithLogger(s.log),
		WithWorkers(s.cfg.Server.Workers),
		WithMaxTextBytes(s.cfg.Server.MaxTextBytes),
		WithMaxBatch(s.cfg.Server.MaxBatch),
		WithRequestTimeout(time.Duration(s.cfg.Server.RequestTimeout) * time.Second),
		WithEncodeDefaults(tokenizer.EncodeOptions{
			AddBOS: s.cfg.Tokenizer.AddBOS,
			AddEOS: s.cfg.Tokenizer.AddEOS,
		}),
		WithRateLimit(s.cfg.Server.RateLimit, s.cfg.Server.RateBurst),
		WithModelRoot(s.cfg.Server.ModelRoot),
	}

	var store HandleStore
	if s.registry != nil {
		store = s.registry
	}

	return NewHandler(s.handle, store, opts...)
}

// bootstrap loads the configured model unless the handle is already loaded.
// A failed load is logged and leaves the server up with the handle not
// ready, so /health reports the state and encode requests get 503.
func (s *Server) bootstrap(ctx context.Context) {
	if s.handle.State() == tokenizer.StateLoaded {
		return
	}

	if !bridge.New(s.handle, s.log).InitFromConfig(ctx, s.cfg) {
		s.log.Warn("serving without a loaded tokenizer",
			slog.String("model_path", s.cfg.ResolvedModelPath()),
		)
	}
}

// Start loads the model, serves until ctx is cancelled and then drains.
func (s *Server) Start(ctx context.Context) error {
	if s.cfgErr != nil {
		return fmt.Errorf("server config: %w", s.cfgErr)
	}

	s.bootstrap(ctx)

	httpServer := &http.Server{
		Addr:              s.cfg.Server.ListenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.ListenAndServe()
	}()

	s.log.Info("server listening", slog.String("addr", s.cfg.Server.ListenAddr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		if s.registry != nil {
			s.registry.CloseAll()
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http listen: %w", err)
	}
}

// ProbeHTTP checks GET /health on addr. When requireReady is set the
// reported tokenizer state must also be "loaded".
func ProbeHTTP(ctx context.Context, addr string, requireReady bool) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+addr+"/health", nil)
	if err != nil {
		return err
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected health status: %s", resp.Status)
	}
	if !requireReady {
		return nil
	}

	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("decode health response: %w", err)
	}
	if body["state"] != tokenizer.StateLoaded.String() {
		return fmt.Errorf("tokenizer not ready: state %q", body["state"])
	}
	return nil
}
