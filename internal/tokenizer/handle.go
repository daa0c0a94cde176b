package tokenizer

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
)

// State is the lifecycle position of a Handle.
type State int

const (
	StateUnloaded State = iota
	StateLoaded
	// StateFailed means the last Load did not succeed. The previous model has
	// already been discarded, so the handle is not ready.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateLoaded:
		return "loaded"
	case StateFailed:
		return "failed"
	default:
		return "unloaded"
	}
}

// EncodeOptions adjusts the id sequence produced by EncodeWithOptions.
type EncodeOptions struct {
	// AddBOS prepends the BOS id unless the sequence already starts with it.
	AddBOS bool
	// AddEOS appends the EOS id.
	AddEOS bool
}

// Option configures a Handle.
type Option func(*Handle)

// WithKind forces the engine kind instead of detecting it from the model.
func WithKind(k Kind) Option {
	return func(h *Handle) { h.kind = k }
}

// WithLogger sets the slog.Logger used for load diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handle) { h.log = l }
}

// WithBatchWorkers bounds the goroutines used by EncodeBatch.
func WithBatchWorkers(n int) Option {
	return func(h *Handle) { h.batchWorkers = n }
}

// Handle exclusively owns at most one loaded model. All methods are safe for
// concurrent use: Load and Close take the write lock, reads take a snapshot
// of the current model under the read lock.
type Handle struct {
	mu      sync.RWMutex
	model   *Model
	path    string
	state   State
	loadErr error

	kind         Kind
	batchWorkers int
	log          *slog.Logger
}

// NewHandle returns an unloaded handle.
func NewHandle(opts ...Option) *Handle {
	h := &Handle{
		kind:         KindAuto,
		batchWorkers: runtime.GOMAXPROCS(0),
		log:          slog.Default(),
	}
	for _, fn := range opts {
		fn(h)
	}
	h.log = h.log.With(slog.String("component", "spm_bridge"))

	return h
}

// Load discards any current model and loads the one at modelPath. On
// failure the handle is left in StateFailed and the error is returned.
func (h *Handle) Load(modelPath string) error {
	return h.load(modelPath, func() (*Model, error) {
		return OpenModel(modelPath, h.kind)
	})
}

// LoadBytes is Load for an in-memory model.
func (h *Handle) LoadBytes(data []byte) error {
	return h.load("", func() (*Model, error) {
		return OpenModelBytes(data, h.kind)
	})
}

func (h *Handle) load(modelPath string, open func() (*Model, error)) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.model = nil
	h.path = modelPath

	m, err := open()
	if err != nil {
		h.state = StateFailed
		h.loadErr = err
		h.log.Debug("failed to load tokenizer model",
			slog.String("path", modelPath),
			slog.String("error", err.Error()),
		)
		return err
	}

	h.model = m
	h.state = StateLoaded
	h.loadErr = nil
	h.log.Info("tokenizer model loaded",
		slog.String("path", modelPath),
		slog.String("kind", m.Kind().String()),
		slog.Int("vocab_size", m.Vocabulary().Size()),
	)

	return nil
}

// Close drops the model and returns the handle to StateUnloaded.
func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.model = nil
	h.path = ""
	h.state = StateUnloaded
	h.loadErr = nil

	return nil
}

func (h *Handle) snapshot() (*Model, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.model == nil {
		if h.loadErr != nil {
			return nil, fmt.Errorf("%w: last load failed: %v", ErrNotReady, h.loadErr)
		}
		return nil, ErrNotReady
	}

	return h.model, nil
}

// State reports the handle's lifecycle state.
func (h *Handle) State() State {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.state
}

// Path returns the path of the current or last attempted model.
func (h *Handle) Path() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.path
}

// Info describes the loaded model.
func (h *Handle) Info() (Info, error) {
	m, err := h.snapshot()
	if err != nil {
		return Info{}, err
	}
	info := m.Vocabulary().info()
	info.Kind = m.Kind()
	info.KindName = m.Kind().String()
	return info, nil
}

// Encode maps text to token ids, left to right.
func (h *Handle) Encode(text string) ([]int32, error) {
	return h.EncodeWithOptions(text, EncodeOptions{})
}

// EncodeWithOptions is Encode with BOS/EOS handling.
func (h *Handle) EncodeWithOptions(text string, opts EncodeOptions) ([]int32, error) {
	m, err := h.snapshot()
	if err != nil {
		return nil, err
	}
	return encodeWith(m, text, opts), nil
}

func encodeWith(m *Model, text string, opts EncodeOptions) []int32 {
	ids := m.Encode(text)

	vocab := m.Vocabulary()
	if opts.AddBOS && vocab.BOSID() >= 0 && (len(ids) == 0 || ids[0] != vocab.BOSID()) {
		ids = append([]int32{vocab.BOSID()}, ids...)
	}
	if opts.AddEOS && vocab.EOSID() >= 0 {
		ids = append(ids, vocab.EOSID())
	}

	return ids
}

// EncodeBatch encodes texts concurrently. The result has one entry per
// input, in input order. All texts use the same model even if a Load
// happens while the batch runs.
func (h *Handle) EncodeBatch(ctx context.Context, texts []string, opts EncodeOptions) ([][]int32, error) {
	m, err := h.snapshot()
	if err != nil {
		return nil, err
	}

	out := make([][]int32, len(texts))

	g, gctx := errgroup.WithContext(ctx)
	if h.batchWorkers > 0 {
		g.SetLimit(h.batchWorkers)
	}

	for i, text := range texts {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			out[i] = encodeWith(m, text, opts)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("encode batch: %w", err)
	}

	return out, nil
}

// Decode returns the raw piece for id. The word-boundary Marker is kept;
// use DecodeText for display.
func (h *Handle) Decode(id int32) (string, error) {
	m, err := h.snapshot()
	if err != nil {
		return "", err
	}
	return m.Vocabulary().Piece(id)
}

// DecodeText returns the piece for id with Marker translated to a space.
func (h *Handle) DecodeText(id int32) (string, error) {
	piece, err := h.Decode(id)
	if err != nil {
		return "", err
	}
	return strings.ReplaceAll(piece, Marker, " "), nil
}

// DecodeIDs detokenizes a full id sequence.
func (h *Handle) DecodeIDs(ids []int32) (string, error) {
	m, err := h.snapshot()
	if err != nil {
		return "", err
	}
	return m.Vocabulary().Detokenize(ids)
}

// PieceToID looks up the id of piece.
func (h *Handle) PieceToID(piece string) (int32, bool, error) {
	m, err := h.snapshot()
	if err != nil {
		return 0, false, err
	}
	id, ok := m.Vocabulary().ID(piece)
	return id, ok, nil
}

// VocabSize returns the loaded vocabulary size, or 0 when not ready.
func (h *Handle) VocabSize() int {
	m, err := h.snapshot()
	if err != nil {
		return 0
	}
	return m.Vocabulary().Size()
}
