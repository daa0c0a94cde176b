// Package bridge exposes a tokenizer handle through the three-call contract
// used by managed callers: LoadModel, EncodeNative and DecodeNative. The
// bridge never returns errors. A failed load yields false and is logged, and
// encode/decode on a handle that is not ready yield empty results.
package bridge

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/example/go-spmbridge/internal/config"
	"github.com/example/go-spmbridge/internal/model"
	"github.com/example/go-spmbridge/internal/tokenizer"
)

// LogComponent tags every diagnostic the bridge writes.
const LogComponent = "spm_bridge"

// Bridge adapts a caller-owned tokenizer.Handle.
type Bridge struct {
	handle *tokenizer.Handle
	log    *slog.Logger
}

// New wraps h. A nil logger uses slog.Default.
func New(h *tokenizer.Handle, log *slog.Logger) *Bridge {
	if log == nil {
		log = slog.Default()
	}
	return &Bridge{
		handle: h,
		log:    log.With(slog.String("component", LogComponent)),
	}
}

// Handle returns the wrapped handle.
func (b *Bridge) Handle() *tokenizer.Handle { return b.handle }

// LoadModel replaces the current model with the one at path.
func (b *Bridge) LoadModel(path string) bool {
	if err := b.handle.Load(path); err != nil {
		b.log.Error("Failed to load", slog.String("path", path), slog.String("error", err.Error()))
		return false
	}
	return true
}

// EncodeNative returns the ids for text, or an empty slice when the handle
// is not ready.
func (b *Bridge) EncodeNative(text string) []int32 {
	ids, err := b.handle.Encode(text)
	if err != nil {
		return []int32{}
	}
	return ids
}

// DecodeNative returns the raw piece for id, marker included. It returns ""
// when the handle is not ready or id is out of range.
func (b *Bridge) DecodeNative(id int32) string {
	piece, err := b.handle.Decode(id)
	if err != nil {
		return ""
	}
	return piece
}

// Encode swaps spaces for the word-boundary marker before encoding, the
// form managed callers hand to the engine. Both engines escape whitespace to
// the marker themselves, so Encode and EncodeNative agree on plain text.
func (b *Bridge) Encode(text string) []int32 {
	return b.EncodeNative(strings.ReplaceAll(text, " ", tokenizer.Marker))
}

// Asset names a bundled model and where to install it from.
type Asset struct {
	// Source is a local path or http(s) URL.
	Source string
	// Name is the file name inside the data dir.
	Name string
	// SHA256 optionally pins the installed file.
	SHA256 string
}

var errNoAssetName = errors.New("model asset name must not be empty")

// Init makes asset available in dataDir and loads it. When the handle is
// already loaded it returns true without touching disk. A missing, empty or
// checksum-mismatched file is first installed from asset.Source.
func (b *Bridge) Init(ctx context.Context, dataDir string, asset Asset) bool {
	if b.handle.State() == tokenizer.StateLoaded {
		return true
	}

	name := filepath.Base(asset.Name)
	if asset.Name == "" || name == "." || name == string(filepath.Separator) {
		b.log.Error("Failed to install model asset",
			slog.String("source", asset.Source),
			slog.String("error", errNoAssetName.Error()),
		)
		return false
	}
	dest := filepath.Join(dataDir, name)

	ctx, cancel := context.WithTimeout(ctx, model.DefaultTimeout)
	defer cancel()

	if _, err := model.Install(ctx, model.InstallOptions{
		Source: asset.Source,
		Dest:   dest,
		SHA256: asset.SHA256,
	}); err != nil {
		b.log.Error("Failed to install model asset",
			slog.String("source", asset.Source),
			slog.String("dest", dest),
			slog.String("error", err.Error()),
		)
		return false
	}

	return b.LoadModel(dest)
}

// InitFromConfig loads the model cfg points at. When both a data dir and an
// asset source are configured the model goes through Init, named after
// cfg.Paths.ModelPath and pinned to cfg.Paths.ModelSHA256. Otherwise it is
// loaded from cfg.ResolvedModelPath directly.
func (b *Bridge) InitFromConfig(ctx context.Context, cfg config.Config) bool {
	if cfg.Paths.DataDir != "" && cfg.Paths.AssetSource != "" {
		return b.Init(ctx, cfg.Paths.DataDir, Asset{
			Source: cfg.Paths.AssetSource,
			Name:   cfg.Paths.ModelPath,
			SHA256: cfg.Paths.ModelSHA256,
		})
	}
	return b.LoadModel(cfg.ResolvedModelPath())
}

// EncodeFloats is Encode with ids widened to float32, the input layout
// expected by model runtimes that take token ids as float tensors.
func (b *Bridge) EncodeFloats(text string) []float32 {
	ids := b.Encode(text)

	out := make([]float32, len(ids))
	for i, id := range ids {
		out[i] = float32(id)
	}
	return out
}

// DecodeWord is DecodeNative with the word-boundary marker turned into a
// space.
func (b *Bridge) DecodeWord(id int32) string {
	return strings.ReplaceAll(b.DecodeNative(id), tokenizer.Marker, " ")
}
