// Package tokenizer owns SentencePiece engine instances behind caller-owned
// handles. Unigram models are segmented by go-sentencepiece-encoder. BPE
// models are segmented in this package by score-ordered pair merging over the
// parsed model proto, so only one generated sentencepiece_model.proto is ever
// linked into a binary.
package tokenizer

import (
	"errors"
	"fmt"
	"strings"
)

// Marker is the SentencePiece word-boundary character (U+2581) that appears
// at the start of pieces which begin a new word.
const Marker = "▁"

var (
	// ErrEmptyPath is returned when a load is requested with an empty path.
	ErrEmptyPath = errors.New("tokenizer model path must not be empty")
	// ErrNotReady is returned by encode/decode calls on a handle without a
	// successfully loaded model.
	ErrNotReady = errors.New("tokenizer not ready")
	// ErrIDOutOfRange is returned when a token id is outside [0, VocabSize).
	ErrIDOutOfRange = errors.New("token id out of range")
	// ErrUnsupportedKind is returned for model types no engine can run.
	ErrUnsupportedKind = errors.New("unsupported sentencepiece model type")
)

// Engine segments text into token ids. Implementations must be safe for
// concurrent use once constructed.
type Engine interface {
	Encode(text string) []int32
}

// Kind selects the engine used for a model.
type Kind int

const (
	// KindAuto picks the engine from the model's trainer spec.
	KindAuto Kind = iota
	KindUnigram
	KindBPE
)

func (k Kind) String() string {
	switch k {
	case KindUnigram:
		return "unigram"
	case KindBPE:
		return "bpe"
	default:
		return "auto"
	}
}

// ParseKind converts a case-insensitive kind name. "sentencepiece" and
// "spm" are accepted as aliases for auto.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto", "sentencepiece", "spm":
		return KindAuto, nil
	case "unigram":
		return KindUnigram, nil
	case "bpe":
		return KindBPE, nil
	default:
		return KindAuto, fmt.Errorf("unknown tokenizer kind %q (want auto|unigram|bpe)", s)
	}
}
