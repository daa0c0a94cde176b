package tokenizer

import (
	"errors"
	"fmt"
	"os"

	gosp "github.com/vikesh-raj/go-sentencepiece-encoder/sentencepiece"
)

// unigramEngine runs UNIGRAM models through the pure-Go Viterbi encoder.
type unigramEngine struct {
	proc gosp.Sentencepiece
}

func newUnigramEngine(modelPath string) (*unigramEngine, error) {
	proc, err := gosp.NewSentencepieceFromFile(modelPath, false)
	if err != nil {
		return nil, fmt.Errorf("load unigram sentencepiece model %q: %w", modelPath, err)
	}

	return &unigramEngine{proc: proc}, nil
}

func (e *unigramEngine) Encode(text string) []int32 {
	if text == "" {
		return []int32{}
	}

	ids := e.proc.TokenizeToIDs(text)

	out := make([]int32, len(ids))
	for i, id := range ids {
		out[i] = int32(id)
	}

	return out
}

// Model pairs an engine with the vocabulary it was built from. A Model is
// immutable after construction.
type Model struct {
	engine Engine
	vocab  *Vocabulary
	kind   Kind
}

// OpenModel reads a serialized SentencePiece model and builds the engine for
// it. KindAuto selects the engine from the model's trainer spec.
func OpenModel(modelPath string, want Kind) (*Model, error) {
	if modelPath == "" {
		return nil, ErrEmptyPath
	}

	data, err := os.ReadFile(modelPath)
	if err != nil {
		return nil, fmt.Errorf("read tokenizer model: %w", err)
	}

	mp, err := parseModelProto(data)
	if err != nil {
		return nil, fmt.Errorf("parse %q: %w", modelPath, err)
	}

	vocab, err := newVocabulary(mp)
	if err != nil {
		return nil, fmt.Errorf("parse %q: %w", modelPath, err)
	}

	kind := want
	if kind == KindAuto {
		kind = vocab.Kind()
	}

	var engine Engine
	switch kind {
	case KindUnigram:
		engine, err = newUnigramEngine(modelPath)
	case KindBPE:
		engine, err = newBPEEngine(mp, vocab)
	default:
		err = fmt.Errorf("%w: %s", ErrUnsupportedKind, kind)
	}
	if err != nil {
		return nil, err
	}

	return &Model{engine: engine, vocab: vocab, kind: kind}, nil
}

// OpenModelBytes loads a model from raw bytes. The unigram engine only
// exposes a file-path API, so the data goes through a temporary file.
func OpenModelBytes(data []byte, want Kind) (*Model, error) {
	if len(data) == 0 {
		return nil, errors.New("tokenizer model data must not be empty")
	}

	f, err := os.CreateTemp("", "sp-*.model")
	if err != nil {
		return nil, fmt.Errorf("create temp sentencepiece file: %w", err)
	}

	defer func() { _ = os.Remove(f.Name()) }() // best-effort temp file cleanup

	_, err = f.Write(data)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("write tokenizer model bytes: %w", err)
	}

	path := f.Name()

	err = f.Close()
	if err != nil {
		return nil, fmt.Errorf("close tokenizer temp file: %w", err)
	}

	return OpenModel(path, want)
}

// Inspect parses the model at modelPath and reports its metadata without
// building an engine.
func Inspect(modelPath string) (Info, error) {
	if modelPath == "" {
		return Info{}, ErrEmptyPath
	}

	data, err := os.ReadFile(modelPath)
	if err != nil {
		return Info{}, fmt.Errorf("read tokenizer model: %w", err)
	}

	mp, err := parseModelProto(data)
	if err != nil {
		return Info{}, err
	}

	vocab, err := newVocabulary(mp)
	if err != nil {
		return Info{}, err
	}

	return vocab.info(), nil
}

// Kind returns the engine kind in use.
func (m *Model) Kind() Kind { return m.kind }

// Vocabulary returns the model's piece table.
func (m *Model) Vocabulary() *Vocabulary { return m.vocab }

// Encode segments text into ids.
func (m *Model) Encode(text string) []int32 { return m.engine.Encode(text) }
