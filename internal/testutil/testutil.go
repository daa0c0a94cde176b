// Package testutil provides skip helpers and synthetic SentencePiece model
// fixtures for tests.
//
// Tests that need a real tokenizer call RequireModelFile, which skips with a
// clear reason when the file is absent. Everything else builds a tiny model
// proto on the fly:
//
//	func TestEncode(t *testing.T) {
//	    path := testutil.WriteModel(t, t.TempDir(), testutil.HelloWorldPieces())
//	    ...
//	}
package testutil

import (
	"os"
	"path/filepath"
	"testing"

	gosp "github.com/vikesh-raj/go-sentencepiece-encoder/sentencepiece"
	"google.golang.org/protobuf/proto"
)

// Piece is one vocabulary entry of a synthetic model.
type Piece struct {
	Text  string
	Score float32
	Type  gosp.ModelProto_SentencePiece_Type
}

// Normal returns a NORMAL piece.
func Normal(text string, score float32) Piece {
	return Piece{Text: text, Score: score, Type: gosp.ModelProto_SentencePiece_NORMAL}
}

// Control returns a CONTROL piece.
func Control(text string) Piece {
	return Piece{Text: text, Type: gosp.ModelProto_SentencePiece_CONTROL}
}

// Unknown returns an UNKNOWN piece.
func Unknown(text string) Piece {
	return Piece{Text: text, Type: gosp.ModelProto_SentencePiece_UNKNOWN}
}

// Fixture ids shared by HelloWorldPieces and WorldHelloPieces.
const (
	UnknownID = 0
	BOSID     = 1
	EOSID     = 2
)

// HelloWorldPieces is a unigram vocabulary in which "hello world" encodes
// to [3, 4]. Single letters keep every position of those words reachable.
func HelloWorldPieces() []Piece {
	return append([]Piece{
		Unknown("<unk>"),
		Control("<s>"),
		Control("</s>"),
		Normal("▁hello", -1),
		Normal("▁world", -1),
		Normal("▁", -2),
	}, letters()...)
}

// WorldHelloPieces is HelloWorldPieces with ids 3 and 4 swapped, so
// "hello world" encodes to [4, 3].
func WorldHelloPieces() []Piece {
	return append([]Piece{
		Unknown("<unk>"),
		Control("<s>"),
		Control("</s>"),
		Normal("▁world", -1),
		Normal("▁hello", -1),
		Normal("▁", -2),
	}, letters()...)
}

// HelloWorldBPEPieces is a BPE vocabulary in which "hello world" encodes to
// [3, 4]. Ids 13 and up are the intermediate merges that build "▁hello" and
// "▁world" from single characters.
func HelloWorldBPEPieces() []Piece {
	pieces := append([]Piece{
		Unknown("<unk>"),
		Control("<s>"),
		Control("</s>"),
		Normal("▁hello", -1),
		Normal("▁world", -1),
		Normal("▁", -2),
	}, letters()...)
	for _, p := range []string{"▁h", "▁he", "▁hel", "▁hell", "▁w", "▁wo", "▁wor", "▁worl"} {
		pieces = append(pieces, Normal(p, -3))
	}
	return pieces
}

// BPEFallbackZID is the id of the "<0x7A>" byte piece in
// HelloWorldBPEFallbackPieces.
const BPEFallbackZID = 21

// HelloWorldBPEFallbackPieces is HelloWorldBPEPieces plus a byte piece for
// 'z', so "z" encodes through byte fallback instead of <unk>.
func HelloWorldBPEFallbackPieces() []Piece {
	return append(HelloWorldBPEPieces(), Normal("<0x7A>", 0))
}

func letters() []Piece {
	out := make([]Piece, 0, 7)
	for _, r := range "helowrd" {
		out = append(out, Normal(string(r), -5))
	}
	return out
}

// ModelBytes serializes pieces as a UNIGRAM SentencePiece model proto.
func ModelBytes(tb testing.TB, pieces []Piece) []byte {
	tb.Helper()

	return marshalModel(tb, pieces, gosp.TrainerSpec_UNIGRAM, nil)
}

// BPEModelBytes serializes pieces as a BPE model proto with a complete
// normalizer spec (dummy prefix on, extra whitespace removed).
func BPEModelBytes(tb testing.TB, pieces []Piece) []byte {
	tb.Helper()

	return marshalModel(tb, pieces, gosp.TrainerSpec_BPE, &gosp.NormalizerSpec{
		AddDummyPrefix:         proto.Bool(true),
		RemoveExtraWhitespaces: proto.Bool(true),
	})
}

// BareBPEModelBytes is BPEModelBytes without any normalizer spec.
func BareBPEModelBytes(tb testing.TB, pieces []Piece) []byte {
	tb.Helper()

	return marshalModel(tb, pieces, gosp.TrainerSpec_BPE, nil)
}

func marshalModel(tb testing.TB, pieces []Piece, modelType gosp.TrainerSpec_ModelType, ns *gosp.NormalizerSpec) []byte {
	tb.Helper()

	mp := &gosp.ModelProto{
		TrainerSpec:    &gosp.TrainerSpec{ModelType: modelType.Enum()},
		NormalizerSpec: ns,
	}
	for _, p := range pieces {
		mp.Pieces = append(mp.Pieces, &gosp.ModelProto_SentencePiece{
			Piece: proto.String(p.Text),
			Score: proto.Float32(p.Score),
			Type:  p.Type.Enum(),
		})
	}

	data, err := proto.Marshal(mp)
	if err != nil {
		tb.Fatalf("marshal model proto: %v", err)
	}

	return data
}

// WriteModel writes a UNIGRAM model built from pieces into dir and returns
// its path.
func WriteModel(tb testing.TB, dir string, pieces []Piece) string {
	tb.Helper()

	return WriteModelNamed(tb, dir, "tokenizer.model", pieces)
}

// WriteModelNamed is WriteModel with an explicit file name.
func WriteModelNamed(tb testing.TB, dir, name string, pieces []Piece) string {
	tb.Helper()

	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, ModelBytes(tb, pieces), 0o644); err != nil {
		tb.Fatalf("write model fixture: %v", err)
	}

	return path
}

// RequireModelFile returns the path of a real tokenizer model, skipping the
// test when it cannot be found. The SPMBRIDGE_TEST_MODEL environment variable
// wins; otherwise models/<name> is searched from the working directory up to
// the filesystem root.
func RequireModelFile(tb testing.TB, name string) string {
	tb.Helper()

	if p := os.Getenv("SPMBRIDGE_TEST_MODEL"); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p
		}
		tb.Skipf("tokenizer model not found at SPMBRIDGE_TEST_MODEL=%q", p)
		return ""
	}

	dir, err := filepath.Abs(".")
	if err != nil {
		tb.Skipf("abs path: %v", err)
		return ""
	}

	for {
		candidate := filepath.Join(dir, "models", name)
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	tb.Skipf("models/%s not found; set SPMBRIDGE_TEST_MODEL to run this test", name)
	return ""
}
