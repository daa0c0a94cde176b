package testutil_test

import (
	"os"
	"testing"

	gosp "github.com/vikesh-raj/go-sentencepiece-encoder/sentencepiece"
	"google.golang.org/protobuf/proto"

	"github.com/example/go-spmbridge/internal/testutil"
)

func TestModelBytes_RoundTripsPieces(t *testing.T) {
	data := testutil.ModelBytes(t, testutil.HelloWorldPieces())

	var mp gosp.ModelProto
	if err := proto.Unmarshal(data, &mp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if got := len(mp.GetPieces()); got != 13 {
		t.Fatalf("pieces = %d; want 13", got)
	}

	if got := mp.GetPieces()[3].GetPiece(); got != "▁hello" {
		t.Errorf("piece 3 = %q; want ▁hello", got)
	}

	if mp.GetTrainerSpec().GetModelType() != gosp.TrainerSpec_UNIGRAM {
		t.Errorf("model type = %v; want UNIGRAM", mp.GetTrainerSpec().GetModelType())
	}
}

func TestBPEModelBytes_SetsModelType(t *testing.T) {
	data := testutil.BPEModelBytes(t, testutil.HelloWorldPieces())

	var mp gosp.ModelProto
	if err := proto.Unmarshal(data, &mp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if mp.GetTrainerSpec().GetModelType() != gosp.TrainerSpec_BPE {
		t.Errorf("model type = %v; want BPE", mp.GetTrainerSpec().GetModelType())
	}
}

func TestWriteModel_CreatesFile(t *testing.T) {
	path := testutil.WriteModel(t, t.TempDir(), testutil.HelloWorldPieces())

	fi, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}

	if fi.Size() == 0 {
		t.Error("model fixture is empty")
	}
}

func TestRequireModelFile_SkipsWhenAbsent(t *testing.T) {
	t.Setenv("SPMBRIDGE_TEST_MODEL", "/nonexistent/tokenizer.model")

	skipped := false
	fakeT := &skipTracker{TB: t, onSkip: func() { skipped = true }}
	testutil.RequireModelFile(fakeT, "tokenizer.model")
	if !skipped {
		t.Error("expected RequireModelFile to skip when the model is absent")
	}
}

func TestRequireModelFile_UsesEnvPath(t *testing.T) {
	path := testutil.WriteModel(t, t.TempDir(), testutil.HelloWorldPieces())
	t.Setenv("SPMBRIDGE_TEST_MODEL", path)

	if got := testutil.RequireModelFile(t, "tokenizer.model"); got != path {
		t.Errorf("RequireModelFile = %q; want %q", got, path)
	}
}

// skipTracker is a minimal testing.TB implementation that intercepts Skip calls.
type skipTracker struct {
	testing.TB
	onSkip func()
}

func (s *skipTracker) Helper() {}

func (s *skipTracker) Skipf(_ string, _ ...any) {
	s.onSkip()
	// Do NOT call s.TB.Skip; that would actually skip the outer test.
}

func TestBPEModelBytes_NormalizerSpec(t *testing.T) {
	var full, bare gosp.ModelProto
	if err := proto.Unmarshal(testutil.BPEModelBytes(t, testutil.HelloWorldBPEPieces()), &full); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if err := proto.Unmarshal(testutil.BareBPEModelBytes(t, testutil.HelloWorldBPEPieces()), &bare); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	ns := full.GetNormalizerSpec()
	if ns == nil || ns.AddDummyPrefix == nil || ns.RemoveExtraWhitespaces == nil {
		t.Errorf("BPEModelBytes normalizer spec = %v; want dummy prefix and whitespace flags set", ns)
	}
	if bare.NormalizerSpec != nil {
		t.Errorf("BareBPEModelBytes normalizer spec = %v; want none", bare.NormalizerSpec)
	}
	if got := len(full.GetPieces()); got != 21 {
		t.Errorf("pieces = %d; want 21", got)
	}
}
