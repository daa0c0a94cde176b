package tokenizer

import (
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/google/uuid"

	"github.com/example/go-spmbridge/internal/testutil"
)

func quietRegistry() *Registry {
	return NewRegistry(WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
}

func TestRegistry_OpenGetClose(t *testing.T) {
	r := quietRegistry()
	path := testutil.WriteModel(t, t.TempDir(), testutil.HelloWorldPieces())

	id, err := r.Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := uuid.Parse(id); err != nil {
		t.Errorf("id %q is not a UUID: %v", id, err)
	}

	h, err := r.Get(id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ids, _ := h.Encode("hello world"); !equalIDs(ids, []int32{3, 4}) {
		t.Errorf("Encode = %v; want [3 4]", ids)
	}

	if err := r.Close(id); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := r.Get(id); !errors.Is(err, ErrUnknownHandle) {
		t.Errorf("Get after Close err = %v; want ErrUnknownHandle", err)
	}
	if h.State() != StateUnloaded {
		t.Errorf("closed handle state = %v; want unloaded", h.State())
	}
}

func TestRegistry_OpenFailureRegistersNothing(t *testing.T) {
	r := quietRegistry()

	if _, err := r.Open("/nonexistent/tokenizer.model"); err == nil {
		t.Fatal("expected error")
	}
	if n := len(r.List()); n != 0 {
		t.Errorf("List() has %d entries; want 0", n)
	}
}

func TestRegistry_HandlesAreIndependent(t *testing.T) {
	r := quietRegistry()
	dir := t.TempDir()

	a, err := r.Open(testutil.WriteModelNamed(t, dir, "a.model", testutil.HelloWorldPieces()))
	if err != nil {
		t.Fatal(err)
	}
	b, err := r.Open(testutil.WriteModelNamed(t, dir, "b.model", testutil.WorldHelloPieces()))
	if err != nil {
		t.Fatal(err)
	}

	ha, _ := r.Get(a)
	hb, _ := r.Get(b)

	idsA, _ := ha.Encode("hello world")
	idsB, _ := hb.Encode("hello world")
	if !equalIDs(idsA, []int32{3, 4}) || !equalIDs(idsB, []int32{4, 3}) {
		t.Errorf("a=%v b=%v; want [3 4] and [4 3]", idsA, idsB)
	}

	if got := r.List(); len(got) != 2 || got[0].ID > got[1].ID {
		t.Errorf("List() = %+v; want two sorted entries", got)
	}

	r.CloseAll()
	if n := len(r.List()); n != 0 {
		t.Errorf("List() after CloseAll has %d entries", n)
	}
}

func TestRegistry_CloseUnknown(t *testing.T) {
	if err := quietRegistry().Close("missing"); !errors.Is(err, ErrUnknownHandle) {
		t.Errorf("Close err = %v; want ErrUnknownHandle", err)
	}
}
