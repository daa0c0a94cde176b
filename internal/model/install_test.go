package model

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

// sha256("hello")
const helloSHA = "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"

func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
}

func TestExistingMatches(t *testing.T) {
	tmp := t.TempDir()
	p := filepath.Join(tmp, "x.bin")
	writeFile(t, p, []byte("hello"))

	ok, err := existingMatches(p, helloSHA)
	if err != nil {
		t.Fatalf("existingMatches error: %v", err)
	}
	if !ok {
		t.Fatal("expected checksum match")
	}

	ok, err = existingMatches(filepath.Join(tmp, "missing"), "")
	if err != nil || ok {
		t.Fatalf("missing file: ok=%v err=%v", ok, err)
	}
}

func TestExistingMatches_EmptyFileIsNotInstalled(t *testing.T) {
	p := filepath.Join(t.TempDir(), "empty.model")
	writeFile(t, p, nil)

	ok, err := existingMatches(p, "")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("empty file must not count as installed")
	}
}

func TestInstall_CopiesLocalAsset(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "asset.model")
	dest := filepath.Join(dir, "data", "tokenizer.model")
	writeFile(t, src, []byte("hello"))

	var out bytes.Buffer
	copied, err := Install(context.Background(), InstallOptions{Source: src, Dest: dest, SHA256: helloSHA, Stdout: &out})
	if err != nil {
		t.Fatalf("Install: %v", err)
	}
	if !copied {
		t.Fatal("expected a copy")
	}

	got, err := os.ReadFile(dest)
	if err != nil || string(got) != "hello" {
		t.Fatalf("dest content = %q, %v", got, err)
	}

	if _, err := os.Stat(dest + ".tmp"); !os.IsNotExist(err) {
		t.Error("temp file left behind")
	}
}

func TestInstall_SkipsExisting(t *testing.T) {
	dir := t.TempDir()
	dest := filepath.Join(dir, "tokenizer.model")
	writeFile(t, dest, []byte("hello"))

	copied, err := Install(context.Background(), InstallOptions{Source: filepath.Join(dir, "nope"), Dest: dest})
	if err != nil {
		t.Fatalf("Install: %v", err)
	}
	if copied {
		t.Fatal("existing non-empty file should not be replaced")
	}
}

func TestInstall_ReplacesEmptyFile(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "asset.model")
	dest := filepath.Join(dir, "tokenizer.model")
	writeFile(t, src, []byte("hello"))
	writeFile(t, dest, nil)

	copied, err := Install(context.Background(), InstallOptions{Source: src, Dest: dest})
	if err != nil {
		t.Fatalf("Install: %v", err)
	}
	if !copied {
		t.Fatal("empty destination should be replaced")
	}
}

func TestInstall_ChecksumMismatch(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "asset.model")
	dest := filepath.Join(dir, "tokenizer.model")
	writeFile(t, src, []byte("not hello"))

	_, err := Install(context.Background(), InstallOptions{Source: src, Dest: dest, SHA256: helloSHA})

	var ce *ChecksumError
	if !errors.As(err, &ce) {
		t.Fatalf("err = %v; want *ChecksumError", err)
	}
	if _, err := os.Stat(dest); !os.IsNotExist(err) {
		t.Error("mismatched file should be removed")
	}
}

func TestInstall_MissingSource(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "tokenizer.model")

	if _, err := Install(context.Background(), InstallOptions{Dest: dest}); err == nil {
		t.Fatal("expected error without source")
	}
}

func TestInstall_EmptySourceRejected(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "asset.model")
	writeFile(t, src, nil)

	if _, err := Install(context.Background(), InstallOptions{Source: src, Dest: filepath.Join(dir, "out.model")}); err == nil {
		t.Fatal("expected error for empty source")
	}
}

func TestInstall_InvalidChecksum(t *testing.T) {
	if _, err := Install(context.Background(), InstallOptions{Source: "x", Dest: filepath.Join(t.TempDir(), "y"), SHA256: "abc"}); err == nil {
		t.Fatal("expected error for malformed sha256")
	}
}

func TestInstall_HTTPSource(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/tokenizer.model" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte("hello"))
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "tokenizer.model")

	copied, err := Install(context.Background(), InstallOptions{
		Source: srv.URL + "/tokenizer.model",
		Dest:   dest,
		SHA256: helloSHA,
		Client: srv.Client(),
	})
	if err != nil {
		t.Fatalf("Install: %v", err)
	}
	if !copied {
		t.Fatal("expected a download")
	}
}

func TestInstall_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	_, err := Install(context.Background(), InstallOptions{
		Source: srv.URL + "/missing.model",
		Dest:   filepath.Join(t.TempDir(), "tokenizer.model"),
		Client: srv.Client(),
	})
	if err == nil {
		t.Fatal("expected error for 404")
	}
}

func TestVerify(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "x.model")
	writeFile(t, p, []byte("hello"))

	if err := Verify(p, ""); err != nil {
		t.Errorf("Verify without checksum: %v", err)
	}
	if err := Verify(p, helloSHA); err != nil {
		t.Errorf("Verify with matching checksum: %v", err)
	}

	var ce *ChecksumError
	if err := Verify(p, "0000000000000000000000000000000000000000000000000000000000000000"); !errors.As(err, &ce) {
		t.Errorf("Verify mismatch err = %v; want *ChecksumError", err)
	}

	if err := Verify(filepath.Join(dir, "missing"), ""); err == nil {
		t.Error("Verify missing file: want error")
	}

	empty := filepath.Join(dir, "empty.model")
	writeFile(t, empty, nil)
	if err := Verify(empty, ""); err == nil {
		t.Error("Verify empty file: want error")
	}
}
