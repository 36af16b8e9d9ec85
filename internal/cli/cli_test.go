package cli

import (
	"os"
	"path/filepath"
	"testing"
)

func TestParseEdit(t *testing.T) {
	e, err := parseEdit("B5=100=150")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if e.Cell != "B5" || e.Old != "100" || e.New != "150" {
		t.Fatalf("edit = %+v", e)
	}

	e, err = parseEdit("C10=Done")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if e.Cell != "C10" || e.Old != "" || e.New != "Done" {
		t.Fatalf("edit = %+v", e)
	}

	if _, err := parseEdit("nonsense"); err == nil {
		t.Fatal("expected error for edit without a value")
	}
}

func TestParseEditValueContainingEquals(t *testing.T) {
	e, err := parseEdit("D1=x=a=b")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if e.Old != "x" || e.New != "a=b" {
		t.Fatalf("edit = %+v", e)
	}
}

func TestWriteIfMissing(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sub", "config.yaml")

	wrote, err := writeIfMissing(path, "a: 1\n")
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if !wrote {
		t.Fatal("expected first write to happen")
	}

	wrote, err = writeIfMissing(path, "a: 2\n")
	if err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	if wrote {
		t.Fatal("expected existing file to be left alone")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "a: 1\n" {
		t.Fatalf("content = %q", data)
	}

	initForce = true
	defer func() { initForce = false }()
	wrote, err = writeIfMissing(path, "a: 3\n")
	if err != nil {
		t.Fatalf("forced write: %v", err)
	}
	if !wrote {
		t.Fatal("expected --force to overwrite")
	}
}

func TestShortHash(t *testing.T) {
	if got := short("sha256:abcdefgh"); got != "sha256:abcde" {
		t.Fatalf("short = %q", got)
	}
	if got := short("tiny"); got != "tiny" {
		t.Fatalf("short = %q", got)
	}
}
