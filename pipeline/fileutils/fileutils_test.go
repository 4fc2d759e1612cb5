package fileutils

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestTruncate(t *testing.T) {
	t.Parallel()

	if got := Truncate("  hello  ", 0); got != "hello" {
		t.Fatalf("Truncate disabled: %q", got)
	}
	if got := Truncate("hello", 10); got != "hello" {
		t.Fatalf("Truncate under max: %q", got)
	}
	if got := Truncate("hello world", 5); got != "hello…" {
		t.Fatalf("Truncate cut: %q", got)
	}
}

func TestSanitizeNewlines(t *testing.T) {
	t.Parallel()

	got := SanitizeNewlines("a\r\nb\rc\nd")
	if got != `a\nb\nc\nd` {
		t.Fatalf("SanitizeNewlines=%q", got)
	}
}

func TestWriteFileAtomic(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nested", "dir", "out.txt")
	if err := WriteFileAtomic(path, []byte("v1"), 0o644); err != nil {
		t.Fatalf("WriteFileAtomic: %v", err)
	}
	if err := WriteFileAtomic(path, []byte("v2"), 0o644); err != nil {
		t.Fatalf("WriteFileAtomic overwrite: %v", err)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if string(b) != "v2" {
		t.Fatalf("content=%q, want v2", b)
	}

	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".tmp_write_") {
			t.Fatalf("leftover temp file %s", e.Name())
		}
	}
}

func TestWriteJSONFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "out.json")
	if err := WriteJSONFile(path, map[string]int{"n": 3}); err != nil {
		t.Fatalf("WriteJSONFile: %v", err)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if !strings.Contains(string(b), `"n": 3`) || !strings.HasSuffix(string(b), "\n") {
		t.Fatalf("content=%q", b)
	}
}

func TestAppendJSONLine(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "log", "records.jsonl")
	for i := 0; i < 3; i++ {
		if err := AppendJSONLine(path, map[string]int{"i": i}); err != nil {
			t.Fatalf("AppendJSONLine: %v", err)
		}
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	if len(lines) != 3 {
		t.Fatalf("lines=%d, want 3", len(lines))
	}
	if lines[2] != `{"i":2}` {
		t.Fatalf("last line=%q", lines[2])
	}
}

func TestFileExists(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "x")
	if FileExists(path) {
		t.Fatalf("FileExists(true) for missing file")
	}
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if !FileExists(path) {
		t.Fatalf("FileExists(false) for present file")
	}
}

func TestDecodeModelJSON(t *testing.T) {
	t.Parallel()

	var out struct {
		Name string `json:"name"`
	}
	if err := DecodeModelJSON(`{"name":"a"}`, &out); err != nil {
		t.Fatalf("plain JSON: %v", err)
	}
	if out.Name != "a" {
		t.Fatalf("Name=%q", out.Name)
	}

	fenced := "Here is the result:\n```json\n{\"name\":\"b\"}\n```\nDone."
	if err := DecodeModelJSON(fenced, &out); err != nil {
		t.Fatalf("fenced JSON: %v", err)
	}
	if out.Name != "b" {
		t.Fatalf("Name=%q, want b", out.Name)
	}

	if err := DecodeModelJSON("no braces here", &out); err == nil {
		t.Fatalf("expected error for non-JSON input")
	}

	if err := DecodeModelJSON(`{"name":"c`, &out); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("truncated JSON: err=%v, want unexpected EOF", err)
	}
}
