package logger

import (
	"os"
	"path/filepath"
	"testing"
)

func TestNewRotateWriterRequiresPath(t *testing.T) {
	if _, err := newRotateWriter("", 0, 0, 0); err == nil {
		t.Fatalf("expected error for empty path")
	}
}

func TestNewRotateWriterAppendsToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit", "audit.log")
	w, err := newRotateWriter(path, 0, 0, 0)
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	if _, err := w.Write([]byte("first\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := w.Write([]byte("second\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read audit log: %v", err)
	}
	if string(data) != "first\nsecond\n" {
		t.Fatalf("unexpected audit log content: %q", data)
	}
}
