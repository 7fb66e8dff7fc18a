package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestRotatingWriterRotatesPastMaxSize(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs")
	path := filepath.Join(dir, "recorder.log")
	rw, err := NewRotatingWriter(path, 1, 2)
	if err != nil {
		t.Fatalf("NewRotatingWriter: %v", err)
	}
	defer rw.Close()

	chunk := bytes.Repeat([]byte("a"), 700*1024)
	for i := 0; i < 4; i++ {
		if _, err := rw.Write(chunk); err != nil {
			t.Fatalf("Write %d: %v", i, err)
		}
	}

	for _, name := range []string{"recorder.log", "recorder.1.log", "recorder.2.log"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Fatalf("expected %s: %v", name, err)
		}
	}
	if _, err := os.Stat(filepath.Join(dir, "recorder.3.log")); !os.IsNotExist(err) {
		t.Fatal("kept more backups than configured")
	}
}

func TestRotatingWriterAppendsToExistingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "recorder.log")
	if err := os.WriteFile(path, []byte("existing\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	rw, err := NewRotatingWriter(path, 1, 1)
	if err != nil {
		t.Fatalf("NewRotatingWriter: %v", err)
	}
	if _, err := rw.Write([]byte("next\n")); err != nil {
		t.Fatal(err)
	}
	rw.Close()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "existing\nnext\n" {
		t.Fatalf("unexpected contents %q", data)
	}
}

func TestRotatePrunesStaleBackups(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "recorder.log")
	stale := filepath.Join(dir, "recorder.7.log")
	if err := os.WriteFile(stale, []byte("old"), 0o600); err != nil {
		t.Fatal(err)
	}

	rw, err := NewRotatingWriter(path, 1, 2)
	if err != nil {
		t.Fatal(err)
	}
	defer rw.Close()
	rw.Write([]byte("first\n"))
	if err := rw.Rotate(); err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	rw.Write([]byte("second\n"))

	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Fatal("stale backup not pruned")
	}
	data, _ := os.ReadFile(filepath.Join(dir, "recorder.1.log"))
	if string(data) != "first\n" {
		t.Fatalf("backup = %q", data)
	}
}

func TestWriteAfterCloseFails(t *testing.T) {
	rw, err := NewRotatingWriter(filepath.Join(t.TempDir(), "r.log"), 1, 1)
	if err != nil {
		t.Fatal(err)
	}
	rw.Close()
	if _, err := rw.Write([]byte("x")); err == nil {
		t.Fatal("write after close succeeded")
	}
}
