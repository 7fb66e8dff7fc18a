package uploads

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// LocalStore writes artifacts into a directory, typically a mounted share.
// Each artifact gets a JSON sidecar holding its metadata.
type LocalStore struct {
	BasePath string
	Prefix   string
}

func NewLocalStore(basePath, prefix string) *LocalStore {
	return &LocalStore{BasePath: filepath.Clean(basePath), Prefix: prefix}
}

func (s *LocalStore) Name() string { return "local" }

func (s *LocalStore) Put(ctx context.Context, a Artifact) error {
	if s.BasePath == "" || s.BasePath == "." {
		return errors.New("local store base path is required")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	dest, err := containedPath(s.BasePath, objectKey(s.Prefix, a.Filename))
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("create destination directory: %w", err)
	}
	if err := writeAtomic(dest, a.Data); err != nil {
		return err
	}
	meta, err := json.MarshalIndent(a.Meta, "", "  ")
	if err != nil {
		return err
	}
	return writeAtomic(dest+".json", meta)
}

// writeAtomic writes through a temp file in the same directory so readers
// never see a partial recording.
func writeAtomic(dest string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(dest), "."+filepath.Base(dest)+".*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write %s: %w", filepath.Base(dest), err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}

// containedPath resolves untrustedPath under basePath and rejects anything
// that escapes it.
func containedPath(basePath, untrustedPath string) (string, error) {
	absBase, err := filepath.Abs(basePath)
	if err != nil {
		return "", fmt.Errorf("resolve base path: %w", err)
	}
	absJoined, err := filepath.Abs(filepath.Join(absBase, filepath.FromSlash(untrustedPath)))
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}
	if !strings.HasPrefix(absJoined, absBase+string(filepath.Separator)) {
		return "", fmt.Errorf("path traversal detected: %q resolves outside %q", untrustedPath, absBase)
	}
	return absJoined, nil
}
