package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/ianktoo/image-converter/internal/errs"
)

const appDirPerm os.FileMode = 0o750

// FS is a path-addressable artifact store rooted at a directory. Keys are
// slash-separated paths relative to the root.
type FS struct {
	root string
}

// NewFS creates the root directory if needed and returns a store over it.
func NewFS(root string) (*FS, error) {
	if err := EnsureDir(root); err != nil {
		return nil, err
	}
	return &FS{root: root}, nil
}

// Root returns the directory backing the store.
func (s *FS) Root() string { return s.root }

func (s *FS) resolve(key string) (string, error) {
	clean := path.Clean("/" + strings.TrimSpace(key))
	if clean == "/" || strings.Contains(key, "..") {
		return "", fmt.Errorf("%w: invalid key %q", errs.ErrStorageFailure, key)
	}
	return filepath.Join(s.root, filepath.FromSlash(strings.TrimPrefix(clean, "/"))), nil
}

// Put writes the reader's content under key atomically and returns the byte count.
func (s *FS) Put(key string, reader io.Reader) (int64, error) {
	p, err := s.resolve(key)
	if err != nil {
		return 0, err
	}
	n, err := CopyAtomic(p, reader)
	if err != nil {
		return 0, fmt.Errorf("%w: put %s: %v", errs.ErrStorageFailure, key, err)
	}
	return n, nil
}

// Open returns a reader for key. A missing key yields errs.ErrNotFound.
func (s *FS) Open(key string) (io.ReadCloser, error) {
	p, err := s.resolve(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p) //nolint:gosec // key resolved under root
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", errs.ErrNotFound, key)
		}
		return nil, fmt.Errorf("%w: open %s: %v", errs.ErrStorageFailure, key, err)
	}
	return f, nil
}

// ReadAll loads the whole object.
func (s *FS) ReadAll(key string) ([]byte, error) {
	rc, err := s.Open(key)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rc.Close() }()
	b, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", errs.ErrStorageFailure, key, err)
	}
	return b, nil
}

// Exists reports whether key is present.
func (s *FS) Exists(key string) (bool, error) {
	p, err := s.resolve(key)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(p)
	switch {
	case err == nil:
		return true, nil
	case os.IsNotExist(err):
		return false, nil
	default:
		return false, fmt.Errorf("%w: stat %s: %v", errs.ErrStorageFailure, key, err)
	}
}

// Size returns the stored byte size of key.
func (s *FS) Size(key string) (int64, error) {
	p, err := s.resolve(key)
	if err != nil {
		return 0, err
	}
	info, err := os.Stat(p)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, fmt.Errorf("%w: %s", errs.ErrNotFound, key)
		}
		return 0, fmt.Errorf("%w: stat %s: %v", errs.ErrStorageFailure, key, err)
	}
	return info.Size(), nil
}

// Delete removes key. Deleting a missing key is not an error.
func (s *FS) Delete(key string) error {
	p, err := s.resolve(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: delete %s: %v", errs.ErrStorageFailure, key, err)
	}
	return nil
}

// DeletePrefixes removes every key under each prefix, in parallel. All
// prefixes are attempted; the first failure is returned.
func (s *FS) DeletePrefixes(ctx context.Context, prefixes ...string) error {
	g, _ := errgroup.WithContext(ctx)
	for _, prefix := range prefixes {
		g.Go(func() error {
			p, err := s.resolve(prefix)
			if err != nil {
				return err
			}
			if err := os.RemoveAll(p); err != nil {
				return fmt.Errorf("%w: delete prefix %s: %v", errs.ErrStorageFailure, prefix, err)
			}
			return nil
		})
	}
	return g.Wait() //nolint:wrapcheck
}

// EnsureDir creates the directory if it does not exist.
func EnsureDir(dirPath string) error {
	if dirPath == "" {
		return errors.New("empty dir path")
	}
	if err := os.MkdirAll(dirPath, appDirPerm); err != nil { //nolint:gosec // app-owned data dir
		return fmt.Errorf("ensure dir: %w", err)
	}
	return nil
}

// WriteJSONAtomic marshals the value and atomically writes it to filename.
func WriteJSONAtomic(filename string, v any) error {
	if filename == "" {
		return errors.New("empty filename")
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode json: %w", err)
	}
	_, err = CopyAtomic(filename, strings.NewReader(string(b)+"\n"))
	return err
}

// CopyAtomic writes data provided by the reader to the destination file via a
// temporary file in the same directory followed by a rename.
func CopyAtomic(filename string, reader io.Reader) (int64, error) {
	dir := filepath.Dir(filename)
	if err := EnsureDir(dir); err != nil {
		return 0, err
	}
	tempFile, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return 0, fmt.Errorf("create temp: %w", err)
	}
	tmpName := tempFile.Name()
	n, err := io.Copy(tempFile, reader)
	if err != nil {
		_ = tempFile.Close()
		_ = os.Remove(tmpName)
		return 0, fmt.Errorf("copy to temp: %w", err)
	}
	if err := tempFile.Sync(); err != nil {
		_ = tempFile.Close()
		_ = os.Remove(tmpName)
		return 0, fmt.Errorf("sync temp: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		_ = os.Remove(tmpName)
		return 0, fmt.Errorf("close temp: %w", err)
	}
	if err := os.Rename(tmpName, filename); err != nil {
		_ = os.Remove(tmpName)
		return 0, fmt.Errorf("rename temp: %w", err)
	}
	return n, nil
}
