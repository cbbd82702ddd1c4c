package session

import (
	"fmt"
	"os"
	"path/filepath"
)

// FileStore persists named documents under a root directory. Writes
// replace atomically via a temp file and rename, so readers never see
// a partial document even across a crash.
type FileStore struct {
	root string
}

// NewFileStore creates a FileStore rooted at root. The directory is
// created on first save.
func NewFileStore(root string) *FileStore {
	return &FileStore{root: root}
}

// Load reads a named document.
func (s *FileStore) Load(name string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(s.root, name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, name)
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrLoadFailed, name, err)
	}
	return data, nil
}

// Save writes a named document atomically.
func (s *FileStore) Save(name string, data []byte) error {
	if err := os.MkdirAll(s.root, 0o755); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrSaveFailed, name, err)
	}

	tmp, err := os.CreateTemp(s.root, ".tmp-*")
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrSaveFailed, name, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("%w: %s: %v", ErrSaveFailed, name, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: %s: %v", ErrSaveFailed, name, err)
	}

	if err := os.Rename(tmpName, filepath.Join(s.root, name)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: %s: %v", ErrSaveFailed, name, err)
	}

	return nil
}

// Delete removes a named document. Missing documents are ignored.
func (s *FileStore) Delete(name string) error {
	if err := os.Remove(filepath.Join(s.root, name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete failed: %s: %w", name, err)
	}
	return nil
}
