package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	licenseErrors "github.com/2sic/resizer/internal/errors"
	"github.com/2sic/resizer/internal/license"
	"github.com/2sic/resizer/internal/security"
)

// FilePersister keeps the state in one file, replaced atomically on save
type FilePersister struct {
	path   string
	cipher *security.StateCipher
}

// NewFilePersister stores state at path. A nil cipher writes plain JSON.
func NewFilePersister(path string, cipher *security.StateCipher) *FilePersister {
	return &FilePersister{path: path, cipher: cipher}
}

// Path returns the state file location
func (p *FilePersister) Path() string {
	return p.path
}

// Load reads the state file
func (p *FilePersister) Load(ctx context.Context) (license.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return license.Snapshot{}, err
	}

	data, err := os.ReadFile(p.path)
	if errors.Is(err, os.ErrNotExist) {
		return license.Snapshot{}, licenseErrors.ErrNoPersistedState
	}
	if err != nil {
		return license.Snapshot{}, fmt.Errorf("failed to read license state: %w", err)
	}
	return decodeSnapshot(data, p.cipher)
}

// Save writes to a temp file in the same directory and renames it over the
// old state, so readers never see a partial file.
func (p *FilePersister) Save(ctx context.Context, snap license.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := encodeSnapshot(snap, p.cipher)
	if err != nil {
		return err
	}

	dir := filepath.Dir(p.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".license-state-*")
	if err != nil {
		return fmt.Errorf("failed to create temp state file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write license state: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync license state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close license state: %w", err)
	}
	if err := os.Rename(tmpName, p.path); err != nil {
		return fmt.Errorf("failed to replace license state: %w", err)
	}
	return nil
}

// Close is a no-op
func (p *FilePersister) Close() error {
	return nil
}
