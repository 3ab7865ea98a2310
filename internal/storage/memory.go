package storage

import (
	"context"
	"sync"

	licenseErrors "github.com/2sic/resizer/internal/errors"
	"github.com/2sic/resizer/internal/license"
)

// MemoryPersister holds the encoded state in process memory. State is lost
// on restart; it exists for tests and for deployments that accept a fresh
// bootstrap window after every restart.
type MemoryPersister struct {
	mu   sync.Mutex
	data []byte
}

// NewMemoryPersister creates an empty persister
func NewMemoryPersister() *MemoryPersister {
	return &MemoryPersister{}
}

// Load decodes the stored copy
func (p *MemoryPersister) Load(ctx context.Context) (license.Snapshot, error) {
	p.mu.Lock()
	data := p.data
	p.mu.Unlock()

	if data == nil {
		return license.Snapshot{}, licenseErrors.ErrNoPersistedState
	}
	return decodeSnapshot(data, nil)
}

// Save replaces the stored copy
func (p *MemoryPersister) Save(ctx context.Context, snap license.Snapshot) error {
	data, err := encodeSnapshot(snap, nil)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.data = data
	p.mu.Unlock()
	return nil
}

// Close is a no-op
func (p *MemoryPersister) Close() error {
	return nil
}
