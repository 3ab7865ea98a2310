package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	licenseErrors "github.com/2sic/resizer/internal/errors"
	"github.com/2sic/resizer/internal/license"
	"github.com/2sic/resizer/internal/security"
)

// RedisPersister keeps the state under a single key, so several replicas
// behind one Redis share their verification history.
type RedisPersister struct {
	client *redis.Client
	key    string
	cipher *security.StateCipher
}

// NewRedisPersister wraps an existing client
func NewRedisPersister(client *redis.Client, key string, cipher *security.StateCipher) *RedisPersister {
	return &RedisPersister{client: client, key: key, cipher: cipher}
}

// Ping checks the connection
func (p *RedisPersister) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

// Load fetches the stored document
func (p *RedisPersister) Load(ctx context.Context) (license.Snapshot, error) {
	data, err := p.client.Get(ctx, p.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return license.Snapshot{}, licenseErrors.ErrNoPersistedState
	}
	if err != nil {
		return license.Snapshot{}, fmt.Errorf("failed to read license state from redis: %w", err)
	}
	return decodeSnapshot(data, p.cipher)
}

// Save overwrites the stored document. The key never expires; grace is
// computed from the timestamps inside it.
func (p *RedisPersister) Save(ctx context.Context, snap license.Snapshot) error {
	data, err := encodeSnapshot(snap, p.cipher)
	if err != nil {
		return err
	}
	if err := p.client.Set(ctx, p.key, data, 0).Err(); err != nil {
		return fmt.Errorf("failed to write license state to redis: %w", err)
	}
	return nil
}

// Close releases the client
func (p *RedisPersister) Close() error {
	return p.client.Close()
}
