// Package storage persists the license verification state so grace windows
// survive restarts. Every backend stores the same JSON document; when a
// passphrase is configured the document is sealed with AES-256-GCM under a
// scrypt-derived key before it leaves the process.
package storage

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/2sic/resizer/internal/config"
	"github.com/2sic/resizer/internal/license"
	"github.com/2sic/resizer/internal/security"
)

// Backend is a persister that owns a resource
type Backend interface {
	license.Persister
	Close() error
}

// New builds the backend selected by cfg. encryption may be nil to use the
// default key-derivation parameters.
func New(ctx context.Context, cfg config.StorageConfig, encryption *security.EncryptionConfig) (Backend, error) {
	var cipher *security.StateCipher
	if cfg.Passphrase != "" && cfg.Backend != "memory" {
		c, err := security.NewStateCipher(cfg.Passphrase, encryption)
		if err != nil {
			return nil, fmt.Errorf("failed to create state cipher: %w", err)
		}
		cipher = c
	}

	switch cfg.Backend {
	case "file", "":
		return NewFilePersister(cfg.FilePath, cipher), nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		p := NewRedisPersister(client, cfg.RedisKey, cipher)
		if err := p.Ping(ctx); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.RedisAddr, err)
		}
		return p, nil
	case "sql":
		return OpenSQLite(cfg.SQLDSN, cipher)
	case "memory":
		return NewMemoryPersister(), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}
