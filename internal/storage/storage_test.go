package storage

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/2sic/resizer/internal/config"
	licenseErrors "github.com/2sic/resizer/internal/errors"
	"github.com/2sic/resizer/internal/license"
	"github.com/2sic/resizer/internal/security"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func fastEncryption() *security.EncryptionConfig {
	cfg := security.DefaultEncryptionConfig()
	cfg.SCryptN = 1024
	return cfg
}

func testCipher(t *testing.T) *security.StateCipher {
	t.Helper()
	c, err := security.NewStateCipher("state-pass", fastEncryption())
	require.NoError(t, err)
	return c
}

func confirmedSnapshot() license.Snapshot {
	return license.Snapshot{
		Result: license.VerificationResult{
			Record: &license.LicenseRecord{
				LicenseID:         "LIC-0001-ABCD-EFGH",
				AuthorizedDomains: []string{"example.com", "*.example.org"},
				IssuedAt:          t0.Add(-24 * time.Hour),
				Features:          []string{"webp"},
				SignaturePayload:  []byte("signed"),
			},
			CheckedAt: t0,
			Outcome:   license.OutcomeConfirmed,
		},
		LastConfirmedAt: t0,
		FirstSeenAt:     t0.Add(-48 * time.Hour),
	}
}

// PersisterSuite runs the same contract against every backend
type PersisterSuite struct {
	suite.Suite
	newBackend func(t *testing.T) Backend
	backend    Backend
}

func (s *PersisterSuite) SetupTest() {
	s.backend = s.newBackend(s.T())
}

func (s *PersisterSuite) TearDownTest() {
	s.NoError(s.backend.Close())
}

func (s *PersisterSuite) TestEmpty() {
	_, err := s.backend.Load(context.Background())
	s.ErrorIs(err, licenseErrors.ErrNoPersistedState)
}

func (s *PersisterSuite) TestRoundTrip() {
	ctx := context.Background()
	want := confirmedSnapshot()
	s.Require().NoError(s.backend.Save(ctx, want))

	got, err := s.backend.Load(ctx)
	s.Require().NoError(err)
	s.Equal(license.OutcomeConfirmed, got.Result.Outcome)
	s.True(want.LastConfirmedAt.Equal(got.LastConfirmedAt))
	s.True(want.FirstSeenAt.Equal(got.FirstSeenAt))
	s.True(want.Result.CheckedAt.Equal(got.Result.CheckedAt))
	s.Require().NotNil(got.Result.Record)
	s.Equal(want.Result.Record.LicenseID, got.Result.Record.LicenseID)
	s.Equal(want.Result.Record.AuthorizedDomains, got.Result.Record.AuthorizedDomains)
	s.Equal(want.Result.Record.Features, got.Result.Record.Features)
	s.Equal(want.Result.Record.SignaturePayload, got.Result.Record.SignaturePayload)
}

func (s *PersisterSuite) TestOverwrite() {
	ctx := context.Background()
	s.Require().NoError(s.backend.Save(ctx, confirmedSnapshot()))

	denied := license.Snapshot{
		Result: license.VerificationResult{
			CheckedAt: t0.Add(time.Hour),
			Outcome:   license.OutcomeDenied,
			Reason:    license.ReasonAuthorityDenied,
		},
		LastConfirmedAt: t0,
		FirstSeenAt:     t0.Add(-48 * time.Hour),
	}
	s.Require().NoError(s.backend.Save(ctx, denied))

	got, err := s.backend.Load(ctx)
	s.Require().NoError(err)
	s.Equal(license.OutcomeDenied, got.Result.Outcome)
	s.Equal(license.ReasonAuthorityDenied, got.Result.Reason)
	s.Nil(got.Result.Record)
}

func TestFilePersister(t *testing.T) {
	suite.Run(t, &PersisterSuite{newBackend: func(t *testing.T) Backend {
		return NewFilePersister(filepath.Join(t.TempDir(), "state", "license.json"), testCipher(t))
	}})
}

func TestFilePersisterPlain(t *testing.T) {
	suite.Run(t, &PersisterSuite{newBackend: func(t *testing.T) Backend {
		return NewFilePersister(filepath.Join(t.TempDir(), "license.json"), nil)
	}})
}

func TestRedisPersister(t *testing.T) {
	suite.Run(t, &PersisterSuite{newBackend: func(t *testing.T) Backend {
		mr := miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		return NewRedisPersister(client, "resizer:license:state", testCipher(t))
	}})
}

func TestSQLPersister(t *testing.T) {
	suite.Run(t, &PersisterSuite{newBackend: func(t *testing.T) Backend {
		p, err := OpenSQLite(filepath.Join(t.TempDir(), "license.db"), nil)
		require.NoError(t, err)
		return p
	}})
}

func TestMemoryPersister(t *testing.T) {
	suite.Run(t, &PersisterSuite{newBackend: func(t *testing.T) Backend {
		return NewMemoryPersister()
	}})
}

func TestFilePersister_EncryptedOnDisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "license.json")
	p := NewFilePersister(path, testCipher(t))
	require.NoError(t, p.Save(context.Background(), confirmedSnapshot()))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "LIC-0001-ABCD-EFGH")
	assert.NotContains(t, string(raw), "example.org")

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files must not be left behind")
}

func TestFilePersister_Corrupted(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(t *testing.T, path string)
	}{
		{"garbage", func(t *testing.T, path string) {
			require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))
		}},
		{"flipped ciphertext", func(t *testing.T, path string) {
			raw, err := os.ReadFile(path)
			require.NoError(t, err)
			var payload security.EncryptedPayload
			require.NoError(t, json.Unmarshal(raw, &payload))
			payload.Ciphertext[0] ^= 0xFF
			raw, err = json.Marshal(payload)
			require.NoError(t, err)
			require.NoError(t, os.WriteFile(path, raw, 0o600))
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "license.json")
			p := NewFilePersister(path, testCipher(t))
			require.NoError(t, p.Save(context.Background(), confirmedSnapshot()))

			tt.mutate(t, path)

			_, err := p.Load(context.Background())
			assert.ErrorIs(t, err, licenseErrors.ErrStateCorrupted)
		})
	}

	t.Run("wrong passphrase", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "license.json")
		require.NoError(t, NewFilePersister(path, testCipher(t)).Save(context.Background(), confirmedSnapshot()))

		other, err := security.NewStateCipher("another-pass", fastEncryption())
		require.NoError(t, err)
		_, err = NewFilePersister(path, other).Load(context.Background())
		assert.ErrorIs(t, err, licenseErrors.ErrStateCorrupted)
	})
}

func TestDecodeSnapshot_Version(t *testing.T) {
	_, err := decodeSnapshot([]byte(`{"version":7,"outcome":"confirmed"}`), nil)
	assert.ErrorIs(t, err, licenseErrors.ErrStateCorrupted)

	_, err = decodeSnapshot([]byte(`{"version":1,"outcome":"bogus"}`), nil)
	assert.ErrorIs(t, err, licenseErrors.ErrStateCorrupted)
}

func TestRedisPersister_SharedKey(t *testing.T) {
	mr := miniredis.RunT(t)
	a := NewRedisPersister(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "k", nil)
	b := NewRedisPersister(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "k", nil)
	defer a.Close()
	defer b.Close()

	require.NoError(t, a.Save(context.Background(), confirmedSnapshot()))
	got, err := b.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, license.OutcomeConfirmed, got.Result.Outcome)
	assert.True(t, mr.Exists("k"))
}

func TestNew(t *testing.T) {
	ctx := context.Background()

	b, err := New(ctx, config.StorageConfig{Backend: "memory"}, nil)
	require.NoError(t, err)
	assert.IsType(t, &MemoryPersister{}, b)

	b, err = New(ctx, config.StorageConfig{
		Backend:    "file",
		FilePath:   filepath.Join(t.TempDir(), "s.json"),
		Passphrase: "pw",
	}, fastEncryption())
	require.NoError(t, err)
	assert.IsType(t, &FilePersister{}, b)

	mr := miniredis.RunT(t)
	b, err = New(ctx, config.StorageConfig{Backend: "redis", RedisAddr: mr.Addr(), RedisKey: "k"}, nil)
	require.NoError(t, err)
	assert.NoError(t, b.Close())

	b, err = New(ctx, config.StorageConfig{Backend: "sql", SQLDSN: filepath.Join(t.TempDir(), "s.db")}, nil)
	require.NoError(t, err)
	assert.NoError(t, b.Close())

	mr.Close()
	_, err = New(ctx, config.StorageConfig{Backend: "redis", RedisAddr: mr.Addr()}, nil)
	assert.Error(t, err)

	_, err = New(ctx, config.StorageConfig{Backend: "tape"}, nil)
	assert.Error(t, err)
}
