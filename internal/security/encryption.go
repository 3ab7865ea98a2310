package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"

	"golang.org/x/crypto/scrypt"
)

// PayloadVersion is the current EncryptedPayload format
const PayloadVersion = 1

// ErrIntegrity is returned when a payload was modified or sealed with another passphrase.
var ErrIntegrity = errors.New("payload integrity verification failed")

// EncryptionConfig defines key derivation and AES-GCM parameters
type EncryptionConfig struct {
	SCryptN      int // CPU/memory cost
	SCryptR      int
	SCryptP      int
	SCryptKeyLen int // 32 for AES-256

	NonceSize int
	SaltSize  int
}

// EncryptedPayload is the sealed form of a state document
type EncryptedPayload struct {
	Version    uint8  `json:"version"`
	Salt       []byte `json:"salt"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"` // includes the GCM tag
	Integrity  []byte `json:"integrity"`
}

// DefaultEncryptionConfig returns OWASP-level scrypt parameters for AES-256-GCM
func DefaultEncryptionConfig() *EncryptionConfig {
	return &EncryptionConfig{
		SCryptN:      32768,
		SCryptR:      8,
		SCryptP:      1,
		SCryptKeyLen: 32,
		NonceSize:    12,
		SaltSize:     32,
	}
}

// ValidateEncryptionConfig checks parameters are usable for AES-256-GCM
func ValidateEncryptionConfig(config *EncryptionConfig) error {
	if config == nil {
		return errors.New("encryption config cannot be nil")
	}
	if config.SCryptN < 2 || config.SCryptN&(config.SCryptN-1) != 0 {
		return errors.New("SCryptN must be a power of two greater than 1")
	}
	if config.SCryptR < 1 || config.SCryptP < 1 {
		return errors.New("SCryptR and SCryptP must be at least 1")
	}
	if config.SCryptKeyLen != 32 {
		return errors.New("SCryptKeyLen must be 32 for AES-256")
	}
	if config.NonceSize != 12 {
		return errors.New("NonceSize must be 12 for AES-GCM")
	}
	if config.SaltSize < 16 {
		return errors.New("SaltSize must be at least 16")
	}
	return nil
}

// StateCipher seals and opens documents with a passphrase-derived key
type StateCipher struct {
	passphrase []byte
	config     *EncryptionConfig
}

// NewStateCipher creates a cipher. A nil config uses DefaultEncryptionConfig.
func NewStateCipher(passphrase string, config *EncryptionConfig) (*StateCipher, error) {
	if passphrase == "" {
		return nil, errors.New("passphrase cannot be empty")
	}
	if config == nil {
		config = DefaultEncryptionConfig()
	}
	if err := ValidateEncryptionConfig(config); err != nil {
		return nil, err
	}
	return &StateCipher{passphrase: []byte(passphrase), config: config}, nil
}

// Seal encrypts plaintext under a fresh salt and nonce
func (c *StateCipher) Seal(plaintext []byte) (*EncryptedPayload, error) {
	salt := make([]byte, c.config.SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	gcm, err := c.aead(salt)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, c.config.NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nil, nonce, plaintext, []byte{PayloadVersion})

	return &EncryptedPayload{
		Version:    PayloadVersion,
		Salt:       salt,
		Nonce:      nonce,
		Ciphertext: ciphertext,
		Integrity:  integrityHash(ciphertext, salt, nonce),
	}, nil
}

// Open decrypts a payload produced by Seal
func (c *StateCipher) Open(payload *EncryptedPayload) ([]byte, error) {
	if payload == nil {
		return nil, errors.New("payload cannot be nil")
	}
	if payload.Version != PayloadVersion {
		return nil, fmt.Errorf("unsupported payload version: %d", payload.Version)
	}
	if len(payload.Nonce) != c.config.NonceSize {
		return nil, fmt.Errorf("%w: bad nonce length", ErrIntegrity)
	}

	expected := integrityHash(payload.Ciphertext, payload.Salt, payload.Nonce)
	if subtle.ConstantTimeCompare(payload.Integrity, expected) != 1 {
		return nil, ErrIntegrity
	}

	gcm, err := c.aead(payload.Salt)
	if err != nil {
		return nil, err
	}

	plaintext, err := gcm.Open(nil, payload.Nonce, payload.Ciphertext, []byte{payload.Version})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIntegrity, err)
	}
	return plaintext, nil
}

func (c *StateCipher) aead(salt []byte) (cipher.AEAD, error) {
	key, err := scrypt.Key(c.passphrase, salt, c.config.SCryptN, c.config.SCryptR, c.config.SCryptP, c.config.SCryptKeyLen)
	if err != nil {
		return nil, fmt.Errorf("key derivation failed: %w", err)
	}
	defer clear(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

func integrityHash(ciphertext, salt, nonce []byte) []byte {
	h := sha256.New()
	h.Write([]byte("RESIZER-LICENSE-STATE-V1"))
	h.Write(ciphertext)
	h.Write(salt)
	h.Write(nonce)
	return h.Sum(nil)
}

// SecureCompare performs constant-time comparison
func SecureCompare(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}
