package security

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v4"

	licenseErrors "github.com/2sic/resizer/internal/errors"
)

// Token signature schemes
const (
	SchemeEd25519 = "ed25519"
	SchemeHMAC    = "hmac"
)

// LicenseClaims is the payload of a license token. The JWT id carries the
// license id.
type LicenseClaims struct {
	Domains  []string `json:"domains"`
	Features []string `json:"features,omitempty"`
	jwt.RegisteredClaims
}

// Valid adds the license requirements to the registered-claim checks
func (c LicenseClaims) Valid() error {
	if err := c.RegisteredClaims.Valid(); err != nil {
		return err
	}
	if strings.TrimSpace(c.ID) == "" {
		return errors.New("token has no license id")
	}
	if c.IssuedAt == nil {
		return errors.New("token has no issue time")
	}
	return nil
}

// TokenVerifier checks license tokens against one pinned algorithm and key
type TokenVerifier struct {
	key    any
	parser *jwt.Parser
}

// NewEd25519Verifier verifies EdDSA tokens
func NewEd25519Verifier(pub ed25519.PublicKey) *TokenVerifier {
	return &TokenVerifier{
		key:    pub,
		parser: jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()})),
	}
}

// NewHMACVerifier verifies HS256 tokens
func NewHMACVerifier(secret []byte) *TokenVerifier {
	return &TokenVerifier{
		key:    secret,
		parser: jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})),
	}
}

// NewTokenVerifier builds a verifier from configuration values
func NewTokenVerifier(scheme, publicKey, sharedSecret string) (*TokenVerifier, error) {
	switch scheme {
	case SchemeEd25519:
		pub, err := ParseEd25519PublicKey(publicKey)
		if err != nil {
			return nil, err
		}
		return NewEd25519Verifier(pub), nil
	case SchemeHMAC:
		if sharedSecret == "" {
			return nil, errors.New("hmac scheme needs a shared secret")
		}
		return NewHMACVerifier([]byte(sharedSecret)), nil
	default:
		return nil, fmt.Errorf("unsupported signature scheme %q", scheme)
	}
}

// Parse verifies token and returns its claims. Every failure wraps
// ErrSignatureInvalid.
func (v *TokenVerifier) Parse(token string) (*LicenseClaims, error) {
	claims := &LicenseClaims{}
	parsed, err := v.parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return v.key, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", licenseErrors.ErrSignatureInvalid, err)
	}
	if !parsed.Valid {
		return nil, licenseErrors.ErrSignatureInvalid
	}
	return claims, nil
}

// Verify reports whether payload is a valid, unexpired token.
func (v *TokenVerifier) Verify(payload []byte) bool {
	if len(payload) == 0 {
		return false
	}
	_, err := v.Parse(string(payload))
	return err == nil
}

// DecodeClaims reads the claims of a token without checking its signature.
// Callers must verify the token before trusting them.
func DecodeClaims(token string) (*LicenseClaims, error) {
	claims := &LicenseClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, fmt.Errorf("%w: malformed token: %v", licenseErrors.ErrSignatureInvalid, err)
	}
	return claims, nil
}

// ParseEd25519PublicKey accepts a PEM block or a base64 raw 32-byte key
func ParseEd25519PublicKey(s string) (ed25519.PublicKey, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, errors.New("ed25519 public key is empty")
	}

	if strings.HasPrefix(s, "-----BEGIN") {
		key, err := jwt.ParseEdPublicKeyFromPEM([]byte(s))
		if err != nil {
			return nil, fmt.Errorf("failed to parse ed25519 public key: %w", err)
		}
		pub, ok := key.(ed25519.PublicKey)
		if !ok {
			return nil, errors.New("public key is not ed25519")
		}
		return pub, nil
	}

	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("failed to decode ed25519 public key: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("ed25519 public key must be %d bytes, got %d", ed25519.PublicKeySize, len(raw))
	}
	return ed25519.PublicKey(raw), nil
}

// TokenIssuer signs license tokens. The license authority holds the private
// key; the engine only ever verifies.
type TokenIssuer struct {
	method jwt.SigningMethod
	key    any
}

// NewEd25519Issuer signs with EdDSA
func NewEd25519Issuer(priv ed25519.PrivateKey) *TokenIssuer {
	return &TokenIssuer{method: jwt.SigningMethodEdDSA, key: priv}
}

// NewHMACIssuer signs with HS256
func NewHMACIssuer(secret []byte) *TokenIssuer {
	return &TokenIssuer{method: jwt.SigningMethodHS256, key: secret}
}

// Issue signs claims into a compact token
func (i *TokenIssuer) Issue(claims LicenseClaims) (string, error) {
	token, err := jwt.NewWithClaims(i.method, claims).SignedString(i.key)
	if err != nil {
		return "", fmt.Errorf("failed to sign license token: %w", err)
	}
	return token, nil
}
