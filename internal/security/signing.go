package security

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"time"
)

// MaxClockSkew bounds how far a signed request timestamp may drift
const MaxClockSkew = 10 * time.Minute

// SignedRequest is the body sent to an HTTP license authority
type SignedRequest struct {
	Timestamp int64  `json:"timestamp"`
	Nonce     string `json:"nonce"`
	RequestID string `json:"request_id"`
	LicenseID string `json:"license_id"`
	Signature string `json:"signature"`
}

// RequestSigner signs authority requests with HMAC-SHA256
type RequestSigner struct {
	secret []byte
}

// NewRequestSigner creates a signer; an empty secret produces unsigned requests
func NewRequestSigner(secret string) *RequestSigner {
	return &RequestSigner{secret: []byte(secret)}
}

// NewSignedRequest builds and signs a request for licenseID
func (s *RequestSigner) NewSignedRequest(licenseID, requestID string, now time.Time) (*SignedRequest, error) {
	nonce, err := GenerateNonce()
	if err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	req := &SignedRequest{
		Timestamp: now.Unix(),
		Nonce:     nonce,
		RequestID: requestID,
		LicenseID: licenseID,
	}
	if len(s.secret) > 0 {
		req.Signature = s.sign(req)
	}
	return req, nil
}

// Verify checks the signature and timestamp of a request. The authority
// side of the exchange uses it; so do tests.
func (s *RequestSigner) Verify(req *SignedRequest, now time.Time) error {
	if req.Signature == "" {
		return fmt.Errorf("request signature is missing")
	}

	ts := time.Unix(req.Timestamp, 0)
	if now.Sub(ts) > MaxClockSkew || ts.Sub(now) > MaxClockSkew {
		return fmt.Errorf("request timestamp is too old or too far in the future")
	}

	if !hmac.Equal([]byte(req.Signature), []byte(s.sign(req))) {
		return fmt.Errorf("HMAC signature verification failed")
	}
	return nil
}

func (s *RequestSigner) sign(req *SignedRequest) string {
	canonical := fmt.Sprintf("%d|%s|%s|%s", req.Timestamp, req.Nonce, req.RequestID, req.LicenseID)

	h := hmac.New(sha256.New, s.secret)
	h.Write([]byte(canonical))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// GenerateNonce returns 16 random bytes hex encoded
func GenerateNonce() (string, error) {
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	return hex.EncodeToString(nonce), nil
}
