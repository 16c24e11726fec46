package prescription

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
)

// ErrNoSecret is returned when the signing secret is absent. Signing
// never proceeds with an empty key.
var ErrNoSecret = errors.New("signing secret not configured")

// SecretProvider supplies the shared HMAC secret. The secret never
// leaves the service boundary.
type SecretProvider interface {
	Secret() []byte
}

// StaticSecret is a fixed in-memory secret, loaded from configuration.
type StaticSecret []byte

// Secret returns the key bytes.
func (s StaticSecret) Secret() []byte { return s }

// Signer produces and checks detached HMAC-SHA256 signatures over
// canonical payloads. It is stateless and safe for concurrent use.
type Signer struct {
	secrets SecretProvider
}

// NewSigner creates a signer backed by the given secret provider.
func NewSigner(secrets SecretProvider) *Signer {
	return &Signer{secrets: secrets}
}

// Sign builds the canonical payload for a prescription and returns the
// payload bytes with their hex signature. Signing the same prescription
// twice yields identical output: the nonce is fixed at creation and the
// expiry derives from the issue time.
func (s *Signer) Sign(p *SignedPrescription) ([]byte, string, error) {
	data, err := BuildPayload(p).Encode()
	if err != nil {
		return nil, "", err
	}
	sig, err := s.SignBytes(data)
	if err != nil {
		return nil, "", err
	}
	return data, sig, nil
}

// SignBytes computes the hex HMAC-SHA256 signature of raw payload bytes.
func (s *Signer) SignBytes(payload []byte) (string, error) {
	key := s.secrets.Secret()
	if len(key) == 0 {
		return "", ErrNoSecret
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// VerifyBytes reports whether the presented signature matches the
// presented payload bytes. Comparison is constant-time.
func (s *Signer) VerifyBytes(payload []byte, signature string) (bool, error) {
	expected, err := s.SignBytes(payload)
	if err != nil {
		return false, fmt.Errorf("verify signature: %w", err)
	}
	return hmac.Equal([]byte(expected), []byte(signature)), nil
}
