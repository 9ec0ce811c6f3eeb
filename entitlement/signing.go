package entitlement

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"
)

// CertificateClaims are the signed contents of an activation certificate.
type CertificateClaims struct {
	LicenseKey  string      `json:"license_key"`
	Fingerprint string      `json:"fingerprint"`
	ProductID   string      `json:"product_id"`
	LicenseType LicenseType `json:"license_type"`
	ExpiresAt   *time.Time  `json:"expires_at,omitempty"`
	IssuedAt    time.Time   `json:"issued_at"`
}

// Certificate is a signed activation that clients can verify offline.
// Claims keeps the exact signed bytes.
type Certificate struct {
	Claims    json.RawMessage `json:"license"`
	Signature string          `json:"signature"`
	PublicKey string          `json:"public_key"`
}

// Signer signs activation certificates with an Ed25519 key. The key is
// supplied at construction; nothing is read from the environment.
type Signer struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

// NewSigner builds a Signer from a 32-byte Ed25519 seed.
func NewSigner(seed []byte) (*Signer, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("signing seed length %d, expected %d", len(seed), ed25519.SeedSize)
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &Signer{priv: priv, pub: priv.Public().(ed25519.PublicKey)}, nil
}

// NewSignerFromBase64 builds a Signer from a base64-encoded seed.
func NewSignerFromBase64(seed string) (*Signer, error) {
	raw, err := base64.StdEncoding.DecodeString(seed)
	if err != nil {
		return nil, fmt.Errorf("decode signing seed: %w", err)
	}
	return NewSigner(raw)
}

// PublicKeyBase64 returns the verification key clients should trust.
func (s *Signer) PublicKeyBase64() string {
	return base64.StdEncoding.EncodeToString(s.pub)
}

// Sign marshals claims and signs the resulting bytes.
func (s *Signer) Sign(claims CertificateClaims) (Certificate, error) {
	raw, err := json.Marshal(claims)
	if err != nil {
		return Certificate{}, fmt.Errorf("marshal certificate claims: %w", err)
	}
	sig := ed25519.Sign(s.priv, raw)
	return Certificate{
		Claims:    raw,
		Signature: base64.StdEncoding.EncodeToString(sig),
		PublicKey: s.PublicKeyBase64(),
	}, nil
}
