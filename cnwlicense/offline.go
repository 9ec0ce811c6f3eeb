package cnwlicense

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// OfflineValidator verifies Ed25519-signed activation certificates issued by
// the server on activation.
type OfflineValidator struct {
	trustedPublicKey string // base64-encoded Ed25519 public key
	fingerprint      string
	now              func() time.Time
}

// NewOfflineValidator creates a new offline certificate validator.
func NewOfflineValidator(opts ...OfflineOption) *OfflineValidator {
	v := &OfflineValidator{now: time.Now}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// VerifyFile reads a certificate from disk and verifies it.
func (v *OfflineValidator) VerifyFile(filePath string) (*CertificateClaims, error) {
	raw, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("read certificate: %w", err)
	}
	return v.Verify(raw)
}

// Verify parses a raw JSON certificate and verifies it.
func (v *OfflineValidator) Verify(raw []byte) (*CertificateClaims, error) {
	var cert Certificate
	if err := json.Unmarshal(raw, &cert); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCertificateInvalid, err)
	}
	return v.VerifyCertificate(&cert)
}

// VerifyCertificate checks the signature over the raw claim bytes, the
// machine binding (when a fingerprint is configured) and expiry.
//
// An expired certificate returns its claims together with ErrLicenseExpired
// so callers can still see which license it was.
func (v *OfflineValidator) VerifyCertificate(cert *Certificate) (*CertificateClaims, error) {
	if cert == nil || len(cert.License) == 0 || cert.Signature == "" {
		return nil, ErrCertificateInvalid
	}

	pubKeyBase64 := cert.PublicKey
	if v.trustedPublicKey != "" {
		pubKeyBase64 = v.trustedPublicKey
	}
	if pubKeyBase64 == "" {
		return nil, ErrPublicKeyInvalid
	}
	pubKeyBytes, err := base64.StdEncoding.DecodeString(pubKeyBase64)
	if err != nil {
		return nil, fmt.Errorf("%w: base64 decode: %v", ErrPublicKeyInvalid, err)
	}
	if len(pubKeyBytes) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: key length %d, expected %d", ErrPublicKeyInvalid, len(pubKeyBytes), ed25519.PublicKeySize)
	}

	sigBytes, err := base64.StdEncoding.DecodeString(cert.Signature)
	if err != nil {
		return nil, fmt.Errorf("%w: signature decode: %v", ErrSignatureInvalid, err)
	}
	if !ed25519.Verify(ed25519.PublicKey(pubKeyBytes), cert.License, sigBytes) {
		return nil, ErrSignatureInvalid
	}

	var claims CertificateClaims
	if err := json.Unmarshal(cert.License, &claims); err != nil {
		return nil, fmt.Errorf("%w: parse claims: %v", ErrCertificateInvalid, err)
	}
	if v.fingerprint != "" && claims.Fingerprint != v.fingerprint {
		return nil, ErrFingerprintMismatch
	}
	if claims.ExpiresAt != nil && claims.ExpiresAt.Before(v.now()) {
		return &claims, ErrLicenseExpired
	}
	return &claims, nil
}
