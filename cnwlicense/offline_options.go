package cnwlicense

import "time"

// OfflineOption configures an OfflineValidator.
type OfflineOption func(*OfflineValidator)

// WithTrustedPublicKey sets a trusted Ed25519 public key (base64-encoded).
// When set, the validator uses this key instead of the one embedded in the
// certificate. Production deployments should always set it.
func WithTrustedPublicKey(base64PubKey string) OfflineOption {
	return func(v *OfflineValidator) {
		v.trustedPublicKey = base64PubKey
	}
}

// WithMachineFingerprint rejects certificates issued for any other machine.
func WithMachineFingerprint(fp string) OfflineOption {
	return func(v *OfflineValidator) {
		v.fingerprint = fp
	}
}

// WithClock overrides the time source used for the expiry check.
func WithClock(now func() time.Time) OfflineOption {
	return func(v *OfflineValidator) {
		v.now = now
	}
}
