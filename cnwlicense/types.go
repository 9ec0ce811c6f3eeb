package cnwlicense

import (
	"encoding/json"
	"time"
)

// ValidateRequest is the request body for the /v1/validate endpoint.
type ValidateRequest struct {
	LicenseKey  string `json:"license_key"`
	Fingerprint string `json:"fingerprint,omitempty"`
}

// ValidateResponse is the response from the /v1/validate endpoint.
// The server returns this directly (not wrapped in {data: ...}), including
// for unknown keys, where Found is false.
type ValidateResponse struct {
	Found             bool       `json:"found"`
	Valid             bool       `json:"valid"`
	Reason            string     `json:"reason,omitempty"`
	Status            string     `json:"status,omitempty"`
	LicenseType       string     `json:"license_type,omitempty"`
	ProductID         string     `json:"product_id,omitempty"`
	ExpiresAt         *time.Time `json:"expires_at,omitempty"`
	TrialEndsAt       *time.Time `json:"trial_ends_at,omitempty"`
	GracePeriodEndsAt *time.Time `json:"grace_period_ends_at,omitempty"`
	InGracePeriod     bool       `json:"in_grace_period"`
	ActivationsUsed   int        `json:"activations_used"`
	MaxActivations    int        `json:"max_activations"`
	Activated         bool       `json:"activated"`
}

// ActivateRequest is the request body for the /v1/activate endpoint.
type ActivateRequest struct {
	LicenseKey  string            `json:"license_key"`
	Fingerprint string            `json:"fingerprint"`
	MachineID   string            `json:"machine_id,omitempty"`
	SystemInfo  map[string]string `json:"system_info,omitempty"`
}

// Activation is the activation record returned by the server.
type Activation struct {
	ID            string            `json:"id"`
	LicenseID     string            `json:"license_id"`
	Fingerprint   string            `json:"machine_fingerprint"`
	MachineID     string            `json:"machine_id,omitempty"`
	Active        bool              `json:"active"`
	IPAddress     string            `json:"ip_address,omitempty"`
	UserAgent     string            `json:"user_agent,omitempty"`
	SystemInfo    map[string]string `json:"system_info,omitempty"`
	ActivatedAt   time.Time         `json:"activated_at"`
	LastSeenAt    time.Time         `json:"last_seen_at"`
	DeactivatedAt *time.Time        `json:"deactivated_at,omitempty"`
}

// ActivateResponse is returned by /v1/activate, wrapped in {data: ...}.
// Certificate is present only when the server has a signing key.
type ActivateResponse struct {
	Activation           Activation   `json:"activation"`
	RemainingActivations int          `json:"remaining_activations"`
	MaxActivations       int          `json:"max_activations"`
	ExpiresAt            *time.Time   `json:"expires_at,omitempty"`
	Certificate          *Certificate `json:"certificate,omitempty"`
}

// DeactivateRequest is the request body for /v1/deactivate and /v1/heartbeat.
type DeactivateRequest struct {
	LicenseKey  string `json:"license_key"`
	Fingerprint string `json:"fingerprint"`
}

// HeartbeatRequest is the request body for /v1/heartbeat.
type HeartbeatRequest = DeactivateRequest

// DeactivateResponse is returned by /v1/deactivate, wrapped in {data: ...}.
type DeactivateResponse struct {
	OK                   bool `json:"ok"`
	RemainingActivations int  `json:"remaining_activations"`
	MaxActivations       int  `json:"max_activations"`
}

// Certificate is a signed activation certificate. The License field is kept
// as json.RawMessage to preserve the exact bytes the signature covers.
type Certificate struct {
	License   json.RawMessage `json:"license"`
	Signature string          `json:"signature"`
	PublicKey string          `json:"public_key"`
}

// CertificateClaims is the payload of a Certificate.
type CertificateClaims struct {
	LicenseKey  string     `json:"license_key"`
	Fingerprint string     `json:"fingerprint"`
	ProductID   string     `json:"product_id"`
	LicenseType string     `json:"license_type"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	IssuedAt    time.Time  `json:"issued_at"`
}

// LicenseInfo is the unified result returned by the Manager.
type LicenseInfo struct {
	Valid       bool       `json:"valid"`
	Offline     bool       `json:"offline"`
	LicenseKey  string     `json:"license_key"`
	ProductID   string     `json:"product_id,omitempty"`
	LicenseType string     `json:"license_type,omitempty"`
	Reason      string     `json:"reason,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	Fingerprint string     `json:"fingerprint"`
}
