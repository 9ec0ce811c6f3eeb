package entitlement

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Reasons reported by Validate when a license is not usable.
const (
	ReasonNotFound     = "not_found"
	ReasonMalformedKey = "malformed_key"
	ReasonSuspended    = "suspended"
	ReasonRevoked      = "revoked"
	ReasonExpired      = "expired"
)

// ValidationResult is the outcome of Validate. A missing license is a normal
// result with Found == false, not an error.
type ValidationResult struct {
	Found             bool        `json:"found"`
	Valid             bool        `json:"valid"`
	Reason            string      `json:"reason,omitempty"`
	Status            Status      `json:"status,omitempty"`
	Type              LicenseType `json:"license_type,omitempty"`
	ProductID         string      `json:"product_id,omitempty"`
	ExpiresAt         *time.Time  `json:"expires_at,omitempty"`
	TrialEndsAt       *time.Time  `json:"trial_ends_at,omitempty"`
	GracePeriodEndsAt *time.Time  `json:"grace_period_ends_at,omitempty"`
	InGracePeriod     bool        `json:"in_grace_period"`
	ActivationsUsed   int         `json:"activations_used"`
	MaxActivations    int         `json:"max_activations"`

	// Activated is only meaningful when a fingerprint was supplied: it
	// reports whether that machine holds an active activation.
	Activated bool `json:"activated"`
}

// Validate checks a license without changing it. When fingerprint is not
// empty the result also reports whether that machine is activated; this
// does not affect Valid, which is license-wide.
func (e *Engine) Validate(ctx context.Context, key, fingerprint string) (ValidationResult, error) {
	key = NormalizeKey(key)
	fingerprint = strings.TrimSpace(fingerprint)
	if !ValidFormat(key) {
		return ValidationResult{Reason: ReasonMalformedKey}, nil
	}

	lic, err := e.store.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return ValidationResult{Reason: ReasonNotFound}, nil
	}
	if err != nil {
		return ValidationResult{}, fmt.Errorf("validate license: %w", err)
	}

	now := e.clock.Now()
	status := lic.EffectiveStatus(now)
	res := ValidationResult{
		Found:             true,
		Valid:             lic.Valid(now),
		Status:            status,
		Type:              lic.Type,
		ProductID:         lic.ProductID,
		ExpiresAt:         lic.EffectiveExpiresAt(),
		TrialEndsAt:       lic.TrialEndsAt,
		GracePeriodEndsAt: lic.GracePeriodEndsAt,
		InGracePeriod:     lic.InGracePeriod(now),
		ActivationsUsed:   lic.ActivationCount,
		MaxActivations:    lic.EffectiveMaxActivations(e.productMaxActivations(ctx, lic.ProductID)),
	}
	if !res.Valid {
		res.Reason = invalidReason(status)
	}

	if fingerprint != "" {
		rows, err := e.store.Activations(ctx, lic.ID)
		if err != nil {
			return ValidationResult{}, fmt.Errorf("validate license: %w", err)
		}
		_, res.Activated = ActiveActivation(rows, fingerprint)
	}
	return res, nil
}

func invalidReason(s Status) string {
	switch s {
	case StatusSuspended:
		return ReasonSuspended
	case StatusRevoked:
		return ReasonRevoked
	case StatusExpired:
		return ReasonExpired
	case StatusActive:
	}
	return ""
}
