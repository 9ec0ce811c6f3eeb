package entitlement

import (
	"context"
	"maps"
	"strings"
	"time"
)

// ActivationContext is the client information recorded with an activation.
type ActivationContext struct {
	MachineID  string
	IPAddress  string
	UserAgent  string
	SystemInfo map[string]string
}

// ActivationResult is returned by a successful Activate.
type ActivationResult struct {
	Activation           Activation   `json:"activation"`
	RemainingActivations int          `json:"remaining_activations"`
	MaxActivations       int          `json:"max_activations"`
	ExpiresAt            *time.Time   `json:"expires_at,omitempty"`
	Certificate          *Certificate `json:"certificate,omitempty"`
}

// DeactivationResult is returned by a successful Deactivate.
type DeactivationResult struct {
	RemainingActivations int `json:"remaining_activations"`
	MaxActivations       int `json:"max_activations"`
}

// Activate binds a machine to a license.
//
// Validity, the duplicate-fingerprint check, the cap check, the row insert
// and the count increment all happen inside one Store.Update, so concurrent
// activations of the same license are serialized and can never push the
// count past the cap. A revoke that commits first makes this call fail with
// ErrInvalidLicense; a revoke that commits later closes the new row.
func (e *Engine) Activate(ctx context.Context, key, fingerprint string, ac ActivationContext) (res ActivationResult, err error) {
	key = NormalizeKey(key)
	fingerprint = strings.TrimSpace(fingerprint)
	ctx, span := e.startSpan(ctx, "entitlement.activate", key)
	defer func() {
		e.metrics.activations.WithLabelValues(outcomeLabel(err)).Inc()
		endSpan(span, err)
	}()

	if fingerprint == "" {
		return ActivationResult{}, newError(ErrInvalidArgument, "machine fingerprint is required")
	}
	cur, err := e.get(ctx, key)
	if err != nil {
		return ActivationResult{}, err
	}
	// Resolved before taking the lock: the catalog may be remote.
	productMax := e.productMaxActivations(ctx, cur.ProductID)

	err = e.update(ctx, key, func(tx Tx) error {
		lic := tx.License()
		now := e.clock.Now()
		if !lic.Valid(now) {
			return newError(ErrInvalidLicense, "license %s", lic.EffectiveStatus(now))
		}
		rows, err := tx.Activations()
		if err != nil {
			return err
		}
		if _, ok := ActiveActivation(rows, fingerprint); ok {
			return ErrAlreadyActivated
		}
		limit := lic.EffectiveMaxActivations(productMax)
		if lic.ActivationCount >= limit {
			return ErrCapExceeded
		}

		act := Activation{
			ID:          newID(),
			LicenseID:   lic.ID,
			Fingerprint: fingerprint,
			MachineID:   ac.MachineID,
			Active:      true,
			IPAddress:   ac.IPAddress,
			UserAgent:   ac.UserAgent,
			SystemInfo:  maps.Clone(ac.SystemInfo),
			ActivatedAt: now,
			LastSeenAt:  now,
		}
		if err := tx.SaveActivation(act); err != nil {
			return err
		}
		lic.ActivationCount++
		lic.UpdatedAt = now
		if err := tx.SaveLicense(lic); err != nil {
			return err
		}
		res = ActivationResult{
			Activation:           act,
			RemainingActivations: limit - lic.ActivationCount,
			MaxActivations:       limit,
			ExpiresAt:            lic.EffectiveExpiresAt(),
		}
		return nil
	})
	if err != nil {
		if KindOf(err) == KindCapExceeded {
			e.log.Debug().Str("license", keyPrefix(key)).Msg("activation rejected: cap reached")
		}
		return ActivationResult{}, err
	}

	if e.signer != nil {
		cert, err := e.signer.Sign(CertificateClaims{
			LicenseKey:  key,
			Fingerprint: fingerprint,
			ProductID:   cur.ProductID,
			LicenseType: cur.Type,
			ExpiresAt:   res.ExpiresAt,
			IssuedAt:    res.Activation.ActivatedAt,
		})
		if err != nil {
			// The activation is committed; a missing certificate only
			// disables offline verification for this client.
			e.log.Error().Err(err).Str("license", keyPrefix(key)).Msg("sign activation certificate")
		} else {
			res.Certificate = &cert
		}
	}
	return res, nil
}

// Deactivate releases a machine's activation and gives the slot back.
//
// The count is decremented but never below zero. Hitting the floor means the
// count and the ledger disagreed; this is logged as an anomaly and, with
// WithStrictInvariants, reported as ErrInvariantViolation after the clamped
// state has been committed.
func (e *Engine) Deactivate(ctx context.Context, key, fingerprint string) (res DeactivationResult, err error) {
	key = NormalizeKey(key)
	fingerprint = strings.TrimSpace(fingerprint)
	ctx, span := e.startSpan(ctx, "entitlement.deactivate", key)
	defer func() {
		e.metrics.deactivations.WithLabelValues(outcomeLabel(err)).Inc()
		endSpan(span, err)
	}()

	if fingerprint == "" {
		return DeactivationResult{}, newError(ErrInvalidArgument, "machine fingerprint is required")
	}
	cur, err := e.get(ctx, key)
	if err != nil {
		return DeactivationResult{}, err
	}
	productMax := e.productMaxActivations(ctx, cur.ProductID)

	var clamped bool
	err = e.update(ctx, key, func(tx Tx) error {
		clamped = false
		lic := tx.License()
		now := e.clock.Now()
		rows, err := tx.Activations()
		if err != nil {
			return err
		}
		act, ok := ActiveActivation(rows, fingerprint)
		if !ok {
			return ErrNotActivated
		}
		act.Active = false
		act.DeactivatedAt = timePtr(now)
		if err := tx.SaveActivation(act); err != nil {
			return err
		}
		if lic.ActivationCount > 0 {
			lic.ActivationCount--
		} else {
			clamped = true
		}
		lic.UpdatedAt = now
		if err := tx.SaveLicense(lic); err != nil {
			return err
		}
		limit := lic.EffectiveMaxActivations(productMax)
		res = DeactivationResult{
			RemainingActivations: max(0, limit-lic.ActivationCount),
			MaxActivations:       limit,
		}
		return nil
	})
	if err != nil {
		return DeactivationResult{}, err
	}
	if clamped {
		e.metrics.invariantViolations.Inc()
		e.log.Error().
			Str("license", keyPrefix(key)).
			Str("fingerprint", fingerprint).
			Msg("activation count already zero while an active activation existed; clamped")
		if e.strict {
			return res, ErrInvariantViolation
		}
	}
	return res, nil
}

// Heartbeat records that an activated machine is still in use.
func (e *Engine) Heartbeat(ctx context.Context, key, fingerprint string) (out Activation, err error) {
	key = NormalizeKey(key)
	fingerprint = strings.TrimSpace(fingerprint)
	ctx, span := e.startSpan(ctx, "entitlement.heartbeat", key)
	defer func() { endSpan(span, err) }()

	if fingerprint == "" {
		return Activation{}, newError(ErrInvalidArgument, "machine fingerprint is required")
	}
	err = e.update(ctx, key, func(tx Tx) error {
		rows, err := tx.Activations()
		if err != nil {
			return err
		}
		act, ok := ActiveActivation(rows, fingerprint)
		if !ok {
			return ErrNotActivated
		}
		act.LastSeenAt = e.clock.Now()
		if err := tx.SaveActivation(act); err != nil {
			return err
		}
		out = act
		return nil
	})
	if err != nil {
		return Activation{}, err
	}
	return out, nil
}
