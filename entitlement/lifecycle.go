package entitlement

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// IssueRequest describes one license to issue.
type IssueRequest struct {
	Product       Product
	OrderID       string
	UserID        string
	CustomerEmail string
	CustomerName  string
	// OrderUnit identifies the purchased unit; see License.OrderUnit.
	OrderUnit string
}

// Issue creates an active license for one purchased unit of a product.
// Subscription products also get a Subscription covering the first billing
// period. Key collisions are retried with a fresh key.
func (e *Engine) Issue(ctx context.Context, req IssueRequest) (lic License, err error) {
	ctx, span := tracer.Start(ctx, "entitlement.issue")
	defer func() { endSpan(span, err) }()

	if req.Product.ID == "" || strings.TrimSpace(req.OrderID) == "" {
		return License{}, newError(ErrInvalidArgument, "product and order are required")
	}
	if err := req.Product.CheckDays(); err != nil {
		return License{}, err
	}
	now := e.clock.Now()
	p := req.Product
	lic = License{
		ID:             newID(),
		ProductID:      p.ID,
		OrderID:        req.OrderID,
		OrderUnit:      req.OrderUnit,
		UserID:         req.UserID,
		CustomerEmail:  req.CustomerEmail,
		CustomerName:   req.CustomerName,
		Status:         StatusActive,
		Type:           p.LicenseType,
		MaxActivations: p.MaxActivations,
		CreatedAt:      now,
		UpdatedAt:      now,
		Version:        1,
	}
	if lic.Type == 0 {
		lic.Type = TypePerpetual
	}
	if p.LicenseDurationDays > 0 {
		lic.ExpiresAt = timePtr(now.Add(days(p.LicenseDurationDays)))
	}

	var sub *Subscription
	switch lic.Type {
	case TypeSubscription:
		s := newSubscription(lic.ID, p, now)
		sub = &s
		if lic.ExpiresAt == nil {
			lic.ExpiresAt = timePtr(s.CurrentPeriodEnd)
		}
	case TypeTrial:
		n := p.TrialDays
		if n <= 0 {
			n = e.trialDays
		}
		startTrial(&lic, now, n)
	case TypePerpetual:
	}

	for attempt := 0; attempt < maxKeyAttempts; attempt++ {
		key, err := e.keys.Generate(e.keyFormat)
		if err != nil {
			return License{}, fmt.Errorf("issue license: %w", err)
		}
		lic.Key = key
		err = e.store.Create(ctx, lic, sub)
		if err == nil {
			e.metrics.lifecycle.WithLabelValues("issue").Inc()
			e.log.Info().
				Str("license", keyPrefix(lic.Key)).
				Str("product_id", lic.ProductID).
				Str("order_id", lic.OrderID).
				Stringer("type", lic.Type).
				Msg("license issued")
			return lic, nil
		}
		if !errors.Is(err, ErrDuplicateKey) {
			return License{}, fmt.Errorf("issue license: %w", err)
		}
	}
	return License{}, fmt.Errorf("issue license: no unique key after %d attempts", maxKeyAttempts)
}

// HandleOrderCompleted issues one license per purchased unit of an order.
// Each unit is identified by order, product and a per-product index, and
// stores refuse a second license for the same unit, so redelivering the same
// event, even concurrently, issues nothing new. It returns only the licenses
// issued by this call.
func (e *Engine) HandleOrderCompleted(ctx context.Context, evt OrderCompleted) ([]License, error) {
	if strings.TrimSpace(evt.OrderID) == "" || len(evt.Items) == 0 {
		return nil, newError(ErrInvalidArgument, "order id and items are required")
	}
	existing, err := e.store.ListByOrder(ctx, evt.OrderID)
	if err != nil {
		return nil, fmt.Errorf("list order licenses: %w", err)
	}
	units := make(map[string]bool, len(existing))
	// Licenses stored before units were recorded cover the lowest indexes.
	legacy := make(map[string]int)
	for _, l := range existing {
		if l.OrderUnit != "" {
			units[l.OrderUnit] = true
		} else {
			legacy[l.ProductID]++
		}
	}

	var out []License
	next := make(map[string]int)
	for _, item := range evt.Items {
		if item.Quantity <= 0 {
			continue
		}
		p, err := e.product(ctx, item.ProductID)
		if err != nil {
			return out, err
		}
		for range item.Quantity {
			idx := next[p.ID]
			next[p.ID]++
			unit := orderUnit(evt.OrderID, p.ID, idx)
			if units[unit] {
				continue
			}
			if legacy[p.ID] > 0 {
				legacy[p.ID]--
				continue
			}
			lic, err := e.Issue(ctx, IssueRequest{
				Product:       p,
				OrderID:       evt.OrderID,
				UserID:        evt.UserID,
				CustomerEmail: evt.CustomerEmail,
				CustomerName:  evt.CustomerName,
				OrderUnit:     unit,
			})
			if errors.Is(err, ErrUnitIssued) {
				e.log.Debug().Str("order_id", evt.OrderID).Str("unit", unit).Msg("order unit already issued")
				continue
			}
			if err != nil {
				return out, err
			}
			out = append(out, lic)
		}
	}
	return out, nil
}

func orderUnit(orderID, productID string, idx int) string {
	return fmt.Sprintf("%s/%s/%d", orderID, productID, idx)
}

// IsValid reports whether the license is active and not expired right now.
func (e *Engine) IsValid(ctx context.Context, key string) (bool, error) {
	lic, err := e.get(ctx, NormalizeKey(key))
	if err != nil {
		return false, err
	}
	return lic.Valid(e.clock.Now()), nil
}

func startTrial(lic *License, now time.Time, n int) {
	end := now.Add(days(n))
	lic.Type = TypeTrial
	lic.TrialEndsAt = &end
	// A trial is bounded by its end date through the ordinary expiry check.
	lic.ExpiresAt = timePtr(end)
}

// StartTrial converts a license to a trial ending n days from now. It returns
// false without changing anything when n <= 0.
func (e *Engine) StartTrial(ctx context.Context, key string, n int) (bool, error) {
	if n <= 0 {
		return false, nil
	}
	if err := checkDays(n); err != nil {
		return false, err
	}
	_, err := e.mutate(ctx, "start_trial", key, func(tx Tx, lic *License, now time.Time) error {
		if lic.Status == StatusRevoked {
			return ErrInvalidLicense
		}
		if lic.Type == TypeSubscription {
			return newError(ErrInvalidArgument, "subscription license cannot start a trial")
		}
		startTrial(lic, now, n)
		return nil
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

// StartDefaultTrial starts a trial using the product's trial length, or the
// engine default when the product has none.
func (e *Engine) StartDefaultTrial(ctx context.Context, key string) (bool, error) {
	key = NormalizeKey(key)
	lic, err := e.get(ctx, key)
	if err != nil {
		return false, err
	}
	n := e.trialDays
	if p, err := e.product(ctx, lic.ProductID); err == nil && p.TrialDays > 0 {
		n = p.TrialDays
	}
	return e.StartTrial(ctx, key, n)
}

// ConvertTrialToSubscription ends a trial and turns the license into a
// subscription license. A Subscription is created when the product supports
// one.
func (e *Engine) ConvertTrialToSubscription(ctx context.Context, key string) (License, error) {
	key = NormalizeKey(key)
	cur, err := e.get(ctx, key)
	if err != nil {
		return License{}, err
	}
	p, err := e.product(ctx, cur.ProductID)
	if err != nil {
		return License{}, err
	}
	return e.mutate(ctx, "convert_trial", key, func(tx Tx, lic *License, now time.Time) error {
		if lic.Type != TypeTrial {
			return newError(ErrInvalidArgument, "license is not a trial")
		}
		if lic.Status == StatusRevoked {
			return ErrInvalidLicense
		}
		lic.Type = TypeSubscription
		lic.TrialEndsAt = nil
		lic.ExpiresAt = nil

		if p.SupportsSubscription() {
			sub, err := tx.Subscription()
			if err != nil {
				return err
			}
			if sub == nil {
				s := newSubscription(lic.ID, p, now)
				if err := tx.SaveSubscription(s); err != nil {
					return err
				}
				sub = &s
			}
			lic.ExpiresAt = timePtr(sub.CurrentPeriodEnd)
		}
		if p.LicenseDurationDays > 0 {
			lic.ExpiresAt = timePtr(now.Add(days(p.LicenseDurationDays)))
		}
		return nil
	})
}

// EnterGracePeriod opens a grace window after a failed recurring payment.
// The license stays active; the subscription, if any, is marked past due.
func (e *Engine) EnterGracePeriod(ctx context.Context, key string) (License, error) {
	key = NormalizeKey(key)
	cur, err := e.get(ctx, key)
	if err != nil {
		return License{}, err
	}
	grace := e.graceDays
	if p, err := e.product(ctx, cur.ProductID); err == nil && p.GracePeriodDays > 0 {
		grace = p.GracePeriodDays
	}
	return e.mutate(ctx, "enter_grace", key, func(tx Tx, lic *License, now time.Time) error {
		if lic.Status == StatusRevoked {
			return ErrInvalidLicense
		}
		lic.GracePeriodEndsAt = timePtr(now.Add(days(grace)))

		sub, err := tx.Subscription()
		if err != nil {
			return err
		}
		if sub != nil && canTransitionSubscription(sub.Status, SubscriptionPastDue) {
			sub.Status = SubscriptionPastDue
			sub.UpdatedAt = now
			return tx.SaveSubscription(*sub)
		}
		return nil
	})
}

// Revoke permanently revokes a license and closes every active activation
// in the same transaction. The activation count is left as a historical
// record. Revoking a revoked license is a no-op.
func (e *Engine) Revoke(ctx context.Context, key string) (License, error) {
	closed := 0
	lic, err := e.mutate(ctx, "revoke", key, func(tx Tx, lic *License, now time.Time) error {
		closed = 0
		if err := transitionStatus(lic, StatusRevoked); err != nil {
			return err
		}
		rows, err := tx.Activations()
		if err != nil {
			return err
		}
		for _, a := range rows {
			if !a.Active {
				continue
			}
			a.Active = false
			a.DeactivatedAt = timePtr(now)
			if err := tx.SaveActivation(a); err != nil {
				return err
			}
			closed++
		}
		return nil
	})
	if err == nil {
		e.log.Info().Str("license", keyPrefix(lic.Key)).Int("closed_activations", closed).Msg("license revoked")
	}
	return lic, err
}

// Suspend blocks a license without touching its activations.
func (e *Engine) Suspend(ctx context.Context, key string) (License, error) {
	lic, err := e.mutate(ctx, "suspend", key, func(_ Tx, lic *License, _ time.Time) error {
		return transitionStatus(lic, StatusSuspended)
	})
	if err == nil {
		e.log.Info().Str("license", keyPrefix(lic.Key)).Msg("license suspended")
	}
	return lic, err
}

// Reactivate returns a suspended license to active.
func (e *Engine) Reactivate(ctx context.Context, key string) (License, error) {
	lic, err := e.mutate(ctx, "reactivate", key, func(_ Tx, lic *License, _ time.Time) error {
		return transitionStatus(lic, StatusActive)
	})
	if err == nil {
		e.log.Info().Str("license", keyPrefix(lic.Key)).Msg("license reactivated")
	}
	return lic, err
}

// Extend pushes the expiration n days further, counting from now when the
// license had no expiration.
func (e *Engine) Extend(ctx context.Context, key string, n int) (License, error) {
	if n <= 0 {
		return License{}, newError(ErrInvalidArgument, "days must be positive")
	}
	if err := checkDays(n); err != nil {
		return License{}, err
	}
	return e.mutate(ctx, "extend", key, func(_ Tx, lic *License, now time.Time) error {
		if lic.Status == StatusRevoked {
			return ErrInvalidLicense
		}
		extendExpiry(lic, days(n), now)
		return nil
	})
}

// extendExpiry adds d to ExpiresAt (from now when unset) and to the custom
// override when one is set, so the effective expiration always moves.
func extendExpiry(lic *License, d time.Duration, now time.Time) {
	base := now
	if lic.ExpiresAt != nil {
		base = *lic.ExpiresAt
	}
	lic.ExpiresAt = timePtr(base.Add(d))
	if lic.CustomExpiresAt != nil {
		lic.CustomExpiresAt = timePtr(lic.CustomExpiresAt.Add(d))
	}
}

// TransferRequest reassigns a license to another customer.
type TransferRequest struct {
	UserID        string
	CustomerEmail string
	CustomerName  string
	// ResetActivations closes every active activation and resets the count.
	ResetActivations bool
}

// Transfer moves a license to a new owner.
func (e *Engine) Transfer(ctx context.Context, key string, req TransferRequest) (License, error) {
	return e.mutate(ctx, "transfer", key, func(tx Tx, lic *License, now time.Time) error {
		if lic.Status == StatusRevoked {
			return ErrInvalidLicense
		}
		lic.UserID = req.UserID
		lic.CustomerEmail = req.CustomerEmail
		lic.CustomerName = req.CustomerName
		if !req.ResetActivations {
			return nil
		}
		rows, err := tx.Activations()
		if err != nil {
			return err
		}
		for _, a := range rows {
			if !a.Active {
				continue
			}
			a.Active = false
			a.DeactivatedAt = timePtr(now)
			if err := tx.SaveActivation(a); err != nil {
				return err
			}
		}
		lic.ActivationCount = 0
		return nil
	})
}

// Overrides are per-license values that take precedence over product
// defaults. A nil field clears the override.
type Overrides struct {
	MaxActivations *int
	ExpiresAt      *time.Time
}

// SetOverrides replaces both per-license overrides. A cap below the current
// activation count is rejected.
func (e *Engine) SetOverrides(ctx context.Context, key string, o Overrides) (License, error) {
	if o.MaxActivations != nil && *o.MaxActivations <= 0 {
		return License{}, newError(ErrInvalidArgument, "max activations override must be positive")
	}
	return e.mutate(ctx, "overrides", key, func(_ Tx, lic *License, _ time.Time) error {
		if o.MaxActivations != nil && *o.MaxActivations < lic.ActivationCount {
			return newError(ErrInvalidArgument, "max activations override %d is below %d current activations",
				*o.MaxActivations, lic.ActivationCount)
		}
		lic.CustomMaxActivations = o.MaxActivations
		lic.CustomExpiresAt = o.ExpiresAt
		return nil
	})
}

// LicenseDetails is the administrative view of one license.
type LicenseDetails struct {
	License      License       `json:"license"`
	Activations  []Activation  `json:"activations"`
	Subscription *Subscription `json:"subscription,omitempty"`
	Valid        bool          `json:"valid"`
	Status       Status        `json:"effective_status"`
}

// Inspect returns a license with its activations and subscription.
func (e *Engine) Inspect(ctx context.Context, key string) (LicenseDetails, error) {
	lic, err := e.get(ctx, NormalizeKey(key))
	if err != nil {
		return LicenseDetails{}, err
	}
	rows, err := e.store.Activations(ctx, lic.ID)
	if err != nil {
		return LicenseDetails{}, fmt.Errorf("list activations: %w", err)
	}
	sub, err := e.store.Subscription(ctx, lic.ID)
	if err != nil {
		return LicenseDetails{}, fmt.Errorf("get subscription: %w", err)
	}
	now := e.clock.Now()
	return LicenseDetails{
		License:      lic,
		Activations:  rows,
		Subscription: sub,
		Valid:        lic.Valid(now),
		Status:       lic.EffectiveStatus(now),
	}, nil
}

// PurgeRevoked physically deletes revoked licenses not updated within
// olderThan. This is the only path that deletes licenses.
func (e *Engine) PurgeRevoked(ctx context.Context, olderThan time.Duration) (int, error) {
	if olderThan < 0 {
		return 0, newError(ErrInvalidArgument, "older than must not be negative")
	}
	n, err := e.store.PurgeRevoked(ctx, e.clock.Now().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("purge revoked licenses: %w", err)
	}
	if n > 0 {
		e.log.Info().Int("purged", n).Msg("revoked licenses purged")
	}
	return n, nil
}

// mutate runs a license mutation under the store lock. fn edits lic in
// place; the license is saved with a fresh UpdatedAt when fn returns nil.
func (e *Engine) mutate(ctx context.Context, op, key string, fn func(tx Tx, lic *License, now time.Time) error) (out License, err error) {
	key = NormalizeKey(key)
	ctx, span := e.startSpan(ctx, "entitlement."+op, key)
	defer func() { endSpan(span, err) }()

	err = e.update(ctx, key, func(tx Tx) error {
		lic := tx.License()
		now := e.clock.Now()
		if err := fn(tx, &lic, now); err != nil {
			return err
		}
		lic.UpdatedAt = now
		if err := tx.SaveLicense(lic); err != nil {
			return err
		}
		out = lic
		return nil
	})
	if err != nil {
		return License{}, err
	}
	e.metrics.lifecycle.WithLabelValues(op).Inc()
	return out, nil
}

// transitionStatus applies an administrative status change. Revoked is
// terminal; moving to the current status is a no-op.
func transitionStatus(lic *License, to Status) error {
	from := lic.Status
	if from == to {
		return nil
	}
	switch from {
	case StatusActive:
		switch to {
		case StatusSuspended, StatusRevoked:
			lic.Status = to
			return nil
		}
	case StatusSuspended:
		switch to {
		case StatusActive, StatusRevoked:
			lic.Status = to
			return nil
		}
	case StatusRevoked:
		return newError(ErrInvalidLicense, "license is revoked")
	case StatusExpired:
	}
	return newError(ErrInvalidArgument, "cannot change license status from %s to %s", from, to)
}
