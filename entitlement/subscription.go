package entitlement

import (
	"context"
	"time"
)

// subscriptionTransitions lists the allowed subscription status changes.
// Canceled is terminal.
var subscriptionTransitions = map[[2]SubscriptionStatus]bool{
	{SubscriptionActive, SubscriptionPastDue}:   true, // payment failed
	{SubscriptionActive, SubscriptionCanceled}:  true,
	{SubscriptionPastDue, SubscriptionActive}:   true, // payment recovered
	{SubscriptionPastDue, SubscriptionUnpaid}:   true, // retries exhausted
	{SubscriptionPastDue, SubscriptionCanceled}: true,
	{SubscriptionUnpaid, SubscriptionActive}:    true,
	{SubscriptionUnpaid, SubscriptionCanceled}:  true,
}

func canTransitionSubscription(from, to SubscriptionStatus) bool {
	return subscriptionTransitions[[2]SubscriptionStatus{from, to}]
}

func newSubscription(licenseID string, p Product, now time.Time) Subscription {
	return Subscription{
		ID:                 newID(),
		LicenseID:          licenseID,
		Status:             SubscriptionActive,
		CurrentPeriodStart: now,
		CurrentPeriodEnd:   p.BillingCycle.PeriodEnd(now),
		AutoRenew:          true,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
}

// RenewalResult is the committed state after a renewal.
type RenewalResult struct {
	License      License      `json:"license"`
	Subscription Subscription `json:"subscription"`
}

// Renew advances the subscription to [start, end) and, in the same
// transaction, extends the license expiration by the product's license
// duration. When the product has no duration the license expires at end.
// A successful renewal closes any open grace window.
func (e *Engine) Renew(ctx context.Context, key string, start, end time.Time) (res RenewalResult, err error) {
	if !end.After(start) {
		return RenewalResult{}, newError(ErrInvalidArgument, "period end must be after period start")
	}
	key = NormalizeKey(key)
	ctx, span := e.startSpan(ctx, "entitlement.renew", key)
	defer func() { endSpan(span, err) }()

	cur, err := e.get(ctx, key)
	if err != nil {
		return RenewalResult{}, err
	}
	p, err := e.product(ctx, cur.ProductID)
	if err != nil {
		return RenewalResult{}, err
	}

	err = e.update(ctx, key, func(tx Tx) error {
		lic := tx.License()
		now := e.clock.Now()
		if lic.Status == StatusRevoked {
			return ErrInvalidLicense
		}
		sub, err := tx.Subscription()
		if err != nil {
			return err
		}
		if sub == nil {
			return newError(ErrInvalidArgument, "license has no subscription")
		}
		if sub.Status == SubscriptionCanceled {
			return newError(ErrInvalidArgument, "subscription is canceled")
		}

		sub.CurrentPeriodStart = start
		sub.CurrentPeriodEnd = end
		sub.Status = SubscriptionActive
		sub.UpdatedAt = now
		if err := tx.SaveSubscription(*sub); err != nil {
			return err
		}

		if p.LicenseDurationDays > 0 {
			extendExpiry(&lic, days(p.LicenseDurationDays), now)
		} else {
			lic.ExpiresAt = timePtr(end)
		}
		lic.GracePeriodEndsAt = nil
		lic.UpdatedAt = now
		if err := tx.SaveLicense(lic); err != nil {
			return err
		}
		res = RenewalResult{License: lic, Subscription: *sub}
		return nil
	})
	if err != nil {
		return RenewalResult{}, err
	}
	e.metrics.lifecycle.WithLabelValues("renew").Inc()
	e.log.Info().Str("license", keyPrefix(key)).Time("period_end", end).Msg("subscription renewed")
	return res, nil
}

// Cancel ends a subscription and disables auto-renew. The license itself is
// untouched and stays valid until it expires. Canceling twice is a no-op.
func (e *Engine) Cancel(ctx context.Context, key string) (Subscription, error) {
	return e.setSubscriptionStatus(ctx, "cancel", key, SubscriptionCanceled)
}

// MarkPastDue flags a subscription whose payment failed.
func (e *Engine) MarkPastDue(ctx context.Context, key string) (Subscription, error) {
	return e.setSubscriptionStatus(ctx, "past_due", key, SubscriptionPastDue)
}

// MarkUnpaid flags a subscription whose payment retries are exhausted.
func (e *Engine) MarkUnpaid(ctx context.Context, key string) (Subscription, error) {
	return e.setSubscriptionStatus(ctx, "unpaid", key, SubscriptionUnpaid)
}

func (e *Engine) setSubscriptionStatus(ctx context.Context, op, key string, to SubscriptionStatus) (out Subscription, err error) {
	key = NormalizeKey(key)
	ctx, span := e.startSpan(ctx, "entitlement.subscription_"+op, key)
	defer func() { endSpan(span, err) }()

	err = e.update(ctx, key, func(tx Tx) error {
		sub, err := tx.Subscription()
		if err != nil {
			return err
		}
		if sub == nil {
			return newError(ErrInvalidArgument, "license has no subscription")
		}
		if sub.Status == to {
			out = *sub
			return nil
		}
		if !canTransitionSubscription(sub.Status, to) {
			return newError(ErrInvalidArgument, "cannot change subscription from %s to %s", sub.Status, to)
		}
		now := e.clock.Now()
		sub.Status = to
		sub.UpdatedAt = now
		if to == SubscriptionCanceled {
			sub.AutoRenew = false
			sub.CanceledAt = timePtr(now)
		}
		if err := tx.SaveSubscription(*sub); err != nil {
			return err
		}
		out = *sub
		return nil
	})
	if err != nil {
		return Subscription{}, err
	}
	e.metrics.lifecycle.WithLabelValues("subscription_" + op).Inc()
	return out, nil
}
