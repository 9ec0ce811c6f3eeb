package entitlement

import (
	"context"
	"errors"
	"testing"
)

func TestRenew_AdvancesByProductDuration(t *testing.T) {
	e, clock := newTestEngine(t)
	ctx := context.Background()
	lic := issue(t, e, subscriptionProduct) // 31-day duration

	start := clock.Now().AddDate(0, 1, 0)
	end := start.AddDate(0, 1, 0)
	res, err := e.Renew(ctx, lic.Key, start, end)
	if err != nil {
		t.Fatalf("Renew: %v", err)
	}

	want := lic.ExpiresAt.Add(31 * day)
	if res.License.ExpiresAt == nil || !res.License.ExpiresAt.Equal(want) {
		t.Errorf("expected expiry %v, got %v", want, res.License.ExpiresAt)
	}
	if res.License.ExpiresAt.Equal(lic.ExpiresAt.Add(30 * day)) {
		t.Error("expected renewal to use the product duration, not a fixed 30 days")
	}
	if !res.Subscription.CurrentPeriodStart.Equal(start) || !res.Subscription.CurrentPeriodEnd.Equal(end) {
		t.Errorf("unexpected period: %v - %v", res.Subscription.CurrentPeriodStart, res.Subscription.CurrentPeriodEnd)
	}

	stored, _ := e.Store().Subscription(ctx, lic.ID)
	if !stored.CurrentPeriodEnd.Equal(end) {
		t.Errorf("expected stored period end %v, got %v", end, stored.CurrentPeriodEnd)
	}
}

func TestRenew_WithoutDurationExpiresAtPeriodEnd(t *testing.T) {
	p := subscriptionProduct
	p.ID = "prod-sub-open"
	p.LicenseDurationDays = 0
	cat := testCatalog()
	cat[p.ID] = p
	e, clock := newTestEngine(t, WithCatalog(cat))
	ctx := context.Background()
	lic := issue(t, e, p)

	start := clock.Now()
	end := start.AddDate(0, 3, 0)
	res, err := e.Renew(ctx, lic.Key, start, end)
	if err != nil {
		t.Fatalf("Renew: %v", err)
	}
	if !res.License.ExpiresAt.Equal(end) {
		t.Errorf("expected expiry at period end %v, got %v", end, res.License.ExpiresAt)
	}
}

func TestRenew_Rejections(t *testing.T) {
	e, clock := newTestEngine(t)
	ctx := context.Background()
	now := clock.Now()

	lic := issue(t, e, subscriptionProduct)
	if _, err := e.Renew(ctx, lic.Key, now, now); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("expected empty period to be rejected, got %v", err)
	}

	perp := issue(t, e, perpetualProduct)
	if _, err := e.Renew(ctx, perp.Key, now, now.Add(day)); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("expected renewal without subscription to fail, got %v", err)
	}

	if _, err := e.Cancel(ctx, lic.Key); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if _, err := e.Renew(ctx, lic.Key, now, now.Add(day)); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("expected canceled subscription renewal to fail, got %v", err)
	}

	revoked := issue(t, e, subscriptionProduct)
	if _, err := e.Revoke(ctx, revoked.Key); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if _, err := e.Renew(ctx, revoked.Key, now, now.Add(day)); !errors.Is(err, ErrInvalidLicense) {
		t.Errorf("expected revoked renewal to fail with ErrInvalidLicense, got %v", err)
	}
}

func TestRenew_ClosesGracePeriod(t *testing.T) {
	e, clock := newTestEngine(t)
	ctx := context.Background()
	lic := issue(t, e, subscriptionProduct)
	if _, err := e.EnterGracePeriod(ctx, lic.Key); err != nil {
		t.Fatalf("EnterGracePeriod: %v", err)
	}

	res, err := e.Renew(ctx, lic.Key, clock.Now(), clock.Now().AddDate(0, 1, 0))
	if err != nil {
		t.Fatalf("Renew: %v", err)
	}
	if res.License.GracePeriodEndsAt != nil {
		t.Errorf("expected grace window closed, got %v", res.License.GracePeriodEndsAt)
	}
	if res.Subscription.Status != SubscriptionActive {
		t.Errorf("expected active subscription, got %s", res.Subscription.Status)
	}
}

func TestCancel(t *testing.T) {
	e, clock := newTestEngine(t)
	ctx := context.Background()
	lic := issue(t, e, subscriptionProduct)

	sub, err := e.Cancel(ctx, lic.Key)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if sub.Status != SubscriptionCanceled || sub.AutoRenew || sub.CanceledAt == nil {
		t.Errorf("unexpected canceled subscription: %+v", sub)
	}
	if !sub.CanceledAt.Equal(clock.Now()) {
		t.Errorf("expected canceled at %v, got %v", clock.Now(), sub.CanceledAt)
	}
	if ok, _ := e.IsValid(ctx, lic.Key); !ok {
		t.Error("expected license to stay valid until it expires")
	}

	again, err := e.Cancel(ctx, lic.Key)
	if err != nil {
		t.Fatalf("second Cancel: %v", err)
	}
	if !again.CanceledAt.Equal(*sub.CanceledAt) {
		t.Error("expected second cancel to be a no-op")
	}

	if _, err := e.MarkPastDue(ctx, lic.Key); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("expected canceled to be terminal, got %v", err)
	}
}

func TestSubscriptionPaymentStates(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	lic := issue(t, e, subscriptionProduct)

	if _, err := e.MarkUnpaid(ctx, lic.Key); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("expected active -> unpaid to be rejected, got %v", err)
	}
	sub, err := e.MarkPastDue(ctx, lic.Key)
	if err != nil || sub.Status != SubscriptionPastDue {
		t.Fatalf("MarkPastDue: %v, %s", err, sub.Status)
	}
	sub, err = e.MarkUnpaid(ctx, lic.Key)
	if err != nil || sub.Status != SubscriptionUnpaid {
		t.Fatalf("MarkUnpaid: %v, %s", err, sub.Status)
	}

	perp := issue(t, e, perpetualProduct)
	if _, err := e.Cancel(ctx, perp.Key); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("expected cancel without subscription to fail, got %v", err)
	}
}

func TestCanTransitionSubscription(t *testing.T) {
	tests := []struct {
		from, to SubscriptionStatus
		want     bool
	}{
		{SubscriptionActive, SubscriptionPastDue, true},
		{SubscriptionActive, SubscriptionCanceled, true},
		{SubscriptionActive, SubscriptionUnpaid, false},
		{SubscriptionPastDue, SubscriptionActive, true},
		{SubscriptionPastDue, SubscriptionUnpaid, true},
		{SubscriptionUnpaid, SubscriptionActive, true},
		{SubscriptionCanceled, SubscriptionActive, false},
		{SubscriptionCanceled, SubscriptionPastDue, false},
	}
	for _, tt := range tests {
		if got := canTransitionSubscription(tt.from, tt.to); got != tt.want {
			t.Errorf("%s -> %s: got %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}
