package entitlement

import (
	"context"
	"testing"
)

func TestValidate(t *testing.T) {
	e, clock := newTestEngine(t)
	ctx := context.Background()
	lic := issue(t, e, subscriptionProduct)

	res, err := e.Validate(ctx, lic.Key, "")
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if !res.Found || !res.Valid || res.Reason != "" {
		t.Errorf("expected found and valid, got %+v", res)
	}
	if res.Status != StatusActive || res.Type != TypeSubscription || res.ProductID != subscriptionProduct.ID {
		t.Errorf("unexpected details: %+v", res)
	}
	if res.MaxActivations != 3 || res.ActivationsUsed != 0 {
		t.Errorf("expected 0 of 3 used, got %d of %d", res.ActivationsUsed, res.MaxActivations)
	}

	clock.Advance(32 * day)
	res, err = e.Validate(ctx, lic.Key, "")
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if res.Valid || res.Status != StatusExpired || res.Reason != ReasonExpired {
		t.Errorf("expected expired by clock, got %+v", res)
	}
	stored, _ := e.Store().Get(ctx, lic.Key)
	if stored.Status != StatusActive {
		t.Errorf("expected stored status to stay active, got %s", stored.Status)
	}
}

func TestValidate_NotFoundAndMalformed(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	res, err := e.Validate(ctx, "ABCD-EFGH-JKLM-NPQR", "")
	if err != nil {
		t.Fatalf("expected no error for unknown key, got %v", err)
	}
	if res.Found || res.Valid || res.Reason != ReasonNotFound {
		t.Errorf("expected not_found result, got %+v", res)
	}

	res, err = e.Validate(ctx, "not-a-key", "")
	if err != nil {
		t.Fatalf("expected no error for malformed key, got %v", err)
	}
	if res.Found || res.Reason != ReasonMalformedKey {
		t.Errorf("expected malformed_key result, got %+v", res)
	}
}

func TestValidate_Reasons(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	suspended := issue(t, e, perpetualProduct)
	if _, err := e.Suspend(ctx, suspended.Key); err != nil {
		t.Fatalf("Suspend: %v", err)
	}
	revoked := issue(t, e, perpetualProduct)
	if _, err := e.Revoke(ctx, revoked.Key); err != nil {
		t.Fatalf("Revoke: %v", err)
	}

	tests := []struct {
		key    string
		reason string
		status Status
	}{
		{suspended.Key, ReasonSuspended, StatusSuspended},
		{revoked.Key, ReasonRevoked, StatusRevoked},
	}
	for _, tt := range tests {
		res, err := e.Validate(ctx, tt.key, "")
		if err != nil {
			t.Fatalf("Validate: %v", err)
		}
		if res.Valid || res.Reason != tt.reason || res.Status != tt.status {
			t.Errorf("expected %s/%s, got %+v", tt.reason, tt.status, res)
		}
	}
}

func TestValidate_Fingerprint(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	lic := issue(t, e, perpetualProduct)

	if _, err := e.Activate(ctx, lic.Key, "fp-a", ActivationContext{}); err != nil {
		t.Fatalf("Activate: %v", err)
	}

	res, err := e.Validate(ctx, lic.Key, "fp-a")
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if !res.Activated || res.ActivationsUsed != 1 {
		t.Errorf("expected fp-a activated with 1 used, got %+v", res)
	}

	res, err = e.Validate(ctx, lic.Key, "fp-b")
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if res.Activated {
		t.Error("expected fp-b not to be activated")
	}
	if !res.Valid {
		t.Error("expected validity to be license-wide")
	}
}

func TestValidate_DoesNotMutate(t *testing.T) {
	e, clock := newTestEngine(t)
	ctx := context.Background()
	lic := issue(t, e, perpetualProduct)
	before, _ := e.Store().Get(ctx, lic.Key)

	clock.Advance(day)
	if _, err := e.Validate(ctx, lic.Key, "fp"); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	after, _ := e.Store().Get(ctx, lic.Key)
	if after.Version != before.Version || !after.UpdatedAt.Equal(before.UpdatedAt) {
		t.Errorf("expected validation to leave the license untouched")
	}
}

func TestValidate_GracePeriod(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	lic := issue(t, e, subscriptionProduct)
	if _, err := e.EnterGracePeriod(ctx, lic.Key); err != nil {
		t.Fatalf("EnterGracePeriod: %v", err)
	}

	res, err := e.Validate(ctx, lic.Key, "")
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if !res.InGracePeriod || res.GracePeriodEndsAt == nil || !res.Valid {
		t.Errorf("expected valid license in grace period, got %+v", res)
	}
}
