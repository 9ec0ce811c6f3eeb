package entitlement

import (
	"context"
	"testing"
	"time"
)

var testEpoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

var (
	perpetualProduct = Product{
		ID:             "prod-perpetual",
		Name:           "Desktop Pro",
		MaxActivations: 2,
		LicenseType:    TypePerpetual,
	}
	subscriptionProduct = Product{
		ID:                  "prod-sub",
		Name:                "Cloud Sync",
		MaxActivations:      3,
		LicenseType:         TypeSubscription,
		LicenseDurationDays: 31,
		BillingCycle:        BillingMonthly,
		GracePeriodDays:     5,
	}
	trialProduct = Product{
		ID:             "prod-trial",
		Name:           "Studio",
		MaxActivations: 1,
		LicenseType:    TypeTrial,
		TrialDays:      10,
		BillingCycle:   BillingYearly,
	}
)

func testCatalog() StaticCatalog {
	return StaticCatalog{
		perpetualProduct.ID:    perpetualProduct,
		subscriptionProduct.ID: subscriptionProduct,
		trialProduct.ID:        trialProduct,
	}
}

func newTestEngine(t *testing.T, opts ...Option) (*Engine, *ManualClock) {
	t.Helper()
	clock := NewManualClock(testEpoch)
	base := []Option{WithClock(clock), WithCatalog(testCatalog())}
	return New(NewMemoryStore(), append(base, opts...)...), clock
}

func issue(t *testing.T, e *Engine, p Product) License {
	t.Helper()
	lic, err := e.Issue(context.Background(), IssueRequest{Product: p, OrderID: "ord-" + p.ID})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	return lic
}

func activeRows(t *testing.T, e *Engine, lic License) int {
	t.Helper()
	rows, err := e.Store().Activations(context.Background(), lic.ID)
	if err != nil {
		t.Fatalf("Activations: %v", err)
	}
	return CountActive(rows)
}
