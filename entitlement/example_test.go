package entitlement_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/CloudNativeWorks/cnw-license-server/entitlement"
)

func ExampleEngine_Activate() {
	product := entitlement.Product{ID: "desktop", Name: "Desktop", MaxActivations: 1}
	eng := entitlement.New(entitlement.NewMemoryStore(),
		entitlement.WithCatalog(entitlement.StaticCatalog{product.ID: product}),
	)
	ctx := context.Background()

	lic, err := eng.Issue(ctx, entitlement.IssueRequest{Product: product, OrderID: "ord-1"})
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	res, err := eng.Activate(ctx, lic.Key, "laptop", entitlement.ActivationContext{})
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	fmt.Printf("Remaining: %d\n", res.RemainingActivations)

	_, err = eng.Activate(ctx, lic.Key, "desktop", entitlement.ActivationContext{})
	fmt.Println(errors.Is(err, entitlement.ErrCapExceeded))
	// Output:
	// Remaining: 0
	// true
}

func ExampleEngine_Validate() {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := entitlement.NewManualClock(start)
	product := entitlement.Product{
		ID:                  "cloud",
		MaxActivations:      3,
		LicenseType:         entitlement.TypeSubscription,
		LicenseDurationDays: 30,
	}
	eng := entitlement.New(entitlement.NewMemoryStore(),
		entitlement.WithClock(clock),
		entitlement.WithKeyGenerator(entitlement.NewKeyGenerator(bytes.NewReader(bytes.Repeat([]byte{5}, 64)))),
	)
	ctx := context.Background()

	lic, _ := eng.Issue(ctx, entitlement.IssueRequest{Product: product, OrderID: "ord-2"})
	res, _ := eng.Validate(ctx, lic.Key, "")
	fmt.Println(lic.Key, res.Valid, res.Status)

	clock.Advance(31 * 24 * time.Hour)
	res, _ = eng.Validate(ctx, lic.Key, "")
	fmt.Println(res.Valid, res.Status, res.Reason)
	// Output:
	// FFFF-FFFF-FFFF-FFFF true active
	// false expired expired
}
