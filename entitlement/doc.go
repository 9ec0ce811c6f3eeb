// Package entitlement is the license entitlement and activation engine of the
// CNW License Server.
//
// It issues license keys, tracks per-machine activations against an
// entitlement cap, enforces the license lifecycle (active, suspended, revoked,
// and the derived expired state) and keeps subscription renewal windows in
// step with license expiry.
//
// # Quick Start
//
//	store := entitlement.NewMemoryStore()
//	eng := entitlement.New(store,
//	    entitlement.WithCatalog(catalog),
//	    entitlement.WithLogger(logger),
//	)
//	lic, err := eng.Issue(ctx, entitlement.IssueRequest{Product: product, OrderID: "ord-1"})
//	res, err := eng.Activate(ctx, lic.Key, "machine-fingerprint", entitlement.ActivationContext{})
//
// # Consistency
//
// Every mutation runs inside Store.Update, which serializes operations on one
// license (row lock or version compare-and-swap, depending on the backend)
// while leaving different licenses independent. Expiration is never stored:
// it is derived from the injected Clock on every check.
package entitlement
