package entitlement

import (
	"context"
	"time"
)

// Store persists licenses together with their activations and subscription.
//
// Implementations translate driver errors into ErrNotFound, ErrDuplicateKey,
// ErrUnitIssued and ErrConflict.
type Store interface {
	// Create inserts a license and, when sub is not nil, its subscription.
	// A license with the same key returns ErrDuplicateKey; one with the same
	// non-empty OrderUnit returns ErrUnitIssued.
	Create(ctx context.Context, lic License, sub *Subscription) error

	// Get returns the license with the given key.
	Get(ctx context.Context, key string) (License, error)

	// Activations returns every activation row of a license, oldest first.
	Activations(ctx context.Context, licenseID string) ([]Activation, error)

	// Subscription returns the subscription of a license, or nil.
	Subscription(ctx context.Context, licenseID string) (*Subscription, error)

	// ListByOrder returns all licenses issued for an order.
	ListByOrder(ctx context.Context, orderID string) ([]License, error)

	// Update runs fn with exclusive access to one license. Every write made
	// through tx commits together when fn returns nil, and none of them do
	// otherwise. Concurrent Update calls for the same key are serialized;
	// calls for different keys are not. A lost optimistic race returns
	// ErrConflict, in which case fn may be called again by the caller.
	Update(ctx context.Context, key string, fn func(tx Tx) error) error

	// PurgeRevoked deletes revoked licenses last updated before cutoff,
	// including their activations and subscription, and returns how many
	// licenses were removed.
	PurgeRevoked(ctx context.Context, cutoff time.Time) (int, error)

	// Close releases any resources held by the store.
	Close(ctx context.Context) error
}

// Tx is the view of one locked license inside Store.Update.
type Tx interface {
	// License returns the license as read under the lock, including any
	// change already saved in this transaction.
	License() License
	SaveLicense(lic License) error

	Activations() ([]Activation, error)
	// SaveActivation inserts a new row or replaces the row with the same ID.
	SaveActivation(act Activation) error

	// Subscription returns nil when the license has none.
	Subscription() (*Subscription, error)
	SaveSubscription(sub Subscription) error
}

// ActiveActivation returns the active row for fingerprint, if any.
func ActiveActivation(rows []Activation, fingerprint string) (Activation, bool) {
	for _, a := range rows {
		if a.Active && a.Fingerprint == fingerprint {
			return a, true
		}
	}
	return Activation{}, false
}

// CountActive returns the number of active rows.
func CountActive(rows []Activation) int {
	n := 0
	for _, a := range rows {
		if a.Active {
			n++
		}
	}
	return n
}
