// Package storetest is a conformance suite for entitlement.Store
// implementations. Backend packages call Run from their own tests.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/CloudNativeWorks/cnw-license-server/entitlement"
)

// Factory returns an empty store. It should register its own cleanup.
type Factory func(t *testing.T) entitlement.Store

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// Run exercises every Store method against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("CreateAndGet", func(t *testing.T) { testCreateAndGet(t, newStore(t)) })
	t.Run("DuplicateKey", func(t *testing.T) { testDuplicateKey(t, newStore(t)) })
	t.Run("OrderUnit", func(t *testing.T) { testOrderUnit(t, newStore(t)) })
	t.Run("ConcurrentOrderUnit", func(t *testing.T) { testConcurrentOrderUnit(t, newStore(t)) })
	t.Run("NotFound", func(t *testing.T) { testNotFound(t, newStore(t)) })
	t.Run("UpdateCommits", func(t *testing.T) { testUpdateCommits(t, newStore(t)) })
	t.Run("UpdateRollsBack", func(t *testing.T) { testUpdateRollsBack(t, newStore(t)) })
	t.Run("Subscription", func(t *testing.T) { testSubscription(t, newStore(t)) })
	t.Run("ListByOrder", func(t *testing.T) { testListByOrder(t, newStore(t)) })
	t.Run("PurgeRevoked", func(t *testing.T) { testPurgeRevoked(t, newStore(t)) })
	t.Run("ConcurrentActivations", func(t *testing.T) { testConcurrentActivations(t, newStore(t)) })
}

// NewLicense returns a storable license with a unique key.
func NewLicense(orderID string) entitlement.License {
	id := uuid.NewString()
	exp := epoch.Add(30 * 24 * time.Hour)
	return entitlement.License{
		ID:             id,
		Key:            "TEST-" + id,
		ProductID:      "prod-1",
		OrderID:        orderID,
		CustomerEmail:  "ada@example.com",
		Status:         entitlement.StatusActive,
		Type:           entitlement.TypeSubscription,
		MaxActivations: 2,
		ExpiresAt:      &exp,
		CreatedAt:      epoch,
		UpdatedAt:      epoch,
		Version:        1,
	}
}

func testCreateAndGet(t *testing.T, s entitlement.Store) {
	ctx := context.Background()
	lic := NewLicense("ord-1")
	custom := 5
	lic.CustomMaxActivations = &custom
	require.NoError(t, s.Create(ctx, lic, nil))

	got, err := s.Get(ctx, lic.Key)
	require.NoError(t, err)
	assert.Equal(t, lic.ID, got.ID)
	assert.Equal(t, lic.OrderID, got.OrderID)
	assert.Equal(t, entitlement.StatusActive, got.Status)
	assert.Equal(t, entitlement.TypeSubscription, got.Type)
	require.NotNil(t, got.ExpiresAt)
	assert.True(t, lic.ExpiresAt.Equal(*got.ExpiresAt))
	require.NotNil(t, got.CustomMaxActivations)
	assert.Equal(t, 5, *got.CustomMaxActivations)
	assert.Nil(t, got.TrialEndsAt)

	sub, err := s.Subscription(ctx, lic.ID)
	require.NoError(t, err)
	assert.Nil(t, sub)

	rows, err := s.Activations(ctx, lic.ID)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func testDuplicateKey(t *testing.T, s entitlement.Store) {
	ctx := context.Background()
	lic := NewLicense("ord-1")
	require.NoError(t, s.Create(ctx, lic, nil))

	dup := NewLicense("ord-2")
	dup.Key = lic.Key
	err := s.Create(ctx, dup, nil)
	assert.True(t, errors.Is(err, entitlement.ErrDuplicateKey), "expected ErrDuplicateKey, got %v", err)
}

func testOrderUnit(t *testing.T, s entitlement.Store) {
	ctx := context.Background()
	lic := NewLicense("ord-1")
	lic.OrderUnit = "ord-1/prod-1/0"
	require.NoError(t, s.Create(ctx, lic, nil))

	// Licenses issued outside an order never collide.
	require.NoError(t, s.Create(ctx, NewLicense(""), nil))
	require.NoError(t, s.Create(ctx, NewLicense(""), nil))

	dup := NewLicense("ord-1")
	dup.OrderUnit = lic.OrderUnit
	err := s.Create(ctx, dup, nil)
	assert.True(t, errors.Is(err, entitlement.ErrUnitIssued), "expected ErrUnitIssued, got %v", err)
	_, err = s.Get(ctx, dup.Key)
	assert.True(t, errors.Is(err, entitlement.ErrNotFound), "expected rejected license to be absent, got %v", err)

	require.NoError(t, s.Update(ctx, lic.Key, func(tx entitlement.Tx) error {
		l := tx.License()
		l.CustomerEmail = "grace@example.com"
		return tx.SaveLicense(l)
	}))
	got, err := s.Get(ctx, lic.Key)
	require.NoError(t, err)
	assert.Equal(t, lic.OrderUnit, got.OrderUnit)
}

// testConcurrentOrderUnit races creates for one order unit; exactly one wins.
func testConcurrentOrderUnit(t *testing.T, s entitlement.Store) {
	ctx := context.Background()
	const workers = 8
	var (
		mu       sync.Mutex
		created  int
		rejected int
	)
	var g errgroup.Group
	for range workers {
		g.Go(func() error {
			lic := NewLicense("ord-race")
			lic.OrderUnit = "ord-race/prod-1/0"
			err := s.Create(ctx, lic, nil)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				created++
			case errors.Is(err, entitlement.ErrUnitIssued):
				rejected++
			default:
				return err
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, 1, created)
	assert.Equal(t, workers-1, rejected)

	lics, err := s.ListByOrder(ctx, "ord-race")
	require.NoError(t, err)
	assert.Len(t, lics, 1)
}

func testNotFound(t *testing.T, s entitlement.Store) {
	ctx := context.Background()
	_, err := s.Get(ctx, "NOPE-NOPE-NOPE-NOPE")
	assert.True(t, errors.Is(err, entitlement.ErrNotFound), "Get: expected ErrNotFound, got %v", err)

	err = s.Update(ctx, "NOPE-NOPE-NOPE-NOPE", func(entitlement.Tx) error { return nil })
	assert.True(t, errors.Is(err, entitlement.ErrNotFound), "Update: expected ErrNotFound, got %v", err)
}

func testUpdateCommits(t *testing.T, s entitlement.Store) {
	ctx := context.Background()
	lic := NewLicense("ord-1")
	require.NoError(t, s.Create(ctx, lic, nil))

	act := entitlement.Activation{
		ID:          uuid.NewString(),
		LicenseID:   lic.ID,
		Fingerprint: "fp-1",
		MachineID:   "host-1",
		Active:      true,
		SystemInfo:  map[string]string{"os": "linux"},
		ActivatedAt: epoch,
		LastSeenAt:  epoch,
	}
	err := s.Update(ctx, lic.Key, func(tx entitlement.Tx) error {
		l := tx.License()
		if err := tx.SaveActivation(act); err != nil {
			return err
		}
		l.ActivationCount++
		l.UpdatedAt = epoch.Add(time.Minute)
		return tx.SaveLicense(l)
	})
	require.NoError(t, err)

	got, err := s.Get(ctx, lic.Key)
	require.NoError(t, err)
	assert.Equal(t, 1, got.ActivationCount)
	assert.Greater(t, got.Version, lic.Version)

	rows, err := s.Activations(ctx, lic.ID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "fp-1", rows[0].Fingerprint)
	assert.Equal(t, "linux", rows[0].SystemInfo["os"])
	assert.True(t, rows[0].Active)

	// Saving an existing ID replaces the row.
	err = s.Update(ctx, lic.Key, func(tx entitlement.Tx) error {
		rows, err := tx.Activations()
		if err != nil {
			return err
		}
		a := rows[0]
		a.Active = false
		now := epoch.Add(time.Hour)
		a.DeactivatedAt = &now
		if err := tx.SaveActivation(a); err != nil {
			return err
		}
		l := tx.License()
		l.ActivationCount--
		return tx.SaveLicense(l)
	})
	require.NoError(t, err)

	rows, err = s.Activations(ctx, lic.ID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.False(t, rows[0].Active)
	require.NotNil(t, rows[0].DeactivatedAt)
}

func testUpdateRollsBack(t *testing.T, s entitlement.Store) {
	ctx := context.Background()
	lic := NewLicense("ord-1")
	require.NoError(t, s.Create(ctx, lic, nil))

	boom := errors.New("boom")
	err := s.Update(ctx, lic.Key, func(tx entitlement.Tx) error {
		l := tx.License()
		l.ActivationCount = 9
		if err := tx.SaveLicense(l); err != nil {
			return err
		}
		if err := tx.SaveActivation(entitlement.Activation{
			ID:          uuid.NewString(),
			LicenseID:   lic.ID,
			Fingerprint: "fp",
			Active:      true,
			ActivatedAt: epoch,
			LastSeenAt:  epoch,
		}); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	got, err := s.Get(ctx, lic.Key)
	require.NoError(t, err)
	assert.Equal(t, 0, got.ActivationCount)
	rows, err := s.Activations(ctx, lic.ID)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func testSubscription(t *testing.T, s entitlement.Store) {
	ctx := context.Background()
	lic := NewLicense("ord-1")
	sub := entitlement.Subscription{
		ID:                 uuid.NewString(),
		LicenseID:          lic.ID,
		Status:             entitlement.SubscriptionActive,
		CurrentPeriodStart: epoch,
		CurrentPeriodEnd:   epoch.AddDate(0, 1, 0),
		AutoRenew:          true,
		CreatedAt:          epoch,
		UpdatedAt:          epoch,
	}
	require.NoError(t, s.Create(ctx, lic, &sub))

	got, err := s.Subscription(ctx, lic.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, entitlement.SubscriptionActive, got.Status)
	assert.True(t, got.CurrentPeriodEnd.Equal(sub.CurrentPeriodEnd))

	err = s.Update(ctx, lic.Key, func(tx entitlement.Tx) error {
		cur, err := tx.Subscription()
		if err != nil {
			return err
		}
		cur.Status = entitlement.SubscriptionCanceled
		cur.AutoRenew = false
		now := epoch.Add(time.Hour)
		cur.CanceledAt = &now
		return tx.SaveSubscription(*cur)
	})
	require.NoError(t, err)

	got, err = s.Subscription(ctx, lic.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, entitlement.SubscriptionCanceled, got.Status)
	assert.False(t, got.AutoRenew)
	require.NotNil(t, got.CanceledAt)
}

func testListByOrder(t *testing.T, s entitlement.Store) {
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, s.Create(ctx, NewLicense("ord-a"), nil))
	}
	require.NoError(t, s.Create(ctx, NewLicense("ord-b"), nil))

	got, err := s.ListByOrder(ctx, "ord-a")
	require.NoError(t, err)
	assert.Len(t, got, 3)

	got, err = s.ListByOrder(ctx, "ord-none")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func testPurgeRevoked(t *testing.T, s entitlement.Store) {
	ctx := context.Background()
	old := NewLicense("ord-1")
	old.Status = entitlement.StatusRevoked
	recent := NewLicense("ord-1")
	recent.Status = entitlement.StatusRevoked
	recent.UpdatedAt = epoch.Add(48 * time.Hour)
	live := NewLicense("ord-1")
	for _, l := range []entitlement.License{old, recent, live} {
		require.NoError(t, s.Create(ctx, l, nil))
	}
	require.NoError(t, s.Update(ctx, old.Key, func(tx entitlement.Tx) error {
		return tx.SaveActivation(entitlement.Activation{
			ID:          uuid.NewString(),
			LicenseID:   old.ID,
			Fingerprint: "fp",
			ActivatedAt: epoch,
			LastSeenAt:  epoch,
		})
	}))

	n, err := s.PurgeRevoked(ctx, epoch.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = s.Get(ctx, old.Key)
	assert.True(t, errors.Is(err, entitlement.ErrNotFound), "expected purged license to be gone, got %v", err)
	rows, err := s.Activations(ctx, old.ID)
	require.NoError(t, err)
	assert.Empty(t, rows)

	for _, l := range []entitlement.License{recent, live} {
		_, err := s.Get(ctx, l.Key)
		assert.NoError(t, err)
	}
}

// testConcurrentActivations drives the store directly with the
// check-then-insert sequence the engine uses and verifies that the cap holds.
func testConcurrentActivations(t *testing.T, s entitlement.Store) {
	const (
		limit   = 3
		callers = 16
	)
	ctx := context.Background()
	lic := NewLicense("ord-1")
	lic.MaxActivations = limit
	require.NoError(t, s.Create(ctx, lic, nil))

	var (
		mu      sync.Mutex
		granted int
	)
	var g errgroup.Group
	for i := 0; i < callers; i++ {
		fp := fmt.Sprintf("fp-%d", i)
		g.Go(func() error {
			for {
				won := false
				err := s.Update(ctx, lic.Key, func(tx entitlement.Tx) error {
					won = false
					l := tx.License()
					if l.ActivationCount >= l.MaxActivations {
						return nil
					}
					if err := tx.SaveActivation(entitlement.Activation{
						ID:          uuid.NewString(),
						LicenseID:   l.ID,
						Fingerprint: fp,
						Active:      true,
						ActivatedAt: epoch,
						LastSeenAt:  epoch,
					}); err != nil {
						return err
					}
					l.ActivationCount++
					won = true
					return tx.SaveLicense(l)
				})
				if errors.Is(err, entitlement.ErrConflict) {
					continue
				}
				if err != nil {
					return err
				}
				if won {
					mu.Lock()
					granted++
					mu.Unlock()
				}
				return nil
			}
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, limit, granted)
	got, err := s.Get(ctx, lic.Key)
	require.NoError(t, err)
	assert.Equal(t, limit, got.ActivationCount)
	rows, err := s.Activations(ctx, lic.ID)
	require.NoError(t, err)
	assert.Equal(t, limit, entitlement.CountActive(rows))
}
