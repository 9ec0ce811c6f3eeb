package entitlement

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// conflictStore runs each update and then reports ErrConflict for the next
// n of them, so those attempts commit nothing. between runs once after the
// first reported conflict and stands in for the competing writer.
type conflictStore struct {
	*MemoryStore
	n       int
	between func()
	calls   int
}

func (s *conflictStore) Update(ctx context.Context, key string, fn func(tx Tx) error) error {
	s.calls++
	conflict := false
	err := s.MemoryStore.Update(ctx, key, func(tx Tx) error {
		if err := fn(tx); err != nil {
			return err
		}
		if s.n > 0 {
			s.n--
			conflict = true
			return ErrConflict
		}
		return nil
	})
	if conflict && s.between != nil {
		s.between()
		s.between = nil
	}
	return err
}

func newConflictEngine(t *testing.T, opts ...Option) (*Engine, *conflictStore, *prometheus.Registry) {
	t.Helper()
	store := &conflictStore{MemoryStore: NewMemoryStore()}
	reg := prometheus.NewRegistry()
	base := []Option{
		WithClock(NewManualClock(testEpoch)),
		WithCatalog(testCatalog()),
		WithRegisterer(reg),
	}
	return New(store, append(base, opts...)...), store, reg
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		var sum float64
		for _, m := range f.GetMetric() {
			sum += m.GetCounter().GetValue()
		}
		return sum
	}
	return 0
}

func TestUpdate_RetriesConflictsWithinBudget(t *testing.T) {
	e, store, reg := newConflictEngine(t, WithMaxRetries(2))
	ctx := context.Background()
	lic := issue(t, e, perpetualProduct)

	store.n = 2
	got, err := e.Suspend(ctx, lic.Key)
	if err != nil {
		t.Fatalf("expected 2 conflicts to be absorbed, got %v", err)
	}
	if got.Status != StatusSuspended {
		t.Errorf("expected suspended, got %s", got.Status)
	}
	if store.calls != 3 {
		t.Errorf("expected 3 store attempts, got %d", store.calls)
	}
	if n := counterValue(t, reg, "cnw_license_store_retries_total"); n != 2 {
		t.Errorf("expected 2 retries recorded, got %v", n)
	}
}

func TestUpdate_TransientPastBudget(t *testing.T) {
	e, store, reg := newConflictEngine(t, WithMaxRetries(2))
	ctx := context.Background()
	lic := issue(t, e, perpetualProduct)

	store.n = 3
	_, err := e.Suspend(ctx, lic.Key)
	if !errors.Is(err, ErrTransient) || KindOf(err) != KindTransient {
		t.Fatalf("expected ErrTransient, got %v", err)
	}
	if !errors.Is(err, ErrConflict) {
		t.Errorf("expected the conflict to stay in the chain, got %v", err)
	}
	if store.calls != 3 {
		t.Errorf("expected 3 store attempts, got %d", store.calls)
	}
	if n := counterValue(t, reg, "cnw_license_store_retries_total"); n != 2 {
		t.Errorf("expected 2 retries recorded, got %v", n)
	}
	stored, _ := e.Store().Get(ctx, lic.Key)
	if stored.Status != StatusActive {
		t.Errorf("expected nothing committed, got status %s", stored.Status)
	}
}

func TestRevoke_RetryRecountsClosedActivations(t *testing.T) {
	var logs bytes.Buffer
	e, store, _ := newConflictEngine(t, WithLogger(zerolog.New(&logs)))
	ctx := context.Background()
	lic := issue(t, e, perpetualProduct)
	for _, fp := range []string{"a", "b"} {
		if _, err := e.Activate(ctx, lic.Key, fp, ActivationContext{}); err != nil {
			t.Fatalf("activate %s: %v", fp, err)
		}
	}

	store.n = 1
	store.between = func() {
		if _, err := e.Deactivate(ctx, lic.Key, "a"); err != nil {
			t.Errorf("concurrent deactivate: %v", err)
		}
	}
	if _, err := e.Revoke(ctx, lic.Key); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if n := activeRows(t, e, lic); n != 0 {
		t.Errorf("expected 0 active rows, got %d", n)
	}
	var line string
	for _, l := range strings.Split(logs.String(), "\n") {
		if strings.Contains(l, "license revoked") {
			line = l
		}
	}
	if !strings.Contains(line, `"closed_activations":1,`) {
		t.Errorf("expected the committed attempt to close 1 activation, got %q", line)
	}
}

func TestDeactivate_RetryResetsClamp(t *testing.T) {
	e, store, reg := newConflictEngine(t, WithStrictInvariants(true))
	ctx := context.Background()
	lic := issue(t, e, perpetualProduct)
	if _, err := e.Activate(ctx, lic.Key, "fp", ActivationContext{}); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	forceCount(t, e, lic.Key, 0)

	// The first attempt sees a zero count; the competing writer repairs it.
	store.n = 1
	store.between = func() { forceCount(t, e, lic.Key, 1) }
	res, err := e.Deactivate(ctx, lic.Key, "fp")
	if err != nil {
		t.Fatalf("expected the committed attempt to be consistent, got %v", err)
	}
	if res.RemainingActivations != 2 {
		t.Errorf("expected remaining 2, got %d", res.RemainingActivations)
	}
	if n := counterValue(t, reg, "cnw_license_invariant_violations_total"); n != 0 {
		t.Errorf("expected no invariant violation, got %v", n)
	}
	if n := counterValue(t, reg, "cnw_license_store_retries_total"); n != 1 {
		t.Errorf("expected 1 retry, got %v", n)
	}
	got, _ := e.Store().Get(ctx, lic.Key)
	if got.ActivationCount != 0 {
		t.Errorf("expected count 0, got %d", got.ActivationCount)
	}
}
