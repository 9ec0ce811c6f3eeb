package entitlement

import (
	"context"
	"fmt"
	"maps"
	"sync"
	"time"
)

// MemoryStore is an in-process Store. Each license has its own mutex, so
// updates of one license are serialized while different licenses proceed in
// parallel. It is intended for tests and single-instance development.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*memRecord // by license key
	byID    map[string]string     // license ID -> key
	units   map[string]string     // order unit -> key
}

type memRecord struct {
	mu          sync.Mutex
	license     License
	activations []Activation
	sub         *Subscription
	deleted     bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*memRecord),
		byID:    make(map[string]string),
		units:   make(map[string]string),
	}
}

func (s *MemoryStore) Create(_ context.Context, lic License, sub *Subscription) error {
	if !lic.Status.Storable() {
		return fmt.Errorf("create license: status %s cannot be stored", lic.Status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[lic.Key]; ok {
		return fmt.Errorf("create license: %w", ErrDuplicateKey)
	}
	if lic.OrderUnit != "" {
		if _, ok := s.units[lic.OrderUnit]; ok {
			return fmt.Errorf("create license: %w", ErrUnitIssued)
		}
		s.units[lic.OrderUnit] = lic.Key
	}
	rec := &memRecord{license: lic}
	if sub != nil {
		c := *sub
		rec.sub = &c
	}
	s.records[lic.Key] = rec
	s.byID[lic.ID] = lic.Key
	return nil
}

func (s *MemoryStore) record(key string) (*memRecord, error) {
	s.mu.RLock()
	rec, ok := s.records[key]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return rec, nil
}

func (s *MemoryStore) recordByID(id string) (*memRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s.records[key], nil
}

func (s *MemoryStore) Get(_ context.Context, key string) (License, error) {
	rec, err := s.record(key)
	if err != nil {
		return License{}, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.license, nil
}

func (s *MemoryStore) Activations(_ context.Context, licenseID string) ([]Activation, error) {
	rec, err := s.recordByID(licenseID)
	if err != nil {
		return nil, nil
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return cloneActivations(rec.activations), nil
}

func (s *MemoryStore) Subscription(_ context.Context, licenseID string) (*Subscription, error) {
	rec, err := s.recordByID(licenseID)
	if err != nil {
		return nil, nil
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.sub == nil {
		return nil, nil
	}
	c := *rec.sub
	return &c, nil
}

func (s *MemoryStore) ListByOrder(_ context.Context, orderID string) ([]License, error) {
	s.mu.RLock()
	recs := make([]*memRecord, 0, len(s.records))
	for _, rec := range s.records {
		recs = append(recs, rec)
	}
	s.mu.RUnlock()

	var out []License
	for _, rec := range recs {
		rec.mu.Lock()
		if rec.license.OrderID == orderID && !rec.deleted {
			out = append(out, rec.license)
		}
		rec.mu.Unlock()
	}
	return out, nil
}

func (s *MemoryStore) Update(_ context.Context, key string, fn func(tx Tx) error) error {
	rec, err := s.record(key)
	if err != nil {
		return err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.deleted {
		return ErrNotFound
	}

	tx := &memTx{
		license:     rec.license,
		activations: cloneActivations(rec.activations),
	}
	if rec.sub != nil {
		c := *rec.sub
		tx.sub = &c
	}
	if err := fn(tx); err != nil {
		return err
	}
	if tx.licenseDirty {
		tx.license.Version = rec.license.Version + 1
		rec.license = tx.license
	}
	rec.activations = tx.activations
	rec.sub = tx.sub
	return nil
}

func (s *MemoryStore) PurgeRevoked(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for key, rec := range s.records {
		rec.mu.Lock()
		if rec.license.Status == StatusRevoked && rec.license.UpdatedAt.Before(cutoff) {
			rec.deleted = true
			delete(s.records, key)
			delete(s.byID, rec.license.ID)
			if rec.license.OrderUnit != "" {
				delete(s.units, rec.license.OrderUnit)
			}
			n++
		}
		rec.mu.Unlock()
	}
	return n, nil
}

func (s *MemoryStore) Close(_ context.Context) error {
	return nil
}

type memTx struct {
	license      License
	licenseDirty bool
	activations  []Activation
	sub          *Subscription
}

func (t *memTx) License() License { return t.license }

func (t *memTx) SaveLicense(lic License) error {
	if !lic.Status.Storable() {
		return fmt.Errorf("save license: status %s cannot be stored", lic.Status)
	}
	t.license = lic
	t.licenseDirty = true
	return nil
}

func (t *memTx) Activations() ([]Activation, error) {
	return cloneActivations(t.activations), nil
}

func (t *memTx) SaveActivation(act Activation) error {
	for i := range t.activations {
		if t.activations[i].ID == act.ID {
			t.activations[i] = cloneActivation(act)
			return nil
		}
	}
	t.activations = append(t.activations, cloneActivation(act))
	return nil
}

func (t *memTx) Subscription() (*Subscription, error) {
	if t.sub == nil {
		return nil, nil
	}
	c := *t.sub
	return &c, nil
}

func (t *memTx) SaveSubscription(sub Subscription) error {
	t.sub = &sub
	return nil
}

func cloneActivation(a Activation) Activation {
	a.SystemInfo = maps.Clone(a.SystemInfo)
	return a
}

func cloneActivations(in []Activation) []Activation {
	if in == nil {
		return nil
	}
	out := make([]Activation, len(in))
	for i, a := range in {
		out[i] = cloneActivation(a)
	}
	return out
}
