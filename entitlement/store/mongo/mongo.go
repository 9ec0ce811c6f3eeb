// Package mongo implements entitlement.Store on MongoDB.
//
// A license is one document that embeds its activations and subscription.
// Update reads the document, applies the mutation in memory and replaces it
// only if its version is unchanged; a lost race returns
// entitlement.ErrConflict and the engine retries.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"regexp"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/CloudNativeWorks/cnw-license-server/entitlement"
)

const defaultCollection = "cnw_licenses"

// validCollectionName matches safe MongoDB collection names.
var validCollectionName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Option configures a Store.
type Option func(*Store)

// WithCollectionName sets the collection name. Default: "cnw_licenses".
func WithCollectionName(name string) Option {
	return func(s *Store) {
		s.collectionName = name
	}
}

// Store is a MongoDB-backed entitlement.Store.
type Store struct {
	collection     *mongo.Collection
	collectionName string
}

var _ entitlement.Store = (*Store)(nil)

// New creates the store and its indexes. The caller owns the database.
func New(ctx context.Context, db *mongo.Database, opts ...Option) (*Store, error) {
	s := &Store{collectionName: defaultCollection}
	for _, opt := range opts {
		opt(s)
	}
	if !validCollectionName.MatchString(s.collectionName) {
		return nil, fmt.Errorf("invalid collection name %q: must match [a-zA-Z_][a-zA-Z0-9_]*", s.collectionName)
	}
	s.collection = db.Collection(s.collectionName)

	if err := s.ensureIndexes(ctx); err != nil {
		return nil, fmt.Errorf("create indexes: %w", err)
	}
	return s, nil
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	indexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "license_key", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "order_id", Value: 1}},
		},
		{
			Keys:    bson.D{{Key: "order_unit", Value: 1}},
			Options: options.Index().SetUnique(true).SetSparse(true),
		},
		{
			Keys: bson.D{
				{Key: "status", Value: 1},
				{Key: "updated_at", Value: 1},
			},
		},
	}
	_, err := s.collection.Indexes().CreateMany(ctx, indexes)
	return err
}

func (s *Store) Close(_ context.Context) error {
	return nil // the caller manages the mongo.Database lifecycle
}

// Drop removes the collection. Intended for tests.
func (s *Store) Drop(ctx context.Context) error {
	return s.collection.Drop(ctx)
}

type licenseDoc struct {
	ID                   string           `bson:"_id"`
	Key                  string           `bson:"license_key"`
	ProductID            string           `bson:"product_id"`
	OrderID              string           `bson:"order_id"`
	OrderUnit            string           `bson:"order_unit,omitempty"`
	UserID               string           `bson:"user_id,omitempty"`
	CustomerEmail        string           `bson:"customer_email,omitempty"`
	CustomerName         string           `bson:"customer_name,omitempty"`
	Status               string           `bson:"status"`
	Type                 string           `bson:"license_type"`
	MaxActivations       int              `bson:"max_activations"`
	ActivationCount      int              `bson:"activation_count"`
	ExpiresAt            *time.Time       `bson:"expires_at,omitempty"`
	TrialEndsAt          *time.Time       `bson:"trial_ends_at,omitempty"`
	GracePeriodEndsAt    *time.Time       `bson:"grace_period_ends_at,omitempty"`
	CustomMaxActivations *int             `bson:"custom_max_activations,omitempty"`
	CustomExpiresAt      *time.Time       `bson:"custom_expires_at,omitempty"`
	CreatedAt            time.Time        `bson:"created_at"`
	UpdatedAt            time.Time        `bson:"updated_at"`
	Version              int64            `bson:"version"`
	Activations          []activationDoc  `bson:"activations"`
	Subscription         *subscriptionDoc `bson:"subscription,omitempty"`
}

type activationDoc struct {
	ID            string            `bson:"id"`
	Fingerprint   string            `bson:"fingerprint"`
	MachineID     string            `bson:"machine_id,omitempty"`
	Active        bool              `bson:"active"`
	IPAddress     string            `bson:"ip_address,omitempty"`
	UserAgent     string            `bson:"user_agent,omitempty"`
	SystemInfo    map[string]string `bson:"system_info,omitempty"`
	ActivatedAt   time.Time         `bson:"activated_at"`
	LastSeenAt    time.Time         `bson:"last_seen_at"`
	DeactivatedAt *time.Time        `bson:"deactivated_at,omitempty"`
}

type subscriptionDoc struct {
	ID                 string     `bson:"id"`
	Status             string     `bson:"status"`
	CurrentPeriodStart time.Time  `bson:"current_period_start"`
	CurrentPeriodEnd   time.Time  `bson:"current_period_end"`
	AutoRenew          bool       `bson:"auto_renew"`
	CanceledAt         *time.Time `bson:"canceled_at,omitempty"`
	CreatedAt          time.Time  `bson:"created_at"`
	UpdatedAt          time.Time  `bson:"updated_at"`
}

func (s *Store) Create(ctx context.Context, lic entitlement.License, sub *entitlement.Subscription) error {
	if !lic.Status.Storable() {
		return fmt.Errorf("create license: status %s cannot be stored", lic.Status)
	}
	doc := fromLicense(lic)
	doc.Activations = []activationDoc{}
	if sub != nil {
		doc.Subscription = fromSubscription(*sub)
	}
	if _, err := s.collection.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			if strings.Contains(err.Error(), "order_unit") {
				return fmt.Errorf("create license: %w", entitlement.ErrUnitIssued)
			}
			return fmt.Errorf("create license: %w", entitlement.ErrDuplicateKey)
		}
		return fmt.Errorf("create license: %w", err)
	}
	return nil
}

func (s *Store) find(ctx context.Context, filter bson.M) (*licenseDoc, error) {
	var doc licenseDoc
	err := s.collection.FindOne(ctx, filter).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, entitlement.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find license: %w", err)
	}
	return &doc, nil
}

func (s *Store) Get(ctx context.Context, key string) (entitlement.License, error) {
	doc, err := s.find(ctx, bson.M{"license_key": key})
	if err != nil {
		return entitlement.License{}, err
	}
	return doc.license()
}

func (s *Store) Activations(ctx context.Context, licenseID string) ([]entitlement.Activation, error) {
	doc, err := s.find(ctx, bson.M{"_id": licenseID})
	if errors.Is(err, entitlement.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return doc.activations(), nil
}

func (s *Store) Subscription(ctx context.Context, licenseID string) (*entitlement.Subscription, error) {
	doc, err := s.find(ctx, bson.M{"_id": licenseID})
	if errors.Is(err, entitlement.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return doc.subscription()
}

func (s *Store) ListByOrder(ctx context.Context, orderID string) ([]entitlement.License, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}})
	cursor, err := s.collection.Find(ctx, bson.M{"order_id": orderID}, opts)
	if err != nil {
		return nil, fmt.Errorf("list licenses by order: %w", err)
	}
	var docs []licenseDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode licenses: %w", err)
	}
	out := make([]entitlement.License, 0, len(docs))
	for i := range docs {
		lic, err := docs[i].license()
		if err != nil {
			return nil, err
		}
		out = append(out, lic)
	}
	return out, nil
}

func (s *Store) Update(ctx context.Context, key string, fn func(tx entitlement.Tx) error) error {
	doc, err := s.find(ctx, bson.M{"license_key": key})
	if err != nil {
		return err
	}
	lic, err := doc.license()
	if err != nil {
		return err
	}
	sub, err := doc.subscription()
	if err != nil {
		return err
	}
	tx := &docTx{license: lic, activations: doc.activations(), sub: sub}
	if err := fn(tx); err != nil {
		return err
	}
	if !tx.dirty {
		return nil
	}

	next := fromLicense(tx.license)
	next.Version = doc.Version + 1
	next.Activations = make([]activationDoc, 0, len(tx.activations))
	for _, a := range tx.activations {
		next.Activations = append(next.Activations, fromActivation(a))
	}
	if tx.sub != nil {
		next.Subscription = fromSubscription(*tx.sub)
	}

	res, err := s.collection.ReplaceOne(ctx, bson.M{"_id": doc.ID, "version": doc.Version}, next)
	if err != nil {
		return fmt.Errorf("replace license: %w", err)
	}
	if res.MatchedCount == 0 {
		return entitlement.ErrConflict
	}
	return nil
}

func (s *Store) PurgeRevoked(ctx context.Context, cutoff time.Time) (int, error) {
	result, err := s.collection.DeleteMany(ctx, bson.M{
		"status":     entitlement.StatusRevoked.String(),
		"updated_at": bson.M{"$lt": cutoff},
	})
	if err != nil {
		return 0, fmt.Errorf("purge revoked licenses: %w", err)
	}
	return int(result.DeletedCount), nil
}

// docTx buffers changes to one license document until Update replaces it.
type docTx struct {
	license     entitlement.License
	activations []entitlement.Activation
	sub         *entitlement.Subscription
	dirty       bool
}

func (t *docTx) License() entitlement.License { return t.license }

func (t *docTx) SaveLicense(lic entitlement.License) error {
	if !lic.Status.Storable() {
		return fmt.Errorf("save license: status %s cannot be stored", lic.Status)
	}
	t.license = lic
	t.dirty = true
	return nil
}

func (t *docTx) Activations() ([]entitlement.Activation, error) {
	out := make([]entitlement.Activation, len(t.activations))
	for i, a := range t.activations {
		a.SystemInfo = maps.Clone(a.SystemInfo)
		out[i] = a
	}
	return out, nil
}

func (t *docTx) SaveActivation(act entitlement.Activation) error {
	act.SystemInfo = maps.Clone(act.SystemInfo)
	t.dirty = true
	for i := range t.activations {
		if t.activations[i].ID == act.ID {
			t.activations[i] = act
			return nil
		}
	}
	t.activations = append(t.activations, act)
	return nil
}

func (t *docTx) Subscription() (*entitlement.Subscription, error) {
	if t.sub == nil {
		return nil, nil
	}
	c := *t.sub
	return &c, nil
}

func (t *docTx) SaveSubscription(sub entitlement.Subscription) error {
	t.sub = &sub
	t.dirty = true
	return nil
}

func fromLicense(l entitlement.License) licenseDoc {
	return licenseDoc{
		ID:                   l.ID,
		Key:                  l.Key,
		ProductID:            l.ProductID,
		OrderID:              l.OrderID,
		OrderUnit:            l.OrderUnit,
		UserID:               l.UserID,
		CustomerEmail:        l.CustomerEmail,
		CustomerName:         l.CustomerName,
		Status:               l.Status.String(),
		Type:                 l.Type.String(),
		MaxActivations:       l.MaxActivations,
		ActivationCount:      l.ActivationCount,
		ExpiresAt:            l.ExpiresAt,
		TrialEndsAt:          l.TrialEndsAt,
		GracePeriodEndsAt:    l.GracePeriodEndsAt,
		CustomMaxActivations: l.CustomMaxActivations,
		CustomExpiresAt:      l.CustomExpiresAt,
		CreatedAt:            l.CreatedAt,
		UpdatedAt:            l.UpdatedAt,
		Version:              l.Version,
	}
}

func (d *licenseDoc) license() (entitlement.License, error) {
	status, err := entitlement.ParseStatus(d.Status)
	if err != nil {
		return entitlement.License{}, err
	}
	typ, err := entitlement.ParseLicenseType(d.Type)
	if err != nil {
		return entitlement.License{}, err
	}
	return entitlement.License{
		ID:                   d.ID,
		Key:                  d.Key,
		ProductID:            d.ProductID,
		OrderID:              d.OrderID,
		OrderUnit:            d.OrderUnit,
		UserID:               d.UserID,
		CustomerEmail:        d.CustomerEmail,
		CustomerName:         d.CustomerName,
		Status:               status,
		Type:                 typ,
		MaxActivations:       d.MaxActivations,
		ActivationCount:      d.ActivationCount,
		ExpiresAt:            utcPtr(d.ExpiresAt),
		TrialEndsAt:          utcPtr(d.TrialEndsAt),
		GracePeriodEndsAt:    utcPtr(d.GracePeriodEndsAt),
		CustomMaxActivations: d.CustomMaxActivations,
		CustomExpiresAt:      utcPtr(d.CustomExpiresAt),
		CreatedAt:            d.CreatedAt.UTC(),
		UpdatedAt:            d.UpdatedAt.UTC(),
		Version:              d.Version,
	}, nil
}

func fromActivation(a entitlement.Activation) activationDoc {
	return activationDoc{
		ID:            a.ID,
		Fingerprint:   a.Fingerprint,
		MachineID:     a.MachineID,
		Active:        a.Active,
		IPAddress:     a.IPAddress,
		UserAgent:     a.UserAgent,
		SystemInfo:    a.SystemInfo,
		ActivatedAt:   a.ActivatedAt,
		LastSeenAt:    a.LastSeenAt,
		DeactivatedAt: a.DeactivatedAt,
	}
}

func (d *licenseDoc) activations() []entitlement.Activation {
	if len(d.Activations) == 0 {
		return nil
	}
	out := make([]entitlement.Activation, len(d.Activations))
	for i, a := range d.Activations {
		out[i] = entitlement.Activation{
			ID:            a.ID,
			LicenseID:     d.ID,
			Fingerprint:   a.Fingerprint,
			MachineID:     a.MachineID,
			Active:        a.Active,
			IPAddress:     a.IPAddress,
			UserAgent:     a.UserAgent,
			SystemInfo:    a.SystemInfo,
			ActivatedAt:   a.ActivatedAt.UTC(),
			LastSeenAt:    a.LastSeenAt.UTC(),
			DeactivatedAt: utcPtr(a.DeactivatedAt),
		}
	}
	return out
}

func fromSubscription(s entitlement.Subscription) *subscriptionDoc {
	return &subscriptionDoc{
		ID:                 s.ID,
		Status:             s.Status.String(),
		CurrentPeriodStart: s.CurrentPeriodStart,
		CurrentPeriodEnd:   s.CurrentPeriodEnd,
		AutoRenew:          s.AutoRenew,
		CanceledAt:         s.CanceledAt,
		CreatedAt:          s.CreatedAt,
		UpdatedAt:          s.UpdatedAt,
	}
}

func (d *licenseDoc) subscription() (*entitlement.Subscription, error) {
	if d.Subscription == nil {
		return nil, nil
	}
	status, err := entitlement.ParseSubscriptionStatus(d.Subscription.Status)
	if err != nil {
		return nil, err
	}
	return &entitlement.Subscription{
		ID:                 d.Subscription.ID,
		LicenseID:          d.ID,
		Status:             status,
		CurrentPeriodStart: d.Subscription.CurrentPeriodStart.UTC(),
		CurrentPeriodEnd:   d.Subscription.CurrentPeriodEnd.UTC(),
		AutoRenew:          d.Subscription.AutoRenew,
		CanceledAt:         utcPtr(d.Subscription.CanceledAt),
		CreatedAt:          d.Subscription.CreatedAt.UTC(),
		UpdatedAt:          d.Subscription.UpdatedAt.UTC(),
	}, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
