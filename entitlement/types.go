package entitlement

import (
	"context"
	"fmt"
	"time"
)

// License is the entitlement record for one purchased unit.
type License struct {
	ID                   string      `json:"id"`
	Key                  string      `json:"license_key"`
	ProductID            string      `json:"product_id"`
	OrderID              string      `json:"order_id"`
	UserID               string      `json:"user_id,omitempty"`
	CustomerEmail        string      `json:"customer_email,omitempty"`
	CustomerName         string      `json:"customer_name,omitempty"`
	Status               Status      `json:"status"`
	Type                 LicenseType `json:"license_type"`
	MaxActivations       int         `json:"max_activations"`
	ActivationCount      int         `json:"activation_count"`
	ExpiresAt            *time.Time  `json:"expires_at,omitempty"`
	TrialEndsAt          *time.Time  `json:"trial_ends_at,omitempty"`
	GracePeriodEndsAt    *time.Time  `json:"grace_period_ends_at,omitempty"`
	CustomMaxActivations *int        `json:"custom_max_activations,omitempty"`
	CustomExpiresAt      *time.Time  `json:"custom_expires_at,omitempty"`
	CreatedAt            time.Time   `json:"created_at"`
	UpdatedAt            time.Time   `json:"updated_at"`

	// OrderUnit is "order/product/index" for licenses issued from an order
	// event and empty otherwise. Stores keep it unique when set.
	OrderUnit string `json:"order_unit,omitempty"`

	// Version increases on every committed update. Stores without row locks
	// use it for compare-and-swap.
	Version int64 `json:"version"`
}

// EffectiveMaxActivations resolves the activation cap: the per-license
// override, then the issued cap, then the product default, then 1.
func (l *License) EffectiveMaxActivations(productDefault int) int {
	switch {
	case l.CustomMaxActivations != nil && *l.CustomMaxActivations > 0:
		return *l.CustomMaxActivations
	case l.MaxActivations > 0:
		return l.MaxActivations
	case productDefault > 0:
		return productDefault
	default:
		return 1
	}
}

// EffectiveExpiresAt returns the per-license override when set, otherwise
// ExpiresAt. Nil means the license never expires.
func (l *License) EffectiveExpiresAt() *time.Time {
	if l.CustomExpiresAt != nil {
		return l.CustomExpiresAt
	}
	return l.ExpiresAt
}

// Expired reports whether the effective expiration lies before now.
func (l *License) Expired(now time.Time) bool {
	exp := l.EffectiveExpiresAt()
	return exp != nil && exp.Before(now)
}

// Valid is the single validity predicate: active and not expired.
func (l *License) Valid(now time.Time) bool {
	return l.Status == StatusActive && !l.Expired(now)
}

// EffectiveStatus is the status reported to callers. An active license whose
// expiration has passed reports StatusExpired.
func (l *License) EffectiveStatus(now time.Time) Status {
	if l.Status == StatusActive && l.Expired(now) {
		return StatusExpired
	}
	return l.Status
}

// InGracePeriod reports whether a grace window is open at now.
func (l *License) InGracePeriod(now time.Time) bool {
	return l.GracePeriodEndsAt != nil && now.Before(*l.GracePeriodEndsAt)
}

// Activation binds a license to one machine.
type Activation struct {
	ID            string            `json:"id"`
	LicenseID     string            `json:"license_id"`
	Fingerprint   string            `json:"machine_fingerprint"`
	MachineID     string            `json:"machine_id,omitempty"`
	Active        bool              `json:"active"`
	IPAddress     string            `json:"ip_address,omitempty"`
	UserAgent     string            `json:"user_agent,omitempty"`
	SystemInfo    map[string]string `json:"system_info,omitempty"`
	ActivatedAt   time.Time         `json:"activated_at"`
	LastSeenAt    time.Time         `json:"last_seen_at"`
	DeactivatedAt *time.Time        `json:"deactivated_at,omitempty"`
}

// Subscription tracks the recurring billing period of a subscription license.
type Subscription struct {
	ID                 string             `json:"id"`
	LicenseID          string             `json:"license_id"`
	Status             SubscriptionStatus `json:"status"`
	CurrentPeriodStart time.Time          `json:"current_period_start"`
	CurrentPeriodEnd   time.Time          `json:"current_period_end"`
	AutoRenew          bool               `json:"auto_renew"`
	CanceledAt         *time.Time         `json:"canceled_at,omitempty"`
	CreatedAt          time.Time          `json:"created_at"`
	UpdatedAt          time.Time          `json:"updated_at"`
}

// Product is the catalog entry a license is issued from.
type Product struct {
	ID                  string       `json:"id" yaml:"id"`
	Name                string       `json:"name" yaml:"name"`
	MaxActivations      int          `json:"max_activations" yaml:"max_activations"`
	LicenseType         LicenseType  `json:"license_type" yaml:"license_type"`
	LicenseDurationDays int          `json:"license_duration_days" yaml:"license_duration_days"`
	BillingCycle        BillingCycle `json:"billing_cycle,omitempty" yaml:"billing_cycle"`
	TrialDays           int          `json:"trial_days,omitempty" yaml:"trial_days"`
	GracePeriodDays     int          `json:"grace_period_days,omitempty" yaml:"grace_period_days"`
}

// CheckDays returns ErrInvalidArgument when a day count of the product
// exceeds MaxDays.
func (p Product) CheckDays() error {
	fields := []struct {
		name string
		n    int
	}{
		{"license_duration_days", p.LicenseDurationDays},
		{"trial_days", p.TrialDays},
		{"grace_period_days", p.GracePeriodDays},
	}
	for _, f := range fields {
		if f.n > MaxDays {
			return newError(ErrInvalidArgument, "product %q: %s must be at most %d", p.ID, f.name, MaxDays)
		}
	}
	return nil
}

// SupportsSubscription reports whether licenses of this product can carry a
// Subscription.
func (p Product) SupportsSubscription() bool {
	return p.LicenseType == TypeSubscription || p.BillingCycle != ""
}

// Catalog resolves products by ID.
type Catalog interface {
	Product(ctx context.Context, id string) (Product, error)
}

// StaticCatalog is an in-memory Catalog keyed by product ID.
type StaticCatalog map[string]Product

func (c StaticCatalog) Product(_ context.Context, id string) (Product, error) {
	p, ok := c[id]
	if !ok {
		return Product{}, fmt.Errorf("product %q: %w", id, ErrNotFound)
	}
	return p, nil
}

// OrderCompleted is the event emitted by the storefront when an order is paid.
type OrderCompleted struct {
	OrderID       string      `json:"order_id" validate:"required"`
	UserID        string      `json:"user_id,omitempty"`
	CustomerEmail string      `json:"customer_email" validate:"omitempty,email"`
	CustomerName  string      `json:"customer_name,omitempty"`
	Items         []OrderItem `json:"items" validate:"required,min=1,dive"`
}

// OrderItem is one product line of an order.
type OrderItem struct {
	ProductID string `json:"product_id" validate:"required"`
	Quantity  int    `json:"quantity" validate:"min=1"`
}
