package entitlement

import (
	"fmt"
	"time"
)

// Status is the stored lifecycle state of a license.
//
// Expiration is not a stored state. StatusExpired only appears in reported
// results (see License.EffectiveStatus) and is rejected by stores.
type Status uint8

const (
	StatusActive Status = iota + 1
	StatusSuspended
	StatusRevoked
	StatusExpired
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusSuspended:
		return "suspended"
	case StatusRevoked:
		return "revoked"
	case StatusExpired:
		return "expired"
	default:
		return fmt.Sprintf("Status(%d)", uint8(s))
	}
}

// Storable reports whether s may be persisted.
func (s Status) Storable() bool {
	switch s {
	case StatusActive, StatusSuspended, StatusRevoked:
		return true
	default:
		return false
	}
}

// ParseStatus parses a stored status. The derived "expired" value is
// accepted so that reported results round-trip through JSON.
func ParseStatus(s string) (Status, error) {
	switch s {
	case "active":
		return StatusActive, nil
	case "suspended":
		return StatusSuspended, nil
	case "revoked":
		return StatusRevoked, nil
	case "expired":
		return StatusExpired, nil
	}
	return 0, fmt.Errorf("unknown license status %q", s)
}

func (s Status) MarshalText() ([]byte, error) {
	if s < StatusActive || s > StatusExpired {
		return nil, fmt.Errorf("invalid license status %d", uint8(s))
	}
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(b []byte) error {
	v, err := ParseStatus(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// LicenseType is the commercial model of a license.
type LicenseType uint8

const (
	TypePerpetual LicenseType = iota + 1
	TypeSubscription
	TypeTrial
)

func (t LicenseType) String() string {
	switch t {
	case TypePerpetual:
		return "perpetual"
	case TypeSubscription:
		return "subscription"
	case TypeTrial:
		return "trial"
	default:
		return fmt.Sprintf("LicenseType(%d)", uint8(t))
	}
}

func ParseLicenseType(s string) (LicenseType, error) {
	switch s {
	case "perpetual":
		return TypePerpetual, nil
	case "subscription":
		return TypeSubscription, nil
	case "trial":
		return TypeTrial, nil
	}
	return 0, fmt.Errorf("unknown license type %q", s)
}

func (t LicenseType) MarshalText() ([]byte, error) {
	if t < TypePerpetual || t > TypeTrial {
		return nil, fmt.Errorf("invalid license type %d", uint8(t))
	}
	return []byte(t.String()), nil
}

func (t *LicenseType) UnmarshalText(b []byte) error {
	v, err := ParseLicenseType(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// SubscriptionStatus is the billing state of a subscription.
type SubscriptionStatus uint8

const (
	SubscriptionActive SubscriptionStatus = iota + 1
	SubscriptionCanceled
	SubscriptionPastDue
	SubscriptionUnpaid
)

func (s SubscriptionStatus) String() string {
	switch s {
	case SubscriptionActive:
		return "active"
	case SubscriptionCanceled:
		return "canceled"
	case SubscriptionPastDue:
		return "past_due"
	case SubscriptionUnpaid:
		return "unpaid"
	default:
		return fmt.Sprintf("SubscriptionStatus(%d)", uint8(s))
	}
}

func ParseSubscriptionStatus(s string) (SubscriptionStatus, error) {
	switch s {
	case "active":
		return SubscriptionActive, nil
	case "canceled":
		return SubscriptionCanceled, nil
	case "past_due":
		return SubscriptionPastDue, nil
	case "unpaid":
		return SubscriptionUnpaid, nil
	}
	return 0, fmt.Errorf("unknown subscription status %q", s)
}

func (s SubscriptionStatus) MarshalText() ([]byte, error) {
	if s < SubscriptionActive || s > SubscriptionUnpaid {
		return nil, fmt.Errorf("invalid subscription status %d", uint8(s))
	}
	return []byte(s.String()), nil
}

func (s *SubscriptionStatus) UnmarshalText(b []byte) error {
	v, err := ParseSubscriptionStatus(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// BillingCycle is how often a subscription product renews.
type BillingCycle string

const (
	BillingMonthly   BillingCycle = "monthly"
	BillingQuarterly BillingCycle = "quarterly"
	BillingYearly    BillingCycle = "yearly"
)

// PeriodEnd returns the end of a billing period that starts at start.
// Unknown cycles are treated as monthly.
func (c BillingCycle) PeriodEnd(start time.Time) time.Time {
	switch c {
	case BillingQuarterly:
		return start.AddDate(0, 3, 0)
	case BillingYearly:
		return start.AddDate(1, 0, 0)
	default:
		return start.AddDate(0, 1, 0)
	}
}
