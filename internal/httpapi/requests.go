package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"

	"github.com/CloudNativeWorks/cnw-license-server/entitlement"
)

const maxRequestBytes = 1 << 20 // 1 MB

type validateRequest struct {
	LicenseKey  string `json:"license_key" validate:"required,max=64"`
	Fingerprint string `json:"fingerprint" validate:"max=255"`
}

func (v *validateRequest) Bind(*http.Request) error {
	v.LicenseKey = strings.TrimSpace(v.LicenseKey)
	v.Fingerprint = strings.TrimSpace(v.Fingerprint)
	return nil
}

type activateRequest struct {
	LicenseKey  string            `json:"license_key" validate:"required,max=64"`
	Fingerprint string            `json:"fingerprint" validate:"required,max=255"`
	MachineID   string            `json:"machine_id" validate:"max=255"`
	SystemInfo  map[string]string `json:"system_info" validate:"max=64,dive,keys,max=64,endkeys,max=1024"`
}

func (a *activateRequest) Bind(*http.Request) error {
	a.LicenseKey = strings.TrimSpace(a.LicenseKey)
	a.Fingerprint = strings.TrimSpace(a.Fingerprint)
	return nil
}

// machineRequest is the body of /deactivate and /heartbeat.
type machineRequest struct {
	LicenseKey  string `json:"license_key" validate:"required,max=64"`
	Fingerprint string `json:"fingerprint" validate:"required,max=255"`
}

func (m *machineRequest) Bind(*http.Request) error {
	m.LicenseKey = strings.TrimSpace(m.LicenseKey)
	m.Fingerprint = strings.TrimSpace(m.Fingerprint)
	return nil
}

type orderRequest struct {
	entitlement.OrderCompleted
}

func (o *orderRequest) Bind(*http.Request) error { return nil }

type daysRequest struct {
	Days int `json:"days" validate:"min=0,max=36500"`
}

func (d *daysRequest) Bind(*http.Request) error { return nil }

type transferRequest struct {
	UserID           string `json:"user_id"`
	CustomerEmail    string `json:"customer_email" validate:"required,email"`
	CustomerName     string `json:"customer_name"`
	ResetActivations bool   `json:"reset_activations"`
}

func (t *transferRequest) Bind(*http.Request) error { return nil }

type overridesRequest struct {
	MaxActivations *int       `json:"max_activations" validate:"omitempty,min=1"`
	ExpiresAt      *time.Time `json:"expires_at"`
}

func (o *overridesRequest) Bind(*http.Request) error { return nil }

type renewRequest struct {
	PeriodStart time.Time `json:"period_start" validate:"required"`
	PeriodEnd   time.Time `json:"period_end" validate:"required,gtfield=PeriodStart"`
}

func (rr *renewRequest) Bind(*http.Request) error { return nil }

type purgeRequest struct {
	OlderThanDays int `json:"older_than_days" validate:"min=0"`
}

func (p *purgeRequest) Bind(*http.Request) error { return nil }

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// bind decodes the JSON body into dst and validates it. An empty body is
// treated as an empty object so that optional-only requests may omit it.
func (s *Server) bind(w http.ResponseWriter, r *http.Request, dst render.Binder) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBytes)
	if r.ContentLength != 0 {
		if err := render.Bind(r, dst); err != nil {
			return fmt.Errorf("malformed request body: %w", err)
		}
	} else if err := dst.Bind(r); err != nil {
		return err
	}
	if err := s.validate.Struct(dst); err != nil {
		return validationError(err)
	}
	return nil
}

// validationError turns validator output into one client-facing sentence.
func validationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err
	}
	fe := verrs[0]
	field := fe.Field()
	switch fe.Tag() {
	case "required":
		return fmt.Errorf("%s is required", field)
	case "email":
		return fmt.Errorf("%s must be a valid email address", field)
	case "gtfield":
		return fmt.Errorf("%s must be after the period start", field)
	case "min":
		return fmt.Errorf("%s must be at least %s", field, fe.Param())
	case "max":
		return fmt.Errorf("%s must be at most %s", field, fe.Param())
	default:
		return fmt.Errorf("%s is invalid", field)
	}
}
