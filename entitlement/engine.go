package entitlement

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultMaxRetries = 5
	defaultTrialDays  = 14
	defaultGraceDays  = 7
	maxKeyAttempts    = 5
	baseRetryBackoff  = 5 * time.Millisecond
)

var tracer = otel.Tracer("github.com/CloudNativeWorks/cnw-license-server/entitlement")

// Engine issues, validates and activates licenses on top of a Store.
// It is safe for concurrent use.
type Engine struct {
	store      Store
	catalog    Catalog
	clock      Clock
	keys       *KeyGenerator
	keyFormat  KeyFormat
	signer     *Signer
	log        zerolog.Logger
	registerer prometheus.Registerer
	metrics    *engineMetrics
	maxRetries int
	trialDays  int
	graceDays  int
	strict     bool
}

// New creates an Engine backed by store.
func New(store Store, opts ...Option) *Engine {
	e := &Engine{
		store:      store,
		clock:      SystemClock,
		keyFormat:  FormatStandard,
		log:        zerolog.Nop(),
		maxRetries: defaultMaxRetries,
		trialDays:  defaultTrialDays,
		graceDays:  defaultGraceDays,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.keys == nil {
		e.keys = NewKeyGenerator(nil)
	}
	if e.maxRetries < 0 {
		e.maxRetries = 0
	}
	e.trialDays = min(e.trialDays, MaxDays)
	e.graceDays = min(e.graceDays, MaxDays)
	e.metrics = newEngineMetrics(e.registerer)
	return e
}

// Store returns the underlying store.
func (e *Engine) Store() Store {
	return e.store
}

// Signer returns the certificate signer, or nil when none is configured.
func (e *Engine) Signer() *Signer {
	return e.signer
}

// update runs fn under the store's per-license lock and retries transient
// conflicts with jittered exponential backoff. Typed errors returned by fn
// pass through unchanged.
func (e *Engine) update(ctx context.Context, key string, fn func(tx Tx) error) error {
	for attempt := 0; ; attempt++ {
		err := e.store.Update(ctx, key, fn)
		if err == nil {
			return nil
		}
		var typed *Error
		switch {
		case errors.As(err, &typed):
			return err
		case errors.Is(err, ErrNotFound):
			return ErrLicenseNotFound
		case errors.Is(err, ErrConflict):
			if attempt >= e.maxRetries {
				e.log.Warn().Err(err).Str("license", keyPrefix(key)).Int("attempts", attempt+1).
					Msg("giving up on conflicting license update")
				return wrapError(ErrTransient, err)
			}
			e.metrics.retries.Inc()
			if err := sleepCtx(ctx, retryBackoff(attempt)); err != nil {
				return wrapError(ErrTransient, err)
			}
		default:
			return fmt.Errorf("update license: %w", err)
		}
	}
}

func retryBackoff(attempt int) time.Duration {
	d := baseRetryBackoff << attempt
	return d/2 + rand.N(d/2+1)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// get loads a license by normalized key, mapping a miss to ErrLicenseNotFound.
func (e *Engine) get(ctx context.Context, key string) (License, error) {
	lic, err := e.store.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return License{}, ErrLicenseNotFound
	}
	if err != nil {
		return License{}, fmt.Errorf("get license: %w", err)
	}
	return lic, nil
}

// product resolves a product through the catalog.
func (e *Engine) product(ctx context.Context, id string) (Product, error) {
	if e.catalog == nil {
		return Product{}, newError(ErrInvalidArgument, "no product catalog configured")
	}
	p, err := e.catalog.Product(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return Product{}, newError(ErrInvalidArgument, "unknown product %q", id)
	}
	if err != nil {
		return Product{}, fmt.Errorf("lookup product: %w", err)
	}
	if err := p.CheckDays(); err != nil {
		return Product{}, err
	}
	return p, nil
}

// productMaxActivations returns the product default cap, or 0 when the
// product cannot be resolved.
func (e *Engine) productMaxActivations(ctx context.Context, productID string) int {
	if e.catalog == nil {
		return 0
	}
	p, err := e.catalog.Product(ctx, productID)
	if err != nil {
		e.log.Debug().Err(err).Str("product_id", productID).Msg("product default cap unavailable")
		return 0
	}
	return p.MaxActivations
}

func (e *Engine) startSpan(ctx context.Context, name, key string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("license.key_prefix", keyPrefix(key)),
	))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, KindOf(err).String())
	}
	span.End()
}

// keyPrefix returns the first group of a key for logs and traces.
func keyPrefix(key string) string {
	if len(key) <= 4 {
		return key
	}
	return key[:4] + "-****"
}

func newID() string {
	return uuid.NewString()
}

func timePtr(t time.Time) *time.Time {
	return &t
}
