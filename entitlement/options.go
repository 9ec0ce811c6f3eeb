package entitlement

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// Option configures an Engine.
type Option func(*Engine)

// WithClock sets the time source. Default: SystemClock.
func WithClock(c Clock) Option {
	return func(e *Engine) {
		e.clock = c
	}
}

// WithCatalog sets the product catalog used for renewals, trial conversion,
// order events and product-default activation caps.
func WithCatalog(c Catalog) Option {
	return func(e *Engine) {
		e.catalog = c
	}
}

// WithKeyFormat sets the format of newly issued keys. Default: FormatStandard.
func WithKeyFormat(f KeyFormat) Option {
	return func(e *Engine) {
		e.keyFormat = f
	}
}

// WithKeyGenerator replaces the key generator.
func WithKeyGenerator(g *KeyGenerator) Option {
	return func(e *Engine) {
		e.keys = g
	}
}

// WithSigner enables signed offline activation certificates.
func WithSigner(s *Signer) Option {
	return func(e *Engine) {
		e.signer = s
	}
}

// WithLogger sets the logger. Default: zerolog.Nop().
func WithLogger(l zerolog.Logger) Option {
	return func(e *Engine) {
		e.log = l
	}
}

// WithRegisterer registers the engine's Prometheus collectors with r.
func WithRegisterer(r prometheus.Registerer) Option {
	return func(e *Engine) {
		e.registerer = r
	}
}

// WithMaxRetries bounds how many times a conflicting store update is
// retried before ErrTransient is returned. Default: 5.
func WithMaxRetries(n int) Option {
	return func(e *Engine) {
		e.maxRetries = n
	}
}

// WithDefaultTrialDays sets the trial length used when neither the caller
// nor the product specifies one. Default: 14.
func WithDefaultTrialDays(n int) Option {
	return func(e *Engine) {
		e.trialDays = n
	}
}

// WithDefaultGraceDays sets the grace window used when the product does not
// specify one. Default: 7.
func WithDefaultGraceDays(n int) Option {
	return func(e *Engine) {
		e.graceDays = n
	}
}

// WithStrictInvariants makes Deactivate return ErrInvariantViolation when
// the activation count had to be clamped at zero. The clamped state is still
// committed. Intended for non-production environments.
func WithStrictInvariants(strict bool) Option {
	return func(e *Engine) {
		e.strict = strict
	}
}
