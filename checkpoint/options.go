package checkpoint

import (
	"log"
)

// MissingGradientPolicy controls what happens when a floating-point
// parameter ends the rewrite with no emitted gradient (spec section 9,
// first Open Question: the original source flags this with a dead `ok`
// variable that is never set to false, suggesting missing-gradient used to
// be fatal but no longer is). Rather than guess intent, this is exposed as
// configuration.
type MissingGradientPolicy int

const (
	// MissingGradientWarnAndContinue logs the missing gradient to the
	// configured Logger and proceeds; RewriteWithOrders still returns
	// true. This is the default, matching current upstream behavior.
	MissingGradientWarnAndContinue MissingGradientPolicy = iota
	// MissingGradientFatal returns ErrMissingGradientForParam from
	// RewriteWithOrders instead of warning.
	MissingGradientFatal
)

// Options configures a single RewriteWithOrders call. Callers do not build
// one directly: RewriteWithOrders applies the Option values it is given on
// top of the defaults (stdlib logger, warn-and-continue policy). There is no
// default emitter; the gradients.Registry-backed emitter is supplied by the
// caller since checkpoint cannot import checkpoint/gradients without a
// cycle.
type Options struct {
	Logger                *log.Logger
	Emitter               GradientEmitter
	MissingGradientPolicy MissingGradientPolicy
}

// Option mutates an Options in place.
type Option func(*Options)

// WithLogger overrides the diagnostic logger (spec section 7's "diagnostic
// stream"). Defaults to log.Default().
func WithLogger(l *log.Logger) Option {
	return func(o *Options) { o.Logger = l }
}

// WithGradientEmitter supplies the per-node gradient formula collaborator
// (spec section 4.3). There is no usable default: a rewrite with no
// gradient formulas can stage/retain/recompute forward activations but can
// never actually emit gradients, so callers must supply one (typically
// gradients.NewRegistry()).
func WithGradientEmitter(e GradientEmitter) Option {
	return func(o *Options) { o.Emitter = e }
}

// WithMissingGradientPolicy overrides how a parameter with no emitted
// gradient is handled (spec section 7, MissingGradientForParam).
func WithMissingGradientPolicy(p MissingGradientPolicy) Option {
	return func(o *Options) { o.MissingGradientPolicy = p }
}

func newOptions(opts []Option) *Options {
	o := &Options{
		Logger:                log.Default(),
		MissingGradientPolicy: MissingGradientWarnAndContinue,
	}
	for _, opt := range opts {
		opt(o)
	}

	return o
}
