// Package credentials resolves connection parameters from an ordered set of
// sources: an explicit value, a primary environment variable, legacy
// environment aliases and a declarative defaults file.
package credentials

import (
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/ajitpratap0/ferry/pkg/errors"
	"github.com/ajitpratap0/ferry/pkg/logger"
)

// Source describes where one parameter may come from.
type Source struct {
	// Explicit is a value supplied by the caller (flag or config file)
	Explicit string
	// Env is the primary environment variable
	Env string
	// Legacy lists deprecated environment aliases, consulted in order
	Legacy []string
	// Default is the defaults-file key consulted last
	Default string
	// Remediation is appended to the MissingCredential message
	Remediation string
}

// Origin tells which source supplied a resolved value.
type Origin string

const (
	OriginExplicit Origin = "explicit"
	OriginEnv      Origin = "env"
	OriginLegacy   Origin = "legacy_env"
	OriginDefaults Origin = "defaults_file"
)

// LookupFunc reads an environment variable. os.LookupEnv satisfies it.
type LookupFunc func(key string) (string, bool)

// Resolver applies source precedence. It holds no state beyond its inputs and
// is safe to reuse for several parameters.
type Resolver struct {
	lookup   LookupFunc
	defaults Defaults
	logger   *zap.Logger
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithLookup replaces the environment lookup, mainly for tests.
func WithLookup(fn LookupFunc) Option {
	return func(r *Resolver) { r.lookup = fn }
}

// WithDefaults sets the values consulted after every environment source.
func WithDefaults(d Defaults) Option {
	return func(r *Resolver) { r.defaults = d }
}

// WithLogger sets the logger used for legacy alias warnings.
func WithLogger(l *zap.Logger) Option {
	return func(r *Resolver) { r.logger = l }
}

// NewResolver creates a resolver reading the process environment.
func NewResolver(opts ...Option) *Resolver {
	r := &Resolver{lookup: os.LookupEnv}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = logger.OrGlobal(r.logger).With(zap.String("component", "credentials"))
	return r
}

// Resolve returns the first non-empty value following explicit > primary env >
// legacy env > defaults file precedence. It fails with a MissingCredential
// error naming the primary key when every source is empty.
func (r *Resolver) Resolve(src Source) (string, error) {
	v, _, err := r.ResolveWithOrigin(src)
	return v, err
}

// ResolveWithOrigin is Resolve that also reports which source won.
func (r *Resolver) ResolveWithOrigin(src Source) (string, Origin, error) {
	if v := strings.TrimSpace(src.Explicit); v != "" {
		return v, OriginExplicit, nil
	}

	if src.Env != "" {
		if v, ok := r.env(src.Env); ok {
			return v, OriginEnv, nil
		}
	}

	for _, legacy := range src.Legacy {
		if v, ok := r.env(legacy); ok {
			r.logger.Warn("legacy environment variable in use",
				zap.String("variable", legacy),
				zap.String("preferred", src.Env))
			return v, OriginLegacy, nil
		}
	}

	if src.Default != "" {
		if v := r.defaults.Get(src.Default); v != "" {
			return v, OriginDefaults, nil
		}
	}

	key := src.Env
	if key == "" {
		key = src.Default
	}
	return "", "", errors.MissingCredential(key, src.Remediation)
}

// Optional is Resolve that returns fallback instead of failing.
func (r *Resolver) Optional(src Source, fallback string) string {
	v, err := r.Resolve(src)
	if err != nil {
		return fallback
	}
	return v
}

func (r *Resolver) env(key string) (string, bool) {
	v, ok := r.lookup(key)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}
