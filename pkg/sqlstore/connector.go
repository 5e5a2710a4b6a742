package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/ajitpratap0/ferry/pkg/errors"
	"github.com/ajitpratap0/ferry/pkg/logger"
	"github.com/ajitpratap0/ferry/pkg/metrics"
	"github.com/ajitpratap0/ferry/pkg/tracing"
)

// OpenFunc opens a database handle. sql.Open satisfies it.
type OpenFunc func(driverName, dsn string) (*sql.DB, error)

// Connector negotiates a working driver variant.
type Connector struct {
	open    OpenFunc
	log     *zap.Logger
	metrics *metrics.Collector
}

// ConnectorOption configures a Connector.
type ConnectorOption func(*Connector)

// WithOpener replaces sql.Open, mainly for tests.
func WithOpener(fn OpenFunc) ConnectorOption {
	return func(c *Connector) { c.open = fn }
}

// WithLogger sets the connector logger.
func WithLogger(l *zap.Logger) ConnectorOption {
	return func(c *Connector) { c.log = l }
}

// WithMetrics records every driver attempt on m.
func WithMetrics(m *metrics.Collector) ConnectorOption {
	return func(c *Connector) { c.metrics = m }
}

// NewConnector creates a connector.
func NewConnector(opts ...ConnectorOption) *Connector {
	c := &Connector{open: sql.Open}
	for _, opt := range opts {
		opt(c)
	}
	c.log = logger.OrGlobal(c.log).With(zap.String("component", "sqlstore"))
	return c
}

// Conn is a validated connection. The caller owns it and must Close it.
type Conn struct {
	DB      *sql.DB
	Dialect Dialect
	Profile Profile
	// Attempts lists the variants that failed before this one succeeded
	Attempts []errors.DriverAttempt

	log *zap.Logger
}

// Close releases the connection pool.
func (c *Conn) Close() error {
	if c == nil || c.DB == nil {
		return nil
	}
	return c.DB.Close()
}

// Candidates removes blank and duplicate names, keeping the first
// occurrence of each.
func Candidates(names ...string) []string {
	seen := make(map[string]bool, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		n = strings.ToLower(strings.TrimSpace(n))
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	return out
}

// Connect tries every candidate variant in order and returns the first
// connection that answers SELECT 1. Failed handles are closed before the next
// candidate is tried. When every candidate fails the error is
// NoDriverAvailable, listing each attempt.
func (c *Connector) Connect(ctx context.Context, p Profile, candidates []string) (*Conn, error) {
	candidates = Candidates(candidates...)
	if len(candidates) == 0 {
		return nil, errors.New(errors.ErrorTypeConfig, "no driver variant configured").
			WithDetail("known", DialectNames())
	}

	var attempts []errors.DriverAttempt
	for _, name := range candidates {
		attemptCtx, span := tracing.Start(ctx, "sqlstore.connect",
			attribute.String("ferry.driver", name),
			attribute.String("server.address", p.Server))
		db, dialect, err := c.try(attemptCtx, p, name)
		tracing.End(span, err)
		c.metrics.DriverAttempt(name, err == nil)
		if err != nil {
			c.log.Warn("driver attempt failed",
				zap.String("driver", name),
				zap.String("server", p.Server),
				zap.Error(err))
			attempts = append(attempts, errors.DriverAttempt{Driver: name, Err: err})
			continue
		}

		if p.Schema == "" {
			p.Schema = dialect.DefaultSchema
		}
		c.log.Info("connected to relational store",
			zap.String("driver", name),
			zap.String("server", p.Server),
			zap.String("database", p.Database),
			zap.String("schema", p.Schema),
			zap.Int("failed_attempts", len(attempts)))
		return &Conn{
			DB:       db,
			Dialect:  dialect,
			Profile:  p,
			Attempts: attempts,
			log:      c.log.With(zap.String("driver", name)),
		}, nil
	}

	return nil, errors.NoDriverAvailable(attempts, remediation(candidates))
}

func (c *Connector) try(ctx context.Context, p Profile, name string) (*sql.DB, Dialect, error) {
	dialect, ok := LookupDialect(name)
	if !ok {
		return nil, Dialect{}, fmt.Errorf("unknown driver variant %q (known: %s)", name, strings.Join(DialectNames(), ", "))
	}

	db, err := c.open(dialect.DriverName, dialect.DSN(p))
	if err != nil {
		return nil, dialect, err
	}

	timeout := p.ConnectTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var one int
	if err := db.QueryRowContext(pingCtx, "SELECT 1").Scan(&one); err != nil {
		_ = db.Close()
		return nil, dialect, err
	}
	return db, dialect, nil
}

func remediation(candidates []string) string {
	families := make([]string, 0, len(candidates))
	seen := make(map[string]bool)
	for _, n := range candidates {
		d, ok := LookupDialect(n)
		if !ok || seen[d.Family] {
			continue
		}
		seen[d.Family] = true
		families = append(families, d.Family)
	}

	msg := "Check the server address, firewall rules and login, or select another variant with AZURE_SQL_DRIVER (known: " +
		strings.Join(DialectNames(), ", ") + ")"
	if len(families) > 0 {
		msg += ". Drivers tried come from " + strings.Join(families, ", ")
	}
	return msg
}
