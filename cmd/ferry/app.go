package main

import (
	"context"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/ajitpratap0/ferry/pkg/config"
	"github.com/ajitpratap0/ferry/pkg/credentials"
	"github.com/ajitpratap0/ferry/pkg/errors"
	"github.com/ajitpratap0/ferry/pkg/logger"
	"github.com/ajitpratap0/ferry/pkg/metrics"
	"github.com/ajitpratap0/ferry/pkg/objectstore"
	"github.com/ajitpratap0/ferry/pkg/sqlstore"
	"github.com/ajitpratap0/ferry/pkg/tracing"
)

// globalFlags are shared by every command.
type globalFlags struct {
	configPath   string
	defaultsFile string
	verbose      bool
	logLevel     string
	metricsFile  string
	traceFile    string
}

// app is the state of one CLI invocation, built by setup once flags are
// parsed.
type app struct {
	flags globalFlags
	out   io.Writer

	// lookup reads the environment; tests replace it
	lookup credentials.LookupFunc
	// openSQL replaces sql.Open in tests
	openSQL sqlstore.OpenFunc

	cfg      *config.TransferConfig
	log      *zap.Logger
	metrics  *metrics.Collector
	resolver *credentials.Resolver
	jobID    string
	ctx      context.Context

	tracer   *tracing.Provider
	traceOut *os.File
	span     trace.Span
}

func newApp(out io.Writer) *app {
	return &app{out: out, lookup: os.LookupEnv}
}

// binding ties a config key to its flag and, for a few keys, an environment
// variable. Flags win over the environment, which wins over the config file.
type binding struct {
	key  string
	flag string
	env  string
}

var bindings = []binding{
	{key: "storage.backend", flag: "backend"},
	{key: "storage.container", flag: "container"},
	{key: "storage.connection_string", flag: "connection-string"},
	{key: "storage.root", flag: "root"},
	{key: "storage.region", flag: "region"},
	{key: "storage.endpoint", flag: "endpoint"},
	{key: "storage.project", flag: "project"},
	{key: "storage.credentials_file", flag: "credentials-file"},
	{key: "storage.tabular_prefix", flag: "tabular-prefix"},
	{key: "storage.json_prefix", flag: "json-prefix"},
	{key: "storage.compression", flag: "compression"},

	{key: "sql.server", flag: "server"},
	{key: "sql.database", flag: "database"},
	{key: "sql.username", flag: "username"},
	{key: "sql.password", flag: "password"},
	{key: "sql.driver", flag: "driver", env: config.EnvSQLDriver},
	{key: "sql.port", flag: "port", env: config.EnvSQLPort},
	{key: "sql.schema", flag: "schema", env: config.EnvSQLSchema},
	{key: "sql.trust_server_certificate", flag: "trust-server-certificate"},

	{key: "load.chunk_size", flag: "chunksize", env: config.EnvSQLChunkSize},
	{key: "load.if_exists", flag: "if-exists"},
	{key: "load.allowed_tables", flag: "allowed-tables", env: config.EnvAllowedTables},
	{key: "load.export_prefix", flag: "prefix"},
	{key: "load.export_limit", flag: "limit"},

	{key: "api.url", flag: "api-url"},
	{key: "api.fields", flag: "fields"},
	{key: "api.geometry", flag: "geometry"},
	{key: "api.partitions", flag: "partitions"},
	{key: "api.timeout", flag: "timeout"},
	{key: "api.rate_limit", flag: "rate-limit"},
	{key: "api.api_key", flag: "api-key"},
	{key: "api.api_key_header", flag: "api-key-header"},
	{key: "api.api_key_param", flag: "api-key-param"},
	{key: "api.api_key_prefix", flag: "api-key-prefix"},

	{key: "rates.url", flag: "rates-url"},
	{key: "rates.durations", flag: "durations"},
	{key: "rates.timeout", flag: "rates-timeout"},
}

// setup loads configuration, applies flag and environment overrides and
// builds the logger, metrics collector and credential resolver.
func (a *app) setup(cmd *cobra.Command) error {
	cfg, err := config.LoadTransfer(a.flags.configPath)
	if err != nil {
		return err
	}

	v := viper.New()
	for _, b := range bindings {
		if b.env != "" {
			if val, ok := a.lookup(b.env); ok && strings.TrimSpace(val) != "" {
				v.Set(b.key+"_env", val)
			}
		}
		if f := cmd.Flags().Lookup(b.flag); f != nil {
			if err := v.BindPFlag(b.key, f); err != nil {
				return err
			}
		}
	}
	applyOverrides(v, cfg)

	if a.flags.verbose {
		cfg.Log.Level = "debug"
		cfg.Log.Encoding = "console"
		cfg.Log.Development = true
	}
	if a.flags.logLevel != "" {
		cfg.Log.Level = a.flags.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := logger.Init(cfg.Log); err != nil {
		return err
	}

	a.jobID = uuid.NewString()
	ctx := context.WithValue(cmd.Context(), logger.JobIDKey, a.jobID)
	ctx = context.WithValue(ctx, logger.CommandKey, cmd.Name())
	a.ctx = ctx
	a.log = logger.WithContext(ctx)
	if a.flags.traceFile != "" {
		if err := a.startTracing(cmd); err != nil {
			return err
		}
	}
	a.cfg = cfg
	a.metrics = metrics.NewCollector()

	defaults := credentials.Defaults{}
	if a.flags.defaultsFile != "" {
		if defaults, err = credentials.LoadDefaultsFile(a.flags.defaultsFile); err != nil {
			return err
		}
	}
	a.resolver = credentials.NewResolver(
		credentials.WithLookup(a.lookup),
		credentials.WithDefaults(defaults),
		credentials.WithLogger(a.log))

	a.log.Debug("configuration loaded",
		zap.String("config", a.flags.configPath),
		zap.String("defaults_file", a.flags.defaultsFile),
		zap.String("backend", cfg.Storage.Backend),
		zap.String("container", cfg.Storage.Container))
	return nil
}

// finish writes the metrics file when one was requested.
func (a *app) finish() error {
	if a.flags.metricsFile == "" || a.metrics == nil {
		return nil
	}
	return a.metrics.WriteToTextfile(a.flags.metricsFile)
}

// startTracing installs a provider exporting to the trace file and opens
// the root span of the command.
func (a *app) startTracing(cmd *cobra.Command) error {
	f, err := os.Create(a.flags.traceFile)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeFile, "failed to create trace file").
			WithDetail("file", a.flags.traceFile)
	}
	provider, err := tracing.Setup(f, "ferry", version, a.jobID)
	if err != nil {
		f.Close()
		return errors.Wrap(err, errors.ErrorTypeConfig, "failed to set up tracing")
	}
	a.tracer = provider
	a.traceOut = f
	a.ctx, a.span = tracing.Start(a.ctx, "ferry."+cmd.Name(),
		attribute.String("ferry.command", cmd.Name()),
		attribute.String("ferry.job_id", a.jobID))
	a.log.Debug("tracing enabled", zap.String("trace_file", a.flags.traceFile))
	return nil
}

// stopTracing ends the root span with the command outcome, flushes the
// exporter and closes the trace file. It runs whether or not the command
// failed.
func (a *app) stopTracing(cmdErr error) error {
	if a.tracer == nil {
		return nil
	}
	tracing.End(a.span, cmdErr)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := a.tracer.Shutdown(ctx)
	if cerr := a.traceOut.Close(); err == nil {
		err = cerr
	}
	a.tracer = nil
	return err
}

// applyOverrides copies every flag or environment value that was set onto
// cfg. Environment values are staged under "<key>_env" and lose to flags.
func applyOverrides(v *viper.Viper, cfg *config.TransferConfig) {
	str := func(key string, dst *string) {
		switch {
		case v.IsSet(key):
			*dst = v.GetString(key)
		case v.IsSet(key + "_env"):
			*dst = v.GetString(key + "_env")
		}
	}
	num := func(key string, dst *int) {
		switch {
		case v.IsSet(key):
			*dst = v.GetInt(key)
		case v.IsSet(key + "_env"):
			*dst = v.GetInt(key + "_env")
		}
	}
	list := func(key string, dst *[]string) {
		var raw string
		str(key, &raw)
		if v.IsSet(key) || v.IsSet(key+"_env") {
			*dst = config.SplitList(raw)
		}
	}

	str("storage.backend", &cfg.Storage.Backend)
	str("storage.container", &cfg.Storage.Container)
	str("storage.connection_string", &cfg.Storage.ConnectionString)
	str("storage.root", &cfg.Storage.Root)
	str("storage.region", &cfg.Storage.Region)
	str("storage.endpoint", &cfg.Storage.Endpoint)
	str("storage.project", &cfg.Storage.Project)
	str("storage.credentials_file", &cfg.Storage.CredentialsFile)
	str("storage.tabular_prefix", &cfg.Storage.TabularPrefix)
	str("storage.json_prefix", &cfg.Storage.JSONPrefix)
	str("storage.compression", &cfg.Storage.Compression)

	str("sql.server", &cfg.SQL.Server)
	str("sql.database", &cfg.SQL.Database)
	str("sql.username", &cfg.SQL.Username)
	str("sql.password", &cfg.SQL.Password)
	str("sql.driver", &cfg.SQL.Driver)
	num("sql.port", &cfg.SQL.Port)
	str("sql.schema", &cfg.SQL.Schema)
	if v.IsSet("sql.trust_server_certificate") {
		cfg.SQL.TrustServerCertificate = v.GetBool("sql.trust_server_certificate")
	}

	num("load.chunk_size", &cfg.Load.ChunkSize)
	str("load.if_exists", &cfg.Load.IfExists)
	list("load.allowed_tables", &cfg.Load.AllowedTables)
	str("load.export_prefix", &cfg.Load.ExportPrefix)
	num("load.export_limit", &cfg.Load.ExportLimit)

	str("api.url", &cfg.API.URL)
	str("api.fields", &cfg.API.Fields)
	str("api.geometry", &cfg.API.Geometry)
	list("api.partitions", &cfg.API.Partitions)
	if v.IsSet("api.timeout") {
		cfg.API.Timeout = v.GetDuration("api.timeout")
	}
	if v.IsSet("api.rate_limit") {
		cfg.API.RateLimit = v.GetFloat64("api.rate_limit")
	}
	str("api.api_key", &cfg.API.APIKey)
	str("api.api_key_header", &cfg.API.APIKeyHeader)
	str("api.api_key_param", &cfg.API.APIKeyParam)
	str("api.api_key_prefix", &cfg.API.APIKeyPrefix)

	str("rates.url", &cfg.Rates.URL)
	if v.IsSet("rates.durations") {
		cfg.Rates.Durations = v.GetIntSlice("rates.durations")
	}
	if v.IsSet("rates.timeout") {
		cfg.Rates.Timeout = v.GetDuration("rates.timeout")
	}
}

// openStore resolves the storage connection string for the azureblob
// backend and opens the container.
func (a *app) openStore() (objectstore.Client, error) {
	storage := a.cfg.Storage
	if storage.Backend == "azureblob" {
		conn, err := a.resolver.Resolve(credentials.Source{
			Explicit:    storage.ConnectionString,
			Env:         config.EnvStorageConnectionString,
			Legacy:      config.LegacyStorageConnectionStrings(),
			Remediation: "Pass --connection-string or set " + config.EnvStorageConnectionString,
		})
		if err != nil {
			return nil, err
		}
		storage.ConnectionString = conn
	}
	return objectstore.Open(a.ctx, storage, a.log)
}

// connectSQL resolves the connection profile and negotiates a driver.
func (a *app) connectSQL(ctx context.Context, fallbackDatabase string, databaseEnv ...string) (*sqlstore.Conn, error) {
	profile, err := sqlstore.ResolveProfile(a.resolver, a.cfg.SQL, fallbackDatabase, databaseEnv...)
	if err != nil {
		return nil, err
	}
	opts := []sqlstore.ConnectorOption{
		sqlstore.WithLogger(a.log),
		sqlstore.WithMetrics(a.metrics),
	}
	if a.openSQL != nil {
		opts = append(opts, sqlstore.WithOpener(a.openSQL))
	}
	return sqlstore.NewConnector(opts...).Connect(ctx, profile, a.cfg.SQL.Candidates())
}
