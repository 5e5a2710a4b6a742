package main

import (
	"context"
	"fmt"
	"runtime"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ajitpratap0/ferry/internal/pipeline"
	"github.com/ajitpratap0/ferry/pkg/clients"
	"github.com/ajitpratap0/ferry/pkg/compression"
	"github.com/ajitpratap0/ferry/pkg/config"
	"github.com/ajitpratap0/ferry/pkg/credentials"
	"github.com/ajitpratap0/ferry/pkg/formats/columnar"
	"github.com/ajitpratap0/ferry/pkg/ingest"
	"github.com/ajitpratap0/ferry/pkg/loader"
	"github.com/ajitpratap0/ferry/pkg/metrics"
	"github.com/ajitpratap0/ferry/pkg/objectstore"
)

var version = "0.1.0"

func newRootCommand(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "ferry",
		Short: "ferry - move datasets between an HTTP API, object storage and a relational store",
		Long: `ferry pulls records from a partitioned HTTP API into object storage, loads
tabular objects into a relational database in chunks and exports tables back
to object storage as columnar files.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "version" {
				return nil
			}
			return a.setup(cmd)
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return a.finish()
		},
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&a.flags.configPath, "config", "c", "", "Path to YAML configuration file")
	pf.StringVar(&a.flags.defaultsFile, "defaults-file", "", "Path to a key = \"value\" defaults file (terraform.tfvars)")
	pf.BoolVarP(&a.flags.verbose, "verbose", "v", false, "Debug logging with console encoding")
	pf.StringVar(&a.flags.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	pf.StringVar(&a.flags.metricsFile, "metrics-file", "", "Write run metrics in Prometheus text format to this file")
	pf.StringVar(&a.flags.traceFile, "trace-file", "", "Write OpenTelemetry spans as JSON to this file")

	root.AddCommand(
		newVersionCommand(a),
		newListCommand(a),
		newFetchCommand(a),
		newIngestCommand(a),
		newRatesCommand(a),
		newLoadCommand(a),
		newExportCommand(a),
	)
	return root
}

func newVersionCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(a.out, "ferry v%s\n", version)
			fmt.Fprintf(a.out, "Go version: %s\n", runtime.Version())
			fmt.Fprintf(a.out, "OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
			fmt.Fprintf(a.out, "Storage backends: %v\n", objectstore.Backends())
		},
	}
}

// addStorageFlags registers the flags selecting the object store container.
func addStorageFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("backend", "", "Object store backend (azureblob, s3, gcs, local)")
	f.String("container", "", "Container, bucket or directory name")
	f.String("connection-string", "", "Azure storage connection string")
	f.String("root", "", "Base directory of the local backend")
	f.String("region", "", "S3 region")
	f.String("endpoint", "", "Service endpoint override")
	f.String("project", "", "GCP project used when creating a bucket")
	f.String("credentials-file", "", "GCS service account key file")
}

// addSQLFlags registers the connection profile overrides.
func addSQLFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("server", "", "Database server host")
	f.String("database", "", "Database name")
	f.String("username", "", "Database login")
	f.String("password", "", "Database password")
	f.String("driver", "", "Preferred driver variant (sqlserver, mssql, pgx, mysql)")
	f.Int("port", 0, "Database port")
	f.String("schema", "", "Target schema")
	f.Bool("trust-server-certificate", false, "Skip server certificate validation")
	f.String("allowed-tables", "", "Comma separated table allow-list")
}

func newListCommand(a *app) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List object paths under the tabular and JSON prefixes",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			var prefixes []string
			for _, p := range []string{a.cfg.Storage.TabularPrefix, a.cfg.Storage.JSONPrefix} {
				if p != "" && (len(prefixes) == 0 || prefixes[0] != p) {
					prefixes = append(prefixes, p)
				}
			}
			if len(prefixes) == 0 {
				prefixes = []string{""}
			}
			for _, prefix := range prefixes {
				paths, err := store.List(a.ctx, prefix)
				if err != nil {
					return err
				}
				if limit > 0 && len(paths) > limit {
					paths = paths[:limit]
				}
				fmt.Fprintf(a.out, "%s/%s (%d objects)\n", store.Container(), prefix, len(paths))
				for _, p := range paths {
					fmt.Fprintf(a.out, "  %s\n", p)
				}
			}
			return nil
		},
	}
	addStorageFlags(cmd)
	cmd.Flags().String("tabular-prefix", "", "Prefix of CSV and columnar objects")
	cmd.Flags().String("json-prefix", "", "Prefix of JSON objects")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum paths listed per prefix")
	return cmd
}

func newFetchCommand(a *app) *cobra.Command {
	var (
		limit     int
		saveLocal bool
		keepJSON  bool
		outputDir string
	)
	cmd := &cobra.Command{
		Use:   "fetch",
		Short: "Fetch and decode objects, printing their shape",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			result, err := objectstore.FetchDatasets(a.ctx, store, objectstore.FetchOptions{
				TabularPrefix: a.cfg.Storage.TabularPrefix,
				JSONPrefix:    a.cfg.Storage.JSONPrefix,
				Limit:         limit,
				Logger:        a.log,
			})
			if err != nil {
				return err
			}
			for i := 0; i < result.Len(); i++ {
				a.metrics.ObjectTransferred(metrics.DirectionDownload)
			}

			w := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "PATH\tKIND\tROWS\tCOLUMNS")
			for _, t := range result.Tables {
				fmt.Fprintf(w, "%s\ttable\t%d\t%d\n", t.Path, t.Table.NumRows(), t.Table.NumColumns())
			}
			for _, d := range result.Documents {
				table, err := objectstore.DocumentTable(d.Value)
				if err != nil {
					fmt.Fprintf(w, "%s\tjson %s\t-\t-\n", d.Path, d.Value.Kind())
					continue
				}
				fmt.Fprintf(w, "%s\tjson\t%d\t%d\n", d.Path, table.NumRows(), table.NumColumns())
			}
			if err := w.Flush(); err != nil {
				return err
			}

			if !saveLocal {
				return nil
			}
			written, err := objectstore.SaveResults(result, outputDir, keepJSON, a.log)
			if err != nil {
				return err
			}
			for _, f := range written {
				fmt.Fprintf(a.out, "saved %s\n", f)
			}
			return nil
		},
	}
	addStorageFlags(cmd)
	cmd.Flags().String("tabular-prefix", "", "Prefix of CSV and columnar objects")
	cmd.Flags().String("json-prefix", "", "Prefix of JSON objects")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum objects fetched per prefix")
	cmd.Flags().BoolVar(&saveLocal, "save-local", false, "Write fetched objects under --output-dir")
	cmd.Flags().BoolVar(&keepJSON, "keep-json", false, "Keep JSON objects as indented JSON instead of parquet")
	cmd.Flags().StringVar(&outputDir, "output-dir", "data/raw", "Directory for --save-local")
	return cmd
}

func newIngestCommand(a *app) *cobra.Command {
	var (
		objectPath  string
		localOutput string
	)
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Pull records from the HTTP API and upload them as a JSON envelope",
		RunE: func(cmd *cobra.Command, args []string) error {
			alg, err := compression.Parse(a.cfg.Storage.Compression)
			if err != nil {
				return err
			}
			store, err := a.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			httpCfg := clients.DefaultHTTPConfig()
			if a.cfg.API.Timeout > 0 {
				httpCfg.RequestTimeout = a.cfg.API.Timeout
			}
			httpCfg.RequestsPerSecond = a.cfg.API.RateLimit
			client := clients.NewHTTPClient(httpCfg, a.log)
			defer client.Close()

			apiKey := a.resolver.Optional(credentials.Source{
				Explicit: a.cfg.API.APIKey,
				Env:      config.EnvAPIKey,
			}, "")
			auth := ingest.BuildAuth(apiKey, a.cfg.API.APIKeyHeader, a.cfg.API.APIKeyParam, a.cfg.API.APIKeyPrefix)

			adapter := ingest.NewAdapter(client, ingest.WithLogger(a.log), ingest.WithObserver(a.metrics))
			ing := pipeline.NewIngester(adapter, store, pipeline.WithLogger(a.log), pipeline.WithMetrics(a.metrics))
			res, err := ing.Run(a.ctx, pipeline.IngestRequest{
				Query:       ingest.QueryFromConfig(a.cfg.API),
				Auth:        auth,
				Path:        objectPath,
				Prefix:      a.cfg.API.OutputPrefix,
				Compression: alg,
				LocalOutput: localOutput,
			})
			if err != nil {
				return err
			}

			if !res.Uploaded {
				fmt.Fprintln(a.out, "no records returned, nothing uploaded")
				return nil
			}
			fmt.Fprintf(a.out, "uploaded %d records (%d columns) to %s/%s\n", res.Records, res.Columns, store.Container(), res.Path)
			if res.LocalPath != "" {
				fmt.Fprintf(a.out, "local copy: %s\n", res.LocalPath)
			}
			return nil
		},
	}
	addStorageFlags(cmd)
	f := cmd.Flags()
	f.String("api-url", "", "API endpoint")
	f.String("fields", "", "Comma separated fields requested from the API")
	f.String("geometry", "", "Geometry requested from the API")
	f.Float64("rate-limit", 0, "Maximum API requests per second (0 disables throttling)")
	f.String("partitions", "", "Comma separated partition keys, one request each")
	f.Duration("timeout", 0, "Per request timeout")
	f.String("api-key", "", "API key (defaults to "+config.EnvAPIKey+")")
	f.String("api-key-header", "", "Header carrying the API key")
	f.String("api-key-param", "", "Query parameter carrying the API key")
	f.String("api-key-prefix", "", "Prefix prepended to the API key")
	f.String("compression", "", "Upload compression (none, gzip, zstd, snappy, s2, lz4)")
	f.StringVar(&objectPath, "path", "", "Object path (default <output prefix>/communes-<timestamp>.json)")
	f.StringVar(&localOutput, "local-output", "", "Also write the envelope as indented JSON to this file")
	return cmd
}

func newRatesCommand(a *app) *cobra.Command {
	var (
		objectPath  string
		localOutput string
		format      string
		regionCodes []string
	)
	cmd := &cobra.Command{
		Use:   "rates",
		Short: "Scrape the regional mortgage rate barometer and upload it as a columnar table",
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := columnar.ParseFormat(format)
			if err != nil {
				return err
			}
			alg, err := compression.Parse(a.cfg.Storage.Compression)
			if err != nil {
				return err
			}
			rates := a.cfg.Rates
			if rates.Regions, err = rates.SelectRegions(regionCodes); err != nil {
				return err
			}
			if objectPath == "" {
				objectPath = rates.Path
			}

			store, err := a.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			httpCfg := clients.DefaultHTTPConfig()
			if rates.Timeout > 0 {
				httpCfg.RequestTimeout = rates.Timeout
			}
			httpCfg.RequestsPerSecond = a.cfg.API.RateLimit
			client := clients.NewHTTPClient(httpCfg, a.log)
			defer client.Close()

			adapter := ingest.NewAdapter(client, ingest.WithLogger(a.log), ingest.WithObserver(a.metrics))
			ing := pipeline.NewRatesIngester(adapter, store, pipeline.WithLogger(a.log), pipeline.WithMetrics(a.metrics))
			res, err := ing.Run(a.ctx, pipeline.RatesRequest{
				Query:       ingest.RateQueryFromConfig(rates),
				Path:        objectPath,
				Format:      f,
				Compression: alg,
				LocalOutput: localOutput,
			})
			if err != nil {
				return err
			}

			fmt.Fprintf(a.out, "uploaded %d rates for %d regions to %s/%s\n", res.Rows, res.Regions, store.Container(), res.Path)
			if res.LocalPath != "" {
				fmt.Fprintf(a.out, "local copy: %s\n", res.LocalPath)
			}
			return nil
		},
	}
	addStorageFlags(cmd)
	fl := cmd.Flags()
	fl.String("rates-url", "", "Barometer endpoint")
	fl.IntSlice("durations", nil, "Loan durations in years (default 7,10,15,20,25)")
	fl.Duration("rates-timeout", 0, "Per request timeout")
	fl.Float64("rate-limit", 0, "Maximum requests per second (0 disables throttling)")
	fl.String("compression", "", "Upload compression (none, gzip, zstd, snappy, s2, lz4)")
	fl.StringSliceVar(&regionCodes, "regions", nil, "Region codes to scrape (default every configured region)")
	fl.StringVar(&format, "format", string(columnar.Parquet), "Columnar format (parquet, arrow, avro)")
	fl.StringVar(&objectPath, "path", "", "Object path (default rates.path, rates/taux_immobilier.parquet)")
	fl.StringVar(&localOutput, "local-output", "", "Also write the encoded table to this file")
	return cmd
}

func newLoadCommand(a *app) *cobra.Command {
	var (
		tables    []string
		preview   bool
		sourceDir string
		limit     int
	)
	cmd := &cobra.Command{
		Use:   "load",
		Short: "Load tabular objects into the relational store in chunks",
		RunE: func(cmd *cobra.Command, args []string) error {
			var source pipeline.TablePreparer
			if sourceDir != "" {
				source = pipeline.LocalTables{Dir: sourceDir, Logger: a.log}
			} else {
				store, err := a.openStore()
				if err != nil {
					return err
				}
				defer store.Close()
				source = pipeline.ObjectStoreTables{
					Client: store,
					Prefix: a.cfg.Storage.TabularPrefix,
					Limit:  limit,
					Logger: a.log,
				}
			}

			dial := func(ctx context.Context) (pipeline.WriterSession, error) {
				conn, err := a.connectSQL(ctx, config.DefaultLoadDatabase)
				if err != nil {
					return nil, err
				}
				return conn, nil
			}
			runner := pipeline.NewLoadRunner(source, dial, pipeline.WithLogger(a.log), pipeline.WithMetrics(a.metrics))
			reports, err := runner.Run(a.ctx, pipeline.LoadRequest{
				Policy:    a.cfg.Load.IfExists,
				ChunkSize: a.cfg.Load.ChunkSize,
				Tables:    tables,
				Allowed:   a.cfg.Load.AllowedTables,
				Preview:   preview,
			})
			if perr := printReports(a, reports); perr != nil && err == nil {
				err = perr
			}
			return err
		},
	}
	addStorageFlags(cmd)
	addSQLFlags(cmd)
	f := cmd.Flags()
	f.String("tabular-prefix", "", "Prefix of the objects to load")
	f.String("if-exists", "", "Existence policy for the first chunk (fail, replace, append)")
	f.Int("chunksize", 0, "Rows per chunk (defaults to "+config.EnvSQLChunkSize+" or 100)")
	f.StringSliceVar(&tables, "tables", nil, "Load only these tables, in this order")
	f.BoolVar(&preview, "preview", false, "Print the load plan without connecting")
	f.StringVar(&sourceDir, "source-dir", "", "Load files from this directory instead of the object store")
	f.IntVar(&limit, "limit", 0, "Maximum objects read from the prefix")
	return cmd
}

func printReports(a *app, reports []loader.Report) error {
	if len(reports) == 0 {
		return nil
	}
	w := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TABLE\tSTATUS\tROWS\tWRITTEN\tCOLUMNS\tCHUNKS")
	for _, r := range reports {
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%d\n", r.Table, r.Status, r.Rows, r.RowsWritten, r.Columns, r.Chunks)
	}
	return w.Flush()
}

func newExportCommand(a *app) *cobra.Command {
	var (
		tables []string
		format string
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export relational tables to object storage as columnar files",
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := columnar.ParseFormat(format)
			if err != nil {
				return err
			}
			alg, err := compression.Parse(a.cfg.Storage.Compression)
			if err != nil {
				return err
			}
			if len(tables) == 0 {
				tables = a.cfg.Load.ExportTables
			}

			store, err := a.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			dial := func(ctx context.Context) (pipeline.ReaderSession, error) {
				conn, err := a.connectSQL(ctx, config.DefaultExportDatabase, config.EnvSQLDatabaseBis, config.EnvSQLDatabase)
				if err != nil {
					return nil, err
				}
				return conn, nil
			}
			exp := pipeline.NewExporter(dial, store, pipeline.WithLogger(a.log), pipeline.WithMetrics(a.metrics))
			results, err := exp.Run(a.ctx, pipeline.ExportRequest{
				Tables:      tables,
				Allowed:     a.cfg.Load.AllowedTables,
				Prefix:      a.cfg.Load.ExportPrefix,
				Limit:       a.cfg.Load.ExportLimit,
				Format:      f,
				Compression: alg,
			})
			for _, r := range results {
				fmt.Fprintf(a.out, "%s -> %s/%s (%d rows)\n", r.Table, store.Container(), r.Path, r.Rows)
			}
			if err != nil {
				a.log.Error("export stopped", zap.Int("exported", len(results)), zap.Error(err))
			}
			return err
		},
	}
	addStorageFlags(cmd)
	addSQLFlags(cmd)
	f := cmd.Flags()
	f.StringSliceVar(&tables, "tables", nil, "Tables to export (default: export_tables from the config)")
	f.String("prefix", "", "Object prefix of the exported files")
	f.Int("limit", 0, "Maximum rows read per table")
	f.StringVar(&format, "format", string(columnar.Parquet), "Columnar format (parquet, arrow, avro)")
	f.String("compression", "", "Upload compression (none, gzip, zstd, snappy, s2, lz4)")
	return cmd
}
