// Package ferry moves tabular and semi-structured datasets between three
// kinds of endpoints: a partitioned HTTP API, a blob object store and a
// relational database.
//
// # Flows
//
// The ferry binary (cmd/ferry) runs one flow per command:
//
//   - ingest: request every partition of the API, normalize the records and
//     upload them as one JSON envelope.
//   - rates: scrape the regional mortgage rate barometer and upload it as a
//     columnar table.
//   - fetch and list: enumerate and decode objects under a prefix, optionally
//     saving them locally as parquet.
//   - load: write every tabular object to a relational table in fixed-size
//     chunks. The first chunk applies the existence policy (fail, replace or
//     append) and later chunks append.
//   - export: read relational tables and upload them as columnar files.
//
// # Packages
//
//	pkg/credentials   explicit > environment > legacy environment > defaults file
//	pkg/objectstore   container client with azureblob, s3, gcs and local backends
//	pkg/ingest        partitioned API adapter, rate barometer, normalization and envelope
//	pkg/sqlstore      driver negotiation over sqlserver, mssql, pgx and mysql
//	pkg/loader        chunk planning and per-table load reports
//	pkg/dataset       the in-memory value and table model shared by all flows
//	pkg/tracing       OpenTelemetry spans, written to --trace-file
//
// Every failure is reported as a *errors.Error whose type names the failing
// boundary; the CLI turns it into a diagnostic and a non-zero exit code.
//
// # Quick Start
//
//	export ADLS_CONNECTION_STRING=...
//	export AZURE_SQL_SERVER=myserver.database.windows.net
//	export AZURE_SQL_USERNAME=loader AZURE_SQL_PASSWORD=...
//
//	ferry ingest --partitions 02,59,60,62,80
//	ferry load --tabular-prefix sql/ --if-exists replace --chunksize 500
//	ferry export --tables dim_commune --prefix sql-bis/
//	ferry rates --regions 0,8 --trace-file trace.json
package ferry
