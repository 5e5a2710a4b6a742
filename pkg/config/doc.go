// Package config provides configuration loading for ferry.
//
// # Sources
//
// Values are layered in this order, later sources winning:
//
//   - Defaults(): container "raw", port 1433, chunk size 100, driver
//     fallback [sqlserver, mssql], the communes API settings, the rate
//     barometer regions and durations. The schema is
//     left empty so the negotiated driver picks its own ("dbo" or "public")
//   - a YAML file passed with --config, read by LoadTransfer
//   - command-line flags and environment variables bound by the CLI
//
// Secrets (connection strings, SQL principal and password) are resolved by
// package credentials, which applies explicit > environment > legacy
// environment > defaults-file precedence on top of this configuration.
//
// # Environment Variable Substitution
//
// The YAML file may reference the environment with ${VAR_NAME}:
//
//	storage:
//	  backend: azureblob
//	  connection_string: ${ADLS_CONNECTION_STRING}
//	  container: raw
//	sql:
//	  server: ${AZURE_SQL_SERVER}
//	  schema: dbo
//	load:
//	  chunk_size: 200
//	  if_exists: replace
//
// Unset variables substitute to the empty string, which leaves the value to
// credential resolution.
package config
