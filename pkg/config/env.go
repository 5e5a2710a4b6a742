package config

// Environment variables consulted by the credential resolver. Legacy names are
// only read when the primary name is unset.
const (
	EnvStorageConnectionString = "ADLS_CONNECTION_STRING"

	EnvSQLServer      = "AZURE_SQL_SERVER"
	EnvSQLDatabase    = "AZURE_SQL_DATABASE"
	EnvSQLDatabaseBis = "AZURE_SQL_DATABASE_BIS"
	EnvSQLUsername    = "AZURE_SQL_USERNAME"
	EnvSQLPassword    = "AZURE_SQL_PASSWORD"
	EnvSQLDriver      = "AZURE_SQL_DRIVER"
	EnvSQLPort        = "AZURE_SQL_PORT"
	EnvSQLSchema      = "AZURE_SQL_SCHEMA"
	EnvSQLChunkSize   = "AZURE_SQL_CHUNKSIZE"

	EnvAllowedTables = "ALLOWED_TABLES"
	EnvAPIKey        = "COMMUNE_API_KEY"
)

// LegacyStorageConnectionStrings returns the deprecated aliases of
// EnvStorageConnectionString in the order they are consulted.
func LegacyStorageConnectionStrings() []string {
	return []string{
		"AZURE_STORAGE_CONNECTION_STRING",
		"AZURE_DATALAKE_CONNECTION_STRING",
	}
}
