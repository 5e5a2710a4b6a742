// Package config defines the configuration shared by every ferry command.
//
// A TransferConfig is built once per invocation (defaults, then an optional
// YAML file, then flags and environment bound by the CLI) and passed
// explicitly into pipeline constructors. Nothing in ferry reads configuration
// from package-level state.
package config

import (
	"strings"
	"time"

	"github.com/ajitpratap0/ferry/pkg/errors"
	"github.com/ajitpratap0/ferry/pkg/logger"
)

// Existence policies accepted by the loader.
const (
	PolicyFail    = "fail"
	PolicyReplace = "replace"
	PolicyAppend  = "append"
)

// TransferConfig is the top-level configuration for a ferry run.
type TransferConfig struct {
	// Storage describes the object store container
	Storage StorageConfig `yaml:"storage" json:"storage"`

	// SQL describes the relational store
	SQL SQLConfig `yaml:"sql" json:"sql"`

	// API describes the remote HTTP data API
	API APIConfig `yaml:"api" json:"api"`

	// Rates describes the mortgage rate barometer source
	Rates RatesConfig `yaml:"rates" json:"rates"`

	// Load controls chunked loading and export
	Load LoadConfig `yaml:"load" json:"load"`

	// Log configures the structured logger
	Log logger.Config `yaml:"log" json:"log"`
}

// StorageConfig selects an object store backend and container.
type StorageConfig struct {
	// Backend is one of azureblob, s3, gcs, local
	Backend string `yaml:"backend" json:"backend"`
	// ConnectionString is the Azure storage connection string
	ConnectionString string `yaml:"connection_string" json:"connection_string"`
	// Container is the container, bucket or filesystem name
	Container string `yaml:"container" json:"container"`
	// Region is used by the s3 backend
	Region string `yaml:"region" json:"region"`
	// Endpoint overrides the service endpoint (s3 compatible stores, gcs emulator)
	Endpoint string `yaml:"endpoint" json:"endpoint"`
	// Project is the GCP project used when the gcs backend creates a bucket
	Project string `yaml:"project" json:"project"`
	// CredentialsFile is a GCS service account key file
	CredentialsFile string `yaml:"credentials_file" json:"credentials_file"`
	// Root is the base directory of the local backend
	Root string `yaml:"root" json:"root"`
	// TabularPrefix selects CSV and parquet objects
	TabularPrefix string `yaml:"tabular_prefix" json:"tabular_prefix"`
	// JSONPrefix selects structured JSON objects
	JSONPrefix string `yaml:"json_prefix" json:"json_prefix"`
	// Compression is applied to uploads (none, gzip, zstd, snappy, lz4)
	Compression string `yaml:"compression" json:"compression"`
}

// Fallback database names used when no source supplies one.
const (
	DefaultLoadDatabase   = "projet_data_eng"
	DefaultExportDatabase = "projet_data_eng_bis"
)

// SQLConfig is the relational connection profile before credential resolution.
type SQLConfig struct {
	Server   string `yaml:"server" json:"server"`
	Database string `yaml:"database" json:"database"`
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
	// Driver is the preferred driver variant, tried before Fallback
	Driver string `yaml:"driver" json:"driver"`
	// Fallback lists the driver variants tried after Driver
	Fallback []string `yaml:"fallback" json:"fallback"`
	Port     int      `yaml:"port" json:"port"`
	Schema   string   `yaml:"schema" json:"schema"`
	// Encrypt enables TLS on the connection
	Encrypt bool `yaml:"encrypt" json:"encrypt"`
	// TrustServerCertificate skips server certificate validation
	TrustServerCertificate bool          `yaml:"trust_server_certificate" json:"trust_server_certificate"`
	ConnectTimeout         time.Duration `yaml:"connect_timeout" json:"connect_timeout"`
}

// APIConfig describes the partitioned HTTP ingestion source.
type APIConfig struct {
	URL            string        `yaml:"url" json:"url"`
	Fields         string        `yaml:"fields" json:"fields"`
	Format         string        `yaml:"format" json:"format"`
	Geometry       string        `yaml:"geometry" json:"geometry"`
	PartitionParam string        `yaml:"partition_param" json:"partition_param"`
	Partitions     []string      `yaml:"partitions" json:"partitions"`
	Timeout        time.Duration `yaml:"timeout" json:"timeout"`
	// RateLimit caps requests per second; zero leaves calls unthrottled
	RateLimit float64 `yaml:"rate_limit" json:"rate_limit"`

	// APIKey is injected according to the header/param/prefix settings below
	APIKey       string `yaml:"api_key" json:"api_key"`
	APIKeyHeader string `yaml:"api_key_header" json:"api_key_header"`
	APIKeyParam  string `yaml:"api_key_param" json:"api_key_param"`
	APIKeyPrefix string `yaml:"api_key_prefix" json:"api_key_prefix"`

	// OutputPrefix is the object prefix for the ingestion envelope
	OutputPrefix string `yaml:"output_prefix" json:"output_prefix"`
}

// RatesConfig describes the regional mortgage rate barometer. Every region
// is one request carrying its code in RegionParam.
type RatesConfig struct {
	URL         string         `yaml:"url" json:"url"`
	RegionParam string         `yaml:"region_param" json:"region_param"`
	Regions     []RegionConfig `yaml:"regions" json:"regions"`
	// Durations are the loan lengths in years reported per region
	Durations []int         `yaml:"durations" json:"durations"`
	Referer   string        `yaml:"referer" json:"referer"`
	Timeout   time.Duration `yaml:"timeout" json:"timeout"`
	// Path is the object path of the uploaded rate table
	Path string `yaml:"path" json:"path"`
}

// SelectRegions returns the configured regions whose code is in codes, in
// configured order. No codes selects every region; an unknown code is a
// config error.
func (r RatesConfig) SelectRegions(codes []string) ([]RegionConfig, error) {
	codes = SplitList(strings.Join(codes, ","))
	if len(codes) == 0 {
		return r.Regions, nil
	}
	wanted := make(map[string]bool, len(codes))
	for _, c := range codes {
		wanted[c] = true
	}
	var out []RegionConfig
	for _, region := range r.Regions {
		if wanted[region.Code] {
			out = append(out, region)
			delete(wanted, region.Code)
		}
	}
	for _, c := range codes {
		if wanted[c] {
			return nil, errors.Newf(errors.ErrorTypeConfig, "unknown rate region %q", c)
		}
	}
	return out, nil
}

// RegionConfig names one barometer region.
type RegionConfig struct {
	Code string `yaml:"code" json:"code"`
	Name string `yaml:"name" json:"name"`
}

// LoadConfig controls the chunked loader and the exporter.
type LoadConfig struct {
	ChunkSize int    `yaml:"chunk_size" json:"chunk_size"`
	IfExists  string `yaml:"if_exists" json:"if_exists"`
	// AllowedTables restricts load and export; empty allows every table
	AllowedTables []string `yaml:"allowed_tables" json:"allowed_tables"`
	// ExportTables is the table list used when export is given none
	ExportTables []string `yaml:"export_tables" json:"export_tables"`
	ExportPrefix string   `yaml:"export_prefix" json:"export_prefix"`
	ExportLimit  int      `yaml:"export_limit" json:"export_limit"`
}

// Defaults returns a TransferConfig populated with production defaults.
func Defaults() *TransferConfig {
	return &TransferConfig{
		Storage: StorageConfig{
			Backend:     "azureblob",
			Container:   "raw",
			Root:        "data/store",
			Compression: "none",
		},
		SQL: SQLConfig{
			Fallback:       []string{"sqlserver", "mssql"},
			Port:           1433,
			Encrypt:        true,
			ConnectTimeout: 30 * time.Second,
		},
		API: APIConfig{
			URL:            "https://geo.api.gouv.fr/communes",
			Fields:         "nom,code,codesPostaux,population,surface,centre,contour,codeDepartement,codeRegion,departement,region",
			Format:         "json",
			Geometry:       "contour",
			PartitionParam: "codeDepartement",
			Partitions:     []string{"02", "59", "60", "62", "80"},
			Timeout:        60 * time.Second,
			OutputPrefix:   "geo/",
		},
		Rates: RatesConfig{
			URL:         "https://www.meilleurtaux.com/ajax_requete/ajax_barometre.php",
			RegionParam: "z",
			Regions: []RegionConfig{
				{Code: "0", Name: "National"},
				{Code: "2", Name: "Region Nord"},
				{Code: "3", Name: "Region Ouest"},
				{Code: "4", Name: "Region Sud Ouest"},
				{Code: "5", Name: "Region Sud Est"},
				{Code: "6", Name: "Region Rhone Alpes"},
				{Code: "7", Name: "Region Est"},
				{Code: "8", Name: "PARIS IDF"},
			},
			Durations: []int{7, 10, 15, 20, 25},
			Referer:   "https://www.meilleurtaux.com/credit-immobilier/barometre-des-taux.html",
			Timeout:   10 * time.Second,
			Path:      "rates/taux_immobilier.parquet",
		},
		Load: LoadConfig{
			ChunkSize: 100,
			IfExists:  PolicyReplace,
			ExportTables: []string{
				"dim_commune",
				"bridge_commune_code_postal",
				"stg_population",
				"stg_creation_entreprises",
				"stg_creation_entrepreneurs_individuels",
				"stg_deces",
				"stg_ds_filosofi",
				"stg_emploi_chomage",
				"stg_fecondite",
				"stg_filosofi_age_tp_nivvie",
				"stg_logement",
				"stg_menage",
				"stg_naissances",
			},
			ExportPrefix: "sql-bis/",
		},
		Log: logger.DefaultConfig(),
	}
}

// Validate checks the values that do not depend on credential resolution.
func (c *TransferConfig) Validate() error {
	switch c.Storage.Backend {
	case "azureblob", "s3", "gcs", "local":
	default:
		return errors.Newf(errors.ErrorTypeConfig, "unknown storage backend %q", c.Storage.Backend)
	}
	if c.Storage.Container == "" {
		return errors.New(errors.ErrorTypeConfig, "storage container is required")
	}
	if c.Load.ChunkSize < 1 {
		return errors.Newf(errors.ErrorTypeConfig, "chunk_size must be at least 1, got %d", c.Load.ChunkSize)
	}
	if !ValidPolicy(c.Load.IfExists) {
		return errors.Newf(errors.ErrorTypeConfig, "if_exists must be one of fail, replace, append, got %q", c.Load.IfExists)
	}
	if c.Load.ExportLimit < 0 {
		return errors.New(errors.ErrorTypeConfig, "export_limit cannot be negative")
	}
	if c.SQL.Port <= 0 || c.SQL.Port > 65535 {
		return errors.Newf(errors.ErrorTypeConfig, "invalid sql port %d", c.SQL.Port)
	}
	if c.API.Timeout < 0 {
		return errors.New(errors.ErrorTypeConfig, "api timeout cannot be negative")
	}
	if c.API.RateLimit < 0 {
		return errors.New(errors.ErrorTypeConfig, "api rate limit cannot be negative")
	}
	if c.Rates.Timeout < 0 {
		return errors.New(errors.ErrorTypeConfig, "rates timeout cannot be negative")
	}
	for _, d := range c.Rates.Durations {
		if d < 1 {
			return errors.Newf(errors.ErrorTypeConfig, "rate durations must be positive, got %d", d)
		}
	}
	return nil
}

// ValidPolicy reports whether p is a known existence policy.
func ValidPolicy(p string) bool {
	switch p {
	case PolicyFail, PolicyReplace, PolicyAppend:
		return true
	}
	return false
}

// Candidates returns the driver variants to try, explicit choice first,
// with duplicates removed preserving first occurrence.
func (s SQLConfig) Candidates() []string {
	seen := make(map[string]struct{}, len(s.Fallback)+1)
	out := make([]string, 0, len(s.Fallback)+1)
	for _, d := range append([]string{s.Driver}, s.Fallback...) {
		d = strings.TrimSpace(d)
		if d == "" {
			continue
		}
		if _, ok := seen[d]; ok {
			continue
		}
		seen[d] = struct{}{}
		out = append(out, d)
	}
	return out
}

// SplitList splits a comma separated list, trimming blanks and dropping
// empty entries. It returns nil for an empty input.
func SplitList(v string) []string {
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// TableAllowed reports whether table passes the allow-list.
func (l LoadConfig) TableAllowed(table string) bool {
	if len(l.AllowedTables) == 0 {
		return true
	}
	for _, t := range l.AllowedTables {
		if t == table {
			return true
		}
	}
	return false
}
