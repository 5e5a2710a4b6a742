package sqlstore

import (
	"fmt"
	"net"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"  // registers "pgx"
	_ "github.com/microsoft/go-mssqldb" // registers "sqlserver" and "mssql"

	"github.com/ajitpratap0/ferry/pkg/dataset"
)

// Dialect is one driver variant the connector may negotiate. It knows how to
// build a DSN for its driver and how to spell the statements the writer
// issues.
type Dialect struct {
	// Name is the variant name used in candidate lists
	Name string
	// DriverName is the database/sql driver the variant opens
	DriverName string
	// Family is the driver package to mention in remediation text
	Family string
	// DefaultSchema qualifies tables when the profile names no schema
	DefaultSchema string

	dsn         func(Profile) string
	placeholder func(n int) string
	quote       func(ident string) string
	types       map[dataset.Kind]string
	// maxParams bounds the bind parameters of one INSERT statement
	maxParams int
	// maxRows bounds the rows of one multi-row VALUES clause
	maxRows int
	// schemaless dialects qualify tables with the database instead of a
	// schema
	schemaless bool
	topLimit   bool
}

var dialects = map[string]Dialect{}

func registerDialect(d Dialect) {
	dialects[d.Name] = d
}

// LookupDialect returns the dialect registered under name.
func LookupDialect(name string) (Dialect, bool) {
	d, ok := dialects[strings.ToLower(strings.TrimSpace(name))]
	return d, ok
}

// DialectNames lists the registered variant names, sorted.
func DialectNames() []string {
	names := make([]string, 0, len(dialects))
	for n := range dialects {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func init() {
	sqlServerTypes := map[dataset.Kind]string{
		dataset.KindBool:   "BIT",
		dataset.KindInt:    "BIGINT",
		dataset.KindFloat:  "FLOAT",
		dataset.KindTime:   "DATETIME2",
		dataset.KindString: "NVARCHAR(MAX)",
	}

	registerDialect(Dialect{
		Name:          "sqlserver",
		DriverName:    "sqlserver",
		Family:        "github.com/microsoft/go-mssqldb",
		DefaultSchema: "dbo",
		dsn:           sqlServerURL,
		placeholder:   func(n int) string { return "@p" + strconv.Itoa(n) },
		quote:         bracket,
		types:         sqlServerTypes,
		maxParams:     2000,
		maxRows:       1000,
		topLimit:      true,
	})

	registerDialect(Dialect{
		Name:          "mssql",
		DriverName:    "mssql",
		Family:        "github.com/microsoft/go-mssqldb",
		DefaultSchema: "dbo",
		dsn:           sqlServerADO,
		placeholder:   func(int) string { return "?" },
		quote:         bracket,
		types:         sqlServerTypes,
		maxParams:     2000,
		maxRows:       1000,
		topLimit:      true,
	})

	registerDialect(Dialect{
		Name:          "pgx",
		DriverName:    "pgx",
		Family:        "github.com/jackc/pgx/v5",
		DefaultSchema: "public",
		dsn:           postgresURL,
		placeholder:   func(n int) string { return "$" + strconv.Itoa(n) },
		quote:         doubleQuote,
		types: map[dataset.Kind]string{
			dataset.KindBool:   "BOOLEAN",
			dataset.KindInt:    "BIGINT",
			dataset.KindFloat:  "DOUBLE PRECISION",
			dataset.KindTime:   "TIMESTAMPTZ",
			dataset.KindString: "TEXT",
		},
		maxParams: 65535,
		maxRows:   1000,
	})

	registerDialect(Dialect{
		Name:        "mysql",
		DriverName:  "mysql",
		Family:      "github.com/go-sql-driver/mysql",
		dsn:         mysqlDSN,
		placeholder: func(int) string { return "?" },
		quote:       backtick,
		types: map[dataset.Kind]string{
			dataset.KindBool:   "BOOLEAN",
			dataset.KindInt:    "BIGINT",
			dataset.KindFloat:  "DOUBLE",
			dataset.KindTime:   "DATETIME(6)",
			dataset.KindString: "LONGTEXT",
		},
		maxParams:  65535,
		maxRows:    1000,
		schemaless: true,
	})
}

// DSN builds the connection string of p for this dialect.
func (d Dialect) DSN(p Profile) string {
	return d.dsn(p)
}

// Quote quotes an identifier.
func (d Dialect) Quote(ident string) string {
	return d.quote(ident)
}

// Qualify returns the quoted, schema-qualified table name.
func (d Dialect) Qualify(schema, table string) string {
	if schema == "" || d.schemaless {
		return d.quote(table)
	}
	return d.quote(schema) + "." + d.quote(table)
}

// ColumnType returns the column type used for kind. Null and nested kinds
// are stored as text.
func (d Dialect) ColumnType(kind dataset.Kind) string {
	if t, ok := d.types[kind]; ok {
		return t
	}
	return d.types[dataset.KindString]
}

func (d Dialect) existsQuery() string {
	if d.schemaless {
		return "SELECT 1 FROM INFORMATION_SCHEMA.TABLES WHERE TABLE_SCHEMA = DATABASE() AND TABLE_NAME = " + d.placeholder(1)
	}
	return "SELECT 1 FROM INFORMATION_SCHEMA.TABLES WHERE TABLE_SCHEMA = " + d.placeholder(1) +
		" AND TABLE_NAME = " + d.placeholder(2)
}

func (d Dialect) existsArgs(schema, table string) []interface{} {
	if d.schemaless {
		return []interface{}{table}
	}
	return []interface{}{schema, table}
}

func (d Dialect) selectQuery(qualified string, limit int) string {
	switch {
	case limit <= 0:
		return "SELECT * FROM " + qualified
	case d.topLimit:
		return fmt.Sprintf("SELECT TOP (%d) * FROM %s", limit, qualified)
	default:
		return fmt.Sprintf("SELECT * FROM %s LIMIT %d", qualified, limit)
	}
}

// batchRows returns how many rows of width columns fit in one INSERT.
func (d Dialect) batchRows(width int) int {
	if width < 1 {
		width = 1
	}
	n := d.maxParams / width
	if n > d.maxRows {
		n = d.maxRows
	}
	if n < 1 {
		n = 1
	}
	return n
}

func bracket(ident string) string {
	return "[" + strings.ReplaceAll(ident, "]", "]]") + "]"
}

func doubleQuote(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

func backtick(ident string) string {
	return "`" + strings.ReplaceAll(ident, "`", "``") + "`"
}

func timeoutSeconds(d time.Duration) string {
	if d <= 0 {
		return "30"
	}
	return strconv.Itoa(int(d.Round(time.Second) / time.Second))
}

// sqlServerURL is the sqlserver:// form understood by the "sqlserver" driver.
func sqlServerURL(p Profile) string {
	q := url.Values{}
	q.Set("database", p.Database)
	q.Set("encrypt", strconv.FormatBool(p.Encrypt))
	q.Set("TrustServerCertificate", strconv.FormatBool(p.TrustServerCertificate))
	q.Set("connection timeout", timeoutSeconds(p.ConnectTimeout))
	u := url.URL{
		Scheme:   "sqlserver",
		User:     url.UserPassword(p.Username, p.Password),
		Host:     net.JoinHostPort(p.Server, strconv.Itoa(p.Port)),
		RawQuery: q.Encode(),
	}
	return u.String()
}

// sqlServerADO is the semicolon separated key=value form.
func sqlServerADO(p Profile) string {
	var b strings.Builder
	fmt.Fprintf(&b, "server=%s;port=%d;database=%s;user id=%s;password=%s",
		adoValue(p.Server), p.Port, adoValue(p.Database), adoValue(p.Username), adoValue(p.Password))
	fmt.Fprintf(&b, ";encrypt=%t;TrustServerCertificate=%t;connection timeout=%s",
		p.Encrypt, p.TrustServerCertificate, timeoutSeconds(p.ConnectTimeout))
	return b.String()
}

// adoValue wraps values holding separators in braces.
func adoValue(v string) string {
	if strings.ContainsAny(v, ";{}=") || strings.TrimSpace(v) != v {
		return "{" + strings.ReplaceAll(v, "}", "}}") + "}"
	}
	return v
}

func postgresURL(p Profile) string {
	sslmode := "disable"
	if p.Encrypt {
		sslmode = "verify-full"
		if p.TrustServerCertificate {
			sslmode = "require"
		}
	}
	q := url.Values{}
	q.Set("sslmode", sslmode)
	q.Set("connect_timeout", timeoutSeconds(p.ConnectTimeout))
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(p.Username, p.Password),
		Host:     net.JoinHostPort(p.Server, strconv.Itoa(p.Port)),
		Path:     "/" + p.Database,
		RawQuery: q.Encode(),
	}
	return u.String()
}

func mysqlDSN(p Profile) string {
	cfg := mysql.NewConfig()
	cfg.User = p.Username
	cfg.Passwd = p.Password
	cfg.Net = "tcp"
	cfg.Addr = net.JoinHostPort(p.Server, strconv.Itoa(p.Port))
	cfg.DBName = p.Database
	cfg.ParseTime = true
	cfg.Timeout = p.ConnectTimeout
	switch {
	case !p.Encrypt:
		cfg.TLSConfig = "false"
	case p.TrustServerCertificate:
		cfg.TLSConfig = "skip-verify"
	default:
		cfg.TLSConfig = "true"
	}
	return cfg.FormatDSN()
}
