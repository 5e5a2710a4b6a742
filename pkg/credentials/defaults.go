package credentials

import (
	"bufio"
	"os"
	"regexp"
	"strings"

	"github.com/ajitpratap0/ferry/pkg/errors"
)

// Keys produced by LoadDefaultsFile.
const (
	DefaultServer   = "server"
	DefaultUsername = "username"
	DefaultPassword = "password"
	DefaultDatabase = "database"
)

// sqlServerSuffix is appended to a bare sql_server_name.
const sqlServerSuffix = ".database.windows.net"

var assignment = regexp.MustCompile(`^\s*([A-Za-z_][A-Za-z0-9_]*)\s*=\s*"([^"]*)"`)

// Defaults holds values read from a declarative defaults file.
type Defaults map[string]string

// Get returns the value for key, or "" when absent.
func (d Defaults) Get(key string) string {
	if d == nil {
		return ""
	}
	return d[key]
}

// ParseAssignments reads `key = "value"` lines. Lines that do not match,
// including comments and unquoted values, are ignored.
func ParseAssignments(content string) map[string]string {
	values := make(map[string]string)
	scanner := bufio.NewScanner(strings.NewReader(content))
	for scanner.Scan() {
		m := assignment.FindStringSubmatch(scanner.Text())
		if m == nil {
			continue
		}
		values[m[1]] = m[2]
	}
	return values
}

// FromAssignments maps infrastructure variable names onto connection
// parameters:
//
//	sql_server_name    -> server (<name>.database.windows.net)
//	sql_admin_login    -> username
//	sql_admin_password -> password
//	sql_database_name  -> database
func FromAssignments(values map[string]string) Defaults {
	d := make(Defaults)
	if name := values["sql_server_name"]; name != "" {
		d[DefaultServer] = name + sqlServerSuffix
	}
	if v, ok := values["sql_admin_login"]; ok {
		d[DefaultUsername] = v
	}
	if v, ok := values["sql_admin_password"]; ok {
		d[DefaultPassword] = v
	}
	if v, ok := values["sql_database_name"]; ok {
		d[DefaultDatabase] = v
	}
	return d
}

// LoadDefaultsFile reads a terraform.tfvars style file. A missing file is not
// an error and yields empty defaults.
func LoadDefaultsFile(path string) (Defaults, error) {
	if path == "" {
		return Defaults{}, nil
	}
	data, err := os.ReadFile(path) //nolint:gosec // G304: path comes from --defaults-file
	if err != nil {
		if os.IsNotExist(err) {
			return Defaults{}, nil
		}
		return nil, errors.Wrap(err, errors.ErrorTypeFile, "failed to read defaults file").
			WithDetail("path", path)
	}
	return FromAssignments(ParseAssignments(string(data))), nil
}
