// Package sqlstore connects to the relational store and writes datasets to
// it.
//
// The client library that can reach the server varies by host, so Connect
// negotiates: it tries an ordered list of driver variants, checks each with
// SELECT 1 and keeps the first one that answers. Every failed attempt is
// closed immediately and reported in the NoDriverAvailable error when no
// variant works.
package sqlstore

import (
	"strconv"
	"strings"
	"time"

	"github.com/ajitpratap0/ferry/pkg/config"
	"github.com/ajitpratap0/ferry/pkg/credentials"
	"github.com/ajitpratap0/ferry/pkg/errors"
)

// Profile holds resolved connection parameters. It is built once per run
// and not modified afterwards.
type Profile struct {
	Server   string
	Port     int
	Database string
	Username string
	Password string
	Schema   string
	// Encrypt enables TLS. It defaults to true in config.Defaults.
	Encrypt                bool
	TrustServerCertificate bool
	ConnectTimeout         time.Duration
}

// String renders the profile without its secret.
func (p Profile) String() string {
	return p.Username + "@" + p.Server + ":" + strconv.Itoa(p.Port) + "/" + p.Database
}

// ResolveProfile resolves the server, database and login of cfg. Values set
// in cfg win over the environment, which wins over the defaults file.
// databaseEnv lists the environment variables consulted for the database
// name, in order; it defaults to AZURE_SQL_DATABASE. fallbackDatabase is
// used when neither the environment nor the defaults file names one. Port
// is taken from cfg as-is. An empty schema is filled in by Connect from the
// negotiated dialect.
func ResolveProfile(r *credentials.Resolver, cfg config.SQLConfig, fallbackDatabase string, databaseEnv ...string) (Profile, error) {
	const remediation = "Pass it as a flag, export it or set it in the defaults file"

	server, err := r.Resolve(credentials.Source{
		Explicit:    cfg.Server,
		Env:         config.EnvSQLServer,
		Default:     credentials.DefaultServer,
		Remediation: remediation,
	})
	if err != nil {
		return Profile{}, err
	}

	if len(databaseEnv) == 0 {
		databaseEnv = []string{config.EnvSQLDatabase}
	}
	database := strings.TrimSpace(cfg.Database)
	for _, env := range databaseEnv {
		if database != "" {
			break
		}
		database = r.Optional(credentials.Source{Env: env}, "")
	}
	if database == "" {
		database = r.Optional(credentials.Source{Default: credentials.DefaultDatabase}, fallbackDatabase)
	}
	if database == "" {
		return Profile{}, errors.MissingCredential(databaseEnv[0], remediation)
	}

	username, err := r.Resolve(credentials.Source{
		Explicit:    cfg.Username,
		Env:         config.EnvSQLUsername,
		Default:     credentials.DefaultUsername,
		Remediation: remediation,
	})
	if err != nil {
		return Profile{}, err
	}

	password, err := r.Resolve(credentials.Source{
		Explicit:    cfg.Password,
		Env:         config.EnvSQLPassword,
		Default:     credentials.DefaultPassword,
		Remediation: remediation,
	})
	if err != nil {
		return Profile{}, err
	}

	return Profile{
		Server:                 server,
		Port:                   cfg.Port,
		Database:               database,
		Username:               username,
		Password:               password,
		Schema:                 strings.TrimSpace(cfg.Schema),
		Encrypt:                cfg.Encrypt,
		TrustServerCertificate: cfg.TrustServerCertificate,
		ConnectTimeout:         cfg.ConnectTimeout,
	}, nil
}
