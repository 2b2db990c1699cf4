// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package database

import (
	"net"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"
	"github.com/pkg/errors"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
	DialectMySQL    Dialect = "mysql"
)

func ParseDialect(driver string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "sqlite", "sqlite3", "":
		return DialectSQLite, nil
	case "postgres", "postgresql", "pg":
		return DialectPostgres, nil
	case "mysql", "mariadb":
		return DialectMySQL, nil
	}
	return "", errors.Wrapf(ErrUnsupportedDriver, "%q", driver)
}

// DriverName is the database/sql driver registered for the dialect.
func (d Dialect) DriverName() string {
	switch d {
	case DialectPostgres:
		return "postgres"
	case DialectMySQL:
		return "mysql"
	default:
		return "sqlite"
	}
}

// Rebind converts ? placeholders to $n for postgres.
func (d Dialect) Rebind(query string) string {
	if d != DialectPostgres {
		return query
	}

	var sb strings.Builder
	sb.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
			continue
		}
		sb.WriteByte(query[i])
	}
	return sb.String()
}

func (d Dialect) migrationsTableDDL() string {
	switch d {
	case DialectPostgres:
		return `CREATE TABLE IF NOT EXISTS schema_migrations (
			id BIGSERIAL PRIMARY KEY,
			filename VARCHAR(255) NOT NULL UNIQUE,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`
	case DialectMySQL:
		return `CREATE TABLE IF NOT EXISTS schema_migrations (
			id INT AUTO_INCREMENT PRIMARY KEY,
			filename VARCHAR(255) NOT NULL UNIQUE,
			applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`
	default:
		return `CREATE TABLE IF NOT EXISTS schema_migrations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			filename TEXT NOT NULL UNIQUE,
			applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`
	}
}

// IsUniqueViolation reports whether err was caused by a unique constraint.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}

	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == 1062
	}

	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		code := liteErr.Code()
		return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
	}

	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// Options describes how to reach the license database.
type Options struct {
	Driver       string
	Host         string
	Port         int
	User         string
	Password     string
	Name         string
	Path         string
	Params       map[string]string
	LicenseTable string
	LogTable     string
}

// DSN builds the driver specific connection string.
func (o Options) DSN() (string, error) {
	dialect, err := ParseDialect(o.Driver)
	if err != nil {
		return "", err
	}

	switch dialect {
	case DialectPostgres:
		u := url.URL{
			Scheme: "postgres",
			Host:   o.hostPort(5432),
			Path:   "/" + o.Name,
		}
		if o.User != "" {
			if o.Password != "" {
				u.User = url.UserPassword(o.User, o.Password)
			} else {
				u.User = url.User(o.User)
			}
		}
		q := url.Values{}
		for k, v := range o.Params {
			q.Set(k, v)
		}
		if q.Get("sslmode") == "" {
			q.Set("sslmode", "disable")
		}
		u.RawQuery = q.Encode()
		return u.String(), nil

	case DialectMySQL:
		cfg := mysql.NewConfig()
		cfg.User = o.User
		cfg.Passwd = o.Password
		cfg.Net = "tcp"
		cfg.Addr = o.hostPort(3306)
		cfg.DBName = o.Name
		cfg.ParseTime = true
		if len(o.Params) > 0 {
			cfg.Params = make(map[string]string, len(o.Params))
			for k, v := range o.Params {
				cfg.Params[k] = v
			}
		}
		return cfg.FormatDSN(), nil

	default:
		if o.Path == "" {
			return "", errors.New("sqlite database path is empty")
		}
		if len(o.Params) == 0 {
			return o.Path, nil
		}
		keys := make([]string, 0, len(o.Params))
		for k := range o.Params {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, url.QueryEscape(k)+"="+url.QueryEscape(o.Params[k]))
		}
		return o.Path + "?" + strings.Join(parts, "&"), nil
	}
}

// Redacted describes the target without credentials, for logs and errors.
func (o Options) Redacted() string {
	dialect, err := ParseDialect(o.Driver)
	if err != nil {
		return o.Driver
	}
	if dialect == DialectSQLite {
		return "sqlite:" + o.Path
	}
	return string(dialect) + "://" + o.hostPort(0) + "/" + o.Name
}

func (o Options) hostPort(defaultPort int) string {
	host := o.Host
	if host == "" {
		host = "localhost"
	}
	port := o.Port
	if port == 0 {
		port = defaultPort
	}
	if port == 0 {
		return host
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}
