// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package database

import (
	"bytes"
	"context"
	"database/sql"
	"embed"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"text/template"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

//go:embed migrations/*/*.sql
var migrationsFS embed.FS

var (
	// ErrConnection is returned when the database cannot be reached. It is
	// fatal for the session.
	ErrConnection = errors.New("database unreachable")

	ErrUnsupportedDriver = errors.New("unsupported database driver")
	ErrInvalidTableName  = errors.New("invalid table name")
)

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// IsValidIdentifier reports whether name is safe to interpolate as a table name.
func IsValidIdentifier(name string) bool {
	return len(name) <= 64 && identPattern.MatchString(name)
}

type DB struct {
	conn         *sql.DB
	dialect      Dialect
	licenseTable string
	logTable     string
}

// New opens a single connection to the configured database, verifies it is
// reachable and applies the embedded migrations for its dialect.
func New(ctx context.Context, opts Options) (*DB, error) {
	dialect, err := ParseDialect(opts.Driver)
	if err != nil {
		return nil, err
	}

	if !IsValidIdentifier(opts.LicenseTable) {
		return nil, errors.Wrapf(ErrInvalidTableName, "license table %q", opts.LicenseTable)
	}
	if !IsValidIdentifier(opts.LogTable) {
		return nil, errors.Wrapf(ErrInvalidTableName, "log table %q", opts.LogTable)
	}

	if dialect == DialectSQLite {
		// Ensure the directory exists
		dir := filepath.Dir(opts.Path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, errors.Wrap(err, "failed to create database directory")
		}
	}

	dsn, err := opts.DSN()
	if err != nil {
		return nil, err
	}

	conn, err := sql.Open(dialect.DriverName(), dsn)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}

	// one interactive session, one connection
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(0)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := conn.PingContext(pingCtx); err != nil {
		conn.Close()
		return nil, errors.Wrapf(ErrConnection, "%s: %v", opts.Redacted(), err)
	}

	if dialect == DialectSQLite {
		if err := configureSQLite(ctx, conn); err != nil {
			conn.Close()
			return nil, err
		}
	}

	db := &DB{
		conn:         conn,
		dialect:      dialect,
		licenseTable: opts.LicenseTable,
		logTable:     opts.LogTable,
	}

	// Run migrations
	if err := db.migrate(ctx); err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "failed to run migrations")
	}

	log.Debug().
		Str("driver", string(dialect)).
		Str("licenseTable", db.licenseTable).
		Str("logTable", db.logTable).
		Msg("Database ready")

	return db, nil
}

func configureSQLite(ctx context.Context, conn *sql.DB) error {
	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 10000",
	}
	for _, pragma := range pragmas {
		if _, err := conn.ExecContext(ctx, pragma); err != nil {
			return errors.Wrapf(err, "failed to apply %q", pragma)
		}
	}
	return nil
}

func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) Conn() *sql.DB {
	return db.conn
}

func (db *DB) Dialect() Dialect {
	return db.dialect
}

func (db *DB) LicenseTable() string {
	return db.licenseTable
}

func (db *DB) LogTable() string {
	return db.logTable
}

// Rebind rewrites ? placeholders for the connected dialect.
func (db *DB) Rebind(query string) string {
	return db.dialect.Rebind(query)
}

type migrationVars struct {
	LicenseTable string
	LogTable     string
}

func (db *DB) migrate(ctx context.Context) error {
	// Create migrations table if it doesn't exist
	if _, err := db.conn.ExecContext(ctx, db.dialect.migrationsTableDDL()); err != nil {
		return errors.Wrap(err, "failed to create migrations table")
	}

	dir := path.Join("migrations", string(db.dialect))

	// Get all migration files
	entries, err := migrationsFS.ReadDir(dir)
	if err != nil {
		return errors.Wrap(err, "failed to read migrations directory")
	}

	var files []string
	for _, entry := range entries {
		if !entry.IsDir() && filepath.Ext(entry.Name()) == ".sql" {
			files = append(files, entry.Name())
		}
	}
	sort.Strings(files)

	for _, file := range files {
		if err := db.applyMigration(ctx, dir, file); err != nil {
			return errors.Wrapf(err, "failed to apply migration %s", file)
		}
	}

	return nil
}

// migrationName records the migration per table pair so that differently
// named tables in the same database are provisioned independently.
func (db *DB) migrationName(filename string) string {
	return db.licenseTable + ":" + db.logTable + ":" + filename
}

func (db *DB) applyMigration(ctx context.Context, dir, filename string) error {
	name := db.migrationName(filename)

	var count int
	err := db.conn.QueryRowContext(ctx, db.Rebind("SELECT COUNT(*) FROM schema_migrations WHERE filename = ?"), name).Scan(&count)
	if err != nil {
		return errors.Wrap(err, "failed to check migration status")
	}

	if count > 0 {
		log.Debug().Msgf("Migration %s already applied", name)
		return nil
	}

	content, err := migrationsFS.ReadFile(path.Join(dir, filename))
	if err != nil {
		return errors.Wrap(err, "failed to read migration file")
	}

	rendered, err := renderMigration(string(content), migrationVars{
		LicenseTable: db.licenseTable,
		LogTable:     db.logTable,
	})
	if err != nil {
		return err
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	for _, stmt := range splitStatements(rendered) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return errors.Wrap(err, "failed to execute migration")
		}
	}

	if _, err := tx.ExecContext(ctx, db.Rebind("INSERT INTO schema_migrations (filename) VALUES (?)"), name); err != nil {
		return errors.Wrap(err, "failed to record migration")
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "failed to commit migration")
	}

	log.Info().Msgf("Applied migration: %s", name)
	return nil
}

func renderMigration(content string, vars migrationVars) (string, error) {
	tmpl, err := template.New("migration").Parse(content)
	if err != nil {
		return "", errors.Wrap(err, "failed to parse migration template")
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, vars); err != nil {
		return "", errors.Wrap(err, "failed to render migration")
	}
	return buf.String(), nil
}

// splitStatements splits a migration on statement terminators. Migrations
// never contain semicolons inside literals.
func splitStatements(content string) []string {
	var stmts []string
	for _, part := range strings.Split(content, ";") {
		var lines []string
		for _, line := range strings.Split(part, "\n") {
			trimmed := strings.TrimSpace(line)
			if trimmed == "" || strings.HasPrefix(trimmed, "--") {
				continue
			}
			lines = append(lines, line)
		}
		if len(lines) > 0 {
			stmts = append(stmts, strings.TrimSpace(strings.Join(lines, "\n")))
		}
	}
	return stmts
}
