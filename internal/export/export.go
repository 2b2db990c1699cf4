// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package export writes generated keys to files that can be loaded into
// another license database.
package export

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/autobrr/keysmith/internal/database"
)

type Format string

const (
	FormatSQL  Format = "sql"
	FormatYAML Format = "yaml"
)

var (
	ErrUnknownFormat = errors.New("unknown export format")
	ErrNoKeys        = errors.New("nothing to export")

	// ErrUnportableValue marks a value whose SQL literal differs between
	// MySQL default sql_mode and standard-conforming dialects.
	ErrUnportableValue = errors.New("value contains a backslash")
)

func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "sql":
		return FormatSQL, nil
	case "yaml", "yml":
		return FormatYAML, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownFormat, s)
	}
}

// Batch is a set of keys exported together.
type Batch struct {
	ID          uuid.UUID
	Product     string
	Status      string
	Keys        []string
	GeneratedAt time.Time
}

type yamlBatch struct {
	BatchID     string    `yaml:"batchId"`
	Product     string    `yaml:"product"`
	Status      string    `yaml:"status"`
	GeneratedAt time.Time `yaml:"generatedAt"`
	Table       string    `yaml:"table"`
	Keys        []string  `yaml:"keys"`
}

// Writer creates export files in dir. Statements target table.
type Writer struct {
	dir   string
	table string
	now   func() time.Time
}

func NewWriter(dir, table string) *Writer {
	return &Writer{
		dir:   dir,
		table: table,
		now:   time.Now,
	}
}

func (w *Writer) Dir() string {
	return w.dir
}

// Write stores batch in a new licenses_<timestamp> file and returns its path.
func (w *Writer) Write(batch Batch, format Format) (string, error) {
	if len(batch.Keys) == 0 {
		return "", ErrNoKeys
	}
	if !database.IsValidIdentifier(w.table) {
		return "", fmt.Errorf("%w: %q", database.ErrInvalidTableName, w.table)
	}
	if batch.GeneratedAt.IsZero() {
		batch.GeneratedAt = w.now()
	}
	if batch.ID == uuid.Nil {
		batch.ID = uuid.New()
	}
	if batch.Status == "" {
		batch.Status = "active"
	}

	var (
		data []byte
		err  error
	)
	switch format {
	case FormatSQL:
		for _, v := range append([]string{batch.Product, batch.Status}, batch.Keys...) {
			if strings.Contains(v, `\`) {
				return "", fmt.Errorf("%w: %q", ErrUnportableValue, v)
			}
		}
		data = w.renderSQL(batch)
	case FormatYAML:
		data, err = yaml.Marshal(yamlBatch{
			BatchID:     batch.ID.String(),
			Product:     batch.Product,
			Status:      batch.Status,
			GeneratedAt: batch.GeneratedAt.UTC(),
			Table:       w.table,
			Keys:        batch.Keys,
		})
		if err != nil {
			return "", fmt.Errorf("encode export: %w", err)
		}
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}

	if err := os.MkdirAll(w.dir, 0755); err != nil {
		return "", fmt.Errorf("create export directory: %w", err)
	}

	path, err := w.create(batch.GeneratedAt, string(format), data)
	if err != nil {
		return "", err
	}

	log.Info().
		Str("batch", batch.ID.String()).
		Str("product", batch.Product).
		Int("keys", len(batch.Keys)).
		Str("path", path).
		Msg("Licenses exported")

	return path, nil
}

func (w *Writer) renderSQL(batch Batch) []byte {
	var buf bytes.Buffer
	buf.WriteString("-- License Keys Export\n")
	fmt.Fprintf(&buf, "-- Generated: %s\n", batch.GeneratedAt.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(&buf, "-- Product: %s\n", singleLine(batch.Product))
	fmt.Fprintf(&buf, "-- Batch: %s\n\n", batch.ID)

	for _, key := range batch.Keys {
		fmt.Fprintf(&buf, "INSERT INTO %s (license_key, product, status) VALUES (%s, %s, %s);\n",
			w.table, quote(key), quote(batch.Product), quote(batch.Status))
	}
	return buf.Bytes()
}

// create writes data to a fresh file, suffixing the name when a file from the
// same second already exists.
func (w *Writer) create(at time.Time, ext string, data []byte) (string, error) {
	base := "licenses_" + at.Format("20060102_150405")

	for i := 0; i < 100; i++ {
		name := base
		if i > 0 {
			name = fmt.Sprintf("%s_%d", base, i)
		}
		path := filepath.Join(w.dir, name+"."+ext)

		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
		if errors.Is(err, os.ErrExist) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("create export file: %w", err)
		}

		if _, err := f.Write(data); err != nil {
			f.Close()
			return "", fmt.Errorf("write export file: %w", err)
		}
		if err := f.Close(); err != nil {
			return "", fmt.Errorf("close export file: %w", err)
		}
		return path, nil
	}

	return "", fmt.Errorf("create export file: too many exports named %s", base)
}

// quote renders s as a standard SQL string literal. Values never carry a
// backslash, so the literal reads the same under MySQL escaping.
func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func singleLine(s string) string {
	return strings.NewReplacer("\r", " ", "\n", " ").Replace(s)
}
