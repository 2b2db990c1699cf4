// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package export

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/autobrr/keysmith/internal/database"
)

var fixedTime = time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)

func newTestWriter(t *testing.T, table string) *Writer {
	t.Helper()
	w := NewWriter(filepath.Join(t.TempDir(), "exports"), table)
	w.now = func() time.Time { return fixedTime }
	return w
}

func TestParseFormat(t *testing.T) {
	tests := []struct {
		input   string
		want    Format
		wantErr bool
	}{
		{input: "", want: FormatSQL},
		{input: "SQL", want: FormatSQL},
		{input: "yaml", want: FormatYAML},
		{input: "yml", want: FormatYAML},
		{input: "csv", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseFormat(tt.input)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrUnknownFormat)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestWriteSQL(t *testing.T) {
	w := newTestWriter(t, "licences")
	id := uuid.MustParse("5b0c8f0e-0d5e-4a8c-9a3f-1f5e2d7c9b11")

	path, err := w.Write(Batch{
		ID:      id,
		Product: "O'Brien's Blur",
		Keys:    []string{"AAAABBBBCCCC", "DDDDEEEEFFFF"},
	}, FormatSQL)
	require.NoError(t, err)
	assert.Equal(t, "licenses_20250314_092653.sql", filepath.Base(path))

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	text := string(content)

	assert.Contains(t, text, "-- Generated: 2025-03-14 09:26:53")
	assert.Contains(t, text, "-- Batch: "+id.String())
	assert.Contains(t, text, "INSERT INTO licences (license_key, product, status) VALUES ('AAAABBBBCCCC', 'O''Brien''s Blur', 'active');")
	assert.Equal(t, 2, strings.Count(text, "INSERT INTO"))
}

func TestWriteYAML(t *testing.T) {
	w := newTestWriter(t, "licences")

	path, err := w.Write(Batch{Product: "Safety Blur", Keys: []string{"K1", "K2", "K3"}}, FormatYAML)
	require.NoError(t, err)
	assert.Equal(t, ".yaml", filepath.Ext(path))

	content, err := os.ReadFile(path)
	require.NoError(t, err)

	var got yamlBatch
	require.NoError(t, yaml.Unmarshal(content, &got))
	assert.Equal(t, "Safety Blur", got.Product)
	assert.Equal(t, "licences", got.Table)
	assert.Equal(t, []string{"K1", "K2", "K3"}, got.Keys)
	assert.NotEmpty(t, got.BatchID)
	assert.True(t, fixedTime.Equal(got.GeneratedAt))
}

func TestWriteSameSecondDoesNotOverwrite(t *testing.T) {
	w := newTestWriter(t, "licences")

	first, err := w.Write(Batch{Product: "P", Keys: []string{"A"}}, FormatSQL)
	require.NoError(t, err)
	second, err := w.Write(Batch{Product: "P", Keys: []string{"B"}}, FormatSQL)
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
	assert.Equal(t, "licenses_20250314_092653_1.sql", filepath.Base(second))
}

func TestWriteErrors(t *testing.T) {
	t.Run("no_keys", func(t *testing.T) {
		w := newTestWriter(t, "licences")
		_, err := w.Write(Batch{Product: "P"}, FormatSQL)
		assert.ErrorIs(t, err, ErrNoKeys)
	})

	t.Run("bad_table", func(t *testing.T) {
		w := newTestWriter(t, "licences; DROP TABLE x")
		_, err := w.Write(Batch{Product: "P", Keys: []string{"A"}}, FormatSQL)
		assert.ErrorIs(t, err, database.ErrInvalidTableName)
	})

	t.Run("backslash_in_product", func(t *testing.T) {
		w := newTestWriter(t, "licences")
		_, err := w.Write(Batch{Product: `Tools\`, Keys: []string{"A"}}, FormatSQL)
		assert.ErrorIs(t, err, ErrUnportableValue)

		entries, err := os.ReadDir(w.Dir())
		if err == nil {
			assert.Empty(t, entries)
		}
	})

	t.Run("backslash_allowed_in_yaml", func(t *testing.T) {
		w := newTestWriter(t, "licences")
		_, err := w.Write(Batch{Product: `Tools\`, Keys: []string{"A"}}, FormatYAML)
		assert.NoError(t, err)
	})

	t.Run("bad_format", func(t *testing.T) {
		w := newTestWriter(t, "licences")
		_, err := w.Write(Batch{Product: "P", Keys: []string{"A"}}, Format("xml"))
		assert.ErrorIs(t, err, ErrUnknownFormat)
	})
}
