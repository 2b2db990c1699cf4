// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autobrr/keysmith/internal/config"
	"github.com/autobrr/keysmith/internal/database"
	"github.com/autobrr/keysmith/internal/keygen"
	"github.com/autobrr/keysmith/internal/models"
)

func execute(t *testing.T, configDir, input string, args ...string) (string, error) {
	t.Helper()

	cmd := NewRootCommand("test")
	var output bytes.Buffer
	cmd.SetOut(&output)
	cmd.SetErr(&output)
	cmd.SetIn(strings.NewReader(input))
	cmd.SetArgs(append(args, "--config-dir", configDir, "--log-level", "ERROR"))

	err := cmd.Execute()
	return output.String(), err
}

func withLogs(t *testing.T, configDir string, fn func(logs *models.VerificationLogStore)) {
	t.Helper()

	cfg, err := config.New(configDir)
	require.NoError(t, err)

	db, err := database.New(t.Context(), cfg.DatabaseOptions())
	require.NoError(t, err)
	defer db.Close()

	fn(models.NewVerificationLogStore(db))
}

func outputKeys(output string, length int) []string {
	var keys []string
	for _, line := range strings.Split(output, "\n") {
		if keygen.IsValidKey(strings.TrimSpace(line), length) {
			keys = append(keys, strings.TrimSpace(line))
		}
	}
	return keys
}

func TestVersionCommand(t *testing.T) {
	cmd := NewRootCommand("1.2.3")
	var output bytes.Buffer
	cmd.SetOut(&output)
	cmd.SetArgs([]string{"version"})

	require.NoError(t, cmd.Execute())
	assert.Equal(t, "1.2.3\n", output.String())
}

func TestGenerateCommand(t *testing.T) {
	dir := t.TempDir()

	output, err := execute(t, dir, "", "generate", "--count", "5", "--product", "Safety Blur", "--length", "20")
	require.NoError(t, err)

	keys := outputKeys(output, 20)
	require.Len(t, keys, 5)

	output, err = execute(t, dir, "", "unused")
	require.NoError(t, err)
	for _, k := range keys {
		assert.Contains(t, output, k)
	}
	assert.Contains(t, output, "Product: Safety Blur  Status: active")
}

func TestGenerateCommandValidation(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{name: "zero_count", args: []string{"generate", "--count", "0", "--product", "P"}, wantErr: "positive number"},
		{name: "no_product", args: []string{"generate", "--count", "1"}, wantErr: "product name is required"},
		{name: "short_length", args: []string{"generate", "--product", "P", "--length", "-1"}, wantErr: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := execute(t, t.TempDir(), "", tt.args...)
			if tt.wantErr == "" {
				// a non-positive length falls back to the configured length
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestUsageCommands(t *testing.T) {
	dir := t.TempDir()

	output, err := execute(t, dir, "", "generate", "--count", "3", "--product", "P")
	require.NoError(t, err)
	keys := outputKeys(output, 32)
	require.Len(t, keys, 3)
	target := keys[1]

	withLogs(t, dir, func(logs *models.VerificationLogStore) {
		for _, d := range []string{"shop.example", "shop.example", "mirror.example"} {
			require.NoError(t, logs.InsertEvent(t.Context(), models.VerificationEvent{LicenseKey: target, Product: "P", Domain: d}))
		}
	})

	output, err = execute(t, dir, "", "overused")
	require.NoError(t, err)
	assert.Contains(t, output, "Key: "+target+"  Product: P  Uses: 3")

	output, err = execute(t, dir, "", "overused", "--threshold", "4")
	require.NoError(t, err)
	assert.Contains(t, output, "No over-used keys found.")

	output, err = execute(t, dir, "", "warnings")
	require.NoError(t, err)
	assert.Contains(t, output, "Key: "+target+"  Product: P  Domains: 2")

	output, err = execute(t, dir, "", "warnings", "--delete")
	require.NoError(t, err)
	assert.Contains(t, output, "Deleted 1 of 1 keys.")

	output, err = execute(t, dir, "", "warnings")
	require.NoError(t, err)
	assert.Contains(t, output, "No keys have been used on multiple domains.")
}

func TestDeleteAndRevokeCommands(t *testing.T) {
	dir := t.TempDir()

	output, err := execute(t, dir, "", "generate", "--count", "2", "--product", "P")
	require.NoError(t, err)
	keys := outputKeys(output, 32)
	require.Len(t, keys, 2)

	output, err = execute(t, dir, "", "revoke", keys[0])
	require.NoError(t, err)
	assert.Contains(t, output, "is now revoked")

	output, err = execute(t, dir, "", "revoke", "--activate", keys[0])
	require.NoError(t, err)
	assert.Contains(t, output, "is now active")

	_, err = execute(t, dir, "", "revoke", "MISSINGKEY")
	assert.ErrorIs(t, err, models.ErrLicenseNotFound)

	output, err = execute(t, dir, "", "delete", keys[0], "MISSINGKEY")
	require.NoError(t, err)
	assert.Contains(t, output, "Deleted 1 of 2 keys.")
	assert.Contains(t, output, "Not found: MISSINGKEY")

	output, err = execute(t, dir, "", "delete", keys[0])
	require.NoError(t, err)
	assert.Contains(t, output, "Deleted 0 of 1 keys.")
}

func TestProductCommands(t *testing.T) {
	dir := t.TempDir()

	output, err := execute(t, dir, "", "products", "list")
	require.NoError(t, err)
	assert.Contains(t, output, "No products found")

	output, err = execute(t, dir, "", "products", "add", "Safety", "Blur")
	require.NoError(t, err)
	assert.Contains(t, output, "Product 'Safety Blur' added")

	output, err = execute(t, dir, "", "products", "add", "Safety Blur")
	require.NoError(t, err)
	assert.Contains(t, output, "already exists")

	output, err = execute(t, dir, "", "set-product", "Panel Theme")
	require.NoError(t, err)
	assert.Contains(t, output, "Product set to: Panel Theme")

	output, err = execute(t, dir, "", "products", "list")
	require.NoError(t, err)
	assert.Contains(t, output, "[1] Safety Blur\n")
	assert.Contains(t, output, "[2] Panel Theme (active)")

	// the active product is now the default for generate
	output, err = execute(t, dir, "", "generate")
	require.NoError(t, err)
	assert.Len(t, outputKeys(output, 32), 1)
}

func TestExportCommand(t *testing.T) {
	dir := t.TempDir()

	output, err := execute(t, dir, "", "export", "--count", "4", "--format", "sql", "--product", "P")
	require.NoError(t, err)
	assert.Contains(t, output, "Exported 4 licenses to:")

	files, err := filepath.Glob(filepath.Join(dir, "exports", "licenses_*.sql"))
	require.NoError(t, err)
	require.Len(t, files, 1)

	content, err := os.ReadFile(files[0])
	require.NoError(t, err)
	assert.Equal(t, 4, strings.Count(string(content), "INSERT INTO licences"))

	_, err = execute(t, dir, "", "export", "--count", "1", "--format", "csv", "--product", "P")
	assert.Error(t, err)
}

func TestClearLogsCommand(t *testing.T) {
	dir := t.TempDir()

	withLogs(t, dir, func(logs *models.VerificationLogStore) {
		require.NoError(t, logs.InsertEvent(t.Context(), models.VerificationEvent{LicenseKey: "K", Product: "P", Domain: "d"}))
	})

	// the challenge is random, a guess never matches
	output, err := execute(t, dir, "not-the-challenge\n", "clear-logs")
	require.NoError(t, err)
	assert.Contains(t, output, "Confirmation failed")

	withLogs(t, dir, func(logs *models.VerificationLogStore) {
		count, err := logs.Count(t.Context())
		require.NoError(t, err)
		assert.Equal(t, 1, count)
	})
}

func TestInfoCommand(t *testing.T) {
	dir := t.TempDir()

	output, err := execute(t, dir, "", "info")
	require.NoError(t, err)
	assert.Contains(t, output, "Driver: sqlite")
	assert.Contains(t, output, "Table: licences")
	assert.Contains(t, output, "Status: Connected")
}

func TestInfoCommandConnectionError(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.toml"), []byte(`
[database]
driver = "postgres"
host = "127.0.0.1"
port = 1
user = "keysmith"
password = "secret"
name = "licenses"
`), 0644))

	_, err := execute(t, dir, "", "info")
	assert.ErrorIs(t, err, database.ErrConnection)
}

func TestMetricsCommand(t *testing.T) {
	dir := t.TempDir()

	_, err := execute(t, dir, "", "generate", "--count", "2", "--product", "P")
	require.NoError(t, err)

	textfile := filepath.Join(dir, "node", "keysmith.prom")
	output, err := execute(t, dir, "", "metrics", "--textfile", textfile)
	require.NoError(t, err)
	assert.Contains(t, output, "Metrics written to:")

	content, err := os.ReadFile(textfile)
	require.NoError(t, err)
	assert.Contains(t, string(content), `keysmith_licenses{product="P",status="active"} 2`)
	assert.Contains(t, string(content), "keysmith_unused_licenses 2")
}

func TestInteractiveRun(t *testing.T) {
	dir := t.TempDir()

	output, err := execute(t, dir, "8\nq\n", "run")
	require.NoError(t, err)
	assert.Contains(t, output, "[9] Generate and export keys to a file")
	assert.Contains(t, output, "Database Information")
	assert.Contains(t, output, "Goodbye!")
}
