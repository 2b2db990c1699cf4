// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package config

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultTemplateRoundTrip(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "keysmith")
	configPath := filepath.Join(dir, "config.toml")
	require.NoError(t, WriteDefaultConfig(configPath))

	cfg, err := New(configPath)
	require.NoError(t, err)

	assert.Equal(t, configPath, cfg.ConfigPath())
	assert.Equal(t, "INFO", cfg.Config.LogLevel)
	assert.Equal(t, "sqlite", cfg.Config.Database.Driver)
	assert.Equal(t, "licences", cfg.Config.Table.Name)
	assert.Equal(t, "verification_logs", cfg.Config.Table.LogName)
	assert.Equal(t, 32, cfg.Config.License.KeyLength)
	assert.Equal(t, "active", cfg.Config.License.Status)
	assert.Equal(t, 2, cfg.Config.Analysis.Threshold)
	assert.Equal(t, 2, cfg.Config.Analysis.MinDomains)
	assert.Empty(t, cfg.Config.Product.Name)

	assert.Equal(t, filepath.Join(dir, "keysmith.db"), cfg.GetDatabasePath())
	assert.Equal(t, filepath.Join(dir, "products.json"), cfg.ProductsPath())
	assert.Equal(t, filepath.Join(dir, "exports"), cfg.ExportDir())
}

func TestWriteDefaultConfigKeepsOperatorFile(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.toml")
	operator := "[analysis]\nthreshold = 7\nminDomains = 3\n"
	require.NoError(t, os.WriteFile(configPath, []byte(operator), 0600))

	require.NoError(t, WriteDefaultConfig(configPath))

	content, err := os.ReadFile(configPath)
	require.NoError(t, err)
	assert.Equal(t, operator, string(content))

	cfg, err := New(configPath)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Config.Analysis.Threshold)
	assert.Equal(t, 3, cfg.Config.Analysis.MinDomains)
	assert.Equal(t, 32, cfg.Config.License.KeyLength, "sections missing from the file fall back to defaults")
}

func TestNewFromExistingFileWithoutTomlExtension(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "keysmith.conf")
	require.NoError(t, os.WriteFile(configPath, []byte(`
[license]
keyLength = 24
status = "inactive"

[table]
name = "shop_licenses"
logName = "shop_checks"
`), 0644))

	cfg, err := New(configPath)
	require.NoError(t, err)

	assert.Equal(t, configPath, cfg.ConfigPath())
	assert.Equal(t, 24, cfg.Config.License.KeyLength)
	assert.Equal(t, "inactive", cfg.Config.License.Status)
	assert.Equal(t, "shop_licenses", cfg.DatabaseOptions().LicenseTable)
	assert.Equal(t, "shop_checks", cfg.DatabaseOptions().LogTable)
	assert.Equal(t, filepath.Join(dir, "products.json"), cfg.ProductsPath())

	_, err = os.Stat(filepath.Join(dir, "keysmith.conf", "config.toml"))
	assert.Error(t, err, "an existing file is never treated as a directory")
}

func TestResolveConfigPath(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "settings"), []byte(""), 0644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "profiles"), 0755))

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{name: "existing_file", input: filepath.Join(dir, "settings"), want: filepath.Join(dir, "settings")},
		{name: "existing_directory", input: filepath.Join(dir, "profiles"), want: filepath.Join(dir, "profiles", "config.toml")},
		{name: "missing_directory", input: filepath.Join(dir, "later"), want: filepath.Join(dir, "later", "config.toml")},
		{name: "missing_toml_file", input: filepath.Join(dir, "shop.TOML"), want: filepath.Join(dir, "shop.TOML")},
	}

	c := &AppConfig{}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, c.resolveConfigPath(tt.input))
		})
	}
}

func TestGetDefaultConfigDir(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("APPDATA takes precedence on windows")
	}

	home := t.TempDir()

	tests := []struct {
		name string
		xdg  string
		want string
	}{
		{name: "container_volume", xdg: "/config", want: "/config"},
		{name: "xdg_config_home", xdg: "/srv/conf", want: filepath.Join("/srv/conf", "keysmith")},
		{name: "home_fallback", xdg: "", want: filepath.Join(home, ".config", "keysmith")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("HOME", home)
			t.Setenv("XDG_CONFIG_HOME", tt.xdg)
			assert.Equal(t, tt.want, GetDefaultConfigDir())
		})
	}
}
