// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"text/template"

	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"github.com/autobrr/keysmith/internal/database"
	"github.com/autobrr/keysmith/internal/domain"
)

const (
	appName            = "keysmith"
	envPrefix          = "KEYSMITH__"
	defaultDatabase    = "keysmith.db"
	defaultProductFile = "products.json"
)

var ErrInvalidConfig = errors.New("invalid configuration")

var configTemplate = `# config.toml - keysmith configuration
# Every key can be overridden with an environment variable prefixed KEYSMITH__,
# nested keys are joined with a double underscore, e.g. KEYSMITH__DATABASE__HOST.

# Log level
# Default: "INFO"
# Options: "ERROR", "WARN", "INFO", "DEBUG", "TRACE"
logLevel = "{{ .logLevel }}"

# Log file path
# If not defined, logs to stderr
#logPath = "keysmith.log"

# Products catalog
# Default: products.json next to this file
#productsFile = "products.json"

[database]
# Options: "sqlite", "postgres", "mysql"
driver = "{{ .driver }}"

# sqlite only. Default: keysmith.db next to this file
#path = "keysmith.db"

# postgres and mysql
#host = "localhost"
#port = 5432
#user = "keysmith"
#password = ""
#name = "keysmith"

# Extra driver parameters appended to the connection string
#[database.params]
#sslmode = "require"

[table]
# License table and verification log table
name = "{{ .table }}"
logName = "{{ .logTable }}"

[product]
# Product used when none is picked
name = ""

[license]
# Generated key length, 8 to 255
keyLength = {{ .keyLength }}
# Status assigned to new keys
status = "active"

[analysis]
# Verifications at which a key counts as over-used
threshold = {{ .threshold }}
# Distinct domains at which a key counts as shared
minDomains = {{ .minDomains }}

[export]
# Directory for exported key files
# Default: exports next to this file
#dir = "exports"
`

// AppConfig wraps the decoded configuration with the file it came from.
type AppConfig struct {
	Config     *domain.Config
	viper      *viper.Viper
	configPath string
	validate   *validator.Validate
}

func New(configPath string) (*AppConfig, error) {
	c := &AppConfig{
		viper:    viper.New(),
		Config:   &domain.Config{},
		validate: newValidator(),
	}

	c.defaults()

	if err := c.load(configPath); err != nil {
		return nil, err
	}

	if err := c.viper.Unmarshal(c.Config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}

	return c, nil
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("sqlident", func(fl validator.FieldLevel) bool {
		return database.IsValidIdentifier(fl.Field().String())
	})
	return v
}

// Validate checks the decoded configuration.
func (c *AppConfig) Validate() error {
	if err := c.validate.Struct(c.Config); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(msgs, ", "))
		}
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

func (c *AppConfig) defaults() {
	c.viper.SetDefault("logLevel", "INFO")
	c.viper.SetDefault("logPath", "")
	c.viper.SetDefault("productsFile", "")

	c.viper.SetDefault("database.driver", "sqlite")
	c.viper.SetDefault("database.host", "")
	c.viper.SetDefault("database.port", 0)
	c.viper.SetDefault("database.user", "")
	c.viper.SetDefault("database.password", "")
	c.viper.SetDefault("database.name", "")
	c.viper.SetDefault("database.path", "")

	c.viper.SetDefault("table.name", "licences")
	c.viper.SetDefault("table.logName", "verification_logs")

	c.viper.SetDefault("product.name", "")

	c.viper.SetDefault("license.keyLength", 32)
	c.viper.SetDefault("license.status", "active")

	c.viper.SetDefault("analysis.threshold", 2)
	c.viper.SetDefault("analysis.minDomains", 2)

	c.viper.SetDefault("export.dir", "")
}

func (c *AppConfig) load(configPath string) error {
	c.viper.SetConfigType("toml")

	if configPath != "" {
		configPath = c.resolveConfigPath(configPath)
	} else {
		configPath = filepath.Join(GetDefaultConfigDir(), "config.toml")
	}

	if err := WriteDefaultConfig(configPath); err != nil {
		log.Warn().Err(err).Str("path", configPath).Msg("Could not write default config")
	}

	c.configPath = configPath
	c.viper.SetConfigFile(configPath)

	if err := c.viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to read config: %w", err)
		}
		log.Debug().Str("path", configPath).Msg("No config file, using defaults")
	}

	c.loadFromEnv()
	return nil
}

// resolveConfigPath maps a --config-dir value to a file. A path ending in
// .toml or naming an existing file is used as is, anything else is a directory.
func (c *AppConfig) resolveConfigPath(path string) string {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		return path
	}

	if info, err := os.Stat(path); err == nil && !info.IsDir() {
		return path
	}

	return filepath.Join(path, "config.toml")
}

func (c *AppConfig) loadFromEnv() {
	// viper joins the prefix and key with "_", so KEYSMITH_ yields KEYSMITH__
	c.viper.SetEnvPrefix(strings.TrimSuffix(envPrefix, "_"))
	c.viper.SetEnvKeyReplacer(strings.NewReplacer(".", "__"))
	c.viper.AutomaticEnv()
}

// ConfigPath returns the file the configuration was read from.
func (c *AppConfig) ConfigPath() string {
	return c.configPath
}

func (c *AppConfig) configDir() string {
	if c.configPath == "" {
		return GetDefaultConfigDir()
	}
	return filepath.Dir(c.configPath)
}

func (c *AppConfig) relative(path, fallback string) string {
	if path == "" {
		path = fallback
	}
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(c.configDir(), path)
}

// GetDatabasePath returns the sqlite file, relative paths resolved against the config directory.
func (c *AppConfig) GetDatabasePath() string {
	return c.relative(c.Config.Database.Path, defaultDatabase)
}

func (c *AppConfig) ProductsPath() string {
	return c.relative(c.Config.ProductsFile, defaultProductFile)
}

func (c *AppConfig) ExportDir() string {
	return c.relative(c.Config.Export.Dir, "exports")
}

// DatabaseOptions builds connection options from the [database] and [table] sections.
func (c *AppConfig) DatabaseOptions() database.Options {
	db := c.Config.Database
	return database.Options{
		Driver:       db.Driver,
		Host:         db.Host,
		Port:         db.Port,
		User:         db.User,
		Password:     db.Password,
		Name:         db.Name,
		Path:         c.GetDatabasePath(),
		Params:       db.Params,
		LicenseTable: c.Config.Table.Name,
		LogTable:     c.Config.Table.LogName,
	}
}

func (c *AppConfig) GetDatabaseDSN() (string, error) {
	return c.DatabaseOptions().DSN()
}

// NeedsPassword reports whether a network driver is configured without a password.
func (c *AppConfig) NeedsPassword() bool {
	return c.Config.Database.Driver != "sqlite" && c.Config.Database.Password == ""
}

// SetActiveProduct persists product.name to the config file and updates the
// in-memory value. Only the name line under [product] is rewritten, the rest
// of the file keeps its comments and key spelling.
func (c *AppConfig) SetActiveProduct(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("product name cannot be empty")
	}

	if err := WriteDefaultConfig(c.configPath); err != nil {
		return err
	}

	content, err := os.ReadFile(c.configPath)
	if err != nil {
		return fmt.Errorf("failed to read config: %w", err)
	}

	updated, err := setTableKey(string(content), "product", "name", name)
	if err != nil {
		return err
	}

	info, err := os.Stat(c.configPath)
	if err != nil {
		return fmt.Errorf("failed to stat config: %w", err)
	}
	if err := os.WriteFile(c.configPath, []byte(updated), info.Mode().Perm()); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	c.viper.Set("product.name", name)
	c.Config.Product.Name = name

	log.Info().Str("product", name).Str("path", c.configPath).Msg("Active product saved")
	return nil
}

// setTableKey replaces key inside [table] in TOML content, adding the key or
// the table when missing.
func setTableKey(content, table, key, value string) (string, error) {
	encoded, err := toml.Marshal(map[string]string{key: value})
	if err != nil {
		return "", fmt.Errorf("failed to encode %s.%s: %w", table, key, err)
	}
	line := strings.TrimSpace(string(encoded))

	lines := strings.Split(content, "\n")
	section := ""
	header := -1

	for i, l := range lines {
		trimmed := strings.TrimSpace(l)
		if strings.HasPrefix(trimmed, "[") && !strings.HasPrefix(trimmed, "[[") {
			if end := strings.Index(trimmed, "]"); end > 0 {
				section = strings.TrimSpace(trimmed[1:end])
				if section == table {
					header = i
				}
			}
			continue
		}
		if section != table || strings.HasPrefix(trimmed, "#") {
			continue
		}
		if k, _, ok := strings.Cut(trimmed, "="); ok && strings.Trim(strings.TrimSpace(k), `"'`) == key {
			lines[i] = line
			return strings.Join(lines, "\n"), nil
		}
	}

	if header >= 0 {
		lines = append(lines[:header+1], append([]string{line}, lines[header+1:]...)...)
		return strings.Join(lines, "\n"), nil
	}

	if content != "" && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	return content + "\n[" + table + "]\n" + line + "\n", nil
}

// ApplyLogConfig sets the global log level and output.
func (c *AppConfig) ApplyLogConfig() error {
	level, err := zerolog.ParseLevel(strings.ToLower(c.Config.LogLevel))
	if err != nil || c.Config.LogLevel == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	var out io.Writer = zerolog.ConsoleWriter{Out: os.Stderr}
	if c.Config.LogPath != "" {
		path := c.relative(c.Config.LogPath, "")
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return fmt.Errorf("failed to create log directory: %w", err)
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		out = zerolog.ConsoleWriter{Out: f, NoColor: true}
	}

	log.Logger = log.Output(out)
	return nil
}

// GetDefaultConfigDir returns the OS-specific config directory.
func GetDefaultConfigDir() string {
	if runtime.GOOS == "windows" {
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, appName)
		}
	}

	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		// container images mount the config volume at /config
		if xdg == "/config" {
			return xdg
		}
		return filepath.Join(xdg, appName)
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", appName)
}

// WriteDefaultConfig writes the default config file unless one already exists.
func WriteDefaultConfig(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to check config file: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	tmpl, err := template.New("config").Parse(configTemplate)
	if err != nil {
		return fmt.Errorf("failed to parse config template: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, map[string]any{
		"logLevel":   "INFO",
		"driver":     "sqlite",
		"table":      "licences",
		"logTable":   "verification_logs",
		"keyLength":  32,
		"threshold":  2,
		"minDomains": 2,
	}); err != nil {
		return fmt.Errorf("failed to render config template: %w", err)
	}

	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	log.Info().Str("path", path).Msg("Created default config file")
	return nil
}
