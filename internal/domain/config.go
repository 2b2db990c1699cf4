// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package domain

// Config represents the application configuration
type Config struct {
	LogLevel     string         `toml:"logLevel" mapstructure:"logLevel" validate:"omitempty,oneof=TRACE DEBUG INFO WARN ERROR trace debug info warn error"`
	LogPath      string         `toml:"logPath" mapstructure:"logPath"`
	ProductsFile string         `toml:"productsFile" mapstructure:"productsFile"`
	Database     DatabaseConfig `toml:"database" mapstructure:"database"`
	Table        TableConfig    `toml:"table" mapstructure:"table"`
	Product      ProductConfig  `toml:"product" mapstructure:"product"`
	License      LicenseConfig  `toml:"license" mapstructure:"license"`
	Analysis     AnalysisConfig `toml:"analysis" mapstructure:"analysis"`
	Export       ExportConfig   `toml:"export" mapstructure:"export"`
}

// DatabaseConfig holds connection parameters for the license database
type DatabaseConfig struct {
	Driver   string            `toml:"driver" mapstructure:"driver" validate:"required,oneof=sqlite postgres mysql"`
	Host     string            `toml:"host" mapstructure:"host" validate:"required_unless=Driver sqlite"`
	Port     int               `toml:"port" mapstructure:"port" validate:"omitempty,min=1,max=65535"`
	User     string            `toml:"user" mapstructure:"user"`
	Password string            `toml:"password" mapstructure:"password"`
	Name     string            `toml:"name" mapstructure:"name" validate:"required_unless=Driver sqlite"`
	Path     string            `toml:"path" mapstructure:"path"`     // sqlite only
	Params   map[string]string `toml:"params" mapstructure:"params"` // appended to the DSN
}

// TableConfig names the license and verification log tables
type TableConfig struct {
	Name    string `toml:"name" mapstructure:"name" validate:"required,sqlident"`
	LogName string `toml:"logName" mapstructure:"logName" validate:"required,sqlident"`
}

// ProductConfig holds the active product
type ProductConfig struct {
	Name string `toml:"name" mapstructure:"name"`
}

// LicenseConfig controls key issuance
type LicenseConfig struct {
	KeyLength int    `toml:"keyLength" mapstructure:"keyLength" validate:"min=8,max=255"`
	Status    string `toml:"status" mapstructure:"status" validate:"oneof=active inactive revoked"`
}

// AnalysisConfig holds the default usage thresholds
type AnalysisConfig struct {
	Threshold  int `toml:"threshold" mapstructure:"threshold" validate:"min=1"`
	MinDomains int `toml:"minDomains" mapstructure:"minDomains" validate:"min=1"`
}

// ExportConfig controls where exported key files are written
type ExportConfig struct {
	Dir string `toml:"dir" mapstructure:"dir"`
}
