// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog/log"
	"golang.org/x/term"

	"github.com/autobrr/keysmith/internal/config"
	"github.com/autobrr/keysmith/internal/console"
	"github.com/autobrr/keysmith/internal/database"
	"github.com/autobrr/keysmith/internal/export"
	"github.com/autobrr/keysmith/internal/models"
	"github.com/autobrr/keysmith/internal/products"
	"github.com/autobrr/keysmith/internal/services"
)

// rootOptions holds the persistent flags shared by every command.
type rootOptions struct {
	configDir string
	logLevel  string
}

// loadConfig reads the configuration and applies logging settings.
func (o *rootOptions) loadConfig() (*config.AppConfig, error) {
	cfg, err := config.New(o.configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize configuration: %w", err)
	}

	if o.logLevel != "" {
		cfg.Config.LogLevel = o.logLevel
	}
	if err := cfg.ApplyLogConfig(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Application is the wired set of stores and services behind every command.
type Application struct {
	cfg      *config.AppConfig
	db       *database.DB
	licenses *services.LicenseService
	analyzer *services.UsageAnalyzer
	catalog  *products.Catalog
	exporter *export.Writer
}

func NewApplication(ctx context.Context, opts *rootOptions) (*Application, error) {
	cfg, err := opts.loadConfig()
	if err != nil {
		return nil, err
	}

	if cfg.NeedsPassword() && term.IsTerminal(int(os.Stdin.Fd())) {
		password, err := readPassword(fmt.Sprintf("Password for %s@%s: ", cfg.Config.Database.User, cfg.Config.Database.Host))
		if err != nil {
			return nil, err
		}
		cfg.Config.Database.Password = password
	}

	db, err := database.New(ctx, cfg.DatabaseOptions())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	licenses := services.NewLicenseService(models.NewLicenseStore(db), nil, services.LicenseOptions{
		KeyLength: cfg.Config.License.KeyLength,
		Status:    cfg.Config.License.Status,
	})

	app := &Application{
		cfg:      cfg,
		db:       db,
		licenses: licenses,
		analyzer: services.NewUsageAnalyzer(models.NewVerificationLogStore(db), licenses),
		catalog:  products.NewCatalog(cfg.ProductsPath()),
		exporter: export.NewWriter(cfg.ExportDir(), cfg.Config.Table.Name),
	}

	log.Debug().
		Str("driver", cfg.Config.Database.Driver).
		Str("table", db.LicenseTable()).
		Str("logTable", db.LogTable()).
		Msg("Application initialized")

	return app, nil
}

func (app *Application) Close() error {
	return app.db.Close()
}

func (app *Application) session(in io.Reader, out io.Writer) *console.Session {
	return console.NewSession(console.Options{
		Config:   app.cfg,
		Licenses: app.licenses,
		Analyzer: app.analyzer,
		Catalog:  app.catalog,
		Exporter: app.exporter,
		In:       in,
		Out:      out,
	})
}

func readPassword(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	password, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	return string(password), nil
}
