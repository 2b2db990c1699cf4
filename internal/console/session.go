// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package console implements the interactive operator session.
package console

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/autobrr/keysmith/internal/config"
	"github.com/autobrr/keysmith/internal/export"
	"github.com/autobrr/keysmith/internal/keygen"
	"github.com/autobrr/keysmith/internal/models"
	"github.com/autobrr/keysmith/internal/products"
	"github.com/autobrr/keysmith/internal/services"
)

var (
	ErrUnknownCommand   = errors.New("unknown command")
	ErrInvalidSelection = errors.New("invalid selection")
)

// Licenses is the part of services.LicenseService the session uses.
type Licenses interface {
	Issue(ctx context.Context, product string) (*models.License, error)
	IssueBatch(ctx context.Context, count int, product string) (*services.BatchResult, error)
	GenerateKeys(count int) ([]string, error)
	Delete(ctx context.Context, key string) (bool, error)
	Summary(ctx context.Context) ([]models.ProductStatusCount, error)
	KeyLength() int
	Status() string
}

// Analyzer is the part of services.UsageAnalyzer the session uses.
type Analyzer interface {
	Overused(ctx context.Context, threshold int) ([]models.UsageFinding, error)
	MultiDomain(ctx context.Context, minDomains int) ([]models.UsageFinding, error)
	Unused(ctx context.Context) ([]*models.License, error)
	DeleteFlagged(ctx context.Context, findings []models.UsageFinding) services.DeleteReport
	LogCount(ctx context.Context) (int, error)
	ClearLogs(ctx context.Context) (models.ClearMethod, error)
}

type Handler func(ctx context.Context) *Result

// Command maps a menu token, and an optional name, to its handler.
type Command struct {
	Token   string
	Name    string
	Label   string
	Handler Handler
}

type Options struct {
	Config   *config.AppConfig
	Licenses Licenses
	Analyzer Analyzer
	Catalog  *products.Catalog
	Exporter *export.Writer

	In  io.Reader
	Out io.Writer

	// Challenge defaults to keygen.Challenge
	Challenge func() (string, error)
}

type Session struct {
	cfg       *config.AppConfig
	licenses  Licenses
	analyzer  Analyzer
	catalog   *products.Catalog
	exporter  *export.Writer
	prompt    *Prompter
	out       io.Writer
	challenge func() (string, error)
	commands  []Command
}

func NewSession(opts Options) *Session {
	s := &Session{
		cfg:       opts.Config,
		licenses:  opts.Licenses,
		analyzer:  opts.Analyzer,
		catalog:   opts.Catalog,
		exporter:  opts.Exporter,
		prompt:    NewPrompter(opts.In, opts.Out),
		out:       opts.Out,
		challenge: opts.Challenge,
	}
	if s.challenge == nil {
		s.challenge = keygen.Challenge
	}

	s.commands = []Command{
		{Token: "1", Name: "generate", Label: "Generate single license key", Handler: s.generateOne},
		{Token: "2", Name: "batch", Label: "Generate multiple license keys", Handler: s.generateBatch},
		{Token: "3", Name: "warnings", Label: "Show multi-domain warnings", Handler: s.warnings},
		{Token: "4", Name: "overused", Label: "Show over-used keys", Handler: s.overused},
		{Token: "5", Name: "unused", Label: "Show unused keys", Handler: s.unused},
		{Token: "6", Name: "product", Label: "Add product and set it active", Handler: s.setProduct},
		{Token: "7", Name: "clear", Label: "Clear verification log", Handler: s.clearLogs},
		{Token: "8", Name: "info", Label: "Database information", Handler: s.info},
		{Token: "9", Name: "export", Label: "Generate and export keys to a file", Handler: s.export},
		{Token: "q", Name: "exit", Label: "Exit", Handler: s.quit},
	}

	return s
}

func (s *Session) Commands() []Command {
	return s.commands
}

// Lookup finds the command for a token or name, case-insensitively.
func (s *Session) Lookup(input string) (Command, bool) {
	input = strings.ToLower(strings.TrimSpace(input))
	if input == "quit" {
		input = "q"
	}
	for _, c := range s.commands {
		if input == c.Token || input == c.Name {
			return c, true
		}
	}
	return Command{}, false
}

// Execute runs a single command.
func (s *Session) Execute(ctx context.Context, input string) *Result {
	cmd, ok := s.Lookup(input)
	if !ok {
		return &Result{Err: fmt.Errorf("%w: %q", ErrUnknownCommand, strings.TrimSpace(input))}
	}
	log.Trace().Str("command", cmd.Name).Msg("Executing console command")
	return cmd.Handler(ctx)
}

// Run shows the menu until the operator exits or input ends.
func (s *Session) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		RenderMenu(s.out, "Keysmith License Key Generator", s.commands)

		choice, err := s.prompt.Ask("Select an option: ")
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		result := s.Execute(ctx, choice)
		s.show(result)
		if result.Quit {
			return nil
		}
	}
}

func (s *Session) show(r *Result) {
	Render(s.out, r)
}

func (s *Session) activeProduct() string {
	return s.cfg.Config.Product.Name
}

// selectProduct offers the catalog. Enter picks the default, n adds a new
// product, a number picks by index, anything else is fuzzy matched.
// An empty name with a nil error means the operator cancelled.
func (s *Session) selectProduct() (string, error) {
	options, err := s.catalog.Options(s.activeProduct())
	if err != nil {
		return "", err
	}

	if len(options) == 0 {
		s.show(&Result{Lines: []string{"No products found in the catalog.", "[n] Enter a new product name"}})
		choice, err := s.prompt.Ask("Enter choice (n to add, or Enter to cancel): ")
		if err != nil {
			return "", err
		}
		if strings.EqualFold(choice, "n") {
			return s.addProduct()
		}
		return "", nil
	}

	def := s.activeProduct()
	if def == "" {
		def = options[0]
	}

	r := &Result{}
	r.addLine("Select product (press Enter to use default: %s):", def)
	for i, p := range options {
		r.addLine("[%d] %s", i+1, p)
	}
	r.addLine("[n] Enter a new product name")
	s.show(r)

	choice, err := s.prompt.Ask("Enter choice (number, n, or Enter): ")
	if err != nil {
		return "", err
	}

	switch {
	case choice == "":
		return def, nil
	case strings.EqualFold(choice, "n"):
		return s.addProduct()
	}

	idx, err := ParseCount(choice)
	switch {
	case err == nil && idx <= len(options):
		return options[idx-1], nil
	case err == nil || errors.Is(err, ErrInvalidCount):
		return "", fmt.Errorf("%w %s, choose 1 to %d", ErrInvalidSelection, choice, len(options))
	}

	if match, ok := products.Match(options, choice); ok {
		return match, nil
	}
	return "", fmt.Errorf("no product matches %q", choice)
}

func (s *Session) addProduct() (string, error) {
	name, err := s.prompt.Ask("Enter new product name: ")
	if err != nil {
		return "", err
	}
	if name == "" {
		return "", products.ErrEmptyName
	}
	if _, err := s.catalog.Add(name); err != nil {
		return "", err
	}
	return name, nil
}

func (s *Session) askCount(prompt string) (int, error) {
	answer, err := s.prompt.Ask(prompt)
	if err != nil {
		return 0, err
	}
	return ParseCount(answer)
}

func (s *Session) generateOne(ctx context.Context) *Result {
	r := &Result{Title: "Generate License Key"}

	product, err := s.selectProduct()
	if err != nil {
		r.Err = err
		return r
	}
	if product == "" {
		r.addLine("No product selected.")
		return r
	}

	license, err := s.licenses.Issue(ctx, product)
	if err != nil {
		r.Err = fmt.Errorf("failed to store license key: %w", err)
		return r
	}

	r.addLine("License key generated for %s", product)
	r.Keys = []string{license.Key}
	return r
}

func (s *Session) generateBatch(ctx context.Context) *Result {
	r := &Result{Title: "Generate Multiple License Keys"}

	count, err := s.askCount("How many keys to generate? ")
	if err != nil {
		r.Err = err
		return r
	}

	product, err := s.selectProduct()
	if err != nil {
		r.Err = err
		return r
	}
	if product == "" {
		r.addLine("No product selected.")
		return r
	}

	batch, err := s.licenses.IssueBatch(ctx, count, product)
	if err != nil {
		r.Err = err
		return r
	}

	r.addLine("Generated %d of %d keys for %s (batch %s)", len(batch.Issued), count, product, batch.BatchID)
	for _, f := range batch.Failed {
		r.addLine("Failed to store %s: %v", models.MaskLicenseKey(f.Key), f.Err)
	}
	r.Keys = batch.Keys()
	return r
}

func (s *Session) warnings(ctx context.Context) *Result {
	minDomains := s.cfg.Config.Analysis.MinDomains
	findings, err := s.analyzer.MultiDomain(ctx, minDomains)
	if err != nil {
		return &Result{Title: "Multi-domain Warnings", Err: err}
	}
	if len(findings) == 0 {
		return &Result{Title: "Multi-domain Warnings", Lines: []string{"No keys have been used on multiple domains."}}
	}

	s.show(&Result{
		Title:      "Keys used on multiple distinct domains that still exist:",
		Findings:   findings,
		CountLabel: "Domains",
	})
	s.show(&Result{Lines: []string{"Options:", "[d] Delete one key by number", "[a] Delete all listed keys", "[n] Nothing / return to menu"}})

	choice, err := s.prompt.Ask("Enter choice: ")
	if err != nil {
		return &Result{Err: err}
	}

	switch strings.ToLower(choice) {
	case "a":
		return deleteReportResult(s.analyzer.DeleteFlagged(ctx, findings), "listed keys")
	case "d":
		sel, err := s.prompt.Ask("Enter the number of the key to delete: ")
		if err != nil {
			return &Result{Err: err}
		}
		idx, err := ParseCount(sel)
		if err != nil || idx > len(findings) {
			return &Result{Err: fmt.Errorf("invalid selection %q", sel)}
		}
		key := findings[idx-1].Key
		deleted, err := s.licenses.Delete(ctx, key)
		switch {
		case err != nil:
			return &Result{Err: fmt.Errorf("failed to delete key %s: %w", key, err)}
		case !deleted:
			return &Result{Lines: []string{"Key " + key + " no longer exists."}}
		}
		return &Result{Lines: []string{"Deleted key: " + key}}
	default:
		return &Result{}
	}
}

func (s *Session) overused(ctx context.Context) *Result {
	threshold := s.cfg.Config.Analysis.Threshold
	r := &Result{Title: fmt.Sprintf("Keys verified at least %d times", threshold), CountLabel: "Uses"}

	findings, err := s.analyzer.Overused(ctx, threshold)
	if err != nil {
		r.Err = err
		return r
	}
	if len(findings) == 0 {
		r.addLine("No over-used keys found.")
		return r
	}
	r.Findings = findings
	return r
}

func (s *Session) unused(ctx context.Context) *Result {
	r := &Result{Title: "Keys never verified"}

	licenses, err := s.analyzer.Unused(ctx)
	if err != nil {
		r.Err = err
		return r
	}
	if len(licenses) == 0 {
		r.addLine("Every key has been verified at least once.")
		return r
	}
	r.addLine("%d unused keys", len(licenses))
	r.Licenses = licenses
	return r
}

func (s *Session) setProduct(_ context.Context) *Result {
	r := &Result{Title: "Add Product"}

	name, err := s.prompt.Ask("Enter product name: ")
	if err != nil {
		r.Err = err
		return r
	}
	if name == "" {
		r.addLine("No product name entered. Aborting.")
		return r
	}

	added, err := s.catalog.Add(name)
	if err != nil {
		r.Err = fmt.Errorf("failed to add product to catalog: %w", err)
		return r
	}
	if added {
		r.addLine("Added %s to %s", name, s.catalog.Path())
	}

	if err := s.cfg.SetActiveProduct(name); err != nil {
		r.Err = fmt.Errorf("failed to save active product: %w", err)
		return r
	}
	r.addLine("Product set to: %s", name)
	return r
}

func (s *Session) clearLogs(ctx context.Context) *Result {
	flow := NewClearFlow(s.analyzer, s.prompt, s.show, s.challenge, s.cfg.Config.Analysis.MinDomains)
	outcome := flow.Run(ctx)

	r := &Result{}
	switch {
	case outcome.Err != nil:
		r.Err = fmt.Errorf("failed to clear the verification log: %w", outcome.Err)
	case outcome.State == StateCleared:
		r.addLine("Verification log cleared (%s).", outcome.Method)
	}
	return r
}

func (s *Session) info(ctx context.Context) *Result {
	r := &Result{Title: "Database Information"}
	c := s.cfg.Config

	r.addLine("Driver: %s", c.Database.Driver)
	if c.Database.Driver == "sqlite" {
		r.addLine("Path: %s", s.cfg.GetDatabasePath())
	} else {
		r.addLine("Host: %s", c.Database.Host)
		r.addLine("Database: %s", c.Database.Name)
	}
	r.addLine("Table: %s", c.Table.Name)
	r.addLine("Log table: %s", c.Table.LogName)
	r.addLine("Product: %s", c.Product.Name)
	r.addLine("Key length: %d", s.licenses.KeyLength())
	r.addLine("Config: %s", s.cfg.ConfigPath())

	summary, err := s.licenses.Summary(ctx)
	if err != nil {
		r.Err = err
		return r
	}
	total := 0
	for _, row := range summary {
		r.addLine("  %s / %s: %d", row.Product, row.Status, row.Count)
		total += row.Count
	}
	r.addLine("Licenses: %d", total)

	events, err := s.analyzer.LogCount(ctx)
	if err != nil {
		r.Err = err
		return r
	}
	r.addLine("Verification events: %d", events)
	r.addLine("Status: Connected")
	return r
}

func (s *Session) export(_ context.Context) *Result {
	r := &Result{Title: "Export Licenses"}

	count, err := s.askCount("How many keys to generate and export? ")
	if err != nil {
		r.Err = err
		return r
	}

	answer, err := s.prompt.Ask("Format (sql/yaml) [sql]: ")
	if err != nil {
		r.Err = err
		return r
	}
	format, err := export.ParseFormat(answer)
	if err != nil {
		r.Err = err
		return r
	}

	product, err := s.selectProduct()
	if err != nil {
		r.Err = err
		return r
	}
	if product == "" {
		r.addLine("No product selected.")
		return r
	}

	keys, err := s.licenses.GenerateKeys(count)
	if err != nil {
		r.Err = err
		return r
	}

	path, err := s.exporter.Write(export.Batch{
		Product: product,
		Status:  s.licenses.Status(),
		Keys:    keys,
	}, format)
	if err != nil {
		r.Err = err
		return r
	}

	r.addLine("Exported %d licenses to:", len(keys))
	r.addLine("%s", path)
	return r
}

func (s *Session) quit(_ context.Context) *Result {
	return &Result{Lines: []string{"Goodbye!"}, Quit: true}
}
