// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/autobrr/keysmith/internal/console"
	"github.com/autobrr/keysmith/internal/database"
	"github.com/autobrr/keysmith/internal/export"
	"github.com/autobrr/keysmith/internal/metrics"
	"github.com/autobrr/keysmith/internal/models"
	"github.com/autobrr/keysmith/internal/products"
	"github.com/autobrr/keysmith/internal/services"
)

// withApp opens the application for the duration of fn.
func withApp(opts *rootOptions, fn func(ctx context.Context, app *Application) error) error {
	ctx := context.Background()

	app, err := NewApplication(ctx, opts)
	if err != nil {
		if errors.Is(err, database.ErrConnection) {
			log.Error().Err(err).Msg("License database unreachable")
		}
		return err
	}
	defer app.Close()

	return fn(ctx, app)
}

func render(cmd *cobra.Command, r *console.Result) error {
	console.Render(cmd.OutOrStdout(), r)
	return r.Err
}

func RunGenerateCommand(opts *rootOptions) *cobra.Command {
	var (
		count   int
		product string
		length  int
	)

	command := &cobra.Command{
		Use:   "generate",
		Short: "Generate and store license keys",
		Long: `Generate license keys and store them as active licenses.

The product defaults to the active product from the configuration.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if count <= 0 {
				return fmt.Errorf("%w: --count %d", console.ErrInvalidCount, count)
			}

			return withApp(opts, func(ctx context.Context, app *Application) error {
				if product == "" {
					product = app.cfg.Config.Product.Name
				}

				licenses := app.licenses
				if length > 0 {
					licenses = services.NewLicenseService(models.NewLicenseStore(app.db), nil, services.LicenseOptions{
						KeyLength: length,
						Status:    app.cfg.Config.License.Status,
					})
				}

				batch, err := licenses.IssueBatch(ctx, count, product)
				if err != nil {
					return err
				}

				for _, key := range batch.Keys() {
					fmt.Fprintln(cmd.OutOrStdout(), key)
				}
				for _, f := range batch.Failed {
					cmd.PrintErrf("failed to store %s: %v\n", models.MaskLicenseKey(f.Key), f.Err)
				}
				if len(batch.Issued) == 0 {
					return fmt.Errorf("no keys stored out of %d", count)
				}
				return nil
			})
		},
	}

	command.Flags().IntVarP(&count, "count", "n", 1, "number of keys to generate")
	command.Flags().StringVarP(&product, "product", "p", "", "product name (defaults to the active product)")
	command.Flags().IntVar(&length, "length", 0, "key length (defaults to license.keyLength)")

	return command
}

func RunWarningsCommand(opts *rootOptions) *cobra.Command {
	var (
		minDomains int
		remove     bool
	)

	command := &cobra.Command{
		Use:   "warnings",
		Short: "List keys verified from several distinct domains",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts, func(ctx context.Context, app *Application) error {
				if !cmd.Flags().Changed("min-domains") {
					minDomains = app.cfg.Config.Analysis.MinDomains
				}

				findings, err := app.analyzer.MultiDomain(ctx, minDomains)
				if err != nil {
					return err
				}
				if len(findings) == 0 {
					cmd.Println("No keys have been used on multiple domains.")
					return nil
				}

				if err := render(cmd, &console.Result{Findings: findings, CountLabel: "Domains"}); err != nil {
					return err
				}

				if !remove {
					return nil
				}

				report := app.analyzer.DeleteFlagged(ctx, findings)
				return reportDeletion(cmd, report)
			})
		},
	}

	command.Flags().IntVar(&minDomains, "min-domains", services.DefaultMinDomains, "distinct domains at which a key is flagged")
	command.Flags().BoolVar(&remove, "delete", false, "delete every flagged key")

	return command
}

func RunOverusedCommand(opts *rootOptions) *cobra.Command {
	var threshold int

	command := &cobra.Command{
		Use:   "overused",
		Short: "List keys verified at least --threshold times",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts, func(ctx context.Context, app *Application) error {
				if !cmd.Flags().Changed("threshold") {
					threshold = app.cfg.Config.Analysis.Threshold
				}

				findings, err := app.analyzer.Overused(ctx, threshold)
				if err != nil {
					return err
				}
				if len(findings) == 0 {
					cmd.Println("No over-used keys found.")
					return nil
				}
				return render(cmd, &console.Result{Findings: findings, CountLabel: "Uses"})
			})
		},
	}

	command.Flags().IntVar(&threshold, "threshold", services.DefaultThreshold, "verifications at which a key is flagged")

	return command
}

func RunUnusedCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "unused",
		Short: "List licenses that were never verified",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts, func(ctx context.Context, app *Application) error {
				licenses, err := app.analyzer.Unused(ctx)
				if err != nil {
					return err
				}
				if len(licenses) == 0 {
					cmd.Println("Every key has been verified at least once.")
					return nil
				}
				return render(cmd, &console.Result{Licenses: licenses})
			})
		},
	}
}

func RunDeleteCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete KEY...",
		Short: "Delete licenses by key",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts, func(ctx context.Context, app *Application) error {
				return reportDeletion(cmd, app.licenses.DeleteMany(ctx, args))
			})
		},
	}
}

func reportDeletion(cmd *cobra.Command, report services.DeleteReport) error {
	cmd.Printf("Deleted %d of %d keys.\n", report.DeletedCount(), report.Requested)
	for _, key := range report.Missing {
		cmd.Printf("Not found: %s\n", key)
	}
	for _, f := range report.Failed {
		cmd.PrintErrf("Failed to delete %s: %v\n", f.Key, f.Err)
	}
	if len(report.Failed) > 0 {
		return fmt.Errorf("%d of %d deletions failed", len(report.Failed), report.Requested)
	}
	return nil
}

func RunRevokeCommand(opts *rootOptions) *cobra.Command {
	var activate bool

	command := &cobra.Command{
		Use:   "revoke KEY",
		Short: "Revoke a license, or re-activate it with --activate",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts, func(ctx context.Context, app *Application) error {
				update, status := app.licenses.Revoke, models.LicenseStatusRevoked
				if activate {
					update, status = app.licenses.Activate, models.LicenseStatusActive
				}

				ok, err := update(ctx, args[0])
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("%w: %s", models.ErrLicenseNotFound, args[0])
				}
				cmd.Printf("License %s is now %s\n", args[0], status)
				return nil
			})
		},
	}

	command.Flags().BoolVar(&activate, "activate", false, "set the license back to active")

	return command
}

func RunProductsCommand(opts *rootOptions) *cobra.Command {
	command := &cobra.Command{
		Use:   "products",
		Short: "Manage the product catalog",
	}

	command.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List catalog products",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}

			list, err := products.NewCatalog(cfg.ProductsPath()).Options(cfg.Config.Product.Name)
			if err != nil {
				return err
			}
			if len(list) == 0 {
				cmd.Println("No products found in the catalog.")
				return nil
			}
			for i, p := range list {
				marker := ""
				if p == cfg.Config.Product.Name {
					marker = " (active)"
				}
				cmd.Printf("[%d] %s%s\n", i+1, p, marker)
			}
			return nil
		},
	})

	command.AddCommand(&cobra.Command{
		Use:   "add NAME",
		Short: "Add a product to the catalog",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}

			name := strings.Join(args, " ")
			added, err := products.NewCatalog(cfg.ProductsPath()).Add(name)
			if err != nil {
				return err
			}
			if added {
				cmd.Printf("Product '%s' added\n", strings.TrimSpace(name))
			} else {
				cmd.Printf("Product '%s' already exists\n", strings.TrimSpace(name))
			}
			return nil
		},
	})

	return command
}

func RunSetProductCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "set-product NAME",
		Short: "Add a product to the catalog and make it the active product",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}

			name := strings.TrimSpace(strings.Join(args, " "))
			if _, err := products.NewCatalog(cfg.ProductsPath()).Add(name); err != nil {
				return err
			}
			if err := cfg.SetActiveProduct(name); err != nil {
				return err
			}

			cmd.Printf("Product set to: %s\n", name)
			return nil
		},
	}
}

func RunExportCommand(opts *rootOptions) *cobra.Command {
	var (
		count   int
		format  string
		product string
	)

	command := &cobra.Command{
		Use:   "export",
		Short: "Generate keys and write them to an SQL or YAML file",
		Long: `Generate keys and write them to a file in the export directory without
storing them, for loading into another license database.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if count <= 0 {
				return fmt.Errorf("%w: --count %d", console.ErrInvalidCount, count)
			}
			f, err := export.ParseFormat(format)
			if err != nil {
				return err
			}

			return withApp(opts, func(ctx context.Context, app *Application) error {
				if product == "" {
					product = app.cfg.Config.Product.Name
				}
				if strings.TrimSpace(product) == "" {
					return services.ErrProductRequired
				}

				keys, err := app.licenses.GenerateKeys(count)
				if err != nil {
					return err
				}

				path, err := app.exporter.Write(export.Batch{
					Product: product,
					Status:  app.licenses.Status(),
					Keys:    keys,
				}, f)
				if err != nil {
					return err
				}

				cmd.Printf("Exported %d licenses to: %s\n", len(keys), path)
				return nil
			})
		},
	}

	command.Flags().IntVarP(&count, "count", "n", 0, "number of keys to export")
	command.Flags().StringVarP(&format, "format", "f", "sql", "file format: sql or yaml")
	command.Flags().StringVarP(&product, "product", "p", "", "product name (defaults to the active product)")
	_ = command.MarkFlagRequired("count")

	return command
}

func RunClearLogsCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "clear-logs",
		Short: "Clear the verification log after a typed confirmation",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts, func(ctx context.Context, app *Application) error {
				return render(cmd, app.session(cmd.InOrStdin(), cmd.OutOrStdout()).Execute(ctx, "clear"))
			})
		},
	}
}

func RunInfoCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Show database and license information",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts, func(ctx context.Context, app *Application) error {
				return render(cmd, app.session(cmd.InOrStdin(), cmd.OutOrStdout()).Execute(ctx, "info"))
			})
		},
	}
}

func RunMetricsCommand(opts *rootOptions) *cobra.Command {
	var textfile string

	command := &cobra.Command{
		Use:   "metrics",
		Short: "Write license metrics for the node_exporter textfile collector",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts, func(ctx context.Context, app *Application) error {
				manager := metrics.NewManager(app.licenses, app.analyzer, app.cfg.Config.Analysis.MinDomains)
				if err := manager.WriteTextfile(textfile); err != nil {
					return err
				}
				cmd.Printf("Metrics written to: %s\n", textfile)
				return nil
			})
		},
	}

	command.Flags().StringVar(&textfile, "textfile", "", "output file, e.g. /var/lib/node_exporter/keysmith.prom")
	_ = command.MarkFlagRequired("textfile")

	return command
}
