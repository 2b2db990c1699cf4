// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/keysmith/internal/models"
)

type LicenseSource interface {
	Summary(ctx context.Context) ([]models.ProductStatusCount, error)
}

type UsageSource interface {
	LogCount(ctx context.Context) (int, error)
	MultiDomain(ctx context.Context, minDomains int) ([]models.UsageFinding, error)
	Unused(ctx context.Context) ([]*models.License, error)
}

type LicenseCollector struct {
	licenses   LicenseSource
	usage      UsageSource
	minDomains int

	licensesDesc           *prometheus.Desc
	verificationEventsDesc *prometheus.Desc
	multiDomainKeysDesc    *prometheus.Desc
	unusedLicensesDesc     *prometheus.Desc
	scrapeErrorsDesc       *prometheus.Desc
}

func NewLicenseCollector(licenses LicenseSource, usage UsageSource, minDomains int) *LicenseCollector {
	return &LicenseCollector{
		licenses:   licenses,
		usage:      usage,
		minDomains: minDomains,

		licensesDesc: prometheus.NewDesc(
			"keysmith_licenses",
			"Number of issued licenses by product and status",
			[]string{"product", "status"},
			nil,
		),
		verificationEventsDesc: prometheus.NewDesc(
			"keysmith_verification_events_total",
			"Number of verification events in the log",
			nil,
			nil,
		),
		multiDomainKeysDesc: prometheus.NewDesc(
			"keysmith_multi_domain_keys",
			"Number of live keys verified from several distinct domains",
			nil,
			nil,
		),
		unusedLicensesDesc: prometheus.NewDesc(
			"keysmith_unused_licenses",
			"Number of licenses never verified",
			nil,
			nil,
		),
		scrapeErrorsDesc: prometheus.NewDesc(
			"keysmith_scrape_errors_total",
			"Total number of scrape errors by type",
			[]string{"type"},
			nil,
		),
	}
}

func (c *LicenseCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.licensesDesc
	ch <- c.verificationEventsDesc
	ch <- c.multiDomainKeysDesc
	ch <- c.unusedLicensesDesc
	ch <- c.scrapeErrorsDesc
}

func (c *LicenseCollector) reportError(ch chan<- prometheus.Metric, errorType string) {
	ch <- prometheus.MustNewConstMetric(
		c.scrapeErrorsDesc,
		prometheus.CounterValue,
		1,
		errorType,
	)
}

func (c *LicenseCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if c.licenses != nil {
		c.collectLicenses(ctx, ch)
	} else {
		log.Debug().Msg("License source is nil, skipping license metrics")
	}

	if c.usage == nil {
		log.Debug().Msg("Usage source is nil, skipping usage metrics")
		return
	}

	events, err := c.usage.LogCount(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to count verification events for metrics")
		c.reportError(ch, "verification_events")
	} else {
		ch <- prometheus.MustNewConstMetric(c.verificationEventsDesc, prometheus.CounterValue, float64(events))
	}

	multi, err := c.usage.MultiDomain(ctx, c.minDomains)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to scan multi-domain keys for metrics")
		c.reportError(ch, "multi_domain")
	} else {
		ch <- prometheus.MustNewConstMetric(c.multiDomainKeysDesc, prometheus.GaugeValue, float64(countKeys(multi)))
	}

	unused, err := c.usage.Unused(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to scan unused licenses for metrics")
		c.reportError(ch, "unused")
	} else {
		ch <- prometheus.MustNewConstMetric(c.unusedLicensesDesc, prometheus.GaugeValue, float64(len(unused)))
	}
}

func (c *LicenseCollector) collectLicenses(ctx context.Context, ch chan<- prometheus.Metric) {
	summary, err := c.licenses.Summary(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to summarise licenses for metrics")
		c.reportError(ch, "licenses")
		return
	}

	for _, row := range summary {
		ch <- prometheus.MustNewConstMetric(
			c.licensesDesc,
			prometheus.GaugeValue,
			float64(row.Count),
			row.Product,
			row.Status,
		)
	}
}

// countKeys counts distinct keys, a key can be flagged once per product.
func countKeys(findings []models.UsageFinding) int {
	seen := make(map[string]struct{}, len(findings))
	for _, f := range findings {
		seen[f.Key] = struct{}{}
	}
	return len(seen)
}
