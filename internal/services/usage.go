// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/autobrr/keysmith/internal/models"
)

const (
	DefaultThreshold  = 2
	DefaultMinDomains = 2
)

var ErrInvalidThreshold = errors.New("threshold must be at least 1")

// UsageAnalyzer classifies issued keys by how the verification log saw them.
type UsageAnalyzer struct {
	logs     *models.VerificationLogStore
	licenses *LicenseService
}

// NewUsageAnalyzer creates a new usage analyzer
func NewUsageAnalyzer(logs *models.VerificationLogStore, licenses *LicenseService) *UsageAnalyzer {
	return &UsageAnalyzer{
		logs:     logs,
		licenses: licenses,
	}
}

// Overused returns live keys verified at least threshold times.
func (a *UsageAnalyzer) Overused(ctx context.Context, threshold int) ([]models.UsageFinding, error) {
	if threshold < 1 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidThreshold, threshold)
	}

	findings, err := a.logs.OverusedKeys(ctx, threshold)
	if err != nil {
		log.Error().Err(err).Int("threshold", threshold).Msg("Failed to search for over-used keys")
		return nil, err
	}

	log.Debug().Int("threshold", threshold).Int("found", len(findings)).Msg("Over-used key scan complete")
	return findings, nil
}

// MultiDomain returns live keys seen on at least minDomains distinct domains.
// A key meant for one site showing up on several is the main leak signal.
func (a *UsageAnalyzer) MultiDomain(ctx context.Context, minDomains int) ([]models.UsageFinding, error) {
	if minDomains < 1 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidThreshold, minDomains)
	}

	findings, err := a.logs.MultiDomainKeys(ctx, minDomains)
	if err != nil {
		log.Error().Err(err).Int("minDomains", minDomains).Msg("Failed to search for multi-domain keys")
		return nil, err
	}

	log.Debug().Int("minDomains", minDomains).Int("found", len(findings)).Msg("Multi-domain key scan complete")
	return findings, nil
}

// Unused returns licenses that were never verified.
func (a *UsageAnalyzer) Unused(ctx context.Context) ([]*models.License, error) {
	licenses, err := a.logs.UnusedLicenses(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Failed to search for unused licenses")
		return nil, err
	}
	return licenses, nil
}

// DeleteFlagged deletes the license behind every finding.
func (a *UsageAnalyzer) DeleteFlagged(ctx context.Context, findings []models.UsageFinding) DeleteReport {
	keys := make([]string, 0, len(findings))
	seen := make(map[string]struct{}, len(findings))
	for _, f := range findings {
		// one key can be flagged under several products
		if _, ok := seen[f.Key]; ok {
			continue
		}
		seen[f.Key] = struct{}{}
		keys = append(keys, f.Key)
	}

	report := a.licenses.DeleteMany(ctx, keys)

	log.Info().
		Int("requested", report.Requested).
		Int("deleted", report.DeletedCount()).
		Int("missing", len(report.Missing)).
		Int("failed", len(report.Failed)).
		Msg("Flagged licenses deleted")

	return report
}

// LogCount returns the number of verification events on record.
func (a *UsageAnalyzer) LogCount(ctx context.Context) (int, error) {
	return a.logs.Count(ctx)
}

// ClearLogs empties the verification log.
func (a *UsageAnalyzer) ClearLogs(ctx context.Context) (models.ClearMethod, error) {
	method, err := a.logs.Clear(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Failed to clear verification logs")
		return "", err
	}

	log.Info().Str("method", string(method)).Msg("Verification logs cleared")
	return method, nil
}
