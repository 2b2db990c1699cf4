// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/autobrr/keysmith/internal/database"
)

// VerificationEvent is one attempt by the external verifier to validate a key.
type VerificationEvent struct {
	ID            int64
	LicenseKey    string
	Product       string
	Domain        string
	RequestStatus string
	CreatedAt     time.Time
}

// UsageFinding is an aggregate over verification events for one key and
// product. Count is the event count or the distinct domain count depending
// on the query that produced it.
type UsageFinding struct {
	Key     string `json:"licenseKey" yaml:"licenseKey"`
	Product string `json:"product" yaml:"product"`
	Count   int    `json:"count" yaml:"count"`
}

// ClearMethod records how the verification log was emptied.
type ClearMethod string

const (
	ClearTruncate ClearMethod = "truncate"
	ClearDelete   ClearMethod = "delete"
)

// VerificationLogStore reads the verification log. The log is written by the
// verifier; keysmith only aggregates over it and clears it on request.
type VerificationLogStore struct {
	db *database.DB
}

func NewVerificationLogStore(db *database.DB) *VerificationLogStore {
	return &VerificationLogStore{db: db}
}

func (s *VerificationLogStore) q(query string) string {
	r := strings.NewReplacer("{licenses}", s.db.LicenseTable(), "{logs}", s.db.LogTable())
	return s.db.Rebind(r.Replace(query))
}

// OverusedKeys returns keys still present in the license table that appear
// in the log at least threshold times, grouped by key and product.
func (s *VerificationLogStore) OverusedKeys(ctx context.Context, threshold int) ([]UsageFinding, error) {
	return s.aggregate(ctx, "COUNT(*)", threshold)
}

// MultiDomainKeys returns keys still present in the license table that were
// verified from at least minDomains distinct domains.
func (s *VerificationLogStore) MultiDomainKeys(ctx context.Context, minDomains int) ([]UsageFinding, error) {
	return s.aggregate(ctx, "COUNT(DISTINCT v.domain)", minDomains)
}

func (s *VerificationLogStore) aggregate(ctx context.Context, expr string, min int) ([]UsageFinding, error) {
	query := `
		SELECT v.license_key, v.product, ` + expr + ` AS cnt
		FROM {logs} v
		WHERE v.license_key IN (SELECT license_key FROM {licenses})
		GROUP BY v.license_key, v.product
		HAVING ` + expr + ` >= ?
		ORDER BY cnt DESC, v.license_key
	`

	rows, err := s.db.Conn().QueryContext(ctx, s.q(query), min)
	if err != nil {
		return nil, fmt.Errorf("aggregate verification logs: %w", err)
	}
	defer rows.Close()

	findings := []UsageFinding{}
	for rows.Next() {
		var f UsageFinding
		if err := rows.Scan(&f.Key, &f.Product, &f.Count); err != nil {
			return nil, fmt.Errorf("scan usage finding: %w", err)
		}
		findings = append(findings, f)
	}

	return findings, rows.Err()
}

// UnusedLicenses returns licenses without a single verification event.
func (s *VerificationLogStore) UnusedLicenses(ctx context.Context) ([]*License, error) {
	query := `
		SELECT l.id, l.license_key, l.product, l.status, l.created_at
		FROM {licenses} l
		LEFT JOIN {logs} v ON v.license_key = l.license_key
		WHERE v.license_key IS NULL
		ORDER BY l.created_at, l.id
	`

	rows, err := s.db.Conn().QueryContext(ctx, s.q(query))
	if err != nil {
		return nil, fmt.Errorf("find unused licenses: %w", err)
	}
	defer rows.Close()

	return scanLicenses(rows)
}

func (s *VerificationLogStore) Count(ctx context.Context) (int, error) {
	var count int
	if err := s.db.Conn().QueryRowContext(ctx, s.q("SELECT COUNT(*) FROM {logs}")).Scan(&count); err != nil {
		return 0, fmt.Errorf("count verification logs: %w", err)
	}
	return count, nil
}

// Clear empties the log. TRUNCATE is tried first; databases that refuse it
// (sqlite, foreign keys, missing privilege) fall back to DELETE.
func (s *VerificationLogStore) Clear(ctx context.Context) (ClearMethod, error) {
	_, err := s.db.Conn().ExecContext(ctx, s.q("TRUNCATE TABLE {logs}"))
	if err == nil {
		return ClearTruncate, nil
	}

	log.Debug().Err(err).Str("table", s.db.LogTable()).Msg("Truncate refused, falling back to delete")

	if _, err := s.db.Conn().ExecContext(ctx, s.q("DELETE FROM {logs}")); err != nil {
		return "", fmt.Errorf("clear verification logs: %w", err)
	}

	return ClearDelete, nil
}

// InsertEvent appends a verification event. keysmith never records
// verifications itself; this exists for fixtures and replaying logs.
func (s *VerificationLogStore) InsertEvent(ctx context.Context, event VerificationEvent) error {
	status := event.RequestStatus
	if status == "" {
		status = "good"
	}

	_, err := s.db.Conn().ExecContext(ctx,
		s.q("INSERT INTO {logs} (license_key, product, domain, request_status) VALUES (?, ?, ?, ?)"),
		event.LicenseKey, event.Product, nullString(event.Domain), status)
	if err != nil {
		return fmt.Errorf("insert verification event: %w", err)
	}
	return nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
