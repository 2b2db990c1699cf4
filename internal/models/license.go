// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/autobrr/keysmith/internal/database"
)

var (
	ErrLicenseNotFound  = errors.New("license not found")
	ErrDuplicateLicense = errors.New("license key already exists")
	ErrInvalidStatus    = errors.New("invalid license status")
)

// LicenseStatus constants
const (
	LicenseStatusActive   = "active"
	LicenseStatusInactive = "inactive"
	LicenseStatusRevoked  = "revoked"
)

// IsValidStatus reports whether status is one the verifier understands.
func IsValidStatus(status string) bool {
	switch status {
	case LicenseStatusActive, LicenseStatusInactive, LicenseStatusRevoked:
		return true
	}
	return false
}

// License represents an issued license key in the database
type License struct {
	ID        int64     `json:"id" yaml:"id"`
	Key       string    `json:"licenseKey" yaml:"licenseKey"`
	Product   string    `json:"product" yaml:"product"`
	Status    string    `json:"status" yaml:"status"`
	CreatedAt time.Time `json:"createdAt" yaml:"createdAt"`
}

// IsActive returns true if the license will pass verification
func (l *License) IsActive() bool {
	return l.Status == LicenseStatusActive
}

// ListFilter narrows License listings. Zero values match everything.
type ListFilter struct {
	Product string
	Status  string
	Limit   int
}

// ProductStatusCount is one row of the per product and status breakdown.
type ProductStatusCount struct {
	Product string
	Status  string
	Count   int
}

type LicenseStore struct {
	db *database.DB
}

func NewLicenseStore(db *database.DB) *LicenseStore {
	return &LicenseStore{db: db}
}

func (s *LicenseStore) q(query string) string {
	return s.db.Rebind(strings.ReplaceAll(query, "{licenses}", s.db.LicenseTable()))
}

const licenseColumns = "id, license_key, product, status, created_at"

// Insert stores a new license. A key that already exists yields
// ErrDuplicateLicense; the caller decides how to report it.
func (s *LicenseStore) Insert(ctx context.Context, key, product, status string) (*License, error) {
	if !IsValidStatus(status) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}

	_, err := s.db.Conn().ExecContext(ctx,
		s.q("INSERT INTO {licenses} (license_key, product, status) VALUES (?, ?, ?)"),
		key, product, status)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateLicense, MaskLicenseKey(key))
		}
		return nil, fmt.Errorf("insert license: %w", err)
	}

	return s.GetByKey(ctx, key)
}

func (s *LicenseStore) GetByKey(ctx context.Context, key string) (*License, error) {
	row := s.db.Conn().QueryRowContext(ctx,
		s.q("SELECT "+licenseColumns+" FROM {licenses} WHERE license_key = ?"), key)

	license, err := scanLicense(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrLicenseNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get license: %w", err)
	}

	return license, nil
}

func (s *LicenseStore) Exists(ctx context.Context, key string) (bool, error) {
	var count int
	err := s.db.Conn().QueryRowContext(ctx,
		s.q("SELECT COUNT(*) FROM {licenses} WHERE license_key = ?"), key).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check license: %w", err)
	}
	return count > 0, nil
}

// Delete removes the license with exactly this key. It reports whether
// exactly one row was removed.
func (s *LicenseStore) Delete(ctx context.Context, key string) (bool, error) {
	result, err := s.db.Conn().ExecContext(ctx,
		s.q("DELETE FROM {licenses} WHERE license_key = ?"), key)
	if err != nil {
		return false, fmt.Errorf("delete license: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete license: %w", err)
	}

	return rowsAffected == 1, nil
}

// SetStatus changes the status of a license and reports whether it existed.
func (s *LicenseStore) SetStatus(ctx context.Context, key, status string) (bool, error) {
	if !IsValidStatus(status) {
		return false, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}

	result, err := s.db.Conn().ExecContext(ctx,
		s.q("UPDATE {licenses} SET status = ? WHERE license_key = ?"), status, key)
	if err != nil {
		return false, fmt.Errorf("update license status: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update license status: %w", err)
	}

	// mysql reports zero affected rows when the value is unchanged
	if rowsAffected == 0 {
		return s.Exists(ctx, key)
	}

	return true, nil
}

func (s *LicenseStore) DistinctProducts(ctx context.Context) ([]string, error) {
	rows, err := s.db.Conn().QueryContext(ctx,
		s.q("SELECT DISTINCT product FROM {licenses} ORDER BY product"))
	if err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}
	defer rows.Close()

	products := []string{}
	for rows.Next() {
		var product string
		if err := rows.Scan(&product); err != nil {
			return nil, fmt.Errorf("scan product: %w", err)
		}
		products = append(products, product)
	}

	return products, rows.Err()
}

func (s *LicenseStore) List(ctx context.Context, filter ListFilter) ([]*License, error) {
	var (
		where []string
		args  []any
	)
	if filter.Product != "" {
		where = append(where, "product = ?")
		args = append(args, filter.Product)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}

	query := "SELECT " + licenseColumns + " FROM {licenses}"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.Conn().QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list licenses: %w", err)
	}
	defer rows.Close()

	return scanLicenses(rows)
}

func (s *LicenseStore) Count(ctx context.Context) (int, error) {
	var count int
	if err := s.db.Conn().QueryRowContext(ctx, s.q("SELECT COUNT(*) FROM {licenses}")).Scan(&count); err != nil {
		return 0, fmt.Errorf("count licenses: %w", err)
	}
	return count, nil
}

func (s *LicenseStore) CountByProductStatus(ctx context.Context) ([]ProductStatusCount, error) {
	rows, err := s.db.Conn().QueryContext(ctx,
		s.q("SELECT product, status, COUNT(*) FROM {licenses} GROUP BY product, status ORDER BY product, status"))
	if err != nil {
		return nil, fmt.Errorf("count licenses: %w", err)
	}
	defer rows.Close()

	counts := []ProductStatusCount{}
	for rows.Next() {
		var c ProductStatusCount
		if err := rows.Scan(&c.Product, &c.Status, &c.Count); err != nil {
			return nil, fmt.Errorf("scan license count: %w", err)
		}
		counts = append(counts, c)
	}

	return counts, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLicense(row rowScanner) (*License, error) {
	license := &License{}
	err := row.Scan(
		&license.ID,
		&license.Key,
		&license.Product,
		&license.Status,
		&license.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return license, nil
}

func scanLicenses(rows *sql.Rows) ([]*License, error) {
	licenses := []*License{}
	for rows.Next() {
		license, err := scanLicense(rows)
		if err != nil {
			return nil, fmt.Errorf("scan license: %w", err)
		}
		licenses = append(licenses, license)
	}
	return licenses, rows.Err()
}

// MaskLicenseKey hides all but the first characters of a key for logs.
func MaskLicenseKey(key string) string {
	if len(key) <= 8 {
		return "***"
	}
	return key[:8] + "***"
}
