// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/keysmith/internal/keygen"
	"github.com/autobrr/keysmith/internal/models"
)

var ErrProductRequired = errors.New("product name is required")

// KeyFailure records why a single key could not be stored or removed.
type KeyFailure struct {
	Key string
	Err error
}

// BatchResult reports a batch issuance. Keys are inserted one by one, so a
// batch can partially succeed.
type BatchResult struct {
	BatchID uuid.UUID
	Product string
	Issued  []*models.License
	Failed  []KeyFailure
}

// Keys returns the issued keys in generation order.
func (r *BatchResult) Keys() []string {
	keys := make([]string, 0, len(r.Issued))
	for _, l := range r.Issued {
		keys = append(keys, l.Key)
	}
	return keys
}

// DeleteReport summarises a bulk deletion.
type DeleteReport struct {
	Requested int
	Deleted   []string
	Missing   []string
	Failed    []KeyFailure
}

func (r DeleteReport) DeletedCount() int {
	return len(r.Deleted)
}

// Partial reports whether some but not all deletions succeeded.
func (r DeleteReport) Partial() bool {
	return len(r.Deleted) > 0 && len(r.Deleted) < r.Requested
}

// LicenseOptions configures issuance.
type LicenseOptions struct {
	KeyLength int
	Status    string
}

// LicenseService issues and removes license records.
type LicenseService struct {
	store     *models.LicenseStore
	generator *keygen.Generator
	opts      LicenseOptions
}

// NewLicenseService creates a new license service
func NewLicenseService(store *models.LicenseStore, generator *keygen.Generator, opts LicenseOptions) *LicenseService {
	if generator == nil {
		generator = keygen.New(nil)
	}
	if opts.KeyLength <= 0 {
		opts.KeyLength = keygen.DefaultLength
	}
	if opts.Status == "" {
		opts.Status = models.LicenseStatusActive
	}

	return &LicenseService{
		store:     store,
		generator: generator,
		opts:      opts,
	}
}

func (s *LicenseService) KeyLength() int {
	return s.opts.KeyLength
}

// Issue generates one key and stores it for product.
func (s *LicenseService) Issue(ctx context.Context, product string) (*models.License, error) {
	product = strings.TrimSpace(product)
	if product == "" {
		return nil, ErrProductRequired
	}

	key, err := s.generator.GenerateKey(s.opts.KeyLength)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}

	license, err := s.store.Insert(ctx, key, product, s.opts.Status)
	if err != nil {
		log.Error().Err(err).Str("product", product).Msg("Failed to store license")
		return nil, err
	}

	log.Info().
		Str("product", product).
		Str("licenseKey", models.MaskLicenseKey(key)).
		Msg("License issued")

	return license, nil
}

// IssueBatch generates count distinct keys and stores each independently.
// Collisions with previously issued keys surface as failures.
func (s *LicenseService) IssueBatch(ctx context.Context, count int, product string) (*BatchResult, error) {
	product = strings.TrimSpace(product)
	if product == "" {
		return nil, ErrProductRequired
	}

	keys, err := s.generator.GenerateKeys(count, s.opts.KeyLength)
	if err != nil {
		return nil, fmt.Errorf("generate keys: %w", err)
	}

	result := &BatchResult{
		BatchID: uuid.New(),
		Product: product,
		Issued:  make([]*models.License, 0, len(keys)),
	}

	for _, key := range keys {
		license, err := s.store.Insert(ctx, key, product, s.opts.Status)
		if err != nil {
			log.Error().
				Err(err).
				Str("batch", result.BatchID.String()).
				Str("licenseKey", models.MaskLicenseKey(key)).
				Msg("Failed to store license")
			result.Failed = append(result.Failed, KeyFailure{Key: key, Err: err})
			continue
		}
		result.Issued = append(result.Issued, license)
	}

	log.Info().
		Str("batch", result.BatchID.String()).
		Str("product", product).
		Int("issued", len(result.Issued)).
		Int("failed", len(result.Failed)).
		Msg("License batch issued")

	return result, nil
}

// GenerateKeys draws count distinct keys without storing them, for exports
// that are loaded into another database.
func (s *LicenseService) GenerateKeys(count int) ([]string, error) {
	keys, err := s.generator.GenerateKeys(count, s.opts.KeyLength)
	if err != nil {
		return nil, fmt.Errorf("generate keys: %w", err)
	}
	return keys, nil
}

// Status returns the status assigned to new licenses.
func (s *LicenseService) Status() string {
	return s.opts.Status
}

// Delete removes a single license and reports whether exactly one row went away.
func (s *LicenseService) Delete(ctx context.Context, key string) (bool, error) {
	deleted, err := s.store.Delete(ctx, key)
	if err != nil {
		log.Error().Err(err).Str("licenseKey", models.MaskLicenseKey(key)).Msg("Failed to delete license")
		return false, err
	}

	if deleted {
		log.Info().Str("licenseKey", models.MaskLicenseKey(key)).Msg("License deleted")
	}
	return deleted, nil
}

// DeleteMany deletes keys one at a time. A failure does not stop the
// remaining deletions and nothing is rolled back.
func (s *LicenseService) DeleteMany(ctx context.Context, keys []string) DeleteReport {
	report := DeleteReport{Requested: len(keys)}

	for _, key := range keys {
		deleted, err := s.Delete(ctx, key)
		switch {
		case err != nil:
			report.Failed = append(report.Failed, KeyFailure{Key: key, Err: err})
		case deleted:
			report.Deleted = append(report.Deleted, key)
		default:
			report.Missing = append(report.Missing, key)
		}
	}

	return report
}

func (s *LicenseService) Revoke(ctx context.Context, key string) (bool, error) {
	return s.setStatus(ctx, key, models.LicenseStatusRevoked)
}

func (s *LicenseService) Activate(ctx context.Context, key string) (bool, error) {
	return s.setStatus(ctx, key, models.LicenseStatusActive)
}

func (s *LicenseService) setStatus(ctx context.Context, key, status string) (bool, error) {
	ok, err := s.store.SetStatus(ctx, key, status)
	if err != nil {
		log.Error().Err(err).Str("licenseKey", models.MaskLicenseKey(key)).Msg("Failed to update license status")
		return false, err
	}
	if ok {
		log.Info().Str("licenseKey", models.MaskLicenseKey(key)).Str("status", status).Msg("License status updated")
	}
	return ok, nil
}

func (s *LicenseService) Get(ctx context.Context, key string) (*models.License, error) {
	return s.store.GetByKey(ctx, key)
}

func (s *LicenseService) List(ctx context.Context, filter models.ListFilter) ([]*models.License, error) {
	return s.store.List(ctx, filter)
}

func (s *LicenseService) Products(ctx context.Context) ([]string, error) {
	return s.store.DistinctProducts(ctx)
}

// Summary is the per product and status breakdown shown by info screens.
func (s *LicenseService) Summary(ctx context.Context) ([]models.ProductStatusCount, error) {
	return s.store.CountByProductStatus(ctx)
}
