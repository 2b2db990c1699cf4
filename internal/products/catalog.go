// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package products keeps the list of known product names offered when issuing keys.
package products

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/lithammer/fuzzysearch/fuzzy"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

var ErrEmptyName = errors.New("product name cannot be empty")

// Catalog is an ordered, duplicate free list of product names stored in a
// file. Files ending in .json are written as JSON, everything else as YAML.
type Catalog struct {
	path string
}

func NewCatalog(path string) *Catalog {
	return &Catalog{path: path}
}

func (c *Catalog) Path() string {
	return c.path
}

// Load returns the stored products. exists is false when the file is absent,
// letting callers fall back to the configured default product. A file that
// cannot be parsed is treated as an empty list.
func (c *Catalog) Load() (products []string, exists bool, err error) {
	data, err := os.ReadFile(c.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read products file: %w", err)
	}

	if len(strings.TrimSpace(string(data))) == 0 {
		return []string{}, true, nil
	}

	// JSON is valid YAML, so one decoder reads both formats
	var list []string
	if err := yaml.Unmarshal(data, &list); err != nil {
		log.Warn().Err(err).Str("path", c.path).Msg("Products file is not a list, treating it as empty")
		return []string{}, true, nil
	}

	return dedupe(list), true, nil
}

// Save replaces the stored list.
func (c *Catalog) Save(products []string) error {
	if err := os.MkdirAll(filepath.Dir(c.path), 0755); err != nil {
		return fmt.Errorf("create products directory: %w", err)
	}

	products = dedupe(products)

	var (
		data []byte
		err  error
	)
	if strings.EqualFold(filepath.Ext(c.path), ".json") {
		data, err = json.MarshalIndent(products, "", "    ")
	} else {
		data, err = yaml.Marshal(products)
	}
	if err != nil {
		return fmt.Errorf("encode products: %w", err)
	}

	if err := os.WriteFile(c.path, data, 0644); err != nil {
		return fmt.Errorf("write products file: %w", err)
	}
	return nil
}

// Add appends name unless it is already present. It reports whether the
// list changed.
func (c *Catalog) Add(name string) (bool, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return false, ErrEmptyName
	}

	products, _, err := c.Load()
	if err != nil {
		return false, err
	}

	for _, p := range products {
		if p == name {
			return false, nil
		}
	}

	if err := c.Save(append(products, name)); err != nil {
		return false, err
	}

	log.Debug().Str("product", name).Str("path", c.path).Msg("Product added to catalog")
	return true, nil
}

// Options returns the products to offer for selection: the catalog when the
// file exists (even if empty), otherwise the fallback product if set.
func (c *Catalog) Options(fallback string) ([]string, error) {
	products, exists, err := c.Load()
	if err != nil {
		return nil, err
	}
	if exists {
		return products, nil
	}
	if strings.TrimSpace(fallback) == "" {
		return []string{}, nil
	}
	return []string{fallback}, nil
}

// Match finds the product the operator most likely meant by query: an exact
// match, then a case-insensitive one, then the closest fuzzy match.
func Match(products []string, query string) (string, bool) {
	query = strings.TrimSpace(query)
	if query == "" {
		return "", false
	}

	for _, p := range products {
		if p == query {
			return p, true
		}
	}
	for _, p := range products {
		if strings.EqualFold(p, query) {
			return p, true
		}
	}

	ranks := fuzzy.RankFindNormalizedFold(query, products)
	if len(ranks) == 0 {
		return "", false
	}
	sort.Stable(ranks)

	return ranks[0].Target, true
}

func dedupe(list []string) []string {
	out := make([]string, 0, len(list))
	seen := make(map[string]struct{}, len(list))
	for _, p := range list {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}
