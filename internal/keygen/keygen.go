// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package keygen produces random alphanumeric license keys and operator challenges.
package keygen

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
)

const (
	// DefaultLength is used when no key length is configured.
	DefaultLength = 32

	// MaxBatchCount is the largest batch GenerateKeys accepts.
	MaxBatchCount = 1_000_000

	MinChallengeLength = 6
	MaxChallengeLength = 12

	alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

	// maxIdleDraws bounds consecutive entropy reads that yield nothing usable.
	maxIdleDraws = 1024
)

var (
	ErrInvalidLength    = errors.New("key length must be positive")
	ErrInvalidCount     = errors.New("key count must be between 1 and 1000000")
	ErrEntropyExhausted = errors.New("entropy source produced no usable characters")
	ErrBatchExhausted   = errors.New("could not generate enough unique keys")
)

// Generator draws keys from an entropy source.
type Generator struct {
	source io.Reader
}

// New returns a Generator reading from source. A nil source uses crypto/rand.
func New(source io.Reader) *Generator {
	if source == nil {
		source = rand.Reader
	}
	return &Generator{source: source}
}

var defaultGenerator = New(rand.Reader)

// GenerateKey returns a key of exactly length characters using the default generator.
func GenerateKey(length int) (string, error) {
	return defaultGenerator.GenerateKey(length)
}

// GenerateKeys returns count distinct keys using the default generator.
func GenerateKeys(count, length int) ([]string, error) {
	return defaultGenerator.GenerateKeys(count, length)
}

// Challenge returns a one-time confirmation string using the default generator.
func Challenge() (string, error) {
	return defaultGenerator.Challenge()
}

// GenerateKey base64-encodes length random bytes per draw, keeps only the
// alphanumeric characters and repeats until at least length characters have
// been collected. The result is truncated to exactly length.
func (g *Generator) GenerateKey(length int) (string, error) {
	if length <= 0 {
		return "", ErrInvalidLength
	}

	var sb strings.Builder
	sb.Grow(length + length/2)

	buf := make([]byte, length)
	idle := 0

	for sb.Len() < length {
		if _, err := io.ReadFull(g.source, buf); err != nil {
			return "", fmt.Errorf("read entropy: %w", err)
		}

		before := sb.Len()
		for _, c := range base64.StdEncoding.EncodeToString(buf) {
			if isAlphanumeric(c) {
				sb.WriteRune(c)
			}
		}

		if sb.Len() == before {
			idle++
			if idle >= maxIdleDraws {
				return "", ErrEntropyExhausted
			}
			continue
		}
		idle = 0
	}

	return sb.String()[:length], nil
}

// GenerateKeys draws candidates until count distinct keys are collected.
// Uniqueness holds within the batch only; the store enforces it globally.
func (g *Generator) GenerateKeys(count, length int) ([]string, error) {
	if count <= 0 || count > MaxBatchCount {
		return nil, ErrInvalidCount
	}

	seen := make(map[string]struct{}, count)
	keys := make([]string, 0, count)
	limit := batchAttemptLimit(count)

	for attempts := 0; len(keys) < count; attempts++ {
		if attempts >= limit {
			return nil, fmt.Errorf("%w: got %d of %d after %d attempts", ErrBatchExhausted, len(keys), count, attempts)
		}

		key, err := g.GenerateKey(length)
		if err != nil {
			return nil, err
		}

		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		keys = append(keys, key)
	}

	return keys, nil
}

// Challenge returns an alphanumeric string whose length is chosen uniformly
// between MinChallengeLength and MaxChallengeLength.
func (g *Generator) Challenge() (string, error) {
	n, err := g.intn(MaxChallengeLength - MinChallengeLength + 1)
	if err != nil {
		return "", err
	}

	out := make([]byte, MinChallengeLength+n)
	for i := range out {
		idx, err := g.intn(len(alphabet))
		if err != nil {
			return "", err
		}
		out[i] = alphabet[idx]
	}

	return string(out), nil
}

// intn returns a uniform value in [0, n) by rejection sampling single bytes.
func (g *Generator) intn(n int) (int, error) {
	limit := 256 - 256%n
	var b [1]byte

	for draws := 0; draws < maxIdleDraws; draws++ {
		if _, err := io.ReadFull(g.source, b[:]); err != nil {
			return 0, fmt.Errorf("read entropy: %w", err)
		}
		if int(b[0]) < limit {
			return int(b[0]) % n, nil
		}
	}

	return 0, ErrEntropyExhausted
}

func batchAttemptLimit(count int) int {
	return count*64 + 1024
}

func isAlphanumeric(c rune) bool {
	return (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9')
}

// IsValidKey reports whether key has the given length and only alphanumeric characters.
func IsValidKey(key string, length int) bool {
	if len(key) != length {
		return false
	}
	for _, c := range key {
		if !isAlphanumeric(c) {
			return false
		}
	}
	return true
}
