// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package console

import (
	"fmt"
	"io"
	"strings"

	"github.com/autobrr/keysmith/internal/models"
)

const rule = "────────────────────────────────────────────────────────────"

// Result is what a command produced. Handlers return it instead of printing.
type Result struct {
	Title string
	Lines []string

	// Keys are shown in full, they are what the operator copies out
	Keys []string

	Findings []models.UsageFinding
	// CountLabel names Findings' Count column, e.g. "Domains"
	CountLabel string

	Licenses []*models.License

	Err  error
	Quit bool
}

func (r *Result) addLine(format string, args ...any) {
	r.Lines = append(r.Lines, fmt.Sprintf(format, args...))
}

// Render writes r as plain text.
func Render(w io.Writer, r *Result) {
	if r == nil {
		return
	}

	if r.Title != "" {
		fmt.Fprintf(w, "\n%s\n\n", r.Title)
	}

	for _, line := range r.Lines {
		fmt.Fprintln(w, line)
	}

	if len(r.Findings) > 0 {
		label := r.CountLabel
		if label == "" {
			label = "Count"
		}
		for i, f := range r.Findings {
			fmt.Fprintf(w, "[%d] Key: %s  Product: %s  %s: %d\n", i+1, f.Key, f.Product, label, f.Count)
		}
	}

	if len(r.Licenses) > 0 {
		for i, l := range r.Licenses {
			fmt.Fprintf(w, "[%d] Key: %s  Product: %s  Status: %s  Created: %s\n",
				i+1, l.Key, l.Product, l.Status, l.CreatedAt.Format("2006-01-02 15:04"))
		}
	}

	if len(r.Keys) > 0 {
		fmt.Fprintln(w, rule)
		for _, k := range r.Keys {
			fmt.Fprintln(w, k)
		}
		fmt.Fprintln(w, rule)
	}

	if r.Err != nil {
		fmt.Fprintf(w, "Error: %s\n", r.Err)
	}
}

// RenderMenu writes the command list.
func RenderMenu(w io.Writer, title string, commands []Command) {
	fmt.Fprintf(w, "\n%s\n%s\n", title, strings.Repeat("=", len(title)))
	for _, c := range commands {
		fmt.Fprintf(w, "[%s] %s\n", c.Token, c.Label)
	}
	fmt.Fprintln(w)
}
