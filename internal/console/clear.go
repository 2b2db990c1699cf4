// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package console

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/autobrr/keysmith/internal/models"
	"github.com/autobrr/keysmith/internal/services"
)

type ClearState string

const (
	StateChallengeIssued   ClearState = "challenge-issued"
	StateChallengeVerified ClearState = "challenge-verified"
	StateMultiDomainReview ClearState = "multi-domain-review"
	StateFinalConfirm      ClearState = "final-confirm"
	StateCleared           ClearState = "cleared"
	StateAborted           ClearState = "aborted"
)

func (s ClearState) terminal() bool {
	return s == StateCleared || s == StateAborted
}

// ClearOutcome describes how a clear-logs run ended. A mistyped challenge
// ends in StateAborted with a nil Err.
type ClearOutcome struct {
	State     ClearState
	Path      []ClearState
	Challenge string
	Mismatch  bool
	Reviewed  []models.UsageFinding
	Deleted   *services.DeleteReport
	Method    models.ClearMethod
	Err       error
}

// ClearFlow walks the operator through emptying the verification log. The
// log is only touched after the challenge is typed back exactly and a
// separate final confirmation is given.
type ClearFlow struct {
	analyzer   Analyzer
	prompt     *Prompter
	show       func(*Result)
	challenge  func() (string, error)
	minDomains int

	state   ClearState
	outcome ClearOutcome
}

func NewClearFlow(analyzer Analyzer, prompt *Prompter, show func(*Result), challenge func() (string, error), minDomains int) *ClearFlow {
	if show == nil {
		show = func(*Result) {}
	}
	return &ClearFlow{
		analyzer:   analyzer,
		prompt:     prompt,
		show:       show,
		challenge:  challenge,
		minDomains: minDomains,
	}
}

func (f *ClearFlow) State() ClearState {
	return f.state
}

// Run drives the flow to a terminal state.
func (f *ClearFlow) Run(ctx context.Context) ClearOutcome {
	f.outcome = ClearOutcome{}
	f.enter(StateChallengeIssued)

	for !f.state.terminal() {
		var next ClearState
		switch f.state {
		case StateChallengeIssued:
			next = f.issueChallenge()
		case StateChallengeVerified:
			next = f.offerReview()
		case StateMultiDomainReview:
			next = f.review(ctx)
		case StateFinalConfirm:
			next = f.finalConfirm(ctx)
		default:
			f.outcome.Err = fmt.Errorf("unexpected clear state %q", f.state)
			next = StateAborted
		}
		f.enter(next)
	}

	f.outcome.State = f.state
	log.Debug().Strs("path", statesToStrings(f.outcome.Path)).Msg("Clear logs flow finished")
	return f.outcome
}

func (f *ClearFlow) enter(state ClearState) {
	f.state = state
	f.outcome.Path = append(f.outcome.Path, state)
}

func (f *ClearFlow) issueChallenge() ClearState {
	challenge, err := f.challenge()
	if err != nil {
		f.outcome.Err = fmt.Errorf("generate challenge: %w", err)
		return StateAborted
	}
	f.outcome.Challenge = challenge

	f.show(&Result{
		Title: "Clear verification log (this resets all usage counts)",
		Lines: []string{"Type the following string exactly to confirm:", "", challenge, ""},
	})

	answer, err := f.prompt.Ask("Enter string: ")
	if err != nil {
		return StateAborted
	}
	if answer != challenge {
		f.outcome.Mismatch = true
		f.show(&Result{Lines: []string{"Confirmation failed. Aborting clear operation."}})
		return StateAborted
	}
	return StateChallengeVerified
}

func (f *ClearFlow) offerReview() ClearState {
	ok, err := f.prompt.Confirm("Delete product keys that were used on multiple domains first?")
	if err != nil {
		return StateAborted
	}
	if ok {
		return StateMultiDomainReview
	}
	return StateFinalConfirm
}

func (f *ClearFlow) review(ctx context.Context) ClearState {
	findings, err := f.analyzer.MultiDomain(ctx, f.minDomains)
	if err != nil {
		// the log is still intact, the operator decides whether to clear anyway
		f.show(&Result{Err: fmt.Errorf("multi-domain scan failed: %w", err)})
		return StateFinalConfirm
	}
	f.outcome.Reviewed = findings

	if len(findings) == 0 {
		f.show(&Result{Lines: []string{"No multi-domain keys found."}})
		return StateFinalConfirm
	}

	f.show(&Result{
		Title:      "The following keys were used on multiple domains and will be deleted:",
		Findings:   findings,
		CountLabel: "Domains",
	})

	ok, err := f.prompt.Confirm("Confirm deletion of these keys?")
	if err != nil {
		return StateAborted
	}
	if ok {
		report := f.analyzer.DeleteFlagged(ctx, findings)
		f.outcome.Deleted = &report
		f.show(deleteReportResult(report, "multi-domain keys"))
	}
	return StateFinalConfirm
}

func (f *ClearFlow) finalConfirm(ctx context.Context) ClearState {
	ok, err := f.prompt.Confirm("Confirm clearing the verification log now?")
	if err != nil || !ok {
		f.show(&Result{Lines: []string{"Aborted clearing the verification log."}})
		return StateAborted
	}

	method, err := f.analyzer.ClearLogs(ctx)
	if err != nil {
		f.outcome.Err = err
		return StateAborted
	}
	f.outcome.Method = method
	return StateCleared
}

func deleteReportResult(report services.DeleteReport, what string) *Result {
	r := &Result{}
	r.addLine("Deleted %d of %d %s.", report.DeletedCount(), report.Requested, what)
	if len(report.Missing) > 0 {
		r.addLine("%d already gone.", len(report.Missing))
	}
	for _, f := range report.Failed {
		r.addLine("Failed to delete %s: %v", models.MaskLicenseKey(f.Key), f.Err)
	}
	return r
}

func statesToStrings(states []ClearState) []string {
	out := make([]string, len(states))
	for i, s := range states {
		out[i] = string(s)
	}
	return out
}
