// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package console

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/autobrr/keysmith/internal/models"
	"github.com/autobrr/keysmith/internal/services"
)

type mockAnalyzer struct {
	mock.Mock
}

func (m *mockAnalyzer) Overused(ctx context.Context, threshold int) ([]models.UsageFinding, error) {
	args := m.Called(ctx, threshold)
	findings, _ := args.Get(0).([]models.UsageFinding)
	return findings, args.Error(1)
}

func (m *mockAnalyzer) MultiDomain(ctx context.Context, minDomains int) ([]models.UsageFinding, error) {
	args := m.Called(ctx, minDomains)
	findings, _ := args.Get(0).([]models.UsageFinding)
	return findings, args.Error(1)
}

func (m *mockAnalyzer) Unused(ctx context.Context) ([]*models.License, error) {
	args := m.Called(ctx)
	licenses, _ := args.Get(0).([]*models.License)
	return licenses, args.Error(1)
}

func (m *mockAnalyzer) DeleteFlagged(ctx context.Context, findings []models.UsageFinding) services.DeleteReport {
	args := m.Called(ctx, findings)
	return args.Get(0).(services.DeleteReport)
}

func (m *mockAnalyzer) LogCount(ctx context.Context) (int, error) {
	args := m.Called(ctx)
	return args.Int(0), args.Error(1)
}

func (m *mockAnalyzer) ClearLogs(ctx context.Context) (models.ClearMethod, error) {
	args := m.Called(ctx)
	return args.Get(0).(models.ClearMethod), args.Error(1)
}

func fixedChallenge(s string) func() (string, error) {
	return func() (string, error) { return s, nil }
}

func runClearFlow(t *testing.T, analyzer *mockAnalyzer, input string) (ClearOutcome, string) {
	t.Helper()
	var out bytes.Buffer
	prompt := NewPrompter(strings.NewReader(input), &out)
	flow := NewClearFlow(analyzer, prompt, func(r *Result) { Render(&out, r) }, fixedChallenge("Xy7Qa2"), 2)
	return flow.Run(t.Context()), out.String()
}

func TestClearFlowMismatchAborts(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{name: "wrong_string", input: "xy7qa2\n"},
		{name: "prefix_only", input: "Xy7Q\n"},
		{name: "empty", input: "\n"},
		{name: "no_input", input: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			analyzer := &mockAnalyzer{}

			outcome, _ := runClearFlow(t, analyzer, tt.input)

			assert.Equal(t, StateAborted, outcome.State)
			assert.NoError(t, outcome.Err, "a mismatch is not an error")
			assert.Equal(t, []ClearState{StateChallengeIssued, StateAborted}, outcome.Path)
			analyzer.AssertNotCalled(t, "ClearLogs", mock.Anything)
			analyzer.AssertNotCalled(t, "DeleteFlagged", mock.Anything, mock.Anything)
		})
	}
}

func TestClearFlowExactMatchAndYesClears(t *testing.T) {
	analyzer := &mockAnalyzer{}
	analyzer.On("ClearLogs", mock.Anything).Return(models.ClearTruncate, nil).Once()

	outcome, out := runClearFlow(t, analyzer, "Xy7Qa2\nn\ny\n")

	assert.Equal(t, StateCleared, outcome.State)
	assert.Equal(t, models.ClearTruncate, outcome.Method)
	assert.Equal(t, []ClearState{StateChallengeIssued, StateChallengeVerified, StateFinalConfirm, StateCleared}, outcome.Path)
	assert.Contains(t, out, "Xy7Qa2")
	analyzer.AssertExpectations(t)
	analyzer.AssertNotCalled(t, "MultiDomain", mock.Anything, mock.Anything)
}

func TestClearFlowFinalNoAborts(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{name: "explicit_no", input: "Xy7Qa2\nn\nn\n"},
		{name: "anything_but_yes", input: "Xy7Qa2\nn\nsure\n"},
		{name: "input_ends", input: "Xy7Qa2\nn\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			analyzer := &mockAnalyzer{}

			outcome, _ := runClearFlow(t, analyzer, tt.input)

			assert.Equal(t, StateAborted, outcome.State)
			assert.False(t, outcome.Mismatch)
			analyzer.AssertNotCalled(t, "ClearLogs", mock.Anything)
		})
	}
}

func TestClearFlowReviewDeletesMultiDomainKeys(t *testing.T) {
	findings := []models.UsageFinding{
		{Key: "LEAKEDKEY0001", Product: "P", Count: 3},
		{Key: "LEAKEDKEY0002", Product: "P", Count: 2},
	}
	report := services.DeleteReport{Requested: 2, Deleted: []string{"LEAKEDKEY0001", "LEAKEDKEY0002"}}

	analyzer := &mockAnalyzer{}
	analyzer.On("MultiDomain", mock.Anything, 2).Return(findings, nil).Once()
	analyzer.On("DeleteFlagged", mock.Anything, findings).Return(report).Once()
	analyzer.On("ClearLogs", mock.Anything).Return(models.ClearDelete, nil).Once()

	outcome, out := runClearFlow(t, analyzer, "Xy7Qa2\ny\ny\ny\n")

	assert.Equal(t, StateCleared, outcome.State)
	assert.Equal(t, []ClearState{
		StateChallengeIssued, StateChallengeVerified, StateMultiDomainReview, StateFinalConfirm, StateCleared,
	}, outcome.Path)
	assert.Equal(t, findings, outcome.Reviewed)
	if assert.NotNil(t, outcome.Deleted) {
		assert.Equal(t, 2, outcome.Deleted.DeletedCount())
	}
	assert.Contains(t, out, "Deleted 2 of 2 multi-domain keys.")
	analyzer.AssertExpectations(t)
}

func TestClearFlowReviewDeclinedStillReachesFinalConfirm(t *testing.T) {
	analyzer := &mockAnalyzer{}
	analyzer.On("MultiDomain", mock.Anything, 2).Return([]models.UsageFinding{{Key: "K", Product: "P", Count: 2}}, nil).Once()

	outcome, _ := runClearFlow(t, analyzer, "Xy7Qa2\ny\nn\nn\n")

	assert.Equal(t, StateAborted, outcome.State)
	assert.Nil(t, outcome.Deleted)
	analyzer.AssertNotCalled(t, "DeleteFlagged", mock.Anything, mock.Anything)
	analyzer.AssertNotCalled(t, "ClearLogs", mock.Anything)
}

func TestClearFlowClearFailure(t *testing.T) {
	analyzer := &mockAnalyzer{}
	analyzer.On("ClearLogs", mock.Anything).Return(models.ClearMethod(""), errors.New("permission denied")).Once()

	outcome, _ := runClearFlow(t, analyzer, "Xy7Qa2\nn\ny\n")

	assert.Equal(t, StateAborted, outcome.State)
	assert.EqualError(t, outcome.Err, "permission denied")
	analyzer.AssertExpectations(t)
}

func TestClearFlowChallengeFailure(t *testing.T) {
	analyzer := &mockAnalyzer{}
	var out bytes.Buffer
	flow := NewClearFlow(analyzer, NewPrompter(strings.NewReader("anything\n"), &out), nil,
		func() (string, error) { return "", errors.New("entropy exhausted") }, 2)

	outcome := flow.Run(t.Context())

	assert.Equal(t, StateAborted, outcome.State)
	assert.Error(t, outcome.Err)
	assert.Equal(t, StateAborted, flow.State())
}
