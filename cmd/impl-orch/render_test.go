package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hochfrequenz/recommendation-implementer/internal/config"
	"github.com/hochfrequenz/recommendation-implementer/internal/domain"
	"github.com/hochfrequenz/recommendation-implementer/internal/orchestrator"
	"github.com/hochfrequenz/recommendation-implementer/internal/parser"
)

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "-", formatDuration(0))
	assert.Equal(t, "42s", formatDuration(42*time.Second))
	assert.Equal(t, "3m05s", formatDuration(3*time.Minute+5*time.Second))
	assert.Equal(t, "2h07m", formatDuration(2*time.Hour+7*time.Minute))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcdefg...", truncate("abcdefghijklmnop", 10))
}

func TestRecordDetail(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r := domain.NewRecord("rec-1", domain.Request{ID: "req-1", Title: "Add input validation", Description: "d"},
		"https://github.com/acme/shop", "shop", now.Add(-time.Hour))
	r.CodeGeneration = domain.CodeGeneration{
		Success:       true,
		BranchName:    "feature/implement-req-1-1700000000000",
		CommitHash:    "abc1234",
		ModifiedFiles: []string{"src/a.ts", "src/b.ts"},
	}
	r.Metrics = domain.Metrics{FilesProcessed: 2, LinesAdded: 1200, LinesRemoved: 3}
	r.PullRequest = &domain.PullRequest{Success: true, URL: "https://github.com/acme/shop/pull/7"}
	r.Deployment = &domain.Deployment{Success: true, URL: "https://preview.example.com", Cached: true}
	r.Logs = []domain.LogEntry{
		{Timestamp: now, Level: domain.LogInfo, Message: "workspace ready"},
		{Timestamp: now, Level: domain.LogWarning, Message: "validation failed"},
	}

	out := recordDetail(r, now)
	assert.Contains(t, out, "Add input validation")
	assert.Contains(t, out, "feature/implement-req-1-1700000000000")
	assert.Contains(t, out, "src/a.ts, src/b.ts")
	assert.Contains(t, out, "+1,200 -3")
	assert.Contains(t, out, "https://github.com/acme/shop/pull/7")
	assert.Contains(t, out, "(cached)")
	assert.Contains(t, out, "validation failed")
	assert.Contains(t, out, "1 hour ago")
}

func TestOutcomeSummary_Failure(t *testing.T) {
	out := outcomeSummary(orchestrator.Outcome{
		RecordID: "rec-9",
		Status:   domain.StatusFailed,
		Error:    "workspace: clone failed",
	})
	assert.Contains(t, out, "✗ failed")
	assert.Contains(t, out, "rec-9")
	assert.Contains(t, out, "workspace: clone failed")
}

func TestBatchSummary(t *testing.T) {
	out := batchSummary(orchestrator.BatchOutcome{
		BatchID: "b-1", Total: 2, Succeeded: 1, Failed: 1,
		Items: []orchestrator.Outcome{
			{Status: domain.StatusCompleted, Success: true, BranchName: "feature/implement-a-1"},
			{Status: domain.StatusFailed, Error: "boom"},
		},
	})
	assert.Contains(t, out, "1 succeeded")
	assert.Contains(t, out, "1 failed")
	assert.Contains(t, out, "feature/implement-a-1")
	assert.Contains(t, out, "boom")
}

func TestParseSummary(t *testing.T) {
	res := parser.Parse("### src/app.ts\n```ts\nexport const x = 1;\n```\n")
	require.Len(t, res.Changes, 1)

	out := parseSummary(res)
	assert.Contains(t, out, "1 file(s) extracted")
	assert.Contains(t, out, "src/app.ts")
}

func TestPrintJSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, printJSON(&buf, orchestrator.Outcome{RecordID: "r1", ModifiedFiles: []string{}}))
	assert.Contains(t, buf.String(), `"recordId": "r1"`)
}

func TestAppOptions_FlagsOverrideConfig(t *testing.T) {
	cfg := config.Default()
	a := &app{cfg: cfg}

	cmd := &cobra.Command{}
	addRunFlags(cmd)
	require.NoError(t, cmd.Flags().Parse([]string{"--pr=false", "--timeout=90s"}))

	opts := a.options(cmd)
	assert.False(t, opts.CreatePR)
	assert.Equal(t, cfg.Validation.Enabled, opts.Validate)
	assert.Equal(t, cfg.Deploy.Enabled, opts.Deploy)
	assert.Equal(t, 90*time.Second, opts.AgentTimeout)

	opts = a.options(nil)
	assert.Equal(t, cfg.GitHub.CreatePR, opts.CreatePR)
	assert.Equal(t, cfg.Agent.Timeout.Duration, opts.AgentTimeout)
}

func TestWithFileOverrides(t *testing.T) {
	yes, no := true, false
	opts := withFileOverrides(orchestrator.Options{CreatePR: true}, &domain.RequestFile{CreatePR: &no, Deploy: &yes})
	assert.False(t, opts.CreatePR)
	assert.True(t, opts.Deploy)

	opts = withFileOverrides(orchestrator.Options{CreatePR: true}, &domain.RequestFile{})
	assert.True(t, opts.CreatePR)
}
