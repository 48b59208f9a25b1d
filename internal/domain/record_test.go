package domain

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusProcessing, true},
		{StatusPending, StatusCancelled, true},
		{StatusPending, StatusFailed, true},
		{StatusPending, StatusCompleted, false},
		{StatusProcessing, StatusProcessing, true},
		{StatusProcessing, StatusCompleted, true},
		{StatusProcessing, StatusPending, false},
		{StatusProcessing, StatusCancelled, false},
		{StatusCompleted, StatusProcessing, false},
		{StatusFailed, StatusCompleted, false},
		{StatusCancelled, StatusProcessing, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestRecord_ProgressIsMonotonic(t *testing.T) {
	now := time.Now()
	rec := NewRecord("r1", Request{ID: "1", Title: "t"}, "https://example.com/a/b", "a-b", now)

	require.NoError(t, rec.Advance(StatusProcessing, ProgressAgentConfigured, now))
	require.NoError(t, rec.Advance(StatusProcessing, ProgressWorkspaceReady, now))
	assert.Equal(t, ProgressAgentConfigured, rec.Progress)

	assert.Error(t, rec.Advance(StatusPending, 0, now))
}

func TestRecord_FinishSetsDurationOnce(t *testing.T) {
	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	rec := NewRecord("r1", Request{ID: "1"}, "repo", "proj", start)
	require.NoError(t, rec.Advance(StatusProcessing, ProgressWorkspaceReady, start))

	end := start.Add(90 * time.Second)
	require.NoError(t, rec.Finish(StatusCompleted, end))

	require.NotNil(t, rec.CompletedAt)
	assert.Equal(t, rec.CompletedAt.Sub(rec.StartedAt), rec.Duration)
	assert.Equal(t, ProgressDone, rec.Progress)

	assert.Error(t, rec.Finish(StatusFailed, end.Add(time.Second)))
}

func TestRecord_FailFromPending(t *testing.T) {
	now := time.Now()
	rec := NewRecord("r1", Request{ID: "1"}, "repo", "proj", now)

	require.NoError(t, rec.Fail("clone failed", "stack", now))
	assert.Equal(t, StatusFailed, rec.Status)
	require.NotNil(t, rec.Failure)
	assert.Equal(t, "clone failed", rec.Failure.Message)
	assert.Equal(t, "clone failed", rec.CodeGeneration.Error)
}

func TestRecord_AppendLogKeepsOrder(t *testing.T) {
	now := time.Now()
	rec := NewRecord("r1", Request{ID: "1"}, "repo", "proj", now)

	rec.AppendLog(LogInfo, "first", now)
	rec.AppendLog(LogInfo, "second", now.Add(-time.Minute))

	require.Len(t, rec.Logs, 2)
	assert.False(t, rec.Logs[1].Timestamp.Before(rec.Logs[0].Timestamp))
}

func TestRequest_Validate(t *testing.T) {
	valid := Request{ID: "42", Title: "Add input validation", Description: "Validate form input", Category: "Security"}
	assert.NoError(t, valid.Validate())
	assert.Equal(t, "security", valid.NormalizedCategory())

	err := Request{ID: "42"}.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "title is required")
	assert.Contains(t, err.Error(), "description is required")
}

func TestLoadRequestFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "requests.yaml")
	content := `
repo_url: https://github.com/acme/shop
project_name: acme-shop
requests:
  - id: "1"
    title: Add input validation
    description: Validate signup form fields
    category: Security
    tech_stack: [node, express]
  - id: "2"
    title: Add unit tests
    description: Cover cart service
    category: Testing
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	f, err := LoadRequestFile(path)
	require.NoError(t, err)
	assert.Equal(t, "https://github.com/acme/shop", f.RepoURL)
	require.Len(t, f.Requests, 2)
	assert.Equal(t, []string{"node", "express"}, f.Requests[0].TechStack)
	assert.Nil(t, f.CreatePR)
}

func TestLoadRequestFile_JSONUsesAPIKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "batch.json")
	content := `{
  "repoUrl": "https://github.com/acme/shop",
  "projectName": "acme-shop",
  "createPr": false,
  "deploy": true,
  "requests": [
    {"id": "1", "title": "Add input validation", "description": "d", "estimatedTime": "2h", "techStack": ["node"]}
  ]
}`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	f, err := LoadRequestFile(path)
	require.NoError(t, err)
	assert.Equal(t, "https://github.com/acme/shop", f.RepoURL)
	assert.Equal(t, "acme-shop", f.ProjectName)
	require.NotNil(t, f.CreatePR)
	assert.False(t, *f.CreatePR)
	require.NotNil(t, f.Deploy)
	assert.True(t, *f.Deploy)
	require.Len(t, f.Requests, 1)
	assert.Equal(t, "2h", f.Requests[0].EstimatedTime)
	assert.Equal(t, []string{"node"}, f.Requests[0].TechStack)
}

func TestParseJSONRequestFile_Errors(t *testing.T) {
	_, err := ParseJSONRequestFile([]byte(`{"repo_url": "x", "requests": [{"id": "1"}]}`))
	assert.ErrorContains(t, err, "repoUrl is required")

	_, err = ParseJSONRequestFile([]byte(`{"repoUrl": "x", "requests": []}`))
	assert.Error(t, err)

	_, err = ParseJSONRequestFile([]byte(`not json`))
	assert.Error(t, err)
}

func TestParseRequestFile_Errors(t *testing.T) {
	_, err := ParseRequestFile([]byte("requests: []"))
	assert.Error(t, err)

	_, err = ParseRequestFile([]byte("repo_url: x\nrequests: []"))
	assert.Error(t, err)
}
