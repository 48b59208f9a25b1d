package domain

import (
	"fmt"
	"time"
)

// CodeGeneration captures the result of the generation stage
type CodeGeneration struct {
	Success       bool     `json:"success"`
	BranchName    string   `json:"branchName,omitempty"`
	CommitHash    string   `json:"commitHash,omitempty"`
	ModifiedFiles []string `json:"modifiedFiles"`
	Error         string   `json:"error,omitempty"`
	Fallback      bool     `json:"fallback"`
	Partial       bool     `json:"partial,omitempty"`
}

// PullRequest captures the result of the push and PR stage
type PullRequest struct {
	Success     bool   `json:"success"`
	URL         string `json:"url,omitempty"`
	Number      int    `json:"number,omitempty"`
	Message     string `json:"message,omitempty"`
	Error       string `json:"error,omitempty"`
	LocalBranch string `json:"localBranch,omitempty"`
}

// Deployment captures a deployment trigger result
type Deployment struct {
	Success      bool   `json:"success"`
	URL          string `json:"url,omitempty"`
	DeploymentID string `json:"deploymentId,omitempty"`
	Status       string `json:"status,omitempty"`
	Error        string `json:"error,omitempty"`
	Cached       bool   `json:"cached"`
}

// CommandResult is the outcome of one lint or test command
type CommandResult struct {
	Name     string        `json:"name"`
	Command  string        `json:"command"`
	Outcome  Outcome       `json:"outcome"`
	ExitCode int           `json:"exitCode"`
	Duration time.Duration `json:"duration"`
	Output   string        `json:"output,omitempty"`
	Note     string        `json:"note,omitempty"`
}

// ValidationResults is diagnostic metadata; it never gates an item
type ValidationResults struct {
	ProjectType ProjectType     `json:"projectType"`
	Note        string          `json:"note,omitempty"`
	Commands    []CommandResult `json:"commands"`
}

// Passed returns true when no command failed
func (v *ValidationResults) Passed() bool {
	for _, c := range v.Commands {
		if c.Outcome == OutcomeFailed {
			return false
		}
	}
	return true
}

// LogEntry represents one line of a record's audit trail
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     LogLevel  `json:"level"`
	Message   string    `json:"message"`
}

// Metrics summarizes the size of a generated change
type Metrics struct {
	FilesProcessed int `json:"filesProcessed"`
	LinesAdded     int `json:"linesAdded"`
	LinesRemoved   int `json:"linesRemoved"`
}

// Failure is attached to every failed record
type Failure struct {
	Message    string    `json:"message"`
	Stack      string    `json:"stack"`
	OccurredAt time.Time `json:"occurredAt"`
}

// Record tracks one attempt to implement one request
type Record struct {
	ID          string `json:"id"`
	RequestID   string `json:"requestId"`
	RepoURL     string `json:"repoUrl"`
	ProjectName string `json:"projectName"`
	Title       string `json:"title"`
	Category    string `json:"category"`
	Priority    string `json:"priority"`

	Status   Status `json:"status"`
	Progress int    `json:"progress"`

	CodeGeneration    CodeGeneration     `json:"codeGeneration"`
	PullRequest       *PullRequest       `json:"pullRequest,omitempty"`
	Deployment        *Deployment        `json:"deployment,omitempty"`
	ValidationResults *ValidationResults `json:"validationResults,omitempty"`
	Logs              []LogEntry         `json:"logs"`
	Metrics           Metrics            `json:"metrics"`
	Failure           *Failure           `json:"failure,omitempty"`

	StartedAt   time.Time     `json:"startedAt"`
	CompletedAt *time.Time    `json:"completedAt,omitempty"`
	Duration    time.Duration `json:"duration"`

	BatchID    string `json:"batchId,omitempty"`
	BatchOrder int    `json:"batchOrder,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// NewRecord creates a pending record for a request
func NewRecord(id string, req Request, repoURL, projectName string, now time.Time) *Record {
	return &Record{
		ID:          id,
		RequestID:   req.ID,
		RepoURL:     repoURL,
		ProjectName: projectName,
		Title:       req.Title,
		Category:    req.Category,
		Priority:    req.Priority,
		Status:      StatusPending,
		CodeGeneration: CodeGeneration{
			ModifiedFiles: []string{},
		},
		Logs:      []LogEntry{},
		StartedAt: now,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Advance moves the record to a new status and progress value.
// Progress never decreases and status changes follow CanTransition.
func (r *Record) Advance(status Status, progress int, now time.Time) error {
	if !CanTransition(r.Status, status) {
		return fmt.Errorf("record %s: invalid transition %s -> %s", r.ID, r.Status, status)
	}
	if progress < r.Progress {
		progress = r.Progress
	}
	if progress > ProgressDone {
		progress = ProgressDone
	}
	r.Status = status
	r.Progress = progress
	r.UpdatedAt = now
	return nil
}

// AppendLog adds an audit entry, keeping entries in chronological order
func (r *Record) AppendLog(level LogLevel, message string, now time.Time) LogEntry {
	if n := len(r.Logs); n > 0 && now.Before(r.Logs[n-1].Timestamp) {
		now = r.Logs[n-1].Timestamp
	}
	entry := LogEntry{Timestamp: now, Level: level, Message: message}
	r.Logs = append(r.Logs, entry)
	return entry
}

// Finish finalizes the record exactly once
func (r *Record) Finish(status Status, now time.Time) error {
	if r.CompletedAt != nil {
		return fmt.Errorf("record %s already finalized", r.ID)
	}
	progress := r.Progress
	if status == StatusCompleted {
		progress = ProgressDone
	}
	if err := r.Advance(status, progress, now); err != nil {
		return err
	}
	// wall clock only, so the duration survives persistence unchanged
	completed := now.Round(0)
	r.CompletedAt = &completed
	r.Duration = completed.Sub(r.StartedAt.Round(0))
	return nil
}

// Fail finalizes the record as failed with structured failure detail
func (r *Record) Fail(message, stack string, now time.Time) error {
	r.Failure = &Failure{Message: message, Stack: stack, OccurredAt: now}
	if r.CodeGeneration.Error == "" {
		r.CodeGeneration.Error = message
	}
	r.CodeGeneration.Success = false
	return r.Finish(StatusFailed, now)
}
