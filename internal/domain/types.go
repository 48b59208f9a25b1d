package domain

// Status represents the lifecycle state of an implementation record
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// IsTerminal returns true once no further transitions are allowed
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// CanTransition reports whether a record may move from one status to another.
// Processing may repeat (progress updates); nothing returns to pending.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusProcessing || to == StatusFailed || to == StatusCancelled
	case StatusProcessing:
		return to == StatusProcessing || to == StatusCompleted || to == StatusFailed
	}
	return false
}

// Progress checkpoints reported while an item is processing
const (
	ProgressWorkspaceReady  = 20
	ProgressAgentConfigured = 40
	ProgressCodeGenerated   = 80
	ProgressDone            = 100
)

// LogLevel of a record audit entry
type LogLevel string

const (
	LogInfo    LogLevel = "info"
	LogWarning LogLevel = "warning"
	LogError   LogLevel = "error"
)

// ProjectType is the toolchain detected in a workspace
type ProjectType string

const (
	ProjectNodeJS  ProjectType = "nodejs"
	ProjectPython  ProjectType = "python"
	ProjectJava    ProjectType = "java"
	ProjectRust    ProjectType = "rust"
	ProjectGo      ProjectType = "go"
	ProjectUnknown ProjectType = "unknown"
)

// Outcome of a single validation command
type Outcome string

const (
	OutcomePassed  Outcome = "passed"
	OutcomeFailed  Outcome = "failed"
	OutcomeSkipped Outcome = "skipped"
)
