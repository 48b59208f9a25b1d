package prbot

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/hochfrequenz/recommendation-implementer/internal/domain"
)

// FailureMessage is reported when the branch was pushed but no PR exists
const FailureMessage = "branch pushed but PR creation failed"

const prBodyTemplate = `## Summary
%s

%s

## Recommendation
- Category: %s
- Priority: %s
- Request: %s

## Changes
%s

## Validation
%s

---
Automated implementation on branch ` + "`%s`" + `
`

// ErrToolUnavailable is returned when the PR tool cannot be found
var ErrToolUnavailable = errors.New("pull request tool unavailable")

// PRRequest describes a pull request to open
type PRRequest struct {
	RepoURL string
	Dir     string // local checkout, used by CLI based hosts
	Title   string
	Body    string
	Base    string
	Head    string
	Labels  []string
}

// PRResult identifies a created pull request
type PRResult struct {
	URL    string
	Number int
}

// CodeHost opens pull requests
type CodeHost interface {
	CreatePR(ctx context.Context, req PRRequest) (PRResult, error)
}

// BuildPRTitle returns the pull request title for a request
func BuildPRTitle(req domain.Request, fallback bool) string {
	title := fmt.Sprintf("feat(%s): %s", req.NormalizedCategory(), req.Title)
	if fallback {
		title = "[scaffold] " + title
	}
	return title
}

// BuildPRBody constructs the PR body
func BuildPRBody(req domain.Request, gen domain.CodeGeneration, validation *domain.ValidationResults) string {
	summary := "Implements the recommendation below."
	if gen.Fallback {
		summary = "No code could be generated automatically; this PR adds an implementation note and a scaffold for follow-up."
	} else if gen.Partial {
		summary = "The agent timed out; this PR contains the changes it made before stopping."
	}

	changes := "- none"
	if len(gen.ModifiedFiles) > 0 {
		lines := make([]string, 0, len(gen.ModifiedFiles))
		for _, f := range gen.ModifiedFiles {
			lines = append(lines, "- `"+f+"`")
		}
		changes = strings.Join(lines, "\n")
	}

	return fmt.Sprintf(prBodyTemplate,
		summary,
		req.Description,
		orNone(req.Category),
		orNone(req.Priority),
		orNone(req.ID),
		changes,
		validationSummary(validation),
		gen.BranchName,
	)
}

func validationSummary(v *domain.ValidationResults) string {
	if v == nil {
		return "- not run"
	}
	if len(v.Commands) == 0 {
		if v.Note != "" {
			return "- " + v.Note
		}
		return "- no commands"
	}
	lines := make([]string, 0, len(v.Commands))
	for _, c := range v.Commands {
		line := fmt.Sprintf("- `%s`: %s", c.Command, c.Outcome)
		if c.Note != "" {
			line += " (" + c.Note + ")"
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}

// GHCLI creates pull requests with the gh CLI
type GHCLI struct {
	binary  string
	timeout time.Duration
	logger  *zap.Logger
}

// NewGHCLI creates a GHCLI; binary defaults to "gh"
func NewGHCLI(binary string, timeout time.Duration, logger *zap.Logger) *GHCLI {
	if binary == "" {
		binary = "gh"
	}
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GHCLI{binary: binary, timeout: timeout, logger: logger}
}

// CreatePR creates a pull request using gh CLI
func (g *GHCLI) CreatePR(ctx context.Context, req PRRequest) (PRResult, error) {
	if _, err := exec.LookPath(g.binary); err != nil {
		return PRResult{}, fmt.Errorf("%w: %s", ErrToolUnavailable, g.binary)
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	args := []string{"pr", "create", "--title", req.Title, "--body", req.Body, "--head", req.Head}
	if req.Base != "" {
		args = append(args, "--base", req.Base)
	}
	cmd := exec.CommandContext(ctx, g.binary, args...)
	cmd.Dir = req.Dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return PRResult{}, fmt.Errorf("gh pr create: %s: %w", strings.TrimSpace(string(out)), err)
	}

	// gh prints the PR URL on the last line
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	url := strings.TrimSpace(lines[len(lines)-1])
	res := PRResult{URL: url, Number: extractPRNumber(url)}

	if len(req.Labels) > 0 && res.Number > 0 {
		if err := g.AddLabels(ctx, req.Dir, res.Number, req.Labels); err != nil {
			g.logger.Warn("adding PR labels failed", zap.Int("pr", res.Number), zap.Error(err))
		}
	}
	return res, nil
}

// AddLabels adds labels to a PR
func (g *GHCLI) AddLabels(ctx context.Context, dir string, prNumber int, labels []string) error {
	args := []string{"pr", "edit", fmt.Sprintf("%d", prNumber)}
	for _, label := range labels {
		args = append(args, "--add-label", label)
	}

	cmd := exec.CommandContext(ctx, g.binary, args...)
	cmd.Dir = dir
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("gh pr edit: %s: %w", out, err)
	}
	return nil
}

func extractPRNumber(url string) int {
	// URL format: https://github.com/owner/repo/pull/123
	parts := strings.Split(strings.TrimSuffix(url, "/"), "/")
	if len(parts) > 0 {
		var num int
		fmt.Sscanf(parts[len(parts)-1], "%d", &num)
		return num
	}
	return 0
}
