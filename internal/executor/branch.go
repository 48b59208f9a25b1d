package executor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hochfrequenz/recommendation-implementer/internal/applier"
	"github.com/hochfrequenz/recommendation-implementer/internal/domain"
	"github.com/hochfrequenz/recommendation-implementer/internal/prompts"
)

// BranchCreator creates and checks out a new branch
type BranchCreator interface {
	CreateBranch(ctx context.Context, dir, branch string) error
}

// BranchName returns the implementation branch name for id at t
func BranchName(id string, t time.Time) string {
	return fmt.Sprintf("ai-implementation-%s-%d", sanitizeRef(id), t.UnixMilli())
}

// CreateBranch creates the implementation branch from the current HEAD
func CreateBranch(ctx context.Context, git BranchCreator, dir, id string, now time.Time) (string, error) {
	branch := BranchName(id, now)
	if err := git.CreateBranch(ctx, dir, branch); err != nil {
		return "", err
	}
	return branch, nil
}

// BuildPrompt renders the implementation prompt for req
func BuildPrompt(loader *prompts.Loader, req domain.Request) (string, error) {
	if loader == nil {
		loader = prompts.NewLoader()
	}
	return loader.BuildTaskPrompt(applier.TaskData(req))
}

// sanitizeRef keeps characters that are safe in a git ref component
func sanitizeRef(id string) string {
	var b strings.Builder
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	s := strings.Trim(b.String(), "-")
	if s == "" {
		return "item"
	}
	return s
}
