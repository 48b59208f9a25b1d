package gitops

import (
	"fmt"
	"strings"

	"github.com/hochfrequenz/recommendation-implementer/internal/domain"
)

const commitTemplate = `%s

%s

Category: %s
Priority: %s
Branch: %s
Request: %s
`

// BuildCommitMessage formats the structured commit message for a request
func BuildCommitMessage(req domain.Request, branch string) string {
	scope := req.NormalizedCategory()
	subject := "feat: " + req.Title
	if scope != "" {
		subject = fmt.Sprintf("feat(%s): %s", strings.ReplaceAll(scope, " ", "-"), req.Title)
	}
	return fmt.Sprintf(commitTemplate,
		subject,
		strings.TrimSpace(req.Description),
		orNone(req.Category),
		orNone(req.Priority),
		branch,
		req.ID,
	)
}

// BuildFallbackCommitMessage marks a commit that only carries scaffolding
func BuildFallbackCommitMessage(req domain.Request, branch string) string {
	return "[scaffold] " + BuildCommitMessage(req, branch)
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}
