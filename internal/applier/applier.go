// Package applier writes parsed file changes into a workspace and produces
// the fallback scaffold when there is nothing to write.
package applier

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hochfrequenz/recommendation-implementer/internal/domain"
	"github.com/hochfrequenz/recommendation-implementer/internal/parser"
	"github.com/hochfrequenz/recommendation-implementer/internal/prompts"
)

// Applier writes files below a workspace root
type Applier struct {
	loader *prompts.Loader
	now    func() time.Time
}

// New creates a new Applier
func New(loader *prompts.Loader) *Applier {
	if loader == nil {
		loader = prompts.NewLoader()
	}
	return &Applier{loader: loader, now: time.Now}
}

// RefusedPathError reports a filename that resolves outside the workspace
// or into its .git directory
type RefusedPathError struct {
	Name   string
	Reason string
}

func (e *RefusedPathError) Error() string {
	return fmt.Sprintf("refusing %s %q", e.Reason, e.Name)
}

// Apply overwrites each changed file with its complete content and returns
// the touched paths in order. Changes whose path is refused are skipped and
// returned as rejections; only write failures abort.
func (a *Applier) Apply(root string, changes []parser.FileChange) ([]string, []parser.Rejection, error) {
	touched := make([]string, 0, len(changes))
	var refused []parser.Rejection
	for _, c := range changes {
		err := writeFile(root, c.Filename, c.Content)
		var rp *RefusedPathError
		switch {
		case errors.As(err, &rp):
			refused = append(refused, parser.Rejection{Candidate: c.Filename, Reason: rp.Error(), Line: c.Line})
			continue
		case err != nil:
			return touched, refused, err
		}
		touched = append(touched, c.Filename)
	}
	return touched, refused, nil
}

// Fallback writes an implementation note plus a category scaffold for req
func (a *Applier) Fallback(root string, req domain.Request) ([]string, error) {
	data := prompts.ScaffoldData{
		TaskData:  TaskData(req),
		RequestID: req.ID,
		Slug:      Slug(req),
		Date:      a.now().UTC().Format("2006-01-02"),
	}

	scaffold, err := a.loader.RenderScaffold(req.NormalizedCategory(), data)
	if err != nil {
		return nil, fmt.Errorf("render scaffold: %w", err)
	}
	data.ScaffoldPath = scaffold.Path

	note, err := a.loader.RenderNote(data)
	if err != nil {
		return nil, fmt.Errorf("render note: %w", err)
	}

	var touched []string
	for _, f := range []prompts.Rendered{note, scaffold} {
		if err := writeFile(root, f.Path, f.Content); err != nil {
			return touched, err
		}
		touched = append(touched, f.Path)
	}
	return touched, nil
}

// TaskData maps a request onto prompt template variables
func TaskData(req domain.Request) prompts.TaskData {
	return prompts.TaskData{
		Title:         req.Title,
		Description:   req.Description,
		Category:      req.Category,
		Difficulty:    req.Difficulty,
		Priority:      req.Priority,
		EstimatedTime: req.EstimatedTime,
		TechStack:     strings.Join(req.TechStack, ", "),
	}
}

// Slug builds a file-name-safe identifier from the request id and title
func Slug(req domain.Request) string {
	var b strings.Builder
	lastDash := false
	for _, r := range strings.ToLower(req.ID + " " + req.Title) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			lastDash = false
			continue
		}
		if !lastDash && b.Len() > 0 {
			b.WriteByte('-')
			lastDash = true
		}
	}
	slug := strings.Trim(b.String(), "-")
	if len(slug) > 60 {
		slug = strings.TrimRight(slug[:60], "-")
	}
	if slug == "" {
		slug = "implementation"
	}
	return slug
}

// writeFile writes content to root/name, refusing paths that leave root
func writeFile(root, name, content string) error {
	path, err := SafeJoin(root, name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating directory for %s: %w", name, err)
	}
	if content != "" && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return fmt.Errorf("writing %s: %w", name, err)
	}
	return nil
}

// SafeJoin joins a relative name onto root and rejects escapes
func SafeJoin(root, name string) (string, error) {
	if filepath.IsAbs(name) {
		return "", &RefusedPathError{Name: name, Reason: "absolute path"}
	}
	path := filepath.Join(root, filepath.FromSlash(name))
	rel, err := filepath.Rel(root, path)
	if err != nil || rel == "." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || rel == ".." {
		return "", &RefusedPathError{Name: name, Reason: "path outside workspace"}
	}
	if rel == ".git" || strings.HasPrefix(rel, ".git"+string(filepath.Separator)) {
		return "", &RefusedPathError{Name: name, Reason: "path inside .git"}
	}
	return path, nil
}
