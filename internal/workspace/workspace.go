// Package workspace materializes one working copy per project and serializes
// access to it.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/hochfrequenz/recommendation-implementer/internal/domain"
	"github.com/hochfrequenz/recommendation-implementer/internal/gitops"
)

// WorkspaceError reports a clone or refresh failure. It is fatal for the item.
type WorkspaceError struct {
	Op      string
	Project string
	Err     error
}

func (e *WorkspaceError) Error() string {
	return fmt.Sprintf("workspace %s: %s: %v", e.Project, e.Op, e.Err)
}

func (e *WorkspaceError) Unwrap() error { return e.Err }

// IsWorkspaceError reports whether err is or wraps a WorkspaceError
func IsWorkspaceError(err error) bool {
	var we *WorkspaceError
	return errors.As(err, &we)
}

// Manager maps project names to directories under a root
type Manager struct {
	root   string
	git    *gitops.Operator
	logger *zap.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewManager creates a new Manager
func NewManager(root string, git *gitops.Operator, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		root:   root,
		git:    git,
		logger: logger,
		locks:  make(map[string]*sync.Mutex),
	}
}

// Path returns the directory bound to a project
func (m *Manager) Path(projectName string) string {
	return filepath.Join(m.root, projectName)
}

// resolve returns the project's directory, refusing names that escape the
// root or point at the root itself
func (m *Manager) resolve(projectName string) (string, error) {
	if err := domain.ValidateProjectName(projectName); err != nil {
		return "", &WorkspaceError{Op: "resolve", Project: projectName, Err: err}
	}
	path := m.Path(projectName)
	rel, err := filepath.Rel(m.root, path)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", &WorkspaceError{Op: "resolve", Project: projectName, Err: errors.New("path escapes the workspace root")}
	}
	return path, nil
}

// Lock acquires the project's mutex. Everything touching the working tree
// must happen while it is held.
func (m *Manager) Lock(projectName string) (unlock func()) {
	m.mu.Lock()
	l, ok := m.locks[projectName]
	if !ok {
		l = &sync.Mutex{}
		m.locks[projectName] = l
	}
	m.mu.Unlock()

	l.Lock()
	return l.Unlock
}

// Ensure clones the repository if the project directory is absent, otherwise
// refreshes the default branch. Callers must hold Lock(projectName).
func (m *Manager) Ensure(ctx context.Context, repoURL, projectName string) (string, error) {
	if projectName == "" {
		projectName = domain.ProjectNameFor(repoURL)
	}
	path, err := m.resolve(projectName)
	if err != nil {
		return "", err
	}
	log := m.logger.With(zap.String("project", projectName), zap.String("path", path))

	if _, err := os.Stat(filepath.Join(path, ".git")); os.IsNotExist(err) {
		if err := os.MkdirAll(m.root, 0755); err != nil {
			return "", &WorkspaceError{Op: "create root", Project: projectName, Err: err}
		}
		// a half-written clone would block every later attempt
		os.RemoveAll(path)

		log.Info("cloning repository", zap.String("repo_url", repoURL))
		if err := m.git.Clone(ctx, repoURL, path); err != nil {
			return "", &WorkspaceError{Op: "clone", Project: projectName, Err: err}
		}
		return path, nil
	}

	log.Info("refreshing workspace")
	if err := m.git.Fetch(ctx, path); err != nil {
		return "", &WorkspaceError{Op: "fetch", Project: projectName, Err: err}
	}
	if err := m.git.Discard(ctx, path); err != nil {
		return "", &WorkspaceError{Op: "discard", Project: projectName, Err: err}
	}
	branch := m.git.DefaultBranch(ctx, path)
	if branch == "" {
		return "", &WorkspaceError{Op: "resolve default branch", Project: projectName, Err: errors.New("no branch found")}
	}
	if err := m.git.Checkout(ctx, path, branch); err != nil {
		return "", &WorkspaceError{Op: "checkout", Project: projectName, Err: err}
	}
	if err := m.git.Pull(ctx, path, branch); err != nil {
		return "", &WorkspaceError{Op: "pull", Project: projectName, Err: err}
	}
	return path, nil
}
