// Package gitops runs git against a workspace: branch management, commits,
// pushes and working tree inspection.
package gitops

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	"go.uber.org/zap"
)

// ErrNothingToCommit is returned by Commit when the working tree is clean
var ErrNothingToCommit = errors.New("nothing to commit")

// PermissionDenied is the error reported when a push is rejected for access reasons
const PermissionDenied = "permission denied"

// Operator runs git commands with a per-call timeout
type Operator struct {
	timeout     time.Duration
	logger      *zap.Logger
	authorName  string
	authorEmail string
}

// NewOperator creates a new Operator
func NewOperator(timeout time.Duration, logger *zap.Logger) *Operator {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Operator{
		timeout:     timeout,
		logger:      logger,
		authorName:  "impl-orch",
		authorEmail: "impl-orch@localhost",
	}
}

// SetIdentity sets the author used when the repository has no user configured
func (o *Operator) SetIdentity(name, email string) {
	o.authorName = name
	o.authorEmail = email
}

func (o *Operator) run(ctx context.Context, dir string, args ...string) (string, error) {
	return o.runEnv(ctx, dir, nil, args...)
}

func (o *Operator) runEnv(ctx context.Context, dir string, env []string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	cmd.Env = append(cmd.Env, env...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return string(out), fmt.Errorf("git %s: timed out after %s", args[0], o.timeout)
		}
		return string(out), fmt.Errorf("git %s: %s: %w", args[0], strings.TrimSpace(string(out)), err)
	}
	return string(out), nil
}

// Clone clones repoURL into dest
func (o *Operator) Clone(ctx context.Context, repoURL, dest string) error {
	_, err := o.run(ctx, "", "clone", repoURL, dest)
	return err
}

// Fetch fetches origin
func (o *Operator) Fetch(ctx context.Context, dir string) error {
	_, err := o.run(ctx, dir, "fetch", "--prune", "origin")
	return err
}

// Pull fast-forwards branch from origin
func (o *Operator) Pull(ctx context.Context, dir, branch string) error {
	_, err := o.run(ctx, dir, "pull", "--ff-only", "origin", branch)
	return err
}

// Checkout switches to an existing branch
func (o *Operator) Checkout(ctx context.Context, dir, branch string) error {
	_, err := o.run(ctx, dir, "checkout", branch)
	return err
}

// CreateBranch creates and switches to a new branch at HEAD
func (o *Operator) CreateBranch(ctx context.Context, dir, branch string) error {
	_, err := o.run(ctx, dir, "checkout", "-b", branch)
	return err
}

// Discard drops tracked modifications and untracked files
func (o *Operator) Discard(ctx context.Context, dir string) error {
	if _, err := o.run(ctx, dir, "reset", "--hard", "HEAD"); err != nil {
		return err
	}
	_, err := o.run(ctx, dir, "clean", "-fd")
	return err
}

// CurrentBranch returns the checked-out branch name
func (o *Operator) CurrentBranch(dir string) (string, error) {
	repo, err := git.PlainOpen(dir)
	if err != nil {
		return "", fmt.Errorf("open repository: %w", err)
	}
	head, err := repo.Head()
	if err != nil {
		return "", fmt.Errorf("resolve HEAD: %w", err)
	}
	if !head.Name().IsBranch() {
		return "", fmt.Errorf("HEAD is detached at %s", head.Hash())
	}
	return head.Name().Short(), nil
}

// DefaultBranch resolves the remote's default branch, falling back to
// main, master or whatever is checked out.
func (o *Operator) DefaultBranch(ctx context.Context, dir string) string {
	if out, err := o.run(ctx, dir, "symbolic-ref", "--short", "refs/remotes/origin/HEAD"); err == nil {
		return strings.TrimPrefix(strings.TrimSpace(out), "origin/")
	}
	for _, candidate := range []string{"main", "master"} {
		if _, err := o.run(ctx, dir, "rev-parse", "--verify", "--quiet", "refs/heads/"+candidate); err == nil {
			return candidate
		}
	}
	branch, _ := o.CurrentBranch(dir)
	return branch
}

// Status returns the sorted paths with staged, unstaged or untracked changes
func (o *Operator) Status(dir string) ([]string, error) {
	repo, err := git.PlainOpen(dir)
	if err != nil {
		return o.statusCLI(dir)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return o.statusCLI(dir)
	}
	st, err := wt.Status()
	if err != nil {
		o.logger.Debug("go-git status failed, using git CLI", zap.Error(err))
		return o.statusCLI(dir)
	}

	var paths []string
	for path, s := range st {
		if s.Staging != git.Unmodified || s.Worktree != git.Unmodified {
			paths = append(paths, path)
		}
	}
	sort.Strings(paths)
	return paths, nil
}

func (o *Operator) statusCLI(dir string) ([]string, error) {
	out, err := o.run(context.Background(), dir, "status", "--porcelain", "--untracked-files=all")
	if err != nil {
		return nil, err
	}
	return parsePorcelain(out), nil
}

func parsePorcelain(out string) []string {
	var paths []string
	for _, line := range strings.Split(out, "\n") {
		if len(line) < 4 {
			continue
		}
		path := line[3:]
		if idx := strings.Index(path, " -> "); idx >= 0 {
			path = path[idx+4:]
		}
		paths = append(paths, strings.Trim(path, `"`))
	}
	sort.Strings(paths)
	return paths
}

// Commit stages everything and commits it, returning the new commit hash
func (o *Operator) Commit(ctx context.Context, dir, message string) (string, error) {
	if _, err := o.run(ctx, dir, "add", "-A"); err != nil {
		return "", err
	}

	// exit 0 means nothing is staged
	if _, err := o.run(ctx, dir, "diff", "--cached", "--quiet"); err == nil {
		return "", ErrNothingToCommit
	}

	var env []string
	if out, err := o.run(ctx, dir, "config", "user.email"); err != nil || strings.TrimSpace(out) == "" {
		env = []string{
			"GIT_AUTHOR_NAME=" + o.authorName,
			"GIT_AUTHOR_EMAIL=" + o.authorEmail,
			"GIT_COMMITTER_NAME=" + o.authorName,
			"GIT_COMMITTER_EMAIL=" + o.authorEmail,
		}
	}
	if _, err := o.runEnv(ctx, dir, env, "commit", "-m", message); err != nil {
		return "", err
	}

	out, err := o.run(ctx, dir, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// PushResult is the outcome of a push. Push failures are data, not errors.
type PushResult struct {
	Success     bool
	Error       string
	LocalBranch string
	Output      string
}

// Push pushes branch to origin. Access failures are reported as
// PermissionDenied with the local branch preserved.
func (o *Operator) Push(ctx context.Context, dir, branch string) PushResult {
	out, err := o.run(ctx, dir, "push", "-u", "origin", branch)
	if err == nil {
		return PushResult{Success: true, LocalBranch: branch, Output: out}
	}

	res := PushResult{LocalBranch: branch, Output: out, Error: err.Error()}
	if isPermissionDenied(out) {
		res.Error = PermissionDenied
	}
	o.logger.Warn("push failed", zap.String("branch", branch), zap.String("error", res.Error))
	return res
}

var permissionMarkers = []string{
	"permission denied",
	"permission to",
	"access denied",
	"authentication failed",
	"could not read username",
	"could not read from remote repository",
	"403",
	"write access to repository not granted",
	"not allowed to push",
	"protected branch",
}

func isPermissionDenied(output string) bool {
	lower := strings.ToLower(output)
	for _, marker := range permissionMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// DiffStat sums added and removed lines between two revisions
func (o *Operator) DiffStat(ctx context.Context, dir, from, to string) (files, added, removed int, err error) {
	out, err := o.run(ctx, dir, "diff", "--numstat", from, to)
	if err != nil {
		return 0, 0, 0, err
	}
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		fields := strings.Split(line, "\t")
		if len(fields) < 3 {
			continue
		}
		files++
		// binary files report "-"
		if n, err := strconv.Atoi(fields[0]); err == nil {
			added += n
		}
		if n, err := strconv.Atoi(fields[1]); err == nil {
			removed += n
		}
	}
	return files, added, removed, nil
}

// Diff returns the unified diff between two revisions
func (o *Operator) Diff(ctx context.Context, dir, from, to string) (string, error) {
	return o.run(ctx, dir, "diff", from, to)
}
