package gitops

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/hochfrequenz/recommendation-implementer/internal/domain"
	"github.com/hochfrequenz/recommendation-implementer/internal/testutil"
)

func newOperator(t *testing.T) *Operator {
	return NewOperator(30*time.Second, zaptest.NewLogger(t))
}

func cloneRemote(t *testing.T, op *Operator, remote string) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "ws")
	require.NoError(t, op.Clone(context.Background(), remote, dir))
	return dir
}

func TestStatus_ReportsUntrackedAndModified(t *testing.T) {
	op := newOperator(t)
	dir := testutil.SetupGitRepo(t)

	files, err := op.Status(dir)
	require.NoError(t, err)
	assert.Empty(t, files)

	testutil.WriteFile(t, dir, "README.md", "# Changed\n")
	testutil.WriteFile(t, dir, "src/new.js", "export {}\n")

	files, err = op.Status(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"README.md", "src/new.js"}, files)
}

func TestCommit(t *testing.T) {
	ctx := context.Background()
	op := newOperator(t)
	dir := testutil.SetupGitRepo(t)

	_, err := op.Commit(ctx, dir, "empty")
	assert.ErrorIs(t, err, ErrNothingToCommit)

	testutil.WriteFile(t, dir, "a.txt", "one\ntwo\n")
	hash, err := op.Commit(ctx, dir, "add a")
	require.NoError(t, err)
	assert.Len(t, hash, 40)

	files, err := op.Status(dir)
	require.NoError(t, err)
	assert.Empty(t, files)

	n, added, removed, err := op.DiffStat(ctx, dir, "HEAD~1", "HEAD")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 2, added)
	assert.Equal(t, 0, removed)
}

func TestBranchesAndDefaultBranch(t *testing.T) {
	ctx := context.Background()
	op := newOperator(t)
	dir := cloneRemote(t, op, testutil.SetupRemote(t, nil))

	assert.Equal(t, "main", op.DefaultBranch(ctx, dir))

	require.NoError(t, op.CreateBranch(ctx, dir, "ai-implementation-1-123"))
	branch, err := op.CurrentBranch(dir)
	require.NoError(t, err)
	assert.Equal(t, "ai-implementation-1-123", branch)

	testutil.WriteFile(t, dir, "scratch.txt", "x")
	require.NoError(t, op.Discard(ctx, dir))
	require.NoError(t, op.Checkout(ctx, dir, "main"))

	files, err := op.Status(dir)
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestPush(t *testing.T) {
	ctx := context.Background()
	op := newOperator(t)
	remote := testutil.SetupRemote(t, nil)
	dir := cloneRemote(t, op, remote)

	require.NoError(t, op.CreateBranch(ctx, dir, "feature"))
	testutil.WriteFile(t, dir, "f.txt", "f")
	_, err := op.Commit(ctx, dir, "feature")
	require.NoError(t, err)

	res := op.Push(ctx, dir, "feature")
	assert.True(t, res.Success, res.Output)
	assert.Equal(t, "feature", res.LocalBranch)

	out := testutil.Git(t, remote, "branch", "--list", "feature")
	assert.Contains(t, out, "feature")
}

func TestPush_PermissionDenied(t *testing.T) {
	ctx := context.Background()
	op := newOperator(t)
	remote := testutil.SetupRemote(t, nil)
	testutil.RejectPushes(t, remote, "Permission to acme/shop.git denied to bot.")
	dir := cloneRemote(t, op, remote)

	require.NoError(t, op.CreateBranch(ctx, dir, "feature"))
	testutil.WriteFile(t, dir, "f.txt", "f")
	hash, err := op.Commit(ctx, dir, "feature")
	require.NoError(t, err)

	res := op.Push(ctx, dir, "feature")
	assert.False(t, res.Success)
	assert.Equal(t, PermissionDenied, res.Error)
	assert.Equal(t, "feature", res.LocalBranch)

	// the local commit survives
	head := testutil.Git(t, dir, "rev-parse", "HEAD")
	assert.Equal(t, hash, strings.TrimSpace(head))
}

func TestParsePorcelain(t *testing.T) {
	out := " M README.md\n?? src/new.js\nR  old.go -> new.go\n"
	assert.Equal(t, []string{"README.md", "new.go", "src/new.js"}, parsePorcelain(out))
}

func TestIsPermissionDenied(t *testing.T) {
	assert.True(t, isPermissionDenied("remote: Permission to a/b.git denied to x.\nfatal: unable to access: The requested URL returned error: 403"))
	assert.True(t, isPermissionDenied("git@github.com: Permission denied (publickey)."))
	assert.False(t, isPermissionDenied("! [rejected] main -> main (non-fast-forward)"))
}

func TestBuildCommitMessage(t *testing.T) {
	req := domain.Request{
		ID:          "42",
		Title:       "Add input validation",
		Description: "Validate signup fields",
		Category:    "Security",
		Priority:    "high",
	}

	msg := BuildCommitMessage(req, "ai-implementation-42-1700000000000")

	assert.True(t, strings.HasPrefix(msg, "feat(security): Add input validation\n"))
	assert.Contains(t, msg, "Validate signup fields")
	assert.Contains(t, msg, "Category: Security")
	assert.Contains(t, msg, "Priority: high")
	assert.Contains(t, msg, "Branch: ai-implementation-42-1700000000000")
	assert.True(t, strings.HasPrefix(BuildFallbackCommitMessage(req, "b"), "[scaffold] "))
}
