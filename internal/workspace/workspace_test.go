package workspace

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/hochfrequenz/recommendation-implementer/internal/gitops"
	"github.com/hochfrequenz/recommendation-implementer/internal/testutil"
)

func newManager(t *testing.T) *Manager {
	logger := zaptest.NewLogger(t)
	return NewManager(t.TempDir(), gitops.NewOperator(30*time.Second, logger), logger)
}

func TestEnsure_ClonesThenPulls(t *testing.T) {
	ctx := context.Background()
	remote := testutil.SetupRemote(t, map[string]string{"package.json": "{}"})
	m := newManager(t)

	path, err := m.Ensure(ctx, remote, "acme-shop")
	require.NoError(t, err)
	assert.Equal(t, m.Path("acme-shop"), path)
	assert.FileExists(t, filepath.Join(path, "package.json"))

	// push a new commit to the remote through a separate clone
	other := filepath.Join(t.TempDir(), "other")
	testutil.Git(t, "", "clone", remote, other)
	testutil.Git(t, other, "config", "user.email", "test@test.com")
	testutil.Git(t, other, "config", "user.name", "Test")
	testutil.WriteFile(t, other, "NEW.md", "new")
	testutil.Git(t, other, "add", ".")
	testutil.Git(t, other, "commit", "-m", "new")
	testutil.Git(t, other, "push", "origin", "main")

	// leave the workspace dirty and on another branch
	testutil.Git(t, path, "checkout", "-b", "stale")
	testutil.WriteFile(t, path, "junk.txt", "junk")

	path2, err := m.Ensure(ctx, remote, "acme-shop")
	require.NoError(t, err)
	assert.Equal(t, path, path2)
	assert.FileExists(t, filepath.Join(path, "NEW.md"))
	_, err = os.Stat(filepath.Join(path, "junk.txt"))
	assert.True(t, os.IsNotExist(err))
}

func TestEnsure_CloneFailure(t *testing.T) {
	m := newManager(t)

	_, err := m.Ensure(context.Background(), filepath.Join(t.TempDir(), "missing.git"), "missing")
	require.Error(t, err)
	assert.True(t, IsWorkspaceError(err))

	var we *WorkspaceError
	require.ErrorAs(t, err, &we)
	assert.Equal(t, "clone", we.Op)
}

func TestEnsure_RejectsNamesOutsideRoot(t *testing.T) {
	base := t.TempDir()
	root := filepath.Join(base, "workspaces")
	logger := zaptest.NewLogger(t)
	m := NewManager(root, gitops.NewOperator(30*time.Second, logger), logger)
	missing := filepath.Join(t.TempDir(), "missing.git")

	testutil.WriteFile(t, base, "victim/important.txt", "keep")
	testutil.WriteFile(t, root, "other-project/keep.txt", "keep")

	for _, name := range []string{"../victim", ".", "..", "a/../../victim", "/tmp"} {
		t.Run(name, func(t *testing.T) {
			_, err := m.Ensure(context.Background(), missing, name)
			require.Error(t, err)

			var we *WorkspaceError
			require.ErrorAs(t, err, &we)
			assert.Equal(t, "resolve", we.Op)
		})
	}

	assert.FileExists(t, filepath.Join(base, "victim", "important.txt"))
	assert.FileExists(t, filepath.Join(root, "other-project", "keep.txt"))
}

func TestEnsure_DerivesProjectName(t *testing.T) {
	remote := testutil.SetupRemote(t, nil)
	m := newManager(t)

	path, err := m.Ensure(context.Background(), remote, "")
	require.NoError(t, err)
	assert.Equal(t, "remote", filepath.Base(path))
}

func TestLock_SerializesSameProject(t *testing.T) {
	m := newManager(t)

	var active, maxActive int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := m.Lock("p")
			defer unlock()
			n := atomic.AddInt32(&active, 1)
			for {
				old := atomic.LoadInt32(&maxActive)
				if n <= old || atomic.CompareAndSwapInt32(&maxActive, old, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt32(&active, -1)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxActive)
}

func TestLock_IndependentProjects(t *testing.T) {
	m := newManager(t)

	unlockA := m.Lock("a")
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlock := m.Lock("b")
		unlock()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on b blocked by a")
	}
}
