package applier

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hochfrequenz/recommendation-implementer/internal/domain"
	"github.com/hochfrequenz/recommendation-implementer/internal/parser"
)

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

func TestApply_OverwritesAndCreatesDirs(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "app.py"), []byte("old content\nmore\n"), 0644))

	a := New(nil)
	touched, refused, err := a.Apply(root, []parser.FileChange{
		{Filename: "app.py", Content: "print(1)"},
		{Filename: "pkg/deep/mod.py", Content: "x = 1\n"},
	})
	require.NoError(t, err)
	assert.Empty(t, refused)

	assert.Equal(t, []string{"app.py", "pkg/deep/mod.py"}, touched)
	assert.Equal(t, "print(1)\n", readFile(t, filepath.Join(root, "app.py")))
	assert.Equal(t, "x = 1\n", readFile(t, filepath.Join(root, "pkg", "deep", "mod.py")))
}

func TestApply_RejectsEscapes(t *testing.T) {
	root := t.TempDir()
	a := New(nil)

	for _, name := range []string{"../outside.txt", "/etc/x.conf", ".git/config", "a/../../b.txt"} {
		touched, refused, err := a.Apply(root, []parser.FileChange{{Filename: name, Content: "x", Line: 3}})
		require.NoError(t, err, name)
		assert.Empty(t, touched, name)
		require.Len(t, refused, 1, name)
		assert.Equal(t, name, refused[0].Candidate)
		assert.Equal(t, 3, refused[0].Line)
		assert.Contains(t, refused[0].Reason, "refusing")
	}
}

func TestApply_SkipsRefusedAndWritesTheRest(t *testing.T) {
	root := t.TempDir()
	a := New(nil)

	touched, refused, err := a.Apply(root, []parser.FileChange{
		{Filename: "src/a.js", Content: "a"},
		{Filename: ".git/hooks/pre-commit.sample", Content: "#!/bin/sh", Line: 9},
		{Filename: "src/b.js", Content: "b"},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"src/a.js", "src/b.js"}, touched)
	require.Len(t, refused, 1)
	assert.Equal(t, ".git/hooks/pre-commit.sample", refused[0].Candidate)
	assert.Contains(t, refused[0].Reason, ".git")
	assert.NoFileExists(t, filepath.Join(root, ".git", "hooks", "pre-commit.sample"))
	assert.Equal(t, "b\n", readFile(t, filepath.Join(root, "src", "b.js")))
}

func TestSafeJoin_RefusedPathError(t *testing.T) {
	_, err := SafeJoin(t.TempDir(), "../x.txt")
	var rp *RefusedPathError
	require.ErrorAs(t, err, &rp)
	assert.Equal(t, "path outside workspace", rp.Reason)

	path, err := SafeJoin("/ws", "src/x.txt")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/ws", "src", "x.txt"), path)
}

func TestFallback_WritesNoteAndCategoryScaffold(t *testing.T) {
	root := t.TempDir()
	a := New(nil)
	a.now = func() time.Time { return time.Date(2026, 3, 4, 0, 0, 0, 0, time.UTC) }

	req := domain.Request{ID: "7", Title: "Speed up search", Description: "Cache queries", Category: "Performance"}
	touched, err := a.Fallback(root, req)
	require.NoError(t, err)

	require.Len(t, touched, 2)
	assert.Equal(t, "docs/ai-implementations/7-speed-up-search.md", touched[0])
	assert.Equal(t, "docs/ai-implementations/performance/7-speed-up-search-benchmark.md", touched[1])

	note := readFile(t, filepath.Join(root, touched[0]))
	assert.Contains(t, note, "# Speed up search")
	assert.Contains(t, note, "Generated: 2026-03-04")
	assert.Contains(t, readFile(t, filepath.Join(root, touched[1])), "Performance plan")
}

func TestFallback_UnknownCategoryUsesGeneric(t *testing.T) {
	root := t.TempDir()
	touched, err := New(nil).Fallback(root, domain.Request{ID: "8", Title: "Docs", Description: "d", Category: "Docs"})
	require.NoError(t, err)
	assert.Equal(t, "docs/ai-implementations/plans/8-docs-plan.md", touched[1])
}

func TestSlug(t *testing.T) {
	assert.Equal(t, "42-add-input-validation", Slug(domain.Request{ID: "42", Title: "Add input validation!"}))
	assert.Equal(t, "implementation", Slug(domain.Request{}))
	assert.LessOrEqual(t, len(Slug(domain.Request{ID: "1", Title: string(make([]byte, 200))})), 60)
}
