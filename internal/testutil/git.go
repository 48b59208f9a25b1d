// Package testutil provides git fixtures shared by package tests.
package testutil

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"
)

// Git runs a git command in dir and fails the test on error
func Git(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %v failed: %s", args, out)
	}
	return string(out)
}

// SetupGitRepo creates a repository on branch main with one commit
func SetupGitRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	Git(t, dir, "init")
	Git(t, dir, "symbolic-ref", "HEAD", "refs/heads/main")
	Git(t, dir, "config", "user.email", "test@test.com")
	Git(t, dir, "config", "user.name", "Test")

	WriteFile(t, dir, "README.md", "# Test\n")
	Git(t, dir, "add", ".")
	Git(t, dir, "commit", "-m", "Initial commit")

	return dir
}

// SetupRemote creates a bare repository seeded with files (path -> content)
// on branch main and returns its path, usable as a clone URL.
func SetupRemote(t *testing.T, files map[string]string) string {
	t.Helper()
	src := SetupGitRepo(t)
	if len(files) > 0 {
		for name, content := range files {
			WriteFile(t, src, name, content)
		}
		Git(t, src, "add", ".")
		Git(t, src, "commit", "-m", "Add fixtures")
	}

	remote := filepath.Join(t.TempDir(), "remote.git")
	Git(t, "", "clone", "--bare", src, remote)
	return remote
}

// RejectPushes installs a pre-receive hook on a bare remote that rejects
// every push with the given message
func RejectPushes(t *testing.T, remote, message string) {
	t.Helper()
	hook := filepath.Join(remote, "hooks", "pre-receive")
	script := "#!/bin/sh\necho \"" + message + "\" >&2\nexit 1\n"
	if err := os.WriteFile(hook, []byte(script), 0755); err != nil {
		t.Fatal(err)
	}
}

// WriteFile writes content to dir/name, creating parent directories
func WriteFile(t *testing.T, dir, name, content string) {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

// WriteScript writes an executable shell script and returns its path
func WriteScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0755); err != nil {
		t.Fatal(err)
	}
	return path
}
