//go:build integration

package integration

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

// binaryPath builds the CLI once per test binary and returns its path
func binaryPath(t *testing.T) string {
	t.Helper()
	for _, p := range []string{"../impl-orch", "./impl-orch"} {
		if _, err := os.Stat(p); err == nil {
			abs, _ := filepath.Abs(p)
			return abs
		}
	}

	t.Log("Binary not found, building...")
	cmd := exec.Command("go", "build", "-o", "../impl-orch", "../cmd/impl-orch")
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("Failed to build binary: %v\n%s", err, out)
	}
	abs, _ := filepath.Abs("../impl-orch")
	return abs
}

// writeConfig writes a config that runs agentScript as the agent and keeps
// all state under a temp directory
func writeConfig(t *testing.T, agentScript string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")

	config := `[general]
workspace_root = "` + filepath.Join(dir, "workspaces") + `"
database_path = "` + filepath.Join(dir, "records.db") + `"
schedule_path = "` + filepath.Join(dir, "schedule.toml") + `"
log_level = "error"

[agent]
executor = "command"
command = "` + agentScript + `"
timeout = "30s"

[validation]
enabled = false

[github]
create_pr = false

[notifications]
desktop = false
`
	if err := os.WriteFile(path, []byte(config), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	return path
}

// runCLI runs the binary with args and returns combined output
func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := exec.Command(binaryPath(t), args...)
	out, err := cmd.CombinedOutput()
	return strings.TrimSpace(string(out)), err
}
