// Package validation detects a workspace's toolchain and runs its lint and
// test commands. Results are diagnostic; a failing command never stops the
// pipeline.
package validation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/hochfrequenz/recommendation-implementer/internal/domain"
)

const (
	// DefaultCommandTimeout bounds each validation command
	DefaultCommandTimeout = 5 * time.Minute
	maxOutputTail         = 4 << 10
)

// markers are checked in order; the first present file decides the type
var markers = []struct {
	files []string
	typ   domain.ProjectType
}{
	{[]string{"package.json"}, domain.ProjectNodeJS},
	{[]string{"requirements.txt", "pyproject.toml", "setup.py", "Pipfile"}, domain.ProjectPython},
	{[]string{"pom.xml", "build.gradle", "build.gradle.kts"}, domain.ProjectJava},
	{[]string{"Cargo.toml"}, domain.ProjectRust},
	{[]string{"go.mod"}, domain.ProjectGo},
}

// DetectProjectType classifies dir by its marker files
func DetectProjectType(dir string) domain.ProjectType {
	for _, m := range markers {
		for _, f := range m.files {
			if fileExists(filepath.Join(dir, f)) {
				return m.typ
			}
		}
	}
	return domain.ProjectUnknown
}

// Command is one validation step
type Command struct {
	Name      string
	Argv      []string
	NpmScript string // when set, skipped unless package.json declares it
}

// CommandsFor returns the validation commands for a project type
func CommandsFor(dir string, pt domain.ProjectType) []Command {
	switch pt {
	case domain.ProjectNodeJS:
		return []Command{
			{Name: "lint", Argv: []string{"npm", "run", "lint"}, NpmScript: "lint"},
			{Name: "test", Argv: []string{"npm", "test"}, NpmScript: "test"},
		}
	case domain.ProjectPython:
		return []Command{
			{Name: "lint", Argv: []string{"flake8", "."}},
			{Name: "test", Argv: []string{"pytest", "-q"}},
		}
	case domain.ProjectJava:
		if fileExists(filepath.Join(dir, "pom.xml")) {
			return []Command{{Name: "test", Argv: []string{"mvn", "-q", "test"}}}
		}
		gradle := "gradle"
		if fileExists(filepath.Join(dir, "gradlew")) {
			gradle = "./gradlew"
		}
		return []Command{{Name: "test", Argv: []string{gradle, "test"}}}
	case domain.ProjectRust:
		return []Command{
			{Name: "lint", Argv: []string{"cargo", "clippy", "--quiet"}},
			{Name: "test", Argv: []string{"cargo", "test", "--quiet"}},
		}
	case domain.ProjectGo:
		return []Command{
			{Name: "lint", Argv: []string{"go", "vet", "./..."}},
			{Name: "test", Argv: []string{"go", "test", "./..."}},
		}
	}
	return nil
}

// Dispatcher runs validation commands
type Dispatcher struct {
	timeout  time.Duration
	logger   *zap.Logger
	lookPath func(string) (string, error)
}

// NewDispatcher creates a Dispatcher with a per-command timeout
func NewDispatcher(timeout time.Duration, logger *zap.Logger) *Dispatcher {
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{timeout: timeout, logger: logger, lookPath: exec.LookPath}
}

// Run executes every command for pt in dir and records each outcome
func (d *Dispatcher) Run(ctx context.Context, dir string, pt domain.ProjectType) domain.ValidationResults {
	results := domain.ValidationResults{ProjectType: pt, Commands: []domain.CommandResult{}}

	commands := CommandsFor(dir, pt)
	if len(commands) == 0 {
		results.Note = fmt.Sprintf("no validation commands for project type %s", pt)
		return results
	}

	var scripts map[string]string
	for _, c := range commands {
		if c.NpmScript != "" && scripts == nil {
			scripts = npmScripts(dir)
		}
		results.Commands = append(results.Commands, d.runOne(ctx, dir, c, scripts))
	}
	return results
}

func (d *Dispatcher) runOne(ctx context.Context, dir string, c Command, scripts map[string]string) domain.CommandResult {
	res := domain.CommandResult{Name: c.Name, Command: strings.Join(c.Argv, " ")}

	if c.NpmScript != "" {
		if _, ok := scripts[c.NpmScript]; !ok {
			res.Outcome = domain.OutcomeSkipped
			res.Note = fmt.Sprintf("script %q not declared in package.json", c.NpmScript)
			return res
		}
	}

	bin := c.Argv[0]
	if !strings.HasPrefix(bin, "./") {
		if _, err := d.lookPath(bin); err != nil {
			res.Outcome = domain.OutcomeSkipped
			res.Note = fmt.Sprintf("%s not found", bin)
			return res
		}
	}

	runCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, bin, c.Argv[1:]...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "CI=true")
	cmd.WaitDelay = 5 * time.Second

	start := time.Now()
	out, err := cmd.CombinedOutput()
	res.Duration = time.Since(start)
	res.Output = tail(string(out), maxOutputTail)

	switch {
	case runCtx.Err() == context.DeadlineExceeded:
		res.Outcome = domain.OutcomeFailed
		res.ExitCode = -1
		res.Note = fmt.Sprintf("timed out after %s", d.timeout)
	case err != nil:
		res.Outcome = domain.OutcomeFailed
		res.ExitCode = -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
		} else {
			res.Note = err.Error()
		}
	default:
		res.Outcome = domain.OutcomePassed
	}

	d.logger.Info("validation command finished",
		zap.String("command", res.Command),
		zap.String("outcome", string(res.Outcome)),
		zap.Int("exit_code", res.ExitCode),
		zap.Duration("duration", res.Duration))
	return res
}

// npmScripts returns the scripts block of dir/package.json, or an empty map
func npmScripts(dir string) map[string]string {
	scripts := map[string]string{}
	data, err := os.ReadFile(filepath.Join(dir, "package.json"))
	if err != nil {
		return scripts
	}
	var pkg struct {
		Scripts map[string]string `json:"scripts"`
	}
	if err := json.Unmarshal(data, &pkg); err != nil || pkg.Scripts == nil {
		return scripts
	}
	return pkg.Scripts
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
