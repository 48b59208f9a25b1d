package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// implementerNamespace is a fixed UUID namespace for deriving agent session IDs
// so the same request always maps to the same session
var implementerNamespace = uuid.MustParse("0f3c4d9a-7b2e-5c1d-9e8f-6a5b4c3d2e1f")

// ExecutorType defines the AI coding agent to use
type ExecutorType string

const (
	ExecutorClaudeCode ExecutorType = "claude-code"
	ExecutorOpenCode   ExecutorType = "opencode"
	ExecutorCommand    ExecutorType = "command"
)

// DefaultMaxOutputBytes bounds the captured agent output
const DefaultMaxOutputBytes = 10 << 20

// ErrAgentTimeout is returned when the agent exceeded its time bound without
// touching the working tree
var ErrAgentTimeout = errors.New("agent timed out without modifying the workspace")

// ChangeDetector reports modified paths in a working tree
type ChangeDetector interface {
	Status(dir string) ([]string, error)
}

// Config configures an Invoker
type Config struct {
	Executor       ExecutorType
	Command        string   // binary override; required for the command executor
	Args           []string // extra arguments placed before the prompt
	Model          string
	MaxOutputBytes int
}

// Result is the outcome of one agent run
type Result struct {
	Text          string
	Partial       bool
	ModifiedFiles []string // set for partial results
	SessionID     string
	TokensInput   int
	TokensOutput  int
	CostUSD       float64
	Duration      time.Duration
	Truncated     bool
}

// Invoker runs the code-generation agent as a subprocess
type Invoker struct {
	cfg     Config
	changes ChangeDetector
	logger  *zap.Logger
}

// NewInvoker creates an Invoker. changes is consulted when a run times out.
func NewInvoker(cfg Config, changes ChangeDetector, logger *zap.Logger) *Invoker {
	if cfg.Executor == "" {
		cfg.Executor = ExecutorClaudeCode
	}
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = DefaultMaxOutputBytes
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Invoker{cfg: cfg, changes: changes, logger: logger}
}

// Executor returns the configured executor type
func (i *Invoker) Executor() ExecutorType {
	return i.cfg.Executor
}

// SessionID derives a deterministic agent session id for a request
func SessionID(requestID string) string {
	return uuid.NewSHA1(implementerNamespace, []byte(requestID)).String()
}

// Invoke runs the agent in dir with prompt, bounded by timeout.
// A timeout that left modifications behind is reported as a partial result.
func (i *Invoker) Invoke(ctx context.Context, dir, requestID, prompt string, timeout time.Duration) (*Result, error) {
	runCtx := ctx
	cancel := func() {}
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	res := &Result{SessionID: SessionID(requestID)}
	cmd, err := i.buildCommand(runCtx, dir, res.SessionID, prompt)
	if err != nil {
		return nil, err
	}

	stdout := newBoundedBuffer(i.cfg.MaxOutputBytes)
	stderr := newBoundedBuffer(64 << 10)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = 5 * time.Second

	i.logger.Info("invoking agent",
		zap.String("executor", string(i.cfg.Executor)),
		zap.String("dir", dir),
		zap.String("session", res.SessionID),
		zap.Duration("timeout", timeout))

	start := time.Now()
	runErr := cmd.Run()
	res.Duration = time.Since(start)
	res.Truncated = stdout.Truncated()
	i.extract(stdout.String(), res)

	if runCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		return i.timedOut(dir, timeout, res)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if runErr != nil {
		return nil, fmt.Errorf("agent %s: %s: %w", i.cfg.Executor, tail(stderr.String(), 500), runErr)
	}
	if res.Truncated {
		i.logger.Warn("agent output truncated", zap.Int("limit", i.cfg.MaxOutputBytes))
	}
	return res, nil
}

func (i *Invoker) timedOut(dir string, timeout time.Duration, res *Result) (*Result, error) {
	if i.changes == nil {
		return nil, fmt.Errorf("%w after %s", ErrAgentTimeout, timeout)
	}
	files, err := i.changes.Status(dir)
	if err != nil {
		return nil, fmt.Errorf("%w after %s (status: %v)", ErrAgentTimeout, timeout, err)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%w after %s", ErrAgentTimeout, timeout)
	}
	i.logger.Warn("agent timed out with workspace modifications; continuing as partial result",
		zap.Duration("timeout", timeout),
		zap.Int("modified", len(files)))
	res.Partial = true
	res.ModifiedFiles = files
	return res, nil
}

func (i *Invoker) buildCommand(ctx context.Context, dir, sessionID, prompt string) (*exec.Cmd, error) {
	var cmd *exec.Cmd
	switch i.cfg.Executor {
	case ExecutorClaudeCode:
		cmd = i.buildClaudeCodeCommand(ctx, sessionID, prompt)
	case ExecutorOpenCode:
		cmd = i.buildOpenCodeCommand(ctx, prompt)
	case ExecutorCommand:
		if i.cfg.Command == "" {
			return nil, fmt.Errorf("command executor requires agent.command")
		}
		cmd = exec.CommandContext(ctx, i.cfg.Command, i.cfg.Args...)
		cmd.Stdin = strings.NewReader(prompt)
	default:
		return nil, fmt.Errorf("unknown executor %q", i.cfg.Executor)
	}
	cmd.Dir = dir
	return cmd, nil
}

// buildClaudeCodeCommand builds the command for Claude Code
func (i *Invoker) buildClaudeCodeCommand(ctx context.Context, sessionID, prompt string) *exec.Cmd {
	args := []string{
		"--print",                        // Non-interactive mode
		"--verbose",                      // Required for stream-json output
		"--dangerously-skip-permissions", // Skip permission prompts
		"--output-format", "stream-json",
		"--session-id", sessionID,
	}
	if i.cfg.Model != "" {
		args = append(args, "--model", i.cfg.Model)
	}
	args = append(args, i.cfg.Args...)
	args = append(args, "-p", prompt)

	return exec.CommandContext(ctx, i.binary("claude"), args...)
}

// buildOpenCodeCommand builds the command for OpenCode
func (i *Invoker) buildOpenCodeCommand(ctx context.Context, prompt string) *exec.Cmd {
	args := []string{"run"}
	if i.cfg.Model != "" {
		args = append(args, "-m", i.cfg.Model)
	}
	args = append(args, i.cfg.Args...)
	args = append(args, prompt)

	return exec.CommandContext(ctx, i.binary("opencode"), args...)
}

func (i *Invoker) binary(def string) string {
	if i.cfg.Command != "" {
		return i.cfg.Command
	}
	return def
}

// streamMessage is the subset of Claude Code stream-json lines we read
type streamMessage struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype,omitempty"`
	Result  string `json:"result,omitempty"`
	Message struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"message,omitempty"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage,omitempty"`
	CostUSD      float64 `json:"cost_usd,omitempty"`
	TotalCostUSD float64 `json:"total_cost_usd,omitempty"`
}

// extract fills res.Text and usage from raw agent output. Stream-json output
// is reduced to the final result text; anything else is used as-is.
func (i *Invoker) extract(raw string, res *Result) {
	res.Text = raw
	if i.cfg.Executor != ExecutorClaudeCode {
		return
	}

	var assistant []string
	sawJSON := false
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "{") {
			continue
		}
		var msg streamMessage
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			continue
		}
		sawJSON = true
		switch msg.Type {
		case "assistant":
			for _, c := range msg.Message.Content {
				if c.Type == "text" && c.Text != "" {
					assistant = append(assistant, c.Text)
				}
			}
		case "result":
			res.TokensInput = msg.Usage.InputTokens
			res.TokensOutput = msg.Usage.OutputTokens
			res.CostUSD = msg.CostUSD
			if res.CostUSD == 0 {
				res.CostUSD = msg.TotalCostUSD
			}
			if msg.Result != "" {
				res.Text = msg.Result
				return
			}
		}
	}
	if len(assistant) > 0 {
		res.Text = strings.Join(assistant, "\n")
	} else if sawJSON {
		res.Text = ""
	}
}

// boundedBuffer keeps at most max bytes and silently drops the rest
type boundedBuffer struct {
	mu        sync.Mutex
	buf       []byte
	max       int
	truncated bool
}

func newBoundedBuffer(max int) *boundedBuffer {
	return &boundedBuffer{max: max}
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	room := b.max - len(b.buf)
	if room <= 0 {
		b.truncated = b.truncated || len(p) > 0
		return len(p), nil
	}
	if len(p) > room {
		b.buf = append(b.buf, p[:room]...)
		b.truncated = true
		return len(p), nil
	}
	b.buf = append(b.buf, p...)
	return len(p), nil
}

func (b *boundedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}

func (b *boundedBuffer) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.truncated
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
