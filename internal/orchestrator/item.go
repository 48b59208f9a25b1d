package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/hochfrequenz/recommendation-implementer/internal/deploy"
	"github.com/hochfrequenz/recommendation-implementer/internal/domain"
	"github.com/hochfrequenz/recommendation-implementer/internal/executor"
	"github.com/hochfrequenz/recommendation-implementer/internal/gitops"
	"github.com/hochfrequenz/recommendation-implementer/internal/notify"
	"github.com/hochfrequenz/recommendation-implementer/internal/observer"
	"github.com/hochfrequenz/recommendation-implementer/internal/parser"
	"github.com/hochfrequenz/recommendation-implementer/internal/prbot"
	"github.com/hochfrequenz/recommendation-implementer/internal/validation"
)

// errNoChanges means generation finished without touching the workspace
var errNoChanges = errors.New("no file changes extracted from agent output")

// panicError carries a recovered panic and the stack it happened on
type panicError struct {
	value any
	stack string
}

func (e *panicError) Error() string { return fmt.Sprintf("panic: %v", e.value) }

// item is one record moving through the pipeline
type item struct {
	o   *Orchestrator
	rec *domain.Record
	req domain.Request
	log *zap.Logger

	tokensIn  int
	tokensOut int
}

func (it *item) logf(level domain.LogLevel, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	entry := it.rec.AppendLog(level, msg, it.o.now())
	if err := it.o.deps.Store.AppendLog(it.rec.ID, entry); err != nil {
		it.log.Warn("persisting log entry failed", zap.Error(err))
	}

	switch level {
	case domain.LogError:
		it.log.Error(msg)
	case domain.LogWarning:
		it.log.Warn(msg)
	default:
		it.log.Info(msg)
	}
	it.o.deps.Observer.Publish(observer.Event{
		Type:     observer.EventLog,
		RecordID: it.rec.ID,
		BatchID:  it.rec.BatchID,
		Level:    level,
		Message:  msg,
		Time:     entry.Timestamp,
	})
}

func (it *item) advance(progress int, message string) {
	if err := it.rec.Advance(domain.StatusProcessing, progress, it.o.now()); err != nil {
		it.log.Error("advancing record failed", zap.Error(err))
		return
	}
	it.save()
	it.logf(domain.LogInfo, "%s", message)
	it.o.deps.Observer.Publish(observer.Event{
		Type:     observer.EventProgress,
		RecordID: it.rec.ID,
		BatchID:  it.rec.BatchID,
		Status:   it.rec.Status,
		Progress: it.rec.Progress,
		Message:  message,
	})
}

func (it *item) save() {
	if err := it.o.deps.Store.UpdateRecord(it.rec); err != nil {
		it.log.Error("persisting record failed", zap.Error(err))
	}
}

// process runs one claimed record from a ready workspace to a terminal state
func (o *Orchestrator) process(ctx context.Context, it *item, dir, base string, opts Options) {
	if opts.AgentTimeout <= 0 {
		opts.AgentTimeout = DefaultAgentTimeout
	}
	it.advance(domain.ProgressWorkspaceReady, fmt.Sprintf("workspace ready at %s", dir))

	// the record id is unique per attempt; request ids repeat across batches
	branch, err := executor.CreateBranch(ctx, o.deps.Git, dir, it.rec.ID, o.now())
	if err != nil {
		o.fail(it, err.Error(), "")
		return
	}
	it.rec.CodeGeneration.BranchName = branch

	prompt, err := executor.BuildPrompt(o.deps.Prompts, it.req)
	if err != nil {
		o.fail(it, err.Error(), "")
		return
	}
	it.advance(domain.ProgressAgentConfigured, fmt.Sprintf("agent configured on branch %s", branch))

	start := o.now()
	files, partial, genErr := o.generate(ctx, it, dir, prompt, opts.AgentTimeout)
	o.deps.Metrics.ObserveStage("generate", o.now().Sub(start))
	if errors.Is(genErr, executor.ErrAgentTimeout) {
		o.fail(it, genErr.Error(), "")
		return
	}

	var hash string
	if genErr == nil {
		hash, genErr = o.deps.Git.Commit(ctx, dir, gitops.BuildCommitMessage(it.req, branch))
	}
	if genErr != nil {
		it.logf(domain.LogWarning, "generation did not produce a commit (%v); writing fallback scaffold", genErr)
		fallbackFiles, fallbackHash, err := o.fallback(ctx, it, dir, branch)
		if err != nil {
			stack := ""
			var pe *panicError
			if errors.As(err, &pe) {
				stack = pe.stack
			} else if errors.As(genErr, &pe) {
				stack = pe.stack
			}
			if stack == "" {
				stack = string(debug.Stack())
			}
			o.fail(it, fmt.Sprintf("fallback failed: %v (generation: %v)", err, genErr), stack)
			return
		}
		files, hash, partial = fallbackFiles, fallbackHash, false
		it.rec.CodeGeneration.Fallback = true
		it.rec.CodeGeneration.Error = genErr.Error()
	}

	it.rec.CodeGeneration.Success = true
	it.rec.CodeGeneration.CommitHash = hash
	it.rec.CodeGeneration.ModifiedFiles = files
	it.rec.CodeGeneration.Partial = partial
	if n, added, removed, err := o.deps.Git.DiffStat(ctx, dir, base, branch); err == nil {
		it.rec.Metrics = domain.Metrics{FilesProcessed: n, LinesAdded: added, LinesRemoved: removed}
	} else {
		it.rec.Metrics.FilesProcessed = len(files)
	}
	it.advance(domain.ProgressCodeGenerated, fmt.Sprintf("committed %d files as %s", len(files), shortHash(hash)))

	if opts.Validate && o.deps.Validator != nil {
		o.validate(ctx, it, dir)
	}

	if opts.CreatePR || opts.Deploy {
		push := o.deps.Git.Push(ctx, dir, branch)
		if push.Success {
			it.logf(domain.LogInfo, "pushed %s", branch)
		} else {
			it.logf(domain.LogWarning, "push failed: %s; branch kept locally", push.Error)
		}
		if opts.CreatePR {
			o.openPR(ctx, it, dir, base, branch, push)
		}
		if opts.Deploy {
			o.deploy(ctx, it, branch, push)
		}
	}

	o.finish(it, domain.StatusCompleted)
}

// generate invokes the agent, applies its parsed output and returns the
// deduplicated union of git-detected and parser-detected paths. Panics are
// recovered into a *panicError.
func (o *Orchestrator) generate(ctx context.Context, it *item, dir, prompt string, timeout time.Duration) (files []string, partial bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r, stack: string(debug.Stack())}
		}
	}()

	res, err := o.deps.Agent.Invoke(ctx, dir, it.req.ID, prompt, timeout)
	if err != nil {
		return nil, false, err
	}
	it.tokensIn, it.tokensOut = res.TokensInput, res.TokensOutput
	o.deps.Metrics.Tokens(res.TokensInput, res.TokensOutput)
	if res.Partial {
		it.logf(domain.LogWarning, "agent timed out after modifying %d files; continuing with partial result", len(res.ModifiedFiles))
	}

	parsed := parser.Parse(res.Text)
	for _, r := range parsed.Rejected {
		it.logf(domain.LogWarning, "ignored candidate filename %q on line %d: %s", r.Candidate, r.Line, r.Reason)
	}
	applied, refused, err := o.deps.Applier.Apply(dir, parsed.Changes)
	for _, r := range refused {
		it.logf(domain.LogWarning, "skipped file %q from line %d: %s", r.Candidate, r.Line, r.Reason)
	}
	if err != nil {
		return nil, false, fmt.Errorf("apply changes: %w", err)
	}
	if len(applied) > 0 {
		it.logf(domain.LogInfo, "applied %d files from agent output", len(applied))
	}

	changed, err := o.deps.Git.Status(dir)
	if err != nil {
		return nil, false, fmt.Errorf("git status: %w", err)
	}
	if len(changed) == 0 {
		return nil, false, errNoChanges
	}
	return union(changed, applied), res.Partial, nil
}

// fallback resets the tree and commits a deterministic scaffold
func (o *Orchestrator) fallback(ctx context.Context, it *item, dir, branch string) (files []string, hash string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r, stack: string(debug.Stack())}
		}
	}()

	if err := o.deps.Git.Discard(ctx, dir); err != nil {
		return nil, "", fmt.Errorf("discard: %w", err)
	}
	files, err = o.deps.Applier.Fallback(dir, it.req)
	if err != nil {
		return nil, "", err
	}
	hash, err = o.deps.Git.Commit(ctx, dir, gitops.BuildFallbackCommitMessage(it.req, branch))
	if err != nil {
		return nil, "", fmt.Errorf("commit scaffold: %w", err)
	}
	it.logf(domain.LogInfo, "committed fallback scaffold: %s", strings.Join(files, ", "))
	return files, hash, nil
}

func (o *Orchestrator) validate(ctx context.Context, it *item, dir string) {
	start := o.now()
	pt := validation.DetectProjectType(dir)
	results := o.deps.Validator.Run(ctx, dir, pt)
	o.deps.Metrics.ObserveStage("validate", o.now().Sub(start))
	it.rec.ValidationResults = &results

	if results.Note != "" {
		it.logf(domain.LogInfo, "validation: %s", results.Note)
	}
	for _, c := range results.Commands {
		o.deps.Metrics.Validation(string(c.Outcome))
		level := domain.LogInfo
		if c.Outcome == domain.OutcomeFailed {
			level = domain.LogWarning
		}
		msg := fmt.Sprintf("validation %s: %s", c.Command, c.Outcome)
		if c.Note != "" {
			msg += " (" + c.Note + ")"
		}
		it.logf(level, "%s", msg)
	}
	it.save()
}

func (o *Orchestrator) openPR(ctx context.Context, it *item, dir, base, branch string, push gitops.PushResult) {
	pr := &domain.PullRequest{LocalBranch: branch}
	it.rec.PullRequest = pr
	defer it.save()

	if !push.Success {
		pr.Error = push.Error
		pr.Message = "branch not pushed; pull request skipped"
		return
	}
	if o.deps.CodeHost == nil {
		pr.Error = prbot.ErrToolUnavailable.Error()
		pr.Message = prbot.FailureMessage
		it.logf(domain.LogWarning, "no pull request host configured")
		return
	}

	diff, err := o.deps.Git.Diff(ctx, dir, base, branch)
	if err != nil {
		it.log.Warn("diff for labels failed", zap.Error(err))
	}
	start := o.now()
	res, err := o.deps.CodeHost.CreatePR(ctx, prbot.PRRequest{
		RepoURL: it.rec.RepoURL,
		Dir:     dir,
		Title:   prbot.BuildPRTitle(it.req, it.rec.CodeGeneration.Fallback),
		Body:    prbot.BuildPRBody(it.req, it.rec.CodeGeneration, it.rec.ValidationResults),
		Base:    base,
		Head:    branch,
		Labels:  prbot.Labels(it.req.Category, diff, it.rec.CodeGeneration.Fallback),
	})
	o.deps.Metrics.ObserveStage("pull_request", o.now().Sub(start))
	if err != nil {
		pr.Error = err.Error()
		pr.Message = prbot.FailureMessage
		it.logf(domain.LogWarning, "%s: %v", prbot.FailureMessage, err)
		return
	}
	pr.Success = true
	pr.URL = res.URL
	pr.Number = res.Number
	pr.LocalBranch = ""
	it.logf(domain.LogInfo, "opened pull request #%d %s", res.Number, res.URL)
}

func (o *Orchestrator) deploy(ctx context.Context, it *item, branch string, push gitops.PushResult) {
	defer it.save()

	if !push.Success {
		it.rec.Deployment = &domain.Deployment{Error: "branch not pushed: " + push.Error}
		it.logf(domain.LogWarning, "deployment skipped: branch not pushed")
		return
	}
	if o.deps.Deployer == nil {
		it.logf(domain.LogWarning, "deployment requested but no deployment hook is configured")
		return
	}

	start := o.now()
	d, err := o.deps.Deployer.Deploy(ctx, deploy.Target{
		RepoURL:     it.rec.RepoURL,
		Branch:      branch,
		ProjectName: it.rec.ProjectName,
	})
	o.deps.Metrics.ObserveStage("deploy", o.now().Sub(start))
	it.rec.Deployment = &d
	switch {
	case err != nil:
		it.logf(domain.LogWarning, "deployment failed: %v", err)
	case d.Cached:
		it.logf(domain.LogInfo, "reused deployment %s (%s)", d.DeploymentID, d.URL)
	default:
		it.logf(domain.LogInfo, "triggered deployment %s (%s)", d.DeploymentID, d.Status)
	}
}

// fail finalizes the record as failed. stack may be empty.
func (o *Orchestrator) fail(it *item, message, stack string) {
	it.logf(domain.LogError, "%s", message)
	if err := it.rec.Fail(message, stack, o.now()); err != nil {
		it.log.Error("finalizing failed record", zap.Error(err))
	}
	o.finalized(it)
}

func (o *Orchestrator) finish(it *item, status domain.Status) {
	if err := it.rec.Finish(status, o.now()); err != nil {
		it.log.Error("finalizing record", zap.Error(err))
	}
	it.logf(domain.LogInfo, "finished as %s in %s", it.rec.Status, it.rec.Duration.Round(time.Millisecond))
	o.finalized(it)
}

func (o *Orchestrator) finalized(it *item) {
	it.save()
	o.deps.Metrics.ItemFinished(string(it.rec.Status))
	o.deps.Observer.RecordCompletion(it.rec, it.tokensIn, it.tokensOut)
	o.deps.Observer.Publish(observer.Event{
		Type:     observer.EventFinished,
		RecordID: it.rec.ID,
		BatchID:  it.rec.BatchID,
		Status:   it.rec.Status,
		Progress: it.rec.Progress,
	})
	if err := o.deps.Notifier.Send(notify.ForRecord(it.rec)); err != nil {
		it.log.Warn("notification failed", zap.Error(err))
	}
}

func union(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, f := range list {
			if !seen[f] {
				seen[f] = true
				out = append(out, f)
			}
		}
	}
	return out
}

func shortHash(h string) string {
	if len(h) > 8 {
		return h[:8]
	}
	return h
}
