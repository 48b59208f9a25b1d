package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/hochfrequenz/recommendation-implementer/internal/applier"
	"github.com/hochfrequenz/recommendation-implementer/internal/deploy"
	"github.com/hochfrequenz/recommendation-implementer/internal/domain"
	"github.com/hochfrequenz/recommendation-implementer/internal/executor"
	"github.com/hochfrequenz/recommendation-implementer/internal/gitops"
	"github.com/hochfrequenz/recommendation-implementer/internal/notify"
	"github.com/hochfrequenz/recommendation-implementer/internal/observer"
	"github.com/hochfrequenz/recommendation-implementer/internal/parser"
	"github.com/hochfrequenz/recommendation-implementer/internal/prbot"
	"github.com/hochfrequenz/recommendation-implementer/internal/recordstore"
	"github.com/hochfrequenz/recommendation-implementer/internal/testutil"
	"github.com/hochfrequenz/recommendation-implementer/internal/workspace"
)

var branchPattern = regexp.MustCompile(`^ai-implementation-[A-Za-z0-9_-]+-\d+$`)

type agentFunc func(ctx context.Context, dir, requestID, prompt string) (*executor.Result, error)

func (f agentFunc) Invoke(ctx context.Context, dir, requestID, prompt string, timeout time.Duration) (*executor.Result, error) {
	return f(ctx, dir, requestID, prompt)
}

func respond(text string) agentFunc {
	return func(context.Context, string, string, string) (*executor.Result, error) {
		return &executor.Result{Text: text, TokensInput: 100, TokensOutput: 50}, nil
	}
}

type fakeValidator struct {
	outcome domain.Outcome
	seen    domain.ProjectType
}

func (v *fakeValidator) Run(ctx context.Context, dir string, pt domain.ProjectType) domain.ValidationResults {
	v.seen = pt
	return domain.ValidationResults{ProjectType: pt, Commands: []domain.CommandResult{
		{Name: "lint", Command: "npm run lint", Outcome: domain.OutcomePassed},
		{Name: "test", Command: "npm test", Outcome: v.outcome, ExitCode: 1},
	}}
}

type fakeHost struct {
	mu   sync.Mutex
	reqs []prbot.PRRequest
	err  error
}

func (h *fakeHost) CreatePR(ctx context.Context, req prbot.PRRequest) (prbot.PRResult, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.reqs = append(h.reqs, req)
	if h.err != nil {
		return prbot.PRResult{}, h.err
	}
	return prbot.PRResult{URL: "https://github.com/acme/shop/pull/9", Number: 9}, nil
}

type countingTrigger struct {
	calls atomic.Int32
}

func (c *countingTrigger) Trigger(ctx context.Context, repo, ref string) (domain.Deployment, error) {
	n := c.calls.Add(1)
	return domain.Deployment{Success: true, URL: "https://preview/" + ref, DeploymentID: fmt.Sprintf("d%d", n), Status: "queued"}, nil
}

// failingFallback makes the scaffold path fail for selected request IDs
type failingFallback struct {
	*applier.Applier
	failFor string
}

func (f failingFallback) Fallback(root string, req domain.Request) ([]string, error) {
	if req.ID == f.failFor {
		return nil, errors.New("scaffold template missing")
	}
	return f.Applier.Fallback(root, req)
}

func (f failingFallback) Apply(root string, changes []parser.FileChange) ([]string, []parser.Rejection, error) {
	return f.Applier.Apply(root, changes)
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []notify.Notification
}

func (r *recordingNotifier) Send(n notify.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
	return nil
}

type harness struct {
	orch     *Orchestrator
	store    *recordstore.Store
	remote   string
	ws       *workspace.Manager
	notifier *recordingNotifier
	observer *observer.Observer
	deps     Deps
}

func newHarness(t *testing.T, files map[string]string, agent Agent) *harness {
	t.Helper()
	logger := zaptest.NewLogger(t)

	store, err := recordstore.New(filepath.Join(t.TempDir(), "records.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	git := gitops.NewOperator(30*time.Second, logger)
	ws := workspace.NewManager(t.TempDir(), git, logger)
	h := &harness{
		store:    store,
		remote:   testutil.SetupRemote(t, files),
		ws:       ws,
		notifier: &recordingNotifier{},
		observer: observer.New(time.Minute),
	}
	h.deps = Deps{
		Store:      store,
		Workspaces: ws,
		Git:        git,
		Agent:      agent,
		Applier:    applier.New(nil),
		Notifier:   h.notifier,
		Observer:   h.observer,
		Logger:     logger,
	}
	h.orch = New(h.deps)
	return h
}

func (h *harness) rebuild(mutate func(*Deps)) {
	mutate(&h.deps)
	h.orch = New(h.deps)
}

func (h *harness) target() Target {
	return Target{RepoURL: h.remote, ProjectName: "acme-shop"}
}

func request(id string) domain.Request {
	return domain.Request{
		ID:          id,
		Title:       "Add input validation",
		Description: "Validate all form inputs before submission",
		Category:    "Security",
		Priority:    "high",
	}
}

const validationOutput = "I added validation.\n\n### `src/validate.js`\n```js\nmodule.exports = (v) => v != null\n```\n"

func TestRunSingle_NodeScenario(t *testing.T) {
	h := newHarness(t, map[string]string{"package.json": `{"scripts":{"lint":"eslint .","test":"jest"}}`}, respond(validationOutput))
	validator := &fakeValidator{outcome: domain.OutcomeFailed}
	host := &fakeHost{}
	h.rebuild(func(d *Deps) {
		d.Validator = validator
		d.CodeHost = host
	})

	var events []observer.EventType
	var mu sync.Mutex
	h.observer.Subscribe(func(e observer.Event) {
		mu.Lock()
		events = append(events, e.Type)
		mu.Unlock()
	})

	out := h.orch.RunSingle(context.Background(), h.target(), request("7"), Options{Validate: true, CreatePR: true})

	require.True(t, out.Success, out.Error)
	assert.Equal(t, domain.StatusCompleted, out.Status)
	assert.Regexp(t, branchPattern, out.BranchName)
	assert.True(t, strings.HasPrefix(out.BranchName, "ai-implementation-"+out.RecordID+"-"))
	assert.Contains(t, out.ModifiedFiles, "src/validate.js")
	assert.False(t, out.Fallback)
	assert.Len(t, out.CommitHash, 40)

	// a failing test command is recorded but never blocks completion
	assert.Equal(t, domain.ProjectNodeJS, validator.seen)
	require.NotNil(t, out.ValidationResults)
	assert.Equal(t, domain.OutcomeFailed, out.ValidationResults.Commands[1].Outcome)

	require.NotNil(t, out.PullRequest)
	assert.True(t, out.PullRequest.Success)
	assert.Equal(t, 9, out.PullRequest.Number)
	require.Len(t, host.reqs, 1)
	assert.Equal(t, "main", host.reqs[0].Base)
	assert.Equal(t, out.BranchName, host.reqs[0].Head)
	assert.Equal(t, "feat(security): Add input validation", host.reqs[0].Title)
	assert.Contains(t, host.reqs[0].Labels, prbot.LabelAIGenerated)

	refs := testutil.Git(t, h.remote, "branch", "--list", out.BranchName)
	assert.Contains(t, refs, out.BranchName, "branch was pushed")

	rec, err := h.store.GetRecord(out.RecordID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, rec.Status)
	assert.Equal(t, domain.ProgressDone, rec.Progress)
	require.NotNil(t, rec.CompletedAt)
	assert.Equal(t, rec.CompletedAt.Sub(rec.StartedAt), rec.Duration)
	assert.Equal(t, 1, rec.Metrics.FilesProcessed)
	assert.Equal(t, 1, rec.Metrics.LinesAdded)
	for i := 1; i < len(rec.Logs); i++ {
		assert.False(t, rec.Logs[i].Timestamp.Before(rec.Logs[i-1].Timestamp), "logs are chronological")
	}

	mu.Lock()
	assert.Equal(t, observer.EventCreated, events[0])
	assert.Equal(t, observer.EventFinished, events[len(events)-1])
	mu.Unlock()
	assert.Len(t, h.notifier.sent, 1)
	assert.Equal(t, notify.NotifySuccess, h.notifier.sent[0].Type)
	assert.Equal(t, 1, h.observer.GetMetrics().TotalCompleted)
}

func TestRunSingle_FallbackWhenNothingExtracted(t *testing.T) {
	h := newHarness(t, nil, respond("I reviewed the code but have no concrete changes."))

	out := h.orch.RunSingle(context.Background(), h.target(), request("8"), Options{})

	require.True(t, out.Success, out.Error)
	assert.True(t, out.Fallback)
	assert.NotEmpty(t, out.ModifiedFiles)
	assert.NotEmpty(t, out.CommitHash)

	dir := h.ws.Path("acme-shop")
	for _, f := range out.ModifiedFiles {
		assert.FileExists(t, filepath.Join(dir, f))
	}
	msg := testutil.Git(t, dir, "log", "-1", "--format=%s")
	assert.NotEmpty(t, strings.TrimSpace(msg))

	rec, err := h.store.GetRecord(out.RecordID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, rec.Status)
	assert.True(t, rec.CodeGeneration.Fallback)
	assert.Contains(t, rec.CodeGeneration.Error, "no file changes")
}

func TestRunSingle_AgentPanicFallsBack(t *testing.T) {
	h := newHarness(t, nil, agentFunc(func(context.Context, string, string, string) (*executor.Result, error) {
		panic("agent exploded")
	}))

	out := h.orch.RunSingle(context.Background(), h.target(), request("9"), Options{})

	require.True(t, out.Success, out.Error)
	assert.True(t, out.Fallback)
}

func TestRunSingle_AgentErrorFallsBack(t *testing.T) {
	h := newHarness(t, nil, agentFunc(func(context.Context, string, string, string) (*executor.Result, error) {
		return nil, errors.New("agent claude-code: exit status 1")
	}))

	out := h.orch.RunSingle(context.Background(), h.target(), request("10"), Options{})

	require.True(t, out.Success, out.Error)
	assert.True(t, out.Fallback)
}

func TestRunSingle_TimeoutWithoutChangesFails(t *testing.T) {
	h := newHarness(t, nil, agentFunc(func(context.Context, string, string, string) (*executor.Result, error) {
		return nil, fmt.Errorf("%w after 1s", executor.ErrAgentTimeout)
	}))

	out := h.orch.RunSingle(context.Background(), h.target(), request("11"), Options{})

	assert.False(t, out.Success)
	assert.Equal(t, domain.StatusFailed, out.Status)
	assert.False(t, out.Fallback)
	assert.Contains(t, out.Error, "timed out")

	rec, err := h.store.GetRecord(out.RecordID)
	require.NoError(t, err)
	require.NotNil(t, rec.Failure)
	assert.False(t, rec.Failure.OccurredAt.IsZero())
	require.NotNil(t, rec.CompletedAt)
	assert.Equal(t, rec.CompletedAt.Sub(rec.StartedAt), rec.Duration)
}

func TestRunSingle_PartialTimeoutContinues(t *testing.T) {
	h := newHarness(t, nil, agentFunc(func(_ context.Context, dir, _, _ string) (*executor.Result, error) {
		testutil.WriteFile(t, dir, "src/half.js", "// started\n")
		return &executor.Result{Partial: true, ModifiedFiles: []string{"src/half.js"}}, nil
	}))

	out := h.orch.RunSingle(context.Background(), h.target(), request("12"), Options{})

	require.True(t, out.Success, out.Error)
	assert.False(t, out.Fallback)
	assert.Equal(t, []string{"src/half.js"}, out.ModifiedFiles)

	rec, err := h.store.GetRecord(out.RecordID)
	require.NoError(t, err)
	assert.True(t, rec.CodeGeneration.Partial)
}

func TestRunSingle_WorkspaceErrorIsTerminal(t *testing.T) {
	var invoked atomic.Bool
	h := newHarness(t, nil, agentFunc(func(context.Context, string, string, string) (*executor.Result, error) {
		invoked.Store(true)
		return &executor.Result{}, nil
	}))

	target := Target{RepoURL: filepath.Join(t.TempDir(), "missing.git"), ProjectName: "missing"}
	out := h.orch.RunSingle(context.Background(), target, request("13"), Options{})

	assert.False(t, out.Success)
	assert.Equal(t, domain.StatusFailed, out.Status)
	assert.Contains(t, out.Error, "workspace")
	assert.False(t, invoked.Load())
}

func TestRunSingle_InvalidRequest(t *testing.T) {
	h := newHarness(t, nil, respond(""))

	out := h.orch.RunSingle(context.Background(), h.target(), domain.Request{ID: "x"}, Options{})

	assert.False(t, out.Success)
	assert.Empty(t, out.RecordID)
	assert.Contains(t, out.Error, "title is required")

	recs, err := h.store.ListRecords(10)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestRunSingle_PushRejectedSkipsPRAndDeploy(t *testing.T) {
	h := newHarness(t, nil, respond(validationOutput))
	testutil.RejectPushes(t, h.remote, "remote: Permission to acme/shop.git denied")
	host := &fakeHost{}
	trigger := &countingTrigger{}
	h.rebuild(func(d *Deps) {
		d.CodeHost = host
		d.Deployer = deploy.NewService(deploy.NewTTLCache(time.Minute), nil, trigger, 0, nil, nil)
	})

	out := h.orch.RunSingle(context.Background(), h.target(), request("14"), Options{CreatePR: true, Deploy: true})

	require.True(t, out.Success, "generation succeeded")
	require.NotNil(t, out.PullRequest)
	assert.False(t, out.PullRequest.Success)
	assert.Equal(t, out.BranchName, out.PullRequest.LocalBranch)
	assert.NotEmpty(t, out.PullRequest.Error)
	assert.Empty(t, host.reqs)

	require.NotNil(t, out.Deployment)
	assert.False(t, out.Deployment.Success)
	assert.Equal(t, int32(0), trigger.calls.Load())
}

func TestRunSingle_PRFailureKeepsCompletion(t *testing.T) {
	h := newHarness(t, nil, respond(validationOutput))
	h.rebuild(func(d *Deps) { d.CodeHost = &fakeHost{err: prbot.ErrToolUnavailable} })

	out := h.orch.RunSingle(context.Background(), h.target(), request("15"), Options{CreatePR: true})

	require.True(t, out.Success)
	require.NotNil(t, out.PullRequest)
	assert.False(t, out.PullRequest.Success)
	assert.Equal(t, prbot.FailureMessage, out.PullRequest.Message)
}

func TestRunSingle_Deploys(t *testing.T) {
	h := newHarness(t, nil, respond(validationOutput))
	trigger := &countingTrigger{}
	svc := deploy.NewService(deploy.NewTTLCache(time.Minute), nil, trigger, 0, nil, nil)
	h.rebuild(func(d *Deps) { d.Deployer = svc })

	out := h.orch.RunSingle(context.Background(), h.target(), request("16"), Options{Deploy: true})

	require.True(t, out.Success, out.Error)
	require.NotNil(t, out.Deployment)
	assert.True(t, out.Deployment.Success)
	assert.False(t, out.Deployment.Cached)
	assert.Equal(t, int32(1), trigger.calls.Load())

	// the same branch again is served from the cache
	again, err := svc.Deploy(context.Background(), deploy.Target{RepoURL: h.remote, Branch: out.BranchName, ProjectName: "acme-shop"})
	require.NoError(t, err)
	assert.True(t, again.Cached)
	assert.Equal(t, int32(1), trigger.calls.Load())
}

func TestRunBatch_ItemIsolation(t *testing.T) {
	h := newHarness(t, map[string]string{"package.json": "{}"}, agentFunc(func(_ context.Context, dir, requestID, _ string) (*executor.Result, error) {
		if requestID == "2" {
			panic("generation crashed")
		}
		return &executor.Result{Text: fmt.Sprintf("### `src/item%s.js`\n```js\nexport const n = %s\n```\n", requestID, requestID)}, nil
	}))
	a := applier.New(nil)
	h.rebuild(func(d *Deps) { d.Applier = failingFallback{Applier: a, failFor: "2"} })

	out := h.orch.RunBatch(context.Background(), h.target(), []domain.Request{request("1"), request("2"), request("3")}, Options{})

	assert.Equal(t, 3, out.Total)
	assert.Equal(t, 2, out.Succeeded)
	assert.Equal(t, 1, out.Failed)
	require.Len(t, out.Items, 3)
	assert.True(t, out.Items[0].Success)
	assert.False(t, out.Items[1].Success)
	assert.True(t, out.Items[2].Success)
	assert.Equal(t, []string{"src/item3.js"}, out.Items[2].ModifiedFiles, "item 3 does not inherit item 1's files")

	recs, err := h.store.FindByBatch(out.BatchID)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	for i, r := range recs {
		assert.Equal(t, i+1, r.BatchOrder)
	}
	require.NotNil(t, recs[1].Failure)
	assert.Contains(t, recs[1].Failure.Message, "scaffold template missing")
	assert.NotEmpty(t, recs[1].Failure.Stack)

	dir := h.ws.Path("acme-shop")
	assert.Equal(t, "main", strings.TrimSpace(testutil.Git(t, dir, "rev-parse", "--abbrev-ref", "HEAD")))
	assert.Empty(t, strings.TrimSpace(testutil.Git(t, dir, "status", "--porcelain")))
	_, err = os.Stat(filepath.Join(dir, "src", "item1.js"))
	assert.True(t, os.IsNotExist(err), "base branch is untouched")

	assert.Equal(t, notify.NotifyWarning, h.notifier.sent[len(h.notifier.sent)-1].Type)
}

func TestRunBatch_SkipsCancelledItems(t *testing.T) {
	var h *harness
	h = newHarness(t, nil, agentFunc(func(_ context.Context, _, requestID, _ string) (*executor.Result, error) {
		if requestID == "1" {
			recs, err := h.store.ListRecords(10)
			require.NoError(t, err)
			for _, r := range recs {
				if r.RequestID == "2" {
					require.NoError(t, h.orch.Cancel(context.Background(), r.ID))
				}
			}
		}
		return &executor.Result{Text: validationOutput}, nil
	}))

	out := h.orch.RunBatch(context.Background(), h.target(), []domain.Request{request("1"), request("2"), request("3")}, Options{})

	assert.Equal(t, 2, out.Succeeded)
	assert.Equal(t, 1, out.Cancelled)
	assert.Equal(t, domain.StatusCancelled, out.Items[1].Status)
	assert.Empty(t, out.Items[1].BranchName)
}

func TestRunBatch_InvalidItemFailsAlone(t *testing.T) {
	h := newHarness(t, nil, respond(validationOutput))

	out := h.orch.RunBatch(context.Background(), h.target(), []domain.Request{request("1"), {ID: "bad"}}, Options{})

	assert.Equal(t, 1, out.Succeeded)
	assert.Equal(t, 1, out.Failed)
	assert.Contains(t, out.Items[1].Error, "title is required")
}

func TestRunBatch_WorkspaceFailureFailsEveryItem(t *testing.T) {
	h := newHarness(t, nil, respond(validationOutput))

	target := Target{RepoURL: filepath.Join(t.TempDir(), "missing.git"), ProjectName: "missing"}
	out := h.orch.RunBatch(context.Background(), target, []domain.Request{request("1"), request("2")}, Options{})

	assert.Equal(t, 2, out.Failed)
	for _, item := range out.Items {
		assert.Equal(t, domain.StatusFailed, item.Status)
		assert.Contains(t, item.Error, "workspace")
	}
}

func TestCancel_OnlyPending(t *testing.T) {
	h := newHarness(t, nil, respond(validationOutput))

	out := h.orch.RunSingle(context.Background(), h.target(), request("1"), Options{})
	require.True(t, out.Success)

	err := h.orch.Cancel(context.Background(), out.RecordID)
	assert.ErrorIs(t, err, ErrNotCancellable)

	err = h.orch.Cancel(context.Background(), "missing")
	assert.ErrorIs(t, err, recordstore.ErrNotFound)
}

func TestUnion(t *testing.T) {
	assert.Equal(t, []string{"a", "b", "c"}, union([]string{"a", "b"}, []string{"b", "c"}))
	assert.Empty(t, union(nil, nil))
}

func TestRunBatch_BranchesUniqueForRepeatedRequestIDs(t *testing.T) {
	h := newHarness(t, nil, respond(validationOutput))
	frozen := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	h.orch.now = func() time.Time { return frozen }

	out := h.orch.RunBatch(context.Background(), h.target(), []domain.Request{request("health"), request("health")}, Options{})

	require.Equal(t, 2, out.Succeeded)
	first, second := out.Items[0].BranchName, out.Items[1].BranchName
	assert.Regexp(t, branchPattern, first)
	assert.Regexp(t, branchPattern, second)
	assert.NotEqual(t, first, second)
	assert.True(t, strings.HasPrefix(second, "ai-implementation-"+out.Items[1].RecordID+"-"))

	refs := testutil.Git(t, h.remote, "branch", "--list", "ai-implementation-*")
	assert.Contains(t, refs, first)
	assert.Contains(t, refs, second)
}

func TestRun_PreassignedIDs(t *testing.T) {
	h := newHarness(t, nil, respond(validationOutput))

	out := h.orch.RunSingle(context.Background(), h.target(), request("1"), Options{RecordID: "rec-fixed"})
	require.True(t, out.Success, out.Error)
	assert.Equal(t, "rec-fixed", out.RecordID)
	_, err := h.store.GetRecord("rec-fixed")
	require.NoError(t, err)

	bo := h.orch.RunBatch(context.Background(), h.target(), []domain.Request{request("2")}, Options{BatchID: "batch-fixed"})
	assert.Equal(t, "batch-fixed", bo.BatchID)
	recs, err := h.store.FindByBatch("batch-fixed")
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestRunSingle_CleansProjectName(t *testing.T) {
	h := newHarness(t, nil, respond(validationOutput))
	outside := filepath.Join(filepath.Dir(h.ws.Path("x")), "..", "victim")
	testutil.WriteFile(t, outside, "important.txt", "keep")

	out := h.orch.RunSingle(context.Background(), Target{RepoURL: h.remote, ProjectName: "../victim"}, request("1"), Options{})

	require.True(t, out.Success, out.Error)
	rec, err := h.store.GetRecord(out.RecordID)
	require.NoError(t, err)
	assert.Equal(t, "victim", rec.ProjectName)
	assert.FileExists(t, filepath.Join(outside, "important.txt"))
	assert.DirExists(t, filepath.Join(h.ws.Path("victim"), ".git"))
}

func TestRunSingle_RefusedPathIsSkipped(t *testing.T) {
	output := validationOutput + "\n### `.git/hooks/pre-commit.sample`\n```sh\nexit 0\n```\n"
	h := newHarness(t, nil, respond(output))

	out := h.orch.RunSingle(context.Background(), h.target(), request("1"), Options{})

	require.True(t, out.Success, out.Error)
	assert.False(t, out.Fallback)
	assert.Equal(t, []string{"src/validate.js"}, out.ModifiedFiles)

	rec, err := h.store.GetRecord(out.RecordID)
	require.NoError(t, err)
	var warned bool
	for _, e := range rec.Logs {
		if e.Level == domain.LogWarning && strings.Contains(e.Message, ".git/hooks/pre-commit.sample") {
			warned = true
		}
	}
	assert.True(t, warned, "refused path is logged")
}
