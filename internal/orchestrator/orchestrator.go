// Package orchestrator drives implementation requests through workspace
// preparation, code generation, validation, push, pull request and
// deployment, recording every step on an implementation record.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hochfrequenz/recommendation-implementer/internal/deploy"
	"github.com/hochfrequenz/recommendation-implementer/internal/domain"
	"github.com/hochfrequenz/recommendation-implementer/internal/executor"
	"github.com/hochfrequenz/recommendation-implementer/internal/gitops"
	"github.com/hochfrequenz/recommendation-implementer/internal/metrics"
	"github.com/hochfrequenz/recommendation-implementer/internal/notify"
	"github.com/hochfrequenz/recommendation-implementer/internal/observer"
	"github.com/hochfrequenz/recommendation-implementer/internal/parser"
	"github.com/hochfrequenz/recommendation-implementer/internal/prbot"
	"github.com/hochfrequenz/recommendation-implementer/internal/prompts"
)

// RecordStore persists implementation records
type RecordStore interface {
	CreateRecord(r *domain.Record) error
	UpdateRecord(r *domain.Record) error
	ClaimPending(id string, progress int) (bool, error)
	CancelPending(id string) (bool, error)
	AppendLog(id string, e domain.LogEntry) error
	GetRecord(id string) (*domain.Record, error)
}

// Workspaces hands out serialized access to project checkouts
type Workspaces interface {
	Lock(projectName string) (unlock func())
	Ensure(ctx context.Context, repoURL, projectName string) (string, error)
}

// Git is the subset of git operations the pipeline needs
type Git interface {
	Status(dir string) ([]string, error)
	Commit(ctx context.Context, dir, message string) (string, error)
	Push(ctx context.Context, dir, branch string) gitops.PushResult
	Checkout(ctx context.Context, dir, branch string) error
	CreateBranch(ctx context.Context, dir, branch string) error
	Discard(ctx context.Context, dir string) error
	DefaultBranch(ctx context.Context, dir string) string
	DiffStat(ctx context.Context, dir, from, to string) (files, added, removed int, err error)
	Diff(ctx context.Context, dir, from, to string) (string, error)
}

// Agent runs the code-generation agent
type Agent interface {
	Invoke(ctx context.Context, dir, requestID, prompt string, timeout time.Duration) (*executor.Result, error)
}

// Applier writes parsed changes and fallback scaffolds
type Applier interface {
	Apply(root string, changes []parser.FileChange) ([]string, []parser.Rejection, error)
	Fallback(root string, req domain.Request) ([]string, error)
}

// Validator runs lint and test commands
type Validator interface {
	Run(ctx context.Context, dir string, pt domain.ProjectType) domain.ValidationResults
}

// Deployer triggers deduplicated preview deployments
type Deployer interface {
	Deploy(ctx context.Context, t deploy.Target) (domain.Deployment, error)
}

// Deps wires the orchestrator's collaborators. Deployer, CodeHost, Notifier,
// Observer and Metrics are optional.
type Deps struct {
	Store      RecordStore
	Workspaces Workspaces
	Git        Git
	Agent      Agent
	Applier    Applier
	Validator  Validator
	Deployer   Deployer
	CodeHost   prbot.CodeHost
	Prompts    *prompts.Loader
	Notifier   notify.Notifier
	Observer   *observer.Observer
	Metrics    *metrics.Metrics
	Logger     *zap.Logger
}

// Options toggles the optional stages of a run
type Options struct {
	CreatePR     bool
	Deploy       bool
	Validate     bool
	AgentTimeout time.Duration

	// RecordID and BatchID pre-assign the ids of the run so a caller can
	// hand them out before it starts. Empty means generate.
	RecordID string
	BatchID  string
}

// DefaultAgentTimeout bounds an agent run when Options leave it unset
const DefaultAgentTimeout = 10 * time.Minute

// Target names the repository a run works against
type Target struct {
	RepoURL     string
	ProjectName string
}

// normalized derives a missing project name and maps an explicit one onto a
// single directory name
func (t Target) normalized() Target {
	if t.ProjectName == "" {
		t.ProjectName = domain.ProjectNameFor(t.RepoURL)
	} else {
		t.ProjectName = domain.CleanProjectName(t.ProjectName)
	}
	return t
}

// Outcome is what a caller receives for one item. Per-item failures are
// reported here, never as a returned error.
type Outcome struct {
	RecordID          string                    `json:"recordId,omitempty"`
	Success           bool                      `json:"success"`
	Status            domain.Status             `json:"status"`
	BranchName        string                    `json:"branchName,omitempty"`
	CommitHash        string                    `json:"commitHash,omitempty"`
	ModifiedFiles     []string                  `json:"modifiedFiles"`
	Fallback          bool                      `json:"fallback"`
	PullRequest       *domain.PullRequest       `json:"pullRequest,omitempty"`
	Deployment        *domain.Deployment        `json:"deployment,omitempty"`
	ValidationResults *domain.ValidationResults `json:"validationResults,omitempty"`
	Error             string                    `json:"error,omitempty"`
}

// OutcomeFor summarizes a record
func OutcomeFor(r *domain.Record) Outcome {
	o := Outcome{
		RecordID:          r.ID,
		Success:           r.Status == domain.StatusCompleted && r.CodeGeneration.Success,
		Status:            r.Status,
		BranchName:        r.CodeGeneration.BranchName,
		CommitHash:        r.CodeGeneration.CommitHash,
		ModifiedFiles:     r.CodeGeneration.ModifiedFiles,
		Fallback:          r.CodeGeneration.Fallback,
		PullRequest:       r.PullRequest,
		Deployment:        r.Deployment,
		ValidationResults: r.ValidationResults,
	}
	if r.Failure != nil {
		o.Error = r.Failure.Message
	}
	return o
}

// BatchOutcome aggregates the items of one batch
type BatchOutcome struct {
	BatchID   string    `json:"batchId"`
	Total     int       `json:"total"`
	Succeeded int       `json:"succeeded"`
	Failed    int       `json:"failed"`
	Cancelled int       `json:"cancelled"`
	Items     []Outcome `json:"items"`
}

// ErrNotCancellable is returned by Cancel for records that already started
var ErrNotCancellable = errors.New("record is not pending")

// Orchestrator runs the implementation pipeline
type Orchestrator struct {
	deps   Deps
	logger *zap.Logger
	now    func() time.Time
	newID  func() string
}

// New creates an Orchestrator
func New(deps Deps) *Orchestrator {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Prompts == nil {
		deps.Prompts = prompts.NewLoader()
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.NoopNotifier{}
	}
	return &Orchestrator{
		deps:   deps,
		logger: logger,
		now:    time.Now,
		newID:  uuid.NewString,
	}
}

// RunSingle implements one request end to end
func (o *Orchestrator) RunSingle(ctx context.Context, t Target, req domain.Request, opts Options) Outcome {
	t = t.normalized()
	if err := req.Validate(); err != nil {
		return Outcome{Success: false, Status: domain.StatusFailed, ModifiedFiles: []string{}, Error: err.Error()}
	}

	it, err := o.newItem(o.idOr(opts.RecordID), req, t, "", 0)
	if err != nil {
		return Outcome{Success: false, Status: domain.StatusFailed, ModifiedFiles: []string{}, Error: err.Error()}
	}

	unlock := o.deps.Workspaces.Lock(t.ProjectName)
	defer unlock()

	if !o.claim(it) {
		return OutcomeFor(it.rec)
	}

	start := o.now()
	dir, err := o.deps.Workspaces.Ensure(ctx, t.RepoURL, t.ProjectName)
	o.deps.Metrics.ObserveStage("workspace", o.now().Sub(start))
	if err != nil {
		o.fail(it, fmt.Sprintf("workspace: %v", err), "")
		return OutcomeFor(it.rec)
	}
	base := o.deps.Git.DefaultBranch(ctx, dir)
	o.process(ctx, it, dir, base, opts)
	return OutcomeFor(it.rec)
}

// RunBatch implements reqs sequentially in one shared workspace. Each item
// starts from the base branch and returns to it afterwards; one item's
// failure never affects another.
func (o *Orchestrator) RunBatch(ctx context.Context, t Target, reqs []domain.Request, opts Options) BatchOutcome {
	t = t.normalized()
	batchID := o.idOr(opts.BatchID)
	out := BatchOutcome{BatchID: batchID, Total: len(reqs)}

	// a nil item means its record could not be created
	items := make([]*item, len(reqs))
	createErrs := make(map[int]error)
	for i, req := range reqs {
		it, err := o.newItem(o.newID(), req, t, batchID, i+1)
		if err != nil {
			o.logger.Error("creating batch record failed", zap.String("batch", batchID), zap.Int("order", i+1), zap.Error(err))
			createErrs[i] = err
			continue
		}
		if err := req.Validate(); err != nil {
			o.fail(it, err.Error(), "")
		}
		items[i] = it
	}
	o.deps.Observer.Publish(observer.Event{Type: observer.EventBatchStarted, BatchID: batchID, Message: t.RepoURL})
	o.logger.Info("batch started", zap.String("batch", batchID), zap.String("repo_url", t.RepoURL), zap.Int("items", len(reqs)))

	unlock := o.deps.Workspaces.Lock(t.ProjectName)
	dir, wsErr := o.deps.Workspaces.Ensure(ctx, t.RepoURL, t.ProjectName)
	var base string
	if wsErr == nil {
		base = o.deps.Git.DefaultBranch(ctx, dir)
	}

	for _, it := range items {
		if it == nil || it.rec.Status.IsTerminal() {
			continue
		}
		if err := ctx.Err(); err != nil {
			if o.claim(it) {
				o.fail(it, fmt.Sprintf("batch interrupted: %v", err), "")
			}
			continue
		}
		if !o.claim(it) {
			continue
		}
		if wsErr != nil {
			o.fail(it, fmt.Sprintf("workspace: %v", wsErr), "")
			continue
		}

		if err := o.resetTo(ctx, dir, base); err != nil {
			o.fail(it, fmt.Sprintf("return to %s: %v", base, err), "")
			continue
		}
		o.process(ctx, it, dir, base, opts)
		if err := o.resetTo(ctx, dir, base); err != nil {
			o.logger.Warn("returning to base branch failed", zap.String("record", it.rec.ID), zap.Error(err))
		}
	}
	unlock()

	for i, it := range items {
		if it == nil {
			out.Failed++
			out.Items = append(out.Items, Outcome{Status: domain.StatusFailed, ModifiedFiles: []string{}, Error: createErrs[i].Error()})
			continue
		}
		switch it.rec.Status {
		case domain.StatusCompleted:
			out.Succeeded++
		case domain.StatusCancelled:
			out.Cancelled++
		default:
			out.Failed++
		}
		out.Items = append(out.Items, OutcomeFor(it.rec))
	}

	o.logger.Info("batch finished",
		zap.String("batch", batchID),
		zap.Int("succeeded", out.Succeeded),
		zap.Int("failed", out.Failed),
		zap.Int("cancelled", out.Cancelled))
	o.deps.Observer.Publish(observer.Event{
		Type:    observer.EventBatchCompleted,
		BatchID: batchID,
		Message: fmt.Sprintf("%d/%d succeeded", out.Succeeded, out.Total),
	})
	if err := o.deps.Notifier.Send(notify.ForBatch(batchID, out.Succeeded, out.Failed, out.Cancelled)); err != nil {
		o.logger.Warn("batch notification failed", zap.Error(err))
	}
	return out
}

// Cancel marks a pending record cancelled. Records already processing run
// to completion.
func (o *Orchestrator) Cancel(ctx context.Context, recordID string) error {
	ok, err := o.deps.Store.CancelPending(recordID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("cancel %s: %w", recordID, ErrNotCancellable)
	}
	entry := domain.LogEntry{Timestamp: o.now(), Level: domain.LogWarning, Message: "cancelled before processing"}
	if err := o.deps.Store.AppendLog(recordID, entry); err != nil {
		o.logger.Warn("appending cancel log failed", zap.String("record", recordID), zap.Error(err))
	}
	o.deps.Observer.Publish(observer.Event{Type: observer.EventCancelled, RecordID: recordID, Status: domain.StatusCancelled})
	o.deps.Metrics.ItemFinished(string(domain.StatusCancelled))
	return nil
}

// resetTo discards leftovers of the previous item and checks out base
func (o *Orchestrator) resetTo(ctx context.Context, dir, base string) error {
	if err := o.deps.Git.Discard(ctx, dir); err != nil {
		return err
	}
	return o.deps.Git.Checkout(ctx, dir, base)
}

func (o *Orchestrator) idOr(id string) string {
	if id != "" {
		return id
	}
	return o.newID()
}

// newItem creates and persists a pending record
func (o *Orchestrator) newItem(id string, req domain.Request, t Target, batchID string, order int) (*item, error) {
	rec := domain.NewRecord(id, req, t.RepoURL, t.ProjectName, o.now())
	rec.BatchID = batchID
	rec.BatchOrder = order
	if err := o.deps.Store.CreateRecord(rec); err != nil {
		return nil, fmt.Errorf("create record: %w", err)
	}
	it := &item{
		o:   o,
		rec: rec,
		req: req,
		log: o.logger.With(zap.String("record", rec.ID), zap.String("request", req.ID)),
	}
	o.deps.Observer.Publish(observer.Event{Type: observer.EventCreated, RecordID: rec.ID, BatchID: batchID, Status: rec.Status})
	return it, nil
}

// claim moves a pending record to processing unless it was cancelled
func (o *Orchestrator) claim(it *item) bool {
	ok, err := o.deps.Store.ClaimPending(it.rec.ID, 0)
	if err != nil {
		it.log.Error("claiming record failed", zap.Error(err))
		return false
	}
	if !ok {
		if current, err := o.deps.Store.GetRecord(it.rec.ID); err == nil {
			it.rec = current
		}
		it.log.Info("record no longer pending, skipping", zap.String("status", string(it.rec.Status)))
		return false
	}
	if err := it.rec.Advance(domain.StatusProcessing, 0, o.now()); err != nil {
		it.log.Error("advancing record failed", zap.Error(err))
		return false
	}
	return true
}
