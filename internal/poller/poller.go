// Package poller is the Reconciliation Poller (SPEC_FULL.md §4.6): a
// single background task per active project that rebuilds desired state
// from the remote platform and calls back into the Workflow Orchestrator's
// primitives. There is no webhook receiver; this loop is how the
// orchestrator observes changes made on the remote platform.
//
// Grounded on the plugin's poller.go (pollAgentStatuses/janitorSweep pass
// structure, staleAgentMaxAge-bounded cleanup) and madhatter5501-Factory's
// Orchestrator ticker-driven Run/runCycle dispatch.
package poller

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	pkgerrors "github.com/pkg/errors"

	"github.com/forgeflow/orchestrator/internal/clock"
	"github.com/forgeflow/orchestrator/internal/model"
	"github.com/forgeflow/orchestrator/internal/orchestrator"
	"github.com/forgeflow/orchestrator/internal/pipelinestate"
	"github.com/forgeflow/orchestrator/internal/platform"
	"github.com/forgeflow/orchestrator/internal/trackingtable"
	"github.com/forgeflow/orchestrator/internal/workflowconfig"
)

// Logger mirrors orchestrator.Logger so this package stays decoupled from a
// concrete slog handler.
type Logger = orchestrator.Logger

// agentOutputFiles maps a document-producing agent's slug suffix to its
// expected output markdown filename (SPEC_FULL.md §4.6 step 2). Unknown
// slugs have no expected outputs.
var agentOutputFiles = map[string]string{
	"specify": "spec.md",
	"plan":    "plan.md",
	"tasks":   "tasks.md",
}

func expectedOutputFile(slug string) (string, bool) {
	i := strings.LastIndex(slug, ".")
	key := slug
	if i >= 0 {
		key = slug[i+1:]
	}
	f, ok := agentOutputFiles[key]
	return f, ok
}

const cacheCap = 1000

// lruSet is a size-bounded, insertion-order-evicted membership set, grounded
// on the plugin's staleAgentMaxAge-bounded cleanup idiom but keyed by
// count rather than age since processed markers never go stale on their own.
type lruSet struct {
	mu    sync.Mutex
	cap   int
	order []string
	set   map[string]struct{}
}

func newLRUSet(capacity int) *lruSet {
	return &lruSet{cap: capacity, set: make(map[string]struct{})}
}

func (l *lruSet) Contains(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.set[key]
	return ok
}

func (l *lruSet) Add(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.set[key]; ok {
		return
	}
	l.set[key] = struct{}{}
	l.order = append(l.order, key)
	for len(l.order) > l.cap {
		oldest := l.order[0]
		l.order = l.order[1:]
		delete(l.set, oldest)
	}
}

// Poller drives one project's reconciliation tick loop.
type Poller struct {
	orch     *orchestrator.Orchestrator
	platform platform.Client
	tokens   orchestrator.TokenProvider
	pipes    *pipelinestate.Store
	configs  *workflowconfig.Store
	clock    clock.Clock
	logger   Logger

	agentOutputSeen *lruSet
	inReviewSeen    *lruSet

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}

	statusMu sync.RWMutex
	status   model.PollingStatus
}

// Option configures a Poller.
type Option func(*Poller)

// WithLogger attaches a debug/info/warn/error logger.
func WithLogger(l Logger) Option {
	return func(p *Poller) { p.logger = l }
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// New constructs a Poller sharing the orchestrator's platform client,
// token provider, and state stores.
func New(orch *orchestrator.Orchestrator, p platform.Client, tokens orchestrator.TokenProvider, pipes *pipelinestate.Store, configs *workflowconfig.Store, c clock.Clock, opts ...Option) *Poller {
	pl := &Poller{
		orch:            orch,
		platform:        p,
		tokens:          tokens,
		pipes:           pipes,
		configs:         configs,
		clock:           c,
		logger:          noopLogger{},
		agentOutputSeen: newLRUSet(cacheCap),
		inReviewSeen:    newLRUSet(cacheCap),
	}
	for _, opt := range opts {
		opt(pl)
	}
	return pl
}

// StartPolling starts the background reconciliation loop for projectID at
// the given interval (0 uses the project configuration's default). Returns
// an error if a loop is already running.
func (p *Poller) StartPolling(ctx context.Context, projectID string, interval time.Duration) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return fmt.Errorf("poller already running")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	p.running = true
	p.mu.Unlock()

	p.statusMu.Lock()
	p.status.IsRunning = true
	p.statusMu.Unlock()

	go p.run(loopCtx, projectID, interval)
	return nil
}

// StopPolling cancels the running loop and waits for the current tick to
// finish, so no half-written state survives the stop.
func (p *Poller) StopPolling() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	cancel := p.cancel
	done := p.done
	p.mu.Unlock()

	cancel()
	<-done

	p.mu.Lock()
	p.running = false
	p.mu.Unlock()

	p.statusMu.Lock()
	p.status.IsRunning = false
	p.statusMu.Unlock()
}

// GetPollingStatus returns a snapshot of the poller's observability
// counters (SPEC_FULL.md §6).
func (p *Poller) GetPollingStatus() model.PollingStatus {
	p.statusMu.RLock()
	defer p.statusMu.RUnlock()
	return p.status
}

func (p *Poller) run(ctx context.Context, projectID string, interval time.Duration) {
	defer close(p.done)

	for {
		cfg, err := p.configs.Get(projectID)
		if err != nil || cfg == nil {
			p.recordTickError(pkgerrors.Wrap(err, "load project configuration"))
		} else {
			p.tick(ctx, cfg)
		}

		wait := interval
		if wait <= 0 {
			wait = 15 * time.Second
			if cfg != nil && cfg.PollingIntervalSeconds > 0 {
				wait = time.Duration(cfg.PollingIntervalSeconds) * time.Second
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

func (p *Poller) recordTickError(err error) {
	if err == nil {
		return
	}
	p.statusMu.Lock()
	p.status.ErrorsCount++
	p.status.LastError = err.Error()
	p.statusMu.Unlock()
	p.logger.Error("reconciliation pass failed", "error", err.Error())
}

// tick runs one reconciliation pass over every project item, in the fixed
// order agent-output -> backlog -> ready -> in-progress -> in-review. One
// failing pass never aborts the tick.
func (p *Poller) tick(ctx context.Context, cfg *model.WorkflowConfiguration) {
	p.statusMu.Lock()
	p.status.PollCount++
	p.status.LastPollTime = p.clock.Now()
	p.statusMu.Unlock()

	tok, err := p.tokens.Token()
	if err != nil {
		p.recordTickError(pkgerrors.Wrap(err, "obtain access token for tick"))
		return
	}

	items, err := p.platform.GetProjectItems(ctx, tok, cfg.ProjectID)
	if err != nil {
		p.recordTickError(pkgerrors.Wrap(err, "fetch project items"))
		return
	}

	processed := int64(0)

	if err := p.agentOutputPass(ctx, cfg, tok); err != nil {
		p.recordTickError(pkgerrors.Wrap(err, "agent-output pass"))
	}

	for _, status := range []string{cfg.StatusNames.Backlog, cfg.StatusNames.Ready} {
		for _, item := range itemsInStatus(items, status) {
			if err := p.reconcileStatusPipeline(ctx, cfg, status, item); err != nil {
				p.recordTickError(pkgerrors.Wrapf(err, "reconcile %s item %d", status, item.IssueNumber))
			}
			processed++
		}
	}

	for _, item := range itemsInStatus(items, cfg.StatusNames.InProgress) {
		if err := p.inProgressStep(ctx, cfg, item); err != nil {
			p.recordTickError(pkgerrors.Wrapf(err, "in-progress item %d", item.IssueNumber))
		}
		processed++
	}

	for _, item := range itemsInStatus(items, cfg.StatusNames.InReview) {
		if err := p.inReviewStep(ctx, cfg, tok, item); err != nil {
			p.recordTickError(pkgerrors.Wrapf(err, "in-review item %d", item.IssueNumber))
		}
		processed++
	}

	p.statusMu.Lock()
	p.status.ProcessedIssuesCount += processed
	p.statusMu.Unlock()
}

func itemsInStatus(items []platform.ProjectItem, status string) []platform.ProjectItem {
	var out []platform.ProjectItem
	for _, it := range items {
		if strings.EqualFold(it.Status, status) && it.IssueNumber != 0 {
			out = append(out, it)
		}
	}
	return out
}

func (p *Poller) issueContext(cfg *model.WorkflowConfiguration, item platform.ProjectItem) *orchestrator.IssueContext {
	return &orchestrator.IssueContext{
		RepoOwner:     cfg.RepoOwner,
		RepoName:      cfg.RepoName,
		ProjectID:     cfg.ProjectID,
		IssueID:       item.IssueNodeID,
		IssueNumber:   item.IssueNumber,
		ProjectItemID: item.ItemID,
	}
}

// agentOutputPass implements SPEC_FULL.md §4.6 step 2: for every active
// pipeline whose current agent produces a markdown deliverable, post the
// deliverable's content and a completion marker once its PR finishes.
func (p *Poller) agentOutputPass(ctx context.Context, cfg *model.WorkflowConfiguration, tok string) error {
	states := p.orch.GetAllPipelineStates()
	for issueNumber, state := range states {
		slug := state.CurrentAgent()
		if slug == "" {
			continue
		}
		if _, ok := expectedOutputFile(slug); !ok {
			continue
		}

		issue, err := p.platform.GetIssueWithComments(ctx, tok, cfg.RepoOwner, cfg.RepoName, issueNumber)
		if err != nil {
			p.logger.Warn("agent-output pass: failed to load issue", "issue_number", issueNumber, "error", err.Error())
			continue
		}
		marker := slug + ": Done!"
		if hasComment(issue.Comments, marker) {
			continue
		}

		completion, err := p.platform.CheckAgentPRCompletion(ctx, tok, cfg.RepoOwner, cfg.RepoName, issueNumber, cfg.AgentBotLogin)
		if err != nil {
			p.logger.Warn("agent-output pass: completion check failed", "issue_number", issueNumber, "error", err.Error())
			continue
		}
		if completion == nil || !completion.AgentFinished {
			continue
		}

		cacheKey := fmt.Sprintf("%d:%s:%d", issueNumber, slug, completion.Number)
		if p.agentOutputSeen.Contains(cacheKey) {
			continue
		}

		changed, err := p.platform.GetPRChangedFiles(ctx, tok, cfg.RepoOwner, cfg.RepoName, completion.Number)
		if err != nil {
			p.logger.Warn("agent-output pass: changed files lookup failed", "issue_number", issueNumber, "error", err.Error())
			continue
		}
		for _, f := range changed {
			if f.Status == "removed" {
				continue
			}
			if !strings.HasSuffix(f.Filename, ".md") {
				continue
			}
			// Every added/modified .md file is surfaced, not just filename's
			// exact match -- an agent may emit supporting docs alongside it.
			content, err := p.platform.GetFileContentFromRef(ctx, tok, cfg.RepoOwner, cfg.RepoName, completion.HeadRef, f.Filename)
			if err != nil {
				p.logger.Warn("agent-output pass: file content lookup failed", "file", f.Filename, "error", err.Error())
				continue
			}
			if err := p.platform.CreateIssueComment(ctx, tok, cfg.RepoOwner, cfg.RepoName, issueNumber, content); err != nil {
				p.logger.Warn("agent-output pass: failed to post file content comment", "error", err.Error())
			}
		}

		if err := p.platform.CreateIssueComment(ctx, tok, cfg.RepoOwner, cfg.RepoName, issueNumber, marker); err != nil {
			p.logger.Warn("agent-output pass: failed to post completion marker", "error", err.Error())
		}
		p.agentOutputSeen.Add(cacheKey)

		if _, hasMain := p.pipes.GetIssueMainBranch(issueNumber); !hasMain {
			p.pipes.SetIssueMainBranch(issueNumber, model.MainBranchInfo{
				Branch: completion.HeadRef, PRNumber: completion.Number, HeadSHA: completion.LastCommit.SHA,
			})
		}
	}
	return nil
}

func hasComment(comments []platform.IssueComment, text string) bool {
	for _, c := range comments {
		if strings.TrimSpace(c.Body) == text {
			return true
		}
	}
	return false
}

// reconcileStatusPipeline implements SPEC_FULL.md §4.6 step 3: the shared
// backlog/ready reconciliation logic.
func (p *Poller) reconcileStatusPipeline(ctx context.Context, cfg *model.WorkflowConfiguration, status string, item platform.ProjectItem) error {
	tok, err := p.tokens.Token()
	if err != nil {
		return err
	}

	issue, err := p.platform.GetIssueWithComments(ctx, tok, cfg.RepoOwner, cfg.RepoName, item.IssueNumber)
	if err != nil {
		return pkgerrors.Wrap(err, "load issue for status pipeline")
	}
	comments := make([]string, len(issue.Comments))
	for i, c := range issue.Comments {
		comments[i] = c.Body
	}

	action := trackingtable.DetermineNextAction(issue.Body, comments)
	ic := p.issueContext(cfg, item)
	ic.IssueID = issue.NodeID

	switch action.Kind {
	case model.ActionNoTracking, model.ActionWait:
		return nil

	case model.ActionAssignAgent:
		slugs := cfg.AgentSlugsForStatus(status)
		idx := indexOfSlug(slugs, action.Slug)
		if idx < 0 {
			return nil
		}
		_, err := p.orch.AssignAgentForStatus(ctx, ic, cfg, status, idx)
		return err

	case model.ActionAdvancePipeline:
		marked := trackingtable.Mark(issue.Body, action.Slug, model.AgentDone)
		if marked != issue.Body {
			if err := p.platform.UpdateIssueBody(ctx, tok, cfg.RepoOwner, cfg.RepoName, item.IssueNumber, marked); err != nil {
				return pkgerrors.Wrap(err, "mark agent done")
			}
		}
		if _, err := p.orch.MergeChildPRIfApplicable(ctx, ic, cfg, action.Slug); err != nil {
			p.logger.Warn("advance pipeline: child pr merge failed", "issue_number", item.IssueNumber, "error", err.Error())
		}

		slugs := cfg.AgentSlugsForStatus(status)
		idx := indexOfSlug(slugs, action.Slug)
		if idx >= 0 && idx+1 < len(slugs) {
			_, err := p.orch.AssignAgentForStatus(ctx, ic, cfg, status, idx+1)
			return err
		}
		return nil

	case model.ActionTransitionStatus:
		next := cfg.NextStatus(status)
		if next == "" {
			return nil
		}
		if err := p.platform.UpdateItemStatusByName(ctx, tok, cfg.ProjectID, item.ItemID, next); err != nil {
			return pkgerrors.Wrap(err, "transition project status")
		}
		p.pipes.RemovePipelineState(item.IssueNumber)
		_, err := p.orch.AssignAgentForStatus(ctx, ic, cfg, next, 0)
		return err
	}
	return nil
}

func indexOfSlug(slugs []string, slug string) int {
	for i, s := range slugs {
		if s == slug {
			return i
		}
	}
	return -1
}

// inProgressStep implements SPEC_FULL.md §4.6 step 4: an item whose tracked
// pipeline state belongs to an earlier status is moved back to that status
// without a new assignment (defensive guard against external board
// automation dragging items forward prematurely); every other item is
// handed to the HandleInProgressStatus observation.
func (p *Poller) inProgressStep(ctx context.Context, cfg *model.WorkflowConfiguration, item platform.ProjectItem) error {
	state := p.orch.GetPipelineState(item.IssueNumber)
	if state != nil && !strings.EqualFold(state.Status, cfg.StatusNames.InProgress) {
		order := cfg.StatusNames.Ordered()
		trackedIdx, targetIdx := -1, -1
		for i, s := range order {
			if strings.EqualFold(s, state.Status) {
				trackedIdx = i
			}
			if strings.EqualFold(s, cfg.StatusNames.InProgress) {
				targetIdx = i
			}
		}
		if trackedIdx >= 0 && targetIdx >= 0 && trackedIdx < targetIdx {
			tok, err := p.tokens.Token()
			if err != nil {
				return err
			}
			return pkgerrors.Wrap(
				p.platform.UpdateItemStatusByName(ctx, tok, cfg.ProjectID, item.ItemID, order[trackedIdx]),
				"restore project status")
		}
	}

	ic := p.issueContext(cfg, item)
	return p.orch.HandleInProgressStatus(ctx, ic, cfg)
}

// inReviewStep implements SPEC_FULL.md §4.6 step 5: ensures an agent review
// has been requested on the item's linked PR, idempotent per item.
func (p *Poller) inReviewStep(ctx context.Context, cfg *model.WorkflowConfiguration, tok string, item platform.ProjectItem) error {
	mainBranch, ok := p.pipes.GetIssueMainBranch(item.IssueNumber)
	if !ok || mainBranch.PRNumber == 0 {
		return nil
	}

	cacheKey := fmt.Sprintf("%d:%d", item.IssueNumber, mainBranch.PRNumber)
	if p.inReviewSeen.Contains(cacheKey) {
		return nil
	}

	reviewed, err := p.platform.HasAgentReviewedPR(ctx, tok, cfg.RepoOwner, cfg.RepoName, mainBranch.PRNumber, cfg.AgentBotLogin)
	if err != nil {
		return pkgerrors.Wrap(err, "check agent review status")
	}
	if reviewed {
		p.inReviewSeen.Add(cacheKey)
		return nil
	}

	if err := p.platform.RequestAgentReview(ctx, tok, cfg.RepoOwner, cfg.RepoName, mainBranch.PRNumber, cfg.AgentBotLogin); err != nil {
		return pkgerrors.Wrap(err, "request agent review")
	}
	p.inReviewSeen.Add(cacheKey)
	return nil
}
