package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	pkgerrors "github.com/pkg/errors"

	"github.com/forgeflow/orchestrator/internal/model"
	"github.com/forgeflow/orchestrator/internal/platform"
	"github.com/forgeflow/orchestrator/internal/trackingtable"
)

// IssueContext is the accumulated result of walking an issue through
// creation, project attachment, and sub-issue fan-out -- analogous to the
// original's WorkflowContext dataclass, kept as an explicit value here
// rather than mutable module state (SPEC_FULL.md §9 re-architecture note).
type IssueContext struct {
	RepoOwner     string
	RepoName      string
	ProjectID     string
	IssueID       string // GraphQL node id
	IssueNumber   int
	IssueURL      string
	ProjectItemID string
}

const callTimeout = 10 * time.Second
const graphqlCallTimeout = 30 * time.Second

func withCallTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, callTimeout)
}

// FormatIssueBody builds the deterministic issue body (§4.5.1): the
// original request, user story, UI/UX, requirements, technical notes, and
// a metadata table, followed by the agent tracking table with every row
// pending.
func (o *Orchestrator) FormatIssueBody(originalRequest string, rec model.IssueRecommendation, cfg *model.WorkflowConfiguration) (string, error) {
	body, err := renderIssueBody(originalRequest, rec)
	if err != nil {
		return "", err
	}
	return trackingtable.Append(body, cfg.AgentMappings, cfg.StatusNames.Ordered()), nil
}

// CreateIssueFromRecommendation creates the forge issue and records its
// identity (§4.5.2).
func (o *Orchestrator) CreateIssueFromRecommendation(ctx context.Context, repoOwner, repoName string, rec model.IssueRecommendation, body string) (*IssueContext, error) {
	tok, err := o.token()
	if err != nil {
		return nil, err
	}
	cctx, cancel := withCallTimeout(ctx)
	defer cancel()

	ref, err := o.platform.CreateIssue(cctx, tok, repoOwner, repoName, rec.Title, body, rec.Metadata.Labels)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "create issue from recommendation")
	}
	return &IssueContext{
		RepoOwner:   repoOwner,
		RepoName:    repoName,
		IssueID:     ref.NodeID,
		IssueNumber: ref.Number,
		IssueURL:    ref.URL,
	}, nil
}

// AddToProjectWithBacklog attaches the issue to the project, sets it to
// Backlog, and best-effort applies recommendation metadata fields
// (§4.5.3).
func (o *Orchestrator) AddToProjectWithBacklog(ctx context.Context, ic *IssueContext, projectID string, cfg *model.WorkflowConfiguration, rec *model.IssueRecommendation) error {
	tok, err := o.token()
	if err != nil {
		return err
	}

	gctx, cancel := context.WithTimeout(ctx, graphqlCallTimeout)
	itemID, err := o.platform.AddIssueToProject(gctx, tok, projectID, ic.IssueID)
	cancel()
	if err != nil {
		return pkgerrors.Wrap(err, "add issue to project")
	}
	ic.ProjectID = projectID
	ic.ProjectItemID = itemID

	gctx, cancel = context.WithTimeout(ctx, graphqlCallTimeout)
	err = o.platform.UpdateItemStatusByName(gctx, tok, projectID, itemID, cfg.StatusNames.Backlog)
	cancel()
	if err != nil {
		return pkgerrors.Wrap(err, "set initial project status to backlog")
	}

	if rec != nil {
		gctx, cancel = context.WithTimeout(ctx, graphqlCallTimeout)
		if err := o.platform.SetIssueMetadata(gctx, tok, projectID, itemID, rec.Metadata); err != nil {
			o.logger.Warn("failed to set project metadata fields", "issue_number", ic.IssueNumber, "error", err.Error())
		}
		cancel()
	}
	return nil
}

// CreateAllSubIssues creates one sub-issue per unique agent slug across
// the full ordered status pipeline, each narrowed to that agent's concern,
// and returns the slug -> ref map (§4.5.4).
func (o *Orchestrator) CreateAllSubIssues(ctx context.Context, ic *IssueContext, cfg *model.WorkflowConfiguration, parentTitle, parentBody string) (map[string]model.SubIssueRef, error) {
	tok, err := o.token()
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var order []string
	for _, status := range cfg.StatusNames.Ordered() {
		for _, slug := range cfg.AgentSlugsForStatus(status) {
			if seen[slug] {
				continue
			}
			seen[slug] = true
			order = append(order, slug)
		}
	}

	refs := make(map[string]model.SubIssueRef, len(order))
	for _, slug := range order {
		subBody, err := renderSubIssueBody(ic.IssueNumber, slug, parentTitle, parentBody)
		if err != nil {
			return refs, err
		}
		title := fmt.Sprintf("%s: %s", slug, parentTitle)

		cctx, cancel := withCallTimeout(ctx)
		ref, err := o.platform.CreateSubIssue(cctx, tok, ic.RepoOwner, ic.RepoName, ic.IssueNumber, title, subBody, nil)
		cancel()
		if err != nil {
			return refs, pkgerrors.Wrapf(err, "create sub-issue for agent %q", slug)
		}

		if ic.ProjectID != "" {
			gctx, cancel := context.WithTimeout(ctx, graphqlCallTimeout)
			if _, err := o.platform.AddIssueToProject(gctx, tok, ic.ProjectID, ref.NodeID); err != nil {
				o.logger.Warn("failed to add sub-issue to project", "slug", slug, "error", err.Error())
			}
			cancel()
		}

		refs[slug] = model.SubIssueRef{Number: ref.Number, NodeID: ref.NodeID, URL: ref.URL}
	}

	o.pipes.SetIssueSubIssues(ic.IssueNumber, refs)
	return refs, nil
}

// AssignAgentForStatus is the central assignment policy (§4.5.5).
func (o *Orchestrator) AssignAgentForStatus(ctx context.Context, ic *IssueContext, cfg *model.WorkflowConfiguration, status string, agentIndex int) (bool, error) {
	lock := o.lockIssue(ic.IssueNumber)
	lock.Lock()
	slugs := cfg.AgentSlugsForStatus(status)
	if agentIndex < 0 || agentIndex >= len(slugs) {
		lock.Unlock()
		return true, nil // nothing to do
	}
	slug := slugs[agentIndex]
	state := o.pipes.GetPipelineState(ic.IssueNumber)
	mainBranch, hasMainBranch := o.pipes.GetIssueMainBranch(ic.IssueNumber)
	subIssues := o.pipes.GetIssueSubIssues(ic.IssueNumber)
	lock.Unlock()

	tok, err := o.token()
	if err != nil {
		return false, err
	}

	baseRef, err := o.resolveBaseRef(ctx, tok, ic, &mainBranch, hasMainBranch)
	if err != nil {
		return false, err
	}

	targetNumber, targetOwner, targetRepo := ic.IssueNumber, ic.RepoOwner, ic.RepoName
	if ref, ok := subIssues[slug]; ok {
		targetNumber = ref.Number
	} else {
		o.logger.Warn("no sub-issue mapped for agent, assigning against parent", "slug", slug, "issue_number", ic.IssueNumber)
	}

	cctx, cancel := withCallTimeout(ctx)
	targetIssue, err := o.platform.GetIssueWithComments(cctx, tok, targetOwner, targetRepo, targetNumber)
	cancel()
	if err != nil {
		return false, pkgerrors.Wrap(err, "load target issue for agent instructions")
	}

	var mbPtr *model.MainBranchInfo
	if hasMainBranch {
		mbPtr = &mainBranch
	}
	instructions, err := renderAgentInstructions(targetIssue, mbPtr)
	if err != nil {
		return false, err
	}

	grace := time.Duration(cfg.AssignmentGracePeriodSeconds) * time.Second
	if o.pendingActive(ic.IssueNumber, slug, grace) {
		o.logger.Debug("assignment already in flight, skipping", "issue_number", ic.IssueNumber, "slug", slug)
		return true, nil
	}
	if !o.recoveryAllowed(ic.IssueNumber, grace) {
		o.logger.Debug("recovery cooldown active, skipping", "issue_number", ic.IssueNumber, "slug", slug)
		return true, nil
	}
	o.markPending(ic.IssueNumber, slug)
	o.markRecoveryAttempt(ic.IssueNumber)

	ok, assignErr := o.assignWithRetry(ctx, tok, ic, cfg, targetIssue.NodeID, targetNumber, baseRef, slug, instructions)
	if assignErr != nil || !ok {
		o.clearPending(ic.IssueNumber, slug)
		o.recordTransition(ctx, model.WorkflowTransition{
			IssueID: ic.IssueID, ProjectID: ic.ProjectID, FromStatus: status, ToStatus: status,
			TriggeredBy: model.TriggeredAutomatic, Success: false,
			Error: errString(assignErr),
		})
		return false, assignErr
	}
	o.markRecoveryAttempt(ic.IssueNumber)

	body, _, err := o.markRowActiveAndRoute(ctx, tok, ic, targetNumber, slug)
	if err != nil {
		o.logger.Warn("failed to update tracking table/labels after assignment", "slug", slug, "error", err.Error())
	}
	_ = body

	lock.Lock()
	if state == nil {
		state = &model.PipelineState{IssueNumber: ic.IssueNumber, ProjectID: ic.ProjectID, Status: status, Agents: slugs, StartedAt: o.clock.Now()}
	}
	state.CurrentAgentIndex = agentIndex
	state.AgentAssignedSHA = mainBranch.HeadSHA
	if state.AgentSubIssues == nil {
		state.AgentSubIssues = make(map[string]model.SubIssueRef)
	}
	for k, v := range subIssues {
		state.AgentSubIssues[k] = v
	}
	o.pipes.SetPipelineState(ic.IssueNumber, *state)
	lock.Unlock()

	o.recordTransition(ctx, model.WorkflowTransition{
		IssueID: ic.IssueID, ProjectID: ic.ProjectID, FromStatus: status, ToStatus: status,
		TriggeredBy: model.TriggeredAutomatic, Success: true, AssignedUser: "agent:" + slug,
	})
	return true, nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// resolveBaseRef implements §4.5.5 step 2: branch-lineage base-ref
// selection.
func (o *Orchestrator) resolveBaseRef(ctx context.Context, tok string, ic *IssueContext, mainBranch *model.MainBranchInfo, hasMainBranch bool) (string, error) {
	if hasMainBranch {
		cctx, cancel := withCallTimeout(ctx)
		pr, err := o.platform.GetPullRequest(cctx, tok, ic.RepoOwner, ic.RepoName, mainBranch.PRNumber)
		cancel()
		if err == nil {
			o.pipes.UpdateIssueMainBranchSHA(ic.IssueNumber, pr.LastCommit.SHA)
		}
		return mainBranch.Branch, nil
	}

	cctx, cancel := withCallTimeout(ctx)
	existing, err := o.platform.FindExistingPRForIssue(cctx, tok, ic.RepoOwner, ic.RepoName, ic.IssueNumber)
	cancel()
	if err != nil {
		return "", pkgerrors.Wrap(err, "find existing pr for issue")
	}
	if existing != nil {
		info := model.MainBranchInfo{Branch: existing.HeadRef, PRNumber: existing.Number, HeadSHA: existing.LastCommit.SHA}
		o.pipes.SetIssueMainBranch(ic.IssueNumber, info)

		cctx, cancel := withCallTimeout(ctx)
		if err := o.platform.LinkPullRequestToIssue(cctx, tok, ic.RepoOwner, ic.RepoName, existing.Number, ic.IssueNumber); err != nil {
			o.logger.Warn("failed to link existing pr to issue", "error", err.Error())
		}
		cancel()
	}
	return "main", nil
}

// assignWithRetry calls AssignAgentToIssue up to MaxAssignmentRetries
// times, waiting base, then 2*base, ... between attempts (3s then 6s with
// the default 3 attempts and 3s base). Only retryable errors are retried;
// a false result without an error is returned at once.
func (o *Orchestrator) assignWithRetry(ctx context.Context, tok string, ic *IssueContext, cfg *model.WorkflowConfiguration, issueNodeID string, issueNumber int, baseRef, slug, instructions string) (bool, error) {
	baseDelay := time.Duration(cfg.AssignmentRetryBaseDelaySeconds) * time.Second
	var lastErr error
	for attempt := 0; attempt < cfg.MaxAssignmentRetries; attempt++ {
		if attempt > 0 {
			delay := baseDelay * time.Duration(1<<(attempt-1))
			select {
			case <-ctx.Done():
				return false, ctx.Err()
			case <-time.After(delay):
			}
		}
		cctx, cancel := withCallTimeout(ctx)
		ok, err := o.platform.AssignAgentToIssue(cctx, tok, ic.RepoOwner, ic.RepoName, issueNodeID, issueNumber, baseRef, slug, instructions)
		cancel()
		if err == nil {
			return ok, nil
		}
		lastErr = err
		if !platform.IsRetryable(err) {
			return false, err
		}
	}
	return false, lastErr
}

// markRowActiveAndRoute marks the tracking-table row active in the parent
// issue body and adds the in-progress label to the target issue (§4.5.5
// step 6). It does not change the sub-issue's project status.
func (o *Orchestrator) markRowActiveAndRoute(ctx context.Context, tok string, ic *IssueContext, targetNumber int, slug string) (string, bool, error) {
	cctx, cancel := withCallTimeout(ctx)
	issue, err := o.platform.GetIssueWithComments(cctx, tok, ic.RepoOwner, ic.RepoName, ic.IssueNumber)
	cancel()
	if err != nil {
		return "", false, err
	}
	marked := trackingtable.Mark(issue.Body, slug, model.AgentActive)
	if marked != issue.Body {
		cctx, cancel := withCallTimeout(ctx)
		err = o.platform.UpdateIssueBody(cctx, tok, ic.RepoOwner, ic.RepoName, ic.IssueNumber, marked)
		cancel()
		if err != nil {
			return marked, false, err
		}
	}

	cctx, cancel = withCallTimeout(ctx)
	_ = o.platform.UpdateIssueState(cctx, tok, ic.RepoOwner, ic.RepoName, targetNumber, "open", []string{"in-progress"})
	cancel()
	return marked, true, nil
}

// HandleReadyStatus assigns the first In Progress agent and advances the
// project status, falling back to a human assignee on failure if one is
// configured (§4.5.6).
func (o *Orchestrator) HandleReadyStatus(ctx context.Context, ic *IssueContext, cfg *model.WorkflowConfiguration) error {
	ok, err := o.AssignAgentForStatus(ctx, ic, cfg, cfg.StatusNames.InProgress, 0)
	if err != nil || !ok {
		if cfg.CopilotAssignee != "" {
			tok, tokErr := o.token()
			if tokErr == nil {
				cctx, cancel := withCallTimeout(ctx)
				valid, vErr := o.platform.ValidateAssignee(cctx, tok, ic.RepoOwner, ic.RepoName, cfg.CopilotAssignee)
				cancel()
				if vErr == nil && valid {
					cctx, cancel := withCallTimeout(ctx)
					_ = o.platform.AssignIssue(cctx, tok, ic.RepoOwner, ic.RepoName, ic.IssueNumber, cfg.CopilotAssignee)
					cancel()
				}
			}
		}
	}

	tok, tokErr := o.token()
	if tokErr != nil {
		return tokErr
	}
	gctx, cancel := context.WithTimeout(ctx, graphqlCallTimeout)
	defer cancel()
	return o.platform.UpdateItemStatusByName(gctx, tok, ic.ProjectID, ic.ProjectItemID, cfg.StatusNames.InProgress)
}

// HandleInProgressStatus observes PR completion and routes to review
// (§4.5.7).
func (o *Orchestrator) HandleInProgressStatus(ctx context.Context, ic *IssueContext, cfg *model.WorkflowConfiguration) error {
	tok, err := o.token()
	if err != nil {
		return err
	}

	cctx, cancel := withCallTimeout(ctx)
	completion, err := o.platform.CheckAgentPRCompletion(cctx, tok, ic.RepoOwner, ic.RepoName, ic.IssueNumber, cfg.AgentBotLogin)
	cancel()
	if err != nil {
		return pkgerrors.Wrap(err, "check agent pr completion")
	}
	if completion == nil || !completion.AgentFinished {
		return nil
	}

	if completion.IsDraft {
		cctx, cancel := withCallTimeout(ctx)
		err := o.platform.MarkPullRequestReadyForReview(cctx, tok, ic.RepoOwner, ic.RepoName, completion.Number)
		cancel()
		if err != nil {
			return pkgerrors.Wrap(err, "mark pr ready for review")
		}
	}

	if _, hasMainBranch := o.pipes.GetIssueMainBranch(ic.IssueNumber); hasMainBranch {
		implSlug := implementationAgentSlug(cfg)
		if implSlug != "" {
			if _, err := o.MergeChildPRIfApplicable(ctx, ic, cfg, implSlug); err != nil {
				o.logger.Warn("child pr merge attempt failed", "error", err.Error())
			}
		}
	}

	gctx, cancel := context.WithTimeout(ctx, graphqlCallTimeout)
	err = o.platform.UpdateItemStatusByName(gctx, tok, ic.ProjectID, ic.ProjectItemID, cfg.StatusNames.InReview)
	cancel()
	if err != nil {
		return pkgerrors.Wrap(err, "set project status to in review")
	}

	reviewer := cfg.ReviewAssignee
	if reviewer == "" {
		cctx, cancel := withCallTimeout(ctx)
		owner, err := o.platform.GetRepositoryOwner(cctx, tok, ic.RepoOwner, ic.RepoName)
		cancel()
		if err == nil {
			reviewer = owner
		}
	}
	if reviewer != "" {
		cctx, cancel := withCallTimeout(ctx)
		_ = o.platform.AssignIssue(cctx, tok, ic.RepoOwner, ic.RepoName, ic.IssueNumber, reviewer)
		cancel()
	}

	cctx, cancel = withCallTimeout(ctx)
	err = o.platform.RequestAgentReview(cctx, tok, ic.RepoOwner, ic.RepoName, completion.Number, cfg.AgentBotLogin)
	cancel()
	return pkgerrors.Wrap(err, "request agent review")
}

// implementationAgentSlug returns the agent slug configured for the In
// Progress status's position (by configured slug/position, never a
// hardcoded literal -- Open Question resolution, DESIGN.md).
func implementationAgentSlug(cfg *model.WorkflowConfiguration) string {
	slugs := cfg.AgentSlugsForStatus(cfg.StatusNames.InProgress)
	if len(slugs) == 0 {
		return ""
	}
	return slugs[len(slugs)-1]
}

// DetectCompletionSignal reports whether an issue is closed or carries the
// configured completion label (§4.5.8).
func (o *Orchestrator) DetectCompletionSignal(ctx context.Context, ic *IssueContext, cfg *model.WorkflowConfiguration, issueState string, labels []string) bool {
	if strings.EqualFold(issueState, "closed") {
		return true
	}
	for _, l := range labels {
		if strings.EqualFold(l, cfg.CompletionLabel) {
			return true
		}
	}
	return false
}

// MergeChildPRIfApplicable implements §4.5.9: merges the agent's child PR
// into the issue's main branch, deletes the head branch, and advances
// MainBranchInfo.head_sha to the merge commit.
func (o *Orchestrator) MergeChildPRIfApplicable(ctx context.Context, ic *IssueContext, cfg *model.WorkflowConfiguration, slug string) (*platform.MergeResult, error) {
	mainBranch, ok := o.pipes.GetIssueMainBranch(ic.IssueNumber)
	if !ok {
		return nil, nil
	}

	tok, err := o.token()
	if err != nil {
		return nil, err
	}

	cctx, cancel := withCallTimeout(ctx)
	linked, err := o.platform.ListLinkedPullRequests(cctx, tok, ic.RepoOwner, ic.RepoName, ic.IssueNumber)
	cancel()
	if err != nil {
		return nil, pkgerrors.Wrap(err, "list linked pull requests for merge")
	}

	var candidate *platform.PullRequest
	for i := range linked {
		pr := &linked[i]
		if pr.Number == mainBranch.PRNumber {
			continue
		}
		if !strings.Contains(strings.ToLower(pr.AuthorLogin), strings.ToLower(cfg.AgentBotLogin)) {
			continue
		}
		if pr.State != "open" {
			continue
		}
		if pr.BaseRef != mainBranch.Branch {
			continue
		}
		candidate = pr
		break
	}
	if candidate == nil {
		return nil, nil
	}

	if candidate.IsDraft {
		cctx, cancel := withCallTimeout(ctx)
		err := o.platform.MarkPullRequestReadyForReview(cctx, tok, ic.RepoOwner, ic.RepoName, candidate.Number)
		cancel()
		if err != nil {
			return nil, pkgerrors.Wrap(err, "mark child pr ready before merge")
		}
	}

	headline := fmt.Sprintf("Merge %s changes into %s", slug, mainBranch.Branch)
	cctx, cancel = withCallTimeout(ctx)
	result, err := o.platform.MergePullRequest(cctx, tok, ic.RepoOwner, ic.RepoName, candidate.Number, platform.MergeSquash, headline)
	cancel()
	if err != nil {
		return nil, pkgerrors.Wrap(err, "merge child pr")
	}

	cctx, cancel = withCallTimeout(ctx)
	if err := o.platform.DeleteBranch(cctx, tok, ic.RepoOwner, ic.RepoName, candidate.HeadRef); err != nil {
		o.logger.Warn("failed to delete merged child branch", "branch", candidate.HeadRef, "error", err.Error())
	}
	cancel()

	o.pipes.UpdateIssueMainBranchSHA(ic.IssueNumber, result.MergeCommitSHA)
	return result, nil
}

// ExecuteFullWorkflow runs the end-to-end happy path from a confirmed
// recommendation (§4.5.10).
func (o *Orchestrator) ExecuteFullWorkflow(ctx context.Context, repoOwner, repoName, projectID, originalRequest string, rec model.IssueRecommendation, cfg *model.WorkflowConfiguration) model.WorkflowResult {
	body, err := o.FormatIssueBody(originalRequest, rec, cfg)
	if err != nil {
		return model.WorkflowResult{Success: false, Message: err.Error()}
	}

	ic, err := o.CreateIssueFromRecommendation(ctx, repoOwner, repoName, rec, body)
	if err != nil {
		return model.WorkflowResult{Success: false, Message: err.Error()}
	}

	if err := o.AddToProjectWithBacklog(ctx, ic, projectID, cfg, &rec); err != nil {
		return model.WorkflowResult{Success: false, IssueID: ic.IssueID, IssueNumber: ic.IssueNumber, IssueURL: ic.IssueURL, Message: err.Error()}
	}

	startStatus := cfg.StatusNames.Backlog
	if len(cfg.AgentSlugsForStatus(startStatus)) == 0 {
		if next := cfg.FindNextActionableStatus(startStatus); next != "" {
			startStatus = next
		}
	}
	if startStatus != cfg.StatusNames.Backlog {
		tok, tokErr := o.token()
		if tokErr == nil {
			gctx, cancel := context.WithTimeout(ctx, graphqlCallTimeout)
			_ = o.platform.UpdateItemStatusByName(gctx, tok, projectID, ic.ProjectItemID, startStatus)
			cancel()
		}
	}

	refs, err := o.CreateAllSubIssues(ctx, ic, cfg, rec.Title, body)
	if err != nil {
		return model.WorkflowResult{Success: false, IssueID: ic.IssueID, IssueNumber: ic.IssueNumber, IssueURL: ic.IssueURL, Message: err.Error()}
	}

	slugs := cfg.AgentSlugsForStatus(startStatus)
	o.pipes.SetPipelineState(ic.IssueNumber, model.PipelineState{
		IssueNumber:    ic.IssueNumber,
		ProjectID:      projectID,
		Status:         startStatus,
		Agents:         slugs,
		StartedAt:      o.clock.Now(),
		AgentSubIssues: refs,
	})

	if ok, err := o.AssignAgentForStatus(ctx, ic, cfg, startStatus, 0); err != nil || !ok {
		msg := "agent assignment did not succeed"
		if err != nil {
			msg = err.Error()
		}
		return model.WorkflowResult{
			Success: false, IssueID: ic.IssueID, IssueNumber: ic.IssueNumber, IssueURL: ic.IssueURL,
			ProjectItemID: ic.ProjectItemID, CurrentStatus: startStatus, Message: msg,
		}
	}

	return model.WorkflowResult{
		Success: true, IssueID: ic.IssueID, IssueNumber: ic.IssueNumber, IssueURL: ic.IssueURL,
		ProjectItemID: ic.ProjectItemID, CurrentStatus: startStatus,
	}
}
