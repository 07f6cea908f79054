package orchestrator

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgeflow/orchestrator/internal/clock"
	"github.com/forgeflow/orchestrator/internal/model"
	"github.com/forgeflow/orchestrator/internal/pipelinestate"
	"github.com/forgeflow/orchestrator/internal/platform"
	"github.com/forgeflow/orchestrator/internal/translog"
	"github.com/forgeflow/orchestrator/internal/workflowconfig"
)

// fakePlatform is a hand-written platform.Client test double, following the
// teacher's NewClientWithGitHub injection-seam philosophy: production code
// depends on the interface, tests supply a minimal fake rather than a mock
// framework.
type fakePlatform struct {
	nextIssueNumber int
	issues          map[int]*platform.IssueWithComments
	projectItems    []platform.ProjectItem
	statusByItem    map[string]string
	existingPR      *platform.PullRequest
	completion      *platform.AgentPRCompletion
	assignOK        bool
	assignErr       error
	assignCalls     int
}

func newFakePlatform() *fakePlatform {
	return &fakePlatform{
		nextIssueNumber: 100,
		issues:          make(map[int]*platform.IssueWithComments),
		statusByItem:    make(map[string]string),
		assignOK:        true,
	}
}

func (f *fakePlatform) CreateIssue(ctx context.Context, token, owner, repo, title, body string, labels []string) (*platform.IssueRef, error) {
	f.nextIssueNumber++
	n := f.nextIssueNumber
	f.issues[n] = &platform.IssueWithComments{Title: title, Body: body, NodeID: fmt.Sprintf("node-%d", n), Number: n}
	return &platform.IssueRef{Number: n, NodeID: fmt.Sprintf("node-%d", n), URL: fmt.Sprintf("https://example.test/issues/%d", n)}, nil
}

func (f *fakePlatform) GetIssueWithComments(ctx context.Context, token, owner, repo string, number int) (*platform.IssueWithComments, error) {
	issue, ok := f.issues[number]
	if !ok {
		return nil, model.ErrNotFound
	}
	return issue, nil
}

func (f *fakePlatform) UpdateIssueBody(ctx context.Context, token, owner, repo string, number int, body string) error {
	if issue, ok := f.issues[number]; ok {
		issue.Body = body
	}
	return nil
}

func (f *fakePlatform) CreateIssueComment(ctx context.Context, token, owner, repo string, number int, body string) error {
	if issue, ok := f.issues[number]; ok {
		issue.Comments = append(issue.Comments, platform.IssueComment{Author: "bot", Body: body, CreatedAt: time.Now()})
	}
	return nil
}

func (f *fakePlatform) CreateSubIssue(ctx context.Context, token, owner, repo string, parentNumber int, title, body string, labels []string) (*platform.IssueRef, error) {
	return f.CreateIssue(ctx, token, owner, repo, title, body, labels)
}

func (f *fakePlatform) UpdateIssueState(ctx context.Context, token, owner, repo string, number int, state string, labelsAdd []string) error {
	return nil
}

func (f *fakePlatform) AddIssueToProject(ctx context.Context, token, projectID, issueNodeID string) (string, error) {
	return "item-" + issueNodeID, nil
}

func (f *fakePlatform) UpdateItemStatusByName(ctx context.Context, token, projectID, itemID, statusName string) error {
	f.statusByItem[itemID] = statusName
	return nil
}

func (f *fakePlatform) SetIssueMetadata(ctx context.Context, token, projectID, itemID string, metadata model.RecommendationMetadata) error {
	return nil
}

func (f *fakePlatform) GetProjectItems(ctx context.Context, token, projectID string) ([]platform.ProjectItem, error) {
	return f.projectItems, nil
}

func (f *fakePlatform) GetProjectRepository(ctx context.Context, token, projectID string) (string, string, error) {
	return "acme", "widgets", nil
}

func (f *fakePlatform) FindExistingPRForIssue(ctx context.Context, token, owner, repo string, issueNumber int) (*platform.PullRequest, error) {
	return f.existingPR, nil
}

func (f *fakePlatform) GetPullRequest(ctx context.Context, token, owner, repo string, number int) (*platform.PullRequest, error) {
	return &platform.PullRequest{Number: number, State: "open", LastCommit: platform.LastCommit{SHA: "sha-" + fmt.Sprint(number)}}, nil
}

func (f *fakePlatform) GetPRChangedFiles(ctx context.Context, token, owner, repo string, number int) ([]platform.ChangedFile, error) {
	return nil, nil
}

func (f *fakePlatform) GetFileContentFromRef(ctx context.Context, token, owner, repo, ref, path string) (string, error) {
	return "", nil
}

func (f *fakePlatform) GetPRTimelineEvents(ctx context.Context, token, owner, repo string, number int) ([]platform.TimelineEvent, error) {
	return nil, nil
}

func (f *fakePlatform) MarkPullRequestReadyForReview(ctx context.Context, token, owner, repo string, number int) error {
	return nil
}

func (f *fakePlatform) MergePullRequest(ctx context.Context, token, owner, repo string, number int, method platform.MergeMethod, headline string) (*platform.MergeResult, error) {
	return &platform.MergeResult{MergeCommitSHA: "merged-sha"}, nil
}

func (f *fakePlatform) DeleteBranch(ctx context.Context, token, owner, repo, branch string) error {
	return nil
}

func (f *fakePlatform) LinkPullRequestToIssue(ctx context.Context, token, owner, repo string, prNumber, issueNumber int) error {
	return nil
}

func (f *fakePlatform) ListLinkedPullRequests(ctx context.Context, token, owner, repo string, issueNumber int) ([]platform.PullRequest, error) {
	return nil, nil
}

func (f *fakePlatform) CheckAgentPRCompletion(ctx context.Context, token, owner, repo string, issueNumber int, agentBotLogin string) (*platform.AgentPRCompletion, error) {
	return f.completion, nil
}

func (f *fakePlatform) AssignAgentToIssue(ctx context.Context, token, owner, repo, issueNodeID string, issueNumber int, baseRef, customAgent, customInstructions string) (bool, error) {
	f.assignCalls++
	if f.assignErr != nil {
		return false, f.assignErr
	}
	return f.assignOK, nil
}

func (f *fakePlatform) RequestAgentReview(ctx context.Context, token, owner, repo string, prNumber int, agentBotLogin string) error {
	return nil
}

func (f *fakePlatform) HasAgentReviewedPR(ctx context.Context, token, owner, repo string, prNumber int, agentBotLogin string) (bool, error) {
	return false, nil
}

func (f *fakePlatform) ValidateAssignee(ctx context.Context, token, owner, repo, login string) (bool, error) {
	return true, nil
}

func (f *fakePlatform) AssignIssue(ctx context.Context, token, owner, repo string, number int, login string) error {
	return nil
}

func (f *fakePlatform) GetRepositoryOwner(ctx context.Context, token, owner, repo string) (string, error) {
	return "acme-owner", nil
}

var _ platform.Client = (*fakePlatform)(nil)

func testConfig() *model.WorkflowConfiguration {
	cfg := &model.WorkflowConfiguration{
		ProjectID: "PVT_1",
		RepoOwner: "acme",
		RepoName:  "widgets",
		AgentMappings: map[string][]model.AgentAssignment{
			"Backlog":     {{Slug: "speckit.specify"}},
			"Ready":       {{Slug: "speckit.plan"}, {Slug: "speckit.tasks"}},
			"In Progress": {{Slug: "speckit.implement"}},
		},
	}
	cfg.ApplyDefaults()
	return cfg
}

func testOrchestrator(t *testing.T) (*Orchestrator, *fakePlatform) {
	t.Helper()
	fp := newFakePlatform()
	pipes := pipelinestate.New()
	cfgStore, err := workflowconfig.Open(":memory:", clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)))
	require.NoError(t, err)
	t.Cleanup(func() { cfgStore.Close() })
	tlog := translog.New(clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)))
	fake := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	o := New(fp, StaticToken("tok"), pipes, cfgStore, tlog, fake)
	return o, fp
}

func testRecommendation() model.IssueRecommendation {
	return model.IssueRecommendation{
		Title:                  "Add dark mode",
		UserStory:              "As a user, I want dark mode so my eyes don't hurt at night.",
		FunctionalRequirements: []string{"Add a toggle", "Persist the preference"},
		Metadata:               model.RecommendationMetadata{Priority: model.PriorityP1, Size: model.SizeM},
	}
}

func TestFormatIssueBodyIncludesTrackingTable(t *testing.T) {
	o, _ := testOrchestrator(t)
	body, err := o.FormatIssueBody("add dark mode please", testRecommendation(), testConfig())
	require.NoError(t, err)
	assert.Contains(t, body, "Add a toggle")
	assert.Contains(t, body, "Agent Pipeline")
	assert.Contains(t, body, "speckit.specify")
}

func TestCreateIssueFromRecommendationReturnsIssueContext(t *testing.T) {
	o, _ := testOrchestrator(t)
	ic, err := o.CreateIssueFromRecommendation(context.Background(), "acme", "widgets", testRecommendation(), "body")
	require.NoError(t, err)
	assert.NotZero(t, ic.IssueNumber)
	assert.NotEmpty(t, ic.IssueID)
}

func TestAddToProjectWithBacklogSetsBacklogStatus(t *testing.T) {
	o, fp := testOrchestrator(t)
	cfg := testConfig()
	ic, err := o.CreateIssueFromRecommendation(context.Background(), "acme", "widgets", testRecommendation(), "body")
	require.NoError(t, err)

	rec := testRecommendation()
	err = o.AddToProjectWithBacklog(context.Background(), ic, cfg.ProjectID, cfg, &rec)
	require.NoError(t, err)
	assert.Equal(t, cfg.StatusNames.Backlog, fp.statusByItem[ic.ProjectItemID])
}

func TestCreateAllSubIssuesCreatesOnePerUniqueSlug(t *testing.T) {
	o, _ := testOrchestrator(t)
	cfg := testConfig()
	ic, err := o.CreateIssueFromRecommendation(context.Background(), "acme", "widgets", testRecommendation(), "body")
	require.NoError(t, err)

	refs, err := o.CreateAllSubIssues(context.Background(), ic, cfg, "Add dark mode", "body")
	require.NoError(t, err)
	assert.Len(t, refs, 4) // specify, plan, tasks, implement
	assert.Contains(t, refs, "speckit.specify")
	assert.Contains(t, refs, "speckit.implement")
}

func TestAssignAgentForStatusAssignsAndRecordsTransition(t *testing.T) {
	o, fp := testOrchestrator(t)
	cfg := testConfig()
	ic, err := o.CreateIssueFromRecommendation(context.Background(), "acme", "widgets", testRecommendation(), "body")
	require.NoError(t, err)
	refs, err := o.CreateAllSubIssues(context.Background(), ic, cfg, "Add dark mode", "body")
	require.NoError(t, err)
	_ = refs

	ok, err := o.AssignAgentForStatus(context.Background(), ic, cfg, cfg.StatusNames.Backlog, 0)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, fp.assignCalls)

	transitions := o.GetTransitions(ic.IssueID, 0)
	require.Len(t, transitions, 1)
	assert.True(t, transitions[0].Success)
}

func TestAssignAgentForStatusIsIdempotentWithinGracePeriod(t *testing.T) {
	o, fp := testOrchestrator(t)
	cfg := testConfig()
	ic, err := o.CreateIssueFromRecommendation(context.Background(), "acme", "widgets", testRecommendation(), "body")
	require.NoError(t, err)
	_, err = o.CreateAllSubIssues(context.Background(), ic, cfg, "Add dark mode", "body")
	require.NoError(t, err)

	_, err = o.AssignAgentForStatus(context.Background(), ic, cfg, cfg.StatusNames.Backlog, 0)
	require.NoError(t, err)
	_, err = o.AssignAgentForStatus(context.Background(), ic, cfg, cfg.StatusNames.Backlog, 0)
	require.NoError(t, err)

	assert.Equal(t, 1, fp.assignCalls, "second call within the grace period should be a no-op")
}

func TestExecuteFullWorkflowHappyPath(t *testing.T) {
	o, _ := testOrchestrator(t)
	cfg := testConfig()

	result := o.ExecuteFullWorkflow(context.Background(), "acme", "widgets", cfg.ProjectID, "add dark mode", testRecommendation(), cfg)
	assert.True(t, result.Success)
	assert.NotZero(t, result.IssueNumber)
	assert.NotEmpty(t, result.CurrentStatus)
}

func TestExecuteFullWorkflowSurfacesAssignmentFailure(t *testing.T) {
	o, fp := testOrchestrator(t)
	cfg := testConfig()
	fp.assignOK = false

	result := o.ExecuteFullWorkflow(context.Background(), "acme", "widgets", cfg.ProjectID, "add dark mode", testRecommendation(), cfg)
	assert.False(t, result.Success)
	assert.NotEmpty(t, result.Message)
}
