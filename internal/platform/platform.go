// Package platform is the typed wrapper over the forge's REST + GraphQL
// APIs: issues, comments, PRs, timelines, branches, project-board fields,
// and AI-agent assignment. It is stateless and accepts a bearer token per
// call; policy about *when* to call these lives in internal/orchestrator.
//
// Grounded on the plugin's server/ghclient/client.go: REST-first with a
// raw-GraphQL-POST fallback for operations the REST API can't express.
package platform

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/go-github/v68/github"
	pkgerrors "github.com/pkg/errors"

	"github.com/forgeflow/orchestrator/internal/model"
)

// Logger is the minimal debug-logging seam, decoupling this package from a
// concrete slog handler the way the plugin's ghclient/cursor packages
// decouple from Logger interfaces.
type Logger interface {
	Debug(msg string, keyValuePairs ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}

// IssueRef identifies a created issue.
type IssueRef struct {
	Number int
	NodeID string
	URL    string
}

// Client is the full Platform Client surface (SPEC_FULL.md §4.1).
type Client interface {
	// Issues & comments.
	CreateIssue(ctx context.Context, token, owner, repo, title, body string, labels []string) (*IssueRef, error)
	GetIssueWithComments(ctx context.Context, token, owner, repo string, number int) (*IssueWithComments, error)
	UpdateIssueBody(ctx context.Context, token, owner, repo string, number int, body string) error
	CreateIssueComment(ctx context.Context, token, owner, repo string, number int, body string) error
	CreateSubIssue(ctx context.Context, token, owner, repo string, parentNumber int, title, body string, labels []string) (*IssueRef, error)
	UpdateIssueState(ctx context.Context, token, owner, repo string, number int, state string, labelsAdd []string) error

	// Projects & fields.
	AddIssueToProject(ctx context.Context, token, projectID, issueNodeID string) (itemID string, err error)
	UpdateItemStatusByName(ctx context.Context, token, projectID, itemID, statusName string) error
	SetIssueMetadata(ctx context.Context, token, projectID, itemID string, metadata model.RecommendationMetadata) error
	GetProjectItems(ctx context.Context, token, projectID string) ([]ProjectItem, error)
	GetProjectRepository(ctx context.Context, token, projectID string) (owner, repo string, err error)

	// PRs & branches.
	FindExistingPRForIssue(ctx context.Context, token, owner, repo string, issueNumber int) (*PullRequest, error)
	GetPullRequest(ctx context.Context, token, owner, repo string, number int) (*PullRequest, error)
	GetPRChangedFiles(ctx context.Context, token, owner, repo string, number int) ([]ChangedFile, error)
	GetFileContentFromRef(ctx context.Context, token, owner, repo, ref, path string) (string, error)
	GetPRTimelineEvents(ctx context.Context, token, owner, repo string, number int) ([]TimelineEvent, error)
	MarkPullRequestReadyForReview(ctx context.Context, token, owner, repo string, number int) error
	MergePullRequest(ctx context.Context, token, owner, repo string, number int, method MergeMethod, headline string) (*MergeResult, error)
	DeleteBranch(ctx context.Context, token, owner, repo, branch string) error
	LinkPullRequestToIssue(ctx context.Context, token, owner, repo string, prNumber, issueNumber int) error
	ListLinkedPullRequests(ctx context.Context, token, owner, repo string, issueNumber int) ([]PullRequest, error)
	CheckAgentPRCompletion(ctx context.Context, token, owner, repo string, issueNumber int, agentBotLogin string) (*AgentPRCompletion, error)

	// AI-agent assignment.
	AssignAgentToIssue(ctx context.Context, token, owner, repo string, issueNodeID string, issueNumber int, baseRef, customAgent, customInstructions string) (bool, error)

	// Review routing.
	RequestAgentReview(ctx context.Context, token, owner, repo string, prNumber int, agentBotLogin string) error
	HasAgentReviewedPR(ctx context.Context, token, owner, repo string, prNumber int, agentBotLogin string) (bool, error)
	ValidateAssignee(ctx context.Context, token, owner, repo, login string) (bool, error)
	AssignIssue(ctx context.Context, token, owner, repo string, number int, login string) error
	GetRepositoryOwner(ctx context.Context, token, owner, repo string) (string, error)
}

type clientImpl struct {
	newGH     func(token string) *github.Client
	graphqlURL string
	logger    Logger
}

// Option configures the Platform Client.
type Option func(*clientImpl)

// WithLogger attaches a debug logger.
func WithLogger(l Logger) Option {
	return func(c *clientImpl) { c.logger = l }
}

// WithGraphQLURL overrides the default GraphQL endpoint, used by tests
// pointing at an httptest server.
func WithGraphQLURL(url string) Option {
	return func(c *clientImpl) { c.graphqlURL = url }
}

// New constructs a Platform Client. Each call is authenticated per-token
// (see AccessTokenProvider, SPEC_FULL.md §6); the underlying *github.Client
// is rebuilt per call from a fresh token rather than cached, since tokens
// may rotate between calls (installation tokens expire hourly).
func New(opts ...Option) Client {
	c := &clientImpl{
		newGH:      func(token string) *github.Client { return github.NewClient(nil).WithAuthToken(token) },
		graphqlURL: "https://api.github.com/graphql",
		logger:     noopLogger{},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// NewWithFactory lets tests inject a *github.Client pointed at an httptest
// server (mirrors the plugin's NewClientWithGitHub test seam).
func NewWithFactory(factory func(token string) *github.Client, opts ...Option) Client {
	c := &clientImpl{newGH: factory, graphqlURL: "https://api.github.com/graphql", logger: noopLogger{}}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *clientImpl) gh(token string) *github.Client { return c.newGH(token) }

func (c *clientImpl) gql(token string) *graphqlTransport {
	return newGraphQLTransport(c.graphqlURL, token, c.logger)
}

// --- Issues & comments ---

func (c *clientImpl) CreateIssue(ctx context.Context, token, owner, repo, title, body string, labels []string) (*IssueRef, error) {
	issue, _, err := c.gh(token).Issues.Create(ctx, owner, repo, &github.IssueRequest{
		Title:  github.Ptr(title),
		Body:   github.Ptr(body),
		Labels: &labels,
	})
	if err != nil {
		return nil, classify("create_issue", err)
	}
	return &IssueRef{Number: issue.GetNumber(), NodeID: issue.GetNodeID(), URL: issue.GetHTMLURL()}, nil
}

func (c *clientImpl) GetIssueWithComments(ctx context.Context, token, owner, repo string, number int) (*IssueWithComments, error) {
	issue, _, err := c.gh(token).Issues.Get(ctx, owner, repo, number)
	if err != nil {
		return nil, classify("get_issue", err)
	}

	var comments []IssueComment
	opts := &github.IssueListCommentsOptions{ListOptions: github.ListOptions{PerPage: 100}}
	for {
		page, resp, err := c.gh(token).Issues.ListComments(ctx, owner, repo, number, opts)
		if err != nil {
			return nil, classify("list_issue_comments", err)
		}
		for _, cm := range page {
			comments = append(comments, IssueComment{
				Author:    cm.GetUser().GetLogin(),
				Body:      cm.GetBody(),
				CreatedAt: cm.GetCreatedAt().Time,
			})
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}

	return &IssueWithComments{
		Title:    issue.GetTitle(),
		Body:     issue.GetBody(),
		NodeID:   issue.GetNodeID(),
		Number:   issue.GetNumber(),
		Comments: comments,
	}, nil
}

func (c *clientImpl) UpdateIssueBody(ctx context.Context, token, owner, repo string, number int, body string) error {
	_, _, err := c.gh(token).Issues.Edit(ctx, owner, repo, number, &github.IssueRequest{Body: github.Ptr(body)})
	return classify("update_issue_body", err)
}

func (c *clientImpl) CreateIssueComment(ctx context.Context, token, owner, repo string, number int, body string) error {
	_, _, err := c.gh(token).Issues.CreateComment(ctx, owner, repo, number, &github.IssueComment{Body: github.Ptr(body)})
	return classify("create_issue_comment", err)
}

// CreateSubIssue uses the forge's native sub-issues REST endpoint, which
// go-github does not yet wrap typed, so it is called via the client's
// generic request/do helpers (same escape hatch the plugin reaches for
// when a newer GitHub surface has no SDK method yet).
func (c *clientImpl) CreateSubIssue(ctx context.Context, token, owner, repo string, parentNumber int, title, body string, labels []string) (*IssueRef, error) {
	gh := c.gh(token)

	created, _, err := gh.Issues.Create(ctx, owner, repo, &github.IssueRequest{
		Title:  github.Ptr(title),
		Body:   github.Ptr(body),
		Labels: &labels,
	})
	if err != nil {
		return nil, classify("create_sub_issue", err)
	}

	path := fmt.Sprintf("repos/%s/%s/issues/%d/sub_issues", owner, repo, parentNumber)
	payload := map[string]any{"sub_issue_id": created.GetID()}
	req, err := gh.NewRequest("POST", path, payload)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "build sub_issues request")
	}
	if _, err := gh.Do(ctx, req, nil); err != nil {
		// The issue was created even if linking it as a sub-issue failed;
		// the caller gets the ref back so it can still be tracked in
		// SubIssueMap, but surfaces the link failure.
		return &IssueRef{Number: created.GetNumber(), NodeID: created.GetNodeID(), URL: created.GetHTMLURL()},
			classify("link_sub_issue", err)
	}

	return &IssueRef{Number: created.GetNumber(), NodeID: created.GetNodeID(), URL: created.GetHTMLURL()}, nil
}

func (c *clientImpl) UpdateIssueState(ctx context.Context, token, owner, repo string, number int, state string, labelsAdd []string) error {
	req := &github.IssueRequest{State: github.Ptr(state)}
	if len(labelsAdd) > 0 {
		req.Labels = &labelsAdd
	}
	_, _, err := c.gh(token).Issues.Edit(ctx, owner, repo, number, req)
	return classify("update_issue_state", err)
}

// --- Projects & fields (Projects-v2 is GraphQL-only on the real forge) ---

func (c *clientImpl) AddIssueToProject(ctx context.Context, token, projectID, issueNodeID string) (string, error) {
	const query = `mutation($project: ID!, $content: ID!) {
		addProjectV2ItemById(input: {projectId: $project, contentId: $content}) {
			item { id }
		}
	}`
	var resp struct {
		AddProjectV2ItemById struct {
			Item struct {
				ID string `json:"id"`
			} `json:"item"`
		} `json:"addProjectV2ItemById"`
	}
	vars := map[string]string{"project": projectID, "content": issueNodeID}
	if err := c.gql(token).do(ctx, token, query, vars, &resp); err != nil {
		return "", err
	}
	return resp.AddProjectV2ItemById.Item.ID, nil
}

func (c *clientImpl) UpdateItemStatusByName(ctx context.Context, token, projectID, itemID, statusName string) error {
	fieldID, optionID, err := c.resolveStatusOption(ctx, token, projectID, statusName)
	if err != nil {
		return err
	}
	const mutation = `mutation($project: ID!, $item: ID!, $field: ID!, $option: String!) {
		updateProjectV2ItemFieldValue(input: {
			projectId: $project, itemId: $item, fieldId: $field,
			value: {singleSelectOptionId: $option}
		}) { projectV2Item { id } }
	}`
	vars := map[string]string{"project": projectID, "item": itemID, "field": fieldID, "option": optionID}
	return c.gql(token).do(ctx, token, mutation, vars, nil)
}

// resolveStatusOption finds the single-select "Status" field and the
// option id matching statusName (case-insensitive), mirroring the original
// Python's case-insensitive status-name handling.
func (c *clientImpl) resolveStatusOption(ctx context.Context, token, projectID, statusName string) (fieldID, optionID string, err error) {
	const query = `query($project: ID!) {
		node(id: $project) {
			... on ProjectV2 {
				fields(first: 50) {
					nodes {
						... on ProjectV2SingleSelectField {
							id
							name
							options { id name }
						}
					}
				}
			}
		}
	}`
	var resp struct {
		Node struct {
			Fields struct {
				Nodes []struct {
					ID      string `json:"id"`
					Name    string `json:"name"`
					Options []struct {
						ID   string `json:"id"`
						Name string `json:"name"`
					} `json:"options"`
				} `json:"nodes"`
			} `json:"fields"`
		} `json:"node"`
	}
	if err := c.gql(token).do(ctx, token, query, map[string]string{"project": projectID}, &resp); err != nil {
		return "", "", err
	}
	for _, f := range resp.Node.Fields.Nodes {
		if !strings.EqualFold(f.Name, "Status") {
			continue
		}
		for _, o := range f.Options {
			if strings.EqualFold(o.Name, statusName) {
				return f.ID, o.ID, nil
			}
		}
	}
	return "", "", pkgerrors.Wrapf(model.ErrPlatformContract, "status option %q not found on project", statusName)
}

func (c *clientImpl) SetIssueMetadata(ctx context.Context, token, projectID, itemID string, metadata model.RecommendationMetadata) error {
	// Best-effort: failures for any one field are logged by the caller and
	// never fatal (SPEC_FULL.md §4.5.3); this method reports the first
	// error but attempts every field.
	var firstErr error
	tryField := func(name, value string) {
		if value == "" {
			return
		}
		if err := c.setTextFieldByName(ctx, token, projectID, itemID, name, value); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	tryField("Priority", string(metadata.Priority))
	tryField("Size", string(metadata.Size))
	if metadata.EstimateHours > 0 {
		tryField("Estimate", strconv.FormatFloat(metadata.EstimateHours, 'f', -1, 64))
	}
	if metadata.StartDate != nil {
		tryField("Start date", metadata.StartDate.Format("2006-01-02"))
	}
	if metadata.TargetDate != nil {
		tryField("Target date", metadata.TargetDate.Format("2006-01-02"))
	}
	return firstErr
}

func (c *clientImpl) setTextFieldByName(ctx context.Context, token, projectID, itemID, fieldName, value string) error {
	fieldID, err := c.findFieldIDByName(ctx, token, projectID, fieldName)
	if err != nil {
		return err
	}
	const mutation = `mutation($project: ID!, $item: ID!, $field: ID!, $text: String!) {
		updateProjectV2ItemFieldValue(input: {
			projectId: $project, itemId: $item, fieldId: $field, value: {text: $text}
		}) { projectV2Item { id } }
	}`
	vars := map[string]string{"project": projectID, "item": itemID, "field": fieldID, "text": value}
	return c.gql(token).do(ctx, token, mutation, vars, nil)
}

func (c *clientImpl) findFieldIDByName(ctx context.Context, token, projectID, fieldName string) (string, error) {
	const query = `query($project: ID!) {
		node(id: $project) {
			... on ProjectV2 {
				fields(first: 50) { nodes { ... on ProjectV2FieldCommon { id name } } }
			}
		}
	}`
	var resp struct {
		Node struct {
			Fields struct {
				Nodes []struct {
					ID   string `json:"id"`
					Name string `json:"name"`
				} `json:"nodes"`
			} `json:"fields"`
		} `json:"node"`
	}
	if err := c.gql(token).do(ctx, token, query, map[string]string{"project": projectID}, &resp); err != nil {
		return "", err
	}
	for _, f := range resp.Node.Fields.Nodes {
		if strings.EqualFold(f.Name, fieldName) {
			return f.ID, nil
		}
	}
	return "", pkgerrors.Wrapf(model.ErrNotFound, "project field %q not found", fieldName)
}

func (c *clientImpl) GetProjectItems(ctx context.Context, token, projectID string) ([]ProjectItem, error) {
	const query = `query($project: ID!, $after: String) {
		node(id: $project) {
			... on ProjectV2 {
				items(first: 100, after: $after) {
					pageInfo { hasNextPage endCursor }
					nodes {
						id
						fieldValueByName(name: "Status") {
							... on ProjectV2ItemFieldSingleSelectValue { name }
						}
						content {
							... on Issue { number id }
						}
					}
				}
			}
		}
	}`
	var items []ProjectItem
	var after *string
	for {
		var resp struct {
			Node struct {
				Items struct {
					PageInfo struct {
						HasNextPage bool   `json:"hasNextPage"`
						EndCursor   string `json:"endCursor"`
					} `json:"pageInfo"`
					Nodes []struct {
						ID              string `json:"id"`
						FieldValueByName struct {
							Name string `json:"name"`
						} `json:"fieldValueByName"`
						Content struct {
							Number int    `json:"number"`
							ID     string `json:"id"`
						} `json:"content"`
					} `json:"nodes"`
				} `json:"items"`
			} `json:"node"`
		}
		vars := map[string]any{"project": projectID, "after": after}
		if err := c.gql(token).do(ctx, token, query, vars, &resp); err != nil {
			return nil, err
		}
		for _, n := range resp.Node.Items.Nodes {
			if n.Content.Number == 0 {
				continue // draft item with no linked issue
			}
			items = append(items, ProjectItem{
				ItemID:      n.ID,
				IssueNumber: n.Content.Number,
				IssueNodeID: n.Content.ID,
				Status:      n.FieldValueByName.Name,
			})
		}
		if !resp.Node.Items.PageInfo.HasNextPage {
			break
		}
		cursor := resp.Node.Items.PageInfo.EndCursor
		after = &cursor
	}
	return items, nil
}

func (c *clientImpl) GetProjectRepository(ctx context.Context, token, projectID string) (string, string, error) {
	const query = `query($project: ID!) {
		node(id: $project) {
			... on ProjectV2 {
				repositories(first: 1) { nodes { owner { login } name } }
			}
		}
	}`
	var resp struct {
		Node struct {
			Repositories struct {
				Nodes []struct {
					Owner struct {
						Login string `json:"login"`
					} `json:"owner"`
					Name string `json:"name"`
				} `json:"nodes"`
			} `json:"repositories"`
		} `json:"node"`
	}
	if err := c.gql(token).do(ctx, token, query, map[string]string{"project": projectID}, &resp); err != nil {
		return "", "", err
	}
	if len(resp.Node.Repositories.Nodes) == 0 {
		return "", "", pkgerrors.Wrap(model.ErrNotFound, "project has no linked repository")
	}
	r := resp.Node.Repositories.Nodes[0]
	return r.Owner.Login, r.Name, nil
}

// --- PRs & branches ---

func toPullRequest(pr *github.PullRequest) *PullRequest {
	var reviewers []Reviewer
	for _, r := range pr.RequestedReviewers {
		reviewers = append(reviewers, Reviewer{Login: r.GetLogin()})
	}
	return &PullRequest{
		ID:          pr.GetNodeID(),
		Number:      pr.GetNumber(),
		State:       pr.GetState(),
		IsDraft:     pr.GetDraft(),
		HeadRef:     pr.GetHead().GetRef(),
		BaseRef:     pr.GetBase().GetRef(),
		AuthorLogin: pr.GetUser().GetLogin(),
		LastCommit:  LastCommit{SHA: pr.GetHead().GetSHA()},
		Reviewers:   reviewers,
	}
}

func (c *clientImpl) FindExistingPRForIssue(ctx context.Context, token, owner, repo string, issueNumber int) (*PullRequest, error) {
	linked, err := c.ListLinkedPullRequests(ctx, token, owner, repo, issueNumber)
	if err != nil {
		return nil, err
	}
	if len(linked) == 0 {
		return nil, nil
	}
	return &linked[0], nil
}

func (c *clientImpl) GetPullRequest(ctx context.Context, token, owner, repo string, number int) (*PullRequest, error) {
	pr, _, err := c.gh(token).PullRequests.Get(ctx, owner, repo, number)
	if err != nil {
		return nil, classify("get_pull_request", err)
	}
	return toPullRequest(pr), nil
}

func (c *clientImpl) GetPRChangedFiles(ctx context.Context, token, owner, repo string, number int) ([]ChangedFile, error) {
	var all []ChangedFile
	opts := &github.ListOptions{PerPage: 100}
	for {
		files, resp, err := c.gh(token).PullRequests.ListFiles(ctx, owner, repo, number, opts)
		if err != nil {
			return nil, classify("get_pr_changed_files", err)
		}
		for _, f := range files {
			all = append(all, ChangedFile{Filename: f.GetFilename(), Status: f.GetStatus()})
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return all, nil
}

func (c *clientImpl) GetFileContentFromRef(ctx context.Context, token, owner, repo, ref, path string) (string, error) {
	fileContent, _, _, err := c.gh(token).Repositories.GetContents(ctx, owner, repo, path, &github.RepositoryContentGetOptions{Ref: ref})
	if err != nil {
		return "", classify("get_file_content_from_ref", err)
	}
	content, err := fileContent.GetContent()
	if err != nil {
		return "", pkgerrors.Wrap(model.ErrPlatformContract, "decode file content")
	}
	return content, nil
}

func (c *clientImpl) GetPRTimelineEvents(ctx context.Context, token, owner, repo string, number int) ([]TimelineEvent, error) {
	var all []TimelineEvent
	opts := &github.ListOptions{PerPage: 100}
	for {
		events, resp, err := c.gh(token).Issues.ListIssueTimeline(ctx, owner, repo, number, opts)
		if err != nil {
			return nil, classify("get_pr_timeline_events", err)
		}
		for _, e := range events {
			all = append(all, TimelineEvent{
				Event:          e.GetEvent(),
				ActorLogin:     e.GetActor().GetLogin(),
				RequesterLogin: e.GetReviewRequester().GetLogin(),
			})
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return all, nil
}

func (c *clientImpl) MarkPullRequestReadyForReview(ctx context.Context, token, owner, repo string, number int) error {
	pr, _, err := c.gh(token).PullRequests.Get(ctx, owner, repo, number)
	if err != nil {
		return classify("get_pull_request", err)
	}
	if !pr.GetDraft() {
		return nil
	}

	draft := false
	_, _, restErr := c.gh(token).PullRequests.Edit(ctx, owner, repo, number, &github.PullRequest{Draft: &draft})
	if restErr == nil {
		updated, _, verifyErr := c.gh(token).PullRequests.Get(ctx, owner, repo, number)
		if verifyErr == nil && !updated.GetDraft() {
			return nil
		}
	}

	nodeID := pr.GetNodeID()
	if nodeID == "" {
		return pkgerrors.Wrapf(model.ErrPlatformContract, "PR %d has no node id; REST fallback also failed: %v", number, restErr)
	}
	const mutation = `mutation($id: ID!) {
		markPullRequestReadyForReview(input: {pullRequestId: $id}) { pullRequest { isDraft } }
	}`
	return c.gql(token).do(ctx, token, mutation, map[string]string{"id": nodeID}, nil)
}

func (c *clientImpl) MergePullRequest(ctx context.Context, token, owner, repo string, number int, method MergeMethod, headline string) (*MergeResult, error) {
	result, _, err := c.gh(token).PullRequests.Merge(ctx, owner, repo, number, headline, &github.PullRequestOptions{
		MergeMethod: string(method),
	})
	if err != nil {
		return nil, classify("merge_pull_request", err)
	}
	return &MergeResult{MergeCommitSHA: result.GetSHA()}, nil
}

func (c *clientImpl) DeleteBranch(ctx context.Context, token, owner, repo, branch string) error {
	_, err := c.gh(token).Git.DeleteRef(ctx, owner, repo, "refs/heads/"+branch)
	return classify("delete_branch", err)
}

// LinkPullRequestToIssue appends a "Relates to #N" reference to the PR body
// if one is not already present; the forge's own closing-keyword linking
// (Closes #N) is left to the agent's own PR description.
func (c *clientImpl) LinkPullRequestToIssue(ctx context.Context, token, owner, repo string, prNumber, issueNumber int) error {
	pr, _, err := c.gh(token).PullRequests.Get(ctx, owner, repo, prNumber)
	if err != nil {
		return classify("get_pull_request", err)
	}
	ref := fmt.Sprintf("#%d", issueNumber)
	body := pr.GetBody()
	if strings.Contains(body, ref) {
		return nil
	}
	newBody := strings.TrimRight(body, "\n") + fmt.Sprintf("\n\nRelates to %s", ref)
	_, _, err = c.gh(token).PullRequests.Edit(ctx, owner, repo, prNumber, &github.PullRequest{Body: &newBody})
	return classify("link_pull_request_to_issue", err)
}

var issueRefRe = regexp.MustCompile(`#(\d+)`)

// ListLinkedPullRequests enumerates open PRs whose body references the
// issue, approximating the forge's "development" timeline-linked-PR list
// (a true GraphQL closingIssuesReferences traversal would require per-PR
// lookups this approximation avoids).
func (c *clientImpl) ListLinkedPullRequests(ctx context.Context, token, owner, repo string, issueNumber int) ([]PullRequest, error) {
	opts := &github.PullRequestListOptions{State: "open", ListOptions: github.ListOptions{PerPage: 100}}
	var linked []PullRequest
	for {
		prs, resp, err := c.gh(token).PullRequests.List(ctx, owner, repo, opts)
		if err != nil {
			return nil, classify("list_linked_pull_requests", err)
		}
		for _, pr := range prs {
			for _, m := range issueRefRe.FindAllStringSubmatch(pr.GetBody(), -1) {
				if n, err := strconv.Atoi(m[1]); err == nil && n == issueNumber {
					linked = append(linked, *toPullRequest(pr))
					break
				}
			}
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return linked, nil
}

func (c *clientImpl) CheckAgentPRCompletion(ctx context.Context, token, owner, repo string, issueNumber int, agentBotLogin string) (*AgentPRCompletion, error) {
	linked, err := c.ListLinkedPullRequests(ctx, token, owner, repo, issueNumber)
	if err != nil {
		return nil, err
	}
	for _, pr := range linked {
		if !strings.Contains(strings.ToLower(pr.AuthorLogin), strings.ToLower(agentBotLogin)) {
			continue
		}
		if pr.State != "open" {
			continue
		}
		if !pr.IsDraft {
			return &AgentPRCompletion{ID: pr.ID, Number: pr.Number, IsDraft: false, LastCommit: pr.LastCommit, AgentFinished: true, HeadRef: pr.HeadRef}, nil
		}
		events, err := c.GetPRTimelineEvents(ctx, token, owner, repo, pr.Number)
		if err != nil {
			return nil, err
		}
		if agentWorkFinished(events, agentBotLogin) {
			return &AgentPRCompletion{ID: pr.ID, Number: pr.Number, IsDraft: true, LastCommit: pr.LastCommit, AgentFinished: true, HeadRef: pr.HeadRef}, nil
		}
	}
	return nil, nil
}

// agentWorkFinished implements the Open Question 1 resolution: any timeline
// event whose type implies completion (not a single hardcoded literal),
// plus a review_requested event whose requester is the agent.
func agentWorkFinished(events []TimelineEvent, agentBotLogin string) bool {
	for _, e := range events {
		lower := strings.ToLower(e.Event)
		if strings.Contains(lower, "work_finished") || strings.Contains(lower, "copilot_work_finished") {
			return true
		}
		if e.Event == "review_requested" && strings.EqualFold(e.RequesterLogin, agentBotLogin) {
			return true
		}
	}
	return false
}

// --- AI-agent assignment ---

func (c *clientImpl) AssignAgentToIssue(ctx context.Context, token, owner, repo, issueNodeID string, issueNumber int, baseRef, customAgent, customInstructions string) (bool, error) {
	gh := c.gh(token)
	path := fmt.Sprintf("repos/%s/%s/issues/%d/agent_assignment", owner, repo, issueNumber)
	payload := map[string]any{
		"base_ref":     baseRef,
		"agent":        customAgent,
		"instructions": customInstructions,
	}
	req, err := gh.NewRequest("POST", path, payload)
	if err == nil {
		if _, restErr := gh.Do(ctx, req, nil); restErr == nil {
			return true, nil
		}
	}

	botID, err := c.getAgentBotID(ctx, token, owner, repo)
	if err != nil {
		return false, err
	}
	repoID, err := c.getRepositoryID(ctx, token, owner, repo)
	if err != nil {
		return false, err
	}

	const mutation = `mutation($issueId: ID!, $botId: ID!, $repoId: ID!) {
		replaceActorsForAssignable(input: {assignableId: $issueId, actorIds: [$botId]}) {
			assignable { ... on Issue { id } }
		}
	}`
	vars := map[string]string{"issueId": issueNodeID, "botId": botID, "repoId": repoID}
	if err := c.gql(token).do(ctx, token, mutation, vars, nil); err != nil {
		return false, err
	}
	return true, nil
}

func (c *clientImpl) getAgentBotID(ctx context.Context, token, owner, repo string) (string, error) {
	const query = `query($owner: String!, $repo: String!) {
		repository(owner: $owner, name: $repo) {
			suggestedActors(capabilities: [CAN_BE_ASSIGNED], first: 10) {
				nodes { login ... on Bot { id } }
			}
		}
	}`
	var resp struct {
		Repository struct {
			SuggestedActors struct {
				Nodes []struct {
					Login string `json:"login"`
					ID    string `json:"id"`
				} `json:"nodes"`
			} `json:"suggestedActors"`
		} `json:"repository"`
	}
	if err := c.gql(token).do(ctx, token, query, map[string]string{"owner": owner, "repo": repo}, &resp); err != nil {
		return "", err
	}
	for _, n := range resp.Repository.SuggestedActors.Nodes {
		if n.ID != "" {
			return n.ID, nil
		}
	}
	return "", pkgerrors.Wrap(model.ErrNotFound, "no assignable agent bot found for repository")
}

func (c *clientImpl) getRepositoryID(ctx context.Context, token, owner, repo string) (string, error) {
	r, _, err := c.gh(token).Repositories.Get(ctx, owner, repo)
	if err != nil {
		return "", classify("get_repository", err)
	}
	return r.GetNodeID(), nil
}

// --- Review routing ---

func (c *clientImpl) RequestAgentReview(ctx context.Context, token, owner, repo string, prNumber int, agentBotLogin string) error {
	_, _, err := c.gh(token).PullRequests.RequestReviewers(ctx, owner, repo, prNumber, github.ReviewersRequest{
		Reviewers: []string{agentBotLogin},
	})
	return classify("request_agent_review", err)
}

func (c *clientImpl) HasAgentReviewedPR(ctx context.Context, token, owner, repo string, prNumber int, agentBotLogin string) (bool, error) {
	var all []*github.PullRequestReview
	opts := &github.ListOptions{PerPage: 100}
	for {
		reviews, resp, err := c.gh(token).PullRequests.ListReviews(ctx, owner, repo, prNumber, opts)
		if err != nil {
			return false, classify("has_agent_reviewed_pr", err)
		}
		all = append(all, reviews...)
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	for _, r := range all {
		if strings.EqualFold(r.GetUser().GetLogin(), agentBotLogin) {
			return true, nil
		}
	}
	return false, nil
}

func (c *clientImpl) ValidateAssignee(ctx context.Context, token, owner, repo, login string) (bool, error) {
	if login == "" {
		return false, nil
	}
	_, resp, err := c.gh(token).Repositories.IsCollaborator(ctx, owner, repo, login)
	if err != nil {
		if resp != nil && resp.StatusCode == 404 {
			return false, nil
		}
		return false, classify("validate_assignee", err)
	}
	return true, nil
}

func (c *clientImpl) AssignIssue(ctx context.Context, token, owner, repo string, number int, login string) error {
	_, _, err := c.gh(token).Issues.AddAssignees(ctx, owner, repo, number, []string{login})
	return classify("assign_issue", err)
}

func (c *clientImpl) GetRepositoryOwner(ctx context.Context, token, owner, repo string) (string, error) {
	r, _, err := c.gh(token).Repositories.Get(ctx, owner, repo)
	if err != nil {
		return "", classify("get_repository_owner", err)
	}
	return r.GetOwner().GetLogin(), nil
}
