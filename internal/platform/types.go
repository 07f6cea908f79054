package platform

import "time"

// IssueComment is one comment on an issue or PR, in author/body/timestamp
// shape regardless of which underlying REST field produced it.
type IssueComment struct {
	Author    string
	Body      string
	CreatedAt time.Time
}

// IssueWithComments is the result of GetIssueWithComments.
type IssueWithComments struct {
	Title    string
	Body     string
	NodeID   string
	Number   int
	Comments []IssueComment
}

// LastCommit is the minimal commit-SHA shape callers need off a PR.
type LastCommit struct {
	SHA string
}

// Reviewer names a requested or completed PR reviewer.
type Reviewer struct {
	Login string
}

// PullRequest is the parsed shape of a forge pull request.
type PullRequest struct {
	ID          string // GraphQL node ID
	Number      int
	State       string // "open" | "closed"
	IsDraft     bool
	HeadRef     string
	BaseRef     string
	AuthorLogin string
	LastCommit  LastCommit
	Reviewers   []Reviewer
}

// PRReference identifies a PR by owner/repo/number, e.g. parsed from a URL.
type PRReference struct {
	Owner  string
	Repo   string
	Number int
}

// TimelineEvent is one entry in a PR's timeline, narrowed to the fields the
// reconciliation loop inspects.
type TimelineEvent struct {
	Event       string
	ActorLogin  string
	RequesterLogin string
}

// AgentPRCompletion is the result of CheckAgentPRCompletion.
type AgentPRCompletion struct {
	ID           string
	Number       int
	IsDraft      bool
	LastCommit   LastCommit
	AgentFinished bool
	HeadRef      string
}

// ChangedFile is one file touched by a PR.
type ChangedFile struct {
	Filename string
	Status   string // "added" | "modified" | "removed" | ...
}

// MergeResult is the outcome of a successful PullRequest merge.
type MergeResult struct {
	MergeCommitSHA string
}

// MergeMethod enumerates the forge's merge strategies; only Squash is used
// by this orchestrator (SPEC_FULL.md §9 open question 3).
type MergeMethod string

const (
	MergeSquash MergeMethod = "squash"
	MergeMerge  MergeMethod = "merge"
	MergeRebase MergeMethod = "rebase"
)

// ProjectItem is one row of a project board, narrowed to what the poller
// needs: which issue it is and its current status column.
type ProjectItem struct {
	ItemID      string
	IssueNumber int
	IssueNodeID string
	Status      string
}
