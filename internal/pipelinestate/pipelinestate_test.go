package pipelinestate

import (
	"testing"

	"github.com/forgeflow/orchestrator/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPipelineStateRoundTripIsIndependentOfSourceMutation(t *testing.T) {
	s := New()
	state := model.PipelineState{
		IssueNumber: 1,
		Status:      "Ready",
		Agents:      []string{"speckit.plan", "speckit.tasks"},
	}
	s.SetPipelineState(1, state)

	state.Agents[0] = "mutated"
	got := s.GetPipelineState(1)
	require.NotNil(t, got)
	assert.Equal(t, "speckit.plan", got.Agents[0])
}

func TestGetAllPipelineStatesReturnsEveryTrackedIssue(t *testing.T) {
	s := New()
	s.SetPipelineState(1, model.PipelineState{IssueNumber: 1, Status: "Ready"})
	s.SetPipelineState(2, model.PipelineState{IssueNumber: 2, Status: "In Progress"})

	all := s.GetAllPipelineStates()
	require.Len(t, all, 2)
	assert.Equal(t, "Ready", all[1].Status)
	assert.Equal(t, "In Progress", all[2].Status)
}

func TestGetPipelineStateMissingReturnsNil(t *testing.T) {
	s := New()
	assert.Nil(t, s.GetPipelineState(99))
}

func TestRemovePipelineStateForgetsIssue(t *testing.T) {
	s := New()
	s.SetPipelineState(1, model.PipelineState{IssueNumber: 1})
	s.RemovePipelineState(1)
	assert.Nil(t, s.GetPipelineState(1))
}

func TestSetIssueMainBranchIsFirstWriteWins(t *testing.T) {
	s := New()
	ok := s.SetIssueMainBranch(1, model.MainBranchInfo{Branch: "agent/issue-1", HeadSHA: "sha1"})
	assert.True(t, ok)

	ok = s.SetIssueMainBranch(1, model.MainBranchInfo{Branch: "agent/other", HeadSHA: "sha2"})
	assert.False(t, ok)

	info, found := s.GetIssueMainBranch(1)
	require.True(t, found)
	assert.Equal(t, "agent/issue-1", info.Branch)
	assert.Equal(t, "sha1", info.HeadSHA)
}

func TestUpdateIssueMainBranchSHAUpdatesInPlace(t *testing.T) {
	s := New()
	s.SetIssueMainBranch(1, model.MainBranchInfo{Branch: "agent/issue-1", HeadSHA: "sha1"})
	s.UpdateIssueMainBranchSHA(1, "sha2")

	info, found := s.GetIssueMainBranch(1)
	require.True(t, found)
	assert.Equal(t, "sha2", info.HeadSHA)
}

func TestUpdateIssueMainBranchSHANoopWithoutAnchor(t *testing.T) {
	s := New()
	s.UpdateIssueMainBranchSHA(1, "sha2")
	_, found := s.GetIssueMainBranch(1)
	assert.False(t, found)
}

func TestClearIssueMainBranchForgetsAnchor(t *testing.T) {
	s := New()
	s.SetIssueMainBranch(1, model.MainBranchInfo{Branch: "b"})
	s.ClearIssueMainBranch(1)
	_, found := s.GetIssueMainBranch(1)
	assert.False(t, found)
}

func TestSetIssueSubIssuesMergesAcrossCalls(t *testing.T) {
	s := New()
	s.SetIssueSubIssues(1, map[string]model.SubIssueRef{
		"speckit.specify": {Number: 10},
	})
	s.SetIssueSubIssues(1, map[string]model.SubIssueRef{
		"speckit.plan": {Number: 11},
	})

	refs := s.GetIssueSubIssues(1)
	require.Len(t, refs, 2)
	assert.Equal(t, 10, refs["speckit.specify"].Number)
	assert.Equal(t, 11, refs["speckit.plan"].Number)
}

func TestSetIssueSubIssuesNeverOverwritesExistingSlug(t *testing.T) {
	s := New()
	s.SetIssueSubIssues(1, map[string]model.SubIssueRef{"speckit.specify": {Number: 10}})
	s.SetIssueSubIssues(1, map[string]model.SubIssueRef{"speckit.specify": {Number: 999}})

	refs := s.GetIssueSubIssues(1)
	assert.Equal(t, 10, refs["speckit.specify"].Number)
}

func TestClearIssueSubIssues(t *testing.T) {
	s := New()
	s.SetIssueSubIssues(1, map[string]model.SubIssueRef{"speckit.specify": {Number: 10}})
	s.ClearIssueSubIssues(1)
	assert.Empty(t, s.GetIssueSubIssues(1))
}
