// Package pipelinestate holds the process-local, per-issue state the
// orchestrator needs between polling ticks: which pipeline stage an issue
// is on, its main branch/PR anchor, and its known sub-issues. It is an
// in-memory mirror of the forge's own state (the tracking table and the
// project board remain authoritative); losing it on restart only costs a
// few extra forge reads to rebuild, never correctness.
//
// Grounded on the plugin's server/store/kvstore package shape (a small
// mutex-guarded map store) and on original_source's transitions.py, which
// keeps the same three module-level dicts this package exposes as three
// stores.
package pipelinestate

import (
	"sync"

	"github.com/forgeflow/orchestrator/internal/model"
)

// Store is the single-writer, per-issue state holder. All three sub-stores
// share one mutex because a caller handling one issue typically reads or
// writes more than one of them in the same reconciliation step, and
// SPEC_FULL.md §5 calls for per-issue (not per-field) atomicity.
type Store struct {
	mu sync.RWMutex

	pipelines   map[int]*model.PipelineState
	mainBranch  map[int]model.MainBranchInfo
	subIssues   map[int]map[string]model.SubIssueRef
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		pipelines:  make(map[int]*model.PipelineState),
		mainBranch: make(map[int]model.MainBranchInfo),
		subIssues:  make(map[int]map[string]model.SubIssueRef),
	}
}

// GetPipelineState returns the pipeline state for an issue, or nil if none
// is tracked yet.
func (s *Store) GetPipelineState(issueNumber int) *model.PipelineState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.pipelines[issueNumber]
	if !ok {
		return nil
	}
	clone := *state
	clone.Agents = append([]string(nil), state.Agents...)
	clone.CompletedAgents = append([]string(nil), state.CompletedAgents...)
	if state.AgentSubIssues != nil {
		clone.AgentSubIssues = make(map[string]model.SubIssueRef, len(state.AgentSubIssues))
		for k, v := range state.AgentSubIssues {
			clone.AgentSubIssues[k] = v
		}
	}
	return &clone
}

// SetPipelineState overwrites the pipeline state for an issue.
func (s *Store) SetPipelineState(issueNumber int, state model.PipelineState) {
	state.Agents = append([]string(nil), state.Agents...)
	state.CompletedAgents = append([]string(nil), state.CompletedAgents...)
	if state.AgentSubIssues != nil {
		subIssues := make(map[string]model.SubIssueRef, len(state.AgentSubIssues))
		for k, v := range state.AgentSubIssues {
			subIssues[k] = v
		}
		state.AgentSubIssues = subIssues
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pipelines[issueNumber] = &state
}

// GetAllPipelineStates returns a clone of every tracked pipeline state,
// keyed by issue number, for the poller's agent-output pass.
func (s *Store) GetAllPipelineStates() map[int]*model.PipelineState {
	s.mu.RLock()
	issueNumbers := make([]int, 0, len(s.pipelines))
	for n := range s.pipelines {
		issueNumbers = append(issueNumbers, n)
	}
	s.mu.RUnlock()

	out := make(map[int]*model.PipelineState, len(issueNumbers))
	for _, n := range issueNumbers {
		if state := s.GetPipelineState(n); state != nil {
			out[n] = state
		}
	}
	return out
}

// RemovePipelineState drops tracked state for an issue, used when the
// poller moves an issue to its next status so that status starts a fresh
// pipeline.
func (s *Store) RemovePipelineState(issueNumber int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pipelines, issueNumber)
}

// GetIssueMainBranch returns the tracked main branch anchor for an issue,
// and whether one has been set.
func (s *Store) GetIssueMainBranch(issueNumber int) (model.MainBranchInfo, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	info, ok := s.mainBranch[issueNumber]
	return info, ok
}

// SetIssueMainBranch is idempotent: once an issue has a main branch
// recorded, later calls are silently ignored rather than overwriting it
// (SPEC_FULL.md's first-write-wins branch lineage rule, Open Question 2).
func (s *Store) SetIssueMainBranch(issueNumber int, info model.MainBranchInfo) (set bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.mainBranch[issueNumber]; exists {
		return false
	}
	s.mainBranch[issueNumber] = info
	return true
}

// UpdateIssueMainBranchSHA refreshes only the head SHA of an already
// anchored main branch; a no-op if no anchor is set yet.
func (s *Store) UpdateIssueMainBranchSHA(issueNumber int, sha string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	info, ok := s.mainBranch[issueNumber]
	if !ok {
		return
	}
	info.HeadSHA = sha
	s.mainBranch[issueNumber] = info
}

// ClearIssueMainBranch forgets the anchor, e.g. after its PR merges.
func (s *Store) ClearIssueMainBranch(issueNumber int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.mainBranch, issueNumber)
}

// GetIssueSubIssues returns the known sub-issues for a parent issue, keyed
// by the agent slug that produced them.
func (s *Store) GetIssueSubIssues(issueNumber int) map[string]model.SubIssueRef {
	s.mu.RLock()
	defer s.mu.RUnlock()
	existing := s.subIssues[issueNumber]
	out := make(map[string]model.SubIssueRef, len(existing))
	for k, v := range existing {
		out[k] = v
	}
	return out
}

// SetIssueSubIssues merges newRefs into the tracked set rather than
// replacing it. An existing slug's ref is never overwritten, so a retried
// creation call can't clobber the issue number a previous successful call
// already recorded.
func (s *Store) SetIssueSubIssues(issueNumber int, newRefs map[string]model.SubIssueRef) {
	if len(newRefs) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.subIssues[issueNumber]
	if !ok {
		existing = make(map[string]model.SubIssueRef, len(newRefs))
		s.subIssues[issueNumber] = existing
	}
	for slug, ref := range newRefs {
		if _, already := existing[slug]; already {
			continue
		}
		existing[slug] = ref
	}
}

// ClearIssueSubIssues forgets all tracked sub-issues for a parent issue.
func (s *Store) ClearIssueSubIssues(issueNumber int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subIssues, issueNumber)
}
