// Package translog is the append-only Transition Log: every status change
// the orchestrator makes or observes, recorded with enough detail to
// reconstruct why a decision was made after the fact. It is the system's
// audit and observability record, standing in for a dedicated tracing
// backend (see DESIGN.md on why langfuse-style tracing was not adopted).
//
// Grounded on original_source's workflow_orchestrator, which keeps an
// in-process "_transitions" list of the same shape, and on the plugin's
// WorkflowTransition-like event logging in reviewloop.go.
package translog

import (
	"sync"

	"github.com/google/uuid"

	"github.com/forgeflow/orchestrator/internal/clock"
	"github.com/forgeflow/orchestrator/internal/model"
)

// Log is an in-memory, append-only, thread-safe transition log. It has no
// upper bound enforced here; callers that run for a long time should pair
// it with periodic export (e.g. Since with a Len cursor) rather than
// relying on this package to cap memory.
type Log struct {
	mu      sync.RWMutex
	entries []model.WorkflowTransition
	clock   clock.Clock
}

// New returns an empty Log using c to timestamp entries.
func New(c clock.Clock) *Log {
	return &Log{clock: c}
}

// Record appends a transition, filling in ID and Timestamp.
func (l *Log) Record(t model.WorkflowTransition) model.WorkflowTransition {
	t.ID = uuid.NewString()
	t.Timestamp = l.clock.Now()

	l.mu.Lock()
	l.entries = append(l.entries, t)
	l.mu.Unlock()
	return t
}

// ForIssue returns all transitions recorded for a given issue, oldest
// first.
func (l *Log) ForIssue(issueID string) []model.WorkflowTransition {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []model.WorkflowTransition
	for _, t := range l.entries {
		if t.IssueID == issueID {
			out = append(out, t)
		}
	}
	return out
}

// ForProject returns all transitions recorded for a project, oldest first.
func (l *Log) ForProject(projectID string) []model.WorkflowTransition {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []model.WorkflowTransition
	for _, t := range l.entries {
		if t.ProjectID == projectID {
			out = append(out, t)
		}
	}
	return out
}

// Since returns every transition recorded after cursor (exclusive), in
// recording order, for incremental export to an external sink.
func (l *Log) Since(cursor int) []model.WorkflowTransition {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if cursor >= len(l.entries) {
		return nil
	}
	if cursor < 0 {
		cursor = 0
	}
	out := make([]model.WorkflowTransition, len(l.entries)-cursor)
	copy(out, l.entries[cursor:])
	return out
}

// Len reports the current entry count, usable as the next Since cursor.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}
