// Package trackingtable renders and parses the markdown "Agent Pipeline"
// table embedded in a forge issue body, and derives the next reconciliation
// action from it plus the issue's comments. Parsing is deliberately tolerant
// (regex-based, not a full markdown parser) in the style of the plugin's
// server/parser package.
package trackingtable

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/forgeflow/orchestrator/internal/model"
)

const (
	header    = "## \U0001F916 Agent Pipeline"
	separator = "---"

	statePending = "⏳ Pending"
	stateActive  = "\U0001F504 Active"
	stateDone    = "✅ Done"
)

var (
	// Matches the whole appended section so Append can replace it wholesale.
	sectionRe = regexp.MustCompile(`(?s)\n?---\s*\n## ` + regexp.QuoteMeta("\U0001F916") + ` Agent Pipeline.*$`)

	// Matches one table row: | n | status | `slug` | state |
	rowRe = regexp.MustCompile("(?m)^\\|\\s*(\\d+)\\s*\\|\\s*([^|]+?)\\s*\\|\\s*`([^`]+)`\\s*\\|\\s*([^|]+?)\\s*\\|\\s*$")

	// Matches "<slug>: Done!" as the entire (trimmed) line.
	doneCommentRe = regexp.MustCompile(`^(.+?):\s*Done!\s*$`)
)

func stateFromGlyph(s string) model.AgentState {
	switch strings.TrimSpace(s) {
	case stateActive:
		return model.AgentActive
	case stateDone:
		return model.AgentDone
	default:
		return model.AgentPending
	}
}

func glyphFromState(s model.AgentState) string {
	switch s {
	case model.AgentActive:
		return stateActive
	case model.AgentDone:
		return stateDone
	default:
		return statePending
	}
}

// Render produces the tracking section (separator, header, and table) for
// the given ordered steps.
func Render(steps []model.AgentStep) string {
	var b strings.Builder
	b.WriteString(separator)
	b.WriteString("\n")
	b.WriteString(header)
	b.WriteString("\n\n")
	b.WriteString("| # | Status | Agent | State |\n")
	b.WriteString("|---|--------|-------|-------|\n")
	for _, s := range steps {
		fmt.Fprintf(&b, "| %d | %s | `%s` | %s |\n", s.Index, s.Status, s.Slug, glyphFromState(s.State))
	}
	return b.String()
}

// Append replaces any existing tracking section in body with a freshly
// rendered one built from mappings in statusOrder order, every row
// `pending`. Idempotent: calling it twice with the same inputs yields the
// same body.
func Append(body string, mappings map[string][]model.AgentAssignment, statusOrder []string) string {
	stripped := sectionRe.ReplaceAllString(body, "")
	stripped = strings.TrimRight(stripped, "\n")

	var steps []model.AgentStep
	idx := 1
	for _, status := range statusOrder {
		for _, a := range mappings[status] {
			steps = append(steps, model.AgentStep{Index: idx, Status: status, Slug: a.Slug, State: model.AgentPending})
			idx++
		}
	}

	return stripped + "\n\n" + Render(steps)
}

// Parse extracts the ordered AgentStep rows from body. Returns nil if no
// tracking table is present. Tolerant of surrounding text.
func Parse(body string) []model.AgentStep {
	matches := rowRe.FindAllStringSubmatch(body, -1)
	if len(matches) == 0 {
		return nil
	}
	steps := make([]model.AgentStep, 0, len(matches))
	for _, m := range matches {
		idx := 0
		fmt.Sscanf(m[1], "%d", &idx)
		steps = append(steps, model.AgentStep{
			Index:  idx,
			Status: strings.TrimSpace(m[2]),
			Slug:   strings.TrimSpace(m[3]),
			State:  stateFromGlyph(m[4]),
		})
	}
	return steps
}

// Mark rewrites the row for slug to newState, preserving every other row
// verbatim. No-op if slug is absent from the table.
func Mark(body string, slug string, newState model.AgentState) string {
	steps := Parse(body)
	if steps == nil {
		return body
	}
	found := false
	for i := range steps {
		if steps[i].Slug == slug {
			steps[i].State = newState
			found = true
		}
	}
	if !found {
		return body
	}
	return replaceTable(body, steps)
}

// replaceTable substitutes the parsed-and-mutated steps back into body,
// leaving any text before/after the table section untouched.
func replaceTable(body string, steps []model.AgentStep) string {
	loc := sectionRe.FindStringIndex(body)
	if loc == nil {
		// No full section match (unusual but tolerated): rebuild a minimal
		// section and append it.
		var b strings.Builder
		b.WriteString(separator)
		b.WriteString("\n")
		b.WriteString(header)
		b.WriteString("\n\n| # | Status | Agent | State |\n|---|--------|-------|-------|\n")
		for _, s := range steps {
			fmt.Fprintf(&b, "| %d | %s | `%s` | %s |\n", s.Index, s.Status, s.Slug, glyphFromState(s.State))
		}
		return strings.TrimRight(body, "\n") + "\n\n" + b.String()
	}

	prefix := body[:loc[0]]
	var b strings.Builder
	b.WriteString(prefix)
	b.WriteString("\n\n")
	b.WriteString(separator)
	b.WriteString("\n")
	b.WriteString(header)
	b.WriteString("\n\n| # | Status | Agent | State |\n|---|--------|-------|-------|\n")
	for _, s := range steps {
		fmt.Fprintf(&b, "| %d | %s | `%s` | %s |\n", s.Index, s.Status, s.Slug, glyphFromState(s.State))
	}
	return strings.TrimRight(b.String(), "\n")
}

// CheckLastCommentForDone matches the full-line "<slug>: Done!" pattern
// against only the last comment, returning the slug or "".
func CheckLastCommentForDone(comments []string) string {
	if len(comments) == 0 {
		return ""
	}
	last := strings.TrimSpace(comments[len(comments)-1])
	m := doneCommentRe.FindStringSubmatch(last)
	if m == nil {
		return ""
	}
	return strings.TrimSpace(m[1])
}

// DetermineNextAction applies the decision table of SPEC_FULL.md §4.2 to a
// parsed issue body and its comments.
func DetermineNextAction(body string, comments []string) model.PipelineAction {
	steps := Parse(body)
	if steps == nil {
		return model.PipelineAction{Kind: model.ActionNoTracking}
	}

	var active *model.AgentStep
	allDone := true
	var firstPending *model.AgentStep
	var lastDone *model.AgentStep
	for i := range steps {
		s := &steps[i]
		switch s.State {
		case model.AgentActive:
			if active == nil {
				active = s
			}
			allDone = false
		case model.AgentPending:
			if firstPending == nil {
				firstPending = s
			}
			allDone = false
		case model.AgentDone:
			lastDone = s
		}
	}

	if active != nil {
		doneSlug := CheckLastCommentForDone(comments)
		if doneSlug == active.Slug {
			step := *active
			return model.PipelineAction{Kind: model.ActionAdvancePipeline, Slug: active.Slug, Step: &step}
		}
		step := *active
		return model.PipelineAction{Kind: model.ActionWait, Slug: active.Slug, Step: &step}
	}

	if firstPending != nil {
		step := *firstPending
		return model.PipelineAction{Kind: model.ActionAssignAgent, Slug: firstPending.Slug, Step: &step}
	}

	if allDone && lastDone != nil {
		return model.PipelineAction{Kind: model.ActionTransitionStatus, TargetStatus: lastDone.Status}
	}

	return model.PipelineAction{Kind: model.ActionWait}
}
