package orchestrator

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"

	pkgerrors "github.com/pkg/errors"

	"github.com/forgeflow/orchestrator/internal/model"
	"github.com/forgeflow/orchestrator/internal/platform"
)

// templateFuncs mirrors Factory's prompt_builder.go funcMap shape (a
// handful of string/arithmetic helpers templates commonly need), kept
// small since these templates render structured Markdown, not prose.
var templateFuncs = template.FuncMap{
	"upper": strings.ToUpper,
	"join":  strings.Join,
}

const issueBodyTemplate = `> {{.OriginalRequest}}

## User Story

{{.UserStory}}

{{if .UIUXDescription}}## UI/UX

{{.UIUXDescription}}

{{end}}## Functional Requirements

{{range $i, $req := .FunctionalRequirements}}{{add1 $i}}. {{$req}}
{{end}}
{{if .TechnicalNotes}}## Technical Notes

{{.TechnicalNotes}}

{{end}}## Metadata

| Field | Value |
|---|---|
| Priority | {{.Metadata.Priority}} |
| Size | {{.Metadata.Size}} |
{{if gt .Metadata.EstimateHours 0.0}}| Estimate | {{.Metadata.EstimateHours}}h |
{{end}}{{if .Metadata.StartDate}}| Start date | {{.Metadata.StartDate.Format "2006-01-02"}} |
{{end}}{{if .Metadata.TargetDate}}| Target date | {{.Metadata.TargetDate.Format "2006-01-02"}} |
{{end}}
---
_Generated by the workflow orchestrator._
`

type issueBodyData struct {
	OriginalRequest         string
	UserStory                string
	UIUXDescription          string
	FunctionalRequirements  []string
	TechnicalNotes           string
	Metadata                 model.RecommendationMetadata
}

var issueBodyTmpl = template.Must(template.New("issue_body").
	Funcs(withAdd1(templateFuncs)).
	Parse(issueBodyTemplate))

func withAdd1(base template.FuncMap) template.FuncMap {
	out := make(template.FuncMap, len(base)+1)
	for k, v := range base {
		out[k] = v
	}
	out["add1"] = func(i int) int { return i + 1 }
	return out
}

// renderIssueBody builds the deterministic Markdown body for a new issue:
// the original request quoted verbatim, user story, UI/UX, numbered
// requirements, technical notes, a metadata table, and a closing footer
// (SPEC_FULL.md §4.5.1).
func renderIssueBody(originalRequest string, rec model.IssueRecommendation) (string, error) {
	var buf bytes.Buffer
	err := issueBodyTmpl.Execute(&buf, issueBodyData{
		OriginalRequest:        originalRequest,
		UserStory:              rec.UserStory,
		UIUXDescription:        rec.UIUXDescription,
		FunctionalRequirements: rec.FunctionalRequirements,
		TechnicalNotes:         rec.TechnicalNotes,
		Metadata:               rec.Metadata,
	})
	if err != nil {
		return "", pkgerrors.Wrap(err, "render issue body template")
	}
	return buf.String(), nil
}

const subIssueBodyTemplate = `This issue narrows {{.ParentRef}} to the {{.Slug}} stage.

## Parent context

{{.ParentTitle}}

{{.ParentBody}}
`

type subIssueBodyData struct {
	ParentRef   string
	Slug        string
	ParentTitle string
	ParentBody  string
}

var subIssueBodyTmpl = template.Must(template.New("sub_issue_body").Funcs(templateFuncs).Parse(subIssueBodyTemplate))

func renderSubIssueBody(parentNumber int, slug, parentTitle, parentBody string) (string, error) {
	var buf bytes.Buffer
	err := subIssueBodyTmpl.Execute(&buf, subIssueBodyData{
		ParentRef:   fmt.Sprintf("#%d", parentNumber),
		Slug:        slug,
		ParentTitle: parentTitle,
		ParentBody:  parentBody,
	})
	if err != nil {
		return "", pkgerrors.Wrap(err, "render sub-issue body template")
	}
	return buf.String(), nil
}

const agentInstructionsTemplate = `## Task

{{.Title}}

{{.Body}}

{{if .Comments}}## Discussion
{{range .Comments}}
**{{.Author}}** ({{.CreatedAt.Format "2006-01-02 15:04"}} UTC):
{{.Body}}
{{end}}{{end}}
{{if .ExistingPRHint}}## Existing work

{{.ExistingPRHint}}
{{end}}`

type agentInstructionsData struct {
	Title          string
	Body           string
	Comments       []platform.IssueComment
	ExistingPRHint string
}

var agentInstructionsTmpl = template.Must(template.New("agent_instructions").Funcs(templateFuncs).Parse(agentInstructionsTemplate))

// renderAgentInstructions builds the structured prompt handed to the
// forge's agent-assignment call: title, body, full comment discussion
// with author and timestamp, and an existing-PR hint when a main branch
// is already anchored (SPEC_FULL.md §4.5.5 step 4).
func renderAgentInstructions(issue *platform.IssueWithComments, mainBranch *model.MainBranchInfo) (string, error) {
	hint := ""
	if mainBranch != nil {
		hint = fmt.Sprintf("Target branch `%s` (PR #%d) already has in-flight changes; build on top of it.", mainBranch.Branch, mainBranch.PRNumber)
	}
	var buf bytes.Buffer
	err := agentInstructionsTmpl.Execute(&buf, agentInstructionsData{
		Title:          issue.Title,
		Body:           issue.Body,
		Comments:       issue.Comments,
		ExistingPRHint: hint,
	})
	if err != nil {
		return "", pkgerrors.Wrap(err, "render agent instructions template")
	}
	return buf.String(), nil
}
