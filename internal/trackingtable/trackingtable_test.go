package trackingtable

import (
	"strings"
	"testing"

	"github.com/forgeflow/orchestrator/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func freshBody() string {
	mappings := map[string][]model.AgentAssignment{
		"Backlog":     {{Slug: "speckit.specify"}},
		"Ready":       {{Slug: "speckit.plan"}, {Slug: "speckit.tasks"}},
		"In Progress": {{Slug: "speckit.implement"}},
	}
	order := []string{"Backlog", "Ready", "In Progress", "In Review"}
	return Append("Some issue body.\n\nDetails here.", mappings, order)
}

func TestAppendIsIdempotent(t *testing.T) {
	body := freshBody()
	mappings := map[string][]model.AgentAssignment{
		"Backlog":     {{Slug: "speckit.specify"}},
		"Ready":       {{Slug: "speckit.plan"}, {Slug: "speckit.tasks"}},
		"In Progress": {{Slug: "speckit.implement"}},
	}
	order := []string{"Backlog", "Ready", "In Progress", "In Review"}
	twice := Append(body, mappings, order)
	assert.Equal(t, body, twice)
}

func TestParseRoundTrip(t *testing.T) {
	body := freshBody()
	steps := Parse(body)
	require.Len(t, steps, 4)
	assert.Equal(t, "speckit.specify", steps[0].Slug)
	assert.Equal(t, "Backlog", steps[0].Status)
	assert.Equal(t, model.AgentPending, steps[0].State)
	assert.Equal(t, "speckit.tasks", steps[2].Slug)
}

func TestParseNoTrackingTableReturnsNil(t *testing.T) {
	assert.Nil(t, Parse("Just a plain issue body with no table."))
}

func TestDetermineNextActionFreshTableAssignsFirst(t *testing.T) {
	body := freshBody()
	action := DetermineNextAction(body, nil)
	assert.Equal(t, model.ActionAssignAgent, action.Kind)
	assert.Equal(t, "speckit.specify", action.Slug)
}

func TestDetermineNextActionNoTracking(t *testing.T) {
	action := DetermineNextAction("no table here", nil)
	assert.Equal(t, model.ActionNoTracking, action.Kind)
}

func TestMarkThenParsePreservesOtherRows(t *testing.T) {
	body := freshBody()
	marked := Mark(body, "speckit.plan", model.AgentActive)
	steps := Parse(marked)
	require.Len(t, steps, 4)
	for _, s := range steps {
		if s.Slug == "speckit.plan" {
			assert.Equal(t, model.AgentActive, s.State)
		} else {
			assert.Equal(t, model.AgentPending, s.State)
		}
	}
}

func TestMarkAbsentSlugIsNoop(t *testing.T) {
	body := freshBody()
	marked := Mark(body, "nonexistent.slug", model.AgentDone)
	assert.Equal(t, body, marked)
}

func TestDetermineNextActionActiveWithDoneComment(t *testing.T) {
	body := Mark(freshBody(), "speckit.specify", model.AgentActive)
	action := DetermineNextAction(body, []string{"some chatter", "speckit.specify: Done!"})
	assert.Equal(t, model.ActionAdvancePipeline, action.Kind)
	assert.Equal(t, "speckit.specify", action.Slug)
}

func TestDetermineNextActionActiveWaitsWithoutDoneComment(t *testing.T) {
	body := Mark(freshBody(), "speckit.specify", model.AgentActive)
	action := DetermineNextAction(body, []string{"still working"})
	assert.Equal(t, model.ActionWait, action.Kind)
}

func TestDetermineNextActionAllDoneTransitions(t *testing.T) {
	body := freshBody()
	for _, slug := range []string{"speckit.specify", "speckit.plan", "speckit.tasks", "speckit.implement"} {
		body = Mark(body, slug, model.AgentDone)
	}
	action := DetermineNextAction(body, nil)
	assert.Equal(t, model.ActionTransitionStatus, action.Kind)
	assert.Equal(t, "In Progress", action.TargetStatus)
}

func TestCheckLastCommentForDoneOnlyMatchesLastComment(t *testing.T) {
	slug := CheckLastCommentForDone([]string{"speckit.plan: Done!", "some unrelated comment"})
	assert.Empty(t, slug)

	slug = CheckLastCommentForDone([]string{"unrelated", "speckit.plan: Done!"})
	assert.Equal(t, "speckit.plan", slug)
}

func TestRenderContainsHeaderAndSeparator(t *testing.T) {
	out := Render([]model.AgentStep{{Index: 1, Status: "Backlog", Slug: "speckit.specify", State: model.AgentPending}})
	assert.True(t, strings.Contains(out, "Agent Pipeline"))
	assert.True(t, strings.HasPrefix(out, "---"))
}
