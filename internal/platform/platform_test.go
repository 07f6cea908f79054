package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/go-github/v68/github"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgeflow/orchestrator/internal/model"
)

// newTestClient wires a Platform Client whose REST calls go to a fake
// go-github server and whose GraphQL calls go to a fake GraphQL endpoint,
// mirroring the plugin's NewClientWithGitHub test-injection seam.
func newTestClient(t *testing.T, restMux *http.ServeMux, graphqlHandler http.HandlerFunc) (Client, *httptest.Server, *httptest.Server) {
	t.Helper()
	restSrv := httptest.NewServer(restMux)
	t.Cleanup(restSrv.Close)

	var gqlSrv *httptest.Server
	opts := []Option{}
	if graphqlHandler != nil {
		gqlSrv = httptest.NewServer(graphqlHandler)
		t.Cleanup(gqlSrv.Close)
		opts = append(opts, WithGraphQLURL(gqlSrv.URL))
	}

	factory := func(token string) *github.Client {
		gh, err := github.NewClient(restSrv.Client()).WithEnterpriseURLs(restSrv.URL, restSrv.URL)
		require.NoError(t, err)
		return gh
	}

	client := NewWithFactory(factory, opts...)
	return client, restSrv, gqlSrv
}

func TestCreateIssueParsesResponse(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/repos/acme/widgets/issues", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"number": 42, "node_id": "I_kwDOabc", "html_url": "https://example.com/issues/42"}`)
	})
	client, _, _ := newTestClient(t, mux, nil)

	ref, err := client.CreateIssue(context.Background(), "tok", "acme", "widgets", "Title", "Body", []string{"feature"})
	require.NoError(t, err)
	assert.Equal(t, 42, ref.Number)
	assert.Equal(t, "I_kwDOabc", ref.NodeID)
}

func TestGetIssueWithCommentsPaginatesComments(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/repos/acme/widgets/issues/7", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"number": 7, "title": "t", "body": "b", "node_id": "I_1"}`)
	})
	mux.HandleFunc("/api/v3/repos/acme/widgets/issues/7/comments", func(w http.ResponseWriter, r *http.Request) {
		page := r.URL.Query().Get("page")
		w.Header().Set("Content-Type", "application/json")
		if page == "" || page == "1" {
			w.Header().Set("Link", fmt.Sprintf(`<%s?page=2>; rel="next"`, r.URL.Path))
			fmt.Fprint(w, `[{"user": {"login": "alice"}, "body": "first"}]`)
			return
		}
		fmt.Fprint(w, `[{"user": {"login": "bob"}, "body": "second"}]`)
	})
	client, _, _ := newTestClient(t, mux, nil)

	result, err := client.GetIssueWithComments(context.Background(), "tok", "acme", "widgets", 7)
	require.NoError(t, err)
	require.Len(t, result.Comments, 2)
	assert.Equal(t, "alice", result.Comments[0].Author)
	assert.Equal(t, "bob", result.Comments[1].Author)
}

func TestGetIssueNotFoundClassifiesErrNotFound(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/repos/acme/widgets/issues/404", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"message": "Not Found"}`)
	})
	client, _, _ := newTestClient(t, mux, nil)

	_, err := client.GetIssueWithComments(context.Background(), "tok", "acme", "widgets", 404)
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestAddIssueToProjectReturnsItemID(t *testing.T) {
	gqlHandler := func(w http.ResponseWriter, r *http.Request) {
		var req graphqlRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"data": {"addProjectV2ItemById": {"item": {"id": "PVTI_abc"}}}}`)
	}
	client, _, _ := newTestClient(t, http.NewServeMux(), gqlHandler)

	itemID, err := client.AddIssueToProject(context.Background(), "tok", "PVT_1", "I_kwDOabc")
	require.NoError(t, err)
	assert.Equal(t, "PVTI_abc", itemID)
}

func TestUpdateItemStatusByNameResolvesOptionCaseInsensitively(t *testing.T) {
	calls := 0
	gqlHandler := func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		if calls == 1 {
			fmt.Fprint(w, `{"data": {"node": {"fields": {"nodes": [
				{"id": "F_status", "name": "Status", "options": [
					{"id": "OPT_ready", "name": "Ready"},
					{"id": "OPT_backlog", "name": "Backlog"}
				]}
			]}}}}`)
			return
		}
		var req graphqlRequest
		json.NewDecoder(r.Body).Decode(&req)
		vars := req.Variables.(map[string]any)
		assert.Equal(t, "F_status", vars["field"])
		assert.Equal(t, "OPT_ready", vars["option"])
		fmt.Fprint(w, `{"data": {"updateProjectV2ItemFieldValue": {"projectV2Item": {"id": "PVTI_1"}}}}`)
	}
	client, _, _ := newTestClient(t, http.NewServeMux(), gqlHandler)

	err := client.UpdateItemStatusByName(context.Background(), "tok", "PVT_1", "PVTI_1", "ready")
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestUpdateItemStatusByNameUnknownStatusReturnsError(t *testing.T) {
	gqlHandler := func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"data": {"node": {"fields": {"nodes": [
			{"id": "F_status", "name": "Status", "options": [{"id": "OPT_a", "name": "A"}]}
		]}}}}`)
	}
	client, _, _ := newTestClient(t, http.NewServeMux(), gqlHandler)

	err := client.UpdateItemStatusByName(context.Background(), "tok", "PVT_1", "PVTI_1", "Nonexistent")
	require.Error(t, err)
}

func TestMarkPullRequestReadyForReviewSkipsNonDraft(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/repos/acme/widgets/pulls/5", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"number": 5, "draft": false, "node_id": "PR_1"}`)
	})
	client, _, _ := newTestClient(t, mux, nil)

	err := client.MarkPullRequestReadyForReview(context.Background(), "tok", "acme", "widgets", 5)
	require.NoError(t, err)
}

func TestCheckAgentPRCompletionNoLinkedPRsReturnsNil(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/repos/acme/widgets/pulls", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[]`)
	})
	client, _, _ := newTestClient(t, mux, nil)

	result, err := client.CheckAgentPRCompletion(context.Background(), "tok", "acme", "widgets", 9, "copilot")
	require.NoError(t, err)
	assert.Nil(t, result)
}
