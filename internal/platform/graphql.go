package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	pkgerrors "github.com/pkg/errors"

	"github.com/forgeflow/orchestrator/internal/model"
)

// Projects-v2 field updates, issue-to-project attachment, and AI-agent
// assignment fallback are GraphQL-only on the real forge, so the Platform
// Client carries its own minimal GraphQL transport rather than pulling in a
// full codegen client. The retry/backoff shape here is adapted from the
// teacher's cursor.Client doRequest helper (exponential backoff, bounded
// retries on 429/5xx), not the REST call pattern used for everything else.
const (
	graphqlMaxRetries     = 3
	graphqlRetryBaseDelay = 1 * time.Second
)

type graphqlTransport struct {
	baseURL    string // e.g. "https://api.github.com/graphql"
	httpClient *http.Client
	logger     Logger
}

type graphqlRequest struct {
	Query     string `json:"query"`
	Variables any    `json:"variables,omitempty"`
}

type graphqlError struct {
	Message string `json:"message"`
}

type graphqlResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []graphqlError  `json:"errors"`
}

func newGraphQLTransport(baseURL, token string, logger Logger) *graphqlTransport {
	return &graphqlTransport{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logger,
	}
}

// do executes query/variables against the GraphQL endpoint, decoding the
// "data" field into out (which may be nil to discard it). token is passed
// per call, never stored (SPEC_FULL.md §5 resource sharing).
func (g *graphqlTransport) do(ctx context.Context, token, query string, variables any, out any) error {
	reqBody, err := json.Marshal(graphqlRequest{Query: query, Variables: variables})
	if err != nil {
		return pkgerrors.Wrap(err, "marshal graphql request")
	}

	var lastErr error
	for attempt := 0; attempt <= graphqlMaxRetries; attempt++ {
		if attempt > 0 {
			delay := graphqlRetryBaseDelay * time.Duration(1<<(attempt-1))
			if g.logger != nil {
				g.logger.Debug("graphql retry", "attempt", attempt, "delay", delay.String())
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL, bytes.NewReader(reqBody))
		if err != nil {
			return pkgerrors.Wrap(err, "build graphql request")
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+token)

		resp, err := g.httpClient.Do(req)
		if err != nil {
			lastErr = classify("graphql", err)
			continue
		}

		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = pkgerrors.Wrap(model.ErrTransport, "read graphql response")
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			lastErr = pkgerrors.Wrapf(model.ErrTransport, "graphql http %d: %s", resp.StatusCode, string(body))
			continue
		}
		if resp.StatusCode >= 400 {
			return pkgerrors.Wrapf(model.ErrPlatformContract, "graphql http %d: %s", resp.StatusCode, string(body))
		}

		var parsed graphqlResponse
		if err := json.Unmarshal(body, &parsed); err != nil {
			return pkgerrors.Wrap(model.ErrPlatformContract, "decode graphql response")
		}
		if len(parsed.Errors) > 0 {
			return pkgerrors.Wrapf(model.ErrPlatformContract, "graphql error: %s", parsed.Errors[0].Message)
		}
		if out != nil && len(parsed.Data) > 0 {
			if err := json.Unmarshal(parsed.Data, out); err != nil {
				return pkgerrors.Wrap(model.ErrPlatformContract, "decode graphql data")
			}
		}
		return nil
	}

	return fmt.Errorf("graphql request failed after %d retries: %w", graphqlMaxRetries, lastErr)
}
