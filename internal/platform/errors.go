package platform

import (
	"errors"
	"net/http"

	"github.com/google/go-github/v68/github"
	pkgerrors "github.com/pkg/errors"

	"github.com/forgeflow/orchestrator/internal/model"
)

// classify maps a go-github (or raw transport) error onto the taxonomy of
// SPEC_FULL.md §7. 404s become model.ErrNotFound; 429, 5xx, rate-limit
// and any other non-HTTP-status error become model.ErrTransport; every
// other HTTP error status becomes model.ErrPlatformContract.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}

	var ghErr *github.ErrorResponse
	if errors.As(err, &ghErr) && ghErr.Response != nil {
		switch ghErr.Response.StatusCode {
		case http.StatusNotFound:
			return pkgerrors.Wrapf(model.ErrNotFound, "%s: %s", op, err.Error())
		case http.StatusTooManyRequests:
			return pkgerrors.Wrapf(model.ErrTransport, "%s: rate limited: %s", op, err.Error())
		}
		if ghErr.Response.StatusCode >= 500 {
			return pkgerrors.Wrapf(model.ErrTransport, "%s: server error: %s", op, err.Error())
		}
		return pkgerrors.Wrapf(model.ErrPlatformContract, "%s: %s", op, err.Error())
	}

	var rlErr *github.RateLimitError
	if errors.As(err, &rlErr) {
		return pkgerrors.Wrapf(model.ErrTransport, "%s: rate limited: %s", op, err.Error())
	}

	var abuseErr *github.AbuseRateLimitError
	if errors.As(err, &abuseErr) {
		return pkgerrors.Wrapf(model.ErrTransport, "%s: secondary rate limit: %s", op, err.Error())
	}

	// Unclassified network/context errors default to transport, since the
	// caller's retry loop treats them the same way.
	return pkgerrors.Wrapf(model.ErrTransport, "%s: %s", op, err.Error())
}

// IsRetryable reports whether err (as returned by a platform.Client method)
// should be retried with backoff at the call site.
func IsRetryable(err error) bool {
	return errors.Is(err, model.ErrTransport) || errors.Is(err, model.ErrPlatformTransient)
}
