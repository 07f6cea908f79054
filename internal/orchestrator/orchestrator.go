// Package orchestrator is the Workflow Orchestrator: the imperative
// primitives that turn a confirmed feature recommendation into a tracked
// issue, drive it through an ordered AI-agent pipeline, and route review
// once the pipeline completes. All policy in the system lives here; the
// Platform Client (internal/platform) stays pure request/response.
//
// Grounded on the plugin's hitl.go (multi-phase agent workflow:
// context_review -> planning -> plan_review -> implementing -> complete)
// and reviewloop.go (PR review phase machine with iteration counting),
// and on original_source's workflow_orchestrator package this spec was
// distilled from.
package orchestrator

import (
	"context"
	"sync"
	"time"

	pkgerrors "github.com/pkg/errors"

	"github.com/forgeflow/orchestrator/internal/clock"
	"github.com/forgeflow/orchestrator/internal/model"
	"github.com/forgeflow/orchestrator/internal/pipelinestate"
	"github.com/forgeflow/orchestrator/internal/platform"
	"github.com/forgeflow/orchestrator/internal/translog"
	"github.com/forgeflow/orchestrator/internal/workflowconfig"
)

// Logger is a leveled logging seam (a superset of platform.Logger),
// decoupling this package from a concrete slog handler.
type Logger interface {
	Debug(msg string, keyValuePairs ...any)
	Info(msg string, keyValuePairs ...any)
	Warn(msg string, keyValuePairs ...any)
	Error(msg string, keyValuePairs ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// TokenProvider supplies the bearer token for a platform call (SPEC_FULL.md
// §6's AccessTokenProvider). githubapp.Provider is the reference
// implementation; tests and simple deployments may use a static string.
type TokenProvider interface {
	Token() (string, error)
}

// StaticToken is the simplest TokenProvider, returning a fixed string.
type StaticToken string

// Token implements TokenProvider.
func (s StaticToken) Token() (string, error) { return string(s), nil }

// pendingKey identifies an in-flight agent assignment for idempotency.
type pendingKey struct {
	issueNumber int
	slug        string
}

// Orchestrator holds all dependencies for the workflow primitives. One
// instance is shared across the poller and any external collaborator
// surface for a given project; per-issue mutation is serialized via a
// per-issue lock (§5), never a single global lock, so two issues never
// block each other.
type Orchestrator struct {
	platform platform.Client
	tokens   TokenProvider
	pipes    *pipelinestate.Store
	config   *workflowconfig.Store
	transitions *translog.Log
	clock    clock.Clock
	logger   Logger

	issueLocksMu sync.Mutex
	issueLocks   map[int]*sync.Mutex

	pendingMu sync.Mutex
	pending   map[pendingKey]time.Time

	recoveryMu sync.Mutex
	recoveryLastAttempt map[int]time.Time
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger attaches a debug/info/warn/error logger.
func WithLogger(l Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// New constructs an Orchestrator.
func New(p platform.Client, tokens TokenProvider, pipes *pipelinestate.Store, cfg *workflowconfig.Store, tlog *translog.Log, c clock.Clock, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		platform:            p,
		tokens:              tokens,
		pipes:               pipes,
		config:              cfg,
		transitions:         tlog,
		clock:               c,
		logger:              noopLogger{},
		issueLocks:          make(map[int]*sync.Mutex),
		pending:             make(map[pendingKey]time.Time),
		recoveryLastAttempt: make(map[int]time.Time),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// lockIssue returns the mutex for an issue number, creating it on first
// use. The lock itself is never held across a platform call (§5) -- it
// guards only the read-modify-write of local state around those calls.
func (o *Orchestrator) lockIssue(issueNumber int) *sync.Mutex {
	o.issueLocksMu.Lock()
	defer o.issueLocksMu.Unlock()
	m, ok := o.issueLocks[issueNumber]
	if !ok {
		m = &sync.Mutex{}
		o.issueLocks[issueNumber] = m
	}
	return m
}

func (o *Orchestrator) token() (string, error) {
	tok, err := o.tokens.Token()
	if err != nil {
		return "", pkgerrors.Wrap(err, "obtain access token")
	}
	return tok, nil
}

// gracePeriodElapsed reports whether the grace period since a recorded
// instant has passed, per the injected clock.
func (o *Orchestrator) gracePeriodElapsed(since time.Time, grace time.Duration) bool {
	return o.clock.Now().Sub(since) >= grace
}

// markPending records (or refreshes) a pending assignment's timestamp.
func (o *Orchestrator) markPending(issueNumber int, slug string) {
	o.pendingMu.Lock()
	defer o.pendingMu.Unlock()
	o.pending[pendingKey{issueNumber, slug}] = o.clock.Now()
}

// pendingActive reports whether an assignment for (issueNumber, slug) was
// registered within the grace period.
func (o *Orchestrator) pendingActive(issueNumber int, slug string, grace time.Duration) bool {
	o.pendingMu.Lock()
	defer o.pendingMu.Unlock()
	at, ok := o.pending[pendingKey{issueNumber, slug}]
	if !ok {
		return false
	}
	return !o.gracePeriodElapsed(at, grace)
}

// clearPending removes a pending-assignment marker, e.g. on failure so a
// later pass may retry sooner than the grace period would otherwise allow.
func (o *Orchestrator) clearPending(issueNumber int, slug string) {
	o.pendingMu.Lock()
	defer o.pendingMu.Unlock()
	delete(o.pending, pendingKey{issueNumber, slug})
}

// recoveryAllowed reports whether enough time has passed since the last
// recovery-driven action on an issue to attempt another one.
func (o *Orchestrator) recoveryAllowed(issueNumber int, grace time.Duration) bool {
	o.recoveryMu.Lock()
	defer o.recoveryMu.Unlock()
	last, ok := o.recoveryLastAttempt[issueNumber]
	if !ok {
		return true
	}
	return o.gracePeriodElapsed(last, grace)
}

func (o *Orchestrator) markRecoveryAttempt(issueNumber int) {
	o.recoveryMu.Lock()
	defer o.recoveryMu.Unlock()
	o.recoveryLastAttempt[issueNumber] = o.clock.Now()
}

// GetPipelineState exposes the current pipeline state for an issue
// (SPEC_FULL.md §6).
func (o *Orchestrator) GetPipelineState(issueNumber int) *model.PipelineState {
	return o.pipes.GetPipelineState(issueNumber)
}

// GetAllPipelineStates exposes every tracked pipeline state (SPEC_FULL.md
// §6), used by the poller's reconciliation passes.
func (o *Orchestrator) GetAllPipelineStates() map[int]*model.PipelineState {
	return o.pipes.GetAllPipelineStates()
}

// GetTransitions exposes the transition log filtered by issue, or all
// transitions since the start if issueID is empty.
func (o *Orchestrator) GetTransitions(issueID string, limit int) []model.WorkflowTransition {
	var all []model.WorkflowTransition
	if issueID == "" {
		all = o.transitions.Since(0)
	} else {
		all = o.transitions.ForIssue(issueID)
	}
	if limit > 0 && len(all) > limit {
		return all[len(all)-limit:]
	}
	return all
}

func (o *Orchestrator) recordTransition(ctx context.Context, t model.WorkflowTransition) {
	_ = ctx // transitions are recorded synchronously; ctx reserved for future export hooks
	o.transitions.Record(t)
}
