package cli

import (
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/forgeflow/orchestrator/internal/clock"
	"github.com/forgeflow/orchestrator/internal/orchestrator"
	"github.com/forgeflow/orchestrator/internal/pipelinestate"
	"github.com/forgeflow/orchestrator/internal/platform"
	"github.com/forgeflow/orchestrator/internal/poller"
	"github.com/forgeflow/orchestrator/internal/translog"
	"github.com/forgeflow/orchestrator/internal/workflowconfig"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the reconciliation poller for one project until interrupted",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadDaemonConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)
	adapter := newSlogAdapter(logger)

	realClock := clock.Real{}

	tokens, err := buildTokenProvider(cfg, realClock)
	if err != nil {
		return err
	}

	cfgStore, err := workflowconfig.Open(cfg.DatabasePath, realClock)
	if err != nil {
		return fmt.Errorf("open configuration store: %w", err)
	}
	defer cfgStore.Close()

	if err := ensureWorkflowConfiguration(cfgStore, cfg); err != nil {
		return err
	}

	client := platform.New(platform.WithLogger(adapter))
	pipes := pipelinestate.New()
	tlog := translog.New(realClock)

	orch := orchestrator.New(client, tokens, pipes, cfgStore, tlog, realClock, orchestrator.WithLogger(adapter))
	p := poller.New(orch, client, tokens, pipes, cfgStore, realClock, poller.WithLogger(adapter))

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	interval := time.Duration(cfg.PollIntervalSeconds) * time.Second
	logger.Info("starting reconciliation poller", "project_id", cfg.ProjectID, "interval", interval)
	if err := p.StartPolling(ctx, cfg.ProjectID, interval); err != nil {
		return fmt.Errorf("start polling: %w", err)
	}

	<-ctx.Done()
	logger.Info("shutdown signal received, stopping poller")
	p.StopPolling()
	return nil
}

// ensureWorkflowConfiguration seeds a default WorkflowConfiguration row the
// first time orchestratord serves a project, so operators aren't forced to
// hand-write a row before the poller can tick at all; "config set-agents"
// (see configcmd.go) is how an operator later tailors agent mappings.
func ensureWorkflowConfiguration(store *workflowconfig.Store, cfg *daemonConfig) error {
	existing, err := store.Get(cfg.ProjectID)
	if err != nil {
		return fmt.Errorf("load workflow configuration: %w", err)
	}
	if existing != nil {
		return nil
	}
	if cfg.RepoOwner == "" || cfg.RepoName == "" {
		return fmt.Errorf("repo_owner and repo_name are required to seed a new project's configuration")
	}

	defaults := defaultWorkflowConfiguration(cfg)
	if err := store.Set(cfg.ProjectID, defaults); err != nil {
		return fmt.Errorf("seed workflow configuration: %w", err)
	}
	return nil
}
