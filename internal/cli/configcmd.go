package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/forgeflow/orchestrator/internal/clock"
	"github.com/forgeflow/orchestrator/internal/model"
	"github.com/forgeflow/orchestrator/internal/workflowconfig"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect or seed a project's workflow configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the resolved WorkflowConfiguration row for a project as JSON",
	Args:  cobra.NoArgs,
	RunE:  runConfigShow,
}

var configAgentsFile string

var configSetAgentsCmd = &cobra.Command{
	Use:   "set-agents",
	Short: "Replace the per-status agent mappings from a JSON file",
	Long: `Replace the per-status agent mappings from a JSON file shaped like:
  {"Backlog": ["speckit.specify"], "Ready": ["speckit.plan"], "In Progress": ["speckit.tasks", "speckit.implement"]}`,
	Args: cobra.NoArgs,
	RunE: runConfigSetAgents,
}

func init() {
	configSetAgentsCmd.Flags().StringVar(&configAgentsFile, "file", "", "path to a JSON file of status -> agent slugs (required)")
	_ = configSetAgentsCmd.MarkFlagRequired("file")

	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetAgentsCmd)
	rootCmd.AddCommand(configCmd)
}

func openConfigStore(cfg *daemonConfig) (*workflowconfig.Store, error) {
	store, err := workflowconfig.Open(cfg.DatabasePath, clock.Real{})
	if err != nil {
		return nil, fmt.Errorf("open configuration store: %w", err)
	}
	return store, nil
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadDaemonConfig()
	if err != nil {
		return err
	}
	store, err := openConfigStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	wfCfg, err := store.Get(cfg.ProjectID)
	if err != nil {
		return fmt.Errorf("load workflow configuration: %w", err)
	}
	if wfCfg == nil {
		return fmt.Errorf("no workflow configuration found for project %q; run \"orchestratord serve\" once to seed defaults", cfg.ProjectID)
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(wfCfg)
}

func runConfigSetAgents(cmd *cobra.Command, args []string) error {
	cfg, err := loadDaemonConfig()
	if err != nil {
		return err
	}
	raw, err := os.ReadFile(configAgentsFile)
	if err != nil {
		return fmt.Errorf("read agent mappings file: %w", err)
	}
	var bySlug map[string][]string
	if err := json.Unmarshal(raw, &bySlug); err != nil {
		return fmt.Errorf("parse agent mappings file: %w", err)
	}

	store, err := openConfigStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	wfCfg, err := store.Get(cfg.ProjectID)
	if err != nil {
		return fmt.Errorf("load workflow configuration: %w", err)
	}
	if wfCfg == nil {
		wfCfg = defaultWorkflowConfiguration(cfg)
	}

	mappings := make(map[string][]model.AgentAssignment, len(bySlug))
	for status, slugs := range bySlug {
		assignments := make([]model.AgentAssignment, 0, len(slugs))
		for _, slug := range slugs {
			assignments = append(assignments, model.AgentAssignment{Slug: slug})
		}
		mappings[status] = assignments
	}
	wfCfg.AgentMappings = mappings

	if err := store.Set(cfg.ProjectID, wfCfg); err != nil {
		return fmt.Errorf("persist workflow configuration: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "updated agent mappings for project %s\n", cfg.ProjectID)
	return nil
}

// defaultWorkflowConfiguration builds a fresh WorkflowConfiguration seeded
// from the CLI-resolved repo coordinates, leaving agent mappings empty
// until "config set-agents" populates them -- matching the plugin's
// configuration.go Clone-then-default-with-floor pattern rather than
// inventing pipeline defaults this core can't know.
func defaultWorkflowConfiguration(cfg *daemonConfig) *model.WorkflowConfiguration {
	wfCfg := &model.WorkflowConfiguration{
		ProjectID:              cfg.ProjectID,
		RepoOwner:              cfg.RepoOwner,
		RepoName:               cfg.RepoName,
		PollingIntervalSeconds: cfg.PollIntervalSeconds,
	}
	wfCfg.ApplyDefaults()
	return wfCfg
}
