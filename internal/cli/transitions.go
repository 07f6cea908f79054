package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/forgeflow/orchestrator/internal/clock"
	"github.com/forgeflow/orchestrator/internal/platform"
	"github.com/forgeflow/orchestrator/internal/trackingtable"
)

var transitionsIssue int

var transitionsCmd = &cobra.Command{
	Use:   "transitions",
	Short: "Preview the pipeline decision the poller would make for one issue",
	Long: `transitions re-derives what the next reconciliation tick would decide for a
single issue -- assign an agent, wait, advance the pipeline, or transition
status -- by re-parsing its tracking table and trailing comments, the same
inputs trackingtable.DetermineNextAction reads from. It takes no action and
reads the Transition Log of no co-resident process, since that log is kept
in memory only (see internal/translog); this is a live re-derivation, not a
replay.`,
	Args: cobra.NoArgs,
	RunE: runTransitions,
}

func init() {
	transitionsCmd.Flags().IntVar(&transitionsIssue, "issue", 0, "issue number to evaluate (required)")
	_ = transitionsCmd.MarkFlagRequired("issue")
	rootCmd.AddCommand(transitionsCmd)
}

func runTransitions(cmd *cobra.Command, args []string) error {
	cfg, err := loadDaemonConfig()
	if err != nil {
		return err
	}
	if cfg.RepoOwner == "" || cfg.RepoName == "" {
		return fmt.Errorf("repo_owner and repo_name are required")
	}

	tokens, err := buildTokenProvider(cfg, clock.Real{})
	if err != nil {
		return err
	}
	tok, err := tokens.Token()
	if err != nil {
		return fmt.Errorf("obtain access token: %w", err)
	}

	client := platform.New()
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	issue, err := client.GetIssueWithComments(ctx, tok, cfg.RepoOwner, cfg.RepoName, transitionsIssue)
	if err != nil {
		return fmt.Errorf("load issue #%d: %w", transitionsIssue, err)
	}

	comments := make([]string, 0, len(issue.Comments))
	for _, c := range issue.Comments {
		comments = append(comments, c.Body)
	}

	action := trackingtable.DetermineNextAction(issue.Body, comments)
	fmt.Fprintf(cmd.OutOrStdout(), "issue #%d: %s", transitionsIssue, action.Kind)
	if action.Slug != "" {
		fmt.Fprintf(cmd.OutOrStdout(), " slug=%s", action.Slug)
	}
	if action.TargetStatus != "" {
		fmt.Fprintf(cmd.OutOrStdout(), " target_status=%s", action.TargetStatus)
	}
	fmt.Fprintln(cmd.OutOrStdout())
	return nil
}
