package cli

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/forgeflow/orchestrator/internal/clock"
	"github.com/forgeflow/orchestrator/internal/platform"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show each project-board item's current status, queried live from the forge",
	Long: `status is a stateless, one-shot read directly against the forge -- it does not
attach to a running "orchestratord serve" process, since inter-process
coordination beyond the forge API is out of scope for this core. It performs
the same GetProjectItems read the poller's own tick would, without taking
any action.`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadDaemonConfig()
	if err != nil {
		return err
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

	items, err := client.GetProjectItems(ctx, tok, cfg.ProjectID)
	if err != nil {
		return fmt.Errorf("list project items: %w", err)
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ISSUE\tSTATUS\tNODE ID")
	for _, item := range items {
		fmt.Fprintf(w, "#%d\t%s\t%s\n", item.IssueNumber, item.Status, item.IssueNodeID)
	}
	return w.Flush()
}
