// Command orchestratord runs the Workflow Orchestrator: it drives confirmed
// feature recommendations through an ordered AI-agent pipeline on a forge
// project board, via a single background reconciliation poller.
package main

import (
	"os"

	"github.com/forgeflow/orchestrator/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
