package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "orchestratord",
	Short: "Workflow Orchestrator: drives AI-agent pipelines on a forge project board",
	Long: `orchestratord turns confirmed feature recommendations into tracked issues,
attaches them to a project board, and drives them through an ordered AI-agent
pipeline (specify -> plan -> tasks -> implement) with status transitions,
branch lineage, child-PR merging, and review routing.`,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ./orchestratord.yaml)")
	rootCmd.PersistentFlags().String("project-id", "", "forge Projects-v2 node ID to orchestrate")
	rootCmd.PersistentFlags().String("repo-owner", "", "repository owner")
	rootCmd.PersistentFlags().String("repo-name", "", "repository name")
	rootCmd.PersistentFlags().String("database-path", "", "path to the sqlite configuration database")
	rootCmd.PersistentFlags().String("token", "", "static bearer token (use github_app.* for installation tokens instead)")
	rootCmd.PersistentFlags().String("log-level", "info", "debug, info, warn, or error")
	rootCmd.PersistentFlags().Bool("log-json", false, "emit structured JSON logs instead of text")

	for _, flag := range []struct{ name, key string }{
		{"project-id", "project_id"},
		{"repo-owner", "repo_owner"},
		{"repo-name", "repo_name"},
		{"database-path", "database_path"},
		{"token", "token"},
		{"log-level", "log_level"},
		{"log-json", "log_json"},
	} {
		_ = viper.BindPFlag(flag.key, rootCmd.PersistentFlags().Lookup(flag.name))
	}
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		cwd, err := os.Getwd()
		if err != nil {
			fmt.Fprintln(os.Stderr, "error getting working directory:", err)
			os.Exit(1)
		}
		viper.AddConfigPath(cwd)
		viper.SetConfigType("yaml")
		viper.SetConfigName("orchestratord")
	}

	viper.SetEnvPrefix("ORCHESTRATORD")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		if viper.GetBool("log_json") {
			fmt.Fprintln(os.Stderr, "using config file:", viper.ConfigFileUsed())
		}
	}
}
