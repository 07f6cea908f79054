package cli

import (
	"fmt"
	"log/slog"
	"os"

	pkgerrors "github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/forgeflow/orchestrator/internal/clock"
	"github.com/forgeflow/orchestrator/internal/githubapp"
	"github.com/forgeflow/orchestrator/internal/orchestrator"
)

// daemonConfig is the deployment-facing configuration this CLI resolves
// from flags, environment variables (ORCHESTRATORD_ prefix) and an
// optional config file -- everything the forge project's own
// WorkflowConfiguration row (internal/workflowconfig) does not cover,
// per SPEC_FULL.md §2a.
type daemonConfig struct {
	ProjectID string `mapstructure:"project_id"`
	RepoOwner string `mapstructure:"repo_owner"`
	RepoName  string `mapstructure:"repo_name"`

	DatabasePath string `mapstructure:"database_path"`

	Token string `mapstructure:"token"`

	GitHubApp struct {
		AppID          string `mapstructure:"app_id"`
		InstallationID int64  `mapstructure:"installation_id"`
		PrivateKeyPath string `mapstructure:"private_key_path"`
	} `mapstructure:"github_app"`

	PollIntervalSeconds int `mapstructure:"poll_interval_seconds"`

	LogLevel string `mapstructure:"log_level"`
	LogJSON  bool   `mapstructure:"log_json"`
}

func loadDaemonConfig() (*daemonConfig, error) {
	var cfg daemonConfig
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, pkgerrors.Wrap(err, "unmarshal daemon configuration")
	}
	if cfg.ProjectID == "" {
		return nil, fmt.Errorf("project_id is required (flag --project-id, env ORCHESTRATORD_PROJECT_ID, or config file)")
	}
	if cfg.DatabasePath == "" {
		cfg.DatabasePath = "orchestratord.db"
	}
	if cfg.PollIntervalSeconds <= 0 {
		cfg.PollIntervalSeconds = 15
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	return &cfg, nil
}

// buildTokenProvider returns a githubapp.Provider when App credentials are
// configured, falling back to a fixed orchestrator.StaticToken -- e.g. a
// PAT for local development or single-repo deployments that don't warrant
// standing up a GitHub App installation.
func buildTokenProvider(cfg *daemonConfig, c clock.Clock) (orchestrator.TokenProvider, error) {
	if cfg.GitHubApp.AppID != "" {
		key, err := os.ReadFile(cfg.GitHubApp.PrivateKeyPath)
		if err != nil {
			return nil, pkgerrors.Wrap(err, "read github app private key")
		}
		provider, err := githubapp.NewProvider(cfg.GitHubApp.AppID, cfg.GitHubApp.InstallationID, key, c)
		if err != nil {
			return nil, pkgerrors.Wrap(err, "construct github app token provider")
		}
		return provider, nil
	}
	if cfg.Token == "" {
		return nil, fmt.Errorf("either github_app.app_id or token must be configured")
	}
	return orchestrator.StaticToken(cfg.Token), nil
}

func newLogger(cfg *daemonConfig) *slog.Logger {
	var level slog.Level
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.LogJSON {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}
