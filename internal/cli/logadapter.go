// Package cli is the orchestratord command surface: cobra subcommands bound
// to viper-resolved configuration (SPEC_FULL.md §2a). Grounded on
// andymwolf-agentium's internal/cli (cobra.OnInitialize(initConfig), a
// persistent --config flag, viper.AutomaticEnv with a prefix) and on the
// teacher's small Logger interfaces, which this package's slog adapter
// feeds.
package cli

import (
	"log/slog"
)

// slogAdapter satisfies orchestrator.Logger / poller.Logger (four methods)
// and platform.Logger (Debug only) with a *slog.Logger, the way the
// teacher's pluginLogger wraps the Mattermost host's logging API behind a
// small interface so call sites stay host-agnostic.
type slogAdapter struct {
	l *slog.Logger
}

func newSlogAdapter(l *slog.Logger) slogAdapter { return slogAdapter{l: l} }

func (a slogAdapter) Debug(msg string, kv ...any) { a.l.Debug(msg, kv...) }
func (a slogAdapter) Info(msg string, kv ...any)  { a.l.Info(msg, kv...) }
func (a slogAdapter) Warn(msg string, kv ...any)  { a.l.Warn(msg, kv...) }
func (a slogAdapter) Error(msg string, kv ...any) { a.l.Error(msg, kv...) }
