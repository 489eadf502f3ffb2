// Package main provides the CLI entry point for the loom session runtime.
//
// Loom drives long-running coding-assistant sessions: a streaming agent loop
// between a user, an LLM event stream, and registered tools, backed by a
// branching session journal with context compaction.
//
// # Basic Usage
//
// Start an interactive chat:
//
//	loom chat
//
// Run a single prompt from a pipe:
//
//	echo "explain this stack trace" | loom chat
//
// Inspect stored sessions for the current project:
//
//	loom sessions list
//	loom sessions show <session-id>
//
// # Environment Variables
//
//   - LOOM_HOME: state directory (default: ~/.loom)
//   - ANTHROPIC_API_KEY: Anthropic API key for Claude models
//   - OPENAI_API_KEY: OpenAI API key for GPT models
//   - GEMINI_API_KEY / GOOGLE_API_KEY: Google API key for Gemini models
//
// # Files
//
//   - <home>/config.yaml: service configuration (journal backend,
//     logging, OTLP tracing endpoint, metrics address)
//   - <home>/settings.json5 and ./.loom/settings.json5: user settings
//     (models, providers, thinking level), project over global
//   - <home>/sessions/: stored journals (jsonl store)
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information - populated by ldflags during build.
//
// Example build command:
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"     // Semantic version (e.g., "v1.0.0")
	commit  = "none"    // Git commit SHA
	date    = "unknown" // Build timestamp
)

func main() {
	// Default logger for command plumbing; chat builds its own redacting
	// logger at the requested level.
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))
	slog.SetDefault(logger)

	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// Separated from main() to facilitate testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "loom",
		Short: "Loom - coding assistant session runtime",
		Long: `Loom runs long-lived coding-assistant sessions: a streaming agent loop
with tool execution, a branching session journal, context compaction, and
bounded sub-session orchestration.

Supported providers: Anthropic (Claude), OpenAI (GPT), Google (Gemini)

Documentation: https://github.com/haasonsaas/loom`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildChatCmd(),
		buildSessionsCmd(),
		buildVersionCmd(),
	)

	return rootCmd
}
