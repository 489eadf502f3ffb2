package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// buildChatCmd creates the "chat" command: the interactive REPL.
func buildChatCmd() *cobra.Command {
	var opts chatOptions
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive session",
		Long: `Chat runs a streaming session against the configured model.

Input is read line by line. Plain lines become prompts; slash commands
drive the running session:

  /steer <text>    redirect the current run without waiting for it
  /followup <text> queue a prompt for after the current run
  /abort           cancel the in-flight turn
  /model [ref]     show or switch the model (provider:modelId)
  /thinking <lvl>  set the reasoning effort (off, minimal, low, medium, high, xhigh)
  /stats           print session counters
  /save            flush the journal to disk
  /quit            save and exit

When stdin is not a terminal the whole input is sent as a single prompt
and the command exits after the run completes.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd, opts)
		},
	}
	cmd.Flags().StringVarP(&opts.ModelRef, "model", "m", "", "Model as provider:modelId (overrides settings)")
	cmd.Flags().StringVar(&opts.SystemPrompt, "system", "", "System prompt sent with every request")
	cmd.Flags().StringVar(&opts.SettingsPath, "settings", "", "Settings file (default: $LOOM_HOME/settings.json5 merged with ./.loom/settings.json5)")
	cmd.Flags().StringVar(&opts.ResumeID, "resume", "", "Resume a stored session by id")
	cmd.Flags().StringVar(&opts.Thinking, "thinking", "", "Thinking level (off, minimal, low, medium, high, xhigh)")
	cmd.Flags().BoolVar(&opts.ShowThinking, "show-thinking", false, "Stream thinking deltas to the terminal")
	cmd.Flags().StringVar(&opts.LogLevel, "log-level", "", "Log level (debug, info, warn, error; default from config.yaml)")
	return cmd
}

// buildSessionsCmd creates the "sessions" command group for inspecting
// stored journals.
func buildSessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect stored sessions",
	}
	cmd.AddCommand(buildSessionsListCmd(), buildSessionsShowCmd())
	return cmd
}

func buildSessionsListCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored sessions for the current project",
		Long: `List stored sessions.

The jsonl store scopes sessions to the working directory they were
started from; --all spans every project. Database stores (sqlite,
postgres) have no project scoping and always list everything.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessionsList(cmd, all)
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "List sessions across all projects")
	return cmd
}

func buildSessionsShowCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "show <session-id>",
		Short: "Render a stored session transcript",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessionsShow(cmd, args[0], asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Emit raw journal entries as JSON")
	return cmd
}

// buildVersionCmd creates the "version" command.
func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "loom %s\ncommit: %s\nbuilt:  %s\n", version, commit, date)
		},
	}
}
