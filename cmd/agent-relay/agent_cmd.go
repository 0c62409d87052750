package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/asheshgoplani/agent-relay/internal/relay"
	"github.com/asheshgoplani/agent-relay/internal/statedb"
	"github.com/asheshgoplani/agent-relay/internal/tmux"
)

func newAgentCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "agent",
		Aliases: []string{"agents"},
		Short:   "Manage agents (one tmux window each)",
	}
	cmd.AddCommand(
		newAgentAddCmd(root),
		newAgentRemoveCmd(root),
		newAgentListCmd(root),
		newAgentSetCmd(root),
	)
	return cmd
}

type agentAddOptions struct {
	channel  string
	window   string
	command  string
	hooks    bool
	verify   bool
	disabled bool
	start    bool
}

func newAgentAddCmd(root *rootOptions) *cobra.Command {
	opts := &agentAddOptions{}

	cmd := &cobra.Command{
		Use:   "add PROJECT AGENT",
		Short: "Register an agent window and bind it to a chat channel",
		Long: `Register an agent. Its pane is the tmux window AGENT (or --window) in the
project's session. Messages from --channel are typed into that pane and
its output is posted back to the channel.

Agents registered with --hooks report their state through
'agent-relay hook' instead of being polled.`,
		Example: `  agent-relay agent add web claude --channel -1001234567 --command claude --start
  agent-relay agent add web codex --channel -1001234567 --hooks`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close()

			p, err := resolveProject(db, args[0])
			if err != nil {
				return err
			}
			a := &statedb.AgentRow{
				ProjectID:    p.ID,
				AgentID:      args[1],
				Window:       opts.window,
				ChannelID:    opts.channel,
				Command:      opts.command,
				EventHooks:   opts.hooks,
				VerifySubmit: opts.verify,
				Enabled:      !opts.disabled,
			}
			if err := db.SaveAgent(a); err != nil {
				return err
			}

			out := newCLIOutput(cmd.OutOrStdout(), root.jsonOut)
			if opts.start {
				ctx, cancel := context.WithTimeout(cmd.Context(), tmuxCallTimeout)
				created, err := tmux.NewController().EnsureWindow(ctx, tmux.WindowSpec{
					Session: p.TmuxSession,
					Window:  a.Window,
					WorkDir: p.WorkDir,
					Command: a.Command,
				})
				cancel()
				if err != nil {
					return fmt.Errorf("start %s: %w", tmux.TargetName(p.TmuxSession, a.Window), err)
				}
				if !created {
					out.Warn(fmt.Sprintf("window %s already exists; left running", tmux.TargetName(p.TmuxSession, a.Window)))
				}
			}
			if a.ChannelID == "" {
				out.Warn("no --channel given; notifications go to web clients only")
			}
			return out.Success(fmt.Sprintf("agent %s registered (window %s)", relayKey(a), tmux.TargetName(p.TmuxSession, a.Window)),
				agentView(a))
		},
	}

	cmd.Flags().StringVar(&opts.channel, "channel", "", "Chat channel id (Telegram chat id)")
	cmd.Flags().StringVar(&opts.window, "window", "", "tmux window name (default: AGENT)")
	cmd.Flags().StringVar(&opts.command, "command", "", "Command started in a new window (e.g. claude)")
	cmd.Flags().BoolVar(&opts.hooks, "hooks", false, "Agent reports state via hook events instead of polling")
	cmd.Flags().BoolVar(&opts.verify, "verify", true, "Confirm each submission reached the agent")
	cmd.Flags().BoolVar(&opts.disabled, "disabled", false, "Register without polling or routing")
	cmd.Flags().BoolVar(&opts.start, "start", false, "Create the tmux window and start --command")
	return cmd
}

func newAgentRemoveCmd(root *rootOptions) *cobra.Command {
	var kill bool

	cmd := &cobra.Command{
		Use:     "remove PROJECT AGENT",
		Aliases: []string{"rm"},
		Short:   "Unregister an agent",
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close()

			p, err := resolveProject(db, args[0])
			if err != nil {
				return err
			}
			a, err := db.GetAgent(p.ID, args[1])
			if err != nil {
				return err
			}
			if err := db.DeleteAgent(p.ID, a.AgentID); err != nil {
				return err
			}
			if kill {
				ctx, cancel := context.WithTimeout(cmd.Context(), tmuxCallTimeout)
				err := tmux.NewController().KillWindow(ctx, p.TmuxSession, a.Window)
				cancel()
				if err != nil {
					return fmt.Errorf("kill %s: %w", tmux.TargetName(p.TmuxSession, a.Window), err)
				}
			}
			return newCLIOutput(cmd.OutOrStdout(), root.jsonOut).Success(
				fmt.Sprintf("agent %s removed", relayKey(a)),
				map[string]any{"success": true, "project": p.ID, "agent": a.AgentID})
		},
	}
	cmd.Flags().BoolVar(&kill, "kill", false, "Also kill the agent's tmux window")
	return cmd
}

func newAgentListCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "list [PROJECT]",
		Aliases: []string{"ls"},
		Short:   "List agents",
		Args:    cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close()

			projectID := ""
			if len(args) == 1 {
				p, err := resolveProject(db, args[0])
				if err != nil {
					return err
				}
				projectID = p.ID
			}
			agents, err := db.ListAgents(projectID)
			if err != nil {
				return err
			}

			views := make([]agentJSON, 0, len(agents))
			rows := make([][]string, 0, len(agents))
			for _, a := range agents {
				views = append(views, agentView(a))
				rows = append(rows, []string{
					a.ProjectID, a.AgentID, a.Window, orDash(a.ChannelID),
					agentMode(a), yesNo(a.VerifySubmit), yesNo(a.Enabled), orDash(a.Command),
				})
			}
			human := "no agents registered\n"
			if len(rows) > 0 {
				human = renderTable([]column{
					{Title: "PROJECT", Width: 16},
					{Title: "AGENT", Width: 16},
					{Title: "WINDOW", Width: 16},
					{Title: "CHANNEL", Width: 16},
					{Title: "MODE"},
					{Title: "VERIFY"},
					{Title: "ENABLED"},
					{Title: "COMMAND", Width: 32},
				}, rows)
			}
			return newCLIOutput(cmd.OutOrStdout(), root.jsonOut).Print(human, views)
		},
	}
}

// agentFields maps user-facing keys onto updatable agent columns.
var agentFields = map[string]string{
	"channel": "channel_id",
	"command": "command",
	"window":  "window",
	"hooks":   "event_hooks",
	"verify":  "verify_submit",
	"enabled": "enabled",
}

func newAgentSetCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "set PROJECT AGENT KEY=VALUE...",
		Short: "Change agent settings",
		Long: `Change agent settings. Keys: channel, command, window, hooks, verify,
enabled. Boolean keys take true or false. The running daemon picks the
change up on its next tick.`,
		Example: `  agent-relay agent set web claude enabled=false
  agent-relay agent set web codex channel=-1001234567 hooks=true`,
		Args: cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			updates, err := parseAgentUpdates(args[2:])
			if err != nil {
				return err
			}

			db, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close()

			p, err := resolveProject(db, args[0])
			if err != nil {
				return err
			}
			for _, u := range updates {
				if err := db.UpdateAgentField(p.ID, args[1], u.field, u.value); err != nil {
					return err
				}
			}
			a, err := db.GetAgent(p.ID, args[1])
			if err != nil {
				return err
			}
			return newCLIOutput(cmd.OutOrStdout(), root.jsonOut).Success(
				fmt.Sprintf("agent %s updated", relayKey(a)), agentView(a))
		},
	}
}

type agentUpdate struct {
	field string
	value any
}

func parseAgentUpdates(pairs []string) ([]agentUpdate, error) {
	updates := make([]agentUpdate, 0, len(pairs))
	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("expected KEY=VALUE, got %q", pair)
		}
		field, known := agentFields[strings.ToLower(strings.TrimSpace(key))]
		if !known {
			return nil, fmt.Errorf("unknown key %q", key)
		}
		var value any = raw
		switch field {
		case "event_hooks", "verify_submit", "enabled":
			b, err := strconv.ParseBool(raw)
			if err != nil {
				return nil, fmt.Errorf("%s: %q is not a boolean", key, raw)
			}
			value = b
		case "window":
			if raw == "" {
				return nil, fmt.Errorf("window cannot be empty")
			}
		}
		updates = append(updates, agentUpdate{field: field, value: value})
	}
	return updates, nil
}

func agentMode(a *statedb.AgentRow) string {
	if a.EventHooks {
		return "hooks"
	}
	return "poll"
}

func relayKey(a *statedb.AgentRow) string {
	return relay.KeyOf(a.ProjectID, a.AgentID).String()
}

type agentJSON struct {
	Project      string    `json:"project"`
	Agent        string    `json:"agent"`
	Window       string    `json:"window"`
	ChannelID    string    `json:"channel_id,omitempty"`
	Command      string    `json:"command,omitempty"`
	EventHooks   bool      `json:"event_hooks"`
	VerifySubmit bool      `json:"verify_submit"`
	Enabled      bool      `json:"enabled"`
	CreatedAt    time.Time `json:"created_at"`
}

func agentView(a *statedb.AgentRow) agentJSON {
	return agentJSON{
		Project:      a.ProjectID,
		Agent:        a.AgentID,
		Window:       a.Window,
		ChannelID:    a.ChannelID,
		Command:      a.Command,
		EventHooks:   a.EventHooks,
		VerifySubmit: a.VerifySubmit,
		Enabled:      a.Enabled,
		CreatedAt:    a.CreatedAt,
	}
}
