package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/asheshgoplani/agent-relay/internal/config"
	"github.com/asheshgoplani/agent-relay/internal/hooks"
	"github.com/asheshgoplani/agent-relay/internal/logging"
)

const maxHookInput = 1 << 20

// claudeHookPayload is the subset of the Claude Code hook stdin payload we read.
type claudeHookPayload struct {
	HookEventName        string `json:"hook_event_name"`
	Message              string `json:"message"`
	LastAssistantMessage string `json:"last_assistant_message"`
}

// mapClaudeEvent maps a Claude Code hook event onto a relay hook event.
func mapClaudeEvent(name string) string {
	switch name {
	case "UserPromptSubmit", "PreToolUse":
		return hooks.EventWorking
	case "Stop":
		return hooks.EventStop
	case "SessionEnd":
		return hooks.EventSessionEnd
	default:
		return ""
	}
}

type hookOptions struct {
	message string
	stdin   bool
	claude  bool
}

func newHookCmd() *cobra.Command {
	opts := &hookOptions{}

	cmd := &cobra.Command{
		Use:   "hook PROJECT AGENT [EVENT]",
		Short: "Report an agent state change (for agents registered with --hooks)",
		Long: `Write a hook event for the daemon to relay. EVENT is one of working,
stop or session_end. For stop, the message (--message or --stdin) is
posted as the completion.

With --claude the event and message are read from the Claude Code hook
payload on stdin, and failures never exit non-zero so the agent is
never blocked:

  "hooks": {"Stop": [{"hooks": [{"type": "command",
    "command": "agent-relay hook web claude --claude"}]}]}`,
		Args: cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := buildHookEvent(cmd.InOrStdin(), args, opts)
			if err == nil && e.Name != "" {
				err = writeHookEvent(e)
			}
			if err != nil && opts.claude {
				logging.ForComponent(logging.CompHooks).Warn("hook_command_failed",
					slog.String("error", err.Error()))
				return nil
			}
			return err
		},
	}

	cmd.Flags().StringVarP(&opts.message, "message", "m", "", "Message for a stop event")
	cmd.Flags().BoolVar(&opts.stdin, "stdin", false, "Read the message from stdin")
	cmd.Flags().BoolVar(&opts.claude, "claude", false, "Read a Claude Code hook payload from stdin")
	return cmd
}

// buildHookEvent returns an event with an empty Name when a Claude payload
// carries an event the relay does not track.
func buildHookEvent(stdin io.Reader, args []string, opts *hookOptions) (hooks.Event, error) {
	e := hooks.Event{ProjectID: args[0], AgentID: args[1], Message: opts.message}
	if len(args) == 3 {
		e.Name = strings.ToLower(args[2])
	}

	switch {
	case opts.claude:
		data, err := io.ReadAll(io.LimitReader(stdin, maxHookInput))
		if err != nil {
			return e, fmt.Errorf("read hook payload: %w", err)
		}
		var payload claudeHookPayload
		if err := json.Unmarshal(data, &payload); err != nil {
			return e, fmt.Errorf("decode hook payload: %w", err)
		}
		if e.Name == "" {
			e.Name = mapClaudeEvent(payload.HookEventName)
		}
		if e.Message == "" {
			e.Message = payload.LastAssistantMessage
		}
		return e, nil
	case opts.stdin:
		data, err := io.ReadAll(io.LimitReader(stdin, maxHookInput))
		if err != nil {
			return e, fmt.Errorf("read message: %w", err)
		}
		e.Message = string(data)
	}

	if !hooks.ValidEvent(e.Name) {
		return e, fmt.Errorf("event must be one of %s, %s, %s",
			hooks.EventWorking, hooks.EventStop, hooks.EventSessionEnd)
	}
	return e, nil
}

func writeHookEvent(e hooks.Event) error {
	dir, err := config.Path(config.HooksDirName)
	if err != nil {
		return err
	}
	return hooks.WriteEvent(dir, e)
}
