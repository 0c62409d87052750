package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/asheshgoplani/agent-relay/internal/relay"
	"github.com/asheshgoplani/agent-relay/internal/statedb"
	"github.com/asheshgoplani/agent-relay/internal/tmux"
)

const sendGracePeriod = 5 * time.Second

func newSendCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "send PROJECT [AGENT] TEXT",
		Short: "Type a message into an agent's pane and submit it",
		Long: `Deliver TEXT to an agent the same way a chat message would be delivered.
Without AGENT the project's first agent is used. Warnings (unconfirmed
submission, missing session) are also posted to the agent's channel when
a chat token is configured.`,
		Example: `  agent-relay send web "run the tests"
  agent-relay send web codex "review the last commit"`,
		Args: cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			projectArg, agentArg, text := args[0], "", args[len(args)-1]
			if len(args) == 3 {
				agentArg = args[1]
			}
			if strings.TrimSpace(text) == "" {
				return fmt.Errorf("text is empty")
			}
			if err := tmux.IsAvailable(); err != nil {
				return err
			}

			db, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close()

			p, err := resolveProject(db, projectArg)
			if err != nil {
				return err
			}
			client, err := newChatClient()
			if err != nil {
				return err
			}
			b, err := newBridge(db, tmux.NewController(), client, "")
			if err != nil {
				return err
			}
			target, err := pickTarget(cmd.Context(), b.Registry(), p.ID, agentArg)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), b.Router().MaxDeliverDuration()+sendGracePeriod)
			defer cancel()
			res := b.Router().Deliver(ctx, target, text)
			recordCLISend(db, res)
			return reportDelivery(newCLIOutput(cmd.OutOrStdout(), root.jsonOut), res)
		},
	}
}

// pickTarget returns the named agent of a project, or its first agent.
func pickTarget(ctx context.Context, source relay.TargetSource, projectID, agentID string) (relay.Target, error) {
	targets, err := source.Targets(ctx)
	if err != nil {
		return relay.Target{}, err
	}
	found := false
	for _, t := range targets {
		if t.ProjectID != projectID {
			continue
		}
		if agentID == "" || t.AgentID == agentID {
			return t, nil
		}
		found = true
	}
	if !found {
		return relay.Target{}, fmt.Errorf("project %s has no enabled agents", projectID)
	}
	return relay.Target{}, fmt.Errorf("agent %s is not an enabled agent of %s", agentID, projectID)
}

func recordCLISend(db *statedb.StateDB, res relay.DeliveryResult) {
	row := &statedb.DeliveryRow{
		ProjectID: res.Target.ProjectID,
		AgentID:   res.Target.AgentID,
		ChannelID: res.Target.ChannelID,
		Direction: statedb.DirectionIn,
		Kind:      "cli",
		Result:    string(res.Status),
	}
	if res.Err != nil {
		row.Detail = res.Err.Error()
	}
	_, _ = db.RecordDelivery(row)
}

func reportDelivery(out *cliOutput, res relay.DeliveryResult) error {
	data := map[string]any{
		"status":  res.Status,
		"project": res.Target.ProjectID,
		"agent":   res.Target.AgentID,
	}
	key := res.Target.Key()
	switch res.Status {
	case relay.Delivered:
		return out.Success(fmt.Sprintf("delivered to %s", key), data)
	case relay.Unconfirmed:
		out.Warn(fmt.Sprintf("sent to %s but the submission could not be confirmed", key))
		if out.jsonMode {
			return out.printJSON(data)
		}
		return nil
	default:
		if out.jsonMode {
			data["error"] = fmt.Sprint(res.Err)
			_ = out.printJSON(data)
		}
		return fmt.Errorf("%s %s: %v", errorSymbol, key, res.Err)
	}
}
