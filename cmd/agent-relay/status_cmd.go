package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/asheshgoplani/agent-relay/internal/bridge"
	"github.com/asheshgoplani/agent-relay/internal/config"
	"github.com/asheshgoplani/agent-relay/internal/platform"
	"github.com/asheshgoplani/agent-relay/internal/relay"
	"github.com/asheshgoplani/agent-relay/internal/statedb"
	"github.com/asheshgoplani/agent-relay/internal/tmux"
)

const statusDeliveryScan = 500

type statusTarget struct {
	Target     string    `json:"target"`
	Session    string    `json:"session"`
	Window     string    `json:"window"`
	ChannelID  string    `json:"channel_id,omitempty"`
	Mode       string    `json:"mode"`
	Pane       string    `json:"pane"`
	LastKind   string    `json:"last_kind,omitempty"`
	LastResult string    `json:"last_result,omitempty"`
	LastAt     time.Time `json:"last_at,omitempty"`
}

type statusReport struct {
	Daemons  int            `json:"daemons"`
	Tmux     bool           `json:"tmux"`
	Platform string         `json:"platform"`
	HookNote string         `json:"hook_note,omitempty"`
	Targets  []statusTarget `json:"targets"`
}

func newStatusCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show agents, pane liveness and the last message for each",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close()

			report, err := collectStatus(cmd.Context(), db, paneChecker(tmux.NewController()))
			if err != nil {
				return err
			}
			return newCLIOutput(cmd.OutOrStdout(), root.jsonOut).Print(renderStatus(report, time.Now()), report)
		},
	}
}

// paneLister lists the windows of a tmux session.
type paneLister func(ctx context.Context, session string) ([]string, error)

func paneChecker(ctrl *tmux.Controller) paneLister {
	if tmux.IsAvailable() != nil {
		return nil
	}
	return ctrl.ListWindows
}

func collectStatus(ctx context.Context, db *statedb.StateDB, panes paneLister) (*statusReport, error) {
	report := &statusReport{Tmux: panes != nil, Platform: platform.Detect().String()}
	if dir, err := config.Path(config.HooksDirName); err == nil {
		report.HookNote = platform.CheckFsnotifySupport(dir)
	}

	alive, err := db.AliveDaemonCount(bridge.DefaultPrimaryTimeout)
	if err != nil {
		return nil, err
	}
	report.Daemons = alive

	projects, err := db.ListProjects()
	if err != nil {
		return nil, err
	}
	sessions := make(map[string]string, len(projects))
	for _, p := range projects {
		sessions[p.ID] = p.TmuxSession
	}

	agents, err := db.ListAgents("")
	if err != nil {
		return nil, err
	}

	last := make(map[relay.TargetKey]*statedb.DeliveryRow)
	deliveries, err := db.RecentDeliveries(statusDeliveryScan)
	if err != nil {
		return nil, err
	}
	for _, d := range deliveries {
		key := relay.KeyOf(d.ProjectID, d.AgentID)
		if _, ok := last[key]; !ok {
			last[key] = d
		}
	}

	windows := make(map[string]map[string]bool)
	paneState := func(session, window string) string {
		if panes == nil {
			return "unknown"
		}
		set, ok := windows[session]
		if !ok {
			set = make(map[string]bool)
			ctx, cancel := context.WithTimeout(ctx, tmuxCallTimeout)
			names, err := panes(ctx, session)
			cancel()
			if err == nil {
				for _, n := range names {
					set[n] = true
				}
			}
			windows[session] = set
		}
		if set[window] {
			return "up"
		}
		return "down"
	}

	for _, a := range agents {
		session := sessions[a.ProjectID]
		st := statusTarget{
			Target:    relay.KeyOf(a.ProjectID, a.AgentID).String(),
			Session:   session,
			Window:    a.Window,
			ChannelID: a.ChannelID,
			Mode:      agentMode(a),
			Pane:      paneState(session, a.Window),
		}
		if !a.Enabled {
			st.Mode = "off"
		}
		if d, ok := last[relay.KeyOf(a.ProjectID, a.AgentID)]; ok {
			st.LastKind = d.Kind
			st.LastResult = d.Result
			st.LastAt = d.CreatedAt
		}
		report.Targets = append(report.Targets, st)
	}
	return report, nil
}

func renderStatus(r *statusReport, now time.Time) string {
	var b strings.Builder

	daemon := errorStyle.Render("not running")
	if r.Daemons > 0 {
		daemon = successStyle.Render(fmt.Sprintf("running (%d)", r.Daemons))
	}
	fmt.Fprintf(&b, "daemon: %s\n", daemon)
	if !r.Tmux {
		fmt.Fprintf(&b, "tmux:   %s\n", warnStyle.Render("unavailable"))
	}
	if r.HookNote != "" {
		fmt.Fprintf(&b, "hooks:  %s\n", warnStyle.Render("rescanning, "+r.HookNote))
	}
	b.WriteString("\n")

	if len(r.Targets) == 0 {
		b.WriteString("no agents registered\n")
		return b.String()
	}

	rows := make([][]string, 0, len(r.Targets))
	for _, t := range r.Targets {
		last := "-"
		if t.LastKind != "" {
			last = t.LastKind + "/" + t.LastResult
		}
		rows = append(rows, []string{
			t.Target, tmux.TargetName(t.Session, t.Window), orDash(t.ChannelID),
			t.Mode, t.Pane, last, formatAge(t.LastAt, now),
		})
	}
	b.WriteString(renderTable([]column{
		{Title: "TARGET", Width: 28},
		{Title: "PANE", Width: 28},
		{Title: "CHANNEL", Width: 16},
		{Title: "MODE"},
		{Title: "STATE"},
		{Title: "LAST", Width: 24},
		{Title: "WHEN"},
	}, rows))
	return b.String()
}
