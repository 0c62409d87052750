package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/asheshgoplani/agent-relay/internal/bridge"
	"github.com/asheshgoplani/agent-relay/internal/relay"
	"github.com/asheshgoplani/agent-relay/internal/tmux"
)

type pollOptions struct {
	ticks    int
	once     bool
	notify   bool
	interval time.Duration
}

func newPollCmd(root *rootOptions) *cobra.Command {
	opts := &pollOptions{}

	cmd := &cobra.Command{
		Use:   "poll",
		Short: "Poll agent panes in the foreground and print notifications",
		Long: `Poll every registered agent and print the notifications the bridge
would send. Nothing is posted to chat unless --notify is given.

The first sample of a pane always reads as working because there is no
earlier capture to compare against. Use --ticks 2 for a one-shot reading
of which agents are idle.`,
		Example: `  agent-relay poll --ticks 2 --interval 5s
  agent-relay poll --notify`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.once {
				opts.ticks = 1
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runPoll(ctx, cmd.OutOrStdout(), root.jsonOut, opts)
		},
	}

	cmd.Flags().IntVar(&opts.ticks, "ticks", 0, "Stop after N ticks (0 runs until interrupted)")
	cmd.Flags().BoolVar(&opts.once, "once", false, "Run a single tick (same as --ticks 1)")
	cmd.Flags().BoolVar(&opts.notify, "notify", false, "Also post notifications to chat")
	cmd.Flags().DurationVar(&opts.interval, "interval", 0, "Override the configured poll interval")
	return cmd
}

func runPoll(ctx context.Context, w io.Writer, jsonOut bool, opts *pollOptions) error {
	if err := tmux.IsAvailable(); err != nil {
		return err
	}
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	printer := &notificationPrinter{w: w, jsonOut: jsonOut}
	notifier := bridge.NewFanOut(nil, nil, printer)
	if opts.notify {
		client, err := newChatClient()
		if err != nil {
			return err
		}
		if client == nil {
			return fmt.Errorf("--notify needs a telegram token")
		}
		notifier = bridge.NewFanOut(client, db, printer)
	}

	cfg := pollerConfig()
	if opts.interval > 0 {
		cfg.Interval = opts.interval
	}
	poller := relay.NewPoller(bridge.NewRegistry(db), tmux.NewController(), notifier, nil, cfg)

	if opts.ticks <= 0 {
		return poller.Run(ctx)
	}

	for i := 0; i < opts.ticks; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(poller.Interval()):
			}
		}
		report := poller.Tick(ctx)
		if !jsonOut {
			fmt.Fprintf(w, "%s\n", dimStyle.Render(fmt.Sprintf(
				"tick %d: %d targets, %d polled, %d skipped, %d failed, %d notifications in %s",
				i+1, report.Targets, report.Polled, report.Skipped, report.Failed,
				report.Notifications, report.Duration.Round(time.Millisecond))))
		}
	}

	return newCLIOutput(w, jsonOut).Print(renderPollStates(poller.States().Snapshot()), pollStateViews(poller.States().Snapshot()))
}

// notificationPrinter is a relay.Notifier that writes to a terminal.
type notificationPrinter struct {
	mu      sync.Mutex
	w       io.Writer
	jsonOut bool
}

func (p *notificationPrinter) Notify(_ context.Context, n relay.Notification) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.jsonOut {
		return newCLIOutput(p.w, true).printJSON(n)
	}

	label := relay.KeyOf(n.ProjectID, n.AgentID).String()
	if n.Parts > 1 {
		label = fmt.Sprintf("%s (%d/%d)", label, n.Part, n.Parts)
	}
	style := successStyle
	switch n.Kind {
	case relay.KindWorking:
		style = dimStyle
	case relay.KindWarning, relay.KindSessionEnded:
		style = warnStyle
	case relay.KindError:
		style = errorStyle
	}
	_, err := fmt.Fprintf(p.w, "%s %s\n%s\n", headerStyle.Render(label), style.Render(string(n.Kind)), n.Text)
	return err
}

type pollStateView struct {
	Target          string    `json:"target"`
	State           string    `json:"state"`
	StableCount     int       `json:"stable_count"`
	NotifiedWorking bool      `json:"notified_working"`
	UpdatedAt       time.Time `json:"updated_at"`
}

func pollStateViews(states map[relay.TargetKey]relay.PollState) []pollStateView {
	views := make([]pollStateView, 0, len(states))
	for key, st := range states {
		views = append(views, pollStateView{
			Target:          key.String(),
			State:           string(st.LastClassification),
			StableCount:     st.StableCount,
			NotifiedWorking: st.NotifiedWorking,
			UpdatedAt:       st.UpdatedAt,
		})
	}
	sort.Slice(views, func(i, j int) bool { return views[i].Target < views[j].Target })
	return views
}

func renderPollStates(states map[relay.TargetKey]relay.PollState) string {
	views := pollStateViews(states)
	if len(views) == 0 {
		return "no targets polled\n"
	}
	now := time.Now()
	rows := make([][]string, 0, len(views))
	for _, v := range views {
		rows = append(rows, []string{
			v.Target,
			orDash(v.State),
			fmt.Sprintf("%d", v.StableCount),
			yesNo(v.NotifiedWorking),
			formatAge(v.UpdatedAt, now),
		})
	}
	return renderTable([]column{
		{Title: "TARGET", Width: 32},
		{Title: "STATE"},
		{Title: "STABLE"},
		{Title: "WORKING"},
		{Title: "UPDATED"},
	}, rows)
}
