package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/asheshgoplani/agent-relay/internal/statedb"
	"github.com/asheshgoplani/agent-relay/internal/tmux"
)

const tmuxCallTimeout = 5 * time.Second

func newProjectCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "project",
		Aliases: []string{"projects"},
		Short:   "Manage projects (one tmux session each)",
	}
	cmd.AddCommand(
		newProjectAddCmd(root),
		newProjectRemoveCmd(root),
		newProjectListCmd(root),
	)
	return cmd
}

func newProjectAddCmd(root *rootOptions) *cobra.Command {
	var session, dir string

	cmd := &cobra.Command{
		Use:   "add NAME",
		Short: "Register a project",
		Long: `Register a project. Its agents live as windows of one tmux session,
named "relay-NAME" unless --session is given.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			if session == "" {
				session = "relay-" + tmux.SanitizeName(name)
			}
			if dir == "" {
				wd, err := os.Getwd()
				if err != nil {
					return err
				}
				dir = wd
			}
			abs, err := filepath.Abs(dir)
			if err != nil {
				return err
			}

			db, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close()

			p := &statedb.ProjectRow{ID: name, TmuxSession: session, WorkDir: abs}
			if err := db.SaveProject(p); err != nil {
				return err
			}
			return newCLIOutput(cmd.OutOrStdout(), root.jsonOut).Success(
				fmt.Sprintf("project %s registered (session %s, dir %s)", name, session, abs),
				projectView(p))
		},
	}
	cmd.Flags().StringVar(&session, "session", "", "tmux session name")
	cmd.Flags().StringVar(&dir, "dir", "", "Working directory for new agent windows (default: current directory)")
	return cmd
}

func newProjectRemoveCmd(root *rootOptions) *cobra.Command {
	var kill bool

	cmd := &cobra.Command{
		Use:     "remove NAME",
		Aliases: []string{"rm"},
		Short:   "Unregister a project and its agents",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close()

			p, err := db.GetProject(args[0])
			if err != nil {
				return err
			}
			agents, err := db.ListAgents(p.ID)
			if err != nil {
				return err
			}
			if err := db.DeleteProject(p.ID); err != nil {
				return err
			}

			out := newCLIOutput(cmd.OutOrStdout(), root.jsonOut)
			if kill {
				ctrl := tmux.NewController()
				for _, a := range agents {
					ctx, cancel := context.WithTimeout(cmd.Context(), tmuxCallTimeout)
					err := ctrl.KillWindow(ctx, p.TmuxSession, a.Window)
					cancel()
					if err != nil {
						out.Warn(fmt.Sprintf("kill %s: %v", tmux.TargetName(p.TmuxSession, a.Window), err))
					}
				}
			}
			return out.Success(fmt.Sprintf("project %s removed (%d agents)", p.ID, len(agents)),
				map[string]any{"success": true, "project": p.ID, "agents": len(agents)})
		},
	}
	cmd.Flags().BoolVar(&kill, "kill", false, "Also kill the agents' tmux windows")
	return cmd
}

func newProjectListCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List projects",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close()

			projects, err := db.ListProjects()
			if err != nil {
				return err
			}
			views := make([]projectJSON, 0, len(projects))
			rows := make([][]string, 0, len(projects))
			for _, p := range projects {
				views = append(views, projectView(p))
				rows = append(rows, []string{p.ID, p.TmuxSession, p.WorkDir})
			}

			human := "no projects registered\n"
			if len(rows) > 0 {
				human = renderTable([]column{
					{Title: "PROJECT", Width: 20},
					{Title: "SESSION", Width: 24},
					{Title: "DIR", Width: 48},
				}, rows)
			}
			return newCLIOutput(cmd.OutOrStdout(), root.jsonOut).Print(human, views)
		},
	}
}

type projectJSON struct {
	ID          string    `json:"id"`
	TmuxSession string    `json:"tmux_session"`
	WorkDir     string    `json:"work_dir"`
	CreatedAt   time.Time `json:"created_at"`
}

func projectView(p *statedb.ProjectRow) projectJSON {
	return projectJSON{ID: p.ID, TmuxSession: p.TmuxSession, WorkDir: p.WorkDir, CreatedAt: p.CreatedAt}
}
