package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/asheshgoplani/agent-relay/internal/bridge"
	"github.com/asheshgoplani/agent-relay/internal/config"
	"github.com/asheshgoplani/agent-relay/internal/logging"
	"github.com/asheshgoplani/agent-relay/internal/statedb"
	"github.com/asheshgoplani/agent-relay/internal/tmux"
	"github.com/asheshgoplani/agent-relay/internal/web"
)

const webShutdownTimeout = 5 * time.Second

var daemonLog = logging.ForComponent(logging.CompBridge)

func newDaemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Run the chat bridge in the foreground",
		Long: `Run the bridge: poll every registered agent, relay chat messages into
their panes, relay hook events and serve the HTTP API when [web] listen
is configured.

Several daemons may share one registry; only the elected primary polls
and listens to chat. The others stand by and take over when the primary
stops heartbeating.

Send SIGUSR1 to write the in-memory log tail to the logs directory.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runDaemon(ctx, cmd)
		},
	}
}

func runDaemon(ctx context.Context, cmd *cobra.Command) error {
	if err := tmux.IsAvailable(); err != nil {
		return err
	}

	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	client, err := newChatClient()
	if err != nil {
		return err
	}
	out := newCLIOutput(cmd.ErrOrStderr(), false)
	if client == nil {
		out.Warn("no telegram token configured; notifications reach the log and web clients only")
	}

	hooksDir, err := config.Path(config.HooksDirName)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(hooksDir, 0o700); err != nil {
		return fmt.Errorf("create hooks dir: %w", err)
	}

	b, err := newBridge(db, tmux.NewController(), client, hooksDir)
	if err != nil {
		return err
	}

	stopDump := handleDumpSignal()
	defer stopDump()

	g, gctx := errgroup.WithContext(ctx)

	if ws := config.WebSettings(); ws.Listen != "" {
		srv, err := newWebServer(db, b, ws)
		if err != nil {
			return err
		}
		b.AddSink(srv)
		g.Go(srv.Start)
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), webShutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
		out.Warn(fmt.Sprintf("web API listening on %s", ws.Listen))
	}

	g.Go(func() error { return b.Run(gctx) })

	daemonLog.Info("daemon_started", slog.Int("pid", os.Getpid()), slog.String("version", Version))
	err = g.Wait()
	daemonLog.Info("daemon_stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// newWebServer builds the HTTP API, with Web Push when enabled.
func newWebServer(db *statedb.StateDB, b *bridge.Bridge, ws config.Web) (*web.Server, error) {
	cfg := web.Config{
		ListenAddr:  ws.Listen,
		Token:       ws.Token,
		SendTimeout: ws.SendTimeout,
		Targets:     b.Registry(),
		States:      b.States(),
		Sender:      b.Router(),
	}

	if ps := config.PushSettings(); ps.Enabled {
		keyPath, err := config.Path(config.VAPIDKeyFile)
		if err != nil {
			return nil, err
		}
		keys, generated, err := web.EnsureVAPIDKeys(keyPath, ps.Subject)
		if err != nil {
			return nil, fmt.Errorf("vapid keys: %w", err)
		}
		if generated {
			daemonLog.Info("vapid_keys_generated", slog.String("path", keyPath))
		}
		push := web.NewPushService(db, keys)
		cfg.Push = push
		b.AddSink(push)
	}

	return web.NewServer(cfg), nil
}

// handleDumpSignal writes the log ring buffer to disk on SIGUSR1.
func handleDumpSignal() (stop func()) {
	usr1 := make(chan os.Signal, 1)
	signal.Notify(usr1, syscall.SIGUSR1)
	go func() {
		for range usr1 {
			dir, err := config.Path(config.LogsDirName)
			if err != nil {
				continue
			}
			dumpPath := filepath.Join(dir, fmt.Sprintf("crash-dump-%d.jsonl", time.Now().Unix()))
			if err := logging.DumpRingBuffer(dumpPath); err != nil {
				daemonLog.Error("crash_dump_failed", slog.String("error", err.Error()))
			} else {
				daemonLog.Info("crash_dump_written", slog.String("path", dumpPath))
			}
		}
	}()
	return func() {
		signal.Stop(usr1)
		close(usr1)
	}
}
