package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/asheshgoplani/agent-relay/internal/bridge"
	"github.com/asheshgoplani/agent-relay/internal/chat"
	"github.com/asheshgoplani/agent-relay/internal/config"
	"github.com/asheshgoplani/agent-relay/internal/logging"
	"github.com/asheshgoplani/agent-relay/internal/relay"
	"github.com/asheshgoplani/agent-relay/internal/statedb"
)

// rootOptions holds the persistent flags shared by every subcommand.
type rootOptions struct {
	debug   bool
	jsonOut bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "agent-relay",
		Short: "Relay chat messages to coding agents running in tmux",
		Long: `agent-relay bridges chat channels and coding agents (Claude Code, Codex,
Gemini CLI) running in tmux windows.

Each registered agent is polled for its pane content. When it starts
working the channel hears "working...", and when it goes quiet the new
output is posted back. Messages typed in the channel are typed into the
agent's pane and submitted.

Run 'agent-relay daemon' to start the bridge, then register projects and
agents with 'agent-relay project add' and 'agent-relay agent add'.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			initLogging(opts.debug)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			logging.Shutdown()
		},
	}

	cmd.PersistentFlags().BoolVar(&opts.debug, "debug", false, "Mirror logs to stderr at debug level")
	cmd.PersistentFlags().BoolVar(&opts.jsonOut, "json", false, "Output in JSON format")

	cmd.AddCommand(
		newDaemonCmd(),
		newPollCmd(opts),
		newProjectCmd(opts),
		newAgentCmd(opts),
		newSendCmd(opts),
		newStatusCmd(opts),
		newHookCmd(),
		newVersionCmd(opts),
	)
	return cmd
}

// initLogging routes slog to the rotating log file under the relay home.
func initLogging(debug bool) {
	ls := config.LogSettings()
	logDir, err := config.Path(config.LogsDirName)
	if err != nil {
		logDir = ""
	}

	cfg := logging.Config{
		LogDir:     logDir,
		Level:      ls.Level,
		Format:     ls.Format,
		MaxSizeMB:  ls.MaxSizeMB,
		MaxBackups: ls.MaxBackups,
		MaxAgeDays: ls.MaxAgeDays,
		Compress:   ls.Compress,
		Debug:      ls.Debug || debug,
	}
	if debug {
		cfg.Level = "debug"
		cfg.Stderr = os.Stderr
	}
	logging.Init(cfg)
}

// openDB opens and migrates the state database under the relay home.
func openDB() (*statedb.StateDB, error) {
	path, err := config.Path(config.StateDBName)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create %s: %w", filepath.Dir(path), err)
	}
	db, err := statedb.Open(path)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func pollerConfig() relay.PollerConfig {
	p := config.PollSettings()
	c := config.ChatSettings()
	return relay.PollerConfig{
		Interval:      p.Interval,
		Concurrency:   p.Concurrency,
		MaxMessageLen: c.MaxMessageLen,
		NotifyTimeout: c.SendTimeout,
	}
}

func submitConfig() relay.SubmitConfig {
	s := config.SubmitSettings()
	return relay.SubmitConfig{
		TypeDelay:   s.TypeDelay,
		CheckDelay:  s.CheckDelay,
		RetryDelay:  s.RetryDelay,
		Retries:     s.Retries,
		EchoMarkers: s.EchoMarkers,
		NeedleLen:   s.NeedleLen,
		TailLines:   s.TailLines,
	}
}

// newChatClient returns nil without error when no bot token is configured.
func newChatClient() (*chat.Client, error) {
	token := config.TelegramToken()
	if token == "" {
		return nil, nil
	}
	c := config.ChatSettings()
	return chat.New(chat.Config{
		Token:         token,
		AllowedChats:  config.AllowedChats(),
		SendTimeout:   c.SendTimeout,
		RatePerSecond: c.RatePerSecond,
		Burst:         c.Burst,
	})
}

// newBridge wires a bridge from config. client may be nil.
func newBridge(db bridge.Store, term bridge.Terminal, client *chat.Client, hooksDir string) (*bridge.Bridge, error) {
	opts := bridge.Options{
		Store:    db,
		Terminal: term,
		HooksDir: hooksDir,
		Poll:     pollerConfig(),
		Submit:   submitConfig(),
	}
	if client != nil {
		opts.Chat = client
	}
	return bridge.New(opts)
}
