// Package bridge wires the registry, tmux, chat and the relay core into the
// running daemon.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/asheshgoplani/agent-relay/internal/chat"
	"github.com/asheshgoplani/agent-relay/internal/hooks"
	"github.com/asheshgoplani/agent-relay/internal/logging"
	"github.com/asheshgoplani/agent-relay/internal/relay"
	"github.com/asheshgoplani/agent-relay/internal/statedb"
)

var bridgeLog = logging.ForComponent(logging.CompBridge)

const (
	DefaultHeartbeatInterval = 10 * time.Second
	DefaultPrimaryTimeout    = 30 * time.Second

	deliveryRetention  = 30 * 24 * time.Hour
	pruneInterval      = 6 * time.Hour
	listenRetryDelay   = 10 * time.Second
	inboundGracePeriod = 5 * time.Second
)

// MsgNoAgent is the reply to a chat message from a channel with no agent.
const MsgNoAgent = "no agent is registered for this chat"

// Store is the persistence the bridge needs. *statedb.StateDB satisfies it.
type Store interface {
	TargetLister
	DeliveryLog
	RegisterDaemon() error
	Heartbeat() error
	UnregisterDaemon() error
	CleanDeadDaemons(timeout time.Duration) error
	ElectPrimary(timeout time.Duration) (bool, error)
	ResignPrimary() error
	PruneDeliveries(maxAge time.Duration) (int64, error)
}

// Chat is a two-way chat transport.
type Chat interface {
	ChatSender
	Listen(ctx context.Context, handler chat.Handler) error
}

// Terminal drives agent panes. *tmux.Controller satisfies it.
type Terminal interface {
	relay.Keyboard
	SendKeys(ctx context.Context, session, window, text string) error
}

// Options configures a Bridge. Chat and HooksDir are optional.
type Options struct {
	Store    Store
	Terminal Terminal
	Chat     Chat
	HooksDir string

	Poll   relay.PollerConfig
	Submit relay.SubmitConfig

	HeartbeatInterval time.Duration
	PrimaryTimeout    time.Duration
}

// Bridge owns the poller and router for one registry. Only the daemon
// elected primary polls, listens to chat and relays hook events.
type Bridge struct {
	opts     Options
	registry *Registry
	notifier *FanOut
	poller   *relay.Poller
	router   *relay.Router

	primary atomic.Bool

	hookMu      sync.Mutex
	hookWorking map[relay.TargetKey]bool
}

// New wires a bridge.
func New(opts Options) (*Bridge, error) {
	if opts.Store == nil {
		return nil, errors.New("bridge: store is required")
	}
	if opts.Terminal == nil {
		return nil, errors.New("bridge: terminal is required")
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if opts.PrimaryTimeout <= 0 {
		opts.PrimaryTimeout = DefaultPrimaryTimeout
	}
	if opts.Poll.MaxMessageLen <= 0 {
		opts.Poll.MaxMessageLen = relay.DefaultMaxMessageLen
	}
	if opts.Poll.NotifyTimeout <= 0 {
		opts.Poll.NotifyTimeout = relay.DefaultNotifyTimeout
	}

	var sender ChatSender
	if opts.Chat != nil {
		sender = opts.Chat
	}
	registry := NewRegistry(opts.Store)
	notifier := NewFanOut(sender, opts.Store)
	submitter := relay.NewSubmitter(opts.Terminal, opts.Submit)

	return &Bridge{
		opts:        opts,
		registry:    registry,
		notifier:    notifier,
		poller:      relay.NewPoller(registry, opts.Terminal, notifier, nil, opts.Poll),
		router:      relay.NewRouter(registry, submitter, opts.Terminal, notifier),
		hookWorking: make(map[relay.TargetKey]bool),
	}, nil
}

// Registry returns the target source backed by the store.
func (b *Bridge) Registry() *Registry { return b.registry }

// Router returns the chat-to-agent router.
func (b *Bridge) Router() *relay.Router { return b.router }

// States returns the poller's state store.
func (b *Bridge) States() *relay.StateStore { return b.poller.States() }

// AddSink adds a secondary notification sink such as the websocket hub.
func (b *Bridge) AddSink(n relay.Notifier) { b.notifier.AddSink(n) }

// IsPrimary reports whether this daemon currently holds the primary role.
func (b *Bridge) IsPrimary() bool { return b.primary.Load() }

// PollOnce runs a single poll tick regardless of the primary role.
func (b *Bridge) PollOnce(ctx context.Context) relay.TickReport {
	return b.poller.Tick(ctx)
}

// Run registers the daemon and keeps its heartbeat until ctx is done. While
// primary it runs the poller, the chat listener and the hook watcher.
func (b *Bridge) Run(ctx context.Context) error {
	if err := b.opts.Store.RegisterDaemon(); err != nil {
		return fmt.Errorf("register daemon: %w", err)
	}
	defer func() {
		_ = b.opts.Store.ResignPrimary()
		_ = b.opts.Store.UnregisterDaemon()
	}()

	ticker := time.NewTicker(b.opts.HeartbeatInterval)
	defer ticker.Stop()

	var active *duties
	defer func() {
		if active != nil {
			active.stop()
		}
	}()

	for {
		isPrimary := b.heartbeat()
		switch {
		case isPrimary && active == nil:
			bridgeLog.Info("primary_acquired")
			active = b.startDuties(ctx)
		case !isPrimary && active != nil:
			bridgeLog.Info("primary_lost")
			active.stop()
			active = nil
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (b *Bridge) heartbeat() bool {
	if err := b.opts.Store.Heartbeat(); err != nil {
		bridgeLog.Warn("heartbeat_failed", slog.String("error", err.Error()))
	}
	if err := b.opts.Store.CleanDeadDaemons(b.opts.PrimaryTimeout * 2); err != nil {
		bridgeLog.Debug("clean_dead_daemons_failed", slog.String("error", err.Error()))
	}
	ok, err := b.opts.Store.ElectPrimary(b.opts.PrimaryTimeout)
	if err != nil {
		// keep the current role; a locked database is not a lost election
		bridgeLog.Warn("elect_primary_failed", slog.String("error", err.Error()))
		return b.primary.Load()
	}
	b.primary.Store(ok)
	return ok
}

type duties struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func (d *duties) stop() {
	d.cancel()
	<-d.done
}

func (b *Bridge) startDuties(parent context.Context) *duties {
	ctx, cancel := context.WithCancel(parent)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return b.poller.Run(gctx) })
	if b.opts.Chat != nil {
		g.Go(func() error {
			b.listen(gctx)
			return nil
		})
	}
	if b.opts.HooksDir != "" {
		g.Go(func() error {
			b.watchHooks(gctx)
			return nil
		})
	}
	g.Go(func() error {
		b.pruneLoop(gctx)
		return nil
	})

	d := &duties{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(d.done)
		if err := g.Wait(); err != nil {
			bridgeLog.Error("duties_failed", slog.String("error", err.Error()))
		}
	}()
	return d
}

// listen keeps the chat listener up, reconnecting after failures.
func (b *Bridge) listen(ctx context.Context) {
	for {
		err := b.opts.Chat.Listen(ctx, b.HandleInbound)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			bridgeLog.Warn("chat_listen_failed", slog.String("error", err.Error()))
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(listenRetryDelay):
		}
	}
}

func (b *Bridge) watchHooks(ctx context.Context) {
	w, err := hooks.NewWatcher(b.opts.HooksDir, b.HandleHookEvent)
	if err != nil {
		bridgeLog.Warn("hooks_disabled", slog.String("error", err.Error()))
		return
	}
	if err := w.Run(ctx); err != nil {
		bridgeLog.Warn("hooks_watcher_stopped", slog.String("error", err.Error()))
	}
}

func (b *Bridge) pruneLoop(ctx context.Context) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		if n, err := b.opts.Store.PruneDeliveries(deliveryRetention); err != nil {
			bridgeLog.Warn("prune_deliveries_failed", slog.String("error", err.Error()))
		} else if n > 0 {
			bridgeLog.Info("deliveries_pruned", slog.Int64("rows", n))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// HandleInbound routes one chat message to its agent and records the result.
func (b *Bridge) HandleInbound(ctx context.Context, in chat.Inbound) {
	ctx, cancel := context.WithTimeout(ctx, b.router.MaxDeliverDuration()+inboundGracePeriod)
	defer cancel()

	res, err := b.router.DeliverToChannel(ctx, in.ChannelID, in.Text)
	switch {
	case errors.Is(err, relay.ErrNoTarget):
		bridgeLog.Info("inbound_unrouted", slog.String("channel", in.ChannelID), slog.String("from", in.From))
		if b.opts.Chat != nil {
			if err := b.opts.Chat.Send(ctx, in.ChannelID, MsgNoAgent); err != nil {
				bridgeLog.Warn("reply_failed", slog.String("channel", in.ChannelID), slog.String("error", err.Error()))
			}
		}
		b.recordInbound(relay.Target{ChannelID: in.ChannelID}, "unrouted", "")
		return
	case err != nil:
		bridgeLog.Error("inbound_failed", slog.String("channel", in.ChannelID), slog.String("error", err.Error()))
		b.recordInbound(relay.Target{ChannelID: in.ChannelID}, string(relay.Failed), err.Error())
		return
	}

	detail := ""
	if res.Err != nil {
		detail = res.Err.Error()
	}
	b.recordInbound(res.Target, string(res.Status), detail)
}

func (b *Bridge) recordInbound(t relay.Target, result, detail string) {
	_, err := b.opts.Store.RecordDelivery(&statedb.DeliveryRow{
		ProjectID: t.ProjectID,
		AgentID:   t.AgentID,
		ChannelID: t.ChannelID,
		Direction: statedb.DirectionIn,
		Kind:      "message",
		Result:    result,
		Detail:    detail,
	})
	if err != nil {
		bridgeLog.Warn("record_delivery_failed", slog.String("error", err.Error()))
	}
}

// HandleHookEvent relays an agent-pushed state event to the agent's channel.
// Like the poller, it sends one working notice per episode and stays silent
// about a session ending when no work was announced.
func (b *Bridge) HandleHookEvent(ctx context.Context, e hooks.Event) {
	key := relay.KeyOf(e.ProjectID, e.AgentID)
	log := bridgeLog.With(slog.String("target", key.String()), slog.String("event", e.Name))

	target, err := b.lookup(ctx, e.ProjectID, e.AgentID)
	if err != nil {
		log.Debug("hook_event_ignored", slog.String("reason", err.Error()))
		return
	}
	if !target.EventHooks || target.ChannelID == "" {
		log.Debug("hook_event_ignored", slog.String("reason", "target not hook driven"))
		return
	}
	if !b.admitHookEvent(key, e.Name) {
		log.Debug("hook_event_suppressed")
		return
	}

	msgs := hooks.Messages(e, b.opts.Poll.MaxMessageLen)
	for i, m := range msgs {
		n := relay.Notification{
			ProjectID: target.ProjectID,
			AgentID:   target.AgentID,
			ChannelID: target.ChannelID,
			Kind:      m.Kind,
			Text:      m.Text,
			Part:      i + 1,
			Parts:     len(msgs),
		}
		nctx, cancel := context.WithTimeout(ctx, b.opts.Poll.NotifyTimeout)
		if err := b.notifier.Notify(nctx, n); err != nil {
			log.Warn("notify_failed", slog.String("error", err.Error()))
		}
		cancel()
	}
}

func (b *Bridge) admitHookEvent(key relay.TargetKey, event string) bool {
	b.hookMu.Lock()
	defer b.hookMu.Unlock()
	working := b.hookWorking[key]
	switch event {
	case hooks.EventWorking:
		if working {
			return false
		}
		b.hookWorking[key] = true
		return true
	case hooks.EventSessionEnd:
		delete(b.hookWorking, key)
		return working
	default:
		delete(b.hookWorking, key)
		return true
	}
}

func (b *Bridge) lookup(ctx context.Context, projectID, agentID string) (relay.Target, error) {
	targets, err := b.registry.Targets(ctx)
	if err != nil {
		return relay.Target{}, err
	}
	for _, t := range targets {
		if t.ProjectID == projectID && t.AgentID == agentID {
			return t, nil
		}
	}
	return relay.Target{}, relay.ErrNoTarget
}
