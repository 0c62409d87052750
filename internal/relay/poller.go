package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/asheshgoplani/agent-relay/internal/logging"
	"github.com/asheshgoplani/agent-relay/internal/tmux"
)

var pollLog = logging.ForComponent(logging.CompPoll)

// ErrPollerRunning is returned by Start when the poller is already running.
var ErrPollerRunning = errors.New("poller already running")

const (
	DefaultPollInterval  = 30 * time.Second
	DefaultNotifyTimeout = 2 * time.Second
	defaultConcurrency   = 4

	// dropAfterMisses is how many consecutive listings a target must be
	// absent from before its state is forgotten.
	dropAfterMisses = 2
)

// Notifier delivers one notification. Implementations may fail; the poller
// logs the error and moves on.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, n Notification) error

func (f NotifierFunc) Notify(ctx context.Context, n Notification) error { return f(ctx, n) }

// PollerConfig tunes the poller. Zero values take defaults.
type PollerConfig struct {
	Interval      time.Duration
	MaxMessageLen int
	// Concurrency bounds how many targets are polled at once within a tick.
	Concurrency   int
	NotifyTimeout time.Duration
}

func (c PollerConfig) withDefaults() PollerConfig {
	if c.Interval <= 0 {
		c.Interval = DefaultPollInterval
	}
	if c.MaxMessageLen <= 0 {
		c.MaxMessageLen = DefaultMaxMessageLen
	}
	if c.Concurrency <= 0 {
		c.Concurrency = defaultConcurrency
	}
	if c.NotifyTimeout <= 0 {
		c.NotifyTimeout = DefaultNotifyTimeout
	}
	return c
}

// TickReport summarizes one tick.
type TickReport struct {
	Targets       int
	Polled        int
	Skipped       int
	Failed        int
	Notifications int
	Duration      time.Duration
}

// Poller samples every registered target on a fixed interval and turns
// state transitions into chat notifications.
type Poller struct {
	cfg      PollerConfig
	targets  TargetSource
	capturer Capturer
	notifier Notifier
	states   *StateStore
	now      func() time.Time

	// tickMu serializes ticks, which serializes each target's evaluations
	// and notifications.
	tickMu sync.Mutex
	// missed counts consecutive listings without the key; guarded by tickMu.
	missed map[TargetKey]int

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	done    chan struct{}
}

// NewPoller wires a poller. states may be pre-seeded; nil creates an empty store.
func NewPoller(targets TargetSource, capturer Capturer, notifier Notifier, states *StateStore, cfg PollerConfig) *Poller {
	if states == nil {
		states = NewStateStore()
	}
	return &Poller{
		cfg:      cfg.withDefaults(),
		targets:  targets,
		capturer: capturer,
		notifier: notifier,
		states:   states,
		missed:   make(map[TargetKey]int),
		now:      time.Now,
	}
}

// States returns the poller's state store.
func (p *Poller) States() *StateStore {
	return p.states
}

// Interval returns the tick cadence.
func (p *Poller) Interval() time.Duration {
	return p.cfg.Interval
}

// Start runs the first tick immediately and then one tick per interval until
// Stop is called or ctx is done.
func (p *Poller) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return ErrPollerRunning
	}
	p.running = true
	p.stop = make(chan struct{})
	p.done = make(chan struct{})
	go p.loop(ctx, p.stop, p.done)
	pollLog.Info("poller_started", slog.Duration("interval", p.cfg.Interval))
	return nil
}

// Stop prevents further ticks and waits for a tick in progress to finish.
func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stop)
	done := p.done
	p.mu.Unlock()

	<-done
	pollLog.Info("poller_stopped")
}

// Run starts the poller and blocks until ctx is done.
func (p *Poller) Run(ctx context.Context) error {
	if err := p.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	p.Stop()
	return nil
}

func (p *Poller) loop(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		default:
		}

		p.Tick(ctx)

		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Tick polls every eligible target once. Errors are isolated per target.
func (p *Poller) Tick(ctx context.Context) TickReport {
	p.tickMu.Lock()
	defer p.tickMu.Unlock()

	start := p.now()
	var report TickReport

	targets, err := p.targets.Targets(ctx)
	if err != nil {
		pollLog.Error("list_targets_failed", slog.String("error", err.Error()))
		return report
	}
	report.Targets = len(targets)

	registered := make(map[TargetKey]bool, len(targets))
	var eligible []Target
	for _, t := range targets {
		registered[t.Key()] = true
		if t.ChannelID == "" || t.EventHooks {
			report.Skipped++
			continue
		}
		eligible = append(eligible, t)
	}
	p.retain(registered)

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Concurrency)
	for _, t := range eligible {
		t := t
		g.Go(func() error {
			sent, err := p.pollTarget(gctx, t)
			mu.Lock()
			report.Polled++
			report.Notifications += sent
			if err != nil {
				report.Failed++
			}
			mu.Unlock()
			// never cancel sibling targets
			return nil
		})
	}
	_ = g.Wait()

	report.Duration = p.now().Sub(start)
	if report.Duration > p.cfg.Interval/2 {
		pollLog.Warn("tick_slow",
			slog.Duration("duration", report.Duration),
			slog.Duration("interval", p.cfg.Interval),
			slog.Int("targets", len(eligible)))
	}
	pollLog.Debug("tick_done",
		slog.Int("targets", report.Targets),
		slog.Int("polled", report.Polled),
		slog.Int("skipped", report.Skipped),
		slog.Int("notifications", report.Notifications))
	return report
}

// retain forgets the state of targets missing from dropAfterMisses
// consecutive listings. A single empty or partial listing keeps every
// outstanding working notice.
func (p *Poller) retain(registered map[TargetKey]bool) {
	keep := make(map[TargetKey]bool, len(registered))
	for key := range p.states.Snapshot() {
		if registered[key] {
			delete(p.missed, key)
			continue
		}
		p.missed[key]++
		if p.missed[key] < dropAfterMisses {
			keep[key] = true
		}
	}
	for key := range registered {
		keep[key] = true
	}
	for _, key := range p.states.Retain(keep) {
		delete(p.missed, key)
		pollLog.Debug("state_dropped", slog.String("target", key.String()))
	}
}

// pollTarget runs one target's tick and returns the number of notifications
// handed to the notifier. A panic is converted into an error.
func (p *Poller) pollTarget(ctx context.Context, t Target) (sent int, err error) {
	key := t.Key()
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic polling %s: %v", key, rec)
			pollLog.Error("poll_target_panic", slog.String("target", key.String()), slog.String("recover", fmt.Sprint(rec)))
		}
	}()

	var current Snapshot
	raw, capErr := p.capturer.Capture(ctx, t.Session, t.Window)
	switch {
	case capErr == nil:
		current = Captured(Normalize(raw))
	case ctx.Err() != nil:
		// shutting down; a cancelled capture is not an offline pane
		return 0, ctx.Err()
	case errors.Is(capErr, tmux.ErrCaptureTimeout):
		// A slow tmux server says nothing about the agent; keep the old state.
		logging.Aggregate(logging.CompPoll, "capture_timeout", slog.String("target", key.String()))
		return 0, capErr
	default:
		logging.Aggregate(logging.CompPoll, "capture_failed",
			slog.String("target", key.String()), slog.String("error", capErr.Error()))
	}

	prev := p.states.Get(key)
	next, class, msgs := Step(prev, current, p.cfg.MaxMessageLen)
	next.UpdatedAt = p.now()
	p.states.Put(key, next)

	if class != prev.LastClassification {
		pollLog.Debug("classification_changed",
			slog.String("target", key.String()),
			slog.String("from", string(prev.LastClassification)),
			slog.String("to", string(class)))
	}

	for i, m := range msgs {
		n := Notification{
			ProjectID: t.ProjectID,
			AgentID:   t.AgentID,
			ChannelID: t.ChannelID,
			Kind:      m.Kind,
			Text:      m.Text,
			Part:      i + 1,
			Parts:     len(msgs),
		}
		p.deliver(ctx, n)
		sent++
	}
	return sent, nil
}

func (p *Poller) deliver(ctx context.Context, n Notification) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.NotifyTimeout)
	defer cancel()
	if err := p.notifier.Notify(ctx, n); err != nil {
		pollLog.Warn("notify_failed",
			slog.String("target", KeyOf(n.ProjectID, n.AgentID).String()),
			slog.String("kind", string(n.Kind)),
			slog.String("error", err.Error()))
	}
}
