package bridge

import (
	"context"
	"log/slog"
	"sync"

	"github.com/asheshgoplani/agent-relay/internal/relay"
	"github.com/asheshgoplani/agent-relay/internal/statedb"
)

// ChatSender posts a message to a chat channel.
type ChatSender interface {
	Send(ctx context.Context, channelID, text string) error
}

// DeliveryLog records messages that crossed the bridge.
type DeliveryLog interface {
	RecordDelivery(d *statedb.DeliveryRow) (string, error)
}

const (
	resultSent   = "sent"
	resultFailed = "failed"
)

// FanOut sends each notification to chat first and then to the secondary
// sinks (websocket clients, Web Push). Only the chat result is returned;
// sink failures are logged.
type FanOut struct {
	chat ChatSender
	log  DeliveryLog

	mu    sync.RWMutex
	sinks []relay.Notifier
}

// NewFanOut returns a notifier. chat and log may be nil.
func NewFanOut(chat ChatSender, log DeliveryLog, sinks ...relay.Notifier) *FanOut {
	return &FanOut{chat: chat, log: log, sinks: sinks}
}

// AddSink registers another secondary sink.
func (f *FanOut) AddSink(n relay.Notifier) {
	if n == nil {
		return
	}
	f.mu.Lock()
	f.sinks = append(f.sinks, n)
	f.mu.Unlock()
}

// Notify implements relay.Notifier.
func (f *FanOut) Notify(ctx context.Context, n relay.Notification) error {
	var err error
	if f.chat != nil && n.ChannelID != "" {
		err = f.chat.Send(ctx, n.ChannelID, n.Text)
	}

	f.mu.RLock()
	sinks := f.sinks
	f.mu.RUnlock()
	for _, sink := range sinks {
		if sinkErr := sink.Notify(ctx, n); sinkErr != nil {
			bridgeLog.Warn("sink_notify_failed",
				slog.String("target", relay.KeyOf(n.ProjectID, n.AgentID).String()),
				slog.String("kind", string(n.Kind)),
				slog.String("error", sinkErr.Error()))
		}
	}

	f.record(n, err)
	return err
}

func (f *FanOut) record(n relay.Notification, sendErr error) {
	if f.log == nil {
		return
	}
	row := &statedb.DeliveryRow{
		ProjectID: n.ProjectID,
		AgentID:   n.AgentID,
		ChannelID: n.ChannelID,
		Direction: statedb.DirectionOut,
		Kind:      string(n.Kind),
		Result:    resultSent,
	}
	if sendErr != nil {
		row.Result = resultFailed
		row.Detail = sendErr.Error()
	}
	if _, err := f.log.RecordDelivery(row); err != nil {
		bridgeLog.Warn("record_delivery_failed", slog.String("error", err.Error()))
	}
}
