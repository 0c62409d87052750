package web

import (
	"log/slog"
	"sync"
	"time"

	"github.com/asheshgoplani/agent-relay/internal/logging"
	"github.com/asheshgoplani/agent-relay/internal/relay"
)

const subscriberBuffer = 32

// eventHub fans notifications out to websocket subscribers. A subscriber
// whose buffer is full misses the event rather than stalling the poller.
type eventHub struct {
	mu   sync.Mutex
	subs map[chan wsServerMessage]struct{}
}

func newEventHub() *eventHub {
	return &eventHub{subs: make(map[chan wsServerMessage]struct{})}
}

func (h *eventHub) subscribe() chan wsServerMessage {
	ch := make(chan wsServerMessage, subscriberBuffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *eventHub) unsubscribe(ch chan wsServerMessage) {
	if ch == nil {
		return
	}
	h.mu.Lock()
	if _, ok := h.subs[ch]; ok {
		delete(h.subs, ch)
		close(ch)
	}
	h.mu.Unlock()
}

func (h *eventHub) publish(msg wsServerMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- msg:
		default:
			logging.Aggregate(logging.CompWeb, "ws_event_dropped", slog.String("kind", msg.Kind))
		}
	}
}

func (h *eventHub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func notificationEvent(n relay.Notification) wsServerMessage {
	return wsServerMessage{
		Type:    "notification",
		Project: n.ProjectID,
		Agent:   n.AgentID,
		Kind:    string(n.Kind),
		Text:    n.Text,
		Part:    n.Part,
		Parts:   n.Parts,
		Time:    time.Now().UTC(),
	}
}
