package relay

import (
	"fmt"
	"strings"
)

// Kind tags a notification for sinks that care (logs, push, websocket).
type Kind string

const (
	KindWorking      Kind = "working"
	KindCompleted    Kind = "completed"
	KindNoNewOutput  Kind = "no_new_output"
	KindSessionEnded Kind = "session_ended"
	KindWarning      Kind = "warning"
	KindError        Kind = "error"
)

const (
	MsgWorking      = "working..."
	MsgSessionEnded = "session ended"
	MsgNoNewOutput  = "done (no new output)"

	completedHeader = "completed:\n"
	fenceOpen       = "```\n"
	fenceClose      = "\n```"
)

// Message is one chat message produced by the state machine.
type Message struct {
	Kind Kind
	Text string
}

// Notification is a Message addressed to a target's channel.
type Notification struct {
	ProjectID string
	AgentID   string
	ChannelID string
	Kind      Kind
	Text      string

	// Part and Parts number the chunks of a split completion (1-based).
	Part  int
	Parts int
}

// CompletionMessages renders captured output as one or more fenced chat
// messages. The content is split first so that every chunk stays fenced;
// the header rides on the first chunk.
func CompletionMessages(content string, maxLen int) []string {
	if maxLen <= 0 {
		maxLen = DefaultMaxMessageLen
	}
	budget := maxLen - len(completedHeader) - len(fenceOpen) - len(fenceClose)
	if budget < 1 {
		budget = 1
	}
	chunks := SplitForDelivery(content, budget)
	out := make([]string, len(chunks))
	for i, chunk := range chunks {
		msg := fenceOpen + chunk + fenceClose
		if i == 0 {
			msg = completedHeader + msg
		}
		out[i] = msg
	}
	return out
}

// UnconfirmedText is the chat warning sent when a submission could not be verified.
func UnconfirmedText(agentID string) string {
	return fmt.Sprintf("⚠️ could not confirm that %s accepted the message. It was not retried; check the session and press Enter manually if needed.", agentID)
}

// DeliveryErrorText is the chat notice sent when keys could not be delivered at all.
func DeliveryErrorText(agentID string, err error) string {
	return fmt.Sprintf("❌ failed to deliver message to %s: %s", agentID, strings.TrimSpace(err.Error()))
}
