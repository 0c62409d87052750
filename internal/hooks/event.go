package hooks

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/asheshgoplani/agent-relay/internal/relay"
	"github.com/asheshgoplani/agent-relay/internal/statedb"
)

// Event names an agent hook may report.
const (
	EventWorking    = "working"
	EventStop       = "stop"
	EventSessionEnd = "session_end"
)

// Event is one state report written by an agent hook to
// <hooks dir>/<project>.<agent>.json.
type Event struct {
	ProjectID string `json:"-"`
	AgentID   string `json:"-"`

	Name      string `json:"event"`
	Message   string `json:"message,omitempty"`
	Timestamp int64  `json:"ts"`
}

// key identifies an event for de-duplication.
func (e Event) key() string {
	return fmt.Sprintf("%s|%d", e.Name, e.Timestamp)
}

// ValidEvent reports whether name is a known event.
func ValidEvent(name string) bool {
	switch name {
	case EventWorking, EventStop, EventSessionEnd:
		return true
	}
	return false
}

// FileName returns the hook file name for a target.
func FileName(projectID, agentID string) string {
	return projectID + "." + agentID + ".json"
}

// parseFileName splits "<project>.<agent>.json". Agent ids never contain dots.
func parseFileName(name string) (projectID, agentID string, ok bool) {
	base := strings.TrimSuffix(filepath.Base(name), ".json")
	i := strings.LastIndexByte(base, '.')
	if i <= 0 || i == len(base)-1 {
		return "", "", false
	}
	return base[:i], base[i+1:], true
}

// Messages maps an event onto the chat messages the poller would send for
// the same transition.
func Messages(e Event, maxLen int) []relay.Message {
	switch e.Name {
	case EventWorking:
		return []relay.Message{{Kind: relay.KindWorking, Text: relay.MsgWorking}}
	case EventStop:
		content := strings.TrimSpace(relay.Normalize(e.Message))
		if content == "" {
			return []relay.Message{{Kind: relay.KindNoNewOutput, Text: relay.MsgNoNewOutput}}
		}
		var msgs []relay.Message
		for _, text := range relay.CompletionMessages(content, maxLen) {
			msgs = append(msgs, relay.Message{Kind: relay.KindCompleted, Text: text})
		}
		return msgs
	case EventSessionEnd:
		return []relay.Message{{Kind: relay.KindSessionEnded, Text: relay.MsgSessionEnded}}
	}
	return nil
}

// WriteEvent atomically writes an event file into dir. The tmp file + rename
// keeps the watcher from reading a partial file.
func WriteEvent(dir string, e Event) error {
	if !ValidEvent(e.Name) {
		return fmt.Errorf("unknown hook event %q", e.Name)
	}
	if statedb.ValidateID(e.ProjectID) != nil || statedb.ValidateID(e.AgentID) != nil {
		return fmt.Errorf("invalid hook target %q:%q", e.ProjectID, e.AgentID)
	}
	if e.Timestamp == 0 {
		e.Timestamp = time.Now().UnixNano()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create hooks dir: %w", err)
	}

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	path := filepath.Join(dir, FileName(e.ProjectID, e.AgentID))
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write tmp event: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename event: %w", err)
	}

	hookLog.Debug("hook_event_written",
		slog.String("target", relay.KeyOf(e.ProjectID, e.AgentID).String()),
		slog.String("event", e.Name))
	return nil
}

// readEvent decodes an event file.
func readEvent(path string) (Event, error) {
	projectID, agentID, ok := parseFileName(path)
	if !ok {
		return Event{}, fmt.Errorf("unexpected hook file name %q", filepath.Base(path))
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Event{}, err
	}
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return Event{}, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	if !ValidEvent(e.Name) {
		return Event{}, fmt.Errorf("unknown hook event %q in %s", e.Name, filepath.Base(path))
	}
	e.ProjectID, e.AgentID = projectID, agentID
	return e, nil
}
