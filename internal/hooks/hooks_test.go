package hooks

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asheshgoplani/agent-relay/internal/relay"
)

type collected struct {
	mu     sync.Mutex
	events []Event
}

func (c *collected) handle(_ context.Context, e Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

func (c *collected) list() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event(nil), c.events...)
}

func TestParseFileName(t *testing.T) {
	tests := []struct {
		name    string
		project string
		agent   string
		ok      bool
	}{
		{"web.claude.json", "web", "claude", true},
		{"/tmp/hooks/my.site.codex.json", "my.site", "codex", true},
		{"claude.json", "", "", false},
		{".claude.json", "", "", false},
		{"web..json", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, a, ok := parseFileName(tt.name)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.project, p)
			assert.Equal(t, tt.agent, a)
		})
	}
}

func TestWriteEventValidates(t *testing.T) {
	dir := t.TempDir()
	assert.Error(t, WriteEvent(dir, Event{ProjectID: "web", AgentID: "claude", Name: "exploded"}))
	assert.Error(t, WriteEvent(dir, Event{ProjectID: "web", AgentID: "cla.ude", Name: EventStop}))
	assert.Error(t, WriteEvent(dir, Event{AgentID: "claude", Name: EventStop}))
	assert.Error(t, WriteEvent(dir, Event{ProjectID: "../x", AgentID: "claude", Name: EventStop}))
	assert.NoFileExists(t, filepath.Join(filepath.Dir(dir), "x.claude.json"))
}

func TestWriteThenProcess(t *testing.T) {
	dir := t.TempDir()
	var got collected
	w, err := NewWatcher(dir, got.handle)
	require.NoError(t, err)

	require.NoError(t, WriteEvent(dir, Event{ProjectID: "web", AgentID: "claude", Name: EventStop, Message: "all tests pass", Timestamp: 42}))
	path := filepath.Join(dir, "web.claude.json")
	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))

	w.processFile(context.Background(), path)
	w.processFile(context.Background(), path) // same ts: ignored

	events := got.list()
	require.Len(t, events, 1)
	assert.Equal(t, Event{ProjectID: "web", AgentID: "claude", Name: EventStop, Message: "all tests pass", Timestamp: 42}, events[0])

	require.NoError(t, WriteEvent(dir, Event{ProjectID: "web", AgentID: "claude", Name: EventStop, Message: "all tests pass", Timestamp: 43}))
	w.processFile(context.Background(), path)
	assert.Len(t, got.list(), 2)
}

func TestProcessIgnoresGarbage(t *testing.T) {
	dir := t.TempDir()
	var got collected
	w, err := NewWatcher(dir, got.handle)
	require.NoError(t, err)

	bad := filepath.Join(dir, "web.claude.json")
	require.NoError(t, os.WriteFile(bad, []byte("{not json"), 0o644))
	w.processFile(context.Background(), bad)

	unknown := filepath.Join(dir, "web.codex.json")
	require.NoError(t, os.WriteFile(unknown, []byte(`{"event":"dance","ts":1}`), 0o644))
	w.processFile(context.Background(), unknown)

	w.processFile(context.Background(), filepath.Join(dir, "web.gone.json"))

	assert.Empty(t, got.list())
}

func TestExistingEventsAreNotReplayed(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, WriteEvent(dir, Event{ProjectID: "web", AgentID: "claude", Name: EventWorking, Timestamp: 1}))

	var got collected
	w, err := NewWatcher(dir, got.handle)
	require.NoError(t, err)
	w.loadExisting()

	w.processFile(context.Background(), filepath.Join(dir, "web.claude.json"))
	assert.Empty(t, got.list())
}

func TestWatcherRun(t *testing.T) {
	dir := t.TempDir()
	var got collected
	w, err := NewWatcher(dir, got.handle)
	require.NoError(t, err)
	w.debounce = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// the watch is registered asynchronously; keep writing until it is seen
	require.Eventually(t, func() bool {
		_ = WriteEvent(dir, Event{ProjectID: "api", AgentID: "codex", Name: EventSessionEnd})
		return len(got.list()) > 0
	}, 3*time.Second, 50*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.Equal(t, EventSessionEnd, got.list()[0].Name)
	assert.Equal(t, "api", got.list()[0].ProjectID)
}

func TestScanPicksUpMissedEvents(t *testing.T) {
	dir := t.TempDir()
	var got collected
	w, err := NewWatcher(dir, got.handle)
	require.NoError(t, err)
	w.loadExisting()

	// written without any fsnotify event reaching the watcher
	require.NoError(t, WriteEvent(dir, Event{ProjectID: "web", AgentID: "claude", Name: EventStop, Message: "ok", Timestamp: 7}))
	w.scan(context.Background())
	w.scan(context.Background())

	require.Len(t, got.list(), 1)
	assert.Equal(t, "ok", got.list()[0].Message)
}

func TestWatcherRunRescans(t *testing.T) {
	dir := t.TempDir()
	var got collected
	w, err := NewWatcher(dir, got.handle)
	require.NoError(t, err)
	// a debounce longer than the test forces delivery through the rescan path
	w.debounce = time.Minute
	w.SetRescanInterval(20 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()

	require.Eventually(t, func() bool {
		_ = WriteEvent(dir, Event{ProjectID: "api", AgentID: "codex", Name: EventWorking})
		return len(got.list()) > 0
	}, 3*time.Second, 50*time.Millisecond)
	assert.Equal(t, EventWorking, got.list()[0].Name)
}

func TestMessages(t *testing.T) {
	assert.Equal(t, []relay.Message{{Kind: relay.KindWorking, Text: relay.MsgWorking}},
		Messages(Event{Name: EventWorking}, 1900))
	assert.Equal(t, []relay.Message{{Kind: relay.KindSessionEnded, Text: relay.MsgSessionEnded}},
		Messages(Event{Name: EventSessionEnd}, 1900))
	assert.Equal(t, []relay.Message{{Kind: relay.KindNoNewOutput, Text: relay.MsgNoNewOutput}},
		Messages(Event{Name: EventStop, Message: " \n"}, 1900))

	msgs := Messages(Event{Name: EventStop, Message: "\x1b[1mdone\x1b[0m\n"}, 1900)
	require.Len(t, msgs, 1)
	assert.Equal(t, "completed:\n```\ndone\n```", msgs[0].Text)

	long := strings.Repeat("line of output\n", 300)
	assert.Greater(t, len(Messages(Event{Name: EventStop, Message: long}, 500)), 1)

	assert.Nil(t, Messages(Event{Name: "unknown"}, 1900))
}
