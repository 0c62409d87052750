package relay

import (
	"context"
	"errors"
)

// ErrNoTarget is returned when no registered agent matches a chat channel.
var ErrNoTarget = errors.New("no agent registered for this channel")

// Target is one pollable (project, agent) pair.
type Target struct {
	ProjectID string
	AgentID   string

	// ChannelID is the chat destination. Empty means not set up yet.
	ChannelID string

	Session string
	Window  string

	// EventHooks marks agents that push their own state events; the poller
	// leaves them alone.
	EventHooks bool

	// VerifySubmit routes inbound messages through the Submitter because the
	// agent UI can drop a bare Enter.
	VerifySubmit bool
}

// TargetKey identifies one (project, agent) pair. It is a struct rather
// than a joined string so ids containing the separator cannot collide.
type TargetKey struct {
	ProjectID string
	AgentID   string
}

// KeyOf returns the key for a project and agent.
func KeyOf(projectID, agentID string) TargetKey {
	return TargetKey{ProjectID: projectID, AgentID: agentID}
}

// String renders the key as "project:agent" for logs and tables.
func (k TargetKey) String() string {
	return k.ProjectID + ":" + k.AgentID
}

// Key identifies the target's poll state.
func (t Target) Key() TargetKey {
	return KeyOf(t.ProjectID, t.AgentID)
}

// TargetSource lists the currently registered targets. It is called on
// every tick so registry changes apply without a restart.
type TargetSource interface {
	Targets(ctx context.Context) ([]Target, error)
}

// TargetSourceFunc adapts a function to TargetSource.
type TargetSourceFunc func(ctx context.Context) ([]Target, error)

func (f TargetSourceFunc) Targets(ctx context.Context) ([]Target, error) { return f(ctx) }

// Capturer returns the visible text of a pane. Errors mean the pane is gone.
type Capturer interface {
	Capture(ctx context.Context, session, window string) (string, error)
}

// Keyboard is the part of the terminal controller the Submitter drives.
type Keyboard interface {
	Capturer
	TypeKeys(ctx context.Context, session, window, text string) error
	SendEnter(ctx context.Context, session, window string) error
}

// KeySender types text and submits it in one call.
type KeySender interface {
	SendKeys(ctx context.Context, session, window, text string) error
}
