package bridge

import (
	"context"
	"fmt"

	"github.com/asheshgoplani/agent-relay/internal/relay"
	"github.com/asheshgoplani/agent-relay/internal/statedb"
)

// TargetLister is the registry query behind every poll tick.
type TargetLister interface {
	ListTargets() ([]statedb.TargetRow, error)
}

// Registry exposes the registered agents as relay targets. It reads the
// database on every call so edits from the CLI apply on the next tick.
type Registry struct {
	db TargetLister
}

// NewRegistry wraps db.
func NewRegistry(db TargetLister) *Registry {
	return &Registry{db: db}
}

// Targets implements relay.TargetSource.
func (r *Registry) Targets(ctx context.Context) ([]relay.Target, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rows, err := r.db.ListTargets()
	if err != nil {
		return nil, fmt.Errorf("list targets: %w", err)
	}
	out := make([]relay.Target, 0, len(rows))
	for _, row := range rows {
		out = append(out, TargetFromRow(row))
	}
	return out, nil
}

// TargetFromRow maps a registry row onto a relay target.
func TargetFromRow(row statedb.TargetRow) relay.Target {
	window := row.Window
	if window == "" {
		window = row.AgentID
	}
	return relay.Target{
		ProjectID:    row.ProjectID,
		AgentID:      row.AgentID,
		ChannelID:    row.ChannelID,
		Session:      row.TmuxSession,
		Window:       window,
		EventHooks:   row.EventHooks,
		VerifySubmit: row.VerifySubmit,
	}
}
