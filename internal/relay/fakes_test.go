package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/asheshgoplani/agent-relay/internal/tmux"
)

var errGone = fmt.Errorf("capture: %w", tmux.ErrSessionNotFound)

// scriptedPane returns one scripted capture per call per target and repeats
// the last entry once the script runs out. A "!gone" entry fails the capture.
type scriptedPane struct {
	mu      sync.Mutex
	scripts map[string][]string
	calls   map[string]int
	errs    map[string]error
	panics  map[string]bool
}

func newScriptedPane() *scriptedPane {
	return &scriptedPane{
		scripts: make(map[string][]string),
		calls:   make(map[string]int),
		errs:    make(map[string]error),
		panics:  make(map[string]bool),
	}
}

func (p *scriptedPane) script(session, window string, captures ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.scripts[tmux.TargetName(session, window)] = captures
}

func (p *scriptedPane) Capture(_ context.Context, session, window string) (string, error) {
	key := tmux.TargetName(session, window)
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.panics[key] {
		panic("capture exploded")
	}
	if err := p.errs[key]; err != nil {
		return "", err
	}
	script := p.scripts[key]
	if len(script) == 0 {
		return "", errGone
	}
	i := p.calls[key]
	p.calls[key]++
	if i >= len(script) {
		i = len(script) - 1
	}
	if script[i] == "!gone" {
		return "", errGone
	}
	return script[i], nil
}

func (p *scriptedPane) captureCount(session, window string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[tmux.TargetName(session, window)]
}

// recorder collects notifications.
type recorder struct {
	mu   sync.Mutex
	sent []Notification
	err  error
}

func (r *recorder) Notify(_ context.Context, n Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
	return r.err
}

func (r *recorder) texts(projectID, agentID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, n := range r.sent {
		if n.ProjectID == projectID && n.AgentID == agentID {
			out = append(out, n.Text)
		}
	}
	return out
}

func (r *recorder) all() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notification(nil), r.sent...)
}

func staticTargets(targets ...Target) TargetSource {
	return TargetSourceFunc(func(context.Context) ([]Target, error) {
		return targets, nil
	})
}

// fakeKeyboard records keystrokes and serves captures computed from them.
type fakeKeyboard struct {
	mu      sync.Mutex
	typed   []string
	enters  int
	ops     []string
	screen  func(typed string, enters int) string
	typeErr error
}

func (k *fakeKeyboard) TypeKeys(_ context.Context, _, _, text string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.ops = append(k.ops, "type")
	if k.typeErr != nil {
		return k.typeErr
	}
	k.typed = append(k.typed, text)
	return nil
}

func (k *fakeKeyboard) SendEnter(context.Context, string, string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.ops = append(k.ops, "enter")
	k.enters++
	return nil
}

func (k *fakeKeyboard) SendKeys(ctx context.Context, session, window, text string) error {
	if err := k.TypeKeys(ctx, session, window, text); err != nil {
		return err
	}
	return k.SendEnter(ctx, session, window)
}

func (k *fakeKeyboard) Capture(context.Context, string, string) (string, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.ops = append(k.ops, "capture")
	if k.screen == nil {
		return "", errors.New("no screen")
	}
	return k.screen(strings.Join(k.typed, ""), k.enters), nil
}

func (k *fakeKeyboard) snapshot() (typed []string, enters int, ops []string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return append([]string(nil), k.typed...), k.enters, append([]string(nil), k.ops...)
}
