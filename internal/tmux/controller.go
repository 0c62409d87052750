package tmux

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/asheshgoplani/agent-relay/internal/logging"
)

var tmuxLog = logging.ForComponent(logging.CompTmux)

// ErrCaptureTimeout is returned when capture-pane exceeds its timeout.
var ErrCaptureTimeout = errors.New("capture-pane timed out")

// ErrSessionNotFound is returned when the tmux session or window does not exist
// (or no tmux server is running at all).
var ErrSessionNotFound = errors.New("tmux session or window not found")

const (
	defaultCaptureTimeout = 3 * time.Second
	defaultCommandTimeout = 5 * time.Second

	// send-keys payloads above this size are split at newlines
	keysChunkSize  = 4096
	keysChunkDelay = 50 * time.Millisecond

	// tmux 3.2+ wraps send-keys -l in bracketed paste; an Enter that lands in
	// the same read as the paste-end marker is swallowed by Ink/curses UIs.
	pasteSettleDelay = 100 * time.Millisecond
)

// Runner executes one tmux invocation and returns its stdout.
type Runner func(ctx context.Context, args ...string) ([]byte, error)

// Controller drives tmux through its CLI.
type Controller struct {
	run            Runner
	captureTimeout time.Duration
	commandTimeout time.Duration

	captureSf singleflight.Group
}

// Option customizes a Controller.
type Option func(*Controller)

// WithRunner replaces the tmux subprocess runner (tests, remote tmux).
func WithRunner(r Runner) Option {
	return func(c *Controller) { c.run = r }
}

// WithCaptureTimeout bounds each capture-pane call.
func WithCaptureTimeout(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.captureTimeout = d
		}
	}
}

// NewController returns a Controller that shells out to the tmux binary.
func NewController(opts ...Option) *Controller {
	c := &Controller{
		run:            execRunner,
		captureTimeout: defaultCaptureTimeout,
		commandTimeout: defaultCommandTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func execRunner(ctx context.Context, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "tmux", args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, ctx.Err()
		}
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, fmt.Errorf("tmux %s: %s: %w", args[0], msg, classify(msg, err))
		}
		return nil, fmt.Errorf("tmux %s: %w", args[0], err)
	}
	return out, nil
}

var notFoundPattern = regexp.MustCompile(`(?i)can't find (session|window|pane)|session not found|no server running|no such (session|window)|error connecting to`)

func classify(stderr string, err error) error {
	if notFoundPattern.MatchString(stderr) {
		return ErrSessionNotFound
	}
	return err
}

// IsAvailable reports an error if the tmux binary cannot be found.
func IsAvailable() error {
	if _, err := exec.LookPath("tmux"); err != nil {
		return fmt.Errorf("tmux not found in PATH: %w", err)
	}
	return nil
}

// TargetName formats the -t argument for a session and optional window.
func TargetName(session, window string) string {
	if window == "" {
		return session
	}
	return session + ":" + window
}

var unsafeNameChars = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

// SanitizeName makes a string safe to use as a tmux session or window name.
func SanitizeName(name string) string {
	return strings.Trim(unsafeNameChars.ReplaceAllString(name, "-"), "-")
}

func (c *Controller) command(ctx context.Context, timeout time.Duration, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return c.run(ctx, args...)
}

// Capture returns the visible text of the pane at session:window.
// -J joins wrapped lines so a resize does not change the snapshot.
// Concurrent captures of the same pane share one subprocess.
func (c *Controller) Capture(ctx context.Context, session, window string) (string, error) {
	target := TargetName(session, window)
	v, err, _ := c.captureSf.Do(target, func() (interface{}, error) {
		out, err := c.command(ctx, c.captureTimeout, "capture-pane", "-p", "-J", "-t", target)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return "", ErrCaptureTimeout
			}
			return "", err
		}
		return string(out), nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// TypeKeys types text into the pane without submitting it. The -l flag makes
// tmux treat the payload as literal text rather than key names.
func (c *Controller) TypeKeys(ctx context.Context, session, window, text string) error {
	target := TargetName(session, window)
	chunks := splitIntoChunks(text, keysChunkSize)
	for i, chunk := range chunks {
		if _, err := c.command(ctx, c.commandTimeout, "send-keys", "-l", "-t", target, "--", chunk); err != nil {
			return fmt.Errorf("type chunk %d/%d: %w", i+1, len(chunks), err)
		}
		if i < len(chunks)-1 {
			if err := sleepCtx(ctx, keysChunkDelay); err != nil {
				return err
			}
		}
	}
	return nil
}

// SendEnter presses Enter in the pane.
func (c *Controller) SendEnter(ctx context.Context, session, window string) error {
	_, err := c.command(ctx, c.commandTimeout, "send-keys", "-t", TargetName(session, window), "Enter")
	return err
}

// SendKeys types text and submits it.
func (c *Controller) SendKeys(ctx context.Context, session, window, text string) error {
	if err := c.TypeKeys(ctx, session, window, text); err != nil {
		return err
	}
	if err := sleepCtx(ctx, pasteSettleDelay); err != nil {
		return err
	}
	return c.SendEnter(ctx, session, window)
}

// HasSession reports whether the tmux session exists.
func (c *Controller) HasSession(ctx context.Context, session string) bool {
	_, err := c.command(ctx, c.commandTimeout, "has-session", "-t", session)
	return err == nil
}

// ListWindows returns the window names of a session.
func (c *Controller) ListWindows(ctx context.Context, session string) ([]string, error) {
	out, err := c.command(ctx, c.commandTimeout, "list-windows", "-t", session, "-F", "#{window_name}")
	if err != nil {
		return nil, err
	}
	var names []string
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			names = append(names, line)
		}
	}
	return names, nil
}

// WindowSpec describes an agent window to spawn.
type WindowSpec struct {
	Session string
	Window  string
	WorkDir string
	Command string
}

// EnsureWindow creates the session and window if missing and starts Command
// in a freshly created window. Existing windows are left untouched.
func (c *Controller) EnsureWindow(ctx context.Context, spec WindowSpec) (created bool, err error) {
	if spec.Session == "" || spec.Window == "" {
		return false, fmt.Errorf("session and window are required")
	}

	if !c.HasSession(ctx, spec.Session) {
		args := []string{"new-session", "-d", "-s", spec.Session, "-n", spec.Window}
		if spec.WorkDir != "" {
			args = append(args, "-c", spec.WorkDir)
		}
		if _, err := c.command(ctx, c.commandTimeout, args...); err != nil {
			return false, fmt.Errorf("create session %s: %w", spec.Session, err)
		}
		tmuxLog.Info("session_created", slog.String("session", spec.Session), slog.String("window", spec.Window))
		return true, c.startCommand(ctx, spec)
	}

	windows, err := c.ListWindows(ctx, spec.Session)
	if err != nil {
		return false, err
	}
	for _, w := range windows {
		if w == spec.Window {
			return false, nil
		}
	}

	args := []string{"new-window", "-d", "-t", spec.Session, "-n", spec.Window}
	if spec.WorkDir != "" {
		args = append(args, "-c", spec.WorkDir)
	}
	if _, err := c.command(ctx, c.commandTimeout, args...); err != nil {
		return false, fmt.Errorf("create window %s: %w", TargetName(spec.Session, spec.Window), err)
	}
	tmuxLog.Info("window_created", slog.String("session", spec.Session), slog.String("window", spec.Window))
	return true, c.startCommand(ctx, spec)
}

func (c *Controller) startCommand(ctx context.Context, spec WindowSpec) error {
	if strings.TrimSpace(spec.Command) == "" {
		return nil
	}
	return c.SendKeys(ctx, spec.Session, spec.Window, spec.Command)
}

// KillWindow closes a window. A missing window is not an error.
func (c *Controller) KillWindow(ctx context.Context, session, window string) error {
	_, err := c.command(ctx, c.commandTimeout, "kill-window", "-t", TargetName(session, window))
	if errors.Is(err, ErrSessionNotFound) {
		return nil
	}
	return err
}

// splitIntoChunks splits content into pieces of at most maxSize bytes,
// cutting after a newline when one exists in range and at the byte limit otherwise.
func splitIntoChunks(content string, maxSize int) []string {
	if len(content) <= maxSize {
		return []string{content}
	}

	var chunks []string
	for len(content) > maxSize {
		cut := strings.LastIndexByte(content[:maxSize], '\n') + 1
		if cut <= 0 {
			cut = maxSize
		}
		chunks = append(chunks, content[:cut])
		content = content[cut:]
	}
	if content != "" {
		chunks = append(chunks, content)
	}
	return chunks
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
