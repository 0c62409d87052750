package relay

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/asheshgoplani/agent-relay/internal/logging"
)

var submitLog = logging.ForComponent(logging.CompSubmit)

const (
	DefaultTypeDelay     = 75 * time.Millisecond
	DefaultCheckDelay    = 150 * time.Millisecond
	DefaultRetryDelay    = 250 * time.Millisecond
	DefaultSubmitRetries = 4
)

// SubmitConfig tunes the type/confirm/retry loop.
type SubmitConfig struct {
	TypeDelay  time.Duration
	CheckDelay time.Duration
	RetryDelay time.Duration

	// Retries is the number of extra Enter presses after the first; negative means none.
	Retries     int
	EchoMarkers []string
	NeedleLen   int
	TailLines   int
}

// DefaultSubmitConfig returns the stock timings.
func DefaultSubmitConfig() SubmitConfig {
	return SubmitConfig{
		TypeDelay:   DefaultTypeDelay,
		CheckDelay:  DefaultCheckDelay,
		RetryDelay:  DefaultRetryDelay,
		Retries:     DefaultSubmitRetries,
		EchoMarkers: DefaultEchoMarkers,
		NeedleLen:   DefaultNeedleLen,
		TailLines:   DefaultTailLines,
	}
}

// MaxDuration is the upper bound of the delays one Submit call can spend.
func (c SubmitConfig) MaxDuration() time.Duration {
	retries := c.Retries
	if retries < 0 {
		retries = 0
	}
	return c.TypeDelay + c.CheckDelay + time.Duration(retries)*c.RetryDelay
}

// Submitter types a prompt into an agent pane and confirms it was accepted,
// pressing Enter again when the UI swallowed the first one.
type Submitter struct {
	keys  Keyboard
	cfg   SubmitConfig
	sleep func(ctx context.Context, d time.Duration) error
}

// NewSubmitter returns a Submitter driving keys.
func NewSubmitter(keys Keyboard, cfg SubmitConfig) *Submitter {
	if len(cfg.EchoMarkers) == 0 {
		cfg.EchoMarkers = DefaultEchoMarkers
	}
	if cfg.NeedleLen <= 0 {
		cfg.NeedleLen = DefaultNeedleLen
	}
	if cfg.TailLines <= 0 {
		cfg.TailLines = DefaultTailLines
	}
	return &Submitter{keys: keys, cfg: cfg, sleep: sleepContext}
}

// Config returns the effective configuration.
func (s *Submitter) Config() SubmitConfig {
	return s.cfg
}

// Submit types prompt once and presses Enter until the pane shows the prompt
// was accepted or the retries run out. It returns false, nil when acceptance
// could not be confirmed; the caller must not resubmit on its own because
// the text may already be in the agent's input. Errors are returned only when
// keys could not be sent at all.
func (s *Submitter) Submit(ctx context.Context, session, window, prompt string) (bool, error) {
	slash := IsSlashCommand(prompt)
	log := submitLog.With(slog.String("session", session), slog.String("window", window), slog.Bool("slash", slash))

	if err := s.keys.TypeKeys(ctx, session, window, prompt); err != nil {
		return false, fmt.Errorf("type prompt: %w", err)
	}
	if err := s.sleep(ctx, s.cfg.TypeDelay); err != nil {
		return false, err
	}

	var baseline string
	if slash {
		if raw, err := s.keys.Capture(ctx, session, window); err == nil {
			baseline = Normalize(raw)
		}
	}

	if err := s.keys.SendEnter(ctx, session, window); err != nil {
		return false, fmt.Errorf("submit: %w", err)
	}
	if err := s.sleep(ctx, s.cfg.CheckDelay); err != nil {
		return false, err
	}
	if s.accepted(ctx, session, window, prompt, slash, baseline) {
		log.Debug("submit_confirmed", slog.Int("attempt", 1))
		return true, nil
	}

	for attempt := 1; attempt <= s.cfg.Retries; attempt++ {
		log.Debug("submit_retry", slog.Int("attempt", attempt+1))
		if err := s.keys.SendEnter(ctx, session, window); err != nil {
			return false, fmt.Errorf("retry submit: %w", err)
		}
		if err := s.sleep(ctx, s.cfg.RetryDelay); err != nil {
			return false, err
		}
		if s.accepted(ctx, session, window, prompt, slash, baseline) {
			log.Info("submit_confirmed_after_retry", slog.Int("attempt", attempt+1))
			return true, nil
		}
	}

	log.Warn("submit_unconfirmed", slog.Int("attempts", s.cfg.Retries+1))
	return false, nil
}

func (s *Submitter) accepted(ctx context.Context, session, window, prompt string, slash bool, baseline string) bool {
	raw, err := s.keys.Capture(ctx, session, window)
	if err != nil {
		submitLog.Debug("submit_capture_failed", slog.String("session", session), slog.String("error", err.Error()))
		return false
	}
	capture := Normalize(raw)
	if slash {
		return SlashAccepted(baseline, capture, prompt, s.cfg.TailLines)
	}
	return EchoAccepted(capture, prompt, s.cfg.EchoMarkers, s.cfg.NeedleLen, s.cfg.TailLines)
}

func sleepContext(ctx context.Context, d time.Duration) error {
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
