package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Environment knobs. They override config.toml.
const (
	EnvPollIntervalMS     = "AGENT_RELAY_POLL_INTERVAL_MS"
	EnvSubmitTypeDelayMS  = "AGENT_RELAY_SUBMIT_TYPE_DELAY_MS"
	EnvSubmitCheckDelayMS = "AGENT_RELAY_SUBMIT_CHECK_DELAY_MS"
	EnvSubmitRetryDelayMS = "AGENT_RELAY_SUBMIT_RETRY_DELAY_MS"
	EnvSubmitRetries      = "AGENT_RELAY_SUBMIT_RETRIES"
	EnvChatMaxLen         = "AGENT_RELAY_CHAT_MAX_LEN"
	EnvTelegramToken      = "AGENT_RELAY_TELEGRAM_TOKEN"
)

// Poll holds the effective poller settings.
type Poll struct {
	Interval    time.Duration
	Concurrency int
}

// Submit holds the effective submission verifier settings.
type Submit struct {
	TypeDelay   time.Duration
	CheckDelay  time.Duration
	RetryDelay  time.Duration
	Retries     int
	EchoMarkers []string
	NeedleLen   int
	TailLines   int
}

// Chat holds the effective chat delivery settings.
type Chat struct {
	MaxMessageLen int
	SendTimeout   time.Duration
	RatePerSecond float64
	Burst         int
}

// Web holds the effective HTTP API settings.
type Web struct {
	Listen      string
	Token       string
	SendTimeout time.Duration
}

// load returns the cached config, falling back to defaults on any error.
func load() *Config {
	cfg, err := Load()
	if err != nil || cfg == nil {
		return &Config{}
	}
	return cfg
}

// PollSettings returns poller settings with defaults and env overrides applied.
func PollSettings() Poll {
	c := load().Poll
	p := Poll{
		Interval:    ms(c.IntervalMS, 30000),
		Concurrency: c.Concurrency,
	}
	if d, ok := envMS(EnvPollIntervalMS); ok && d > 0 {
		p.Interval = d
	}
	if p.Concurrency <= 0 {
		p.Concurrency = 4
	}
	return p
}

// SubmitSettings returns submission verifier settings.
func SubmitSettings() Submit {
	c := load().Submit
	s := Submit{
		TypeDelay:   ms(c.TypeDelayMS, 75),
		CheckDelay:  ms(c.CheckDelayMS, 150),
		RetryDelay:  ms(c.RetryDelayMS, 250),
		Retries:     4,
		EchoMarkers: c.EchoMarkers,
		NeedleLen:   c.NeedleLen,
		TailLines:   c.TailLines,
	}
	if c.Retries != nil && *c.Retries >= 0 {
		s.Retries = *c.Retries
	}
	if d, ok := envMS(EnvSubmitTypeDelayMS); ok {
		s.TypeDelay = d
	}
	if d, ok := envMS(EnvSubmitCheckDelayMS); ok {
		s.CheckDelay = d
	}
	if d, ok := envMS(EnvSubmitRetryDelayMS); ok {
		s.RetryDelay = d
	}
	if n, ok := envInt(EnvSubmitRetries); ok && n >= 0 {
		s.Retries = n
	}
	if s.NeedleLen <= 0 {
		s.NeedleLen = 32
	}
	if s.TailLines <= 0 {
		s.TailLines = 40
	}
	return s
}

// ChatSettings returns outbound chat settings.
func ChatSettings() Chat {
	c := load().Chat
	s := Chat{
		MaxMessageLen: c.MaxMessageLen,
		SendTimeout:   ms(c.SendTimeoutMS, 2000),
		RatePerSecond: c.RatePerSecond,
		Burst:         c.Burst,
	}
	if n, ok := envInt(EnvChatMaxLen); ok && n > 0 {
		s.MaxMessageLen = n
	}
	if s.MaxMessageLen <= 0 {
		s.MaxMessageLen = 1900
	}
	if s.RatePerSecond <= 0 {
		s.RatePerSecond = 1
	}
	if s.Burst <= 0 {
		s.Burst = 5
	}
	return s
}

// TelegramToken returns the bot token, preferring the environment.
func TelegramToken() string {
	if tok := strings.TrimSpace(os.Getenv(EnvTelegramToken)); tok != "" {
		return tok
	}
	return strings.TrimSpace(load().Telegram.Token)
}

// AllowedChats returns the chat allow-list.
func AllowedChats() []int64 {
	return load().Telegram.AllowedChats
}

// WebSettings returns HTTP API settings.
func WebSettings() Web {
	c := load().Web
	return Web{
		Listen:      strings.TrimSpace(c.Listen),
		Token:       c.Token,
		SendTimeout: ms(c.SendTimeoutMS, 10000),
	}
}

// PushSettings returns Web Push settings.
func PushSettings() PushConfig {
	p := load().Push
	if p.Subject == "" {
		p.Subject = "mailto:agent-relay@localhost"
	}
	return p
}

// LogSettings returns log settings with defaults applied.
func LogSettings() LogConfig {
	cfg := load()
	l := cfg.Logs
	if l.Level == "" {
		l.Level = "info"
	}
	if l.Format == "" {
		l.Format = "json"
	}
	if l.MaxSizeMB <= 0 {
		l.MaxSizeMB = 10
	}
	if l.MaxBackups <= 0 {
		l.MaxBackups = 5
	}
	if l.MaxAgeDays <= 0 {
		l.MaxAgeDays = 10
	}
	// compress defaults to on unless the section was written out explicitly
	if cfg.Logs == (LogConfig{}) {
		l.Compress = true
	}
	return l
}

func ms(v, def int) time.Duration {
	if v <= 0 {
		v = def
	}
	return time.Duration(v) * time.Millisecond
}

func envInt(key string) (int, bool) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return 0, false
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envMS(key string) (time.Duration, bool) {
	n, ok := envInt(key)
	if !ok || n < 0 {
		return 0, false
	}
	return time.Duration(n) * time.Millisecond, true
}
