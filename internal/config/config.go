package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/BurntSushi/toml"
)

const (
	// HomeEnv overrides the agent-relay home directory.
	HomeEnv = "AGENT_RELAY_HOME"

	FileName     = "config.toml"
	StateDBName  = "state.db"
	HooksDirName = "hooks"
	LogsDirName  = "logs"
	VAPIDKeyFile = "vapid.json"
)

// Config is the user configuration stored in config.toml.
type Config struct {
	Telegram TelegramSettings `toml:"telegram"`
	Poll     PollConfig       `toml:"poll"`
	Submit   SubmitConfig     `toml:"submit"`
	Chat     ChatConfig       `toml:"chat"`
	Web      WebConfig        `toml:"web"`
	Push     PushConfig       `toml:"push"`
	Logs     LogConfig        `toml:"logs"`
}

// TelegramSettings configures the chat bot.
type TelegramSettings struct {
	// Token is the Bot API token. AGENT_RELAY_TELEGRAM_TOKEN wins over the file.
	Token string `toml:"token"`

	// AllowedChats lists chat ids whose messages are routed to agents.
	// Empty means every chat that has a registered agent.
	AllowedChats []int64 `toml:"allowed_chats"`
}

// PollConfig configures the capture poller.
type PollConfig struct {
	// IntervalMS is the tick cadence. Default: 30000
	IntervalMS int `toml:"interval_ms"`

	// Concurrency bounds parallel captures within a tick. Default: 4
	Concurrency int `toml:"concurrency"`
}

// SubmitConfig configures the submission verifier.
type SubmitConfig struct {
	TypeDelayMS  int      `toml:"type_delay_ms"`
	CheckDelayMS int      `toml:"check_delay_ms"`
	RetryDelayMS int      `toml:"retry_delay_ms"`
	Retries      *int     `toml:"retries"`
	EchoMarkers  []string `toml:"echo_markers"`
	NeedleLen    int      `toml:"needle_len"`
	TailLines    int      `toml:"tail_lines"`
}

// ChatConfig configures outbound chat delivery.
type ChatConfig struct {
	// MaxMessageLen is the chunk size for long completions. Default: 1900
	MaxMessageLen int `toml:"max_message_len"`

	// SendTimeoutMS bounds one send. Default: 2000
	SendTimeoutMS int `toml:"send_timeout_ms"`

	// RatePerSecond and Burst shape outbound sends. Defaults: 1 and 5
	RatePerSecond float64 `toml:"rate_per_second"`
	Burst         int     `toml:"burst"`
}

// WebConfig configures the HTTP API.
type WebConfig struct {
	// Listen is the listen address; empty disables the server.
	Listen string `toml:"listen"`

	// Token enables bearer auth on every endpoint except /healthz.
	Token string `toml:"token"`

	// SendTimeoutMS bounds /api/send. Default: 10000
	SendTimeoutMS int `toml:"send_timeout_ms"`
}

// PushConfig configures Web Push notifications.
type PushConfig struct {
	Enabled bool `toml:"enabled"`

	// Subject is the VAPID contact (mailto: or https: URL).
	Subject string `toml:"subject"`
}

// LogConfig configures the log file.
type LogConfig struct {
	// Level is "debug", "info", "warn" or "error". Default: "info"
	Level string `toml:"level"`

	// Format is "json" (default) or "text".
	Format string `toml:"format"`

	MaxSizeMB  int  `toml:"max_size_mb"`
	MaxBackups int  `toml:"max_backups"`
	MaxAgeDays int  `toml:"max_age_days"`
	Compress   bool `toml:"compress"`

	// Debug mirrors logs to stderr.
	Debug bool `toml:"debug"`
}

var (
	cache   *Config
	cacheMu sync.RWMutex
)

// Dir returns the agent-relay home directory.
func Dir() (string, error) {
	if dir := os.Getenv(HomeEnv); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".agent-relay"), nil
}

// Path returns the path of a file or directory inside the home directory.
func Path(name string) (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, name), nil
}

// Load reads config.toml once and caches the result. A missing file yields
// the zero Config. A parse error is returned together with the zero Config,
// which is cached so the error is not re-reported on every call.
func Load() (*Config, error) {
	cacheMu.RLock()
	if cache != nil {
		defer cacheMu.RUnlock()
		return cache, nil
	}
	cacheMu.RUnlock()

	cacheMu.Lock()
	defer cacheMu.Unlock()
	if cache != nil {
		return cache, nil
	}

	path, err := Path(FileName)
	if err != nil {
		cache = &Config{}
		return cache, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cache = &Config{}
		return cache, nil
	}

	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		cache = &Config{}
		return cache, fmt.Errorf("config.toml parse error: %w", err)
	}
	cache = &cfg
	return cache, nil
}

// Reload drops the cache and reads the file again.
func Reload() (*Config, error) {
	ClearCache()
	return Load()
}

// ClearCache forgets the cached config; the next Load reads from disk.
func ClearCache() {
	cacheMu.Lock()
	cache = nil
	cacheMu.Unlock()
}

// Save writes cfg to config.toml atomically and clears the cache.
func Save(cfg *Config) error {
	path, err := Path(FileName)
	if err != nil {
		return fmt.Errorf("failed to get config path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	var buf bytes.Buffer
	buf.WriteString("# agent-relay configuration\n\n")
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o600); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	// best effort; the rename below is what makes the write atomic
	_ = syncFile(tmp)
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to finalize config save: %w", err)
	}

	ClearCache()
	return nil
}

func syncFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}
