package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"golang.org/x/time/rate"

	"github.com/asheshgoplani/agent-relay/internal/logging"
)

var chatLog = logging.ForComponent(logging.CompChat)

// DefaultEndpoint is the Telegram Bot API URL template (token, method).
const DefaultEndpoint = tgbotapi.APIEndpoint

// ErrEmptyMessage is returned for messages Telegram would reject.
var ErrEmptyMessage = errors.New("empty message")

// Config configures the Telegram client.
type Config struct {
	Token string

	// Endpoint overrides the Bot API URL template (tests, local Bot API servers).
	Endpoint string

	// AllowedChats restricts which chats may talk to agents. Empty allows all.
	AllowedChats []int64

	SendTimeout   time.Duration
	RatePerSecond float64
	Burst         int

	// LongPoll is the getUpdates long-poll timeout.
	LongPoll time.Duration
}

func (c Config) withDefaults() Config {
	if c.Endpoint == "" {
		c.Endpoint = DefaultEndpoint
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 2 * time.Second
	}
	if c.RatePerSecond <= 0 {
		c.RatePerSecond = 1
	}
	if c.Burst <= 0 {
		c.Burst = 5
	}
	if c.LongPoll <= 0 {
		c.LongPoll = 50 * time.Second
	}
	return c
}

// Inbound is a text message received from a chat.
type Inbound struct {
	ChannelID string
	MessageID int
	From      string
	Text      string
}

// Handler processes one inbound message.
type Handler func(ctx context.Context, in Inbound)

// Client talks to the Telegram Bot API.
type Client struct {
	cfg     Config
	sender  *tgbotapi.BotAPI
	limiter *rate.Limiter
	allowed map[int64]bool

	mu       sync.Mutex
	listener *tgbotapi.BotAPI
}

var setLoggerOnce sync.Once

// New connects to the Bot API and verifies the token.
func New(cfg Config) (*Client, error) {
	cfg = cfg.withDefaults()
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, fmt.Errorf("telegram token is not configured")
	}
	setLoggerOnce.Do(func() {
		_ = tgbotapi.SetLogger(logging.NewPrintfAdapter(logging.CompChat))
	})

	// Sends are short requests; their HTTP timeout is the send budget.
	sender, err := tgbotapi.NewBotAPIWithClient(cfg.Token, cfg.Endpoint, &http.Client{Timeout: cfg.SendTimeout})
	if err != nil {
		return nil, fmt.Errorf("connect telegram: %w", err)
	}

	allowed := make(map[int64]bool, len(cfg.AllowedChats))
	for _, id := range cfg.AllowedChats {
		allowed[id] = true
	}

	chatLog.Info("telegram_connected", slog.String("bot", sender.Self.UserName))
	return &Client{
		cfg:     cfg,
		sender:  sender,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst),
		allowed: allowed,
	}, nil
}

// BotName returns the bot's username.
func (c *Client) BotName() string {
	return c.sender.Self.UserName
}

// Send posts text to a chat. It waits for the rate limiter and gives up when
// the send timeout elapses.
func (c *Client) Send(ctx context.Context, channelID, text string) error {
	chatID, err := ParseChannelID(channelID)
	if err != nil {
		return err
	}
	if strings.TrimSpace(text) == "" {
		return ErrEmptyMessage
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.SendTimeout)
	defer cancel()
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("send to %s: rate limit: %w", channelID, err)
	}

	if _, err := c.sender.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		logging.Aggregate(logging.CompChat, "send_failed", slog.String("channel", channelID))
		return fmt.Errorf("send to %s: %w", channelID, err)
	}
	return nil
}

// Allowed reports whether messages from chatID are accepted.
func (c *Client) Allowed(chatID int64) bool {
	return len(c.allowed) == 0 || c.allowed[chatID]
}

// Listen long-polls for updates and hands text messages from allowed chats
// to handler until ctx is done. Messages are handled one at a time.
func (c *Client) Listen(ctx context.Context, handler Handler) error {
	c.mu.Lock()
	if c.listener != nil {
		c.mu.Unlock()
		return fmt.Errorf("telegram listener already running")
	}
	bot, err := tgbotapi.NewBotAPIWithClient(c.cfg.Token, c.cfg.Endpoint,
		&http.Client{Timeout: c.cfg.LongPoll + 10*time.Second})
	if err != nil {
		c.mu.Unlock()
		return fmt.Errorf("connect telegram listener: %w", err)
	}
	c.listener = bot
	c.mu.Unlock()

	defer func() {
		bot.StopReceivingUpdates()
		c.mu.Lock()
		c.listener = nil
		c.mu.Unlock()
	}()

	u := tgbotapi.NewUpdate(0)
	u.Timeout = int(c.cfg.LongPoll / time.Second)
	u.AllowedUpdates = []string{"message"}
	updates := bot.GetUpdatesChan(u)

	chatLog.Info("telegram_listening", slog.Int("allowed_chats", len(c.allowed)))
	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			in, ok := c.inbound(update)
			if !ok {
				continue
			}
			handler(ctx, in)
		}
	}
}

func (c *Client) inbound(update tgbotapi.Update) (Inbound, bool) {
	msg := update.Message
	if msg == nil || msg.Chat == nil || strings.TrimSpace(msg.Text) == "" {
		return Inbound{}, false
	}
	if msg.From != nil && msg.From.IsBot {
		return Inbound{}, false
	}
	if !c.Allowed(msg.Chat.ID) {
		chatLog.Warn("chat_not_allowed", slog.Int64("chat", msg.Chat.ID))
		return Inbound{}, false
	}
	in := Inbound{
		ChannelID: FormatChannelID(msg.Chat.ID),
		MessageID: msg.MessageID,
		Text:      msg.Text,
	}
	if msg.From != nil {
		in.From = msg.From.UserName
		if in.From == "" {
			in.From = msg.From.FirstName
		}
	}
	return in, true
}

// ParseChannelID converts a channel id to a Telegram chat id.
func ParseChannelID(channelID string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(channelID), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid telegram chat id %q", channelID)
	}
	return id, nil
}

// FormatChannelID converts a Telegram chat id to a channel id.
func FormatChannelID(chatID int64) string {
	return strconv.FormatInt(chatID, 10)
}
