package web

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/mattn/go-runewidth"

	"github.com/asheshgoplani/agent-relay/internal/logging"
	"github.com/asheshgoplani/agent-relay/internal/relay"
	"github.com/asheshgoplani/agent-relay/internal/statedb"
)

var pushLog = logging.ForComponent(logging.CompWeb).With(slog.String("sub", "push"))

const (
	pushTTL          = 3600
	pushBodyMaxWidth = 160

	// an uncompressed P-256 point and the RFC 8291 auth secret
	p256dhKeyLen = 65
	authKeyLen   = 16
)

// pushedKinds are the notification kinds that reach browsers. Working
// notices only matter in the chat transcript.
var pushedKinds = []relay.Kind{
	relay.KindCompleted,
	relay.KindNoNewOutput,
	relay.KindSessionEnded,
	relay.KindWarning,
	relay.KindError,
}

func pushedKindNames() []string {
	names := make([]string, len(pushedKinds))
	for i, k := range pushedKinds {
		names[i] = string(k)
	}
	return names
}

type pushSubscription struct {
	Endpoint string               `json:"endpoint"`
	Keys     pushSubscriptionKeys `json:"keys"`
}

type pushSubscriptionKeys struct {
	P256DH string `json:"p256dh"`
	Auth   string `json:"auth"`
}

func (s pushSubscription) normalize() pushSubscription {
	s.Endpoint = strings.TrimSpace(s.Endpoint)
	s.Keys.P256DH = strings.TrimSpace(s.Keys.P256DH)
	s.Keys.Auth = strings.TrimSpace(s.Keys.Auth)
	return s
}

func (s pushSubscription) validate() error {
	sub := s.normalize()
	if sub.Endpoint == "" {
		return fmt.Errorf("endpoint is required")
	}
	if u, err := url.Parse(sub.Endpoint); err != nil || u.Scheme != "https" || u.Host == "" {
		return fmt.Errorf("endpoint must be an https url")
	}
	if sub.Keys.P256DH == "" {
		return fmt.Errorf("keys.p256dh is required")
	}
	if sub.Keys.Auth == "" {
		return fmt.Errorf("keys.auth is required")
	}
	if key, err := decodeSubscriptionKey(sub.Keys.P256DH); err != nil || len(key) != p256dhKeyLen || key[0] != 0x04 {
		return fmt.Errorf("keys.p256dh must be a base64url P-256 public key")
	}
	if key, err := decodeSubscriptionKey(sub.Keys.Auth); err != nil || len(key) != authKeyLen {
		return fmt.Errorf("keys.auth must be a base64url %d byte secret", authKeyLen)
	}
	return nil
}

// decodeSubscriptionKey accepts the encodings browsers and webpush-go use:
// base64url with or without padding, and standard base64.
func decodeSubscriptionKey(key string) ([]byte, error) {
	if strings.ContainsAny(key, "+/") {
		return base64.StdEncoding.DecodeString(key)
	}
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(key, "="))
}

// PushStore persists subscriptions. *statedb.StateDB satisfies it.
type PushStore interface {
	SavePushSubscription(sub *statedb.PushSubscriptionRow) error
	DeletePushSubscription(endpoint string) error
	ListPushSubscriptions() ([]*statedb.PushSubscriptionRow, error)
}

type pushServiceAPI interface {
	Enabled() bool
	PublicKey() string
	Subject() string
	SubscriptionCount(ctx context.Context) (int, error)
	UpsertSubscription(ctx context.Context, sub pushSubscription) (created bool, err error)
	RemoveSubscriptionByEndpoint(ctx context.Context, endpoint string) error
	Notify(ctx context.Context, n relay.Notification) error
}

type webPushSender interface {
	Send(ctx context.Context, payload []byte, sub pushSubscription) (int, error)
}

type vapidPushSender struct {
	keys VAPIDKeys
}

func (s *vapidPushSender) Send(ctx context.Context, payload []byte, sub pushSubscription) (int, error) {
	sub = sub.normalize()
	resp, err := webpush.SendNotificationWithContext(ctx, payload, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.Keys.P256DH,
			Auth:   sub.Keys.Auth,
		},
	}, &webpush.Options{
		Subscriber:      s.keys.Subject,
		VAPIDPublicKey:  s.keys.PublicKey,
		VAPIDPrivateKey: s.keys.PrivateKey,
		TTL:             pushTTL,
	})
	if resp != nil {
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)
	}

	status := 0
	if resp != nil {
		status = resp.StatusCode
	}
	if err != nil {
		return status, err
	}
	if status >= 400 {
		return status, fmt.Errorf("push gateway status %d", status)
	}
	return status, nil
}

type pushMessage struct {
	Title      string `json:"title"`
	Body       string `json:"body"`
	Tag        string `json:"tag,omitempty"`
	Renotify   bool   `json:"renotify,omitempty"`
	Project    string `json:"project"`
	Agent      string `json:"agent"`
	Kind       string `json:"kind"`
	Timestamp  string `json:"timestamp"`
	RequireInt bool   `json:"requireInteraction,omitempty"`
}

// PushService sends agent notifications to registered browsers.
type PushService struct {
	store  PushStore
	sender webPushSender
	keys   VAPIDKeys
	now    func() time.Time
}

// NewPushService returns a service signing with keys and storing
// subscriptions in store.
func NewPushService(store PushStore, keys VAPIDKeys) *PushService {
	return &PushService{
		store:  store,
		sender: &vapidPushSender{keys: keys},
		keys:   keys,
		now:    time.Now,
	}
}

func (p *PushService) Enabled() bool {
	return p != nil && p.store != nil && p.keys.PublicKey != "" && p.keys.PrivateKey != ""
}

func (p *PushService) PublicKey() string { return p.keys.PublicKey }

func (p *PushService) Subject() string { return p.keys.Subject }

func (p *PushService) SubscriptionCount(_ context.Context) (int, error) {
	subs, err := p.store.ListPushSubscriptions()
	if err != nil {
		return 0, err
	}
	return len(subs), nil
}

// UpsertSubscription stores sub and reports whether its endpoint is new.
// A browser re-subscribing with rotated keys replaces the old row.
func (p *PushService) UpsertSubscription(_ context.Context, sub pushSubscription) (bool, error) {
	sub = sub.normalize()
	rows, err := p.store.ListPushSubscriptions()
	if err != nil {
		return false, err
	}
	created := !slices.ContainsFunc(rows, func(r *statedb.PushSubscriptionRow) bool { return r.Endpoint == sub.Endpoint })
	err = p.store.SavePushSubscription(&statedb.PushSubscriptionRow{
		Endpoint: sub.Endpoint,
		P256dh:   sub.Keys.P256DH,
		Auth:     sub.Keys.Auth,
	})
	return created, err
}

func (p *PushService) RemoveSubscriptionByEndpoint(_ context.Context, endpoint string) error {
	return p.store.DeletePushSubscription(strings.TrimSpace(endpoint))
}

// Notify pushes completions, session ends and delivery problems. Working
// notices and follow-up chunks of a split completion are not pushed.
func (p *PushService) Notify(ctx context.Context, n relay.Notification) error {
	if !p.Enabled() || !pushWorthy(n) {
		return nil
	}

	rows, err := p.store.ListPushSubscriptions()
	if err != nil {
		return fmt.Errorf("list push subscriptions: %w", err)
	}
	if len(rows) == 0 {
		return nil
	}

	payload, err := json.Marshal(pushMessage{
		Title:      pushTitle(n),
		Body:       pushBody(n.Text),
		Tag:        fmt.Sprintf("agent-relay-%s-%s", n.ProjectID, n.AgentID),
		Renotify:   true,
		Project:    n.ProjectID,
		Agent:      n.AgentID,
		Kind:       string(n.Kind),
		Timestamp:  p.now().UTC().Format(time.RFC3339),
		RequireInt: n.Kind == relay.KindError,
	})
	if err != nil {
		return fmt.Errorf("marshal push message: %w", err)
	}

	var failed int
	for _, row := range rows {
		sub := pushSubscription{Endpoint: row.Endpoint, Keys: pushSubscriptionKeys{P256DH: row.P256dh, Auth: row.Auth}}
		status, err := p.sender.Send(ctx, payload, sub)
		if err == nil {
			pushLog.Debug("push_sent",
				slog.String("endpoint", endpointForLog(sub.Endpoint)),
				slog.Int("http_status", status),
				slog.String("kind", string(n.Kind)))
			continue
		}
		pushLog.Warn("push_send_failed",
			slog.String("endpoint", endpointForLog(sub.Endpoint)),
			slog.Int("http_status", status),
			slog.String("error", err.Error()))
		if status == http.StatusGone || status == http.StatusNotFound {
			_ = p.store.DeletePushSubscription(sub.Endpoint)
			continue
		}
		failed++
	}
	if failed > 0 {
		return fmt.Errorf("push failed for %d of %d subscriptions", failed, len(rows))
	}
	return nil
}

func pushWorthy(n relay.Notification) bool {
	return n.Part <= 1 && slices.Contains(pushedKinds, n.Kind)
}

func pushTitle(n relay.Notification) string {
	name := n.ProjectID + "/" + n.AgentID
	switch n.Kind {
	case relay.KindSessionEnded:
		return name + " session ended"
	case relay.KindWarning, relay.KindError:
		return name + " needs attention"
	}
	return name + " finished"
}

// pushBody flattens the message to one line that fits a notification banner.
func pushBody(text string) string {
	text = strings.ReplaceAll(text, "```", "")
	text = strings.Join(strings.Fields(text), " ")
	return runewidth.Truncate(text, pushBodyMaxWidth, "…")
}

func endpointForLog(endpoint string) string {
	u, err := url.Parse(endpoint)
	if err == nil && u.Host != "" {
		return u.Host
	}
	endpoint = strings.TrimSpace(endpoint)
	if len(endpoint) <= 48 {
		return endpoint
	}
	return endpoint[:48] + "..."
}
