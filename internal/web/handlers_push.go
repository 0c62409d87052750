package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/asheshgoplani/agent-relay/internal/relay"
)

const maxPushBodyBytes = 16 << 10

// pushConfigResponse tells a browser whether it can subscribe and which
// notification kinds it will receive.
type pushConfigResponse struct {
	Enabled           bool     `json:"enabled"`
	VAPIDPublicKey    string   `json:"vapidPublicKey,omitempty"`
	Subject           string   `json:"subject,omitempty"`
	SubscriptionCount int      `json:"subscriptionCount,omitempty"`
	Kinds             []string `json:"kinds,omitempty"`
}

type pushSubscribeResponse struct {
	OK            bool     `json:"ok"`
	Created       bool     `json:"created"`
	Subscriptions int      `json:"subscriptions"`
	Kinds         []string `json:"kinds"`
}

type pushUnsubscribeRequest struct {
	Endpoint string `json:"endpoint"`
}

type pushCountResponse struct {
	OK            bool `json:"ok"`
	Subscriptions int  `json:"subscriptions"`
}

func (s *Server) pushEnabled() bool {
	return s.push != nil && s.push.Enabled()
}

// requirePush checks method and auth and that push is configured.
func (s *Server) requirePush(w http.ResponseWriter, r *http.Request) bool {
	if !s.allow(w, r, http.MethodPost) {
		return false
	}
	if !s.pushEnabled() {
		writeAPIError(w, http.StatusServiceUnavailable, "PUSH_NOT_CONFIGURED", "push notifications are not configured")
		return false
	}
	return true
}

func decodePushBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxPushBodyBytes)).Decode(v); err != nil {
		writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid JSON body")
		return false
	}
	return true
}

func (s *Server) subscriptionCount(ctx context.Context) int {
	n, err := s.push.SubscriptionCount(ctx)
	if err != nil {
		webLog.Warn("push_count_failed", slog.String("error", err.Error()))
		return 0
	}
	return n
}

func (s *Server) handlePushConfig(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r, http.MethodGet) {
		return
	}
	if !s.pushEnabled() {
		writeJSON(w, http.StatusOK, pushConfigResponse{})
		return
	}
	writeJSON(w, http.StatusOK, pushConfigResponse{
		Enabled:           true,
		VAPIDPublicKey:    s.push.PublicKey(),
		Subject:           s.push.Subject(),
		SubscriptionCount: s.subscriptionCount(r.Context()),
		Kinds:             pushedKindNames(),
	})
}

func (s *Server) handlePushSubscribe(w http.ResponseWriter, r *http.Request) {
	if !s.requirePush(w, r) {
		return
	}
	var sub pushSubscription
	if !decodePushBody(w, r, &sub) {
		return
	}
	sub = sub.normalize()
	if err := sub.validate(); err != nil {
		writeAPIError(w, http.StatusBadRequest, "INVALID_SUBSCRIPTION", err.Error())
		return
	}

	created, err := s.push.UpsertSubscription(r.Context(), sub)
	if err != nil {
		webLog.Error("push_subscribe_failed", slog.String("error", err.Error()))
		writeAPIError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to save push subscription")
		return
	}
	webLog.Info("push_subscribed",
		slog.String("endpoint", endpointForLog(sub.Endpoint)),
		slog.Bool("created", created))

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, pushSubscribeResponse{
		OK:            true,
		Created:       created,
		Subscriptions: s.subscriptionCount(r.Context()),
		Kinds:         pushedKindNames(),
	})
}

func (s *Server) handlePushUnsubscribe(w http.ResponseWriter, r *http.Request) {
	if !s.requirePush(w, r) {
		return
	}
	var req pushUnsubscribeRequest
	if !decodePushBody(w, r, &req) {
		return
	}
	req.Endpoint = strings.TrimSpace(req.Endpoint)
	if req.Endpoint == "" {
		writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "endpoint is required")
		return
	}

	if err := s.push.RemoveSubscriptionByEndpoint(r.Context(), req.Endpoint); err != nil {
		webLog.Error("push_unsubscribe_failed", slog.String("error", err.Error()))
		writeAPIError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to remove push subscription")
		return
	}
	webLog.Info("push_unsubscribed", slog.String("endpoint", endpointForLog(req.Endpoint)))
	writeJSON(w, http.StatusOK, pushCountResponse{OK: true, Subscriptions: s.subscriptionCount(r.Context())})
}

// handlePushTest sends a completion-shaped notice to every subscriber so a
// user can check delivery without waiting for an agent.
func (s *Server) handlePushTest(w http.ResponseWriter, r *http.Request) {
	if !s.requirePush(w, r) {
		return
	}
	n := relay.Notification{
		ProjectID: "agent-relay",
		AgentID:   "test",
		Kind:      relay.KindCompleted,
		Text:      "Push notifications from agent-relay are working.",
		Part:      1,
		Parts:     1,
	}
	if err := s.push.Notify(r.Context(), n); err != nil {
		webLog.Warn("push_test_failed", slog.String("error", err.Error()))
		writeAPIError(w, http.StatusBadGateway, "PUSH_FAILED", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, pushCountResponse{OK: true, Subscriptions: s.subscriptionCount(r.Context())})
}
