package web

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/asheshgoplani/agent-relay/internal/logging"
	"github.com/asheshgoplani/agent-relay/internal/relay"
)

const (
	maxSendBodyBytes = 64 << 10
	defaultLogLines  = 200
	maxLogLines      = 5000
)

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type apiErrorResponse struct {
	Error apiError `json:"error"`
}

type healthResponse struct {
	OK      bool   `json:"ok"`
	Tmux    bool   `json:"tmux"`
	Tracked int    `json:"tracked"`
	Time    string `json:"time"`
}

type pollStateView struct {
	Classification  string     `json:"classification,omitempty"`
	StableCount     int        `json:"stableCount"`
	NotifiedWorking bool       `json:"notifiedWorking"`
	UpdatedAt       *time.Time `json:"updatedAt,omitempty"`
}

type targetView struct {
	Project      string         `json:"project"`
	Agent        string         `json:"agent"`
	Channel      string         `json:"channel,omitempty"`
	Session      string         `json:"session"`
	Window       string         `json:"window,omitempty"`
	EventHooks   bool           `json:"eventHooks,omitempty"`
	VerifySubmit bool           `json:"verifySubmit,omitempty"`
	State        *pollStateView `json:"state,omitempty"`
}

type targetsResponse struct {
	Targets []targetView `json:"targets"`
}

type sendRequest struct {
	Project string `json:"project"`
	Agent   string `json:"agent"`
	Text    string `json:"text"`
}

type sendResponse struct {
	Status  string `json:"status"`
	Project string `json:"project"`
	Agent   string `json:"agent"`
	Error   string `json:"error,omitempty"`
}

type logsResponse struct {
	Lines []string `json:"lines"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, healthResponse{
		OK:      true,
		Tmux:    s.cfg.TmuxCheck() == nil,
		Tracked: s.cfg.States.Len(),
		Time:    time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleTargets(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r, http.MethodGet) {
		return
	}
	if s.cfg.Targets == nil {
		writeJSON(w, http.StatusOK, targetsResponse{Targets: []targetView{}})
		return
	}

	targets, err := s.cfg.Targets.Targets(r.Context())
	if err != nil {
		webLog.Error("list_targets_failed", slog.String("error", err.Error()))
		writeAPIError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to load targets")
		return
	}

	states := s.cfg.States.Snapshot()
	resp := targetsResponse{Targets: make([]targetView, 0, len(targets))}
	for _, t := range targets {
		view := targetView{
			Project:      t.ProjectID,
			Agent:        t.AgentID,
			Channel:      t.ChannelID,
			Session:      t.Session,
			Window:       t.Window,
			EventHooks:   t.EventHooks,
			VerifySubmit: t.VerifySubmit,
		}
		if st, ok := states[t.Key()]; ok {
			view.State = &pollStateView{
				Classification:  string(st.LastClassification),
				StableCount:     st.StableCount,
				NotifiedWorking: st.NotifiedWorking,
			}
			if !st.UpdatedAt.IsZero() {
				updated := st.UpdatedAt.UTC()
				view.State.UpdatedAt = &updated
			}
		}
		resp.Targets = append(resp.Targets, view)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r, http.MethodPost) {
		return
	}

	var req sendRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSendBodyBytes)).Decode(&req); err != nil {
		writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid send payload")
		return
	}
	req.Project = strings.TrimSpace(req.Project)
	req.Agent = strings.TrimSpace(req.Agent)
	if req.Project == "" || strings.TrimSpace(req.Text) == "" {
		writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "project and text are required")
		return
	}
	if s.cfg.Sender == nil || s.cfg.Targets == nil {
		writeAPIError(w, http.StatusServiceUnavailable, "SEND_DISABLED", "sending is not configured")
		return
	}
	if err := s.cfg.TmuxCheck(); err != nil {
		writeAPIError(w, http.StatusServiceUnavailable, "TMUX_UNAVAILABLE", err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.SendTimeout)
	defer cancel()

	target, err := s.findTarget(ctx, req.Project, req.Agent)
	if err != nil {
		if errors.Is(err, relay.ErrNoTarget) {
			writeAPIError(w, http.StatusNotFound, "NOT_FOUND", "no such agent")
			return
		}
		writeAPIError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to load targets")
		return
	}

	res := s.cfg.Sender.Deliver(ctx, target, req.Text)
	resp := sendResponse{
		Status:  string(res.Status),
		Project: target.ProjectID,
		Agent:   target.AgentID,
	}
	status := http.StatusOK
	switch res.Status {
	case relay.Unconfirmed:
		status = http.StatusAccepted
	case relay.Failed:
		status = http.StatusBadGateway
		if errors.Is(res.Err, context.DeadlineExceeded) {
			status = http.StatusGatewayTimeout
		}
		if res.Err != nil {
			resp.Error = res.Err.Error()
		}
	}
	writeJSON(w, status, resp)
}

// findTarget matches project and agent exactly. An empty agent picks the
// project's first registered agent.
func (s *Server) findTarget(ctx context.Context, project, agent string) (relay.Target, error) {
	targets, err := s.cfg.Targets.Targets(ctx)
	if err != nil {
		return relay.Target{}, err
	}
	for _, t := range targets {
		if t.ProjectID != project {
			continue
		}
		if agent == "" || t.AgentID == agent {
			return t, nil
		}
	}
	return relay.Target{}, relay.ErrNoTarget
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r, http.MethodGet) {
		return
	}
	n := defaultLogLines
	if raw := r.URL.Query().Get("lines"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "lines must be a positive integer")
			return
		}
		n = min(v, maxLogLines)
	}
	lines := logging.RecentLines(n)
	if lines == nil {
		lines = []string{}
	}
	writeJSON(w, http.StatusOK, logsResponse{Lines: lines})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeAPIError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, apiErrorResponse{
		Error: apiError{
			Code:    code,
			Message: message,
		},
	})
}
