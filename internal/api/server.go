// Package api is the daemon's HTTP surface: session registry management,
// engine status and control, the activity log, and live event streams over
// SSE and websocket.
package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cuedev/cued/internal/engine"
	"github.com/cuedev/cued/internal/eventbus"
	"github.com/cuedev/cued/internal/schema"
)

type Server struct {
	Engine    *engine.Engine
	Bus       *eventbus.Bus
	StartedAt time.Time
	Version   string
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/engine", s.handleEngine)
	mux.HandleFunc("/api/sessions", s.handleSessions)
	mux.HandleFunc("/api/sessions/", s.handleSessionItem)
	mux.HandleFunc("/api/runs", s.handleRuns)
	mux.HandleFunc("/api/runs/stop-all", s.handleStopAll)
	mux.HandleFunc("/api/runs/", s.handleRunItem)
	mux.HandleFunc("/api/activity", s.handleActivity)
	mux.HandleFunc("/api/queues", s.handleQueues)
	mux.HandleFunc("/api/streams/subscribe", s.handleStreamSubscribe)
	mux.HandleFunc("/api/streams/ws", s.handleStreamWS)
	mux.HandleFunc("/api/streams/", s.handleStreams)

	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.Version,
		"uptime":  time.Since(s.StartedAt).Round(time.Second).String(),
		"time":    time.Now().UTC(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"enabled":  s.Engine.Enabled(),
		"sessions": s.Engine.Status(),
	})
}

// handleEngine reads or flips the engine's enabled state. Disabling stops
// timers, watchers, and in-flight runs and closes storage.
func (s *Server) handleEngine(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{"enabled": s.Engine.Enabled()})
	case http.MethodPost:
		var payload struct {
			Enabled bool `json:"enabled"`
		}
		if err := decodeJSON(r.Body, &payload); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if payload.Enabled {
			s.Engine.Start()
		} else {
			s.Engine.Stop()
		}
		writeJSON(w, http.StatusOK, map[string]any{"enabled": s.Engine.Enabled()})
	default:
		writeMethodNotAllowed(w)
	}
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.Engine.Sessions())
	case http.MethodPost:
		var sess engine.Session
		if err := decodeJSON(r.Body, &sess); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if sess.ID == "" || sess.Root == "" {
			writeError(w, http.StatusBadRequest, errBadRequest("session id and root are required"))
			return
		}
		if sess.Name == "" {
			sess.Name = sess.ID
		}
		s.Engine.RegisterSession(sess)
		writeJSON(w, http.StatusCreated, sess)
	default:
		writeMethodNotAllowed(w)
	}
}

func (s *Server) handleSessionItem(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/sessions/")
	segments := strings.Split(strings.Trim(path, "/"), "/")
	if len(segments) == 0 || segments[0] == "" {
		writeError(w, http.StatusNotFound, errNotFound("session"))
		return
	}
	sessionID := segments[0]

	if len(segments) == 1 {
		if r.Method != http.MethodDelete {
			writeMethodNotAllowed(w)
			return
		}
		s.Engine.RemoveSession(sessionID)
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	action := segments[1]
	switch action {
	case "refresh":
		if r.Method != http.MethodPost {
			writeMethodNotAllowed(w)
			return
		}
		s.Engine.RefreshSession(sessionID)
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	case "completed":
		s.handleSessionCompleted(w, r, sessionID)
	case "queue":
		if len(segments) == 3 && segments[2] == "clear" {
			if r.Method != http.MethodPost {
				writeMethodNotAllowed(w)
				return
			}
			cleared := s.Engine.ClearQueue(sessionID)
			writeJSON(w, http.StatusOK, map[string]any{"cleared": cleared})
			return
		}
		writeError(w, http.StatusNotFound, errNotFound("queue action"))
	default:
		writeError(w, http.StatusNotFound, errNotFound("session action"))
	}
}

// handleSessionCompleted lets agents managed outside the engine feed the
// completion chain, e.g. an editor-driven run finishing in a watched
// workspace.
func (s *Server) handleSessionCompleted(w http.ResponseWriter, r *http.Request, sessionID string) {
	if r.Method == http.MethodGet {
		// Cheap check: does anything subscribe to this session's completions?
		writeJSON(w, http.StatusOK, map[string]any{
			"subscribers": s.Engine.HasCompletionSubscribers(sessionID),
		})
		return
	}
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	var payload struct {
		Status     string `json:"status"`
		Output     string `json:"output"`
		ExitCode   *int   `json:"exitCode"`
		DurationMs int64  `json:"durationMs"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	status := schema.RunStatus(payload.Status)
	if status == "" {
		status = schema.RunCompleted
	}
	if !status.Terminal() {
		writeError(w, http.StatusBadRequest, errBadRequest("status must be terminal"))
		return
	}
	notice := engine.CompletionNotice{
		Status:     status,
		Output:     payload.Output,
		ExitCode:   payload.ExitCode,
		DurationMs: payload.DurationMs,
	}
	if !s.Engine.NotifySessionCompleted(sessionID, notice) {
		writeError(w, http.StatusNotFound, errNotFound("session"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":          true,
		"subscribers": s.Engine.HasCompletionSubscribers(sessionID),
	})
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, s.Engine.ActiveRuns())
}

func (s *Server) handleRunItem(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/runs/")
	segments := strings.Split(strings.Trim(path, "/"), "/")
	if len(segments) != 2 || segments[0] == "" || segments[1] != "stop" {
		writeError(w, http.StatusNotFound, errNotFound("run action"))
		return
	}
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	if !s.Engine.StopRun(segments[0]) {
		writeError(w, http.StatusNotFound, errNotFound("run"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleStopAll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	stopped := s.Engine.StopAll()
	writeJSON(w, http.StatusOK, map[string]any{"stopped": stopped})
}

func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	limit := parseInt(r.URL.Query().Get("limit"), 100)
	log := s.Engine.ActivityLog()
	if limit > 0 && len(log) > limit {
		log = log[:limit]
	}
	writeJSON(w, http.StatusOK, log)
}

func (s *Server) handleQueues(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, s.Engine.QueueDepths())
}

// handleStreams serves journal history for one stream, newest first.
func (s *Server) handleStreams(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	stream := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/streams/"), "/")
	if stream == "" {
		writeError(w, http.StatusNotFound, errNotFound("stream"))
		return
	}
	limit := parseInt(r.URL.Query().Get("limit"), 50)
	items, err := s.Bus.Recent(r.Context(), stream, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if items == nil {
		items = []eventbus.Entry{}
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) handleStreamSubscribe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	streamList := requestedStreams(r)

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, errNotFound("streaming support"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	_, _ = w.Write([]byte(":ok\n\n"))
	flusher.Flush()

	ctx := r.Context()
	sub := s.Bus.Subscribe(ctx, streamList)

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-sub:
			if !ok {
				return
			}
			payload, _ := json.Marshal(evt)
			_, _ = w.Write([]byte("data: "))
			_, _ = w.Write(payload)
			_, _ = w.Write([]byte("\n\n"))
			flusher.Flush()
		}
	}
}

func requestedStreams(r *http.Request) []string {
	param := r.URL.Query().Get("streams")
	if param == "" {
		return schema.EngineStreams
	}
	return splitComma(param)
}

func decodeJSON(body io.Reader, dest any) error {
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	return dec.Decode(dest)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"error": err.Error()})
}

func writeMethodNotAllowed(w http.ResponseWriter) {
	writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
}

func parseInt(value string, fallback int) int {
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func splitComma(value string) []string {
	parts := strings.Split(value, ",")
	var out []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

type apiError struct {
	msg string
}

func (e apiError) Error() string { return e.msg }

func errNotFound(target string) error {
	return apiError{msg: target + " not found"}
}

func errBadRequest(msg string) error {
	return apiError{msg: msg}
}
