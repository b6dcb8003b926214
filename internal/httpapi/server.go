package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"restock_monitor/internal/config"
	"restock_monitor/internal/logbus"
	"restock_monitor/internal/model"
	"restock_monitor/internal/notify"
	"restock_monitor/internal/retry"
	"restock_monitor/internal/ws"
)

// Engine is the part of the monitor loop the API exposes.
type Engine interface {
	StartAll(ctx context.Context) error
	StopAll(ctx context.Context) error
	State() model.EngineState
}

type Options struct {
	Cfg      config.Config
	Bus      *logbus.Bus
	Engine   Engine
	History  *retry.History
	Notifier notify.Notifier
}

type Server struct {
	cfg     config.Config
	bus     *logbus.Bus
	engine  Engine
	history *retry.History
	notif   notify.Notifier
	ws      *ws.Handler
}

func New(opts Options) *Server {
	return &Server{
		cfg:     opts.Cfg,
		bus:     opts.Bus,
		engine:  opts.Engine,
		history: opts.History,
		notif:   opts.Notifier,
		ws:      ws.NewHandler(opts.Bus, opts.Cfg.Server.Cors.AllowOrigins),
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/ws", s.ws)

	api := http.NewServeMux()
	api.HandleFunc("/api/v1/state", s.handleState)
	api.HandleFunc("/api/v1/engine/start", s.handleEngineStart)
	api.HandleFunc("/api/v1/engine/stop", s.handleEngineStop)
	api.HandleFunc("/api/v1/attempts", s.handleAttempts)
	api.HandleFunc("/api/v1/logs", s.handleLogs)
	api.HandleFunc("/api/v1/notify/test", s.handleNotifyTest)

	mux.Handle("/api/", corsMiddleware(s.cfg.Server.Cors, api))
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	out := map[string]any{"ok": true}
	if s.engine != nil {
		st := s.engine.State()
		out["running"] = st.Running
		out["loop"] = st.Loop
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
		return
	}
	if s.engine == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "engine unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": s.engine.State()})
}

func (s *Server) handleEngineStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	if err := s.engine.StartAll(ctx); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleEngineStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	if err := s.engine.StopAll(ctx); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// handleAttempts lists recent retry attempts, optionally for one task.
func (s *Server) handleAttempts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
		return
	}
	taskID := strings.TrimSpace(r.URL.Query().Get("taskId"))
	recs := s.history.List(taskID)
	if recs == nil {
		recs = []model.AttemptRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": recs})
}

// handleLogs returns the bus ring buffer; ?type=log keeps only that event type.
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
		return
	}
	typ := strings.TrimSpace(r.URL.Query().Get("type"))
	out := make([]logbus.Message, 0)
	if s.bus != nil {
		for _, m := range s.bus.Snapshot() {
			if typ != "" && m.Type != typ {
				continue
			}
			out = append(out, m)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": out})
}

type notifyTestPayload struct {
	Message string `json:"message"`
}

func (s *Server) handleNotifyTest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
		return
	}
	if s.notif == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "notifier unavailable"})
		return
	}
	var body notifyTestPayload
	if err := readJSON(r, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	msg := strings.TrimSpace(body.Message)
	if msg == "" {
		msg = "通知测试：配置正常"
	}
	ok := s.notif.Notify(r.Context(), model.NotificationEvent{
		Kind:      model.EventStarted,
		TaskName:  "通知测试",
		Message:   msg,
		Timestamp: time.Now(),
		Fields:    map[string]string{"test": "true"},
	})
	if !ok {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "notification queue is full"})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// readJSON decodes a request body; an empty body leaves v untouched.
func readJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}
