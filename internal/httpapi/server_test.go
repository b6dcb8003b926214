package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"restock_monitor/internal/config"
	"restock_monitor/internal/logbus"
	"restock_monitor/internal/model"
	"restock_monitor/internal/retry"
)

type fakeEngine struct {
	started, stopped int
	startErr         error
}

func (e *fakeEngine) StartAll(context.Context) error { e.started++; return e.startErr }
func (e *fakeEngine) StopAll(context.Context) error  { e.stopped++; return nil }
func (e *fakeEngine) State() model.EngineState {
	return model.EngineState{Running: true, Loop: model.LoopSleeping, Tasks: []model.TaskState{{TaskID: "tee", Status: model.TaskStatusActive}}}
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []model.NotificationEvent
}

func (n *fakeNotifier) Notify(_ context.Context, evt model.NotificationEvent) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, evt)
	return true
}

func newTestServer() (*Server, *fakeEngine, *fakeNotifier, *logbus.Bus, *retry.History) {
	eng, n := &fakeEngine{}, &fakeNotifier{}
	bus := logbus.New(50, nil)
	hist := retry.NewHistory(10)
	cfg := config.Config{Server: config.ServerConfig{Cors: config.CorsConfig{AllowOrigins: []string{"http://localhost:5173"}}}}
	return New(Options{Cfg: cfg, Bus: bus, Engine: eng, History: hist, Notifier: n}), eng, n, bus, hist
}

func do(t *testing.T, h http.Handler, method, target, body string) (*httptest.ResponseRecorder, map[string]json.RawMessage) {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	out := map[string]json.RawMessage{}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("%s %s: decode %q: %v", method, target, rec.Body.String(), err)
	}
	return rec, out
}

func TestStateEndpoint(t *testing.T) {
	s, _, _, _, _ := newTestServer()
	rec, out := do(t, s.Handler(), http.MethodGet, "/api/v1/state", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status got %d", rec.Code)
	}
	var st model.EngineState
	if err := json.Unmarshal(out["data"], &st); err != nil {
		t.Fatal(err)
	}
	if st.Loop != model.LoopSleeping || len(st.Tasks) != 1 || st.Tasks[0].TaskID != "tee" {
		t.Errorf("state got %+v", st)
	}

	rec, _ = do(t, s.Handler(), http.MethodPost, "/api/v1/state", "")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST status got %d", rec.Code)
	}
}

func TestAttemptsFilteredByTask(t *testing.T) {
	s, _, _, _, hist := newTestServer()
	now := time.Now()
	hist.Add(model.AttemptRecord{TaskID: "tee", Seq: 1, StartedAt: now, Outcome: model.OutcomeRetryable})
	hist.Add(model.AttemptRecord{TaskID: "hoodie", Seq: 1, StartedAt: now.Add(time.Second), Outcome: model.OutcomeSuccess})

	tests := []struct {
		query string
		want  int
	}{
		{"", 2},
		{"?taskId=tee", 1},
		{"?taskId=missing", 0},
	}
	for _, tt := range tests {
		_, out := do(t, s.Handler(), http.MethodGet, "/api/v1/attempts"+tt.query, "")
		var recs []model.AttemptRecord
		if err := json.Unmarshal(out["data"], &recs); err != nil {
			t.Fatal(err)
		}
		if len(recs) != tt.want {
			t.Errorf("%q: got %d records, expected %d", tt.query, len(recs), tt.want)
		}
	}
}

func TestLogsFilteredByType(t *testing.T) {
	s, _, _, bus, _ := newTestServer()
	bus.Log("info", "hello", nil)
	bus.Publish("task_state", model.TaskState{TaskID: "tee"})

	_, out := do(t, s.Handler(), http.MethodGet, "/api/v1/logs?type=log", "")
	var msgs []logbus.Message
	if err := json.Unmarshal(out["data"], &msgs); err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].Type != "log" {
		t.Errorf("got %+v", msgs)
	}
}

func TestEngineControl(t *testing.T) {
	s, eng, _, _, _ := newTestServer()
	if rec, _ := do(t, s.Handler(), http.MethodPost, "/api/v1/engine/start", ""); rec.Code != http.StatusOK {
		t.Errorf("start status got %d", rec.Code)
	}
	if rec, _ := do(t, s.Handler(), http.MethodPost, "/api/v1/engine/stop", ""); rec.Code != http.StatusOK {
		t.Errorf("stop status got %d", rec.Code)
	}
	if eng.started != 1 || eng.stopped != 1 {
		t.Errorf("started=%d stopped=%d", eng.started, eng.stopped)
	}
}

func TestNotifyTest(t *testing.T) {
	s, _, n, _, _ := newTestServer()
	rec, _ := do(t, s.Handler(), http.MethodPost, "/api/v1/notify/test", `{"message":"ping"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status got %d", rec.Code)
	}
	if len(n.events) != 1 || n.events[0].Message != "ping" {
		t.Errorf("events got %+v", n.events)
	}

	rec, _ = do(t, s.Handler(), http.MethodPost, "/api/v1/notify/test", `{"bogus":1}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("unknown field status got %d", rec.Code)
	}
}

func TestCorsPreflight(t *testing.T) {
	s, _, _, _, _ := newTestServer()
	req := httptest.NewRequest(http.MethodOptions, "/api/v1/state", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Errorf("status got %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:5173" {
		t.Errorf("allow origin got %q", got)
	}
}

func TestHealth(t *testing.T) {
	s, _, _, _, _ := newTestServer()
	rec, out := do(t, s.Handler(), http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK || string(out["ok"]) != "true" || string(out["loop"]) != `"Sleeping"` {
		t.Errorf("got %d %v", rec.Code, out)
	}
}

func TestMatchOrigin(t *testing.T) {
	tests := []struct {
		name   string
		cfg    config.CorsConfig
		origin string
		want   string
	}{
		{"no origin header", config.CorsConfig{AllowOrigins: []string{"*"}}, "", ""},
		{"listed", config.CorsConfig{AllowOrigins: []string{"http://a.test/"}}, "http://a.test", "http://a.test"},
		{"not listed", config.CorsConfig{AllowOrigins: []string{"http://a.test"}}, "http://b.test", ""},
		{"wildcard", config.CorsConfig{AllowOrigins: []string{"*"}}, "http://b.test", "*"},
		{"wildcard with credentials", config.CorsConfig{AllowOrigins: []string{"*"}, AllowCredentials: true}, "http://b.test", "http://b.test"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := matchOrigin(tt.cfg, tt.origin); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}
