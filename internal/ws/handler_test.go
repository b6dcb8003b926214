package ws

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"restock_monitor/internal/logbus"
)

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws" + query
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestSnapshotFilteredByType(t *testing.T) {
	bus := logbus.New(20, nil)
	bus.Log("info", "first", nil)
	bus.Publish("notification", map[string]any{"kind": "available"})
	bus.Log("info", "second", nil)

	srv := httptest.NewServer(NewHandler(bus, nil))
	defer srv.Close()

	conn := dial(t, srv, "?types=notification")
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg logbus.Message
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatal(err)
	}
	if msg.Type != "notification" {
		t.Errorf("first message type got %q", msg.Type)
	}

	// the subscription starts after the snapshot is written, so keep publishing until one arrives
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		tick := time.NewTicker(20 * time.Millisecond)
		defer tick.Stop()
		for {
			select {
			case <-stop:
				return
			case <-tick.C:
				bus.Log("info", "live log", nil)
				bus.Publish("notification", map[string]any{"kind": "purchased"})
			}
		}
	}()
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatal(err)
	}
	if msg.Type != "notification" {
		t.Errorf("live message type got %q", msg.Type)
	}
}

func TestCheckOrigin(t *testing.T) {
	h := NewHandler(logbus.New(1, nil), []string{"http://ok.test"})
	tests := []struct {
		origin string
		want   bool
	}{
		{"", true},
		{"http://ok.test", true},
		{"http://OK.test", true},
		{"http://evil.test", false},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/ws", nil)
		if tt.origin != "" {
			r.Header.Set("Origin", tt.origin)
		}
		if got := h.checkOrigin(r); got != tt.want {
			t.Errorf("origin %q: got %v", tt.origin, got)
		}
	}
}
