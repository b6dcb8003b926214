package logbus

import (
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestRingBufferKeepsNewest(t *testing.T) {
	b := New(3, nil)
	for i := 0; i < 5; i++ {
		b.Publish("tick", i)
	}
	snap := b.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("got %d messages, expected 3", len(snap))
	}
	for i, want := range []int{2, 3, 4} {
		if snap[i].Data != want {
			t.Errorf("snap[%d] got %v, expected %d", i, snap[i].Data, want)
		}
	}
}

func TestSubscribeAndClose(t *testing.T) {
	b := New(10, nil)
	ch, cancel := b.Subscribe(4)
	b.Publish("task_state", "x")
	msg := <-ch
	if msg.Type != "task_state" {
		t.Errorf("type got %q", msg.Type)
	}
	cancel()
	if _, ok := <-ch; ok {
		t.Error("channel should be closed after cancel")
	}

	ch2, _ := b.Subscribe(1)
	b.Close()
	if _, ok := <-ch2; ok {
		t.Error("channel should be closed after bus close")
	}
	b.Publish("ignored", nil)
	if len(b.Snapshot()) != 0 {
		t.Error("closed bus should drop messages")
	}
}

func TestLogMirrorsToZap(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	b := New(10, zap.New(core))
	b.Log("warn", "fetch failed", map[string]any{"channel": "tls"})
	b.Log("bogus-level", "still logged", nil)

	entries := logs.All()
	if len(entries) != 2 {
		t.Fatalf("got %d zap entries, expected 2", len(entries))
	}
	if entries[0].Level != zap.WarnLevel || entries[0].ContextMap()["channel"] != "tls" {
		t.Errorf("unexpected entry %+v", entries[0])
	}
	if entries[1].Level != zap.InfoLevel {
		t.Errorf("unknown level should fall back to info, got %s", entries[1].Level)
	}
}
