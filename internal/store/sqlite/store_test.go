package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"restock_monitor/internal/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "nested", "test.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSessionSnapshotRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	if _, ok, err := s.GetSession(ctx, "worker-0"); err != nil || ok {
		t.Fatalf("empty store: ok=%v err=%v", ok, err)
	}
	if err := s.PutSession(ctx, "worker-0", []byte(`{"a":1}`)); err != nil {
		t.Fatal(err)
	}
	if err := s.PutSession(ctx, "worker-0", []byte(`{"a":2}`)); err != nil {
		t.Fatal(err)
	}
	data, ok, err := s.GetSession(ctx, "worker-0")
	if err != nil || !ok || string(data) != `{"a":2}` {
		t.Fatalf("got %q ok=%v err=%v", data, ok, err)
	}
	if err := s.DeleteSession(ctx, "worker-0"); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := s.GetSession(ctx, "worker-0"); ok {
		t.Error("session should be gone after delete")
	}
}

func TestTaskStatusKeepsCompletionTime(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	if err := s.SetTaskStatus(ctx, "t1", model.TaskStatusCompleted, ""); err != nil {
		t.Fatal(err)
	}
	if err := s.SetTaskStatus(ctx, "t2", model.TaskStatusFailed, "authentication_rejected"); err != nil {
		t.Fatal(err)
	}
	all, err := s.ListTaskStatuses(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if all["t1"].Status != model.TaskStatusCompleted || all["t1"].CompletedAt == 0 {
		t.Errorf("t1 got %+v", all["t1"])
	}
	if all["t2"].Status != model.TaskStatusFailed || all["t2"].LastError != "authentication_rejected" {
		t.Errorf("t2 got %+v", all["t2"])
	}

	if err := s.ResetTaskStatus(ctx, "t1"); err != nil {
		t.Fatal(err)
	}
	all, _ = s.ListTaskStatuses(ctx)
	if _, ok := all["t1"]; ok {
		t.Error("t1 should be reset")
	}
}
