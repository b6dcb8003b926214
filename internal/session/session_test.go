package session

import (
	"context"
	"path/filepath"
	"testing"

	"restock_monitor/internal/browser/browsertest"
	"restock_monitor/internal/model"
	"restock_monitor/internal/store/sqlite"
)

func newStore(t *testing.T) *sqlite.Store {
	t.Helper()
	st, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "s.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestPersistAndRestore(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	opener := &browsertest.Opener{New: browsertest.New}

	m := NewManager(opener, st, nil)
	h, err := m.Acquire(ctx, "worker-0")
	if err != nil {
		t.Fatal(err)
	}
	page, err := h.Page(ctx)
	if err != nil {
		t.Fatal(err)
	}
	_ = page.SetCookies(ctx, []model.Cookie{{Name: "sid", Value: "abc", Domain: "shop.test"}})

	s := h.State()
	s.Authenticated = true
	h.Update(s)
	if err := m.Persist(ctx, h); err != nil {
		t.Fatal(err)
	}
	m.Release()
	if !opener.Pages[0].Closed() {
		t.Fatal("Release should close the page")
	}

	m2 := NewManager(opener, st, nil)
	h2, err := m2.Acquire(ctx, "worker-0")
	if err != nil {
		t.Fatal(err)
	}
	got := h2.State()
	if !got.Authenticated {
		t.Error("restored session should be authenticated")
	}
	if c := h2.CookiesFor("https://shop.test/p/1"); len(c) != 1 || c[0].Value != "abc" {
		t.Errorf("cookies for shop.test got %+v", c)
	}

	p2, err := h2.Page(ctx)
	if err != nil {
		t.Fatal(err)
	}
	seeded, _ := p2.Cookies(ctx)
	if len(seeded) != 1 {
		t.Errorf("new page should be seeded with %d cookies, got %d", 1, len(seeded))
	}
}

func TestRebuildDropsSnapshot(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	opener := &browsertest.Opener{New: browsertest.New}
	m := NewManager(opener, st, nil)

	h, _ := m.Acquire(ctx, "w")
	if _, err := h.Page(ctx); err != nil {
		t.Fatal(err)
	}
	s := h.State()
	s.Authenticated = true
	h.Update(s)
	_ = m.Persist(ctx, h)
	oldID := h.State().ID

	if err := m.Rebuild(ctx, h); err != nil {
		t.Fatal(err)
	}
	if h.Live() != nil {
		t.Error("page should be dropped after rebuild")
	}
	if !opener.Pages[0].Closed() {
		t.Error("old page should be closed")
	}
	if cur := h.State(); cur.Authenticated || cur.ID == oldID {
		t.Errorf("rebuilt session got %+v", cur)
	}
	if _, ok, _ := st.GetSession(ctx, "w"); ok {
		t.Error("snapshot should be deleted")
	}
}

func TestPageWithoutBrowser(t *testing.T) {
	m := NewManager(nil, nil, nil)
	h, err := m.Acquire(context.Background(), "w")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.Page(context.Background()); err == nil {
		t.Fatal("expected error when browser is disabled")
	}
}
