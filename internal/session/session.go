// Package session owns the per-worker channel context: the live browser page
// (opened lazily) and the cookie/authentication snapshot persisted in SQLite.
package session

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"restock_monitor/internal/browser"
	"restock_monitor/internal/fault"
	"restock_monitor/internal/logbus"
	"restock_monitor/internal/model"
)

// Opener opens a fresh, isolated page (one browser context per session).
type Opener interface {
	Open(ctx context.Context) (browser.Page, error)
}

// Store persists session snapshots as opaque bytes.
type Store interface {
	GetSession(ctx context.Context, name string) ([]byte, bool, error)
	PutSession(ctx context.Context, name string, data []byte) error
	DeleteSession(ctx context.Context, name string) error
}

type Manager struct {
	opener Opener
	store  Store
	bus    *logbus.Bus

	mu      sync.Mutex
	handles map[string]*Handle
}

func NewManager(opener Opener, store Store, bus *logbus.Bus) *Manager {
	return &Manager{
		opener:  opener,
		store:   store,
		bus:     bus,
		handles: make(map[string]*Handle),
	}
}

// Handle is one worker's session. It is used by a single goroutine at a time.
type Handle struct {
	name   string
	opener Opener

	mu    sync.Mutex
	state model.Session
	page  browser.Page
}

// Acquire returns the named session, restoring its last persisted snapshot.
func (m *Manager) Acquire(ctx context.Context, name string) (*Handle, error) {
	m.mu.Lock()
	if h, ok := m.handles[name]; ok {
		m.mu.Unlock()
		return h, nil
	}
	m.mu.Unlock()

	h := &Handle{name: name, opener: m.opener, state: fresh(name)}
	if m.store != nil {
		b, ok, err := m.store.GetSession(ctx, name)
		if err != nil {
			return nil, err
		}
		if ok {
			var snap model.Session
			if err := json.Unmarshal(b, &snap); err != nil {
				m.log("warn", "会话快照损坏，已忽略", map[string]any{"worker": name, "error": err.Error()})
			} else {
				snap.Worker = name
				h.state = snap
				m.log("info", "已恢复会话快照", map[string]any{"worker": name, "authenticated": snap.Authenticated, "cookies": countCookies(snap.Cookies)})
			}
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.handles[name]; ok {
		return existing, nil
	}
	m.handles[name] = h
	return h, nil
}

// Persist writes the handle's snapshot, refreshing cookies from the live page first.
func (m *Manager) Persist(ctx context.Context, h *Handle) error {
	if m.store == nil || h == nil {
		return nil
	}
	if err := h.SyncCookies(ctx); err != nil {
		m.log("warn", "读取浏览器 cookie 失败", map[string]any{"worker": h.name, "error": err.Error()})
	}
	b, err := json.Marshal(h.State())
	if err != nil {
		return err
	}
	if err := m.store.PutSession(ctx, h.name, b); err != nil {
		return err
	}
	m.log("info", "会话已保存", map[string]any{"worker": h.name})
	return nil
}

// Rebuild discards the page and the stale snapshot and starts the session over.
func (m *Manager) Rebuild(ctx context.Context, h *Handle) error {
	if h == nil {
		return nil
	}
	h.mu.Lock()
	page := h.page
	h.page = nil
	h.state = fresh(h.name)
	h.mu.Unlock()
	if page != nil {
		_ = page.Close()
	}
	if m.store != nil {
		if err := m.store.DeleteSession(ctx, h.name); err != nil {
			return err
		}
	}
	m.log("warn", "会话已重建", map[string]any{"worker": h.name})
	return nil
}

// Release closes every open page.
func (m *Manager) Release() {
	m.mu.Lock()
	handles := make([]*Handle, 0, len(m.handles))
	for _, h := range m.handles {
		handles = append(handles, h)
	}
	m.handles = make(map[string]*Handle)
	m.mu.Unlock()

	for _, h := range handles {
		h.mu.Lock()
		page := h.page
		h.page = nil
		h.mu.Unlock()
		if page != nil {
			_ = page.Close()
		}
	}
}

func (m *Manager) log(level, msg string, fields map[string]any) {
	if m.bus != nil {
		m.bus.Log(level, msg, fields)
	}
}

func (h *Handle) Name() string { return h.name }

func (h *Handle) State() model.Session {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state.Clone()
}

// Update replaces the session value; only the auth handler and rebuild call it.
func (h *Handle) Update(s model.Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s.Worker = h.name
	if s.ID == "" {
		s.ID = h.state.ID
	}
	h.state = s.Clone()
}

// Live returns the open page, or nil when no page has been opened yet.
func (h *Handle) Live() browser.Page {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.page
}

// Page returns the live page, opening it and seeding it with the session
// cookies on first use.
func (h *Handle) Page(ctx context.Context) (browser.Page, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.page != nil {
		return h.page, nil
	}
	if h.opener == nil {
		return nil, fault.New(fault.KindConfiguration, "session", "browser is disabled")
	}
	page, err := h.opener.Open(ctx)
	if err != nil {
		return nil, fault.Wrap(fault.KindTransientChannel, "session.open", err)
	}
	var cookies []model.Cookie
	for _, e := range h.state.Cookies {
		cookies = append(cookies, e.Cookies...)
	}
	if len(cookies) > 0 {
		if err := page.SetCookies(ctx, cookies); err != nil {
			_ = page.Close()
			return nil, fault.Wrap(fault.KindTransientChannel, "session.cookies", err)
		}
	}
	h.page = page
	h.state.Channel = model.ChannelBrowser
	return page, nil
}

// SyncCookies copies the live page's cookies into the session value.
func (h *Handle) SyncCookies(ctx context.Context) error {
	page := h.Live()
	if page == nil {
		return nil
	}
	cookies, err := page.Cookies(ctx)
	if err != nil {
		return err
	}
	if len(cookies) == 0 {
		return nil
	}
	fallback := page.URL()
	h.mu.Lock()
	h.state.Cookies = model.GroupCookies(cookies, fallback)
	h.mu.Unlock()
	return nil
}

// CookiesFor returns the session cookies that apply to rawURL.
func (h *Handle) CookiesFor(rawURL string) []model.Cookie {
	if h == nil {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return model.CookiesForURL(h.state.Cookies, rawURL)
}

func fresh(name string) model.Session {
	return model.Session{
		ID:        uuid.NewString(),
		Worker:    name,
		Channel:   model.ChannelHTTP,
		CreatedAt: time.Now(),
	}
}

func countCookies(entries []model.CookieJarEntry) int {
	n := 0
	for _, e := range entries {
		n += len(e.Cookies)
	}
	return n
}
