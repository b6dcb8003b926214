// Package browsertest provides a scripted in-memory browser.Page.
package browsertest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"restock_monitor/internal/browser"
	"restock_monitor/internal/model"
)

// Element answers to the selector whose CSS equals its CSS field.
type Element struct {
	CSS      string
	Label    string
	Attrs    map[string]string
	Disabled bool
	Hidden   bool
	OnClick  func(p *Page)
	OnFill   func(p *Page, value string)
}

type Page struct {
	mu       sync.Mutex
	url      string
	body     string
	elements []*Element
	routes   map[string]func(p *Page) int
	cookies  []model.Cookie
	clicks   []string
	filled   map[string]string
	navs     int
	closed   bool

	NavigateErr error
}

func New() *Page {
	return &Page{
		routes: make(map[string]func(p *Page) int),
		filled: make(map[string]string),
	}
}

// Route registers the handler run when url is navigated to; it renders the
// page through Set/Add and returns the status code.
func (p *Page) Route(url string, fn func(p *Page) int) {
	p.mu.Lock()
	p.routes[url] = fn
	p.mu.Unlock()
}

func (p *Page) Set(body string, els ...*Element) {
	p.mu.Lock()
	p.body = body
	p.elements = append([]*Element(nil), els...)
	p.mu.Unlock()
}

func (p *Page) Add(els ...*Element) {
	p.mu.Lock()
	p.elements = append(p.elements, els...)
	p.mu.Unlock()
}

func (p *Page) Remove(css string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, el := range p.elements {
		if el.CSS == css {
			continue
		}
		p.elements[n] = el
		n++
	}
	p.elements = p.elements[:n]
}

func (p *Page) Lookup(css string) *Element {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, el := range p.elements {
		if el.CSS == css {
			return el
		}
	}
	return nil
}

func (p *Page) Clicks(css string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, c := range p.clicks {
		if c == css {
			n++
		}
	}
	return n
}

func (p *Page) Filled(css string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.filled[css]
}

func (p *Page) Navigations() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.navs
}

func (p *Page) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Page) URL() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url
}

func (p *Page) Content(context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var b strings.Builder
	b.WriteString(p.body)
	for _, el := range p.elements {
		if el.Hidden {
			continue
		}
		b.WriteString("\n")
		b.WriteString(el.Label)
	}
	return b.String(), nil
}

func (p *Page) Find(_ context.Context, sel browser.Selector) (browser.Element, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, el := range p.elements {
		if el.CSS == sel.CSS && sel.MatchText(el.Label) {
			return &handle{p: p, el: el}, true, nil
		}
	}
	return nil, false, nil
}

func (p *Page) Navigate(ctx context.Context, url string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	p.mu.Lock()
	if p.NavigateErr != nil {
		err := p.NavigateErr
		p.mu.Unlock()
		return 0, err
	}
	p.url = url
	p.navs++
	fn := p.routes[url]
	p.mu.Unlock()
	if fn == nil {
		p.Set("not found")
		return 404, nil
	}
	return fn(p), nil
}

func (p *Page) Screenshot(context.Context) ([]byte, error) {
	return []byte("\x89PNG fake"), nil
}

func (p *Page) Cookies(context.Context) ([]model.Cookie, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]model.Cookie(nil), p.cookies...), nil
}

func (p *Page) SetCookies(_ context.Context, cookies []model.Cookie) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cookies = append(p.cookies, cookies...)
	return nil
}

func (p *Page) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

type handle struct {
	p  *Page
	el *Element
}

func (h *handle) Text(context.Context) (string, error) {
	return h.el.Label, nil
}

func (h *handle) Attr(_ context.Context, name string) (string, bool, error) {
	h.p.mu.Lock()
	defer h.p.mu.Unlock()
	v, ok := h.el.Attrs[name]
	return v, ok, nil
}

func (h *handle) Enabled(context.Context) (bool, error) {
	h.p.mu.Lock()
	defer h.p.mu.Unlock()
	return !h.el.Disabled, nil
}

func (h *handle) Visible(context.Context) (bool, error) {
	h.p.mu.Lock()
	defer h.p.mu.Unlock()
	return !h.el.Hidden, nil
}

func (h *handle) Click(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h.p.mu.Lock()
	if h.el.Disabled {
		h.p.mu.Unlock()
		return fmt.Errorf("browsertest: %s is disabled", h.el.CSS)
	}
	h.p.clicks = append(h.p.clicks, h.el.CSS)
	fn := h.el.OnClick
	h.p.mu.Unlock()
	if fn != nil {
		fn(h.p)
	}
	return nil
}

func (h *handle) Fill(ctx context.Context, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h.p.mu.Lock()
	h.p.filled[h.el.CSS] = value
	fn := h.el.OnFill
	h.p.mu.Unlock()
	if fn != nil {
		fn(h.p, value)
	}
	return nil
}

// Opener hands out pages built by New; it counts how many were opened.
type Opener struct {
	mu    sync.Mutex
	New   func() *Page
	Pages []*Page
	Err   error
}

func (o *Opener) Open(ctx context.Context) (browser.Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.Err != nil {
		return nil, o.Err
	}
	if o.New == nil {
		return nil, errors.New("browsertest: opener has no page factory")
	}
	p := o.New()
	o.Pages = append(o.Pages, p)
	return p, nil
}

func (o *Opener) Opened() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.Pages)
}
