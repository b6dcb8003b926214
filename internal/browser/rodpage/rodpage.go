// Package rodpage backs browser.Page with a stealth go-rod page.
package rodpage

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"

	"restock_monitor/internal/browser"
	"restock_monitor/internal/model"
)

type Options struct {
	Headless   bool
	ProfileDir string
	BinPath    string
	Proxy      string
	UserAgent  string
	// NavigateTimeout 单次导航（含等待 load 事件）的上限。
	NavigateTimeout time.Duration
}

// Browser lazily launches one Chrome process and opens isolated pages on it.
type Browser struct {
	opts Options

	mu       sync.Mutex
	launcher *launcher.Launcher
	browser  *rod.Browser
}

func NewBrowser(opts Options) *Browser {
	if opts.NavigateTimeout <= 0 {
		opts.NavigateTimeout = 30 * time.Second
	}
	return &Browser{opts: opts}
}

func (b *Browser) connect() (*rod.Browser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.browser != nil {
		return b.browser, nil
	}

	l := launcher.New().Headless(b.opts.Headless)
	if b.opts.ProfileDir != "" {
		l = l.UserDataDir(b.opts.ProfileDir)
	}
	if b.opts.BinPath != "" {
		l = l.Bin(b.opts.BinPath)
	}
	if b.opts.Proxy != "" {
		l = l.Proxy(b.opts.Proxy)
	}
	u, err := l.Launch()
	if err != nil {
		l.Kill()
		return nil, err
	}
	rb := rod.New().ControlURL(u)
	if err := rb.Connect(); err != nil {
		l.Kill()
		return nil, err
	}
	b.launcher = l
	b.browser = rb
	return rb, nil
}

// Open returns a fresh stealth page. Without a profile dir every page lives
// in its own incognito context so workers never share cookies.
func (b *Browser) Open(ctx context.Context) (browser.Page, error) {
	rb, err := b.connect()
	if err != nil {
		return nil, err
	}
	owner := rb
	var incognito *rod.Browser
	if b.opts.ProfileDir == "" {
		incognito, err = rb.Incognito()
		if err != nil {
			return nil, err
		}
		owner = incognito
	}
	page, err := stealth.Page(owner)
	if err != nil {
		if incognito != nil {
			_ = incognito.Close()
		}
		return nil, err
	}
	if ua := strings.TrimSpace(b.opts.UserAgent); ua != "" {
		_ = page.SetUserAgent(&proto.NetworkSetUserAgentOverride{UserAgent: ua})
	}
	return &Page{page: page, incognito: incognito, navTimeout: b.opts.NavigateTimeout}, nil
}

func (b *Browser) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var err error
	if b.browser != nil {
		err = b.browser.Close()
		b.browser = nil
	}
	if b.launcher != nil {
		b.launcher.Kill()
		b.launcher = nil
	}
	return err
}

type Page struct {
	page       *rod.Page
	incognito  *rod.Browser
	navTimeout time.Duration
}

func (p *Page) URL() string {
	info, err := p.page.Info()
	if err != nil || info == nil {
		return ""
	}
	return info.URL
}

func (p *Page) Navigate(ctx context.Context, url string) (int, error) {
	pg := p.page.Context(ctx).Timeout(p.navTimeout)
	if err := pg.Navigate(url); err != nil {
		return 0, err
	}
	if err := pg.WaitLoad(); err != nil {
		return 0, err
	}
	// Navigation Timing Level 2；不支持时返回 0，由调用方当作未知状态码处理
	res, err := pg.Eval(`() => {
		const nav = performance.getEntriesByType('navigation')[0];
		return nav && nav.responseStatus ? nav.responseStatus : 0;
	}`)
	if err != nil || res == nil {
		return 0, nil
	}
	return res.Value.Int(), nil
}

func (p *Page) Content(ctx context.Context) (string, error) {
	return p.page.Context(ctx).HTML()
}

func (p *Page) Find(ctx context.Context, sel browser.Selector) (browser.Element, bool, error) {
	if strings.TrimSpace(sel.CSS) == "" {
		return nil, false, nil
	}
	els, err := p.page.Context(ctx).Elements(sel.CSS)
	if err != nil {
		if ctx.Err() != nil {
			return nil, false, ctx.Err()
		}
		// 选择器写错或页面正在跳转，都按“没找到”处理
		return nil, false, nil
	}
	for _, el := range els {
		text, err := el.Text()
		if err != nil {
			continue
		}
		if sel.MatchText(text) {
			return &element{el: el}, true, nil
		}
	}
	return nil, false, nil
}

func (p *Page) Screenshot(ctx context.Context) ([]byte, error) {
	return p.page.Context(ctx).Screenshot(false, nil)
}

func (p *Page) Cookies(ctx context.Context) ([]model.Cookie, error) {
	raw, err := p.page.Context(ctx).Cookies(nil)
	if err != nil {
		return nil, err
	}
	out := make([]model.Cookie, 0, len(raw))
	for _, c := range raw {
		var expires int64
		if c.Expires > 0 {
			expires = int64(float64(c.Expires) * 1000)
		}
		out = append(out, model.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Path:     c.Path,
			Domain:   c.Domain,
			Expires:  expires,
			Secure:   c.Secure,
			HttpOnly: c.HTTPOnly,
			SameSite: strings.ToLower(string(c.SameSite)),
		})
	}
	return out, nil
}

func (p *Page) SetCookies(ctx context.Context, cookies []model.Cookie) error {
	if len(cookies) == 0 {
		return nil
	}
	params := make([]*proto.NetworkCookieParam, 0, len(cookies))
	for _, c := range cookies {
		param := &proto.NetworkCookieParam{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Secure:   c.Secure,
			HTTPOnly: c.HttpOnly,
		}
		if param.Path == "" {
			param.Path = "/"
		}
		if c.Expires > 0 {
			param.Expires = proto.TimeSinceEpoch(float64(c.Expires) / 1000)
		}
		switch strings.ToLower(c.SameSite) {
		case "lax":
			param.SameSite = proto.NetworkCookieSameSiteLax
		case "strict":
			param.SameSite = proto.NetworkCookieSameSiteStrict
		case "none":
			param.SameSite = proto.NetworkCookieSameSiteNone
		}
		params = append(params, param)
	}
	return p.page.Context(ctx).SetCookies(params)
}

func (p *Page) Close() error {
	err := p.page.Close()
	if p.incognito != nil {
		err = errors.Join(err, p.incognito.Close())
	}
	return err
}

type element struct {
	el *rod.Element
}

func (e *element) Text(ctx context.Context) (string, error) {
	text, err := e.el.Context(ctx).Text()
	return strings.TrimSpace(text), err
}

func (e *element) Attr(ctx context.Context, name string) (string, bool, error) {
	v, err := e.el.Context(ctx).Attribute(name)
	if err != nil {
		return "", false, err
	}
	if v == nil {
		return "", false, nil
	}
	return *v, true, nil
}

func (e *element) Enabled(ctx context.Context) (bool, error) {
	res, err := e.el.Context(ctx).Eval(`() => !this.disabled && this.getAttribute('aria-disabled') !== 'true'`)
	if err != nil {
		return false, err
	}
	return res.Value.Bool(), nil
}

func (e *element) Visible(ctx context.Context) (bool, error) {
	return e.el.Context(ctx).Visible()
}

func (e *element) Click(ctx context.Context) error {
	el := e.el.Context(ctx)
	_ = el.ScrollIntoView()
	return el.Click(proto.InputMouseButtonLeft, 1)
}

func (e *element) Fill(ctx context.Context, value string) error {
	el := e.el.Context(ctx)
	if err := el.SelectAllText(); err != nil {
		return err
	}
	return el.Input(value)
}
