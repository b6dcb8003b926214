// Package browser defines the page capability used by the classifier and the
// action driver. Implementations: rodpage (live browser), htmlpage (parsed
// HTTP response) and browsertest (scripted fake).
package browser

import (
	"context"
	"errors"
	"strings"
	"time"

	"restock_monitor/internal/model"
)

// Selector is one fallback entry for a logical element. Text, when set, must
// appear (case-insensitive) in the element's text.
type Selector struct {
	CSS  string `yaml:"css" json:"css"`
	Text string `yaml:"text,omitempty" json:"text,omitempty"`
}

func (s Selector) MatchText(text string) bool {
	if strings.TrimSpace(s.Text) == "" {
		return true
	}
	return strings.Contains(strings.ToLower(text), strings.ToLower(strings.TrimSpace(s.Text)))
}

// Selectors 是 {逻辑名: [按顺序尝试的选择器]} 表，页面改版只改这一处。
type Selectors map[string][]Selector

func (s Selectors) Get(name string) []Selector {
	return s[name]
}

// WithText 复制一组选择器并统一加上文本条件（例如按款式名匹配选项）。
func WithText(sels []Selector, text string) []Selector {
	out := make([]Selector, len(sels))
	for i, s := range sels {
		out[i] = Selector{CSS: s.CSS, Text: text}
	}
	return out
}

var ErrReadOnly = errors.New("browser: page is read-only")

type Element interface {
	Text(ctx context.Context) (string, error)
	Attr(ctx context.Context, name string) (string, bool, error)
	Enabled(ctx context.Context) (bool, error)
	Visible(ctx context.Context) (bool, error)
	Click(ctx context.Context) error
	Fill(ctx context.Context, value string) error
}

// View is what classification needs: the current content plus element lookup.
type View interface {
	URL() string
	Content(ctx context.Context) (string, error)
	// Find returns the first element matching sel; absence is (nil, false, nil).
	Find(ctx context.Context, sel Selector) (Element, bool, error)
}

type Page interface {
	View
	// Navigate loads url and returns the document status (0 when unknown).
	Navigate(ctx context.Context, url string) (int, error)
	Screenshot(ctx context.Context) ([]byte, error)
	Cookies(ctx context.Context) ([]model.Cookie, error)
	SetCookies(ctx context.Context, cookies []model.Cookie) error
	Close() error
}

// FindAny tries each selector in order and returns the first hit.
func FindAny(ctx context.Context, v View, sels []Selector) (Element, bool, error) {
	for _, sel := range sels {
		el, ok, err := v.Find(ctx, sel)
		if err != nil {
			return nil, false, err
		}
		if ok {
			return el, true, nil
		}
	}
	return nil, false, nil
}

// FindUsable is FindAny restricted to visible, enabled elements.
func FindUsable(ctx context.Context, v View, sels []Selector) (Element, bool, error) {
	for _, sel := range sels {
		el, ok, err := v.Find(ctx, sel)
		if err != nil {
			return nil, false, err
		}
		if !ok {
			continue
		}
		if visible, err := el.Visible(ctx); err != nil || !visible {
			continue
		}
		if enabled, err := el.Enabled(ctx); err != nil || !enabled {
			continue
		}
		return el, true, nil
	}
	return nil, false, nil
}

func Exists(ctx context.Context, v View, sels []Selector) bool {
	_, ok, err := FindAny(ctx, v, sels)
	return err == nil && ok
}

// WaitFor polls pred until it returns true, the timeout elapses or ctx ends.
func WaitFor(ctx context.Context, timeout, interval time.Duration, pred func(ctx context.Context) (bool, error)) (bool, error) {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		ok, err := pred(ctx)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
		if !time.Now().Before(deadline) {
			return false, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-ticker.C:
		}
	}
}

func ContainsAny(content string, markers []string) (string, bool) {
	lower := strings.ToLower(content)
	for _, m := range markers {
		m = strings.TrimSpace(m)
		if m == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(m)) {
			return m, true
		}
	}
	return "", false
}
