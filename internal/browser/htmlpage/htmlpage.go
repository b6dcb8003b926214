// Package htmlpage exposes a fetched HTML document as a read-only browser.View.
package htmlpage

import (
	"context"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"restock_monitor/internal/browser"
)

type Page struct {
	url string
	raw string
	doc *goquery.Document
}

func New(url, content string) (*Page, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(content))
	if err != nil {
		return nil, err
	}
	return &Page{url: url, raw: content, doc: doc}, nil
}

func (p *Page) URL() string { return p.url }

func (p *Page) Document() *goquery.Document { return p.doc }

func (p *Page) Content(context.Context) (string, error) {
	return p.raw, nil
}

func (p *Page) Find(_ context.Context, sel browser.Selector) (browser.Element, bool, error) {
	if strings.TrimSpace(sel.CSS) == "" {
		return nil, false, nil
	}
	var hit *goquery.Selection
	p.doc.Find(sel.CSS).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if sel.MatchText(elementText(s)) {
			hit = s
			return false
		}
		return true
	})
	if hit == nil {
		return nil, false, nil
	}
	return &element{sel: hit}, true, nil
}

type element struct {
	sel *goquery.Selection
}

func elementText(s *goquery.Selection) string {
	text := strings.TrimSpace(s.Text())
	if text == "" {
		if v, ok := s.Attr("value"); ok {
			text = strings.TrimSpace(v)
		}
	}
	return text
}

func (e *element) Text(context.Context) (string, error) {
	return elementText(e.sel), nil
}

func (e *element) Attr(_ context.Context, name string) (string, bool, error) {
	v, ok := e.sel.Attr(name)
	return v, ok, nil
}

func (e *element) Enabled(context.Context) (bool, error) {
	if _, ok := e.sel.Attr("disabled"); ok {
		return false, nil
	}
	if v, _ := e.sel.Attr("aria-disabled"); strings.EqualFold(v, "true") {
		return false, nil
	}
	if cls, _ := e.sel.Attr("class"); strings.Contains(strings.ToLower(cls), "disabled") {
		return false, nil
	}
	return true, nil
}

func (e *element) Visible(context.Context) (bool, error) {
	if _, ok := e.sel.Attr("hidden"); ok {
		return false, nil
	}
	if v, _ := e.sel.Attr("type"); strings.EqualFold(v, "hidden") {
		return false, nil
	}
	style, _ := e.sel.Attr("style")
	style = strings.ReplaceAll(strings.ToLower(style), " ", "")
	if strings.Contains(style, "display:none") || strings.Contains(style, "visibility:hidden") {
		return false, nil
	}
	return true, nil
}

func (e *element) Click(context.Context) error { return browser.ErrReadOnly }

func (e *element) Fill(context.Context, string) error { return browser.ErrReadOnly }
