package fetch

import (
	"context"
	"errors"

	"restock_monitor/internal/config"
	"restock_monitor/internal/session"
)

// BrowserChannel navigates the session's live page.
type BrowserChannel struct{}

func NewBrowserChannel() *BrowserChannel { return &BrowserChannel{} }

func (c *BrowserChannel) Name() string { return config.ChannelBrowser }

func (c *BrowserChannel) Fetch(ctx context.Context, rawURL string, h *session.Handle) (Response, error) {
	if h == nil {
		return Response{}, errors.New("browser channel needs a session")
	}
	page, err := h.Page(ctx)
	if err != nil {
		return Response{}, err
	}
	status, err := page.Navigate(ctx, rawURL)
	if err != nil {
		return Response{}, err
	}
	// 部分浏览器拿不到 responseStatus，文档已加载就按 200 处理
	if status == 0 {
		status = 200
	}
	content, err := page.Content(ctx)
	if err != nil {
		return Response{}, err
	}
	return Response{Status: status, Body: content, Page: page}, nil
}
