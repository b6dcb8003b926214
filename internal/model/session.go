package model

import "time"

type ChannelKind string

const (
	ChannelHTTP    ChannelKind = "http"
	ChannelBrowser ChannelKind = "browser"
)

// Session 登录态/通道上下文。只有登录处理和会话重建可以修改它。
type Session struct {
	ID            string           `json:"id"`
	Worker        string           `json:"worker"`
	Channel       ChannelKind      `json:"channel"`
	Authenticated bool             `json:"authenticated"`
	CreatedAt     time.Time        `json:"createdAt"`
	Cookies       []CookieJarEntry `json:"cookies,omitempty"`
}

func (s Session) Clone() Session {
	out := s
	if len(s.Cookies) > 0 {
		out.Cookies = make([]CookieJarEntry, len(s.Cookies))
		for i, e := range s.Cookies {
			out.Cookies[i] = CookieJarEntry{URL: e.URL, Cookies: append([]Cookie(nil), e.Cookies...)}
		}
	}
	return out
}
