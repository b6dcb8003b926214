package fetch

import (
	"context"
	"net/http/cookiejar"
	"net/url"
	"time"

	"github.com/go-resty/resty/v2"

	"restock_monitor/internal/config"
	"restock_monitor/internal/logbus"
	"restock_monitor/internal/model"
	"restock_monitor/internal/session"
)

// PlainChannel is the last-resort HTTP client.
type PlainChannel struct {
	timeout time.Duration
	retries int
	proxy   string
	ua      string
	bus     *logbus.Bus
}

func NewPlainChannel(cfg config.FetchConfig, ua string, bus *logbus.Bus) *PlainChannel {
	return &PlainChannel{timeout: cfg.Timeout(), retries: cfg.PlainRetries, proxy: cfg.Proxy, ua: ua, bus: bus}
}

func (c *PlainChannel) Name() string { return config.ChannelPlain }

func (c *PlainChannel) Fetch(ctx context.Context, rawURL string, h *session.Handle) (Response, error) {
	client, err := c.newClient(rawURL, h.CookiesFor(rawURL))
	if err != nil {
		return Response{}, err
	}
	resp, err := client.R().
		SetContext(ctx).
		SetHeader("Accept", "text/html,application/xhtml+xml").
		Get(rawURL)
	if err != nil {
		return Response{}, err
	}
	return Response{Status: resp.StatusCode(), Body: resp.String()}, nil
}

func (c *PlainChannel) newClient(rawURL string, cookies []model.Cookie) (*resty.Client, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	if len(cookies) > 0 {
		if u, err := url.Parse(rawURL); err == nil {
			jar.SetCookies(u, model.CookiesToHTTP(cookies))
		}
	}

	client := resty.New().
		SetTimeout(c.timeout).
		SetCookieJar(jar).
		SetRetryCount(c.retries).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			if r == nil {
				return true
			}
			return r.StatusCode() >= 500
		})
	if c.proxy != "" {
		client.SetProxy(c.proxy)
	}
	client.SetHeader("User-Agent", c.ua)

	client.OnBeforeRequest(func(_ *resty.Client, req *resty.Request) error {
		if c.bus != nil {
			c.bus.Log("debug", "http request", map[string]any{
				"method": req.Method,
				"url":    req.URL,
			})
		}
		return nil
	})
	return client, nil
}
