package fetch

import (
	"context"
	"io"
	"net/url"
	"strings"
	"time"

	http "github.com/bogdanfinn/fhttp"
	tls_client "github.com/bogdanfinn/tls-client"
	"github.com/bogdanfinn/tls-client/profiles"

	"restock_monitor/internal/config"
	"restock_monitor/internal/model"
	"restock_monitor/internal/session"
)

const maxBodyBytes = 8 << 20

// TLSChannel is an HTTP client with a browser TLS fingerprint and the
// session's cookies.
type TLSChannel struct {
	timeout time.Duration
	proxy   string
	ua      string
	profile profiles.ClientProfile
}

func NewTLSChannel(cfg config.FetchConfig, ua string) *TLSChannel {
	profile := profiles.Chrome_120
	if p, ok := profiles.MappedTLSClients[strings.ToLower(strings.TrimSpace(cfg.TLSProfile))]; ok {
		profile = p
	}
	return &TLSChannel{timeout: cfg.Timeout(), proxy: cfg.Proxy, ua: ua, profile: profile}
}

func (c *TLSChannel) Name() string { return config.ChannelTLS }

func (c *TLSChannel) Fetch(ctx context.Context, rawURL string, h *session.Handle) (Response, error) {
	jar := tls_client.NewCookieJar()
	if cookies := h.CookiesFor(rawURL); len(cookies) > 0 {
		if u, err := url.Parse(rawURL); err == nil {
			jar.SetCookies(u, toFHTTPCookies(cookies))
		}
	}

	seconds := int(c.timeout / time.Second)
	if seconds <= 0 {
		seconds = 1
	}
	opts := []tls_client.HttpClientOption{
		tls_client.WithTimeoutSeconds(seconds),
		tls_client.WithClientProfile(c.profile),
		tls_client.WithCookieJar(jar),
	}
	if c.proxy != "" {
		opts = append(opts, tls_client.WithProxyUrl(c.proxy))
	}
	client, err := tls_client.NewHttpClient(tls_client.NewNoopLogger(), opts...)
	if err != nil {
		return Response{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return Response{}, err
	}
	req.Header = http.Header{
		"accept":                    {"text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8"},
		"accept-language":           {"en-US,en;q=0.9"},
		"cache-control":             {"no-cache"},
		"upgrade-insecure-requests": {"1"},
		"user-agent":                {c.ua},
		http.HeaderOrderKey: {
			"accept", "accept-language", "cache-control", "upgrade-insecure-requests", "user-agent",
		},
	}

	resp, err := client.Do(req)
	if err != nil {
		return Response{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return Response{}, err
	}
	return Response{Status: resp.StatusCode, Body: string(body)}, nil
}

func toFHTTPCookies(in []model.Cookie) []*http.Cookie {
	out := make([]*http.Cookie, 0, len(in))
	for _, c := range in {
		hc := &http.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Path:     c.Path,
			Domain:   c.Domain,
			Secure:   c.Secure,
			HttpOnly: c.HttpOnly,
		}
		if c.Expires > 0 {
			hc.Expires = time.UnixMilli(c.Expires)
		}
		out = append(out, hc)
	}
	return out
}
