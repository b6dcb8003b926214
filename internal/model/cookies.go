package model

import (
	"net/http"
	"net/url"
	"strings"
	"time"
)

type CookieJarEntry struct {
	URL     string   `json:"url"`
	Cookies []Cookie `json:"cookies"`
}

type Cookie struct {
	Name     string `json:"name"`
	Value    string `json:"value"`
	Path     string `json:"path,omitempty"`
	Domain   string `json:"domain,omitempty"`
	Expires  int64  `json:"expires,omitempty"`
	Secure   bool   `json:"secure,omitempty"`
	HttpOnly bool   `json:"httpOnly,omitempty"`
	SameSite string `json:"sameSite,omitempty"`
}

var sameSiteNames = map[http.SameSite]string{
	http.SameSiteDefaultMode: "default",
	http.SameSiteLaxMode:     "lax",
	http.SameSiteStrictMode:  "strict",
	http.SameSiteNoneMode:    "none",
}

func CookiesFromHTTP(in []*http.Cookie) []Cookie {
	out := make([]Cookie, 0, len(in))
	for _, c := range in {
		if c == nil {
			continue
		}
		out = append(out, Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Path:     c.Path,
			Domain:   c.Domain,
			Expires:  unixMilliOrZero(c.Expires),
			Secure:   c.Secure,
			HttpOnly: c.HttpOnly,
			SameSite: SameSiteName(c.SameSite),
		})
	}
	return out
}

func CookiesToHTTP(in []Cookie) []*http.Cookie {
	out := make([]*http.Cookie, 0, len(in))
	for _, c := range in {
		hc := &http.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Path:     c.Path,
			Domain:   c.Domain,
			Secure:   c.Secure,
			HttpOnly: c.HttpOnly,
			SameSite: ParseSameSite(c.SameSite),
		}
		if c.Expires > 0 {
			hc.Expires = time.UnixMilli(c.Expires)
		}
		out = append(out, hc)
	}
	return out
}

// CookiesForURL 返回与 rawURL 同 host 的 cookie（按 jar entry 的 URL 匹配）。
func CookiesForURL(entries []CookieJarEntry, rawURL string) []Cookie {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil
	}
	var out []Cookie
	for _, e := range entries {
		eu, err := url.Parse(e.URL)
		if err != nil {
			continue
		}
		if !strings.EqualFold(eu.Hostname(), u.Hostname()) {
			continue
		}
		out = append(out, e.Cookies...)
	}
	return out
}

// GroupCookies 按 domain 把扁平的 cookie 列表还原成 jar entry，domain 为空的归到 fallbackURL。
func GroupCookies(cookies []Cookie, fallbackURL string) []CookieJarEntry {
	order := make([]string, 0, 4)
	byURL := make(map[string][]Cookie)
	for _, c := range cookies {
		key := fallbackURL
		if d := strings.TrimPrefix(strings.TrimSpace(c.Domain), "."); d != "" {
			key = "https://" + d + "/"
		}
		if _, ok := byURL[key]; !ok {
			order = append(order, key)
		}
		byURL[key] = append(byURL[key], c)
	}
	out := make([]CookieJarEntry, 0, len(order))
	for _, k := range order {
		out = append(out, CookieJarEntry{URL: k, Cookies: byURL[k]})
	}
	return out
}

func SameSiteName(s http.SameSite) string {
	if v, ok := sameSiteNames[s]; ok {
		return v
	}
	return "default"
}

func ParseSameSite(s string) http.SameSite {
	for k, v := range sameSiteNames {
		if strings.EqualFold(v, s) {
			return k
		}
	}
	return http.SameSiteDefaultMode
}

func unixMilliOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}
