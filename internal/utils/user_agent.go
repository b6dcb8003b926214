package utils

import (
	"math/rand"
	"strings"
)

var desktopUserAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/119.0.0.0 Safari/537.36 Edg/119.0.0.0",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
}

// RandomUserAgent 随机挑一个桌面 Chrome UA，与 tls 指纹（Chrome_120）保持一致。
func RandomUserAgent() string {
	return desktopUserAgents[rand.Intn(len(desktopUserAgents))]
}

// NormalizeUserAgent 入参为空或看起来是手机端 UA 时，返回随机桌面 UA。
func NormalizeUserAgent(ua string) string {
	v := strings.TrimSpace(ua)
	if v == "" || looksLikeMobileUA(v) {
		return RandomUserAgent()
	}
	return v
}

func looksLikeMobileUA(ua string) bool {
	s := strings.ToLower(ua)
	if strings.Contains(s, "micromessenger") {
		return true
	}
	if strings.Contains(s, "mobile") {
		return true
	}
	if strings.Contains(s, "iphone") || strings.Contains(s, "android") || strings.Contains(s, "ipad") {
		return true
	}
	return false
}
