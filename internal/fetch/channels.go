package fetch

import (
	"restock_monitor/internal/config"
	"restock_monitor/internal/logbus"
	"restock_monitor/internal/utils"
)

// DefaultChannels builds the configured channels. The browser channel is
// skipped when the browser is disabled.
func DefaultChannels(cfg config.FetchConfig, browserEnabled bool, bus *logbus.Bus) []Channel {
	ua := utils.NormalizeUserAgent(cfg.UserAgent)
	var out []Channel
	if cfg.ChannelEnabled(config.ChannelTLS) {
		out = append(out, NewTLSChannel(cfg, ua))
	}
	if cfg.ChannelEnabled(config.ChannelBrowser) && browserEnabled {
		out = append(out, NewBrowserChannel())
	}
	if cfg.ChannelEnabled(config.ChannelPlain) {
		out = append(out, NewPlainChannel(cfg, ua, bus))
	}
	return out
}
