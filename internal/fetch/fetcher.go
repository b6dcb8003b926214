// Package fetch gets the current content of a URL through an ordered list of
// channels, falling through to the next one whenever a channel's answer looks
// blocked.
package fetch

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"restock_monitor/internal/artifact"
	"restock_monitor/internal/browser"
	"restock_monitor/internal/browser/htmlpage"
	"restock_monitor/internal/config"
	"restock_monitor/internal/fault"
	"restock_monitor/internal/logbus"
	"restock_monitor/internal/metrics"
	"restock_monitor/internal/model"
	"restock_monitor/internal/session"
)

// Response is a single channel's raw answer.
type Response struct {
	Status int
	Body   string
	// Page is set by channels that leave a live page behind.
	Page browser.Page
}

type Channel interface {
	Name() string
	Fetch(ctx context.Context, url string, h *session.Handle) (Response, error)
}

// Result is what the classifier consumes. Status 0 means every channel failed.
type Result struct {
	URL     string
	Content string
	Status  int
	Channel string
	View    browser.View
	// Page is non-nil when the content came from the live browser page.
	Page browser.Page
}

func (r Result) OK() bool { return r.Status != 0 }

type Options struct {
	Config    config.FetchConfig
	Blocked   []string
	Channels  []Channel
	Artifacts *artifact.Store
	Metrics   *metrics.Recorder
	Bus       *logbus.Bus
}

type Fetcher struct {
	channels  []Channel
	timeout   time.Duration
	minLength int
	blocked   []string
	limiter   *rate.Limiter
	artifacts *artifact.Store
	metrics   *metrics.Recorder
	bus       *logbus.Bus
}

var priority = map[string]int{
	config.ChannelTLS:     0,
	config.ChannelBrowser: 1,
	config.ChannelPlain:   2,
}

func New(opts Options) *Fetcher {
	chans := append([]Channel(nil), opts.Channels...)
	sort.SliceStable(chans, func(i, j int) bool { return rank(chans[i]) < rank(chans[j]) })

	qps, burst := opts.Config.QPS, opts.Config.Burst
	if qps <= 0 {
		qps = 1
	}
	if burst <= 0 {
		burst = 1
	}
	return &Fetcher{
		channels:  chans,
		timeout:   opts.Config.Timeout(),
		minLength: opts.Config.MinContentLength,
		blocked:   opts.Blocked,
		limiter:   rate.NewLimiter(rate.Limit(qps), burst),
		artifacts: opts.Artifacts,
		metrics:   opts.Metrics,
		bus:       opts.Bus,
	}
}

func rank(c Channel) int {
	if p, ok := priority[c.Name()]; ok {
		return p
	}
	return len(priority)
}

// Channels returns the channel names in the order they are tried.
func (f *Fetcher) Channels() []string {
	out := make([]string, 0, len(f.channels))
	for _, c := range f.channels {
		out = append(out, c.Name())
	}
	return out
}

// Fetch tries each channel in priority order. When all fail it returns a
// zero-status result and a retryable TransientChannel error.
func (f *Fetcher) Fetch(ctx context.Context, url string, h *session.Handle) (Result, error) {
	var reasons []string
	var last *model.Artifact
	for _, ch := range f.channels {
		if err := f.limiter.Wait(ctx); err != nil {
			return Result{URL: url}, err
		}
		res, reason, art := f.try(ctx, ch, url, h)
		if reason == "" {
			f.metrics.Fetch(ctx, ch.Name(), true)
			return res, nil
		}
		if ctx.Err() != nil {
			return Result{URL: url}, ctx.Err()
		}
		f.metrics.Fetch(ctx, ch.Name(), false)
		if art != nil {
			last = art
		}
		reasons = append(reasons, ch.Name()+": "+reason)
		f.log("warn", "通道获取失败，尝试下一个", map[string]any{"channel": ch.Name(), "url": url, "reason": reason})
	}
	if len(reasons) == 0 {
		reasons = append(reasons, "no channel configured")
	}
	err := fault.Newf(fault.KindTransientChannel, "fetch", "all channels failed (%s)", strings.Join(reasons, "; "))
	if last != nil {
		err = err.WithArtifact(last)
	}
	return Result{URL: url}, err
}

// Render navigates the live browser page regardless of the HTTP channels,
// for callers that need to act on the page. Challenge pages are returned as
// they are so the classifier can see them.
func (f *Fetcher) Render(ctx context.Context, url string, h *session.Handle) (Result, error) {
	var ch Channel
	for _, c := range f.channels {
		if c.Name() == config.ChannelBrowser {
			ch = c
			break
		}
	}
	if ch == nil {
		return Result{URL: url}, fault.New(fault.KindConfiguration, "render", "browser channel is disabled")
	}
	if err := f.limiter.Wait(ctx); err != nil {
		return Result{URL: url}, err
	}
	cctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()
	resp, err := ch.Fetch(cctx, url, h)
	if err != nil {
		f.metrics.Fetch(ctx, ch.Name(), false)
		if ctx.Err() != nil {
			return Result{URL: url}, ctx.Err()
		}
		return Result{URL: url}, fault.Wrap(fault.KindTransientChannel, "render", err)
	}
	f.metrics.Fetch(ctx, ch.Name(), true)
	return Result{URL: url, Content: resp.Body, Status: resp.Status, Channel: ch.Name(), View: resp.Page, Page: resp.Page}, nil
}

func (f *Fetcher) try(ctx context.Context, ch Channel, url string, h *session.Handle) (Result, string, *model.Artifact) {
	cctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	start := time.Now()
	resp, err := ch.Fetch(cctx, url, h)
	if err != nil {
		return Result{}, err.Error(), nil
	}
	reason := f.judge(resp)
	if reason != "" {
		return Result{}, reason, f.saveHTML(ch.Name(), resp.Body)
	}

	res := Result{URL: url, Content: resp.Body, Status: resp.Status, Channel: ch.Name(), Page: resp.Page}
	if resp.Page != nil {
		res.View = resp.Page
	} else {
		view, err := htmlpage.New(url, resp.Body)
		if err != nil {
			return Result{}, "parse: " + err.Error(), nil
		}
		res.View = view
	}
	f.log("debug", "页面获取成功", map[string]any{"channel": ch.Name(), "url": url, "status": resp.Status, "bytes": len(resp.Body), "costMs": time.Since(start).Milliseconds()})
	return res, "", nil
}

// judge returns why a channel answer is unusable, or "" when it is good.
func (f *Fetcher) judge(resp Response) string {
	if resp.Status != 200 {
		return fmt.Sprintf("status %d", resp.Status)
	}
	if len(resp.Body) <= f.minLength {
		return fmt.Sprintf("content too short (%d bytes)", len(resp.Body))
	}
	if m, ok := browser.ContainsAny(resp.Body, f.blocked); ok {
		return fmt.Sprintf("blocked marker %q", m)
	}
	return ""
}

func (f *Fetcher) saveHTML(channel, body string) *model.Artifact {
	if f.artifacts == nil || body == "" {
		return nil
	}
	a := f.artifacts.SaveAsync(model.Artifact{
		Name:        artifact.Name("fetch-"+channel, "html"),
		ContentType: "text/html",
		Data:        []byte(body),
	})
	return &a
}

func (f *Fetcher) log(level, msg string, fields map[string]any) {
	if f.bus != nil {
		f.bus.Log(level, msg, fields)
	}
}
