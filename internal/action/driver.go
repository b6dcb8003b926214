// Package action drives the UI steps that move a task from one page state to
// the next. Handlers never retry; they report typed failures to the caller.
package action

import (
	"context"
	"math/rand"
	"strings"
	"sync"
	"time"

	"restock_monitor/internal/artifact"
	"restock_monitor/internal/browser"
	"restock_monitor/internal/classify"
	"restock_monitor/internal/config"
	"restock_monitor/internal/fault"
	"restock_monitor/internal/logbus"
	"restock_monitor/internal/model"
)

// Outcome is a handler's result. Next is a hint; StateUnknown asks the caller
// to reclassify the page.
type Outcome struct {
	Next     model.PageState
	Session  model.Session
	Artifact *model.Artifact
}

type Options struct {
	Selectors  browser.Selectors
	Markers    config.MarkerConfig
	Classifier *classify.Classifier
	Browser    config.BrowserConfig
	Artifacts  *artifact.Store
	Bus        *logbus.Bus
}

type Driver struct {
	sels       browser.Selectors
	markers    config.MarkerConfig
	classifier *classify.Classifier
	artifacts  *artifact.Store
	bus        *logbus.Bus

	waitTimeout   time.Duration
	poll          time.Duration
	challengeWait time.Duration
	delayMin      time.Duration
	delayMax      time.Duration

	rngMu sync.Mutex
	rng   *rand.Rand
}

func New(opts Options) *Driver {
	return &Driver{
		sels:          opts.Selectors,
		markers:       opts.Markers,
		classifier:    opts.Classifier,
		artifacts:     opts.Artifacts,
		bus:           opts.Bus,
		waitTimeout:   opts.Browser.WaitTimeout(),
		poll:          opts.Browser.Poll(),
		challengeWait: opts.Browser.ChallengeWait(),
		delayMin:      time.Duration(opts.Browser.ActionDelay.MinMs) * time.Millisecond,
		delayMax:      time.Duration(opts.Browser.ActionDelay.MaxMs) * time.Millisecond,
		rng:           rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Act runs the handler for state. The task is never modified; sess is only
// changed by the authentication handler.
func (d *Driver) Act(ctx context.Context, state model.PageState, task model.Task, page browser.Page, sess model.Session) (Outcome, error) {
	out := Outcome{Next: model.StateUnknown, Session: sess}
	if page == nil {
		return out, fault.Newf(fault.KindTransientChannel, "act", "no live page for %s", state)
	}
	var err error
	switch state {
	case model.StateProtectionChallenge:
		err = d.waitChallenge(ctx, page)
	case model.StatePopupBlocking:
		err = d.dismissPopups(ctx, page)
	case model.StateAuthRequired:
		out.Session, err = d.authenticate(ctx, task, page, sess)
	case model.StateVariantSelectionNeeded:
		err = d.configure(ctx, task, page)
	case model.StateProductAvailable:
		out.Next, err = d.addToCart(ctx, page)
	case model.StateCartUpdated:
		out.Next, err = d.checkout(ctx, page)
	case model.StateCheckoutVolumeLimited:
		err = d.dismissVolume(ctx, page)
	case model.StateCheckoutReadyToPay:
		out.Next, err = d.pay(ctx, task, page)
	case model.StatePurchaseConfirmed, model.StateProductUnavailable:
		out.Next = state
	default:
		err = fault.Newf(fault.KindUnexpectedState, "act", "no handler for %s", state)
	}
	if err != nil {
		out.Artifact = fault.ArtifactOf(err)
	}
	return out, err
}

func (d *Driver) waitChallenge(ctx context.Context, page browser.Page) error {
	d.log("info", "检测到防护验证，等待通过", map[string]any{"url": page.URL()})
	cleared, err := browser.WaitFor(ctx, d.challengeWait, d.poll, func(ctx context.Context) (bool, error) {
		on, err := d.classifier.Challenge(ctx, page)
		return !on, err
	})
	if err != nil {
		return err
	}
	if !cleared {
		return fault.Newf(fault.KindProtectionBlocked, "challenge", "not cleared within %s", d.challengeWait).
			WithArtifact(d.capture(ctx, page, "challenge"))
	}
	return nil
}

// dismissPopups is idempotent: a popup that is not there is skipped.
func (d *Driver) dismissPopups(ctx context.Context, page browser.Page) error {
	for _, name := range []string{config.SelPopupLocation, config.SelPopupPrivacy} {
		el, ok, err := browser.FindUsable(ctx, page, d.sels.Get(name))
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if err := el.Click(ctx); err != nil {
			return fault.Wrap(fault.KindElementNotFound, "popup", err)
		}
		d.log("info", "已关闭弹窗", map[string]any{"popup": name})
		if err := d.pause(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (d *Driver) dismissVolume(ctx context.Context, page browser.Page) error {
	el, ok, err := browser.FindUsable(ctx, page, d.sels.Get(config.SelVolumeDismiss))
	if err != nil {
		return err
	}
	if ok {
		if err := el.Click(ctx); err != nil {
			d.log("warn", "关闭限流弹窗失败", map[string]any{"error": err.Error()})
		}
	}
	return fault.New(fault.KindVolumeLimited, "checkout", "high volume modal shown")
}

// click finds a usable element for name and clicks it.
func (d *Driver) click(ctx context.Context, page browser.Page, op, name string) error {
	el, ok, err := browser.FindUsable(ctx, page, d.sels.Get(name))
	if err != nil {
		return err
	}
	if !ok {
		return d.notFound(ctx, page, op, name)
	}
	if err := el.Click(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fault.Wrap(fault.KindElementNotFound, op, err)
	}
	return d.pause(ctx)
}

func (d *Driver) notFound(ctx context.Context, page browser.Page, op, name string) error {
	return fault.Newf(fault.KindElementNotFound, op, "%s not found", name).
		WithArtifact(d.capture(ctx, page, op))
}

// seen reports whether the named element is visible or any marker is in the content.
func (d *Driver) seen(ctx context.Context, page browser.Page, name string, markers []string) (bool, error) {
	if len(markers) > 0 {
		content, err := page.Content(ctx)
		if err != nil {
			return false, err
		}
		if _, ok := browser.ContainsAny(content, markers); ok {
			return true, nil
		}
	}
	for _, sel := range d.sels.Get(name) {
		el, ok, err := page.Find(ctx, sel)
		if err != nil {
			return false, err
		}
		if !ok {
			continue
		}
		if vis, err := el.Visible(ctx); err == nil && vis {
			return true, nil
		}
	}
	return false, nil
}

func (d *Driver) capture(ctx context.Context, page browser.Page, prefix string) *model.Artifact {
	shot, err := page.Screenshot(ctx)
	if err != nil || len(shot) == 0 {
		return nil
	}
	a := model.Artifact{Name: artifact.Name(prefix, "png"), ContentType: "image/png", Data: shot}
	if d.artifacts != nil {
		a = d.artifacts.SaveAsync(a)
	}
	return &a
}

// pause waits a random human-like delay; it returns early when ctx ends.
func (d *Driver) pause(ctx context.Context) error {
	delay := d.delayMin
	if d.delayMax > d.delayMin {
		d.rngMu.Lock()
		delay += time.Duration(d.rng.Int63n(int64(d.delayMax - d.delayMin)))
		d.rngMu.Unlock()
	}
	if delay <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (d *Driver) log(level, msg string, fields map[string]any) {
	if d.bus != nil {
		d.bus.Log(level, msg, fields)
	}
}

func elementText(ctx context.Context, el browser.Element) string {
	if el == nil {
		return ""
	}
	s, _ := el.Text(ctx)
	return strings.TrimSpace(s)
}
