// Package classify maps page content to exactly one PageState using an
// ordered predicate table; the first predicate that matches wins.
package classify

import (
	"context"
	"regexp"
	"strconv"
	"strings"

	"restock_monitor/internal/browser"
	"restock_monitor/internal/config"
	"restock_monitor/internal/fetch"
	"restock_monitor/internal/metrics"
	"restock_monitor/internal/model"
)

type input struct {
	view    browser.View
	content string
	task    model.Task
}

type predicate struct {
	state model.PageState
	// interactive predicates only matter when the task is going to act on the page
	interactive bool
	match       func(ctx context.Context, in input) (bool, error)
}

type Classifier struct {
	markers    config.MarkerConfig
	sels       browser.Selectors
	metrics    *metrics.Recorder
	predicates []predicate
}

func New(markers config.MarkerConfig, sels browser.Selectors, rec *metrics.Recorder) *Classifier {
	c := &Classifier{markers: markers, sels: sels, metrics: rec}
	c.predicates = []predicate{
		{state: model.StateProtectionChallenge, match: c.challenge},
		{state: model.StatePopupBlocking, interactive: true, match: c.popup},
		{state: model.StateAuthRequired, interactive: true, match: c.auth},
		{state: model.StateCheckoutVolumeLimited, interactive: true, match: c.volumeLimited},
		{state: model.StatePurchaseConfirmed, interactive: true, match: c.confirmed},
		{state: model.StateCheckoutReadyToPay, interactive: true, match: c.readyToPay},
		{state: model.StateCartUpdated, interactive: true, match: c.cartUpdated},
		{state: model.StateVariantSelectionNeeded, interactive: true, match: c.variantNeeded},
		{state: model.StateProductAvailable, match: c.available},
		{state: model.StateProductUnavailable, match: c.unavailable},
	}
	return c
}

// Classify classifies a fetch result. A failed fetch is Unknown.
func (c *Classifier) Classify(ctx context.Context, res fetch.Result, task model.Task) (model.PageState, error) {
	if !res.OK() || res.View == nil {
		c.metrics.Classified(ctx, model.StateUnknown.String())
		return model.StateUnknown, nil
	}
	return c.ClassifyView(ctx, res.View, task)
}

func (c *Classifier) ClassifyView(ctx context.Context, v browser.View, task model.Task) (model.PageState, error) {
	content, err := v.Content(ctx)
	if err != nil {
		return model.StateUnknown, err
	}
	in := input{view: v, content: content, task: task}
	state := model.StateUnknown
	for _, p := range c.predicates {
		if p.interactive && !task.WantsPurchase() {
			continue
		}
		ok, err := p.match(ctx, in)
		if err != nil {
			return model.StateUnknown, err
		}
		if ok {
			state = p.state
			break
		}
	}
	c.metrics.Classified(ctx, state.String())
	return state, nil
}

// Challenge reports whether v currently shows a protection challenge.
func (c *Classifier) Challenge(ctx context.Context, v browser.View) (bool, error) {
	content, err := v.Content(ctx)
	if err != nil {
		return false, err
	}
	return c.challenge(ctx, input{view: v, content: content})
}

func (c *Classifier) challenge(ctx context.Context, in input) (bool, error) {
	if _, ok := browser.ContainsAny(in.content, c.markers.Challenge); ok {
		return true, nil
	}
	return c.visible(ctx, in.view, config.SelChallenge)
}

func (c *Classifier) popup(ctx context.Context, in input) (bool, error) {
	for _, name := range []string{config.SelPopupLocation, config.SelPopupPrivacy} {
		ok, err := c.visible(ctx, in.view, name)
		if err != nil || ok {
			return ok, err
		}
	}
	return false, nil
}

func (c *Classifier) auth(ctx context.Context, in input) (bool, error) {
	ok, err := c.visible(ctx, in.view, config.SelAuthForm)
	if err != nil || ok {
		return ok, err
	}
	// 文案命中时还要求页面上确实有账号输入框，避免导航栏的“登录”字样误判
	if _, hit := browser.ContainsAny(in.content, c.markers.Auth); hit {
		return c.visible(ctx, in.view, config.SelAuthIdentifier)
	}
	return false, nil
}

func (c *Classifier) volumeLimited(ctx context.Context, in input) (bool, error) {
	ok, err := c.visible(ctx, in.view, config.SelVolumeModal)
	if err != nil || ok {
		return ok, err
	}
	_, hit := browser.ContainsAny(in.content, c.markers.VolumeLimited)
	return hit, nil
}

func (c *Classifier) confirmed(ctx context.Context, in input) (bool, error) {
	if _, hit := browser.ContainsAny(in.content, c.markers.Confirmed); hit {
		return true, nil
	}
	return c.visible(ctx, in.view, config.SelOrderConfirmed)
}

func (c *Classifier) readyToPay(ctx context.Context, in input) (bool, error) {
	_, ok, err := browser.FindUsable(ctx, in.view, c.sels.Get(config.SelPaySubmit))
	return ok, err
}

func (c *Classifier) cartUpdated(ctx context.Context, in input) (bool, error) {
	return c.visible(ctx, in.view, config.SelCartAdded)
}

// variantNeeded fires when the desired option is on the page but not chosen,
// or when the quantity readout is below the requested quantity. A sold-out
// page keeps its stepper but is not a quantity shortfall.
func (c *Classifier) variantNeeded(ctx context.Context, in input) (bool, error) {
	if in.task.Variant != "" {
		present, chosen, err := VariantStatus(ctx, in.view, c.sels, in.task.Variant)
		if err != nil {
			return false, err
		}
		if present && !chosen {
			return true, nil
		}
	}
	if in.task.Quantity > 1 {
		if _, neg := browser.ContainsAny(in.content, c.markers.Unavailable); neg {
			return false, nil
		}
		qty, ok, err := Quantity(ctx, in.view, c.sels)
		if err != nil {
			return false, err
		}
		if ok && qty < in.task.Quantity {
			return true, nil
		}
	}
	return false, nil
}

func (c *Classifier) available(ctx context.Context, in input) (bool, error) {
	// 缺货文案优先：页面可能同时残留旧的“加入购物车”按钮
	if _, neg := browser.ContainsAny(in.content, c.markers.Unavailable); neg {
		return false, nil
	}
	if in.task.Variant != "" && in.task.WantsPurchase() {
		present, chosen, err := VariantStatus(ctx, in.view, c.sels, in.task.Variant)
		if err != nil {
			return false, err
		}
		if !present || !chosen {
			return false, nil
		}
	}
	if _, ok, err := browser.FindUsable(ctx, in.view, c.sels.Get(config.SelBuy)); err != nil || ok {
		return ok, err
	}
	_, pos := browser.ContainsAny(in.content, c.markers.Available)
	return pos, nil
}

func (c *Classifier) unavailable(_ context.Context, in input) (bool, error) {
	_, neg := browser.ContainsAny(in.content, c.markers.Unavailable)
	return neg, nil
}

func (c *Classifier) visible(ctx context.Context, v browser.View, name string) (bool, error) {
	for _, sel := range c.sels.Get(name) {
		el, ok, err := v.Find(ctx, sel)
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

// VariantStatus reports whether the variant option is on the page and whether
// it is the selected one.
func VariantStatus(ctx context.Context, v browser.View, sels browser.Selectors, variant string) (present, chosen bool, err error) {
	el, ok, err := browser.FindAny(ctx, v, browser.WithText(sels.Get(config.SelVariantOption), variant))
	if err != nil || !ok {
		return false, false, err
	}
	if _, sel, err := browser.FindAny(ctx, v, browser.WithText(sels.Get(config.SelVariantSelected), variant)); err != nil || sel {
		return true, sel, err
	}
	for _, attr := range []string{"aria-checked", "aria-selected"} {
		if val, ok, _ := el.Attr(ctx, attr); ok && strings.EqualFold(val, "true") {
			return true, true, nil
		}
	}
	if class, ok, _ := el.Attr(ctx, "class"); ok {
		for _, f := range strings.Fields(strings.ToLower(class)) {
			if f == "active" || f == "selected" || strings.HasSuffix(f, "_active") || strings.HasSuffix(f, "-active") {
				return true, true, nil
			}
		}
	}
	return true, false, nil
}

var digits = regexp.MustCompile(`\d+`)

// Quantity reads the quantity readout; ok is false when there is none.
func Quantity(ctx context.Context, v browser.View, sels browser.Selectors) (int, bool, error) {
	el, ok, err := browser.FindAny(ctx, v, sels.Get(config.SelQuantityValue))
	if err != nil || !ok {
		return 0, false, err
	}
	raw, has, err := el.Attr(ctx, "value")
	if err != nil {
		return 0, false, err
	}
	if !has || strings.TrimSpace(raw) == "" {
		if raw, err = el.Text(ctx); err != nil {
			return 0, false, err
		}
	}
	m := digits.FindString(raw)
	if m == "" {
		return 0, false, nil
	}
	n, err := strconv.Atoi(m)
	if err != nil {
		return 0, false, nil
	}
	return n, true, nil
}
