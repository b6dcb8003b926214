package action

import (
	"context"

	"restock_monitor/internal/browser"
	"restock_monitor/internal/classify"
	"restock_monitor/internal/config"
	"restock_monitor/internal/fault"
	"restock_monitor/internal/model"
)

// configure selects the variant and raises the quantity. The increment
// control is pressed once per missing unit; if it is gone or disabled before
// the target, the attempt fails with InsufficientStockError.
func (d *Driver) configure(ctx context.Context, task model.Task, page browser.Page) error {
	if task.Variant != "" {
		if err := d.selectVariant(ctx, task.Variant, page); err != nil {
			return err
		}
	}
	if task.Quantity <= 1 {
		return nil
	}
	// 选中尺码后页面可能显示售罄，此时交给重新分类，不算库存不足
	if content, err := page.Content(ctx); err == nil {
		if _, soldOut := browser.ContainsAny(content, d.markers.Unavailable); soldOut {
			d.log("info", "所选款式已售罄，跳过数量设置", map[string]any{"variant": task.Variant})
			return nil
		}
	}

	current := 1
	if q, ok, err := classify.Quantity(ctx, page, d.sels); err != nil {
		return err
	} else if ok && q > 0 {
		current = q
	}
	for current < task.Quantity {
		el, ok, err := browser.FindAny(ctx, page, d.sels.Get(config.SelQuantityIncrement))
		if err != nil {
			return err
		}
		enabled := false
		if ok {
			enabled, _ = el.Enabled(ctx)
		}
		if !enabled {
			return &fault.InsufficientStockError{Op: "quantity", Requested: task.Quantity, Reached: current}
		}
		if err := el.Click(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fault.Wrap(fault.KindElementNotFound, "quantity", err)
		}
		current++
		if err := d.pause(ctx); err != nil {
			return err
		}
	}

	// 页面可能静默截断数量，以读数为准
	if q, ok, err := classify.Quantity(ctx, page, d.sels); err == nil && ok && q < task.Quantity {
		return &fault.InsufficientStockError{Op: "quantity", Requested: task.Quantity, Reached: q}
	}
	d.log("info", "数量已设置", map[string]any{"quantity": task.Quantity})
	return nil
}

func (d *Driver) selectVariant(ctx context.Context, variant string, page browser.Page) error {
	present, chosen, err := classify.VariantStatus(ctx, page, d.sels, variant)
	if err != nil {
		return err
	}
	if !present {
		return d.notFound(ctx, page, "variant", config.SelVariantOption+"="+variant)
	}
	if chosen {
		return nil
	}
	el, ok, err := browser.FindUsable(ctx, page, browser.WithText(d.sels.Get(config.SelVariantOption), variant))
	if err != nil {
		return err
	}
	if !ok {
		return fault.Newf(fault.KindElementNotFound, "variant", "option %q is not selectable", variant).
			WithArtifact(d.capture(ctx, page, "variant"))
	}
	if err := el.Click(ctx); err != nil {
		return fault.Wrap(fault.KindElementNotFound, "variant", err)
	}
	if err := d.pause(ctx); err != nil {
		return err
	}
	ok, err = browser.WaitFor(ctx, d.waitTimeout, d.poll, func(ctx context.Context) (bool, error) {
		_, chosen, err := classify.VariantStatus(ctx, page, d.sels, variant)
		return chosen, err
	})
	if err != nil {
		return err
	}
	if !ok {
		return fault.Newf(fault.KindElementNotFound, "variant", "option %q did not become selected", variant).
			WithArtifact(d.capture(ctx, page, "variant"))
	}
	d.log("info", "已选择款式", map[string]any{"variant": variant})
	return nil
}

// addToCart clicks the buy control and requires an explicit "added" confirmation.
func (d *Driver) addToCart(ctx context.Context, page browser.Page) (model.PageState, error) {
	if err := d.click(ctx, page, "cart", config.SelBuy); err != nil {
		return model.StateUnknown, err
	}
	next, err := d.await(ctx, page, config.SelCartAdded, d.markers.Added, model.StateCartUpdated)
	if err != nil {
		return model.StateUnknown, err
	}
	if next == model.StateUnknown {
		return next, fault.New(fault.KindElementNotFound, "cart", "add-to-cart confirmation not observed").
			WithArtifact(d.capture(ctx, page, "cart"))
	}
	return next, nil
}

// checkout moves from the cart to the payment step.
func (d *Driver) checkout(ctx context.Context, page browser.Page) (model.PageState, error) {
	if _, ok, err := browser.FindUsable(ctx, page, d.sels.Get(config.SelPaySubmit)); err != nil {
		return model.StateUnknown, err
	} else if ok {
		return model.StateCheckoutReadyToPay, nil
	}
	if err := d.click(ctx, page, "checkout", config.SelCheckoutStart); err != nil {
		return model.StateUnknown, err
	}
	next, err := d.awaitUsable(ctx, page, config.SelPaySubmit, model.StateCheckoutReadyToPay)
	if err != nil {
		return model.StateUnknown, err
	}
	if next == model.StateUnknown {
		return next, fault.New(fault.KindElementNotFound, "checkout", "payment step not reached").
			WithArtifact(d.capture(ctx, page, "checkout"))
	}
	return next, nil
}

// pay picks the payment method, submits, and requires an order confirmation.
func (d *Driver) pay(ctx context.Context, task model.Task, page browser.Page) (model.PageState, error) {
	if task.PaymentMethod != "" {
		el, ok, err := browser.FindUsable(ctx, page, browser.WithText(d.sels.Get(config.SelPaymentOption), task.PaymentMethod))
		if err != nil {
			return model.StateUnknown, err
		}
		if !ok {
			return model.StateUnknown, d.notFound(ctx, page, "pay", config.SelPaymentOption+"="+task.PaymentMethod)
		}
		if err := el.Click(ctx); err != nil {
			return model.StateUnknown, fault.Wrap(fault.KindElementNotFound, "pay", err)
		}
		if err := d.pause(ctx); err != nil {
			return model.StateUnknown, err
		}
	}
	if err := d.click(ctx, page, "pay", config.SelPaySubmit); err != nil {
		return model.StateUnknown, err
	}
	next, err := d.await(ctx, page, config.SelOrderConfirmed, d.markers.Confirmed, model.StatePurchaseConfirmed)
	if err != nil {
		return model.StateUnknown, err
	}
	if next == model.StateUnknown {
		return next, fault.New(fault.KindElementNotFound, "pay", "order confirmation not observed").
			WithArtifact(d.capture(ctx, page, "pay"))
	}
	d.log("info", "订单已确认", map[string]any{"task": task.ID})
	return next, nil
}

// await waits for the named element (or marker) and returns success, or
// VolumeLimited when the high-volume modal shows up first. Unknown means the
// wait timed out.
func (d *Driver) await(ctx context.Context, page browser.Page, name string, markers []string, success model.PageState) (model.PageState, error) {
	return d.awaitFn(ctx, page, success, func(ctx context.Context) (bool, error) {
		return d.seen(ctx, page, name, markers)
	})
}

func (d *Driver) awaitUsable(ctx context.Context, page browser.Page, name string, success model.PageState) (model.PageState, error) {
	return d.awaitFn(ctx, page, success, func(ctx context.Context) (bool, error) {
		_, ok, err := browser.FindUsable(ctx, page, d.sels.Get(name))
		return ok, err
	})
}

func (d *Driver) awaitFn(ctx context.Context, page browser.Page, success model.PageState, pred func(ctx context.Context) (bool, error)) (model.PageState, error) {
	result := model.StateUnknown
	_, err := browser.WaitFor(ctx, d.waitTimeout, d.poll, func(ctx context.Context) (bool, error) {
		ok, err := pred(ctx)
		if err != nil {
			return false, err
		}
		if ok {
			result = success
			return true, nil
		}
		vol, err := d.seen(ctx, page, config.SelVolumeModal, nil)
		if err != nil {
			return false, err
		}
		if vol {
			result = model.StateCheckoutVolumeLimited
			return true, nil
		}
		return false, nil
	})
	return result, err
}
