package engine

import (
	"context"
	"fmt"
	"time"

	"restock_monitor/internal/artifact"
	"restock_monitor/internal/browser"
	"restock_monitor/internal/classify"
	"restock_monitor/internal/fault"
	"restock_monitor/internal/model"
	"restock_monitor/internal/retry"
	"restock_monitor/internal/session"
)

const defaultMaxSteps = 12

// scanTask runs one check of task: the acquire phase, then for purchase tasks
// that reached the cart, the checkout phase. Each phase runs under the retry
// scheduler. It returns false when the check failed in a way that counts
// against the worker's session health.
func (e *Engine) scanTask(ctx context.Context, w *worker, h *session.Handle, task model.Task) bool {
	e.mu.Lock()
	w.state.Task = task.ID
	e.mu.Unlock()
	e.setLoop(w, model.LoopScanning)
	e.updateTask(task.ID, func(st *model.TaskState) {
		st.Scans++
		st.LastAttemptMs = time.Now().UnixMilli()
	})

	acq := e.scheduler.Run(ctx, e.job(task, "acquire", h, func(ctx context.Context) (model.PageState, error) {
		return e.acquire(ctx, w, h, task)
	}))
	if ctx.Err() != nil {
		return true
	}
	if acq.Err != nil {
		return e.settleFailure(ctx, task, acq)
	}
	e.recordSuccess(task)
	if !task.WantsPurchase() || acq.State != model.StateCartUpdated {
		return true
	}

	e.setLoop(w, model.LoopNotifying)
	e.emit(ctx, model.NotificationEvent{
		Kind:     model.EventAddedToCart,
		TaskID:   task.ID,
		TaskName: task.DisplayName(),
		URL:      task.URL,
		Message:  fmt.Sprintf("%s 已加入购物车，开始结算", task.DisplayName()),
		Fields:   purchaseFields(task),
	})

	co := e.scheduler.Run(ctx, e.job(task, "checkout", h, func(ctx context.Context) (model.PageState, error) {
		return e.checkout(ctx, w, h, task)
	}))
	if ctx.Err() != nil {
		return true
	}
	if co.Err != nil {
		return e.settleFailure(ctx, task, co)
	}
	e.recordSuccess(task)
	e.completeTask(ctx, w, task, co.Attempts)
	return true
}

func (e *Engine) job(task model.Task, op string, h *session.Handle, do func(ctx context.Context) (model.PageState, error)) retry.Job {
	return retry.Job{
		TaskID:   task.ID,
		TaskName: task.DisplayName(),
		URL:      task.URL,
		Op:       op,
		Policy:   task.Retry,
		Do: func(ctx context.Context, _ int) (model.PageState, error) {
			return do(ctx)
		},
		Capture: func(ctx context.Context) *model.Artifact {
			return e.capture(ctx, h, task.ID+"-"+op)
		},
	}
}

// settleFailure records a failed phase. The scheduler has already sent the
// error notification.
func (e *Engine) settleFailure(ctx context.Context, task model.Task, res retry.Result) bool {
	e.updateTask(task.ID, func(st *model.TaskState) {
		st.LastError = res.Err.Error()
	})
	if fault.Permanent(res.Err) {
		e.failTask(ctx, task, res.Err)
	}
	return !res.Exhausted
}

func (e *Engine) recordSuccess(task model.Task) {
	now := time.Now().UnixMilli()
	e.updateTask(task.ID, func(st *model.TaskState) {
		st.LastError = ""
		st.LastSuccessMs = now
	})
}

// acquire fetches and classifies the product page. Monitor tasks stop there;
// purchase tasks are driven until the item is in the cart or sold out.
func (e *Engine) acquire(ctx context.Context, w *worker, h *session.Handle, task model.Task) (model.PageState, error) {
	if task.WantsPurchase() {
		if err := e.ensureLogin(ctx, w, h, task); err != nil {
			return model.StateAuthRequired, err
		}
	}

	res, err := e.fetcher.Fetch(ctx, task.URL, h)
	if err != nil {
		return model.StateUnknown, err
	}
	state, err := e.classifier.Classify(ctx, res, task)
	if err != nil {
		return model.StateUnknown, fault.Wrap(fault.KindTransientChannel, "classify", err)
	}
	e.observe(ctx, w, task, state, res.View)

	if !task.WantsPurchase() {
		switch state {
		case model.StateProductAvailable, model.StateProductUnavailable:
			return state, nil
		case model.StateProtectionChallenge:
			return state, fault.New(fault.KindProtectionBlocked, "classify", "protection challenge on product page")
		default:
			return state, fault.Newf(fault.KindUnexpectedState, "classify", "product page not recognised (%s)", state)
		}
	}
	if state == model.StateProductUnavailable {
		return state, nil
	}

	page := res.Page
	if page == nil {
		r, err := e.fetcher.Render(ctx, task.URL, h)
		if err != nil {
			return model.StateUnknown, err
		}
		if r.Page == nil {
			return model.StateUnknown, fault.New(fault.KindTransientChannel, "render", "browser returned no page")
		}
		page = r.Page
		if state, err = e.classifier.ClassifyView(ctx, page, task); err != nil {
			return model.StateUnknown, fault.Wrap(fault.KindTransientChannel, "classify", err)
		}
		e.observe(ctx, w, task, state, page)
	}
	if state.PurchaseStage() > model.StateCartUpdated.PurchaseStage() {
		return state, fault.Newf(fault.KindUnexpectedState, "flow", "product page shows %s", state)
	}
	return e.drive(ctx, w, h, task, page, state, state.PurchaseStage(), func(s model.PageState) bool {
		return s == model.StateCartUpdated || s == model.StateProductUnavailable
	})
}

// checkout continues from the cart on the live page until the order is confirmed.
func (e *Engine) checkout(ctx context.Context, w *worker, h *session.Handle, task model.Task) (model.PageState, error) {
	page := h.Live()
	if page == nil {
		return model.StateUnknown, fault.New(fault.KindTransientChannel, "checkout", "no live page")
	}
	start := model.StateCartUpdated
	return e.drive(ctx, w, h, task, page, start, start.PurchaseStage(), func(s model.PageState) bool {
		return s == model.StatePurchaseConfirmed
	})
}

// ensureLogin visits the login page first when the session is not yet
// authenticated, handling whatever challenge or popup stands in the way.
func (e *Engine) ensureLogin(ctx context.Context, w *worker, h *session.Handle, task model.Task) error {
	if e.site.LoginURL == "" || task.Credentials == nil || h.State().Authenticated {
		return nil
	}
	r, err := e.fetcher.Render(ctx, e.site.LoginURL, h)
	if err != nil {
		return err
	}
	if r.Page == nil {
		return fault.New(fault.KindTransientChannel, "login", "browser returned no page")
	}
	state, err := e.classifier.ClassifyView(ctx, r.Page, task)
	if err != nil {
		return fault.Wrap(fault.KindTransientChannel, "classify", err)
	}
	_, err = e.drive(ctx, w, h, task, r.Page, state, -1, func(s model.PageState) bool {
		switch s {
		case model.StateProtectionChallenge, model.StatePopupBlocking, model.StateAuthRequired:
			return false
		default:
			return true
		}
	})
	return err
}

// drive runs action handlers on page until done reports true. When stage is
// not negative, purchase states must advance one step at a time from it.
func (e *Engine) drive(ctx context.Context, w *worker, h *session.Handle, task model.Task, page browser.Page, state model.PageState, stage int, done func(model.PageState) bool) (model.PageState, error) {
	steps := e.monitor.MaxStepsPerAttempt
	if steps <= 0 {
		steps = defaultMaxSteps
	}
	for i := 0; i < steps; i++ {
		if done(state) {
			return state, nil
		}
		e.setLoop(w, model.LoopActing)
		out, err := e.driver.Act(ctx, state, task, page, h.State())
		if err != nil {
			return state, err
		}
		if state == model.StateAuthRequired {
			h.Update(out.Session)
			if err := e.sessions.Persist(ctx, h); err != nil && ctx.Err() == nil {
				e.log("warn", "保存会话失败", map[string]any{"worker": h.Name(), "error": err.Error()})
			}
		}
		if out.Next == state {
			return state, fault.Newf(fault.KindUnexpectedState, "flow", "stuck at %s", state)
		}

		next := out.Next
		if next == model.StateUnknown {
			if next, err = e.classifier.ClassifyView(ctx, page, task); err != nil {
				return state, fault.Wrap(fault.KindTransientChannel, "classify", err)
			}
		}
		if stage >= 0 {
			if ps := next.PurchaseStage(); ps > 0 {
				if ps > stage+1 {
					return next, fault.Newf(fault.KindUnexpectedState, "flow", "%s -> %s skips a purchase step", state, next)
				}
				if ps < stage {
					return next, fault.Newf(fault.KindUnexpectedState, "flow", "%s -> %s went backwards", state, next)
				}
				stage = ps
			}
		}
		e.log("debug", "页面状态推进", map[string]any{"taskId": task.ID, "from": state.String(), "to": next.String()})
		e.observe(ctx, w, task, next, page)
		state = next
	}
	if done(state) {
		return state, nil
	}
	return state, fault.Newf(fault.KindUnexpectedState, "flow", "no progress after %d steps (last %s)", steps, state)
}

// observe records a classification and sends the availability notification
// on the transition into ProductAvailable.
func (e *Engine) observe(ctx context.Context, w *worker, task model.Task, state model.PageState, view browser.View) {
	became := false
	e.updateTask(task.ID, func(st *model.TaskState) {
		st.LastState = state
		switch state {
		case model.StateProductAvailable:
			became = !st.Available
			st.Available = true
		case model.StateProductUnavailable:
			st.Available = false
		}
	})
	if !became {
		return
	}

	var product classify.Product
	if view != nil {
		if html, err := view.Content(ctx); err == nil {
			product = classify.ExtractProduct(html)
		}
	}
	fields := product.Fields()
	for k, v := range purchaseFields(task) {
		fields[k] = v
	}
	e.log("info", "检测到补货", map[string]any{"taskId": task.ID, "url": task.URL})
	e.setLoop(w, model.LoopNotifying)
	e.emit(ctx, model.NotificationEvent{
		Kind:     model.EventAvailable,
		TaskID:   task.ID,
		TaskName: task.DisplayName(),
		URL:      task.URL,
		Message:  fmt.Sprintf("%s 已补货", task.DisplayName()),
		Fields:   fields,
		ImageURL: product.Image,
	})
}

// capture screenshots the live page for an exhausted-retries notification.
func (e *Engine) capture(ctx context.Context, h *session.Handle, prefix string) *model.Artifact {
	page := h.Live()
	if page == nil {
		return nil
	}
	shot, err := page.Screenshot(ctx)
	if err != nil || len(shot) == 0 {
		return nil
	}
	a := e.artifacts.SaveAsync(model.Artifact{Name: artifact.Name(prefix, "png"), ContentType: "image/png", Data: shot})
	return &a
}

func purchaseFields(task model.Task) map[string]string {
	out := map[string]string{"mode": string(task.Mode)}
	if task.Variant != "" {
		out["variant"] = task.Variant
	}
	if task.WantsPurchase() {
		out["quantity"] = fmt.Sprint(task.Quantity)
	}
	return out
}
