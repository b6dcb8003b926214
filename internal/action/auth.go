package action

import (
	"context"

	"restock_monitor/internal/browser"
	"restock_monitor/internal/config"
	"restock_monitor/internal/fault"
	"restock_monitor/internal/model"
)

// authenticate runs the login sequence: identifier, terms, continue, secret,
// submit. The challenge is rechecked between pages.
func (d *Driver) authenticate(ctx context.Context, task model.Task, page browser.Page, sess model.Session) (model.Session, error) {
	if task.Credentials == nil || task.Credentials.Email == "" {
		return sess, fault.New(fault.KindAuthRejected, "auth", "login required but the task has no credentials")
	}
	creds := task.Credentials
	d.log("info", "开始登录", map[string]any{"task": task.ID, "email": creds.Email})

	id, ok, err := browser.FindUsable(ctx, page, d.sels.Get(config.SelAuthIdentifier))
	if err != nil {
		return sess, err
	}
	if !ok {
		return sess, d.notFound(ctx, page, "auth", config.SelAuthIdentifier)
	}
	if err := id.Fill(ctx, creds.Email); err != nil {
		return sess, fault.Wrap(fault.KindElementNotFound, "auth", err)
	}
	if err := d.pause(ctx); err != nil {
		return sess, err
	}

	if terms, ok, err := browser.FindUsable(ctx, page, d.sels.Get(config.SelAuthTerms)); err != nil {
		return sess, err
	} else if ok {
		if _, checked, _ := terms.Attr(ctx, "checked"); !checked {
			if err := terms.Click(ctx); err != nil {
				return sess, fault.Wrap(fault.KindElementNotFound, "auth", err)
			}
		}
	}

	// 两步登录：密码框还没出来时需要先点“继续”
	if !browser.Exists(ctx, page, d.sels.Get(config.SelAuthSecret)) {
		if err := d.click(ctx, page, "auth", config.SelAuthContinue); err != nil {
			return sess, err
		}
	}
	if err := d.clearChallenge(ctx, page); err != nil {
		return sess, err
	}

	var secret browser.Element
	found, err := browser.WaitFor(ctx, d.waitTimeout, d.poll, func(ctx context.Context) (bool, error) {
		el, ok, err := browser.FindUsable(ctx, page, d.sels.Get(config.SelAuthSecret))
		secret = el
		return ok, err
	})
	if err != nil {
		return sess, err
	}
	if !found {
		return sess, d.notFound(ctx, page, "auth", config.SelAuthSecret)
	}
	if err := secret.Fill(ctx, creds.Password); err != nil {
		return sess, fault.Wrap(fault.KindElementNotFound, "auth", err)
	}
	if err := d.pause(ctx); err != nil {
		return sess, err
	}
	if err := d.click(ctx, page, "auth", config.SelAuthSubmit); err != nil {
		return sess, err
	}
	if err := d.clearChallenge(ctx, page); err != nil {
		return sess, err
	}

	var rejected bool
	done, err := browser.WaitFor(ctx, d.waitTimeout, d.poll, func(ctx context.Context) (bool, error) {
		bad, err := d.seen(ctx, page, config.SelAuthError, d.markers.AuthError)
		if err != nil || bad {
			rejected = bad
			return bad, err
		}
		return d.seen(ctx, page, config.SelAuthenticated, d.markers.Authenticated)
	})
	if err != nil {
		return sess, err
	}
	if rejected {
		msg := "login rejected"
		if el, ok, _ := browser.FindAny(ctx, page, d.sels.Get(config.SelAuthError)); ok {
			if text := elementText(ctx, el); text != "" {
				msg = text
			}
		}
		return sess, fault.New(fault.KindAuthRejected, "auth", msg).WithArtifact(d.capture(ctx, page, "auth-rejected"))
	}
	if !done {
		return sess, fault.New(fault.KindElementNotFound, "auth", "authenticated marker not observed").
			WithArtifact(d.capture(ctx, page, "auth"))
	}

	next := sess.Clone()
	next.Authenticated = true
	next.Channel = model.ChannelBrowser
	if cookies, err := page.Cookies(ctx); err == nil && len(cookies) > 0 {
		next.Cookies = model.GroupCookies(cookies, page.URL())
	}
	d.log("info", "登录成功", map[string]any{"task": task.ID})
	return next, nil
}

// clearChallenge waits out a challenge if one is showing.
func (d *Driver) clearChallenge(ctx context.Context, page browser.Page) error {
	on, err := d.classifier.Challenge(ctx, page)
	if err != nil || !on {
		return err
	}
	return d.waitChallenge(ctx, page)
}
