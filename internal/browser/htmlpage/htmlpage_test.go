package htmlpage

import (
	"context"
	"errors"
	"testing"

	"restock_monitor/internal/browser"
)

const productHTML = `<html><body>
<div class="size-list">
  <div class="sizeItem">Single box</div>
  <div class="sizeItem active">Whole set</div>
</div>
<button class="btn index_red__kx6Ql">ADD TO BAG</button>
<button class="btn qty-plus" disabled>+</button>
<div class="popup" style="display: none"><button>Accept</button></div>
<input type="hidden" name="csrf" value="x">
</body></html>`

func TestFind(t *testing.T) {
	ctx := context.Background()
	p, err := New("https://shop.test/p/1", productHTML)
	if err != nil {
		t.Fatal(err)
	}

	el, ok, err := p.Find(ctx, browser.Selector{CSS: ".sizeItem", Text: "whole SET"})
	if err != nil || !ok {
		t.Fatalf("expected variant option, ok=%v err=%v", ok, err)
	}
	if text, _ := el.Text(ctx); text != "Whole set" {
		t.Errorf("got %q, expected %q", text, "Whole set")
	}

	if _, ok, _ := p.Find(ctx, browser.Selector{CSS: ".sizeItem", Text: "mini"}); ok {
		t.Error("unexpected match for missing text")
	}
	if _, ok, _ := p.Find(ctx, browser.Selector{CSS: "div[[broken"}); ok {
		t.Error("invalid css should not match")
	}

	plus, ok, _ := p.Find(ctx, browser.Selector{CSS: ".qty-plus"})
	if !ok {
		t.Fatal("expected increment button")
	}
	if enabled, _ := plus.Enabled(ctx); enabled {
		t.Error("disabled button reported as enabled")
	}
	if err := plus.Click(ctx); !errors.Is(err, browser.ErrReadOnly) {
		t.Errorf("click got %v, expected ErrReadOnly", err)
	}

	popup, ok, _ := p.Find(ctx, browser.Selector{CSS: ".popup"})
	if !ok {
		t.Fatal("expected popup element")
	}
	if visible, _ := popup.Visible(ctx); visible {
		t.Error("display:none element reported as visible")
	}

	if _, ok, _ := browser.FindUsable(ctx, p, []browser.Selector{{CSS: ".qty-plus"}, {CSS: ".index_red__kx6Ql"}}); !ok {
		t.Error("FindUsable should fall back to the enabled button")
	}
}
