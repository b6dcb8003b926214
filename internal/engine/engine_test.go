package engine

import (
	"context"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"restock_monitor/internal/action"
	"restock_monitor/internal/browser/browsertest"
	"restock_monitor/internal/classify"
	"restock_monitor/internal/config"
	"restock_monitor/internal/fault"
	"restock_monitor/internal/fetch"
	"restock_monitor/internal/model"
	"restock_monitor/internal/retry"
	"restock_monitor/internal/session"
	"restock_monitor/internal/store/sqlite"
)

const productURL = "https://shop.test/products/tee"

type fakeNotifier struct {
	mu     sync.Mutex
	events []model.NotificationEvent
}

func (n *fakeNotifier) Notify(_ context.Context, evt model.NotificationEvent) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, evt)
	return true
}

func (n *fakeNotifier) of(kind model.EventKind) []model.NotificationEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []model.NotificationEvent
	for _, e := range n.events {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

func (s *sleepRecorder) recorded() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.delays...)
}

type harness struct {
	store    *sqlite.Store
	notifier *fakeNotifier
	retries  *sleepRecorder
	opener   *browsertest.Opener
	engine   *Engine
}

type harnessConfig struct {
	tasks    []model.Task
	channels []fetch.Channel
	monitor  config.MonitorConfig
	// cycleSleep replaces the wait between cycles.
	cycleSleep func(ctx context.Context, d time.Duration) error
	store      *sqlite.Store
}

func newHarness(t *testing.T, shop *browsertest.Page, hc harnessConfig) *harness {
	t.Helper()
	st := hc.store
	if st == nil {
		var err error
		st, err = sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "engine.db"))
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		t.Cleanup(func() { _ = st.Close() })
	}
	if hc.channels == nil {
		hc.channels = []fetch.Channel{fetch.NewBrowserChannel()}
	}
	if hc.monitor.CheckIntervalMs == 0 {
		hc.monitor.CheckIntervalMs = int(time.Hour / time.Millisecond)
	}
	if hc.monitor.Workers == 0 {
		hc.monitor.Workers = 1
	}

	h := &harness{store: st, notifier: &fakeNotifier{}, retries: &sleepRecorder{}}
	h.opener = &browsertest.Opener{New: func() *browsertest.Page { return shop }}

	markers, sels := config.DefaultMarkers(), config.DefaultSelectors()
	cls := classify.New(markers, sels, nil)
	h.engine = New(Options{
		Store:    st,
		Sessions: session.NewManager(h.opener, st, nil),
		Fetcher: fetch.New(fetch.Options{
			Config:   config.FetchConfig{TimeoutMs: 2000, QPS: 1000, Burst: 100},
			Blocked:  markers.Blocked,
			Channels: hc.channels,
		}),
		Classifier: cls,
		Driver: action.New(action.Options{
			Selectors:  sels,
			Markers:    markers,
			Classifier: cls,
			Browser:    config.BrowserConfig{WaitTimeoutMs: 200, PollMs: 5, ChallengeWaitMs: 50},
		}),
		Scheduler: retry.New(retry.Options{Notifier: h.notifier, Sleep: h.retries.sleep, History: retry.NewHistory(20)}),
		Notifier:  h.notifier,
		Monitor:   hc.monitor,
		Tasks:     hc.tasks,
		Sleep:     hc.cycleSleep,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.engine.StopAll(ctx)
	})
	return h
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitDone(t *testing.T, e *Engine) {
	t.Helper()
	select {
	case <-e.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("engine did not stop")
	}
}

func stop(t *testing.T, e *Engine) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.StopAll(ctx); err != nil {
		t.Fatalf("StopAll: %v", err)
	}
}

func purchaseTask(qty int) model.Task {
	return model.Task{
		ID:       "tee",
		Name:     "Tee",
		URL:      productURL,
		Quantity: qty,
		Mode:     model.TaskModePurchase,
		Retry: model.RetryPolicy{
			MaxAttempts:         3,
			BaseDelay:           time.Second,
			BackoffFactor:       2,
			VolumeBaseDelay:     10 * time.Second,
			VolumeBackoffFactor: 1.5,
		},
	}
}

// checkoutShop serves a product that can be bought end to end.
func checkoutShop() *browsertest.Page {
	shop := browsertest.New()
	shop.Route(productURL, func(p *browsertest.Page) int {
		buy := &browsertest.Element{CSS: "button", Label: "ADD TO BAG"}
		buy.OnClick = func(p *browsertest.Page) {
			p.Add(
				&browsertest.Element{CSS: ".cart-added", Label: "Added to bag"},
				&browsertest.Element{CSS: "a[href*='checkout']", Label: "Checkout", OnClick: func(p *browsertest.Page) {
					p.Set("<h2>Checkout</h2>", &browsertest.Element{CSS: "button", Label: "Place order", OnClick: func(p *browsertest.Page) {
						p.Set("<h1>Thank you for your order</h1>")
					}})
				}},
			)
		}
		p.Set(`<html><head><meta property="og:title" content="Heavy Tee"></head><body>Tee</body></html>`, buy)
		return 200
	})
	return shop
}

func TestPurchaseCompletesAndStops(t *testing.T) {
	shop := checkoutShop()
	h := newHarness(t, shop, harnessConfig{tasks: []model.Task{purchaseTask(1)}})

	if err := h.engine.StartAll(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitDone(t, h.engine)

	for kind, want := range map[model.EventKind]int{
		model.EventStarted:     1,
		model.EventAvailable:   1,
		model.EventAddedToCart: 1,
		model.EventPurchased:   1,
		model.EventError:       0,
		model.EventStopped:     1,
	} {
		if got := len(h.notifier.of(kind)); got != want {
			t.Errorf("%s notifications got %d, expected %d", kind, got, want)
		}
	}
	if avail := h.notifier.of(model.EventAvailable); len(avail) == 1 && avail[0].Fields["product"] != "Heavy Tee" {
		t.Errorf("available fields got %v", avail[0].Fields)
	}

	recs, err := h.store.ListTaskStatuses(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if recs["tee"].Status != model.TaskStatusCompleted {
		t.Errorf("stored status got %q", recs["tee"].Status)
	}
	st := h.engine.State()
	if st.Running || st.Loop != model.LoopStopped {
		t.Errorf("engine state got running=%v loop=%s", st.Running, st.Loop)
	}
	if len(st.Tasks) != 1 || st.Tasks[0].Status != model.TaskStatusCompleted || st.Tasks[0].LastState != model.StatePurchaseConfirmed {
		t.Errorf("task state got %+v", st.Tasks)
	}
	if !shop.Closed() {
		t.Error("session page should be released on stop")
	}
}

func TestCompletedTaskIsNeverScannedAgain(t *testing.T) {
	shop := checkoutShop()
	first := newHarness(t, shop, harnessConfig{tasks: []model.Task{purchaseTask(1)}})
	if err := first.engine.StartAll(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitDone(t, first.engine)
	navs := shop.Navigations()

	second := newHarness(t, shop, harnessConfig{tasks: []model.Task{purchaseTask(1)}, store: first.store})
	if err := second.engine.StartAll(context.Background()); err == nil {
		t.Fatal("expected an error when every task is already completed")
	}
	if got := shop.Navigations(); got != navs {
		t.Errorf("navigations got %d, expected %d", got, navs)
	}
	if n := len(second.notifier.of(model.EventPurchased)); n != 0 {
		t.Errorf("purchased sent again %d times", n)
	}
	if st := second.engine.State(); st.Tasks[0].Status != model.TaskStatusCompleted {
		t.Errorf("restored status got %q", st.Tasks[0].Status)
	}
}

func TestVolumeLimitedExhaustsWithOneNotification(t *testing.T) {
	shop := browsertest.New()
	shop.Route(productURL, func(p *browsertest.Page) int {
		modal := &browsertest.Element{CSS: "[class*='highVolume']", Label: "Due to high volume please wait"}
		dismiss := &browsertest.Element{CSS: "[class*='highVolume'] button", Label: "OK"}
		dismiss.OnClick = func(p *browsertest.Page) {
			p.Remove(modal.CSS)
			p.Remove(dismiss.CSS)
		}
		p.Set("product", &browsertest.Element{CSS: "button", Label: "ADD TO BAG"}, modal, dismiss)
		return 200
	})
	h := newHarness(t, shop, harnessConfig{tasks: []model.Task{purchaseTask(1)}})

	if err := h.engine.StartAll(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "error notification", func() bool { return len(h.notifier.of(model.EventError)) > 0 })
	stop(t, h.engine)

	errs := h.notifier.of(model.EventError)
	if len(errs) != 1 {
		t.Fatalf("error notifications got %d, expected 1", len(errs))
	}
	if errs[0].Fields["error"] != string(fault.KindVolumeLimited) || errs[0].Fields["attempts"] != "3" {
		t.Errorf("error fields got %v", errs[0].Fields)
	}
	if n := shop.Clicks("[class*='highVolume'] button"); n != 3 {
		t.Errorf("dismiss clicks got %d, expected 3", n)
	}
	delays := h.retries.recorded()
	if len(delays) != 2 || delays[0] != 10*time.Second || delays[1] != 15*time.Second {
		t.Errorf("volume backoff got %v", delays)
	}
	if n := len(h.notifier.of(model.EventAddedToCart)); n != 0 {
		t.Errorf("added-to-cart got %d", n)
	}
	recs, _ := h.store.ListTaskStatuses(context.Background())
	if s := recs["tee"].Status; s == model.TaskStatusCompleted || s == model.TaskStatusFailed {
		t.Errorf("task must stay eligible, got %q", s)
	}
	if st := h.engine.State(); st.Tasks[0].Status != model.TaskStatusActive || st.Tasks[0].LastError == "" {
		t.Errorf("task state got %+v", st.Tasks[0])
	}
}

func TestQuantityShortfallStopsBeforeCart(t *testing.T) {
	shop := browsertest.New()
	shop.Route(productURL, func(p *browsertest.Page) int {
		qty := &browsertest.Element{CSS: "input[name='quantity']", Attrs: map[string]string{"value": "1"}}
		plus := &browsertest.Element{CSS: ".qty-plus", Label: "+"}
		clicks := 0
		plus.OnClick = func(*browsertest.Page) {
			clicks++
			qty.Attrs["value"] = strconv.Itoa(1 + clicks)
			if clicks == 2 {
				plus.Disabled = true
			}
		}
		p.Set("product", qty, plus, &browsertest.Element{CSS: "button", Label: "ADD TO BAG"})
		return 200
	})
	h := newHarness(t, shop, harnessConfig{tasks: []model.Task{purchaseTask(5)}})

	if err := h.engine.StartAll(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "error notification", func() bool { return len(h.notifier.of(model.EventError)) > 0 })
	stop(t, h.engine)

	errs := h.notifier.of(model.EventError)
	if len(errs) != 1 {
		t.Fatalf("error notifications got %d, expected 1", len(errs))
	}
	e := errs[0]
	if e.Fields["requested"] != "5" || e.Fields["reached"] != "3" || e.Fields["shortfall"] != "2" {
		t.Errorf("error fields got %v", e.Fields)
	}
	if !strings.Contains(e.Message, "Tee") || e.TaskID != "tee" {
		t.Errorf("error must name the task, got %q", e.Message)
	}
	if n := shop.Clicks("button"); n != 0 {
		t.Errorf("add to cart must not be attempted, got %d clicks", n)
	}
	if n := len(h.retries.recorded()); n != 0 {
		t.Errorf("shortfall must not be retried, got %d sleeps", n)
	}
	if st := h.engine.State(); st.Tasks[0].Status != model.TaskStatusActive {
		t.Errorf("task status got %q", st.Tasks[0].Status)
	}
}

func TestSoldOutWithQuantityStepperIsNotAnError(t *testing.T) {
	shop := browsertest.New()
	shop.Route(productURL, func(p *browsertest.Page) int {
		p.Set("<p>NOTIFY ME WHEN AVAILABLE</p>",
			&browsertest.Element{CSS: "input[name='quantity']", Attrs: map[string]string{"value": "1"}},
			&browsertest.Element{CSS: ".qty-plus", Label: "+", Disabled: true},
		)
		return 200
	})
	h := newHarness(t, shop, harnessConfig{tasks: []model.Task{purchaseTask(3)}})

	if err := h.engine.StartAll(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "first cycle", func() bool {
		st := h.engine.State()
		return len(st.Workers) == 1 && st.Workers[0].Loop == model.LoopSleeping
	})
	stop(t, h.engine)

	if n := len(h.notifier.of(model.EventError)); n != 0 {
		t.Errorf("error notifications got %d, expected 0", n)
	}
	st := h.engine.State()
	if st.Tasks[0].LastState != model.StateProductUnavailable || st.Tasks[0].Status != model.TaskStatusActive {
		t.Errorf("task state got %+v", st.Tasks[0])
	}
	if n := shop.Clicks(".qty-plus"); n != 0 {
		t.Errorf("increment clicks got %d", n)
	}
}

func TestMissingCredentialsDisablesTask(t *testing.T) {
	shop := browsertest.New()
	shop.Route(productURL, func(p *browsertest.Page) int {
		p.Set("Sign in or Register", &browsertest.Element{CSS: "input[type='email']"})
		return 200
	})
	h := newHarness(t, shop, harnessConfig{tasks: []model.Task{purchaseTask(1)}})

	if err := h.engine.StartAll(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitDone(t, h.engine)

	if n := len(h.notifier.of(model.EventError)); n != 1 {
		t.Errorf("error notifications got %d, expected 1", n)
	}
	recs, _ := h.store.ListTaskStatuses(context.Background())
	if recs["tee"].Status != model.TaskStatusFailed || recs["tee"].LastError == "" {
		t.Errorf("stored record got %+v", recs["tee"])
	}
}

// scriptedChannel answers with the scripted bodies in order, then repeats the last one.
type scriptedChannel struct {
	mu     sync.Mutex
	status int
	script []string
	calls  int
}

func (c *scriptedChannel) Name() string { return config.ChannelTLS }

func (c *scriptedChannel) Fetch(ctx context.Context, _ string, _ *session.Handle) (fetch.Response, error) {
	if err := ctx.Err(); err != nil {
		return fetch.Response{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	i := c.calls
	if i >= len(c.script) {
		i = len(c.script) - 1
	}
	c.calls++
	status := c.status
	if status == 0 {
		status = 200
	}
	return fetch.Response{Status: status, Body: c.script[i]}, nil
}

func (c *scriptedChannel) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

const (
	soldOutHTML   = `<html><body><h1>Tee</h1><p>SOLD OUT</p></body></html>`
	availableHTML = `<html><head><meta property="og:title" content="Heavy Tee"><meta property="og:image" content="https://shop.test/tee.png"></head><body><button>ADD TO BAG</button></body></html>`
)

func immediate(ctx context.Context, _ time.Duration) error { return ctx.Err() }

func intPtr(v int) *int { return &v }

func TestMonitorNotifiesOncePerTransition(t *testing.T) {
	ch := &scriptedChannel{script: []string{soldOutHTML, availableHTML, availableHTML, soldOutHTML, availableHTML}}
	task := model.Task{ID: "watch", Name: "Tee", URL: productURL, Mode: model.TaskModeMonitor, Retry: model.RetryPolicy{MaxAttempts: 1}}
	h := newHarness(t, browsertest.New(), harnessConfig{
		tasks:      []model.Task{task},
		channels:   []fetch.Channel{ch},
		cycleSleep: immediate,
	})

	if err := h.engine.StartAll(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "seven scans", func() bool { return ch.count() >= 7 })
	stop(t, h.engine)

	avail := h.notifier.of(model.EventAvailable)
	if len(avail) != 2 {
		t.Fatalf("available notifications got %d, expected 2", len(avail))
	}
	if avail[0].ImageURL != "https://shop.test/tee.png" || avail[0].Fields["product"] != "Heavy Tee" {
		t.Errorf("available event got %+v", avail[0])
	}
	if n := len(h.notifier.of(model.EventError)); n != 0 {
		t.Errorf("error notifications got %d", n)
	}
	if h.opener.Opened() != 0 {
		t.Error("monitor tasks must not open a browser page")
	}
	if st := h.engine.State(); !st.Tasks[0].Available || st.Tasks[0].Scans < 7 {
		t.Errorf("task state got %+v", st.Tasks[0])
	}
}

func TestSessionFailureStopsLoop(t *testing.T) {
	ch := &scriptedChannel{status: 503, script: []string{"unavailable"}}
	task := model.Task{ID: "watch", URL: productURL, Mode: model.TaskModeMonitor, Retry: model.RetryPolicy{MaxAttempts: 1}}
	h := newHarness(t, browsertest.New(), harnessConfig{
		tasks:      []model.Task{task},
		channels:   []fetch.Channel{ch},
		cycleSleep: immediate,
		monitor:    config.MonitorConfig{SessionErrorThreshold: 1, MaxSessionRebuilds: intPtr(1)},
	})

	if err := h.engine.StartAll(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitDone(t, h.engine)

	if n := len(h.notifier.of(model.EventError)); n != 2 {
		t.Errorf("error notifications got %d, expected one per cycle (2)", n)
	}
	stopped := h.notifier.of(model.EventStopped)
	if len(stopped) != 1 || !strings.Contains(stopped[0].Fields["reason"], "session unrecoverable") {
		t.Errorf("stopped events got %+v", stopped)
	}
	st := h.engine.State()
	if len(st.Workers) != 1 || st.Workers[0].Rebuilds != 1 || st.Loop != model.LoopStopped {
		t.Errorf("engine state got %+v", st)
	}
}

func TestStopAllInterruptsSleep(t *testing.T) {
	ch := &scriptedChannel{script: []string{soldOutHTML}}
	task := model.Task{ID: "watch", URL: productURL, Mode: model.TaskModeMonitor, Retry: model.RetryPolicy{MaxAttempts: 1}}
	h := newHarness(t, browsertest.New(), harnessConfig{tasks: []model.Task{task}, channels: []fetch.Channel{ch}})

	if err := h.engine.StartAll(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "sleeping", func() bool {
		st := h.engine.State()
		return len(st.Workers) == 1 && st.Workers[0].Loop == model.LoopSleeping
	})
	start := time.Now()
	stop(t, h.engine)
	if time.Since(start) > time.Second {
		t.Error("StopAll should interrupt the cycle sleep")
	}
	stopped := h.notifier.of(model.EventStopped)
	if len(stopped) != 1 || stopped[0].Fields["reason"] != "canceled" {
		t.Errorf("stopped events got %+v", stopped)
	}
}

func TestStartedPrecedesScanNotifications(t *testing.T) {
	ch := &scriptedChannel{script: []string{availableHTML}}
	task := model.Task{ID: "watch", URL: productURL, Mode: model.TaskModeMonitor, Retry: model.RetryPolicy{MaxAttempts: 1}}
	h := newHarness(t, browsertest.New(), harnessConfig{tasks: []model.Task{task}, channels: []fetch.Channel{ch}})

	if err := h.engine.StartAll(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "available notification", func() bool { return len(h.notifier.of(model.EventAvailable)) == 1 })
	stop(t, h.engine)

	h.notifier.mu.Lock()
	first := h.notifier.events[0].Kind
	h.notifier.mu.Unlock()
	if first != model.EventStarted {
		t.Errorf("first notification got %q, expected %q", first, model.EventStarted)
	}
}

func TestConcurrentStartAllLaunchesOnce(t *testing.T) {
	ch := &scriptedChannel{script: []string{soldOutHTML}}
	task := model.Task{ID: "watch", URL: productURL, Mode: model.TaskModeMonitor, Retry: model.RetryPolicy{MaxAttempts: 1}}
	h := newHarness(t, browsertest.New(), harnessConfig{tasks: []model.Task{task}, channels: []fetch.Channel{ch}})

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = h.engine.StartAll(context.Background())
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Errorf("StartAll #%d: %v", i, err)
		}
	}
	waitFor(t, "sleeping", func() bool {
		st := h.engine.State()
		return len(st.Workers) == 1 && st.Workers[0].Loop == model.LoopSleeping
	})

	if n := len(h.notifier.of(model.EventStarted)); n != 1 {
		t.Errorf("started notifications got %d, expected 1", n)
	}
	if n := len(h.engine.State().Workers); n != 1 {
		t.Errorf("workers got %d, expected 1", n)
	}
	stop(t, h.engine)
	if n := ch.count(); n != 1 {
		t.Errorf("scans got %d, expected one worker to scan once", n)
	}
}
