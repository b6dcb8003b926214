// Package engine runs the monitor loop: workers scan their tasks on an
// interval, drive purchase tasks through the checkout flow, and keep the
// per-task and per-worker state published on the bus.
package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"restock_monitor/internal/action"
	"restock_monitor/internal/artifact"
	"restock_monitor/internal/classify"
	"restock_monitor/internal/config"
	"restock_monitor/internal/fetch"
	"restock_monitor/internal/logbus"
	"restock_monitor/internal/model"
	"restock_monitor/internal/notify"
	"restock_monitor/internal/retry"
	"restock_monitor/internal/session"
	"restock_monitor/internal/store/sqlite"
)

// TaskStore persists the terminal status of tasks across restarts.
type TaskStore interface {
	ListTaskStatuses(ctx context.Context) (map[string]sqlite.TaskRecord, error)
	SetTaskStatus(ctx context.Context, taskID string, status model.TaskStatus, lastError string) error
}

type Options struct {
	Store      TaskStore
	Bus        *logbus.Bus
	Sessions   *session.Manager
	Fetcher    *fetch.Fetcher
	Classifier *classify.Classifier
	Driver     *action.Driver
	Scheduler  *retry.Scheduler
	Notifier   notify.Notifier
	Artifacts  *artifact.Store
	Monitor    config.MonitorConfig
	Site       config.SiteConfig
	Tasks      []model.Task
	// Sleep waits between cycles; defaults to retry.Sleep.
	Sleep func(ctx context.Context, d time.Duration) error
}

type Engine struct {
	store      TaskStore
	bus        *logbus.Bus
	sessions   *session.Manager
	fetcher    *fetch.Fetcher
	classifier *classify.Classifier
	driver     *action.Driver
	scheduler  *retry.Scheduler
	notifier   notify.Notifier
	artifacts  *artifact.Store
	monitor    config.MonitorConfig
	site       config.SiteConfig
	tasks      []model.Task
	sleep      func(ctx context.Context, d time.Duration) error

	// startMu 串行化 StartAll
	startMu    sync.Mutex
	mu         sync.Mutex
	running    bool
	cancel     context.CancelFunc
	done       chan struct{}
	wg         sync.WaitGroup
	loop       model.LoopState
	stopReason string
	states     map[string]*model.TaskState
	workers    []*worker

	rngMu sync.Mutex
	rng   *rand.Rand
}

// worker owns one session and a fixed subset of the tasks.
type worker struct {
	state model.WorkerState
	tasks []model.Task
}

func New(opts Options) *Engine {
	e := &Engine{
		store:      opts.Store,
		bus:        opts.Bus,
		sessions:   opts.Sessions,
		fetcher:    opts.Fetcher,
		classifier: opts.Classifier,
		driver:     opts.Driver,
		scheduler:  opts.Scheduler,
		notifier:   opts.Notifier,
		artifacts:  opts.Artifacts,
		monitor:    opts.Monitor,
		site:       opts.Site,
		tasks:      append([]model.Task(nil), opts.Tasks...),
		sleep:      opts.Sleep,
		loop:       model.LoopIdle,
		states:     make(map[string]*model.TaskState),
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	if e.sleep == nil {
		e.sleep = retry.Sleep
	}
	closed := make(chan struct{})
	close(closed)
	e.done = closed
	for _, t := range e.tasks {
		e.states[t.ID] = &model.TaskState{TaskID: t.ID, Name: t.DisplayName(), Mode: t.Mode, Status: model.TaskStatusActive}
	}
	return e
}

// StartAll restores persisted task statuses and starts the workers. Tasks that
// already completed or failed in an earlier run are never scanned again.
func (e *Engine) StartAll(ctx context.Context) error {
	e.startMu.Lock()
	defer e.startMu.Unlock()

	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	if e.store != nil {
		records, err := e.store.ListTaskStatuses(ctx)
		if err != nil {
			return err
		}
		e.mu.Lock()
		for id, rec := range records {
			if st := e.states[id]; st != nil && rec.Status != "" {
				st.Status = rec.Status
				st.LastError = rec.LastError
			}
		}
		e.mu.Unlock()
	}

	e.mu.Lock()
	var active []model.Task
	for _, t := range e.tasks {
		if e.states[t.ID].Status == model.TaskStatusActive {
			active = append(active, t)
		}
	}
	if len(active) == 0 {
		e.mu.Unlock()
		e.log("warn", "没有需要监控的任务", map[string]any{"tasks": len(e.tasks)})
		return errors.New("no active tasks")
	}

	n := e.monitor.Workers
	if n <= 0 {
		n = 1
	}
	if n > len(active) {
		n = len(active)
	}
	e.workers = make([]*worker, n)
	for i := range e.workers {
		e.workers[i] = &worker{state: model.WorkerState{Name: fmt.Sprintf("worker-%d", i+1), Loop: model.LoopIdle}}
	}
	for i, t := range active {
		w := e.workers[i%n]
		w.tasks = append(w.tasks, t)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	e.running = true
	e.cancel = cancel
	e.done = make(chan struct{})
	e.stopReason = ""
	e.loop = model.LoopScanning
	for _, st := range e.states {
		e.publishStateLocked(*st)
	}
	workers := append([]*worker(nil), e.workers...)
	done := e.done
	e.mu.Unlock()

	// started 必须先于任何扫描产生的通知入队
	e.log("info", "监控已启动", map[string]any{"tasks": len(active), "workers": n, "intervalMs": e.monitor.CheckInterval().Milliseconds()})
	e.emit(context.Background(), model.NotificationEvent{
		Kind:    model.EventStarted,
		Message: fmt.Sprintf("开始监控 %d 个任务（%d 个 worker）", len(active), n),
		Fields:  map[string]string{"tasks": fmt.Sprint(len(active)), "workers": fmt.Sprint(n)},
	})

	for _, w := range workers {
		e.wg.Add(1)
		go e.runWorker(runCtx, w)
	}
	go e.supervise(done)
	return nil
}

// supervise waits for every worker to exit, then moves the loop to Stopped.
func (e *Engine) supervise(done chan struct{}) {
	e.wg.Wait()

	e.mu.Lock()
	reason := e.stopReason
	if reason == "" {
		reason = "all tasks finished"
	}
	e.running = false
	e.loop = model.LoopStopped
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
	for _, w := range e.workers {
		w.state.Loop = model.LoopStopped
		w.state.Task = ""
	}
	e.publishLoopLocked()
	e.mu.Unlock()

	if e.sessions != nil {
		e.sessions.Release()
	}
	e.log("info", "监控已停止", map[string]any{"reason": reason})
	e.emit(context.Background(), model.NotificationEvent{
		Kind:    model.EventStopped,
		Message: "监控已停止：" + reason,
		Fields:  map[string]string{"reason": reason},
	})
	close(done)
}

// StopAll cancels the workers and waits until the loop has stopped.
func (e *Engine) StopAll(ctx context.Context) error {
	e.halt("canceled")
	select {
	case <-e.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed once the loop reaches Stopped.
func (e *Engine) Done() <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.done
}

// halt cancels the run; the first reason wins.
func (e *Engine) halt(reason string) {
	e.mu.Lock()
	if e.stopReason == "" && e.running {
		e.stopReason = reason
	}
	cancel := e.cancel
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (e *Engine) State() model.EngineState {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := model.EngineState{Running: e.running, Loop: e.loop}
	for _, w := range e.workers {
		out.Workers = append(out.Workers, w.state)
	}
	for _, t := range e.tasks {
		if st := e.states[t.ID]; st != nil {
			out.Tasks = append(out.Tasks, *st)
		}
	}
	return out
}

func (e *Engine) setLoop(w *worker, s model.LoopState) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if w.state.Loop == s {
		return
	}
	w.state.Loop = s
	if e.running {
		e.loop = s
	}
	e.publishLoopLocked()
}

func (e *Engine) publishLoopLocked() {
	if e.bus == nil {
		return
	}
	workers := make([]model.WorkerState, 0, len(e.workers))
	for _, w := range e.workers {
		workers = append(workers, w.state)
	}
	e.bus.Publish("loop_state", model.EngineState{Running: e.running, Loop: e.loop, Workers: workers})
}

func (e *Engine) publishStateLocked(st model.TaskState) {
	if e.bus != nil {
		e.bus.Publish("task_state", st)
	}
}

// updateTask applies fn to the task state and publishes the result.
func (e *Engine) updateTask(taskID string, fn func(st *model.TaskState)) model.TaskState {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := e.states[taskID]
	if st == nil {
		return model.TaskState{}
	}
	fn(st)
	e.publishStateLocked(*st)
	return *st
}

func (e *Engine) taskStatus(taskID string) model.TaskStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	if st := e.states[taskID]; st != nil {
		return st.Status
	}
	return ""
}

func (e *Engine) emit(ctx context.Context, evt model.NotificationEvent) {
	if e.notifier == nil {
		return
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	e.notifier.Notify(ctx, evt)
}

// cycleDelay is the check interval plus a random share of the jitter.
func (e *Engine) cycleDelay() time.Duration {
	d := e.monitor.CheckInterval()
	j := e.monitor.IntervalJitter()
	if j <= 0 {
		return d
	}
	e.rngMu.Lock()
	defer e.rngMu.Unlock()
	return d + time.Duration(e.rng.Int63n(int64(j)+1))
}

func (e *Engine) log(level, msg string, fields map[string]any) {
	if e.bus != nil {
		e.bus.Log(level, msg, fields)
	}
}
