package engine

import (
	"context"

	"restock_monitor/internal/model"
	"restock_monitor/internal/session"
)

func (e *Engine) runWorker(ctx context.Context, w *worker) {
	defer e.wg.Done()

	h, err := e.sessions.Acquire(ctx, w.state.Name)
	if err != nil {
		if ctx.Err() == nil {
			e.log("error", "获取会话失败", map[string]any{"worker": w.state.Name, "error": err.Error()})
			e.halt("session unavailable: " + err.Error())
		}
		return
	}

	for {
		if ctx.Err() != nil {
			return
		}
		tasks := e.activeTasks(w)
		if len(tasks) == 0 {
			e.log("info", "worker 的任务已全部结束", map[string]any{"worker": w.state.Name})
			return
		}

		e.mu.Lock()
		w.state.Cycle++
		cycle := w.state.Cycle
		e.mu.Unlock()

		for _, t := range tasks {
			if ctx.Err() != nil {
				return
			}
			if e.taskStatus(t.ID) != model.TaskStatusActive {
				continue
			}
			healthy := e.scanTask(ctx, w, h, t)
			e.mu.Lock()
			if healthy {
				w.state.ConsecutiveErr = 0
			} else {
				w.state.ConsecutiveErr++
			}
			e.mu.Unlock()
		}
		if ctx.Err() != nil {
			return
		}

		if !e.checkHealth(ctx, w, h) {
			return
		}
		if len(e.activeTasks(w)) == 0 {
			continue
		}

		e.mu.Lock()
		w.state.Task = ""
		e.mu.Unlock()
		e.setLoop(w, model.LoopSleeping)
		d := e.cycleDelay()
		e.log("debug", "本轮扫描结束", map[string]any{"worker": w.state.Name, "cycle": cycle, "sleepMs": d.Milliseconds()})
		if err := e.sleep(ctx, d); err != nil {
			return
		}
	}
}

// checkHealth rebuilds the session once consecutive failures reach the
// threshold. It returns false when the rebuild budget is spent and the whole
// loop has been halted.
func (e *Engine) checkHealth(ctx context.Context, w *worker, h *session.Handle) bool {
	threshold := e.monitor.SessionErrorThreshold
	if threshold <= 0 {
		threshold = 5
	}
	e.mu.Lock()
	errs, rebuilds := w.state.ConsecutiveErr, w.state.Rebuilds
	e.mu.Unlock()
	if errs < threshold {
		return true
	}

	if rebuilds >= e.monitor.SessionRebuilds() {
		e.log("error", "会话重建次数已用尽，停止监控", map[string]any{"worker": w.state.Name, "rebuilds": rebuilds, "consecutiveErrors": errs})
		e.halt("session unrecoverable on " + w.state.Name)
		return false
	}

	e.setLoop(w, model.LoopRecovering)
	e.log("warn", "连续失败过多，重建会话", map[string]any{"worker": w.state.Name, "consecutiveErrors": errs, "rebuild": rebuilds + 1})
	if err := e.sessions.Rebuild(ctx, h); err != nil {
		if ctx.Err() != nil {
			return false
		}
		e.log("error", "会话重建失败", map[string]any{"worker": w.state.Name, "error": err.Error()})
	}
	e.mu.Lock()
	w.state.Rebuilds++
	w.state.ConsecutiveErr = 0
	e.mu.Unlock()
	return true
}

func (e *Engine) activeTasks(w *worker) []model.Task {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]model.Task, 0, len(w.tasks))
	for _, t := range w.tasks {
		if st := e.states[t.ID]; st != nil && st.Status == model.TaskStatusActive {
			out = append(out, t)
		}
	}
	return out
}
