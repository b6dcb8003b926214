package engine

import (
	"context"
	"fmt"
	"time"

	"restock_monitor/internal/model"
)

// completeTask marks a purchased task completed, persists it so it is never
// retried, and sends the purchase notification.
func (e *Engine) completeTask(ctx context.Context, w *worker, task model.Task, attempts int) {
	now := time.Now().UnixMilli()
	e.updateTask(task.ID, func(st *model.TaskState) {
		st.Status = model.TaskStatusCompleted
		st.LastState = model.StatePurchaseConfirmed
		st.LastError = ""
		st.LastSuccessMs = now
	})
	e.persistStatus(task.ID, model.TaskStatusCompleted, "")
	e.log("info", "下单成功，任务结束", map[string]any{"taskId": task.ID, "url": task.URL, "attempts": attempts})

	fields := purchaseFields(task)
	if task.PaymentMethod != "" {
		fields["payment"] = task.PaymentMethod
	}
	e.setLoop(w, model.LoopNotifying)
	e.emit(ctx, model.NotificationEvent{
		Kind:     model.EventPurchased,
		TaskID:   task.ID,
		TaskName: task.DisplayName(),
		URL:      task.URL,
		Message:  fmt.Sprintf("%s 下单成功", task.DisplayName()),
		Fields:   fields,
	})
}

// failTask disables a task for good after a permanent error such as rejected
// credentials.
func (e *Engine) failTask(_ context.Context, task model.Task, err error) {
	msg := err.Error()
	e.updateTask(task.ID, func(st *model.TaskState) {
		st.Status = model.TaskStatusFailed
		st.LastError = msg
	})
	e.persistStatus(task.ID, model.TaskStatusFailed, msg)
	e.log("error", "任务已停用", map[string]any{"taskId": task.ID, "url": task.URL, "error": msg})
}

// persistStatus writes with its own deadline so a shutdown in progress does
// not lose a terminal status.
func (e *Engine) persistStatus(taskID string, status model.TaskStatus, lastError string) {
	if e.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := e.store.SetTaskStatus(ctx, taskID, status, lastError); err != nil {
		e.log("warn", "写入任务状态失败", map[string]any{"taskId": taskID, "status": string(status), "error": err.Error()})
	}
}
