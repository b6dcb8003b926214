package sqlite

import (
	"context"
	"time"

	"restock_monitor/internal/model"
)

type TaskRecord struct {
	TaskID      string
	Status      model.TaskStatus
	LastError   string
	CompletedAt int64
	UpdatedAt   int64
}

func (s *Store) SetTaskStatus(ctx context.Context, taskID string, status model.TaskStatus, lastError string) error {
	now := time.Now().UnixMilli()
	var completedAt int64
	if status == model.TaskStatusCompleted {
		completedAt = now
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_states (task_id, status, last_error, completed_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(task_id) DO UPDATE SET
			status = excluded.status,
			last_error = excluded.last_error,
			completed_at = CASE WHEN excluded.completed_at > 0 THEN excluded.completed_at ELSE task_states.completed_at END,
			updated_at = excluded.updated_at
	`, taskID, string(status), lastError, completedAt, now)
	return err
}

// ListTaskStatuses 返回所有持久化过的任务状态，key 为任务 ID。
func (s *Store) ListTaskStatuses(ctx context.Context) (map[string]TaskRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, status, last_error, completed_at, updated_at FROM task_states
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]TaskRecord)
	for rows.Next() {
		var r TaskRecord
		var status string
		if err := rows.Scan(&r.TaskID, &status, &r.LastError, &r.CompletedAt, &r.UpdatedAt); err != nil {
			return nil, err
		}
		r.Status = model.TaskStatus(status)
		out[r.TaskID] = r
	}
	return out, rows.Err()
}

func (s *Store) ResetTaskStatus(ctx context.Context, taskID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM task_states WHERE task_id = ?`, taskID)
	return err
}
