package retry

import (
	"sort"
	"sync"

	"restock_monitor/internal/model"
)

// History keeps the most recent attempt records per task in a ring buffer.
// It is diagnostic only and does not survive a restart.
type History struct {
	mu    sync.RWMutex
	size  int
	tasks map[string][]model.AttemptRecord
}

func NewHistory(size int) *History {
	if size <= 0 {
		size = 50
	}
	return &History{size: size, tasks: make(map[string][]model.AttemptRecord)}
}

func (h *History) Add(rec model.AttemptRecord) {
	if h == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	buf := h.tasks[rec.TaskID]
	if len(buf) < h.size {
		buf = append(buf, rec)
	} else {
		copy(buf, buf[1:])
		buf[h.size-1] = rec
	}
	h.tasks[rec.TaskID] = buf
}

// List returns a task's records, oldest first. An empty taskID lists every
// task ordered by start time.
func (h *History) List(taskID string) []model.AttemptRecord {
	if h == nil {
		return nil
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if taskID != "" {
		return append([]model.AttemptRecord(nil), h.tasks[taskID]...)
	}
	var out []model.AttemptRecord
	for _, recs := range h.tasks {
		out = append(out, recs...)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}
