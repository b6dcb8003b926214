package model

type TaskStatus string

const (
	TaskStatusActive    TaskStatus = "active"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
)

type LoopState string

const (
	LoopIdle       LoopState = "Idle"
	LoopScanning   LoopState = "Scanning"
	LoopRecovering LoopState = "Recovering"
	LoopActing     LoopState = "Acting"
	LoopNotifying  LoopState = "Notifying"
	LoopSleeping   LoopState = "Sleeping"
	LoopStopped    LoopState = "Stopped"
)

type TaskState struct {
	TaskID        string     `json:"taskId"`
	Name          string     `json:"name,omitempty"`
	Mode          TaskMode   `json:"mode"`
	Status        TaskStatus `json:"status"`
	LastState     PageState  `json:"lastState"`
	Available     bool       `json:"available"`
	Scans         int64      `json:"scans"`
	LastError     string     `json:"lastError,omitempty"`
	LastAttemptMs int64      `json:"lastAttemptMs,omitempty"`
	LastSuccessMs int64      `json:"lastSuccessMs,omitempty"`
}

type WorkerState struct {
	Name           string    `json:"name"`
	Loop           LoopState `json:"loop"`
	Cycle          int64     `json:"cycle"`
	Task           string    `json:"task,omitempty"`
	ConsecutiveErr int       `json:"consecutiveErrors"`
	Rebuilds       int       `json:"rebuilds"`
}

type EngineState struct {
	Running bool          `json:"running"`
	Loop    LoopState     `json:"loop"`
	Workers []WorkerState `json:"workers"`
	Tasks   []TaskState   `json:"tasks"`
}
