package model

import "time"

type AttemptOutcome string

const (
	OutcomeSuccess   AttemptOutcome = "success"
	OutcomeRetryable AttemptOutcome = "retryable"
	OutcomeFatal     AttemptOutcome = "fatal"
)

type AttemptRecord struct {
	TaskID    string         `json:"taskId"`
	Op        string         `json:"op,omitempty"`
	Seq       int            `json:"seq"`
	StartedAt time.Time      `json:"startedAt"`
	Delay     time.Duration  `json:"delay"`
	Outcome   AttemptOutcome `json:"outcome"`
	State     PageState      `json:"state"`
	Error     string         `json:"error,omitempty"`
	Artifact  string         `json:"artifact,omitempty"`
}
