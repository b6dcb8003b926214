// Package retry runs a fallible step with bounded attempts and backoff, and
// is the only place that turns fatal or exhausted failures into error
// notifications.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"restock_monitor/internal/fault"
	"restock_monitor/internal/logbus"
	"restock_monitor/internal/metrics"
	"restock_monitor/internal/model"
	"restock_monitor/internal/notify"
)

type Options struct {
	Bus      *logbus.Bus
	Notifier notify.Notifier
	Metrics  *metrics.Recorder
	History  *History
	// Sleep defaults to an interruptible timer wait.
	Sleep func(ctx context.Context, d time.Duration) error
	Rand  *rand.Rand
}

type Scheduler struct {
	bus      *logbus.Bus
	notifier notify.Notifier
	metrics  *metrics.Recorder
	history  *History
	sleep    func(ctx context.Context, d time.Duration) error

	rngMu sync.Mutex
	rng   *rand.Rand
}

func New(opts Options) *Scheduler {
	s := &Scheduler{
		bus:      opts.Bus,
		notifier: opts.Notifier,
		metrics:  opts.Metrics,
		history:  opts.History,
		sleep:    opts.Sleep,
		rng:      opts.Rand,
	}
	if s.sleep == nil {
		s.sleep = Sleep
	}
	if s.rng == nil {
		s.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return s
}

// Job is one retryable operation for a task.
type Job struct {
	TaskID   string
	TaskName string
	URL      string
	Op       string
	Policy   model.RetryPolicy
	Do       func(ctx context.Context, attempt int) (model.PageState, error)
	// Capture takes a diagnostic snapshot when attempts run out.
	Capture func(ctx context.Context) *model.Artifact
}

type Result struct {
	State    model.PageState
	Attempts int
	Records  []model.AttemptRecord
	Err      error
	// Fatal is set for non-retryable failures and for exhausted attempts.
	Fatal     bool
	Exhausted bool
}

func (r Result) OK() bool { return r.Err == nil }

// Run calls job.Do until it succeeds, fails fatally, or runs out of attempts.
// Context cancellation ends the run without a notification.
func (s *Scheduler) Run(ctx context.Context, job Job) Result {
	maxAttempts := job.Policy.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	var (
		res     Result
		lastErr error
	)
	for k := 1; k <= maxAttempts; k++ {
		var delay time.Duration
		if k >= 2 {
			volume := fault.KindOf(lastErr) == fault.KindVolumeLimited
			delay = job.Policy.Backoff(k, volume) + s.jitter(job.Policy)
			s.log("info", "等待后重试", map[string]any{"taskId": job.TaskID, "op": job.Op, "attempt": k, "delayMs": delay.Milliseconds(), "volumeLimited": volume})
			if err := s.sleep(ctx, delay); err != nil {
				res.Err = err
				return res
			}
		}

		started := time.Now()
		state, err := job.Do(ctx, k)
		res.Attempts = k
		res.State = state
		rec := model.AttemptRecord{
			TaskID:    job.TaskID,
			Op:        job.Op,
			Seq:       k,
			StartedAt: started,
			Delay:     delay,
			State:     state,
		}

		switch {
		case err == nil:
			rec.Outcome = model.OutcomeSuccess
			s.record(ctx, &res, rec)
			return res
		case fault.Canceled(err) || ctx.Err() != nil:
			res.Err = err
			if ctx.Err() != nil {
				res.Err = ctx.Err()
			}
			return res
		case !fault.Retryable(err):
			rec.Outcome = model.OutcomeFatal
			rec.Error = err.Error()
			if a := fault.ArtifactOf(err); a != nil {
				rec.Artifact = a.Path
			}
			s.record(ctx, &res, rec)
			res.Err = err
			res.Fatal = true
			s.log("error", "不可重试的失败", map[string]any{"taskId": job.TaskID, "op": job.Op, "attempt": k, "error": err.Error()})
			s.notifyFailure(ctx, job, res, err, fault.ArtifactOf(err))
			return res
		default:
			rec.Outcome = model.OutcomeRetryable
			rec.Error = err.Error()
			if a := fault.ArtifactOf(err); a != nil {
				rec.Artifact = a.Path
			}
			s.record(ctx, &res, rec)
			lastErr = err
			s.log("warn", "可重试的失败", map[string]any{"taskId": job.TaskID, "op": job.Op, "attempt": k, "max": maxAttempts, "error": err.Error()})
		}
	}

	var art *model.Artifact
	if job.Capture != nil {
		art = job.Capture(ctx)
	}
	if art == nil {
		art = fault.ArtifactOf(lastErr)
	}
	res.Err = fmt.Errorf("%s: %d attempts exhausted: %w", job.Op, res.Attempts, lastErr)
	res.Fatal = true
	res.Exhausted = true
	s.log("error", "重试次数用尽", map[string]any{"taskId": job.TaskID, "op": job.Op, "attempts": res.Attempts, "error": lastErr.Error()})
	s.notifyFailure(ctx, job, res, res.Err, art)
	return res
}

func (s *Scheduler) record(ctx context.Context, res *Result, rec model.AttemptRecord) {
	res.Records = append(res.Records, rec)
	s.history.Add(rec)
	s.metrics.Attempt(ctx, string(rec.Outcome))
	if s.bus != nil {
		s.bus.Publish("attempt", rec)
	}
}

func (s *Scheduler) notifyFailure(ctx context.Context, job Job, res Result, err error, art *model.Artifact) {
	if s.notifier == nil {
		return
	}
	fields := map[string]string{
		"op":       job.Op,
		"attempts": strconv.Itoa(res.Attempts),
	}
	if kind := fault.KindOf(err); kind != "" {
		fields["error"] = string(kind)
	}
	var stock *fault.InsufficientStockError
	if errors.As(err, &stock) {
		fields["requested"] = strconv.Itoa(stock.Requested)
		fields["reached"] = strconv.Itoa(stock.Reached)
		fields["shortfall"] = strconv.Itoa(stock.Shortfall())
	}
	name := job.TaskName
	if name == "" {
		name = job.TaskID
	}
	s.notifier.Notify(ctx, model.NotificationEvent{
		Kind:       model.EventError,
		TaskID:     job.TaskID,
		TaskName:   job.TaskName,
		URL:        job.URL,
		Message:    fmt.Sprintf("%s: %v", name, err),
		Timestamp:  time.Now(),
		Fields:     fields,
		Attachment: art,
	})
}

func (s *Scheduler) jitter(p model.RetryPolicy) time.Duration {
	if p.JitterMax <= p.JitterMin {
		if p.JitterMin > 0 {
			return p.JitterMin
		}
		return 0
	}
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	return p.JitterMin + time.Duration(s.rng.Int63n(int64(p.JitterMax-p.JitterMin)+1))
}

func (s *Scheduler) log(level, msg string, fields map[string]any) {
	if s.bus != nil {
		s.bus.Log(level, msg, fields)
	}
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
