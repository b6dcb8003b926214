package notify

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"restock_monitor/internal/logbus"
	"restock_monitor/internal/metrics"
	"restock_monitor/internal/model"
)

// Notifier accepts events without blocking. It returns false when the event
// was dropped.
type Notifier interface {
	Notify(ctx context.Context, evt model.NotificationEvent) bool
}

// Sink delivers one event to an external service.
type Sink interface {
	Name() string
	Send(ctx context.Context, evt model.NotificationEvent) error
}

// Dispatcher queues events and fans them out to every sink in the background.
// A sink failure is logged and never reaches the caller.
type Dispatcher struct {
	sinks   []Sink
	bus     *logbus.Bus
	metrics *metrics.Recorder
	timeout time.Duration

	mu     sync.Mutex
	queue  chan model.NotificationEvent
	ctx    context.Context
	cancel func()
	wg     sync.WaitGroup
}

func NewDispatcher(queueSize int, bus *logbus.Bus, rec *metrics.Recorder, sinks ...Sink) *Dispatcher {
	if queueSize <= 0 {
		queueSize = 100
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		sinks:   sinks,
		bus:     bus,
		metrics: rec,
		timeout: 15 * time.Second,
		queue:   make(chan model.NotificationEvent, queueSize),
		ctx:     ctx,
		cancel:  cancel,
	}
	d.wg.Add(1)
	go d.loop()
	return d
}

func (d *Dispatcher) Notify(_ context.Context, evt model.NotificationEvent) bool {
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	select {
	case d.queue <- evt:
		return true
	default:
		if d.bus != nil {
			d.bus.Log("warn", "通知丢弃：队列已满", map[string]any{
				"kind":   string(evt.Kind),
				"taskId": evt.TaskID,
			})
		}
		return false
	}
}

// Close stops accepting work after draining what is already queued.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	cancel := d.cancel
	d.cancel = nil
	d.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) loop() {
	defer d.wg.Done()
	for {
		select {
		case <-d.ctx.Done():
			for {
				select {
				case evt := <-d.queue:
					d.deliver(evt)
				default:
					return
				}
			}
		case evt := <-d.queue:
			d.deliver(evt)
		}
	}
}

func (d *Dispatcher) deliver(evt model.NotificationEvent) {
	d.metrics.Notified(context.Background(), string(evt.Kind))
	for _, s := range d.sinks {
		// 关闭阶段 d.ctx 已取消，投递用独立的超时上下文
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		err := s.Send(ctx, evt)
		cancel()
		if err != nil {
			if d.bus != nil {
				d.bus.Log("warn", "通知发送失败", map[string]any{
					"sink":   s.Name(),
					"kind":   string(evt.Kind),
					"taskId": evt.TaskID,
					"error":  err.Error(),
				})
			}
			continue
		}
		if d.bus != nil {
			d.bus.Log("debug", "通知已发送", map[string]any{"sink": s.Name(), "kind": string(evt.Kind)})
		}
	}
}

// BusSink republishes events on the bus so websocket clients see them.
type BusSink struct {
	Bus *logbus.Bus
}

func (s BusSink) Name() string { return "bus" }

func (s BusSink) Send(_ context.Context, evt model.NotificationEvent) error {
	if s.Bus != nil {
		s.Bus.Publish("notification", evt)
	}
	return nil
}
