// Package artifact persists diagnostic snapshots (HTML, screenshots) without
// blocking the caller.
package artifact

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"restock_monitor/internal/logbus"
	"restock_monitor/internal/model"
)

type Store struct {
	dir string
	bus *logbus.Bus

	queue  chan model.Artifact
	mu     sync.Mutex
	ctx    context.Context
	cancel func()
	wg     sync.WaitGroup
}

func New(dir string, queueSize int, bus *logbus.Bus) *Store {
	if queueSize <= 0 {
		queueSize = 32
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Store{
		dir:    dir,
		bus:    bus,
		queue:  make(chan model.Artifact, queueSize),
		ctx:    ctx,
		cancel: cancel,
	}
	s.wg.Add(1)
	go s.loop()
	return s
}

var unsafeName = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// Name builds a file name like "<prefix>-<unix ms>.<ext>".
func Name(prefix, ext string) string {
	prefix = strings.Trim(unsafeName.ReplaceAllString(prefix, "_"), "_")
	if prefix == "" {
		prefix = "artifact"
	}
	return fmt.Sprintf("%s-%d.%s", prefix, time.Now().UnixMilli(), strings.TrimPrefix(ext, "."))
}

// SaveAsync assigns the artifact its path and queues the write; a full queue
// drops the write but the returned artifact keeps its in-memory data.
func (s *Store) SaveAsync(a model.Artifact) model.Artifact {
	if s == nil {
		return a
	}
	a.Path = filepath.Join(s.dir, filepath.Base(a.Name))
	select {
	case s.queue <- a:
	default:
		if s.bus != nil {
			s.bus.Log("warn", "诊断文件丢弃：写入队列已满", map[string]any{"name": a.Name})
		}
	}
	return a
}

func (s *Store) Save(a model.Artifact) (model.Artifact, error) {
	if s == nil {
		return a, nil
	}
	a.Path = filepath.Join(s.dir, filepath.Base(a.Name))
	return a, s.write(a)
}

func (s *Store) write(a model.Artifact) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(a.Path, a.Data, 0o644)
}

func (s *Store) loop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			for {
				select {
				case a := <-s.queue:
					s.handle(a)
				default:
					return
				}
			}
		case a := <-s.queue:
			s.handle(a)
		}
	}
}

func (s *Store) handle(a model.Artifact) {
	if err := s.write(a); err != nil {
		if s.bus != nil {
			s.bus.Log("warn", "诊断文件写入失败", map[string]any{"path": a.Path, "error": err.Error()})
		}
		return
	}
	if s.bus != nil {
		s.bus.Log("debug", "诊断文件已保存", map[string]any{"path": a.Path, "bytes": len(a.Data)})
	}
}

// Close flushes queued writes.
func (s *Store) Close(ctx context.Context) error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
