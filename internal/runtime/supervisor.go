package runtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Task represents a supervised background task.
type Task struct {
	Name      string
	Kind      string
	StartTime time.Time
	Status    TaskStatus
	Error     error
	cancel    context.CancelFunc
	forget    bool
}

// TaskStatus represents the status of a task.
type TaskStatus string

const (
	TaskStatusRunning  TaskStatus = "running"
	TaskStatusStopped  TaskStatus = "stopped"
	TaskStatusFailed   TaskStatus = "failed"
	TaskStatusCanceled TaskStatus = "canceled"
)

// TaskFunc is a function that runs as a supervised task.
type TaskFunc func(ctx context.Context) error

// Supervisor owns every background goroutine in the core: stream runners,
// permit watchers, tool executors, live session loops. Nothing in the
// library spawns a bare goroutine for long-running work; a task that
// panics is recorded as failed instead of killing the process.
type Supervisor struct {
	name   string
	tasks  map[string]*Task
	mu     sync.RWMutex
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
	closed bool
}

// NewSupervisor creates a named supervisor bound to ctx.
func NewSupervisor(ctx context.Context, name string) *Supervisor {
	ctx, cancel := context.WithCancel(ctx)
	return &Supervisor{
		name:   name,
		tasks:  make(map[string]*Task),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start launches fn as a supervised task. It fails when the supervisor is
// shut down or the name is already taken, so callers can surface spawn
// failures instead of leaking whatever resource the task was guarding.
func (s *Supervisor) Start(name, kind string, fn TaskFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.ctx.Err() != nil {
		return fmt.Errorf("supervisor %s is shut down", s.name)
	}
	if _, exists := s.tasks[name]; exists {
		return fmt.Errorf("task %s already exists", name)
	}

	taskCtx, taskCancel := context.WithCancel(s.ctx)
	task := &Task{
		Name:      name,
		Kind:      kind,
		StartTime: time.Now(),
		Status:    TaskStatusRunning,
		cancel:    taskCancel,
	}
	s.tasks[name] = task

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				log.WithFields(log.Fields{
					"supervisor": s.name,
					"task":       name,
					"panic":      r,
				}).Error("Task panicked")
				s.mu.Lock()
				task.Status = TaskStatusFailed
				task.Error = fmt.Errorf("panic: %v", r)
				if task.forget {
					delete(s.tasks, name)
				}
				s.mu.Unlock()
			}
		}()

		log.WithFields(log.Fields{
			"supervisor": s.name,
			"task":       name,
			"kind":       kind,
		}).Debug("Task started")

		err := fn(taskCtx)

		s.mu.Lock()
		if err != nil {
			if taskCtx.Err() == context.Canceled {
				task.Status = TaskStatusCanceled
			} else {
				task.Status = TaskStatusFailed
				task.Error = err
				log.WithFields(log.Fields{
					"supervisor": s.name,
					"task":       name,
					"error":      err,
				}).Error("Task failed")
			}
		} else {
			task.Status = TaskStatusStopped
		}
		if task.forget {
			delete(s.tasks, name)
		}
		s.mu.Unlock()
	}()

	return nil
}

// Watch starts a supervised watcher that fires onExit when done closes.
// This is how permit holders are monitored: the holder hands over its done
// channel and the watcher guarantees the release side effect even when the
// holder dies abruptly.
func (s *Supervisor) Watch(name string, done <-chan struct{}, onExit func()) error {
	return s.Start(name, "watcher", func(ctx context.Context) error {
		select {
		case <-done:
			onExit()
		case <-ctx.Done():
			// Supervisor shutdown also triggers the side effect so the
			// guarded resource is never stranded.
			onExit()
		}
		return nil
	})
}

// Stop cancels a specific task.
func (s *Supervisor) Stop(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, exists := s.tasks[name]
	if !exists {
		return fmt.Errorf("task %s not found", name)
	}
	if task.Status != TaskStatusRunning {
		return fmt.Errorf("task %s is not running", name)
	}
	task.cancel()
	return nil
}

// Forget drops a finished task from the registry so its name can be
// reused. Calling it on a running task marks the entry for removal once
// the task records its terminal status, so the usual
// `defer sup.Forget(name)` inside the task body cleans up after itself.
func (s *Supervisor) Forget(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[name]
	if !ok {
		return
	}
	if task.Status != TaskStatusRunning {
		delete(s.tasks, name)
		return
	}
	task.forget = true
}

// Shutdown cancels all tasks and waits for them to finish.
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()
	s.wg.Wait()
}

// Context returns the supervisor's root context.
func (s *Supervisor) Context() context.Context { return s.ctx }

// GetTask returns a copy of a task's state.
func (s *Supervisor) GetTask(name string) (*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	task, exists := s.tasks[name]
	if !exists {
		return nil, fmt.Errorf("task %s not found", name)
	}
	cp := *task
	cp.cancel = nil
	return &cp, nil
}

// Stats summarizes task states.
func (s *Supervisor) Stats() TaskStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := TaskStats{Total: len(s.tasks)}
	for _, task := range s.tasks {
		switch task.Status {
		case TaskStatusRunning:
			stats.Running++
		case TaskStatusStopped:
			stats.Stopped++
		case TaskStatusFailed:
			stats.Failed++
		case TaskStatusCanceled:
			stats.Canceled++
		}
	}
	return stats
}

// TaskStats contains statistics about tasks.
type TaskStats struct {
	Total    int `json:"total"`
	Running  int `json:"running"`
	Stopped  int `json:"stopped"`
	Failed   int `json:"failed"`
	Canceled int `json:"canceled"`
}
