// Package queue runs build tasks on named in-process FIFO queues, one
// worker pool per queue.
package queue

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/release-engineering/iib/pkg/config"
)

// Task is one dispatched unit of work.
type Task struct {
	RequestID int64
	// Args is the redacted argument repr logged when the task is
	// scheduled and picked up. It must not contain secrets.
	Args string
	Run  func(ctx context.Context)
}

// Manager owns the named queues and their workers. Requests are routed
// to a queue by the user routing table and processed in FIFO order
// within each queue.
type Manager struct {
	cfg    *config.Config
	log    *logrus.Entry
	queues map[string]chan Task
	wg     sync.WaitGroup

	mu      sync.Mutex
	stopped bool
}

// NewManager builds the queues the configuration names: the default
// queue plus every queue the routing table points at.
func NewManager(cfg *config.Config, log *logrus.Entry) *Manager {
	queues := map[string]chan Task{}
	for _, name := range cfg.QueueNames() {
		queues[name] = make(chan Task, cfg.QueueBacklog)
	}
	return &Manager{cfg: cfg, log: log, queues: queues}
}

// Start launches the worker pools. Workers drain their queue until
// Stop closes it.
func (m *Manager) Start(ctx context.Context) {
	for name, tasks := range m.queues {
		for i := 0; i < m.cfg.WorkerCount; i++ {
			m.wg.Add(1)
			go m.work(ctx, name, tasks)
		}
	}
}

func (m *Manager) work(ctx context.Context, queue string, tasks <-chan Task) {
	defer m.wg.Done()
	for task := range tasks {
		log := m.log.WithFields(logrus.Fields{"queue": queue, "request_id": task.RequestID})
		log.Info("Processing the build request")
		task.Run(ctx)
		log.Debug("Finished processing the build request")
	}
}

// Stop closes every queue and waits for the in-flight tasks to finish.
// Tasks still sitting in a backlog are processed before the workers
// exit.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.stopped {
		m.stopped = true
		for _, tasks := range m.queues {
			close(tasks)
		}
	}
	m.mu.Unlock()
	m.wg.Wait()
}

// Enqueue schedules the task on the queue the routing table assigns to
// the user. A stopped manager or a full backlog is a scheduling
// failure the caller turns into a failed request.
func (m *Manager) Enqueue(user string, overwrite bool, task Task) error {
	queue := m.cfg.QueueForUser(user, overwrite)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return fmt.Errorf("the queue manager is stopped")
	}
	tasks, ok := m.queues[queue]
	if !ok {
		return fmt.Errorf("no workers consume from queue %q", queue)
	}
	m.log.WithFields(logrus.Fields{
		"queue":      queue,
		"request_id": task.RequestID,
		"args":       task.Args,
	}).Info("Scheduling the build request")
	select {
	case tasks <- task:
		return nil
	default:
		return fmt.Errorf("the backlog of queue %q is full", queue)
	}
}
