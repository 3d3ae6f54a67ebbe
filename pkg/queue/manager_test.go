package queue

import (
	"context"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/sirupsen/logrus"

	"github.com/release-engineering/iib/pkg/config"
)

func newTestManager(cfg *config.Config) *Manager {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return NewManager(cfg, logrus.NewEntry(logger))
}

func routingConfig() *config.Config {
	return &config.Config{
		DefaultQueue: "iib",
		UserToQueue: map[string]string{
			"SERIAL:osbs@DOMAIN.LOCAL":   "iib-serial",
			"PARALLEL:osbs@DOMAIN.LOCAL": "iib-parallel",
			"exd@DOMAIN.LOCAL":           "iib-exd",
		},
		WorkerCount:  1,
		QueueBacklog: 10,
	}
}

func TestEnqueueRoutesByUserAndOverwrite(t *testing.T) {
	testCases := []struct {
		name      string
		user      string
		overwrite bool
		expected  string
	}{
		{name: "overwrite prefers the serial queue", user: "osbs@DOMAIN.LOCAL", overwrite: true, expected: "iib-serial"},
		{name: "throwaway prefers the parallel queue", user: "osbs@DOMAIN.LOCAL", overwrite: false, expected: "iib-parallel"},
		{name: "plain mapping", user: "exd@DOMAIN.LOCAL", overwrite: true, expected: "iib-exd"},
		{name: "unknown user falls back to the default queue", user: "nobody@DOMAIN.LOCAL", overwrite: false, expected: "iib"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			manager := newTestManager(routingConfig())
			err := manager.Enqueue(tc.user, tc.overwrite, Task{RequestID: 3, Run: func(context.Context) {}})
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			for name, tasks := range manager.queues {
				expected := 0
				if name == tc.expected {
					expected = 1
				}
				if len(tasks) != expected {
					t.Errorf("expected %d task(s) on queue %q, got %d", expected, name, len(tasks))
				}
			}
		})
	}
}

func TestWorkersProcessInOrder(t *testing.T) {
	manager := newTestManager(routingConfig())

	var mu sync.Mutex
	var processed []int64
	var wg sync.WaitGroup
	for id := int64(1); id <= 3; id++ {
		id := id
		wg.Add(1)
		if err := manager.Enqueue("nobody@DOMAIN.LOCAL", false, Task{
			RequestID: id,
			Run: func(context.Context) {
				defer wg.Done()
				mu.Lock()
				processed = append(processed, id)
				mu.Unlock()
			},
		}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	manager.Start(context.Background())
	wg.Wait()
	manager.Stop()

	if diff := cmp.Diff([]int64{1, 2, 3}, processed); diff != "" {
		t.Errorf("unexpected processing order: %s", diff)
	}
}

func TestStopDrainsTheBacklog(t *testing.T) {
	manager := newTestManager(routingConfig())

	var mu sync.Mutex
	processed := 0
	for i := 0; i < 5; i++ {
		if err := manager.Enqueue("nobody@DOMAIN.LOCAL", false, Task{
			RequestID: int64(i),
			Run: func(context.Context) {
				mu.Lock()
				processed++
				mu.Unlock()
			},
		}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	manager.Start(context.Background())
	manager.Stop()

	if processed != 5 {
		t.Errorf("expected all 5 backlogged tasks to run before shutdown, got %d", processed)
	}
}

func TestEnqueueAfterStop(t *testing.T) {
	manager := newTestManager(routingConfig())
	manager.Start(context.Background())
	manager.Stop()

	err := manager.Enqueue("nobody@DOMAIN.LOCAL", false, Task{RequestID: 3, Run: func(context.Context) {}})
	if err == nil {
		t.Fatal("expected an error, got none")
	}
	if expected := "the queue manager is stopped"; err.Error() != expected {
		t.Errorf("expected error %q, got %q", expected, err.Error())
	}
}

func TestEnqueueFullBacklog(t *testing.T) {
	cfg := routingConfig()
	cfg.QueueBacklog = 1
	manager := newTestManager(cfg)

	if err := manager.Enqueue("nobody@DOMAIN.LOCAL", false, Task{RequestID: 1, Run: func(context.Context) {}}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	err := manager.Enqueue("nobody@DOMAIN.LOCAL", false, Task{RequestID: 2, Run: func(context.Context) {}})
	if err == nil {
		t.Fatal("expected an error, got none")
	}
	if !strings.Contains(err.Error(), "backlog") {
		t.Errorf("unexpected error: %v", err)
	}
}
