package jobqueue

import (
	"context"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"
)

// Task is a periodic background job run by the manager.
type Task func(ctx context.Context) error

type periodic struct {
	name     string
	interval time.Duration
	fn       Task
}

// Manager manages the job queue and the periodic background tasks
type Manager struct {
	queue  *Queue
	tasks  []periodic
	stopCh chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex

	running bool
}

// NewManager wraps queue. A nil queue runs periodic tasks only.
func NewManager(queue *Queue) *Manager {
	return &Manager{
		queue:  queue,
		stopCh: make(chan struct{}),
	}
}

// GetQueue returns the managed job queue
func (m *Manager) GetQueue() *Queue {
	return m.queue
}

// Every registers fn to run once per interval while the manager is started.
// Tasks registered after Start begin with the next Start.
func (m *Manager) Every(name string, interval time.Duration, fn Task) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks = append(m.tasks, periodic{name: name, interval: interval, fn: fn})
}

// Start starts the job queue and background tasks
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return
	}

	// Recreate stop channel for each start cycle so manager can be restarted safely.
	m.stopCh = make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.running = true
	log.Info("[JobQueue Manager] Starting job queue and background tasks")

	if m.queue != nil {
		m.queue.Start()
	}

	for _, t := range m.tasks {
		m.wg.Add(1)
		go m.taskWorker(ctx, t)
	}

	log.Infof("[JobQueue Manager] Started with %d periodic tasks", len(m.tasks))
}

// Stop stops the job queue and background tasks
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return
	}

	log.Info("[JobQueue Manager] Stopping job queue and background tasks...")

	close(m.stopCh)
	m.cancel()
	m.running = false

	m.wg.Wait()

	if m.queue != nil {
		m.queue.Stop()
	}

	log.Info("[JobQueue Manager] Stopped successfully")
}

func (m *Manager) taskWorker(ctx context.Context, t periodic) {
	defer m.wg.Done()
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	log.Debugf("[JobQueue Manager] Started %s worker (interval: %s)", t.name, t.interval)

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			if err := t.fn(ctx); err != nil {
				log.Errorf("[JobQueue Manager] %s error: %v", t.name, err)
			}
		}
	}
}

// IsRunning returns whether the manager is currently running
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}
