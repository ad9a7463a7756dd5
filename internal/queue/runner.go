package queue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/relkit/conductor/internal/models"
	"gorm.io/gorm"
)

const (
	defaultPollInterval = 2 * time.Second
	// stuckTimeout is how long a running task may sit before the sweep
	// assumes its worker died and re-queues it.
	stuckTimeout = 15 * time.Minute
)

// HandlerFunc executes one claimed task. A returned error marks the task
// failed; re-enqueueing for retries or polling is the handler's job.
type HandlerFunc func(ctx context.Context, db *gorm.DB, task *models.Task) error

// Runner drives a pool of workers draining the task table.
type Runner struct {
	db       *gorm.DB
	workers  int
	interval time.Duration
	out      io.Writer

	mu       sync.Mutex
	handlers map[string]HandlerFunc
}

// NewRunner builds a Runner with the given worker count and claim interval.
func NewRunner(db *gorm.DB, workers int, interval time.Duration, out io.Writer) *Runner {
	if workers <= 0 {
		workers = 4
	}
	if interval <= 0 {
		interval = defaultPollInterval
	}
	if out == nil {
		out = io.Discard
	}
	return &Runner{
		db:       db,
		workers:  workers,
		interval: interval,
		out:      out,
		handlers: make(map[string]HandlerFunc),
	}
}

// Register binds a handler to a task kind. Later registrations win.
func (r *Runner) Register(kind string, fn HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[kind] = fn
}

func (r *Runner) handler(kind string) (HandlerFunc, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn, ok := r.handlers[kind]
	return fn, ok
}

// Run starts the worker pool and blocks until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	if r.db == nil {
		return fmt.Errorf("queue: db is required")
	}

	fmt.Fprintf(r.out, "Task runner starting (%d workers, claim every %s)...\n", r.workers, r.interval)

	var wg sync.WaitGroup
	for i := 0; i < r.workers; i++ {
		wg.Add(1)
		workerID := fmt.Sprintf("worker-%d", i)
		go func() {
			defer wg.Done()
			r.workerLoop(ctx, workerID)
		}()
	}
	wg.Wait()
	fmt.Fprintf(r.out, "Task runner stopped.\n")
	return nil
}

// workerLoop claims and executes tasks until ctx is cancelled. One task
// occupies the worker until it returns; long waits must re-enqueue, never
// block in the handler.
func (r *Runner) workerLoop(ctx context.Context, workerID string) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		task, err := Claim(r.db, workerID)
		if errors.Is(err, ErrNoTasks) {
			select {
			case <-ctx.Done():
				return
			case <-time.After(r.interval):
			}
			continue
		}
		if err != nil {
			log.Printf("queue: %s claim error: %v", workerID, err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(r.interval):
			}
			continue
		}

		r.execute(ctx, workerID, task)
	}
}

func (r *Runner) execute(ctx context.Context, workerID string, task *models.Task) {
	fn, ok := r.handler(task.Kind)
	if !ok {
		log.Printf("queue: %s: no handler for kind %q, failing task %s", workerID, task.Kind, task.ID)
		if err := MarkFailed(r.db, task.ID, fmt.Errorf("no handler for kind %q", task.Kind)); err != nil {
			log.Printf("queue: %v", err)
		}
		return
	}

	if err := fn(ctx, r.db, task); err != nil {
		log.Printf("queue: task %s (%s) failed: %v", task.ID, task.Kind, err)
		if markErr := MarkFailed(r.db, task.ID, err); markErr != nil {
			log.Printf("queue: %v", markErr)
		}
		return
	}
	if err := MarkDone(r.db, task.ID); err != nil {
		log.Printf("queue: %v", err)
	}
}
