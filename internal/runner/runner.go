package runner

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/ticketpipe-io/ticketpipe/internal/locks"
)

// Runner manages and executes scheduled background tasks. Every task
// execution runs under an advisory per-task lock so that overlapping
// invocations, in this process or another, collapse to one.
type Runner struct {
	cron     *cron.Cron
	registry *TaskRegistry
	locker   locks.Locker
	logger   *log.Logger
	wg       sync.WaitGroup
}

// RunnerOption customizes a Runner.
type RunnerOption func(*Runner)

// WithLocker replaces the in-process lock fallback with a shared locker.
func WithLocker(locker locks.Locker) RunnerOption {
	return func(r *Runner) {
		if locker != nil {
			r.locker = locker
		}
	}
}

// WithRunnerLogger overrides the runner logger.
func WithRunnerLogger(logger *log.Logger) RunnerOption {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewRunner creates a new task runner
func NewRunner(registry *TaskRegistry, opts ...RunnerOption) *Runner {
	r := &Runner{
		cron:     cron.New(cron.WithSeconds()),
		registry: registry,
		locker:   locks.NewLocalLocker(),
		logger:   log.New(os.Stdout, "[RUNNER] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start begins executing scheduled tasks
func (r *Runner) Start(ctx context.Context) error {
	r.logger.Println("Starting task runner...")

	for name, task := range r.registry.All() {
		r.logger.Printf("Registering task: %s with schedule: %s", name, task.Schedule())

		_, err := r.cron.AddFunc(task.Schedule(), func() {
			r.executeTask(ctx, task)
		})
		if err != nil {
			return fmt.Errorf("failed to schedule task %s: %w", name, err)
		}
	}

	r.cron.Start()
	r.logger.Println("Task runner started successfully")

	return r.waitForShutdown(ctx)
}

// executeTask runs a single task with lock, timeout and error handling
func (r *Runner) executeTask(ctx context.Context, task Task) {
	r.wg.Add(1)
	defer r.wg.Done()

	// Lock TTL outlives the task timeout so a live holder never loses
	// its lock mid-run.
	ok, release, err := r.locker.Acquire(ctx, task.Name(), task.Timeout()+time.Minute)
	if err != nil {
		r.logger.Printf("Task %s lock error: %v", task.Name(), err)
		return
	}
	if !ok {
		// Another invocation holds the lock; this pass is a no-op.
		return
	}
	defer release()

	taskCtx, cancel := context.WithTimeout(ctx, task.Timeout())
	defer cancel()

	r.logger.Printf("Executing task: %s", task.Name())

	start := time.Now()
	err = task.Run(taskCtx)
	duration := time.Since(start)

	if err != nil {
		r.logger.Printf("Task %s failed after %v: %v", task.Name(), duration, err)
	} else {
		r.logger.Printf("Task %s completed successfully in %v", task.Name(), duration)
	}
}

// RunOnce executes a single registered task immediately, outside the
// cron schedule. Used by the operator CLI.
func (r *Runner) RunOnce(ctx context.Context, name string) error {
	task, ok := r.registry.Get(name)
	if !ok {
		return fmt.Errorf("unknown task: %s", name)
	}
	r.executeTask(ctx, task)
	return nil
}

// Stop gracefully shuts down the runner
func (r *Runner) Stop() {
	r.logger.Println("Stopping task runner...")

	ctx := r.cron.Stop()
	r.wg.Wait()

	r.logger.Println("Task runner stopped")
	<-ctx.Done()
}

// waitForShutdown waits for termination signals
func (r *Runner) waitForShutdown(ctx context.Context) error {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		r.logger.Printf("Received signal: %v", sig)
		r.Stop()
		return nil
	case <-ctx.Done():
		r.logger.Println("Context cancelled")
		r.Stop()
		return ctx.Err()
	}
}
