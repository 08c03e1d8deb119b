package engine

import (
	"context"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/okorach/sonar-tools-sub002/pkg/config"
)

// Runner fans a batch of independent tasks across a fixed-size worker
// pool. One task failing never aborts the batch: every task resolves to a
// classified outcome and the caller gets an aggregate summary.
type Runner struct {
	threads     int
	taskTimeout time.Duration
	logger      Logger
	metrics     Recorder
}

func NewRunner(settings *config.EngineSettings, logger Logger, metrics Recorder) *Runner {
	threads := 8
	taskTimeout := 30 * time.Second
	if settings != nil {
		if settings.Threads > 0 {
			threads = settings.Threads
		}
		if settings.TaskTimeout > 0 {
			taskTimeout = settings.TaskTimeout
		}
	}

	return &Runner{
		threads:     threads,
		taskTimeout: taskTimeout,
		logger:      logger,
		metrics:     metrics,
	}
}

// Run streams results in completion order. The returned channel closes
// after every task has resolved. Cancelling ctx stops feeding new tasks;
// tasks already picked up still resolve.
func (r *Runner) Run(ctx context.Context, operation string, tasks []Task) <-chan Result {
	results := make(chan Result, r.threads)
	feed := make(chan Task)

	workers := r.threads
	if workers > len(tasks) && len(tasks) > 0 {
		workers = len(tasks)
	}

	progress := newProgressTracker(operation, len(tasks), r.logger)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for task := range feed {
				result := r.runTask(ctx, task)
				progress.completed(task.Key)
				if r.metrics != nil {
					r.metrics.RecordTask(operation, result.Outcome.Kind.String(), result.Duration)
				}
				results <- result
			}
		}()
	}

	go func() {
		defer close(feed)
		for _, task := range tasks {
			select {
			case feed <- task:
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	return results
}

// RunAll collects the full result set and logs the aggregate. Results are
// re-sorted by task key so callers see a stable order.
func (r *Runner) RunAll(ctx context.Context, operation string, tasks []Task) ([]Result, Summary) {
	start := time.Now()

	var results []Result
	var summary Summary
	for result := range r.Run(ctx, operation, tasks) {
		if !result.Outcome.Success() {
			r.logger.Warn("task failed",
				"operation", operation,
				"key", result.Key,
				"outcome", result.Outcome.Kind.String(),
				"error", result.Outcome.Message)
		}
		results = append(results, result)
		summary = summary.Add(result)
	}
	summary.Duration = time.Since(start)

	sort.Slice(results, func(i, j int) bool { return results[i].Key < results[j].Key })

	logSummary(r.logger, operation, summary)
	return results, summary
}

// runTask executes one task under its own timeout, recovering panics. The
// op runs in a separate goroutine so a task that ignores its context still
// releases the worker slot when the deadline passes.
func (r *Runner) runTask(ctx context.Context, task Task) Result {
	start := time.Now()

	taskCtx, cancel := context.WithTimeout(ctx, r.taskTimeout)
	defer cancel()

	type opResult struct {
		value interface{}
		err   error
	}
	done := make(chan opResult, 1)

	go func() {
		defer func() {
			if p := recover(); p != nil {
				err := &panicError{value: p, stack: debug.Stack()}
				r.logger.Error("task panicked",
					"key", task.Key,
					"panic", err.Error(),
					"stack", string(err.stack))
				done <- opResult{err: err}
			}
		}()
		value, err := task.Op(taskCtx)
		done <- opResult{value: value, err: err}
	}()

	var value interface{}
	var err error
	select {
	case res := <-done:
		value, err = res.value, res.err
	case <-taskCtx.Done():
		err = taskCtx.Err()
	}

	return Result{
		Key:      task.Key,
		Value:    value,
		Outcome:  classify(err),
		Duration: time.Since(start),
	}
}
