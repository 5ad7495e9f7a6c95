package hub

import (
	"context"
	"runtime/debug"
	"time"

	"github.com/hearthlab/hearth-core/internal/infrastructure/metrics"
)

// TaskFunc is a unit of scheduled background work.
type TaskFunc func(ctx context.Context) error

// task tracks one scheduled unit of work so it can be cancelled and awaited.
type task struct {
	id     string
	cancel context.CancelFunc
	done   chan struct{}
}

// ScheduleTask starts a background unit of work owned by the hub.
//
// With interval > 0 the task repeats on a fixed ticker; with interval == 0 it
// runs once and unregisters itself. runImmediately controls whether a
// repeating task also fires before its first tick.
//
// Scheduling an ID that is already registered cancels and awaits the prior
// instance before starting the replacement, so two copies of the same task
// never run concurrently.
//
// Every run is supervised: a returned error or panic is logged with a full
// stack against the task ID before the run completes. Failures never stop a
// repeating task's subsequent runs.
func (h *Hub) ScheduleTask(taskID string, fn TaskFunc, interval time.Duration, runImmediately bool) error {
	if taskID == "" {
		return ErrEmptyTaskID
	}
	if fn == nil {
		return ErrNilTask
	}

	h.mu.RLock()
	running := h.running
	base := h.runCtx
	h.mu.RUnlock()
	if !running {
		return ErrNotRunning
	}

	ctx, cancel := context.WithCancel(base)
	t := &task{
		id:     taskID,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	h.tasksMu.Lock()
	prior := h.tasks[taskID]
	h.tasks[taskID] = t
	h.tasksMu.Unlock()

	if prior != nil {
		prior.cancel()
		<-prior.done
		h.logger.Debug("scheduled task replaced", "task_id", taskID)
	}

	go h.runTask(ctx, t, fn, interval, runImmediately)

	h.logger.Debug("task scheduled",
		"task_id", taskID,
		"interval", interval,
		"run_immediately", runImmediately,
	)
	return nil
}

// runTask drives one task instance until completion or cancellation.
func (h *Hub) runTask(ctx context.Context, t *task, fn TaskFunc, interval time.Duration, runImmediately bool) {
	defer close(t.done)
	defer h.forgetTask(t)

	if interval <= 0 {
		// One-shot: a cancelled context still counts as an observed outcome.
		if ctx.Err() == nil {
			h.runOnce(ctx, t.id, fn)
		}
		return
	}

	if runImmediately {
		h.runOnce(ctx, t.id, fn)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.runOnce(ctx, t.id, fn)
		}
	}
}

// runOnce executes a single task run under supervision.
func (h *Hub) runOnce(ctx context.Context, taskID string, fn TaskFunc) {
	defer func() {
		if r := recover(); r != nil {
			metrics.TaskFailures.WithLabelValues(taskID).Inc()
			h.logger.Error("scheduled task panicked",
				"task_id", taskID,
				"panic", r,
				"stack", string(debug.Stack()),
			)
		}
	}()

	if err := fn(ctx); err != nil {
		metrics.TaskFailures.WithLabelValues(taskID).Inc()
		h.logger.Error("scheduled task failed",
			"task_id", taskID,
			"error", err,
		)
	}
}

// forgetTask removes a finished task instance from the registry, unless it
// has already been replaced by a newer instance under the same ID.
func (h *Hub) forgetTask(t *task) {
	h.tasksMu.Lock()
	if h.tasks[t.id] == t {
		delete(h.tasks, t.id)
	}
	h.tasksMu.Unlock()
}

// CancelTask cancels a scheduled task and waits for it to finish.
// Returns true if a task with the given ID was registered.
func (h *Hub) CancelTask(taskID string) bool {
	h.tasksMu.Lock()
	t, ok := h.tasks[taskID]
	h.tasksMu.Unlock()
	if !ok {
		return false
	}
	t.cancel()
	<-t.done
	return true
}

// TaskCount returns the number of currently registered tasks.
func (h *Hub) TaskCount() int {
	h.tasksMu.Lock()
	defer h.tasksMu.Unlock()
	return len(h.tasks)
}

// awaitTasks cancels nothing itself; it waits for every registered task to
// observe the already-cancelled run context and finish. Called from Shutdown
// after runCancel so no background work outlives the hub instance.
func (h *Hub) awaitTasks() {
	for {
		h.tasksMu.Lock()
		var pending []*task
		for _, t := range h.tasks {
			pending = append(pending, t)
		}
		h.tasksMu.Unlock()

		if len(pending) == 0 {
			return
		}
		for _, t := range pending {
			<-t.done
		}
	}
}
