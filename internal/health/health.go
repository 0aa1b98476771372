// Package health implements the §5 readiness probe: a registry of
// supervised background tasks (in annexd: the retention sweep and the
// presence pruner) whose unexpected exit must be logged at critical
// severity and surfaced to readers instead of silently stopping.
package health

import (
	"context"
	"log/slog"
	"sync"
)

// taskState is one supervised task's last-known status.
type taskState struct {
	healthy bool
	reason  string
}

// Monitor is a registry of named background tasks, the same shape as
// the teacher scheduler's job registry (a mutex-guarded map updated by
// Register/Unregister), but tracking liveness instead of cron jobs.
type Monitor struct {
	mu    sync.RWMutex
	tasks map[string]taskState
}

// New constructs an empty Monitor.
func New() *Monitor {
	return &Monitor{tasks: make(map[string]taskState)}
}

// Supervise runs task in the current goroutine under the given name,
// marking it healthy on entry. If task returns before ctx is done, that
// is an unexpected exit: it is logged at critical (Error, since log/slog
// has no Critical level) severity and the task is marked unhealthy with
// the returned error as the reason. A clean return caused by ctx
// cancellation is not treated as a failure. Callers run Supervise in
// its own goroutine.
func (m *Monitor) Supervise(ctx context.Context, name string, task func(ctx context.Context) error) {
	m.setHealthy(name)
	err := task(ctx)
	if ctx.Err() != nil {
		return
	}
	reason := "exited unexpectedly"
	if err != nil {
		reason = err.Error()
	}
	slog.Error("supervised task exited unexpectedly", "task", name, "error", reason)
	m.setUnhealthy(name, reason)
}

func (m *Monitor) setHealthy(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[name] = taskState{healthy: true}
}

func (m *Monitor) setUnhealthy(name, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[name] = taskState{healthy: false, reason: reason}
}

// Ready reports whether every registered task is currently healthy,
// plus the names of any that are not (each suffixed with its recorded
// reason), for the readiness probe to surface.
func (m *Monitor) Ready() (bool, []string) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var unhealthy []string
	for name, st := range m.tasks {
		if !st.healthy {
			unhealthy = append(unhealthy, name+": "+st.reason)
		}
	}
	return len(unhealthy) == 0, unhealthy
}
