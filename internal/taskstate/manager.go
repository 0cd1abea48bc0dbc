// Manager is a process-wide singleton map of task id to Machine, built
// around an active-task map plus a periodic sweep, the same shape as a
// typical task-lifecycle manager's active-task map and cleanup ticker,
// generalized here to own per-task client state machines and to use a
// cron schedule (github.com/robfig/cron/v3) instead of a plain ticker.
package taskstate

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/wecode-ai/wegent-taskcore/internal/config"
)

// Manager owns every Machine in the process and routes socket events and
// reconnect sweeps to them.
type Manager struct {
	mu       sync.RWMutex
	machines map[int64]*Machine

	joiner   Joiner
	debounce time.Duration
	logger   *zap.Logger

	cron       *cron.Cron
	maxIdle    time.Duration
	lastActive map[int64]time.Time

	onTaskStateChange func(taskID int64, status Status)

	metrics   *Metrics
	liveCache LiveCache
}

// SetMetrics attaches a Metrics instance; from then on active_machines is
// reported whenever GetOrCreate creates a machine and on every Cleanup call,
// and machines created afterwards record through it.
func (mgr *Manager) SetMetrics(metrics *Metrics) {
	mgr.mu.Lock()
	mgr.metrics = metrics
	mgr.mu.Unlock()
}

// SetLiveCache attaches the Redis-backed live stream cache; every Machine
// created from then on has it wired in.
func (mgr *Manager) SetLiveCache(cache LiveCache) {
	mgr.mu.Lock()
	mgr.liveCache = cache
	mgr.mu.Unlock()
}

// NewManager constructs a Manager and starts its idle-sweep cron schedule.
func NewManager(joiner Joiner, cfg config.IdleSweepConfig, debounce time.Duration, logger *zap.Logger) (*Manager, error) {
	mgr := &Manager{
		machines:   make(map[int64]*Machine),
		joiner:     joiner,
		debounce:   debounce,
		logger:     logger,
		maxIdle:    cfg.MaxIdle,
		lastActive: make(map[int64]time.Time),
	}

	c := cron.New()
	if _, err := c.AddFunc(cfg.CronSpec, mgr.sweepIdle); err != nil {
		return nil, err
	}
	mgr.cron = c
	c.Start()

	return mgr, nil
}

// OnTaskStateChange registers a callback fired whenever any machine's
// status changes, re-emitted as a global (taskId, state) event for
// cross-cutting consumers.
func (mgr *Manager) OnTaskStateChange(cb func(taskID int64, status Status)) {
	mgr.mu.Lock()
	mgr.onTaskStateChange = cb
	mgr.mu.Unlock()
}

// Machine returns the existing Machine for taskID without creating one,
// used by collaborators like the correction engine that must mutate an
// already-active task's message timeline.
func (mgr *Manager) Machine(taskID int64) (*Machine, bool) {
	mgr.mu.RLock()
	defer mgr.mu.RUnlock()
	m, ok := mgr.machines[taskID]
	return m, ok
}

// GetOrCreate lazily constructs the Machine for taskID.
func (mgr *Manager) GetOrCreate(taskID int64) *Machine {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()

	if m, ok := mgr.machines[taskID]; ok {
		mgr.lastActive[taskID] = time.Now()
		return m
	}

	m := New(taskID, mgr.joiner, mgr.debounce, mgr.logger)
	m.SetMetrics(mgr.metrics)
	m.SetLiveCache(mgr.liveCache)
	m.OnStateChange(func(status Status) {
		mgr.mu.Lock()
		mgr.lastActive[taskID] = time.Now()
		cb := mgr.onTaskStateChange
		mgr.mu.Unlock()
		if cb != nil {
			cb(taskID, status)
		}
	})
	mgr.machines[taskID] = m
	mgr.lastActive[taskID] = time.Now()
	mgr.metrics.SetActiveMachines(len(mgr.machines))
	return m
}

// RecoverAll iterates every machine and calls Recover concurrently; used
// from the socket gateway's reconnect handler.
func (mgr *Manager) RecoverAll(ctx context.Context, force bool) {
	mgr.mu.RLock()
	machines := make([]*Machine, 0, len(mgr.machines))
	for _, m := range mgr.machines {
		machines = append(machines, m)
	}
	mgr.mu.RUnlock()

	var wg sync.WaitGroup
	for _, m := range machines {
		wg.Add(1)
		go func(m *Machine) {
			defer wg.Done()
			m.Recover(ctx, RecoverOptions{Force: force})
		}(m)
	}
	wg.Wait()
}

// Cleanup leaves the room and drops the machine for taskID.
func (mgr *Manager) Cleanup(taskID int64) {
	mgr.mu.Lock()
	m, ok := mgr.machines[taskID]
	if ok {
		delete(mgr.machines, taskID)
		delete(mgr.lastActive, taskID)
	}
	mgr.metrics.SetActiveMachines(len(mgr.machines))
	mgr.mu.Unlock()

	if ok {
		m.Leave()
	}
}

// CleanupAll drops every machine.
func (mgr *Manager) CleanupAll() {
	mgr.mu.Lock()
	machines := mgr.machines
	mgr.machines = make(map[int64]*Machine)
	mgr.lastActive = make(map[int64]time.Time)
	mgr.mu.Unlock()

	for _, m := range machines {
		m.Leave()
	}
}

// FindTaskBySubtaskID linear-scans machines for one owning subtaskID,
// used to route orphaned events.
func (mgr *Manager) FindTaskBySubtaskID(subtaskID int64) (int64, bool) {
	mgr.mu.RLock()
	defer mgr.mu.RUnlock()

	for taskID, m := range mgr.machines {
		snap := m.Snapshot()
		if snap.StreamingSubtaskID != nil && *snap.StreamingSubtaskID == subtaskID {
			return taskID, true
		}
		for _, msg := range snap.Messages {
			if msg.SubtaskID != nil && *msg.SubtaskID == subtaskID {
				return taskID, true
			}
		}
	}
	return 0, false
}

// sweepIdle drops machines that have been idle (status idle, no activity)
// longer than maxIdle. A browser tab needs no auto-eviction since it dies
// with the tab; a long-lived server process needs one to avoid an
// unbounded map, so this sweep only removes machines already at rest,
// never ones mid-flight.
func (mgr *Manager) sweepIdle() {
	if mgr.maxIdle <= 0 {
		return
	}

	now := time.Now()
	mgr.mu.Lock()
	var stale []int64
	for taskID, last := range mgr.lastActive {
		m, ok := mgr.machines[taskID]
		if !ok {
			continue
		}
		if m.Snapshot().Status == StatusIdle && now.Sub(last) > mgr.maxIdle {
			stale = append(stale, taskID)
		}
	}
	mgr.mu.Unlock()

	for _, taskID := range stale {
		mgr.logger.Debug("evicting idle task machine", zap.Int64("task_id", taskID))
		mgr.Cleanup(taskID)
	}
}

// Stop halts the idle-sweep cron schedule.
func (mgr *Manager) Stop() {
	if mgr.cron != nil {
		ctx := mgr.cron.Stop()
		<-ctx.Done()
	}
}
