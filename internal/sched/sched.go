// Package sched implements the priority-based, round-robin preemptive
// scheduler (spec §4.3), grounded on original_source/src/scheduler.c:
// one ready queue per priority level, time-slice accounting per
// running task, and explicit lock/unlock to suspend preemption for a
// critical section.
//
// sched deliberately knows nothing about task.TCB: in the original C
// sources scheduler.c and task_manager.c call into each other directly
// (a genuine circular dependency resolved by both living in one
// compilation unit). Go packages can't do that, so sched tracks ready
// tasks purely by integer id and priority — every node needed for
// ilist membership is pre-allocated here, keyed by id — and the
// kernel package (which holds both a *task.Manager and a *Scheduler)
// sequences any operation that needs both task state and scheduling
// decisions (task_delay, queue blocking, the tick handler).
package sched

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/joeycumines/nanokernel/internal/config"
	"github.com/joeycumines/nanokernel/internal/ilist"
	"github.com/joeycumines/nanokernel/internal/kerr"
)

// Stats mirrors the counters the original tracks alongside the
// scheduler's core loop (context_switches, idle_ticks), supplementing
// the distilled spec per SPEC_FULL.md.
type Stats struct {
	ContextSwitches uint64
	IdleTicks       uint64
}

// Scheduler holds one ready queue per priority level and the
// round-robin time-slice state of whichever task is currently running.
type Scheduler struct {
	mu      sync.Mutex
	queues  [config.PriorityLevels]ilist.List
	nodes   []ilist.Node
	prio    []int // prio[id] = priority the task was last added at, or -1
	slice   []int // slice[id] = time-slice ticks remaining while running

	timeSliceTicks int
	idleID         int
	currentID      int

	running atomic.Bool
	locked  atomic.Bool

	stats Stats
}

// New creates a Scheduler sized for cfg.MaxTasks task ids.
func New(cfg config.Config) *Scheduler {
	sliceTicks := int(cfg.TimeSlice / cfg.TickDuration())
	if sliceTicks < 1 {
		sliceTicks = 1
	}
	s := &Scheduler{
		nodes:          make([]ilist.Node, cfg.MaxTasks),
		prio:           make([]int, cfg.MaxTasks),
		slice:          make([]int, cfg.MaxTasks),
		timeSliceTicks: sliceTicks,
		idleID:         -1,
		currentID:      -1,
	}
	for i := range s.nodes {
		s.nodes[i].Index = i
		s.prio[i] = -1
	}
	return s
}

// Init designates idleTaskID as the fallback task run when no other
// priority has a ready task, and links it onto the idle priority queue.
func (s *Scheduler) Init(idleTaskID int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkID(idleTaskID); err != nil {
		return err
	}
	s.idleID = idleTaskID
	s.currentID = idleTaskID
	s.queues[config.PriorityIdle].PushBack(&s.nodes[idleTaskID])
	s.prio[idleTaskID] = config.PriorityIdle
	return nil
}

func (s *Scheduler) checkID(id int) error {
	if id < 0 || id >= len(s.nodes) {
		return kerr.New(kerr.InvalidParameter, fmt.Sprintf("task id %d out of range", id))
	}
	return nil
}

func checkPriority(p int) error {
	if p < 0 || p >= config.PriorityLevels {
		return kerr.New(kerr.InvalidParameter, fmt.Sprintf("priority %d out of range", p))
	}
	return nil
}

// IsRunning reports whether Start has been called.
func (s *Scheduler) IsRunning() bool { return s.running.Load() }

// IsLocked reports whether the scheduler is inside a locked section.
func (s *Scheduler) IsLocked() bool { return s.locked.Load() }

// CurrentID returns the id of the task currently considered running.
func (s *Scheduler) CurrentID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentID
}

// Start marks the scheduler as running and returns the id of the task
// that should run first (the highest-priority ready task, or idle).
func (s *Scheduler) Start() (int, error) {
	if !s.running.CompareAndSwap(false, true) {
		return 0, kerr.New(kerr.StateViolation, "scheduler already running")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.highestPriorityLocked()
	s.currentID = id
	s.slice[id] = s.timeSliceTicks
	return id, nil
}

// AddReadyTask links id onto priority's ready queue.
func (s *Scheduler) AddReadyTask(id, priority int) error {
	if err := s.checkID(id); err != nil {
		return err
	}
	if err := checkPriority(priority); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queues[priority].PushBack(&s.nodes[id])
	s.prio[id] = priority
	return nil
}

// RemoveReadyTask unlinks id from the ready queue it was last added to.
// A no-op if id isn't currently linked (e.g. already blocked).
func (s *Scheduler) RemoveReadyTask(id int) error {
	if err := s.checkID(id); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.nodes[id].Linked() {
		return nil
	}
	p := s.prio[id]
	s.queues[p].Remove(&s.nodes[id])
	return nil
}

// highestPriorityLocked returns the ready id with the highest
// priority, falling back to idleID. Must be called with mu held.
func (s *Scheduler) highestPriorityLocked() int {
	for p := config.PriorityLevels - 1; p >= 0; p-- {
		if s.queues[p].Len() > 0 {
			return s.queues[p].Front().Index
		}
	}
	return s.idleID
}

// GetNextTask returns the id that should be running right now: the
// current task if the scheduler is locked, else the highest-priority
// ready task, else idle.
func (s *Scheduler) GetNextTask() int {
	if s.locked.Load() {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.currentID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.highestPriorityLocked()
}

// SwitchContext makes nextID the current task, resetting its time
// slice and counting a context switch whenever the current task
// actually changes.
func (s *Scheduler) SwitchContext(nextID int) error {
	if err := s.checkID(nextID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if nextID != s.currentID {
		s.stats.ContextSwitches++
	}
	s.currentID = nextID
	s.slice[nextID] = s.timeSliceTicks
	return nil
}

// Yield resets the current task's time slice, rotates its priority's
// ready queue, and switches to whatever is now next.
func (s *Scheduler) Yield() (int, error) {
	s.mu.Lock()
	cur := s.currentID
	s.mu.Unlock()
	return s.rotateAndSwitch(cur)
}

// Tick accounts for one system tick's worth of the current task's time
// slice, preempting into the next ready task (round-robin within its
// priority) once the slice is exhausted. It returns whether a switch
// occurred and the (possibly unchanged) current id.
func (s *Scheduler) Tick() (switched bool, current int) {
	s.mu.Lock()
	cur := s.currentID
	if cur == s.idleID {
		s.stats.IdleTicks++
	}
	s.slice[cur]--
	expired := s.slice[cur] <= 0
	locked := s.locked.Load()
	s.mu.Unlock()

	if !expired || locked {
		return false, cur
	}
	next, err := s.rotateAndSwitch(cur)
	if err != nil {
		return false, cur
	}
	return next != cur, next
}

// rotateAndSwitch advances cur's ready queue by one position (the
// round-robin step) and switches to whatever is now the
// highest-priority ready task.
func (s *Scheduler) rotateAndSwitch(cur int) (int, error) {
	s.mu.Lock()
	if cur >= 0 && cur < len(s.prio) && s.prio[cur] >= 0 && s.nodes[cur].Linked() {
		s.queues[s.prio[cur]].Advance()
	}
	next := s.highestPriorityLocked()
	s.mu.Unlock()
	if err := s.SwitchContext(next); err != nil {
		return 0, err
	}
	return next, nil
}

// Lock suspends preemption: GetNextTask/Tick will keep returning the
// current task until Unlock. Nested locking is not supported — a
// second Lock call while already locked is always a caller bug (it
// would desynchronize the matching Unlock's accounting), so it panics
// rather than silently nesting.
func (s *Scheduler) Lock() {
	if !s.locked.CompareAndSwap(false, true) {
		panic("sched: Lock called while already locked")
	}
}

// Unlock ends a locked section and immediately catches up to whatever
// task should now be running.
func (s *Scheduler) Unlock() error {
	if !s.locked.CompareAndSwap(true, false) {
		panic("sched: Unlock called while not locked")
	}
	s.mu.Lock()
	next := s.highestPriorityLocked()
	s.mu.Unlock()
	return s.SwitchContext(next)
}

// Stats returns a snapshot of the scheduler's counters.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// IdleID returns the id designated as the idle task.
func (s *Scheduler) IdleID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.idleID
}
