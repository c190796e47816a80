// Package task implements the fixed-size task control block table
// (spec §4.2), grounded on original_source/src/task_manager.c: a
// bounded array of slots reused by id once a task is deleted, explicit
// READY/RUNNING/BLOCKED/SUSPENDED/DELETED states, and stack memory
// obtained from the kernel's allocator rather than a fixed C array.
//
// Manager deliberately never touches the scheduler's ready queues —
// see internal/sched's package doc for why that split exists. Create
// returns a fully initialized, but not yet scheduled, TCB; the kernel
// package registers it with the scheduler as a second step.
package task

import (
	"fmt"
	"sync"

	"github.com/joeycumines/nanokernel/internal/config"
	"github.com/joeycumines/nanokernel/internal/kerr"
)

// State is a task's position in its lifecycle.
type State int

const (
	Deleted State = iota
	Ready
	Running
	Blocked
	Suspended
)

// String returns a short machine-stable name for the state.
func (s State) String() string {
	switch s {
	case Deleted:
		return "deleted"
	case Ready:
		return "ready"
	case Running:
		return "running"
	case Blocked:
		return "blocked"
	case Suspended:
		return "suspended"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Allocator is the subset of alloc.Heap a task manager needs: a place
// to obtain and release stack memory, kept as an interface so tests
// can substitute a trivial fake without pulling in the full allocator.
type Allocator interface {
	Alloc(size int) ([]byte, error)
	Free(ptr []byte) error
}

// TCB is a task control block. Fields are only ever mutated through
// Manager's methods; callers get copies from GetTCB.
type TCB struct {
	ID         int
	Name       string
	Priority   int
	State      State
	Stack      []byte
	DelayTicks uint32
}

// Manager owns a fixed-size table of task control blocks and the
// allocator their stacks are drawn from.
type Manager struct {
	mu    sync.Mutex
	cfg   config.Config
	alloc Allocator
	tcbs  []TCB
	count int
}

// New creates a Manager with cfg.MaxTasks slots, all initially deleted
// (free).
func New(cfg config.Config, allocator Allocator) *Manager {
	m := &Manager{cfg: cfg, alloc: allocator, tcbs: make([]TCB, cfg.MaxTasks)}
	for i := range m.tcbs {
		m.tcbs[i].ID = i
		m.tcbs[i].State = Deleted
	}
	return m
}

func (m *Manager) checkID(id int) error {
	if id < 0 || id >= len(m.tcbs) {
		return kerr.New(kerr.InvalidParameter, fmt.Sprintf("task id %d out of range", id))
	}
	return nil
}

// Create allocates a free slot and stack for a new task and returns
// its TCB. The idle task (priority 0) is created internally by the
// kernel during initialization; Create rejects priority 0 for every
// other caller, reserving it exclusively for the idle task per the
// scheduler's fallback invariant.
func (m *Manager) Create(name string, priority int, stackSize int, allowIdlePriority bool) (TCB, error) {
	if name == "" {
		return TCB{}, kerr.New(kerr.InvalidParameter, "task name must not be empty")
	}
	if len(name) > m.cfg.MaxTaskNameLength {
		return TCB{}, kerr.New(kerr.InvalidParameter, fmt.Sprintf("task name %q exceeds %d characters", name, m.cfg.MaxTaskNameLength))
	}
	if priority < 0 || priority >= config.PriorityLevels {
		return TCB{}, kerr.New(kerr.InvalidParameter, fmt.Sprintf("priority %d out of range", priority))
	}
	if priority == config.PriorityIdle && !allowIdlePriority {
		return TCB{}, kerr.New(kerr.InvalidParameter, "priority 0 is reserved for the idle task")
	}
	if stackSize < m.cfg.MinStackSize {
		return TCB{}, kerr.New(kerr.InvalidParameter, fmt.Sprintf("stack size %d below minimum %d", stackSize, m.cfg.MinStackSize))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.count >= len(m.tcbs) {
		return TCB{}, kerr.New(kerr.ResourceExhausted, "task table full")
	}
	id := m.findFreeSlotLocked()
	if id < 0 {
		return TCB{}, kerr.New(kerr.ResourceExhausted, "no free task slot")
	}

	stack, err := m.alloc.Alloc(stackSize)
	if err != nil {
		return TCB{}, kerr.Wrap(kerr.ResourceExhausted, "stack allocation failed", err)
	}

	m.tcbs[id] = TCB{
		ID:       id,
		Name:     name,
		Priority: priority,
		State:    Ready,
		Stack:    stack,
	}
	m.count++
	return m.tcbs[id], nil
}

func (m *Manager) findFreeSlotLocked() int {
	for i := range m.tcbs {
		if m.tcbs[i].State == Deleted {
			return i
		}
	}
	return -1
}

// Delete releases id's stack and marks its slot free for reuse.
func (m *Manager) Delete(id int) error {
	if err := m.checkID(id); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t := &m.tcbs[id]
	if t.State == Deleted {
		return kerr.New(kerr.StateViolation, fmt.Sprintf("task %d is already deleted", id))
	}
	if t.Stack != nil {
		if err := m.alloc.Free(t.Stack); err != nil {
			return err
		}
	}
	*t = TCB{ID: id, State: Deleted}
	m.count--
	return nil
}

// Suspend moves a Ready/Running/Blocked task to Suspended.
func (m *Manager) Suspend(id int) error {
	if err := m.checkID(id); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t := &m.tcbs[id]
	if t.State == Deleted || t.State == Suspended {
		return kerr.New(kerr.StateViolation, fmt.Sprintf("task %d cannot be suspended from state %s", id, t.State))
	}
	t.State = Suspended
	return nil
}

// Resume moves a Suspended task back to Ready.
func (m *Manager) Resume(id int) error {
	if err := m.checkID(id); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t := &m.tcbs[id]
	if t.State != Suspended {
		return kerr.New(kerr.StateViolation, fmt.Sprintf("task %d is not suspended", id))
	}
	t.State = Ready
	return nil
}

// Delay records that id should remain Blocked for ticks system ticks.
// The actual suspension/yield is sequenced by the kernel, which also
// owns removing id from the scheduler's ready queue.
func (m *Manager) Delay(id int, ticks uint32) error {
	if err := m.checkID(id); err != nil {
		return err
	}
	if ticks == 0 {
		return kerr.New(kerr.InvalidParameter, "delay ticks must be positive")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t := &m.tcbs[id]
	if t.State == Deleted {
		return kerr.New(kerr.StateViolation, fmt.Sprintf("task %d is deleted", id))
	}
	t.State = Blocked
	t.DelayTicks = ticks
	return nil
}

// GetTCB returns a copy of id's current TCB, or an error if id is out
// of range or its slot is free (Deleted).
func (m *Manager) GetTCB(id int) (TCB, error) {
	if err := m.checkID(id); err != nil {
		return TCB{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.tcbs[id]
	if t.State == Deleted {
		return TCB{}, kerr.New(kerr.StateViolation, fmt.Sprintf("task %d does not exist", id))
	}
	return t, nil
}

// SetState transitions id to newState directly; used by the kernel
// after a scheduling decision (e.g. marking the newly chosen task
// Running, and the preempted one Ready).
func (m *Manager) SetState(id int, newState State) error {
	if err := m.checkID(id); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t := &m.tcbs[id]
	if t.State == Deleted && newState != Deleted {
		return kerr.New(kerr.StateViolation, fmt.Sprintf("task %d does not exist", id))
	}
	t.State = newState
	return nil
}

// GetState returns id's current state.
func (m *Manager) GetState(id int) (State, error) {
	if err := m.checkID(id); err != nil {
		return Deleted, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tcbs[id].State, nil
}

// UpdateDelays decrements DelayTicks for every Blocked task, moving
// any that reach zero back to Ready. It reports the ids that became
// Ready so the kernel can re-register them with the scheduler.
func (m *Manager) UpdateDelays() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	var woken []int
	for i := range m.tcbs {
		t := &m.tcbs[i]
		if t.State != Blocked || t.DelayTicks == 0 {
			continue
		}
		t.DelayTicks--
		if t.DelayTicks == 0 {
			t.State = Ready
			woken = append(woken, t.ID)
		}
	}
	return woken
}

// Count returns the number of currently live (non-Deleted) tasks.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.count
}

// Capacity returns the fixed size of the task table.
func (m *Manager) Capacity() int {
	return len(m.tcbs)
}
