// Package hal defines the hardware abstraction boundary (spec §6) and
// provides its one concrete implementation for this port.
//
// The original's HAL is arm_cortex_m.c: disable/restore interrupts
// around a critical section, WFI to sleep the core until the next
// interrupt, a PendSV trigger to request a context switch, and SysTick
// configuration for the periodic tick. None of that has a portable Go
// equivalent — there is no CPU register file or exception frame to
// manipulate — so HAL is kept as an interface with exactly one
// implementation: Cooperative, which models "exactly one task executes
// at a time" using a goroutine per task parked on its own resume
// channel, handing off execution explicitly instead of relying on
// preemptive OS threading. See SPEC_FULL.md §0 for the full rationale.
package hal

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/joeycumines/nanokernel/internal/kerr"
)

// HAL is the platform boundary every kernel subsystem that needs raw
// hardware control depends on, grounded on arm_cortex_m.c's public
// function set.
type HAL interface {
	// DisableInterrupts enters a critical section, returning an opaque
	// token capturing whether interrupts were already disabled, to be
	// passed back to RestoreInterrupts.
	DisableInterrupts() uint32
	// RestoreInterrupts leaves a critical section, restoring the state
	// captured by the matching DisableInterrupts.
	RestoreInterrupts(prev uint32)
	// WaitForInterrupt parks the calling (idle) task until there is
	// something for the scheduler to do.
	WaitForInterrupt()
	// TriggerContextSwitch requests that the scheduler's choice of
	// current task take effect as soon as possible. In Cooperative,
	// every switch is already explicit (Park/Resume), so this exists
	// for interface fidelity with the original rather than to do work.
	TriggerContextSwitch()
	// ConfigureTick installs the periodic tick handler, invoked at
	// rateHz until StopTick.
	ConfigureTick(rateHz int, handler func()) error
	// StartTick begins calling the configured tick handler.
	StartTick() error
	// StopTick halts the tick handler.
	StopTick() error
}

// TaskHandle is a task's cooperative execution token: Park blocks the
// calling goroutine until the kernel calls Resume for this task's id.
type TaskHandle struct {
	id     int
	resume chan struct{}
	done   chan struct{}
}

// ID returns the task id this handle was spawned for.
func (h *TaskHandle) ID() int { return h.id }

// Park blocks until Resume(id) is called, or ctx is cancelled.
func (h *TaskHandle) Park(ctx context.Context) error {
	select {
	case <-h.resume:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cooperative is the one concrete HAL: each task is a goroutine
// supervised by an errgroup.Group (so a panicking task surfaces as a
// Shutdown error instead of silently vanishing, the same discipline
// microbatch.Batcher applies to its worker goroutines), parked on its
// own channel between kernel-granted turns.
type Cooperative struct {
	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	group   *errgroup.Group
	tasks   map[int]*TaskHandle
	started bool

	irqDisabled atomic.Bool

	tickMu      sync.Mutex
	tickHandler func()
	tickRate    int
	tickStop    chan struct{}
	tickDone    chan struct{}
	tickRunning bool
}

// NewCooperative constructs a Cooperative bound to ctx; cancelling ctx
// (or calling Shutdown) stops every spawned task and the tick source.
func NewCooperative(ctx context.Context) *Cooperative {
	gctx, cancel := context.WithCancel(ctx)
	group, gctx := errgroup.WithContext(gctx)
	return &Cooperative{
		ctx:    gctx,
		cancel: cancel,
		group:  group,
		tasks:  make(map[int]*TaskHandle),
	}
}

// DisableInterrupts sets the global interrupt-disabled flag, returning
// the prior value (0 = were enabled, 1 = were already disabled).
func (c *Cooperative) DisableInterrupts() uint32 {
	if c.irqDisabled.Swap(true) {
		return 1
	}
	return 0
}

// RestoreInterrupts restores the flag captured by DisableInterrupts.
func (c *Cooperative) RestoreInterrupts(prev uint32) {
	c.irqDisabled.Store(prev != 0)
}

// WaitForInterrupt parks the idle task briefly rather than spinning
// hot, standing in for the original's WFI low-power sleep.
func (c *Cooperative) WaitForInterrupt() {
	time.Sleep(time.Millisecond)
}

// TriggerContextSwitch is a documented no-op: Cooperative's switches
// are already explicit via Park/Resume.
func (c *Cooperative) TriggerContextSwitch() {}

// SpawnTask starts fn in its own supervised goroutine and registers
// its TaskHandle under id. fn must call handle.Park to yield control
// back to the kernel's scheduling decisions; it should return when
// ctx is cancelled.
func (c *Cooperative) SpawnTask(id int, fn func(ctx context.Context, self *TaskHandle)) error {
	c.mu.Lock()
	if _, exists := c.tasks[id]; exists {
		c.mu.Unlock()
		return kerr.New(kerr.StateViolation, fmt.Sprintf("task %d already spawned", id))
	}
	handle := &TaskHandle{id: id, resume: make(chan struct{}, 1), done: make(chan struct{})}
	c.tasks[id] = handle
	c.mu.Unlock()

	c.group.Go(func() (err error) {
		defer close(handle.done)
		defer func() {
			if r := recover(); r != nil {
				err = kerr.New(kerr.Integrity, fmt.Sprintf("task %d panicked: %v", id, r))
			}
		}()
		fn(c.ctx, handle)
		return nil
	})
	return nil
}

// Resume wakes the task registered under id if it is currently parked.
// If it is not parked, the wake-up is buffered (one slot) and the
// task's next Park returns immediately; if a wake-up is already
// buffered, or id doesn't exist, Resume is a no-op.
func (c *Cooperative) Resume(id int) {
	c.mu.Lock()
	h, ok := c.tasks[id]
	c.mu.Unlock()
	if !ok {
		return
	}
	select {
	case h.resume <- struct{}{}:
	default:
	}
}

// ConfigureTick installs handler to be called at rateHz once StartTick
// runs.
func (c *Cooperative) ConfigureTick(rateHz int, handler func()) error {
	if rateHz <= 0 {
		return kerr.New(kerr.InvalidParameter, "tick rate must be positive")
	}
	if handler == nil {
		return kerr.New(kerr.InvalidParameter, "tick handler must not be nil")
	}
	c.tickMu.Lock()
	defer c.tickMu.Unlock()
	c.tickHandler = handler
	c.tickRate = rateHz
	return nil
}

// StartTick begins a goroutine invoking the configured handler
// periodically, supervised by the same errgroup as task goroutines.
func (c *Cooperative) StartTick() error {
	c.tickMu.Lock()
	defer c.tickMu.Unlock()
	if c.tickHandler == nil {
		return kerr.New(kerr.StateViolation, "tick not configured")
	}
	if c.tickRunning {
		return kerr.New(kerr.StateViolation, "tick already running")
	}
	c.tickRunning = true
	c.tickStop = make(chan struct{})
	c.tickDone = make(chan struct{})
	interval := time.Second / time.Duration(c.tickRate)
	handler := c.tickHandler
	stop := c.tickStop
	done := c.tickDone

	c.group.Go(func() error {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				handler()
			case <-stop:
				return nil
			case <-c.ctx.Done():
				return nil
			}
		}
	})
	return nil
}

// StopTick halts the tick goroutine started by StartTick.
func (c *Cooperative) StopTick() error {
	c.tickMu.Lock()
	if !c.tickRunning {
		c.tickMu.Unlock()
		return kerr.New(kerr.StateViolation, "tick is not running")
	}
	close(c.tickStop)
	done := c.tickDone
	c.tickRunning = false
	c.tickMu.Unlock()
	<-done
	return nil
}

// Shutdown cancels every spawned task and the tick source, then waits
// (bounded by ctx) for all supervised goroutines to return, surfacing
// the first panic-derived error if any occurred — the same
// cancel-then-drain discipline as microbatch.Batcher.Shutdown.
func (c *Cooperative) Shutdown(ctx context.Context) error {
	c.cancel()
	done := make(chan error, 1)
	go func() { done <- c.group.Wait() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
