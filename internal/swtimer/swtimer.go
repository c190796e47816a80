// Package swtimer implements the software timer service and system
// tick source (spec §4.5), grounded on
// original_source/src/timer_manager.c: a fixed pool of one-shot/
// periodic timers driven by a periodic tick interrupt, tick<->ms
// conversion helpers, and busy-wait delay primitives.
//
// The original's timer_interrupt_handler runs in actual ISR context:
// it increments the tick counter, decrements every running timer's
// remaining count, fires any that just expired, and finally calls the
// scheduler's tick function — all without blocking. InterruptHandler
// preserves that shape and discipline (expired-timer callbacks run
// outside the internal lock, exactly as the original fires them
// outside its critical section) but takes the scheduler hook as a
// parameter rather than calling internal/sched directly, for the same
// reason internal/task and internal/sched don't import each other.
package swtimer

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/nanokernel/internal/config"
	"github.com/joeycumines/nanokernel/internal/kerr"
)

// Mode distinguishes one-shot timers from periodic ones.
type Mode int

const (
	OneShot Mode = iota
	Periodic
)

// State is a software timer's lifecycle position.
type State int

const (
	Stopped State = iota
	Running
	Expired
)

// String returns a short machine-stable name for the state.
func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Running:
		return "running"
	case Expired:
		return "expired"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Callback is invoked when a timer fires. It runs in the tick
// handler's goroutine (the ISR-context equivalent) and must not block.
type Callback func(id int)

type timerSlot struct {
	active      bool
	mode        Mode
	state       State
	periodTicks uint32
	remaining   uint32
	callback    Callback
}

// Service owns the tick counter and the fixed-size software timer
// pool that rides on it.
type Service struct {
	mu      sync.Mutex
	cfg     config.Config
	ticks   atomic.Uint64
	running atomic.Bool
	timers  []timerSlot
}

// New creates a Service sized for cfg.MaxSoftwareTimers timer slots,
// ticking at cfg.TickRate Hz.
func New(cfg config.Config) *Service {
	return &Service{cfg: cfg, timers: make([]timerSlot, cfg.MaxSoftwareTimers)}
}

// Start marks the tick source as active.
func (s *Service) Start() error {
	if !s.running.CompareAndSwap(false, true) {
		return kerr.New(kerr.StateViolation, "timer service already running")
	}
	return nil
}

// Stop marks the tick source as inactive; InterruptHandler becomes a
// no-op until Start is called again.
func (s *Service) Stop() error {
	if !s.running.CompareAndSwap(true, false) {
		return kerr.New(kerr.StateViolation, "timer service is not running")
	}
	return nil
}

// IsRunning reports whether the tick source is active.
func (s *Service) IsRunning() bool { return s.running.Load() }

// GetTicks returns the number of ticks elapsed since Start.
func (s *Service) GetTicks() uint64 { return s.ticks.Load() }

// MsToTicks converts a millisecond duration to ticks at this service's
// configured tick rate, matching the original's timer_ms_to_ticks.
func (s *Service) MsToTicks(ms uint32) uint32 {
	return uint32((uint64(ms) * uint64(s.cfg.TickRate)) / 1000)
}

// TicksToMs converts a tick count to milliseconds, matching the
// original's timer_ticks_to_ms.
func (s *Service) TicksToMs(ticks uint64) uint64 {
	return (ticks * 1000) / uint64(s.cfg.TickRate)
}

// GetUptimeMs returns elapsed milliseconds since Start.
func (s *Service) GetUptimeMs() uint64 { return s.TicksToMs(s.GetTicks()) }

func (s *Service) checkID(id int) error {
	if id < 0 || id >= len(s.timers) {
		return kerr.New(kerr.InvalidParameter, fmt.Sprintf("timer id %d out of range", id))
	}
	return nil
}

// Create reserves a free timer slot, configured for periodMs and mode,
// firing cb on expiry. The timer starts Stopped; call StartTimer to
// arm it.
func (s *Service) Create(mode Mode, periodMs uint32, cb Callback) (int, error) {
	if periodMs == 0 {
		return 0, kerr.New(kerr.InvalidParameter, "period must be positive")
	}
	if cb == nil {
		return 0, kerr.New(kerr.InvalidParameter, "callback must not be nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.timers {
		if !s.timers[i].active {
			s.timers[i] = timerSlot{
				active:      true,
				mode:        mode,
				state:       Stopped,
				periodTicks: s.msToTicksLocked(periodMs),
				callback:    cb,
			}
			return i, nil
		}
	}
	return 0, kerr.New(kerr.ResourceExhausted, "no free software timer slot")
}

func (s *Service) msToTicksLocked(ms uint32) uint32 {
	return uint32((uint64(ms) * uint64(s.cfg.TickRate)) / 1000)
}

// Delete frees id's slot.
func (s *Service) Delete(id int) error {
	if err := s.checkID(id); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.timers[id].active {
		return kerr.New(kerr.StateViolation, fmt.Sprintf("timer %d does not exist", id))
	}
	s.timers[id] = timerSlot{}
	return nil
}

// StartTimer arms id, loading its full period into the countdown.
func (s *Service) StartTimer(id int) error {
	if err := s.checkID(id); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &s.timers[id]
	if !t.active {
		return kerr.New(kerr.StateViolation, fmt.Sprintf("timer %d does not exist", id))
	}
	t.state = Running
	t.remaining = t.periodTicks
	return nil
}

// StopTimer disarms id without resetting its configured period.
func (s *Service) StopTimer(id int) error {
	if err := s.checkID(id); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &s.timers[id]
	if !t.active {
		return kerr.New(kerr.StateViolation, fmt.Sprintf("timer %d does not exist", id))
	}
	t.state = Stopped
	return nil
}

// ResetTimer reloads id's countdown to its full period without
// changing its armed/disarmed state.
func (s *Service) ResetTimer(id int) error {
	if err := s.checkID(id); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &s.timers[id]
	if !t.active {
		return kerr.New(kerr.StateViolation, fmt.Sprintf("timer %d does not exist", id))
	}
	t.remaining = t.periodTicks
	return nil
}

// ChangePeriod updates id's configured period; if id is currently
// Running, its remaining countdown is updated to match, mirroring the
// original's change_period behavior.
func (s *Service) ChangePeriod(id int, periodMs uint32) error {
	if err := s.checkID(id); err != nil {
		return err
	}
	if periodMs == 0 {
		return kerr.New(kerr.InvalidParameter, "period must be positive")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &s.timers[id]
	if !t.active {
		return kerr.New(kerr.StateViolation, fmt.Sprintf("timer %d does not exist", id))
	}
	t.periodTicks = s.msToTicksLocked(periodMs)
	if t.state == Running {
		t.remaining = t.periodTicks
	}
	return nil
}

// GetState returns id's current state.
func (s *Service) GetState(id int) (State, error) {
	if err := s.checkID(id); err != nil {
		return Stopped, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.timers[id].active {
		return Stopped, kerr.New(kerr.StateViolation, fmt.Sprintf("timer %d does not exist", id))
	}
	return s.timers[id].state, nil
}

// GetRemainingTime returns id's remaining countdown, in milliseconds.
func (s *Service) GetRemainingTime(id int) (uint32, error) {
	if err := s.checkID(id); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &s.timers[id]
	if !t.active {
		return 0, kerr.New(kerr.StateViolation, fmt.Sprintf("timer %d does not exist", id))
	}
	return uint32(s.TicksToMs(uint64(t.remaining))), nil
}

// InterruptHandler advances the tick counter by one, processes every
// running software timer (decrementing its countdown, firing and
// reloading/expiring any that reach zero), and finally invokes
// onSchedulerTick — the scheduler's preemption check — if provided.
// It is a no-op if the service isn't running, matching the original's
// guard against a spurious tick before timer_init.
func (s *Service) InterruptHandler(onSchedulerTick func()) {
	if !s.running.Load() {
		return
	}
	s.ticks.Add(1)

	s.mu.Lock()
	var fired []int
	for i := range s.timers {
		t := &s.timers[i]
		if !t.active || t.state != Running {
			continue
		}
		if t.remaining > 0 {
			t.remaining--
		}
		if t.remaining == 0 {
			fired = append(fired, i)
			if t.mode == Periodic {
				t.remaining = t.periodTicks
			} else {
				t.state = Expired
			}
		}
	}
	callbacks := make([]Callback, 0, len(fired))
	for _, id := range fired {
		callbacks = append(callbacks, s.timers[id].callback)
	}
	s.mu.Unlock()

	for i, cb := range callbacks {
		if cb != nil {
			cb(fired[i])
		}
	}

	if onSchedulerTick != nil {
		onSchedulerTick()
	}
}

// DelayMs busy-waits until at least ms milliseconds of ticks have
// elapsed, matching the original's timer_delay_ms spin loop. Ticks
// only advance via InterruptHandler, so this must be called from a
// goroutine distinct from whatever drives the tick source; it yields
// the processor between polls instead of spinning hot, since Go has no
// equivalent of the original's single-core "this IS the whole CPU"
// assumption.
func (s *Service) DelayMs(ms uint32) {
	target := s.GetTicks() + uint64(s.MsToTicks(ms))
	for s.GetTicks() < target {
		runtime.Gosched()
	}
}

// DelayUs busy-waits for approximately us microseconds using the wall
// clock. The original scales a spin count by SYSTEM_CLOCK_HZ to
// approximate sub-tick delays from CPU cycles; Go has no portable
// cycle counter (the same class of gap §0 resolves for the HAL), so
// this measures real elapsed time instead, which is the closest
// faithful equivalent available without platform-specific code.
func (s *Service) DelayUs(us uint32) {
	deadline := time.Now().Add(time.Duration(us) * time.Microsecond)
	for time.Now().Before(deadline) {
		runtime.Gosched()
	}
}
