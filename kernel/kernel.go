// Package kernel is the public façade tying every subsystem together:
// the allocator, task manager, scheduler, message queues/semaphores,
// software timer service, and the HAL. Grounded on
// eventloop.New/eventloop.Loop's constructor-returns-handle-plus-error
// shape and Run/Close lifecycle (generalized here to New/Start/
// Shutdown), Kernel is also where the cross-subsystem sequencing that
// internal/task, internal/sched and internal/mq can't perform
// themselves without a circular import lives: task_delay, the blocking
// queue/semaphore protocol, and tick handling (update delays, advance
// the scheduler, wake whoever needs waking).
//
// Real hardware preemption has no Go equivalent (see internal/hal's
// doc comment): a task here is a goroutine, and Go cannot forcibly
// suspend one from the outside. Every task function is therefore
// expected to call CheckIn periodically — at minimum, anywhere it
// would naturally yield in the original C (loop iterations, after
// finishing a chunk of work) — which parks it the moment it is no
// longer the scheduler's chosen task and returns immediately otherwise.
package kernel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/joeycumines/nanokernel/internal/alloc"
	"github.com/joeycumines/nanokernel/internal/config"
	"github.com/joeycumines/nanokernel/internal/hal"
	"github.com/joeycumines/nanokernel/internal/kerr"
	"github.com/joeycumines/nanokernel/internal/klog"
	"github.com/joeycumines/nanokernel/internal/mq"
	"github.com/joeycumines/nanokernel/internal/sched"
	"github.com/joeycumines/nanokernel/internal/swtimer"
	"github.com/joeycumines/nanokernel/internal/task"
)

// Option configures a Kernel at construction time; an alias of
// config.Option so callers only need to import this package.
type Option = config.Option

// TaskFunc is a task's entry point. ctx is cancelled on Shutdown; self
// must be used to call k.CheckIn periodically and is required by the
// blocking kernel operations (Delay, QueueSend, QueueReceive,
// SemaphoreTake).
type TaskFunc func(ctx context.Context, k *Kernel, self *hal.TaskHandle)

// Kernel is the running instance: one allocator, one task table, one
// scheduler, one queue/semaphore table, one timer service, bound to
// one HAL.
type Kernel struct {
	cfg    config.Config
	heap   *alloc.Heap
	tasks  *task.Manager
	sched  *sched.Scheduler
	queues *mq.Manager
	timers *swtimer.Service
	hal    *hal.Cooperative
	log    klog.Logger

	idleID int

	currentMu sync.Mutex
	currentID int
}

// New constructs a Kernel and its idle task, but does not start
// scheduling — call Start for that.
func New(opts ...Option) (*Kernel, error) {
	cfg := config.Resolve(opts)

	heap, err := alloc.New(cfg.HeapSize)
	if err != nil {
		return nil, err
	}
	tasks := task.New(cfg, heap)
	schd := sched.New(cfg)
	queues := mq.New(cfg)
	timers := swtimer.New(cfg)

	logger := cfg.Logger
	if logger == nil {
		logger = klog.Get()
	}

	k := &Kernel{
		cfg:       cfg,
		heap:      heap,
		tasks:     tasks,
		sched:     schd,
		queues:    queues,
		timers:    timers,
		log:       logger,
		currentID: -1,
	}

	idle, err := tasks.Create("idle", config.PriorityIdle, cfg.DefaultStackSize, true)
	if err != nil {
		return nil, kerr.Wrap(kerr.StateViolation, "failed to create idle task", err)
	}
	if err := schd.Init(idle.ID); err != nil {
		return nil, err
	}
	k.idleID = idle.ID
	k.currentID = idle.ID
	k.logEvent(klog.LevelInfo, "kernel", -1, "kernel initialized", nil, map[string]any{
		"max_tasks": cfg.MaxTasks, "heap_size": cfg.HeapSize,
	})
	return k, nil
}

// logEvent emits a structured entry through the kernel's logger,
// skipping the field-map allocation entirely when the level isn't
// enabled, matching Writer/ZerologBackend's own Enabled-gated shape.
func (k *Kernel) logEvent(level klog.Level, category string, taskID int, msg string, err error, fields map[string]any) {
	if !k.log.Enabled(level) {
		return
	}
	k.log.Log(klog.Entry{
		Level:    level,
		Category: category,
		TaskID:   taskID,
		Message:  msg,
		Err:      err,
		Fields:   fields,
	})
}

// Start boots the HAL, arms the tick source, starts the scheduler, and
// spawns the idle task's goroutine. ctx bounds the lifetime of every
// task and tick goroutine spawned from here on; cancel it (or call
// Shutdown) to stop the kernel.
func (k *Kernel) Start(ctx context.Context) error {
	k.hal = hal.NewCooperative(ctx)

	if err := k.timers.Start(); err != nil {
		return err
	}
	if err := k.hal.ConfigureTick(k.cfg.TickRate, k.onTick); err != nil {
		return err
	}
	if err := k.hal.StartTick(); err != nil {
		return err
	}
	if _, err := k.sched.Start(); err != nil {
		return err
	}
	if err := k.tasks.SetState(k.idleID, task.Running); err != nil {
		return err
	}
	if err := k.hal.SpawnTask(k.idleID, k.idleLoop); err != nil {
		return err
	}
	k.hal.Resume(k.idleID)
	k.logEvent(klog.LevelInfo, "kernel", -1, "kernel started", nil, nil)
	return nil
}

// Shutdown stops the tick source and every spawned task goroutine,
// waiting (bounded by ctx) for them to exit.
func (k *Kernel) Shutdown(ctx context.Context) error {
	if k.hal == nil {
		return nil
	}
	k.logEvent(klog.LevelInfo, "kernel", -1, "kernel shutting down", nil, nil)
	return k.hal.Shutdown(ctx)
}

func (k *Kernel) idleLoop(ctx context.Context, self *hal.TaskHandle) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if err := k.CheckIn(ctx, self); err != nil {
			return
		}
		k.hal.WaitForInterrupt()
	}
}

// CheckIn is the cooperative yield point described in the package doc:
// it returns immediately if self is still the scheduler's chosen task,
// otherwise it parks until Resumed.
func (k *Kernel) CheckIn(ctx context.Context, self *hal.TaskHandle) error {
	if k.sched.GetNextTask() == self.ID() {
		return nil
	}
	return self.Park(ctx)
}

// onTick is installed as the HAL's tick handler; it drives the
// software timer service, which in turn calls onSchedulerTick once its
// own bookkeeping is done, matching the original's
// timer_interrupt_handler calling scheduler_tick at the end.
func (k *Kernel) onTick() {
	k.timers.InterruptHandler(k.onSchedulerTick)
}

func (k *Kernel) onSchedulerTick() {
	woken := k.tasks.UpdateDelays()
	for _, id := range woken {
		if tcb, err := k.tasks.GetTCB(id); err == nil {
			_ = k.sched.AddReadyTask(id, tcb.Priority)
		}
	}
	if switched, cur := k.sched.Tick(); switched {
		k.applySwitch(cur)
	}
	if len(woken) > 0 {
		k.reconsider()
	}
}

// applySwitch makes next the Running task, demoting whatever was
// Running before (if anything), and resumes next's goroutine.
func (k *Kernel) applySwitch(next int) {
	k.currentMu.Lock()
	prev := k.currentID
	if prev == next {
		k.currentMu.Unlock()
		return
	}
	k.currentID = next
	k.currentMu.Unlock()

	if st, err := k.tasks.GetState(prev); err == nil && st == task.Running {
		_ = k.tasks.SetState(prev, task.Ready)
	}
	_ = k.tasks.SetState(next, task.Running)
	k.hal.Resume(next)
	k.logEvent(klog.LevelDebug, "sched", next, "context switch", nil, map[string]any{"from": prev})
}

// reconsider re-evaluates GetNextTask and switches immediately if it
// differs from the currently Running task — the priority-preemption
// path, used whenever a ready-queue change could make a higher
// priority task eligible to run before the next tick's round-robin
// check would notice.
func (k *Kernel) reconsider() {
	k.applySwitch(k.sched.GetNextTask())
}

// wake transitions a Blocked task back to Ready and re-registers it
// with the scheduler, then re-evaluates who should be running. A task
// that is already Ready (or Running) is already on its ready queue and
// is left as it is.
func (k *Kernel) wake(id int) {
	tcb, err := k.tasks.GetTCB(id)
	if err != nil {
		return
	}
	if tcb.State == task.Blocked {
		_ = k.tasks.SetState(id, task.Ready)
		_ = k.sched.AddReadyTask(id, tcb.Priority)
	}
	k.reconsider()
}

// CreateTask allocates a TCB and stack, spawns fn in its own
// goroutine, and registers it with the scheduler.
func (k *Kernel) CreateTask(name string, priority, stackSize int, fn TaskFunc) (int, error) {
	tcb, err := k.tasks.Create(name, priority, stackSize, false)
	if err != nil {
		k.logEvent(klog.LevelError, "task", -1, "task create failed", err, map[string]any{"name": name})
		return 0, err
	}
	if err := k.sched.AddReadyTask(tcb.ID, tcb.Priority); err != nil {
		_ = k.tasks.Delete(tcb.ID)
		return 0, err
	}
	if err := k.hal.SpawnTask(tcb.ID, func(ctx context.Context, self *hal.TaskHandle) {
		fn(ctx, k, self)
	}); err != nil {
		_ = k.sched.RemoveReadyTask(tcb.ID)
		_ = k.tasks.Delete(tcb.ID)
		return 0, err
	}
	k.logEvent(klog.LevelInfo, "task", tcb.ID, "task created", nil, map[string]any{"name": name, "priority": priority})
	k.reconsider()
	return tcb.ID, nil
}

// DeleteTask removes id from scheduling and frees its TCB/stack. The
// task's own goroutine, if still running user code, is expected to
// exit via ctx cancellation or CheckIn noticing it is no longer
// scheduled; Go has no way to forcibly terminate a goroutine from the
// outside.
func (k *Kernel) DeleteTask(id int) error {
	_ = k.sched.RemoveReadyTask(id)
	if err := k.tasks.Delete(id); err != nil {
		return err
	}
	k.logEvent(klog.LevelInfo, "task", id, "task deleted", nil, nil)
	k.reconsider()
	return nil
}

// SuspendTask removes id from scheduling without freeing its TCB.
func (k *Kernel) SuspendTask(id int) error {
	if err := k.tasks.Suspend(id); err != nil {
		return err
	}
	_ = k.sched.RemoveReadyTask(id)
	k.logEvent(klog.LevelDebug, "task", id, "task suspended", nil, nil)
	k.reconsider()
	return nil
}

// ResumeTask re-admits a Suspended task to scheduling.
func (k *Kernel) ResumeTask(id int) error {
	if err := k.tasks.Resume(id); err != nil {
		return err
	}
	tcb, err := k.tasks.GetTCB(id)
	if err != nil {
		return err
	}
	if err := k.sched.AddReadyTask(id, tcb.Priority); err != nil {
		return err
	}
	k.logEvent(klog.LevelDebug, "task", id, "task resumed", nil, nil)
	k.reconsider()
	return nil
}

// Delay blocks self for at least ms milliseconds, removing it from
// scheduling until the tick handler's UpdateDelays call re-admits it.
func (k *Kernel) Delay(ctx context.Context, self *hal.TaskHandle, ms uint32) error {
	id := self.ID()
	ticks := k.timers.MsToTicks(ms)
	if ticks == 0 {
		ticks = 1
	}
	if err := k.tasks.Delay(id, ticks); err != nil {
		return err
	}
	_ = k.sched.RemoveReadyTask(id)
	k.reconsider()
	for {
		if err := self.Park(ctx); err != nil {
			return err
		}
		if st, err := k.tasks.GetState(id); err != nil || st != task.Blocked {
			return nil
		}
	}
}

// retryBlocking implements the suspend/retry protocol shared by
// QueueSend, QueueReceive and SemaphoreTake: try the non-blocking
// operation; if it would block and timeout permits waiting, register
// as a waiter, park, and retry once woken, until success, a real
// failure, or timeout.
func (k *Kernel) retryBlocking(
	ctx context.Context,
	self *hal.TaskHandle,
	category string,
	timeout time.Duration,
	attempt func() (woken int, err error),
	wouldBlock func(error) bool,
	addWaiter func(taskID int) error,
	removeWaiter func(taskID int) error,
) error {
	id := self.ID()
	deadline := time.Now().Add(timeout)
	for {
		woken, err := attempt()
		if err == nil {
			if woken != mq.NoWaiter {
				k.wake(woken)
			}
			return nil
		}
		if !wouldBlock(err) {
			return err
		}
		if timeout <= 0 {
			return err
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			k.logEvent(klog.LevelWarn, category, id, "blocking operation timed out", nil, nil)
			return kerr.ErrTimeout
		}
		if err := addWaiter(id); err != nil {
			return err
		}
		if err := k.tasks.SetState(id, task.Blocked); err != nil {
			_ = removeWaiter(id)
			return err
		}
		_ = k.sched.RemoveReadyTask(id)
		k.logEvent(klog.LevelDebug, category, id, "task blocked", nil, map[string]any{"timeout": remaining})
		k.reconsider()

		pctx, cancel := context.WithTimeout(ctx, remaining)
		perr := self.Park(pctx)
		cancel()
		_ = removeWaiter(id)
		k.wake(id)

		if perr != nil {
			k.logEvent(klog.LevelWarn, category, id, "blocking operation timed out", nil, nil)
			return kerr.ErrTimeout
		}
	}
}

// QueueSend sends value to queue id, blocking up to timeout if the
// queue is currently full. A zero timeout matches the original's
// immediate QUEUE_FULL behavior.
func (k *Kernel) QueueSend(ctx context.Context, self *hal.TaskHandle, id int, value uint32, timeout time.Duration) error {
	return k.retryBlocking(ctx, self, "queue-send", timeout,
		func() (int, error) { return k.queues.TrySend(id, value) },
		func(err error) bool { return errors.Is(err, kerr.ErrFull) },
		func(taskID int) error { return k.queues.AddSendWaiter(id, taskID) },
		func(taskID int) error { return k.queues.RemoveSendWaiter(id, taskID) },
	)
}

// QueueReceive receives a value from queue id, blocking up to timeout
// if the queue is currently empty.
func (k *Kernel) QueueReceive(ctx context.Context, self *hal.TaskHandle, id int, timeout time.Duration) (uint32, error) {
	var value uint32
	err := k.retryBlocking(ctx, self, "queue-receive", timeout,
		func() (int, error) {
			v, woken, err := k.queues.TryReceive(id)
			if err == nil {
				value = v
			}
			return woken, err
		},
		func(err error) bool { return errors.Is(err, kerr.ErrEmpty) },
		func(taskID int) error { return k.queues.AddReceiveWaiter(id, taskID) },
		func(taskID int) error { return k.queues.RemoveReceiveWaiter(id, taskID) },
	)
	return value, err
}

// QueuePeek reads the oldest queued value without removing it.
func (k *Kernel) QueuePeek(id int) (uint32, error) { return k.queues.Peek(id) }

// CreateQueue reserves a queue with the given item capacity.
func (k *Kernel) CreateQueue(size int) (int, error) { return k.queues.CreateQueue(size) }

// DeleteQueue frees a queue, waking everyone blocked on it (their
// retried operation will then fail with a state-violation error).
func (k *Kernel) DeleteQueue(id int) error {
	senders, receivers, err := k.queues.DeleteQueue(id)
	if err != nil {
		return err
	}
	for _, t := range senders {
		k.wake(t)
	}
	for _, t := range receivers {
		k.wake(t)
	}
	return nil
}

// QueueCount, QueueSpace, QueueIsFull and QueueIsEmpty report a
// queue's current occupancy.
func (k *Kernel) QueueCount(id int) (int, error)  { return k.queues.Count(id) }
func (k *Kernel) QueueSpace(id int) (int, error)  { return k.queues.Space(id) }
func (k *Kernel) QueueIsFull(id int) (bool, error) { return k.queues.IsFull(id) }
func (k *Kernel) QueueIsEmpty(id int) (bool, error) { return k.queues.IsEmpty(id) }

// CreateSemaphore reserves a counting semaphore.
func (k *Kernel) CreateSemaphore(initial, max int) (int, error) {
	return k.queues.CreateSemaphore(initial, max)
}

// DeleteSemaphore frees a semaphore, waking everyone blocked on it.
func (k *Kernel) DeleteSemaphore(id int) error {
	waiters, err := k.queues.DeleteSemaphore(id)
	if err != nil {
		return err
	}
	for _, t := range waiters {
		k.wake(t)
	}
	return nil
}

// SemaphoreTake takes id, blocking up to timeout if its count is
// currently zero.
func (k *Kernel) SemaphoreTake(ctx context.Context, self *hal.TaskHandle, id int, timeout time.Duration) error {
	return k.retryBlocking(ctx, self, "semaphore", timeout,
		func() (int, error) { return mq.NoWaiter, k.queues.TryTake(id) },
		func(err error) bool { return errors.Is(err, kerr.ErrEmpty) },
		func(taskID int) error { return k.queues.AddWaiter(id, taskID) },
		func(taskID int) error { return k.queues.RemoveWaiter(id, taskID) },
	)
}

// SemaphoreGive releases id, waking a waiter directly if one exists.
func (k *Kernel) SemaphoreGive(id int) error {
	woken, err := k.queues.Give(id)
	if err != nil {
		return err
	}
	if woken != mq.NoWaiter {
		k.wake(woken)
	}
	return nil
}

// SemaphoreCount returns id's current count.
func (k *Kernel) SemaphoreCount(id int) (int, error) { return k.queues.GetCount(id) }

// CreateTimer, DeleteTimer, StartTimer, StopTimer, ResetTimer,
// ChangeTimerPeriod, TimerState and TimerRemaining expose the software
// timer pool directly: timer expiry does not need scheduler sequencing
// beyond what swtimer.Service.InterruptHandler already does internally.
func (k *Kernel) CreateTimer(mode swtimer.Mode, periodMs uint32, cb swtimer.Callback) (int, error) {
	return k.timers.Create(mode, periodMs, cb)
}
func (k *Kernel) DeleteTimer(id int) error                { return k.timers.Delete(id) }
func (k *Kernel) StartTimer(id int) error                 { return k.timers.StartTimer(id) }
func (k *Kernel) StopTimer(id int) error                  { return k.timers.StopTimer(id) }
func (k *Kernel) ResetTimer(id int) error                 { return k.timers.ResetTimer(id) }
func (k *Kernel) ChangeTimerPeriod(id int, ms uint32) error { return k.timers.ChangePeriod(id, ms) }
func (k *Kernel) TimerState(id int) (swtimer.State, error) { return k.timers.GetState(id) }
func (k *Kernel) TimerRemaining(id int) (uint32, error)    { return k.timers.GetRemainingTime(id) }

// GetTicks, MsToTicks and TicksToMs expose the tick counter and its
// conversion helpers directly, since internal/swtimer isn't reachable
// from outside the module.
func (k *Kernel) GetTicks() uint64             { return k.timers.GetTicks() }
func (k *Kernel) MsToTicks(ms uint32) uint32   { return k.timers.MsToTicks(ms) }
func (k *Kernel) TicksToMs(ticks uint64) uint64 { return k.timers.TicksToMs(ticks) }

// DelayMs busy-waits until at least ms milliseconds of ticks have
// elapsed. Unlike Delay, this does not suspend the caller from the
// scheduler's perspective — it matches the original's timer_delay_ms,
// a raw busy-wait primitive a task can call without giving up its
// turn, as distinct from the cooperative, scheduler-aware Delay.
func (k *Kernel) DelayMs(ms uint32) { k.timers.DelayMs(ms) }

// DelayUs busy-waits for approximately us microseconds, matching the
// original's timer_delay_us.
func (k *Kernel) DelayUs(us uint32) { k.timers.DelayUs(us) }

// Uptime returns elapsed time since Start, derived from the tick
// counter rather than the wall clock, matching the original's
// tick-counted uptime.
func (k *Kernel) Uptime() time.Duration {
	return time.Duration(k.timers.GetUptimeMs()) * time.Millisecond
}

// SchedulerStats returns the scheduler's context-switch/idle-tick
// counters.
func (k *Kernel) SchedulerStats() sched.Stats { return k.sched.Stats() }

// HeapStats returns the allocator's current statistics.
func (k *Kernel) HeapStats() alloc.Stats { return k.heap.GetStats() }

// TaskCount returns the number of currently live tasks, idle task
// included.
func (k *Kernel) TaskCount() int { return k.tasks.Count() }

// TaskState returns id's current lifecycle state.
func (k *Kernel) TaskState(id int) (task.State, error) { return k.tasks.GetState(id) }

// CurrentTask returns the id the kernel currently considers Running.
func (k *Kernel) CurrentTask() int {
	k.currentMu.Lock()
	defer k.currentMu.Unlock()
	return k.currentID
}

func (k *Kernel) String() string {
	return fmt.Sprintf("kernel{tasks=%d/%d heap=%d/%d}", k.tasks.Count(), k.tasks.Capacity(), k.heap.GetUsedSize(), k.cfg.HeapSize)
}
