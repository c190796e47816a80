// Package config holds the kernel's compile-time constants (spec §6) as
// runtime defaults, overridable through functional options so tests can
// shrink the heap, task table, etc. without recompiling.
package config

import (
	"time"

	"github.com/joeycumines/nanokernel/internal/klog"
)

// Priority levels (spec §6): P=5 priority levels.
const (
	PriorityIdle     = 0
	PriorityLow      = 1
	PriorityMedium   = 2
	PriorityHigh     = 3
	PriorityCritical = 4

	// PriorityLevels is the number of distinct priority levels (P).
	PriorityLevels = PriorityCritical + 1
)

// Config mirrors spec §6's "Configuration constants" table. All fields
// default to the spec's reference values; use the WithXxx options on
// kernel.New to override.
type Config struct {
	// MaxTasks is the fixed task table size (MAX_TASKS).
	MaxTasks int
	// MaxTaskNameLength bounds a task's human-readable name (MAX_TASK_NAME_LENGTH).
	MaxTaskNameLength int
	// MinStackSize is the minimum permitted stack allocation, in bytes (MIN_STACK_SIZE).
	MinStackSize int
	// DefaultStackSize is the stack size used when a task doesn't specify one.
	DefaultStackSize int
	// TimeSlice is the round-robin quantum (TIME_SLICE_MS).
	TimeSlice time.Duration

	// MaxQueues is the fixed message-queue table size (MAX_QUEUES).
	MaxQueues int
	// MaxQueueSize is the largest permitted queue capacity, in items (MAX_QUEUE_SIZE).
	MaxQueueSize int

	// MaxSemaphores is the fixed semaphore table size (MAX_SEMAPHORES).
	MaxSemaphores int
	// SemaphoreMaxCount bounds any single semaphore's max count (SEMAPHORE_MAX_COUNT).
	SemaphoreMaxCount int

	// MaxSoftwareTimers is the fixed software-timer pool size (MAX_SOFTWARE_TIMERS).
	MaxSoftwareTimers int

	// HeapSize is the static allocator region size, in bytes (HEAP_SIZE).
	HeapSize int

	// TickRate is the system tick frequency (TICK_RATE_HZ).
	TickRate int

	// Logger overrides the kernel instance's logger. Nil (the default)
	// means the kernel falls back to klog.Get(), the package-wide logger.
	Logger klog.Logger
}

// Default returns a Config populated with spec §6's reference values.
func Default() Config {
	return Config{
		MaxTasks:          8,
		MaxTaskNameLength: 16,
		MinStackSize:      128,
		DefaultStackSize:  256,
		TimeSlice:         10 * time.Millisecond,

		MaxQueues:    4,
		MaxQueueSize: 16,

		MaxSemaphores:     4,
		SemaphoreMaxCount: 255,

		MaxSoftwareTimers: 8,

		HeapSize: 4096,

		TickRate: 1000,
	}
}

// TickDuration returns the duration of a single system tick.
func (c Config) TickDuration() time.Duration {
	return time.Second / time.Duration(c.TickRate)
}

// Option configures a Config. Grounded on eventloop's LoopOption/
// loopOptionImpl functional-option pattern: a closure wrapped behind a
// named interface so zero-value/nil options are safely ignorable.
type Option interface {
	apply(*Config)
}

type optionFunc func(*Config)

func (f optionFunc) apply(c *Config) { f(c) }

// WithMaxTasks overrides MaxTasks.
func WithMaxTasks(n int) Option { return optionFunc(func(c *Config) { c.MaxTasks = n }) }

// WithHeapSize overrides HeapSize.
func WithHeapSize(n int) Option { return optionFunc(func(c *Config) { c.HeapSize = n }) }

// WithMaxQueues overrides MaxQueues.
func WithMaxQueues(n int) Option { return optionFunc(func(c *Config) { c.MaxQueues = n }) }

// WithMaxQueueSize overrides MaxQueueSize.
func WithMaxQueueSize(n int) Option { return optionFunc(func(c *Config) { c.MaxQueueSize = n }) }

// WithMaxSemaphores overrides MaxSemaphores.
func WithMaxSemaphores(n int) Option { return optionFunc(func(c *Config) { c.MaxSemaphores = n }) }

// WithMaxSoftwareTimers overrides MaxSoftwareTimers.
func WithMaxSoftwareTimers(n int) Option {
	return optionFunc(func(c *Config) { c.MaxSoftwareTimers = n })
}

// WithTimeSlice overrides TimeSlice.
func WithTimeSlice(d time.Duration) Option {
	return optionFunc(func(c *Config) { c.TimeSlice = d })
}

// WithTickRate overrides TickRate.
func WithTickRate(hz int) Option { return optionFunc(func(c *Config) { c.TickRate = hz }) }

// WithLogger installs a per-instance logger, overriding the package-wide
// klog.Get() default a Kernel would otherwise fall back to.
func WithLogger(l klog.Logger) Option { return optionFunc(func(c *Config) { c.Logger = l }) }

// Resolve applies opts over Default, skipping nil options.
func Resolve(opts []Option) Config {
	cfg := Default()
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt.apply(&cfg)
	}
	return cfg
}
