// Package mq implements bounded message queues and counting semaphores
// (spec §4.4), grounded on original_source/src/queue_manager.c: a
// fixed-size ring buffer of uint32 items per queue (QUEUE_ITEM_SIZE is
// sizeof(uint32) in the original), FIFO waiter lists holding task ids
// only (never pointers — a deleted task must never leave a dangling
// reference on some other queue's waiter list), and the full/empty
// immediate-timeout behavior.
//
// Per the resolution recorded for this port (the original's queue_send/
// queue_receive/semaphore_take return QUEUE_TIMEOUT synchronously the
// instant a task would need to block — a simulator shortcut, not
// real RTOS behavior), mq itself only ever answers "would this succeed
// right now" (TrySend/TryReceive/TryTake) plus waiter-list bookkeeping.
// The actual suspend-yield-retry loop needs task state and scheduler
// decisions neither of which mq depends on, so it is sequenced by the
// kernel package, exactly as with internal/task and internal/sched.
package mq

import (
	"fmt"
	"sync"

	"github.com/joeycumines/nanokernel/internal/config"
	"github.com/joeycumines/nanokernel/internal/kerr"
)

const noWaiter = -1

// waiterList is a small FIFO of task ids with shift-based removal,
// matching the original's queue_add_waiting_task /
// queue_remove_waiting_task. It is a growable slice rather than a fixed
// array: add rejects a duplicate id but imposes no capacity limit.
type waiterList struct {
	ids []int
}

func (w *waiterList) add(taskID int) error {
	for _, id := range w.ids {
		if id == taskID {
			return kerr.New(kerr.StateViolation, fmt.Sprintf("task %d already waiting", taskID))
		}
	}
	w.ids = append(w.ids, taskID)
	return nil
}

func (w *waiterList) remove(taskID int) {
	for i, id := range w.ids {
		if id == taskID {
			w.ids = append(w.ids[:i], w.ids[i+1:]...)
			return
		}
	}
}

func (w *waiterList) popFront() int {
	if len(w.ids) == 0 {
		return noWaiter
	}
	id := w.ids[0]
	w.ids = w.ids[1:]
	return id
}

func (w *waiterList) drain() []int {
	out := w.ids
	w.ids = nil
	return out
}

// Queue is a fixed-capacity ring buffer of uint32 items.
type Queue struct {
	buffer                       []uint32
	head, tail, count            int
	sendWaiters, receiveWaiters  waiterList
	active                       bool
}

// Semaphore is a counting semaphore with a FIFO waiter list.
type Semaphore struct {
	count, maxCount int
	waiters         waiterList
	active          bool
}

// Manager owns the fixed-size queue and semaphore tables.
type Manager struct {
	mu    sync.Mutex
	cfg   config.Config
	queues []Queue
	sems   []Semaphore
}

// New creates a Manager with cfg.MaxQueues queue slots and
// cfg.MaxSemaphores semaphore slots, all initially inactive (free).
func New(cfg config.Config) *Manager {
	return &Manager{
		cfg:    cfg,
		queues: make([]Queue, cfg.MaxQueues),
		sems:   make([]Semaphore, cfg.MaxSemaphores),
	}
}

func (m *Manager) checkQueueID(id int) error {
	if id < 0 || id >= len(m.queues) {
		return kerr.New(kerr.InvalidParameter, fmt.Sprintf("queue id %d out of range", id))
	}
	return nil
}

func (m *Manager) checkSemID(id int) error {
	if id < 0 || id >= len(m.sems) {
		return kerr.New(kerr.InvalidParameter, fmt.Sprintf("semaphore id %d out of range", id))
	}
	return nil
}

// CreateQueue reserves a free queue slot with the given item capacity.
func (m *Manager) CreateQueue(size int) (int, error) {
	if size <= 0 || size > m.cfg.MaxQueueSize {
		return 0, kerr.New(kerr.InvalidParameter, fmt.Sprintf("queue size %d out of range (max %d)", size, m.cfg.MaxQueueSize))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.queues {
		if !m.queues[i].active {
			m.queues[i] = Queue{buffer: make([]uint32, size), active: true}
			return i, nil
		}
	}
	return 0, kerr.New(kerr.ResourceExhausted, "no free queue slot")
}

// DeleteQueue frees id's slot and returns every task id that was
// waiting to send or receive on it, so the kernel can ready them
// (their operation now fails, since the queue no longer exists).
func (m *Manager) DeleteQueue(id int) (senders, receivers []int, err error) {
	if err := m.checkQueueID(id); err != nil {
		return nil, nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	q := &m.queues[id]
	if !q.active {
		return nil, nil, kerr.New(kerr.StateViolation, fmt.Sprintf("queue %d does not exist", id))
	}
	senders = q.sendWaiters.drain()
	receivers = q.receiveWaiters.drain()
	*q = Queue{}
	return senders, receivers, nil
}

// TrySend enqueues value if there is space, returning the id of a
// receiver that was woken as a result (noWaiter if none was waiting),
// or kerr.Full if the queue has no space right now.
func (m *Manager) TrySend(id int, value uint32) (woken int, err error) {
	if err := m.checkQueueID(id); err != nil {
		return noWaiter, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	q := &m.queues[id]
	if !q.active {
		return noWaiter, kerr.New(kerr.StateViolation, fmt.Sprintf("queue %d does not exist", id))
	}
	if q.count == len(q.buffer) {
		return noWaiter, kerr.ErrFull
	}
	q.buffer[q.tail] = value
	q.tail = (q.tail + 1) % len(q.buffer)
	q.count++
	return q.receiveWaiters.popFront(), nil
}

// TryReceive dequeues the oldest item if one is available, returning
// the id of a sender that was woken as a result, or kerr.Empty if the
// queue has nothing right now.
func (m *Manager) TryReceive(id int) (value uint32, woken int, err error) {
	if err := m.checkQueueID(id); err != nil {
		return 0, noWaiter, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	q := &m.queues[id]
	if !q.active {
		return 0, noWaiter, kerr.New(kerr.StateViolation, fmt.Sprintf("queue %d does not exist", id))
	}
	if q.count == 0 {
		return 0, noWaiter, kerr.ErrEmpty
	}
	value = q.buffer[q.head]
	q.head = (q.head + 1) % len(q.buffer)
	q.count--
	return value, q.sendWaiters.popFront(), nil
}

// Peek returns the oldest item without removing it.
func (m *Manager) Peek(id int) (uint32, error) {
	if err := m.checkQueueID(id); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	q := &m.queues[id]
	if !q.active {
		return 0, kerr.New(kerr.StateViolation, fmt.Sprintf("queue %d does not exist", id))
	}
	if q.count == 0 {
		return 0, kerr.ErrEmpty
	}
	return q.buffer[q.head], nil
}

// AddSendWaiter registers taskID as waiting for space on queue id.
func (m *Manager) AddSendWaiter(id, taskID int) error {
	if err := m.checkQueueID(id); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queues[id].sendWaiters.add(taskID)
}

// RemoveSendWaiter unregisters taskID from queue id's send waiter list
// (e.g. on timeout).
func (m *Manager) RemoveSendWaiter(id, taskID int) error {
	if err := m.checkQueueID(id); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queues[id].sendWaiters.remove(taskID)
	return nil
}

// AddReceiveWaiter registers taskID as waiting for data on queue id.
func (m *Manager) AddReceiveWaiter(id, taskID int) error {
	if err := m.checkQueueID(id); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queues[id].receiveWaiters.add(taskID)
}

// RemoveReceiveWaiter unregisters taskID from queue id's receive
// waiter list (e.g. on timeout).
func (m *Manager) RemoveReceiveWaiter(id, taskID int) error {
	if err := m.checkQueueID(id); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queues[id].receiveWaiters.remove(taskID)
	return nil
}

// Count returns the number of items currently queued.
func (m *Manager) Count(id int) (int, error) {
	if err := m.checkQueueID(id); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queues[id].count, nil
}

// Space returns the number of additional items that fit right now.
func (m *Manager) Space(id int) (int, error) {
	if err := m.checkQueueID(id); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	q := &m.queues[id]
	return len(q.buffer) - q.count, nil
}

// IsFull reports whether the queue currently has no space.
func (m *Manager) IsFull(id int) (bool, error) {
	space, err := m.Space(id)
	return space == 0, err
}

// IsEmpty reports whether the queue currently has no items.
func (m *Manager) IsEmpty(id int) (bool, error) {
	count, err := m.Count(id)
	return count == 0, err
}

// CreateSemaphore reserves a free semaphore slot with the given
// initial and maximum counts.
func (m *Manager) CreateSemaphore(initial, max int) (int, error) {
	if max <= 0 || max > m.cfg.SemaphoreMaxCount {
		return 0, kerr.New(kerr.InvalidParameter, fmt.Sprintf("max count %d out of range", max))
	}
	if initial < 0 || initial > max {
		return 0, kerr.New(kerr.InvalidParameter, fmt.Sprintf("initial count %d out of range [0,%d]", initial, max))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.sems {
		if !m.sems[i].active {
			m.sems[i] = Semaphore{count: initial, maxCount: max, active: true}
			return i, nil
		}
	}
	return 0, kerr.New(kerr.ResourceExhausted, "no free semaphore slot")
}

// DeleteSemaphore frees id's slot and returns every task id that was
// waiting to take it.
func (m *Manager) DeleteSemaphore(id int) (waiters []int, err error) {
	if err := m.checkSemID(id); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s := &m.sems[id]
	if !s.active {
		return nil, kerr.New(kerr.StateViolation, fmt.Sprintf("semaphore %d does not exist", id))
	}
	waiters = s.waiters.drain()
	*s = Semaphore{}
	return waiters, nil
}

// TryTake decrements the semaphore if its count is positive, returning
// kerr.Empty if it is currently zero.
func (m *Manager) TryTake(id int) error {
	if err := m.checkSemID(id); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s := &m.sems[id]
	if !s.active {
		return kerr.New(kerr.StateViolation, fmt.Sprintf("semaphore %d does not exist", id))
	}
	if s.count == 0 {
		return kerr.ErrEmpty
	}
	s.count--
	return nil
}

// Give increments the semaphore, or — if a task is already waiting —
// hands ownership directly to the head of the waiter list without
// changing count, matching the original's give-to-waiter fast path.
// It returns the id of the task woken, or noWaiter if count was simply
// incremented.
func (m *Manager) Give(id int) (woken int, err error) {
	if err := m.checkSemID(id); err != nil {
		return noWaiter, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s := &m.sems[id]
	if !s.active {
		return noWaiter, kerr.New(kerr.StateViolation, fmt.Sprintf("semaphore %d does not exist", id))
	}
	if w := s.waiters.popFront(); w != noWaiter {
		return w, nil
	}
	if s.count < s.maxCount {
		s.count++
	}
	return noWaiter, nil
}

// AddWaiter registers taskID as waiting to take semaphore id.
func (m *Manager) AddWaiter(id, taskID int) error {
	if err := m.checkSemID(id); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sems[id].waiters.add(taskID)
}

// RemoveWaiter unregisters taskID from semaphore id's waiter list.
func (m *Manager) RemoveWaiter(id, taskID int) error {
	if err := m.checkSemID(id); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sems[id].waiters.remove(taskID)
	return nil
}

// GetCount returns the semaphore's current count.
func (m *Manager) GetCount(id int) (int, error) {
	if err := m.checkSemID(id); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sems[id].count, nil
}

// NoWaiter is the sentinel returned in place of a task id when no
// waiter was woken.
const NoWaiter = noWaiter
