package mq

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joeycumines/nanokernel/internal/config"
	"github.com/joeycumines/nanokernel/internal/kerr"
)

func testConfig() config.Config {
	cfg := config.Default()
	cfg.MaxQueues = 2
	cfg.MaxQueueSize = 4
	cfg.MaxSemaphores = 2
	cfg.SemaphoreMaxCount = 4
	return cfg
}

func TestQueue_SendReceiveFIFO(t *testing.T) {
	m := New(testConfig())
	id, err := m.CreateQueue(2)
	require.NoError(t, err)

	_, err = m.TrySend(id, 10)
	require.NoError(t, err)
	_, err = m.TrySend(id, 20)
	require.NoError(t, err)

	v, _, err := m.TryReceive(id)
	require.NoError(t, err)
	assert.Equal(t, uint32(10), v)

	v, _, err = m.TryReceive(id)
	require.NoError(t, err)
	assert.Equal(t, uint32(20), v)
}

func TestQueue_SendFullReturnsErrFull(t *testing.T) {
	m := New(testConfig())
	id, err := m.CreateQueue(1)
	require.NoError(t, err)

	_, err = m.TrySend(id, 1)
	require.NoError(t, err)

	_, err = m.TrySend(id, 2)
	require.ErrorIs(t, err, kerr.ErrFull)
}

func TestQueue_ReceiveEmptyReturnsErrEmpty(t *testing.T) {
	m := New(testConfig())
	id, err := m.CreateQueue(1)
	require.NoError(t, err)

	_, _, err = m.TryReceive(id)
	require.ErrorIs(t, err, kerr.ErrEmpty)
}

func TestQueue_SendWakesReceiver(t *testing.T) {
	m := New(testConfig())
	id, err := m.CreateQueue(1)
	require.NoError(t, err)

	require.NoError(t, m.AddReceiveWaiter(id, 7))
	woken, err := m.TrySend(id, 42)
	require.NoError(t, err)
	assert.Equal(t, 7, woken)
}

func TestQueue_ReceiveWakesSender(t *testing.T) {
	m := New(testConfig())
	id, err := m.CreateQueue(1)
	require.NoError(t, err)
	_, err = m.TrySend(id, 1)
	require.NoError(t, err)

	require.NoError(t, m.AddSendWaiter(id, 3))
	_, woken, err := m.TryReceive(id)
	require.NoError(t, err)
	assert.Equal(t, 3, woken)
}

func TestQueue_Peek(t *testing.T) {
	m := New(testConfig())
	id, err := m.CreateQueue(2)
	require.NoError(t, err)
	_, err = m.TrySend(id, 99)
	require.NoError(t, err)

	v, err := m.Peek(id)
	require.NoError(t, err)
	assert.Equal(t, uint32(99), v)

	count, err := m.Count(id)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestQueue_DeleteReturnsWaiters(t *testing.T) {
	m := New(testConfig())
	id, err := m.CreateQueue(1)
	require.NoError(t, err)
	require.NoError(t, m.AddSendWaiter(id, 1))
	require.NoError(t, m.AddReceiveWaiter(id, 2))

	senders, receivers, err := m.DeleteQueue(id)
	require.NoError(t, err)
	assert.Equal(t, []int{1}, senders)
	assert.Equal(t, []int{2}, receivers)

	_, err = m.Count(id)
	require.Error(t, err)
}

func TestQueue_SizeRejectedOutOfRange(t *testing.T) {
	m := New(testConfig())
	_, err := m.CreateQueue(100)
	require.Error(t, err)
}

func TestQueue_TableExhausted(t *testing.T) {
	m := New(testConfig())
	_, err := m.CreateQueue(1)
	require.NoError(t, err)
	_, err = m.CreateQueue(1)
	require.NoError(t, err)
	_, err = m.CreateQueue(1)
	require.Error(t, err)
}

func TestSemaphore_TakeGiveRoundTrip(t *testing.T) {
	m := New(testConfig())
	id, err := m.CreateSemaphore(1, 2)
	require.NoError(t, err)

	require.NoError(t, m.TryTake(id))
	count, err := m.GetCount(id)
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	woken, err := m.Give(id)
	require.NoError(t, err)
	assert.Equal(t, NoWaiter, woken)

	count, err = m.GetCount(id)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestSemaphore_TakeEmptyReturnsErrEmpty(t *testing.T) {
	m := New(testConfig())
	id, err := m.CreateSemaphore(0, 2)
	require.NoError(t, err)

	err = m.TryTake(id)
	require.ErrorIs(t, err, kerr.ErrEmpty)
}

func TestSemaphore_GiveWakesWaiterWithoutChangingCount(t *testing.T) {
	m := New(testConfig())
	id, err := m.CreateSemaphore(0, 2)
	require.NoError(t, err)

	require.NoError(t, m.AddWaiter(id, 5))
	woken, err := m.Give(id)
	require.NoError(t, err)
	assert.Equal(t, 5, woken)

	count, err := m.GetCount(id)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestSemaphore_GiveSaturatesAtMaxCount(t *testing.T) {
	m := New(testConfig())
	id, err := m.CreateSemaphore(2, 2)
	require.NoError(t, err)

	_, err = m.Give(id)
	require.NoError(t, err)

	count, err := m.GetCount(id)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestSemaphore_DeleteReturnsWaiters(t *testing.T) {
	m := New(testConfig())
	id, err := m.CreateSemaphore(0, 2)
	require.NoError(t, err)
	require.NoError(t, m.AddWaiter(id, 9))

	waiters, err := m.DeleteSemaphore(id)
	require.NoError(t, err)
	assert.Equal(t, []int{9}, waiters)
}
