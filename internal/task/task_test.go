package task

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joeycumines/nanokernel/internal/config"
	"github.com/joeycumines/nanokernel/internal/kerr"
)

type fakeAllocator struct {
	freed [][]byte
	fail  bool
}

func (f *fakeAllocator) Alloc(size int) ([]byte, error) {
	if f.fail {
		return nil, kerr.New(kerr.ResourceExhausted, "fake alloc failure")
	}
	return make([]byte, size), nil
}

func (f *fakeAllocator) Free(ptr []byte) error {
	f.freed = append(f.freed, ptr)
	return nil
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.MaxTasks = 3
	cfg.MinStackSize = 64
	return cfg
}

func TestManager_CreateAssignsFreeSlot(t *testing.T) {
	m := New(testConfig(), &fakeAllocator{})

	tcb, err := m.Create("worker", config.PriorityLow, 128, false)
	require.NoError(t, err)
	assert.Equal(t, 0, tcb.ID)
	assert.Equal(t, Ready, tcb.State)
	assert.Len(t, tcb.Stack, 128)
	assert.Equal(t, 1, m.Count())
}

func TestManager_CreateRejectsIdlePriorityByDefault(t *testing.T) {
	m := New(testConfig(), &fakeAllocator{})
	_, err := m.Create("sneaky", config.PriorityIdle, 128, false)
	require.Error(t, err)
	var kerrErr *kerr.Error
	require.ErrorAs(t, err, &kerrErr)
	assert.Equal(t, kerr.InvalidParameter, kerrErr.Code)
}

func TestManager_CreateAllowsIdlePriorityWhenPermitted(t *testing.T) {
	m := New(testConfig(), &fakeAllocator{})
	tcb, err := m.Create("idle", config.PriorityIdle, 128, true)
	require.NoError(t, err)
	assert.Equal(t, config.PriorityIdle, tcb.Priority)
}

func TestManager_CreateRejectsShortStack(t *testing.T) {
	m := New(testConfig(), &fakeAllocator{})
	_, err := m.Create("tiny", config.PriorityLow, 8, false)
	require.Error(t, err)
}

func TestManager_CreateRejectsWhenTableFull(t *testing.T) {
	m := New(testConfig(), &fakeAllocator{})
	for i := 0; i < 3; i++ {
		_, err := m.Create(fmtName(i), config.PriorityLow, 128, i == 0)
		require.NoError(t, err)
	}
	_, err := m.Create("overflow", config.PriorityLow, 128, false)
	require.Error(t, err)
	var kerrErr *kerr.Error
	require.ErrorAs(t, err, &kerrErr)
	assert.Equal(t, kerr.ResourceExhausted, kerrErr.Code)
}

func fmtName(i int) string {
	return []string{"a", "b", "c", "d"}[i]
}

func TestManager_DeleteFreesSlotForReuse(t *testing.T) {
	alloc := &fakeAllocator{}
	m := New(testConfig(), alloc)
	tcb, err := m.Create("worker", config.PriorityLow, 128, false)
	require.NoError(t, err)

	require.NoError(t, m.Delete(tcb.ID))
	assert.Len(t, alloc.freed, 1)
	assert.Equal(t, 0, m.Count())

	again, err := m.Create("worker2", config.PriorityLow, 128, false)
	require.NoError(t, err)
	assert.Equal(t, tcb.ID, again.ID)
}

func TestManager_DeleteTwiceErrors(t *testing.T) {
	m := New(testConfig(), &fakeAllocator{})
	tcb, err := m.Create("worker", config.PriorityLow, 128, false)
	require.NoError(t, err)
	require.NoError(t, m.Delete(tcb.ID))

	err = m.Delete(tcb.ID)
	require.Error(t, err)
}

func TestManager_SuspendResume(t *testing.T) {
	m := New(testConfig(), &fakeAllocator{})
	tcb, err := m.Create("worker", config.PriorityLow, 128, false)
	require.NoError(t, err)

	require.NoError(t, m.Suspend(tcb.ID))
	state, err := m.GetState(tcb.ID)
	require.NoError(t, err)
	assert.Equal(t, Suspended, state)

	require.NoError(t, m.Resume(tcb.ID))
	state, err = m.GetState(tcb.ID)
	require.NoError(t, err)
	assert.Equal(t, Ready, state)
}

func TestManager_ResumeWithoutSuspendErrors(t *testing.T) {
	m := New(testConfig(), &fakeAllocator{})
	tcb, err := m.Create("worker", config.PriorityLow, 128, false)
	require.NoError(t, err)
	err = m.Resume(tcb.ID)
	require.Error(t, err)
}

func TestManager_DelayAndUpdateDelays(t *testing.T) {
	m := New(testConfig(), &fakeAllocator{})
	tcb, err := m.Create("worker", config.PriorityLow, 128, false)
	require.NoError(t, err)

	require.NoError(t, m.Delay(tcb.ID, 2))
	state, err := m.GetState(tcb.ID)
	require.NoError(t, err)
	assert.Equal(t, Blocked, state)

	woken := m.UpdateDelays()
	assert.Empty(t, woken)
	woken = m.UpdateDelays()
	assert.Equal(t, []int{tcb.ID}, woken)

	state, err = m.GetState(tcb.ID)
	require.NoError(t, err)
	assert.Equal(t, Ready, state)
}

func TestManager_GetTCBOnDeletedSlotErrors(t *testing.T) {
	m := New(testConfig(), &fakeAllocator{})
	_, err := m.GetTCB(0)
	require.Error(t, err)
}

func TestManager_CreateSurfacesAllocatorFailure(t *testing.T) {
	m := New(testConfig(), &fakeAllocator{fail: true})
	_, err := m.Create("worker", config.PriorityLow, 128, false)
	require.Error(t, err)
	var kerrErr *kerr.Error
	require.ErrorAs(t, err, &kerrErr)
	assert.Equal(t, kerr.ResourceExhausted, kerrErr.Code)
}
