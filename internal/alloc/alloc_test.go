package alloc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joeycumines/nanokernel/internal/kerr"
)

func TestNew_RejectsTooSmall(t *testing.T) {
	_, err := New(4)
	require.Error(t, err)
	var kerrErr *kerr.Error
	require.ErrorAs(t, err, &kerrErr)
	assert.Equal(t, kerr.InvalidParameter, kerrErr.Code)
}

func TestAlloc_BasicRoundTrip(t *testing.T) {
	h, err := New(4096)
	require.NoError(t, err)

	buf, err := h.Alloc(64)
	require.NoError(t, err)
	require.Len(t, buf, 64)

	for i := range buf {
		buf[i] = byte(i)
	}
	assert.True(t, h.IsValidPtr(buf))

	size, err := h.GetBlockSize(buf)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, size, 64)

	require.NoError(t, h.Free(buf))
	assert.False(t, h.IsValidPtr(buf))
}

func TestAlloc_ExhaustsAndReports(t *testing.T) {
	h, err := New(256)
	require.NoError(t, err)

	_, err = h.Alloc(1024)
	require.Error(t, err)
	var kerrErr *kerr.Error
	require.ErrorAs(t, err, &kerrErr)
	assert.Equal(t, kerr.ResourceExhausted, kerrErr.Code)
}

func TestFree_CoalescesAdjacentBlocks(t *testing.T) {
	h, err := New(4096)
	require.NoError(t, err)

	a, err := h.Alloc(64)
	require.NoError(t, err)
	b, err := h.Alloc(64)
	require.NoError(t, err)
	c, err := h.Alloc(64)
	require.NoError(t, err)

	before := h.GetStats().LargestFreeBlock

	require.NoError(t, h.Free(a))
	require.NoError(t, h.Free(b))
	require.NoError(t, h.Free(c))

	after := h.GetStats()
	assert.Greater(t, after.LargestFreeBlock, before)
	assert.Equal(t, 1, after.FreeBlocksCount)
}

func TestFree_DoubleFreeRejected(t *testing.T) {
	h, err := New(4096)
	require.NoError(t, err)

	buf, err := h.Alloc(32)
	require.NoError(t, err)
	require.NoError(t, h.Free(buf))

	err = h.Free(buf)
	require.Error(t, err)
	var kerrErr *kerr.Error
	require.ErrorAs(t, err, &kerrErr)
	assert.Equal(t, kerr.StateViolation, kerrErr.Code)
}

func TestCalloc_ZeroesMemory(t *testing.T) {
	h, err := New(4096)
	require.NoError(t, err)

	buf, err := h.Calloc(16, 4)
	require.NoError(t, err)
	require.Len(t, buf, 64)
	for _, b := range buf {
		assert.Equal(t, byte(0), b)
	}
}

func TestCalloc_OverflowRejected(t *testing.T) {
	h, err := New(4096)
	require.NoError(t, err)

	_, err = h.Calloc(1<<31, 1<<31)
	require.Error(t, err)
}

func TestRealloc_PreservesContents(t *testing.T) {
	h, err := New(4096)
	require.NoError(t, err)

	buf, err := h.Alloc(16)
	require.NoError(t, err)
	copy(buf, []byte("hello world12345")[:16])

	grown, err := h.Realloc(buf, 64)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello world12345")[:16], grown[:16])
}

func TestRealloc_ShrinkingWithinSameBlockReturnsOriginalPointer(t *testing.T) {
	h, err := New(4096)
	require.NoError(t, err)

	buf, err := h.Alloc(64)
	require.NoError(t, err)
	copy(buf, []byte("0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcd"))

	before := h.GetStats()
	shrunk, err := h.Realloc(buf, 16)
	require.NoError(t, err)
	assert.Same(t, &buf[0], &shrunk[0])

	after := h.GetStats()
	assert.Equal(t, before.AllocCount, after.AllocCount, "shrink-in-place must not allocate a new block")
	assert.Equal(t, before.FreeCount, after.FreeCount, "shrink-in-place must not free the old block")
	assert.Equal(t, []byte("0123456789abcdef")[:16], shrunk[:16])
}

func TestStats_TracksWatermarksAndFailedAllocs(t *testing.T) {
	h, err := New(256)
	require.NoError(t, err)

	fresh := h.GetStats()
	assert.Equal(t, fresh.FreeSize, fresh.MinFreeWatermark)
	assert.Equal(t, 0, fresh.MaxUsedWatermark)

	buf, err := h.Alloc(64)
	require.NoError(t, err)

	afterAlloc := h.GetStats()
	assert.GreaterOrEqual(t, afterAlloc.MaxUsedWatermark, 64)
	assert.LessOrEqual(t, afterAlloc.MinFreeWatermark, fresh.MinFreeWatermark)

	require.NoError(t, h.Free(buf))
	afterFree := h.GetStats()
	assert.Equal(t, afterAlloc.MaxUsedWatermark, afterFree.MaxUsedWatermark, "max-used watermark must not decrease on free")

	_, err = h.Alloc(4096)
	require.Error(t, err)
	assert.Equal(t, uint64(1), h.GetStats().FailedAllocCount)
}

func TestCheckIntegrity_PassesOnFreshHeap(t *testing.T) {
	h, err := New(4096)
	require.NoError(t, err)
	assert.NoError(t, h.CheckIntegrity())
}

func TestDefragment_ReportsStatsAndStaysValid(t *testing.T) {
	h, err := New(4096)
	require.NoError(t, err)

	a, err := h.Alloc(128)
	require.NoError(t, err)
	require.NoError(t, h.Free(a))

	stats, err := h.Defragment()
	require.NoError(t, err)
	assert.Equal(t, 1, stats.FreeBlocksCount)
}

func TestGetStats_TracksAllocAndFreeCounts(t *testing.T) {
	h, err := New(4096)
	require.NoError(t, err)

	a, err := h.Alloc(32)
	require.NoError(t, err)
	b, err := h.Alloc(32)
	require.NoError(t, err)
	require.NoError(t, h.Free(a))

	stats := h.GetStats()
	assert.Equal(t, uint64(2), stats.AllocCount)
	assert.Equal(t, uint64(1), stats.FreeCount)
	_ = b
}
