// Package alloc implements the first-fit coalescing heap allocator
// over a static byte region (spec §4.1), grounded exactly on
// original_source/src/memory_manager.c's algorithm: a header
// immediately preceding each block's payload, a singly-rooted doubly
// linked free list threaded through those headers, first-fit search on
// allocation, and a full-heap physical walk that merges adjacent free
// blocks on free.
//
// The original's memory_block_t header is a C struct placed directly
// before each block's payload bytes. Go has no portable way to overlay
// a struct onto an arbitrary byte offset without unsafe, so headers are
// instead encoded field-by-field with encoding/binary at fixed offsets
// within the backing []byte — same layout, same walk, no unsafe.
package alloc

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/joeycumines/nanokernel/internal/kerr"
)

const (
	// alignment matches the original's MEMORY_ALIGNMENT.
	alignment = 4
	// headerSize is the encoded header's footprint: magic(4) + size(4) +
	// nextFree(4) + prevFree(4), widened from the original's packed
	// 16-bit-magic struct to keep every field word-aligned.
	headerSize = 16
	// minBlockSize is the smallest payload a split remainder may keep;
	// matches the original's MIN_BLOCK_SIZE.
	minBlockSize = 16

	magicFree uint32 = 0xDEADDEAD
	magicUsed uint32 = 0xBEEFBEEF

	noLink int32 = -1
)

// Stats mirrors the original's memory_stats_t: point-in-time counters
// recomputed by walking the free list and block chain, plus the
// running watermarks and failure count memory_manager.c maintains
// incrementally alongside every alloc/free (min_free_heap_size,
// max_used_heap_size, failed_allocations).
type Stats struct {
	TotalSize        int
	UsedSize         int
	FreeSize         int
	FreeBlocksCount  int
	LargestFreeBlock int
	AllocCount       uint64
	FreeCount        uint64
	FailedAllocCount uint64
	MinFreeWatermark int
	MaxUsedWatermark int
}

// Heap is a fixed-size byte-addressed arena with first-fit allocation
// and free-time coalescing. The zero value is not usable; use New.
type Heap struct {
	mu        sync.Mutex
	buf       []byte
	freeHead  int32
	allocs    uint64
	frees     uint64
	failed    uint64
	minFree   int
	maxUsed   int
}

// New creates a Heap over a freshly allocated region of size bytes.
// size must be large enough for at least one minimum-size block.
func New(size int) (*Heap, error) {
	if size < headerSize+minBlockSize {
		return nil, kerr.New(kerr.InvalidParameter, fmt.Sprintf("heap size %d too small", size))
	}
	h := &Heap{
		buf: make([]byte, size),
	}
	h.initBlock(0, int32(size)-headerSize)
	h.freeHead = 0
	h.setNextFree(0, noLink)
	h.setPrevFree(0, noLink)
	h.updateWatermarksLocked()
	return h, nil
}

// --- header field accessors (all offsets relative to the block header start) ---

func (h *Heap) magic(off int32) uint32 { return binary.LittleEndian.Uint32(h.buf[off:]) }
func (h *Heap) setMagic(off int32, v uint32) {
	binary.LittleEndian.PutUint32(h.buf[off:], v)
}

func (h *Heap) size(off int32) int32 { return int32(binary.LittleEndian.Uint32(h.buf[off+4:])) }
func (h *Heap) setSize(off int32, v int32) {
	binary.LittleEndian.PutUint32(h.buf[off+4:], uint32(v))
}

func (h *Heap) nextFree(off int32) int32 { return int32(binary.LittleEndian.Uint32(h.buf[off+8:])) }
func (h *Heap) setNextFree(off int32, v int32) {
	binary.LittleEndian.PutUint32(h.buf[off+8:], uint32(v))
}

func (h *Heap) prevFree(off int32) int32 { return int32(binary.LittleEndian.Uint32(h.buf[off+12:])) }
func (h *Heap) setPrevFree(off int32, v int32) {
	binary.LittleEndian.PutUint32(h.buf[off+12:], uint32(v))
}

func (h *Heap) initBlock(off int32, payloadSize int32) {
	h.setMagic(off, magicFree)
	h.setSize(off, payloadSize)
}

func alignUp(n int32) int32 {
	return (n + alignment - 1) &^ (alignment - 1)
}

// --- free list ---

func (h *Heap) insertFreeBlock(off int32) {
	h.setMagic(off, magicFree)
	h.setPrevFree(off, noLink)
	h.setNextFree(off, h.freeHead)
	if h.freeHead != noLink {
		h.setPrevFree(h.freeHead, off)
	}
	h.freeHead = off
}

func (h *Heap) removeFreeBlock(off int32) {
	prev := h.prevFree(off)
	next := h.nextFree(off)
	if prev != noLink {
		h.setNextFree(prev, next)
	} else {
		h.freeHead = next
	}
	if next != noLink {
		h.setPrevFree(next, prev)
	}
	h.setNextFree(off, noLink)
	h.setPrevFree(off, noLink)
}

// findFreeBlock returns the offset of the first free block whose
// payload is at least want bytes, or noLink if none fits.
func (h *Heap) findFreeBlock(want int32) int32 {
	for off := h.freeHead; off != noLink; off = h.nextFree(off) {
		if h.size(off) >= want {
			return off
		}
	}
	return noLink
}

// splitBlock carves a want-byte payload out of the free block at off,
// leaving the remainder (if large enough to be useful) as a new free
// block immediately following it. off must already be unlinked from
// the free list.
func (h *Heap) splitBlock(off int32, want int32) {
	total := h.size(off)
	remainder := total - want - headerSize
	if remainder >= minBlockSize {
		h.setSize(off, want)
		newOff := off + headerSize + want
		h.initBlock(newOff, remainder)
		h.insertFreeBlock(newOff)
	}
}

// physicalNext returns the offset of the block physically following
// off, or -1 if off is the last block in the heap.
func (h *Heap) physicalNext(off int32) int32 {
	next := off + headerSize + h.size(off)
	if int(next) >= len(h.buf) {
		return noLink
	}
	return next
}

// coalesceBlocks performs a single full-heap walk merging every run of
// physically adjacent free blocks into one, matching the original's
// coalesce_blocks (called after every free).
func (h *Heap) coalesceBlocks() {
	off := int32(0)
	for off != noLink {
		if h.magic(off) != magicFree {
			next := h.physicalNext(off)
			off = next
			continue
		}
		next := h.physicalNext(off)
		for next != noLink && h.magic(next) == magicFree {
			h.removeFreeBlock(off)
			h.removeFreeBlock(next)
			merged := h.size(off) + headerSize + h.size(next)
			h.setSize(off, merged)
			h.insertFreeBlock(off)
			next = h.physicalNext(off)
		}
		off = h.physicalNext(off)
	}
}

// Alloc reserves size bytes and returns a slice over the reserved
// region. The slice's length is exactly size; its capacity runs to the
// end of the heap region (headerOffsetFor relies on that to find the
// block header), so callers must never read or write past len().
func (h *Heap) Alloc(size int) ([]byte, error) {
	if size <= 0 {
		return nil, kerr.New(kerr.InvalidParameter, "alloc size must be positive")
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	if size > len(h.buf)-headerSize {
		h.failed++
		return nil, kerr.New(kerr.ResourceExhausted, fmt.Sprintf("no free block for %d bytes", size))
	}
	want := alignUp(int32(size))
	off := h.findFreeBlock(want)
	if off == noLink {
		h.failed++
		return nil, kerr.New(kerr.ResourceExhausted, fmt.Sprintf("no free block for %d bytes", size))
	}
	h.removeFreeBlock(off)
	h.splitBlock(off, want)
	h.setMagic(off, magicUsed)
	h.allocs++
	h.updateWatermarksLocked()

	payloadStart := off + headerSize
	return h.buf[payloadStart : payloadStart+int32(size)], nil
}

// Calloc behaves like Alloc but zero-fills the returned region, and
// additionally rejects count*elemSize overflow.
func (h *Heap) Calloc(count, elemSize int) ([]byte, error) {
	if count < 0 || elemSize <= 0 {
		return nil, kerr.New(kerr.InvalidParameter, "calloc count/elemSize must be non-negative/positive")
	}
	total := count * elemSize
	if elemSize != 0 && total/elemSize != count {
		return nil, kerr.New(kerr.InvalidParameter, "calloc size overflow")
	}
	buf, err := h.Alloc(total)
	if err != nil {
		return nil, err
	}
	for i := range buf {
		buf[i] = 0
	}
	return buf, nil
}

// headerOffsetFor locates the header immediately preceding ptr's
// backing storage. h.buf is allocated once in New and never reassigned
// or re-sliced at less than full capacity, so every live allocation's
// start offset within it is recoverable without unsafe, from the
// standard identity cap(s) == cap(h.buf) - offset for any three-index
// slice s := h.buf[offset:len:cap(h.buf)].
func (h *Heap) headerOffsetFor(ptr []byte) (int32, error) {
	if len(ptr) == 0 {
		return 0, kerr.New(kerr.InvalidParameter, "nil/empty pointer")
	}
	payloadStart := cap(h.buf) - cap(ptr)
	off := payloadStart - headerSize
	if off < 0 || off+headerSize > len(h.buf) || payloadStart+len(ptr) > len(h.buf) {
		return 0, kerr.New(kerr.InvalidParameter, "pointer not owned by this heap")
	}
	return int32(off), nil
}

// Free releases a region previously returned by Alloc/Calloc/Realloc.
func (h *Heap) Free(ptr []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	off, err := h.headerOffsetFor(ptr)
	if err != nil {
		return err
	}
	if h.magic(off) != magicUsed {
		return kerr.New(kerr.StateViolation, "double free or invalid pointer")
	}
	h.insertFreeBlock(off)
	h.coalesceBlocks()
	h.frees++
	h.updateWatermarksLocked()
	return nil
}

// Realloc resizes ptr's allocation to newSize, copying existing
// contents. A nil/empty ptr behaves like Alloc. If the existing block
// is already large enough to hold newSize, the original pointer is
// returned unchanged rather than allocating a new block, matching the
// original's realloc shortcut (memory_manager.c:190-230:
// "if(aligned_new_size <= current_size) return ptr;").
func (h *Heap) Realloc(ptr []byte, newSize int) ([]byte, error) {
	if len(ptr) == 0 {
		return h.Alloc(newSize)
	}
	if newSize <= 0 {
		if err := h.Free(ptr); err != nil {
			return nil, err
		}
		return nil, nil
	}

	want := alignUp(int32(newSize))
	h.mu.Lock()
	off, err := h.headerOffsetFor(ptr)
	if err != nil {
		h.mu.Unlock()
		return nil, err
	}
	if h.magic(off) != magicUsed {
		h.mu.Unlock()
		return nil, kerr.New(kerr.StateViolation, "realloc of invalid or already-freed pointer")
	}
	current := h.size(off)
	if current >= want {
		h.mu.Unlock()
		payloadStart := off + headerSize
		return h.buf[payloadStart : payloadStart+int32(newSize)], nil
	}
	h.mu.Unlock()

	out, err := h.Alloc(newSize)
	if err != nil {
		return nil, err
	}
	copy(out, ptr)
	if err := h.Free(ptr); err != nil {
		return nil, err
	}
	return out, nil
}

// GetStats recomputes and returns the heap's current statistics by
// walking the block chain and free list, matching the original's
// update_stats.
func (h *Heap) GetStats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.statsLocked()
}

func (h *Heap) statsLocked() Stats {
	s := Stats{
		TotalSize:        len(h.buf),
		AllocCount:       h.allocs,
		FreeCount:        h.frees,
		FailedAllocCount: h.failed,
		MinFreeWatermark: h.minFree,
		MaxUsedWatermark: h.maxUsed,
	}
	for off := int32(0); off != noLink; off = h.physicalNext(off) {
		sz := int(h.size(off))
		if h.magic(off) == magicFree {
			s.FreeSize += sz
			s.FreeBlocksCount++
			if sz > s.LargestFreeBlock {
				s.LargestFreeBlock = sz
			}
		} else {
			s.UsedSize += sz
		}
	}
	return s
}

// updateWatermarksLocked recomputes the current free/used totals and
// folds them into the running min-free/max-used watermarks, matching
// the original's update_stats (memory_manager.c:119-126), which
// updates these alongside every other stat on every alloc/free.
func (h *Heap) updateWatermarksLocked() {
	s := h.statsLocked()
	if h.allocs == 0 && h.frees == 0 || s.FreeSize < h.minFree {
		h.minFree = s.FreeSize
	}
	if s.UsedSize > h.maxUsed {
		h.maxUsed = s.UsedSize
	}
}

// GetFreeSize returns the total bytes currently free (sum across all
// free blocks, not necessarily contiguous).
func (h *Heap) GetFreeSize() int {
	s := h.GetStats()
	return s.FreeSize
}

// GetUsedSize returns the total bytes currently allocated.
func (h *Heap) GetUsedSize() int {
	s := h.GetStats()
	return s.UsedSize
}

// GetLargestFreeBlock returns the size of the largest single free
// block, i.e. the largest allocation guaranteed to succeed without
// fragmentation-induced failure.
func (h *Heap) GetLargestFreeBlock() int {
	s := h.GetStats()
	return s.LargestFreeBlock
}

// IsValidPtr reports whether ptr currently refers to a live (used)
// allocation owned by this heap.
func (h *Heap) IsValidPtr(ptr []byte) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	off, err := h.headerOffsetFor(ptr)
	if err != nil {
		return false
	}
	return h.magic(off) == magicUsed
}

// GetBlockSize returns the payload size of the allocation ptr belongs
// to.
func (h *Heap) GetBlockSize(ptr []byte) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	off, err := h.headerOffsetFor(ptr)
	if err != nil {
		return 0, err
	}
	return int(h.size(off)), nil
}

// Defragment re-validates heap integrity and returns fresh stats. The
// original's defragment never relocates live blocks (it has no way to
// fix up the pointers callers are already holding); it just re-runs
// coalesce_blocks and update_stats. A Go rendition can't relocate
// slices callers hold onto either, so this does the same: coalesce
// whatever is still mergeable, then report stats.
func (h *Heap) Defragment() (Stats, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.coalesceBlocks()
	if err := h.checkIntegrityLocked(); err != nil {
		return Stats{}, err
	}
	return h.statsLocked(), nil
}

// CheckIntegrity walks the full block chain, verifying every header's
// magic is recognizable and that the chain's sizes sum exactly to the
// heap's total size, matching the original's check_integrity.
func (h *Heap) CheckIntegrity() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.checkIntegrityLocked()
}

func (h *Heap) checkIntegrityLocked() error {
	total := int32(0)
	for off := int32(0); ; {
		m := h.magic(off)
		if m != magicFree && m != magicUsed {
			return kerr.New(kerr.Integrity, fmt.Sprintf("corrupt header at offset %d: magic=%#x", off, m))
		}
		total += headerSize + h.size(off)
		next := h.physicalNext(off)
		if next == noLink {
			break
		}
		off = next
	}
	if int(total) != len(h.buf) {
		return kerr.New(kerr.Integrity, fmt.Sprintf("block chain totals %d bytes, want %d", total, len(h.buf)))
	}
	return nil
}
