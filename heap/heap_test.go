package heap

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBestFitReusesHole(t *testing.T) {
	h := New(1 << 20) // 1 MiB arena, scenario 1 from spec.md §8

	a := h.Allocate(256)
	b := h.Allocate(256)
	c := h.Allocate(256)
	require.NotEqual(t, int64(-1), a)
	require.NotEqual(t, int64(-1), b)
	require.NotEqual(t, int64(-1), c)

	h.Free(b)

	d := h.Allocate(100)
	require.NotEqual(t, int64(-1), d)
	require.Equal(t, b, d, "new allocation should land in the hole left by b")

	stats := h.Stats()
	require.Less(t, d, c, "the reused hole must come before the last allocation")
	require.Greater(t, stats.LargestFree, uint64(0))
}

func TestCoalescingMergesToSingleBlock(t *testing.T) {
	h := New(1 << 20)

	a := h.Allocate(256)
	b := h.Allocate(256)
	c := h.Allocate(256)
	h.Free(b)
	d := h.Allocate(100)

	h.Free(a)
	h.Free(c)
	h.Free(d)

	stats := h.Stats()
	require.Equal(t, uint64(1), stats.NumFreeBlocks)
	require.Equal(t, uint64(len(h.arena))-HeaderSize, stats.FreeSize)
	require.Equal(t, uint64(0), stats.UsedSize)
}

func TestNoAdjacentFreeBlocksAfterFree(t *testing.T) {
	h := New(1 << 16)
	ptrs := make([]int64, 8)
	for i := range ptrs {
		ptrs[i] = h.Allocate(64)
		require.NotEqual(t, int64(-1), ptrs[i])
	}
	for _, p := range ptrs {
		h.Free(p)
		assertNoAdjacentFree(t, h)
	}
}

func assertNoAdjacentFree(t *testing.T, h *Heap) {
	t.Helper()
	cur := h.headOffset
	prevFree := false
	for cur != -1 {
		hdr := h.getHeader(cur)
		require.Equal(t, BlockMagic, hdr.magic)
		if hdr.flags == blockFree {
			require.False(t, prevFree, "two adjacent free blocks must not coexist")
		}
		prevFree = hdr.flags == blockFree
		cur = hdr.next
	}
}

func TestMassConservation(t *testing.T) {
	h := New(1 << 16)
	total := uint64(len(h.arena))

	ops := []int{32, 17, 200, 5}
	var ptrs []int64
	for _, sz := range ops {
		p := h.Allocate(uint64(sz))
		require.NotEqual(t, int64(-1), p)
		ptrs = append(ptrs, p)
	}
	h.Free(ptrs[1])
	h.Free(ptrs[3])

	var sum uint64
	cur := h.headOffset
	for cur != -1 {
		hdr := h.getHeader(cur)
		sum += hdr.size + HeaderSize
		cur = hdr.next
	}
	require.Equal(t, total, sum)
}

func TestReallocatePreservesContent(t *testing.T) {
	h := New(1 << 16)
	p := h.Allocate(16)
	h.Write(p, []byte("0123456789abcdef"))

	q := h.Reallocate(p, 64)
	require.NotEqual(t, int64(-1), q)
	require.Equal(t, []byte("0123456789abcdef"), h.Read(q, 16))
}

func TestReallocateSameBlockWhenItFits(t *testing.T) {
	h := New(1 << 16)
	p := h.Allocate(64)
	q := h.Reallocate(p, 10)
	require.Equal(t, p, q)
}

func TestAllocateZeroedZerosPayload(t *testing.T) {
	h := New(1 << 16)
	p := h.AllocateZeroed(4, 8)
	require.NotEqual(t, int64(-1), p)
	for _, b := range h.Read(p, 32) {
		require.Equal(t, byte(0), b)
	}
}

func TestFreeOfBadPointerIsNoop(t *testing.T) {
	h := New(1 << 16)
	require.NotPanics(t, func() {
		h.Free(-1)
		h.Free(0)
		h.Free(999999)
	})
}

func TestOutOfMemoryReturnsNegativeOne(t *testing.T) {
	h := New(HeaderSize + MinBlockSize)
	p := h.Allocate(MinBlockSize)
	require.NotEqual(t, int64(-1), p)
	q := h.Allocate(MinBlockSize)
	require.Equal(t, int64(-1), q)
}
