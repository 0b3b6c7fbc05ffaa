// Package heap implements the kernel's single-arena best-fit allocator.
//
// The arena is a flat byte slice; every allocation is preceded by a fixed
// header carrying a magic tag, a free/used flag, the payload size, and
// forward/backward links that form a doubly-linked sequence in address
// order spanning the whole arena. This mirrors original_source's
// src/kernel/heap.c block-header design rather than Go's garbage collector.
package heap

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
)

const (
	// BlockMagic tags a live header. Any reachable header whose magic does
	// not match this value is corrupted or not a header at all.
	BlockMagic uint32 = 0xDEADBEEF

	blockFree uint32 = 0x00
	blockUsed uint32 = 0x01

	// MinBlockSize is the smallest payload a block may carry; requests are
	// rounded up to it (and to an 8-byte multiple) before the search.
	MinBlockSize = 32

	// HeaderSize is the encoded size of a block header in the arena.
	HeaderSize = 4 + 4 + 8 + 8 + 8 // magic, flags, size, next, prev (offsets)

	// DefaultArenaSize matches original_source's HEAP_SIZE (16 MiB).
	DefaultArenaSize = 0x1000000
)

var errNilHeader = errors.New("heap: nil header offset")

// header is the decoded view of a block header. next/prev are arena byte
// offsets, not pointers, since the arena is a Go slice rather than raw
// memory: an offset of -1 plays the role of NULL, since offset 0 is the
// first block's own header.
type header struct {
	magic uint32
	flags uint32
	size  uint64
	next  int64 // -1 == nil
	prev  int64 // -1 == nil
}

// Stats mirrors HeapStats from original_source/src/kernel/heap.h.
type Stats struct {
	TotalSize      uint64
	UsedSize       uint64
	FreeSize       uint64
	NumAllocations uint64
	NumFreeBlocks  uint64
	LargestFree    uint64
}

// Heap is a single fixed-region allocator. It is explicitly not safe for
// concurrent use (spec.md §5): callers needing concurrency must add their
// own lock around a Heap, same as the kernel's single-threaded-cooperative
// model demands of interrupt handlers that touch the allocator.
type Heap struct {
	arena          []byte
	headOffset     int64
	numAllocations uint64
	log            *logrus.Entry
}

// New allocates a fresh arena of size bytes and initializes it as a single
// free block spanning the whole region, matching heap_init().
func New(size int) *Heap {
	if size < HeaderSize+MinBlockSize {
		size = HeaderSize + MinBlockSize
	}
	h := &Heap{
		arena: make([]byte, size),
		log:   logrus.WithField("component", "heap"),
	}
	root := header{
		magic: BlockMagic,
		flags: blockFree,
		size:  uint64(size - HeaderSize),
		next:  -1,
		prev:  -1,
	}
	h.putHeader(0, root)
	h.headOffset = 0
	return h
}

func (h *Heap) getHeader(off int64) header {
	b := h.arena[off:]
	return header{
		magic: binary.LittleEndian.Uint32(b[0:4]),
		flags: binary.LittleEndian.Uint32(b[4:8]),
		size:  binary.LittleEndian.Uint64(b[8:16]),
		next:  int64(binary.LittleEndian.Uint64(b[16:24])),
		prev:  int64(binary.LittleEndian.Uint64(b[24:32])),
	}
}

func (h *Heap) putHeader(off int64, hdr header) {
	b := h.arena[off:]
	binary.LittleEndian.PutUint32(b[0:4], hdr.magic)
	binary.LittleEndian.PutUint32(b[4:8], hdr.flags)
	binary.LittleEndian.PutUint64(b[8:16], hdr.size)
	binary.LittleEndian.PutUint64(b[16:24], uint64(hdr.next))
	binary.LittleEndian.PutUint64(b[24:32], uint64(hdr.prev))
}

func align8(n uint64) uint64 {
	return (n + 7) &^ 7
}

func roundSize(n uint64) uint64 {
	n = align8(n)
	if n < MinBlockSize {
		n = MinBlockSize
	}
	return n
}

// payloadOffset returns the first byte of the block's payload.
func payloadOffset(blockOff int64) int64 {
	return blockOff + HeaderSize
}

// findFreeBlock performs the best-fit scan described in spec.md §4.1:
// scan from the head, track the smallest free block whose size >= request,
// and stop early on an exact match.
func (h *Heap) findFreeBlock(size uint64) int64 {
	var best int64 = -1
	var bestSize uint64

	cur := h.headOffset
	for cur != -1 {
		hdr := h.getHeader(cur)
		if hdr.flags == blockFree && hdr.size >= size {
			if best == -1 || hdr.size < bestSize {
				best = cur
				bestSize = hdr.size
				if hdr.size == size {
					break
				}
			}
		}
		cur = hdr.next
	}
	return best
}

// splitBlock carves size bytes off the front of the block at off if the
// remainder is large enough to host another header + MinBlockSize.
func (h *Heap) splitBlock(off int64, size uint64) {
	hdr := h.getHeader(off)
	if hdr.size < size+HeaderSize+MinBlockSize {
		return
	}
	remaining := hdr.size - size - HeaderSize
	newOff := off + HeaderSize + int64(size)

	newHdr := header{
		magic: BlockMagic,
		flags: blockFree,
		size:  remaining,
		next:  hdr.next,
		prev:  off,
	}
	h.putHeader(newOff, newHdr)

	if hdr.next != -1 {
		next := h.getHeader(hdr.next)
		next.prev = newOff
		h.putHeader(hdr.next, next)
	}

	hdr.next = newOff
	hdr.size = size
	h.putHeader(off, hdr)
}

// Allocate reserves size bytes and returns the arena offset of the
// payload, or -1 (the heap's analogue of a null pointer) when no block
// fits.
func (h *Heap) Allocate(size uint64) int64 {
	if size == 0 {
		return -1
	}
	want := roundSize(size)

	off := h.findFreeBlock(want)
	if off == -1 {
		return -1
	}

	h.splitBlock(off, want)

	hdr := h.getHeader(off)
	hdr.flags = blockUsed
	h.putHeader(off, hdr)

	h.numAllocations++
	return payloadOffset(off)
}

// AllocateZeroed implements kcalloc: allocate count*size bytes and zero
// the payload.
func (h *Heap) AllocateZeroed(count, size uint64) int64 {
	total := count * size
	if count != 0 && total/count != size {
		return -1 // overflow
	}
	p := h.Allocate(total)
	if p == -1 {
		return -1
	}
	hdr := h.getHeader(p - HeaderSize)
	clear(h.arena[p : p+int64(hdr.size)])
	return p
}

func (h *Heap) headerForPayload(p int64) (int64, header, error) {
	off := p - HeaderSize
	if off < 0 || off >= int64(len(h.arena)) {
		return 0, header{}, errNilHeader
	}
	hdr := h.getHeader(off)
	if hdr.magic != BlockMagic {
		return 0, header{}, fmt.Errorf("heap: bad magic at offset %d", off)
	}
	return off, hdr, nil
}

// Free validates the header magic, marks the block free, and coalesces
// with its free neighbours (a forward merge, then a backward merge, at
// most a three-block result). On double-free or a corrupted magic it is a
// silent no-op per spec.md §4.1 — logged, but not a fatal trap, preserving
// the original's documented (and intentionally not hardened here) bug.
func (h *Heap) Free(p int64) {
	if p <= 0 {
		return
	}
	off, hdr, err := h.headerForPayload(p)
	if err != nil {
		h.log.WithError(err).Warn("free: bad pointer, ignoring")
		return
	}
	if hdr.flags == blockFree {
		h.log.Warn("free: double free detected, ignoring")
		return
	}

	hdr.flags = blockFree
	h.putHeader(off, hdr)
	h.numAllocations--

	h.coalesce(off)
}

func (h *Heap) coalesce(off int64) {
	hdr := h.getHeader(off)

	if hdr.next != -1 {
		next := h.getHeader(hdr.next)
		if next.flags == blockFree {
			hdr.size += HeaderSize + next.size
			hdr.next = next.next
			if next.next != -1 {
				nn := h.getHeader(next.next)
				nn.prev = off
				h.putHeader(next.next, nn)
			}
			h.putHeader(off, hdr)
		}
	}

	if hdr.prev != -1 {
		prev := h.getHeader(hdr.prev)
		if prev.flags == blockFree {
			prev.size += HeaderSize + hdr.size
			prev.next = hdr.next
			if hdr.next != -1 {
				nn := h.getHeader(hdr.next)
				nn.prev = hdr.prev
				h.putHeader(hdr.next, nn)
			}
			h.putHeader(hdr.prev, prev)
		}
	}
}

// Reallocate returns p unchanged when the new size already fits in the
// current block, otherwise allocates a new block, copies
// min(old, new) bytes, and frees the old block.
func (h *Heap) Reallocate(p int64, newSize uint64) int64 {
	if p <= 0 {
		return h.Allocate(newSize)
	}
	off, hdr, err := h.headerForPayload(p)
	if err != nil {
		return -1
	}

	want := roundSize(newSize)
	if hdr.size >= want {
		return p
	}

	q := h.Allocate(newSize)
	if q == -1 {
		return -1
	}
	n := hdr.size
	if newSize < n {
		n = newSize
	}
	copy(h.arena[q:q+int64(n)], h.arena[p:p+int64(n)])
	h.Free(p)
	return q
}

// Read copies n bytes out of the arena starting at payload offset p, for
// callers (tests, the syscall gate) that need to see what was written.
func (h *Heap) Read(p int64, n int) []byte {
	out := make([]byte, n)
	copy(out, h.arena[p:p+int64(n)])
	return out
}

// Write copies data into the arena at payload offset p.
func (h *Heap) Write(p int64, data []byte) {
	copy(h.arena[p:], data)
}

// Bytes exposes the raw arena slice at a payload offset for zero-copy
// access (used by the ELF loader and VFS buffered files).
func (h *Heap) Bytes(p int64, n int) []byte {
	return h.arena[p : p+int64(n)]
}

// Stats walks the block chain and reports the aggregate view spec.md §4.1
// requires from statistics().
func (h *Heap) Stats() Stats {
	var s Stats
	s.TotalSize = uint64(len(h.arena))
	s.NumAllocations = h.numAllocations

	cur := h.headOffset
	for cur != -1 {
		hdr := h.getHeader(cur)
		if hdr.flags == blockFree {
			s.FreeSize += hdr.size
			s.NumFreeBlocks++
			if hdr.size > s.LargestFree {
				s.LargestFree = hdr.size
			}
		} else {
			s.UsedSize += hdr.size
		}
		cur = hdr.next
	}
	return s
}
