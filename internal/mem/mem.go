// Package mem is the physical page allocator: a free list of 4 KiB
// frames seeded from the firmware memory map, grounded on
// original_source/kernel/memory/physmem.c and the free-list bookkeeping
// in justanotherdot-biscuit's phys_init/pgcount.
//
// The original's free list threads a pointer through the first word of
// each free page. That trick has no safe Go equivalent, so the list is
// represented as an index-based arena instead (the re-architecture spec.md
// §9 prescribes in place of a pointer graph): pages is a slice of nodes,
// each holding the arena index of the next free node, and freeHead is the
// index of the list's current top.
package mem

import (
	"sync"

	"github.com/aegros/aegros/internal/defs"
)

const noNext = -1

// Frame is a page-aligned physical frame address.
type Frame defs.Pa_t

// MemRange is a physical address range, end exclusive, as reported by the
// firmware memory map (multiboot mmap entries or the legacy mem_upper
// fallback).
type MemRange struct {
	Start, End uintptr
}

type pageNode struct {
	addr Frame
	next int32
}

// junkByte is the "dangling reference" pattern Free stamps across a
// frame's backing bytes before relinking it, so a stale pointer into it
// reads obviously poisoned data instead of silently-valid leftover bytes.
const junkByte = 0xD4

// FrameAllocator is a LIFO free list of physical frames. It runs unlocked
// until EnableLocking is called once SMP bring-up starts handing frames
// to more than one CPU, mirroring the original's single-threaded boot
// allocator becoming a locked one after pinit.
type FrameAllocator struct {
	locked bool
	mu     sync.Mutex

	pages    []pageNode
	freeHead int32
	nfree    int

	// junk holds the poisoned backing bytes of every frame currently on
	// the free list, keyed by frame address. It is the allocator's own
	// substitute for the original's in-place memset(p, 0xD4, PGSIZE): a
	// real physical frame has no Go-addressable storage here, so the
	// poisoned bytes are tracked out-of-band instead and dropped the
	// moment the frame is handed back out by Alloc.
	junk map[Frame][]byte
}

// NewFromRanges builds an unlocked allocator, pushing every page-aligned
// frame inside ranges onto the free list. Call EnableLocking after SMP
// bring-up; until then Alloc/Free are safe only from the boot CPU, same
// as the original allocator before pinit runs.
func NewFromRanges(ranges []MemRange) *FrameAllocator {
	fa := &FrameAllocator{freeHead: noNext}
	for _, r := range ranges {
		start := alignUp(r.Start, defs.PageSize)
		end := alignDown(r.End, defs.PageSize)
		for a := start; a < end; a += defs.PageSize {
			fa.push(Frame(a))
		}
	}
	return fa
}

// ReleaseRanges implements the intersect-and-page-align step of
// physmem_build_ranges/release_usable_memory_ranges: it clips ranges to
// [max(kernelEnd, 8MiB), usableLimit] and page-aligns what remains. The
// 8 MiB floor matches the original's refusal to ever free memory below
// the low 8 MiB, which early boot code and the legacy IDE DMA window may
// still be using regardless of where the kernel image actually ends.
func ReleaseRanges(ranges []MemRange, kernelEnd, usableLimit uintptr) []MemRange {
	const lowFloor = 8 * 1024 * 1024
	lower := kernelEnd
	if lower < lowFloor {
		lower = lowFloor
	}

	out := make([]MemRange, 0, len(ranges))
	for _, r := range ranges {
		start := r.Start
		end := r.End
		if start < lower {
			start = lower
		}
		if end > usableLimit {
			end = usableLimit
		}
		start = alignUp(start, defs.PageSize)
		end = alignDown(end, defs.PageSize)
		if start < end {
			out = append(out, MemRange{Start: start, End: end})
		}
	}
	return out
}

// EnableLocking switches the allocator into locked mode; called once,
// after the boot CPU has populated the free list but before any AP's
// scheduler loop starts.
func (fa *FrameAllocator) EnableLocking() {
	fa.locked = true
}

// Alloc removes and returns one frame from the free list. The returned
// frame's contents are whatever the previous owner left — callers that
// need a zeroed page must zero it themselves, matching the original
// kalloc's contract.
func (fa *FrameAllocator) Alloc() (Frame, bool) {
	fa.lock()
	defer fa.unlock()

	if fa.freeHead == noNext {
		return 0, false
	}
	idx := fa.freeHead
	node := &fa.pages[idx]
	fa.freeHead = node.next
	fa.nfree--
	delete(fa.junk, node.addr)
	return node.addr, true
}

// Free returns a frame to the allocator. It first stamps the frame's
// backing bytes with the 0xD4 "dangling reference" pattern the original
// kfree's "memset(v, 1, PGSIZE)"-equivalent poisoning uses to make
// use-after-free reads obviously wrong in a debugger, then relinks it at
// the head of the free list.
func (fa *FrameAllocator) Free(f Frame) {
	fa.lock()
	defer fa.unlock()

	page := make([]byte, defs.PageSize)
	for i := range page {
		page[i] = junkByte
	}
	if fa.junk == nil {
		fa.junk = make(map[Frame][]byte)
	}
	fa.junk[f] = page

	fa.push(f)
}

// PeekFreed returns the poisoned backing bytes Free wrote for f, if f is
// still sitting on the free list — exposed for tests that verify the
// junk-pattern invariant; production code has no reason to ever read a
// freed frame's contents.
func (fa *FrameAllocator) PeekFreed(f Frame) ([]byte, bool) {
	fa.lock()
	defer fa.unlock()
	b, ok := fa.junk[f]
	return b, ok
}

func (fa *FrameAllocator) push(f Frame) {
	fa.pages = append(fa.pages, pageNode{addr: f, next: fa.freeHead})
	fa.freeHead = int32(len(fa.pages) - 1)
	fa.nfree++
}

// NumFree reports the number of frames currently on the free list, the
// Go equivalent of the original's pgcount() free-list walk.
func (fa *FrameAllocator) NumFree() int {
	fa.lock()
	defer fa.unlock()
	return fa.nfree
}

func (fa *FrameAllocator) lock() {
	if fa.locked {
		fa.mu.Lock()
	}
}

func (fa *FrameAllocator) unlock() {
	if fa.locked {
		fa.mu.Unlock()
	}
}

func alignUp(v uintptr, align uintptr) uintptr {
	return (v + align - 1) &^ (align - 1)
}

func alignDown(v uintptr, align uintptr) uintptr {
	return v &^ (align - 1)
}
