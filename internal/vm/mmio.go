package vm

import (
	"fmt"
	"sync"

	"github.com/aegros/aegros/internal/defs"
	"github.com/aegros/aegros/internal/mem"
)

// MMIORange is one recorded device-memory mapping, merged with any
// adjacent/overlapping range the way kernel_map_mmio_range's bookkeeping
// loop does.
type MMIORange struct {
	Start, End uintptr
}

// MMIORegistry is the append-only log of every MMIO range the kernel has
// ever mapped, spec.md §9's prescribed replacement for re-deriving
// "what's already mapped" by re-walking the page directory. Ranges
// exposes the log; new page directories do not read it, but receive MMIO
// mappings by cloning the kernel's PDEs (CloneKernelRange, CopyUserVM) or
// through propagation when a range is mapped.
type MMIORegistry struct {
	mu     sync.Mutex
	ranges []MMIORange
}

func (r *MMIORegistry) record(start, end uintptr) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.ranges {
		rr := &r.ranges[i]
		if start <= rr.End && end >= rr.Start {
			if start < rr.Start {
				rr.Start = start
			}
			if end > rr.End {
				rr.End = end
			}
			return
		}
	}
	r.ranges = append(r.ranges, MMIORange{Start: start, End: end})
}

// Ranges returns a copy of every recorded MMIO range.
func (r *MMIORegistry) Ranges() []MMIORange {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]MMIORange, len(r.ranges))
	copy(out, r.ranges)
	return out
}

// ProcEnumerator is the seam internal/proc's process table satisfies so
// KernelMap can propagate a new kernel mapping into every live process's
// page directory without vm importing proc (which would cycle back,
// since a Proc holds a *PageDir). internal/proc.Table.ForEachPageDir
// implements this.
type ProcEnumerator interface {
	ForEachPageDir(func(*PageDir))
}

// KernelMap owns the kernel's own page directory plus the MMIO registry
// and propagation toggle, the Go equivalent of the original's file-scope
// kpgdir/kernel_mmio_ranges/mmio_propagation_enabled globals.
type KernelMap struct {
	Kernel *PageDir
	MMIO   MMIORegistry

	mu                 sync.Mutex
	propagationEnabled bool
	onPropagate        func() // simulated CR3 reload / switch_kernel_page_directory hook

	// heapBrk is the kernel heap window's current break. Starts at 0,
	// meaning "uninitialized" — SetKernelHeapBase must run once, after the
	// caller has mapped whatever static RAM range the heap window sits
	// above, before the first ResizeKernelHeap call.
	heapBrk uintptr
}

// NewKernelMap returns a KernelMap wrapping a fresh kernel page directory.
func NewKernelMap() *KernelMap {
	return &KernelMap{Kernel: NewPageDir()}
}

// EnablePropagation turns on propagate-to-every-process-page-directory
// behavior for future MMIO mappings, matching
// kernel_enable_mmio_propagation — called once SMP bring-up has
// populated the process table enough for propagation to matter.
func (k *KernelMap) EnablePropagation() {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.propagationEnabled = true
}

// OnPropagate registers the seam hook called in place of a real CR3
// reload (switch_kernel_page_directory) after every mapping; the hosted
// build's internal/ioport fake takes this, a freestanding build would
// call lcr3 directly.
func (k *KernelMap) OnPropagate(fn func()) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.onPropagate = fn
}

// MapMMIO identity-maps [pa, pa+size) as uncached MMIO into the kernel
// page directory, records it in the registry, and propagates it to every
// live process if propagation is enabled — kernel_map_mmio.
func (k *KernelMap) MapMMIO(procs ProcEnumerator, pa defs.Pa_t, size uintptr) error {
	return k.mapMMIO(procs, pa, size, PTE_W|PTE_PCD|PTE_PWT)
}

// MapMMIOWriteCombining maps the range with the write-combining PAT
// encoding instead of fully uncached — kernel_map_mmio_wc, used for
// framebuffer memory where write-combining materially helps throughput.
func (k *KernelMap) MapMMIOWriteCombining(procs ProcEnumerator, pa defs.Pa_t, size uintptr) error {
	return k.mapMMIO(procs, pa, size, PTE_W|PTE_PWT|PTE_PAT)
}

// SetKernelHeapBase fixes the kernel heap window's starting break,
// matching the original's choice to place the heap immediately above
// whatever static RAM range setup_kernel_pagedir already identity-mapped.
// Must be called at most once, before the first ResizeKernelHeap call.
func (k *KernelMap) SetKernelHeapBase(base uintptr) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.heapBrk = base
}

// ResizeKernelHeap grows or shrinks the kernel heap window by delta bytes
// (rounded up to whole pages) and returns the old break —
// resize_kernel_heap's contract (original_source/kernel/memory/vm.c:357
// resize_kernel_page_directory). Growth maps fresh frames from fa;
// shrinkage unmaps and frees them. Either way the affected kernel-range
// PDEs are propagated to every live process page directory exactly like a
// new MMIO mapping, since the kernel heap lives in the shared upper half
// every process page directory mirrors.
func (k *KernelMap) ResizeKernelHeap(procs ProcEnumerator, fa *mem.FrameAllocator, delta int) (uintptr, error) {
	k.mu.Lock()
	if k.heapBrk == 0 {
		k.heapBrk = defs.KernBase
	}
	old := k.heapBrk
	next := int64(old) + int64(delta)
	if uintptr(next) < defs.KernBase {
		k.mu.Unlock()
		return 0, fmt.Errorf("vm: resize kernel heap below KernBase: %w", defs.ErrInval)
	}
	k.heapBrk = uintptr(next)
	k.mu.Unlock()

	lo, hi := alignUp(old), alignUp(uintptr(next))
	if lo > hi {
		lo, hi = hi, lo
	}

	if next > int64(old) {
		for a := lo; a < hi; a += defs.PageSize {
			frame, ok := fa.Alloc()
			if !ok {
				return 0, fmt.Errorf("vm: resize kernel heap out of memory: %w", defs.ErrNoMem)
			}
			k.Kernel.mapIdempotent(a, defs.Pa_t(frame), defs.PageSize, PTE_P|PTE_W)
		}
	} else if next < int64(old) {
		k.Kernel.Unmap(lo, hi, true, fa)
	}

	k.mu.Lock()
	propagate := k.propagationEnabled
	hook := k.onPropagate
	k.mu.Unlock()

	if propagate && procs != nil && hi > lo {
		procs.ForEachPageDir(func(pd *PageDir) {
			pd.CloneKernelRange(k.Kernel, lo, hi)
		})
	}
	if hook != nil {
		hook()
	}
	return old, nil
}

func (k *KernelMap) mapMMIO(procs ProcEnumerator, pa defs.Pa_t, size uintptr, perm PTE) error {
	if size == 0 {
		return nil
	}

	start := alignDown(uintptr(pa))
	end := alignUp(uintptr(pa) + size)

	k.Kernel.mapIdempotent(start, defs.Pa_t(start), end-start, perm)
	k.MMIO.record(start, end)

	k.mu.Lock()
	propagate := k.propagationEnabled
	hook := k.onPropagate
	k.mu.Unlock()

	if propagate && procs != nil {
		procs.ForEachPageDir(func(pd *PageDir) {
			pd.CloneKernelRange(k.Kernel, start, end)
		})
	}
	if hook != nil {
		hook()
	}
	return nil
}
