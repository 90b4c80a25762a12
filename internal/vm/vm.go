// Package vm is the kernel virtual memory manager: page directory
// construction, physical-range mapping, and MMIO propagation to every
// live process's address space. Grounded on
// original_source/kernel/memory/vm.c (walkpgdir, mappages,
// kernel_map_mmio, propagate_kernel_range) and on the per-address-space
// mutex idiom in other_examples/...biscuit-src-vm-as.go.go's Vm_t.
//
// The original represents a page directory as a raw 4 KiB array of PDE
// words, each either absent or pointing at a page table allocated
// wherever physical memory happened to land — a pointer graph walked
// with walkpgdir. Per spec.md §9's re-architecture guidance, PageDir
// instead keys its page tables by PDE index in a map, the safe
// index-based-arena substitute: no pointer arithmetic, no raw memory
// aliasing, and a nil map lookup where the original would dereference a
// possibly-absent PDE.
package vm

import (
	"fmt"
	"sync"

	"github.com/aegros/aegros/internal/defs"
	"github.com/aegros/aegros/internal/mem"
)

// PTE flag bits, carried over from original_source/include/mmu.h's
// PTE_P/PTE_W/PTE_U/PTE_PCD/PTE_PWT/PTE_PAT naming.
const (
	PTE_P   = 1 << 0 // present
	PTE_W   = 1 << 1 // writable
	PTE_U   = 1 << 2 // user-accessible
	PTE_PWT = 1 << 3 // write-through
	PTE_PCD = 1 << 4 // cache-disable
	PTE_PAT = 1 << 7 // page-attribute-table (write-combining, paired with PCD/PWT)

	entriesPerTable = 1024
	pdeShift        = 22 // bits [31:22] select the page directory entry
	pteShift        = 12 // bits [21:12] select the page table entry

	// addressSpaceTop bounds a full 32-bit address space; used as the
	// upper limit when cloning every kernel-range PDE a directory might
	// hold, regardless of how far its owner actually mapped.
	addressSpaceTop = 1 << 32
)

// PTE is one page-table entry: a physical frame address plus flag bits,
// the same encoding as the hardware PTE the original stores directly.
type PTE uint32

func (p PTE) Present() bool { return p&PTE_P != 0 }
func (p PTE) Addr() defs.Pa_t {
	return defs.Pa_t(uint32(p) &^ (defs.PageSize - 1))
}

// PageTable is one page table: 1024 PTEs, addressed by the middle 10
// bits of a virtual address (PTX).
type PageTable struct {
	entries [entriesPerTable]PTE
}

// PageDir is a page directory: the map from PDE index to page table the
// re-architecture note above describes. A nil entry for an index means
// "not present," exactly as a zero PDE word does in the original.
type PageDir struct {
	mu     sync.Mutex
	tables map[uint32]*PageTable
}

// NewPageDir returns an empty page directory — the Go equivalent of
// setup_kernel_page_directory's fresh pml4/pgdir allocation before any
// entries are populated.
func NewPageDir() *PageDir {
	return &PageDir{tables: make(map[uint32]*PageTable)}
}

func pdx(va uintptr) uint32 { return uint32(va >> pdeShift) }
func ptx(va uintptr) uint32 { return uint32(va>>pteShift) & (entriesPerTable - 1) }

// walk returns the PTE slot for va, allocating an intermediate page
// table if alloc is true and one doesn't exist yet — walkpgdir's
// contract, minus the raw pointer return: callers get the page table and
// index instead of a *PTE, since Go slices/arrays don't alias a map
// value's backing array.
func (pd *PageDir) walk(va uintptr, alloc bool) (*PageTable, uint32, bool) {
	idx := pdx(va)
	pt, ok := pd.tables[idx]
	if !ok {
		if !alloc {
			return nil, 0, false
		}
		pt = &PageTable{}
		pd.tables[idx] = pt
	}
	return pt, ptx(va), true
}

// MapPages maps [va, va+size) to physical addresses starting at pa, one
// page at a time, failing if any covered page is already present —
// mappages' "remap" panic becomes a returned error here, since a hosted
// kernel should not crash the whole test process over a caller bug.
func (pd *PageDir) MapPages(va uintptr, pa defs.Pa_t, size uintptr, perm PTE) error {
	pd.mu.Lock()
	defer pd.mu.Unlock()

	start := alignDown(va)
	last := alignDown(va + size - 1)
	a, p := start, pa
	for {
		pt, idx, _ := pd.walk(a, true)
		if pt.entries[idx].Present() {
			return fmt.Errorf("vm: remap at va %#x: %w", a, defs.ErrInval)
		}
		pt.entries[idx] = PTE(uint32(p)|uint32(perm)) | PTE_P
		if a == last {
			break
		}
		a += defs.PageSize
		p += defs.PageSize
	}
	return nil
}

// mapIdempotent maps [va, va+size) like MapPages but silently skips any
// page already present instead of erroring, matching
// kernel_map_mmio_range's "if (*pte & PTE_P) continue" — MMIO mappings
// are requested idempotently by multiple subsystems (AHCI's ABAR,
// IOAPIC, LAPIC) and re-mapping an already-mapped range is routine, not
// a bug.
func (pd *PageDir) mapIdempotent(va uintptr, pa defs.Pa_t, size uintptr, perm PTE) {
	pd.mu.Lock()
	defer pd.mu.Unlock()

	start := alignDown(va)
	end := alignUp(va + size)
	p := pa
	for a := start; a < end; a += defs.PageSize {
		pt, idx, _ := pd.walk(a, true)
		if pt.entries[idx].Present() {
			p += defs.PageSize
			continue
		}
		pt.entries[idx] = PTE(uint32(p)|uint32(perm)) | PTE_P
		p += defs.PageSize
	}
}

// Translate walks the page directory and returns the physical address
// mapped at va, used by internal/ahci's virt-to-phys DMA buffer lookup
// (ahci_virt_to_phys in the original).
func (pd *PageDir) Translate(va uintptr) (defs.Pa_t, bool) {
	pd.mu.Lock()
	defer pd.mu.Unlock()

	pt, idx, ok := pd.walk(va, false)
	if !ok || !pt.entries[idx].Present() {
		return 0, false
	}
	pa := pt.entries[idx].Addr()
	return pa + defs.Pa_t(va&(defs.PageSize-1)), true
}

// Unmap clears every mapping in [start, end), optionally freeing the
// backing frames back to fa — unmap_vm_range's contract.
func (pd *PageDir) Unmap(start, end uintptr, freeFrames bool, fa *mem.FrameAllocator) {
	pd.mu.Lock()
	defer pd.mu.Unlock()

	for a := alignDown(start); a < end; a += defs.PageSize {
		pt, idx, ok := pd.walk(a, false)
		if !ok || !pt.entries[idx].Present() {
			continue
		}
		if freeFrames && fa != nil {
			fa.Free(mem.Frame(pt.entries[idx].Addr()))
		}
		pt.entries[idx] = 0
	}
}

// CloneKernelRange copies src's PDE entries covering [start,end) into pd,
// the Go equivalent of replicate_kernel_range — used to give every new
// process's page directory the kernel's upper-half mappings.
func (pd *PageDir) CloneKernelRange(src *PageDir, start, end uintptr) {
	if end <= start {
		return
	}
	src.mu.Lock()
	defer src.mu.Unlock()
	pd.mu.Lock()
	defer pd.mu.Unlock()

	s, e := alignDown(start), alignUp(end)
	for va := s; va < e; va += defs.PageSize * entriesPerTable {
		idx := pdx(va)
		if pt, ok := src.tables[idx]; ok {
			pd.tables[idx] = pt
		}
	}
}

// CopyUserVM builds a fresh page directory for a forked child: the
// kernel-range PDEs are cloned from pd exactly as CloneKernelRange does
// (the child inherits whatever kernel/MMIO view its parent already had),
// and every present page below size is duplicated into a newly allocated
// frame with the same permission bits — copy_user_vm's contract, the
// address-space half of fork (original_source/kernel/memory/vm.c:619
// copyuvm). Running out of frames partway through unwinds every frame
// already claimed and returns an error rather than a half-built directory.
func (pd *PageDir) CopyUserVM(fa *mem.FrameAllocator, size uint32) (*PageDir, error) {
	pd.mu.Lock()

	child := NewPageDir()
	var allocated []mem.Frame
	end := alignUp(uintptr(size))
	for a := uintptr(0); a < end; a += defs.PageSize {
		pt, idx, ok := pd.walk(a, false)
		if !ok || !pt.entries[idx].Present() {
			continue
		}
		perm := PTE(uint32(pt.entries[idx]) & (PTE_W | PTE_U | PTE_PCD | PTE_PWT | PTE_PAT))
		frame, ok := fa.Alloc()
		if !ok {
			pd.mu.Unlock()
			for _, f := range allocated {
				fa.Free(f)
			}
			return nil, fmt.Errorf("vm: copy_user_vm out of memory at va %#x: %w", a, defs.ErrNoMem)
		}
		allocated = append(allocated, frame)
		cpt, cidx, _ := child.walk(a, true)
		cpt.entries[cidx] = PTE(uint32(frame)|uint32(perm)) | PTE_P
	}
	pd.mu.Unlock()

	child.CloneKernelRange(pd, defs.KernBase, addressSpaceTop)
	return child, nil
}

// GrowUserVM maps freshly allocated, zeroed-on-first-touch-by-convention
// frames covering [oldSize, newSize) as user-writable pages — allocvm's
// contract, the per-process half of sbrk's growth path. Distinct from
// KernelMap.ResizeKernelHeap, which grows the shared kernel heap window
// instead of a single process's user range.
func (pd *PageDir) GrowUserVM(fa *mem.FrameAllocator, oldSize, newSize uint32) error {
	start := alignUp(uintptr(oldSize))
	end := alignUp(uintptr(newSize))

	var allocated []mem.Frame
	for a := start; a < end; a += defs.PageSize {
		frame, ok := fa.Alloc()
		if !ok {
			for _, f := range allocated {
				fa.Free(f)
			}
			return fmt.Errorf("vm: grow user vm out of memory at va %#x: %w", a, defs.ErrNoMem)
		}
		if err := pd.MapPages(a, defs.Pa_t(frame), defs.PageSize, PTE_W|PTE_U); err != nil {
			fa.Free(frame)
			for _, f := range allocated {
				fa.Free(f)
			}
			return err
		}
		allocated = append(allocated, frame)
	}
	return nil
}

// ShrinkUserVM unmaps and frees [newSize, oldSize) — deallocvm's contract,
// the shrink half of sbrk.
func (pd *PageDir) ShrinkUserVM(fa *mem.FrameAllocator, oldSize, newSize uint32) {
	start := alignUp(uintptr(newSize))
	end := alignUp(uintptr(oldSize))
	if end > start {
		pd.Unmap(start, end, true, fa)
	}
}

func alignDown(v uintptr) uintptr { return v &^ (defs.PageSize - 1) }
func alignUp(v uintptr) uintptr   { return (v + defs.PageSize - 1) &^ (defs.PageSize - 1) }
