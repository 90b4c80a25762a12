package proc

import (
	"fmt"

	"github.com/aegros/aegros/internal/defs"
	"github.com/aegros/aegros/internal/elfload"
	"github.com/aegros/aegros/internal/trap"
	"github.com/aegros/aegros/internal/vm"
)

// Proc satisfies trap.VMAResolver so syscall argument extraction can
// validate a user pointer against the process's own VMA list.
var _ trap.VMAResolver = (*Proc)(nil)

// VMA describes one mapped range of a process's virtual address space: a
// device mapping (currently only the fixed framebuffer mmap spec.md §6
// names). The heap itself is not a VMA entry — it is implicitly
// [0, Size), grown by Sbrk — matching original_source/kernel/task/process.c's
// separate growproc/vma-list bookkeeping.
type VMA struct {
	Start, End uint32
	Writable   bool
	Device     bool
}

// page returns the byte shadow for the page starting at pageAddr,
// allocating (zero-filled) it on first touch when alloc is true.
func (p *Proc) page(pageAddr uint32, alloc bool) ([]byte, bool) {
	if p.pages == nil {
		if !alloc {
			return nil, false
		}
		p.pages = make(map[uint32][]byte)
	}
	pg, ok := p.pages[pageAddr]
	if !ok {
		if !alloc {
			return nil, false
		}
		pg = make([]byte, defs.PageSize)
		p.pages[pageAddr] = pg
	}
	return pg, true
}

// Contains reports whether [addr, addr+size) lies entirely within the
// process's heap (below Size) or a registered device VMA — satisfies
// trap.VMAResolver's bounds check for argptr, spec.md §4.10's
// "validates the user stack pointer against the live VMA list" contract.
func (p *Proc) Contains(addr uint32, size uint32, write bool) bool {
	if size == 0 {
		return false
	}
	end := addr + size
	if end < addr {
		return false
	}
	if end <= p.Size {
		return true
	}
	for _, v := range p.vmas {
		if addr >= v.Start && end <= v.End && (!write || v.Writable) {
			return true
		}
	}
	return false
}

// ReadUser copies size bytes starting at addr out of the process's
// mapped memory, zero-filling any page never written to — satisfies
// trap.VMAResolver.
func (p *Proc) ReadUser(addr uint32, size uint32) ([]byte, bool) {
	if !p.Contains(addr, size, false) {
		return nil, false
	}
	out := make([]byte, size)
	for i := uint32(0); i < size; {
		va := addr + i
		pageAddr := va &^ (defs.PageSize - 1)
		off := va & (defs.PageSize - 1)
		n := uint32(defs.PageSize) - off
		if rem := size - i; n > rem {
			n = rem
		}
		if pg, ok := p.page(pageAddr, false); ok {
			copy(out[i:i+n], pg[off:off+n])
		}
		i += n
	}
	return out, true
}

// WriteUser is ReadUser's write half: copies data into the process's
// mapped memory, allocating page shadows on demand. Used by syscalls
// that return results into a caller-validated buffer (read(2) and
// friends).
func (p *Proc) WriteUser(addr uint32, data []byte) bool {
	if !p.Contains(addr, uint32(len(data)), true) {
		return false
	}
	for i := 0; i < len(data); {
		va := addr + uint32(i)
		pageAddr := va &^ (defs.PageSize - 1)
		off := va & (defs.PageSize - 1)
		n := defs.PageSize - int(off)
		if rem := len(data) - i; n > rem {
			n = rem
		}
		pg, _ := p.page(pageAddr, true)
		copy(pg[off:off+uint32(n)], data[i:i+n])
		i += n
	}
	return true
}

// Mmap maps the framebuffer device at the fixed FBMmapBase address and
// returns it — spec.md §6's "only mmap target accepted" contract.
// Mapping twice is idempotent: a process that already holds the device
// VMA gets the same address back rather than a second overlapping one.
func (p *Proc) Mmap(length uint32) (uint32, error) {
	for _, v := range p.vmas {
		if v.Device {
			return v.Start, nil
		}
	}
	p.vmas = append(p.vmas, &VMA{
		Start:    defs.FBMmapBase,
		End:      defs.FBMmapBase + length,
		Writable: true,
		Device:   true,
	})
	return defs.FBMmapBase, nil
}

// Munmap releases the device VMA matching exactly [addr, addr+length) —
// munmap's "only releases exact device VMAs" contract; any other range,
// including a sub-range of a mapped device VMA, is rejected.
func (p *Proc) Munmap(addr uint32, length uint32) error {
	end := addr + length
	for i, v := range p.vmas {
		if v.Device && v.Start == addr && v.End == end {
			p.vmas = append(p.vmas[:i], p.vmas[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("proc: munmap %#x..%#x: no matching device VMA: %w", addr, end, defs.ErrInval)
}

// Exec replaces the calling process's address space with img's already-
// loaded PT_LOAD segments: internal/elfload performs the actual ELF
// parse and page mapping, and this drops every VMA (a device mapping
// included), copies the segments' byte contents (out of img's per-frame
// shadow via img.Page) so ReadUser/WriteUser see real file-backed bytes,
// and resets Size to the image's high-water mark, so the segments lie in
// the implicit [0, Size) range rather than in VMA entries — the
// proc-table half of exec(), matching
// growproc's "process size becomes the new image's size" contract.
func (p *Proc) Exec(pd *vm.PageDir, img *elfload.Image, segs []elfload.Segment) {
	p.PageDir = pd
	p.vmas = nil
	p.pages = nil

	var top uint32
	for _, s := range segs {
		start := uint32(s.VA) &^ (defs.PageSize - 1)
		end := uint32(uint64(s.VA)+s.MemSize+defs.PageSize-1) &^ (defs.PageSize - 1)

		for va := start; va < end; va += defs.PageSize {
			pa, ok := pd.Translate(uintptr(va))
			if !ok {
				continue
			}
			content, ok := img.Page(pa)
			if !ok {
				continue
			}
			pg, _ := p.page(va, true)
			copy(pg, content)
		}
		if end > top {
			top = end
		}
	}
	p.Size = top
}
