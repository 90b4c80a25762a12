// Package smp discovers the machine's CPUs: an ACPI RSDP/RSDT-or-XSDT/MADT
// walk, falling back to the legacy MP Floating Pointer Structure scan when
// ACPI finds zero or one CPU. Grounded closely on
// original_source/kernel/x86/mp.c's smp_init/acpi_init/mpinit_legacy — the
// same scan locations (EBDA, top-of-base-memory, BIOS ROM), the same
// checksum-then-signature validation order, and the same "legacy only
// kicks in when ACPI underdelivers" fallback policy.
//
// A hosted build has no raw physical address space to scan directly, so
// Memory stands in for the original's P2V-mapped byte access: callers
// supply however their environment represents low physical memory (a
// byte slice for tests, an MMIO-backed view for a real boot loader
// handoff).
package smp

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// Memory is a byte-addressable view of physical memory low enough to
// contain the BIOS data area, EBDA, and ACPI tables — acpi_map_range's
// contract, minus the PHYSTOP/direct-map-vs-kernel_map_mmio distinction,
// which doesn't apply to a flat byte slice.
type Memory interface {
	ReadAt(addr uint32, n int) ([]byte, bool)
}

// CPU is one discovered processor.
type CPU struct {
	APICID uint8
}

// Topology is the result of Discover: every CPU found, plus the IOAPIC
// id and LAPIC physical base address most recently parsed — a later
// IOAPIC entry, or the legacy table read after MADT, overwrites an
// earlier value.
type Topology struct {
	CPUs       []CPU
	IOAPICID   uint8
	LAPICBase  uint32
	Source     string // "ACPI", "legacy MP", "ACPI + legacy MP"
}

func sum8(b []byte) uint8 {
	var s uint8
	for _, v := range b {
		s += v
	}
	return s
}

func (t *Topology) recordCPU(apicid uint8) {
	for _, c := range t.CPUs {
		if c.APICID == apicid {
			return
		}
	}
	t.CPUs = append(t.CPUs, CPU{APICID: apicid})
}

// --- Legacy MP Floating Pointer Structure ---

const mpStructSize = 16

func mpSearchRange(mem Memory, addr uint32, length int) (uint32, []byte, bool) {
	for off := 0; off+mpStructSize <= length; off += mpStructSize {
		b, ok := mem.ReadAt(addr+uint32(off), mpStructSize)
		if !ok {
			break
		}
		if bytes.Equal(b[:4], []byte("_MP_")) && sum8(b) == 0 {
			return addr + uint32(off), b, true
		}
	}
	return 0, nil, false
}

func mpSearch(mem Memory) (uint32, []byte, bool) {
	bda, ok := mem.ReadAt(0x400, 0x20)
	if !ok {
		return 0, nil, false
	}
	ebda := uint32(bda[0x0F])<<8 | uint32(bda[0x0E])
	if ebda != 0 {
		if a, b, ok := mpSearchRange(mem, ebda<<4, 1024); ok {
			return a, b, true
		}
	} else {
		baseKB := uint32(bda[0x14])<<8 | uint32(bda[0x13])
		if a, b, ok := mpSearchRange(mem, baseKB*1024-1024, 1024); ok {
			return a, b, true
		}
	}
	return mpSearchRange(mem, 0xF0000, 0x10000)
}

// discoverLegacy implements mpinit_legacy: find the floating pointer
// structure, validate the configuration table it points at, and walk
// PROC/IOAPIC entries (BUS/IOINTR/LINTR are 8-byte records, skipped).
func discoverLegacy(mem Memory, t *Topology) bool {
	_, fp, ok := mpSearch(mem)
	if !ok {
		return false
	}
	confPhys := binary.LittleEndian.Uint32(fp[4:8])
	if confPhys == 0 {
		return false
	}
	hdr, ok := mem.ReadAt(confPhys, 44)
	if !ok || !bytes.Equal(hdr[:4], []byte("PCMP")) {
		return false
	}
	version := hdr[6]
	if version != 1 && version != 4 {
		return false
	}
	length := binary.LittleEndian.Uint16(hdr[4:6])
	full, ok := mem.ReadAt(confPhys, int(length))
	if !ok || sum8(full) != 0 {
		return false
	}

	t.LAPICBase = binary.LittleEndian.Uint32(hdr[36:40])

	p := 44
	for p < int(length) {
		entryType := full[p]
		switch entryType {
		case 0: // MPPROC
			if p+20 > int(length) {
				return t.hasCPUs()
			}
			apicid := full[p+1]
			t.recordCPU(apicid)
			p += 20
		case 1: // MPIOAPIC
			if p+8 > int(length) {
				return t.hasCPUs()
			}
			t.IOAPICID = full[p+1]
			p += 8
		case 2, 3, 4: // MPBUS, MPIOINTR, MPLINTR
			p += 8
		default:
			return t.hasCPUs()
		}
	}
	return t.hasCPUs()
}

func (t *Topology) hasCPUs() bool { return len(t.CPUs) > 0 }

// --- ACPI RSDP/RSDT/XSDT/MADT ---

func acpiSearchRSDP(mem Memory, addr uint32, length int) (uint32, []byte, bool) {
	for off := 0; off+16 <= length; off += 16 {
		b, ok := mem.ReadAt(addr+uint32(off), 8)
		if !ok {
			break
		}
		if !bytes.Equal(b, []byte("RSD PTR ")) {
			continue
		}
		hdr, ok := mem.ReadAt(addr+uint32(off), 20)
		if !ok {
			continue
		}
		checkLen := 20
		revision := hdr[15]
		if revision >= 2 {
			ext, ok := mem.ReadAt(addr+uint32(off), 36)
			if ok {
				l := binary.LittleEndian.Uint32(ext[20:24])
				if l >= 20 {
					checkLen = int(l)
				}
			}
		}
		full, ok := mem.ReadAt(addr+uint32(off), checkLen)
		if ok && sum8(full) == 0 {
			return addr + uint32(off), full, true
		}
	}
	return 0, nil, false
}

func acpiFindRSDP(mem Memory) (uint32, []byte, bool) {
	bda, ok := mem.ReadAt(0x400, 0x20)
	if ok {
		ebda := uint32(bda[0x0F])<<8 | uint32(bda[0x0E])
		if ebda != 0 {
			if a, b, ok := acpiSearchRSDP(mem, ebda<<4, 1024); ok {
				return a, b, true
			}
		}
		baseKB := uint32(bda[0x14])<<8 | uint32(bda[0x13])
		if baseKB >= 1024 {
			if a, b, ok := acpiSearchRSDP(mem, baseKB*1024-1024, 1024); ok {
				return a, b, true
			}
		}
	}
	return acpiSearchRSDP(mem, 0xE0000, 0x20000)
}

func acpiMapTable(mem Memory, phys uint32) (sig [4]byte, full []byte, ok bool) {
	hdr, ok := mem.ReadAt(phys, 36)
	if !ok {
		return sig, nil, false
	}
	length := binary.LittleEndian.Uint32(hdr[4:8])
	full, ok = mem.ReadAt(phys, int(length))
	if !ok {
		return sig, nil, false
	}
	copy(sig[:], full[0:4])
	return sig, full, true
}

func acpiParseMADT(madt []byte, t *Topology) bool {
	if len(madt) < 44 {
		return false
	}
	t.LAPICBase = binary.LittleEndian.Uint32(madt[36:40])

	p := 44
	for p+2 <= len(madt) {
		entryType := madt[p]
		entryLen := int(madt[p+1])
		if entryLen < 2 || p+entryLen > len(madt) {
			break
		}
		switch entryType {
		case 0: // Processor Local APIC
			if entryLen >= 8 {
				flags := binary.LittleEndian.Uint32(madt[p+4 : p+8])
				if flags&0x01 != 0 {
					t.recordCPU(madt[p+3])
				}
			}
		case 1: // I/O APIC
			if entryLen >= 4 {
				t.IOAPICID = madt[p+2]
			}
		case 5: // Local APIC address override
			if entryLen >= 12 {
				lo := binary.LittleEndian.Uint64(madt[p+4 : p+12])
				t.LAPICBase = uint32(lo)
			}
		case 9: // Processor Local x2APIC
			if entryLen >= 16 {
				flags := binary.LittleEndian.Uint32(madt[p+8 : p+12])
				if flags&0x01 != 0 {
					t.recordCPU(uint8(binary.LittleEndian.Uint32(madt[p+4 : p+8])))
				}
			}
		}
		p += entryLen
	}
	return t.hasCPUs()
}

func acpiVisitSDT(mem Memory, table []byte, entrySize int, t *Topology) bool {
	if len(table) < 36 || sum8(table) != 0 {
		return false
	}
	entries := table[36:]
	count := len(entries) / entrySize
	for i := 0; i < count; i++ {
		var addr uint64
		chunk := entries[i*entrySize : (i+1)*entrySize]
		if entrySize == 8 {
			addr = binary.LittleEndian.Uint64(chunk)
		} else {
			addr = uint64(binary.LittleEndian.Uint32(chunk))
		}
		if addr == 0 || addr>>32 != 0 {
			continue
		}
		sig, full, ok := acpiMapTable(mem, uint32(addr))
		if !ok {
			continue
		}
		if sig == [4]byte{'A', 'P', 'I', 'C'} && sum8(full) == 0 {
			if acpiParseMADT(full, t) {
				return true
			}
		}
	}
	return false
}

func discoverACPI(mem Memory, t *Topology) bool {
	_, rsdp, ok := acpiFindRSDP(mem)
	if !ok {
		return false
	}
	revision := rsdp[15]
	rsdtAddr := binary.LittleEndian.Uint32(rsdp[16:20])

	if rsdtAddr != 0 {
		if sig, full, ok := acpiMapTable(mem, rsdtAddr); ok && sig == [4]byte{'R', 'S', 'D', 'T'} {
			if acpiVisitSDT(mem, full, 4, t) {
				return t.hasCPUs()
			}
		}
	}
	if revision >= 2 && len(rsdp) >= 36 {
		xsdtAddr := binary.LittleEndian.Uint64(rsdp[24:32])
		if xsdtAddr != 0 && xsdtAddr>>32 == 0 {
			if sig, full, ok := acpiMapTable(mem, uint32(xsdtAddr)); ok && sig == [4]byte{'X', 'S', 'D', 'T'} {
				if acpiVisitSDT(mem, full, 8, t) {
					return t.hasCPUs()
				}
			}
		}
	}
	return false
}

// Discover runs the ACPI scan, then the legacy MP scan if ACPI found
// zero or one CPU, and panics if both attempts together yield zero —
// smp_init's unconditional "Failed to initialize multiprocessor support"
// panic, since a kernel with no known CPU cannot boot.
func Discover(mem Memory) *Topology {
	t := &Topology{}
	acpiOK := discoverACPI(mem, t)
	legacyOK := false

	if !acpiOK || len(t.CPUs) <= 1 {
		legacyOK = discoverLegacy(mem, t)
	}

	switch {
	case legacyOK && acpiOK:
		t.Source = "ACPI + legacy MP"
	case legacyOK:
		t.Source = "legacy MP"
	case acpiOK:
		t.Source = "ACPI"
	default:
		t.Source = "unknown"
	}

	if len(t.CPUs) == 0 {
		panic("smp: failed to discover any CPUs via ACPI or legacy MP tables")
	}
	return t
}

// BringUp supervises per-AP startup goroutines with an errgroup, the
// Go-hosted stand-in for cpus_start's STARTUP-IPI sequence (itself
// behind the internal/ioport seam in internal/apic). start is called
// once per non-bootstrap CPU; if any AP fails to come up, BringUp
// returns the first error after every AP's start attempt has finished.
func BringUp(ctx context.Context, bspAPICID uint8, t *Topology, start func(ctx context.Context, c CPU) error) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, c := range t.CPUs {
		if c.APICID == bspAPICID {
			continue
		}
		c := c
		g.Go(func() error {
			if err := start(ctx, c); err != nil {
				return fmt.Errorf("smp: AP apicid=%d failed to start: %w", c.APICID, err)
			}
			return nil
		})
	}
	return g.Wait()
}
