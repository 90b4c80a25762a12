// Package apic maps the Local APIC and I/O APIC MMIO windows and
// provides the IRQ masking/routing/EOI operations
// original_source/kernel/x86/ioapic.c and
// justanotherdot-biscuit's irq_unmask/irq_eoi wrap around them. Mapping
// goes through internal/vm.KernelMap.MapMMIO the same way
// internal/ahci's register access goes through internal/ioport.Bus —
// register offsets are explicit arithmetic rather than a Go struct
// overlaid on the MMIO window, since nothing in this hosted build can
// alias a real physical device's memory the way the original's
// volatile struct pointer does.
package apic

import (
	"fmt"

	"github.com/aegros/aegros/internal/defs"
	"github.com/aegros/aegros/internal/ioport"
	"github.com/aegros/aegros/internal/trap"
	"github.com/aegros/aegros/internal/vm"
)

// DefaultLAPICPhys and DefaultIOAPICPhys are the conventional physical
// addresses used when ACPI's MADT doesn't override them — lap_id's
// hardcoded 0xfee00000 and ioapic.c's IOAPIC macro.
const (
	DefaultLAPICPhys  = 0xFEE00000
	DefaultIOAPICPhys = 0xFEC00000

	mmioWindow = defs.PageSize
)

// Local APIC register offsets (32-bit registers, 16-byte aligned).
const (
	lapicRegID  = 0x20
	lapicRegSVR = 0xF0
	lapicRegEOI = 0xB0
)

const svrEnable = 0x100

// LAPIC is the mapped Local APIC register window for one CPU.
type LAPIC struct {
	bus  ioport.Bus
	base uintptr
}

// MapLAPIC records phys (DefaultLAPICPhys unless MADT supplied an
// override) in the kernel page directory and returns a handle to it —
// set_lapic_base, generalized from a bare P2V cast to the
// KernelMap/ioport.Bus MMIO seam the rest of the device layer uses. The
// caller is expected to have already registered [phys, phys+mmioWindow)
// with the hosted ioport.Bus fake (internal/ahci's New follows the same
// convention: mapping the window and exercising it are separate steps).
func MapLAPIC(km *vm.KernelMap, procs vm.ProcEnumerator, bus ioport.Bus, phys uintptr) (*LAPIC, error) {
	if err := km.MapMMIO(procs, defs.Pa_t(phys), mmioWindow); err != nil {
		return nil, fmt.Errorf("apic: mapping LAPIC at %#x: %w", phys, err)
	}
	return &LAPIC{bus: bus, base: phys}, nil
}

// ID returns this LAPIC's APIC id — lap_id's (lapaddr[0x20/4] >> 24).
func (l *LAPIC) ID() uint8 {
	return uint8(l.bus.MMIORead32(l.base+lapicRegID) >> 24)
}

// EnableSpurious sets the spurious-interrupt vector and the APIC
// software-enable bit, without which the LAPIC delivers no interrupts.
func (l *LAPIC) EnableSpurious(vector uint8) {
	l.bus.MMIOWrite32(l.base+lapicRegSVR, uint32(vector)|svrEnable)
}

// EOI signals end-of-interrupt to the Local APIC — every IRQ handler's
// final step before returning from trap dispatch, matching trapstub's
// runtime.IRQwake-then-EOI ordering (irq_eoi).
func (l *LAPIC) EOI() {
	l.bus.MMIOWrite32(l.base+lapicRegEOI, 0)
}

// I/O APIC register index values, written to IOREGSEL before reading or
// writing IOWIN (ioapic.c's ioapic_read/ioapic_write).
const (
	ioapicRegID    = 0x00
	ioapicRegVer   = 0x01
	ioapicRegTable = 0x10

	ioregselOffset = 0x00
	iowinOffset    = 0x10

	intDisabled = 0x00010000
	intLogical  = 0x00000800
)

// IOAPIC is the mapped I/O APIC register window, masking and routing
// hardware IRQ lines to a destination CPU's APIC id.
type IOAPIC struct {
	bus       ioport.Bus
	base      uintptr
	expectID  uint8
	maxEntry  int
	unmasked  map[int]bool
	logFn     func(string, ...any)
}

// MapIOAPIC maps phys (DefaultIOAPICPhys unless MADT overrides it) and
// masks every redirection table entry — ioapic_int's "mark all
// interrupts edge-triggered, active high, disabled, and not routed to
// any CPUs" loop, generalized to however many entries REG_VER reports.
func MapIOAPIC(km *vm.KernelMap, procs vm.ProcEnumerator, bus ioport.Bus, phys uintptr, expectID uint8, log func(string, ...any)) (*IOAPIC, error) {
	if err := km.MapMMIO(procs, defs.Pa_t(phys), mmioWindow); err != nil {
		return nil, fmt.Errorf("apic: mapping IOAPIC at %#x: %w", phys, err)
	}

	io := &IOAPIC{bus: bus, base: phys, expectID: expectID, unmasked: make(map[int]bool), logFn: log}

	maxintr := int((io.read(ioapicRegVer) >> 16) & 0xFF)
	id := uint8(io.read(ioapicRegID) >> 24)
	if id != expectID && io.logFn != nil {
		io.logFn("apic: ioapic id mismatch: expected %d got %d; continuing anyway", expectID, id)
	}
	io.maxEntry = maxintr

	for i := 0; i <= maxintr; i++ {
		io.write(ioapicRegTable+2*i, intDisabled|(uint32(trap.IRQBase)+uint32(i)))
		io.write(ioapicRegTable+2*i+1, 0)
	}
	return io, nil
}

func (io *IOAPIC) read(reg uint32) uint32 {
	io.bus.MMIOWrite32(io.base+ioregselOffset, reg)
	return io.bus.MMIORead32(io.base + iowinOffset)
}

func (io *IOAPIC) write(reg uint32, v uint32) {
	io.bus.MMIOWrite32(io.base+ioregselOffset, reg)
	io.bus.MMIOWrite32(io.base+iowinOffset, v)
}

// EnableIOAPICInterrupt routes irq to destAPICID, edge-triggered, active
// high — enable_ioapic_interrupt, minus the cpus[] table indirection
// (callers already have the destination's APIC id from internal/smp's
// discovered Topology).
func (io *IOAPIC) EnableIOAPICInterrupt(irq int, destAPICID uint8) error {
	if irq < 0 || irq > io.maxEntry {
		return fmt.Errorf("apic: irq %d out of range [0, %d]", irq, io.maxEntry)
	}
	io.write(ioapicRegTable+2*irq, uint32(trap.IRQBase)+uint32(irq))
	io.write(ioapicRegTable+2*irq+1, uint32(destAPICID)<<24)
	io.unmasked[irq] = true
	return nil
}

// DisableIOAPICInterrupt re-masks irq — the inverse of
// EnableIOAPICInterrupt, used when a device is torn down.
func (io *IOAPIC) DisableIOAPICInterrupt(irq int) error {
	if irq < 0 || irq > io.maxEntry {
		return fmt.Errorf("apic: irq %d out of range [0, %d]", irq, io.maxEntry)
	}
	io.write(ioapicRegTable+2*irq, intDisabled|(uint32(trap.IRQBase)+uint32(irq)))
	io.write(ioapicRegTable+2*irq+1, 0)
	delete(io.unmasked, irq)
	return nil
}

// Unmasked reports whether irq is currently routed to a CPU.
func (io *IOAPIC) Unmasked(irq int) bool {
	return io.unmasked[irq]
}
