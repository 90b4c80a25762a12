package main

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/aegros/aegros/internal/ahci"
	"github.com/aegros/aegros/internal/ioport"
	"github.com/aegros/aegros/internal/smp"
)

// firmwareImage is a flat byte buffer standing in for the low 1 MiB of
// physical memory the BIOS, EBDA, and legacy MP tables occupy on real
// hardware. A freestanding build reads this region directly; here it
// backs internal/smp.Memory so Discover's EBDA/BDA scan runs against
// synthesized bytes instead.
type firmwareImage struct {
	buf []byte
}

func (f *firmwareImage) ReadAt(addr uint32, n int) ([]byte, bool) {
	if int(addr) < 0 || int(addr)+n > len(f.buf) {
		return nil, false
	}
	return f.buf[addr : int(addr)+n], true
}

var _ smp.Memory = (*firmwareImage)(nil)

func sum8(b []byte) uint8 {
	var s uint8
	for _, v := range b {
		s += v
	}
	return s
}

const (
	ebdaSegment      = 0x9000
	mpFloatingAddr   = ebdaSegment << 4
	mpConfigAddr     = mpFloatingAddr + 16
	lapicDefaultBase = 0xFEE00000
)

// buildFirmwareImage synthesizes a legacy MP Floating Pointer Structure
// plus configuration table (ncpu PROC entries, one IOAPIC entry),
// grounded on original_source/kernel/x86/mp.c's mpinit_legacy table
// shape, so internal/smp.Discover exercises its real parse-and-checksum
// path against a boot-time CPU count instead of real ACPI firmware this
// hosted build has no way to provide.
func buildFirmwareImage(ncpu int) *firmwareImage {
	if ncpu < 1 {
		ncpu = 1
	}
	img := &firmwareImage{buf: make([]byte, 1<<20)}

	binary.LittleEndian.PutUint16(img.buf[0x40E:0x410], ebdaSegment)

	confLen := 44 + ncpu*20 + 8
	conf := img.buf[mpConfigAddr : mpConfigAddr+confLen]
	copy(conf[0:4], []byte("PCMP"))
	binary.LittleEndian.PutUint16(conf[4:6], uint16(confLen))
	conf[6] = 4 // MP spec revision 1.4
	binary.LittleEndian.PutUint32(conf[36:40], lapicDefaultBase)

	p := 44
	for i := 0; i < ncpu; i++ {
		conf[p] = 0 // MPPROC
		conf[p+1] = byte(i)
		p += 20
	}
	conf[p] = 1 // MPIOAPIC
	conf[p+1] = 0
	p += 8
	conf[7] = uint8(-int8(sum8(conf)))

	fp := img.buf[mpFloatingAddr : mpFloatingAddr+16]
	copy(fp[0:4], []byte("_MP_"))
	binary.LittleEndian.PutUint32(fp[4:8], uint32(mpConfigAddr))
	fp[8] = 1 // length in 16-byte units
	fp[9] = 1 // spec revision
	fp[10] = uint8(-int8(sum8(fp)))

	return img
}

// fileDisk is the boot disk's backing store: a plain file opened by
// path, satisfying ahci.Disk. original_source's AHCI driver moves bytes
// between a PRDT-addressed physical buffer and a real SATA device; this
// hosted build has neither, so the disk image file stands in for both.
type fileDisk struct {
	mu sync.Mutex
	f  *os.File
}

func openFileDisk(path string) (*fileDisk, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening boot disk %q: %w", path, err)
	}
	return &fileDisk{f: f}, nil
}

func (d *fileDisk) ReadSectors(lba uint64, dst []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.f.ReadAt(dst, int64(lba)*ahci.SectorSize)
	if err == io.EOF {
		return nil // reading past the end of a sparse image reads as zeros
	}
	return err
}

func (d *fileDisk) WriteSectors(lba uint64, src []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.f.WriteAt(src, int64(lba)*ahci.SectorSize)
	return err
}

// legacy PIO IDE port offsets, mirroring internal/ide's primary-channel
// layout (unexported there, so the simulated drive below is rebuilt from
// the same original_source/include/io.h convention rather than imported).
const (
	portData      = 0x1F0
	portLBALow    = 0x1F3
	portLBAMid    = 0x1F4
	portLBAHigh   = 0x1F5
	portDriveHead = 0x1F6
	portStatus    = 0x1F7

	cmdReadPIO  = 0x20
	cmdWritePIO = 0x30
)

// installLegacyDrive wires a simulated ATA PIO drive onto bus, backed by
// disk, the counterpart to installing an AHCI HBA's registers: a hosted
// boot has no real IDE controller either, so the legacy fallback path
// needs its own register-level stand-in to be reachable at all.
func installLegacyDrive(bus *ioport.Fake, disk *fileDisk) {
	var lba uint32
	var rw [ahci.SectorSize]byte
	var rwOff int
	var pending bool

	bus.HandlePort(portStatus, ioport.PortHandler{
		Read8: func() uint8 {
			if pending {
				return 0x48 // DRDY|DRQ: a sector is ready to transfer
			}
			return 0x40 // DRDY, not BUSY/DRQ
		},
		Write8: func(v uint8) {
			switch v {
			case cmdReadPIO:
				_ = disk.ReadSectors(uint64(lba), rw[:])
				rwOff = 0
				pending = true
			case cmdWritePIO:
				rwOff = 0
				pending = true
			}
		},
	})
	bus.HandlePort(portDriveHead, ioport.PortHandler{Write8: func(v uint8) {
		lba = (lba &^ (0x0F << 24)) | uint32(v&0x0F)<<24
	}})
	bus.HandlePort(portLBALow, ioport.PortHandler{Write8: func(v uint8) { lba = (lba &^ 0xFF) | uint32(v) }})
	bus.HandlePort(portLBAMid, ioport.PortHandler{Write8: func(v uint8) { lba = (lba &^ (0xFF << 8)) | uint32(v)<<8 }})
	bus.HandlePort(portLBAHigh, ioport.PortHandler{Write8: func(v uint8) { lba = (lba &^ (0xFF << 16)) | uint32(v)<<16 }})
	bus.HandlePort(portData, ioport.PortHandler{
		Read16: func() uint16 {
			w := uint16(rw[rwOff]) | uint16(rw[rwOff+1])<<8
			rwOff += 2
			if rwOff >= len(rw) {
				pending = false
			}
			return w
		},
		Write16: func(v uint16) {
			rw[rwOff] = uint8(v)
			rw[rwOff+1] = uint8(v >> 8)
			rwOff += 2
			if rwOff >= len(rw) {
				_ = disk.WriteSectors(uint64(lba), rw[:])
				pending = false
			}
		},
	})
}
