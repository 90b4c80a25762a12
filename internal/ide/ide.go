// Package ide is the legacy PIO IDE fallback internal/buf dispatches to
// when no AHCI port is configured. original_source has no Go IDE driver
// of its own to translate — spec.md §4.4 only requires that the legacy
// path exist and be tried before panicking — so this is a minimal
// polling PIO ATA driver over the internal/ioport port-I/O seam, using
// the conventional primary-channel port layout (0x1F0-0x1F7) xv6-family
// kernels use.
package ide

import (
	"context"
	"fmt"

	"github.com/aegros/aegros/internal/ioport"
)

const (
	portData       = 0x1F0
	portSectorCnt  = 0x1F2
	portLBALow     = 0x1F3
	portLBAMid     = 0x1F4
	portLBAHigh    = 0x1F5
	portDriveHead  = 0x1F6
	portStatus     = 0x1F7
	portCommand    = 0x1F7

	statusBusy = 1 << 7
	statusDRQ  = 1 << 3
	statusErr  = 1 << 0

	cmdReadPIO  = 0x20
	cmdWritePIO = 0x30

	sectorSize  = 512
	pollTimeout = 1_000_000
)

// Controller is a single primary-channel ATA PIO drive, satisfying
// internal/buf.Block.
type Controller struct {
	bus     ioport.Bus
	present bool
}

// Probe issues IDENTIFY DEVICE and reports whether a drive answered —
// the Go equivalent of ideinit's per-drive detection loop, trimmed to a
// single drive since spec.md's boot sequence only ever needs a fallback
// for the boot disk.
func Probe(bus ioport.Bus) *Controller {
	c := &Controller{bus: bus}

	bus.Outb(portDriveHead, 0xE0)
	bus.Outb(portCommand, 0xEC) // IDENTIFY DEVICE
	status := bus.Inb(portStatus)
	c.present = status != 0xFF && status != 0
	return c
}

// Ready reports whether Probe found a responding drive.
func (c *Controller) Ready() bool { return c != nil && c.present }

func (c *Controller) waitReady(mask uint8, clear bool) error {
	for i := 0; i < pollTimeout; i++ {
		s := c.bus.Inb(portStatus)
		if clear {
			if s&mask == 0 {
				return nil
			}
		} else if s&mask != 0 {
			return nil
		}
		if s&statusErr != 0 {
			return fmt.Errorf("ide: status error (0x%02x)", s)
		}
	}
	return fmt.Errorf("ide: timed out waiting for status")
}

func (c *Controller) setupLBA(lba uint64, sectorCount uint8) {
	c.bus.Outb(portSectorCnt, sectorCount)
	c.bus.Outb(portLBALow, uint8(lba))
	c.bus.Outb(portLBAMid, uint8(lba>>8))
	c.bus.Outb(portLBAHigh, uint8(lba>>16))
	c.bus.Outb(portDriveHead, 0xE0|uint8((lba>>24)&0x0F))
}

// Read fills dst (must be sectorSize bytes) with one 512-byte sector from lba.
func (c *Controller) Read(ctx context.Context, lba uint64, dst []byte) error {
	if len(dst) != sectorSize {
		return fmt.Errorf("ide: Read: dst must be %d bytes, got %d", sectorSize, len(dst))
	}
	if !c.present {
		return fmt.Errorf("ide: no drive present")
	}
	if err := c.waitReady(statusBusy, true); err != nil {
		return err
	}
	c.setupLBA(lba, 1)
	c.bus.Outb(portCommand, cmdReadPIO)
	if err := c.waitReady(statusBusy, true); err != nil {
		return err
	}
	if err := c.waitReady(statusDRQ, false); err != nil {
		return err
	}
	for i := 0; i < sectorSize/2; i++ {
		w := c.bus.Inw(portData)
		dst[2*i] = uint8(w)
		dst[2*i+1] = uint8(w >> 8)
	}
	return nil
}

// Write flushes src (must be sectorSize bytes) to lba.
func (c *Controller) Write(ctx context.Context, lba uint64, src []byte) error {
	if len(src) != sectorSize {
		return fmt.Errorf("ide: Write: src must be %d bytes, got %d", sectorSize, len(src))
	}
	if !c.present {
		return fmt.Errorf("ide: no drive present")
	}
	if err := c.waitReady(statusBusy, true); err != nil {
		return err
	}
	c.setupLBA(lba, 1)
	c.bus.Outb(portCommand, cmdWritePIO)
	if err := c.waitReady(statusBusy, true); err != nil {
		return err
	}
	if err := c.waitReady(statusDRQ, false); err != nil {
		return err
	}
	for i := 0; i < sectorSize/2; i++ {
		w := uint16(src[2*i]) | uint16(src[2*i+1])<<8
		c.bus.Outw(portData, w)
	}
	return nil
}
