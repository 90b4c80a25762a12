package ahci

import (
	"context"
	"sync"
	"testing"

	"github.com/aegros/aegros/internal/defs"
	"github.com/aegros/aegros/internal/ioport"
	"github.com/aegros/aegros/internal/vm"
)

type fakeDisk struct {
	mu    sync.Mutex
	store map[uint64][]byte
}

func newFakeDisk() *fakeDisk { return &fakeDisk{store: map[uint64][]byte{}} }

func (d *fakeDisk) ReadSectors(lba uint64, dst []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := len(dst) / SectorSize
	for i := 0; i < n; i++ {
		data := d.store[lba+uint64(i)]
		copy(dst[i*SectorSize:(i+1)*SectorSize], data)
	}
	return nil
}

func (d *fakeDisk) WriteSectors(lba uint64, src []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := len(src) / SectorSize
	for i := 0; i < n; i++ {
		buf := make([]byte, SectorSize)
		copy(buf, src[i*SectorSize:(i+1)*SectorSize])
		d.store[lba+uint64(i)] = buf
	}
	return nil
}

// newControllerBus builds a fake Bus with one implemented, link-active
// port at index 0 and maps the ABAR window for it.
func newControllerBus(t *testing.T) (*ioport.Fake, uintptr) {
	t.Helper()
	bus := ioport.NewFake()
	const abar = uintptr(0xF0000000)
	bus.MapMMIO(abar, MMIOSize)

	// CAP: NP=0 (1 port). PI: port 0 implemented.
	bus.MMIOWrite32(abar+regCAP, 0x00000000)
	bus.MMIOWrite32(abar+regPI, 0x1)
	// SSTS for port 0: DET=3 (present+active), IPM=1 (active).
	bus.MMIOWrite32(abar+hbaPortsBase+regPxSSTS, 0x00000103)

	return bus, abar
}

func TestInitConfiguresActiveLinkPort(t *testing.T) {
	bus, abar := newControllerBus(t)
	disk := newFakeDisk()

	c := New(bus, abar, nil)
	if err := c.Init(disk); err != nil {
		t.Fatalf("Init: %v", err)
	}
	port := c.ActivePort()
	if port == nil {
		t.Fatal("ActivePort() = nil, want a configured port")
	}
	if !port.Ready() {
		t.Fatal("Ready() = false after Init configured the port")
	}
}

func TestReadWriteRoundTrip(t *testing.T) {
	bus, abar := newControllerBus(t)
	disk := newFakeDisk()

	c := New(bus, abar, nil)
	if err := c.Init(disk); err != nil {
		t.Fatalf("Init: %v", err)
	}
	port := c.ActivePort()

	out := make([]byte, 2*SectorSize)
	out[0], out[SectorSize] = 0x11, 0x22
	if err := port.Write(context.Background(), 100, out); err != nil {
		t.Fatalf("Write: %v", err)
	}

	in := make([]byte, 2*SectorSize)
	if err := port.Read(context.Background(), 100, in); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if in[0] != 0x11 || in[SectorSize] != 0x22 {
		t.Fatalf("round trip mismatch: got %v", in[:1])
	}
}

func TestInitWithNoActiveLinkLeavesNoActivePort(t *testing.T) {
	bus := ioport.NewFake()
	const abar = uintptr(0xE0000000)
	bus.MapMMIO(abar, MMIOSize)
	bus.MMIOWrite32(abar+regCAP, 0x00000000)
	bus.MMIOWrite32(abar+regPI, 0x1)
	// SSTS left at its MMIO-fake zero default: DET=0, no device present.

	c := New(bus, abar, nil)
	if err := c.Init(newFakeDisk()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if c.ActivePort() != nil {
		t.Fatal("ActivePort() non-nil with no link-active port on the bus")
	}
}

func TestCalculateChunkWithNilPageDirAlwaysBounces(t *testing.T) {
	chunk, needsBounce := calculateChunk(nil, 0, 8)
	if chunk != 1 || !needsBounce {
		t.Fatalf("calculateChunk(nil, ...) = (%d, %v), want (1, true)", chunk, needsBounce)
	}
}

func TestCalculateChunkWithMappedPageDirSpansWholePage(t *testing.T) {
	pd := vm.NewPageDir()
	const va = 0x1000
	if err := pd.MapPages(va, defs.Pa_t(0x2000), defs.PageSize, vm.PTE_W|vm.PTE_U); err != nil {
		t.Fatalf("MapPages: %v", err)
	}

	// va is page-aligned, so the whole page (8 sectors) is contiguous and
	// no bounce buffer is needed.
	chunk, needsBounce := calculateChunk(pd, va, 8)
	if needsBounce {
		t.Fatal("calculateChunk should not require a bounce buffer for a page-aligned, fully-mapped request")
	}
	if chunk != 8 {
		t.Fatalf("chunk = %d, want 8 (one full page of sectors)", chunk)
	}
}

func TestCalculateChunkClampsToPageBoundary(t *testing.T) {
	pd := vm.NewPageDir()
	const va = 0x1000
	if err := pd.MapPages(va, defs.Pa_t(0x2000), defs.PageSize, vm.PTE_W|vm.PTE_U); err != nil {
		t.Fatalf("MapPages: %v", err)
	}

	// Starting one sector into the page leaves 7 sectors' worth of
	// contiguous space before the next page boundary, even though the
	// caller asked for more.
	chunk, needsBounce := calculateChunk(pd, va+SectorSize, 8)
	if needsBounce {
		t.Fatal("a partial page still has room for a non-bounce chunk")
	}
	if chunk != 7 {
		t.Fatalf("chunk = %d, want 7 (clamped to the remaining page)", chunk)
	}
}

func TestWriteRejectsNonSectorMultiple(t *testing.T) {
	bus, abar := newControllerBus(t)
	c := New(bus, abar, nil)
	if err := c.Init(newFakeDisk()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := c.ActivePort().Write(context.Background(), 0, make([]byte, 10)); err == nil {
		t.Fatal("expected an error for a non-sector-multiple buffer")
	}
}
