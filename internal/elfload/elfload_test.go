package elfload

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"testing"

	"github.com/aegros/aegros/internal/defs"
	"github.com/aegros/aegros/internal/mem"
	"github.com/aegros/aegros/internal/vm"
)

// buildMinimalELF32 hand-assembles the smallest valid little-endian
// ELF32 EM_386 executable with one PT_LOAD segment, so the test doesn't
// need a real toolchain-produced binary on disk.
func buildMinimalELF32(t *testing.T, vaddr uint32, payload []byte) []byte {
	t.Helper()

	const ehsize = 52
	const phsize = 32

	var buf bytes.Buffer

	// e_ident
	buf.Write([]byte{0x7f, 'E', 'L', 'F', 1, 1, 1, 0})
	buf.Write(make([]byte, 8))

	le := binary.LittleEndian
	write16 := func(v uint16) { _ = binary.Write(&buf, le, v) }
	write32 := func(v uint32) { _ = binary.Write(&buf, le, v) }

	write16(uint16(elf.ET_EXEC))
	write16(uint16(elf.EM_386))
	write32(uint32(elf.EV_CURRENT))
	write32(vaddr)        // e_entry
	write32(ehsize)       // e_phoff
	write32(0)            // e_shoff
	write32(0)            // e_flags
	write16(ehsize)       // e_ehsize
	write16(phsize)       // e_phentsize
	write16(1)            // e_phnum
	write16(0)            // e_shentsize
	write16(0)            // e_shnum
	write16(0)            // e_shstrndx

	phoff := uint32(ehsize + phsize)
	write32(uint32(elf.PT_LOAD))           // p_type
	write32(phoff)                         // p_offset
	write32(vaddr)                         // p_vaddr
	write32(vaddr)                         // p_paddr
	write32(uint32(len(payload)))          // p_filesz
	write32(uint32(len(payload)))          // p_memsz
	write32(uint32(elf.PF_R | elf.PF_X))   // p_flags
	write32(defs.PageSize)                 // p_align

	buf.Write(payload)
	return buf.Bytes()
}

func TestParseRejectsNonELF(t *testing.T) {
	if _, err := Parse(bytes.NewReader([]byte("not an elf"))); err == nil {
		t.Fatal("expected an error for a non-ELF reader")
	}
}

func TestLoadMapsAndCopiesSegment(t *testing.T) {
	const vaddr = 0x00100000
	payload := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	raw := buildMinimalELF32(t, vaddr, payload)

	img, err := Parse(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if img.Entry != vaddr {
		t.Fatalf("Entry = %#x, want %#x", img.Entry, vaddr)
	}

	pd := vm.NewPageDir()
	fa := mem.NewFromRanges([]mem.MemRange{{Start: 0x1000000, End: 0x2000000}})

	segs, err := img.Load(pd, fa)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(segs) != 1 {
		t.Fatalf("len(segs) = %d, want 1", len(segs))
	}
	if segs[0].VA != vaddr {
		t.Fatalf("segs[0].VA = %#x, want %#x", segs[0].VA, vaddr)
	}

	pa, ok := pd.Translate(vaddr)
	if !ok {
		t.Fatal("Translate: segment VA not mapped after Load")
	}
	page, ok := img.Page(pa)
	if !ok {
		t.Fatal("Page: no shadow content for the mapped frame")
	}
	off := int(vaddr) & (defs.PageSize - 1)
	if !bytes.Equal(page[off:off+len(payload)], payload) {
		t.Fatalf("loaded bytes = %v, want %v", page[off:off+len(payload)], payload)
	}
}
