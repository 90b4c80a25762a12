package proc

import (
	"bytes"
	"testing"

	"github.com/aegros/aegros/internal/defs"
)

func TestReadWriteUserWithinHeap(t *testing.T) {
	p := &Proc{Size: 4096}

	data := []byte("hello")
	if !p.WriteUser(100, data) {
		t.Fatal("WriteUser within heap should succeed")
	}
	got, ok := p.ReadUser(100, uint32(len(data)))
	if !ok || !bytes.Equal(got, data) {
		t.Fatalf("ReadUser = (%q, %v), want (%q, true)", got, ok, data)
	}
}

func TestReadUserZeroFillsUntouchedPage(t *testing.T) {
	p := &Proc{Size: defs.PageSize}
	got, ok := p.ReadUser(10, 4)
	if !ok {
		t.Fatal("ReadUser within heap bounds should succeed even if never written")
	}
	if !bytes.Equal(got, []byte{0, 0, 0, 0}) {
		t.Fatalf("ReadUser of untouched page = %v, want zeros", got)
	}
}

func TestContainsRejectsOutOfRange(t *testing.T) {
	p := &Proc{Size: 4096}
	if p.Contains(4096, 1, false) {
		t.Fatal("Contains should reject an address at/past the heap's end")
	}
	if p.Contains(0, 0, false) {
		t.Fatal("Contains should reject a zero-length range")
	}
}

func TestMmapIsIdempotent(t *testing.T) {
	p := &Proc{}
	a1, err := p.Mmap(4096)
	if err != nil {
		t.Fatalf("Mmap: %v", err)
	}
	if a1 != defs.FBMmapBase {
		t.Fatalf("Mmap returned %#x, want the fixed FBMmapBase %#x", a1, defs.FBMmapBase)
	}
	a2, err := p.Mmap(4096)
	if err != nil {
		t.Fatalf("second Mmap: %v", err)
	}
	if a2 != a1 {
		t.Fatalf("second Mmap returned %#x, want the same address %#x", a2, a1)
	}
	if len(p.vmas) != 1 {
		t.Fatalf("Mmap twice should not register a second VMA, got %d", len(p.vmas))
	}
}

func TestMmapRangeIsAccessible(t *testing.T) {
	p := &Proc{}
	addr, err := p.Mmap(4096)
	if err != nil {
		t.Fatalf("Mmap: %v", err)
	}
	if !p.Contains(addr, 4096, true) {
		t.Fatal("the mapped framebuffer range should be writable through Contains")
	}
}

func TestMunmapRequiresExactRange(t *testing.T) {
	p := &Proc{}
	addr, _ := p.Mmap(4096)

	if err := p.Munmap(addr, 100); err == nil {
		t.Fatal("Munmap with a non-matching length should fail")
	}
	if err := p.Munmap(addr, 4096); err != nil {
		t.Fatalf("Munmap with the exact range should succeed: %v", err)
	}
	if p.Contains(addr, 4096, false) {
		t.Fatal("framebuffer range should no longer be accessible after Munmap")
	}
}

func TestForkDeepCopiesVMAsAndPages(t *testing.T) {
	table := NewTable()
	parent, err := table.Spawn("init", func(p *Proc, sched *CPU) {})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	parent.Size = 4096
	parent.WriteUser(0, []byte("parent"))
	if _, err := parent.Mmap(4096); err != nil {
		t.Fatalf("Mmap: %v", err)
	}

	child, err := table.Fork(parent, func(p *Proc, sched *CPU) {})
	if err != nil {
		t.Fatalf("Fork: %v", err)
	}

	child.WriteUser(0, []byte("child!"))
	got, _ := parent.ReadUser(0, 6)
	if string(got) != "parent" {
		t.Fatalf("writing through the child mutated the parent's page shadow: %q", got)
	}

	if err := child.Munmap(defs.FBMmapBase, 4096); err != nil {
		t.Fatalf("child should have inherited the device VMA: %v", err)
	}
	if !parent.Contains(defs.FBMmapBase, 4096, false) {
		t.Fatal("unmapping the child's copy should not affect the parent's VMA")
	}
}
