package vm

import (
	"testing"

	"github.com/aegros/aegros/internal/defs"
)

func TestMapPagesAndTranslate(t *testing.T) {
	pd := NewPageDir()
	if err := pd.MapPages(0x2000, 0x5000, defs.PageSize, PTE_W); err != nil {
		t.Fatalf("MapPages: %v", err)
	}
	pa, ok := pd.Translate(0x2000 + 0x10)
	if !ok {
		t.Fatal("Translate: not found")
	}
	if pa != 0x5010 {
		t.Fatalf("Translate = %#x, want 0x5010", pa)
	}
}

func TestMapPagesRejectsRemap(t *testing.T) {
	pd := NewPageDir()
	if err := pd.MapPages(0x1000, 0x1000, defs.PageSize, PTE_W); err != nil {
		t.Fatalf("first MapPages: %v", err)
	}
	if err := pd.MapPages(0x1000, 0x2000, defs.PageSize, PTE_W); err == nil {
		t.Fatal("second MapPages over same VA succeeded, want remap error")
	}
}

func TestUnmapClearsTranslation(t *testing.T) {
	pd := NewPageDir()
	if err := pd.MapPages(0x3000, 0x9000, defs.PageSize, PTE_W); err != nil {
		t.Fatalf("MapPages: %v", err)
	}
	pd.Unmap(0x3000, 0x3000+defs.PageSize, false, nil)
	if _, ok := pd.Translate(0x3000); ok {
		t.Fatal("Translate succeeded after Unmap")
	}
}

func TestCloneKernelRangeSharesPageTable(t *testing.T) {
	kernel := NewPageDir()
	if err := kernel.MapPages(0x80000000, 0, defs.PageSize, PTE_W); err != nil {
		t.Fatalf("MapPages: %v", err)
	}
	proc := NewPageDir()
	proc.CloneKernelRange(kernel, 0x80000000, 0x80001000)

	pa, ok := proc.Translate(0x80000000)
	if !ok || pa != 0 {
		t.Fatalf("Translate in cloned dir = %#x,%v want 0,true", pa, ok)
	}
}

type fakeEnumerator struct {
	dirs []*PageDir
}

func (f *fakeEnumerator) ForEachPageDir(fn func(*PageDir)) {
	for _, d := range f.dirs {
		fn(d)
	}
}

func TestMapMMIOPropagatesWhenEnabled(t *testing.T) {
	km := NewKernelMap()
	km.EnablePropagation()

	var propagated int
	km.OnPropagate(func() { propagated++ })

	procDir := NewPageDir()
	enum := &fakeEnumerator{dirs: []*PageDir{procDir}}

	if err := km.MapMMIO(enum, 0xFEC00000, defs.PageSize); err != nil {
		t.Fatalf("MapMMIO: %v", err)
	}

	if _, ok := procDir.Translate(0xFEC00000); !ok {
		t.Fatal("MMIO mapping did not propagate to process page directory")
	}
	if propagated != 1 {
		t.Fatalf("propagate hook called %d times, want 1", propagated)
	}

	ranges := km.MMIO.Ranges()
	if len(ranges) != 1 {
		t.Fatalf("len(ranges) = %d, want 1", len(ranges))
	}
}

func TestMapMMIOIdempotent(t *testing.T) {
	km := NewKernelMap()
	if err := km.MapMMIO(nil, 0xFEE00000, defs.PageSize); err != nil {
		t.Fatalf("first MapMMIO: %v", err)
	}
	if err := km.MapMMIO(nil, 0xFEE00000, defs.PageSize); err != nil {
		t.Fatalf("second MapMMIO (idempotent) failed: %v", err)
	}
}
