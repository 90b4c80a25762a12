package mem

import (
	"testing"

	"github.com/aegros/aegros/internal/defs"
)

func TestNewFromRangesAllocatesPageAligned(t *testing.T) {
	fa := NewFromRanges([]MemRange{{Start: 0x1000, End: 0x4000}})
	if got := fa.NumFree(); got != 3 {
		t.Fatalf("NumFree = %d, want 3", got)
	}

	seen := make(map[Frame]bool)
	for i := 0; i < 3; i++ {
		f, ok := fa.Alloc()
		if !ok {
			t.Fatalf("Alloc %d failed, want success", i)
		}
		if uintptr(f)%defs.PageSize != 0 {
			t.Fatalf("frame %#x not page aligned", f)
		}
		if seen[f] {
			t.Fatalf("frame %#x allocated twice", f)
		}
		seen[f] = true
	}

	if _, ok := fa.Alloc(); ok {
		t.Fatal("Alloc succeeded after exhaustion, want failure")
	}
}

func TestFreeRelinksFrame(t *testing.T) {
	fa := NewFromRanges([]MemRange{{Start: 0, End: 0x1000}})
	f, ok := fa.Alloc()
	if !ok {
		t.Fatal("Alloc failed")
	}
	if fa.NumFree() != 0 {
		t.Fatalf("NumFree = %d, want 0", fa.NumFree())
	}
	fa.Free(f)
	if fa.NumFree() != 1 {
		t.Fatalf("NumFree after Free = %d, want 1", fa.NumFree())
	}
	got, ok := fa.Alloc()
	if !ok || got != f {
		t.Fatalf("Alloc after Free = %#x,%v want %#x,true", got, ok, f)
	}
}

func TestFreeStampsJunkPattern(t *testing.T) {
	fa := NewFromRanges([]MemRange{{Start: 0, End: 0x1000}})
	f, ok := fa.Alloc()
	if !ok {
		t.Fatal("Alloc failed")
	}

	fa.Free(f)
	junk, ok := fa.PeekFreed(f)
	if !ok {
		t.Fatal("PeekFreed found no junk bytes for a freed frame")
	}
	if len(junk) != defs.PageSize {
		t.Fatalf("len(junk) = %d, want %d", len(junk), defs.PageSize)
	}
	for i, b := range junk {
		if b != junkByte {
			t.Fatalf("junk[%d] = %#x, want %#x", i, b, junkByte)
		}
	}

	if _, ok := fa.Alloc(); !ok {
		t.Fatal("Alloc after Free failed")
	}
	if _, ok := fa.PeekFreed(f); ok {
		t.Fatal("PeekFreed still reports junk for a frame handed back out by Alloc")
	}
}

func TestReleaseRangesClipsToKernelEndAndLowFloor(t *testing.T) {
	ranges := []MemRange{{Start: 0, End: 0x20000000}}
	out := ReleaseRanges(ranges, 0x400000, 0x10000000)
	if len(out) != 1 {
		t.Fatalf("len(out) = %d, want 1", len(out))
	}
	if out[0].Start != 8*1024*1024 {
		t.Fatalf("Start = %#x, want 8MiB floor", out[0].Start)
	}
	if out[0].End != 0x10000000 {
		t.Fatalf("End = %#x, want usable limit", out[0].End)
	}
}

func TestReleaseRangesDropsEmptyIntersection(t *testing.T) {
	ranges := []MemRange{{Start: 0, End: 0x100000}}
	out := ReleaseRanges(ranges, 0x400000, 0x10000000)
	if len(out) != 0 {
		t.Fatalf("len(out) = %d, want 0 (range entirely below kernelEnd)", len(out))
	}
}
