package trap

import (
	"strings"
	"testing"

	"github.com/aegros/aegros/internal/defs"
)

type fakeVMA struct {
	mem map[uint32][]byte
}

func (f *fakeVMA) Contains(addr, size uint32, write bool) bool {
	_, ok := f.mem[addr]
	return ok
}

func (f *fakeVMA) ReadUser(addr, size uint32) ([]byte, bool) {
	data, ok := f.mem[addr]
	if !ok || uint32(len(data)) < size {
		return nil, false
	}
	return data[:size], true
}

func TestDispatchRoutesRegisteredVector(t *testing.T) {
	table := NewTable()
	var called bool
	table.Register(VecSyscall, func(tf *defs.TrapFrame) error {
		called = true
		return nil
	})

	tf := &defs.TrapFrame{Trapno: uint32(VecSyscall)}
	if err := table.Dispatch(tf); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if !called {
		t.Fatal("registered handler was not invoked")
	}
}

func TestDispatchIgnoresUnhandledIRQ(t *testing.T) {
	table := NewTable()
	tf := &defs.TrapFrame{Trapno: uint32(IRQBase) + 1}
	if err := table.Dispatch(tf); err != nil {
		t.Fatalf("Dispatch on spurious IRQ: %v", err)
	}
}

func TestDispatchPanicsOnTrulyUnexpectedVector(t *testing.T) {
	table := NewTable()
	tf := &defs.TrapFrame{Trapno: 200}

	defer func() {
		if recover() == nil {
			t.Fatal("expected a panic for an unregistered, non-IRQ vector")
		}
	}()
	_ = table.Dispatch(tf)
}

func TestDispatchUsesOnPanicHookInsteadOfPanicking(t *testing.T) {
	table := NewTable()
	var reason string
	table.OnPanic(func(tf *defs.TrapFrame, r string) { reason = r })

	tf := &defs.TrapFrame{Trapno: 200, Eip: 0x1234}
	if err := table.Dispatch(tf); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if !strings.Contains(reason, "200") {
		t.Fatalf("reason = %q, want it to mention vector 200", reason)
	}
}

func TestArgIntReadsStackArgument(t *testing.T) {
	vma := &fakeVMA{mem: map[uint32][]byte{
		0x2004: {0x2A, 0x00, 0x00, 0x00},
	}}
	tf := &defs.TrapFrame{Esp: 0x2000}

	v, err := ArgInt(tf, vma, 0)
	if err != nil {
		t.Fatalf("ArgInt: %v", err)
	}
	if v != 42 {
		t.Fatalf("ArgInt = %d, want 42", v)
	}
}

func TestArgPtrRejectsUnmappedPointer(t *testing.T) {
	vma := &fakeVMA{mem: map[uint32][]byte{
		0x2004: {0x00, 0x10, 0x00, 0x00},
	}}
	tf := &defs.TrapFrame{Esp: 0x2000}

	if _, err := ArgPtr(tf, vma, 0, 8); err == nil {
		t.Fatal("expected an error for a pointer outside any VMA")
	}
}

func TestArgStrReadsNULTerminated(t *testing.T) {
	vma := &fakeVMA{mem: map[uint32][]byte{
		0x2004: {0x00, 0x30, 0x00, 0x00},
		0x3000: append([]byte("hi"), 0, 0, 0, 0, 0, 0),
	}}
	tf := &defs.TrapFrame{Esp: 0x2000}

	s, err := ArgStr(tf, vma, 0, 8)
	if err != nil {
		t.Fatalf("ArgStr: %v", err)
	}
	if s != "hi" {
		t.Fatalf("ArgStr = %q, want %q", s, "hi")
	}
}

func TestDumpIncludesRegistersAndStack(t *testing.T) {
	tf := &defs.TrapFrame{Trapno: uint32(VecPageFault), Eip: 0xDEADBEEF, Esp: 0x1000}
	out := Dump(tf, nil)
	if !strings.Contains(out, "0xdeadbeef") {
		t.Fatalf("Dump output missing EIP: %s", out)
	}
	if !strings.Contains(out, "stack:") {
		t.Fatalf("Dump output missing stack trace section: %s", out)
	}
}
