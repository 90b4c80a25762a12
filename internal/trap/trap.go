// Package trap is the trap/interrupt dispatch table and syscall argument
// plumbing. Grounded on justanotherdot-biscuit's trapstub/tfdump (the
// nosplit interrupt-context dispatch switch and the register dump it
// calls into) and on original_source's trap vector table implied by
// proc.h's TrapFrame-shaped register save area (internal/defs.TrapFrame
// mirrors the pusha-order layout both describe). Argument extraction
// (ArgInt/ArgPtr/ArgStr) follows spec.md §4.10's instruction to validate
// the user stack pointer against the live VMA list before dereferencing.
package trap

import (
	"bytes"
	"fmt"
	"runtime"
	"strings"

	"golang.org/x/arch/x86/x86asm"

	"github.com/aegros/aegros/internal/defs"
)

// Number is a trap/interrupt vector, matching the original's trapno field.
type Number uint32

// Vector numbers carried over from the original's trap dispatch, trimmed
// to what a hosted rebuild actually routes: syscalls, page faults, and
// the IRQ range handed to internal/apic.
const (
	VecDivide    Number = 0
	VecPageFault Number = 14
	VecSyscall   Number = 64
	IRQBase      Number = 32
	IRQLast      Number = 47
)

// Handler processes one trapped event; returning an error causes the
// dispatcher to fall through to the panic/diagnostic path.
type Handler func(tf *defs.TrapFrame) error

// VMAResolver is the seam into internal/proc's VMA list (C8), used to
// validate a user pointer before ArgPtr/ArgStr dereference it — the
// "validates the user stack pointer against the live VMA list" contract.
// internal/proc's per-process VMA tracker satisfies this.
type VMAResolver interface {
	// Contains reports whether [addr, addr+size) lies entirely within a
	// mapped, appropriately-permissioned VMA.
	Contains(addr uint32, size uint32, write bool) bool
	// ReadUser copies size bytes starting at addr out of user memory.
	ReadUser(addr uint32, size uint32) ([]byte, bool)
}

// Table routes trap vectors to handlers and panics (without calling
// Dump) on any unregistered vector outside the IRQ range, the Go equivalent of trapstub's switch plus the
// "unexpected IRQ" Pnum/halt path.
type Table struct {
	handlers map[Number]Handler
	onPanic  func(tf *defs.TrapFrame, reason string)
}

// NewTable returns an empty dispatch table.
func NewTable() *Table {
	return &Table{handlers: make(map[Number]Handler)}
}

// Register installs h for vector n, overwriting any previous handler.
func (t *Table) Register(n Number, h Handler) {
	t.handlers[n] = h
}

// OnPanic overrides what Dispatch does when a vector has no handler and
// isn't in the IRQ range; tests substitute a non-fatal recorder here
// instead of the default panic.
func (t *Table) OnPanic(fn func(tf *defs.TrapFrame, reason string)) {
	t.onPanic = fn
}

// Dispatch routes tf to its registered handler. Unregistered IRQ-range
// vectors are silently ignored as spurious, with no count kept (trapstub's default case for
// an otherwise-unhandled device IRQ); anything else unregistered is
// fatal, matching trapstub's Pnum+halt for a genuinely unexpected trap.
func (t *Table) Dispatch(tf *defs.TrapFrame) error {
	n := Number(tf.Trapno)
	if h, ok := t.handlers[n]; ok {
		return h(tf)
	}
	if n >= IRQBase && n <= IRQLast {
		return nil
	}
	reason := fmt.Sprintf("unhandled trap vector %d at eip=%#x", n, tf.Eip)
	if t.onPanic != nil {
		t.onPanic(tf, reason)
		return nil
	}
	panic(reason)
}

// ArgInt returns the nth syscall argument (0-indexed) as a raw uint32,
// read from the user stack just above the return address — argint's
// convention, generalized to a resolver rather than a global "current
// process" pointer.
func ArgInt(tf *defs.TrapFrame, vma VMAResolver, n int) (uint32, error) {
	addr := tf.Esp + uint32(4*(n+1))
	data, ok := vma.ReadUser(addr, 4)
	if !ok {
		return 0, fmt.Errorf("trap: argint %d: stack address %#x not mapped", n, addr)
	}
	return uint32(data[0]) | uint32(data[1])<<8 | uint32(data[2])<<16 | uint32(data[3])<<24, nil
}

// ArgPtr returns the nth argument as a validated user pointer covering
// size bytes — argptr's bounds check against the VMA list.
func ArgPtr(tf *defs.TrapFrame, vma VMAResolver, n int, size uint32) (uint32, error) {
	addr, err := ArgInt(tf, vma, n)
	if err != nil {
		return 0, err
	}
	if !vma.Contains(addr, size, false) {
		return 0, fmt.Errorf("trap: argptr %d: %#x..%#x not within a mapped VMA", n, addr, addr+size)
	}
	return addr, nil
}

// ArgStr returns the nth argument as a NUL-terminated user string, up to
// maxLen bytes — argstr's bounded scan.
func ArgStr(tf *defs.TrapFrame, vma VMAResolver, n int, maxLen uint32) (string, error) {
	addr, err := ArgInt(tf, vma, n)
	if err != nil {
		return "", err
	}
	data, ok := vma.ReadUser(addr, maxLen)
	if !ok {
		return "", fmt.Errorf("trap: argstr %d: %#x not mapped", n, addr)
	}
	if i := bytes.IndexByte(data, 0); i >= 0 {
		return string(data[:i]), nil
	}
	return "", fmt.Errorf("trap: argstr %d: no NUL terminator within %d bytes", n, maxLen)
}

// TextLookup supplies the faulting instruction's surrounding bytes (from
// the loaded kernel ELF's .text, per SPEC_FULL's panic-dump contract) so
// Dump can disassemble the instruction at Eip.
type TextLookup func(eip uint32) (code []byte, base uint32, ok bool)

// Dump renders a trapstub/tfdump-style diagnostic: register state, a
// symbolic Go stack trace (runtime.CallersFrames — there's no real
// kernel-private stack walk to do in a hosted build), and, if text is
// provided, the disassembled faulting instruction via x86asm.Decode —
// the Go-hosted equivalent of disassembling around a VM-exit RIP the way
// a hypervisor frontend would.
func Dump(tf *defs.TrapFrame, text TextLookup) string {
	var b strings.Builder
	fmt.Fprintf(&b, "trap %d err=%#x\n", tf.Trapno, tf.ErrorCode)
	fmt.Fprintf(&b, "EIP: %#08x CS: %#04x EFLAGS: %#08x\n", tf.Eip, tf.Cs, tf.Eflags)
	fmt.Fprintf(&b, "EAX: %#08x EBX: %#08x ECX: %#08x EDX: %#08x\n", tf.Eax, tf.Ebx, tf.Ecx, tf.Edx)
	fmt.Fprintf(&b, "ESI: %#08x EDI: %#08x EBP: %#08x ESP: %#08x\n", tf.Esi, tf.Edi, tf.Ebp, tf.Esp)

	if text != nil {
		if code, base, ok := text(tf.Eip); ok {
			off := int(tf.Eip - base)
			if off >= 0 && off < len(code) {
				inst, err := x86asm.Decode(code[off:], 32)
				if err == nil {
					fmt.Fprintf(&b, "faulting instruction: %s\n", x86asm.GNUSyntax(inst, uint64(tf.Eip), nil))
				} else {
					fmt.Fprintf(&b, "faulting instruction: <undecodable: %v>\n", err)
				}
			}
		}
	}

	pcs := make([]uintptr, 32)
	n := runtime.Callers(2, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	b.WriteString("stack:\n")
	for {
		fr, more := frames.Next()
		fmt.Fprintf(&b, "  %s (%s:%d)\n", fr.Function, fr.File, fr.Line)
		if !more {
			break
		}
	}
	return b.String()
}
