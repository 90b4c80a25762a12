// Package proc implements the process table, the per-CPU scheduler,
// sleep/wakeup, and the fork/exec/exit/wait/kill lifecycle. Grounded on
// original_source/include/proc.h and kernel/task/scheduler.c, and on
// justanotherdot-biscuit's proc_new.
//
// original_source's scheduler passes ownership of ptable.lock across a
// raw switch_context call: the scheduler acquires the lock, jumps into a
// process's stack via inline assembly, and the process later jumps back
// without the lock ever being released in between. Go has no assembly
// stack swap to hang that trick on, so this package replaces it with the
// safe equivalent spec.md §9 calls for: a persistent goroutine per
// process that blocks on a channel when not scheduled, and an explicit
// Spinlock the scheduler and the running process both take turns
// acquiring around every state mutation. The observable guarantee is the
// same — a process cannot transition to SLEEPING and have a matching
// Wakeup run unobserved — because the state change always happens while
// the table lock is held, and Wakeup always takes the same lock.
package proc

import (
	"github.com/aegros/aegros/internal/defs"
	"github.com/aegros/aegros/internal/mem"
	"github.com/aegros/aegros/internal/spinlock"
	"github.com/aegros/aegros/internal/vm"
)

// State is a process's scheduling state, mirroring enum procstate.
type State int

const (
	Unused State = iota
	Embryo
	Sleeping
	Runnable
	Running
	Zombie
)

func (s State) String() string {
	switch s {
	case Unused:
		return "UNUSED"
	case Embryo:
		return "EMBRYO"
	case Sleeping:
		return "SLEEPING"
	case Runnable:
		return "RUNNABLE"
	case Running:
		return "RUNNING"
	case Zombie:
		return "ZOMBIE"
	default:
		return "?"
	}
}

// File is the narrow slice of an open file descriptor the process table
// itself needs to manage (closing on exit). internal/fs's richer
// descriptor type satisfies this.
type File interface {
	Close() error
}

// Entry is a process's body. The scheduler starts it in its own
// goroutine the first time the process runs; it runs until it returns, which implicitly exits with status 0. sched is
// the CPU currently running it, the handle Sleep/Yield/Wait go through —
// a process may run on a different CPU each time it is scheduled, so
// this is passed fresh on every call rather than cached by the process.
type Entry func(p *Proc, sched *CPU)

// Proc is one process-table slot. Its fields are guarded by the owning
// Table's lock except where noted.
type Proc struct {
	PID       int
	ParentPID int
	Name      string
	State     State
	Killed    bool
	Size      uint32
	exitCode  int

	chanTok any // non-nil while State == Sleeping

	OFile [defs.NOFILE]File
	Cwd   string

	// PageDir is the process's address space. Spawn leaves it nil and
	// cmd/kernel or Exec fills it in; Fork gives the child a CopyUserVM
	// copy of the parent's when the parent has one. The Go equivalent of
	// allocproc's page_directory field.
	PageDir *vm.PageDir

	// vmas is the process's VMA list (C8): the heap occupies [0, Size)
	// implicitly, and any additional entries here are device mappings
	// (currently only the framebuffer mmap). pages is the lazily
	// allocated per-page byte shadow ReadUser/WriteUser read and write,
	// the hosted substitute for dereferencing through the kernel's linear
	// map into a real physical frame.
	vmas  []*VMA
	pages map[uint32][]byte

	entry Entry

	// resumeCh/doneCh are the channel-handoff substitute for
	// switch_context: the scheduler sends on resumeCh to let the
	// process's goroutine proceed, and waits on doneCh until the
	// process pauses again (sleep, yield, or exit).
	resumeCh chan struct{}
	doneCh   chan struct{}
	started  bool
}

// Table is the fixed-size process table, the Go analogue of
// original_source's static struct proc ptable.proc[NPROC] array — an
// index-based arena rather than a linked structure, per spec.md §9.
type Table struct {
	lock  *spinlock.Spinlock
	procs [defs.NPROC]*Proc
	npid  int

	initPID int

	// frames backs Fork's copy_user_vm call: a forked child's address
	// space is built out of freshly allocated frames rather than shared
	// with its parent. Nil until SetFrameAllocator is called, matching
	// how the table starts with no page directories at all either.
	frames *mem.FrameAllocator
}

// SetFrameAllocator installs the physical allocator Fork uses to back a
// forked child's copy of its parent's address space. Called once during
// boot, after the physical allocator exists but before the first Fork.
func (t *Table) SetFrameAllocator(fa *mem.FrameAllocator) {
	t.lock.Lock()
	defer t.lock.Unlock()
	t.frames = fa
}

// NewTable returns an empty, initialized process table — pinit().
func NewTable() *Table {
	return &Table{lock: spinlock.New("ptable")}
}

// Lock exposes the table's spinlock so other subsystems (internal/vm's
// MMIO propagation) can serialize against process table mutation the
// same way kernel_map_mmio does in the original.
func (t *Table) Lock() *spinlock.Spinlock { return t.lock }

// Procs returns a snapshot slice of all non-nil process-table entries,
// for diagnostics (procdump) and MMIO propagation (walking every live
// page directory). Callers must hold t.Lock() or accept a stale view.
func (t *Table) Procs() []*Proc {
	out := make([]*Proc, 0, defs.NPROC)
	for _, p := range t.procs {
		if p != nil {
			out = append(out, p)
		}
	}
	return out
}

// ForEachPageDir calls fn once for every live (non-UNUSED) process with a
// non-nil page directory, holding the table lock for the duration —
// satisfies vm.ProcEnumerator, the seam propagate_kernel_range's process
// table scan goes through without vm importing proc back.
func (t *Table) ForEachPageDir(fn func(*vm.PageDir)) {
	t.lock.Lock()
	defer t.lock.Unlock()
	for _, p := range t.procs {
		if p != nil && p.State != Unused && p.PageDir != nil {
			fn(p.PageDir)
		}
	}
}

// byPID looks up a process by pid; callers must hold the table lock.
func (t *Table) byPID(pid int) *Proc {
	for _, p := range t.procs {
		if p != nil && p.PID == pid {
			return p
		}
	}
	return nil
}
