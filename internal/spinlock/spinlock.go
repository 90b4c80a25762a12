// Package spinlock implements the kernel's two lock primitives —
// Spinlock and Sleeplock — plus the push/pop interrupt-disable nesting
// counter (CPU). Spinlock.Lock does not touch that counter itself;
// internal/proc's scheduler pairs the two around its table-lock
// acquisitions. Grounded on
// original_source/include/spinlock.h and include/sleeplock.h.
package spinlock

import (
	"fmt"
	"runtime"
	"sync"
)

// Spinlock is a mutual-exclusion lock that never blocks the caller's
// goroutine on real hardware contention longer than the hosted Go
// scheduler takes to hand the OS thread back; on bare metal this would
// busy-wait with interrupts disabled, which sync.Mutex does not model,
// but the acquire/release contract (and debug bookkeeping) is the same
// shape the original spinlock.c exposes.
type Spinlock struct {
	mu   sync.Mutex
	name string

	// Debug bookkeeping, mirroring struct spinlock's name/file/line:
	// the caller PC chain captured at the moment the lock was taken.
	dmu     sync.Mutex
	held    bool
	callers []uintptr
}

// New returns an initialized, unlocked spinlock, the equivalent of
// initlock(lk, name).
func New(name string) *Spinlock {
	return &Spinlock{name: name}
}

// Lock acquires the lock, recording the caller chain for Holding's debug
// dump. Equivalent to acquire_(lk, file, line).
func (l *Spinlock) Lock() {
	l.mu.Lock()
	l.dmu.Lock()
	l.held = true
	l.callers = callerPCs()
	l.dmu.Unlock()
}

// Unlock releases the lock. Equivalent to release(lk).
func (l *Spinlock) Unlock() {
	l.dmu.Lock()
	l.held = false
	l.callers = nil
	l.dmu.Unlock()
	l.mu.Unlock()
}

// Holding reports whether this goroutine's caller currently holds the
// lock. The original checks cpu identity; here we only have the weaker
// "is anyone holding it" signal, which is what every internal caller
// actually uses it for (asserting "I must already hold this lock").
func (l *Spinlock) Holding() bool {
	l.dmu.Lock()
	defer l.dmu.Unlock()
	return l.held
}

// Name returns the lock's debug name.
func (l *Spinlock) Name() string { return l.name }

// CallerTrace renders the PC chain captured at the most recent Lock, for
// panic messages that want to show who is holding a contended lock —
// the Go-hosted equivalent of the original's file:line debug fields.
func (l *Spinlock) CallerTrace() string {
	l.dmu.Lock()
	pcs := append([]uintptr(nil), l.callers...)
	l.dmu.Unlock()

	if len(pcs) == 0 {
		return "<not held>"
	}
	frames := runtime.CallersFrames(pcs)
	s := ""
	for {
		f, more := frames.Next()
		s += fmt.Sprintf("%s:%d %s\n", f.File, f.Line, f.Function)
		if !more {
			break
		}
	}
	return s
}

func callerPCs() []uintptr {
	pcs := make([]uintptr, 8)
	n := runtime.Callers(3, pcs)
	return pcs[:n]
}

// CPU tracks one processor's interrupt-disable nesting depth, the Go
// equivalent of struct cpu's ncli/interrupts_enabled fields. A real
// freestanding build would read/write EFLAGS.IF through internal/ioport;
// the hosted build tracks the same invariant purely in software so
// internal/proc's scheduler loop can still assert "I hold no locks while
// about to switch" the way switch_to_scheduler does.
type CPU struct {
	mu         sync.Mutex
	ncli       int
	wasEnabled bool
}

// PushCLI increments the nesting depth. wasEnabled reports whether
// interrupts were enabled before this call, the same way pushcli's first
// invocation in a nested chain records intena.
func (c *CPU) PushCLI(wasEnabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ncli == 0 {
		c.wasEnabled = wasEnabled
	}
	c.ncli++
}

// PopCLI decrements the nesting depth and reports whether the caller
// should now re-enable interrupts (nesting depth reached zero and they
// were enabled before the outermost PushCLI).
func (c *CPU) PopCLI() (reenable bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ncli <= 0 {
		panic("popcli: not holding")
	}
	c.ncli--
	if c.ncli == 0 && c.wasEnabled {
		return true
	}
	return false
}

// Depth returns the current nesting depth, for panic/assert messages.
func (c *CPU) Depth() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ncli
}
