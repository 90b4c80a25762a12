package proc

import (
	"context"
	"time"

	"github.com/aegros/aegros/internal/spinlock"
)

// CPU is one processor's scheduler loop. Grounded on scheduler.c's
// scheduler()/switch_to_scheduler(): Run never returns until ctx is
// canceled, scans the table for a RUNNABLE process, hands it control,
// and waits for it to pause again before continuing the scan.
type CPU struct {
	Index  int
	APICID uint8

	table *Table
	proc  *Proc // process currently bound to this CPU, nil if idle

	// cli is this CPU's interrupt-disable nesting depth, the real per-CPU
	// ncli counter pushcli/popcli maintain. The scheduler-loop
	// acquisitions of the table lock (Run, Yield, Sleep, Wait) go through
	// lockTable/unlockTable and so push/pop this depth; Table-receiver
	// methods (Wakeup, Kill, Spawn, Fork, and the exit path) lock the
	// table directly and leave it untouched.
	cli spinlock.CPU

	// Activate is the internal/ioport seam hook for TSS.esp0 + CR3
	// reload before a process runs; a no-op on the hosted build.
	Activate func(p *Proc)
}

// lockTable acquires the process table lock the way every real spinlock
// acquisition does on bare metal: pushcli first, then the lock itself —
// acquire()'s contract.
func (c *CPU) lockTable() {
	c.cli.PushCLI(true)
	c.table.lock.Lock()
}

// unlockTable releases the process table lock and pops the interrupt
// nesting depth, matching release()'s lock-then-popcli ordering.
func (c *CPU) unlockTable() {
	c.table.lock.Unlock()
	c.cli.PopCLI()
}

// NewCPU returns a scheduler handle bound to t, matching one cpus[i]
// slot plus pinit()'s table reference.
func NewCPU(index int, apicID uint8, t *Table) *CPU {
	return &CPU{Index: index, APICID: apicID, table: t}
}

// Run is the per-CPU scheduler loop, started as its own goroutine by
// cmd/kernel once for every discovered CPU (internal/smp). It never
// returns except when ctx is canceled, the hosted substitute for the
// original's noreturn scheduler() running forever on bare metal.
func (c *CPU) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		c.lockTable()
		active := 0
		for _, p := range c.table.procs {
			if p == nil || p.State != Runnable {
				continue
			}
			active++

			p.State = Running
			c.proc = p
			if c.Activate != nil {
				c.Activate(p)
			}
			c.unlockTable()

			if !p.started {
				p.started = true
				go c.runEntry(p)
			}
			p.resumeCh <- struct{}{}
			<-p.doneCh

			c.lockTable()
			c.proc = nil
		}
		c.unlockTable()

		if active == 0 {
			// Idle "thread": the original does sti();hlt() and waits
			// for the next interrupt. Hosted, there is no interrupt to
			// wait for, so the CPU goroutine yields briefly instead of
			// busy-spinning the scan.
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Millisecond):
			}
		}
	}
}

// runEntry is the body of a process's persistent goroutine. It blocks on
// resumeCh until the scheduler first hands it control, runs the
// process's entry function to completion, and exits the table slot —
// matching forkret()+the process's own code eventually falling into
// exit(). Any state transition away from Running (Sleep, Yield) happens
// from inside entry by sending on doneCh and parking on resumeCh again,
// so this function only returns once, when the process body itself
// returns; a body that calls (*CPU).Exit parks inside Exit and never
// comes back here.
func (c *CPU) runEntry(p *Proc) {
	<-p.resumeCh
	p.entry(p, c)
	p.exitLocked(c.table, 0)
	p.doneCh <- struct{}{}
}

// Proc returns the process currently bound to this CPU, or nil if idle —
// the Go equivalent of reading cpu->proc.
func (c *CPU) Proc() *Proc { return c.proc }

// Yield gives up the CPU for one scheduling round without changing state
// beyond Runnable, matching yield().
func (c *CPU) Yield() {
	p := c.proc

	c.lockTable()
	p.State = Runnable
	c.unlockTable()

	p.doneCh <- struct{}{}
	<-p.resumeCh
}

// Sleep implements spinlock.Sleeper: it atomically releases lk (if it
// isn't the table's own lock) and blocks the calling process until a
// matching Wakeup(tok) marks it RUNNABLE again and the scheduler resumes
// it. Grounded on scheduler.c's sleep(): acquiring the table lock before
// releasing the caller's lock is what makes the "no lost wakeup"
// invariant hold — once this function holds t.lock, no Wakeup can run
// and fail to observe the SLEEPING state this call is about to set.
func (c *CPU) Sleep(tok any, lk *spinlock.Spinlock) {
	p := c.proc
	t := c.table

	c.lockTable()
	if lk != nil && lk != t.lock {
		lk.Unlock()
	}
	p.chanTok = tok
	p.State = Sleeping
	c.unlockTable()

	p.doneCh <- struct{}{}
	<-p.resumeCh

	c.lockTable()
	p.chanTok = nil
	c.unlockTable()
	if lk != nil && lk != t.lock {
		lk.Lock()
	}
}

// Wakeup marks every process sleeping on tok as RUNNABLE, matching
// wakeup()/wakeup1(). It is safe to call from any goroutine (interrupt
// handler, another process, another CPU's scheduler), same as the
// original's acquire/scan/release.
func (t *Table) Wakeup(tok any) {
	t.lock.Lock()
	defer t.lock.Unlock()
	for _, p := range t.procs {
		if p != nil && p.State == Sleeping && p.chanTok == tok {
			p.State = Runnable
		}
	}
}

// Wakeup satisfies spinlock.Sleeper on CPU by delegating to the table,
// since wakeup targets are table-wide, not CPU-local.
func (c *CPU) Wakeup(tok any) {
	c.table.Wakeup(tok)
}
