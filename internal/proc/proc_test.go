package proc

import (
	"context"
	"testing"
	"time"

	"github.com/aegros/aegros/internal/defs"
	"github.com/aegros/aegros/internal/mem"
	"github.com/aegros/aegros/internal/vm"
)

func TestForkExitWaitReturnsChildPID(t *testing.T) {
	table := NewTable()

	var gotPID, gotCode int
	var ok bool
	done := make(chan struct{})

	initEntry := func(p *Proc, sched *CPU) {
		child, err := table.Fork(p, func(cp *Proc, csched *CPU) {
			// Child does nothing; returning implicitly exits 0.
		})
		if err != nil {
			t.Errorf("Fork: %v", err)
			close(done)
			return
		}
		gotPID, gotCode, ok = sched.Wait(p)
		_ = child
		close(done)
	}

	if _, err := table.Spawn("init", initEntry); err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	cpu := NewCPU(0, 0, table)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go cpu.Run(ctx)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Wait to return")
	}

	if !ok {
		t.Fatal("Wait reported no children, want the forked child")
	}
	if gotCode != 0 {
		t.Fatalf("exit code = %d, want 0", gotCode)
	}
	if gotPID == 0 {
		t.Fatal("Wait returned pid 0")
	}
}

func TestForkClonesPageDirectory(t *testing.T) {
	table := NewTable()
	fa := mem.NewFromRanges([]mem.MemRange{{Start: 0, End: 64 * defs.PageSize}})
	table.SetFrameAllocator(fa)

	parent, err := table.Spawn("parent", func(p *Proc, sched *CPU) {})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	parent.PageDir = vm.NewPageDir()
	frame, ok := fa.Alloc()
	if !ok {
		t.Fatal("Alloc failed")
	}
	if err := parent.PageDir.MapPages(0, defs.Pa_t(frame), defs.PageSize, vm.PTE_W|vm.PTE_U); err != nil {
		t.Fatalf("MapPages: %v", err)
	}
	parent.Size = defs.PageSize

	child, err := table.Fork(parent, func(p *Proc, sched *CPU) {})
	if err != nil {
		t.Fatalf("Fork: %v", err)
	}

	if child.PageDir == nil {
		t.Fatal("forked child has a nil PageDir, want a clone of the parent's")
	}
	if child.PageDir == parent.PageDir {
		t.Fatal("forked child shares the parent's PageDir instance, want an independent copy")
	}

	childPA, ok := child.PageDir.Translate(0)
	if !ok {
		t.Fatal("child PageDir has no mapping for va 0")
	}
	parentPA, _ := parent.PageDir.Translate(0)
	if childPA == parentPA {
		t.Fatal("child's page maps to the same physical frame as the parent's, want an independently allocated frame")
	}
}

func TestLockTableTracksInterruptDepth(t *testing.T) {
	table := NewTable()
	cpu := NewCPU(0, 0, table)

	if got := cpu.cli.Depth(); got != 0 {
		t.Fatalf("Depth before any lock = %d, want 0", got)
	}

	cpu.lockTable()
	if got := cpu.cli.Depth(); got != 1 {
		t.Fatalf("Depth while holding the table lock = %d, want 1", got)
	}
	if !table.lock.Holding() {
		t.Fatal("table lock should be held after lockTable")
	}
	cpu.unlockTable()

	if got := cpu.cli.Depth(); got != 0 {
		t.Fatalf("Depth after unlockTable = %d, want 0", got)
	}
	if table.lock.Holding() {
		t.Fatal("table lock should be released after unlockTable")
	}
}

func TestWaitReturnsFalseWithNoChildren(t *testing.T) {
	table := NewTable()
	done := make(chan struct{})
	var ok bool

	entry := func(p *Proc, sched *CPU) {
		_, _, ok = sched.Wait(p)
		close(done)
	}
	if _, err := table.Spawn("lonely", entry); err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	cpu := NewCPU(0, 0, table)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go cpu.Run(ctx)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out")
	}
	if ok {
		t.Fatal("Wait reported a child, want none")
	}
}

func TestKillWakesSleepingProcess(t *testing.T) {
	table := NewTable()
	sleeping := make(chan struct{})
	woke := make(chan struct{})

	entry := func(p *Proc, sched *CPU) {
		close(sleeping)
		sched.Sleep("some-chan", table.lock)
		if !p.Killed {
			t.Error("process woke without Killed set")
		}
		close(woke)
	}
	p, err := table.Spawn("victim", entry)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	cpu := NewCPU(0, 0, table)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go cpu.Run(ctx)

	<-sleeping
	// Give the scheduler a moment to actually park the process in
	// SLEEPING state before Kill checks it.
	time.Sleep(10 * time.Millisecond)

	if err := table.Kill(p.PID); err != nil {
		t.Fatalf("Kill: %v", err)
	}

	select {
	case <-woke:
	case <-time.After(2 * time.Second):
		t.Fatal("killed process never woke")
	}
}

func TestYieldReturnsControlAndResumes(t *testing.T) {
	table := NewTable()
	var rounds int
	done := make(chan struct{})

	entry := func(p *Proc, sched *CPU) {
		for i := 0; i < 3; i++ {
			rounds++
			sched.Yield()
		}
		close(done)
	}
	if _, err := table.Spawn("yielder", entry); err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	cpu := NewCPU(0, 0, table)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go cpu.Run(ctx)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out")
	}
	if rounds != 3 {
		t.Fatalf("rounds = %d, want 3", rounds)
	}
}
