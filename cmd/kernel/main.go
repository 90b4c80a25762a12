// Command kernel is aegros's boot entry point: it wires the physical
// allocator, kernel VM manager, SMP discovery, block-I/O stack, process
// table, trap table, device-file dispatch, and diagnostics packages
// together the way a multiboot-handoff boot sequence would, adapted for
// a hosted process with no real ring-0/CR3/IDT control — every hardware
// interaction goes through internal/ioport's fake bus, and SMP bring-up
// runs each discovered CPU's scheduler as a goroutine instead of an
// actual STARTUP IPI.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/aegros/aegros/internal/ahci"
	"github.com/aegros/aegros/internal/apic"
	"github.com/aegros/aegros/internal/buf"
	"github.com/aegros/aegros/internal/defs"
	"github.com/aegros/aegros/internal/devfs"
	"github.com/aegros/aegros/internal/diag"
	"github.com/aegros/aegros/internal/elfload"
	"github.com/aegros/aegros/internal/fs"
	"github.com/aegros/aegros/internal/ide"
	"github.com/aegros/aegros/internal/ioport"
	"github.com/aegros/aegros/internal/klog"
	"github.com/aegros/aegros/internal/mem"
	"github.com/aegros/aegros/internal/proc"
	"github.com/aegros/aegros/internal/smp"
	"github.com/aegros/aegros/internal/trap"
	"github.com/aegros/aegros/internal/vm"
)

// reservedLow is the byte range at the bottom of physical memory the
// allocator never hands out: the kernel image itself plus the low BIOS
// data area / EBDA / legacy MP tables cmd/kernel synthesizes there,
// mirroring physmem_build_ranges's refusal to free below the kernel end.
const reservedLow = 4 * 1024 * 1024

func main() {
	opts, err := parseOptions(os.Args[1:])
	if err != nil {
		os.Exit(1)
	}

	klog.ConsoleLevel.Set(parseLevel(opts.LogLevel))
	log := klog.DefaultLogger()
	klog.SetDefault(log)
	log.Info("aegros booting", "mem_mb", opts.MemMB, "ncpu", opts.NCPU, "ahci", opts.UseAHCI, "disk", opts.Disk)

	bus := ioport.NewFake()
	ioport.Install(bus)

	totalMem := uintptr(opts.MemMB) * 1024 * 1024
	fa := mem.NewFromRanges(mem.ReleaseRanges(
		[]mem.MemRange{{Start: 0, End: totalMem}}, reservedLow, totalMem))
	log.Info("physical allocator seeded", "free_frames", fa.NumFree())

	kmap := vm.NewKernelMap()
	kmap.Kernel.MapPages(defs.KernBase, defs.Pa_t(0), totalMem, vm.PTE_P|vm.PTE_W)

	procTable := proc.NewTable()
	procTable.SetFrameAllocator(fa)

	// Stake out the kernel's own heap window immediately above the static
	// RAM range just mapped, the same way setup_kernel_pagedir primes a
	// heap region no caller has grown into yet.
	kmap.SetKernelHeapBase(defs.KernBase + totalMem)
	const initialKernelHeap = 1 * 1024 * 1024
	if _, err := kmap.ResizeKernelHeap(procTable, fa, initialKernelHeap); err != nil {
		log.Error("growing kernel heap failed", "err", err)
		os.Exit(1)
	}

	firmware := buildFirmwareImage(opts.NCPU)
	topo := smp.Discover(firmware)
	log.Info("smp topology discovered", "source", topo.Source, "cpus", len(topo.CPUs), "ioapic_id", topo.IOAPICID)

	bspAPICID := topo.CPUs[0].APICID

	bus.MapMMIO(apic.DefaultLAPICPhys, defs.PageSize)
	lapic, err := apic.MapLAPIC(kmap, procTable, bus, apic.DefaultLAPICPhys)
	if err != nil {
		log.Error("mapping LAPIC failed", "err", err)
		os.Exit(1)
	}
	lapic.EnableSpurious(0xFF)

	bus.MapMMIO(apic.DefaultIOAPICPhys, defs.PageSize)
	ioapic, err := apic.MapIOAPIC(kmap, procTable, bus, apic.DefaultIOAPICPhys, topo.IOAPICID, log.Info)
	if err != nil {
		log.Error("mapping IOAPIC failed", "err", err)
		os.Exit(1)
	}
	if err := ioapic.EnableIOAPICInterrupt(1, bspAPICID); err != nil {
		log.Warn("enabling keyboard IRQ failed", "err", err)
	}

	blocks := buf.New(defs.NBUF)
	disk, err := openFileDisk(opts.Disk)
	if err != nil {
		log.Error("opening boot disk failed", "err", err)
		os.Exit(1)
	}
	configureBlockBackend(log, bus, kmap, procTable, blocks, disk, opts.UseAHCI)

	inodes := fs.NewCache(blocks)
	devtab := devfs.New()
	consoleOps := &consoleDevice{}
	fbGeo := devfs.FramebufferGeometry{Width: 1024, Height: 768, Pitch: 1024 * 4, FBAddr: uint32(defs.MMIOBase + 0x1000)}
	fbOps := &framebufferDevice{geo: fbGeo}
	devtab.Register(0, consoleOps)
	devtab.Register(1, fbOps)
	devfs.LoadDevtab(devtab, []byte(
		"1\tchar\t0\t0\t# /dev/console\n"+
			"2\tchar\t1\t0\t# /dev/fb0\n"))

	trapTable := trap.NewTable()
	trapTable.OnPanic(func(tf *defs.TrapFrame, reason string) {
		log.Error("unhandled trap", "reason", reason)
	})
	trapTable.Register(trap.VecSyscall, func(tf *defs.TrapFrame) error {
		log.Debug("syscall trap dispatched", "eax", tf.Eax)
		return nil
	})
	// Self-test: prove the dispatch path at boot the way the original
	// would exercise it on the very first timer/syscall interrupt.
	if err := trapTable.Dispatch(&defs.TrapFrame{Trapno: uint32(trap.VecSyscall)}); err != nil {
		log.Warn("trap self-test failed", "err", err)
	}

	var profiler diag.Profiler = &diag.IntelProfiler{}
	profiler.Init(4)
	installProfileDumpHandler(log, profiler)

	ctx, cancel := context.WithCancel(context.Background())
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigc
		log.Info("shutdown requested")
		cancel()
	}()

	cpus := make([]*proc.CPU, len(topo.CPUs))
	for i, c := range topo.CPUs {
		cpus[i] = proc.NewCPU(i, c.APICID, procTable)
	}
	bsp := cpus[0]

	initEntry := buildInitEntry(log, opts.Init, inodes, devtab, fa, kmap, fbGeo)
	initProc, err := procTable.Spawn("init", initEntry)
	if err != nil {
		log.Error("spawning init failed", "err", err)
		os.Exit(1)
	}
	initProc.PageDir = vm.NewPageDir()
	initProc.PageDir.CloneKernelRange(kmap.Kernel, defs.KernBase, defs.KernBase+totalMem+initialKernelHeap)
	initProc.OFile[0] = &consoleFile{}

	kmap.EnablePropagation()
	fa.EnableLocking()

	var wg sync.WaitGroup
	for _, c := range cpus[1:] {
		c := c
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Run(ctx)
		}()
	}

	log.Info("boot complete, scheduler running", "bsp_apic_id", bspAPICID)
	bsp.Run(ctx)

	cancel()
	wg.Wait()
	ioport.Shutdown()
	log.Info("halted")
}

func parseLevel(s string) klog.Level {
	switch s {
	case "debug":
		return klog.Debug
	case "warn":
		return klog.Warn
	case "error":
		return klog.Error
	default:
		return klog.Info
	}
}

// configureBlockBackend brings up AHCI (if requested and a link is
// active) and falls back to the legacy IDE simulation otherwise.
// internal/buf holds one backend at a time and its dispatch panics if
// that backend is not ready, so this is where the AHCI-then-IDE choice
// is made.
func configureBlockBackend(log *klog.Logger, bus *ioport.Fake, kmap *vm.KernelMap, procs vm.ProcEnumerator, blocks *buf.Cache, disk *fileDisk, useAHCI bool) {
	if useAHCI {
		const abar = uintptr(defs.MMIOBase + 0x2000)
		bus.MapMMIO(abar, ahci.MMIOSize)
		if err := kmap.MapMMIO(procs, defs.Pa_t(abar), ahci.MMIOSize); err != nil {
			log.Error("mapping AHCI ABAR failed", "err", err)
		}
		// A hosted boot has no real HBA firmware to report capabilities,
		// so the handful of registers Controller.Init reads are primed
		// here exactly as a real BIOS/HBA reset would leave them: one
		// implemented port, link present and active.
		bus.MMIOWrite32(abar+0x0C, 0x1)         // PI: port 0 implemented
		bus.MMIOWrite32(abar+0x100+0x28, 0x103) // port 0 SSTS: DET=3, IPM=1

		ctrl := ahci.New(bus, abar, log.Info)
		if err := ctrl.Init(disk); err != nil {
			log.Error("AHCI init failed", "err", err)
		}
		if port := ctrl.ActivePort(); port != nil && port.Ready() {
			blocks.SetBackend(port)
			log.Info("block backend: AHCI")
			return
		}
		log.Warn("AHCI requested but no active port found, falling back to legacy IDE")
	}

	installLegacyDrive(bus, disk)
	ideCtrl := ide.Probe(bus)
	blocks.SetBackend(ideCtrl)
	log.Info("block backend: legacy IDE", "ready", ideCtrl.Ready())
}

// buildInitEntry returns the first process's body: mount the root
// directory in the in-memory inode cache, register the device files
// devtab names, optionally exec an ELF binary, and exit. original_source
// runs this as user_init's first userspace program; this hosted build
// has no ring-3 transition to make, so init runs as ordinary Go code
// exercising the same subsystem calls a real init binary's first few
// syscalls would.
func buildInitEntry(log *klog.Logger, initPath string, inodes *fs.Cache, devtab *devfs.Table, fa *mem.FrameAllocator, kmap *vm.KernelMap, fbGeo devfs.FramebufferGeometry) proc.Entry {
	return func(p *proc.Proc, sched *proc.CPU) {
		root := inodes.Ialloc(0, fs.TypeDir)
		console := inodes.Ialloc(0, fs.TypeDev)
		console.Major, console.Minor = 0, 0
		if err := inodes.Dirlink(root, "console", console); err != nil {
			log.Warn("init: linking console device failed", "err", err)
		}

		if e, ok := devtab.Lookup(2); ok {
			log.Info("init: devtab entry", "path", e.Path, "major", e.Major, "minor", e.Minor)
		}

		fbAddr, _ := p.Mmap(fbGeo.Width * fbGeo.Height * 4)
		log.Info("init: framebuffer mapped", "addr", fmt.Sprintf("%#x", fbAddr))

		if initPath == "" {
			log.Info("init: no ELF binary supplied, nothing to exec")
			return
		}

		f, err := os.Open(initPath)
		if err != nil {
			log.Error("init: opening exec target failed", "path", initPath, "err", err)
			return
		}
		defer f.Close()

		img, err := elfload.Parse(f)
		if err != nil {
			log.Error("init: parsing ELF failed", "err", err)
			return
		}

		pd := vm.NewPageDir()
		pd.CloneKernelRange(kmap.Kernel, defs.KernBase, defs.MMIOBase)
		segs, err := img.Load(pd, fa)
		if err != nil {
			log.Error("init: loading segments failed", "err", err)
			return
		}
		p.Exec(pd, img, segs)
		for _, s := range segs {
			log.Info("init: loaded segment", "va", fmt.Sprintf("%#x", s.VA), "size", s.MemSize, "writable", s.Writable)
		}
		log.Info("init: exec target loaded, entry point reached", "entry", fmt.Sprintf("%#x", img.Entry))
	}
}

// installProfileDumpHandler wires SIGUSR1 to a PMC start/stop/dump
// round-trip and writes the resulting pprof profile to aegros.prof —
// the hosted substitute for the console's "%" hotkey, since this build
// has no interactive keyboard daemon to bind a key to.
func installProfileDumpHandler(log *klog.Logger, p diag.Profiler) {
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGUSR1)
	go func() {
		for range sigc {
			handles, ok := p.StartPMC([]diag.Request{
				{Event: diag.EventInstrRetired, Flags: diag.FlagOS | diag.FlagUser},
				{Event: diag.EventLLCMisses, Flags: diag.FlagOS | diag.FlagUser},
			})
			if !ok {
				log.Warn("diag: no free PMC slots for profile dump")
				continue
			}
			time.Sleep(10 * time.Millisecond)
			counts := p.StopPMC(handles)

			samples := []diag.Sample{
				{Event: diag.EventInstrRetired, Count: counts[0]},
				{Event: diag.EventLLCMisses, Count: counts[1]},
			}
			out, err := os.Create("aegros.prof")
			if err != nil {
				log.Error("diag: creating profile file failed", "err", err)
				continue
			}
			if err := diag.Dump(out, samples); err != nil {
				log.Error("diag: dumping profile failed", "err", err)
			}
			out.Close()
			log.Info("diag: profile dumped", "path", "aegros.prof")
		}
	}()
}
