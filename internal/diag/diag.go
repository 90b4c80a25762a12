// Package diag is the hardware-profiling and heap-dump diagnostics
// subsystem, wired to the console's "%" hotkey per the supplemented
// features this rebuild adds beyond spec.md's distilled component list.
// Adapted from justanotherdot-biscuit's profhw_i/intelprof_t/nilprof_t
// (a device driver interface for hardware performance counters,
// selected at boot by CPUID feature detection) and bprof_t (its
// hex-dump profile buffer, replaced here with a real pprof profile via
// github.com/google/pprof/profile so a captured sample set can be opened
// in `go tool pprof` instead of eyeballed as a hexdump).
package diag

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/pprof/profile"
)

// Event is a performance-monitoring event id — pmevid_t trimmed to the
// architectural events every Intel generation supports, since this is a
// bookkeeping stub rather than a real MSR-programming driver.
type Event uint

const (
	EventUnhaltedCoreCycles Event = 1 << iota
	EventLLCMisses
	EventLLCReferences
	EventBranchInstrRetired
	EventBranchMissRetired
	EventInstrRetired
)

var eventNames = map[Event]string{
	EventUnhaltedCoreCycles: "Unhalted core cycles",
	EventLLCMisses:          "LLC misses",
	EventLLCReferences:      "LLC references",
	EventBranchInstrRetired: "Branch instructions retired",
	EventBranchMissRetired:  "Branch misses retired",
	EventInstrRetired:       "Instructions retired",
}

// Flags mirrors pmflag_t's OS/user event-counting scope bits.
type Flags uint

const (
	FlagOS Flags = 1 << iota
	FlagUser
)

// Request is one counter-programming request — pmev_t.
type Request struct {
	Event Event
	Flags Flags
}

// Profiler is the hardware-profiling device driver seam — profhw_i
// trimmed to start/stop PMC allocation, dropping startnmi/stopnmi (NMI-
// sampled profiling) since a hosted build has no NMI delivery path to
// hook.
type Profiler interface {
	Init(counters uint)
	StartPMC(reqs []Request) (handles []int, ok bool)
	StopPMC(handles []int) (counts []uint64)
}

// NilProfiler is installed when no hardware performance-monitoring
// support is detected — nilprof_t, every call a no-op/false.
type NilProfiler struct{}

func (NilProfiler) Init(uint)                                    {}
func (NilProfiler) StartPMC([]Request) ([]int, bool)              { return nil, false }
func (NilProfiler) StopPMC([]int) []uint64                        { return nil }

// IntelProfiler tracks PMC allocation bookkeeping the way intelprof_t
// does (which counter slots are busy, which event each holds) without
// touching real performance-counter MSRs — there is no RDMSR/WRMSR to
// issue in a hosted Go process, so StopPMC returns zeroed counts rather
// than a real read. A freestanding build would replace the zeroed
// readout with MSR access behind the internal/ioport seam the rest of
// the device layer uses for hardware registers.
type IntelProfiler struct {
	mu      sync.Mutex
	pmcs    []intelPMC
}

type intelPMC struct {
	allocated bool
	req       Request
}

// Init reserves n general-purpose counter slots — prof_init's npmc-sized
// pmcs allocation.
func (p *IntelProfiler) Init(counters uint) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pmcs = make([]intelPMC, counters)
}

// StartPMC allocates one free counter slot per request — startpmc's
// first-fit allocation loop, returning ok=false if there weren't enough
// free slots (in which case every slot this call already allocated is
// released again, matching the original's all-or-nothing contract).
func (p *IntelProfiler) StartPMC(reqs []Request) ([]int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	handles := make([]int, 0, len(reqs))
	for _, req := range reqs {
		idx := -1
		for i := range p.pmcs {
			if !p.pmcs[i].allocated {
				idx = i
				break
			}
		}
		if idx == -1 {
			for _, h := range handles {
				p.pmcs[h].allocated = false
			}
			return nil, false
		}
		p.pmcs[idx] = intelPMC{allocated: true, req: req}
		handles = append(handles, idx)
	}
	return handles, true
}

// StopPMC frees the given counter slots and reports their final counts —
// stoppmc's per-counter MSR readout, stubbed to zero since no real
// counter hardware backs this process.
func (p *IntelProfiler) StopPMC(handles []int) []uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	counts := make([]uint64, len(handles))
	for i, h := range handles {
		if h >= 0 && h < len(p.pmcs) {
			p.pmcs[h].allocated = false
		}
		counts[i] = 0
	}
	return counts
}

// EventName returns the human-readable name for e, for console/log
// output — pmevid_names.
func EventName(e Event) string {
	if n, ok := eventNames[e]; ok {
		return n
	}
	return fmt.Sprintf("event(%#x)", e)
}

// Sample is one captured (event, count) pair from a profiling run,
// destined for a pprof Sample's value vector.
type Sample struct {
	Event Event
	Count uint64
	Stack []uintptr
}

// Dump renders samples as a pprof profile and writes its gzip-encoded
// protobuf form to w — the replacement for bprof_t's hexdump, triggered
// by the console's "%" hotkey.
func Dump(w io.Writer, samples []Sample) error {
	p := &profile.Profile{
		TimeNanos:     time.Time{}.UnixNano(),
		DurationNanos: 0,
		SampleType:    []*profile.ValueType{{Type: "events", Unit: "count"}},
	}

	seen := make(map[Event]*profile.Function)
	var locID uint64
	for _, s := range samples {
		fn, ok := seen[s.Event]
		if !ok {
			fn = &profile.Function{ID: uint64(len(p.Function)) + 1, Name: EventName(s.Event)}
			p.Function = append(p.Function, fn)
			seen[s.Event] = fn
		}
		locID++
		loc := &profile.Location{
			ID:   locID,
			Line: []profile.Line{{Function: fn}},
		}
		p.Location = append(p.Location, loc)
		p.Sample = append(p.Sample, &profile.Sample{
			Location: []*profile.Location{loc},
			Value:    []int64{int64(s.Count)},
		})
	}

	return p.Write(w)
}
