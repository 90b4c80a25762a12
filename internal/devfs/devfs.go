// Package devfs maps device-file inodes to (major, minor) numbers and
// dispatches read/write/ioctl through per-major operation tables,
// grounded on original_source/kernel/drivers/devtab.c (the NDEV array
// and its "%d\t%s\t%d\t%d\t# %s\n" devtab line format) and spec.md
// §4.11's "small array mapping inode-id to (type, major, minor)"
// description. The console ioctl and framebuffer ioctl constants are
// supplemented from original_source/include/framebuffer.h, which spec.md
// names but doesn't give wire-format detail for.
package devfs

import (
	"bufio"
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sys/unix"
)

// Entry is one devtab row: an inode number and the (type, major, minor)
// triple it resolves to, plus the path it was registered under (kept
// only for devtab_save-equivalent round-tripping, never consulted by
// dispatch).
type Entry struct {
	Inum  uint32
	Type  string
	Major uint32
	Minor uint32
	Path  string
}

// Ops is the {read, write} operation pair a driver registers for one
// major number — devtab_lookup_major's destination table, generalized
// from a raw function-pointer pair to an interface per spec.md §9's
// trait guidance.
type Ops interface {
	Read(minor uint32, buf []byte) (int, error)
	Write(minor uint32, buf []byte) (int, error)
}

// Table is the device file dispatch table: NDEV inode-number entries
// plus the major-indexed Ops registry.
type Table struct {
	mu      sync.Mutex
	entries map[uint32]Entry
	ops     map[uint32]Ops
}

// New returns an empty device table.
func New() *Table {
	return &Table{entries: make(map[uint32]Entry), ops: make(map[uint32]Ops)}
}

// Register installs ops as the read/write handler for major, overwriting
// any previous registration — console_init/framebuffer_init's role.
func (t *Table) Register(major uint32, ops Ops) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ops[major] = ops
}

// Add records (or updates, matching devtab_add_entry's find-or-append)
// the (major, minor) pair for inum.
func (t *Table) Add(e Entry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[e.Inum] = e
}

// Lookup returns the devtab entry for inum, devtab_lookup_major's table
// scan generalized to also return type/minor/path.
func (t *Table) Lookup(inum uint32) (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[inum]
	return e, ok
}

// Read dispatches a read for inum to its major's registered Ops —
// file_read's T_DEV branch.
func (t *Table) Read(inum uint32, buf []byte) (int, error) {
	e, ops, err := t.resolve(inum)
	if err != nil {
		return 0, err
	}
	return ops.Read(e.Minor, buf)
}

// Write dispatches a write for inum to its major's registered Ops.
func (t *Table) Write(inum uint32, buf []byte) (int, error) {
	e, ops, err := t.resolve(inum)
	if err != nil {
		return 0, err
	}
	return ops.Write(e.Minor, buf)
}

func (t *Table) resolve(inum uint32) (Entry, Ops, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[inum]
	if !ok {
		return Entry{}, nil, fmt.Errorf("devfs: no devtab entry for inum %d", inum)
	}
	ops, ok := t.ops[e.Major]
	if !ok {
		return Entry{}, nil, fmt.Errorf("devfs: no driver registered for major %d", e.Major)
	}
	return e, ops, nil
}

// ParseDevtab parses the on-disk /etc/devtab format, one entry per line:
// "<inum>\t<type>\t<major>\t<minor>\t# <path>\n". Malformed lines are
// skipped, matching devtab_load's sscanf-returns-fewer-than-4 check.
func ParseDevtab(data []byte) []Entry {
	var out []Entry
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		e, ok := parseDevtabLine(line)
		if ok {
			out = append(out, e)
		}
	}
	return out
}

func parseDevtabLine(line string) (Entry, bool) {
	body := line
	path := ""
	if i := strings.Index(line, "#"); i >= 0 {
		body = line[:i]
		path = strings.TrimSpace(line[i+1:])
	}
	fields := strings.Split(body, "\t")
	// trailing empty field from the "\t# path" separator
	for len(fields) > 0 && strings.TrimSpace(fields[len(fields)-1]) == "" {
		fields = fields[:len(fields)-1]
	}
	if len(fields) != 4 {
		return Entry{}, false
	}
	inum, err1 := strconv.ParseUint(strings.TrimSpace(fields[0]), 10, 32)
	major, err2 := strconv.ParseUint(strings.TrimSpace(fields[2]), 10, 32)
	minor, err3 := strconv.ParseUint(strings.TrimSpace(fields[3]), 10, 32)
	if err1 != nil || err2 != nil || err3 != nil {
		return Entry{}, false
	}
	return Entry{
		Inum:  uint32(inum),
		Type:  strings.TrimSpace(fields[1]),
		Major: uint32(major),
		Minor: uint32(minor),
		Path:  path,
	}, true
}

// LoadDevtab parses data and upserts every entry into t. Duplicate inums
// across (or within) the file overwrite the prior entry in line order —
// devtab_load's unconditional "found → overwrite in place" behavior,
// carried over with no de-duplication warning per the recorded Open
// Question decision.
func LoadDevtab(t *Table, data []byte) {
	for _, e := range ParseDevtab(data) {
		t.Add(e)
	}
}

// FormatDevtab renders entries back into the on-disk line format —
// devtab_save's snprintf, generalized to every entry instead of walking
// a fixed NDEV array.
func FormatDevtab(entries []Entry) []byte {
	var b bytes.Buffer
	for _, e := range entries {
		fmt.Fprintf(&b, "%d\t%s\t%d\t%d\t# %s\n", e.Inum, e.Type, e.Major, e.Minor, e.Path)
	}
	return b.Bytes()
}

// ConsoleWinsize reports the console's row/column geometry via
// ioctl(TIOCGWINSZ) against the host terminal fd backing the hosted
// console device — the one terminal-shaped ioctl spec.md's syscall
// surface names.
func ConsoleWinsize(fd int) (unix.Winsize, error) {
	return unix.IoctlGetWinsize(fd, unix.TIOCGWINSZ)
}

// Framebuffer ioctl command numbers. No ecosystem library defines a
// 2D-framebuffer ioctl ABI, so these are local constants grounded on
// original_source/include/framebuffer.h's vbe_mode_info fields, encoded
// in the Linux ioctl numbering convention (_IOR('F', n, size)-shaped:
// direction/size bits are omitted since this is a hosted simulation, not
// a real ioctl(2) call).
const (
	FBIoctlGetWidth  = 0x4600
	FBIoctlGetHeight = 0x4601
	FBIoctlGetPitch  = 0x4602
	FBIoctlGetFBAddr = 0x4603
)

// FramebufferGeometry is what FB_IOCTL_GET_{WIDTH,HEIGHT,PITCH,FBADDR}
// resolve against — vbe_mode_info trimmed to the fields a userspace
// framebuffer client actually needs.
type FramebufferGeometry struct {
	Width, Height, Pitch uint32
	FBAddr               uint32
}

// Ioctl answers one of the FBIoctlGet* requests against geo, or an error
// for anything unrecognized — framebuffer_kernel_bytes's callers'
// implicit contract, made explicit as a dispatchable request/response
// pair instead of a raw pointer cast.
func (geo FramebufferGeometry) Ioctl(req uint32) (uint32, error) {
	switch req {
	case FBIoctlGetWidth:
		return geo.Width, nil
	case FBIoctlGetHeight:
		return geo.Height, nil
	case FBIoctlGetPitch:
		return geo.Pitch, nil
	case FBIoctlGetFBAddr:
		return geo.FBAddr, nil
	default:
		return 0, fmt.Errorf("devfs: unknown framebuffer ioctl request %#x", req)
	}
}
