// Package buf is the block buffer cache: a fixed-size pool of disk-block
// copies keyed on (device, block number), each guarded by its own
// sleeplock, dispatched to whichever block device backend is configured.
// Grounded on spec.md §3's buffer invariants and the bio.c contract
// implied by original_source/include/file.h's inode/sleeplock pairing —
// get_buf/read_buf/write_buf/release_buf below are the Go rendering of
// bread/bwrite/brelse.
package buf

import (
	"context"
	"fmt"
	"sync"

	"github.com/aegros/aegros/internal/spinlock"
)

// BlockSize is the disk sector/block size the cache operates in,
// AHCI_SECTOR_SIZE in the original.
const BlockSize = 512

// flag bits recorded per buffer, mirroring B_VALID/B_DIRTY/B_BUSY.
type flag uint8

const (
	flagValid flag = 1 << iota
	flagDirty
)

// Block is a block device backend: the seam internal/ahci.Port and
// internal/ide.Controller both satisfy, so either can be installed with
// SetBackend without this package importing them directly (avoiding
// internal/buf <-> internal/ahci/internal/ide import cycles). A Cache
// holds exactly one backend at a time.
type Block interface {
	Read(ctx context.Context, lba uint64, dst []byte) error
	Write(ctx context.Context, lba uint64, src []byte) error
	Ready() bool
}

// Buf is one cached block. Its data and flags are owned by whoever holds
// Lock; BUSY is defined as "this buffer's sleeplock is held," so there is
// no separate busy bit to track — Lock/Unlock on the embedded sleeplock
// is BUSY.
type Buf struct {
	Dev     uint32
	BlockNo uint64
	Data    [BlockSize]byte

	lock *spinlock.Sleeplock
	flag flag

	// next/prev index into Cache.bufs, the fixed-size LRU ring —
	// index-based arena per spec.md §9, not a linked list of pointers.
	next, prev int32
}

func (b *Buf) Valid() bool { return b.flag&flagValid != 0 }
func (b *Buf) Dirty() bool { return b.flag&flagDirty != 0 }

// Cache is the fixed-size buffer pool, the Go equivalent of the static
// struct buf bcache.buf[NBUF] array plus its LRU doubly-linked list —
// represented here as a slice of nodes linked by index rather than
// pointer, and a single spinlock guarding cache membership (which buffer
// backs which (dev, blockno), and LRU order) separately from each
// buffer's own sleeplock (which guards that buffer's data/flags).
type Cache struct {
	mu    sync.Mutex
	bufs  []*Buf
	head  int32 // most-recently-used index, -1 if empty
	tail  int32 // least-recently-used index
	owner map[int]spinlock.Sleeper

	backend Block
}

const nilIdx = -1

// New returns an empty cache of n buffer slots (NBUF in the original),
// every slot linked into the LRU list so GetBuf can recycle it.
func New(n int) *Cache {
	c := &Cache{bufs: make([]*Buf, n), head: nilIdx, tail: nilIdx}
	for i := range c.bufs {
		c.bufs[i] = &Buf{lock: spinlock.NewSleeplock("buf"), next: nilIdx, prev: nilIdx}
		c.pushFrontLocked(int32(i))
	}
	return c
}

// SetBackend installs the block device Dispatch issues I/O through.
func (c *Cache) SetBackend(b Block) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.backend = b
}

// unlinkLocked removes idx from the LRU list. c.mu must be held.
func (c *Cache) unlinkLocked(idx int32) {
	b := c.bufs[idx]
	if b.prev != nilIdx {
		c.bufs[b.prev].next = b.next
	} else if c.head == idx {
		c.head = b.next
	}
	if b.next != nilIdx {
		c.bufs[b.next].prev = b.prev
	} else if c.tail == idx {
		c.tail = b.prev
	}
	b.next, b.prev = nilIdx, nilIdx
}

// pushFrontLocked makes idx the most-recently-used entry. c.mu must be held.
func (c *Cache) pushFrontLocked(idx int32) {
	b := c.bufs[idx]
	b.prev = nilIdx
	b.next = c.head
	if c.head != nilIdx {
		c.bufs[c.head].prev = idx
	}
	c.head = idx
	if c.tail == nilIdx {
		c.tail = idx
	}
}

// GetBuf returns a locked buffer for (dev, blockno), recycling the
// least-recently-used unheld slot if it isn't already cached — bget's
// contract. The returned buffer's sleeplock is held by s on return; the
// caller must Release it.
func (c *Cache) GetBuf(s spinlock.Sleeper, holder int, dev uint32, blockno uint64) (*Buf, error) {
	c.mu.Lock()
	for idx, b := range c.bufs {
		if b.Dev == dev && b.BlockNo == blockno && b.flag&flagValid != 0 {
			c.unlinkLocked(int32(idx))
			c.pushFrontLocked(int32(idx))
			c.mu.Unlock()
			b.lock.Acquire(s, holder)
			return b, nil
		}
	}

	// Recycle the tail (LRU) slot that is not currently held.
	var victim int32 = nilIdx
	for idx := c.tail; idx != nilIdx; idx = c.bufs[idx].prev {
		if !c.bufs[idx].lock.Locked() {
			victim = idx
			break
		}
	}
	if victim == nilIdx {
		// Every slot is checked out — xv6's panic("bget: no buffers")
		// becomes a returned error here since a hosted kernel should not
		// abort the process over pool exhaustion.
		c.mu.Unlock()
		return nil, fmt.Errorf("buf: no free buffer slots for dev=%d block=%d", dev, blockno)
	}
	b := c.bufs[victim]
	c.unlinkLocked(victim)
	c.pushFrontLocked(victim)
	b.Dev, b.BlockNo, b.flag = dev, blockno, 0
	c.mu.Unlock()

	b.lock.Acquire(s, holder)
	return b, nil
}

// ReadBuf returns a locked, VALID buffer for (dev, blockno), issuing a
// device read through Dispatch if it was not already cached — bread.
func (c *Cache) ReadBuf(ctx context.Context, s spinlock.Sleeper, holder int, dev uint32, blockno uint64) (*Buf, error) {
	b, err := c.GetBuf(s, holder, dev, blockno)
	if err != nil {
		return nil, err
	}
	if !b.Valid() {
		if err := c.dispatch(ctx, b, false); err != nil {
			b.lock.Release(s)
			return nil, err
		}
		b.flag |= flagValid
	}
	return b, nil
}

// WriteBuf marks b DIRTY and flushes it to the device immediately —
// bwrite's contract (the original has no write-back daemon; every write
// is synchronous).
func (c *Cache) WriteBuf(ctx context.Context, b *Buf) error {
	b.flag |= flagDirty
	if err := c.dispatch(ctx, b, true); err != nil {
		return err
	}
	b.flag &^= flagDirty
	return nil
}

// ReleaseBuf releases b's sleeplock and moves it to the front of the LRU
// list — brelse.
func (c *Cache) ReleaseBuf(s spinlock.Sleeper, b *Buf) {
	c.mu.Lock()
	for idx, cb := range c.bufs {
		if cb == b {
			c.unlinkLocked(int32(idx))
			c.pushFrontLocked(int32(idx))
			break
		}
	}
	c.mu.Unlock()
	b.lock.Release(s)
}

// dispatch issues b's data to or from the one backend installed by
// SetBackend; choosing AHCI or IDE is left to whoever calls SetBackend
// (cmd/kernel's configureBlockBackend). A cache with no ready backend
// installed is a configuration bug, so this panics, matching iderw's
// unconditional panic when neither controller responded.
func (c *Cache) dispatch(ctx context.Context, b *Buf, write bool) error {
	c.mu.Lock()
	backend := c.backend
	c.mu.Unlock()

	if backend == nil || !backend.Ready() {
		panic("buf: no block device backend configured")
	}
	if write {
		return backend.Write(ctx, b.BlockNo, b.Data[:])
	}
	return backend.Read(ctx, b.BlockNo, b.Data[:])
}
