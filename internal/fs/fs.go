// Package fs is the inode operations contract and a minimal in-memory
// inode cache implementing it. Grounded on
// original_source/include/file.h's struct inode/struct inode_operations
// (a function-pointer table dispatched through every inode) and
// hanwen-go-fuse/nodefs.Operations's shape — one method set per node,
// trimmed to the subset spec.md's data model names: ilock/iunlock,
// dirlookup/dirlink, ialloc/iupdate, readi/writei, plus Read/Write/Stat
// for the device-file case internal/devfs dispatches into.
package fs

import (
	"context"
	"fmt"
	"sync"

	"github.com/aegros/aegros/internal/buf"
	"github.com/aegros/aegros/internal/spinlock"
)

// Inode type tags, carried over from the original's T_DIR/T_FILE/T_DEV.
const (
	TypeUnused = 0
	TypeDir    = 1
	TypeFile   = 2
	TypeDev    = 3
)

// Stat mirrors stati's output — struct stat trimmed to the fields a
// hosted build's syscalls actually surface.
type Stat struct {
	Dev     uint32
	Inum    uint32
	Type    int16
	Nlink   uint16
	Size    uint32
	Major   uint16
	Minor   uint16
}

// Inode is the in-memory copy of one on-disk (or device-file) inode —
// struct inode trimmed to what a hosted rebuild needs; the sleeplock
// embedded here is what BUSY/held-across-I/O refers to in spec.md §3 and
// §5, the same invariant internal/buf.Buf follows for buffer cache
// blocks.
type Inode struct {
	Dev   uint32
	Inum  uint32
	Type  int16
	Major uint16
	Minor uint16
	Nlink uint16
	Size  uint32

	lock  *spinlock.Sleeplock
	valid bool

	mu       sync.Mutex
	children map[string]*Inode // directory entries, nil for non-directories
	data     []byte            // file content, for the in-memory backing store
}

// Ops is the per-inode operation set, the Go-interface stand-in for
// inode_operations's function-pointer table.
type Ops interface {
	Ilock(ip *Inode, s spinlock.Sleeper, holder int)
	Iunlock(ip *Inode, s spinlock.Sleeper)
	Dirlookup(dir *Inode, name string) (*Inode, bool)
	Dirlink(dir *Inode, name string, child *Inode) error
	Ialloc(dev uint32, typ int16) *Inode
	Iupdate(ip *Inode) error
	Readi(ctx context.Context, ip *Inode, dst []byte, off uint32) (int, error)
	Writei(ctx context.Context, ip *Inode, src []byte, off uint32) (int, error)
}

// Cache is the in-memory inode table implementing Ops, the hosted
// equivalent of icache. File content lives in each inode's own in-memory
// byte slice; Readi/Writei do not go through the blocks buffer cache.
type Cache struct {
	mu     sync.Mutex
	byInum map[uint32]*Inode
	next   uint32
	blocks *buf.Cache // recorded by NewCache; no Cache method reads or writes through it
}

// NewCache returns an empty inode cache. blocks is only recorded and may
// be nil.
func NewCache(blocks *buf.Cache) *Cache {
	return &Cache{byInum: make(map[uint32]*Inode), blocks: blocks, next: 1}
}

// Ialloc allocates a new inode of the given type on dev — ialloc's
// linear scan over the inode bitmap, replaced by a monotonic counter
// since this cache has no on-disk inode bitmap to scan.
func (c *Cache) Ialloc(dev uint32, typ int16) *Inode {
	c.mu.Lock()
	defer c.mu.Unlock()

	ip := &Inode{
		Dev:   dev,
		Inum:  c.next,
		Type:  typ,
		Nlink: 1,
		lock:  spinlock.NewSleeplock("inode"),
		valid: true,
	}
	if typ == TypeDir {
		ip.children = make(map[string]*Inode)
	}
	c.next++
	c.byInum[ip.Inum] = ip
	return ip
}

// Get returns the cached inode for inum, if present — iget's cache hit
// path; this hosted cache has no eviction, so there is no miss path that
// reads from disk.
func (c *Cache) Get(inum uint32) (*Inode, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ip, ok := c.byInum[inum]
	return ip, ok
}

// Ilock acquires ip's sleeplock — ilock's "acquire the per-inode lock,
// read from disk if !valid" contract, minus the disk read since this
// cache's inodes are always populated at Ialloc time.
func (c *Cache) Ilock(ip *Inode, s spinlock.Sleeper, holder int) {
	ip.lock.Acquire(s, holder)
}

// Iunlock releases ip's sleeplock.
func (c *Cache) Iunlock(ip *Inode, s spinlock.Sleeper) {
	ip.lock.Release(s)
}

// Dirlookup finds name among dir's children — dirlookup's directory-block
// linear scan, replaced by a map since this cache holds directory
// entries in memory rather than as on-disk dirent records.
func (c *Cache) Dirlookup(dir *Inode, name string) (*Inode, bool) {
	dir.mu.Lock()
	defer dir.mu.Unlock()
	if dir.children == nil {
		return nil, false
	}
	child, ok := dir.children[name]
	return child, ok
}

// Dirlink adds name → child to dir — dirlink's "find a free dirent slot
// and write it" step, replaced by a map insert.
func (c *Cache) Dirlink(dir *Inode, name string, child *Inode) error {
	dir.mu.Lock()
	defer dir.mu.Unlock()
	if dir.children == nil {
		return fmt.Errorf("fs: dirlink: inode %d is not a directory", dir.Inum)
	}
	if _, exists := dir.children[name]; exists {
		return fmt.Errorf("fs: dirlink: %q already exists in inode %d", name, dir.Inum)
	}
	dir.children[name] = child
	return nil
}

// Iupdate is a no-op for this cache: there is no on-disk dinode to
// flush, since Ialloc never wrote one — iupdate's "write the in-memory
// inode back to its disk block" step, preserved as a named call so
// callers that assume a flush point (per spec.md's iupdate-after-size-
// change convention) keep working if a real on-disk layer is added later.
func (c *Cache) Iupdate(ip *Inode) error {
	return nil
}

// Readi copies up to len(dst) bytes from ip's content starting at off —
// readi's block-by-block walk over addrs, replaced by a single
// contiguous in-memory byte slice since there is no on-disk block layer
// backing these inodes yet.
func (c *Cache) Readi(ctx context.Context, ip *Inode, dst []byte, off uint32) (int, error) {
	ip.mu.Lock()
	defer ip.mu.Unlock()

	if off >= uint32(len(ip.data)) {
		return 0, nil
	}
	n := copy(dst, ip.data[off:])
	return n, nil
}

// Writei appends/overwrites ip's content starting at off, growing it and
// updating Size as needed — writei's block-allocate-then-copy loop,
// replaced by a slice grow since this cache has no free-block bitmap.
func (c *Cache) Writei(ctx context.Context, ip *Inode, src []byte, off uint32) (int, error) {
	ip.mu.Lock()
	defer ip.mu.Unlock()

	end := off + uint32(len(src))
	if end > uint32(len(ip.data)) {
		grown := make([]byte, end)
		copy(grown, ip.data)
		ip.data = grown
	}
	n := copy(ip.data[off:end], src)
	if uint32(len(ip.data)) > ip.Size {
		ip.Size = uint32(len(ip.data))
	}
	return n, nil
}

// Stati fills out a Stat for ip — stati's field-by-field copy.
func Stati(ip *Inode) Stat {
	return Stat{
		Dev:   ip.Dev,
		Inum:  ip.Inum,
		Type:  ip.Type,
		Nlink: ip.Nlink,
		Size:  ip.Size,
		Major: ip.Major,
		Minor: ip.Minor,
	}
}
