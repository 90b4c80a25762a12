package fs

import (
	"context"
	"testing"

	"github.com/aegros/aegros/internal/spinlock"
)

type fakeSleeper struct{}

func (fakeSleeper) Sleep(tok any, lk *spinlock.Spinlock) {}
func (fakeSleeper) Wakeup(tok any)                       {}

func TestIallocAssignsIncreasingInums(t *testing.T) {
	c := NewCache(nil)
	a := c.Ialloc(0, TypeFile)
	b := c.Ialloc(0, TypeFile)
	if a.Inum == b.Inum {
		t.Fatalf("expected distinct inums, got %d and %d", a.Inum, b.Inum)
	}
}

func TestDirlinkAndDirlookup(t *testing.T) {
	c := NewCache(nil)
	dir := c.Ialloc(0, TypeDir)
	file := c.Ialloc(0, TypeFile)

	if err := c.Dirlink(dir, "hello.txt", file); err != nil {
		t.Fatalf("Dirlink: %v", err)
	}
	got, ok := c.Dirlookup(dir, "hello.txt")
	if !ok || got.Inum != file.Inum {
		t.Fatalf("Dirlookup = (%v, %v), want file inum %d", got, ok, file.Inum)
	}
}

func TestDirlinkRejectsDuplicateName(t *testing.T) {
	c := NewCache(nil)
	dir := c.Ialloc(0, TypeDir)
	a := c.Ialloc(0, TypeFile)
	b := c.Ialloc(0, TypeFile)

	if err := c.Dirlink(dir, "x", a); err != nil {
		t.Fatalf("Dirlink: %v", err)
	}
	if err := c.Dirlink(dir, "x", b); err == nil {
		t.Fatal("expected an error linking a duplicate name")
	}
}

func TestDirlinkRejectsNonDirectory(t *testing.T) {
	c := NewCache(nil)
	file := c.Ialloc(0, TypeFile)
	other := c.Ialloc(0, TypeFile)
	if err := c.Dirlink(file, "x", other); err == nil {
		t.Fatal("expected an error linking into a non-directory")
	}
}

func TestWriteiThenReadiRoundTrips(t *testing.T) {
	c := NewCache(nil)
	ip := c.Ialloc(0, TypeFile)

	n, err := c.Writei(context.Background(), ip, []byte("hello world"), 0)
	if err != nil {
		t.Fatalf("Writei: %v", err)
	}
	if n != 11 {
		t.Fatalf("Writei wrote %d bytes, want 11", n)
	}

	buf := make([]byte, 5)
	n, err = c.Readi(context.Background(), ip, buf, 6)
	if err != nil {
		t.Fatalf("Readi: %v", err)
	}
	if string(buf[:n]) != "world" {
		t.Fatalf("Readi = %q, want %q", buf[:n], "world")
	}
}

func TestReadiPastEndReturnsZero(t *testing.T) {
	c := NewCache(nil)
	ip := c.Ialloc(0, TypeFile)
	n, err := c.Readi(context.Background(), ip, make([]byte, 4), 100)
	if err != nil {
		t.Fatalf("Readi: %v", err)
	}
	if n != 0 {
		t.Fatalf("Readi past EOF returned %d bytes, want 0", n)
	}
}

func TestIlockIunlockRoundTrips(t *testing.T) {
	c := NewCache(nil)
	ip := c.Ialloc(0, TypeFile)
	s := fakeSleeper{}

	c.Ilock(ip, s, 1)
	c.Iunlock(ip, s)
}

func TestStatiReportsFields(t *testing.T) {
	c := NewCache(nil)
	ip := c.Ialloc(0, TypeDev)
	ip.Major = 1
	ip.Minor = 2
	ip.Nlink = 1

	st := Stati(ip)
	if st.Type != TypeDev || st.Major != 1 || st.Minor != 2 {
		t.Fatalf("Stati = %+v", st)
	}
}
