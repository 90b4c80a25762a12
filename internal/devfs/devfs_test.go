package devfs

import (
	"bytes"
	"testing"
)

type fakeOps struct {
	reads, writes [][]byte
}

func (f *fakeOps) Read(minor uint32, buf []byte) (int, error) {
	copy(buf, []byte{byte(minor)})
	return 1, nil
}

func (f *fakeOps) Write(minor uint32, buf []byte) (int, error) {
	f.writes = append(f.writes, append([]byte(nil), buf...))
	return len(buf), nil
}

func TestDispatchReadWriteByMajor(t *testing.T) {
	tbl := New()
	ops := &fakeOps{}
	tbl.Register(1, ops)
	tbl.Add(Entry{Inum: 5, Type: "char", Major: 1, Minor: 9})

	buf := make([]byte, 1)
	n, err := tbl.Read(5, buf)
	if err != nil || n != 1 || buf[0] != 9 {
		t.Fatalf("Read = (%d, %v), buf=%v", n, err, buf)
	}

	if _, err := tbl.Write(5, []byte("hi")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if len(ops.writes) != 1 || string(ops.writes[0]) != "hi" {
		t.Fatalf("writes = %v", ops.writes)
	}
}

func TestReadUnknownInodeErrors(t *testing.T) {
	tbl := New()
	if _, err := tbl.Read(99, make([]byte, 1)); err == nil {
		t.Fatal("expected an error for an unregistered inode")
	}
}

func TestReadUnregisteredMajorErrors(t *testing.T) {
	tbl := New()
	tbl.Add(Entry{Inum: 1, Major: 3, Minor: 0})
	if _, err := tbl.Read(1, make([]byte, 1)); err == nil {
		t.Fatal("expected an error for a major with no registered driver")
	}
}

func TestParseDevtabParsesWellFormedLines(t *testing.T) {
	data := []byte("1\tchar\t0\t0\t# /dev/console\n2\tchar\t1\t0\t# /dev/fb0\n")
	entries := ParseDevtab(data)
	if len(entries) != 2 {
		t.Fatalf("len(entries) = %d, want 2", len(entries))
	}
	if entries[0].Inum != 1 || entries[0].Type != "char" || entries[0].Major != 0 || entries[0].Minor != 0 {
		t.Fatalf("entries[0] = %+v", entries[0])
	}
	if entries[0].Path != "/dev/console" {
		t.Fatalf("entries[0].Path = %q", entries[0].Path)
	}
	if entries[1].Inum != 2 || entries[1].Major != 1 {
		t.Fatalf("entries[1] = %+v", entries[1])
	}
}

func TestParseDevtabSkipsMalformedLines(t *testing.T) {
	data := []byte("not-a-valid-line\n1\tchar\t0\t0\t# /dev/console\n")
	entries := ParseDevtab(data)
	if len(entries) != 1 {
		t.Fatalf("len(entries) = %d, want 1", len(entries))
	}
}

func TestLoadDevtabLastEntryWinsForDuplicateInum(t *testing.T) {
	tbl := New()
	data := []byte("1\tchar\t0\t0\t# /dev/console\n1\tchar\t2\t7\t# /dev/console-renumbered\n")
	LoadDevtab(tbl, data)

	e, ok := tbl.Lookup(1)
	if !ok {
		t.Fatal("expected inode 1 to be present")
	}
	if e.Major != 2 || e.Minor != 7 {
		t.Fatalf("e = %+v, want the second (last) line's major/minor", e)
	}
}

func TestFormatDevtabRoundTrips(t *testing.T) {
	entries := []Entry{{Inum: 1, Type: "char", Major: 0, Minor: 0, Path: "/dev/console"}}
	out := FormatDevtab(entries)
	reparsed := ParseDevtab(out)
	if len(reparsed) != 1 || reparsed[0] != entries[0] {
		t.Fatalf("round trip mismatch: %+v vs %+v", reparsed, entries)
	}
	if !bytes.Contains(out, []byte("/dev/console")) {
		t.Fatalf("formatted devtab missing path comment: %s", out)
	}
}

func TestFramebufferIoctlDispatch(t *testing.T) {
	geo := FramebufferGeometry{Width: 1024, Height: 768, Pitch: 4096, FBAddr: 0xFD000000}

	cases := []struct {
		req  uint32
		want uint32
	}{
		{FBIoctlGetWidth, 1024},
		{FBIoctlGetHeight, 768},
		{FBIoctlGetPitch, 4096},
		{FBIoctlGetFBAddr, 0xFD000000},
	}
	for _, c := range cases {
		got, err := geo.Ioctl(c.req)
		if err != nil {
			t.Fatalf("Ioctl(%#x): %v", c.req, err)
		}
		if got != c.want {
			t.Fatalf("Ioctl(%#x) = %d, want %d", c.req, got, c.want)
		}
	}
}

func TestFramebufferIoctlRejectsUnknownRequest(t *testing.T) {
	geo := FramebufferGeometry{}
	if _, err := geo.Ioctl(0xFFFF); err == nil {
		t.Fatal("expected an error for an unrecognized ioctl request")
	}
}
