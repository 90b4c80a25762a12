package ioport

import "testing"

func TestFakeMMIORoundTrip(t *testing.T) {
	f := NewFake()
	f.MapMMIO(0x1000, 0x100)

	f.MMIOWrite32(0x1004, 0xDEADBEEF)
	if got := f.MMIORead32(0x1004); got != 0xDEADBEEF {
		t.Fatalf("MMIORead32 = %#x, want %#x", got, 0xDEADBEEF)
	}

	f.MMIOWrite8(0x1008, 0x42)
	if got := f.MMIORead8(0x1008); got != 0x42 {
		t.Fatalf("MMIORead8 = %#x, want 0x42", got)
	}
}

func TestFakePortHandler(t *testing.T) {
	f := NewFake()
	var written uint8
	f.HandlePort(0x64, PortHandler{
		Read8:  func() uint8 { return 0x00 },
		Write8: func(v uint8) { written = v },
	})

	if got := f.Inb(0x64); got != 0 {
		t.Fatalf("Inb = %#x, want 0", got)
	}
	f.Outb(0x64, 0xFE)
	if written != 0xFE {
		t.Fatalf("written = %#x, want 0xFE", written)
	}
}

func TestUnhandledPortDefaults(t *testing.T) {
	f := NewFake()
	if got := f.Inb(0x3F8); got != 0xFF {
		t.Fatalf("Inb unhandled = %#x, want 0xFF", got)
	}
	if got := f.Inw(0x3F8); got != 0xFFFF {
		t.Fatalf("Inw unhandled = %#x, want 0xFFFF", got)
	}
}

func TestRebootPulsesKeyboardController(t *testing.T) {
	f := NewFake()
	var gotReset uint8
	f.HandlePort(0x64, PortHandler{
		Read8:  func() uint8 { return 0 },
		Write8: func(v uint8) { gotReset = v },
	})
	Install(f)
	Reboot()
	if gotReset != 0xFE {
		t.Fatalf("reboot wrote %#x, want 0xFE", gotReset)
	}
}
