package main

import (
	"os"

	"github.com/aegros/aegros/internal/devfs"
)

// consoleDevice is devfs major 0: stdin/stdout stand in for the UART/VGA
// text console original_source's console.c drives, since this build has
// neither a serial port nor a VGA buffer to write bytes into.
type consoleDevice struct{}

var _ devfs.Ops = (*consoleDevice)(nil)

func (c *consoleDevice) Read(minor uint32, buf []byte) (int, error) {
	return os.Stdin.Read(buf)
}

func (c *consoleDevice) Write(minor uint32, buf []byte) (int, error) {
	return os.Stdout.Write(buf)
}

// framebufferDevice is devfs major 1: it answers geo's fixed ioctl
// replies but has no backing pixel store to read or write, since this
// build never actually maps FBMmapBase to real pixel memory.
type framebufferDevice struct {
	geo devfs.FramebufferGeometry
}

var _ devfs.Ops = (*framebufferDevice)(nil)

func (f *framebufferDevice) Read(minor uint32, buf []byte) (int, error) {
	return 0, nil
}

func (f *framebufferDevice) Write(minor uint32, buf []byte) (int, error) {
	return len(buf), nil
}

// consoleFile is the open-file-descriptor handle init installs at fd 0
// so proc.Proc.OFile satisfies internal/proc.File; it owns no resource
// of its own, the console device itself is process-independent.
type consoleFile struct{}

func (c *consoleFile) Close() error { return nil }
