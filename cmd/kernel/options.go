package main

import (
	"github.com/jessevdk/go-flags"
)

// options are the kernel's boot arguments, parsed the way
// canonical-snapd's daemon commands parse theirs: a single struct of
// long-form flags with defaults, rather than hand-rolled flag.* calls.
type options struct {
	Disk     string `long:"disk" description:"path to the boot disk image" default:"disk.img"`
	MemMB    uint   `long:"mem" description:"megabytes of RAM to report to the physical allocator" default:"128"`
	NCPU     int    `long:"ncpu" description:"number of CPUs to synthesize in the boot-time MP table" default:"2"`
	UseAHCI  bool   `long:"ahci" description:"bring up the AHCI controller instead of the legacy IDE fallback"`
	LogLevel string `long:"log-level" description:"debug, info, warn, or error" default:"info"`
	Init     string `long:"init" description:"optional ELF binary for the init process to exec" default:""`
}

func parseOptions(argv []string) (*options, error) {
	var opts options
	parser := flags.NewParser(&opts, flags.Default)
	if _, err := parser.ParseArgs(argv); err != nil {
		return nil, err
	}
	return &opts, nil
}
