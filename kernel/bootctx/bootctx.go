// Package bootctx wires the P->T->E->H half of the boot pipeline (§2:
// physmap, paging, elf, handoff) behind one Boot call shared by cmd/bios
// and cmd/efi, so the firmware-specific entry points differ only in which
// firmware.* collaborators they construct.
package bootctx

import (
	"ignition/kernel"
	"ignition/kernel/elf"
	"ignition/kernel/firmware"
	"ignition/kernel/handoff"
	"ignition/kernel/heap"
	"ignition/kernel/mem"
	"ignition/kernel/paging"
	"ignition/kernel/physmap"
)

var (
	errNoBootEntries = &kernel.Error{Module: "bootctx", Message: "no boot entries configured"}
	errInitrdLoad    = &kernel.Error{Module: "bootctx", Message: "failed to load initrd"}
)

// Context carries the mutable state threaded through the boot pipeline:
// the physical memory accessor, the early heap, the physical memory map,
// and the page tables under construction for the kernel. cmd/bios and
// cmd/efi each build one after their own firmware-specific memory
// detection (E820 on BIOS, GetMemoryMap on UEFI) and page-table
// bring-up, which is out of this module's scope — only the shapes
// (kernel/heap, kernel/physmap, kernel/paging) are owned here.
type Context struct {
	Mem     *mem.Memory
	Heap    *heap.Heap
	PhysMap *physmap.PhysMap
	PT      *paging.PageTables
}

// Firmware collects the collaborators cmd/bios and cmd/efi each implement
// against the contracts in kernel/firmware.
type Firmware struct {
	FS       firmware.FileSystem
	Console  firmware.Console
	Serial   firmware.Serial
	Graphics firmware.Graphics
	ACPI     firmware.ACPIProbe
	MPS      firmware.MPSProbe
	Menu     firmware.Menu

	// ExitBootServices is nil on BIOS; UEFI wires its ExitBootServices
	// call here, passed straight through to handoff.Config.
	ExitBootServices func() error
}

// Config names the boot entries offered on the menu and the remaining
// parameters Boot needs to populate BootParams.
type Config struct {
	Entries      []firmware.MenuEntry
	DefaultEntry int
	CommandLine  string

	Trampoline      []byte
	BootDriveSerial uint64
	InitrdPath      string
	PhysMapBase     uint64
	PhysMapSize     uint64
	Flags           handoff.Flags

	// HandoffFn defaults to handoff.Boot. Tests override it so the
	// pipeline can be exercised without reaching handoff's real,
	// non-returning mode switch.
	HandoffFn func(handoff.Config) *kernel.Error
}

// Boot presents the menu (if one is configured), loads the selected
// kernel ELF image, loads an optional initrd, and hands off. It assumes
// ctx.PhysMap and ctx.PT already describe a valid physical memory map and
// an initialized set of page tables. It never returns on success.
func Boot(ctx *Context, fw Firmware, cfg Config) *kernel.Error {
	if len(cfg.Entries) == 0 {
		return errNoBootEntries
	}

	chosen := cfg.DefaultEntry
	if fw.Menu != nil {
		if picked := fw.Menu.Show(cfg.Entries, cfg.DefaultEntry); picked >= 0 && picked < len(cfg.Entries) {
			chosen = picked
		}
	}
	target := cfg.Entries[chosen]

	result, kerr := elf.Load(fw.FS, target.Path, ctx.PT, nil)
	if kerr != nil {
		return kerr
	}

	var initrdStart, initrdSize uint64
	if cfg.InitrdPath != "" {
		initrdStart, initrdSize, kerr = loadInitrd(fw.FS, ctx, cfg.InitrdPath)
		if kerr != nil {
			return kerr
		}
	}

	hcfg := handoff.Config{
		PT:              ctx.PT,
		Alloc:           ctx.PhysMap,
		Mem:             ctx.Mem,
		Trampoline:      cfg.Trampoline,
		ACPI:            fw.ACPI,
		MPS:             fw.MPS,
		BootDriveSerial: cfg.BootDriveSerial,
		CommandLine:     cfg.CommandLine,
		InitrdStart:     initrdStart,
		InitrdSize:      initrdSize,
		PhysMapBase:     cfg.PhysMapBase,
		PhysMapSize:     cfg.PhysMapSize,

		ExitBootServices: fw.ExitBootServices,
		KernelEntry:      result.Entry,
		Flags:            cfg.Flags,
	}

	if fw.Graphics != nil {
		if modes := fw.Graphics.EnumerateModes(); len(modes) > 0 {
			selected := modes[0]
			if fw.Graphics.SetMode(&selected) {
				hcfg.Framebuffer = selected
			}
		}
	}

	boot := cfg.HandoffFn
	if boot == nil {
		boot = handoff.Boot
	}
	return boot(hcfg)
}

// loadInitrd reads path in full into a freshly allocated physical range
// and returns its base address and size.
func loadInitrd(fs firmware.FileSystem, ctx *Context, path string) (addr uint64, size uint64, kerr *kernel.Error) {
	fd, err := fs.Open(path)
	if err != nil {
		return 0, 0, errInitrdLoad
	}
	defer fs.Close(fd)

	fsize, err := fs.Filesize(fd)
	if err != nil || fsize < 0 {
		return 0, 0, errInitrdLoad
	}

	pageSize := uint64(mem.PageSize)
	rounded := (uint64(fsize) + pageSize - 1) &^ (pageSize - 1)
	if rounded == 0 {
		rounded = pageSize
	}

	alloc, kerr := ctx.PhysMap.Alloc(rounded, 0, false)
	if kerr != nil {
		return 0, 0, kerr
	}
	if alloc.Size == 0 {
		return 0, 0, errInitrdLoad
	}

	dst := ctx.Mem.Slice(uintptr(alloc.Base), uintptr(fsize))
	if _, err := fs.Pread(fd, dst, 0); err != nil {
		return 0, 0, errInitrdLoad
	}

	return alloc.Base, uint64(fsize), nil
}
