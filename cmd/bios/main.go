// Command bios is ignition's legacy-BIOS entry point. It wires the
// BIOS-specific collaborators against kernel/bootctx's shared
// heap->physmap->paging->elf->handoff pipeline.
//
// Most of those collaborators (INT 13h extended disk reads, the E820h
// memory probe, the EBDA/0xE0000-0xFFFFF ACPI RSDP and MP Specification
// paragraph scans) require real-mode BIOS calls that only exist as
// assembly in the rt0 stage-1 trampoline — outside this module's scope,
// the same boundary kernel/firmware's package doc draws around every
// firmware-specific implementation. rt0 populates the package-level vars
// below before jumping to main, mirroring the pre-rewrite stub.go's
// multibootInfoPtr hand-off.
package main

import (
	"os"
	"reflect"
	"time"
	"unsafe"

	"ignition/kernel"
	"ignition/kernel/bootctx"
	"ignition/kernel/firmware"
	"ignition/kernel/heap"
	"ignition/kernel/mem"
	"ignition/kernel/menu"
	"ignition/kernel/paging"
	"ignition/kernel/physmap"
)

// heapSize bounds the early allocator's arena; spec.md's heap component
// only needs to support the hand-off's own bookkeeping allocations.
const heapSize = 1 * mem.Mb

var (
	// diskFS, acpiProbe, and mpsProbe are set by rt0 before main runs.
	diskFS    firmware.FileSystem
	acpiProbe firmware.ACPIProbe
	mpsProbe  firmware.MPSProbe

	// fbPhysAddr is the legacy VGA/EGA text-mode framebuffer's physical
	// address, fixed at 0xB8000 on every BIOS PC but left a var so a
	// test harness (or a non-VGA text mode) can override it.
	fbPhysAddr uintptr = 0xB8000

	// memMapBase/memMapLimit describe the contiguous Normal range rt0's
	// E820h probe reserved for this stage's own heap, page tables, and
	// loaded kernel image.
	memMapBase  uint64
	memMapLimit uint64

	// apTrampolineBlob is the assembled application-processor entry
	// stub rt0 links in; handoff.Boot copies it verbatim into a fresh
	// page and records its address in BootParams.APEntry.
	apTrampolineBlob []byte
)

var errBootReturned = &kernel.Error{Module: "bios", Message: "bootctx.Boot returned"}

// main is the only Go symbol visible from the rt0 initialization code.
// rt0 sets up the GDT and a minimal g0 stack allowing Go code to run on
// the 4 KiB stack it allocated before jumping here. main is not expected
// to return.
//
//go:noinline
func main() {
	ctx := buildContext()

	fw := bootctx.Firmware{
		FS:      diskFS,
		Console: newEgaConsole(80, 25, fbPhysAddr),
		ACPI:    acpiProbe,
		MPS:     mpsProbe,
		Menu:    newBootMenu(),
		// ExitBootServices is nil: BIOS has no analogous firmware
		// hand-off call to make.
	}

	if err := bootctx.Boot(ctx, fw, bootConfig()); err != nil {
		kernel.Panic(err)
	}

	// Use kernel.Panic instead of panic to prevent the compiler from
	// treating kernel.Panic as dead-code and eliminating it.
	kernel.Panic(errBootReturned)
}

// buildContext wraps the E820h-reserved scratch range as a physical
// memory window and builds the heap/physmap/page-table state the
// pipeline needs.
func buildContext() *bootctx.Context {
	m := newPhysicalMemory(uintptr(memMapBase), uintptr(memMapLimit))

	pm := physmap.New()
	pm.Insert(physmap.PhysRange{Base: memMapBase, Size: memMapLimit - memMapBase, Kind: physmap.Normal, Valid: true})
	pm.Reconcile()

	pt, err := paging.New(m, paging.Builder(), pm)
	if err != nil {
		kernel.Panic(err)
	}

	h := heap.Init(m, uintptr(memMapBase), uintptr(memMapBase)+uintptr(heapSize))

	return &bootctx.Context{Mem: m, Heap: h, PhysMap: pm, PT: pt}
}

// newPhysicalMemory aliases the byte range [base, limit) of real
// physical memory as a Go slice, the same reflect.SliceHeader technique
// kernel/driver/video/console.Ega.Init already uses for the text-mode
// framebuffer.
func newPhysicalMemory(base, limit uintptr) *mem.Memory {
	size := int(limit - base)
	arena := *(*[]byte)(unsafe.Pointer(&reflect.SliceHeader{
		Data: base,
		Len:  size,
		Cap:  size,
	}))
	return mem.NewMemory(base, arena)
}

func newBootMenu() firmware.Menu {
	return menu.New(int(os.Stdin.Fd()), os.Stdout, 5*time.Second)
}

func bootConfig() bootctx.Config {
	serial := uint64(0)
	if diskFS != nil {
		serial = diskFS.DrvSerial()
	}

	return bootctx.Config{
		Entries: []firmware.MenuEntry{
			{Label: "ignition", Path: "/boot/ignition.elf"},
			{Label: "ignition (recovery)", Path: "/boot/ignition-rescue.elf"},
		},
		DefaultEntry:    0,
		CommandLine:     "console=vga0",
		Trampoline:      apTrampolineBlob,
		BootDriveSerial: serial,
		PhysMapBase:     memMapBase,
		PhysMapSize:     memMapLimit - memMapBase,
	}
}
