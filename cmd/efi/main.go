// Command efi is ignition's UEFI entry point. It wires the UEFI-specific
// collaborators against kernel/bootctx's shared
// heap->physmap->paging->elf->handoff pipeline.
//
// The UEFI protocol calls themselves (Simple File System, Graphics
// Output Protocol, the ACPI configuration table lookup, GetMemoryMap/
// ExitBootServices) are firmware glue outside this module's scope, the
// same boundary kernel/firmware's package doc draws around every
// firmware-specific implementation. The UEFI shim that calls into this
// binary's entry point populates the package-level vars below first,
// mirroring cmd/bios's rt0 hand-off.
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

const heapSize = 1 * mem.Mb

var (
	// fileSystem, acpiProbe, mpsProbe, and graphics are set by the UEFI
	// shim before main runs, built over the Simple File System, ACPI
	// configuration table, and Graphics Output Protocol respectively.
	fileSystem firmware.FileSystem
	acpiProbe  firmware.ACPIProbe
	mpsProbe   firmware.MPSProbe
	graphics   firmware.Graphics

	// exitBootServices calls the firmware's ExitBootServices with the
	// current memory map key; nil only in a test harness.
	exitBootServices func() error

	// memMapBase/memMapLimit describe the contiguous EfiLoaderData
	// range GetMemoryMap reserved for this stage's own heap, page
	// tables, and loaded kernel image.
	memMapBase  uint64
	memMapLimit uint64

	apTrampolineBlob []byte
)

var errBootReturned = &kernel.Error{Module: "efi", Message: "bootctx.Boot returned"}

// main is the UEFI shim's entry point; it is not expected to return.
//
//go:noinline
func main() {
	ctx := buildContext()

	fw := bootctx.Firmware{
		FS:               fileSystem,
		Graphics:         graphics,
		ACPI:             acpiProbe,
		MPS:              mpsProbe,
		Menu:             newBootMenu(),
		ExitBootServices: exitBootServices,
	}

	if err := bootctx.Boot(ctx, fw, bootConfig()); err != nil {
		kernel.Panic(err)
	}

	kernel.Panic(errBootReturned)
}

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
// kernel/driver/video/console.Ega.Init uses for its framebuffer.
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
	if fileSystem != nil {
		serial = fileSystem.DrvSerial()
	}

	return bootctx.Config{
		Entries: []firmware.MenuEntry{
			{Label: "ignition", Path: "\\EFI\\ignition\\ignition.elf"},
			{Label: "ignition (recovery)", Path: "\\EFI\\ignition\\ignition-rescue.elf"},
		},
		DefaultEntry:    0,
		CommandLine:     "console=efifb0",
		Trampoline:      apTrampolineBlob,
		BootDriveSerial: serial,
		PhysMapBase:     memMapBase,
		PhysMapSize:     memMapLimit - memMapBase,
	}
}
