// Package handoff owns the BootParams block and the final switch into the
// loaded kernel, grounded on original_source/boot/boottable_bios.cc (ACPI/MPS
// discovery contracts, consumed here through kernel/firmware) and spec.md
// §4.H's hand-off sequence.
package handoff

import (
	"ignition/kernel"
	"ignition/kernel/cpu"
	"ignition/kernel/firmware"
	"ignition/kernel/mem"
	"ignition/kernel/paging"
	"ignition/kernel/physmap"
)

// identityLimit is the low physical range (BIOS data area, legacy VGA
// framebuffer window) spec.md §4.H requires identity-mapped.
const identityLimit = 768 * 1024

// sentinelLinearAddr is one page below the top of the canonical 64-bit
// virtual address space, reserved for the kernel to repoint at arbitrary
// physical frames once it is running.
const sentinelLinearAddr = uint64(0xFFFFFFFFFFFFF000)

// physMemEntrySize is this module's wire format for one PhysRange record
// in the table published at BootParams.PhysMemTable: base, size, and kind
// each as a zero-extended u64, 24 bytes per entry. spec.md leaves the
// table's exact per-entry layout unspecified; this mirrors BootParams'
// own "every field is an explicit fixed-width little-endian write"
// convention rather than introducing a packed/bit-fiddly format.
const physMemEntrySize = 24

var (
	// ErrAlloc is returned when the physical allocator cannot satisfy a
	// hand-off-time request (trampoline page, sentinel page, BootParams
	// buffer, string/table buffers).
	ErrAlloc = &kernel.Error{Module: "handoff", Message: "out of memory during hand-off"}

	// ErrFirmwareExit is returned when the UEFI ExitBootServices
	// collaborator fails.
	ErrFirmwareExit = &kernel.Error{Module: "handoff", Message: "ExitBootServices failed"}
)

// enterKernelMode is swappable so tests can observe the final call's
// arguments without executing the real (privileged, non-returning)
// mode-switch instructions.
var enterKernelMode = cpu.EnterKernelMode

// Config collects everything Boot needs to populate BootParams and
// perform the hand-off. The caller (cmd/bios, cmd/efi) is expected to
// have already run the boot menu and the ELF loader; KernelEntry is
// kernel/elf.Result.Entry's value.
type Config struct {
	PT    *paging.PageTables
	Alloc *physmap.PhysMap
	Mem   *mem.Memory

	// Trampoline is the fixed application-processor entry blob, copied
	// verbatim into a freshly allocated page.
	Trampoline []byte

	Framebuffer firmware.Mode

	ACPI firmware.ACPIProbe
	MPS  firmware.MPSProbe

	BootDriveSerial uint64
	CommandLine     string
	InitrdStart     uint64
	InitrdSize      uint64
	PhysMapBase     uint64
	PhysMapSize     uint64

	// ExitBootServices is nil on BIOS; on UEFI it calls the firmware's
	// ExitBootServices with the current map key.
	ExitBootServices func() error

	KernelEntry uint64

	Flags Flags
}

// Boot performs the hand-off sequence: trampoline allocation, identity
// mappings, BootParams population, firmware exit, and the final switch
// into the kernel. It never returns on success; every failure mode
// described by spec.md §4.H ("any of allocation, trampoline copy,
// identity mapping, or firmware-exit fails") is returned to the caller
// rather than panicked directly here, so cmd/bios/cmd/efi can route it
// through kernel.Panic with full control over the message, per this
// module's "recoverable return value, caller escalates" rule.
func Boot(cfg Config) *kernel.Error {
	globalFlag := paging.PTEFlags(0)
	if cpu.HasGlobalPages() {
		globalFlag = paging.Global
	}
	mapFlags := paging.Present | paging.RW | globalFlag

	var bp BootParams
	bp.BootDrvSerial = cfg.BootDriveSerial
	bp.InitrdStart = cfg.InitrdStart
	bp.InitrdSize = cfg.InitrdSize
	bp.PhysMapBase = cfg.PhysMapBase
	bp.PhysMapSize = cfg.PhysMapSize
	bp.Flags = cfg.Flags

	trampolineAddr, err := allocAndWrite(cfg, cfg.Trampoline)
	if err != nil {
		return err
	}
	bp.APEntry = trampolineAddr
	if err := cfg.PT.MapPhysical(trampolineAddr, trampolineAddr, uint64(mem.PageSize), mapFlags); err != nil {
		return err
	}

	if err := cfg.PT.MapPhysical(0, 0, identityLimit, mapFlags); err != nil {
		return err
	}

	if cfg.Framebuffer.FramebufferBase != 0 {
		fbSize := uint64(cfg.Framebuffer.Pitch) * uint64(cfg.Framebuffer.Height)
		if fbSize > 0 {
			if err := cfg.PT.MapPhysical(cfg.Framebuffer.FramebufferBase, cfg.Framebuffer.FramebufferBase, fbSize, mapFlags); err != nil {
				return err
			}
		}
		modeAddr, err := allocAndWrite(cfg, marshalMode(cfg.Framebuffer))
		if err != nil {
			return err
		}
		bp.VBESelectedMode = modeAddr
	}

	if err := cfg.PT.MapRange(sentinelLinearAddr, uint64(mem.PageSize), paging.Present|paging.RW); err != nil {
		return err
	}

	if cfg.ACPI != nil {
		if info, ok := cfg.ACPI.FindRSDP(); ok {
			bp.ACPI.Addr = info.RSDPAddr
			if info.Revision >= 2 {
				bp.ACPI.PtrSize = 8
			} else {
				bp.ACPI.PtrSize = 4
			}
		}
	}
	if cfg.MPS != nil {
		if info, ok := cfg.MPS.FindMPTable(); ok {
			bp.MPTables = info.MPTableAddr
		}
	}

	if cfg.CommandLine != "" {
		buf := append([]byte(cfg.CommandLine), 0)
		addr, err := allocAndWrite(cfg, buf)
		if err != nil {
			return err
		}
		bp.CommandLine = addr
	}

	tableAddr, tableLen, err := writePhysMemTable(cfg)
	if err != nil {
		return err
	}
	bp.PhysMemTable = tableAddr
	bp.PhysMemTableSize = tableLen

	if cfg.ExitBootServices != nil {
		if err := cfg.ExitBootServices(); err != nil {
			return ErrFirmwareExit
		}
	}

	wire := bp.Marshal()
	bootParamsAddr, err := allocAndWrite(cfg, wire[:])
	if err != nil {
		return err
	}

	enterKernelMode(cfg.PT.RootAddr(), cfg.KernelEntry, bootParamsAddr)
	return nil
}

// allocAndWrite allocates enough whole pages to hold data and copies it
// in, returning the physical base address.
func allocAndWrite(cfg Config, data []byte) (uint64, *kernel.Error) {
	size := uint64(len(data))
	if size == 0 {
		size = uint64(mem.PageSize)
	}
	size = (size + uint64(mem.PageSize) - 1) &^ (uint64(mem.PageSize) - 1)

	a, err := cfg.Alloc.Alloc(size, 0, false)
	if err != nil {
		return 0, err
	}
	if a.Size == 0 {
		return 0, ErrAlloc
	}
	cfg.Mem.Zero(uintptr(a.Base), uintptr(a.Size))
	cfg.Mem.Copy(uintptr(a.Base), data)
	return a.Base, nil
}

// writePhysMemTable serializes the physical memory map into the wire
// format BootParams.PhysMemTable points at.
func writePhysMemTable(cfg Config) (addr uint64, count uint64, kerr *kernel.Error) {
	n := cfg.Alloc.Len()
	buf := make([]byte, n*physMemEntrySize)
	for i := 0; i < n; i++ {
		r := cfg.Alloc.At(i)
		off := i * physMemEntrySize
		putUint64(buf[off:off+8], r.Base)
		putUint64(buf[off+8:off+16], r.Size)
		putUint64(buf[off+16:off+24], uint64(r.Kind))
	}
	a, err := allocAndWrite(cfg, buf)
	if err != nil {
		return 0, 0, err
	}
	return a, uint64(n), nil
}

func marshalMode(m firmware.Mode) []byte {
	buf := make([]byte, 40)
	putUint64(buf[0:8], uint64(m.Width))
	putUint64(buf[8:16], uint64(m.Height))
	putUint64(buf[16:24], uint64(m.BitsPerPixel))
	putUint64(buf[24:32], m.FramebufferBase)
	putUint64(buf[32:40], uint64(m.Pitch))
	return buf
}

func putUint64(b []byte, v uint64) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
	b[4] = byte(v >> 32)
	b[5] = byte(v >> 40)
	b[6] = byte(v >> 48)
	b[7] = byte(v >> 56)
}
