package cpu

// cpuidFn is overridden in tests so feature-detection logic can run under
// `go test` without real hardware backing particular CPUID leaves.
var cpuidFn = ID

// EnableInterrupts enables interrupt handling.
func EnableInterrupts()

// DisableInterrupts disables interrupt handling.
func DisableInterrupts()

// Halt stops instruction execution.
func Halt()

// FlushTLBEntry flushes a TLB entry for a particular virtual address.
func FlushTLBEntry(virtAddr uintptr)

// SwitchPDT sets the root page table directory to point to the specified
// physical address and flushes the TLB.
func SwitchPDT(pdtPhysAddr uintptr)

// ActivePDT returns the physical address of the currently active page table.
func ActivePDT() uintptr

// EnterKernelMode performs the final hand-off mode switch: sets CR4.PAE,
// loads rootTable into CR3, enables EFER.LME (and EFER.NXE when CPUID
// reports NX support), sets CR0.PG, and jumps to the kernel entry point
// with a near JMP, passing bootParamsAddr in the ABI-defined first
// argument register (RDI). No far return is made and CS is not reloaded:
// the code descriptor already in CS is used. Never returns.
func EnterKernelMode(rootTable, entry, bootParamsAddr uint64)

// ID returns information about the CPU and its features. It is
// implemented as a CPUID instruction with EAX=leaf and returns the
// values in EAX, EBX, ECX and EDX.
func ID(leaf uint32) (uint32, uint32, uint32, uint32)

// HasGlobalPages reports whether CPUID advertises PGE (global page support,
// leaf 1 EDX bit 13).
func HasGlobalPages() bool {
	_, _, _, edx := cpuidFn(1)
	return edx&(1<<13) != 0
}

// HasNoExecute reports whether CPUID advertises the NX/XD bit (extended
// leaf 0x80000001 EDX bit 20).
func HasNoExecute() bool {
	_, _, _, edx := cpuidFn(0x80000001)
	return edx&(1<<20) != 0
}

// HasLongMode reports whether CPUID advertises 64-bit long mode (extended
// leaf 0x80000001 EDX bit 29).
func HasLongMode() bool {
	_, _, _, edx := cpuidFn(0x80000001)
	return edx&(1<<29) != 0
}
