package cpu

// EnableInterrupts enables interrupt handling.
func EnableInterrupts()

// DisableInterrupts disables interrupt handling.
func DisableInterrupts()

// Halt stops instruction execution (WFI).
func Halt()

// FlushTLBEntry flushes a TLB entry for a particular virtual address (TLBI VAE1).
func FlushTLBEntry(virtAddr uintptr)

// SwitchPDT sets the root translation table base register (TTBR0_EL1) to
// point to the specified physical address and flushes the TLB.
func SwitchPDT(pdtPhysAddr uintptr)

// ActivePDT returns the physical address of the currently active
// translation table (TTBR0_EL1).
func ActivePDT() uintptr

// EnterKernelMode performs the final hand-off mode switch: loads rootTable
// into TTBR0_EL1, enables the MMU via SCTLR_EL1.M, and branches into the
// kernel entry point, passing bootParamsAddr in the ABI-defined first
// argument register (X0). TCR_EL1 and MAIR_EL1 are not programmed here;
// whatever they already hold is used. Never returns.
func EnterKernelMode(rootTable, entry, bootParamsAddr uint64)

// HasGlobalPages reports whether the MMU should tag translations as
// non-global-only (AArch64 has no PGE-equivalent opt-in; ASIDs cover the
// same role, so this always reports false and the Global PTE bit is never
// requested on this architecture).
func HasGlobalPages() bool { return false }

// HasNoExecute always reports true: UXN/PXN are always available on
// AArch64's translation table format used here.
func HasNoExecute() bool { return true }

// HasLongMode always reports true: AArch64 has no 32-bit/64-bit runtime
// mode distinction analogous to x86-64's long mode.
func HasLongMode() bool { return true }
