package handoff

import (
	"testing"

	"github.com/stretchr/testify/require"

	"ignition/kernel/cpu"
	"ignition/kernel/firmware"
	"ignition/kernel/mem"
	"ignition/kernel/paging"
	"ignition/kernel/physmap"
)

type fakeACPIProbe struct {
	info firmware.ACPIInfo
	ok   bool
}

func (f fakeACPIProbe) FindRSDP() (firmware.ACPIInfo, bool) { return f.info, f.ok }

type fakeMPSProbe struct {
	info firmware.MPSInfo
	ok   bool
}

func (f fakeMPSProbe) FindMPTable() (firmware.MPSInfo, bool) { return f.info, f.ok }

func newTestConfig(t *testing.T) (Config, *mem.Memory) {
	t.Helper()

	// physmap.Alloc only scans entries that start at or above 1 MiB, so the
	// allocatable range starts there; the window still begins at 0.
	arena := make([]byte, 1<<20+16*1024*1024)
	m := mem.NewMemory(0, arena)

	pm := physmap.New()
	pm.Insert(physmap.PhysRange{Base: 1 << 20, Size: uint64(len(arena) - 1<<20), Kind: physmap.Normal, Valid: true})
	pm.Reconcile()

	pt, err := paging.New(m, paging.Builder(), pm)
	require.Nil(t, err)

	return Config{
		PT:              pt,
		Alloc:           pm,
		Mem:             m,
		Trampoline:      []byte{0xEB, 0xFE}, // 2-byte "jmp $" placeholder
		BootDriveSerial: 0x80,
		CommandLine:     "console=serial0",
		KernelEntry:     0xFFFFFFFF80000100,
	}, m
}

// TestBootReachesKernelEntry confirms Boot populates BootParams, performs
// every required identity mapping, and reaches the final mode switch with
// the expected root table and entry point.
func TestBootReachesKernelEntry(t *testing.T) {
	cfg, m := newTestConfig(t)

	cfg.ACPI = fakeACPIProbe{info: firmware.ACPIInfo{RSDPAddr: 0xE0000, Revision: 2}, ok: true}
	cfg.MPS = fakeMPSProbe{info: firmware.MPSInfo{MPTableAddr: 0x9FC00}, ok: true}

	var gotRoot, gotEntry, gotParams uint64
	var called bool
	defer func() { enterKernelMode = cpu.EnterKernelMode }()
	enterKernelMode = func(rootTable, entry, bootParamsAddr uint64) {
		called = true
		gotRoot, gotEntry, gotParams = rootTable, entry, bootParamsAddr
	}

	require.Nil(t, Boot(cfg))
	require.True(t, called)
	require.Equal(t, cfg.PT.RootAddr(), gotRoot)
	require.Equal(t, cfg.KernelEntry, gotEntry)
	require.NotZero(t, gotParams)

	// The marshaled BootParams block should be readable back out of
	// physical memory and carry the fields Boot populated.
	wire := m.Slice(uintptr(gotParams), bootParamsSize)

	require.Equal(t, uint64(bootParamsSize), leUint64(wire[0:8]))
	require.Equal(t, uint64(0x80), leUint64(wire[112:120])) // BootDrvSerial
	require.Equal(t, uint64(0xE0000), leUint64(wire[48:56])) // ACPI.Addr
	require.Equal(t, uint64(8), leUint64(wire[64:72]))       // ACPI.PtrSize
	require.Equal(t, uint64(0x9FC00), leUint64(wire[72:80])) // MPTables
	require.NotZero(t, leUint64(wire[24:32]))                // APEntry
	require.NotZero(t, leUint64(wire[152:160]))              // CommandLine

	// First 768 KiB and the trampoline page must now be present.
	require.NotEqual(t, paging.NotFoundAddr(), cfg.PT.PhysAddrOf(0))
	require.NotEqual(t, paging.NotFoundAddr(), cfg.PT.PhysAddrOf(identityLimit-1))
	require.NotEqual(t, paging.NotFoundAddr(), cfg.PT.PhysAddrOf(leUint64(wire[24:32])))

	// The sentinel page must be mapped.
	require.NotEqual(t, paging.NotFoundAddr(), cfg.PT.PhysAddrOf(sentinelLinearAddr))
}

// TestBootPropagatesExitBootServicesFailure confirms a failing
// ExitBootServices collaborator aborts the hand-off before the mode
// switch, rather than jumping into a kernel over a half-torn-down
// firmware state.
func TestBootPropagatesExitBootServicesFailure(t *testing.T) {
	cfg, _ := newTestConfig(t)

	called := false
	defer func() { enterKernelMode = cpu.EnterKernelMode }()
	enterKernelMode = func(uint64, uint64, uint64) { called = true }

	cfg.ExitBootServices = func() error { return errExitBootServicesTest }

	err := Boot(cfg)
	require.Error(t, err)
	require.Equal(t, ErrFirmwareExit, err)
	require.False(t, called, "must not reach the mode switch after ExitBootServices fails")
}

var errExitBootServicesTest = &testError{"map key stale"}

type testError struct{ s string }

func (e *testError) Error() string { return e.s }

func leUint64(b []byte) uint64 {
	return uint64(b[0]) | uint64(b[1])<<8 | uint64(b[2])<<16 | uint64(b[3])<<24 |
		uint64(b[4])<<32 | uint64(b[5])<<40 | uint64(b[6])<<48 | uint64(b[7])<<56
}
