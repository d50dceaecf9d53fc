package handoff

import "encoding/binary"

// bootParamsSize is the fixed wire size of BootParams, spec.md §6's
// hand-off ABI table.
const bootParamsSize = 176

// NumaInfo is the four-u64 NUMA descriptor slot in BootParams; the core
// never interprets it, only forwards whatever the firmware collaborator
// reported (or zero, on firmware with no NUMA table).
type NumaInfo struct {
	Node0, Node1, Node2, Node3 uint64
}

// ACPIRSDT is the {addr, size, ptrsz} triple BootParams publishes for the
// kernel to parse the ACPI table chain itself.
type ACPIRSDT struct {
	Addr    uint64
	Size    uint64
	PtrSize uint64
}

// Flags is the ten-byte (plus reserved pad) configuration-flag block,
// each field an independent u8 per spec.md §6.
type Flags struct {
	GDBPort        uint8
	TestRunPort    uint8
	SerialDebugOut uint8
	SerialBaud     uint8
	SMPEnable      uint8
	ACPIEnable     uint8
	MPSEnable      uint8
	MSIEnable      uint8
	MSIXEnable     uint8
	E9Enable       uint8
}

// BootParams is the hand-off block handed to the kernel entry point,
// spec.md §6's 176-byte wire layout. Field order here matches the byte
// offsets in the table exactly; Marshal writes every field explicitly
// rather than relying on in-memory struct layout, since the two Go builds
// (bootloader core's target architecture vs. this package's hosted tests)
// must produce byte-identical output regardless of host alignment rules.
type BootParams struct {
	PhysMemTable     uint64
	PhysMemTableSize uint64
	APEntry          uint64
	VBEInfo          uint64
	VBESelectedMode  uint64
	ACPI             ACPIRSDT
	MPTables         uint64
	Numa             NumaInfo
	BootDrvSerial    uint64
	InitrdStart      uint64
	InitrdSize       uint64
	PhysMapBase      uint64
	PhysMapSize      uint64
	CommandLine      uint64
	Flags            Flags
}

// Marshal encodes p into its 176-byte wire representation, little-endian,
// per spec.md §6. Offset 0 (total-struct-size) is filled in with
// bootParamsSize itself.
func (p *BootParams) Marshal() [bootParamsSize]byte {
	var b [bootParamsSize]byte

	le := binary.LittleEndian
	le.PutUint64(b[0:8], bootParamsSize)
	le.PutUint64(b[8:16], p.PhysMemTable)
	le.PutUint64(b[16:24], p.PhysMemTableSize)
	le.PutUint64(b[24:32], p.APEntry)
	le.PutUint64(b[32:40], p.VBEInfo)
	le.PutUint64(b[40:48], p.VBESelectedMode)
	le.PutUint64(b[48:56], p.ACPI.Addr)
	le.PutUint64(b[56:64], p.ACPI.Size)
	le.PutUint64(b[64:72], p.ACPI.PtrSize)
	le.PutUint64(b[72:80], p.MPTables)
	le.PutUint64(b[80:88], p.Numa.Node0)
	le.PutUint64(b[88:96], p.Numa.Node1)
	le.PutUint64(b[96:104], p.Numa.Node2)
	le.PutUint64(b[104:112], p.Numa.Node3)
	le.PutUint64(b[112:120], p.BootDrvSerial)
	le.PutUint64(b[120:128], p.InitrdStart)
	le.PutUint64(b[128:136], p.InitrdSize)
	le.PutUint64(b[136:144], p.PhysMapBase)
	le.PutUint64(b[144:152], p.PhysMapSize)
	le.PutUint64(b[152:160], p.CommandLine)
	b[160] = p.Flags.GDBPort
	b[161] = p.Flags.TestRunPort
	b[162] = p.Flags.SerialDebugOut
	b[163] = p.Flags.SerialBaud
	b[164] = p.Flags.SMPEnable
	b[165] = p.Flags.ACPIEnable
	b[166] = p.Flags.MPSEnable
	b[167] = p.Flags.MSIEnable
	b[168] = p.Flags.MSIXEnable
	b[169] = p.Flags.E9Enable
	// b[170:176] reserved/pad, left zero.

	return b
}
