// Package paging builds and walks the four-level page tables used to hand
// the loaded kernel control of the MMU. x86-64 and AArch64 (4 KiB granule)
// share an identical walk structure -- four 9-bit indices extracted at
// shifts 39, 30, 21 and 12 -- so the walk, range-mapping and huge-page
// inference logic lives once in this file; only the leaf/intermediate PTE
// bit encoding differs per architecture (pte_amd64.go, pte_arm64.go).
//
// Grounded on original_source/boot/paging.cc.
package paging

import (
	"ignition/kernel"
	"ignition/kernel/mem"
	"ignition/kernel/physmap"
)

// PTEFlags is a bitmask of architecture-specific page table entry flags.
// Each architecture's PteBuilder defines the bit positions (see
// pte_amd64.go, pte_arm64.go); callers combine flags with |.
type PTEFlags uint64

// PteBuilder abstracts the architecture-specific leaf/intermediate PTE
// encoding so the walk and range-mapping algorithms in this file can be
// written once and shared across architectures.
type PteBuilder interface {
	// AddrMask returns the mask that isolates the output address bits of
	// an entry.
	AddrMask() uint64

	// Leaf builds a terminal (present, mapped) entry for addr with the
	// given flags. huge indicates a non-4KiB terminal entry one or more
	// levels above the page table (2 MiB/1 GiB on amd64; block entries
	// on arm64), which some architectures encode differently (e.g. the
	// PAT-bit relocation on amd64).
	Leaf(addr uint64, flags PTEFlags, huge bool) uint64

	// Intermediate builds a present, writable entry pointing at a
	// next-level table physically based at addr.
	Intermediate(addr uint64) uint64

	// IsPresent reports whether pte is a valid (walkable or terminal) entry.
	IsPresent(pte uint64) bool

	// IsHuge reports whether pte is a huge/block terminal entry rather
	// than a pointer to a next-level table.
	IsHuge(pte uint64) bool

	// Addr extracts the output/next-table physical address from pte.
	Addr(pte uint64) uint64
}

// PageAllocator supplies physical pages to MapRange/PageTables' internal
// table bootstrap. Satisfied directly by *physmap.PhysMap.
type PageAllocator interface {
	Alloc(size uint64, forAddr uint64, insist bool) (physmap.PhysAlloc, *kernel.Error)
}

var (
	errNoPTE      = &kernel.Error{Module: "paging", Message: "no page table entry for address"}
	errOutOfPTEs  = &kernel.Error{Module: "paging", Message: "out of memory allocating page tables"}
	errOutOfPages = &kernel.Error{Module: "paging", Message: "out of memory mapping range"}
)

// notFound is the physaddr_of sentinel for "no mapping" (paging.cc returns -1).
const notFound = ^uint64(0)

// shifts is the bit shift of each of the four 9-bit level indices, highest
// level first: PML4/L3 (or AArch64 equivalent), PDPT/L2, PD/L1, PT/L0.
var shifts = [4]uint{39, 30, 21, 12}

// PageTables is a four-level page table tree rooted at a single
// page-aligned physical page. One instance models one address space (the
// bootloader's identity-mapped space, or eventually a loaded kernel's).
type PageTables struct {
	m       *mem.Memory
	builder PteBuilder
	alloc   PageAllocator
	root    uint64
}

// New allocates a zeroed root table and returns a PageTables over it.
// alloc supplies the physical pages backing new tables and (via MapRange)
// newly-mapped leaves.
func New(m *mem.Memory, builder PteBuilder, alloc PageAllocator) (*PageTables, *kernel.Error) {
	root, err := newTable(m, alloc)
	if err != nil {
		return nil, err
	}
	return &PageTables{m: m, builder: builder, alloc: alloc, root: root}, nil
}

func newTable(m *mem.Memory, alloc PageAllocator) (uint64, *kernel.Error) {
	a, err := alloc.Alloc(uint64(mem.PageSize), 0, false)
	if err != nil {
		return 0, err
	}
	if a.Size == 0 {
		return 0, errOutOfPTEs
	}
	m.Zero(uintptr(a.Base), uintptr(mem.PageSize))
	return a.Base, nil
}

// RootAddr returns the physical address of the root page table, suitable
// for loading into CR3/TTBR0_EL1.
func (pt *PageTables) RootAddr() uint64 { return pt.root }

// Memory returns the physical-window accessor backing this page table
// tree, so callers that map a range (kernel/elf, kernel/handoff) can also
// read and write the physical pages they just mapped.
func (pt *PageTables) Memory() *mem.Memory { return pt.m }

// Log2Page4K/2M/1G are the page-size shifts at which FindPTE stops its
// walk (the PT, PD and PDPT levels), so FindPTE's "leaf level" parameter
// is expressed the same way as paging.cc's log2_pagesize.
const (
	Log2Page4K = 12
	Log2Page2M = 21
	Log2Page1G = 30
)

// pteAddr returns the physical address of a slot within a table page.
func pteAddr(table uint64, slot uint) uintptr {
	return uintptr(table) + uintptr(slot)*8
}

// FindPTE walks the page tables for linearAddr, stopping at the level
// whose shift equals log2Pagesize (one of Log2Page4K/2M/1G). When create
// is true, missing intermediate tables are allocated on demand; when
// false, a missing mapping yields errNoPTE.
//
// Returns the physical address of the leaf PTE slot itself (not its
// contents), mirroring paging_find_pte's pointer-to-slot return.
func (pt *PageTables) FindPTE(linearAddr uint64, log2Pagesize uint, create bool) (uintptr, *kernel.Error) {
	ref := pt.root
	var slot uint

	for _, shift := range shifts {
		slot = uint((linearAddr>>shift)&0x1FF)

		if shift == log2Pagesize {
			break
		}

		ptAddr := pteAddr(ref, slot)
		entry := pt.m.Uint64(ptAddr)
		next := pt.builder.Addr(entry)

		if next == 0 {
			if !create {
				return 0, errNoPTE
			}
			table, err := newTable(pt.m, pt.alloc)
			if err != nil {
				return 0, err
			}
			next = table
			pt.m.PutUint64(ptAddr, pt.builder.Intermediate(next))
		}

		ref = next
	}

	return pteAddr(ref, slot), nil
}

// pageMask2M is the alignment boundary at which FindPTE must be
// re-resolved while scanning a run of 4 KiB entries (crossing into a new
// leaf table every 2 MiB, per paging_map_range/paging_iovec).
const pageMask2M = uint64(1) << 21

// MapRange maps [linearBase, linearBase+length) to freshly allocated
// physical pages with the given flags, in two passes: first counting
// currently-unmapped pages, then allocating that space in one (or a few,
// if the allocator can't satisfy it all at once) calls and installing it
// page by page. Mirrors paging_map_range.
func (pt *PageTables) MapRange(linearBase uint64, length uint64, flags PTEFlags) *kernel.Error {
	const pageSize = uint64(mem.PageSize)
	const pageMask = pageSize - 1

	misalignment := linearBase & pageMask
	linearBase -= misalignment
	length += misalignment
	length = (length + pageMask) &^ pageMask

	var needed uint64
	var slotAddr uintptr
	for addr := linearBase; addr-linearBase < length; addr += pageSize {
		if slotAddr == 0 || addr&^(pageMask2M-1) == addr {
			p, err := pt.FindPTE(addr, Log2Page4K, true)
			if err != nil {
				return err
			}
			slotAddr = p
		} else {
			slotAddr += 8
		}
		if !pt.builder.IsPresent(pt.m.Uint64(slotAddr)) {
			needed += pageSize
		}
	}

	slotAddr = 0
	var allocBase, allocSize uint64
	for addr := linearBase; addr-linearBase < length; addr += pageSize {
		if slotAddr == 0 || addr&^(pageMask2M-1) == addr {
			p, err := pt.FindPTE(addr, Log2Page4K, true)
			if err != nil {
				return err
			}
			slotAddr = p
		} else {
			slotAddr += 8
		}

		if pt.builder.IsPresent(pt.m.Uint64(slotAddr)) {
			continue
		}

		if allocSize == 0 {
			a, err := pt.alloc.Alloc(needed, 0, false)
			if err != nil {
				return err
			}
			if a.Size == 0 {
				return errOutOfPages
			}
			allocBase, allocSize = a.Base, a.Size
			needed -= a.Size
		}

		pt.m.PutUint64(slotAddr, pt.builder.Leaf(allocBase, flags, false))
		allocBase += pageSize
		allocSize -= pageSize
	}

	return nil
}

// AliasRange makes [linearAddr, linearAddr+size) also accessible at
// aliasAddr, copying the physical address out of each existing mapping
// (or marking the alias not-present if the original has none). Mirrors
// paging_alias_range.
func (pt *PageTables) AliasRange(aliasAddr, linearAddr, size uint64, aliasFlags PTEFlags) *kernel.Error {
	const pageSize = uint64(mem.PageSize)

	for offset := uint64(0); offset < size; offset += pageSize {
		originalPTE, origErr := pt.FindPTE(linearAddr+offset, Log2Page4K, false)
		aliasPTE, err := pt.FindPTE(aliasAddr+offset, Log2Page4K, true)
		if err != nil {
			return err
		}

		if origErr == nil {
			entry := pt.m.Uint64(originalPTE)
			pt.m.PutUint64(aliasPTE, pt.builder.Addr(entry)|uint64(aliasFlags))
		} else {
			pt.m.PutUint64(aliasPTE, uint64(aliasFlags)&^(uint64(Present)|pt.builder.AddrMask()))
		}
	}
	return nil
}

// IoChunk is one physically-contiguous run of an IoVec.
type IoChunk struct {
	Base uint64
	Size uint64
}

// IoVec resolves [vaddr, vaddr+size) into the minimal list of
// physically-contiguous chunks, merging adjacent runs up to maxChunk
// bytes. Mirrors paging_iovec, except that a missing mapping returns
// errNoPTE instead of the original's hard PANIC, leaving escalation to
// the caller.
func (pt *PageTables) IoVec(vaddr uint64, size uint64, maxChunk uint64) ([]IoChunk, *kernel.Error) {
	const pageSize = uint64(mem.PageSize)

	var chunks []IoChunk
	misalignment := vaddr & (pageSize - 1)

	var slotAddr uintptr
	for offset := uint64(0); offset < size; {
		if slotAddr == 0 || vaddr&^(pageMask2M-1) == vaddr {
			p, err := pt.FindPTE(vaddr, Log2Page4K, false)
			if err != nil {
				return nil, err
			}
			slotAddr = p
		} else {
			slotAddr += 8
		}

		entry := pt.m.Uint64(slotAddr)
		if !pt.builder.IsPresent(entry) {
			return nil, errNoPTE
		}
		paddr := pt.builder.Addr(entry) + misalignment
		chunk := pageSize - misalignment
		misalignment = 0

		if offset+chunk > size {
			chunk = size - offset
		}

		if n := len(chunks); n > 0 && chunks[n-1].Base+chunks[n-1].Size == paddr && chunks[n-1].Size+chunk <= maxChunk {
			chunks[n-1].Size += chunk
		} else {
			chunks = append(chunks, IoChunk{Base: paddr, Size: chunk})
		}

		vaddr += chunk
		offset += chunk
	}

	return chunks, nil
}

// log2PageSizes lists the huge-page levels MapPhysical considers, largest
// first, matching paging_map_physical's 30 -> 21 -> 12 descent.
var log2PageSizes = [3]uint{Log2Page1G, Log2Page2M, Log2Page4K}

// MapPhysical maps [linearBase, linearBase+length) directly onto
// physAddr, inferring the largest page size whose alignment is satisfied
// by all three of physAddr, linearBase and length. flags is expressed as
// if for a 4 KiB leaf (bit position per PAT); MapPhysical relocates the
// PAT bit to the huge-page position itself when a huge page size is
// chosen. Mirrors paging_map_physical.
func (pt *PageTables) MapPhysical(physAddr, linearBase, length uint64, flags PTEFlags) *kernel.Error {
	log2PageSize := uint(Log2Page4K)
	pageSize := uint64(1) << Log2Page4K
	huge := false

	for _, l := range log2PageSizes[:2] {
		candidate := uint64(1) << l
		mask := ^(candidate - 1)
		if physAddr&mask == physAddr && linearBase&mask == linearBase && length&mask == length {
			log2PageSize = l
			pageSize = candidate
			huge = true
			break
		}
	}

	mask := pageSize - 1
	misalignment := linearBase & mask
	linearBase -= misalignment
	physAddr -= misalignment
	length += misalignment
	length = (length + mask) &^ mask

	end := linearBase + length

	tableSpan := pageSize << 9
	var slotAddr uintptr
	for vaddr := linearBase; vaddr < end; vaddr += pageSize {
		if slotAddr == 0 || vaddr&^(tableSpan-1) == vaddr {
			p, err := pt.FindPTE(vaddr, log2PageSize, true)
			if err != nil {
				return err
			}
			slotAddr = p
		} else {
			slotAddr += 8
		}

		pt.m.PutUint64(slotAddr, pt.builder.Leaf(physAddr, flags, huge))
		physAddr += pageSize
	}

	return nil
}

// ModifyFlags clears then sets flag bits on every present mapping in
// [addr, addr+size). Mappings that don't exist are silently skipped, same
// as paging_modify_flags.
func (pt *PageTables) ModifyFlags(addr, size uint64, clear, set PTEFlags) {
	const pageSize = uint64(mem.PageSize)

	for offset := uint64(0); offset < size; offset += pageSize {
		slot, err := pt.FindPTE(addr+offset, Log2Page4K, false)
		if err != nil {
			continue
		}
		entry := pt.m.Uint64(slot)
		if !pt.builder.IsPresent(entry) {
			continue
		}
		entry &^= uint64(clear)
		entry |= uint64(set)
		pt.m.PutUint64(slot, entry)
	}
}

// PhysAddrOf resolves linearAddr to its physical address, or notFound if
// unmapped. Mirrors paging_physaddr_of.
func (pt *PageTables) PhysAddrOf(linearAddr uint64) uint64 {
	const pageSize = uint64(mem.PageSize)
	misalignment := linearAddr & (pageSize - 1)

	slot, err := pt.FindPTE(linearAddr-misalignment, Log2Page4K, false)
	if err != nil {
		return notFound
	}
	entry := pt.m.Uint64(slot)
	if !pt.builder.IsPresent(entry) {
		return notFound
	}
	return pt.builder.Addr(entry) + misalignment
}

// NotFoundAddr exposes the PhysAddrOf not-found sentinel to callers.
func NotFoundAddr() uint64 { return notFound }
