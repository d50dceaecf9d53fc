// Package physmap maintains the sorted, non-overlapping physical memory map
// that every other bootloader subsystem allocates pages from. It is the Go
// translation of original_source/boot/physmap.cc: a single ordered slice of
// typed extents plus cached cursors, mutated only through Insert, TakeRange,
// Alloc, Free, AlignNormal and SplitLarge.
package physmap

import "ignition/kernel"

// RangeKind classifies a PhysRange. Values and ordering mirror
// original_source/boot/include/physmem_data.h's PHYSMEM_TYPE_* constants.
type RangeKind uint8

const (
	_ RangeKind = iota
	Normal
	Unusable
	Reclaimable
	NVS
	Bad
	Allocated
	Bootloader
	Normal2M
	Normal1G
)

var rangeKindNames = [...]string{
	"<zero>",
	"Normal",
	"Unusable",
	"Reclaimable",
	"NVS",
	"Bad",
	"Allocated",
	"Bootloader",
	"Normal2M",
	"Normal1G",
}

// String implements fmt.Stringer.
func (k RangeKind) String() string {
	if int(k) < len(rangeKindNames) {
		return rangeKindNames[k]
	}
	return "<unknown>"
}

// IsNormal reports whether k is one of the free-memory kinds.
func (k RangeKind) IsNormal() bool {
	return k == Normal || k == Normal2M || k == Normal1G
}

const (
	pageSize    = 0x1000
	pageMask    = pageSize - 1
	twoMiB      = 1 << 21
	oneGiB      = 1 << 30
	oneMiB      = 1 << 20
	fourGiB     = 1 << 32
	realignMask = 0x3000
	minRealign  = 0x4000
)

// PhysRange is a single typed extent of the physical address space.
type PhysRange struct {
	Base  uint64
	Size  uint64
	Kind  RangeKind
	Valid bool
}

// End returns the address one past the last byte of the range.
func (r PhysRange) End() uint64 { return r.Base + r.Size }

// SetEnd moves the end of the range, adjusting Size. The caller must ensure
// end >= Base.
func (r *PhysRange) SetEnd(end uint64) {
	r.Size = end - r.Base
}

// SetStart moves the start of the range, adjusting both Base and Size so
// that End() is unchanged. The caller must ensure start < r.End().
func (r *PhysRange) SetStart(start uint64) {
	end := r.End()
	r.Base = start
	r.Size = end - start
}

// PhysAlloc is the result of a physical allocation. A zero Size signals
// failure.
type PhysAlloc struct {
	Base uint64
	Size uint64
}

var (
	// ErrOutOfMemory is returned by Alloc when no block satisfies the
	// request.
	ErrOutOfMemory = &kernel.Error{Module: "physmap", Message: "out of memory"}

	errCorruptMap = &kernel.Error{Module: "physmap", Message: "Corrupted PhysMap"}
)

// precedence ranks RangeKind values when the init fix-up pass must decide
// which of two overlapping entries wins. Higher wins. Mirrors the
// anonymous physmap_precedence class in original_source/boot/physmap.cc.
var precedence = [...]int{
	Normal:      1,
	Reclaimable: 2,
	NVS:         3,
	Unusable:    4,
	Bad:         5,
}

func precedenceOf(k RangeKind) int {
	if int(k) < len(precedence) {
		return precedence[k]
	}
	return precedence[Bad]
}

// PhysMap is an ordered sequence of PhysRange entries, sorted and
// deduplicated by Base, plus cached cursors used to keep allocation scans
// and validation fast.
type PhysMap struct {
	ranges []PhysRange

	// firstAbove1M is the index of the first entry with Base >= 1 MiB.
	firstAbove1M int
	// firstAbove4G is the index of the first entry with Base >= 4 GiB.
	firstAbove4G int
	// rover is the allocation scan cursor into the [1 MiB, 4 GiB) region.
	rover int
}

// New builds an empty PhysMap. Entries are normally added with Insert from
// a firmware-provided memory map, then reconciled with Reconcile.
func New() *PhysMap {
	return &PhysMap{}
}

// Len returns the number of entries currently in the map.
func (m *PhysMap) Len() int { return len(m.ranges) }

// At returns a copy of the entry at index i.
func (m *PhysMap) At(i int) PhysRange { return m.ranges[i] }

// TopAddr returns the address one past the last byte described by any
// entry in the map.
func (m *PhysMap) TopAddr() uint64 {
	if len(m.ranges) == 0 {
		return 0
	}
	return m.ranges[len(m.ranges)-1].End()
}

func (m *PhysMap) findInsertionPoint(base uint64) int {
	n := len(m.ranges)
	if n == 0 || m.ranges[n-1].End() <= base {
		return n
	}
	st, en := 0, n
	for st < en {
		mid := st + (en-st)>>1
		if m.ranges[mid].Base < base {
			st = mid + 1
		} else {
			en = mid
		}
	}
	return st
}

func (m *PhysMap) insertAt(index int, entry PhysRange) {
	m.ranges = append(m.ranges, PhysRange{})
	copy(m.ranges[index+1:], m.ranges[index:])
	m.ranges[index] = entry

	if entry.Base < oneMiB {
		m.firstAbove1M++
		m.rover++
	}
	if entry.Base < fourGiB {
		m.firstAbove4G++
	}
}

func (m *PhysMap) deleteAt(index int) {
	removed := m.ranges[index]
	m.ranges = append(m.ranges[:index], m.ranges[index+1:]...)

	if removed.Base < oneMiB {
		if m.firstAbove1M > 0 {
			m.firstAbove1M--
		}
		if m.rover > index {
			m.rover--
		}
	}
	if removed.Base < fourGiB && m.firstAbove4G > 0 {
		m.firstAbove4G--
	}
}

// Insert adds entry to the map in sorted position. Callers building the
// initial map from firmware data should follow with Reconcile once all
// entries have been added.
func (m *PhysMap) Insert(entry PhysRange) int {
	index := m.findInsertionPoint(entry.Base)
	m.insertAt(index, entry)
	return index
}

// Reconcile runs the fix-up pass original_source/boot/physmap.cc's
// physmap_init performs after the firmware memory map has been loaded
// verbatim: coalesce touching same-kind neighbors, then repeatedly resolve
// overlaps by precedence (a higher-precedence kind clips or replaces a
// lower one) until the map is stable.
func (m *PhysMap) Reconcile() {
	for {
		didSomething := m.coalesceAdjacent()
		didSomething = m.resolveOverlaps() || didSomething
		if !didSomething {
			break
		}
	}
}

func (m *PhysMap) coalesceAdjacent() bool {
	did := false
	for i := 0; i+1 < len(m.ranges); {
		a, b := &m.ranges[i], m.ranges[i+1]
		if a.Kind == b.Kind && a.End() == b.Base {
			a.Size += b.Size
			m.deleteAt(i + 1)
			did = true
			continue
		}
		i++
	}
	return did
}

func (m *PhysMap) resolveOverlaps() bool {
	did := false
	for i := 0; i+1 < len(m.ranges); i++ {
		a, b := &m.ranges[i], &m.ranges[i+1]
		if a.End() <= b.Base {
			continue
		}
		did = true
		if precedenceOf(b.Kind) >= precedenceOf(a.Kind) {
			// b wins the overlap; clip a.
			if b.Base <= a.Base {
				m.deleteAt(i)
				i--
				continue
			}
			a.SetEnd(b.Base)
		} else {
			// a wins; clip b.
			if a.End() >= b.End() {
				m.deleteAt(i + 1)
				i--
				continue
			}
			b.SetStart(a.End())
		}
	}
	return did
}

// TakeRange carves [base, base+size) out of whatever currently covers it,
// stamping the carved area with kind. Overlapped entries are split,
// shrunk, or deleted as needed. Mirrors physmap_take_range.
func (m *PhysMap) TakeRange(base, size uint64, kind RangeKind) int {
	end := base + size

	index := m.findInsertionPoint(base)

	for index < len(m.ranges) && m.ranges[index].End() <= end {
		m.deleteAt(index)
	}

	if index < len(m.ranges) && m.ranges[index].Base < end {
		m.ranges[index].SetStart(end)
	}

	entry := PhysRange{Base: base, Size: size, Kind: kind, Valid: true}

	if index > 0 {
		prev := &m.ranges[index-1]
		prevEnd := prev.End()

		if prevEnd < end {
			prev.Size = base - prev.Base
			if prev.Size == 0 {
				m.deleteAt(index - 1)
				index--
			}
			m.insertAt(index, entry)
			return index
		}

		origPrevKind := prev.Kind
		prev.Size = base - prev.Base
		if prev.Size == 0 {
			m.deleteAt(index - 1)
			index--
		}

		if prevEnd > end {
			tail := PhysRange{Base: end, Size: prevEnd - end, Kind: origPrevKind, Valid: true}
			m.insertAt(index, tail)
		}

		m.insertAt(index, entry)
		return index
	}

	m.insertAt(index, entry)
	return index
}

// Alloc carves up to size bytes of physical memory from the [1 MiB, 4 GiB)
// region, page-aligning the request. forAddr biases the carved base so its
// bits 12-13 agree with forAddr's, letting AMD Zen's TLB pack it as a
// single contiguous 16 KiB entry; the hint is dropped for requests under
// 16 KiB (it is a no-op for single-page requests, since one page is
// already naturally aligned). When insist is true a block smaller than
// the request is skipped rather than accepted as a partial result. Only
// entries whose base is at or above 1 MiB are scanned; an entry that
// starts below 1 MiB is not used, even where it extends past 1 MiB.
func (m *PhysMap) Alloc(size uint64, forAddr uint64, insist bool) (PhysAlloc, *kernel.Error) {
	size = (size + pageMask) &^ pageMask

	if m.rover == 0 {
		m.rover = m.firstAbove1M
	}

	for i := m.rover; i < m.firstAbove4G; i++ {
		entry := &m.ranges[i]
		if entry.Kind != Normal {
			continue
		}

		var realign uint64
		if forAddr != 0 {
			realign = (forAddr - entry.Base) & realignMask
		}
		if size < minRealign {
			realign = 0
		}

		if entry.Size <= realign {
			continue
		}

		need := size + realign
		result := PhysAlloc{Base: entry.Base + realign}
		unwanted := PhysAlloc{Base: entry.Base, Size: realign}

		if i > 0 {
			prev := &m.ranges[i-1]
			if prev.Kind == Allocated && prev.End() == entry.Base {
				switch {
				case need < entry.Size:
					prev.Size += need
					entry.Base += need
					entry.Size -= need
					result.Size = need - unwanted.Size
					m.rover = i
					m.finishAlloc(unwanted, i)
					return result, nil
				case insist:
					continue
				default:
					result.Size = entry.Size - realign
					prev.Size += entry.Size
					m.deleteAt(i)
					for i < len(m.ranges) && prev.Kind == m.ranges[i].Kind && prev.End() == m.ranges[i].Base {
						prev.Size += m.ranges[i].Size
						m.deleteAt(i)
					}
					m.rover = i
					m.finishAlloc(unwanted, i)
					return result, nil
				}
			}
		}

		if insist && entry.Size < need {
			continue
		}

		if entry.Size > need {
			result.Size = need - unwanted.Size
			after := PhysRange{Base: entry.Base + need, Size: entry.Size - need, Kind: Normal, Valid: true}
			entry.Size = need
			entry.Kind = Allocated
			m.insertAt(i+1, after)
		} else {
			result.Size = entry.Size - unwanted.Size
			entry.Kind = Allocated
		}

		m.rover = i + 1
		m.finishAlloc(unwanted, i)
		return result, nil
	}

	return PhysAlloc{}, ErrOutOfMemory
}

func (m *PhysMap) finishAlloc(unwanted PhysAlloc, hint int) {
	if unwanted.Size != 0 {
		m.Free(unwanted, hint)
	}
}

// Free returns a previously-allocated range to the map as Normal memory,
// coalescing with adjacent Normal neighbors. hint is not used: the owning
// entry is always found by binary search over the [1 MiB, 4 GiB) entries.
// Mirrors free_phys.
func (m *PhysMap) Free(freed PhysAlloc, hint int) {
	freed.Size = (freed.Size + pageMask) &^ pageMask
	freedEnd := freed.Base + freed.Size

	st := m.firstAbove1M
	en := m.firstAbove4G
	for st < en {
		mid := st + (en-st)>>1
		if freed.Base > m.ranges[mid].Base {
			st = mid + 1
		} else {
			en = mid
		}
	}
	if st > 0 && (st == len(m.ranges) || m.ranges[st].Base > freed.Base) {
		st--
	}

	switch {
	case st < len(m.ranges) && m.ranges[st].Kind == Allocated && m.ranges[st].Base == freed.Base && m.ranges[st].Size == freed.Size:
		m.deleteAt(st)
	case st < len(m.ranges) && m.ranges[st].Kind == Allocated && m.ranges[st].End() == freedEnd:
		m.ranges[st].Size = freed.Base - m.ranges[st].Base
		st++
	case st < len(m.ranges) && m.ranges[st].Kind == Allocated && m.ranges[st].Base == freed.Base:
		m.ranges[st].Size -= freed.Size
		m.ranges[st].Base += freed.Size
	case st < len(m.ranges) && m.ranges[st].Kind == Allocated && m.ranges[st].Base < freed.Base && m.ranges[st].Base+m.ranges[st].Size > freedEnd:
		block := &m.ranges[st]
		blockEnd := block.End()
		after := PhysRange{Base: freedEnd, Size: blockEnd - freedEnd, Kind: Allocated, Valid: true}
		block.Size = freed.Base - block.Base
		free := PhysRange{Base: freed.Base, Size: freed.Size, Kind: Normal, Valid: true}
		st++
		m.insertAt(st, free)
		st++
		m.insertAt(st, after)
		return
	default:
		// Nothing matched: freed range does not correspond to a
		// single allocated extent. This indicates caller error.
		return
	}

	prevEnd := uint64(0)
	if st > 0 && st < len(m.ranges)+1 && st-1 < len(m.ranges) {
		prevEnd = m.ranges[st-1].End()
	}
	nextStart := ^uint64(0)
	if st < len(m.ranges) {
		nextStart = m.ranges[st].Base
	}

	adjacentPrev := st > 0 && st-1 < len(m.ranges) && m.ranges[st-1].Kind == Normal && prevEnd == freed.Base
	adjacentNext := st < len(m.ranges) && freedEnd == nextStart && m.ranges[st].Kind == Normal

	switch {
	case adjacentPrev && !adjacentNext:
		m.ranges[st-1].Size += freed.Size
	case !adjacentPrev && adjacentNext:
		m.ranges[st].Base -= freed.Size
		m.ranges[st].Size += freed.Size
	case adjacentPrev && adjacentNext:
		m.ranges[st-1].Size += freed.Size
		m.deleteAt(st)
	default:
		m.insertAt(st, PhysRange{Base: freed.Base, Size: freed.Size, Kind: Normal, Valid: true})
	}
}

// AlignNormal shrinks every Normal range to whole-page boundaries,
// dropping any fragment too small to cover a single page. Mirrors
// physmap_align_normal.
func (m *PhysMap) AlignNormal() {
	for i := 0; i < len(m.ranges); i++ {
		r := &m.ranges[i]
		if r.Kind != Normal {
			continue
		}

		st := (r.Base + pageMask) &^ pageMask
		en := r.End() &^ pageMask

		if r.Base == st && r.End() == en {
			continue
		}

		if st < en {
			r.Base = st
			r.Size = en - st
		} else {
			m.deleteAt(i)
			i--
		}
	}
}

func roundUp(n, align uint64) uint64   { return (n + align - 1) &^ (align - 1) }
func roundDown(n, align uint64) uint64 { return n &^ (align - 1) }

// SplitLarge rewrites every Normal range into up to five consecutive
// sub-ranges of kinds Normal | Normal2M | Normal1G | Normal2M | Normal,
// choosing split points so each interior piece is naturally aligned to
// its own page size. Mirrors physmap_split_large.
func (m *PhysMap) SplitLarge() {
	for i := 0; i < len(m.ranges); {
		r := m.ranges[i]
		if r.Kind != Normal {
			i++
			continue
		}

		a, f := r.Base, r.End()
		b := roundUp(a, twoMiB)
		e := roundDown(f, twoMiB)

		if e <= b {
			i++
			continue
		}

		c := roundUp(b, oneGiB)
		d := roundDown(e, oneGiB)

		var rr, ss, tt, uu, vv uint64
		if c < d {
			rr, ss, tt, uu, vv = sub(b, a), sub(c, b), sub(d, c), sub(e, d), sub(f, e)
		} else {
			rr, ss, tt, uu, vv = sub(b, a), sub(e, b), 0, 0, sub(f, e)
		}

		m.deleteAt(i)

		if rr != 0 {
			m.insertAt(i, PhysRange{Base: a, Size: rr, Kind: Normal, Valid: true})
			i++
		}
		if ss != 0 {
			m.insertAt(i, PhysRange{Base: b, Size: ss, Kind: Normal2M, Valid: true})
			i++
		}
		if tt != 0 {
			m.insertAt(i, PhysRange{Base: c, Size: tt, Kind: Normal1G, Valid: true})
			i++
		}
		if uu != 0 {
			m.insertAt(i, PhysRange{Base: d, Size: uu, Kind: Normal2M, Valid: true})
			i++
		}
		if vv != 0 {
			m.insertAt(i, PhysRange{Base: e, Size: vv, Kind: Normal, Valid: true})
			i++
		}
	}
}

func sub(a, b uint64) uint64 {
	if a > b {
		return a - b
	}
	return 0
}

// FreeSpaceTotal sums the size of every Normal*-kind range. Callers use it
// to assert allocation/free conservation around a single mutation.
func (m *PhysMap) FreeSpaceTotal() uint64 {
	var total uint64
	for _, r := range m.ranges {
		if r.Kind.IsNormal() {
			total += r.Size
		}
	}
	return total
}

// Validate walks the map checking the three global invariants: strict
// sort order, no overlaps, and no uncoalesced adjacent same-kind pair.
// Returns errCorruptMap (wrapping kernel.Error) on the first violation
// found.
func (m *PhysMap) Validate() *kernel.Error {
	for i := 0; i+1 < len(m.ranges); i++ {
		a, b := m.ranges[i], m.ranges[i+1]
		if !(a.Base < b.Base) || a.End() > b.Base {
			return errCorruptMap
		}
		if a.Kind == b.Kind && a.End() == b.Base {
			return errCorruptMap
		}
	}
	return nil
}
