package physmap

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestMap(ranges ...PhysRange) *PhysMap {
	m := New()
	for _, r := range ranges {
		m.Insert(r)
	}
	m.Reconcile()
	return m
}

func TestAllocBelow1MPairS1S2(t *testing.T) {
	m := newTestMap(
		PhysRange{Base: 0x0000, Size: 0x9FC00, Kind: Normal, Valid: true},
		PhysRange{Base: 0x100000, Size: 0x3FF00000, Kind: Normal, Valid: true},
	)

	got, err := m.Alloc(0x1000, 0xFFFFFFFF80000000, false)
	require.Nil(t, err)
	require.Equal(t, PhysAlloc{Base: 0x100000, Size: 0x1000}, got)

	require.Equal(t, 3, m.Len())
	require.Equal(t, PhysRange{Base: 0x100000, Size: 0x1000, Kind: Allocated, Valid: true}, m.At(1))
	require.Equal(t, uint64(0x101000), m.At(2).Base)
	require.Equal(t, Normal, m.At(2).Kind)
	require.Equal(t, uint64(0x40000000), m.At(2).End())

	m.Free(got, 1)

	after := snapshot(m)
	require.Len(t, after, 2)
	require.Equal(t, PhysRange{Base: 0, Size: 0x9FC00, Kind: Normal, Valid: true}, after[0])
	require.Equal(t, PhysRange{Base: 0x100000, Size: 0x3FF00000, Kind: Normal, Valid: true}, after[1])
}

func snapshot(m *PhysMap) []PhysRange {
	out := make([]PhysRange, m.Len())
	for i := range out {
		out[i] = m.At(i)
	}
	return out
}

func TestSplitLargeS5(t *testing.T) {
	m := newTestMap(PhysRange{Base: 0x200000, Size: 16 * oneMiB, Kind: Normal, Valid: true})

	m.SplitLarge()

	require.Equal(t, 1, m.Len())
	got := m.At(0)
	require.Equal(t, Normal2M, got.Kind)
	require.Equal(t, uint64(0x200000), got.Base)
	require.Equal(t, 16*oneMiB, got.Size)
}

func TestSplitLargeFiveWay(t *testing.T) {
	// A range spanning well past 1 GiB alignment on both sides should
	// produce all five pieces (Normal, Normal2M, Normal1G, Normal2M, Normal).
	base := uint64(0x300000)
	size := uint64(3 * oneGiB)
	m := newTestMap(PhysRange{Base: base, Size: size, Kind: Normal, Valid: true})

	m.SplitLarge()

	require.GreaterOrEqual(t, m.Len(), 3)

	var total uint64
	for i := 0; i < m.Len(); i++ {
		total += m.At(i).Size
	}
	require.Equal(t, size, total, "split pieces must sum to original size")

	foundGB := false
	for i := 0; i < m.Len(); i++ {
		r := m.At(i)
		if r.Kind == Normal1G {
			foundGB = true
			require.Zero(t, r.Base%oneGiB, "Normal1G entry not 1 GiB aligned: %+v", r)
			require.Zero(t, r.Size%oneGiB, "Normal1G entry not 1 GiB aligned: %+v", r)
		}
		if r.Kind == Normal2M {
			require.Zero(t, r.Base%twoMiB, "Normal2M entry not 2 MiB aligned: %+v", r)
			require.Zero(t, r.Size%twoMiB, "Normal2M entry not 2 MiB aligned: %+v", r)
		}
	}
	require.True(t, foundGB, "expected at least one Normal1G piece")
}

func TestValidateSortedNoOverlapNoCoalesce(t *testing.T) {
	m := newTestMap(
		PhysRange{Base: 0x0, Size: 0x1000, Kind: Normal, Valid: true},
		PhysRange{Base: 0x2000, Size: 0x1000, Kind: Normal, Valid: true},
	)
	require.Nil(t, m.Validate())
}

func TestValidateCatchesUncoalescedAdjacentSameKind(t *testing.T) {
	m := New()
	m.Insert(PhysRange{Base: 0x0, Size: 0x1000, Kind: Normal, Valid: true})
	m.Insert(PhysRange{Base: 0x1000, Size: 0x1000, Kind: Normal, Valid: true})
	// Deliberately skip Reconcile so the two touching same-kind entries
	// remain uncoalesced.

	require.NotNil(t, m.Validate())
}

func TestAllocFreeConservation(t *testing.T) {
	m := newTestMap(PhysRange{Base: 0x100000, Size: 0x10000000, Kind: Normal, Valid: true})

	before := m.FreeSpaceTotal()

	got, err := m.Alloc(0x8000, 0, false)
	require.Nil(t, err)

	m.Free(got, 0)

	after := m.FreeSpaceTotal()
	require.Equal(t, before, after, "expected free space to be conserved")
}

func TestAlignNormalDropsSubPageFragment(t *testing.T) {
	m := New()
	m.Insert(PhysRange{Base: 0x100, Size: 0x500, Kind: Normal, Valid: true})
	m.Insert(PhysRange{Base: 0x2000, Size: 0x3000, Kind: Normal, Valid: true})

	m.AlignNormal()

	require.Equal(t, 1, m.Len(), "expected sub-page fragment to be dropped")
	require.Equal(t, uint64(0x2000), m.At(0).Base)
	require.Equal(t, uint64(0x3000), m.At(0).Size)
}

func TestTakeRangeSplitsOverlappedEntry(t *testing.T) {
	m := newTestMap(PhysRange{Base: 0x100000, Size: 0x10000000, Kind: Normal, Valid: true})

	m.TakeRange(0x200000, 0x1000, Bootloader)

	found := false
	for i := 0; i < m.Len(); i++ {
		r := m.At(i)
		if r.Base == 0x200000 && r.Size == 0x1000 && r.Kind == Bootloader {
			found = true
		}
	}
	require.True(t, found, "expected taken range to appear as Bootloader entry, got %+v", snapshot(m))
	require.Nil(t, m.Validate())
}

func TestAllocOutOfMemory(t *testing.T) {
	m := newTestMap(PhysRange{Base: 0x100000, Size: 0x1000, Kind: Allocated, Valid: true})

	_, err := m.Alloc(0x2000, 0, true)
	require.ErrorIs(t, err, ErrOutOfMemory)
}
