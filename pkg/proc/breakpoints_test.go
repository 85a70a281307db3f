package proc

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeResolver struct {
	addrs  map[string]uint64
	arches map[string]CPUType
}

func (f *fakeResolver) ResolveAddress(module string, offset uint64) (uint64, bool) {
	base, ok := f.addrs[module]
	if !ok {
		return 0, false
	}
	return base + offset, true
}

func (f *fakeResolver) ModuleArch(module string) (CPUType, bool) {
	arch, ok := f.arches[module]
	return arch, ok
}

func newTestRegistry() (*BreakpointLocationRegistry, *BreakpointLocationMutator, *fakeInstaller, *fakeResolver) {
	inst := newFakeInstaller()
	res := &fakeResolver{addrs: make(map[string]uint64), arches: make(map[string]CPUType)}
	reg, mut := NewBreakpointLocationRegistry(7, inst, res)
	return reg, mut, inst, res
}

func TestCreateIsIdempotent(t *testing.T) {
	reg, mut, _, _ := newTestRegistry()

	addrs := []uint64{0x1000, 0x2000, 0x1000, 0x3000, 0x2000, 0x1000}
	ids := make(map[uint64]int)
	for _, addr := range addrs {
		loc := mut.Create(addr)
		require.NotNil(t, loc)
		assert.Equal(t, 7, loc.BreakpointID)
		if prev, seen := ids[addr]; seen {
			assert.Equal(t, prev, loc.LocationID, "repeated address must yield the same location")
		}
		ids[addr] = loc.LocationID
	}
	assert.Equal(t, 3, reg.NumLocations(), "registry size equals the distinct address count")

	var isNew bool
	loc, err := mut.AddLocation(0x1000, &isNew)
	require.NoError(t, err)
	assert.False(t, isNew)
	assert.Equal(t, ids[0x1000], loc.LocationID)

	loc, err = mut.AddLocation(0x4000, &isNew)
	require.NoError(t, err)
	assert.True(t, isNew)
	assert.NotNil(t, loc)
}

func TestRemovedIDsAreNeverReused(t *testing.T) {
	reg, mut, _, _ := newTestRegistry()

	first := mut.Create(0x1000)
	require.True(t, mut.RemoveLocation(first.LocationID))
	assert.Nil(t, reg.FindByAddress(0x1000))

	second := mut.Create(0x1000)
	assert.Greater(t, second.LocationID, first.LocationID, "recreated location must get a strictly new id")

	assert.False(t, mut.RemoveLocation(first.LocationID), "removing a stale id reports absence")
}

func TestFindOperations(t *testing.T) {
	reg, mut, _, _ := newTestRegistry()

	loc := mut.Create(0x1000)
	assert.Same(t, loc, reg.FindByAddress(0x1000))
	assert.Same(t, loc, reg.FindByID(loc.LocationID))
	assert.Nil(t, reg.FindByAddress(0x9999))
	assert.Nil(t, reg.FindByID(9999))

	assert.Same(t, loc, reg.GetByIndex(0))
	assert.Nil(t, reg.GetByIndex(1))
	assert.Nil(t, reg.GetByIndex(-1))
}

func TestFindInModule(t *testing.T) {
	reg, mut, _, res := newTestRegistry()
	res.addrs["libfoo.so"] = 0x40000

	mut.AddPendingLocation("libfoo.so", 0x10)
	mut.AddPendingLocation("libfoo.so", 0x20)
	mut.AddPendingLocation("libbar.so", 0x10)

	var coll BreakpointLocationCollection
	n := reg.FindInModule("libfoo.so", &coll)
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, coll.Len())
	for i := 0; i < coll.Len(); i++ {
		assert.Equal(t, "libfoo.so", coll.Get(i).Module)
	}
	assert.Nil(t, coll.Get(2))
}

func TestRecordingWindow(t *testing.T) {
	_, mut, _, _ := newTestRegistry()

	before := mut.Create(0x1000)
	_ = before

	var coll BreakpointLocationCollection
	mut.StartRecordingNewLocations(&coll)
	inWindow := mut.Create(0x2000)
	mut.Create(0x1000) // duplicate, not a creation
	mut.StopRecordingNewLocations()

	mut.Create(0x3000)

	require.Equal(t, 1, coll.Len(), "only locations created in the window are recorded")
	assert.Same(t, inWindow, coll.Get(0))
}

func TestShouldStop(t *testing.T) {
	reg, mut, _, _ := newTestRegistry()
	ctx := context.Background()

	loc := mut.Create(0x1000)
	assert.True(t, reg.ShouldStop(ctx, loc.LocationID))
	assert.Equal(t, uint64(1), loc.HitCount)

	loc.IgnoreCount = 2
	assert.False(t, reg.ShouldStop(ctx, loc.LocationID))
	assert.False(t, reg.ShouldStop(ctx, loc.LocationID))
	assert.True(t, reg.ShouldStop(ctx, loc.LocationID))
	assert.Equal(t, uint64(4), loc.HitCount, "ignored hits still count")

	loc.Cond = func(ctx context.Context, loc *BreakpointLocation) bool { return loc.HitCount >= 6 }
	assert.False(t, reg.ShouldStop(ctx, loc.LocationID))
	assert.True(t, reg.ShouldStop(ctx, loc.LocationID))

	loc.Enabled = false
	assert.False(t, reg.ShouldStop(ctx, loc.LocationID))
	assert.Equal(t, uint64(6), loc.HitCount, "disabled locations do not count hits")

	assert.False(t, reg.ShouldStop(ctx, 9999))
	assert.Equal(t, uint64(6), reg.GetHitCount(), "unknown ids mutate nothing")
}

func TestResolveAndClearSites(t *testing.T) {
	reg, mut, inst, res := newTestRegistry()

	pending := mut.AddPendingLocation("libfoo.so", 0x10)
	resolved := mut.Create(0x1000)
	_ = resolved

	assert.Equal(t, 1, reg.GetNumResolvedLocations())

	reg.ResolveAllBreakpointSites()
	assert.False(t, pending.Resolved, "unmapped module stays pending")
	assert.Len(t, inst.installed, 1)

	res.addrs["libfoo.so"] = 0x40000
	reg.ResolveAllBreakpointSites()
	assert.True(t, pending.Resolved)
	assert.Equal(t, uint64(0x40010), pending.Addr)
	assert.Equal(t, 2, reg.GetNumResolvedLocations())
	assert.Same(t, pending, reg.FindByAddress(0x40010))
	assert.Len(t, inst.installed, 2)

	reg.ClearAllBreakpointSites()
	assert.Empty(t, inst.installed, "clearing detaches every site")
	assert.Equal(t, 2, reg.GetNumResolvedLocations(), "identities survive site removal")

	reg.ResolveAllBreakpointSites()
	assert.Len(t, inst.installed, 2, "sites can be reinstalled")
}

func TestRemoveInvalidLocations(t *testing.T) {
	reg, mut, _, res := newTestRegistry()
	res.addrs["libfoo.so"] = 0x40000
	res.addrs["libbar.so"] = 0x50000
	res.arches["libfoo.so"] = CPUTypeARM
	res.arches["libbar.so"] = CPUType(16777228) // a 64-bit build replaced the module

	keep := mut.AddPendingLocation("libfoo.so", 0x10)
	drop := mut.AddPendingLocation("libbar.so", 0x10)
	plain := mut.Create(0x1000)
	reg.ResolveAllBreakpointSites()

	removed := mut.RemoveInvalidLocations(CPUTypeARM)
	assert.Equal(t, 1, removed)
	assert.Nil(t, reg.FindByID(drop.LocationID))
	assert.NotNil(t, reg.FindByID(keep.LocationID))
	assert.NotNil(t, reg.FindByID(plain.LocationID), "locations without a module are kept")
	assert.Nil(t, reg.FindByAddress(0x50010), "the index entry goes with the location")
}

func TestGetDescription(t *testing.T) {
	reg, mut, _, _ := newTestRegistry()
	mut.Create(0x1000)
	mut.AddPendingLocation("libfoo.so", 0x10)
	reg.ShouldStop(context.Background(), 1)

	assert.Equal(t, "Breakpoint 7: 2 locations, 1 resolved, 1 hits", reg.GetDescription())
}
