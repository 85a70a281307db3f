package proc

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-nub/nub/pkg/logflags"
)

// BreakpointLocation is one concrete location of a breakpoint: a pending or
// resolved address with its own hit accounting. The (BreakpointID,
// LocationID) identity is stable for the life of the location and never
// reused, even after removal.
type BreakpointLocation struct {
	BreakpointID int
	LocationID   int

	// Module and Offset are the pending form of the location; Addr is the
	// concrete load address once the module is mapped.
	Module   string
	Offset   uint64
	Addr     uint64
	Resolved bool

	Enabled     bool
	HitCount    uint64
	IgnoreCount uint64

	// Cond, when non nil, is evaluated on hit; the location only stops
	// the process when it returns true.
	Cond func(ctx context.Context, loc *BreakpointLocation) bool

	siteID  int
	hasSite bool
}

func (loc *BreakpointLocation) String() string {
	if !loc.Resolved {
		return fmt.Sprintf("Location %d.%d at %s+%#x (unresolved)", loc.BreakpointID, loc.LocationID, loc.Module, loc.Offset)
	}
	return fmt.Sprintf("Location %d.%d at %#x (%d)", loc.BreakpointID, loc.LocationID, loc.Addr, loc.HitCount)
}

// shouldStop evaluates the enabled flag, the condition and the ignore count
// of the location. Callers hold the registry lock.
func (loc *BreakpointLocation) shouldStop(ctx context.Context) bool {
	if !loc.Enabled {
		return false
	}
	loc.HitCount++
	if loc.Cond != nil && !loc.Cond(ctx, loc) {
		return false
	}
	if loc.IgnoreCount > 0 {
		loc.IgnoreCount--
		return false
	}
	return true
}

// BreakpointLocationCollection accumulates locations across registry scans
// and recording windows.
type BreakpointLocationCollection struct {
	locations []*BreakpointLocation
}

// Add appends loc to the collection.
func (coll *BreakpointLocationCollection) Add(loc *BreakpointLocation) {
	coll.locations = append(coll.locations, loc)
}

// Len returns the number of collected locations.
func (coll *BreakpointLocationCollection) Len() int {
	return len(coll.locations)
}

// Get returns the i-th collected location, nil when out of range.
func (coll *BreakpointLocationCollection) Get(i int) *BreakpointLocation {
	if i < 0 || i >= len(coll.locations) {
		return nil
	}
	return coll.locations[i]
}

// BreakpointLocationRegistry is the location collection of one breakpoint:
// the location list plus a parallel address index over the resolved
// locations. The two never diverge; unresolved locations are list-only.
// Lookup is public, mutation goes through the BreakpointLocationMutator
// handle returned exactly once by NewBreakpointLocationRegistry.
type BreakpointLocationRegistry struct {
	mu sync.Mutex

	breakpointID int
	locations    []*BreakpointLocation
	byAddr       map[uint64]*BreakpointLocation

	// nextLocationID only grows; removed ids are never reused.
	nextLocationID int

	recording *BreakpointLocationCollection

	installer BreakpointSiteInstaller
	resolver  ModuleResolver

	log logflags.Logger
}

// BreakpointLocationMutator is the capability handle through which the
// owning breakpoint mutates its registry. Holding the registry alone only
// grants lookup.
type BreakpointLocationMutator struct {
	r *BreakpointLocationRegistry
}

// NewBreakpointLocationRegistry builds the location registry of breakpoint
// breakpointID and its mutation handle. The handle is returned only here.
func NewBreakpointLocationRegistry(breakpointID int, installer BreakpointSiteInstaller, resolver ModuleResolver) (*BreakpointLocationRegistry, *BreakpointLocationMutator) {
	r := &BreakpointLocationRegistry{
		breakpointID:   breakpointID,
		byAddr:         make(map[uint64]*BreakpointLocation),
		nextLocationID: 1,
		installer:      installer,
		resolver:       resolver,
		log:            logflags.LocationsLogger().WithField("breakpoint", breakpointID),
	}
	return r, &BreakpointLocationMutator{r: r}
}

// FindByAddress returns the resolved location at addr, nil when absent.
func (r *BreakpointLocationRegistry) FindByAddress(addr uint64) *BreakpointLocation {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byAddr[addr]
}

// FindByID returns the location with the given id, nil when absent.
func (r *BreakpointLocationRegistry) FindByID(id int) *BreakpointLocation {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.findByIDLocked(id)
}

func (r *BreakpointLocationRegistry) findByIDLocked(id int) *BreakpointLocation {
	for _, loc := range r.locations {
		if loc.LocationID == id {
			return loc
		}
	}
	return nil
}

// FindInModule appends every location belonging to module to coll and
// returns the number of matches.
func (r *BreakpointLocationRegistry) FindInModule(module string, coll *BreakpointLocationCollection) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, loc := range r.locations {
		if loc.Module == module {
			coll.Add(loc)
			n++
		}
	}
	return n
}

// GetByIndex returns the i-th location in creation order, nil when out of
// range.
func (r *BreakpointLocationRegistry) GetByIndex(i int) *BreakpointLocation {
	r.mu.Lock()
	defer r.mu.Unlock()
	if i < 0 || i >= len(r.locations) {
		return nil
	}
	return r.locations[i]
}

// NumLocations returns the number of locations in the registry.
func (r *BreakpointLocationRegistry) NumLocations() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.locations)
}

// GetNumResolvedLocations returns the number of locations with a concrete
// load address.
func (r *BreakpointLocationRegistry) GetNumResolvedLocations() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, loc := range r.locations {
		if loc.Resolved {
			n++
		}
	}
	return n
}

// GetHitCount returns the sum of the hit counts of every location.
func (r *BreakpointLocationRegistry) GetHitCount() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	var total uint64
	for _, loc := range r.locations {
		total += loc.HitCount
	}
	return total
}

// ShouldStop evaluates the hit of the location with the given id: the
// enabled flag, the condition and the ignore count. An unknown id returns
// false and mutates nothing.
func (r *BreakpointLocationRegistry) ShouldStop(ctx context.Context, id int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	loc := r.findByIDLocked(id)
	if loc == nil {
		return false
	}
	stop := loc.shouldStop(ctx)
	r.log.Debugf("location %d.%d hit %d stop=%v", loc.BreakpointID, loc.LocationID, loc.HitCount, stop)
	return stop
}

// ClearAllBreakpointSites detaches every location from its installed trap.
// Location identities and resolution state survive; the traps can be
// reinstalled with ResolveAllBreakpointSites.
func (r *BreakpointLocationRegistry) ClearAllBreakpointSites() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, loc := range r.locations {
		if !loc.hasSite {
			continue
		}
		if err := r.installer.RemoveSite(loc.siteID); err != nil {
			r.log.Errorf("removing site of %s: %v", loc, err)
		}
		loc.hasSite = false
	}
}

// ResolveAllBreakpointSites re-attempts resolution of pending locations
// against the module resolver and installs traps for resolved locations
// that lost theirs. Called after module load events.
func (r *BreakpointLocationRegistry) ResolveAllBreakpointSites() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, loc := range r.locations {
		if !loc.Resolved && loc.Module != "" {
			addr, ok := r.resolver.ResolveAddress(loc.Module, loc.Offset)
			if !ok {
				continue
			}
			if r.byAddr[addr] != nil {
				// Another location already owns the address; this one
				// stays pending.
				r.log.Debugf("%s resolves to %#x, already occupied", loc, addr)
				continue
			}
			loc.Addr = addr
			loc.Resolved = true
			r.byAddr[addr] = loc
			r.log.Debugf("%s resolved", loc)
		}
		if loc.Resolved && loc.Enabled && !loc.hasSite {
			id, err := r.installer.InstallSite(loc.Addr)
			if err != nil {
				r.log.Errorf("installing site of %s: %v", loc, err)
				continue
			}
			loc.siteID = id
			loc.hasSite = true
		}
	}
}

// GetDescription returns a one line description of the registry for the
// stop-reason formatter.
func (r *BreakpointLocationRegistry) GetDescription() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	resolved := 0
	var hits uint64
	for _, loc := range r.locations {
		if loc.Resolved {
			resolved++
		}
		hits += loc.HitCount
	}
	return fmt.Sprintf("Breakpoint %d: %d locations, %d resolved, %d hits", r.breakpointID, len(r.locations), resolved, hits)
}

// Create returns the location at addr, creating it if addr is not indexed
// yet. Creating a duplicate address is an idempotent success, never an
// error.
func (m *BreakpointLocationMutator) Create(addr uint64) *BreakpointLocation {
	loc, _ := m.AddLocation(addr, nil)
	return loc
}

// AddLocation is Create reporting through isNew, when non nil, whether the
// location was created by this call.
func (m *BreakpointLocationMutator) AddLocation(addr uint64, isNew *bool) (*BreakpointLocation, error) {
	r := m.r
	r.mu.Lock()
	defer r.mu.Unlock()
	if loc := r.byAddr[addr]; loc != nil {
		if isNew != nil {
			*isNew = false
		}
		return loc, nil
	}
	loc := &BreakpointLocation{
		BreakpointID: r.breakpointID,
		LocationID:   r.nextLocationID,
		Addr:         addr,
		Resolved:     true,
		Enabled:      true,
	}
	r.nextLocationID++
	r.locations = append(r.locations, loc)
	r.byAddr[addr] = loc
	if r.recording != nil {
		r.recording.Add(loc)
	}
	if isNew != nil {
		*isNew = true
	}
	r.log.Debugf("created %s", loc)
	return loc, nil
}

// AddPendingLocation creates a location for module+offset that resolves to
// a concrete address later, once the module is mapped. Pending locations
// live in the list only, never in the address index.
func (m *BreakpointLocationMutator) AddPendingLocation(module string, offset uint64) *BreakpointLocation {
	r := m.r
	r.mu.Lock()
	defer r.mu.Unlock()
	loc := &BreakpointLocation{
		BreakpointID: r.breakpointID,
		LocationID:   r.nextLocationID,
		Module:       module,
		Offset:       offset,
		Enabled:      true,
	}
	r.nextLocationID++
	r.locations = append(r.locations, loc)
	if r.recording != nil {
		r.recording.Add(loc)
	}
	r.log.Debugf("created %s", loc)
	return loc
}

// RemoveLocation removes the location with the given id from the list and
// the address index, reporting whether it was present. Its id is never
// reused.
func (m *BreakpointLocationMutator) RemoveLocation(id int) bool {
	r := m.r
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, loc := range r.locations {
		if loc.LocationID != id {
			continue
		}
		r.removeAtLocked(i)
		return true
	}
	return false
}

// removeAtLocked drops the i-th location from both the list and, when
// resolved, the address index, removing its trap first.
func (r *BreakpointLocationRegistry) removeAtLocked(i int) {
	loc := r.locations[i]
	if loc.hasSite {
		if err := r.installer.RemoveSite(loc.siteID); err != nil {
			r.log.Errorf("removing site of %s: %v", loc, err)
		}
		loc.hasSite = false
	}
	if loc.Resolved {
		delete(r.byAddr, loc.Addr)
	}
	r.locations = append(r.locations[:i], r.locations[i+1:]...)
	r.log.Debugf("removed %s", loc)
}

// RemoveInvalidLocations removes every location whose module architecture
// no longer matches arch, as happens when a module is replaced by a
// different-architecture build between runs. Returns the number of removed
// locations.
func (m *BreakpointLocationMutator) RemoveInvalidLocations(arch CPUType) int {
	r := m.r
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for i := len(r.locations) - 1; i >= 0; i-- {
		loc := r.locations[i]
		if loc.Module == "" {
			continue
		}
		modArch, ok := r.resolver.ModuleArch(loc.Module)
		if !ok || modArch == arch {
			continue
		}
		r.removeAtLocked(i)
		removed++
	}
	return removed
}

// StartRecordingNewLocations makes every subsequently created location
// additionally append to coll, so that re-resolving against a newly loaded
// module reports only the incremental set.
func (m *BreakpointLocationMutator) StartRecordingNewLocations(coll *BreakpointLocationCollection) {
	m.r.mu.Lock()
	defer m.r.mu.Unlock()
	m.r.recording = coll
}

// StopRecordingNewLocations ends the recording window.
func (m *BreakpointLocationMutator) StopRecordingNewLocations() {
	m.r.mu.Lock()
	defer m.r.mu.Unlock()
	m.r.recording = nil
}
