package simulator

import (
	"slices"
	"sync"

	"github.com/darkhz/bluepolicy/bluetooth"
	"github.com/darkhz/bluepolicy/policy"
)

// Groups is an in-memory coordinated set registry.
type Groups struct {
	mu       sync.RWMutex
	sizes    map[policy.GroupID]int
	members  map[policy.GroupID][]bluetooth.MacAddress
	byDevice map[bluetooth.MacAddress]policy.GroupID
}

// NewGroups returns an empty registry.
func NewGroups() *Groups {
	return &Groups{
		sizes:    make(map[policy.GroupID]int),
		members:  make(map[policy.GroupID][]bluetooth.MacAddress),
		byDevice: make(map[bluetooth.MacAddress]policy.GroupID),
	}
}

// Define sets the desired size of a set.
func (g *Groups) Define(group policy.GroupID, size int) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.sizes[group] = size
}

// Join adds a device to the ordered members of a set.
func (g *Groups) Join(group policy.GroupID, device bluetooth.MacAddress) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.byDevice[device] = group
	if !slices.Contains(g.members[group], device) {
		g.members[group] = append(g.members[group], device)
	}
}

// GroupID returns the set of a device.
func (g *Groups) GroupID(device bluetooth.MacAddress) (policy.GroupID, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	group, ok := g.byDevice[device]

	return group, ok
}

// DesiredGroupSize returns the desired size of a set.
func (g *Groups) DesiredGroupSize(group policy.GroupID) int {
	g.mu.RLock()
	defer g.mu.RUnlock()

	return g.sizes[group]
}

// OrderedGroupMembers returns the members of a set, in the order they joined.
func (g *Groups) OrderedGroupMembers(group policy.GroupID) []bluetooth.MacAddress {
	g.mu.RLock()
	defer g.mu.RUnlock()

	return slices.Clone(g.members[group])
}
