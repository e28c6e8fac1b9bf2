// Package store persists connection policies, the connection history
// and the LE audio allowlist.
package store

import (
	"sort"
	"time"

	"github.com/darkhz/bluepolicy/bluetooth"
)

// Fact is the latest connection history entry for a device and profile.
type Fact struct {
	Device     bluetooth.MacAddress
	Profile    bluetooth.Profile
	Connected  bool
	Sequence   uint64
	RecordedAt time.Time
}

// key identifies a device's profile.
type key struct {
	device  bluetooth.MacAddress
	profile bluetooth.Profile
}

// byRecency sorts facts with the most recent first.
func byRecency(facts []Fact) {
	sort.Slice(facts, func(i, j int) bool {
		return facts[i].Sequence > facts[j].Sequence
	})
}

// connectedDevices returns the devices of facts whose latest entry is a
// connection, in the order the facts are in.
func connectedDevices(facts []Fact) []bluetooth.MacAddress {
	devices := make([]bluetooth.MacAddress, 0, len(facts))
	for _, f := range facts {
		if f.Connected {
			devices = append(devices, f.Device)
		}
	}

	return devices
}
