package simulator

import (
	"sync"

	"github.com/darkhz/bluepolicy/bluetooth"
	"go.uber.org/atomic"
)

// Radio is an in-memory transport.
type Radio struct {
	mu        sync.RWMutex
	links     map[bluetooth.MacAddress]bluetooth.LinkState
	types     map[bluetooth.MacAddress]bluetooth.DeviceType
	supported map[bluetooth.MacAddress]bluetooth.ProfileSet

	quiet atomic.Bool
}

// NewRadio returns a radio with no known devices.
func NewRadio() *Radio {
	return &Radio{
		links:     make(map[bluetooth.MacAddress]bluetooth.LinkState),
		types:     make(map[bluetooth.MacAddress]bluetooth.DeviceType),
		supported: make(map[bluetooth.MacAddress]bluetooth.ProfileSet),
	}
}

// LinkState returns the link state of a device.
func (r *Radio) LinkState(device bluetooth.MacAddress) bluetooth.LinkState {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.links[device]
}

// SetLink sets the link state of a device.
func (r *Radio) SetLink(device bluetooth.MacAddress, state bluetooth.LinkState) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.links[device] = state
}

// DeviceType returns the type of a device.
func (r *Radio) DeviceType(device bluetooth.MacAddress) bluetooth.DeviceType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.types[device]
}

// SetDeviceType sets the type of a device.
func (r *Radio) SetDeviceType(device bluetooth.MacAddress, deviceType bluetooth.DeviceType) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.types[device] = deviceType
}

// IsProfileSupported reports whether a device supports a profile.
func (r *Radio) IsProfileSupported(device bluetooth.MacAddress, profile bluetooth.Profile) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.supported[device].Has(profile)
}

// SetSupported sets the profiles a device supports.
func (r *Radio) SetSupported(device bluetooth.MacAddress, profiles ...bluetooth.Profile) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.supported[device] = bluetooth.NewProfileSet(profiles...)
}

// IsQuietModeEnabled reports whether auto-connect on power-on is suppressed.
func (r *Radio) IsQuietModeEnabled() bool {
	return r.quiet.Load()
}

// SetQuietMode enables or disables quiet mode.
func (r *Radio) SetQuietMode(enabled bool) {
	r.quiet.Store(enabled)
}
