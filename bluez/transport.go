package bluez

import (
	"slices"

	"github.com/darkhz/bluepolicy/bluetooth"
	"github.com/darkhz/bluepolicy/policy"
	"github.com/godbus/dbus/v5"
)

// LinkState returns whether the device is connected to the adapter.
func (s *Session) LinkState(device bluetooth.MacAddress) bluetooth.LinkState {
	props, ok := s.devices.Load(device)
	if !ok || !props.Connected {
		return bluetooth.LinkDisconnected
	}

	return bluetooth.LinkConnected
}

// DeviceType returns the transports supported by the device.
func (s *Session) DeviceType(device bluetooth.MacAddress) bluetooth.DeviceType {
	props, ok := s.devices.Load(device)
	if !ok {
		return bluetooth.DeviceTypeUnknown
	}

	return props.deviceType()
}

// IsProfileSupported reports whether the device advertises the profile.
func (s *Session) IsProfileSupported(device bluetooth.MacAddress, profile bluetooth.Profile) bool {
	props, ok := s.devices.Load(device)
	if !ok {
		return false
	}

	return props.profiles().Has(profile)
}

// IsQuietModeEnabled reports whether automatic connections are suppressed.
func (s *Session) IsQuietModeEnabled() bool {
	return s.quiet.Load()
}

// GroupID returns the identifier of the coordinated set the device belongs to.
// Identifiers are assigned in the order in which sets are first seen.
func (s *Session) GroupID(device bluetooth.MacAddress) (policy.GroupID, bool) {
	props, ok := s.devices.Load(device)
	if !ok || len(props.Sets) == 0 {
		return 0, false
	}

	path := props.Sets[0]
	id, _ := s.groupIDs.LoadOrCompute(path, func() policy.GroupID {
		id := policy.GroupID(s.nextGroup.Inc())
		s.groupPaths.Store(id, path)

		return id
	})

	return id, true
}

// DesiredGroupSize returns the advertised size of the coordinated set.
func (s *Session) DesiredGroupSize(group policy.GroupID) int {
	path, ok := s.groupPaths.Load(group)
	if !ok {
		return 0
	}

	set, ok := s.sets.Load(path)
	if !ok || set.Size == 0 {
		return len(s.setMembers(path))
	}

	return int(set.Size)
}

// OrderedGroupMembers returns the known members of the coordinated set.
func (s *Session) OrderedGroupMembers(group policy.GroupID) []bluetooth.MacAddress {
	path, ok := s.groupPaths.Load(group)
	if !ok {
		return nil
	}

	return s.setMembers(path)
}

// setMembers returns the members listed by the set object first, followed
// by the cached devices that name the set in their Sets property.
func (s *Session) setMembers(path dbus.ObjectPath) []bluetooth.MacAddress {
	var members []bluetooth.MacAddress

	if set, ok := s.sets.Load(path); ok {
		for _, devicePath := range set.Devices {
			if address, ok := s.paths.Load(devicePath); ok && !slices.Contains(members, address) {
				members = append(members, address)
			}
		}
	}

	for _, address := range s.Devices() {
		props, ok := s.devices.Load(address)
		if !ok || !slices.Contains(props.Sets, path) || slices.Contains(members, address) {
			continue
		}

		members = append(members, address)
	}

	return members
}
