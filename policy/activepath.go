package policy

import (
	"context"

	"github.com/darkhz/bluepolicy/bluetooth"
)

// handleActivePath keeps classic and LE audio from being allowed together
// while one of them is the active path.
func (o *Orchestrator) handleActivePath(ctx context.Context, ev ActivePathChanged) {
	if ev.Device.IsNil() {
		for _, rec := range o.devices {
			if rec.activePath == ev.Profile {
				rec.activePath = bluetooth.ProfileNone
			}
		}

		o.log.Debug("Active path cleared", "profile", ev.Profile.String())

		return
	}

	device, profile := ev.Device, ev.Profile
	o.record(device).activePath = profile

	o.log.Info("Active path changed", deviceAttrs(device, profile)...)

	if profile != bluetooth.ProfileCoordinatedSet {
		if err := o.store.RecordConnection(ctx, device, profile); err != nil {
			o.log.Warn("Cannot record connection", append(deviceAttrs(device, profile), "error", err)...)
		}
	}

	if o.opts.DualModeAudio {
		return
	}

	devices := o.groupMembers(device)

	switch {
	case profile == bluetooth.ProfileLeAudio:
		o.forbidProfiles(devices, bluetooth.ClassicProfiles(), "le audio is active")

	case profile.IsClassic():
		o.forbidProfiles(devices, []bluetooth.Profile{bluetooth.ProfileLeAudio}, "classic audio is active")
	}
}

// forbidProfiles tells the live services of each profile that the devices
// may no longer use it. Only allowed policies are changed.
func (o *Orchestrator) forbidProfiles(devices []bluetooth.MacAddress, profiles []bluetooth.Profile, reason string) {
	for _, profile := range profiles {
		service, ok := o.services.Service(profile)
		if !ok {
			continue
		}

		for _, device := range devices {
			if service.ConnectionPolicy(device) != bluetooth.PolicyAllowed {
				continue
			}

			attrs := append(deviceAttrs(device, profile), "reason", reason)
			if !service.SetConnectionPolicy(device, bluetooth.PolicyForbidden) {
				o.log.Warn("Service rejected forbidden policy", attrs...)
				continue
			}

			o.log.Info("Connection policy forbidden", attrs...)
			o.publish(PolicyChangedEvent, PolicyChanged{
				Device:  device,
				Profile: profile,
				Policy:  bluetooth.PolicyForbidden,
				Reason:  reason,
			})
		}
	}
}

// leAudioActive reports whether LE audio is the active path of the device
// or of another member of its set.
func (o *Orchestrator) leAudioActive(device bluetooth.MacAddress) bool {
	for _, member := range o.groupMembers(device) {
		if rec, ok := o.devices[member]; ok && rec.activePath == bluetooth.ProfileLeAudio {
			return true
		}
	}

	return false
}
