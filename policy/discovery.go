package policy

import (
	"context"

	"github.com/darkhz/bluepolicy/bluetooth"
)

// handleCapabilities resolves the undecided policies of the profiles a device advertises.
func (o *Orchestrator) handleCapabilities(ctx context.Context, ev CapabilitiesDiscovered) {
	device := ev.Device

	advertised := bluetooth.ProfilesFromUUIDs(ev.Capabilities)
	if advertised.IsEmpty() {
		o.log.Debug("No known capabilities discovered", "device", device.String(), "uuids", len(ev.Capabilities))
		return
	}

	rec := o.record(device)
	rec.capabilities = advertised

	deviceType := o.deviceType(device)
	o.log.Debug("Capabilities discovered",
		"device", device.String(),
		"profiles", advertised.String(),
		"type", deviceType.String(),
	)

	if advertised.Has(bluetooth.ProfileCoordinatedSet) && deviceType.SupportsLE() {
		o.resolveCoordinatedSet(ctx, device)
	}

	leAudioEnabled := false
	if advertised.Has(bluetooth.ProfileLeAudio) && deviceType.SupportsLE() {
		leAudioEnabled = o.resolveLeAudio(ctx, rec) == bluetooth.PolicyAllowed
	}

	if !deviceType.SupportsClassic() {
		return
	}

	forbidClassic := !o.opts.DualModeAudio && (leAudioEnabled || o.leAudioActive(device))

	for _, profile := range bluetooth.ClassicProfiles() {
		if !advertised.Has(profile) {
			continue
		}

		service, ok := o.services.Service(profile)
		if !ok {
			continue
		}

		if service.ConnectionPolicy(device) != bluetooth.PolicyUnknown {
			continue
		}

		target := bluetooth.PolicyAllowed
		reason := "first discovery"
		if forbidClassic {
			target = bluetooth.PolicyForbidden
			reason = "le audio is the enabled path"
		}

		o.applyPolicy(ctx, service, device, profile, target, reason)
	}
}

// resolveCoordinatedSet allows set coordination on a device that advertises it.
func (o *Orchestrator) resolveCoordinatedSet(ctx context.Context, device bluetooth.MacAddress) {
	service, ok := o.services.Service(bluetooth.ProfileCoordinatedSet)
	if !ok || service.ConnectionPolicy(device) != bluetooth.PolicyUnknown {
		return
	}

	o.applyPolicy(ctx, service, device, bluetooth.ProfileCoordinatedSet, bluetooth.PolicyAllowed, "first discovery")
}

// resolveLeAudio decides the LE audio policy of a device if it is undecided,
// and returns the policy in effect afterwards.
func (o *Orchestrator) resolveLeAudio(ctx context.Context, rec *deviceRecord) bluetooth.ConnectionPolicy {
	service, ok := o.services.Service(bluetooth.ProfileLeAudio)
	if !ok {
		return bluetooth.PolicyUnknown
	}

	current := service.ConnectionPolicy(rec.address)
	if current != bluetooth.PolicyUnknown {
		rec.leAudioDeferred = false
		return current
	}

	target, decided := o.leAudioTarget(ctx, rec.address)
	if !decided {
		rec.leAudioDeferred = true
		o.log.Debug("Deferring le audio policy until the set is complete", "device", rec.address.String())
		o.publish(DecisionDeferredEvent, DecisionDeferred{
			Device:  rec.address,
			Profile: bluetooth.ProfileLeAudio,
			Reason:  "coordinated set is incomplete",
		})

		return bluetooth.PolicyUnknown
	}

	rec.leAudioDeferred = false
	o.applyPolicy(ctx, service, rec.address, bluetooth.ProfileLeAudio, target, "first discovery")

	return target
}

// leAudioTarget returns the LE audio policy a device should receive.
// It returns false if the decision has to wait for the rest of its set.
func (o *Orchestrator) leAudioTarget(ctx context.Context, device bluetooth.MacAddress) (bluetooth.ConnectionPolicy, bool) {
	group, grouped := o.groupOf(device)
	if grouped && o.groupHasLeAudioAllowed(group, device) {
		return bluetooth.PolicyAllowed, true
	}

	if o.opts.BypassLeAudioAllowlist {
		return bluetooth.PolicyAllowed, true
	}

	if !o.opts.LeAudioEnabledByDefault {
		if o.prefersClassic(device) {
			return bluetooth.PolicyForbidden, true
		}

		if o.isAllowlisted(ctx, device) {
			return bluetooth.PolicyAllowed, true
		}

		return bluetooth.PolicyForbidden, true
	}

	if !grouped {
		return bluetooth.PolicyAllowed, true
	}

	desired := o.groups.DesiredGroupSize(group)
	if desired <= 1 {
		return bluetooth.PolicyAllowed, true
	}

	members := o.groups.OrderedGroupMembers(group)
	if len(members) < desired {
		return bluetooth.PolicyUnknown, false
	}

	return o.completeGroupTarget(ctx, members), true
}

// completeGroupTarget decides LE audio for a fully joined set. Sets made of
// LE-only devices without hearing aid support use LE audio. Other sets
// only do so when allowlisted.
func (o *Orchestrator) completeGroupTarget(ctx context.Context, members []bluetooth.MacAddress) bluetooth.ConnectionPolicy {
	leOnly := true
	for _, member := range members {
		if o.deviceType(member) != bluetooth.DeviceTypeLEOnly ||
			o.supports(member, bluetooth.ProfileHearingAid) {
			leOnly = false
			break
		}
	}

	if leOnly {
		return bluetooth.PolicyAllowed
	}

	for _, member := range members {
		if o.isAllowlisted(ctx, member) {
			return bluetooth.PolicyAllowed
		}
	}

	return bluetooth.PolicyForbidden
}

// handleGroupMemberConnected re-attempts deferred LE audio decisions once
// the set of device is complete.
func (o *Orchestrator) handleGroupMemberConnected(ctx context.Context, device bluetooth.MacAddress) {
	group, ok := o.groupOf(device)
	if !ok {
		return
	}

	desired := o.groups.DesiredGroupSize(group)
	members := o.groups.OrderedGroupMembers(group)
	if len(members) < desired {
		o.log.Debug("Coordinated set is incomplete",
			"device", device.String(),
			"group", int(group),
			"members", len(members),
			"desired", desired,
		)

		return
	}

	service, ok := o.services.Service(bluetooth.ProfileLeAudio)
	if !ok {
		return
	}

	for _, member := range members {
		rec := o.record(member)

		if o.supports(member, bluetooth.ProfileLeAudio) &&
			service.ConnectionPolicy(member) == bluetooth.PolicyUnknown {
			if target, decided := o.leAudioTarget(ctx, member); decided {
				rec.leAudioDeferred = false
				o.applyPolicy(ctx, service, member, bluetooth.ProfileLeAudio, target, "coordinated set complete")
			}
		}
	}

	if !o.opts.DualModeAudio && o.leAudioActive(device) {
		o.forbidProfiles(members, bluetooth.ClassicProfiles(), "le audio is active in the set")
	}
}

// groupHasLeAudioAllowed reports whether a member of the set, other than
// except, has LE audio allowed.
func (o *Orchestrator) groupHasLeAudioAllowed(group GroupID, except bluetooth.MacAddress) bool {
	service, ok := o.services.Service(bluetooth.ProfileLeAudio)
	if !ok {
		return false
	}

	for _, member := range o.groups.OrderedGroupMembers(group) {
		if member != except && service.ConnectionPolicy(member) == bluetooth.PolicyAllowed {
			return true
		}
	}

	return false
}

// applyPolicy writes a resolved policy. An allowed policy goes to the live
// service and is connected when profiles auto-connect on discovery.
// Everything else is persisted in the store.
func (o *Orchestrator) applyPolicy(ctx context.Context, service ProfileService, device bluetooth.MacAddress, profile bluetooth.Profile, target bluetooth.ConnectionPolicy, reason string) {
	attrs := append(deviceAttrs(device, profile), "policy", target.String(), "reason", reason)

	if target == bluetooth.PolicyAllowed && o.opts.AutoConnectProfilesSupported {
		if !service.SetConnectionPolicy(device, target) {
			o.log.Warn("Service rejected connection policy", attrs...)
			return
		}

		o.log.Info("Connection policy set", attrs...)
		o.publish(PolicyChangedEvent, PolicyChanged{
			Device: device, Profile: profile, Policy: target, Reason: reason,
		})

		if o.linkUp(device) {
			o.connect(service, device, profile, "allowed on discovery")
		}

		return
	}

	if err := o.store.SetProfileConnectionPolicy(ctx, device, profile, target); err != nil {
		o.log.Error("Cannot persist connection policy", append(attrs, "error", err)...)
		return
	}

	o.log.Info("Connection policy persisted", attrs...)
	o.publish(PolicyChangedEvent, PolicyChanged{
		Device: device, Profile: profile, Policy: target, Persisted: true, Reason: reason,
	})
}

// prefersClassic reports whether a device keeps its classic audio profiles
// instead of LE audio. This holds for devices that advertise classic audio,
// unless both paths may be allowed together.
func (o *Orchestrator) prefersClassic(device bluetooth.MacAddress) bool {
	if o.opts.DualModeAudio || !o.deviceType(device).SupportsClassic() {
		return false
	}

	capabilities := o.record(device).capabilities

	return capabilities.Has(bluetooth.ProfileTelephony) || capabilities.Has(bluetooth.ProfileClassicAudio)
}

func (o *Orchestrator) isAllowlisted(ctx context.Context, device bluetooth.MacAddress) bool {
	ok, err := o.store.IsLeAudioAllowlisted(ctx, device)
	if err != nil {
		o.log.Warn("Cannot read le audio allowlist", "device", device.String(), "error", err)
		return false
	}

	return ok
}

func (o *Orchestrator) groupOf(device bluetooth.MacAddress) (GroupID, bool) {
	if o.groups == nil {
		return 0, false
	}

	return o.groups.GroupID(device)
}

// groupMembers returns the device followed by the other current members of its set.
func (o *Orchestrator) groupMembers(device bluetooth.MacAddress) []bluetooth.MacAddress {
	devices := []bluetooth.MacAddress{device}

	group, ok := o.groupOf(device)
	if !ok {
		return devices
	}

	for _, member := range o.groups.OrderedGroupMembers(group) {
		if member != device {
			devices = append(devices, member)
		}
	}

	return devices
}

func (o *Orchestrator) deviceType(device bluetooth.MacAddress) bluetooth.DeviceType {
	if o.transport == nil {
		return bluetooth.DeviceTypeUnknown
	}

	return o.transport.DeviceType(device)
}

func (o *Orchestrator) linkUp(device bluetooth.MacAddress) bool {
	return o.transport != nil && o.transport.LinkState(device) == bluetooth.LinkConnected
}

func (o *Orchestrator) supports(device bluetooth.MacAddress, profile bluetooth.Profile) bool {
	return o.transport != nil && o.transport.IsProfileSupported(device, profile)
}
