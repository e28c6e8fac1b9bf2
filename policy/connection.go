package policy

import (
	"context"
	"slices"

	"github.com/darkhz/bluepolicy/bluetooth"
	"github.com/darkhz/bluepolicy/errorkinds"
)

// handleProfileState records connection history and schedules retries.
// State changes never alter policies.
func (o *Orchestrator) handleProfileState(ctx context.Context, ev ProfileStateChanged) {
	device, profile := ev.Device, ev.Profile
	rec := o.record(device)

	o.log.Debug("Profile connection state changed",
		append(deviceAttrs(device, profile),
			"from", ev.Previous.String(),
			"to", ev.Current.String(),
		)...,
	)

	if profile == bluetooth.ProfileCoordinatedSet && ev.Current == bluetooth.StateConnected {
		o.handleGroupMemberConnected(ctx, device)
	}

	switch {
	case ev.Current == bluetooth.StateConnected && ev.Previous != bluetooth.StateConnected:
		if err := o.store.RecordConnection(ctx, device, profile); err != nil {
			o.log.Warn("Cannot record connection", append(deviceAttrs(device, profile), "error", err)...)
		}

		o.evaluateRetry(rec, profile)

	// Only a connected profile that disconnects is a disconnection: a failed
	// attempt must keep the earlier connection fact.
	case ev.Current == bluetooth.StateDisconnected && ev.Previous == bluetooth.StateConnected:
		if err := o.store.RecordDisconnection(ctx, device, profile); err != nil {
			o.log.Warn("Cannot record disconnection", append(deviceAttrs(device, profile), "error", err)...)
		}
	}
}

// evaluateRetry schedules a retry if a connected device still has allowed
// profiles to connect, and cancels the pending one otherwise.
func (o *Orchestrator) evaluateRetry(rec *deviceRecord, connected bluetooth.Profile) {
	if !o.linkUp(rec.address) {
		o.log.Debug("Link is down, not scheduling retry", "device", rec.address.String())
		return
	}

	remaining := o.remainingProfiles(rec.address, connected)
	if len(remaining) == 0 {
		o.cancelRetry(rec, "all allowed profiles are connected")
		return
	}

	deadline := o.retries.schedule(rec)

	o.log.Debug("Scheduled retry for remaining profiles",
		"device", rec.address.String(),
		"remaining", bluetooth.NewProfileSet(remaining...).String(),
		"deadline", deadline,
	)
	o.publish(RetryScheduledEvent, RetryScheduled{Device: rec.address, Deadline: deadline})
}

// remainingProfiles returns the supported profiles of a device, other than
// except, that are allowed but not connected.
func (o *Orchestrator) remainingProfiles(device bluetooth.MacAddress, except bluetooth.Profile) []bluetooth.Profile {
	var remaining []bluetooth.Profile

	for _, profile := range bluetooth.Profiles() {
		if profile == except || !o.supports(device, profile) {
			continue
		}

		service, ok := o.services.Service(profile)
		if !ok {
			continue
		}

		if service.ConnectionPolicy(device) == bluetooth.PolicyAllowed &&
			service.ConnectionState(device) != bluetooth.StateConnected {
			remaining = append(remaining, profile)
		}
	}

	return remaining
}

func (o *Orchestrator) cancelRetry(rec *deviceRecord, reason string) {
	if !o.retries.cancel(rec) {
		return
	}

	o.log.Debug("Cancelled retry", "device", rec.address.String(), "reason", reason)
	o.publish(RetryCancelledEvent, RetryCancelled{Device: rec.address, Reason: reason})
}

func (o *Orchestrator) handleRetry(ctx context.Context, ev retryFired) {
	rec, ok := o.devices[ev.device]
	if !ok || !o.retries.claim(rec, ev.token) {
		o.log.Debug("Dropping stale retry", "device", ev.device.String())
		return
	}

	o.publish(RetryFiredEvent, RetryFired{Device: rec.address})
	o.connectRemaining(ctx, rec, "retry")
}

// connectRemaining connects every allowed, supported profile of a device
// that is not connected yet, provided its link is up.
func (o *Orchestrator) connectRemaining(_ context.Context, rec *deviceRecord, reason string) {
	if !o.linkUp(rec.address) {
		o.log.Debug("Link is down, not connecting remaining profiles", "device", rec.address.String())
		return
	}

	for _, profile := range o.remainingProfiles(rec.address, bluetooth.ProfileNone) {
		service, _ := o.services.Service(profile)
		o.connect(service, rec.address, profile, reason)
	}
}

func (o *Orchestrator) handleLinkConnected(ctx context.Context, device bluetooth.MacAddress) {
	if !o.anyProfileConnected(device) {
		o.log.Debug("Link connected without connected profiles", "device", device.String())
		return
	}

	o.connectRemaining(ctx, o.record(device), "link connected")
}

func (o *Orchestrator) handleLinkDisconnected(device bluetooth.MacAddress) {
	rec, ok := o.devices[device]
	if !ok {
		return
	}

	o.cancelRetry(rec, "link disconnected")
}

func (o *Orchestrator) anyProfileConnected(device bluetooth.MacAddress) bool {
	for _, profile := range bluetooth.Profiles() {
		service, ok := o.services.Service(profile)
		if !ok {
			continue
		}

		if slices.Contains(service.ConnectedDevices(), device) {
			return true
		}
	}

	return false
}

func (o *Orchestrator) connect(service ProfileService, device bluetooth.MacAddress, profile bluetooth.Profile, reason string) {
	accepted := service.Connect(device)

	attrs := append(deviceAttrs(device, profile), "reason", reason)
	if accepted {
		o.log.Info("Connecting profile", attrs...)
	} else {
		o.log.Warn("Profile connect was rejected", attrs...)
	}

	o.publish(ConnectRequestedEvent, ConnectRequested{
		Device:   device,
		Profile:  profile,
		Accepted: accepted,
		Reason:   reason,
	})
}

func (o *Orchestrator) handleAdapterState(ctx context.Context, ev AdapterStateChanged) {
	if ev.Current != bluetooth.AdapterOn || ev.Previous == bluetooth.AdapterOn {
		return
	}

	if o.transport != nil && o.transport.IsQuietModeEnabled() {
		o.log.Info("Quiet mode is enabled, skipping auto-connect")
		return
	}

	o.autoConnect(ctx)
}

// autoConnect connects the most recent classic audio device if it is allowed.
// Otherwise it falls back to the most recent telephony device, or with
// multiple fallback enabled, to every recent telephony device.
func (o *Orchestrator) autoConnect(ctx context.Context) {
	if o.autoConnectPrimary(ctx) {
		return
	}

	telephony, ok := o.services.Service(bluetooth.ProfileTelephony)
	if !ok {
		return
	}

	if !o.opts.MultiHfpFallback {
		device, err := o.store.MostRecentlyConnectedDevice(ctx, bluetooth.ProfileTelephony)
		if err != nil {
			o.logHistoryError(err, bluetooth.ProfileTelephony)
			return
		}

		if telephony.ConnectionPolicy(device) == bluetooth.PolicyAllowed {
			o.connect(telephony, device, bluetooth.ProfileTelephony, "auto-connect")
		}

		return
	}

	devices, err := o.store.RecentlyConnectedDevices(ctx, bluetooth.ProfileTelephony)
	if err != nil {
		o.logHistoryError(err, bluetooth.ProfileTelephony)
		return
	}

	for _, device := range devices {
		if telephony.ConnectionPolicy(device) != bluetooth.PolicyAllowed ||
			telephony.ConnectionState(device) != bluetooth.StateDisconnected {
			continue
		}

		o.connect(telephony, device, bluetooth.ProfileTelephony, "auto-connect fallback")
	}
}

// autoConnectPrimary connects the most recent classic audio device,
// if its classic audio policy is allowed.
func (o *Orchestrator) autoConnectPrimary(ctx context.Context) bool {
	audio, ok := o.services.Service(bluetooth.ProfileClassicAudio)
	if !ok {
		return false
	}

	device, err := o.store.MostRecentlyConnectedDevice(ctx, bluetooth.ProfileClassicAudio)
	if err != nil {
		o.logHistoryError(err, bluetooth.ProfileClassicAudio)
		return false
	}

	if audio.ConnectionPolicy(device) != bluetooth.PolicyAllowed {
		return false
	}

	for _, profile := range []bluetooth.Profile{bluetooth.ProfileTelephony, bluetooth.ProfileClassicAudio} {
		service, ok := o.services.Service(profile)
		if !ok {
			continue
		}

		if service.ConnectionPolicy(device) == bluetooth.PolicyAllowed &&
			service.ConnectionState(device) == bluetooth.StateDisconnected {
			o.connect(service, device, profile, "auto-connect")
		}
	}

	return true
}

func (o *Orchestrator) logHistoryError(err error, profile bluetooth.Profile) {
	if errorkinds.IsNotFound(err) {
		o.log.Debug("No connection history", "profile", profile.String())
		return
	}

	o.log.Warn("Cannot read connection history", "profile", profile.String(), "error", err)
}
