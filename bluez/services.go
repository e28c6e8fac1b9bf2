package bluez

import (
	"context"
	"log/slog"

	"github.com/darkhz/bluepolicy/bluetooth"
	"github.com/darkhz/bluepolicy/errorkinds"
	"github.com/puzpuzpuz/xsync/v3"
)

// profileService drives a single profile of the adapter's devices through
// the Device1 ConnectProfile and DisconnectProfile methods.
type profileService struct {
	session *Session
	profile bluetooth.Profile
	store   PolicyStore
	log     *slog.Logger

	states *xsync.MapOf[bluetooth.MacAddress, bluetooth.ConnectionState]
}

func newProfileService(s *Session, profile bluetooth.Profile, store PolicyStore) *profileService {
	return &profileService{
		session: s,
		profile: profile,
		store:   store,
		log:     s.log.With("profile", profile.String()),
		states:  xsync.NewMapOf[bluetooth.MacAddress, bluetooth.ConnectionState](),
	}
}

// ConnectionPolicy returns the stored policy of the profile for the device.
func (p *profileService) ConnectionPolicy(device bluetooth.MacAddress) bluetooth.ConnectionPolicy {
	policy, err := p.store.ProfileConnectionPolicy(context.Background(), device, p.profile)
	if err != nil {
		if !errorkinds.IsNotFound(err) {
			p.log.Warn("Cannot load connection policy", "address", device.String(), "error", err)
		}

		return bluetooth.PolicyUnknown
	}

	return policy
}

// SetConnectionPolicy stores the policy. A connected profile is disconnected
// once it becomes forbidden.
func (p *profileService) SetConnectionPolicy(device bluetooth.MacAddress, policy bluetooth.ConnectionPolicy) bool {
	if err := p.store.SetProfileConnectionPolicy(context.Background(), device, p.profile, policy); err != nil {
		p.log.Error("Cannot store connection policy", "address", device.String(), "policy", policy.String(), "error", err)
		return false
	}

	if policy == bluetooth.PolicyForbidden {
		switch p.ConnectionState(device) {
		case bluetooth.StateConnected, bluetooth.StateConnecting:
			p.Disconnect(device)
		}
	}

	return true
}

// ConnectionState returns the last known state of the profile on the device.
func (p *profileService) ConnectionState(device bluetooth.MacAddress) bluetooth.ConnectionState {
	state, _ := p.states.Load(device)

	return state
}

// ConnectedDevices returns every device on which the profile is connected.
func (p *profileService) ConnectedDevices() []bluetooth.MacAddress {
	var devices []bluetooth.MacAddress

	for _, device := range p.session.Devices() {
		if p.ConnectionState(device) == bluetooth.StateConnected {
			devices = append(devices, device)
		}
	}

	return devices
}

// Connect starts connecting the profile. The new state is stored at once,
// but every transition is reported to the session's event sink from
// another goroutine, since the caller may be the sink itself.
func (p *profileService) Connect(device bluetooth.MacAddress) bool {
	path, ok := p.session.devicePath(device)
	if !ok {
		return false
	}

	previous, started := p.begin(device, bluetooth.StateConnected, bluetooth.StateConnecting)
	if !started {
		return true
	}

	go func() {
		p.report(device, previous, bluetooth.StateConnecting)

		ctx, cancel := context.WithTimeout(context.Background(), bluezProfileCallTimeout)
		defer cancel()

		err := p.session.callDevice(ctx, path, "ConnectProfile", bluetooth.ProfileUUID(p.profile).String())
		if err != nil {
			p.log.Warn("Cannot connect profile",
				"address", device.String(),
				"error", errorkinds.Wrap(err, "device-connect-profile", "Cannot connect to device with profile", "address", device.String()),
			)
			p.transition(device, bluetooth.StateDisconnected)

			return
		}

		p.transition(device, bluetooth.StateConnected)
	}()

	return true
}

// Disconnect starts disconnecting the profile.
func (p *profileService) Disconnect(device bluetooth.MacAddress) bool {
	path, ok := p.session.devicePath(device)
	if !ok {
		return false
	}

	previous, started := p.begin(device, bluetooth.StateDisconnected, bluetooth.StateDisconnecting)
	if !started {
		return true
	}

	go func() {
		p.report(device, previous, bluetooth.StateDisconnecting)

		ctx, cancel := context.WithTimeout(context.Background(), bluezProfileCallTimeout)
		defer cancel()

		err := p.session.callDevice(ctx, path, "DisconnectProfile", bluetooth.ProfileUUID(p.profile).String())
		if err != nil {
			p.log.Warn("Cannot disconnect profile",
				"address", device.String(),
				"error", errorkinds.Wrap(err, "device-disconnect-profile", "Cannot disconnect from device with profile", "address", device.String()),
			)
		}

		p.transition(device, bluetooth.StateDisconnected)
	}()

	return true
}

// begin moves the profile into the intermediate state next, unless it is
// already in next or in done. It returns the state it left, and whether
// the caller owns the call that follows.
func (p *profileService) begin(device bluetooth.MacAddress, done, next bluetooth.ConnectionState) (bluetooth.ConnectionState, bool) {
	var (
		previous bluetooth.ConnectionState
		started  bool
	)

	p.states.Compute(device, func(current bluetooth.ConnectionState, loaded bool) (bluetooth.ConnectionState, bool) {
		previous = current
		if current == done || current == next {
			return current, !loaded
		}

		started = true

		return next, false
	})

	return previous, started
}

// transition records the new state and reports it, if it changed.
func (p *profileService) transition(device bluetooth.MacAddress, current bluetooth.ConnectionState) {
	previous, _ := p.states.Load(device)
	if previous == current {
		return
	}

	if current == bluetooth.StateDisconnected {
		p.states.Delete(device)
	} else {
		p.states.Store(device, current)
	}

	p.report(device, previous, current)
}

func (p *profileService) report(device bluetooth.MacAddress, previous, current bluetooth.ConnectionState) {
	p.log.Debug("Profile state changed",
		"address", device.String(),
		"previous", previous.String(),
		"current", current.String(),
	)

	p.session.eventSink().OnProfileConnectionStateChanged(p.profile, device, previous, current)
}

// reset marks the profile disconnected on a device whose link went down.
func (p *profileService) reset(device bluetooth.MacAddress) {
	p.transition(device, bluetooth.StateDisconnected)
}
