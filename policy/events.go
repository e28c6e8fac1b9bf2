package policy

import (
	"github.com/darkhz/bluepolicy/bluetooth"
	"github.com/google/uuid"
	"github.com/rs/xid"
)

// Event is an input to the orchestrator.
// Events are processed one at a time, in the order they were submitted.
type Event interface {
	event()
}

// CapabilitiesDiscovered reports the service class UUIDs a device advertises.
type CapabilitiesDiscovered struct {
	Device       bluetooth.MacAddress
	Capabilities []uuid.UUID
}

// ProfileStateChanged reports a connection state transition of a device's profile.
type ProfileStateChanged struct {
	Profile  bluetooth.Profile
	Device   bluetooth.MacAddress
	Previous bluetooth.ConnectionState
	Current  bluetooth.ConnectionState
}

// ActivePathChanged reports that a profile became the active audio or
// telephony path for a device. A nil device clears the active path of the profile.
type ActivePathChanged struct {
	Profile bluetooth.Profile
	Device  bluetooth.MacAddress
}

// AdapterStateChanged reports an adapter power state transition.
type AdapterStateChanged struct {
	Previous bluetooth.AdapterState
	Current  bluetooth.AdapterState
}

// LinkConnected reports that the radio link to a device came up.
type LinkConnected struct {
	Device bluetooth.MacAddress
}

// LinkDisconnected reports that the radio link to a device went down.
type LinkDisconnected struct {
	Device bluetooth.MacAddress
}

// AutoConnectRequested asks for the power-on auto-connect selection to run.
type AutoConnectRequested struct{}

// retryFired is posted by the retry timer of a device.
type retryFired struct {
	device bluetooth.MacAddress
	token  xid.ID
}

// flushRequest is answered once every earlier event has been handled.
type flushRequest struct {
	done chan struct{}
}

// snapshotRequest reads the device table on the worker.
type snapshotRequest struct {
	reply chan Snapshot
}

func (CapabilitiesDiscovered) event() {}
func (ProfileStateChanged) event()    {}
func (ActivePathChanged) event()      {}
func (AdapterStateChanged) event()    {}
func (LinkConnected) event()          {}
func (LinkDisconnected) event()       {}
func (AutoConnectRequested) event()   {}
func (retryFired) event()             {}
func (flushRequest) event()           {}
func (snapshotRequest) event()        {}
