package policy

import (
	"bytes"
	"slices"
	"time"

	"github.com/darkhz/bluepolicy/bluetooth"
)

// deviceRecord is the orchestrator-owned state of a device.
// Records are only touched from the worker.
type deviceRecord struct {
	address      bluetooth.MacAddress
	capabilities bluetooth.ProfileSet

	activePath bluetooth.Profile

	leAudioDeferred bool
	retry           *pendingRetry
}

// record returns the record of a device, creating it if needed.
func (o *Orchestrator) record(device bluetooth.MacAddress) *deviceRecord {
	rec, ok := o.devices[device]
	if !ok {
		rec = &deviceRecord{address: device}
		o.devices[device] = rec
	}

	return rec
}

// DeviceSnapshot is a copy of the orchestrator state of a device.
type DeviceSnapshot struct {
	Address         bluetooth.MacAddress
	Capabilities    bluetooth.ProfileSet
	ActivePath      bluetooth.Profile
	LeAudioDeferred bool
	RetryPending    bool
	RetryDeadline   time.Time
}

// Snapshot is a copy of the orchestrator state.
type Snapshot struct {
	Devices []DeviceSnapshot
	Retries RetryStats
}

// Device returns the snapshot of a device.
func (s Snapshot) Device(address bluetooth.MacAddress) (DeviceSnapshot, bool) {
	for _, d := range s.Devices {
		if d.Address == address {
			return d, true
		}
	}

	return DeviceSnapshot{}, false
}

func (o *Orchestrator) snapshot() Snapshot {
	snap := Snapshot{
		Devices: make([]DeviceSnapshot, 0, len(o.devices)),
		Retries: o.retries.stats(),
	}

	for _, rec := range o.devices {
		d := DeviceSnapshot{
			Address:         rec.address,
			Capabilities:    rec.capabilities,
			ActivePath:      rec.activePath,
			LeAudioDeferred: rec.leAudioDeferred,
		}

		if rec.retry != nil {
			d.RetryPending = true
			d.RetryDeadline = rec.retry.deadline
		}

		snap.Devices = append(snap.Devices, d)
	}

	slices.SortFunc(snap.Devices, func(a, b DeviceSnapshot) int {
		return bytes.Compare(a.Address[:], b.Address[:])
	})

	return snap
}
