package store

import (
	"context"
	"fmt"
	"time"

	"github.com/darkhz/bluepolicy/bluetooth"
	"github.com/darkhz/bluepolicy/errorkinds"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/atomic"
)

// Memory is a Policy Store held in memory.
type Memory struct {
	policies  *xsync.MapOf[key, bluetooth.ConnectionPolicy]
	history   *xsync.MapOf[key, Fact]
	allowlist *xsync.MapOf[bluetooth.MacAddress, struct{}]

	sequence atomic.Uint64
	now      func() time.Time
}

// NewMemory returns a new, empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		policies:  xsync.NewMapOf[key, bluetooth.ConnectionPolicy](),
		history:   xsync.NewMapOf[key, Fact](),
		allowlist: xsync.NewMapOf[bluetooth.MacAddress, struct{}](),
		now:       time.Now,
	}
}

// ProfileConnectionPolicy returns the stored policy of a device's profile.
func (m *Memory) ProfileConnectionPolicy(_ context.Context, device bluetooth.MacAddress, profile bluetooth.Profile) (bluetooth.ConnectionPolicy, error) {
	policy, _ := m.policies.Load(key{device, profile})

	return policy, nil
}

// SetProfileConnectionPolicy stores the policy of a device's profile.
func (m *Memory) SetProfileConnectionPolicy(_ context.Context, device bluetooth.MacAddress, profile bluetooth.Profile, policy bluetooth.ConnectionPolicy) error {
	if profile == bluetooth.ProfileNone {
		return fmt.Errorf("set policy for %q: %w", device.String(), errorkinds.ErrInvalidProfile)
	}

	m.policies.Store(key{device, profile}, policy)

	return nil
}

// Policies returns every decided policy of a device.
func (m *Memory) Policies(_ context.Context, device bluetooth.MacAddress) (map[bluetooth.Profile]bluetooth.ConnectionPolicy, error) {
	policies := make(map[bluetooth.Profile]bluetooth.ConnectionPolicy)
	m.policies.Range(func(k key, policy bluetooth.ConnectionPolicy) bool {
		if k.device == device {
			policies[k.profile] = policy
		}

		return true
	})

	return policies, nil
}

// RecordConnection records that a device's profile connected.
func (m *Memory) RecordConnection(_ context.Context, device bluetooth.MacAddress, profile bluetooth.Profile) error {
	m.record(device, profile, true)

	return nil
}

// RecordDisconnection records that a device's profile disconnected.
func (m *Memory) RecordDisconnection(_ context.Context, device bluetooth.MacAddress, profile bluetooth.Profile) error {
	m.record(device, profile, false)

	return nil
}

func (m *Memory) record(device bluetooth.MacAddress, profile bluetooth.Profile, connected bool) {
	m.history.Store(key{device, profile}, Fact{
		Device:     device,
		Profile:    profile,
		Connected:  connected,
		Sequence:   m.sequence.Inc(),
		RecordedAt: m.now(),
	})
}

// History returns the latest fact of every device for a profile, most recent first.
func (m *Memory) History(_ context.Context, profile bluetooth.Profile) ([]Fact, error) {
	facts := make([]Fact, 0, m.history.Size())
	m.history.Range(func(k key, f Fact) bool {
		if k.profile == profile {
			facts = append(facts, f)
		}

		return true
	})

	byRecency(facts)

	return facts, nil
}

// MostRecentlyConnectedDevice returns the device that connected the profile
// most recently and has not disconnected it since.
func (m *Memory) MostRecentlyConnectedDevice(ctx context.Context, profile bluetooth.Profile) (bluetooth.MacAddress, error) {
	devices, err := m.RecentlyConnectedDevices(ctx, profile)
	if err != nil {
		return bluetooth.MacAddress{}, err
	}

	if len(devices) == 0 {
		return bluetooth.MacAddress{}, fmt.Errorf("most recent %s device: %w", profile, errorkinds.ErrNoHistory)
	}

	return devices[0], nil
}

// RecentlyConnectedDevices returns the devices that connected the profile,
// most recent first, excluding those whose latest fact is a disconnection.
func (m *Memory) RecentlyConnectedDevices(ctx context.Context, profile bluetooth.Profile) ([]bluetooth.MacAddress, error) {
	facts, err := m.History(ctx, profile)
	if err != nil {
		return nil, err
	}

	return connectedDevices(facts), nil
}

// IsLeAudioAllowlisted reports whether a device may use LE audio
// when LE audio is not enabled by default.
func (m *Memory) IsLeAudioAllowlisted(_ context.Context, device bluetooth.MacAddress) (bool, error) {
	_, ok := m.allowlist.Load(device)

	return ok, nil
}

// SetLeAudioAllowlisted adds or removes a device from the LE audio allowlist.
func (m *Memory) SetLeAudioAllowlisted(_ context.Context, device bluetooth.MacAddress, allowed bool) error {
	if allowed {
		m.allowlist.Store(device, struct{}{})
	} else {
		m.allowlist.Delete(device)
	}

	return nil
}

// Close does nothing.
func (m *Memory) Close() error {
	return nil
}
