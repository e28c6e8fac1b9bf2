package simulator

import (
	"context"
	"sync"

	"github.com/darkhz/bluepolicy/bluetooth"
	"github.com/darkhz/bluepolicy/store"
	"go.uber.org/atomic"
)

// Service is an in-memory profile service. Policies live in the shared
// memory store, and connection states only change through SetState:
// Connect and Disconnect are recorded but have no effect.
type Service struct {
	profile  bluetooth.Profile
	policies *store.Memory
	journal  *Journal

	mu     sync.Mutex
	states map[bluetooth.MacAddress]bluetooth.ConnectionState
	order  []bluetooth.MacAddress

	reject atomic.Bool
}

func newService(profile bluetooth.Profile, policies *store.Memory, journal *Journal) *Service {
	return &Service{
		profile:  profile,
		policies: policies,
		journal:  journal,
		states:   make(map[bluetooth.MacAddress]bluetooth.ConnectionState),
	}
}

// Profile returns the profile of the service.
func (s *Service) Profile() bluetooth.Profile {
	return s.profile
}

// ConnectionPolicy returns the policy of a device.
func (s *Service) ConnectionPolicy(device bluetooth.MacAddress) bluetooth.ConnectionPolicy {
	policy, _ := s.policies.ProfileConnectionPolicy(context.Background(), device, s.profile)

	return policy
}

// SetConnectionPolicy sets the policy of a device.
func (s *Service) SetConnectionPolicy(device bluetooth.MacAddress, policy bluetooth.ConnectionPolicy) bool {
	accepted := !s.reject.Load()
	if accepted {
		accepted = s.policies.SetProfileConnectionPolicy(context.Background(), device, s.profile, policy) == nil
	}

	s.journal.add(Call{
		Method:  MethodSetPolicy,
		Profile: s.profile,
		Device:  device,
		Policy:  policy,
		Result:  accepted,
	})

	return accepted
}

// ConnectionState returns the connection state of a device.
func (s *Service) ConnectionState(device bluetooth.MacAddress) bluetooth.ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.states[device]
}

// SetState sets the connection state of a device and returns the previous one.
func (s *Service) SetState(device bluetooth.MacAddress, state bluetooth.ConnectionState) bluetooth.ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()

	previous, known := s.states[device]
	if !known {
		s.order = append(s.order, device)
	}

	s.states[device] = state

	return previous
}

// ConnectedDevices returns the devices in the connected state.
func (s *Service) ConnectedDevices() []bluetooth.MacAddress {
	s.mu.Lock()
	defer s.mu.Unlock()

	var devices []bluetooth.MacAddress
	for _, device := range s.order {
		if s.states[device] == bluetooth.StateConnected {
			devices = append(devices, device)
		}
	}

	return devices
}

// Connect records a connect call.
func (s *Service) Connect(device bluetooth.MacAddress) bool {
	accepted := !s.reject.Load()
	s.journal.add(Call{Method: MethodConnect, Profile: s.profile, Device: device, Result: accepted})

	return accepted
}

// Disconnect records a disconnect call.
func (s *Service) Disconnect(device bluetooth.MacAddress) bool {
	accepted := !s.reject.Load()
	s.journal.add(Call{Method: MethodDisconnect, Profile: s.profile, Device: device, Result: accepted})

	return accepted
}

// Reject makes every later call to the service fail, or succeed again.
func (s *Service) Reject(reject bool) {
	s.reject.Store(reject)
}
