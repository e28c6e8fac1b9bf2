package simulator

import (
	"context"

	"github.com/darkhz/bluepolicy/bluetooth"
	"github.com/darkhz/bluepolicy/policy"
	"github.com/darkhz/bluepolicy/store"
)

// RecordingStore is a Policy Store that records writes before passing
// them to a memory store.
type RecordingStore struct {
	*store.Memory

	journal *Journal
}

// SetProfileConnectionPolicy records and stores a policy.
func (r *RecordingStore) SetProfileConnectionPolicy(ctx context.Context, device bluetooth.MacAddress, profile bluetooth.Profile, policy bluetooth.ConnectionPolicy) error {
	err := r.Memory.SetProfileConnectionPolicy(ctx, device, profile, policy)
	r.journal.add(Call{Method: MethodStorePolicy, Profile: profile, Device: device, Policy: policy, Result: err == nil})

	return err
}

// RecordConnection records and stores a connection fact.
func (r *RecordingStore) RecordConnection(ctx context.Context, device bluetooth.MacAddress, profile bluetooth.Profile) error {
	err := r.Memory.RecordConnection(ctx, device, profile)
	r.journal.add(Call{Method: MethodRecordConnection, Profile: profile, Device: device, Result: err == nil})

	return err
}

// RecordDisconnection records and stores a disconnection fact.
func (r *RecordingStore) RecordDisconnection(ctx context.Context, device bluetooth.MacAddress, profile bluetooth.Profile) error {
	err := r.Memory.RecordDisconnection(ctx, device, profile)
	r.journal.add(Call{Method: MethodRecordDisconnection, Profile: profile, Device: device, Result: err == nil})

	return err
}

// World holds a complete set of in-memory collaborators sharing one journal.
type World struct {
	Journal  *Journal
	Store    *RecordingStore
	Radio    *Radio
	Groups   *Groups
	Services map[bluetooth.Profile]*Service
}

// NewWorld returns a world with a service for every profile.
func NewWorld() *World {
	journal := &Journal{}
	memory := store.NewMemory()

	w := &World{
		Journal:  journal,
		Store:    &RecordingStore{Memory: memory, journal: journal},
		Radio:    NewRadio(),
		Groups:   NewGroups(),
		Services: make(map[bluetooth.Profile]*Service),
	}

	for _, profile := range bluetooth.Profiles() {
		w.Services[profile] = newService(profile, memory, journal)
	}

	return w
}

// Service returns the service of a profile.
func (w *World) Service(profile bluetooth.Profile) *Service {
	return w.Services[profile]
}

// RemoveService drops the service of a profile from the registry.
func (w *World) RemoveService(profile bluetooth.Profile) {
	delete(w.Services, profile)
}

// Registry returns the services as a policy registry.
func (w *World) Registry() policy.Registry {
	registry := make(policy.Registry, len(w.Services))
	for profile, service := range w.Services {
		registry[profile] = service
	}

	return registry
}

// Collaborators returns the world as orchestrator collaborators.
func (w *World) Collaborators() policy.Collaborators {
	return policy.Collaborators{
		Services:  w.Registry(),
		Store:     w.Store,
		Groups:    w.Groups,
		Transport: w.Radio,
	}
}

// SetPolicy stores a policy without recording it.
func (w *World) SetPolicy(device bluetooth.MacAddress, profile bluetooth.Profile, policy bluetooth.ConnectionPolicy) {
	_ = w.Store.Memory.SetProfileConnectionPolicy(context.Background(), device, profile, policy)
}

// Policy returns the stored policy of a device's profile.
func (w *World) Policy(device bluetooth.MacAddress, profile bluetooth.Profile) bluetooth.ConnectionPolicy {
	policy, _ := w.Store.Memory.ProfileConnectionPolicy(context.Background(), device, profile)

	return policy
}

// AddHistory appends a fact to the connection history without recording it.
func (w *World) AddHistory(device bluetooth.MacAddress, profile bluetooth.Profile, connected bool) {
	if connected {
		_ = w.Store.Memory.RecordConnection(context.Background(), device, profile)
	} else {
		_ = w.Store.Memory.RecordDisconnection(context.Background(), device, profile)
	}
}
