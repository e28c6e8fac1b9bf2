// Package simulator provides in-memory collaborators for the policy
// orchestrator, which record every call made to them.
package simulator

import (
	"sync"

	"github.com/darkhz/bluepolicy/bluetooth"
)

// The recorded methods.
const (
	MethodConnect             = "connect"
	MethodDisconnect          = "disconnect"
	MethodSetPolicy           = "set-policy"
	MethodStorePolicy         = "store-policy"
	MethodRecordConnection    = "record-connection"
	MethodRecordDisconnection = "record-disconnection"
)

// Call is a recorded collaborator call.
type Call struct {
	Method  string
	Profile bluetooth.Profile
	Device  bluetooth.MacAddress
	Policy  bluetooth.ConnectionPolicy
	Result  bool
}

// Journal records calls in the order they were made.
type Journal struct {
	mu    sync.Mutex
	calls []Call
}

func (j *Journal) add(c Call) {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.calls = append(j.calls, c)
}

// Calls returns a copy of every recorded call.
func (j *Journal) Calls() []Call {
	j.mu.Lock()
	defer j.mu.Unlock()

	calls := make([]Call, len(j.calls))
	copy(calls, j.calls)

	return calls
}

// Filter returns the recorded calls that match fn.
func (j *Journal) Filter(fn func(Call) bool) []Call {
	var calls []Call
	for _, c := range j.Calls() {
		if fn(c) {
			calls = append(calls, c)
		}
	}

	return calls
}

// Count returns the number of calls of a method for a device's profile.
func (j *Journal) Count(method string, device bluetooth.MacAddress, profile bluetooth.Profile) int {
	return len(j.Filter(func(c Call) bool {
		return c.Method == method && c.Device == device && c.Profile == profile
	}))
}

// CountPolicy is like Count, but also matches the written policy.
func (j *Journal) CountPolicy(method string, device bluetooth.MacAddress, profile bluetooth.Profile, policy bluetooth.ConnectionPolicy) int {
	return len(j.Filter(func(c Call) bool {
		return c.Method == method && c.Device == device && c.Profile == profile && c.Policy == policy
	}))
}

// CountMethod returns the number of calls of a method.
func (j *Journal) CountMethod(method string) int {
	return len(j.Filter(func(c Call) bool {
		return c.Method == method
	}))
}

// Reset forgets every recorded call.
func (j *Journal) Reset() {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.calls = nil
}
