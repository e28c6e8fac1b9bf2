package policy

import (
	"time"

	"github.com/darkhz/bluepolicy/bluetooth"
)

// NotificationID identifies a kind of decision notification.
type NotificationID uint

// The different notifications published on the event bus.
const (
	PolicyChangedEvent NotificationID = iota + 1
	ConnectRequestedEvent
	RetryScheduledEvent
	RetryCancelledEvent
	RetryFiredEvent
	DecisionDeferredEvent
)

// NotificationIDs returns every notification ID.
func NotificationIDs() []NotificationID {
	return []NotificationID{
		PolicyChangedEvent,
		ConnectRequestedEvent,
		RetryScheduledEvent,
		RetryCancelledEvent,
		RetryFiredEvent,
		DecisionDeferredEvent,
	}
}

// String returns the name of the notification.
func (n NotificationID) String() string {
	switch n {
	case PolicyChangedEvent:
		return "policy-changed"
	case ConnectRequestedEvent:
		return "connect-requested"
	case RetryScheduledEvent:
		return "retry-scheduled"
	case RetryCancelledEvent:
		return "retry-cancelled"
	case RetryFiredEvent:
		return "retry-fired"
	case DecisionDeferredEvent:
		return "decision-deferred"
	}

	return "unknown"
}

// Value returns the topic of the notification.
func (n NotificationID) Value() uint {
	return uint(n)
}

// PolicyChanged is published when a policy is written.
// Persisted is set when the write went to the store instead of the live service.
type PolicyChanged struct {
	Device    bluetooth.MacAddress
	Profile   bluetooth.Profile
	Policy    bluetooth.ConnectionPolicy
	Persisted bool
	Reason    string
}

// ConnectRequested is published when a connect call is issued.
type ConnectRequested struct {
	Device   bluetooth.MacAddress
	Profile  bluetooth.Profile
	Accepted bool
	Reason   string
}

// RetryScheduled is published when a retry is scheduled for a device.
type RetryScheduled struct {
	Device   bluetooth.MacAddress
	Deadline time.Time
}

// RetryCancelled is published when a pending retry is dropped.
type RetryCancelled struct {
	Device bluetooth.MacAddress
	Reason string
}

// RetryFired is published when a pending retry is evaluated.
type RetryFired struct {
	Device bluetooth.MacAddress
}

// DecisionDeferred is published when a policy cannot be decided yet.
type DecisionDeferred struct {
	Device  bluetooth.MacAddress
	Profile bluetooth.Profile
	Reason  string
}
