package policy

import (
	"context"
	"time"

	"github.com/darkhz/bluepolicy/bluetooth"
)

// ProfileService is the live handle of a single profile service.
// Connect and Disconnect only start the operation: the outcome is
// reported later as a connection state change.
type ProfileService interface {
	ConnectionPolicy(device bluetooth.MacAddress) bluetooth.ConnectionPolicy
	SetConnectionPolicy(device bluetooth.MacAddress, policy bluetooth.ConnectionPolicy) bool
	ConnectionState(device bluetooth.MacAddress) bluetooth.ConnectionState
	ConnectedDevices() []bluetooth.MacAddress
	Connect(device bluetooth.MacAddress) bool
	Disconnect(device bluetooth.MacAddress) bool
}

// ServiceRegistry resolves a profile to its service handle.
type ServiceRegistry interface {
	Service(profile bluetooth.Profile) (ProfileService, bool)
}

// Registry is a ServiceRegistry backed by a map.
type Registry map[bluetooth.Profile]ProfileService

// Service returns the service handle of a profile.
func (r Registry) Service(profile bluetooth.Profile) (ProfileService, bool) {
	s, ok := r[profile]

	return s, ok && s != nil
}

// Store persists policies and the connection history.
type Store interface {
	SetProfileConnectionPolicy(ctx context.Context, device bluetooth.MacAddress, profile bluetooth.Profile, policy bluetooth.ConnectionPolicy) error
	RecordConnection(ctx context.Context, device bluetooth.MacAddress, profile bluetooth.Profile) error
	RecordDisconnection(ctx context.Context, device bluetooth.MacAddress, profile bluetooth.Profile) error
	MostRecentlyConnectedDevice(ctx context.Context, profile bluetooth.Profile) (bluetooth.MacAddress, error)
	RecentlyConnectedDevices(ctx context.Context, profile bluetooth.Profile) ([]bluetooth.MacAddress, error)
	IsLeAudioAllowlisted(ctx context.Context, device bluetooth.MacAddress) (bool, error)
}

// GroupID identifies a coordinated set.
type GroupID int

// GroupCoordinator resolves devices to coordinated sets.
type GroupCoordinator interface {
	GroupID(device bluetooth.MacAddress) (GroupID, bool)
	DesiredGroupSize(group GroupID) int
	OrderedGroupMembers(group GroupID) []bluetooth.MacAddress
}

// Transport reports link-level information about devices.
type Transport interface {
	LinkState(device bluetooth.MacAddress) bluetooth.LinkState
	DeviceType(device bluetooth.MacAddress) bluetooth.DeviceType
	IsProfileSupported(device bluetooth.MacAddress, profile bluetooth.Profile) bool
	IsQuietModeEnabled() bool
}

// Collaborators holds the handles the orchestrator works through.
// Groups may be nil, in which case no device belongs to a coordinated set.
type Collaborators struct {
	Services  ServiceRegistry
	Store     Store
	Groups    GroupCoordinator
	Transport Transport
}

// Options configures policy decisions.
type Options struct {
	// LeAudioEnabledByDefault allows LE audio on discovery, instead of only for allowlisted devices.
	LeAudioEnabledByDefault bool

	// BypassLeAudioAllowlist allows LE audio on every device.
	BypassLeAudioAllowlist bool

	// DualModeAudio lets classic and LE audio be allowed on the same device.
	DualModeAudio bool

	// AutoConnectProfilesSupported connects a profile as soon as it is allowed on discovery.
	AutoConnectProfilesSupported bool

	// MultiHfpFallback connects every recent telephony device on power-on,
	// when no classic audio device qualifies.
	MultiHfpFallback bool

	// RetryDelay is how long to wait before connecting the remaining profiles of a device.
	RetryDelay time.Duration

	// QueueSize is the capacity of the event queue.
	QueueSize int
}

const (
	defaultRetryDelay = 6 * time.Second
	defaultQueueSize  = 64
)

// DefaultOptions returns the default options.
func DefaultOptions() Options {
	return Options{
		LeAudioEnabledByDefault: true,
		RetryDelay:              defaultRetryDelay,
		QueueSize:               defaultQueueSize,
	}
}

func (o Options) withDefaults() Options {
	if o.RetryDelay <= 0 {
		o.RetryDelay = defaultRetryDelay
	}

	if o.QueueSize <= 0 {
		o.QueueSize = defaultQueueSize
	}

	return o
}
