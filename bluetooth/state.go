package bluetooth

import (
	"strings"

	"github.com/darkhz/bluepolicy/errorkinds"
)

// ConnectionPolicy decides whether a profile may connect automatically.
// The zero value means the policy was never decided.
type ConnectionPolicy uint8

// The different connection policies.
const (
	PolicyUnknown ConnectionPolicy = iota
	PolicyForbidden
	PolicyAllowed
)

// String returns the name of the policy.
func (c ConnectionPolicy) String() string {
	switch c {
	case PolicyForbidden:
		return "forbidden"
	case PolicyAllowed:
		return "allowed"
	}

	return "unknown"
}

// MarshalText implements encoding.TextMarshaler.
func (c ConnectionPolicy) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *ConnectionPolicy) UnmarshalText(data []byte) error {
	policy, err := ParseConnectionPolicy(string(data))
	if err != nil {
		return err
	}

	*c = policy

	return nil
}

// ParseConnectionPolicy parses a policy name.
func ParseConnectionPolicy(s string) (ConnectionPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "unknown", "":
		return PolicyUnknown, nil
	case "forbidden", "deny":
		return PolicyForbidden, nil
	case "allowed", "allow":
		return PolicyAllowed, nil
	}

	return PolicyUnknown, errorkinds.ErrInvalidPolicy
}

// ConnectionState is the connection state of a single profile.
type ConnectionState uint8

// The different connection states.
const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateDisconnecting
)

// String returns the name of the state.
func (c ConnectionState) String() string {
	switch c {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	}

	return "disconnected"
}

// MarshalText implements encoding.TextMarshaler.
func (c ConnectionState) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *ConnectionState) UnmarshalText(data []byte) error {
	switch strings.ToLower(strings.TrimSpace(string(data))) {
	case "disconnected", "":
		*c = StateDisconnected
	case "connecting":
		*c = StateConnecting
	case "connected":
		*c = StateConnected
	case "disconnecting":
		*c = StateDisconnecting
	default:
		return errorkinds.ErrInvalidState
	}

	return nil
}

// DeviceType describes which transports a device is able to use.
type DeviceType uint8

// The different device types.
const (
	DeviceTypeUnknown DeviceType = iota
	DeviceTypeClassicOnly
	DeviceTypeLEOnly
	DeviceTypeDual
)

// String returns the name of the device type.
func (d DeviceType) String() string {
	switch d {
	case DeviceTypeClassicOnly:
		return "classic"
	case DeviceTypeLEOnly:
		return "le"
	case DeviceTypeDual:
		return "dual"
	}

	return "unknown"
}

// SupportsClassic reports whether classic profiles are usable on this device type.
// An unknown device type is treated as dual-mode.
func (d DeviceType) SupportsClassic() bool {
	return d != DeviceTypeLEOnly
}

// SupportsLE reports whether LE profiles are usable on this device type.
func (d DeviceType) SupportsLE() bool {
	return d != DeviceTypeClassicOnly
}

// MarshalText implements encoding.TextMarshaler.
func (d DeviceType) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *DeviceType) UnmarshalText(data []byte) error {
	switch strings.ToLower(strings.TrimSpace(string(data))) {
	case "unknown", "":
		*d = DeviceTypeUnknown
	case "classic", "classic-only", "bredr":
		*d = DeviceTypeClassicOnly
	case "le", "le-only":
		*d = DeviceTypeLEOnly
	case "dual":
		*d = DeviceTypeDual
	default:
		return errorkinds.ErrInvalidDeviceType
	}

	return nil
}

// LinkState is the state of the underlying radio link to a device.
type LinkState uint8

// The different link states.
const (
	LinkDisconnected LinkState = iota
	LinkConnected
)

// String returns the name of the link state.
func (l LinkState) String() string {
	if l == LinkConnected {
		return "connected"
	}

	return "disconnected"
}

// AdapterState is the power state of the local adapter.
type AdapterState uint8

// The different adapter power states.
const (
	AdapterOff AdapterState = iota
	AdapterTurningOn
	AdapterOn
	AdapterTurningOff
)

// String returns the name of the adapter state.
func (a AdapterState) String() string {
	switch a {
	case AdapterTurningOn:
		return "turning-on"
	case AdapterOn:
		return "on"
	case AdapterTurningOff:
		return "turning-off"
	}

	return "off"
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *AdapterState) UnmarshalText(data []byte) error {
	switch strings.ToLower(strings.TrimSpace(string(data))) {
	case "off", "":
		*a = AdapterOff
	case "turning-on":
		*a = AdapterTurningOn
	case "on":
		*a = AdapterOn
	case "turning-off":
		*a = AdapterTurningOff
	default:
		return errorkinds.ErrInvalidState
	}

	return nil
}
