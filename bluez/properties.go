package bluez

import (
	"slices"

	"github.com/darkhz/bluepolicy/bluetooth"
	"github.com/godbus/dbus/v5"
	"github.com/google/uuid"
)

/*
	org.bluez.Device1
		Address => dbus.Variant{sig:dbus.Signature{str:"s"}, value:"2C:41:A1:49:37:CF"}
		AddressType => dbus.Variant{sig:dbus.Signature{str:"s"}, value:"public"}
		Adapter => dbus.Variant{sig:dbus.Signature{str:"o"}, value:"/org/bluez/hci0"}
		Class => dbus.Variant{sig:dbus.Signature{str:"u"}, value:0x240418}
		Connected => dbus.Variant{sig:dbus.Signature{str:"b"}, value:true}
		UUIDs => dbus.Variant{sig:dbus.Signature{str:"as"}, value:[]string{"0000110b-...", ...}}
		Sets => dbus.Variant{sig:dbus.Signature{str:"a{oa{sv}}"}, value:map[dbus.ObjectPath]map[string]dbus.Variant{...}}
*/

// deviceProperties holds the cached Device1 properties of a device.
type deviceProperties struct {
	Path dbus.ObjectPath `codec:"-"`

	Adapter     dbus.ObjectPath      `codec:"Adapter,omitempty"`
	Address     bluetooth.MacAddress `codec:"Address,omitempty"`
	AddressType string               `codec:"AddressType,omitempty"`
	Name        string               `codec:"Name,omitempty"`
	Class       uint32               `codec:"Class,omitempty"`
	UUIDs       []string             `codec:"UUIDs,omitempty"`
	Connected   bool                 `codec:"Connected,omitempty"`
	Paired      bool                 `codec:"Paired,omitempty"`

	Sets []dbus.ObjectPath `codec:"-"`
}

var deviceDecodedProperties = []string{
	"Adapter", "Address", "AddressType", "Name", "Class", "UUIDs", "Connected", "Paired",
}

// adapterProperties holds the cached Adapter1 properties.
type adapterProperties struct {
	Address    bluetooth.MacAddress `codec:"Address,omitempty"`
	Powered    bool                 `codec:"Powered,omitempty"`
	PowerState string               `codec:"PowerState,omitempty"`
}

var adapterDecodedProperties = []string{"Address", "Powered", "PowerState"}

// setProperties holds the cached DeviceSet1 properties of a coordinated set.
type setProperties struct {
	AutoConnect bool              `codec:"AutoConnect,omitempty"`
	Devices     []dbus.ObjectPath `codec:"Devices,omitempty"`
	Size        uint8             `codec:"Size,omitempty"`
}

var setDecodedProperties = []string{"AutoConnect", "Devices", "Size"}

// transportProperties holds the MediaTransport1 properties that identify
// a connected profile.
type transportProperties struct {
	Device dbus.ObjectPath `codec:"Device,omitempty"`
	UUID   string          `codec:"UUID,omitempty"`
	State  string          `codec:"State,omitempty"`
}

var transportDecodedProperties = []string{"Device", "UUID", "State"}

// merge decodes a (partial) Device1 property map into a copy of the properties.
func (d deviceProperties) merge(values map[string]dbus.Variant) (deviceProperties, error) {
	if err := decodeVariantMap(values, &d, deviceDecodedProperties...); err != nil {
		return d, err
	}

	if sets, ok := values["Sets"]; ok {
		d.Sets = parseSets(sets)
	}

	return d, nil
}

// profiles returns the known profiles advertised by the device.
func (d deviceProperties) profiles() bluetooth.ProfileSet {
	return bluetooth.ProfilesFromUUIDs(d.uuids())
}

func (d deviceProperties) uuids() []uuid.UUID {
	return bluetooth.ParseUUIDs(d.UUIDs)
}

// deviceType derives the transports a device supports from its class,
// address type and advertised services.
func (d deviceProperties) deviceType() bluetooth.DeviceType {
	profiles := d.profiles()

	classic := d.Class != 0
	le := d.AddressType == "random"

	for _, p := range profiles.Profiles() {
		switch {
		case p.IsClassic():
			classic = true

		case p == bluetooth.ProfileLeAudio, p == bluetooth.ProfileCoordinatedSet:
			le = true
		}
	}

	switch {
	case classic && le:
		return bluetooth.DeviceTypeDual

	case classic:
		return bluetooth.DeviceTypeClassicOnly

	case le:
		return bluetooth.DeviceTypeLEOnly
	}

	return bluetooth.DeviceTypeUnknown
}

// parseSets returns the coordinated set paths of a Device1 "Sets" property.
func parseSets(value dbus.Variant) []dbus.ObjectPath {
	var paths []dbus.ObjectPath

	switch sets := value.Value().(type) {
	case map[dbus.ObjectPath]map[string]dbus.Variant:
		for path := range sets {
			paths = append(paths, path)
		}

	case map[dbus.ObjectPath]any:
		for path := range sets {
			paths = append(paths, path)
		}
	}

	slices.Sort(paths)

	return paths
}

// adapterState maps the Adapter1 power properties to an adapter state.
// PowerState is only published by newer BlueZ versions.
func (a adapterProperties) adapterState() bluetooth.AdapterState {
	switch a.PowerState {
	case "on":
		return bluetooth.AdapterOn

	case "off-enabling":
		return bluetooth.AdapterTurningOn

	case "on-disabling":
		return bluetooth.AdapterTurningOff

	case "off", "off-blocked":
		return bluetooth.AdapterOff
	}

	if a.Powered {
		return bluetooth.AdapterOn
	}

	return bluetooth.AdapterOff
}

// isActive reports whether audio is streaming over the transport.
func (t transportProperties) isActive() bool {
	return t.State == "active"
}

// profile returns the profile carried by a media transport.
func (t transportProperties) profile() (bluetooth.Profile, bool) {
	u, err := uuid.Parse(t.UUID)
	if err != nil {
		return bluetooth.ProfileNone, false
	}

	return bluetooth.ProfileFromUUID(u)
}
