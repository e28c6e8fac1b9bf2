package bluez

import "time"

// The DBus specific bus and property names.
const (
	dbusGetPropertiesIface = "org.freedesktop.DBus.Properties.Get"
	dbusObjectManagerIface = "org.freedesktop.DBus.ObjectManager.GetManagedObjects"

	dbusSignalAddMatchIface          = "org.freedesktop.DBus.AddMatch"
	dbusSignalPropertyChangedIface   = "org.freedesktop.DBus.Properties.PropertiesChanged"
	dbusSignalInterfacesAddedIface   = "org.freedesktop.DBus.ObjectManager.InterfacesAdded"
	dbusSignalInterfacesRemovedIface = "org.freedesktop.DBus.ObjectManager.InterfacesRemoved"

	bluezBusName              = "org.bluez"
	bluezAdapterIface         = "org.bluez.Adapter1"
	bluezDeviceIface          = "org.bluez.Device1"
	bluezDeviceSetIface       = "org.bluez.DeviceSet1"
	bluezMediaTransportIface  = "org.bluez.MediaTransport1"
	bluezSignalMatch          = "type='signal', sender='org.bluez'"
	bluezProfileCallTimeout   = 30 * time.Second
	bluezSignalChannelBacklog = 64
)
