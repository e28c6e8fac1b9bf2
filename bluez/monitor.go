package bluez

import (
	"context"
	"slices"

	"github.com/darkhz/bluepolicy/bluetooth"
	"github.com/darkhz/bluepolicy/errorkinds"
	"github.com/godbus/dbus/v5"
)

// Watch registers a signal match for bluez events, and reports them to
// the attached sink until the context is cancelled.
func (s *Session) Watch(ctx context.Context) error {
	if err := s.conn.BusObject().
		CallWithContext(ctx, dbusSignalAddMatchIface, 0, bluezSignalMatch).
		Store(); err != nil {
		return errorkinds.Wrap(err, "watch-add-match", "Cannot watch bluez signals")
	}

	ch := make(chan *dbus.Signal, bluezSignalChannelBacklog)
	s.conn.Signal(ch)
	defer s.conn.RemoveSignal(ch)

	for {
		select {
		case <-ctx.Done():
			return nil

		case signal, ok := <-ch:
			if !ok {
				return nil
			}

			s.parseSignalData(signal)
		}
	}
}

// Sync reports the current link and capability state of every known
// device to the attached sink.
func (s *Session) Sync() {
	sink := s.eventSink()

	for _, address := range s.Devices() {
		props, ok := s.devices.Load(address)
		if !ok {
			continue
		}

		if props.Connected {
			sink.OnLinkConnected(address)
		}

		if uuids := props.uuids(); len(uuids) > 0 {
			sink.OnCapabilitiesDiscovered(address, uuids)
		}
	}
}

// parseSignalData parses bluez DBus signal data.
func (s *Session) parseSignalData(signal *dbus.Signal) {
	switch signal.Name {
	case dbusSignalPropertyChangedIface:
		if len(signal.Body) < 2 {
			return
		}

		objectInterfaceName, ok := signal.Body[0].(string)
		if !ok {
			return
		}

		propertyMap, ok := signal.Body[1].(map[string]dbus.Variant)
		if !ok {
			return
		}

		switch objectInterfaceName {
		case bluezAdapterIface:
			if signal.Path == s.adapterPath {
				s.updateAdapter(propertyMap)
			}

		case bluezDeviceIface:
			s.updateDevice(signal.Path, propertyMap, false)

		case bluezDeviceSetIface:
			if _, err := s.storeSet(signal.Path, propertyMap); err != nil {
				s.log.Warn("Bluez event handler error", "error_at", "pchanged-set-decode", "error", err)
			}

		case bluezMediaTransportIface:
			s.updateTransport(signal.Path, propertyMap)
		}

	case dbusSignalInterfacesAddedIface:
		if len(signal.Body) < 2 {
			return
		}

		objectPath, ok := signal.Body[0].(dbus.ObjectPath)
		if !ok {
			return
		}

		nestedPropertyMap, ok := signal.Body[1].(map[string]map[string]dbus.Variant)
		if !ok {
			return
		}

		// Sets are stored before devices, so that members resolve to them.
		if values, ok := nestedPropertyMap[bluezDeviceSetIface]; ok {
			if _, err := s.storeSet(objectPath, values); err != nil {
				s.log.Warn("Bluez event handler error", "error_at", "padded-set-decode", "error", err)
			}
		}

		if values, ok := nestedPropertyMap[bluezDeviceIface]; ok {
			s.updateDevice(objectPath, values, true)
		}

		if values, ok := nestedPropertyMap[bluezMediaTransportIface]; ok {
			s.addTransport(objectPath, values, true)
		}

	case dbusSignalInterfacesRemovedIface:
		if len(signal.Body) < 2 {
			return
		}

		objectPath, ok := signal.Body[0].(dbus.ObjectPath)
		if !ok {
			return
		}

		ifaceNames, ok := signal.Body[1].([]string)
		if !ok {
			return
		}

		for _, ifaceName := range ifaceNames {
			switch ifaceName {
			case bluezDeviceIface:
				s.deleteDevice(objectPath)

			case bluezDeviceSetIface:
				s.sets.Delete(objectPath)

			case bluezMediaTransportIface:
				s.removeTransport(objectPath)
			}
		}
	}
}

// updateAdapter merges Adapter1 properties and reports power state changes.
func (s *Session) updateAdapter(values map[string]dbus.Variant) {
	s.adapterMu.Lock()
	previous := s.adapter.adapterState()
	err := decodeVariantMap(values, &s.adapter, adapterDecodedProperties...)
	current := s.adapter.adapterState()
	s.adapterMu.Unlock()

	if err != nil {
		s.log.Warn("Bluez event handler error", "error_at", "pchanged-adapter-decode", "error", err)
		return
	}

	if previous != current {
		s.log.Info("Adapter power state changed", "previous", previous.String(), "current", current.String())
		s.eventSink().OnAdapterPowerStateChanged(previous, current)
	}
}

// updateDevice merges Device1 properties, and reports the changes that
// are relevant to connection policies. A newly added device reports all
// of its present properties.
func (s *Session) updateDevice(path dbus.ObjectPath, values map[string]dbus.Variant, added bool) {
	var previous deviceProperties
	if address, ok := s.paths.Load(path); ok && !added {
		previous, _ = s.devices.Load(address)
	}

	props, err := s.storeDevice(path, values)
	if err != nil {
		s.log.Warn("Bluez event handler error", "error_at", "pchanged-device-decode", "path", string(path), "error", err)
		return
	}

	if _, ok := s.paths.Load(path); !ok {
		return
	}

	sink := s.eventSink()
	address := props.Address

	if _, ok := values["UUIDs"]; ok && !slices.Equal(previous.UUIDs, props.UUIDs) {
		if uuids := props.uuids(); len(uuids) > 0 {
			sink.OnCapabilitiesDiscovered(address, uuids)
		}
	}

	if props.Connected != previous.Connected {
		if props.Connected {
			s.log.Debug("Device link connected", "address", address.String())
			sink.OnLinkConnected(address)
		} else {
			s.log.Debug("Device link disconnected", "address", address.String())
			sink.OnLinkDisconnected(address)
			s.resetProfiles(address)
		}
	}

	if props.Connected && len(props.Sets) > 0 {
		s.services[bluetooth.ProfileCoordinatedSet].transition(address, bluetooth.StateConnected)
	}
}

// deleteDevice removes a device, disconnecting it first if required.
func (s *Session) deleteDevice(path dbus.ObjectPath) {
	address, ok := s.paths.Load(path)
	if !ok {
		return
	}

	if props, ok := s.devices.Load(address); ok && props.Connected {
		s.eventSink().OnLinkDisconnected(address)
		s.resetProfiles(address)
	}

	s.removeDevice(path)
}

// updateTransport reports the profile of a transport that starts streaming
// as the active audio path.
func (s *Session) updateTransport(path dbus.ObjectPath, values map[string]dbus.Variant) {
	props, ok := s.transports.Load(path)
	if !ok {
		return
	}

	wasActive := props.isActive()
	if err := decodeVariantMap(values, &props, transportDecodedProperties...); err != nil {
		s.log.Warn("Bluez event handler error", "error_at", "pchanged-transport-decode", "error", err)
		return
	}

	s.transports.Store(path, props)

	if wasActive || !props.isActive() {
		return
	}

	device, ok := s.paths.Load(props.Device)
	if !ok {
		return
	}

	if profile, ok := props.profile(); ok {
		s.eventSink().OnActivePathChanged(profile, device)
	}
}

func (s *Session) resetProfiles(device bluetooth.MacAddress) {
	for _, profile := range bluetooth.Profiles() {
		s.services[profile].reset(device)
	}
}
