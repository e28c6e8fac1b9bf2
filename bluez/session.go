// Package bluez connects the policy orchestrator to the BlueZ daemon over DBus.
package bluez

import (
	"bytes"
	"context"
	"log/slog"
	"path/filepath"
	"slices"
	"sync"

	"github.com/darkhz/bluepolicy/bluetooth"
	"github.com/darkhz/bluepolicy/errorkinds"
	"github.com/darkhz/bluepolicy/policy"
	"github.com/godbus/dbus/v5"
	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/atomic"
)

// PolicyStore is where the profile services keep connection policies.
type PolicyStore interface {
	ProfileConnectionPolicy(ctx context.Context, device bluetooth.MacAddress, profile bluetooth.Profile) (bluetooth.ConnectionPolicy, error)
	SetProfileConnectionPolicy(ctx context.Context, device bluetooth.MacAddress, profile bluetooth.Profile, policy bluetooth.ConnectionPolicy) error
}

// EventSink receives the events observed on the bus.
// *policy.Orchestrator implements it.
type EventSink interface {
	OnCapabilitiesDiscovered(device bluetooth.MacAddress, capabilities []uuid.UUID)
	OnProfileConnectionStateChanged(profile bluetooth.Profile, device bluetooth.MacAddress, previous, current bluetooth.ConnectionState)
	OnActivePathChanged(profile bluetooth.Profile, device bluetooth.MacAddress)
	OnAdapterPowerStateChanged(previous, current bluetooth.AdapterState)
	OnLinkConnected(device bluetooth.MacAddress)
	OnLinkDisconnected(device bluetooth.MacAddress)
}

// Session describes a BlueZ DBus session bound to a single adapter.
type Session struct {
	conn *dbus.Conn
	log  *slog.Logger

	adapterPath dbus.ObjectPath
	adapter     adapterProperties
	adapterMu   sync.Mutex

	devices    *xsync.MapOf[bluetooth.MacAddress, deviceProperties]
	paths      *xsync.MapOf[dbus.ObjectPath, bluetooth.MacAddress]
	sets       *xsync.MapOf[dbus.ObjectPath, setProperties]
	transports *xsync.MapOf[dbus.ObjectPath, transportProperties]

	groupIDs   *xsync.MapOf[dbus.ObjectPath, policy.GroupID]
	groupPaths *xsync.MapOf[policy.GroupID, dbus.ObjectPath]
	nextGroup  atomic.Int64

	services map[bluetooth.Profile]*profileService

	quiet atomic.Bool

	sinkMu sync.RWMutex
	sink   EventSink
}

// Open connects to the system bus and loads the objects of an adapter.
// The adapter is matched by its name (hci0) or address. If empty, the
// first adapter is used.
func Open(ctx context.Context, adapter string, store PolicyStore, logger *slog.Logger) (*Session, error) {
	if logger == nil {
		logger = slog.Default()
	}

	conn, err := dbus.ConnectSystemBus(dbus.WithContext(ctx))
	if err != nil {
		return nil, errorkinds.Wrap(err, "start-systembus", "Cannot initialize system DBus")
	}

	s := newSession(conn, store, logger)
	if err := s.refresh(adapter); err != nil {
		conn.Close()
		return nil, err
	}

	s.log.Info("BlueZ session started",
		"adapter", filepath.Base(string(s.adapterPath)),
		"address", s.adapter.Address.String(),
		"devices", s.devices.Size(),
	)

	return s, nil
}

func newSession(conn *dbus.Conn, store PolicyStore, logger *slog.Logger) *Session {
	s := &Session{
		conn:       conn,
		log:        logger.With("component", "bluez"),
		devices:    xsync.NewMapOf[bluetooth.MacAddress, deviceProperties](),
		paths:      xsync.NewMapOf[dbus.ObjectPath, bluetooth.MacAddress](),
		sets:       xsync.NewMapOf[dbus.ObjectPath, setProperties](),
		transports: xsync.NewMapOf[dbus.ObjectPath, transportProperties](),
		groupIDs:   xsync.NewMapOf[dbus.ObjectPath, policy.GroupID](),
		groupPaths: xsync.NewMapOf[policy.GroupID, dbus.ObjectPath](),
		services:   make(map[bluetooth.Profile]*profileService),
	}

	for _, profile := range bluetooth.Profiles() {
		s.services[profile] = newProfileService(s, profile, store)
	}

	return s
}

// Close closes the connection to the system bus.
func (s *Session) Close() error {
	if err := s.conn.Close(); err != nil {
		return errorkinds.Wrap(err, "stop-systembus", "Error while closing system bus")
	}

	return nil
}

// Attach sets the sink that receives bus events.
func (s *Session) Attach(sink EventSink) {
	s.sinkMu.Lock()
	defer s.sinkMu.Unlock()

	s.sink = sink
}

// Registry returns the profile services of the session.
func (s *Session) Registry() policy.Registry {
	registry := make(policy.Registry, len(s.services))
	for profile, service := range s.services {
		registry[profile] = service
	}

	return registry
}

// Collaborators returns the session as orchestrator collaborators.
func (s *Session) Collaborators(store policy.Store) policy.Collaborators {
	return policy.Collaborators{
		Services:  s.Registry(),
		Store:     store,
		Groups:    s,
		Transport: s,
	}
}

// SetQuietMode enables or disables quiet mode.
func (s *Session) SetQuietMode(enabled bool) {
	s.quiet.Store(enabled)
}

// AdapterState returns the current power state of the adapter.
func (s *Session) AdapterState() bluetooth.AdapterState {
	s.adapterMu.Lock()
	defer s.adapterMu.Unlock()

	return s.adapter.adapterState()
}

// Devices returns the addresses of every known device, in ascending order.
func (s *Session) Devices() []bluetooth.MacAddress {
	var devices []bluetooth.MacAddress

	s.devices.Range(func(address bluetooth.MacAddress, _ deviceProperties) bool {
		devices = append(devices, address)
		return true
	})

	slices.SortFunc(devices, func(a, b bluetooth.MacAddress) int {
		return bytes.Compare(a[:], b[:])
	})

	return devices
}

// Capabilities returns the advertised service UUIDs of a device.
func (s *Session) Capabilities(device bluetooth.MacAddress) []uuid.UUID {
	props, ok := s.devices.Load(device)
	if !ok {
		return nil
	}

	return props.uuids()
}

func (s *Session) eventSink() EventSink {
	s.sinkMu.RLock()
	defer s.sinkMu.RUnlock()

	if s.sink == nil {
		return nopSink{}
	}

	return s.sink
}

// refresh loads the adapter, device, coordinated set and media transport
// objects from the BlueZ object manager.
func (s *Session) refresh(adapter string) error {
	objects := make(map[dbus.ObjectPath]map[string]map[string]dbus.Variant)
	if err := s.conn.Object(bluezBusName, "/").
		Call(dbusObjectManagerIface, 0).
		Store(&objects); err != nil {
		return errorkinds.Wrap(err, "refresh-objects", "Error while initializing object cache")
	}

	if err := s.selectAdapter(objects, adapter); err != nil {
		return err
	}

	for path, object := range objects {
		for iface, values := range object {
			var err error

			switch iface {
			case bluezDeviceIface:
				_, err = s.storeDevice(path, values)

			case bluezDeviceSetIface:
				_, err = s.storeSet(path, values)
			}

			if err != nil {
				s.log.Warn("Cannot decode object", "path", string(path), "interface", iface, "error", err)
			}
		}
	}

	for path, object := range objects {
		if values, ok := object[bluezMediaTransportIface]; ok {
			s.addTransport(path, values, false)
		}
	}

	s.devices.Range(func(address bluetooth.MacAddress, props deviceProperties) bool {
		if props.Connected && len(props.Sets) > 0 {
			s.services[bluetooth.ProfileCoordinatedSet].states.Store(address, bluetooth.StateConnected)
		}

		return true
	})

	return nil
}

// selectAdapter picks the adapter the session is bound to.
func (s *Session) selectAdapter(objects map[dbus.ObjectPath]map[string]map[string]dbus.Variant, name string) error {
	var paths []dbus.ObjectPath
	for path, object := range objects {
		if _, ok := object[bluezAdapterIface]; ok {
			paths = append(paths, path)
		}
	}

	slices.Sort(paths)

	for _, path := range paths {
		var props adapterProperties
		if err := decodeVariantMap(objects[path][bluezAdapterIface], &props, adapterDecodedProperties...); err != nil {
			return errorkinds.Wrap(err, "adapter-map-decode", "Error converting adapter data", "path", string(path))
		}

		if name == "" || filepath.Base(string(path)) == name || props.Address.String() == name {
			s.adapterPath = path
			s.adapter = props

			return nil
		}
	}

	if name == "" {
		name = "any"
	}

	return errorkinds.NotFound(errorkinds.ErrAdapterNotFound, "adapter-select", "The adapter does not exist", "adapter", name)
}

// storeDevice merges Device1 properties into the cache.
// Devices of other adapters are ignored.
func (s *Session) storeDevice(path dbus.ObjectPath, values map[string]dbus.Variant) (deviceProperties, error) {
	current := deviceProperties{Path: path}
	if address, ok := s.paths.Load(path); ok {
		current, _ = s.devices.Load(address)
	}

	props, err := current.merge(values)
	if err != nil {
		return props, errorkinds.Wrap(err, "device-map-decode", "Error converting device data", "path", string(path))
	}

	if props.Adapter != "" && props.Adapter != s.adapterPath {
		return props, nil
	}

	if props.Address.IsNil() {
		return props, errorkinds.Wrap(errorkinds.ErrPropertyDataParse, "device-map-address", "Device has no address", "path", string(path))
	}

	props.Path = path
	s.devices.Store(props.Address, props)
	s.paths.Store(path, props.Address)

	return props, nil
}

func (s *Session) removeDevice(path dbus.ObjectPath) (bluetooth.MacAddress, bool) {
	address, ok := s.paths.LoadAndDelete(path)
	if ok {
		s.devices.Delete(address)
	}

	return address, ok
}

// storeSet merges DeviceSet1 properties into the cache.
func (s *Session) storeSet(path dbus.ObjectPath, values map[string]dbus.Variant) (setProperties, error) {
	current, _ := s.sets.Load(path)
	if err := decodeVariantMap(values, &current, setDecodedProperties...); err != nil {
		return current, errorkinds.Wrap(err, "set-map-decode", "Error converting coordinated set data", "path", string(path))
	}

	s.sets.Store(path, current)

	return current, nil
}

// addTransport records a media transport, and marks its profile as
// connected on the device. The change is only reported when report is set.
func (s *Session) addTransport(path dbus.ObjectPath, values map[string]dbus.Variant, report bool) {
	var props transportProperties
	if err := decodeVariantMap(values, &props, transportDecodedProperties...); err != nil {
		s.log.Warn("Cannot decode media transport", "path", string(path), "error", err)
		return
	}

	device, ok := s.paths.Load(props.Device)
	if !ok {
		return
	}

	profile, ok := props.profile()
	if !ok {
		return
	}

	s.transports.Store(path, props)

	service := s.services[profile]
	if report {
		service.transition(device, bluetooth.StateConnected)
	} else {
		service.states.Store(device, bluetooth.StateConnected)
	}
}

func (s *Session) removeTransport(path dbus.ObjectPath) {
	props, ok := s.transports.LoadAndDelete(path)
	if !ok {
		return
	}

	device, ok := s.paths.Load(props.Device)
	if !ok {
		return
	}

	if profile, ok := props.profile(); ok {
		s.services[profile].transition(device, bluetooth.StateDisconnected)
	}
}

func (s *Session) devicePath(device bluetooth.MacAddress) (dbus.ObjectPath, bool) {
	props, ok := s.devices.Load(device)
	if !ok || props.Path == "" {
		return "", false
	}

	return props.Path, true
}

// callDevice is used to interact with the bluez Device dbus interface.
func (s *Session) callDevice(ctx context.Context, path dbus.ObjectPath, method string, args ...any) error {
	return s.conn.Object(bluezBusName, path).
		CallWithContext(ctx, bluezDeviceIface+"."+method, 0, args...).
		Store()
}

type nopSink struct{}

func (nopSink) OnCapabilitiesDiscovered(bluetooth.MacAddress, []uuid.UUID) {}
func (nopSink) OnProfileConnectionStateChanged(bluetooth.Profile, bluetooth.MacAddress, bluetooth.ConnectionState, bluetooth.ConnectionState) {
}
func (nopSink) OnActivePathChanged(bluetooth.Profile, bluetooth.MacAddress)               {}
func (nopSink) OnAdapterPowerStateChanged(bluetooth.AdapterState, bluetooth.AdapterState) {}
func (nopSink) OnLinkConnected(bluetooth.MacAddress)                                      {}
func (nopSink) OnLinkDisconnected(bluetooth.MacAddress)                                   {}
