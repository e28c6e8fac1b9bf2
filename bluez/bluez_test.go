package bluez

import (
	"context"
	"sync"
	"testing"

	"github.com/darkhz/bluepolicy/bluetooth"
	"github.com/darkhz/bluepolicy/errorkinds"
	"github.com/darkhz/bluepolicy/logger"
	"github.com/darkhz/bluepolicy/store"
	"github.com/godbus/dbus/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

const (
	adapterPath = dbus.ObjectPath("/org/bluez/hci0")
	setPath     = dbus.ObjectPath("/org/bluez/hci0/set_1")
	leftPath    = dbus.ObjectPath("/org/bluez/hci0/dev_00_11_22_33_44_01")
	rightPath   = dbus.ObjectPath("/org/bluez/hci0/dev_00_11_22_33_44_02")
	foreignPath = dbus.ObjectPath("/org/bluez/hci1/dev_00_11_22_33_44_09")
	fdPath      = dbus.ObjectPath("/org/bluez/hci0/dev_00_11_22_33_44_01/fd0")
)

var (
	left  = bluetooth.MustParseMAC("00:11:22:33:44:01")
	right = bluetooth.MustParseMAC("00:11:22:33:44:02")
)

type profileChange struct {
	profile           bluetooth.Profile
	device            bluetooth.MacAddress
	previous, current bluetooth.ConnectionState
}

// recordingSink records every event reported by a session.
type recordingSink struct {
	mu sync.Mutex

	capabilities map[bluetooth.MacAddress][]uuid.UUID
	profiles     []profileChange
	active       []bluetooth.Profile
	adapter      [][2]bluetooth.AdapterState
	linkUp       []bluetooth.MacAddress
	linkDown     []bluetooth.MacAddress
}

func newRecordingSink() *recordingSink {
	return &recordingSink{capabilities: make(map[bluetooth.MacAddress][]uuid.UUID)}
}

func (r *recordingSink) OnCapabilitiesDiscovered(device bluetooth.MacAddress, capabilities []uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.capabilities[device] = capabilities
}

func (r *recordingSink) OnProfileConnectionStateChanged(profile bluetooth.Profile, device bluetooth.MacAddress, previous, current bluetooth.ConnectionState) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.profiles = append(r.profiles, profileChange{profile, device, previous, current})
}

func (r *recordingSink) OnActivePathChanged(profile bluetooth.Profile, _ bluetooth.MacAddress) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.active = append(r.active, profile)
}

func (r *recordingSink) OnAdapterPowerStateChanged(previous, current bluetooth.AdapterState) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.adapter = append(r.adapter, [2]bluetooth.AdapterState{previous, current})
}

func (r *recordingSink) OnLinkConnected(device bluetooth.MacAddress) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.linkUp = append(r.linkUp, device)
}

func (r *recordingSink) OnLinkDisconnected(device bluetooth.MacAddress) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.linkDown = append(r.linkDown, device)
}

func testSession(t *testing.T) (*Session, *recordingSink, *store.Memory) {
	t.Helper()

	mem := store.NewMemory()
	s := newSession(nil, mem, logger.Discard())
	s.adapterPath = adapterPath

	sink := newRecordingSink()
	s.Attach(sink)

	return s, sink, mem
}

func deviceValues(address string, connected bool, uuids ...uuid.UUID) map[string]dbus.Variant {
	values := map[string]dbus.Variant{
		"Adapter":   dbus.MakeVariant(adapterPath),
		"Address":   dbus.MakeVariant(address),
		"Connected": dbus.MakeVariant(connected),
	}

	if len(uuids) > 0 {
		strs := make([]string, 0, len(uuids))
		for _, u := range uuids {
			strs = append(strs, u.String())
		}

		values["UUIDs"] = dbus.MakeVariant(strs)
	}

	return values
}

func interfacesAdded(path dbus.ObjectPath, iface string, values map[string]dbus.Variant) *dbus.Signal {
	return &dbus.Signal{
		Name: dbusSignalInterfacesAddedIface,
		Body: []any{path, map[string]map[string]dbus.Variant{iface: values}},
	}
}

func interfacesRemoved(path dbus.ObjectPath, ifaces ...string) *dbus.Signal {
	return &dbus.Signal{
		Name: dbusSignalInterfacesRemovedIface,
		Body: []any{path, ifaces},
	}
}

func propertiesChanged(path dbus.ObjectPath, iface string, values map[string]dbus.Variant) *dbus.Signal {
	return &dbus.Signal{
		Name: dbusSignalPropertyChangedIface,
		Path: path,
		Body: []any{iface, values, []string{}},
	}
}

func TestDecodeVariantMapMerges(t *testing.T) {
	props, err := deviceProperties{}.merge(map[string]dbus.Variant{
		"Address":     dbus.MakeVariant("00:11:22:33:44:01"),
		"AddressType": dbus.MakeVariant("public"),
		"Class":       dbus.MakeVariant(uint32(0x240418)),
		"Connected":   dbus.MakeVariant(true),
		"Icon":        dbus.MakeVariant("audio-headset"),
	})
	require.NoError(t, err)

	assert.Equal(t, left, props.Address)
	assert.Equal(t, uint32(0x240418), props.Class)
	assert.True(t, props.Connected)

	props, err = props.merge(map[string]dbus.Variant{
		"Name": dbus.MakeVariant("Headphones"),
	})
	require.NoError(t, err)

	assert.Equal(t, "Headphones", props.Name)
	assert.Equal(t, left, props.Address)
	assert.True(t, props.Connected)

	props, err = props.merge(map[string]dbus.Variant{
		"Connected": dbus.MakeVariant(false),
	})
	require.NoError(t, err)
	assert.False(t, props.Connected)
}

func TestDeviceType(t *testing.T) {
	tests := []struct {
		name  string
		props deviceProperties
		want  bluetooth.DeviceType
	}{
		{name: "unknown", want: bluetooth.DeviceTypeUnknown},
		{name: "class only", props: deviceProperties{Class: 0x240418}, want: bluetooth.DeviceTypeClassicOnly},
		{
			name:  "classic services",
			props: deviceProperties{UUIDs: []string{bluetooth.AudioSinkUUID.String()}},
			want:  bluetooth.DeviceTypeClassicOnly,
		},
		{
			name:  "random address",
			props: deviceProperties{AddressType: "random"},
			want:  bluetooth.DeviceTypeLEOnly,
		},
		{
			name:  "le audio services",
			props: deviceProperties{UUIDs: []string{bluetooth.PublishedAudioUUID.String(), bluetooth.CoordinatedSetUUID.String()}},
			want:  bluetooth.DeviceTypeLEOnly,
		},
		{
			name: "dual mode",
			props: deviceProperties{
				Class: 0x240418,
				UUIDs: []string{bluetooth.HandsfreeUUID.String(), bluetooth.LeAudioUUID.String()},
			},
			want: bluetooth.DeviceTypeDual,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.props.deviceType())
		})
	}
}

func TestAdapterState(t *testing.T) {
	tests := []struct {
		props adapterProperties
		want  bluetooth.AdapterState
	}{
		{props: adapterProperties{}, want: bluetooth.AdapterOff},
		{props: adapterProperties{Powered: true}, want: bluetooth.AdapterOn},
		{props: adapterProperties{PowerState: "off-enabling"}, want: bluetooth.AdapterTurningOn},
		{props: adapterProperties{Powered: true, PowerState: "on-disabling"}, want: bluetooth.AdapterTurningOff},
		{props: adapterProperties{Powered: true, PowerState: "off-blocked"}, want: bluetooth.AdapterOff},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.props.adapterState(), "%+v", tt.props)
	}
}

func TestParseSets(t *testing.T) {
	value := dbus.MakeVariant(map[dbus.ObjectPath]map[string]dbus.Variant{
		"/org/bluez/hci0/set_2": {"Rank": dbus.MakeVariant(uint8(2))},
		setPath:                 {"Rank": dbus.MakeVariant(uint8(1))},
	})

	assert.Equal(t, []dbus.ObjectPath{setPath, "/org/bluez/hci0/set_2"}, parseSets(value))
	assert.Empty(t, parseSets(dbus.MakeVariant("invalid")))
}

func TestTransportProfile(t *testing.T) {
	profile, ok := transportProperties{UUID: bluetooth.AudioSinkUUID.String()}.profile()
	require.True(t, ok)
	assert.Equal(t, bluetooth.ProfileClassicAudio, profile)

	_, ok = transportProperties{UUID: "0000110a-0000-1000-8000-00805f9b34fb"}.profile()
	assert.False(t, ok)

	_, ok = transportProperties{UUID: "invalid"}.profile()
	assert.False(t, ok)
}

func TestSelectAdapter(t *testing.T) {
	objects := map[dbus.ObjectPath]map[string]map[string]dbus.Variant{
		"/org/bluez/hci0": {bluezAdapterIface: {
			"Address": dbus.MakeVariant("AA:BB:CC:DD:EE:00"),
			"Powered": dbus.MakeVariant(true),
		}},
		"/org/bluez/hci1": {bluezAdapterIface: {
			"Address": dbus.MakeVariant("AA:BB:CC:DD:EE:01"),
		}},
		leftPath: {bluezDeviceIface: deviceValues("00:11:22:33:44:01", false)},
	}

	tests := []struct {
		name     string
		adapter  string
		wantPath dbus.ObjectPath
	}{
		{name: "first", wantPath: "/org/bluez/hci0"},
		{name: "by name", adapter: "hci1", wantPath: "/org/bluez/hci1"},
		{name: "by address", adapter: "AA:BB:CC:DD:EE:01", wantPath: "/org/bluez/hci1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newSession(nil, store.NewMemory(), logger.Discard())

			require.NoError(t, s.selectAdapter(objects, tt.adapter))
			assert.Equal(t, tt.wantPath, s.adapterPath)
		})
	}

	s := newSession(nil, store.NewMemory(), logger.Discard())
	require.NoError(t, s.selectAdapter(objects, ""))
	assert.Equal(t, bluetooth.AdapterOn, s.AdapterState())

	err := s.selectAdapter(objects, "hci9")
	require.Error(t, err)
	assert.ErrorIs(t, err, errorkinds.ErrAdapterNotFound)
	assert.True(t, errorkinds.IsNotFound(err))
}

func TestDeviceSignals(t *testing.T) {
	s, sink, _ := testSession(t)

	s.parseSignalData(interfacesAdded(leftPath, bluezDeviceIface,
		deviceValues("00:11:22:33:44:01", true, bluetooth.HandsfreeUUID, bluetooth.AudioSinkUUID),
	))

	assert.Equal(t, []bluetooth.MacAddress{left}, sink.linkUp)
	assert.ElementsMatch(t, []uuid.UUID{bluetooth.HandsfreeUUID, bluetooth.AudioSinkUUID}, sink.capabilities[left])
	assert.Equal(t, bluetooth.LinkConnected, s.LinkState(left))
	assert.Equal(t, bluetooth.DeviceTypeClassicOnly, s.DeviceType(left))
	assert.True(t, s.IsProfileSupported(left, bluetooth.ProfileTelephony))
	assert.False(t, s.IsProfileSupported(left, bluetooth.ProfileLeAudio))

	// Unchanged capabilities are not reported again.
	delete(sink.capabilities, left)
	s.parseSignalData(propertiesChanged(leftPath, bluezDeviceIface, map[string]dbus.Variant{
		"UUIDs": dbus.MakeVariant([]string{bluetooth.HandsfreeUUID.String(), bluetooth.AudioSinkUUID.String()}),
	}))
	assert.NotContains(t, sink.capabilities, left)

	s.parseSignalData(propertiesChanged(leftPath, bluezDeviceIface, map[string]dbus.Variant{
		"Connected": dbus.MakeVariant(false),
	}))

	assert.Equal(t, []bluetooth.MacAddress{left}, sink.linkDown)
	assert.Equal(t, bluetooth.LinkDisconnected, s.LinkState(left))

	s.parseSignalData(interfacesRemoved(leftPath, bluezDeviceIface))
	assert.Empty(t, s.Devices())
	assert.Equal(t, bluetooth.DeviceTypeUnknown, s.DeviceType(left))
}

func TestForeignAdapterDevicesAreIgnored(t *testing.T) {
	s, sink, _ := testSession(t)

	values := deviceValues("00:11:22:33:44:09", true, bluetooth.AudioSinkUUID)
	values["Adapter"] = dbus.MakeVariant(dbus.ObjectPath("/org/bluez/hci1"))

	s.parseSignalData(interfacesAdded(foreignPath, bluezDeviceIface, values))

	assert.Empty(t, s.Devices())
	assert.Empty(t, sink.linkUp)
	assert.Empty(t, sink.capabilities)
}

func TestAdapterSignals(t *testing.T) {
	s, sink, _ := testSession(t)

	s.parseSignalData(propertiesChanged(adapterPath, bluezAdapterIface, map[string]dbus.Variant{
		"PowerState": dbus.MakeVariant("off-enabling"),
	}))
	s.parseSignalData(propertiesChanged(adapterPath, bluezAdapterIface, map[string]dbus.Variant{
		"Powered":    dbus.MakeVariant(true),
		"PowerState": dbus.MakeVariant("on"),
	}))
	s.parseSignalData(propertiesChanged("/org/bluez/hci1", bluezAdapterIface, map[string]dbus.Variant{
		"Powered": dbus.MakeVariant(false),
	}))

	assert.Equal(t, [][2]bluetooth.AdapterState{
		{bluetooth.AdapterOff, bluetooth.AdapterTurningOn},
		{bluetooth.AdapterTurningOn, bluetooth.AdapterOn},
	}, sink.adapter)
	assert.Equal(t, bluetooth.AdapterOn, s.AdapterState())
}

func TestMediaTransportSignals(t *testing.T) {
	s, sink, _ := testSession(t)

	s.parseSignalData(interfacesAdded(leftPath, bluezDeviceIface,
		deviceValues("00:11:22:33:44:01", true, bluetooth.AudioSinkUUID),
	))
	s.parseSignalData(interfacesAdded(fdPath, bluezMediaTransportIface, map[string]dbus.Variant{
		"Device": dbus.MakeVariant(leftPath),
		"UUID":   dbus.MakeVariant(bluetooth.AudioSinkUUID.String()),
		"State":  dbus.MakeVariant("idle"),
	}))

	service := s.services[bluetooth.ProfileClassicAudio]
	assert.Equal(t, bluetooth.StateConnected, service.ConnectionState(left))
	assert.Equal(t, []bluetooth.MacAddress{left}, service.ConnectedDevices())

	s.parseSignalData(propertiesChanged(fdPath, bluezMediaTransportIface, map[string]dbus.Variant{
		"State": dbus.MakeVariant("active"),
	}))
	s.parseSignalData(propertiesChanged(fdPath, bluezMediaTransportIface, map[string]dbus.Variant{
		"Volume": dbus.MakeVariant(uint16(64)),
	}))
	assert.Equal(t, []bluetooth.Profile{bluetooth.ProfileClassicAudio}, sink.active)

	s.parseSignalData(interfacesRemoved(fdPath, bluezMediaTransportIface))
	assert.Equal(t, bluetooth.StateDisconnected, service.ConnectionState(left))

	assert.Equal(t, []profileChange{
		{bluetooth.ProfileClassicAudio, left, bluetooth.StateDisconnected, bluetooth.StateConnected},
		{bluetooth.ProfileClassicAudio, left, bluetooth.StateConnected, bluetooth.StateDisconnected},
	}, sink.profiles)
}

func TestLinkLossResetsProfiles(t *testing.T) {
	s, sink, _ := testSession(t)

	s.parseSignalData(interfacesAdded(leftPath, bluezDeviceIface,
		deviceValues("00:11:22:33:44:01", true, bluetooth.AudioSinkUUID, bluetooth.HandsfreeUUID),
	))
	s.services[bluetooth.ProfileTelephony].transition(left, bluetooth.StateConnected)
	s.services[bluetooth.ProfileClassicAudio].transition(left, bluetooth.StateConnecting)

	sink.profiles = nil
	s.parseSignalData(propertiesChanged(leftPath, bluezDeviceIface, map[string]dbus.Variant{
		"Connected": dbus.MakeVariant(false),
	}))

	assert.ElementsMatch(t, []profileChange{
		{bluetooth.ProfileTelephony, left, bluetooth.StateConnected, bluetooth.StateDisconnected},
		{bluetooth.ProfileClassicAudio, left, bluetooth.StateConnecting, bluetooth.StateDisconnected},
	}, sink.profiles)

	for _, profile := range bluetooth.Profiles() {
		assert.Empty(t, s.services[profile].ConnectedDevices(), profile.String())
	}
}

func TestCoordinatedSetSignals(t *testing.T) {
	s, sink, _ := testSession(t)

	s.parseSignalData(interfacesAdded(setPath, bluezDeviceSetIface, map[string]dbus.Variant{
		"AutoConnect": dbus.MakeVariant(true),
		"Devices":     dbus.MakeVariant([]dbus.ObjectPath{rightPath}),
		"Size":        dbus.MakeVariant(uint8(2)),
	}))

	sets := dbus.MakeVariant(map[dbus.ObjectPath]map[string]dbus.Variant{
		setPath: {"Rank": dbus.MakeVariant(uint8(1))},
	})

	leftValues := deviceValues("00:11:22:33:44:01", true, bluetooth.PublishedAudioUUID, bluetooth.CoordinatedSetUUID)
	leftValues["Sets"] = sets
	s.parseSignalData(interfacesAdded(leftPath, bluezDeviceIface, leftValues))

	group, ok := s.GroupID(left)
	require.True(t, ok)
	assert.Equal(t, 2, s.DesiredGroupSize(group))
	assert.Equal(t, []bluetooth.MacAddress{left}, s.OrderedGroupMembers(group))
	assert.Equal(t, bluetooth.DeviceTypeLEOnly, s.DeviceType(left))

	rightValues := deviceValues("00:11:22:33:44:02", false, bluetooth.PublishedAudioUUID, bluetooth.CoordinatedSetUUID)
	rightValues["Sets"] = sets
	s.parseSignalData(interfacesAdded(rightPath, bluezDeviceIface, rightValues))

	other, ok := s.GroupID(right)
	require.True(t, ok)
	assert.Equal(t, group, other)
	assert.Equal(t, []bluetooth.MacAddress{right, left}, s.OrderedGroupMembers(group))

	// Only connected members report their set membership.
	assert.Equal(t, []profileChange{
		{bluetooth.ProfileCoordinatedSet, left, bluetooth.StateDisconnected, bluetooth.StateConnected},
	}, sink.profiles)

	_, ok = s.GroupID(bluetooth.MustParseMAC("00:11:22:33:44:03"))
	assert.False(t, ok)
	assert.Zero(t, s.DesiredGroupSize(group+1))
	assert.Empty(t, s.OrderedGroupMembers(group+1))
}

func TestProfileServicePolicy(t *testing.T) {
	s, _, mem := testSession(t)

	s.parseSignalData(interfacesAdded(leftPath, bluezDeviceIface,
		deviceValues("00:11:22:33:44:01", false, bluetooth.AudioSinkUUID),
	))

	service := s.Registry()[bluetooth.ProfileClassicAudio]
	require.NotNil(t, service)

	assert.Equal(t, bluetooth.PolicyUnknown, service.ConnectionPolicy(left))
	assert.True(t, service.SetConnectionPolicy(left, bluetooth.PolicyForbidden))
	assert.Equal(t, bluetooth.PolicyForbidden, service.ConnectionPolicy(left))

	stored, err := mem.ProfileConnectionPolicy(context.Background(), left, bluetooth.ProfileClassicAudio)
	require.NoError(t, err)
	assert.Equal(t, bluetooth.PolicyForbidden, stored)

	// Unknown devices cannot be connected.
	assert.False(t, service.Connect(right))
	assert.False(t, service.Disconnect(right))

	// A disconnected profile needs no call to disconnect.
	assert.True(t, service.Disconnect(left))
}

func TestProfileServiceBeginsOnce(t *testing.T) {
	s, _, _ := testSession(t)

	service := s.services[bluetooth.ProfileClassicAudio]
	require.NotNil(t, service)

	var (
		wg      sync.WaitGroup
		started atomic.Int32
	)

	for range 8 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			if _, ok := service.begin(left, bluetooth.StateConnected, bluetooth.StateConnecting); ok {
				started.Inc()
			}
		}()
	}

	wg.Wait()

	assert.Equal(t, int32(1), started.Load())
	assert.Equal(t, bluetooth.StateConnecting, service.ConnectionState(left))

	previous, ok := service.begin(left, bluetooth.StateDisconnected, bluetooth.StateDisconnecting)
	assert.True(t, ok)
	assert.Equal(t, bluetooth.StateConnecting, previous)

	service.reset(left)

	_, ok = service.begin(left, bluetooth.StateDisconnected, bluetooth.StateDisconnecting)
	assert.False(t, ok)
	assert.Equal(t, bluetooth.StateDisconnected, service.ConnectionState(left))
}

func TestQuietMode(t *testing.T) {
	s, _, _ := testSession(t)

	assert.False(t, s.IsQuietModeEnabled())
	s.SetQuietMode(true)
	assert.True(t, s.IsQuietModeEnabled())
}

func TestSync(t *testing.T) {
	s, sink, _ := testSession(t)
	s.Attach(nil)

	s.parseSignalData(interfacesAdded(leftPath, bluezDeviceIface,
		deviceValues("00:11:22:33:44:01", true, bluetooth.AudioSinkUUID),
	))
	s.parseSignalData(interfacesAdded(rightPath, bluezDeviceIface,
		deviceValues("00:11:22:33:44:02", false),
	))
	assert.Empty(t, sink.linkUp)

	s.Attach(sink)
	s.Sync()

	assert.Equal(t, []bluetooth.MacAddress{left}, sink.linkUp)
	assert.Contains(t, sink.capabilities, left)
	assert.NotContains(t, sink.capabilities, right)
	assert.Equal(t, []bluetooth.MacAddress{left, right}, s.Devices())
	assert.Len(t, s.Capabilities(left), 1)
}
