package simulator

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"

	"github.com/darkhz/bluepolicy/bluetooth"
	"github.com/darkhz/bluepolicy/errorkinds"
	"github.com/darkhz/bluepolicy/policy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestScenarioFiles(t *testing.T) {
	files, err := filepath.Glob(filepath.Join("testdata", "*.yaml"))
	require.NoError(t, err)
	require.NotEmpty(t, files)

	for _, file := range files {
		t.Run(filepath.Base(file), func(t *testing.T) {
			sc, err := LoadScenario(file)
			require.NoError(t, err)

			var steps []int
			report, err := Run(context.Background(), sc, discardLogger(), func(index int, _ Step) {
				steps = append(steps, index)
			})
			require.NoError(t, err)

			assert.Empty(t, report.Failures)
			assert.True(t, report.Passed())
			assert.Len(t, steps, len(sc.Steps))
		})
	}
}

func TestDecodeScenario(t *testing.T) {
	sc, err := DecodeScenario(strings.NewReader(`
name: decode
options:
  le-audio-enabled-by-default: false
  retry-delay: 250ms
devices:
  - address: "AA:BB:CC:DD:EE:FF"
    type: dual
    profiles: [a2dp, hfp]
steps:
  - capabilities:
      device: "AA:BB:CC:DD:EE:FF"
      profiles: [classic-audio]
      uuids: ["0000111e-0000-1000-8000-00805f9b34fb"]
  - quiet: true
  - autoconnect: true
`))
	require.NoError(t, err)

	assert.Equal(t, "decode", sc.Name)
	require.Len(t, sc.Steps, 3)
	assert.Equal(t, "capabilities AA:BB:CC:DD:EE:FF", sc.Steps[0].Description())
	assert.Equal(t, "quiet mode true", sc.Steps[1].Description())
	assert.Equal(t, "auto-connect", sc.Steps[2].Description())

	uuids, err := sc.Steps[0].Capabilities.uuids()
	require.NoError(t, err)
	assert.Equal(t,
		bluetooth.NewProfileSet(bluetooth.ProfileClassicAudio, bluetooth.ProfileTelephony),
		bluetooth.ProfilesFromUUIDs(uuids),
	)

	opts := sc.Options.PolicyOptions()
	assert.False(t, opts.LeAudioEnabledByDefault)
	assert.Equal(t, "250ms", opts.RetryDelay.String())
	assert.True(t, policy.DefaultOptions().LeAudioEnabledByDefault)
}

func TestDecodeScenarioErrors(t *testing.T) {
	tests := map[string]string{
		"unknown field": "name: x\nbogus: 1\n",
		"bad address":   "devices:\n  - address: nope\n",
		"two actions":   "steps:\n  - wait: 1s\n    autoconnect: true\n",
		"no action":     "steps:\n  - {}\n",
		"bad wait":      "steps:\n  - wait: soon\n",
		"bad delay":     "options:\n  retry-delay: -1s\n",
		"no method":     "expect:\n  - {device: \"AA:BB:CC:DD:EE:FF\"}\n",
	}

	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeScenario(strings.NewReader(doc))
			require.Error(t, err)

			if name != "unknown field" {
				assert.ErrorIs(t, err, errorkinds.ErrScenarioInvalid)
			}
		})
	}
}

func TestRunReportsFailedExpectations(t *testing.T) {
	sc, err := DecodeScenario(strings.NewReader(`
name: failing
devices:
  - address: "AA:BB:CC:DD:EE:01"
    type: classic
    profiles: [telephony]
steps:
  - capabilities:
      device: "AA:BB:CC:DD:EE:01"
      profiles: [telephony]
expect:
  - {method: connect, device: "AA:BB:CC:DD:EE:01", profile: telephony}
  - {method: store-policy, device: "AA:BB:CC:DD:EE:01", profile: telephony, policy: allowed}
`))
	require.NoError(t, err)

	report, err := Run(context.Background(), sc, discardLogger(), nil)
	require.NoError(t, err)

	assert.False(t, report.Passed())
	require.Len(t, report.Failures, 1)
	assert.Contains(t, report.Failures[0], "got 0 calls, want 1")
	assert.NotEmpty(t, report.Notifications)

	d, ok := report.Snapshot.Device(bluetooth.MustParseMAC("AA:BB:CC:DD:EE:01"))
	require.True(t, ok)
	assert.True(t, d.Capabilities.Has(bluetooth.ProfileTelephony))
}

func TestRunStepError(t *testing.T) {
	sc, err := DecodeScenario(strings.NewReader(`
steps:
  - state: {device: "AA:BB:CC:DD:EE:01", profile: telephony, to: sideways}
`))
	require.NoError(t, err)

	_, err = Run(context.Background(), sc, discardLogger(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "step 1")
}

func TestGroups(t *testing.T) {
	g := NewGroups()
	left := bluetooth.MustParseMAC("AA:BB:CC:DD:EE:01")
	right := bluetooth.MustParseMAC("AA:BB:CC:DD:EE:02")

	_, ok := g.GroupID(left)
	assert.False(t, ok)

	g.Define(7, 2)
	g.Join(7, left)
	g.Join(7, right)
	g.Join(7, left)

	group, ok := g.GroupID(right)
	require.True(t, ok)
	assert.Equal(t, policy.GroupID(7), group)
	assert.Equal(t, 2, g.DesiredGroupSize(group))
	assert.Equal(t, []bluetooth.MacAddress{left, right}, g.OrderedGroupMembers(group))

	members := g.OrderedGroupMembers(group)
	members[0] = right
	assert.Equal(t, left, g.OrderedGroupMembers(group)[0])
}

func TestJournal(t *testing.T) {
	world := NewWorld()
	device := bluetooth.MustParseMAC("AA:BB:CC:DD:EE:01")

	service := world.Service(bluetooth.ProfileTelephony)
	assert.True(t, service.SetConnectionPolicy(device, bluetooth.PolicyAllowed))
	assert.True(t, service.Connect(device))

	service.Reject(true)
	assert.False(t, service.Connect(device))

	assert.Equal(t, 2, world.Journal.Count(MethodConnect, device, bluetooth.ProfileTelephony))
	assert.Equal(t, 1, world.Journal.CountPolicy(MethodSetPolicy, device, bluetooth.ProfileTelephony, bluetooth.PolicyAllowed))
	assert.Equal(t, bluetooth.PolicyAllowed, world.Policy(device, bluetooth.ProfileTelephony))

	world.Journal.Reset()
	assert.Empty(t, world.Journal.Calls())
}
