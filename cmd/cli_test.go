package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/darkhz/bluepolicy/bluetooth"
	"github.com/darkhz/bluepolicy/store"
	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupHome(t *testing.T) string {
	t.Helper()

	color.NoColor = true

	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("XDG_CONFIG_HOME", home)

	return filepath.Join(home, "bluepolicy")
}

func runApp(t *testing.T, args ...string) (string, error) {
	t.Helper()

	var out bytes.Buffer

	app := newApp()
	app.Writer = &out
	app.ErrWriter = &out
	app.ExitErrHandler = nil

	err := app.Run(append([]string{"bluepolicy"}, args...))

	return out.String(), err
}

func TestTitle(t *testing.T) {
	assert.Equal(t, "Set Policy", title("set-policy"))
	assert.Equal(t, "Classic Audio", title("classic-audio"))
	assert.Equal(t, "Forbidden", title("forbidden"))
}

func TestTable(t *testing.T) {
	color.NoColor = true

	var out bytes.Buffer

	tbl := newTable("Profile", "Policy")
	tbl.add(nil, "Telephony", "Allowed")
	tbl.add(color.New(color.FgRed), "LE Audio", "Forbidden")
	tbl.print(&out)

	assert.Equal(t, "Profile    Policy\nTelephony  Allowed\nLE Audio   Forbidden\n", out.String())
}

func TestPolicyCommands(t *testing.T) {
	dir := setupHome(t)

	out, err := runApp(t, "policy", "set", "--device", "AA:BB:CC:DD:EE:01", "--profile", "a2dp", "--value", "forbidden")
	require.NoError(t, err)
	assert.Contains(t, out, "Classic Audio policy of AA:BB:CC:DD:EE:01 set to forbidden")
	assert.FileExists(t, filepath.Join(dir, "bluepolicy.db"))

	out, err = runApp(t, "policy", "allowlist", "--device", "AA:BB:CC:DD:EE:01")
	require.NoError(t, err)
	assert.Contains(t, out, "added to the LE audio allowlist")

	out, err = runApp(t, "policy", "get", "--device", "AA:BB:CC:DD:EE:01")
	require.NoError(t, err)
	assert.Regexp(t, `Classic Audio\s+Forbidden`, out)
	assert.Regexp(t, `Telephony\s+Unknown`, out)
	assert.Regexp(t, `LE Audio Allowlist\s+true`, out)

	out, err = runApp(t, "policy", "get", "--device", "AA:BB:CC:DD:EE:01", "--profile", "classic-audio")
	require.NoError(t, err)
	assert.Regexp(t, `Classic Audio\s+Forbidden`, out)
	assert.NotContains(t, out, "Telephony")

	_, err = runApp(t, "policy", "set", "--device", "AA:BB", "--profile", "a2dp", "--value", "allowed")
	assert.Error(t, err)

	_, err = runApp(t, "policy", "set", "--device", "AA:BB:CC:DD:EE:01", "--profile", "a2dp", "--value", "maybe")
	assert.Error(t, err)
}

func TestHistoryCommand(t *testing.T) {
	dir := setupHome(t)
	require.NoError(t, os.MkdirAll(dir, 0o700))

	ctx := context.Background()

	db, err := store.OpenSQLite(ctx, filepath.Join(dir, "bluepolicy.db"))
	require.NoError(t, err)

	first := bluetooth.MustParseMAC("AA:BB:CC:DD:EE:01")
	second := bluetooth.MustParseMAC("AA:BB:CC:DD:EE:02")

	require.NoError(t, db.RecordConnection(ctx, first, bluetooth.ProfileClassicAudio))
	require.NoError(t, db.RecordConnection(ctx, second, bluetooth.ProfileClassicAudio))
	require.NoError(t, db.RecordDisconnection(ctx, first, bluetooth.ProfileTelephony))
	require.NoError(t, db.Close())

	out, err := runApp(t, "history", "--profile", "a2dp")
	require.NoError(t, err)

	assert.Regexp(t, `Classic Audio\s+1\s+AA:BB:CC:DD:EE:02\s+Connected`, out)
	assert.Regexp(t, `Classic Audio\s+2\s+AA:BB:CC:DD:EE:01\s+Connected`, out)
	assert.NotContains(t, out, "Telephony")

	out, err = runApp(t, "history")
	require.NoError(t, err)
	assert.Regexp(t, `Telephony\s+1\s+AA:BB:CC:DD:EE:01\s+Disconnected`, out)

	_, err = runApp(t, "history", "--profile", "bogus")
	assert.Error(t, err)
}

func TestSimulateCommand(t *testing.T) {
	setupHome(t)

	out, err := runApp(t, "simulate", "--no-progress", filepath.Join("..", "simulator", "testdata", "first-discovery.yaml"))
	require.NoError(t, err)

	assert.Contains(t, out, "Scenario: ")
	assert.Contains(t, out, "Store Policy")
	assert.Contains(t, out, "All expectations passed")

	_, err = runApp(t, "simulate")
	assert.Error(t, err)

	_, err = runApp(t, "simulate", filepath.Join("..", "simulator", "testdata", "missing.yaml"))
	assert.Error(t, err)
}
