package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/darkhz/bluepolicy/bluetooth"
	"github.com/knadh/koanf/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"
)

// loadWith runs a minimal application with the given arguments and
// returns the configuration it loaded.
func loadWith(t *testing.T, args ...string) (*Config, *koanf.Koanf) {
	t.Helper()

	var (
		cfg = NewConfig()
		k   = koanf.New(".")
	)

	app := &cli.App{
		Name: "bluepolicy",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "retry-delay"},
			&cli.StringFlag{Name: "log-level"},
			&cli.BoolFlag{Name: "dual-mode-audio"},
			&cli.StringSliceFlag{Name: "le-audio-allowlist"},
		},
		Action: func(cliCtx *cli.Context) error {
			cliCtx.Command.Name = "global"

			return cfg.Load(k, cliCtx)
		},
	}

	require.NoError(t, app.Run(append([]string{"bluepolicy"}, args...)))

	return cfg, k
}

func setupHome(t *testing.T) string {
	t.Helper()

	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(home, "xdg"))
	require.NoError(t, os.Mkdir(filepath.Join(home, "xdg"), 0o700))

	return filepath.Join(home, "xdg", "bluepolicy")
}

func TestLoadDefaults(t *testing.T) {
	dir := setupHome(t)

	cfg, _ := loadWith(t)
	require.NoError(t, cfg.ValidateValues())

	assert.Equal(t, dir, cfg.Dir())
	assert.FileExists(t, filepath.Join(dir, configFile))

	v := cfg.Values
	assert.Equal(t, filepath.Join(dir, databaseFile), v.Database)
	assert.Equal(t, "info", v.LogLevel)
	assert.True(t, v.LeAudioEnabledByDefault)
	assert.Equal(t, DefaultRetryDelay, v.RetryDelayDuration)

	opts := v.PolicyOptions()
	assert.True(t, opts.LeAudioEnabledByDefault)
	assert.Equal(t, DefaultRetryDelay, opts.RetryDelay)
}

func TestLoadFileAndFlags(t *testing.T) {
	dir := setupHome(t)
	require.NoError(t, os.MkdirAll(dir, 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(dir, configFile), []byte(`{
  log-level: debug
  retry-delay: 10s
  multi-hfp-fallback: true
  le-audio-enabled-by-default: false
  le-audio-allowlist: ["AA:BB:CC:DD:EE:01"]
}`), 0o600))

	cfg, _ := loadWith(t, "--retry-delay", "2s", "--dual-mode-audio")
	require.NoError(t, cfg.ValidateValues())

	v := cfg.Values
	assert.Equal(t, "debug", v.LogLevel)
	assert.Equal(t, 2*time.Second, v.RetryDelayDuration)
	assert.True(t, v.MultiHfpFallback)
	assert.True(t, v.DualModeAudio)
	assert.False(t, v.LeAudioEnabledByDefault)
	assert.Equal(t, []bluetooth.MacAddress{bluetooth.MustParseMAC("AA:BB:CC:DD:EE:01")}, v.Allowlist)

	opts := v.PolicyOptions()
	assert.True(t, opts.MultiHfpFallback)
	assert.True(t, opts.DualModeAudio)
	assert.False(t, opts.LeAudioEnabledByDefault)
	assert.Equal(t, 2*time.Second, opts.RetryDelay)

	lopts := v.LoggerOptions()
	assert.Equal(t, "debug", lopts.Level)
}

func TestGenerateAndSave(t *testing.T) {
	dir := setupHome(t)

	cfg, k := loadWith(t, "--log-level", "warn")
	require.NoError(t, cfg.GenerateAndSave(k))

	data, err := os.ReadFile(filepath.Join(dir, configFile))
	require.NoError(t, err)
	assert.Contains(t, string(data), "warn")

	reloaded, _ := loadWith(t)
	assert.Equal(t, "warn", reloaded.Values.LogLevel)
}

func TestValidateValues(t *testing.T) {
	tests := []struct {
		name    string
		values  Values
		wantErr bool
	}{
		{name: "empty", values: Values{}},
		{name: "bad level", values: Values{LogLevel: "verbose"}, wantErr: true},
		{name: "bad format", values: Values{LogFormat: "xml"}, wantErr: true},
		{name: "bad delay", values: Values{RetryDelay: "soon"}, wantErr: true},
		{name: "negative delay", values: Values{RetryDelay: "-1s"}, wantErr: true},
		{name: "bad allowlist", values: Values{LeAudioAllowlist: []string{"AA:BB"}}, wantErr: true},
		{name: "missing database dir", values: Values{Database: "/nonexistent/dir/policy.db"}, wantErr: true},
		{name: "memory database", values: Values{Database: ":memory:"}},
		{
			name: "comma separated allowlist",
			values: Values{
				LeAudioAllowlist: []string{"AA:BB:CC:DD:EE:01, AA:BB:CC:DD:EE:02"},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.values.validateValues()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}

			assert.NoError(t, err)
		})
	}

	v := Values{LeAudioAllowlist: []string{"AA:BB:CC:DD:EE:01, AA:BB:CC:DD:EE:02"}}
	require.NoError(t, v.validateValues())
	assert.Len(t, v.Allowlist, 2)
}
