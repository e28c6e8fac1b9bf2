package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/darkhz/bluepolicy/bluetooth"
	"github.com/darkhz/bluepolicy/logger"
	"github.com/darkhz/bluepolicy/policy"
)

// DefaultRetryDelay is the delay before connecting the remaining profiles of a
// partially connected device.
const DefaultRetryDelay = 6 * time.Second

// Values describes the possible configuration values that a user can
// modify and supply to the daemon.
type Values struct {
	Adapter                 string   `koanf:"adapter"`
	Database                string   `koanf:"database"`
	LogLevel                string   `koanf:"log-level"`
	LogFormat               string   `koanf:"log-format"`
	LogOutput               string   `koanf:"log-output"`
	RetryDelay              string   `koanf:"retry-delay"`
	LeAudioEnabledByDefault bool     `koanf:"le-audio-enabled-by-default"`
	BypassLeAudioAllowlist  bool     `koanf:"bypass-le-audio-allowlist"`
	DualModeAudio           bool     `koanf:"dual-mode-audio"`
	AutoConnectProfiles     bool     `koanf:"auto-connect-profiles"`
	MultiHfpFallback        bool     `koanf:"multi-hfp-fallback"`
	QuietMode               bool     `koanf:"quiet-mode"`
	LeAudioAllowlist        []string `koanf:"le-audio-allowlist"`

	RetryDelayDuration time.Duration
	Allowlist          []bluetooth.MacAddress
}

// PolicyOptions returns the orchestrator options described by the configuration.
func (v *Values) PolicyOptions() policy.Options {
	opts := policy.DefaultOptions()

	opts.LeAudioEnabledByDefault = v.LeAudioEnabledByDefault
	opts.BypassLeAudioAllowlist = v.BypassLeAudioAllowlist
	opts.DualModeAudio = v.DualModeAudio
	opts.AutoConnectProfilesSupported = v.AutoConnectProfiles
	opts.MultiHfpFallback = v.MultiHfpFallback
	if v.RetryDelayDuration > 0 {
		opts.RetryDelay = v.RetryDelayDuration
	}

	return opts
}

// LoggerOptions returns the logger options described by the configuration.
func (v *Values) LoggerOptions() logger.Options {
	return logger.Options{
		Level:  v.LogLevel,
		Format: v.LogFormat,
		Output: v.LogOutput,
	}
}

// validateValues validates all configuration values.
func (v *Values) validateValues() error {
	for _, validate := range []func() error{
		v.validateLogging,
		v.validateRetryDelay,
		v.validateAllowlist,
		v.validateDatabase,
	} {
		if err := validate(); err != nil {
			return err
		}
	}

	return nil
}

// validateLogging validates the log level and format.
func (v *Values) validateLogging() error {
	if v.LogLevel != "" && !logger.IsLevel(v.LogLevel) {
		return fmt.Errorf("provided log level '%s' is incorrect.\nValid levels are 'debug, info, warn, error'", v.LogLevel)
	}

	switch strings.ToLower(v.LogFormat) {
	case "", "text", "json":
	default:
		return fmt.Errorf("provided log format '%s' is incorrect.\nValid formats are 'text, json'", v.LogFormat)
	}

	return nil
}

// validateRetryDelay validates the delay before remaining profiles are connected.
func (v *Values) validateRetryDelay() error {
	if v.RetryDelay == "" {
		v.RetryDelayDuration = DefaultRetryDelay
		return nil
	}

	delay, err := time.ParseDuration(v.RetryDelay)
	if err != nil || delay <= 0 {
		return fmt.Errorf("provided retry delay '%s' is incorrect (for example, '6s')", v.RetryDelay)
	}

	v.RetryDelayDuration = delay

	return nil
}

// validateAllowlist validates the addresses of devices that may use LE audio.
// Entries may also be comma-separated.
func (v *Values) validateAllowlist() error {
	v.Allowlist = nil

	for _, entry := range v.LeAudioAllowlist {
		for _, addr := range strings.Split(entry, ",") {
			addr = strings.TrimSpace(addr)
			if addr == "" {
				continue
			}

			mac, err := bluetooth.ParseMAC(addr)
			if err != nil {
				return fmt.Errorf("invalid address format in le-audio-allowlist: %s", addr)
			}

			v.Allowlist = append(v.Allowlist, mac)
		}
	}

	return nil
}

// validateDatabase validates that the directory of the policy database exists.
func (v *Values) validateDatabase() error {
	if v.Database == "" || v.Database == ":memory:" {
		return nil
	}

	dir := filepath.Dir(v.Database)
	if statpath, err := os.Stat(dir); err != nil || !statpath.IsDir() {
		return fmt.Errorf("%s: Directory is not accessible", dir)
	}

	return nil
}
