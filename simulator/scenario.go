package simulator

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/darkhz/bluepolicy/bluetooth"
	"github.com/darkhz/bluepolicy/errorkinds"
	"github.com/darkhz/bluepolicy/policy"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Scenario describes a simulated environment and the events replayed against it.
type Scenario struct {
	Name    string        `yaml:"name"`
	Options Options       `yaml:"options"`
	Groups  []GroupSpec   `yaml:"groups"`
	Devices []DeviceSpec  `yaml:"devices"`
	History []HistorySpec `yaml:"history"`
	Steps   []Step        `yaml:"steps"`
	Expect  []Expectation `yaml:"expect"`
}

// Options are the orchestrator options of a scenario.
type Options struct {
	LeAudioEnabledByDefault *bool  `yaml:"le-audio-enabled-by-default"`
	BypassLeAudioAllowlist  bool   `yaml:"bypass-le-audio-allowlist"`
	DualModeAudio           bool   `yaml:"dual-mode-audio"`
	AutoConnectProfiles     bool   `yaml:"auto-connect-profiles"`
	MultiHfpFallback        bool   `yaml:"multi-hfp-fallback"`
	QuietMode               bool   `yaml:"quiet-mode"`
	RetryDelay              string `yaml:"retry-delay"`
}

// GroupSpec describes a coordinated set.
type GroupSpec struct {
	ID   int `yaml:"id"`
	Size int `yaml:"size"`
}

// DeviceSpec describes a device known before the scenario starts.
type DeviceSpec struct {
	Address     string            `yaml:"address"`
	Name        string            `yaml:"name"`
	Type        string            `yaml:"type"`
	Link        bool              `yaml:"link"`
	Profiles    []string          `yaml:"profiles"`
	Policies    map[string]string `yaml:"policies"`
	States      map[string]string `yaml:"states"`
	Group       int               `yaml:"group"`
	Allowlisted bool              `yaml:"allowlisted"`
}

// HistorySpec is a connection history entry, oldest first.
type HistorySpec struct {
	Device    string `yaml:"device"`
	Profile   string `yaml:"profile"`
	Connected bool   `yaml:"connected"`
}

// Step is a single scenario action. Exactly one field is set.
type Step struct {
	Capabilities *CapabilitiesStep `yaml:"capabilities,omitempty"`
	State        *StateStep        `yaml:"state,omitempty"`
	Active       *ActiveStep       `yaml:"active,omitempty"`
	Power        *PowerStep        `yaml:"power,omitempty"`
	Link         *LinkStep         `yaml:"link,omitempty"`
	Join         *JoinStep         `yaml:"join,omitempty"`
	Wait         string            `yaml:"wait,omitempty"`
	AutoConnect  bool              `yaml:"autoconnect,omitempty"`
	Quiet        *bool             `yaml:"quiet,omitempty"`
}

// CapabilitiesStep reports discovered capabilities. Profiles are
// converted to their service class UUIDs and added to UUIDs.
type CapabilitiesStep struct {
	Device   string   `yaml:"device"`
	Profiles []string `yaml:"profiles"`
	UUIDs    []string `yaml:"uuids"`
}

// StateStep changes the connection state of a device's profile.
// From defaults to the state the service currently reports.
type StateStep struct {
	Device  string `yaml:"device"`
	Profile string `yaml:"profile"`
	From    string `yaml:"from"`
	To      string `yaml:"to"`
}

// ActiveStep makes a profile the active path of a device.
type ActiveStep struct {
	Device  string `yaml:"device"`
	Profile string `yaml:"profile"`
}

// PowerStep changes the adapter power state.
type PowerStep struct {
	From string `yaml:"from"`
	To   string `yaml:"to"`
}

// LinkStep brings the link of a device up or down.
type LinkStep struct {
	Device    string `yaml:"device"`
	Connected bool   `yaml:"connected"`
}

// JoinStep adds a device to a coordinated set.
type JoinStep struct {
	Device string `yaml:"device"`
	Group  int    `yaml:"group"`
}

// Expectation checks the number of recorded calls after the scenario ran.
type Expectation struct {
	Method  string `yaml:"method"`
	Device  string `yaml:"device"`
	Profile string `yaml:"profile"`
	Policy  string `yaml:"policy"`
	Count   *int   `yaml:"count"`
}

// LoadScenario reads a scenario file.
func LoadScenario(path string) (*Scenario, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open scenario: %w", err)
	}
	defer f.Close()

	return DecodeScenario(f)
}

// DecodeScenario decodes and validates a scenario.
func DecodeScenario(r io.Reader) (*Scenario, error) {
	var sc Scenario

	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	if err := dec.Decode(&sc); err != nil {
		return nil, fmt.Errorf("decode scenario: %w", err)
	}

	if err := sc.validate(); err != nil {
		return nil, err
	}

	return &sc, nil
}

// Description returns a short description of the step.
func (s Step) Description() string {
	switch {
	case s.Capabilities != nil:
		return "capabilities " + s.Capabilities.Device
	case s.State != nil:
		return fmt.Sprintf("%s %s -> %s", s.State.Device, s.State.Profile, s.State.To)
	case s.Active != nil:
		return fmt.Sprintf("active %s %s", s.Active.Device, s.Active.Profile)
	case s.Power != nil:
		return "power " + s.Power.To
	case s.Link != nil:
		if s.Link.Connected {
			return "link up " + s.Link.Device
		}
		return "link down " + s.Link.Device
	case s.Join != nil:
		return fmt.Sprintf("join %s to set %d", s.Join.Device, s.Join.Group)
	case s.Wait != "":
		return "wait " + s.Wait
	case s.AutoConnect:
		return "auto-connect"
	case s.Quiet != nil:
		return fmt.Sprintf("quiet mode %t", *s.Quiet)
	}

	return "empty step"
}

func (sc *Scenario) validate() error {
	if _, err := sc.Options.retryDelay(); err != nil {
		return err
	}

	for i, d := range sc.Devices {
		if _, err := bluetooth.ParseMAC(d.Address); err != nil {
			return invalid("device %d: address %q", i, d.Address)
		}
	}

	for i, step := range sc.Steps {
		set := 0
		for _, ok := range []bool{
			step.Capabilities != nil, step.State != nil, step.Active != nil,
			step.Power != nil, step.Link != nil, step.Join != nil,
			step.Wait != "", step.AutoConnect, step.Quiet != nil,
		} {
			if ok {
				set++
			}
		}

		if set != 1 {
			return invalid("step %d: exactly one action must be set", i+1)
		}

		if step.Wait != "" {
			if _, err := time.ParseDuration(step.Wait); err != nil {
				return invalid("step %d: wait %q", i+1, step.Wait)
			}
		}
	}

	for i, e := range sc.Expect {
		if e.Method == "" {
			return invalid("expectation %d: method is required", i+1)
		}
	}

	return nil
}

func (o Options) retryDelay() (time.Duration, error) {
	if o.RetryDelay == "" {
		return time.Second, nil
	}

	d, err := time.ParseDuration(o.RetryDelay)
	if err != nil || d <= 0 {
		return 0, invalid("retry-delay %q", o.RetryDelay)
	}

	return d, nil
}

// PolicyOptions converts the scenario options to orchestrator options.
func (o Options) PolicyOptions() policy.Options {
	opts := policy.DefaultOptions()
	if o.LeAudioEnabledByDefault != nil {
		opts.LeAudioEnabledByDefault = *o.LeAudioEnabledByDefault
	}

	opts.BypassLeAudioAllowlist = o.BypassLeAudioAllowlist
	opts.DualModeAudio = o.DualModeAudio
	opts.AutoConnectProfilesSupported = o.AutoConnectProfiles
	opts.MultiHfpFallback = o.MultiHfpFallback
	opts.RetryDelay, _ = o.retryDelay()

	return opts
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), errorkinds.ErrScenarioInvalid)
}

func parseDevice(s string) (bluetooth.MacAddress, error) {
	device, err := bluetooth.ParseMAC(s)
	if err != nil {
		return device, fmt.Errorf("device %q: %w", s, err)
	}

	return device, nil
}

func parseProfiles(names []string) ([]bluetooth.Profile, error) {
	profiles := make([]bluetooth.Profile, 0, len(names))
	for _, name := range names {
		p, err := bluetooth.ParseProfile(name)
		if err != nil {
			return nil, fmt.Errorf("profile %q: %w", name, err)
		}

		profiles = append(profiles, p)
	}

	return profiles, nil
}

func parseState(s string) (bluetooth.ConnectionState, error) {
	var state bluetooth.ConnectionState
	if err := state.UnmarshalText([]byte(s)); err != nil {
		return state, fmt.Errorf("state %q: %w", s, err)
	}

	return state, nil
}

func (c *CapabilitiesStep) uuids() ([]uuid.UUID, error) {
	profiles, err := parseProfiles(c.Profiles)
	if err != nil {
		return nil, err
	}

	uuids := make([]uuid.UUID, 0, len(profiles)+len(c.UUIDs))
	for _, p := range profiles {
		uuids = append(uuids, bluetooth.ProfileUUID(p))
	}

	for _, value := range c.UUIDs {
		u, err := uuid.Parse(value)
		if err != nil {
			return nil, fmt.Errorf("uuid %q: %w", value, err)
		}

		uuids = append(uuids, u)
	}

	return uuids, nil
}
